// Package identity derives and records the identity of this instance.
//
// An instance ID is a hash of the current database ID together with stable
// host properties (a system ID and a network node ID). The database ID is
// random and is regenerated when a database file is cloned or restored, so
// two copies of the same file never stamp versions with the same instance
// ID and counter.
//
// Identity is never cached globally. Establish is called once at startup and
// the returned Context is passed to whatever needs it.
package identity
