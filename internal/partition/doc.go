// Package partition implements partition containment, filters, scopes and
// scope definitions.
//
// A partition is a colon-delimited string such as "facility1:user7". A prefix
// contains a partition only at a segment boundary, so "F1" contains "F1:U1"
// but not "F10:U1". A Filter is a set of such prefixes; a Scope bundles the
// read, write and read-write filters granted by a certificate.
package partition
