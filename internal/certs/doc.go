// Package certs implements the certificate trust chain.
//
// Certificates form a tree rooted at self-signed sources of authority. Each
// certificate carries a scope, instantiated from a scope definition and
// parameters, and is signed by its parent's secp256k1 key. A child's scope
// must be a subset of its parent's; this is enforced at issuance and
// re-checked at every link during verification.
//
// Certificates are never revoked. A certificate that has been verified once
// stays valid for as long as its chain does.
package certs
