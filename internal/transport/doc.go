// Package transport carries the sync wire protocol over HTTP.
//
// Server exposes an engine.Peer (normally the engine's Responder) as JSON
// endpoints under /api/v1. Client is the matching engine.Peer for the
// initiating side. Every request carries the caller's instance ID in
// ir.HeaderClient. Chunk bodies may be snappy-compressed when both sides
// advertised the capability; ir.HeaderCompression names the codec.
//
// Errors travel as ir.ErrorResponse so their codes survive the hop: a
// coded error from the server is returned by Client as the same ir code,
// anything else surfaces as TRANSFER_NETWORK and is retried by the engine.
package transport
