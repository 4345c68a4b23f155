// Package engine runs transfer sessions between instances.
//
// A sync session is opened after a certificate exchange; within it each
// push or pull is a transfer session that moves through a fixed pipeline:
//
//	INITIALIZING -> SERIALIZING -> QUEUING -> TRANSFERRING ->
//	DEQUEUING -> DESERIALIZING -> CLEANUP -> COMPLETED
//
// Stages never run out of order and are never skipped. Each stage is
// driven by an ordered chain of operations. The Controller offers the
// session to each operation in turn; the first one that does not Defer
// decides the stage's status. A stage no operation handles is a
// configuration error and leaves the session in place.
//
// Roles:
//
// The client drives every session. The side that sends records is the
// producer; the other side is the receiver. For a push the client
// produces, for a pull the server does. Operations look at these roles and
// defer when a stage is not theirs to run, so the same default chains
// serve both sides.
//
// Resumability:
//
// Transfer progress is persisted after every chunk. A session abandoned
// at any stage before CLEANUP resumes from its last persisted stage and
// skips chunks already transferred. Resuming re-verifies both certificate
// chains first.
package engine
