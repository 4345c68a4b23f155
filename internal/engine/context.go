package engine

import (
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

// MergeStats counts what happened to records during a session.
type MergeStats struct {
	New                 int `json:"new"`
	FastForward         int `json:"fast_forward"`
	AlreadyHave         int `json:"already_have"`
	Conflict            int `json:"conflict"`
	Rejected            int `json:"rejected"`
	Serialized          int `json:"serialized"`
	Deserialized        int `json:"deserialized"`
	DeserializeFailures int `json:"deserialize_failures"`
}

// SessionContext is what the controller hands every operation: the
// session rows, the certificates on both ends and the transport to the
// peer. Operations record their results on it; the controller persists the
// transfer session after each stage.
type SessionContext struct {
	Sync     ir.SyncSession
	Transfer ir.TransferSession
	Filter   partition.Filter

	// LocalCert is the certificate this side authenticated with,
	// RemoteCert the peer's.
	LocalCert  ir.Certificate
	RemoteCert ir.Certificate

	// Peer is set on the client only.
	Peer Peer

	// ChunkSize is the page size agreed for this transfer.
	ChunkSize int

	Stats MergeStats

	// finishing is set on the server when the client has signalled that
	// it is done transferring.
	finishing bool
}

// IsServer reports whether this side is the server of the sync session.
func (sc *SessionContext) IsServer() bool { return sc.Sync.IsServer }

// IsPush reports whether records flow from client to server.
func (sc *SessionContext) IsPush() bool { return sc.Transfer.IsPush() }

// IsProducer reports whether this side sends records.
func (sc *SessionContext) IsProducer() bool { return sc.IsPush() != sc.IsServer() }

// IsReceiver reports whether this side receives records.
func (sc *SessionContext) IsReceiver() bool { return !sc.IsProducer() }

// ClientCert returns the certificate the client authenticated with. Its
// scope decides what the transfer may carry.
func (sc *SessionContext) ClientCert() ir.Certificate {
	if sc.IsServer() {
		return sc.RemoteCert
	}
	return sc.LocalCert
}

// Operation returns the access the client certificate must grant for the
// transfer's records: write for a push, read for a pull.
func (sc *SessionContext) Operation() partition.Operation {
	if sc.IsPush() {
		return partition.OpWrite
	}
	return partition.OpRead
}

// ReceiverFMC is the receiver's advertised FMC; the producer queues only
// records beyond it.
func (sc *SessionContext) ReceiverFMC() ir.Counters {
	if sc.IsPush() {
		return sc.Transfer.ServerFMC
	}
	return sc.Transfer.ClientFMC
}

// SenderFMC is the producer's FMC; the receiver records it in its DMC once
// every queued record is merged.
func (sc *SessionContext) SenderFMC() ir.Counters {
	if sc.IsPush() {
		return sc.Transfer.ClientFMC
	}
	return sc.Transfer.ServerFMC
}

func (sc *SessionContext) setSenderFMC(c ir.Counters) {
	if sc.IsPush() {
		sc.Transfer.ClientFMC = c
	} else {
		sc.Transfer.ServerFMC = c
	}
}

func (sc *SessionContext) setReceiverFMC(c ir.Counters) {
	if sc.IsPush() {
		sc.Transfer.ServerFMC = c
	} else {
		sc.Transfer.ClientFMC = c
	}
}
