package ir

import "time"

// Request headers sent with every wire request.
const (
	// HeaderClient identifies the calling instance for diagnostics.
	HeaderClient = "X-Peersync-Client"

	// HeaderCompression names the codec used for a chunk body.
	HeaderCompression = "X-Peersync-Compression"
)

// Capabilities an instance may advertise during negotiation.
const (
	CapabilitySnappy    = "snappy"
	CapabilityResumable = "resumable"
)

// CapabilitiesResponse answers negotiate_capabilities.
type CapabilitiesResponse struct {
	InstanceID      InstanceID `json:"instance_id"`
	ProtocolVersion string     `json:"protocol_version"`
	EngineVersion   string     `json:"engine_version"`
	Capabilities    []string   `json:"capabilities"`
}

// NonceResponse carries a single-use nonce for sync session creation.
type NonceResponse struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CertificateEnvelope is a certificate as exchanged between peers: the
// signed canonical content and the parent's signature over it.
type CertificateEnvelope struct {
	ID         string `json:"id"`
	Serialized string `json:"serialized"`
	Signature  string `json:"signature"`
}

// CertificateSigningRequest asks a peer holding ParentID's private key to
// issue a child certificate for PublicKey.
type CertificateSigningRequest struct {
	ParentID          string            `json:"parent_id"`
	ScopeDefinitionID string            `json:"scope_definition_id"`
	ScopeParams       map[string]string `json:"scope_params"`
	PublicKey         string            `json:"public_key"`
}

// CertificateChainResponse lists a chain root first.
type CertificateChainResponse struct {
	Chain []CertificateEnvelope `json:"chain"`
}

// CreateSyncSessionRequest opens a sync session after the nonce handshake.
// Signature is made by the client leaf key over SyncSessionSigningContent.
type CreateSyncSessionRequest struct {
	ID                  string                `json:"id"`
	Profile             string                `json:"profile"`
	ClientChain         []CertificateEnvelope `json:"client_chain"`
	ServerCertificateID string                `json:"server_certificate_id"`
	Nonce               string                `json:"nonce"`
	Signature           string                `json:"signature"`
	ClientInstanceID    InstanceID            `json:"client_instance_id"`
	Capabilities        []string              `json:"capabilities"`
}

// SyncSessionSigningContent is the message the client signs to prove
// ownership of its leaf certificate.
func SyncSessionSigningContent(nonce, syncSessionID, serverCertificateID string) string {
	return nonce + ":" + syncSessionID + ":" + serverCertificateID
}

// CreateSyncSessionResponse returns the server's chain for client verification.
type CreateSyncSessionResponse struct {
	ID               string                `json:"id"`
	ServerChain      []CertificateEnvelope `json:"server_chain"`
	ServerInstanceID InstanceID            `json:"server_instance_id"`
	Capabilities     []string              `json:"capabilities"`
}

// CreateTransferSessionRequest opens one push or pull within a sync session.
type CreateTransferSessionRequest struct {
	ID            string    `json:"id"`
	SyncSessionID string    `json:"sync_session_id"`
	Filter        string    `json:"filter"`
	Direction     Direction `json:"direction"`
	ClientFMC     Counters  `json:"client_fmc"`
}

// CreateTransferSessionResponse reports the server's FMC and, for pulls,
// how many records it queued. ChunkSize fixes the page size both sides use
// to number chunks.
type CreateTransferSessionResponse struct {
	ID                 string   `json:"id"`
	RecordsTotal       int64    `json:"records_total"`
	RecordsTransferred int64    `json:"records_transferred"`
	ServerFMC          Counters `json:"server_fmc"`
	Stage              string   `json:"stage"`
	ChunkSize          int      `json:"chunk_size"`
}

// Chunk is one fixed-size page of buffer entries. Seq is zero-based and
// monotonic within a transfer session.
type Chunk struct {
	TransferSessionID string        `json:"transfer_session_id"`
	Seq               int64         `json:"seq"`
	Records           []BufferEntry `json:"records"`
}

// ChunkAck acknowledges a pushed chunk.
type ChunkAck struct {
	TransferSessionID  string `json:"transfer_session_id"`
	Seq                int64  `json:"seq"`
	RecordsTransferred int64  `json:"records_transferred"`
}

// FinishTransferSessionRequest asks the server to run its remaining stages.
// For pushes SenderFMC is the client's guaranteed FMC computed at queuing
// and RecordsTotal the number of records the client queued.
type FinishTransferSessionRequest struct {
	ID           string   `json:"id"`
	SenderFMC    Counters `json:"sender_fmc,omitempty"`
	RecordsTotal int64    `json:"records_total"`
}

// FinishTransferSessionResponse reports the server-side final state.
type FinishTransferSessionResponse struct {
	ID                 string `json:"id"`
	Stage              string `json:"stage"`
	RecordsTransferred int64  `json:"records_transferred"`
}

// PullChunkRequest asks for one chunk of a pull transfer session.
type PullChunkRequest struct {
	TransferSessionID string `json:"transfer_session_id"`
	Seq               int64  `json:"seq"`
}

// FMCRequest asks for the responder's guaranteed FMC for Filter.
type FMCRequest struct {
	Filter string `json:"filter"`
}

// FMCResponse answers get_fmc.
type FMCResponse struct {
	Filter   string   `json:"filter"`
	Counters Counters `json:"counters"`
}

// ErrorResponse is the body of every non-2xx wire response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
