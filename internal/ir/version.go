package ir

// Version constants for the wire protocol and engine.
const (
	// ProtocolVersion is the wire protocol version advertised by negotiate_capabilities.
	ProtocolVersion = "1"

	// EngineVersion is the peersync engine version.
	EngineVersion = "0.3.0"
)
