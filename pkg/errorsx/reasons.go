package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTStream      ReasonCode = "stt_stream"
	ReasonSTTOverflow    ReasonCode = "stt_overflow"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSynthesize  ReasonCode = "tts_synthesize"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonEngineGenerate    ReasonCode = "engine_generate"
	ReasonEngineStream      ReasonCode = "engine_stream"
	ReasonEngineRateLimit   ReasonCode = "engine_rate_limit"
	ReasonEngineCircuitOpen ReasonCode = "engine_circuit_open"

	ReasonProtocolMalformed  ReasonCode = "protocol_malformed"
	ReasonProtocolOutOfState ReasonCode = "protocol_out_of_state"
	ReasonProtocolDesync     ReasonCode = "protocol_desync"
	ReasonProtocolRateLimit  ReasonCode = "protocol_rate_limit"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportClosed           ReasonCode = "transport_closed"

	ReasonSessionInvariant ReasonCode = "session_invariant"
	ReasonSessionPanic     ReasonCode = "session_panic"
)

// ErrorClass groups reasons by how far their damage may spread.
type ErrorClass string

const (
	// ClassTransport destroys the session; the client must re-handshake.
	ClassTransport ErrorClass = "transport"
	// ClassProvider is absorbed at the turn boundary.
	ClassProvider ErrorClass = "provider"
	// ClassProtocol drops the offending event.
	ClassProtocol ErrorClass = "protocol"
	// ClassFatal moves the session to ERROR and closes the connection.
	ClassFatal ErrorClass = "fatal"
)

// Class maps a reason code onto the error taxonomy.
func Class(reason ReasonCode) ErrorClass {
	switch reason {
	case ReasonSTTConnect, ReasonSTTSend, ReasonSTTStream, ReasonSTTOverflow, ReasonSTTCircuitOpen,
		ReasonTTSConnect, ReasonTTSSynthesize, ReasonTTSRateLimit, ReasonTTSCircuitOpen,
		ReasonEngineGenerate, ReasonEngineStream, ReasonEngineRateLimit, ReasonEngineCircuitOpen:
		return ClassProvider
	case ReasonProtocolMalformed, ReasonProtocolOutOfState, ReasonProtocolDesync, ReasonProtocolRateLimit:
		return ClassProtocol
	case ReasonTransportInvalidSignature, ReasonTransportSend, ReasonTransportClosed:
		return ClassTransport
	default:
		return ClassFatal
	}
}
