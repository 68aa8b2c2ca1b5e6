package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Session establishment.
	ReasonConfigMissing    ReasonCode = "config_missing"
	ReasonSessionExists    ReasonCode = "session_exists"
	ReasonHandshake        ReasonCode = "handshake"
	ReasonHandshakeTimeout ReasonCode = "handshake_timeout"
	ReasonAuthRejected     ReasonCode = "auth_rejected"

	// Session runtime.
	ReasonAbnormalDisconnect ReasonCode = "abnormal_disconnect"
	ReasonReconnectExhausted ReasonCode = "reconnect_exhausted"
	ReasonSendRejected       ReasonCode = "send_rejected"
	ReasonParse              ReasonCode = "parse"
	ReasonCallback           ReasonCode = "callback"
	ReasonSessionStale       ReasonCode = "session_stale"

	// Ingest surface.
	ReasonIngestDecode ReasonCode = "ingest_decode"
	ReasonIngestSend   ReasonCode = "ingest_send"
)
