package ingest

import "github.com/kreolabs/captiond/pkg/captions"

// Inbound envelope from the room orchestration layer. The event field
// discriminates; exactly one payload pointer is set.
type clientEvent struct {
	Event    string           `json:"event"`
	Start    *startPayload    `json:"start,omitempty"`
	Media    *mediaPayload    `json:"media,omitempty"`
	Stop     *stopPayload     `json:"stop,omitempty"`
	StopCall *stopCallPayload `json:"stop_call,omitempty"`
}

type startPayload struct {
	CallID          string `json:"call_id"`
	RoomName        string `json:"room_name"`
	ParticipantID   string `json:"participant_id"`
	ParticipantName string `json:"participant_name"`
}

type mediaPayload struct {
	CallID        string `json:"call_id"`
	ParticipantID string `json:"participant_id"`
	Payload       string `json:"payload"` // base64 raw audio
}

type stopPayload struct {
	CallID        string `json:"call_id"`
	ParticipantID string `json:"participant_id"`
}

type stopCallPayload struct {
	CallID string `json:"call_id"`
}

// Outbound envelope to the room orchestration layer.
type serverEvent struct {
	Event   string          `json:"event"`
	Caption *captions.Event `json:"caption,omitempty"`
	Started *startPayload   `json:"started,omitempty"`
	Ended   *endedPayload   `json:"ended,omitempty"`
	Error   *errorPayload   `json:"error,omitempty"`
}

type endedPayload struct {
	CallID        string `json:"call_id"`
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason"`
}

type errorPayload struct {
	CallID        string `json:"call_id"`
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
}
