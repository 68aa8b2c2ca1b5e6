package captions

import (
	"time"

	"github.com/kreolabs/captiond/pkg/deepgram"
)

// Event is one normalized transcription result delivered to a consumer.
type Event struct {
	CallID          string          `json:"call_id"`
	RoomName        string          `json:"room_name"`
	ParticipantID   string          `json:"participant_id"`
	ParticipantName string          `json:"participant_name"`
	Text            string          `json:"text"`
	IsFinal         bool            `json:"is_final"`
	Confidence      float64         `json:"confidence"`
	Timestamp       time.Time       `json:"timestamp"`
	Words           []deepgram.Word `json:"words,omitempty"`
}

// Consumer receives caption events for one session. It runs on the
// session's dispatch goroutine, so a slow consumer delays only its own
// session. Panics are caught and logged.
type Consumer func(Event)

// TerminateReason explains why the registry evicted a session on its own.
type TerminateReason string

const (
	// TerminateReconnectExhausted means the reconnection policy gave up.
	TerminateReconnectExhausted TerminateReason = "reconnect_exhausted"
	// TerminateStale means the reaper evicted an idle session.
	TerminateStale TerminateReason = "stale"
	// TerminateRemoteClosed means the backend closed the socket cleanly.
	TerminateRemoteClosed TerminateReason = "remote_closed"
)

// TerminatedFunc is an optional hook invoked when the registry evicts a
// session without the caller asking for it. Explicit Stop calls do not
// trigger it.
type TerminatedFunc func(key Key, reason TerminateReason)
