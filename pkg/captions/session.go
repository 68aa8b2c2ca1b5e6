package captions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kreolabs/captiond/pkg/deepgram"
)

// Key identifies one participant's session within the registry.
type Key string

// NewKey derives the registry lookup key from call and participant ids.
func NewKey(callID, participantID string) Key {
	return Key(callID + "#" + participantID)
}

// State is the lifecycle state of a session's upstream connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is the state for one participant's streaming connection. Identity
// fields are immutable for the session's lifetime; everything behind mu is
// owned jointly by the registry, the lifecycle driver and the forwarder.
type Session struct {
	key             Key
	callID          string
	roomName        string
	participantID   string
	participantName string
	traceID         string

	consumer Consumer
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *deepgram.Conn
	attempts     int
	retryTimer   *time.Timer
	lastActivity time.Time
	chunkCount   uint64
	metaLogged   bool

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// Key returns the registry lookup key.
func (s *Session) Key() Key { return s.key }

// touch advances lastActivity, keeping it monotonically non-decreasing.
func (s *Session) touch() {
	s.mu.Lock()
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// attach installs a freshly opened connection. It succeeds only from
// Connecting or Reconnecting; the attempt counter resets the moment the
// session reaches Open.
func (s *Session) attach(conn *deepgram.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting && s.state != StateReconnecting {
		return false
	}
	s.state = StateOpen
	s.conn = conn
	s.attempts = 0
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	return true
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// emit hands an event to the session's dispatch goroutine without ever
// blocking the delivery path. A full buffer drops the event.
func (s *Session) emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// markDone releases the dispatch goroutine. Safe to call repeatedly.
func (s *Session) markDone() {
	s.stopOnce.Do(func() { close(s.done) })
}

// SessionStat is a read-only view of one active session for observability.
// It never exposes the transport handle.
type SessionStat struct {
	Key               Key       `json:"key"`
	CallID            string    `json:"call_id"`
	RoomName          string    `json:"room_name"`
	ParticipantID     string    `json:"participant_id"`
	ParticipantName   string    `json:"participant_name"`
	State             string    `json:"state"`
	Open              bool      `json:"open"`
	LastActivity      time.Time `json:"last_activity"`
	ChunkCount        uint64    `json:"chunk_count"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

func (s *Session) stat() SessionStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStat{
		Key:               s.key,
		CallID:            s.callID,
		RoomName:          s.roomName,
		ParticipantID:     s.participantID,
		ParticipantName:   s.participantName,
		State:             s.state.String(),
		Open:              s.state == StateOpen,
		LastActivity:      s.lastActivity,
		ChunkCount:        s.chunkCount,
		ReconnectAttempts: s.attempts,
	}
}
