package captions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kreolabs/captiond/pkg/configutil"
	"github.com/kreolabs/captiond/pkg/deepgram"
	"github.com/kreolabs/captiond/pkg/errorsx"
	"github.com/kreolabs/captiond/pkg/logging"
	"github.com/kreolabs/captiond/pkg/metrics"
)

// Config tunes the registry. Zero values fall back to platform defaults.
type Config struct {
	Backend deepgram.Config

	OpenTimeout          time.Duration `mapstructure:"open_timeout"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	IdleThreshold        time.Duration `mapstructure:"idle_threshold"`
	ReapInterval         time.Duration `mapstructure:"reap_interval"`
	KeepAlivePeriod      time.Duration `mapstructure:"keepalive_period"`
	DispatchBuffer       int           `mapstructure:"dispatch_buffer"`

	// OnTerminated fires when the registry evicts a session the caller did
	// not stop (reconnect exhaustion, stale reap, remote close).
	OnTerminated TerminatedFunc

	// Redactor, when set, rewrites caption text before dispatch. Scoped to
	// this registry so instances with different policies can coexist.
	Redactor func(string) string

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (c Config) withDefaults() Config {
	c.OpenTimeout = configutil.DurationValue(c.OpenTimeout, 10*time.Second)
	c.BackoffBase = configutil.DurationValue(c.BackoffBase, time.Second)
	c.BackoffCap = configutil.DurationValue(c.BackoffCap, 10*time.Second)
	c.MaxReconnectAttempts = configutil.IntValue(c.MaxReconnectAttempts, 3)
	c.IdleThreshold = configutil.DurationValue(c.IdleThreshold, 5*time.Minute)
	c.ReapInterval = configutil.DurationValue(c.ReapInterval, time.Minute)
	c.KeepAlivePeriod = configutil.DurationValue(c.KeepAlivePeriod, 5*time.Second)
	c.DispatchBuffer = configutil.IntValue(c.DispatchBuffer, 64)
	return c
}

// StartRequest carries the identity of the participant to transcribe and
// the consumer that receives their caption events.
type StartRequest struct {
	CallID          string
	RoomName        string
	ParticipantID   string
	ParticipantName string
	Consumer        Consumer
}

// Registry owns the map of active sessions keyed by (call, participant) and
// composes the lifecycle driver, reconnection policy, forwarder, dispatcher
// and stale reaper. Registries are independent; tests run several at once.
type Registry struct {
	cfg     Config
	policy  BackoffPolicy
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.RWMutex
	sessions map[Key]*Session
	closed   bool

	reaperStop chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
}

// NewRegistry builds a registry and starts its reaper.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:        cfg,
		policy:     NewBackoffPolicy(cfg.BackoffBase, cfg.BackoffCap, cfg.MaxReconnectAttempts),
		logger:     logging.NewComponentLogger(cfg.Logger, "captions.registry"),
		metrics:    cfg.Metrics,
		sessions:   make(map[Key]*Session),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go r.reaperLoop()
	return r
}

// Start opens a streaming session for one participant. It blocks until the
// upstream connection is confirmed open or the open-timeout elapses. An
// existing session for the same key, a missing backend credential, or a
// failed handshake leave no session behind.
func (r *Registry) Start(ctx context.Context, req StartRequest) error {
	if req.CallID == "" || req.ParticipantID == "" {
		return fmt.Errorf("start: call id and participant id required")
	}
	if req.Consumer == nil {
		return fmt.Errorf("start: consumer required")
	}
	if err := r.cfg.Backend.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := NewKey(req.CallID, req.ParticipantID)
	s := &Session{
		key:             key,
		callID:          req.CallID,
		roomName:        req.RoomName,
		participantID:   req.ParticipantID,
		participantName: req.ParticipantName,
		traceID:         uuid.NewString(),
		consumer:        req.Consumer,
		state:           StateConnecting,
		lastActivity:    time.Now(),
		events:          make(chan Event, r.cfg.DispatchBuffer),
		done:            make(chan struct{}),
	}
	s.logger = r.logger.With(
		slog.String("key", string(key)),
		slog.String("call_id", req.CallID),
		slog.String("participant_id", req.ParticipantID),
		slog.String("trace_id", s.traceID),
	)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("start: registry is shut down")
	}
	if _, exists := r.sessions[key]; exists {
		r.mu.Unlock()
		return errorsx.New(errorsx.ReasonSessionExists, "session already active for %s", key)
	}
	r.sessions[key] = s
	r.mu.Unlock()
	r.metrics.SessionStarted()

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.OpenTimeout)
	defer cancel()
	conn, err := deepgram.Dial(dialCtx, r.cfg.Backend)
	if err != nil {
		r.removeSession(s)
		s.markDone()
		s.logger.Warn("session_connect_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return err
	}
	if !s.attach(conn) {
		// Stopped while the handshake was in flight.
		_ = conn.Close()
		return fmt.Errorf("start: session stopped during connect")
	}

	s.logger.Info("session_open",
		slog.String("participant_name", req.ParticipantName),
		slog.String("room", req.RoomName))

	go r.dispatchLoop(s)
	go r.readLoop(s, conn)
	go r.keepAliveLoop(s, conn)
	return nil
}

// Stop gracefully tears down the session for key. It is idempotent and
// effective immediately: the entry is removed synchronously, any pending
// reconnect timer is cancelled, and a subsequent Start for the same key
// cannot race with the in-flight close handshake.
func (r *Registry) Stop(key Key) {
	if r.stop(key, true) {
		r.logger.Info("session_stopped", slog.String("key", string(key)))
	}
}

// stop removes and tears down one session, reporting whether it was present.
func (r *Registry) stop(key Key, graceful bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.metrics.SessionStopped()
	r.teardown(s, graceful)
	return true
}

// StopAllForCall stops every session belonging to callID; used when a call
// ends.
func (r *Registry) StopAllForCall(callID string) {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.sessions))
	for key, s := range r.sessions {
		if s.callID == callID {
			keys = append(keys, key)
		}
	}
	r.mu.RUnlock()
	for _, key := range keys {
		r.Stop(key)
	}
	if len(keys) > 0 {
		r.logger.Info("call_sessions_stopped",
			slog.String("call_id", callID),
			slog.Int("count", len(keys)))
	}
}

// Send forwards one raw audio frame to the participant's open connection.
// It returns false when the frame cannot be written (no session, session
// not open, transport write failure); the caller treats that as "drop this
// frame", never as fatal. Frames are never buffered or retried.
func (r *Registry) Send(key Key, frame []byte) bool {
	r.mu.RLock()
	s := r.sessions[key]
	r.mu.RUnlock()
	if s == nil {
		r.metrics.AudioFrameDropped()
		return false
	}

	s.mu.Lock()
	if s.state != StateOpen || s.conn == nil {
		state := s.state
		s.mu.Unlock()
		r.metrics.AudioFrameDropped()
		s.logger.Debug("audio_frame_rejected",
			slog.String("reason_code", string(errorsx.ReasonSendRejected)),
			slog.String("state", state.String()))
		return false
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.SendAudio(frame); err != nil {
		r.metrics.AudioFrameDropped()
		s.logger.Warn("audio_frame_send_failed",
			slog.String("reason_code", string(errorsx.ReasonSendRejected)),
			slog.String("error", err.Error()))
		return false
	}

	s.mu.Lock()
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.chunkCount++
	count := s.chunkCount
	s.mu.Unlock()
	r.metrics.AudioFrameSent()
	if count%500 == 0 {
		s.logger.Debug("audio_forwarding_progress", slog.Uint64("chunks", count))
	}
	return true
}

// Stats returns a read-only snapshot of every active session, sorted by key.
func (r *Registry) Stats() []SessionStat {
	r.mu.RLock()
	stats := make([]SessionStat, 0, len(r.sessions))
	for _, s := range r.sessions {
		stats = append(stats, s.stat())
	}
	r.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// Shutdown stops the reaper and every active session. The registry rejects
// new Start calls afterwards.
func (r *Registry) Shutdown() {
	r.closeOnce.Do(func() {
		close(r.reaperStop)
	})
	<-r.reaperDone

	r.mu.Lock()
	r.closed = true
	keys := make([]Key, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.stop(key, true)
	}
	r.logger.Info("registry_shutdown", slog.Int("sessions_stopped", len(keys)))
}

// removeSession deletes s from the map only if the entry still belongs to
// this session instance.
func (r *Registry) removeSession(s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.key]
	if ok && cur == s {
		delete(r.sessions, s.key)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.metrics.SessionStopped()
	}
	return ok
}

// reaperLoop periodically evicts sessions idle beyond the threshold, using
// the same graceful-stop path as Stop.
func (r *Registry) reaperLoop() {
	defer close(r.reaperDone)
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.reaperStop:
			return
		case <-ticker.C:
			r.reapStale(time.Now())
		}
	}
}

// reapStale evicts every session whose last activity is older than the idle
// threshold at the given instant.
func (r *Registry) reapStale(now time.Time) int {
	cutoff := now.Add(-r.cfg.IdleThreshold)
	r.mu.RLock()
	stale := make([]*Session, 0)
	for _, s := range r.sessions {
		s.mu.Lock()
		idle := s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		if r.stop(s.key, true) {
			r.metrics.SessionReaped()
			s.logger.Info("session_reaped",
				slog.String("reason_code", string(errorsx.ReasonSessionStale)))
			r.notifyTerminated(s, TerminateStale)
		}
	}
	return len(stale)
}

// notifyTerminated invokes the optional termination hook, isolating the
// registry from hook panics.
func (r *Registry) notifyTerminated(s *Session, reason TerminateReason) {
	hook := r.cfg.OnTerminated
	if hook == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("terminated_hook_panic",
				slog.String("reason_code", string(errorsx.ReasonCallback)),
				slog.Any("panic", rec))
		}
	}()
	hook(s.key, reason)
}
