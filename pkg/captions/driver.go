package captions

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kreolabs/captiond/pkg/deepgram"
	"github.com/kreolabs/captiond/pkg/errorsx"
)

// readLoop drives one connection: every inbound message refreshes activity
// and is handed to the dispatcher; a read error ends the loop and is
// classified by handleDisconnect. Each reconnect runs a fresh loop for the
// replacement connection.
func (r *Registry) readLoop(s *Session, conn *deepgram.Conn) {
	for {
		msg, err := conn.Read()
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonParse) {
				r.metrics.ParseError()
				s.logger.Warn("inbound_message_unparsable",
					slog.String("reason_code", string(errorsx.ReasonParse)),
					slog.String("error", err.Error()))
				continue
			}
			r.handleDisconnect(s, conn, err)
			return
		}
		s.touch()
		r.handleMessage(s, msg)
	}
}

// handleMessage routes one decoded backend message. Only Results reach the
// consumer; everything else is informational.
func (r *Registry) handleMessage(s *Session, msg *deepgram.Message) {
	switch msg.Type {
	case deepgram.TypeResults:
		alt, ok := msg.BestAlternative()
		if !ok {
			s.logger.Debug("empty_transcript_discarded")
			return
		}
		text := strings.TrimSpace(alt.Transcript)
		if r.cfg.Redactor != nil {
			text = r.cfg.Redactor(text)
		}
		ev := Event{
			CallID:          s.callID,
			RoomName:        s.roomName,
			ParticipantID:   s.participantID,
			ParticipantName: s.participantName,
			Text:            text,
			IsFinal:         msg.Final(),
			Confidence:      alt.Confidence,
			Timestamp:       time.Now(),
			Words:           alt.Words,
		}
		if !s.emit(ev) {
			r.metrics.CaptionDropped()
			s.logger.Warn("caption_event_dropped", slog.Bool("is_final", ev.IsFinal))
		}
	case deepgram.TypeMetadata:
		s.mu.Lock()
		logged := s.metaLogged
		s.metaLogged = true
		s.mu.Unlock()
		if !logged && msg.Metadata != nil {
			s.logger.Info("backend_metadata",
				slog.String("request_id", msg.Metadata.RequestID),
				slog.String("model", msg.Metadata.ModelInfo.Name))
		}
	case deepgram.TypeUtteranceEnd:
		s.logger.Debug("utterance_end", slog.Float64("last_word_end", msg.LastWordEnd))
	case deepgram.TypeSpeechStarted:
		s.logger.Debug("speech_started", slog.Float64("at", msg.Timestamp))
	case deepgram.TypeError:
		if msg.Error != nil {
			s.logger.Error("backend_error", slog.String("error", msg.Error.String()))
		}
	default:
		s.logger.Debug("unhandled_message_type", slog.String("type", msg.Type))
	}
}

// handleDisconnect classifies a terminal read error. Intentional closes
// (normal closure, going-away) end the session; anything else while Open
// enters the reconnection policy.
func (r *Registry) handleDisconnect(s *Session, conn *deepgram.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer connection has replaced this one; nothing to do.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	state := s.state
	s.mu.Unlock()

	// The read loop is gone and teardown only sees the attached handle, so
	// this is the last reference to the dead connection.
	_ = conn.Close()

	if state != StateOpen {
		// Closing or terminated: the teardown path owns cleanup.
		return
	}

	if deepgram.IsIntentionalClose(err) {
		s.logger.Info("connection_closed_by_backend",
			slog.Int("close_code", deepgram.CloseCode(err)))
		if r.removeSession(s) {
			r.teardown(s, false)
			r.notifyTerminated(s, TerminateRemoteClosed)
		}
		return
	}

	if deepgram.IsAuthClose(err) {
		s.logger.Error("connection_closed_auth",
			slog.String("reason_code", string(errorsx.ReasonAuthRejected)),
			slog.Int("close_code", deepgram.CloseCode(err)))
	} else {
		s.logger.Warn("connection_lost",
			slog.String("reason_code", string(errorsx.ReasonAbnormalDisconnect)),
			slog.Int("close_code", deepgram.CloseCode(err)),
			slog.String("error", err.Error()))
	}
	r.scheduleReconnect(s)
}

// scheduleReconnect increments the attempt counter and arms a one-shot
// timer, or terminates the session once the policy is exhausted. Stop
// cancels the timer, so a stopped session is never resurrected.
func (r *Registry) scheduleReconnect(s *Session) {
	s.mu.Lock()
	if s.state != StateOpen && s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.attempts++
	attempt := s.attempts
	if r.policy.Exhausted(attempt) {
		s.mu.Unlock()
		r.metrics.ReconnectExhausted()
		s.logger.Error("reconnect_exhausted",
			slog.String("reason_code", string(errorsx.ReasonReconnectExhausted)),
			slog.Int("attempts", attempt-1))
		if r.removeSession(s) {
			r.teardown(s, false)
			r.notifyTerminated(s, TerminateReconnectExhausted)
		}
		return
	}
	delay := r.policy.Delay(attempt)
	s.retryTimer = time.AfterFunc(delay, func() { r.attemptReconnect(s) })
	s.mu.Unlock()

	r.metrics.ReconnectScheduled()
	s.logger.Warn("reconnect_scheduled",
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", r.policy.MaxAttempts),
		slog.Duration("delay", delay))
}

// attemptReconnect redials with the same session identity. Failure feeds
// back into scheduleReconnect; success resumes the read path with the
// attempt counter reset.
func (r *Registry) attemptReconnect(s *Session) {
	s.mu.Lock()
	if s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpenTimeout)
	defer cancel()
	conn, err := deepgram.Dial(ctx, r.cfg.Backend)
	if err != nil {
		s.logger.Warn("reconnect_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		r.scheduleReconnect(s)
		return
	}
	if !s.attach(conn) {
		// Stopped while the redial was in flight.
		_ = conn.Close()
		return
	}
	s.logger.Info("session_reconnected")
	go r.readLoop(s, conn)
	go r.keepAliveLoop(s, conn)
}

// teardown releases the transport resource and finishes the session. The
// graceful path sends CloseStream so the backend can flush, then performs
// the close handshake.
func (r *Registry) teardown(s *Session, graceful bool) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosing
	s.mu.Unlock()

	if conn != nil {
		if graceful {
			_ = conn.SendCloseStream()
		}
		_ = conn.Close()
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	s.markDone()
}

// dispatchLoop delivers caption events to the consumer on a dedicated
// goroutine per session, so a slow consumer never stalls the read path or
// other sessions. On teardown the remaining buffered events are drained.
func (r *Registry) dispatchLoop(s *Session) {
	for {
		select {
		case ev := <-s.events:
			r.deliver(s, ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.events:
					r.deliver(s, ev)
				default:
					return
				}
			}
		}
	}
}

// deliver invokes the consumer, isolating the session from its panics.
func (r *Registry) deliver(s *Session, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("consumer_panic",
				slog.String("reason_code", string(errorsx.ReasonCallback)),
				slog.Any("panic", rec))
		}
	}()
	s.consumer(ev)
	r.metrics.CaptionDispatched(ev.IsFinal)
}

// keepAliveLoop pings the backend while this connection stays current, so
// an idle-but-live session is not dropped upstream. It exits as soon as the
// connection is replaced or the session ends.
func (r *Registry) keepAliveLoop(s *Session, conn *deepgram.Conn) {
	ticker := time.NewTicker(r.cfg.KeepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn && s.state == StateOpen
			s.mu.Unlock()
			if !current {
				return
			}
			if err := conn.SendKeepAlive(); err != nil {
				return
			}
		}
	}
}
