package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kreolabs/captiond/pkg/captions"
	"github.com/kreolabs/captiond/pkg/configutil"
	"github.com/kreolabs/captiond/pkg/errorsx"
	"github.com/kreolabs/captiond/pkg/logging"
)

// Config tunes the ingest surface. It is usually decoded from the
// free-form settings map in the service config.
type Config struct {
	Path           string   `mapstructure:"path"`
	ReadLimit      int64    `mapstructure:"read_limit"`
	SendBuffer     int      `mapstructure:"send_buffer"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ingest"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	c.SendBuffer = configutil.IntValue(c.SendBuffer, 256)
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport is the websocket surface the room orchestration layer dials.
// Each connection announces participants, streams their audio, and gets
// caption events back on the same socket.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	registry *captions.Registry

	mu       sync.Mutex
	conns    map[string]*clientConn
	owners   map[captions.Key]*sessionRef
	draining atomic.Bool
}

type sessionRef struct {
	conn          *clientConn
	callID        string
	participantID string
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(logger, "transport.ingest"),
		conns:  make(map[string]*clientConn),
		owners: make(map[captions.Key]*sessionRef),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

// Bind attaches the session registry. Must be called before serving.
func (t *Transport) Bind(registry *captions.Registry) { t.registry = registry }

// Path is the HTTP route the transport serves on.
func (t *Transport) Path() string { return t.cfg.Path }

// Stop drains the transport: every client socket is closed, which stops
// the sessions each one started.
func (t *Transport) Stop() {
	t.draining.Store(true)
	t.mu.Lock()
	conns := make([]*clientConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() || t.registry == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(t.cfg.ReadLimit)

	c := &clientConn{
		id:     uuid.NewString(),
		ws:     ws,
		sendCh: make(chan []byte, t.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	t.logger.Info("client_connected", slog.String("conn_id", c.id))

	go c.writeLoop()
	t.readLoop(c)
}

// readLoop consumes control events from one room-layer connection until the
// socket closes, then stops every session it started.
func (t *Transport) readLoop(c *clientConn) {
	defer t.detach(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var evt clientEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.logger.Warn("client_event_unparsable",
				slog.String("reason_code", string(errorsx.ReasonIngestDecode)),
				slog.String("conn_id", c.id),
				slog.String("error", err.Error()))
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			t.handleStart(c, evt.Start)
		case "media":
			if evt.Media == nil {
				continue
			}
			t.handleMedia(c, evt.Media)
		case "stop":
			if evt.Stop == nil {
				continue
			}
			key := captions.NewKey(evt.Stop.CallID, evt.Stop.ParticipantID)
			t.release(key)
			t.registry.Stop(key)
		case "stop_call":
			if evt.StopCall == nil {
				continue
			}
			t.releaseCall(evt.StopCall.CallID)
			t.registry.StopAllForCall(evt.StopCall.CallID)
		default:
			t.logger.Debug("unknown_client_event",
				slog.String("conn_id", c.id),
				slog.String("event", evt.Event))
		}
	}
}

func (t *Transport) handleStart(c *clientConn, p *startPayload) {
	err := t.registry.Start(context.Background(), captions.StartRequest{
		CallID:          p.CallID,
		RoomName:        p.RoomName,
		ParticipantID:   p.ParticipantID,
		ParticipantName: p.ParticipantName,
		Consumer: func(ev captions.Event) {
			c.enqueue(serverEvent{Event: "caption", Caption: &ev})
		},
	})
	if err != nil {
		t.logger.Warn("session_start_rejected",
			slog.String("conn_id", c.id),
			slog.String("call_id", p.CallID),
			slog.String("participant_id", p.ParticipantID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		c.enqueue(serverEvent{Event: "error", Error: &errorPayload{
			CallID:        p.CallID,
			ParticipantID: p.ParticipantID,
			Reason:        string(errorsx.Reason(err)),
			Message:       err.Error(),
		}})
		return
	}
	key := captions.NewKey(p.CallID, p.ParticipantID)
	t.mu.Lock()
	t.owners[key] = &sessionRef{conn: c, callID: p.CallID, participantID: p.ParticipantID}
	t.mu.Unlock()
	c.enqueue(serverEvent{Event: "started", Started: &startPayload{
		CallID:          p.CallID,
		RoomName:        p.RoomName,
		ParticipantID:   p.ParticipantID,
		ParticipantName: p.ParticipantName,
	}})
}

func (t *Transport) handleMedia(c *clientConn, p *mediaPayload) {
	frame, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		t.logger.Debug("media_payload_undecodable",
			slog.String("reason_code", string(errorsx.ReasonIngestDecode)),
			slog.String("conn_id", c.id))
		return
	}
	// Audio is lossy best-effort; a false return just means this frame is
	// not transcribed.
	t.registry.Send(captions.NewKey(p.CallID, p.ParticipantID), frame)
}

// SessionEnded is installed as the registry's termination hook. It tells
// the owning client that a participant silently stopped producing captions.
func (t *Transport) SessionEnded(key captions.Key, reason captions.TerminateReason) {
	t.mu.Lock()
	ref := t.owners[key]
	if ref != nil {
		delete(t.owners, key)
	}
	t.mu.Unlock()
	if ref == nil {
		return
	}
	ref.conn.enqueue(serverEvent{Event: "session_ended", Ended: &endedPayload{
		CallID:        ref.callID,
		ParticipantID: ref.participantID,
		Reason:        string(reason),
	}})
}

// release drops ownership bookkeeping for an explicitly stopped session.
func (t *Transport) release(key captions.Key) {
	t.mu.Lock()
	delete(t.owners, key)
	t.mu.Unlock()
}

func (t *Transport) releaseCall(callID string) {
	t.mu.Lock()
	for key, ref := range t.owners {
		if ref.callID == callID {
			delete(t.owners, key)
		}
	}
	t.mu.Unlock()
}

// detach unwinds one client connection: its sessions are stopped so the
// upstream sockets are not leaked when the room layer goes away.
func (t *Transport) detach(c *clientConn) {
	t.mu.Lock()
	delete(t.conns, c.id)
	keys := make([]captions.Key, 0)
	for key, ref := range t.owners {
		if ref.conn == c {
			keys = append(keys, key)
			delete(t.owners, key)
		}
	}
	t.mu.Unlock()
	for _, key := range keys {
		t.registry.Stop(key)
	}
	c.close()
	t.logger.Info("client_disconnected",
		slog.String("conn_id", c.id),
		slog.Int("sessions_stopped", len(keys)))
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a != "" && strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// clientConn is one room-layer websocket with a dedicated writer goroutine
// draining a bounded send channel. Enqueueing never blocks; a full buffer
// drops the event. sendCh is never closed; the done channel releases the
// writer, so an enqueue racing close cannot panic.
type clientConn struct {
	id     string
	ws     *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func (c *clientConn) enqueue(evt serverEvent) {
	if c.closed.Load() {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- data:
	default:
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
	_ = c.ws.Close()
}
