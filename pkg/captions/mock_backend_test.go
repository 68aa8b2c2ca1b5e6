package captions

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kreolabs/captiond/pkg/deepgram"
)

// mockBackend is an in-process stand-in for the transcription endpoint.
// Each accepted handshake is exposed on Conns so tests can script the
// inbound side.
type mockBackend struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// failDials rejects that many handshakes at the HTTP layer.
	failDials atomic.Int32
	dials     atomic.Int32

	Conns chan *backendConn
}

type backendConn struct {
	ws *websocket.Conn
	mu sync.Mutex

	// binary frames received from the forwarder
	audio chan []byte
}

func newMockBackend(t *testing.T) *mockBackend {
	b := &mockBackend{t: t, Conns: make(chan *backendConn, 16)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *mockBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.dials.Add(1)
	if b.failDials.Load() > 0 {
		b.failDials.Add(-1)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &backendConn{ws: ws, audio: make(chan []byte, 64)}
	go conn.readPump()
	b.Conns <- conn
}

func (b *mockBackend) config() deepgram.Config {
	return deepgram.Config{
		Endpoint: "ws" + strings.TrimPrefix(b.srv.URL, "http"),
		APIKey:   "test-key",
		Interim:  true,
	}
}

// waitConn returns the next accepted backend connection.
func (b *mockBackend) waitConn(t *testing.T) *backendConn {
	t.Helper()
	select {
	case conn := <-b.Conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for backend connection")
		return nil
	}
}

func (c *backendConn) readPump() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			select {
			case c.audio <- data:
			default:
			}
		}
	}
}

// send pushes a raw JSON message to the client.
func (c *backendConn) send(t *testing.T, payload string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("backend write: %v", err)
	}
}

// closeNormal performs a clean close handshake (code 1000).
func (c *backendConn) closeNormal() {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	_ = c.ws.Close()
}

// closeAbnormal drops the socket without a close handshake, which the
// client observes as an abnormal disconnect.
func (c *backendConn) closeAbnormal() {
	_ = c.ws.Close()
}

// waitAudio returns the next binary frame the backend received.
func (c *backendConn) waitAudio(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-c.audio:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for audio frame")
		return nil
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
