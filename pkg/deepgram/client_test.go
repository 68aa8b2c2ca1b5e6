package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kreolabs/captiond/pkg/errorsx"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestURLCarriesStreamingParams(t *testing.T) {
	cfg := Config{
		APIKey:         "key",
		Interim:        true,
		SmartFormat:    true,
		UtteranceEndMS: 1000,
	}
	target, err := cfg.URL()
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"model":            "nova-2",
		"language":         "en",
		"encoding":         "linear16",
		"sample_rate":      "16000",
		"channels":         "1",
		"interim_results":  "true",
		"smart_format":     "true",
		"punctuate":        "false",
		"utterance_end_ms": "1000",
	}
	for param, value := range want {
		if got := q.Get(param); got != value {
			t.Fatalf("param %s: expected %q, got %q", param, value, got)
		}
	}
	if q.Has("endpointing") {
		t.Fatalf("endpointing must be omitted when unset")
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	err := (Config{}).Validate()
	if !errorsx.HasReason(err, errorsx.ReasonConfigMissing) {
		t.Fatalf("expected config_missing, got %v", err)
	}
	if (Config{}).Configured() {
		t.Fatalf("empty config must not report configured")
	}
	if !(Config{APIKey: "key"}).Configured() {
		t.Fatalf("config with key must report configured")
	}
}

func TestDialSendsTokenAuthorization(t *testing.T) {
	var upgrader websocket.Upgrader
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.ReadMessage()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), APIKey: "secret"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case auth := <-gotAuth:
		if auth != "Token secret" {
			t.Fatalf("expected Token auth header, got %q", auth)
		}
	case <-time.After(time.Second):
		t.Fatalf("handshake never reached the server")
	}
}

func TestDialRejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), APIKey: "bad"})
	if !errorsx.HasReason(err, errorsx.ReasonAuthRejected) {
		t.Fatalf("expected auth_rejected, got %v", err)
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, Config{Endpoint: wsURL(srv), APIKey: "key"})
	if !errorsx.HasReason(err, errorsx.ReasonHandshakeTimeout) {
		t.Fatalf("expected handshake_timeout, got %v", err)
	}
}

func TestConnAudioAndControlMessages(t *testing.T) {
	var upgrader websocket.Upgrader
	type frame struct {
		msgType int
		data    []byte
	}
	frames := make(chan frame, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- frame{msgType, data}
		}
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), APIKey: "key"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.SendAudio([]byte{0xde, 0xad}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := conn.SendKeepAlive(); err != nil {
		t.Fatalf("send keepalive: %v", err)
	}
	if err := conn.SendCloseStream(); err != nil {
		t.Fatalf("send close stream: %v", err)
	}

	wantFrames := []frame{
		{websocket.BinaryMessage, []byte{0xde, 0xad}},
		{websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)},
		{websocket.TextMessage, []byte(`{"type":"CloseStream"}`)},
	}
	for i, want := range wantFrames {
		select {
		case got := <-frames:
			if got.msgType != want.msgType || string(got.data) != string(want.data) {
				t.Fatalf("frame %d: expected %v %q, got %v %q", i, want.msgType, want.data, got.msgType, got.data)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestConnReadSkipsBinary(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.BinaryMessage, []byte{0x00})
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","metadata":{"request_id":"req-1"}}`))
		ws.ReadMessage()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), APIKey: "key"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg, err := conn.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != TypeMetadata || msg.Metadata == nil || msg.Metadata.RequestID != "req-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestCloseClassification(t *testing.T) {
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	goingAway := &websocket.CloseError{Code: websocket.CloseGoingAway}
	abnormal := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	policy := &websocket.CloseError{Code: websocket.ClosePolicyViolation}
	appAuth := &websocket.CloseError{Code: 4001}

	if !IsIntentionalClose(normal) || !IsIntentionalClose(goingAway) {
		t.Fatalf("1000 and 1001 are intentional closes")
	}
	if IsIntentionalClose(abnormal) || IsIntentionalClose(policy) {
		t.Fatalf("other close codes are not intentional")
	}
	if !IsAuthClose(policy) || !IsAuthClose(appAuth) {
		t.Fatalf("1008 and 4xxx signal credential problems")
	}
	if IsAuthClose(abnormal) || IsAuthClose(nil) {
		t.Fatalf("abnormal closes are not auth closes")
	}
	if CloseCode(appAuth) != 4001 || CloseCode(nil) != 0 {
		t.Fatalf("close code extraction failed")
	}
}
