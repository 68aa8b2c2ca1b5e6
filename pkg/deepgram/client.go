package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kreolabs/captiond/pkg/configutil"
	"github.com/kreolabs/captiond/pkg/errorsx"
)

const DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

// Config holds everything needed to open one live-transcription socket.
// Zero values fall back to the platform defaults in withDefaults.
type Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Channels       int    `mapstructure:"channels"`
	Interim        bool   `mapstructure:"interim_results"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	Punctuate      bool   `mapstructure:"punctuate"`
	VADEvents      bool   `mapstructure:"vad_events"`
	EndpointingMS  int    `mapstructure:"endpointing_ms"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	c.SampleRate = configutil.IntValue(c.SampleRate, 16000)
	c.Channels = configutil.IntValue(c.Channels, 1)
	return c
}

// Validate reports whether the backend is usable at all. A missing key means
// no connection is ever attempted.
func (c Config) Validate() error {
	if err := configutil.RequireString(c.APIKey, "deepgram.api_key"); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfigMissing)
	}
	return nil
}

// Configured reports whether a credential is present.
func (c Config) Configured() bool { return c.Validate() == nil }

// URL builds the websocket target with all streaming parameters in the query.
func (c Config) URL() (string, error) {
	c = c.withDefaults()
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", c.Model)
	q.Set("language", c.Language)
	q.Set("encoding", c.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	q.Set("channels", strconv.Itoa(c.Channels))
	q.Set("interim_results", strconv.FormatBool(c.Interim))
	q.Set("smart_format", strconv.FormatBool(c.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(c.Punctuate))
	q.Set("vad_events", strconv.FormatBool(c.VADEvents))
	if c.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(c.EndpointingMS))
	}
	if c.UtteranceEndMS > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(c.UtteranceEndMS))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn is one live websocket to the transcription backend. Reads are owned
// by a single reader goroutine; writes are serialized internally so audio
// forwarding and keepalives may interleave.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger
}

// Dial opens and authenticates the websocket. ctx bounds the handshake; pass
// a deadline context to enforce the open-timeout.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	target, err := cfg.URL()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonHandshake)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	ws, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errorsx.New(errorsx.ReasonAuthRejected, "handshake rejected with status %d", resp.StatusCode)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errorsx.Wrap(err, errorsx.ReasonHandshakeTimeout)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonHandshake)
	}

	return &Conn{ws: ws, logger: slog.Default()}, nil
}

// SendAudio writes one raw audio frame as a binary message.
func (c *Conn) SendAudio(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// SendKeepAlive keeps an idle-but-live socket open upstream.
func (c *Conn) SendKeepAlive() error {
	return c.sendControl("KeepAlive")
}

// SendCloseStream tells the backend no more audio is coming so it can flush
// a final transcript before the close handshake.
func (c *Conn) SendCloseStream() error {
	return c.sendControl("CloseStream")
}

func (c *Conn) sendControl(kind string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"`+kind+`"}`))
}

// Read blocks for the next inbound text message and decodes it. Binary
// messages are not part of the inbound protocol and are skipped.
func (c *Conn) Read() (*Message, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonParse)
		}
		return msg, nil
	}
}

// Close performs the graceful close handshake (best effort) and releases
// the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}

// IsIntentionalClose reports whether err is a close initiated as part of a
// clean shutdown by either side (normal closure or going-away). Everything
// else is an abnormal disconnect and reconnect eligible.
func IsIntentionalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// IsAuthClose reports whether a close code signals a credential problem.
// Retrying those never succeeds, so they get their own log surface; the
// retry policy itself does not special-case them.
func IsAuthClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.ClosePolicyViolation || (ce.Code >= 4000 && ce.Code < 5000)
}

// CloseCode extracts the websocket close code from err, or 0.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
