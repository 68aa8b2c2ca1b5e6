package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments for the captioning service.
// A nil *Collector is valid and records nothing, so the core stays free of
// metrics plumbing checks.
type Collector struct {
	SessionsActive      prometheus.Gauge
	SessionsStarted     prometheus.Counter
	SessionsReaped      prometheus.Counter
	Reconnects          prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	AudioFrames         prometheus.Counter
	AudioFramesDropped  prometheus.Counter
	CaptionEvents       *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	ParseErrors         prometheus.Counter
}

// New creates and registers all instruments on reg. Pass a fresh registry
// per service instance so tests can run several side by side.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "captiond_sessions_active",
			Help: "Current number of active transcription sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_sessions_started_total",
			Help: "Total number of transcription sessions started",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_sessions_reaped_total",
			Help: "Total number of idle sessions evicted by the reaper",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_reconnects_total",
			Help: "Total number of reconnection attempts scheduled",
		}),
		ReconnectsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_reconnects_exhausted_total",
			Help: "Total number of sessions terminated after exhausting retries",
		}),
		AudioFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_audio_frames_total",
			Help: "Total number of audio frames forwarded upstream",
		}),
		AudioFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_audio_frames_dropped_total",
			Help: "Total number of audio frames rejected or dropped",
		}),
		CaptionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "captiond_caption_events_total",
			Help: "Total number of caption events dispatched to consumers",
		}, []string{"final"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_caption_events_dropped_total",
			Help: "Total number of caption events dropped on a full dispatch buffer",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "captiond_parse_errors_total",
			Help: "Total number of malformed inbound backend messages",
		}),
	}
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.SessionsStarted.Inc()
	c.SessionsActive.Inc()
}

func (c *Collector) SessionStopped() {
	if c == nil {
		return
	}
	c.SessionsActive.Dec()
}

func (c *Collector) SessionReaped() {
	if c == nil {
		return
	}
	c.SessionsReaped.Inc()
}

func (c *Collector) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.Reconnects.Inc()
}

func (c *Collector) ReconnectExhausted() {
	if c == nil {
		return
	}
	c.ReconnectsExhausted.Inc()
}

func (c *Collector) AudioFrameSent() {
	if c == nil {
		return
	}
	c.AudioFrames.Inc()
}

func (c *Collector) AudioFrameDropped() {
	if c == nil {
		return
	}
	c.AudioFramesDropped.Inc()
}

func (c *Collector) CaptionDispatched(final bool) {
	if c == nil {
		return
	}
	if final {
		c.CaptionEvents.WithLabelValues("true").Inc()
	} else {
		c.CaptionEvents.WithLabelValues("false").Inc()
	}
}

func (c *Collector) CaptionDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

func (c *Collector) ParseError() {
	if c == nil {
		return
	}
	c.ParseErrors.Inc()
}
