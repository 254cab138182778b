// Package metrics exposes Prometheus collectors for the voice pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meowko_voice"

// Voice groups the pipeline collectors. All methods are safe on a nil
// receiver so components can run without metrics.
type Voice struct {
	framesReceived   prometheus.Counter
	framesDropped    prometheus.Counter
	sttConnects      *prometheus.CounterVec
	transcripts      prometheus.Counter
	turns            *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	bargeIns         prometheus.Counter
	listenerRestarts *prometheus.CounterVec
	keyRefreshes     *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

// NewVoice registers the collectors with reg.
func NewVoice(reg prometheus.Registerer) *Voice {
	f := promauto.With(reg)
	return &Voice{
		framesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound audio frames handed to a session",
		}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound audio frames dropped because the session queue was full",
		}),
		sttConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_connects_total",
			Help:      "Speech-to-text connection attempts by result",
		}, []string{"result"}),
		transcripts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_committed_total",
			Help:      "Committed transcripts received from speech-to-text",
		}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Voice turns by outcome",
		}, []string{"outcome"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time from committed transcript to end of playback",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		bargeIns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Playback interruptions caused by a speaker",
		}),
		listenerRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_restarts_total",
			Help:      "Receive listener restarts by reason",
		}, []string{"reason"}),
		keyRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_refreshes_total",
			Help:      "Receive key refreshes by reason",
		}, []string{"reason"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Voice sessions currently connected",
		}),
	}
}

func (v *Voice) FrameReceived() {
	if v != nil {
		v.framesReceived.Inc()
	}
}

func (v *Voice) FrameDropped() {
	if v != nil {
		v.framesDropped.Inc()
	}
}

func (v *Voice) STTConnect(ok bool) {
	if v == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	v.sttConnects.WithLabelValues(result).Inc()
}

func (v *Voice) TranscriptCommitted() {
	if v != nil {
		v.transcripts.Inc()
	}
}

func (v *Voice) Turn(outcome string, elapsed time.Duration) {
	if v == nil {
		return
	}
	v.turns.WithLabelValues(outcome).Inc()
	v.turnDuration.Observe(elapsed.Seconds())
}

func (v *Voice) BargeIn() {
	if v != nil {
		v.bargeIns.Inc()
	}
}

func (v *Voice) ListenerRestart(reason string) {
	if v != nil {
		v.listenerRestarts.WithLabelValues(reason).Inc()
	}
}

func (v *Voice) KeyRefresh(reason string) {
	if v != nil {
		v.keyRefreshes.WithLabelValues(reason).Inc()
	}
}

func (v *Voice) SessionUp() {
	if v != nil {
		v.activeSessions.Inc()
	}
}

func (v *Voice) SessionDown() {
	if v != nil {
		v.activeSessions.Dec()
	}
}

// Handler serves the collectors registered in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
