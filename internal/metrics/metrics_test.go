package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoiceCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	v := NewVoice(reg)

	v.FrameReceived()
	v.FrameReceived()
	v.FrameDropped()
	v.STTConnect(true)
	v.STTConnect(false)
	v.Turn("ok", time.Second)
	v.ListenerRestart("silence")
	v.KeyRefresh("periodic")
	v.SessionUp()

	assert.Equal(t, 2.0, testutil.ToFloat64(v.framesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(v.framesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(v.sttConnects.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(v.turns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(v.listenerRestarts.WithLabelValues("silence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(v.activeSessions))
}

func TestNilVoiceIsSafe(t *testing.T) {
	var v *Voice
	assert.NotPanics(t, func() {
		v.FrameReceived()
		v.BargeIn()
		v.Turn("ok", 0)
		v.SessionDown()
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	v := NewVoice(reg)
	v.BargeIn()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "meowko_voice_barge_ins_total 1"))
}
