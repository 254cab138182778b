package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowko-voice/internal/voice"
)

// fakeSoniox records what the client sends and replays scripted responses
// once the end-of-utterance frame arrives.
type fakeSoniox struct {
	replies []string

	mu     sync.Mutex
	config configFrame
	audio  [][]byte
	ended  bool
}

func (f *fakeSoniox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, first, err := conn.ReadMessage()
	if err != nil {
		return
	}
	f.mu.Lock()
	_ = json.Unmarshal(first, &f.config)
	f.mu.Unlock()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			f.mu.Lock()
			f.audio = append(f.audio, data)
			f.mu.Unlock()
			continue
		}
		if len(data) == 0 {
			f.mu.Lock()
			f.ended = true
			f.mu.Unlock()
			for _, r := range f.replies {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(r)); err != nil {
					return
				}
			}
			return
		}
	}
}

func (f *fakeSoniox) snapshot() (configFrame, [][]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config, append([][]byte(nil), f.audio...), f.ended
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	mu        sync.Mutex
	partials  []string
	committed []string
}

func (r *recorder) callbacks() voice.STTCallbacks {
	return voice.STTCallbacks{
		OnPartial: func(text string) {
			r.mu.Lock()
			r.partials = append(r.partials, text)
			r.mu.Unlock()
		},
		OnCommitted: func(text string) {
			r.mu.Lock()
			r.committed = append(r.committed, text)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) got() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.partials...), append([]string(nil), r.committed...)
}

func TestStreamUtterance(t *testing.T) {
	fake := &fakeSoniox{replies: []string{
		`{"tokens":[{"text":"Hel","is_final":true},{"text":"lo th","is_final":false}]}`,
		`{"tokens":[{"text":"lo there ","is_final":true}]}`,
		`{"tokens":[],"finished":true}`,
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), APIKey: "key", Model: "rt", LanguageHints: []string{"en"}})
	assert.Equal(t, 48000, c.SampleRate())
	rec := &recorder{}
	s := c.NewStream(rec.callbacks())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	assert.True(t, s.Connected())
	require.NoError(t, s.SendAudio(ctx, []byte{1, 2, 3, 4}))
	require.NoError(t, s.SendAudio(ctx, []byte{5, 6}))
	require.NoError(t, s.EndUtterance(ctx))

	require.Eventually(t, func() bool {
		_, committed := rec.got()
		return len(committed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	partials, committed := rec.got()
	assert.Equal(t, []string{"lo th"}, partials)
	assert.Equal(t, []string{"Hello there"}, committed)

	cfg, audio, ended := fake.snapshot()
	assert.Equal(t, configFrame{
		APIKey: "key", Model: "rt", AudioFormat: "s16le",
		SampleRate: 48000, NumChannels: 1, LanguageHints: []string{"en"},
	}, cfg)
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6}}, audio)
	assert.True(t, ended)

	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.SendAudio(ctx, []byte{0, 0}), ErrClosed)
}

func TestStreamProviderError(t *testing.T) {
	fake := &fakeSoniox{replies: []string{
		`{"error_code":401,"error_message":"bad key"}`,
		`{"tokens":[],"finished":true}`,
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	rec := &recorder{}
	s := NewClient(Config{URL: wsURL(srv)}).NewStream(rec.callbacks()).(*Stream)
	defer s.Close()
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.EndUtterance(context.Background()))

	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 10*time.Millisecond)
	var pe *ProviderError
	require.ErrorAs(t, s.Err(), &pe)
	assert.Equal(t, "401", pe.Code)
	assert.Equal(t, "bad key", pe.Message)
	_, committed := rec.got()
	assert.Empty(t, committed)
}

func TestStreamEmptyTranscriptIsNotCommitted(t *testing.T) {
	fake := &fakeSoniox{replies: []string{
		`{"tokens":[{"text":"  ","is_final":true}],"finished":true}`,
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	rec := &recorder{}
	s := NewClient(Config{URL: wsURL(srv)}).NewStream(rec.callbacks())
	defer s.Close()
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.EndUtterance(context.Background()))
	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 10*time.Millisecond)
	_, committed := rec.got()
	assert.Empty(t, committed)
}

func TestStreamConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	s := NewClient(Config{URL: wsURL(srv)}).NewStream(voice.STTCallbacks{})
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, s.Connected())
}

func TestStreamClose(t *testing.T) {
	srv := httptest.NewServer(&fakeSoniox{})
	defer srv.Close()
	s := NewClient(Config{URL: wsURL(srv)}).NewStream(voice.STTCallbacks{})
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Connected())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.EndUtterance(context.Background()), ErrClosed)
}
