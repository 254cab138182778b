package voice

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meowko-voice/internal/audio"
	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/metrics"
)

// StreamConfig tunes per-speaker streams.
type StreamConfig struct {
	// Endpointing is the silence after which the utterance is ended.
	Endpointing time.Duration
	// MaxBufferBytes caps audio held while the STT connection is being
	// established. Audio beyond the cap is dropped.
	MaxBufferBytes int
}

func (c *StreamConfig) setDefaults() {
	if c.Endpointing <= 0 {
		c.Endpointing = 500 * time.Millisecond
	}
	if c.MaxBufferBytes <= 0 {
		// 20 s of 48 kHz mono 16-bit.
		c.MaxBufferBytes = 1920000
	}
}

// StreamState is the connection state of a UserStream.
type StreamState int

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
)

func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var errStreamClosed = errors.New("voice: stream closed")

// turnSink is the slice of Session a UserStream talks to.
type turnSink interface {
	IsPlaying() bool
	InterruptPlayback()
	HandleTranscript(ctx context.Context, speaker Speaker, text string)
}

// UserStream carries one speaker's audio to speech-to-text. Audio is buffered
// while a connection is established and flushed in arrival order once it is
// ready. A trailing silence timer ends each utterance.
type UserStream struct {
	speaker Speaker
	owner   turnSink
	stt     SpeechToText
	cfg     StreamConfig
	metrics *metrics.Voice

	ctx     context.Context
	cancel  context.CancelFunc
	connect singleflight.Group

	mu           sync.Mutex
	conn         STTStream
	state        StreamState
	pending      [][]byte
	pendingBytes int
	timer        *time.Timer
	timerSeq     uint64
	endPending   bool
	closed       bool
}

// NewUserStream creates a disconnected stream. Close must be called to
// release it.
func NewUserStream(ctx context.Context, speaker Speaker, owner turnSink, stt SpeechToText, cfg StreamConfig, m *metrics.Voice) *UserStream {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &UserStream{
		speaker: speaker,
		owner:   owner,
		stt:     stt,
		cfg:     cfg,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (u *UserStream) Speaker() Speaker { return u.speaker }

func (u *UserStream) State() StreamState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UserStream) logFields(kv ...interface{}) []interface{} {
	return append(logging.UserFields(u.speaker.ID, u.speaker.Name), kv...)
}

// EnsureConnected returns once the stream has a live STT connection or the
// attempt failed. Concurrent callers share a single attempt.
func (u *UserStream) EnsureConnected() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return errStreamClosed
	}
	var dead STTStream
	if u.conn != nil {
		if u.conn.Connected() {
			u.mu.Unlock()
			return nil
		}
		dead, u.conn = u.conn, nil
		u.state = StateDisconnected
	}
	u.mu.Unlock()

	if dead != nil {
		_ = dead.Close()
		logging.Infow("stt: connection lost, reconnecting", u.logFields()...)
	}
	_, err, _ := u.connect.Do("connect", func() (interface{}, error) {
		return nil, u.dial()
	})
	return err
}

func (u *UserStream) dial() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return errStreamClosed
	}
	if u.conn != nil && u.conn.Connected() {
		u.mu.Unlock()
		return nil
	}
	u.state = StateConnecting
	u.mu.Unlock()

	conn := u.stt.NewStream(STTCallbacks{OnPartial: u.onPartial, OnCommitted: u.onCommitted})
	if err := conn.Connect(u.ctx); err != nil {
		_ = conn.Close()
		u.mu.Lock()
		u.state = StateDisconnected
		u.mu.Unlock()
		u.metrics.STTConnect(false)
		logging.Warnw("stt: connect failed", u.logFields("err", err)...)
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		_ = conn.Close()
		return errStreamClosed
	}
	for _, chunk := range u.pending {
		if err := conn.SendAudio(u.ctx, chunk); err != nil {
			logging.Warnw("stt: flushing buffered audio failed", u.logFields("err", err)...)
			break
		}
	}
	flushed := u.pendingBytes
	u.pending, u.pendingBytes = nil, 0
	u.conn, u.state = conn, StateConnected
	if u.endPending {
		u.endPending = false
		go u.endUtterance(conn)
	}
	u.metrics.STTConnect(true)
	logging.Infow("stt: connected", u.logFields("flushed_bytes", flushed)...)
	return nil
}

// FeedAudio takes one 48 kHz stereo frame. Speaking while the bot plays
// interrupts playback first.
func (u *UserStream) FeedAudio(frame []byte) {
	if u.owner.IsPlaying() {
		u.owner.InterruptPlayback()
	}
	mono, err := audio.StereoToMono(frame)
	if err == nil {
		if rate := u.stt.SampleRate(); rate > 0 && rate != audio.SampleRate {
			mono, err = audio.ResampleRate(mono, audio.SampleRate, rate)
		}
	}
	if err != nil {
		logging.Debugw("stt: dropping malformed frame", u.logFields("err", err, "bytes", len(frame))...)
		return
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	var dead STTStream
	kick := false
	if u.state == StateConnected && u.conn != nil && u.conn.Connected() {
		if err := u.conn.SendAudio(u.ctx, mono); err != nil {
			logging.Debugw("stt: send failed", u.logFields("err", err)...)
			dead, u.conn = u.conn, nil
			u.state = StateDisconnected
			u.bufferLocked(mono)
			kick = true
		}
	} else {
		u.bufferLocked(mono)
		if u.state != StateConnecting {
			u.state = StateConnecting
			kick = true
		}
	}
	u.resetSilenceLocked()
	u.mu.Unlock()

	if dead != nil {
		_ = dead.Close()
	}
	if kick {
		go func() { _ = u.EnsureConnected() }()
	}
}

func (u *UserStream) bufferLocked(pcm []byte) {
	if u.pendingBytes >= u.cfg.MaxBufferBytes {
		return
	}
	u.pending = append(u.pending, pcm)
	u.pendingBytes += len(pcm)
}

// Buffered reports the bytes held while connecting.
func (u *UserStream) Buffered() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pendingBytes
}

func (u *UserStream) resetSilenceLocked() {
	if u.timer != nil {
		u.timer.Stop()
	}
	u.endPending = false
	u.timerSeq++
	seq := u.timerSeq
	u.timer = time.AfterFunc(u.cfg.Endpointing, func() { u.onSilence(seq) })
}

func (u *UserStream) onSilence(seq uint64) {
	u.mu.Lock()
	if u.closed || seq != u.timerSeq {
		u.mu.Unlock()
		return
	}
	conn := u.conn
	if conn == nil || !conn.Connected() {
		// Still connecting: end the utterance right after the flush.
		u.endPending = u.state == StateConnecting
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	u.endUtterance(conn)
}

func (u *UserStream) endUtterance(conn STTStream) {
	if err := conn.EndUtterance(u.ctx); err != nil {
		logging.Debugw("stt: end of utterance failed", u.logFields("err", err)...)
	}
}

func (u *UserStream) onPartial(text string) {
	logging.Debugw("stt: partial", u.logFields("text", text)...)
}

// onCommitted hands a final transcript to the session on its own goroutine
// so turn handling never blocks the STT receive loop.
func (u *UserStream) onCommitted(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return
	}
	u.metrics.TranscriptCommitted()
	logging.Infow("stt: committed", u.logFields("text", text)...)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorw("voice: transcript handler panicked", u.logFields("panic", r, "stack", string(debug.Stack()))...)
			}
		}()
		u.owner.HandleTranscript(u.ctx, u.speaker, text)
	}()
}

// Close stops the silence timer, cancels pending transcript handlers and
// closes the STT connection.
func (u *UserStream) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.cancel()
	if u.timer != nil {
		u.timer.Stop()
	}
	conn := u.conn
	u.conn, u.state = nil, StateDisconnected
	u.pending, u.pendingBytes = nil, 0
	u.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
