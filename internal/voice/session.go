package voice

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/meowko-voice/internal/audio"
	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/metrics"
	"github.com/meowko-voice/internal/persona"
	"github.com/meowko-voice/llm"
)

// SessionConfig tunes a voice session.
type SessionConfig struct {
	Stream StreamConfig
	// AckTone plays a short cue when a transcript is accepted.
	AckTone bool
	// AckSound replaces the synthesized cue. 48 kHz stereo PCM.
	AckSound []byte
	// HealthInterval is the period of the receive-path health check.
	HealthInterval time.Duration
	// SilenceRestart restarts the listener after this long without frames.
	SilenceRestart time.Duration
	// RestartCooldown is the minimum gap between listener restarts.
	RestartCooldown time.Duration
	// FrameQueue bounds frames waiting for dispatch.
	FrameQueue int
	FrameSize  int
}

func (c *SessionConfig) setDefaults() {
	c.Stream.setDefaults()
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.SilenceRestart <= 0 {
		c.SilenceRestart = 120 * time.Second
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = 120 * time.Second
	}
	if c.FrameQueue <= 0 {
		c.FrameQueue = 256
	}
	if c.FrameSize <= 0 {
		c.FrameSize = audio.FrameSize
	}
	if c.AckTone && len(c.AckSound) == 0 {
		c.AckSound = audio.AckTone()
	}
}

// Deps are the collaborators of a session. TTS may be nil, in which case
// replies are logged but not spoken.
type Deps struct {
	Transport Transport
	STT       SpeechToText
	TTS       TextToSpeech
	LLM       LanguageModel
	Personas  Personas
	Members   Members
	Metrics   *metrics.Voice
	Now       func() time.Time
}

var errSessionClosed = errors.New("voice: session closed")

type inboundFrame struct {
	speakerID string
	pcm       []byte
}

// Session is one bot presence in a voice channel. It routes inbound frames
// to per-speaker streams, runs one turn at a time and keeps the receive path
// healthy.
type Session struct {
	cfg  SessionConfig
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames     chan inboundFrame
	turnLock   chan struct{}
	restarts   *rate.Limiter
	generation atomic.Uint64
	lastFrame  atomic.Int64

	mu          sync.Mutex
	room        Room
	conn        Connection
	streams     map[string]*UserStream
	current     *audio.PCMStreamSource
	cancelTTS   context.CancelFunc
	fingerprint string
}

func NewSession(cfg SessionConfig, deps Deps) *Session {
	cfg.setDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan inboundFrame, cfg.FrameQueue),
		turnLock: make(chan struct{}, 1),
		restarts: rate.NewLimiter(rate.Every(cfg.RestartCooldown), 1),
		streams:  make(map[string]*UserStream),
	}
}

func (s *Session) logFields(kv ...interface{}) []interface{} {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	fields := append(logging.GuildFields(room.GuildID, ""), logging.ChannelFields(room.ChannelID, "")...)
	return append(fields, kv...)
}

func (s *Session) Room() Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) connection() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connected reports whether the session holds a live transport.
func (s *Session) Connected() bool {
	conn := s.connection()
	return conn != nil && conn.Connected()
}

// Join connects to room and starts receiving. A connect failure is returned
// to the caller; a session can only be joined once.
func (s *Session) Join(ctx context.Context, room Room) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return errSessionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("voice: session already joined %s", s.room)
	}
	s.room = room
	s.mu.Unlock()

	conn, err := s.deps.Transport.Connect(ctx, room)
	if err != nil {
		return fmt.Errorf("voice: connect %s: %w", room, err)
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Disconnect(ctx)
		return errSessionClosed
	}
	s.conn = conn
	s.fingerprint = conn.Fingerprint()
	s.mu.Unlock()

	s.lastFrame.Store(0)
	if err := s.startListening(conn); err != nil {
		logging.Warnw("voice: starting listener failed, health check will retry", s.logFields("err", err)...)
	}
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.healthLoop()
	s.deps.Metrics.SessionUp()
	logging.Infow("voice: joined channel", s.logFields()...)
	return nil
}

// startListening installs a fresh frame listener. Listeners from earlier
// generations become no-ops.
func (s *Session) startListening(conn Connection) error {
	gen := s.generation.Add(1)
	conn.StopListening()
	return conn.Listen(func(speakerID string, pcm []byte) {
		if s.generation.Load() != gen {
			return
		}
		s.lastFrame.Store(s.deps.Now().UnixNano())
		f := inboundFrame{speakerID: speakerID, pcm: append([]byte(nil), pcm...)}
		select {
		case s.frames <- f:
			s.deps.Metrics.FrameReceived()
		default:
			s.deps.Metrics.FrameDropped()
		}
	})
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.frames:
			s.routeFrame(f)
		}
	}
}

func (s *Session) routeFrame(f inboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("voice: frame routing panicked", s.logFields("panic", r, "stack", string(debug.Stack()))...)
		}
	}()
	if st := s.stream(f.speakerID); st != nil {
		st.FeedAudio(f.pcm)
	}
}

// stream returns the speaker's stream, creating it on first audio. Frames
// from users that are not resolvable members are ignored.
func (s *Session) stream(speakerID string) *UserStream {
	s.mu.Lock()
	st, ok := s.streams[speakerID]
	room := s.room
	s.mu.Unlock()
	if ok {
		return st
	}
	name, ok := s.deps.Members.DisplayName(room.GuildID, speakerID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil
	}
	if st, ok := s.streams[speakerID]; ok {
		return st
	}
	st = NewUserStream(s.ctx, Speaker{ID: speakerID, Name: name}, s, s.deps.STT, s.cfg.Stream, s.deps.Metrics)
	s.streams[speakerID] = st
	return st
}

// Stream returns the speaker's stream if one exists.
func (s *Session) Stream(speakerID string) (*UserStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[speakerID]
	return st, ok
}

// IsPlaying reports whether a reply is being played.
func (s *Session) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// InterruptPlayback stops the current reply and its synthesis. Receiving is
// not affected. It is a no-op when nothing is playing.
func (s *Session) InterruptPlayback() {
	if !s.stopReply() {
		return
	}
	s.deps.Metrics.BargeIn()
	logging.Debugw("voice: playback interrupted", s.logFields()...)
}

// stopReply halts the current reply and reports whether one was playing.
func (s *Session) stopReply() bool {
	s.mu.Lock()
	src, cancel, conn := s.current, s.cancelTTS, s.conn
	s.current, s.cancelTTS = nil, nil
	s.mu.Unlock()
	if src == nil {
		return false
	}
	src.Interrupt()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.StopPlayback()
	}
	return true
}

// HandleTranscript runs a turn for the transcript. Turns in a session never
// overlap; a second transcript waits for the first turn to finish.
func (s *Session) HandleTranscript(ctx context.Context, speaker Speaker, text string) {
	select {
	case s.turnLock <- struct{}{}:
	case <-ctx.Done():
		return
	case <-s.ctx.Done():
		return
	}
	defer func() { <-s.turnLock }()
	s.runTurn(ctx, speaker, text)
}

func (s *Session) runTurn(ctx context.Context, speaker Speaker, text string) {
	start := s.deps.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	ctx = logging.WithFields(ctx, logging.TurnFields(uuid.NewString(), speaker.ID)...)

	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			logging.ErrorwCtx(ctx, "voice: turn panicked", "panic", r, "stack", string(debug.Stack()))
		}
		s.deps.Metrics.Turn(outcome, s.deps.Now().Sub(start))
	}()

	if s.cfg.AckTone {
		s.playCue(ctx, s.cfg.AckSound)
	}

	personaID := s.deps.Personas.ActivePersona(ctx, speaker.ID)
	ctx = logging.WithFields(ctx, logging.PersonaFields(personaID)...)
	p, err := s.deps.Personas.LoadPersona(personaID)
	if err != nil {
		outcome = "persona_error"
		logging.WarnwCtx(ctx, "voice: loading persona failed", "err", err)
		return
	}
	msgs, err := s.deps.Personas.BuildContext(ctx, speaker.ID, personaID)
	if err != nil {
		outcome = "context_error"
		logging.WarnwCtx(ctx, "voice: building context failed", "err", err)
		return
	}
	userMsg := FormatUserMessage(start, speaker.Name, text)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userMsg})

	voiceID := s.voiceFor(p)
	if voiceID == "" {
		logging.DebugwCtx(ctx, "voice: reply will not be spoken", "err", ErrNoVoice)
	}
	resp, pcm, err := s.reply(ctx, msgs, voiceID)
	if err != nil {
		outcome = "llm_error"
		logging.WarnwCtx(ctx, "voice: language model failed", "err", err)
		return
	}
	logging.InfowCtx(ctx, "voice: reply", "text", truncate(resp.Text, 100), "tokens", resp.Usage.TotalTokens)

	var attachments []persona.Attachment
	if len(pcm) > 0 {
		wav := audio.WrapWAV(pcm, s.deps.TTS.SampleRate(), 1, audio.BytesPerSample)
		if path, err := s.deps.Personas.SaveCacheFile(personaID, speaker.ID, "tts.wav", wav); err != nil {
			logging.WarnwCtx(ctx, "voice: caching tts audio failed", "err", err)
		} else {
			attachments = append(attachments, persona.Attachment{Type: "tts", Path: path})
		}
	}
	err = s.deps.Personas.SaveTurn(ctx, persona.Turn{
		PersonaID:            personaID,
		UserID:               speaker.ID,
		UserMessage:          userMsg,
		AssistantMessage:     resp.Text,
		Usage:                resp.Usage,
		Cost:                 resp.Cost,
		AssistantAttachments: attachments,
	})
	if err != nil {
		outcome = "persist_error"
		logging.WarnwCtx(ctx, "voice: saving turn failed", "err", err)
	}

	// The transport may have rolled its keys during playback.
	if conn := s.connection(); conn != nil {
		s.refreshKeys(conn, "after_playback")
	}
}

func (s *Session) voiceFor(p persona.Persona) string {
	if s.deps.TTS == nil {
		return ""
	}
	if p.VoiceID != "" {
		return p.VoiceID
	}
	return s.deps.TTS.DefaultVoice()
}

// reply streams the model output into speech. If the stream cannot produce a
// complete response it falls back to one non-streaming completion, which is
// spoken only when nothing was spoken yet.
func (s *Session) reply(ctx context.Context, msgs []llm.Message, voiceID string) (llm.Response, []byte, error) {
	stream, err := s.deps.LLM.Stream(ctx, msgs)
	if err != nil {
		logging.WarnwCtx(ctx, "voice: llm stream failed, using completion", "err", err)
		return s.completeAndSpeak(ctx, msgs, voiceID, nil)
	}
	defer stream.Close()

	var sp *speech
	if voiceID != "" {
		sp, err = s.startSpeech(ctx, func(ctx context.Context, text <-chan string, onAudio func([]byte)) error {
			return s.deps.TTS.SynthesizeStream(ctx, text, voiceID, onAudio)
		})
		if err != nil {
			logging.WarnwCtx(ctx, "voice: starting playback failed", "err", err)
		}
	}
	var strip TagStripper
	for stream.Next() {
		sp.say(ctx, strip.Feed(stream.Token()))
	}
	sp.say(ctx, strip.Flush())
	pcm := s.finishSpeech(ctx, sp)

	resp, ok := stream.Response()
	if ok {
		return resp, pcm, nil
	}
	logging.WarnwCtx(ctx, "voice: llm stream incomplete, using completion", "err", stream.Err())
	if sp != nil && sp.src.Interrupted() {
		// The listener talked over this reply; keep the text, stay quiet.
		voiceID = ""
	}
	return s.completeAndSpeak(ctx, msgs, voiceID, pcm)
}

func (s *Session) completeAndSpeak(ctx context.Context, msgs []llm.Message, voiceID string, spoken []byte) (llm.Response, []byte, error) {
	resp, err := s.deps.LLM.Complete(ctx, msgs)
	if err != nil {
		return llm.Response{}, spoken, err
	}
	text := StripTags(resp.Text)
	if len(spoken) > 0 || voiceID == "" || strings.TrimSpace(text) == "" {
		return resp, spoken, nil
	}
	sp, err := s.startSpeech(ctx, func(ctx context.Context, _ <-chan string, onAudio func([]byte)) error {
		return s.deps.TTS.Synthesize(ctx, text, voiceID, onAudio)
	})
	if err != nil {
		logging.WarnwCtx(ctx, "voice: starting playback failed", "err", err)
		return resp, nil, nil
	}
	return resp, s.finishSpeech(ctx, sp), nil
}

// speech is one reply being synthesized into a playing source.
type speech struct {
	tokens    chan string
	closeOnce sync.Once
	done      chan struct{}
	played    chan struct{}
	src       *audio.PCMStreamSource

	mu  sync.Mutex
	pcm []byte
}

// say queues text for synthesis. Once synthesis has ended the text is
// dropped so the model stream can still be drained.
func (sp *speech) say(ctx context.Context, text string) {
	if sp == nil || text == "" {
		return
	}
	select {
	case sp.tokens <- text:
	case <-sp.done:
	case <-ctx.Done():
	}
}

type synthFunc func(ctx context.Context, text <-chan string, onAudio func([]byte)) error

func (s *Session) startSpeech(ctx context.Context, synth synthFunc) (*speech, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || !conn.Connected() {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if conn.IsPlaying() {
		conn.StopPlayback()
	}
	ttsCtx, cancel := context.WithCancel(ctx)
	sp := &speech{
		tokens: make(chan string, 64),
		done:   make(chan struct{}),
		played: make(chan struct{}),
		src:    audio.NewPCMStreamSource(s.cfg.FrameSize),
	}
	s.current, s.cancelTTS = sp.src, cancel
	s.mu.Unlock()

	var once sync.Once
	err := conn.Play(sp.src, func(err error) {
		if err != nil {
			logging.WarnwCtx(ctx, "voice: playback error", "err", err)
		}
		once.Do(func() { close(sp.played) })
	})
	if err != nil {
		cancel()
		s.clearCurrent(sp.src)
		return nil, err
	}

	rate := s.deps.TTS.SampleRate()
	go func() {
		defer close(sp.done)
		defer func() {
			if r := recover(); r != nil {
				logging.ErrorwCtx(ctx, "voice: synthesis panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		err := synth(ttsCtx, sp.tokens, func(chunk []byte) {
			out, err := audio.ToPlayback(chunk, rate)
			if err != nil {
				logging.DebugwCtx(ctx, "voice: dropping tts chunk", "err", err)
				return
			}
			sp.mu.Lock()
			sp.pcm = append(sp.pcm, chunk...)
			sp.mu.Unlock()
			sp.src.Feed(out)
		})
		if err != nil && ttsCtx.Err() == nil {
			logging.WarnwCtx(ctx, "voice: synthesis failed", "err", err)
		}
	}()
	return sp, nil
}

// finishSpeech ends the text input, waits for synthesis, then waits for the
// buffered audio to play out. It returns the mono PCM that was synthesized.
func (s *Session) finishSpeech(ctx context.Context, sp *speech) []byte {
	if sp == nil {
		return nil
	}
	sp.closeOnce.Do(func() { close(sp.tokens) })
	<-sp.done
	sp.src.Finish()
	select {
	case <-sp.played:
	case <-ctx.Done():
		sp.src.Interrupt()
	}
	s.clearCurrent(sp.src)

	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.pcm
}

func (s *Session) clearCurrent(src *audio.PCMStreamSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == src {
		if s.cancelTTS != nil {
			s.cancelTTS()
		}
		s.current, s.cancelTTS = nil, nil
	}
}

// playCue plays pcm and waits for it to finish.
func (s *Session) playCue(ctx context.Context, pcm []byte) {
	conn := s.connection()
	if conn == nil || len(pcm) == 0 {
		return
	}
	src := audio.NewPCMStreamSource(s.cfg.FrameSize)
	src.Feed(pcm)
	src.Finish()
	done := make(chan struct{})
	var once sync.Once
	if err := conn.Play(src, func(error) { once.Do(func() { close(done) }) }); err != nil {
		logging.DebugwCtx(ctx, "voice: playing cue failed", "err", err)
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		src.Interrupt()
	}
}

func (s *Session) healthLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.checkHealth()
		}
	}
}

// checkHealth restarts a dead listener, refreshes key material, and restarts
// the listener after a long silence in case the transport reconnected
// without it.
func (s *Session) checkHealth() {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("voice: health check panicked", s.logFields("panic", r, "stack", string(debug.Stack()))...)
		}
	}()
	conn := s.connection()
	if conn == nil || !conn.Connected() {
		return
	}
	if !conn.ListenerHealthy() {
		logging.Warnw("voice: listener is not running", s.logFields()...)
		s.restartListener(conn, "listener_down")
	}

	fp := conn.Fingerprint()
	s.mu.Lock()
	prev := s.fingerprint
	s.fingerprint = fp
	s.mu.Unlock()
	if prev != "" && fp != prev {
		logging.Infow("voice: transport identity changed, refreshing keys", s.logFields("previous", prev, "current", fp)...)
		s.refreshKeys(conn, "identity_changed")
	} else {
		s.refreshKeys(conn, "periodic")
	}

	if last := s.lastFrame.Load(); last > 0 {
		silence := s.deps.Now().Sub(time.Unix(0, last))
		if silence > s.cfg.SilenceRestart {
			logging.Warnw("voice: no audio frames, restarting listener", s.logFields("silence", silence.Round(time.Second).String())...)
			s.restartListener(conn, "silence")
		}
	}
	logging.Debugw("voice: health check ok", s.logFields()...)
}

func (s *Session) restartListener(conn Connection, reason string) {
	if !s.restarts.AllowN(s.deps.Now(), 1) {
		logging.Debugw("voice: listener restart in cooldown", s.logFields("reason", reason)...)
		return
	}
	if err := s.startListening(conn); err != nil {
		logging.Warnw("voice: listener restart failed", s.logFields("reason", reason, "err", err)...)
		return
	}
	s.deps.Metrics.ListenerRestart(reason)
	logging.Infow("voice: listener restarted", s.logFields("reason", reason)...)
}

func (s *Session) refreshKeys(conn Connection, reason string) {
	if err := conn.RefreshKeys(); err != nil {
		logging.Debugw("voice: key refresh failed", s.logFields("reason", reason, "err", err)...)
		return
	}
	s.deps.Metrics.KeyRefresh(reason)
}

// Leave stops playback and every speaker stream, then disconnects. It is
// safe to call more than once.
func (s *Session) Leave(ctx context.Context) error {
	s.stopReply()
	s.mu.Lock()
	s.cancel()
	conn, streams := s.conn, s.streams
	s.conn, s.streams = nil, make(map[string]*UserStream)
	s.mu.Unlock()
	s.generation.Add(1)

	for _, st := range streams {
		_ = st.Close()
	}
	var err error
	if conn != nil {
		conn.StopListening()
		err = conn.Disconnect(ctx)
		s.deps.Metrics.SessionDown()
		logging.Infow("voice: left channel", s.logFields()...)
	}
	s.wg.Wait()
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
