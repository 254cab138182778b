package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meowko-voice/internal/persona"
	"github.com/meowko-voice/llm"
)

// fakeTransport hands out fakeConns.
type fakeTransport struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
}

func (t *fakeTransport) Connect(_ context.Context, room Room) (Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	c := &fakeConn{room: room, connected: true, healthy: true, fingerprint: "fp-1"}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeConn struct {
	mu           sync.Mutex
	room         Room
	listeners    []FrameListener
	listening    bool
	healthy      bool
	fingerprint  string
	refreshes    int
	plays        int
	stops        int
	stopCh       chan struct{}
	played       []byte
	connected    bool
	disconnected int
}

func (c *fakeConn) Play(src AudioSource, onDone func(error)) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.plays++
	stop := make(chan struct{})
	c.stopCh = stop
	c.mu.Unlock()

	go func() {
		c.drive(src, stop)
		c.mu.Lock()
		if c.stopCh == stop {
			c.stopCh = nil
		}
		c.mu.Unlock()
		onDone(nil)
	}()
	return nil
}

func (c *fakeConn) drive(src AudioSource, stop chan struct{}) {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		frame := src.Read()
		if frame == nil {
			return
		}
		c.mu.Lock()
		c.played = append(c.played, frame...)
		c.mu.Unlock()
	}
}

func (c *fakeConn) StopPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

func (c *fakeConn) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh != nil
}

func (c *fakeConn) Listen(fn FrameListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
	c.listening = true
	return nil
}

func (c *fakeConn) StopListening() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = false
}

func (c *fakeConn) ListenerHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && c.listening
}

func (c *fakeConn) RefreshKeys() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	return nil
}

func (c *fakeConn) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

func (c *fakeConn) Room() Room { return c.room }

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected++
	return nil
}

// emit delivers a frame through the listener installed at index i, or the
// newest one when i < 0.
func (c *fakeConn) emit(i int, speakerID string, pcm []byte) {
	c.mu.Lock()
	if i < 0 {
		i = len(c.listeners) - 1
	}
	fn := c.listeners[i]
	c.mu.Unlock()
	fn(speakerID, pcm)
}

func (c *fakeConn) listenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *fakeConn) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func (c *fakeConn) playCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}

func (c *fakeConn) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeConn) playedBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.played...)
}

type fakeSTT struct {
	rate         int
	connectDelay time.Duration
	connectErr   error
	connects     atomic.Int32

	mu      sync.Mutex
	streams []*fakeSTTStream
}

func (f *fakeSTT) SampleRate() int {
	if f.rate == 0 {
		return 48000
	}
	return f.rate
}

func (f *fakeSTT) NewStream(cb STTCallbacks) STTStream {
	s := &fakeSTTStream{owner: f, cb: cb}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s
}

func (f *fakeSTT) stream(i int) *fakeSTTStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 {
		i = len(f.streams) + i
	}
	if i < 0 || i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

type fakeSTTStream struct {
	owner *fakeSTT
	cb    STTCallbacks

	mu        sync.Mutex
	connected bool
	closed    bool
	audio     [][]byte
	ends      int
}

func (s *fakeSTTStream) Connect(ctx context.Context) error {
	s.owner.connects.Add(1)
	if d := s.owner.connectDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.owner.connectErr != nil {
		return s.owner.connectErr
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSTTStream) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("not connected")
	}
	s.audio = append(s.audio, pcm)
	return nil
}

func (s *fakeSTTStream) EndUtterance(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	return nil
}

func (s *fakeSTTStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.closed = true
	return nil
}

// drop simulates the provider closing the socket after a final result.
func (s *fakeSTTStream) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

func (s *fakeSTTStream) chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *fakeSTTStream) endCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ends
}

func (s *fakeSTTStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeTTS emits one chunk per text: two bytes per character.
type fakeTTS struct {
	streamErr error
	fullErr   error

	mu       sync.Mutex
	streamed []string
	full     []string
}

func chunkFor(text string) []byte {
	out := make([]byte, 2*len(text))
	for i := range out {
		out[i] = byte(i%7 + 1)
	}
	return out
}

func (f *fakeTTS) Synthesize(ctx context.Context, text, _ string, onAudio func([]byte)) error {
	f.mu.Lock()
	f.full = append(f.full, text)
	f.mu.Unlock()
	if f.fullErr != nil {
		return f.fullErr
	}
	onAudio(chunkFor(text))
	return ctx.Err()
}

func (f *fakeTTS) SynthesizeStream(ctx context.Context, text <-chan string, _ string, onAudio func([]byte)) error {
	if f.streamErr != nil {
		return f.streamErr
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-text:
			if !ok {
				return nil
			}
			f.mu.Lock()
			f.streamed = append(f.streamed, t)
			f.mu.Unlock()
			onAudio(chunkFor(t))
		}
	}
}

func (f *fakeTTS) SampleRate() int      { return 48000 }
func (f *fakeTTS) DefaultVoice() string { return "default-voice" }

func (f *fakeTTS) streamedText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := ""
	for _, t := range f.streamed {
		out += t
	}
	return out
}

func (f *fakeTTS) fullTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.full...)
}

type fakeLLM struct {
	tokens     []string
	streamErr  error
	incomplete bool
	// gate, when set, blocks each stream after its first token.
	gate chan struct{}

	completeText string
	completeErr  error

	active    atomic.Int32
	maxActive atomic.Int32
	streams   atomic.Int32
	completes atomic.Int32
}

func (f *fakeLLM) enter() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			return
		}
	}
}

func (f *fakeLLM) Complete(context.Context, []llm.Message) (llm.Response, error) {
	f.completes.Add(1)
	if f.completeErr != nil {
		return llm.Response{}, f.completeErr
	}
	return llm.Response{Text: f.completeText, Usage: llm.Usage{TotalTokens: 7}}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, _ []llm.Message) (llm.Stream, error) {
	f.streams.Add(1)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.enter()
	return &fakeStream{owner: f, ctx: ctx, tokens: f.tokens}, nil
}

type fakeStream struct {
	owner  *fakeLLM
	ctx    context.Context
	tokens []string
	pos    int
	text   string
	closed bool
}

func (s *fakeStream) Next() bool {
	if s.pos == 1 && s.owner.gate != nil {
		select {
		case <-s.owner.gate:
		case <-s.ctx.Done():
			return false
		}
	}
	if s.pos >= len(s.tokens) {
		return false
	}
	s.text += s.tokens[s.pos]
	s.pos++
	return true
}

func (s *fakeStream) Token() string { return s.tokens[s.pos-1] }
func (s *fakeStream) Err() error    { return nil }

func (s *fakeStream) Response() (llm.Response, bool) {
	return llm.Response{Text: s.text, Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, Cost: 0.01}, !s.owner.incomplete
}

func (s *fakeStream) Close() error {
	if !s.closed {
		s.closed = true
		s.owner.active.Add(-1)
	}
	return nil
}

type fakePersonas struct {
	voiceID string

	mu     sync.Mutex
	turns  []persona.Turn
	cached []string
}

func (p *fakePersonas) ActivePersona(context.Context, string) string { return "meowko" }

func (p *fakePersonas) LoadPersona(id string) (persona.Persona, error) {
	return persona.Persona{ID: id, Nickname: id, Prompt: "be nice", VoiceID: p.voiceID}, nil
}

func (p *fakePersonas) BuildContext(context.Context, string, string) ([]llm.Message, error) {
	return []llm.Message{{Role: llm.RoleSystem, Content: "be nice"}}, nil
}

func (p *fakePersonas) SaveTurn(_ context.Context, t persona.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, t)
	return nil
}

func (p *fakePersonas) SaveCacheFile(personaID, userID, name string, _ []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := "cache/" + personaID + "-" + userID + "/" + name
	p.cached = append(p.cached, path)
	return path, nil
}

func (p *fakePersonas) savedTurns() []persona.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]persona.Turn(nil), p.turns...)
}

type fakeMembers struct {
	mu     sync.Mutex
	names  map[string]string
	humans map[string]int
}

func (m *fakeMembers) DisplayName(_, userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[userID]
	return name, ok
}

func (m *fakeMembers) HumanCount(_, channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.humans[channelID]
}

func (m *fakeMembers) setHumans(channelID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.humans[channelID] = n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
