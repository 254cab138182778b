package discordvoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowko-voice/internal/audio"
	"github.com/meowko-voice/internal/voice"
)

type fakeLink struct {
	mu          sync.Mutex
	recv        chan *discordgo.Packet
	send        chan []byte
	ready       bool
	speaking    []bool
	disconnects int
	disconnErr  error
}

func newFakeLink() *fakeLink {
	return &fakeLink{recv: make(chan *discordgo.Packet, 8), send: make(chan []byte, 64), ready: true}
}

func (l *fakeLink) Recv() <-chan *discordgo.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recv
}

func (l *fakeLink) Send() chan<- []byte { return l.send }

func (l *fakeLink) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *fakeLink) setReady(v bool) {
	l.mu.Lock()
	l.ready = v
	l.mu.Unlock()
}

func (l *fakeLink) swapRecv() chan *discordgo.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recv = make(chan *discordgo.Packet, 8)
	return l.recv
}

func (l *fakeLink) Speaking(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speaking = append(l.speaking, on)
	return nil
}

func (l *fakeLink) speakingLog() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.speaking...)
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return l.disconnErr
}

func (l *fakeLink) Fingerprint() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return "ready"
	}
	return "down"
}

var testRoom = voice.Room{GuildID: "g1", ChannelID: "c1"}

type frames struct {
	mu    sync.Mutex
	users []string
	sizes []int
}

func (f *frames) listen(user string, pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, user)
	f.sizes = append(f.sizes, len(pcm))
}

func (f *frames) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// opusFrame encodes 20 ms of stereo audio.
func opusFrame(t *testing.T) []byte {
	t.Helper()
	enc, err := opus.NewEncoder(audio.SampleRate, channels, opus.AppAudio)
	require.NoError(t, err)
	stereo := audio.BytesToInt16(audio.SynthesizeTone(440, 20, audio.SampleRate, 0.3))
	out := make([]byte, maxPacketBytes)
	n, err := enc.Encode(stereo, out)
	require.NoError(t, err)
	return out[:n]
}

func TestReceiveDecodesMappedSpeakers(t *testing.T) {
	l := newFakeLink()
	c := newConnection(testRoom, l)
	defer c.Disconnect(context.Background())

	var got frames
	require.NoError(t, c.Listen(got.listen))
	c.onSpeaking("u1", 7)

	pkt := opusFrame(t)
	l.recv <- &discordgo.Packet{SSRC: 9, Opus: pkt}
	l.recv <- nil
	l.recv <- &discordgo.Packet{SSRC: 7, Opus: pkt}

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, []string{"u1"}, got.users, "unmapped ssrc is dropped")
	assert.Equal(t, []int{audio.FrameSize}, got.sizes)
}

func TestListenerHealth(t *testing.T) {
	l := newFakeLink()
	c := newConnection(testRoom, l)
	defer c.Disconnect(context.Background())

	assert.False(t, c.ListenerHealthy(), "no listener yet")
	require.NoError(t, c.Listen(func(string, []byte) {}))
	assert.True(t, c.ListenerHealthy())

	l.setReady(false)
	assert.False(t, c.ListenerHealthy())
	assert.Equal(t, "down", c.Fingerprint())
	l.setReady(true)

	close(l.recv)
	require.Eventually(t, func() bool { return !c.ListenerHealthy() }, time.Second, 5*time.Millisecond)
}

func TestRefreshKeysReattachesReceiver(t *testing.T) {
	l := newFakeLink()
	c := newConnection(testRoom, l)
	defer c.Disconnect(context.Background())

	var got frames
	require.NoError(t, c.Listen(got.listen))
	c.onSpeaking("u1", 7)
	fresh := l.swapRecv()
	require.NoError(t, c.RefreshKeys())
	assert.True(t, c.ListenerHealthy())

	fresh <- &discordgo.Packet{SSRC: 7, Opus: opusFrame(t)}
	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRefreshKeysKeepsLiveReceiver(t *testing.T) {
	l := newFakeLink()
	c := newConnection(testRoom, l)
	defer c.Disconnect(context.Background())

	var got frames
	require.NoError(t, c.Listen(got.listen))
	c.onSpeaking("u1", 7)
	l.recv <- &discordgo.Packet{SSRC: 7, Opus: opusFrame(t)}
	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	before := c.listener
	c.mu.Unlock()
	for range 3 {
		require.NoError(t, c.RefreshKeys())
	}
	c.mu.Lock()
	assert.Same(t, before, c.listener, "unchanged channel keeps the worker")
	assert.Len(t, c.decoders, 1, "decoder state survives")
	c.mu.Unlock()
}

func TestConcurrentListenAndRefreshLeaveNoStrayReceiver(t *testing.T) {
	l := newFakeLink()
	c := newConnection(testRoom, l)
	defer c.Disconnect(context.Background())

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = c.Listen(func(string, []byte) {})
				return
			}
			_ = c.RefreshKeys()
		}()
	}
	wg.Wait()
	c.StopListening()
	assert.False(t, c.ListenerHealthy())

	l.recv <- &discordgo.Packet{SSRC: 7, Opus: []byte{0xf8}}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, l.recv, 1, "no receive worker outlives StopListening")
}

func TestPlayEncodesUntilSourceEnds(t *testing.T) {
	l := newFakeLink()
	c := newConnection(testRoom, l)
	defer c.Disconnect(context.Background())

	src := audio.NewPCMStreamSource(0)
	src.Feed(make([]byte, audio.FrameSize*2))
	src.Feed(make([]byte, audio.FrameSize/2))
	src.Finish()

	done := make(chan error, 1)
	require.NoError(t, c.Play(src, func(err error) { done <- err }))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish")
	}
	assert.Len(t, l.send, 3, "two full frames and a padded tail")
	assert.Equal(t, []bool{true, false}, l.speakingLog())
	assert.False(t, c.IsPlaying())
}

func TestStopPlayback(t *testing.T) {
	l := newFakeLink()
	l.send = make(chan []byte) // nobody drains it
	c := newConnection(testRoom, l)
	defer c.Disconnect(context.Background())

	src := audio.NewPCMStreamSource(0)
	done := make(chan error, 1)
	require.NoError(t, c.Play(src, func(err error) { done <- err }))
	require.Eventually(t, c.IsPlaying, time.Second, 5*time.Millisecond)

	c.StopPlayback()
	assert.False(t, c.IsPlaying())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("onDone not called after stop")
	}
	c.StopPlayback()
}

func TestDisconnect(t *testing.T) {
	l := newFakeLink()
	l.disconnErr = errors.New("gateway gone")
	c := newConnection(testRoom, l)
	require.NoError(t, c.Listen(func(string, []byte) {}))

	err := c.Disconnect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway gone")
	assert.False(t, c.Connected())
	assert.False(t, c.ListenerHealthy())
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, 1, l.disconnects)

	assert.ErrorIs(t, c.Listen(func(string, []byte) {}), voice.ErrNotConnected)
	assert.ErrorIs(t, c.Play(audio.NewPCMStreamSource(0), nil), voice.ErrNotConnected)
	assert.ErrorIs(t, c.RefreshKeys(), voice.ErrNotConnected)
}

// TestOpusRecvWiring feeds a discordgo VoiceConnection's receive channel
// through the link adapter.
func TestOpusRecvWiring(t *testing.T) {
	vc := &discordgo.VoiceConnection{Ready: true}
	vc.OpusRecv = make(chan *discordgo.Packet, 2)
	c := newConnection(testRoom, &vcLink{vc: vc})

	var got frames
	require.NoError(t, c.Listen(got.listen))
	c.onSpeaking("u42", 42)
	vc.OpusRecv <- &discordgo.Packet{SSRC: 42, Opus: opusFrame(t)}
	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.ListenerHealthy())
	c.StopListening()
}
