package discordvoice

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/meowko-voice/internal/audio"
	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/voice"
)

const (
	channels = 2
	// maxFrameSamples fits the longest Opus packet (120 ms) per channel.
	maxFrameSamples = 5760
	maxPacketBytes  = 4000
)

// link is the part of a discordgo voice connection a Connection drives.
type link interface {
	Recv() <-chan *discordgo.Packet
	Send() chan<- []byte
	Ready() bool
	Speaking(bool) error
	Disconnect() error
	Fingerprint() string
}

type worker struct {
	stop chan struct{}
	done chan struct{}
}

func newWorker() *worker {
	return &worker{stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *worker) running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) halt() {
	close(w.stop)
	<-w.done
}

// Connection adapts a Discord voice connection to voice.Connection. Incoming
// Opus is decoded per SSRC and attributed to users through speaking updates.
type Connection struct {
	room voice.Room
	link link

	// listenMu serializes listener stop and start so at most one receive
	// worker exists. Workers are halted outside mu.
	listenMu sync.Mutex

	mu        sync.Mutex
	connected bool
	ssrcUsers map[uint32]string
	decoders  map[uint32]*opus.Decoder
	listenFn  voice.FrameListener
	listener  *worker
	// listenRecv is the packet channel the current listener drains.
	listenRecv <-chan *discordgo.Packet
	player     *worker
}

func newConnection(room voice.Room, l link) *Connection {
	return &Connection{
		room:      room,
		link:      l,
		connected: true,
		ssrcUsers: make(map[uint32]string),
		decoders:  make(map[uint32]*opus.Decoder),
	}
}

func (c *Connection) Room() voice.Room { return c.room }

func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connection) Fingerprint() string { return c.link.Fingerprint() }

// onSpeaking maps an SSRC to the user that owns it.
func (c *Connection) onSpeaking(userID string, ssrc uint32) {
	if userID == "" {
		return
	}
	c.mu.Lock()
	prev := c.ssrcUsers[ssrc]
	c.ssrcUsers[ssrc] = userID
	c.mu.Unlock()
	if prev != userID {
		logging.Debugw("discordvoice: mapped ssrc", append(logging.UserFields(userID, ""), "ssrc", ssrc)...)
	}
}

func (c *Connection) Listen(fn voice.FrameListener) error {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.stopListener()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return voice.ErrNotConnected
	}
	c.listenFn = fn
	c.startListenerLocked()
	return nil
}

// startListenerLocked requires listenMu and mu and no running listener.
func (c *Connection) startListenerLocked() {
	w := newWorker()
	recv := c.link.Recv()
	c.listener = w
	c.listenRecv = recv
	go c.receive(w, recv, c.listenFn)
}

func (c *Connection) StopListening() {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.stopListener()
}

// stopListener requires listenMu.
func (c *Connection) stopListener() {
	c.mu.Lock()
	w := c.listener
	c.listener = nil
	c.listenRecv = nil
	c.mu.Unlock()
	if w != nil {
		w.halt()
	}
}

func (c *Connection) ListenerHealthy() bool {
	c.mu.Lock()
	w := c.listener
	c.mu.Unlock()
	return w != nil && w.running() && c.link.Ready()
}

func (c *Connection) receive(w *worker, recv <-chan *discordgo.Packet, fn voice.FrameListener) {
	defer close(w.done)
	if recv == nil {
		logging.Warnw("discordvoice: no receive channel", "room", c.room.String())
		return
	}
	pcm := make([]int16, maxFrameSamples*channels)
	for {
		select {
		case <-w.stop:
			return
		case pkt, ok := <-recv:
			if !ok {
				logging.Warnw("discordvoice: receive channel closed", "room", c.room.String())
				return
			}
			if pkt != nil {
				c.handlePacket(pkt, pcm, fn)
			}
		}
	}
}

func (c *Connection) handlePacket(pkt *discordgo.Packet, pcm []int16, fn voice.FrameListener) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("discordvoice: packet handler panicked", "ssrc", pkt.SSRC, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	c.mu.Lock()
	userID := c.ssrcUsers[pkt.SSRC]
	dec := c.decoders[pkt.SSRC]
	if userID != "" && dec == nil {
		var err error
		dec, err = opus.NewDecoder(audio.SampleRate, channels)
		if err != nil {
			c.mu.Unlock()
			logging.Errorw("discordvoice: opus decoder init failed", "ssrc", pkt.SSRC, "err", err)
			return
		}
		c.decoders[pkt.SSRC] = dec
	}
	c.mu.Unlock()
	if userID == "" {
		return
	}
	n, err := dec.Decode(pkt.Opus, pcm)
	if err != nil {
		logging.Debugw("discordvoice: opus decode error", "ssrc", pkt.SSRC, "err", err)
		return
	}
	fn(userID, audio.Int16ToBytes(pcm[:n*channels]))
}

// RefreshKeys reattaches the receive pump when the connection's packet
// channel changed or the pump died, dropping per-SSRC decoder state. A
// healthy pump on the current channel is left alone.
func (c *Connection) RefreshKeys() error {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return voice.ErrNotConnected
	}
	if c.listenFn == nil {
		c.mu.Unlock()
		return nil
	}
	if c.listener != nil && c.listener.running() && c.link.Recv() == c.listenRecv {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.stopListener()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return voice.ErrNotConnected
	}
	c.decoders = make(map[uint32]*opus.Decoder)
	c.startListenerLocked()
	return nil
}

// Play encodes src to Opus frame by frame until it yields nil or playback is
// stopped. The discordgo sender paces the frames.
func (c *Connection) Play(src voice.AudioSource, onDone func(error)) error {
	c.StopPlayback()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return voice.ErrNotConnected
	}
	enc, err := opus.NewEncoder(audio.SampleRate, channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("discordvoice: opus encoder: %w", err)
	}
	w := newWorker()
	c.player = w
	go c.play(w, enc, src, onDone)
	return nil
}

func (c *Connection) play(w *worker, enc *opus.Encoder, src voice.AudioSource, onDone func(error)) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discordvoice: playback panicked: %v", r)
			logging.Errorw("discordvoice: playback panicked", "panic", r, "stack", string(debug.Stack()))
		}
		if serr := c.link.Speaking(false); serr != nil {
			logging.Debugw("discordvoice: speaking off failed", "err", serr)
		}
		c.mu.Lock()
		if c.player == w {
			c.player = nil
		}
		c.mu.Unlock()
		close(w.done)
		if onDone != nil {
			onDone(err)
		}
	}()
	if serr := c.link.Speaking(true); serr != nil {
		logging.Debugw("discordvoice: speaking on failed", "err", serr)
	}
	send := c.link.Send()
	frame := make([]byte, audio.FrameSize)
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		pcm := src.Read()
		if pcm == nil {
			return
		}
		n := copy(frame, pcm)
		clear(frame[n:])
		packet := make([]byte, maxPacketBytes)
		size, eerr := enc.Encode(audio.BytesToInt16(frame), packet)
		if eerr != nil {
			err = fmt.Errorf("discordvoice: opus encode: %w", eerr)
			return
		}
		select {
		case send <- packet[:size]:
		case <-w.stop:
			return
		}
	}
}

func (c *Connection) StopPlayback() {
	c.mu.Lock()
	w := c.player
	c.player = nil
	c.mu.Unlock()
	if w != nil {
		w.halt()
	}
}

func (c *Connection) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player != nil && c.player.running()
}

func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	c.StopPlayback()
	c.StopListening()
	done := make(chan error, 1)
	go func() { done <- c.link.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("discordvoice: disconnect %s: %w", c.room, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
