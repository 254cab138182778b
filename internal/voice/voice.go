// Package voice runs the real-time voice pipeline: per-speaker streaming
// speech-to-text, serialized language-model turns, streaming synthesis and
// interruptible playback over a voice transport.
package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meowko-voice/internal/persona"
	"github.com/meowko-voice/llm"
)

var (
	// ErrNotConnected is returned when a transport operation needs a live connection.
	ErrNotConnected = errors.New("voice: not connected")
	// ErrNoVoice means no TTS voice is configured for the persona.
	ErrNoVoice = errors.New("voice: no tts voice configured")
)

// Room identifies a voice channel.
type Room struct {
	GuildID   string
	ChannelID string
}

func (r Room) String() string { return r.GuildID + "/" + r.ChannelID }

// Speaker is a resolved channel member.
type Speaker struct {
	ID   string
	Name string
}

// FrameListener receives one 20 ms frame of 48 kHz stereo PCM. It may be
// called from any goroutine.
type FrameListener func(speakerID string, pcm []byte)

// AudioSource is pulled once per frame interval by the playback driver. A nil
// frame ends playback.
type AudioSource interface {
	Read() []byte
}

// Transport opens voice connections.
type Transport interface {
	Connect(ctx context.Context, room Room) (Connection, error)
}

// Connection is a live voice connection. Stopping playback never stops
// receiving, and Disconnect tears down both.
type Connection interface {
	// Play starts pulling src. onDone is called exactly once when playback
	// ends, is stopped, or fails.
	Play(src AudioSource, onDone func(error)) error
	StopPlayback()
	IsPlaying() bool

	// Listen replaces the frame listener.
	Listen(fn FrameListener) error
	StopListening()
	ListenerHealthy() bool

	// RefreshKeys reloads receive-side key material from the live connection.
	RefreshKeys() error
	// Fingerprint identifies the underlying socket and session. It changes
	// when the transport reconnects under the hood.
	Fingerprint() string

	Room() Room
	Connected() bool
	Disconnect(ctx context.Context) error
}

// STTCallbacks are invoked from the STT receive goroutine.
type STTCallbacks struct {
	OnPartial   func(text string)
	OnCommitted func(text string)
}

// SpeechToText creates one stream per speaker.
type SpeechToText interface {
	NewStream(cb STTCallbacks) STTStream
	// SampleRate is the mono input rate the stream expects.
	SampleRate() int
}

// STTStream is a single realtime transcription connection.
type STTStream interface {
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error
	EndUtterance(ctx context.Context) error
	Connected() bool
	Close() error
}

// TextToSpeech synthesizes mono PCM at SampleRate, delivered in order through
// onAudio.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text, voiceID string, onAudio func([]byte)) error
	SynthesizeStream(ctx context.Context, text <-chan string, voiceID string, onAudio func([]byte)) error
	SampleRate() int
	DefaultVoice() string
}

// LanguageModel is the chat completion backend.
type LanguageModel interface {
	Complete(ctx context.Context, msgs []llm.Message) (llm.Response, error)
	Stream(ctx context.Context, msgs []llm.Message) (llm.Stream, error)
}

// Personas resolves personas and persists turns.
type Personas interface {
	ActivePersona(ctx context.Context, userID string) string
	LoadPersona(id string) (persona.Persona, error)
	BuildContext(ctx context.Context, userID, personaID string) ([]llm.Message, error)
	SaveTurn(ctx context.Context, t persona.Turn) error
	SaveCacheFile(personaID, userID, name string, data []byte) (string, error)
}

// Members answers questions about guild membership.
type Members interface {
	// DisplayName returns the member's display name and false for unknown
	// users and bots.
	DisplayName(guildID, userID string) (string, bool)
	// HumanCount is the number of non-bot users in the channel.
	HumanCount(guildID, channelID string) int
}

// PresenceChange is a user's voice channel moving.
type PresenceChange struct {
	GuildID         string
	UserID          string
	IsBot           bool
	BeforeChannelID string
	AfterChannelID  string
}

// FormatUserMessage renders a transcript the way it is logged and sent to the
// model.
func FormatUserMessage(at time.Time, name, transcript string) string {
	return fmt.Sprintf("[%s] %s: [Voice channel: %s] ", at.Format("2006-01-02 15:04"), name, transcript)
}
