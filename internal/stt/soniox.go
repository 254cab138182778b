// Package stt streams caller audio to the Soniox realtime transcription API.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/voice"
)

const DefaultURL = "wss://stt-rt.soniox.com/transcribe-websocket"

var ErrClosed = errors.New("stt: stream closed")

// ProviderError is an error frame sent by Soniox before it closes the socket.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("stt: soniox error %s: %s", e.Code, e.Message)
}

type Config struct {
	URL           string
	APIKey        string
	Model         string
	LanguageHints []string
	// SampleRate is the mono rate announced in the config frame.
	SampleRate       int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = "stt-rt-preview"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Client creates one realtime stream per speaker.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  16384,
		},
	}
}

func (c *Client) SampleRate() int { return c.cfg.SampleRate }

func (c *Client) NewStream(cb voice.STTCallbacks) voice.STTStream {
	return &Stream{client: c, cb: cb}
}

type configFrame struct {
	APIKey        string   `json:"api_key"`
	Model         string   `json:"model"`
	AudioFormat   string   `json:"audio_format"`
	SampleRate    int      `json:"sample_rate"`
	NumChannels   int      `json:"num_channels"`
	LanguageHints []string `json:"language_hints,omitempty"`
}

type token struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type response struct {
	Tokens       []token         `json:"tokens"`
	Finished     bool            `json:"finished"`
	ErrorCode    json.RawMessage `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
}

// Stream is one Soniox websocket. The server finalizes and closes the socket
// after every utterance, so a stream is used for a single utterance and then
// reconnected by its owner.
type Stream struct {
	client *Client
	cb     voice.STTCallbacks

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	err       error
}

func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	cfg := s.client.cfg
	conn, resp, err := s.client.dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("stt: dial: %w", err)
	}
	frame, err := json.Marshal(configFrame{
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		AudioFormat:   "s16le",
		SampleRate:    cfg.SampleRate,
		NumChannels:   1,
		LanguageHints: cfg.LanguageHints,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := writeFrame(ctx, conn, cfg.WriteTimeout, websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("stt: send config: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn, s.connected, s.err = conn, true, nil
	s.mu.Unlock()

	go s.readLoop(conn)
	logging.Debugw("stt: connected", "model", cfg.Model, "sample_rate", cfg.SampleRate)
	return nil
}

// SendAudio writes one binary frame of mono s16le PCM.
func (s *Stream) SendAudio(ctx context.Context, pcm []byte) error {
	return s.write(ctx, websocket.BinaryMessage, pcm)
}

// EndUtterance sends the empty text frame that asks Soniox to finalize.
func (s *Stream) EndUtterance(ctx context.Context) error {
	return s.write(ctx, websocket.TextMessage, []byte{})
}

func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Err returns the provider error that ended the last connection, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed, s.connected = true, false
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Stream) write(ctx context.Context, kind int, data []byte) error {
	s.mu.Lock()
	conn, ok := s.conn, s.connected
	s.mu.Unlock()
	if !ok || conn == nil {
		return ErrClosed
	}
	s.writeMu.Lock()
	err := writeFrame(ctx, conn, s.client.cfg.WriteTimeout, kind, data)
	s.writeMu.Unlock()
	if err != nil {
		s.drop(conn, nil)
		return fmt.Errorf("stt: write: %w", err)
	}
	return nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, timeout time.Duration, kind int, data []byte) error {
	dl := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = conn.SetWriteDeadline(dl)
	return conn.WriteMessage(kind, data)
}

// drop marks conn dead if it is still the current connection.
func (s *Stream) drop(conn *websocket.Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.connected = false
		if err != nil {
			s.err = err
		}
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	var final strings.Builder
	var perr error
	defer func() {
		s.drop(conn, perr)
		_ = conn.Close()
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !s.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logging.Warnw("stt: connection closed", "err", err)
			}
			return
		}
		var msg response
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Warnw("stt: undecodable message", "err", err, "len", len(raw))
			continue
		}
		if len(msg.ErrorCode) > 0 && string(msg.ErrorCode) != "null" {
			pe := &ProviderError{Code: strings.Trim(string(msg.ErrorCode), `"`), Message: msg.ErrorMessage}
			logging.Errorw("stt: provider error", "code", pe.Code, "message", pe.Message)
			perr = pe
			return
		}
		if s.isClosed() {
			return
		}
		for _, t := range msg.Tokens {
			switch {
			case t.IsFinal:
				final.WriteString(t.Text)
			case t.Text != "" && s.cb.OnPartial != nil:
				s.cb.OnPartial(t.Text)
			}
		}
		if msg.Finished {
			text := strings.TrimSpace(final.String())
			final.Reset()
			if text != "" && s.cb.OnCommitted != nil {
				s.cb.OnCommitted(text)
			}
			logging.Debugw("stt: utterance finished")
			return
		}
	}
}
