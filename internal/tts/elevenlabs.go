// Package tts synthesizes speech with ElevenLabs, as raw 48 kHz mono PCM.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/voice"
)

const (
	DefaultBaseURL   = "https://api.elevenlabs.io/v1"
	DefaultStreamURL = "wss://api.elevenlabs.io/v1"

	outputFormat = "pcm_48000"
	sampleRate   = 48000
	chunkSize    = 4096
)

// SynthesisError is a non-2xx answer or an error frame from the provider.
type SynthesisError struct {
	Provider  string
	Code      int
	Message   string
	Retryable bool
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("tts: %s returned %d: %s", e.Provider, e.Code, e.Message)
}

type Config struct {
	BaseURL        string
	StreamURL      string
	APIKey         string
	ModelID        string
	DefaultVoiceID string
	Language       string
	VoiceSettings  map[string]any
	Timeout        time.Duration
	// Attempts bounds connection retries for the full-text request.
	Attempts int
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL
	}
	if c.ModelID == "" {
		c.ModelID = "eleven_flash_v2_5"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 2
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.StreamURL = strings.TrimRight(c.StreamURL, "/")
}

type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient returns an ElevenLabs client. A nil httpClient uses one without
// an overall timeout since responses stream for as long as the speech lasts.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg.setDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
	}
}

func (c *Client) SampleRate() int { return sampleRate }

func (c *Client) DefaultVoice() string { return c.cfg.DefaultVoiceID }

type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	LanguageCode  string         `json:"language_code,omitempty"`
	VoiceSettings map[string]any `json:"voice_settings,omitempty"`
}

func (c *Client) voiceOrDefault(voiceID string) (string, error) {
	if voiceID == "" {
		voiceID = c.cfg.DefaultVoiceID
	}
	if voiceID == "" {
		return "", voice.ErrNoVoice
	}
	return voiceID, nil
}

// Synthesize streams the full text through the HTTP endpoint and delivers
// sample-aligned PCM chunks to onAudio as they arrive.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string, onAudio func([]byte)) error {
	voiceID, err := c.voiceOrDefault(voiceID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(speechRequest{
		Text:          text,
		ModelID:       c.cfg.ModelID,
		LanguageCode:  c.cfg.Language,
		VoiceSettings: c.cfg.VoiceSettings,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s", c.cfg.BaseURL, url.PathEscape(voiceID), outputFormat)

	start := time.Now()
	resp, err := c.postWithRetries(ctx, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &SynthesisError{
			Provider:  "elevenlabs",
			Code:      resp.StatusCode,
			Message:   strings.TrimSpace(string(msg)),
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var al aligner
	total := 0
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += n
			al.emit(buf[:n], onAudio)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("tts: read stream: %w", rerr)
		}
	}
	al.flush(onAudio)
	logging.Debugw("tts: synthesized", "chars", len(text), "bytes", total, "voice", voiceID, "elapsed", time.Since(start))
	return nil
}

// postWithRetries posts JSON and retries connection failures with backoff.
// Caller must close resp.Body.
func (c *Client) postWithRetries(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	var lastErr error
	for i := 0; i < c.cfg.Attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", c.cfg.APIKey)
		resp, err := c.http.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		logging.Debugw("tts: POST attempt failed", "attempt", i+1, "err", err)
		if i == c.cfg.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(200*(1<<i)) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("tts: post: %w", lastErr)
}

type streamInit struct {
	Text          string         `json:"text"`
	VoiceSettings map[string]any `json:"voice_settings,omitempty"`
	APIKey        string         `json:"xi_api_key"`
}

type streamText struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

type streamAudio struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SynthesizeStream forwards text chunks to the stream-input websocket as they
// are produced and delivers audio until the provider marks the stream final.
// Closing text ends the input.
func (c *Client) SynthesizeStream(ctx context.Context, text <-chan string, voiceID string, onAudio func([]byte)) error {
	voiceID, err := c.voiceOrDefault(voiceID)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("model_id", c.cfg.ModelID)
	q.Set("output_format", outputFormat)
	if c.cfg.Language != "" {
		q.Set("language_code", c.cfg.Language)
	}
	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream-input?%s", c.cfg.StreamURL, url.PathEscape(voiceID), q.Encode())

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("tts: dial stream: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(streamInit{Text: " ", VoiceSettings: c.cfg.VoiceSettings, APIKey: c.cfg.APIKey}); err != nil {
		return fmt.Errorf("tts: stream init: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case chunk, ok := <-text:
				if !ok {
					return conn.WriteJSON(streamText{Text: ""})
				}
				if chunk == "" {
					continue
				}
				if err := conn.WriteJSON(streamText{Text: chunk, TryTriggerGeneration: true}); err != nil {
					return fmt.Errorf("tts: send text: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		var al aligner
		defer al.flush(onAudio)
		for {
			var msg streamAudio
			if err := conn.ReadJSON(&msg); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("tts: read stream: %w", err)
			}
			if msg.Error != "" {
				return &SynthesisError{Provider: "elevenlabs", Message: strings.TrimSpace(msg.Error + " " + msg.Message)}
			}
			if msg.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					return fmt.Errorf("tts: decode audio: %w", err)
				}
				al.emit(pcm, onAudio)
			}
			if msg.IsFinal {
				return nil
			}
		}
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// aligner keeps delivered PCM on 16-bit sample boundaries.
type aligner struct {
	carry []byte
}

func (a *aligner) emit(data []byte, onAudio func([]byte)) {
	chunk := make([]byte, 0, len(a.carry)+len(data))
	chunk = append(chunk, a.carry...)
	chunk = append(chunk, data...)
	a.carry = a.carry[:0]
	if len(chunk)%2 == 1 {
		a.carry = append(a.carry, chunk[len(chunk)-1])
		chunk = chunk[:len(chunk)-1]
	}
	if len(chunk) > 0 {
		onAudio(chunk)
	}
}

// flush zero-pads a dangling byte into a final sample.
func (a *aligner) flush(onAudio func([]byte)) {
	if len(a.carry) == 0 {
		return
	}
	onAudio([]byte{a.carry[0], 0})
	a.carry = a.carry[:0]
}
