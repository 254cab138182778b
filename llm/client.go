package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/meowko-voice/internal/logging"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	CachedTokens     int64 `json:"cached_tokens"`
}

// Response is an aggregated completion. Cost is only set by providers that
// report a "cost" field alongside usage.
type Response struct {
	Text  string
	Model string
	Usage Usage
	Cost  float64
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	api openai.Client
	cfg Config
}

func NewClient(cfg Config, opts ...option.RequestOption) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	return &Client{api: openai.NewClient(append(base, opts...)...), cfg: cfg}
}

// WithTemperature returns a client sharing c's connection that samples at t.
func (c *Client) WithTemperature(t float64) *Client {
	cp := *c
	cp.cfg.Temperature = t
	return &cp
}

func (c *Client) params(model string, msgs []Message) openai.ChatCompletionNewParams {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    out,
		MaxTokens:   openai.Int(int64(c.cfg.MaxTokens)),
		Temperature: openai.Float(c.cfg.Temperature),
	}
}

// Complete runs a non-streaming completion. Transient failures are retried
// once on the fallback model when one is configured.
func (c *Client) Complete(ctx context.Context, msgs []Message) (Response, error) {
	resp, err := c.complete(ctx, c.cfg.Model, msgs)
	if err == nil || !errors.Is(err, ErrTransient) {
		return resp, err
	}
	fallback := c.cfg.FallbackModel
	if fallback == "" || fallback == c.cfg.Model {
		return resp, err
	}
	logging.Warnw("llm: primary model failed, retrying on fallback", "model", c.cfg.Model, "fallback", fallback, "err", err)
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}
	return c.complete(ctx, fallback, msgs)
}

func (c *Client) complete(ctx context.Context, model string, msgs []Message) (Response, error) {
	completion, err := c.api.Chat.Completions.New(ctx, c.params(model, msgs))
	if err != nil {
		return Response{}, classify(err)
	}
	out := Response{Model: completion.Model}
	if len(completion.Choices) > 0 {
		out.Text = completion.Choices[0].Message.Content
	}
	out.Usage, out.Cost = usageFrom(completion.Usage)
	return out, nil
}

// Stream is an in-progress completion. Next/Token iterate content deltas;
// Response is valid once Next returns false.
type Stream interface {
	Next() bool
	Token() string
	Err() error
	Response() (Response, bool)
	Close() error
}

// Stream opens a streaming completion. Usage is requested in the final chunk.
func (c *Client) Stream(ctx context.Context, msgs []Message) (Stream, error) {
	p := c.params(c.cfg.Model, msgs)
	p.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	s := c.api.Chat.Completions.NewStreaming(ctx, p)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, classify(err)
	}
	return &ChatStream{s: s, model: c.cfg.Model}, nil
}

// ChatStream yields content deltas and aggregates the final response.
type ChatStream struct {
	s        *ssestream.Stream[openai.ChatCompletionChunk]
	model    string
	token    string
	text     strings.Builder
	usage    Usage
	cost     float64
	finished bool
}

// Next advances to the next non-empty content delta.
func (s *ChatStream) Next() bool {
	for s.s.Next() {
		chunk := s.s.Current()
		if chunk.Model != "" {
			s.model = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			s.usage, s.cost = usageFrom(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finished = true
		}
		if d := choice.Delta.Content; d != "" {
			s.token = d
			s.text.WriteString(d)
			return true
		}
	}
	return false
}

func (s *ChatStream) Token() string { return s.token }

func (s *ChatStream) Err() error { return classify(s.s.Err()) }

// Response returns the aggregated reply. ok is false when the stream ended
// without a finish reason or with an error.
func (s *ChatStream) Response() (Response, bool) {
	resp := Response{Text: s.text.String(), Model: s.model, Usage: s.usage, Cost: s.cost}
	return resp, s.finished && s.s.Err() == nil
}

func (s *ChatStream) Close() error { return s.s.Close() }

func usageFrom(u openai.CompletionUsage) (Usage, float64) {
	out := Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CachedTokens:     u.PromptTokensDetails.CachedTokens,
	}
	var extra struct {
		Cost float64 `json:"cost"`
	}
	if raw := u.RawJSON(); raw != "" {
		_ = json.Unmarshal([]byte(raw), &extra)
	}
	return out, extra.Cost
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d: %w", ErrTransient, apiErr.StatusCode, err)
		}
		return fmt.Errorf("%w: status %d: %w", ErrPermanent, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
