package persona

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/llm"
)

// Config locates persona data. Relative subdirectories resolve against DataDir.
type Config struct {
	DataDir          string
	PersonasDir      string
	ConversationsDir string
	StateDir         string
	CacheDir         string
	MemoriesDir      string
	Prompts          []string
	InfoTemplate     string
	Timezone         string
	RollupTime       string
	DefaultPersona   string
	// ContextWindow is the model's token budget. Once a built context is
	// estimated above ContextWindow*CompactionThreshold, today's log is
	// compacted into memory. Zero disables compaction.
	ContextWindow       int
	CompactionThreshold float64
}

const (
	defaultInfoTemplate = "Today is {date}. Weather: {weather}."
	memoryHeading       = "# Your memories with them"
)

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.PersonasDir == "" {
		c.PersonasDir = "personas"
	}
	if c.ConversationsDir == "" {
		c.ConversationsDir = "conversations"
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if c.CacheDir == "" {
		c.CacheDir = "cache"
	}
	if c.MemoriesDir == "" {
		c.MemoriesDir = "memories"
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		c.CompactionThreshold = 0.9
	}
	if c.InfoTemplate == "" {
		c.InfoTemplate = defaultInfoTemplate
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.RollupTime == "" {
		c.RollupTime = "04:00"
	}
	if c.DefaultPersona == "" {
		c.DefaultPersona = "meowko"
	}
}

func (c Config) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.DataDir, dir)
}

// Persona is a loaded character.
type Persona struct {
	ID       string
	Nickname string
	Prompt   string
	VoiceID  string
}

type personaFile struct {
	Nickname string `yaml:"nickname"`
	VoiceID  string `yaml:"voice_id"`
}

// Turn is one completed exchange to be logged.
type Turn struct {
	PersonaID            string
	UserID               string
	UserMessage          string
	AssistantMessage     string
	Usage                llm.Usage
	Cost                 float64
	UserAttachments      []Attachment
	AssistantAttachments []Attachment
}

// InfoSource supplies the weather line of the daily context message.
type InfoSource interface {
	Weather(ctx context.Context) (string, error)
}

// Service loads personas and keeps their conversation history.
type Service struct {
	cfg    Config
	store  *Store
	cache  *CacheFiles
	state  UserState
	info   InfoSource
	memory *Memory
}

// NewService builds a Service. state defaults to a YAML file store under the
// state dir; info may be nil.
func NewService(cfg Config, state UserState, info InfoSource) (*Service, error) {
	cfg.setDefaults()
	if _, err := ValidateID(cfg.DefaultPersona); err != nil {
		return nil, fmt.Errorf("persona: default persona: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("persona: timezone %q: %w", cfg.Timezone, err)
	}
	store, err := NewStore(cfg.resolve(cfg.ConversationsDir), loc, cfg.RollupTime)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = NewFileUserState(cfg.resolve(cfg.StateDir))
	}
	return &Service{
		cfg:   cfg,
		store: store,
		cache: &CacheFiles{dataDir: cfg.DataDir, cacheDir: cfg.resolve(cfg.CacheDir), store: store},
		state: state,
		info:  info,
	}, nil
}

func (s *Service) Store() *Store { return s.store }

// EnableMemory turns on memory injection and compaction, summarizing with c.
// It must be called before the service is shared.
func (s *Service) EnableMemory(c Completer) *Memory {
	s.memory = NewMemory(s.cfg.resolve(s.cfg.MemoriesDir), s.store, c)
	return s.memory
}

// CacheDir is the absolute cache root, for the retention cleaner.
func (s *Service) CacheDir() string { return s.cfg.resolve(s.cfg.CacheDir) }

// ActivePersona returns the user's chosen persona or the default.
func (s *Service) ActivePersona(ctx context.Context, userID string) string {
	id, err := s.state.Get(ctx, userID)
	if err != nil {
		logging.Warnw("persona: user state lookup failed", "user.id", userID, "err", err)
		return s.cfg.DefaultPersona
	}
	if id == "" || !IsValidID(id) {
		return s.cfg.DefaultPersona
	}
	return id
}

func (s *Service) SetActivePersona(ctx context.Context, userID, personaID string) error {
	return s.state.Set(ctx, userID, personaID)
}

// ListPersonas returns the ids of persona directories.
func (s *Service) ListPersonas() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.resolve(s.cfg.PersonasDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && IsValidID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// LoadPersona reads soul.md and persona.yaml. Both are optional.
func (s *Service) LoadPersona(id string) (Persona, error) {
	if _, err := ValidateID(id); err != nil {
		return Persona{}, err
	}
	dir := filepath.Join(s.cfg.resolve(s.cfg.PersonasDir), id)
	p := Persona{ID: id, Nickname: id, Prompt: fmt.Sprintf("You are %s, a helpful assistant.", id)}

	soul, err := os.ReadFile(filepath.Join(dir, "soul.md"))
	switch {
	case err == nil:
		p.Prompt = string(soul)
	case !errors.Is(err, os.ErrNotExist):
		return Persona{}, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, "persona.yaml"))
	switch {
	case err == nil:
		var pf personaFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			return Persona{}, fmt.Errorf("persona: parse %s/persona.yaml: %w", id, err)
		}
		if pf.Nickname != "" {
			p.Nickname = pf.Nickname
		}
		p.VoiceID = pf.VoiceID
	case !errors.Is(err, os.ErrNotExist):
		return Persona{}, err
	}
	return p, nil
}

// BuildContext assembles the prompt for the next turn. On the first turn of
// a logical day it also logs a context_info message with the date and weather.
// A context over the compaction threshold has today's log folded into memory
// once and is then rebuilt.
func (s *Service) BuildContext(ctx context.Context, userID, personaID string) ([]llm.Message, error) {
	msgs, err := s.buildContext(ctx, userID, personaID)
	if err != nil || !s.overBudget(msgs) {
		return msgs, err
	}
	scope, err := scopeID(personaID, userID)
	if err != nil {
		return nil, err
	}
	day := s.store.LogicalDay(s.store.now())
	logging.Infow("persona: context over budget, compacting", "persona.id", personaID, "user.id", userID, "date", day.Format(time.DateOnly))
	if err := s.memory.Compact(ctx, scope, day); err != nil {
		logging.Warnw("persona: compaction failed", "persona.id", personaID, "user.id", userID, "err", err)
		return msgs, nil
	}
	return s.buildContext(ctx, userID, personaID)
}

func (s *Service) overBudget(msgs []llm.Message) bool {
	if s.memory == nil || s.cfg.ContextWindow <= 0 {
		return false
	}
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(m.Content)
	}
	return float64(EstimateTokens(sb.String())) > float64(s.cfg.ContextWindow)*s.cfg.CompactionThreshold
}

func (s *Service) buildContext(ctx context.Context, userID, personaID string) ([]llm.Message, error) {
	p, err := s.LoadPersona(personaID)
	if err != nil {
		return nil, err
	}
	parts := append(s.sharedPrompts(), p.Prompt)
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: strings.Join(parts, "\n\n")}}

	if s.memory != nil {
		scope, err := scopeID(personaID, userID)
		if err != nil {
			return nil, err
		}
		if text, err := s.memory.ReadAll(scope); err != nil {
			logging.Warnw("persona: reading memories failed", "persona.id", personaID, "user.id", userID, "err", err)
		} else if text != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: memoryHeading + "\n\n" + text})
		}
	}

	events, err := s.store.ReadAll(personaID, userID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		info := s.contextInfo(ctx)
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: info})
		ev := Event{Timestamp: s.store.now().Format(time.RFC3339Nano), Role: string(llm.RoleSystem), Content: info, Type: "context_info"}
		if _, err := s.store.Append(personaID, userID, ev); err != nil {
			logging.Warnw("persona: saving context info failed", "persona.id", personaID, "user.id", userID, "err", err)
		}
	}
	for _, ev := range events {
		if ev.Role == "" || ev.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: llm.Role(ev.Role), Content: ev.Content})
	}
	return msgs, nil
}

func (s *Service) sharedPrompts() []string {
	var out []string
	for _, name := range s.cfg.Prompts {
		path := filepath.Join(s.cfg.DataDir, "prompts", name)
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warnw("persona: shared prompt not found", "path", path, "err", err)
			continue
		}
		out = append(out, string(data))
	}
	return out
}

func (s *Service) contextInfo(ctx context.Context) string {
	weather := "Unknown"
	if s.info != nil {
		if w, err := s.info.Weather(ctx); err != nil {
			logging.Debugw("persona: weather lookup failed", "err", err)
		} else if w != "" {
			weather = w
		}
	}
	date := s.store.now().In(s.store.loc).Format("2006-01-02 Monday")
	return strings.NewReplacer("{date}", date, "{weather}", weather).Replace(s.cfg.InfoTemplate)
}

// SaveTurn appends the user event and then the assistant event.
func (s *Service) SaveTurn(_ context.Context, t Turn) error {
	ts := s.store.now().Format(time.RFC3339Nano)
	user := Event{Timestamp: ts, Role: string(llm.RoleUser), Content: t.UserMessage, Attachments: t.UserAttachments}
	if _, err := s.store.Append(t.PersonaID, t.UserID, user); err != nil {
		return err
	}
	usage, cost := t.Usage, t.Cost
	assistant := Event{
		Timestamp:   ts,
		Role:        string(llm.RoleAssistant),
		Content:     t.AssistantMessage,
		TokenUsage:  &usage,
		Cost:        &cost,
		Attachments: t.AssistantAttachments,
	}
	_, err := s.store.Append(t.PersonaID, t.UserID, assistant)
	return err
}

// SaveCacheFile stores data in the scope's cache and returns the path
// relative to the data dir.
func (s *Service) SaveCacheFile(personaID, userID, name string, data []byte) (string, error) {
	return s.cache.Save(personaID, userID, name, data)
}
