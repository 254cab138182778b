// Package config loads the bot configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meowko-voice/internal/mcp"
	"github.com/meowko-voice/internal/persona"
	"github.com/meowko-voice/internal/stt"
	"github.com/meowko-voice/internal/tts"
	"github.com/meowko-voice/internal/voice"
	"github.com/meowko-voice/llm"
)

type Config struct {
	Discord Discord `yaml:"discord"`
	LLM     LLM     `yaml:"llm"`
	STT     STT     `yaml:"stt"`
	TTS     TTS     `yaml:"tts"`
	Voice   Voice   `yaml:"voice"`
	Data    Data    `yaml:"data"`
	Context Context `yaml:"context"`
	Memory  Memory  `yaml:"memory"`
	Cache   Cache   `yaml:"cache"`
	Redis   Redis   `yaml:"redis"`
	Metrics Metrics `yaml:"metrics"`
	MCP     MCP     `yaml:"mcp"`
}

type Discord struct {
	Token string `yaml:"token"`
	// GuildID restricts auto-join to one guild.
	GuildID string `yaml:"guild_id"`
	// ChannelID is joined at startup when set.
	ChannelID string `yaml:"channel_id"`
	// AutoJoin follows humans into voice; on by default.
	AutoJoin bool `yaml:"auto_join"`
}

type LLM struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float64       `yaml:"temperature"`
	Timeout       time.Duration `yaml:"timeout"`
	// ContextWindow is the model's token budget, used for compaction.
	ContextWindow int `yaml:"context_window"`
}

type STT struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	LanguageHints []string      `yaml:"language_hints"`
	Endpointing   time.Duration `yaml:"endpointing"`
	// BufferBytes caps audio held while connecting.
	BufferBytes int `yaml:"buffer_bytes"`
}

type TTS struct {
	BaseURL       string         `yaml:"base_url"`
	StreamURL     string         `yaml:"stream_url"`
	APIKey        string         `yaml:"api_key"`
	ModelID       string         `yaml:"model_id"`
	VoiceID       string         `yaml:"voice_id"`
	Language      string         `yaml:"language"`
	VoiceSettings map[string]any `yaml:"voice_settings"`
	Timeout       time.Duration  `yaml:"timeout"`
}

type Voice struct {
	AckTone         *bool         `yaml:"ack_tone"`
	AckSound        string        `yaml:"ack_sound"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	SilenceRestart  time.Duration `yaml:"silence_restart"`
	RestartCooldown time.Duration `yaml:"restart_cooldown"`
}

type Data struct {
	Dir              string `yaml:"dir"`
	PersonasDir      string `yaml:"personas_dir"`
	ConversationsDir string `yaml:"conversations_dir"`
	StateDir         string `yaml:"state_dir"`
	CacheDir         string `yaml:"cache_dir"`
	MemoriesDir      string `yaml:"memories_dir"`
	DefaultPersona   string `yaml:"default_persona"`
}

type Context struct {
	Prompts      []string `yaml:"prompts"`
	InfoTemplate string   `yaml:"info_template"`
	Timezone     string   `yaml:"timezone"`
	RollupTime   string   `yaml:"rollup_time"`
	// CompactionThreshold is the share of the context window that triggers
	// compacting today's log into memory.
	CompactionThreshold float64 `yaml:"compaction_threshold"`
}

// Memory controls the summaries injected into each context and the daily
// rollup that maintains them.
type Memory struct {
	Enabled      *bool         `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Temperature  float64       `yaml:"temperature"`
}

type Cache struct {
	Retention time.Duration `yaml:"retention"`
	MaxFiles  int           `yaml:"max_files"`
	Interval  time.Duration `yaml:"interval"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type MCP struct {
	// ConfigPath is an mcpServers manifest. Empty disables MCP.
	ConfigPath string `yaml:"config_path"`
	// WeatherServer names the manifest entry that provides WeatherTool.
	WeatherServer string        `yaml:"weather_server"`
	WeatherTool   string        `yaml:"weather_tool"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when a file leaves a value unset.
func Default() Config {
	ack, memory := true, true
	return Config{
		Discord: Discord{AutoJoin: true},
		LLM: LLM{
			MaxTokens:     4096,
			Temperature:   0.7,
			Timeout:       120 * time.Second,
			ContextWindow: 128000,
		},
		STT: STT{
			Endpointing: 500 * time.Millisecond,
			BufferBytes: 1920000,
		},
		TTS: TTS{Timeout: 30 * time.Second},
		Voice: Voice{
			AckTone:         &ack,
			HealthInterval:  30 * time.Second,
			SilenceRestart:  120 * time.Second,
			RestartCooldown: 120 * time.Second,
		},
		Data: Data{
			Dir:              "data",
			PersonasDir:      "personas",
			ConversationsDir: "conversations",
			StateDir:         "state",
			CacheDir:         "cache",
			MemoriesDir:      "memories",
			DefaultPersona:   "meowko",
		},
		Context: Context{
			Timezone:            "UTC",
			RollupTime:          "04:00",
			CompactionThreshold: 0.9,
		},
		Memory: Memory{
			Enabled:      &memory,
			TickInterval: time.Minute,
			Temperature:  0.3,
		},
		Cache: Cache{
			Retention: 7 * 24 * time.Hour,
			MaxFiles:  1000,
			Interval:  time.Hour,
		},
		MCP: MCP{
			WeatherServer: "weather",
			WeatherTool:   mcp.WeatherTool,
			Timeout:       10 * time.Second,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path uses defaults and the environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("DISCORD_BOT_TOKEN", &c.Discord.Token)
	set("OPENAI_BASE_URL", &c.LLM.BaseURL)
	set("OPENAI_API_KEY", &c.LLM.APIKey)
	set("OPENAI_MODEL", &c.LLM.Model)
	set("OPENAI_FALLBACK_MODEL", &c.LLM.FallbackModel)
	set("SONIOX_API_KEY", &c.STT.APIKey)
	set("ELEVENLABS_API_KEY", &c.TTS.APIKey)
	set("REDIS_ADDR", &c.Redis.Addr)
	set("METRICS_ADDR", &c.Metrics.Addr)
	set("MEOWKO_DATA_DIR", &c.Data.Dir)
	set("MCP_CONFIG_PATH", &c.MCP.ConfigPath)
}

// Validate reports every missing required value.
func (c Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord token is required (DISCORD_BOT_TOKEN)"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm model is required (OPENAI_MODEL)"))
	}
	if c.Data.DefaultPersona != "" && !persona.IsValidID(c.Data.DefaultPersona) {
		errs = append(errs, fmt.Errorf("default persona %q: %w", c.Data.DefaultPersona, persona.ErrInvalidPersonaID))
	}
	if t := c.Context.CompactionThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("compaction threshold %v must be within (0, 1]", t))
	}
	if _, err := time.LoadLocation(c.Context.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Context.Timezone, err))
	}
	return errors.Join(errs...)
}

func (c Config) LLMConfig() llm.Config {
	return llm.Config{
		BaseURL:       c.LLM.BaseURL,
		APIKey:        c.LLM.APIKey,
		Model:         c.LLM.Model,
		FallbackModel: c.LLM.FallbackModel,
		MaxTokens:     c.LLM.MaxTokens,
		Temperature:   c.LLM.Temperature,
		Timeout:       c.LLM.Timeout,
	}
}

func (c Config) STTConfig() stt.Config {
	return stt.Config{
		URL:           c.STT.URL,
		APIKey:        c.STT.APIKey,
		Model:         c.STT.Model,
		LanguageHints: c.STT.LanguageHints,
	}
}

func (c Config) TTSConfig() tts.Config {
	return tts.Config{
		BaseURL:        c.TTS.BaseURL,
		StreamURL:      c.TTS.StreamURL,
		APIKey:         c.TTS.APIKey,
		ModelID:        c.TTS.ModelID,
		DefaultVoiceID: c.TTS.VoiceID,
		Language:       c.TTS.Language,
		VoiceSettings:  c.TTS.VoiceSettings,
		Timeout:        c.TTS.Timeout,
	}
}

// SessionConfig leaves AckSound empty; the caller loads Voice.AckSound.
func (c Config) SessionConfig() voice.SessionConfig {
	return voice.SessionConfig{
		Stream: voice.StreamConfig{
			Endpointing:    c.STT.Endpointing,
			MaxBufferBytes: c.STT.BufferBytes,
		},
		AckTone:         c.Voice.AckTone == nil || *c.Voice.AckTone,
		HealthInterval:  c.Voice.HealthInterval,
		SilenceRestart:  c.Voice.SilenceRestart,
		RestartCooldown: c.Voice.RestartCooldown,
	}
}

func (c Config) PersonaConfig() persona.Config {
	return persona.Config{
		DataDir:          c.Data.Dir,
		PersonasDir:      c.Data.PersonasDir,
		ConversationsDir: c.Data.ConversationsDir,
		StateDir:         c.Data.StateDir,
		CacheDir:         c.Data.CacheDir,
		MemoriesDir:      c.Data.MemoriesDir,
		Prompts:          c.Context.Prompts,
		InfoTemplate:     c.Context.InfoTemplate,
		Timezone:         c.Context.Timezone,
		RollupTime:       c.Context.RollupTime,
		DefaultPersona:   c.Data.DefaultPersona,
		ContextWindow:    c.LLM.ContextWindow,

		CompactionThreshold: c.Context.CompactionThreshold,
	}
}

// MemoryEnabled reports whether memories are injected and rolled up.
func (c Config) MemoryEnabled() bool { return c.Memory.Enabled == nil || *c.Memory.Enabled }
