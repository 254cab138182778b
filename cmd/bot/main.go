package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/meowko-voice/internal/audio"
	"github.com/meowko-voice/internal/config"
	"github.com/meowko-voice/internal/discordvoice"
	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/metrics"
	"github.com/meowko-voice/internal/persona"
	"github.com/meowko-voice/internal/stt"
	"github.com/meowko-voice/internal/tts"
	"github.com/meowko-voice/internal/voice"
	"github.com/meowko-voice/llm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", os.Getenv("MEOWKO_CONFIG"), "path to the YAML config file")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	logLevel := pflag.String("log-level", "", "debug|info|warn|error (default LOG_LEVEL)")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file %s: %v\n", *envFile, err)
	}

	logging.Init(*logLevel)
	defer logging.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.FatalExitf("config load failed", "err", err)
	}
	if err := cfg.Validate(); err != nil {
		logging.FatalExitf("invalid configuration", "err", err)
	}

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()
	var wg sync.WaitGroup

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	voiceMetrics := metrics.NewVoice(reg)
	metricsSrv := serveMetrics(cfg.Metrics.Addr, reg)

	mcpClients, info := connectMCP(rootCtx, cfg.MCP)

	var state persona.UserState
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logging.Warnw("redis ping failed; user state may be unavailable", "addr", cfg.Redis.Addr, "err", err)
		}
		cancel()
		state = persona.NewRedisUserState(rdb)
		logging.Infow("user state backed by redis", "addr", cfg.Redis.Addr)
	}
	personas, err := persona.NewService(cfg.PersonaConfig(), state, info)
	if err != nil {
		logging.FatalExitf("persona service init failed", "err", err)
	}
	wg.Add(1)
	persona.StartCacheCleaner(rootCtx, &wg, personas.CacheDir(), cfg.Cache.Retention, cfg.Cache.Interval, cfg.Cache.MaxFiles)

	llmClient := llm.NewClient(cfg.LLMConfig())
	if cfg.MemoryEnabled() {
		memory := personas.EnableMemory(llmClient.WithTemperature(cfg.Memory.Temperature))
		wg.Add(1)
		persona.StartRollupScheduler(rootCtx, &wg, memory, cfg.Memory.TickInterval)
		logging.Infow("memory rollups scheduled", "rollup_time", cfg.Context.RollupTime, "timezone", cfg.Context.Timezone)
	}

	sessionCfg := cfg.SessionConfig()
	if cfg.Voice.AckSound != "" {
		cue, err := audio.LoadCue(cfg.Voice.AckSound)
		if err != nil {
			logging.Warnw("ack sound unusable; using the synthesized tone", "path", cfg.Voice.AckSound, "err", err)
		} else {
			sessionCfg.AckSound = cue
		}
	}

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logging.FatalExitf("discordgo.New failed", "err", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.StateEnabled = true

	resolver := discordvoice.NewResolver(dg)
	deps := voice.Deps{
		Transport: discordvoice.NewTransport(dg),
		STT:       stt.NewClient(cfg.STTConfig()),
		LLM:       llmClient,
		Personas:  personas,
		Members:   resolver,
		Metrics:   voiceMetrics,
	}
	if cfg.TTS.APIKey != "" {
		deps.TTS = tts.NewClient(cfg.TTSConfig(), nil)
	} else {
		logging.Warnw("ELEVENLABS_API_KEY not set; replies will not be spoken")
	}

	manager := voice.NewManager(voice.ManagerConfig{
		Session:  sessionCfg,
		AutoJoin: cfg.Discord.AutoJoin,
		GuildID:  cfg.Discord.GuildID,
	}, deps)
	dg.AddHandler(discordvoice.NewPresenceHandler(rootCtx, manager).Handle)
	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		logging.Infow("discord session ready", "user.id", r.User.ID, "guilds", len(r.Guilds))
	})

	if err := dg.Open(); err != nil {
		logging.FatalExitf("discord session open failed", "err", err)
	}

	if cfg.Discord.GuildID != "" && cfg.Discord.ChannelID != "" {
		joinCtx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
		if _, err := manager.Join(joinCtx, voice.Room{GuildID: cfg.Discord.GuildID, ChannelID: cfg.Discord.ChannelID}); err != nil {
			logging.Warnw("voice join failed", append(logging.GuildFields(cfg.Discord.GuildID, ""), "channel.id", cfg.Discord.ChannelID, "err", err)...)
		}
		cancel()
	}

	logging.Infow("bot running", "auto_join", cfg.Discord.AutoJoin, "llm.model", cfg.LLM.Model)
	<-rootCtx.Done()
	logging.Infow("shutdown signal received")

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Close(ctx); err != nil {
			logging.Warnw("voice manager close error", "err", err)
		}
		for _, c := range mcpClients {
			if err := c.Close(); err != nil {
				logging.Warnw("mcp client close error", "err", err)
			}
		}
		if err := dg.Close(); err != nil {
			logging.Warnw("discord session close error", "err", err)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		if rdb != nil {
			_ = rdb.Close()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logging.Warnw("shutdown timed out; forcing exit", "timeout", shutdownTimeout)
	}
}

func serveMetrics(addr string, g prometheus.Gatherer) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logging.Infow("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnw("metrics server failed", "err", err)
		}
	}()
	return srv
}
