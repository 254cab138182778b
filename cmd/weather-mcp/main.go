// Command weather-mcp serves today's Open-Meteo forecast as an MCP tool,
// either over websockets or over stdio for command-launched servers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/mcp"
	"github.com/meowko-voice/internal/weather"
)

func main() {
	addr := pflag.String("addr", ":"+envOr("PORT", "9001"), "listen address for the websocket endpoint")
	stdio := pflag.Bool("stdio", false, "serve a single session over stdin/stdout")
	lat := pflag.Float64("latitude", 35.6895, "forecast latitude")
	lon := pflag.Float64("longitude", 139.6917, "forecast longitude")
	tz := pflag.String("timezone", "Asia/Tokyo", "forecast timezone")
	level := pflag.String("log-level", os.Getenv("LOG_LEVEL"), "debug|info|warn|error")
	pflag.Parse()

	if *stdio {
		// stdout carries the protocol.
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		if l, err := cfg.Build(); err == nil {
			logging.SetLogger(l.Sugar())
		}
	} else {
		logging.Init(*level)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wc := weather.NewClient(weather.Config{Latitude: *lat, Longitude: *lon, Timezone: *tz})
	server := mcp.NewWeatherServer(func(ctx context.Context) (string, error) {
		f, err := wc.Today(ctx)
		if err != nil {
			logging.Warnw("weather: forecast failed", "err", err)
			return "", err
		}
		return f.String(), nil
	})

	if *stdio {
		if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			logging.FatalExitf("weather-mcp: stdio session failed", "err", err)
		}
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/mcp/ws", mcp.WebSocketHandler(server))

	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infow("weather-mcp: listening", "addr", *addr, "latitude", *lat, "longitude", *lon)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.FatalExitf("weather-mcp: server failed", "err", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
