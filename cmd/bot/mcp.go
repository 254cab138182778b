package main

import (
	"context"
	"time"

	"github.com/meowko-voice/internal/config"
	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/mcp"
	"github.com/meowko-voice/internal/persona"
)

// connectMCP starts every enabled manifest server and returns the weather
// source backed by the configured one. A server that fails to connect is
// skipped.
func connectMCP(ctx context.Context, cfg config.MCP) ([]*mcp.Client, persona.InfoSource) {
	if cfg.ConfigPath == "" {
		return nil, nil
	}
	manifest, err := mcp.LoadManifest(cfg.ConfigPath)
	if err != nil {
		logging.Warnw("failed to load mcp manifest", "path", cfg.ConfigPath, "err", err)
		return nil, nil
	}

	var (
		clients []*mcp.Client
		info    persona.InfoSource
	)
	for _, name := range manifest.Enabled() {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := mcp.Dial(connectCtx, name, manifest.Servers[name])
		cancel()
		if err != nil {
			logging.Warnw("mcp connect failed", "server", name, "err", err)
			continue
		}
		clients = append(clients, client)
		if name == cfg.WeatherServer {
			info = mcp.NewToolInfo(client, cfg.WeatherTool, nil, cfg.Timeout)
			logging.Infow("weather provided by mcp", "server", name, "tool", cfg.WeatherTool)
		}
	}
	if info == nil {
		logging.Infow("no mcp weather server connected; weather will read Unknown", "server", cfg.WeatherServer)
	}
	return clients, info
}
