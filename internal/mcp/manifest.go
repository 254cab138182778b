package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manifest lists MCP servers in the common "mcpServers" JSON layout.
type Manifest struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	Transport *TransportConfig  `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

type TransportConfig struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// EnabledValue reports whether the server should be used. Servers are
// enabled unless the manifest says otherwise.
func (s ServerConfig) EnabledValue() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// LoadManifest reads a manifest file and expands "~" in commands, arguments,
// environment values and URLs.
func LoadManifest(path string) (Manifest, error) {
	path, err := expandPath(path)
	if err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("mcp: parse %s: %w", path, err)
	}
	servers := make(map[string]ServerConfig, len(m.Servers))
	for name, cfg := range m.Servers {
		servers[name] = normalizeConfig(cfg)
	}
	m.Servers = servers
	return m, nil
}

// Enabled returns the names of enabled servers in sorted order.
func (m Manifest) Enabled() []string {
	names := make([]string, 0, len(m.Servers))
	for name, cfg := range m.Servers {
		if cfg.EnabledValue() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func normalizeConfig(cfg ServerConfig) ServerConfig {
	if cfg.Args != nil {
		out := make([]string, len(cfg.Args))
		for i, arg := range cfg.Args {
			out[i] = expandOrKeep(arg)
		}
		cfg.Args = out
	}
	cfg.Command = expandOrKeep(cfg.Command)
	if len(cfg.Env) > 0 {
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = expandOrKeep(v)
		}
		cfg.Env = env
	}
	if cfg.Transport != nil {
		t := *cfg.Transport
		t.URL = expandOrKeep(t.URL)
		cfg.Transport = &t
	}
	return cfg
}

func expandOrKeep(v string) string {
	if out, err := expandPath(v); err == nil {
		return out
	}
	return v
}

func expandPath(value string) (string, error) {
	if !strings.HasPrefix(value, "~") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	if value == "~" {
		return home, nil
	}
	if strings.HasPrefix(value, "~/") {
		return filepath.Join(home, value[2:]), nil
	}
	return filepath.Join(home, value[1:]), nil
}
