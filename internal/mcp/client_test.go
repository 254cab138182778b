package mcp

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stdioServerEnv makes the test binary act as a stdio weather server.
const stdioServerEnv = "MEOWKO_MCP_STDIO_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(stdioServerEnv) == "1" {
		server := NewWeatherServer(func(context.Context) (string, error) { return "Drizzle, 6°C~11°C", nil })
		if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestClientConnectWebSocket(t *testing.T) {
	server := NewWeatherServer(func(context.Context) (string, error) { return "Clear sky, 9°C~17°C", nil })
	srv := httptest.NewServer(WebSocketHandler(server))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// http URLs are rewritten to ws.
	c := NewClient("test-client", "test")
	require.NoError(t, c.ConnectWebSocket(ctx, srv.URL))
	t.Cleanup(func() { _ = c.Close() })

	text, err := c.CallText(ctx, WeatherTool, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "Clear sky, 9°C~17°C", text)
}

// pipeClient connects a client to server through in-process pipes using the
// newline-delimited stdio framing on both ends.
func pipeClient(t *testing.T, fn WeatherFunc) *Client {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	server := NewWeatherServer(fn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := server.Connect(context.Background(), &sdk.IOTransport{Reader: toServerR, Writer: toClientW}, nil)
		errc <- err
	}()

	c := NewClient("test-client", "test")
	require.NoError(t, c.connect(ctx, &sdk.IOTransport{Reader: toClientR, Writer: toServerW}))
	require.NoError(t, <-errc)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientPipeTransport(t *testing.T) {
	c := pipeClient(t, func(context.Context) (string, error) { return "Overcast, 3°C~8°C", nil })
	text, err := c.CallText(context.Background(), WeatherTool, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "Overcast, 3°C~8°C", text)
}

func TestConnectCommandSpawnsStdioServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := NewClient("test-client", "test")
	err := c.ConnectCommand(ctx, "weather", os.Args[0], []string{"-test.run=^$"}, map[string]string{stdioServerEnv: "1"})
	require.NoError(t, err)

	text, err := c.CallText(ctx, WeatherTool, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "Drizzle, 6°C~11°C", text)
	require.NoError(t, c.Close())

	_, err = c.CallText(ctx, WeatherTool, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectCommandMissingBinary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := NewClient("test-client", "test").ConnectCommand(ctx, "ghost", filepath.Join(t.TempDir(), "no-such-server"), nil, nil)
	assert.ErrorContains(t, err, "ghost")
	assert.ErrorContains(t, NewClient("c", "v").ConnectCommand(ctx, "x", "", nil, nil), "command is required")
}

func TestCallTextToolError(t *testing.T) {
	c := pipeClient(t, func(context.Context) (string, error) { return "", errors.New("upstream down") })
	_, err := c.CallText(context.Background(), WeatherTool, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestCallTextNotConnected(t *testing.T) {
	c := NewClient("test-client", "test")
	_, err := c.CallText(context.Background(), WeatherTool, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, c.Close())
}

func TestDialRequiresTransport(t *testing.T) {
	_, err := Dial(context.Background(), "empty", ServerConfig{})
	assert.ErrorContains(t, err, "neither")
}

type stubCaller struct {
	text string
	err  error
	args map[string]any
}

func (s *stubCaller) CallText(ctx context.Context, tool string, args map[string]any) (string, error) {
	s.args = args
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("no deadline")
	}
	return s.text, s.err
}

func TestToolInfoWeather(t *testing.T) {
	caller := &stubCaller{text: "  Fog, 1°C~4°C\n"}
	info := NewToolInfo(caller, WeatherTool, nil, 0)
	got, err := info.Weather(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Fog, 1°C~4°C", got)
	assert.NotNil(t, caller.args)

	_, err = NewToolInfo(&stubCaller{text: " "}, WeatherTool, nil, time.Second).Weather(context.Background())
	assert.Error(t, err)
	_, err = NewToolInfo(&stubCaller{err: errors.New("x")}, WeatherTool, nil, time.Second).Weather(context.Background())
	assert.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpServers": {
			"weather": {"command": "~/bin/weather-mcp", "args": ["--stdio"], "env": {"DATA": "~/data"}},
			"remote": {"transport": {"type": "websocket", "url": "ws://localhost:9001/mcp/ws"}},
			"off": {"command": "x", "enabled": false}
		}
	}`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"remote", "weather"}, m.Enabled())
	w := m.Servers["weather"]
	assert.Equal(t, filepath.Join(home, "bin/weather-mcp"), w.Command)
	assert.Equal(t, []string{"--stdio"}, w.Args)
	assert.Equal(t, filepath.Join(home, "data"), w.Env["DATA"])
	assert.Equal(t, "ws://localhost:9001/mcp/ws", m.Servers["remote"].Transport.URL)

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": [`), 0o644))
	_, err = LoadManifest(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "parse"))
}
