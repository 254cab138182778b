// Package mcp connects to Model Context Protocol tool servers and exposes
// their tools to the rest of the bot.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meowko-voice/internal/logging"
)

var ErrNotConnected = errors.New("mcp: not connected")

// keepaliveInterval is how often an idle session is pinged.
var keepaliveInterval = 30 * time.Second

// Client manages one MCP client session over a websocket or a child process.
type Client struct {
	client *sdk.Client

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
}

func NewClient(name, version string) *Client {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &Client{client: sdk.NewClient(impl, nil)}
}

// Dial connects using the transport a manifest entry describes.
func Dial(ctx context.Context, name string, cfg ServerConfig) (*Client, error) {
	c := NewClient("meowko-voice", "1.0.0")
	var err error
	switch {
	case cfg.Transport != nil && cfg.Transport.URL != "":
		err = c.ConnectWebSocket(ctx, cfg.Transport.URL)
	case cfg.Command != "":
		err = c.ConnectCommand(ctx, name, cfg.Command, cfg.Args, cfg.Env)
	default:
		err = fmt.Errorf("mcp: server %q has neither a transport url nor a command", name)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectWebSocket dials an MCP websocket endpoint. http(s) URLs are
// rewritten to ws(s).
func (c *Client) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("mcp: dial %s: %w", u.Redacted(), err)
	}
	if err := c.connect(ctx, NewWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp: connected", "url", u.Redacted())
	return nil
}

// ConnectCommand spawns a local MCP server process and talks to it over
// stdio. Closing the session stops the process.
func (c *Client) ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("mcp: command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("mcp: server stderr", "server", serverName, "line", scanner.Text())
		}
	}()

	if err := c.connect(ctx, &sdk.CommandTransport{Command: cmd}); err != nil {
		_ = stderr.Close()
		return fmt.Errorf("mcp: start %s: %w", serverName, err)
	}
	logging.Infow("mcp: command server started", "server", serverName, "command", command+" "+strings.Join(args, " "))
	return nil
}

func (c *Client) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if prev := c.keepaliveCancel; prev != nil {
		prev()
	}
	c.session = sess
	c.keepaliveCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(kaCtx, 10*time.Second)
				if err := sess.Ping(pctx, nil); err != nil {
					logging.Debugw("mcp: keepalive ping failed", "err", err)
				}
				pcancel()
			}
		}
	}()
	return nil
}

// CallText calls a tool and joins the text parts of its result.
func (c *Client) CallText(ctx context.Context, tool string, args map[string]any) (string, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return "", ErrNotConnected
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp: call %s: %w", tool, err)
	}
	var parts []string
	for _, content := range res.Content {
		if t, ok := content.(*sdk.TextContent); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp: tool %s failed: %s", tool, text)
	}
	return text, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			errs = append(errs, err)
		}
		c.session = nil
	}
	return errors.Join(errs...)
}
