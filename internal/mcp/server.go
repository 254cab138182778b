package mcp

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meowko-voice/internal/logging"
)

// WeatherTool is the tool name the weather server registers.
const WeatherTool = "get_weather"

type WeatherFunc func(ctx context.Context) (string, error)

type weatherArgs struct{}

// NewWeatherServer returns an MCP server with a single tool that reports
// today's weather through fn.
func NewWeatherServer(fn WeatherFunc) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "meowko-weather", Version: "1.0.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: WeatherTool, Description: "Today's weather and temperature range at the configured location"},
		func(ctx context.Context, _ *sdk.CallToolRequest, _ weatherArgs) (*sdk.CallToolResult, any, error) {
			text, err := fn(ctx)
			if err != nil {
				return &sdk.CallToolResult{
					IsError: true,
					Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
				}, nil, nil
			}
			return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil, nil
		})
	return server
}

// WebSocketHandler accepts MCP sessions over websockets.
func WebSocketHandler(server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp: websocket upgrade failed", "err", err)
			return
		}
		go func() {
			sess, err := server.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcp: server connect failed", "err", err)
				_ = conn.Close()
				return
			}
			if err := sess.Wait(); err != nil {
				logging.Debugw("mcp: server session ended", "err", err)
			}
		}()
	})
}
