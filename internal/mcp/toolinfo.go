package mcp

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ToolCaller is the part of Client that ToolInfo needs.
type ToolCaller interface {
	CallText(ctx context.Context, tool string, args map[string]any) (string, error)
}

// ToolInfo answers the weather slot of the daily context line by calling an
// MCP tool.
type ToolInfo struct {
	caller  ToolCaller
	tool    string
	args    map[string]any
	timeout time.Duration
}

func NewToolInfo(caller ToolCaller, tool string, args map[string]any, timeout time.Duration) *ToolInfo {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if args == nil {
		args = map[string]any{}
	}
	return &ToolInfo{caller: caller, tool: tool, args: args, timeout: timeout}
}

func (t *ToolInfo) Weather(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	text, err := t.caller.CallText(ctx, t.tool, t.args)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("mcp: weather tool returned no text")
	}
	return text, nil
}
