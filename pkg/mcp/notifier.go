package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/pkg/schema"
)

// NotificationMethod is the MCP method used for run completion messages.
const NotificationMethod = "notifications/message"

// RunNotifier tells the caller of an async run that it finished.
type RunNotifier interface {
	NotifyRunFinished(ctx context.Context, res *engine.RunResult) error
}

// MCPNotifier implements RunNotifier by pushing to the session that started the run.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// NotifyRunFinished is best-effort: a run whose session is gone is not an error.
func (n *MCPNotifier) NotifyRunFinished(_ context.Context, res *engine.RunResult) error {
	sessionID, ok := n.sessions.SessionFor(res.RunID)
	if !ok {
		return nil
	}
	defer n.sessions.Forget(res.RunID)

	payload := map[string]any{
		"level":  "info",
		"logger": "callflow",
		"data": map[string]any{
			"run_id":        res.RunID,
			"status":        res.Status,
			"terminal_step": string(res.Terminal),
			"last_event":    string(res.LastEvent),
		},
	}
	if res.Err != nil {
		payload["level"] = "error"
		data := payload["data"].(map[string]any)
		data["error_code"] = schema.RootCode(res.Err)
		data["error"] = res.Err.Error()
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
