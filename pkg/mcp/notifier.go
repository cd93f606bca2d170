package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/maretto/aegis/internal/streaming"
)

// runEventMethod is the notification method subscribed sessions receive.
const runEventMethod = "notifications/aegis/run_event"

// Notifier forwards streaming hub events to subscribed MCP sessions.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.Hub
	logger    *slog.Logger

	startOnce sync.Once
}

// NewNotifier creates a Notifier. hub may be nil, in which case Start
// is a no-op.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.Hub, logger *slog.Logger) *Notifier {
	return &Notifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
	}
}

// Start subscribes to the hub and forwards events until ctx is
// cancelled. Idempotent; safe to call from every transport entry point.
func (n *Notifier) Start(ctx context.Context) {
	if n.hub == nil {
		return
	}
	n.startOnce.Do(func() {
		events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.Filter{})
		if err != nil {
			n.logger.Warn("run event notifier failed to subscribe", slog.String("error", err.Error()))
			return
		}
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					n.forward(ctx, ev)
				}
			}
		}()
	})
}

// forward pushes one event to every matching session. Best-effort: a
// vanished session is dropped, other errors are logged and skipped.
func (n *Notifier) forward(ctx context.Context, ev streaming.Event) {
	payload := map[string]any{
		"run_id":     ev.RunID,
		"step_id":    ev.StepID,
		"step_index": ev.StepIndex,
		"type":       ev.Type,
		"payload":    ev.Payload,
	}
	for _, sessionID := range n.sessions.Recipients(ev.RunID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, runEventMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session disconnected between lookup and send.
			n.sessions.Unsubscribe(sessionID)
			continue
		}
		if err != nil {
			n.logger.DebugContext(ctx, "run event notification failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
}
