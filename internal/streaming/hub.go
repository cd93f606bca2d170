// Package streaming provides in-process pub/sub of run lifecycle
// events. The engine publishes; the MCP notifier and tests subscribe.
package streaming

import "context"

// Event is a real-time notification emitted during run execution.
type Event struct {
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id,omitempty"`
	StepIndex int    `json:"step_index"`
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
