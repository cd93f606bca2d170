package mcp

import "sync"

// SessionRegistry tracks which MCP sessions subscribed to run event
// notifications, and for which run.
type SessionRegistry struct {
	mu   sync.RWMutex
	subs map[string]string // sessionID → runID filter ("" = all runs)
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{subs: make(map[string]string)}
}

// Subscribe registers a session for run events. An empty runID
// subscribes to every run. Re-subscribing overwrites the filter.
func (r *SessionRegistry) Subscribe(sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sessionID] = runID
}

// Unsubscribe removes a session's subscription.
func (r *SessionRegistry) Unsubscribe(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sessionID)
}

// Recipients returns the session IDs whose filter matches the run.
func (r *SessionRegistry) Recipients(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sid, filter := range r.subs {
		if filter == "" || filter == runID {
			out = append(out, sid)
		}
	}
	return out
}

// Count returns the number of active subscriptions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
