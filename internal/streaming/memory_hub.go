package streaming

import (
	"context"
	"sync"
)

const defaultChannelBuffer = 64

// subscription is one registered consumer. Delivery never blocks the
// publisher: when the buffer is full the oldest undelivered event is
// evicted so subscribers always see the most recent window.
type subscription struct {
	ch      chan Event
	filter  Filter
	dropped int
}

func (s *subscription) deliver(event Event) {
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

func (s *subscription) wants(e Event) bool {
	if s.filter.RunID != "" && s.filter.RunID != e.RunID {
		return false
	}
	if len(s.filter.Types) == 0 {
		return true
	}
	for _, t := range s.filter.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// MemoryHub is the in-process Hub backing a single daemon. Subscribers
// within the same process receive events directly over buffered channels.
type MemoryHub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish fans the event out to every matching subscription.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if sub.wants(event) {
			sub.deliver(event)
		}
	}
	return nil
}

// Subscribe registers a consumer and returns its event channel together
// with a function that tears the subscription down. The channel is never
// closed, so a late read after unsubscribe cannot panic the consumer.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:     make(chan Event, defaultChannelBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.ch, unsubscribe, nil
}
