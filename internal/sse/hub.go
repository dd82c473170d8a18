// Package sse streams run progress to API clients. A Hub fans events out to
// subscribers of a per-run topic; a Watcher feeds the hub by polling the
// store, which keeps the event stream correct across processes.
package sse

import (
	"context"
	"sync"
)

// Event is one server-sent event.
type Event struct {
	ID    string
	Event string
	Data  []byte
}

// RunTopic names the event topic for a run.
func RunTopic(runID string) string { return "run:" + runID }

// Hub is an in-memory pub/sub keyed by topic.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[chan Event]struct{}
	shutdown chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]map[chan Event]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Publish sends an event to all subscribers of the topic. Slow subscribers
// are skipped rather than blocking the publisher.
func (h *Hub) Publish(topic string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe adds a subscriber for the topic and returns the channel plus an
// unsubscribe function.
func (h *Hub) Subscribe(topic string, buf int) (chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)

	h.mu.Lock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[chan Event]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.subs[topic]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subs, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers reports how many channels listen on the topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Stream delivers topic events to fn until ctx ends or fn errors.
func (h *Hub) Stream(ctx context.Context, topic string, buf int, fn func(Event) error) error {
	ch, unsub := h.Subscribe(topic, buf)
	defer unsub()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := fn(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-h.shutdown:
			return nil
		}
	}
}

// Shutdown closes every subscriber channel and stops all streams.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	for topic, subs := range h.subs {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, topic)
	}
}
