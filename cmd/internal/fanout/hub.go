// Package fanout provides keyed publish/subscribe with retained state.
//
// Every store that other components observe (live stream states, send-disabled
// state, reconciled views) exposes subscriptions through a Hub instead of sharing
// its maps.
package fanout

import (
	"errors"
	"sort"
	"sync"
)

// ErrClosed is returned by Recv after the subscription was closed.
var ErrClosed = errors.New("fanout: subscription closed")

// Hub owns topics and provides stable topic handles per key.
type Hub[T any] struct {
	size int

	mu     sync.RWMutex
	topics map[string]*Topic[T]
}

// NewHub constructs a Hub whose mailboxes hold size values.
// size 1 gives latest-wins delivery, which suits snapshot-style values.
func NewHub[T any](size int) *Hub[T] {
	if size <= 0 {
		size = 1
	}
	return &Hub[T]{
		size:   size,
		topics: make(map[string]*Topic[T]),
	}
}

// Topic returns the topic for key, creating it on first use.
func (h *Hub[T]) Topic(key string) *Topic[T] {
	h.mu.RLock()
	t, ok := h.topics[key]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[key]; ok {
		return t
	}
	t = newTopic[T](key, h.size)
	h.topics[key] = t
	return t
}

// Lookup returns the topic for key without creating it.
func (h *Hub[T]) Lookup(key string) (*Topic[T], bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[key]
	return t, ok
}

// Subscribe is shorthand for Topic(key).Subscribe().
func (h *Hub[T]) Subscribe(key string) *Subscription[T] {
	return h.Topic(key).Subscribe()
}

// Publish is shorthand for Topic(key).Publish(v).
func (h *Hub[T]) Publish(key string, v T) {
	h.Topic(key).Publish(v)
}

// Prune removes the topic for key when it has no members left.
// It reports whether the topic is gone.
func (h *Hub[T]) Prune(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[key]
	if !ok {
		return true
	}
	if t.Len() > 0 {
		return false
	}
	delete(h.topics, key)
	return true
}

// Keys returns the sorted keys of all topics.
func (h *Hub[T]) Keys() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.topics))
	for k := range h.topics {
		out = append(out, k)
	}
	h.mu.RUnlock()

	sort.Strings(out)
	return out
}
