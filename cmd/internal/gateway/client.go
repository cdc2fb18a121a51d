package gateway

import (
	"context"
	"sync"

	v1 "chatsync/shared/contracts/view/v1"
)

// Client is one connected view session.
//
// Send is never closed; writers stop on Done instead.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsMinSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		subs:      make(map[string]context.CancelFunc),
	}
}

// Done is closed once the client shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops every watch and signals the session goroutines (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for id, cancel := range c.subs {
			cancel()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// watch registers cancel for conversationID. It reports false when the
// conversation is already watched or the limit is reached.
func (c *Client) watch(conversationID string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[conversationID]; ok || len(c.subs) >= maxSubscriptions {
		return false
	}
	c.subs[conversationID] = cancel
	return true
}

// unwatch stops the watch of conversationID and reports whether one existed.
func (c *Client) unwatch(conversationID string) bool {
	c.mu.Lock()
	cancel, ok := c.subs[conversationID]
	delete(c.subs, conversationID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Watching returns the number of watched conversations.
func (c *Client) Watching() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
