package classroom

import (
	"context"
	"sync"
)

// Handler receives commands delivered to a subscription.
type Handler func(Command)

// Channel is the typed pub/sub primitive the classroom protocol runs over.
// Delivery is best-effort and at-most-once; there is no ordering guarantee
// between different publishers. Receivers recover from any loss via the next
// SYNC_STATE. Unsubscribing is synchronous from the caller's perspective.
type Channel interface {
	Publish(ctx context.Context, sessionID string, cmd Command) error
	Subscribe(sessionID string, handler Handler) (func(), error)
}

// LocalChannel is an in-process channel: commands fan out synchronously to
// every subscriber of the session, the publisher's own included. Used for
// single-device practice and tests.
type LocalChannel struct {
	mu   sync.Mutex
	subs map[string]map[int]Handler
	next int
}

// NewLocalChannel creates an empty in-process channel.
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{subs: make(map[string]map[int]Handler)}
}

// Publish delivers the command to all current subscribers of the session.
func (c *LocalChannel) Publish(ctx context.Context, sessionID string, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[sessionID]))
	for _, h := range c.subs[sessionID] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(cmd)
	}
	return nil
}

// Subscribe registers a handler for the session. Multiple concurrent
// subscribers per session are supported.
func (c *LocalChannel) Subscribe(sessionID string, handler Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[sessionID] == nil {
		c.subs[sessionID] = make(map[int]Handler)
	}
	id := c.next
	c.next++
	c.subs[sessionID][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[sessionID], id)
	}, nil
}
