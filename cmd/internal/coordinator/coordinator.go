// Package coordinator tracks whether sending is allowed per conversation.
//
// A conversation opened by switching away from a generating parent is linked as
// its child: it inherits the parent's state until it records its own, and the
// parent counts as disabled while any registered descendant is.
package coordinator

import (
	"log/slog"
	"sort"
	"sync"

	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/fanout"
)

// Status is the send state of one conversation.
type Status struct {
	ConversationID string
	Disabled       bool
	// Source is the conversation whose explicit state decided Disabled.
	Source string
}

// Coordinator owns explicit states and parent/child links.
type Coordinator struct {
	log *slog.Logger
	hub *fanout.Hub[Status]

	mu       sync.Mutex
	explicit map[string]bool
	parent   map[string]string
	children map[string]map[string]struct{}
}

// New constructs an empty Coordinator.
func New(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:      log,
		hub:      fanout.NewHub[Status](1),
		explicit: make(map[string]bool),
		parent:   make(map[string]string),
		children: make(map[string]map[string]struct{}),
	}
}

// IsDisabled reports whether sending is disallowed for id.
func (c *Coordinator) IsDisabled(id string) bool {
	return c.Status(id).Disabled
}

// Status returns the computed status of id.
func (c *Coordinator) Status(id string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(id)
}

// SetDisabled records an explicit state for id.
func (c *Coordinator) SetDisabled(id string, disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.explicit[id] = disabled
	c.publishLocked(id)
}

// Clear drops the explicit state of id; it inherits again.
func (c *Coordinator) Clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.explicit, id)
	c.publishLocked(id)
}

// Acquire disables id for an operation. It fails with chaterr.ErrBusy while id is
// already disabled, directly or through a relative.
func (c *Coordinator) Acquire(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.statusLocked(id); st.Disabled {
		return chaterr.OpError{Op: "coordinator.Acquire", Kind: chaterr.ErrBusy, Msg: "blocked by " + st.Source}
	}
	c.explicit[id] = true
	c.publishLocked(id)
	return nil
}

// Release ends the operation on id.
func (c *Coordinator) Release(id string) {
	c.SetDisabled(id, false)
}

// Link registers child as derived from parent.
func (c *Coordinator) Link(parent, child string) error {
	const op = "coordinator.Link"
	if parent == "" || child == "" || parent == child {
		return chaterr.Validation(op, "parent and child must be distinct non-empty ids")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for p := parent; p != ""; p = c.parent[p] {
		if p == child {
			return chaterr.Validation(op, "link would create a cycle")
		}
	}

	c.unlinkLocked(child)
	c.parent[child] = parent
	kids, ok := c.children[parent]
	if !ok {
		kids = make(map[string]struct{})
		c.children[parent] = kids
	}
	kids[child] = struct{}{}

	c.log.Debug("coordinator.link", "parent", parent, "child", child)
	c.publishLocked(child)
	return nil
}

// Unlink removes the link from child to its parent.
func (c *Coordinator) Unlink(child string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.parent[child]
	if !ok {
		return
	}
	c.unlinkLocked(child)
	c.publishLocked(child)
	c.publishLocked(p)
}

// Forget removes every trace of id.
func (c *Coordinator) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	affected := c.componentLocked(id)
	c.unlinkLocked(id)
	for kid := range c.children[id] {
		delete(c.parent, kid)
	}
	delete(c.children, id)
	delete(c.explicit, id)

	for _, other := range affected {
		if other != id {
			c.publishTopicLocked(other)
		}
	}
	c.hub.Prune(id)
}

// Subscribe returns a subscription that already holds the current status of id.
func (c *Coordinator) Subscribe(id string) *fanout.Subscription[Status] {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.hub.Topic(id)
	if _, ok := t.Last(); !ok {
		t.Publish(c.statusLocked(id))
	}
	return t.Subscribe()
}

func (c *Coordinator) statusLocked(id string) Status {
	st := Status{ConversationID: id}
	if src, ok := c.inheritedLocked(id, map[string]bool{}); ok {
		st.Disabled, st.Source = true, src
		return st
	}
	if src, ok := c.descendantLocked(id, map[string]bool{}); ok {
		st.Disabled, st.Source = true, src
	}
	return st
}

// inheritedLocked resolves id's own state: its explicit value, or else whatever
// its parent resolves to, including the parent's other children.
func (c *Coordinator) inheritedLocked(id string, seen map[string]bool) (string, bool) {
	if seen[id] {
		return "", false
	}
	seen[id] = true

	if v, ok := c.explicit[id]; ok {
		if v {
			return id, true
		}
		return "", false
	}
	p, ok := c.parent[id]
	if !ok {
		return "", false
	}
	if src, ok := c.inheritedLocked(p, seen); ok {
		return src, true
	}
	return c.descendantLocked(p, seen)
}

// descendantLocked finds a registered descendant of id that is explicitly disabled.
func (c *Coordinator) descendantLocked(id string, seen map[string]bool) (string, bool) {
	kids := make([]string, 0, len(c.children[id]))
	for kid := range c.children[id] {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	for _, kid := range kids {
		if seen[kid] {
			continue
		}
		seen[kid] = true
		if c.explicit[kid] {
			return kid, true
		}
		if src, ok := c.descendantLocked(kid, seen); ok {
			return src, true
		}
	}
	return "", false
}

// publishLocked republishes every id whose status may depend on id.
func (c *Coordinator) publishLocked(id string) {
	for _, other := range c.componentLocked(id) {
		c.publishTopicLocked(other)
	}
}

func (c *Coordinator) publishTopicLocked(id string) {
	t, ok := c.hub.Lookup(id)
	if !ok {
		return
	}
	next := c.statusLocked(id)
	if last, ok := t.Last(); ok && last == next {
		return
	}
	t.Publish(next)
}

// componentLocked returns id plus every id reachable through links.
func (c *Coordinator) componentLocked(id string) []string {
	root := id
	seen := map[string]bool{root: true}
	for p, ok := c.parent[root]; ok && !seen[p]; p, ok = c.parent[root] {
		root = p
		seen[root] = true
	}

	out := []string{}
	visited := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		if visited[n] {
			return
		}
		visited[n] = true
		out = append(out, n)
		for kid := range c.children[n] {
			walk(kid)
		}
	}
	walk(root)
	if !visited[id] {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) unlinkLocked(child string) {
	p, ok := c.parent[child]
	if !ok {
		return
	}
	delete(c.parent, child)
	if kids := c.children[p]; kids != nil {
		delete(kids, child)
		if len(kids) == 0 {
			delete(c.children, p)
		}
	}
}
