package fanout

import "sync"

// Topic is the membership + fan-out primitive for one key.
//
// Concurrency guarantees:
//   - Subscribe delivers the retained value before any later Publish reaches the
//     new member, so a late subscriber never misses the initial state.
//   - Publish never blocks (mailboxes drop their oldest value under backpressure).
//   - Publishes are serialized, so every member observes values in publish order.
type Topic[T any] struct {
	Key string

	mu      sync.Mutex
	members map[uint64]*Subscription[T]
	nextID  uint64
	size    int
	last    T
	hasLast bool
}

func newTopic[T any](key string, size int) *Topic[T] {
	return &Topic[T]{
		Key:     key,
		members: make(map[uint64]*Subscription[T]),
		size:    size,
	}
}

// NewTopic constructs a standalone topic whose mailboxes hold size values.
func NewTopic[T any](key string, size int) *Topic[T] {
	return newTopic[T](key, size)
}

// Subscribe attaches a member and hands it the retained value, if any.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	s := newSubscription(t.nextID, t.size, t)
	t.members[s.id] = s
	if t.hasLast {
		s.offer(t.last)
	}
	return s
}

// Publish retains v and fans it out to every member.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = v
	t.hasLast = true
	for _, m := range t.members {
		m.offer(v)
	}
}

// Last returns the retained value.
func (t *Topic[T]) Last() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Forget drops the retained value without notifying members.
func (t *Topic[T]) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	t.last = zero
	t.hasLast = false
}

// Len returns the number of attached members.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

func (t *Topic[T]) detach(id uint64) {
	t.mu.Lock()
	delete(t.members, id)
	t.mu.Unlock()
}
