package fanout

import (
	"context"
	"sync"
)

// Subscription is one listener attached to a Topic.
//
// Design notes:
//   - The value channel is never closed by publishers to keep Publish panic-free under
//     concurrent Close; consumers select on Done.
//   - Close is idempotent and detaches the subscription from its topic.
type Subscription[T any] struct {
	id    uint64
	ch    chan T
	done  chan struct{}
	topic *Topic[T]

	closeOnce sync.Once
}

func newSubscription[T any](id uint64, size int, topic *Topic[T]) *Subscription[T] {
	if size <= 0 {
		size = 1
	}
	return &Subscription[T]{
		id:    id,
		ch:    make(chan T, size),
		done:  make(chan struct{}),
		topic: topic,
	}
}

// C returns the value channel.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done returns a channel that is closed once the subscription is closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close unsubscribes (idempotent).
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.topic != nil {
			s.topic.detach(s.id)
		}
		close(s.done)
	})
}

// Recv blocks for the next value, the context, or Close.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-s.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		// Drain a value that raced with Close.
		select {
		case v := <-s.ch:
			return v, nil
		default:
		}
		return zero, ErrClosed
	}
}

// offer enqueues v without blocking. When the mailbox is full the oldest pending
// value is dropped, so a slow reader always converges on the latest value.
func (s *Subscription[T]) offer(v T) {
	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
