package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func recvWithin(t *testing.T, s *Subscription[int], d time.Duration) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return v
}

func TestSubscribeDeliversRetainedValue(t *testing.T) {
	t.Parallel()

	h := NewHub[int](1)
	h.Publish("a", 7)

	s := h.Subscribe("a")
	defer s.Close()

	// Delivered before Subscribe returned: no waiting required.
	select {
	case v := <-s.C():
		if v != 7 {
			t.Fatalf("initial value=%d want=7", v)
		}
	default:
		t.Fatalf("retained value not delivered synchronously")
	}
}

func TestLatestWinsMailbox(t *testing.T) {
	t.Parallel()

	h := NewHub[int](1)
	s := h.Subscribe("a")
	defer s.Close()

	for i := 1; i <= 100; i++ {
		h.Publish("a", i)
	}
	if v := recvWithin(t, s, time.Second); v != 100 {
		t.Fatalf("slow reader got=%d want=100", v)
	}
}

func TestBufferedMailboxKeepsOrder(t *testing.T) {
	t.Parallel()

	h := NewHub[int](8)
	s := h.Subscribe("a")
	defer s.Close()

	for i := 1; i <= 5; i++ {
		h.Publish("a", i)
	}
	for want := 1; want <= 5; want++ {
		if got := recvWithin(t, s, time.Second); got != want {
			t.Fatalf("got=%d want=%d", got, want)
		}
	}
}

func TestCloseDetachesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub[int](1)
	s := h.Subscribe("a")
	if n := h.Topic("a").Len(); n != 1 {
		t.Fatalf("members=%d want=1", n)
	}
	s.Close()
	s.Close()
	if n := h.Topic("a").Len(); n != 0 {
		t.Fatalf("members=%d want=0", n)
	}

	// Retained value survives the last unsubscribe.
	h.Publish("a", 3)
	if v, ok := h.Topic("a").Last(); !ok || v != 3 {
		t.Fatalf("Last=(%d,%v) want=(3,true)", v, ok)
	}

	_, err := s.Recv(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after close err=%v want=ErrClosed", err)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	h := NewHub[int](1)
	s := h.Subscribe("a")
	if h.Prune("a") {
		t.Fatalf("Prune removed a topic with members")
	}
	s.Close()
	if !h.Prune("a") {
		t.Fatalf("Prune kept an empty topic")
	}
	if _, ok := h.Lookup("a"); ok {
		t.Fatalf("topic still present after Prune")
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	t.Parallel()

	h := NewHub[int](1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.Publish("k", j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s := h.Subscribe("k")
				s.Close()
			}
		}()
	}
	wg.Wait()

	if got := h.Keys(); len(got) != 1 || got[0] != "k" {
		t.Fatalf("Keys=%v want=[k]", got)
	}
}
