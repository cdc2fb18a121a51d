package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/cmd/internal/backend"
	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/coordinator"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/snapshot"
	"chatsync/cmd/internal/versions"
	v1 "chatsync/shared/contracts/stream/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	engine *Engine
	mux    *livestream.Multiplexer
	cache  *snapshot.Cache
	coord  *coordinator.Coordinator
	tree   *versions.Tree
}

// newHarness wires an Engine to b. When events is non-nil the multiplexer
// reads from it; otherwise tests dispatch events by hand.
func newHarness(t *testing.T, b backend.Backend, events livestream.Transport) *harness {
	t.Helper()

	log := quietLogger()
	h := &harness{
		mux:   livestream.New(livestream.Options{Transport: events, Backoff: time.Millisecond, Logger: log}),
		cache: snapshot.New(snapshot.Options{Logger: log}),
		coord: coordinator.New(log),
		tree:  versions.NewTree(log, nil),
	}
	h.engine = New(Options{
		Backend:        b,
		Multiplexer:    h.mux,
		Tree:           h.tree,
		Cache:          h.cache,
		Coordinator:    h.coord,
		VerifyTimeout:  time.Second,
		VerifyInterval: 5 * time.Millisecond,
		Logger:         log,
	})

	if events != nil {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = h.mux.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		waitFor(t, "stream connected", func() bool { return h.mux.Connection().Connected })
	}
	t.Cleanup(h.engine.Close)
	return h
}

// latestView returns the most recent view published for id.
func latestView(t *testing.T, e *Engine, id string) View {
	t.Helper()
	sub := e.SubscribeView(id)
	defer sub.Close()
	select {
	case v := <-sub.C():
		return v
	case <-time.After(time.Second):
		t.Fatalf("no view for %s", id)
		return View{}
	}
}

type fakeBackend struct {
	history  func(ctx context.Context, id string) ([]chat.Message, error)
	state    func(id string) chat.ServerState
	start    func(req backend.GenerationRequest) (backend.StreamHandle, error)
	switchTo func(ctx context.Context, id string) ([]chat.Message, error)
	submits  atomic.Int32
}

func (f *fakeBackend) FetchHistory(ctx context.Context, id string) ([]chat.Message, error) {
	return f.history(ctx, id)
}

func (f *fakeBackend) FetchState(_ context.Context, id string) (chat.ServerState, error) {
	if f.state == nil {
		return chat.ServerStateStatic, nil
	}
	return f.state(id), nil
}

func (f *fakeBackend) StartGeneration(_ context.Context, req backend.GenerationRequest) (backend.StreamHandle, error) {
	if f.start == nil {
		return backend.StreamHandle{}, errors.New("not supported")
	}
	return f.start(req)
}

func (f *fakeBackend) SubmitVersion(context.Context, backend.VersionRequest) (backend.VersionResponse, error) {
	f.submits.Add(1)
	return backend.VersionResponse{}, errors.New("not supported")
}

func (f *fakeBackend) SwitchBranch(ctx context.Context, id string) ([]chat.Message, error) {
	if f.switchTo == nil {
		return f.history(ctx, id)
	}
	return f.switchTo(ctx, id)
}

func (f *fakeBackend) CancelGeneration(context.Context, string) error { return nil }

func TestLoadDiscardsStaleResult(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	first, second := make(chan struct{}), make(chan struct{})
	fb := &fakeBackend{history: func(_ context.Context, _ string) ([]chat.Message, error) {
		// Replies ignore cancellation, so the first one arrives late.
		if calls.Add(1) == 1 {
			<-first
			return []chat.Message{{ID: "old", Role: chat.RoleUser, Content: "old"}}, nil
		}
		<-second
		return []chat.Message{{ID: "new", Role: chat.RoleUser, Content: "new"}}, nil
	}}
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.engine.Load(ctx, "c")
	}()
	waitFor(t, "first fetch", func() bool { return calls.Load() == 1 })

	var secondView View
	var secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		secondView, secondErr = h.engine.Load(ctx, "c")
	}()
	waitFor(t, "second fetch", func() bool { return calls.Load() == 2 })

	close(second)
	close(first)
	wg.Wait()

	if secondErr != nil || len(secondView.Messages) != 1 || secondView.Messages[0].ID != "new" {
		t.Fatalf("second Load=%+v err=%v", secondView, secondErr)
	}
	if !chaterr.IsCanceled(firstErr) {
		t.Fatalf("first Load err=%v want canceled", firstErr)
	}
	if v := latestView(t, h.engine, "c"); v.Messages[0].ID != "new" || v.RequestID != secondView.RequestID {
		t.Fatalf("published view=%+v", v)
	}
	if e, ok := h.cache.Peek("c"); !ok || e.Messages[0].ID != "new" {
		t.Fatalf("cache=%+v ok=%v", e, ok)
	}
}

func TestLoadDiscardsResultSupersededDuringRejoin(t *testing.T) {
	t.Parallel()

	var fetches, states atomic.Int32
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	fb := &fakeBackend{
		history: func(context.Context, string) ([]chat.Message, error) {
			if fetches.Add(1) == 1 {
				return []chat.Message{{ID: "old", Role: chat.RoleUser, Content: "old"}}, nil
			}
			return []chat.Message{{ID: "new", Role: chat.RoleUser, Content: "new"}}, nil
		},
		state: func(string) chat.ServerState {
			if states.Add(1) == 1 {
				return chat.ServerStateResponding
			}
			return chat.ServerStateStatic
		},
		start: func(req backend.GenerationRequest) (backend.StreamHandle, error) {
			// The first load's rejoin hangs until the second load has applied.
			once.Do(func() { close(entered) })
			<-release
			return backend.StreamHandle{ID: "s1", ConversationID: req.ConversationID, MessageID: "a1", Resumed: true}, nil
		},
	}
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.engine.Load(ctx, "c")
		firstErr <- err
	}()
	<-entered

	second, err := h.engine.Load(ctx, "c")
	if err != nil || second.Messages[0].ID != "new" {
		t.Fatalf("second Load=%+v err=%v", second, err)
	}

	close(release)
	if err := <-firstErr; !chaterr.IsCanceled(err) {
		t.Fatalf("first Load err=%v want canceled", err)
	}

	v := latestView(t, h.engine, "c")
	if len(v.Messages) == 0 || v.Messages[0].ID != "new" {
		t.Fatalf("superseded result was published: %+v", v)
	}
	if e, ok := h.cache.Peek("c"); !ok || e.Messages[0].ID != "new" {
		t.Fatalf("cache=%+v ok=%v", e, ok)
	}
	if msgs, ok := h.engine.authOf("c"); !ok || msgs[0].ID != "new" {
		t.Fatalf("stored history=%+v", msgs)
	}
}

func TestLoadShowsCacheThenAuthority(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fb := &fakeBackend{history: func(context.Context, string) ([]chat.Message, error) {
		<-release
		return []chat.Message{{ID: "u1", Role: chat.RoleUser, Content: "fresh"}}, nil
	}}
	h := newHarness(t, fb, nil)
	h.cache.Put("c", []chat.Message{{ID: "u0", Role: chat.RoleUser, Content: "cached"}}, snapshot.StatusClean)

	sub := h.engine.SubscribeView("c")
	defer sub.Close()
	<-sub.C()

	errc := make(chan error, 1)
	go func() {
		_, err := h.engine.Load(context.Background(), "c")
		errc <- err
	}()

	v := <-sub.C()
	if !v.Stale || v.Messages[0].Content != "cached" {
		t.Fatalf("provisional view=%+v", v)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("Load: %v", err)
	}
	v = latestView(t, h.engine, "c")
	if v.Stale || v.Messages[0].Content != "fresh" {
		t.Fatalf("authoritative view=%+v", v)
	}
}

func TestLoadFailureKeepsCache(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{history: func(context.Context, string) ([]chat.Message, error) {
		return nil, chaterr.Transport("test", errors.New("down"))
	}}
	h := newHarness(t, fb, nil)
	h.cache.Put("c", []chat.Message{{ID: "u0", Role: chat.RoleUser, Content: "cached"}}, snapshot.StatusClean)

	v, err := h.engine.Load(context.Background(), "c")
	if !chaterr.IsTransport(err) {
		t.Fatalf("Load err=%v want transport", err)
	}
	if !v.Stale || len(v.Messages) != 1 || v.Err == nil {
		t.Fatalf("view=%+v", v)
	}
	if e, ok := h.cache.Get("c"); !ok || e.Messages[0].Content != "cached" {
		t.Fatalf("cache changed after failed fetch: %+v", e)
	}
}

func TestVerificationTimeoutKeepsBuffer(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		history: func(context.Context, string) ([]chat.Message, error) {
			// The authority never confirms the finished message.
			return []chat.Message{
				{ID: "u1", Role: chat.RoleUser, Content: "q"},
				{ID: "a1", Role: chat.RoleAssistant, Content: "par", IsStreaming: true},
			}, nil
		},
		start: func(req backend.GenerationRequest) (backend.StreamHandle, error) {
			return backend.StreamHandle{ID: "s1", ConversationID: req.ConversationID, MessageID: "a1"}, nil
		},
	}
	h := newHarness(t, fb, nil)
	h.engine.verifyTimeout = 50 * time.Millisecond

	if _, err := h.engine.Load(context.Background(), "c"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := h.engine.Send(context.Background(), "c", "next"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !h.coord.IsDisabled("c") {
		t.Fatalf("send not locked during generation")
	}

	h.mux.Dispatch(v1.AnswerDelta{ChatID: "c", MessageID: "a1", Content: "partial answer"})
	h.mux.Dispatch(v1.Complete{ChatID: "c", MessageID: "a1"})

	waitFor(t, "send unlocked", func() bool { return !h.coord.IsDisabled("c") })
	waitFor(t, "timeout view", func() bool {
		v := latestView(t, h.engine, "c")
		return errors.Is(v.Err, chaterr.ErrVerificationTimeout)
	})

	st, ok := h.mux.State("c")
	if !ok || st.Content != "partial answer" {
		t.Fatalf("live buffer lost: %+v", st)
	}
	if e, _ := h.cache.Peek("c"); e.Status != snapshot.StatusDirty {
		t.Fatalf("cache status=%s want dirty", e.Status)
	}
	v := latestView(t, h.engine, "c")
	if last, _ := chat.Last(v.Messages); last.Content != "partial answer" || !v.Stale {
		t.Fatalf("view=%+v", v)
	}
}

func TestVerificationAcceptsFinishedAuthority(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		history: func(context.Context, string) ([]chat.Message, error) {
			return []chat.Message{
				{ID: "u1", Role: chat.RoleUser, Content: "q"},
				{ID: "a1", Role: chat.RoleAssistant, Content: "balloon"},
			}, nil
		},
		start: func(req backend.GenerationRequest) (backend.StreamHandle, error) {
			return backend.StreamHandle{ID: "s1", ConversationID: req.ConversationID, MessageID: "a1"}, nil
		},
	}
	h := newHarness(t, fb, nil)

	if _, err := h.engine.Send(context.Background(), "c", "q"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The buffer disagrees with the authority; the finished copy still wins.
	h.mux.Dispatch(v1.AnswerDelta{ChatID: "c", MessageID: "a1", Content: "balon"})
	h.mux.Dispatch(v1.Complete{ChatID: "c", MessageID: "a1"})

	waitFor(t, "verified", func() bool {
		_, tracked := h.mux.State("c")
		return !tracked && !h.coord.IsDisabled("c")
	})
	v := latestView(t, h.engine, "c")
	if last, _ := chat.Last(v.Messages); last.Content != "balloon" || v.Stale || v.Err != nil {
		t.Fatalf("view=%+v", v)
	}
	if e, ok := h.cache.Get("c"); !ok || e.Status != snapshot.StatusClean {
		t.Fatalf("cache=%+v ok=%v", e, ok)
	}
}

func TestConfirmed(t *testing.T) {
	t.Parallel()

	history := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "q"},
		{ID: "a1", Role: chat.RoleAssistant, Content: "hello", Thoughts: "hmm"},
	}
	cases := []struct {
		name string
		msgs []chat.Message
		live livestream.LiveState
		want bool
	}{
		{name: "nothing buffered", msgs: nil, live: livestream.LiveState{}, want: true},
		{name: "same text", msgs: history, live: livestream.LiveState{LastAssistantMessageID: "a1", Content: "hello", Thoughts: "hmm"}, want: true},
		{name: "buffer dropped a byte", msgs: history, live: livestream.LiveState{LastAssistantMessageID: "a1", Content: "helo"}, want: true},
		{name: "authority behind", msgs: history, live: livestream.LiveState{LastAssistantMessageID: "a1", Content: "hello world"}, want: false},
		{name: "message missing", msgs: history[:1], live: livestream.LiveState{LastAssistantMessageID: "a1", Content: "hello"}, want: false},
		{name: "still streaming", msgs: []chat.Message{{ID: "a1", Role: chat.RoleAssistant, Content: "hello", IsStreaming: true}}, live: livestream.LiveState{LastAssistantMessageID: "a1", Content: "hel"}, want: false},
		{name: "unbound prefix", msgs: history, live: livestream.LiveState{Content: "hell"}, want: true},
		{name: "unbound mismatch", msgs: history, live: livestream.LiveState{Content: "helo"}, want: false},
	}

	e := &Engine{}
	for _, tc := range cases {
		if got := e.confirmed(tc.msgs, tc.live); got != tc.want {
			t.Fatalf("%s: confirmed=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestSendValidationAndBusy(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		history: func(context.Context, string) ([]chat.Message, error) { return nil, nil },
		start: func(req backend.GenerationRequest) (backend.StreamHandle, error) {
			return backend.StreamHandle{ID: "s1", ConversationID: req.ConversationID, MessageID: "a1"}, nil
		},
	}
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	if _, err := h.engine.Send(ctx, "c", "   "); !chaterr.IsValidation(err) {
		t.Fatalf("blank prompt err=%v", err)
	}
	if _, err := h.engine.Send(ctx, "c", "one"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := h.engine.Send(ctx, "c", "two"); !errors.Is(err, chaterr.ErrBusy) {
		t.Fatalf("second Send err=%v want busy", err)
	}
	if _, err := h.engine.Edit(ctx, "c", "u1", ""); !chaterr.IsValidation(err) {
		t.Fatalf("blank edit err=%v", err)
	}
	if fb.submits.Load() != 0 {
		t.Fatalf("invalid edit reached the authority")
	}

	waitFor(t, "placeholder", func() bool { return len(latestView(t, h.engine, "c").Messages) == 2 })
	v := latestView(t, h.engine, "c")
	if v.Messages[0].Content != "one" || !strings.HasPrefix(v.Messages[0].ID, "pending_") {
		t.Fatalf("optimistic view=%+v", v)
	}
	if a := v.Messages[1]; a.ID != "a1" || a.Role != chat.RoleAssistant || !a.IsStreaming {
		t.Fatalf("placeholder=%+v", a)
	}
}

func TestSwitchFallsBackToLocalTree(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		history: func(context.Context, string) ([]chat.Message, error) {
			return []chat.Message{
				{ID: "m1", Role: chat.RoleUser, Content: "a"},
				{ID: "m2", Role: chat.RoleAssistant, Content: "b"},
			}, nil
		},
		switchTo: func(context.Context, string) ([]chat.Message, error) {
			return nil, chaterr.Transport("test", errors.New("down"))
		},
	}
	h := newHarness(t, fb, nil)
	if _, err := h.engine.Load(context.Background(), "c"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	res, err := h.tree.Retry("c", "m2")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}

	v, err := h.engine.Switch(context.Background(), res.VersionChatID)
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if !v.Stale || len(v.Messages) != 1 || v.Messages[0].ID != "m1" {
		t.Fatalf("view=%+v", v)
	}
	if h.engine.Active() != res.VersionChatID {
		t.Fatalf("active=%q", h.engine.Active())
	}

	v, err = h.engine.Switch(context.Background(), "gone_v3")
	if err != nil || !v.Orphaned || len(v.Messages) != 0 {
		t.Fatalf("orphaned switch view=%+v err=%v", v, err)
	}
}
