package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chatsync/cmd/internal/backend"
	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/coordinator"
	"chatsync/cmd/internal/fanout"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/snapshot"
	"chatsync/cmd/internal/telemetry"
	"chatsync/cmd/internal/versions"
)

// DefaultVerifyTimeout bounds the post-completion verification fetch.
const DefaultVerifyTimeout = 5 * time.Second

// Options wires an Engine to its collaborators. Backend, Multiplexer, Tree,
// Cache and Coordinator are required.
type Options struct {
	Backend     backend.Backend
	Multiplexer *livestream.Multiplexer
	Tree        *versions.Tree
	Cache       *snapshot.Cache
	Coordinator *coordinator.Coordinator

	VerifyTimeout time.Duration
	// VerifyInterval spaces verification fetches while the authority still
	// reports the message as streaming.
	VerifyInterval time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type inflight struct {
	id     uint64
	cancel context.CancelFunc
}

// Engine is the only component that writes reconciled views. It reads live
// state, the cache and the version tree, and never mutates live buffers except
// to reset them once the authority confirmed their content.
type Engine struct {
	backend backend.Backend
	mux     *livestream.Multiplexer
	tree    *versions.Tree
	cache   *snapshot.Cache
	coord   *coordinator.Coordinator
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	verifyTimeout  time.Duration
	verifyInterval time.Duration

	views *fanout.Hub[View]
	seq   atomic.Uint64

	mu       sync.Mutex
	latest   map[string]uint64
	fetches  map[string]inflight
	commits  map[string]*sync.Mutex
	auth     map[string][]chat.Message
	pending  map[string]*pendingUser
	watchers map[string]bool
	active   string

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New constructs an Engine.
func New(opts Options) *Engine {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		backend:        opts.Backend,
		mux:            opts.Multiplexer,
		tree:           opts.Tree,
		cache:          opts.Cache,
		coord:          opts.Coordinator,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		verifyTimeout:  opts.VerifyTimeout,
		verifyInterval: opts.VerifyInterval,
		views:          fanout.NewHub[View](1),
		latest:         make(map[string]uint64),
		fetches:        make(map[string]inflight),
		commits:        make(map[string]*sync.Mutex),
		auth:           make(map[string][]chat.Message),
		pending:        make(map[string]*pendingUser),
		watchers:       make(map[string]bool),
		ctx:            ctx,
		stop:           stop,
	}
}

// Close stops completion watchers and waits for them.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// SubscribeView returns a subscription to reconciled views of conversationID.
// It holds the latest view when one was published.
func (e *Engine) SubscribeView(conversationID string) *fanout.Subscription[View] {
	t := e.views.Topic(conversationID)
	if _, ok := t.Last(); !ok {
		if v, ok := e.currentView(conversationID); ok {
			t.Publish(v)
		}
	}
	return t.Subscribe()
}

// Active returns the conversation most recently loaded or switched to.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Load shows the cached view at once (flagged Stale) and then replaces it with
// the authority's history merged with live content.
func (e *Engine) Load(ctx context.Context, conversationID string) (View, error) {
	const op = "reconcile.Load"
	if conversationID == "" {
		return View{}, chaterr.Validation(op, "conversation id is required")
	}

	ctx, id, done := e.begin(ctx, conversationID)
	defer done()
	e.setActive(conversationID)

	if entry, ok := e.cache.Get(conversationID); ok {
		e.commit(conversationID, id, func() {
			e.publish(e.compose(conversationID, entry.Messages, View{Stale: true, RequestID: id}))
		})
	}

	var (
		history []chat.Message
		state   chat.ServerState
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = e.backend.FetchHistory(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		var err error
		state, err = e.backend.FetchState(gctx, conversationID)
		return err
	})
	err := g.Wait()

	if !e.isLatest(conversationID, id) {
		return View{}, e.stale(op, conversationID, id)
	}
	if err != nil {
		return e.fail(op, conversationID, id, err)
	}

	return e.settle(ctx, op, conversationID, id, history, state, View{RequestID: id})
}

// Switch makes target the active branch. The previous conversation's view
// fetch is canceled; its generation keeps running and can be rejoined.
func (e *Engine) Switch(ctx context.Context, target string) (View, error) {
	const op = "reconcile.Switch"
	if target == "" {
		return View{}, chaterr.Validation(op, "conversation id is required")
	}

	prev := e.setActive(target)
	if prev != "" && prev != target {
		e.cancelFetch(prev)
		e.linkIfStreaming(prev, target)
	}

	ctx, id, done := e.begin(ctx, target)
	defer done()

	var (
		history  []chat.Message
		state    chat.ServerState
		stateErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = e.backend.SwitchBranch(gctx, target)
		return err
	})
	g.Go(func() error {
		// A failed state fetch leaves the branch usable, only the rejoin is skipped.
		state, stateErr = e.backend.FetchState(gctx, target)
		return nil
	})
	err := g.Wait()

	if !e.isLatest(target, id) {
		return View{}, e.stale(op, target, id)
	}

	base := View{RequestID: id}
	switch {
	case err == nil:
	case chaterr.IsOrphaned(err):
		return e.orphaned(op, target, id, err)
	case chaterr.IsCanceled(err):
		return View{}, err
	default:
		rec, rerr := e.tree.Reconstruct(target)
		if rerr != nil {
			if chaterr.IsOrphaned(rerr) {
				return e.orphaned(op, target, id, rerr)
			}
			return e.fail(op, target, id, err)
		}
		e.log.Warn("reconcile.switch.local", "conversation_id", target, "fallback", rec.Fallback, "err", err)
		history = rec.Messages
		base.Fallback = rec.Fallback
		base.Stale = true
		base.Err = err
		state = chat.ServerStateStatic
	}
	if stateErr != nil {
		e.log.Warn("reconcile.switch.state", "conversation_id", target, "err", stateErr)
		state = ""
	}

	return e.settle(ctx, op, target, id, history, state, base)
}

// Cancel asks the authority to stop generating for conversationID. The live
// stream reports the outcome.
func (e *Engine) Cancel(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return chaterr.Validation("reconcile.Cancel", "conversation id is required")
	}
	return e.backend.CancelGeneration(ctx, conversationID)
}

// settle records an authoritative history, updates the cache and rejoins a
// running generation. state "" means unknown. The result is applied only while
// id is still the latest request for conversationID.
func (e *Engine) settle(ctx context.Context, op, conversationID string, id uint64, history []chat.Message, state chat.ServerState, base View) (View, error) {
	if state.Generating() {
		if live, ok := e.mux.State(conversationID); !ok || !live.Streaming {
			e.rejoin(ctx, conversationID)
		}
	}

	var v View
	applied := e.commit(conversationID, id, func() {
		if !base.Stale {
			e.tree.Load(conversationID, history)
			e.cacheHistory(conversationID, history, state)
		}
		e.storeAuth(conversationID, history)

		live, hasLive := e.mux.State(conversationID)
		switch {
		case state.Generating() && hasLive && live.Streaming:
			e.ensureWatch(conversationID)
		case state == chat.ServerStateStatic && hasLive && !live.Streaming && e.confirmed(history, live):
			// The authority already holds everything buffered.
			e.mux.Reset(conversationID)
			e.clearPending(conversationID)
		}

		v = e.compose(conversationID, history, base)
		v.RequestID = id
		e.publish(v)
	})
	if !applied {
		return View{}, e.stale(op, conversationID, id)
	}
	return v, nil
}

func (e *Engine) cacheHistory(conversationID string, history []chat.Message, state chat.ServerState) {
	status := snapshot.StatusClean
	switch {
	case state.Generating():
		status = snapshot.StatusStreaming
	case state == "":
		status = snapshot.StatusDirty
	}
	if cur, ok := e.cache.Peek(conversationID); ok && cur.Status == status && e.cache.Validate(conversationID, history) {
		return
	}
	e.cache.Put(conversationID, history, status)
}

func (e *Engine) rejoin(ctx context.Context, conversationID string) {
	h, err := e.backend.StartGeneration(ctx, backend.GenerationRequest{ConversationID: conversationID, Resume: true})
	if err != nil {
		e.log.Warn("reconcile.rejoin.failed", "conversation_id", conversationID, "err", err)
		return
	}
	if live, ok := e.mux.State(conversationID); !ok || !live.Streaming {
		e.mux.Begin(conversationID, h.MessageID)
	}
	e.coord.SetDisabled(conversationID, true)
	e.log.Info("reconcile.rejoin", "conversation_id", conversationID, "stream_id", h.ID, "message_id", h.MessageID)
	e.ensureWatch(conversationID)
}

func (e *Engine) linkIfStreaming(parent, child string) {
	if chat.BaseID(parent) != chat.BaseID(child) {
		return
	}
	live, ok := e.mux.State(parent)
	if !ok || !live.Streaming {
		return
	}
	if err := e.coord.Link(parent, child); err != nil {
		e.log.Debug("reconcile.link.skipped", "parent", parent, "child", child, "err", err)
	}
}

func (e *Engine) orphaned(op, conversationID string, id uint64, err error) (View, error) {
	v := View{ConversationID: conversationID, Orphaned: true, RequestID: id, Err: err}
	if !e.commit(conversationID, id, func() { e.publish(v) }) {
		return View{}, e.stale(op, conversationID, id)
	}
	e.log.Warn("reconcile.orphaned", "conversation_id", conversationID, "err", err)
	return v, nil
}

func (e *Engine) fail(op, conversationID string, id uint64, err error) (View, error) {
	if chaterr.IsCanceled(err) {
		return View{}, chaterr.Canceled(op)
	}

	var v View
	applied := e.commit(conversationID, id, func() {
		var msgs []chat.Message
		if entry, ok := e.cache.Peek(conversationID); ok {
			msgs = entry.Messages
		} else if prev, ok := e.authOf(conversationID); ok {
			msgs = prev
		}
		v = e.compose(conversationID, msgs, View{Stale: true, RequestID: id, Err: err})
		e.publish(v)
	})
	if !applied {
		return View{}, e.stale(op, conversationID, id)
	}
	e.log.Warn("reconcile.fetch.failed", "op", op, "conversation_id", conversationID, "err", err)
	return v, err
}

func (e *Engine) stale(op, conversationID string, id uint64) error {
	e.metrics.StaleResult()
	e.log.Debug("reconcile.stale", "op", op, "conversation_id", conversationID, "request_id", id)
	return chaterr.Canceled(op)
}

// compose merges live state and the optimistic user message into msgs.
func (e *Engine) compose(conversationID string, msgs []chat.Message, base View) View {
	live, _ := e.mux.State(conversationID)

	e.mu.Lock()
	p := e.pending[conversationID]
	e.mu.Unlock()

	base.ConversationID = conversationID
	base.Live = live
	base.Messages = withPending(Reconcile(msgs, live), p, live.LastAssistantMessageID)
	return base
}

func (e *Engine) currentView(conversationID string) (View, bool) {
	if msgs, ok := e.authOf(conversationID); ok {
		return e.compose(conversationID, msgs, View{}), true
	}
	if entry, ok := e.cache.Peek(conversationID); ok {
		return e.compose(conversationID, entry.Messages, View{Stale: true}), true
	}
	return View{}, false
}

func (e *Engine) publish(v View) {
	e.views.Publish(v.ConversationID, v)
}

// begin issues the next request id for conversationID and cancels a fetch
// still running for the same conversation.
func (e *Engine) begin(parent context.Context, conversationID string) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(parent)
	id := e.seq.Add(1)

	e.mu.Lock()
	if prev, ok := e.fetches[conversationID]; ok {
		prev.cancel()
	}
	e.latest[conversationID] = id
	e.fetches[conversationID] = inflight{id: id, cancel: cancel}
	e.mu.Unlock()

	return ctx, id, func() {
		cancel()
		e.mu.Lock()
		if cur, ok := e.fetches[conversationID]; ok && cur.id == id {
			delete(e.fetches, conversationID)
		}
		e.mu.Unlock()
	}
}

// commit runs apply under the commit lock of conversationID unless a newer
// request than id was issued. It reports whether apply ran. apply must not
// block on the network.
func (e *Engine) commit(conversationID string, id uint64, apply func()) bool {
	e.mu.Lock()
	l, ok := e.commits[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.commits[conversationID] = l
	}
	e.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	if !e.isLatest(conversationID, id) {
		return false
	}
	apply()
	return true
}

func (e *Engine) isLatest(conversationID string, id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest[conversationID] == id
}

func (e *Engine) cancelFetch(conversationID string) {
	e.mu.Lock()
	f, ok := e.fetches[conversationID]
	e.mu.Unlock()
	if ok {
		f.cancel()
	}
}

func (e *Engine) setActive(conversationID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.active
	e.active = conversationID
	return prev
}

func (e *Engine) storeAuth(conversationID string, msgs []chat.Message) {
	e.mu.Lock()
	e.auth[conversationID] = chat.Clone(msgs)
	if p := e.pending[conversationID]; p != nil && p.serverID != "" && chat.IndexOf(msgs, p.serverID) >= 0 {
		delete(e.pending, conversationID)
	}
	e.mu.Unlock()
}

func (e *Engine) authOf(conversationID string) ([]chat.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs, ok := e.auth[conversationID]
	return chat.Clone(msgs), ok
}

func (e *Engine) clearPending(conversationID string) {
	e.mu.Lock()
	delete(e.pending, conversationID)
	e.mu.Unlock()
}

// confirmed reports whether history holds the finished message live was
// buffering. A message listed under the live message id wins once it is
// finished and at least as long as the buffer, even when the texts differ.
// Without an id the buffer must be a prefix of the last assistant message.
func (e *Engine) confirmed(history []chat.Message, live livestream.LiveState) bool {
	if !live.HasContent() {
		return true
	}
	if live.LastAssistantMessageID != "" {
		i := chat.IndexOf(history, live.LastAssistantMessageID)
		return i >= 0 && supersedes(history[i], live)
	}
	last, ok := chat.Last(history)
	if !ok || last.Role != chat.RoleAssistant || last.IsStreaming {
		return false
	}
	return containsAll(last.Content, live.Content) && containsAll(last.Thoughts, live.Thoughts)
}

func containsAll(auth, buffered string) bool {
	return buffered == "" || strings.HasPrefix(auth, buffered)
}
