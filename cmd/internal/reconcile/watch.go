package reconcile

import (
	"context"
	"errors"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/snapshot"
)

// ensureWatch starts the completion watcher of conversationID unless one runs.
func (e *Engine) ensureWatch(conversationID string) {
	e.mu.Lock()
	if e.watchers[conversationID] || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.watchers[conversationID] = true
	e.wg.Add(1)
	e.mu.Unlock()

	sub := e.mux.Subscribe(conversationID)
	go func() {
		defer e.wg.Done()
		st, done := e.watch(conversationID, sub.C())
		sub.Close()

		e.mu.Lock()
		delete(e.watchers, conversationID)
		e.mu.Unlock()

		if done {
			e.verify(conversationID, st)
		}
	}()
}

// watch republishes the merged view on every live change until the stream
// goes idle. Callers start it right after the stream was marked live, so the
// first idle state ends the generation.
func (e *Engine) watch(conversationID string, states <-chan livestream.LiveState) (livestream.LiveState, bool) {
	for {
		select {
		case <-e.ctx.Done():
			return livestream.LiveState{}, false
		case st := <-states:
			if msgs, ok := e.authOf(conversationID); ok {
				e.publish(e.compose(conversationID, msgs, View{}))
			} else {
				e.publishCurrent(conversationID)
			}
			if !st.Streaming {
				return st, true
			}
		}
	}
}

// verify fetches the authoritative history until it holds the finished
// message or the timeout passes. Success resets the live buffer; failure keeps
// it visible and marks the cache dirty. The send lock is released either way.
func (e *Engine) verify(conversationID string, live livestream.LiveState) {
	const op = "reconcile.verify"
	defer e.metrics.GenerationFinished()
	defer e.coord.Release(conversationID)

	ctx, cancel := context.WithTimeout(e.ctx, e.verifyTimeout)
	defer cancel()

	var (
		history []chat.Message
		lastErr error
	)
	for {
		msgs, err := e.backend.FetchHistory(ctx, conversationID)
		if err == nil && e.confirmed(msgs, live) {
			history = msgs
			break
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			e.unverified(op, conversationID, ctx.Err(), lastErr)
			return
		case <-time.After(e.verifyInterval):
		}
	}

	e.tree.Load(conversationID, history)
	e.storeAuth(conversationID, history)
	e.cache.Put(conversationID, history, snapshot.StatusClean)
	e.mux.Reset(conversationID)
	e.clearPending(conversationID)
	e.metrics.Verification("ok")
	e.log.Debug("reconcile.verified", "conversation_id", conversationID, "messages", len(history))

	e.publish(e.compose(conversationID, history, View{}))
}

func (e *Engine) unverified(op, conversationID string, ctxErr, lastErr error) {
	if errors.Is(ctxErr, context.Canceled) {
		// Engine shutdown.
		return
	}

	err := chaterr.OpError{Op: op, Kind: chaterr.ErrVerificationTimeout, Msg: conversationID, Err: lastErr}
	e.cache.SetStatus(conversationID, snapshot.StatusDirty)
	e.metrics.Verification("timeout")
	e.log.Warn("reconcile.verify.timeout", "conversation_id", conversationID, "timeout", e.verifyTimeout, "err", lastErr)

	msgs, ok := e.authOf(conversationID)
	if !ok {
		if entry, found := e.cache.Peek(conversationID); found {
			msgs = entry.Messages
		}
	}
	e.publish(e.compose(conversationID, msgs, View{Stale: true, Err: err}))
}
