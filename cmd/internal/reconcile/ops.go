package reconcile

import (
	"context"
	"strings"

	"chatsync/cmd/internal/backend"
	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/snapshot"
	"chatsync/cmd/internal/versions"
)

// VersionResult is the outcome of Edit, Retry or Delete.
type VersionResult struct {
	backend.VersionResponse
	View   View
	Stream *backend.StreamHandle
}

// Send posts prompt to conversationID and starts a generation. The prompt is
// shown optimistically until the authority lists it.
func (e *Engine) Send(ctx context.Context, conversationID, prompt string) (backend.StreamHandle, error) {
	const op = "reconcile.Send"
	if conversationID == "" {
		return backend.StreamHandle{}, chaterr.Validation(op, "conversation id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return backend.StreamHandle{}, chaterr.Validation(op, "prompt is empty")
	}

	p := &pendingUser{msg: chat.Message{
		ID:        ids.PendingMessageID(),
		Role:      chat.RoleUser,
		Content:   prompt,
		CreatedAt: e.now(),
	}}
	return e.generate(ctx, conversationID, prompt, p)
}

// Edit rewrites a message. Editing a user message opens a new branch and
// generates an answer for it.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, content string) (VersionResult, error) {
	if strings.TrimSpace(content) == "" {
		return VersionResult{}, chaterr.Validation("reconcile.Edit", "content is empty")
	}
	return e.version(ctx, versions.OpEdit, conversationID, messageID, content)
}

// Retry regenerates the answer at messageID on a new branch.
func (e *Engine) Retry(ctx context.Context, conversationID, messageID string) (VersionResult, error) {
	return e.version(ctx, versions.OpRetry, conversationID, messageID, "")
}

// Delete truncates conversationID before messageID.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) (VersionResult, error) {
	return e.version(ctx, versions.OpDelete, conversationID, messageID, "")
}

func (e *Engine) version(ctx context.Context, operation versions.Operation, conversationID, messageID, content string) (VersionResult, error) {
	op := "reconcile." + string(operation)
	if conversationID == "" || messageID == "" {
		return VersionResult{}, chaterr.Validation(op, "conversation and message ids are required")
	}
	if e.coord.IsDisabled(conversationID) {
		return VersionResult{}, chaterr.OpError{Op: op, Kind: chaterr.ErrBusy, Msg: e.coord.Status(conversationID).Source}
	}

	resp, err := e.backend.SubmitVersion(ctx, backend.VersionRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
		Operation:      operation,
		Content:        content,
	})
	if err != nil {
		return VersionResult{}, err
	}

	target := resp.VersionChatID
	if target == "" {
		target = conversationID
	}
	msgs := e.mirror(operation, conversationID, messageID, content, target)
	if msgs == nil {
		if msgs, err = e.backend.FetchHistory(ctx, target); err != nil {
			return VersionResult{}, err
		}
		e.tree.Load(target, msgs)
	}
	e.storeAuth(target, msgs)
	e.setActive(target)

	e.cache.Put(target, msgs, snapshot.StatusClean)

	out := VersionResult{VersionResponse: resp}
	if resp.NeedsGeneration {
		h, err := e.generate(ctx, target, "", nil)
		if err != nil {
			return VersionResult{}, err
		}
		out.Stream = &h
	}

	out.View, _ = e.currentView(target)
	e.publish(out.View)
	e.log.Info("reconcile.version", "op", operation, "conversation_id", conversationID, "message_id", messageID, "version_id", resp.VersionChatID, "needs_generation", resp.NeedsGeneration)
	return out, nil
}

// mirror applies operation to the local tree and records the result under
// target. It returns nil when the tree does not know the conversation.
func (e *Engine) mirror(operation versions.Operation, conversationID, messageID, content, target string) []chat.Message {
	var (
		res versions.Result
		err error
	)
	switch operation {
	case versions.OpEdit:
		res, err = e.tree.Edit(conversationID, messageID, content)
	case versions.OpRetry:
		res, err = e.tree.Retry(conversationID, messageID)
	case versions.OpDelete:
		res, err = e.tree.Delete(conversationID, messageID)
	}
	if err != nil {
		e.log.Debug("reconcile.mirror.skipped", "conversation_id", conversationID, "message_id", messageID, "err", err)
		e.tree.Observe(target)
		return nil
	}

	local := res.VersionChatID
	if local == "" {
		local = conversationID
	}
	if local != target {
		e.tree.Observe(target)
		e.tree.Load(target, res.Messages)
	}
	return res.Messages
}

// generate acquires the send lock for conversationID, marks the stream live and
// asks the authority to generate. A nil p sends no prompt.
func (e *Engine) generate(ctx context.Context, conversationID, prompt string, p *pendingUser) (backend.StreamHandle, error) {
	if err := e.coord.Acquire(conversationID); err != nil {
		return backend.StreamHandle{}, err
	}

	if p != nil {
		e.mu.Lock()
		e.pending[conversationID] = p
		e.mu.Unlock()
	}
	e.mux.Begin(conversationID, "")
	e.cache.SetStatus(conversationID, snapshot.StatusStreaming)
	e.publishCurrent(conversationID)

	h, err := e.backend.StartGeneration(ctx, backend.GenerationRequest{ConversationID: conversationID, Prompt: prompt})
	if err != nil {
		e.coord.Release(conversationID)
		e.clearPending(conversationID)
		e.mux.Reset(conversationID)
		e.cache.SetStatus(conversationID, snapshot.StatusDirty)
		if v, ok := e.currentView(conversationID); ok {
			v.Err = err
			e.publish(v)
		}
		e.log.Warn("reconcile.generate.failed", "conversation_id", conversationID, "err", err)
		return backend.StreamHandle{}, err
	}

	if p != nil && h.UserMessageID != "" {
		e.mu.Lock()
		if cur := e.pending[conversationID]; cur == p {
			cur.serverID = h.UserMessageID
		}
		e.mu.Unlock()
	}
	e.mux.Bind(conversationID, h.MessageID)
	e.metrics.GenerationStarted()
	e.log.Info("reconcile.generate", "conversation_id", conversationID, "stream_id", h.ID, "message_id", h.MessageID)
	e.ensureWatch(conversationID)
	return h, nil
}

func (e *Engine) publishCurrent(conversationID string) {
	if v, ok := e.currentView(conversationID); ok {
		e.publish(v)
		return
	}
	e.publish(e.compose(conversationID, nil, View{Stale: true}))
}
