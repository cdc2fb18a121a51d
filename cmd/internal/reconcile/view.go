// Package reconcile merges cached, authoritative and live data into one view per
// conversation.
package reconcile

import (
	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/merge"
)

// View is the reconciled state of one conversation.
type View struct {
	ConversationID string
	Messages       []chat.Message
	Live           livestream.LiveState
	// Orphaned marks an inert view of a version id whose family is gone.
	Orphaned bool
	// Fallback is set when a switch rebuilt messages from the latest version
	// entries instead of entries recorded for the target.
	Fallback bool
	// Stale marks provisional content: a cache hit awaiting the authority, or a
	// failed fetch or verification.
	Stale     bool
	RequestID uint64
	Err       error
}

// pendingUser is an optimistic user message shown until the authority has it.
type pendingUser struct {
	msg      chat.Message
	serverID string
}

// Reconcile merges live buffer content into authoritative messages.
//
// The message the live state belongs to keeps whichever content is longer
// after merging, so a fetch racing an in-flight stream never regresses visible
// text. Once the stream ended, a finished authoritative copy is taken as is. A
// live message the authority has not persisted yet is appended.
func Reconcile(authoritative []chat.Message, live livestream.LiveState) []chat.Message {
	out := chat.Clone(authoritative)
	if !live.HasContent() && !live.Streaming {
		return out
	}

	idx := -1
	if live.LastAssistantMessageID != "" {
		idx = chat.IndexOf(out, live.LastAssistantMessageID)
	} else if last, ok := chat.Last(out); ok && last.Role == chat.RoleAssistant && last.IsStreaming {
		idx = len(out) - 1
	}

	if idx >= 0 {
		m := &out[idx]
		if !live.Streaming && supersedes(*m, live) {
			return out
		}
		m.Content = merge.Live(m.Content, live.Content)
		m.Thoughts = merge.Live(m.Thoughts, live.Thoughts)
		if live.Streaming {
			m.IsStreaming = true
			m.IsStreamingResponse = live.Phase == livestream.PhaseGeneratingAnswer
		}
		return out
	}

	if !live.HasContent() && live.LastAssistantMessageID == "" {
		// Generation requested, nothing produced yet: no placeholder.
		return out
	}

	id := live.LastAssistantMessageID
	if id == "" {
		id = "pending_" + live.ConversationID
	}
	return append(out, chat.Message{
		ID:                  id,
		Role:                chat.RoleAssistant,
		Content:             live.Content,
		Thoughts:            live.Thoughts,
		CreatedAt:           live.UpdatedAt,
		IsStreaming:         live.Streaming,
		IsStreamingResponse: live.Streaming && live.Phase == livestream.PhaseGeneratingAnswer,
	})
}

// supersedes reports whether the authority's copy m replaces the live buffer:
// the message is finished and holds at least as much text.
func supersedes(m chat.Message, live livestream.LiveState) bool {
	return !m.IsStreaming && len(m.Content) >= len(live.Content) && len(m.Thoughts) >= len(live.Thoughts)
}

// withPending inserts the optimistic user message before the live assistant
// message liveID (or a streaming tail) when the authority does not list it yet.
func withPending(msgs []chat.Message, p *pendingUser, liveID string) []chat.Message {
	if p == nil {
		return msgs
	}
	if p.serverID != "" && chat.IndexOf(msgs, p.serverID) >= 0 {
		return msgs
	}
	if chat.IndexOf(msgs, p.msg.ID) >= 0 {
		return msgs
	}

	at := len(msgs)
	if last, ok := chat.Last(msgs); ok && last.Role == chat.RoleAssistant && (last.IsStreaming || (liveID != "" && last.ID == liveID)) {
		at = len(msgs) - 1
	}
	out := make([]chat.Message, 0, len(msgs)+1)
	out = append(out, msgs[:at]...)
	out = append(out, p.msg)
	return append(out, msgs[at:]...)
}
