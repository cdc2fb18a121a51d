// Package livestream owns the single inbound event channel from the authority and
// the per-conversation live state derived from it.
package livestream

import "time"

// Phase is the generation state machine of one conversation.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseGeneratingThoughts Phase = "generating_thoughts"
	PhaseGeneratingAnswer   Phase = "generating_answer"
	PhaseIdleAfterComplete  Phase = "idle_after_complete"
)

// Active reports whether p is one of the generating phases.
func (p Phase) Active() bool {
	return p == PhaseGeneratingThoughts || p == PhaseGeneratingAnswer
}

// LiveState is the observable state of one conversation's stream.
//
// Values are immutable snapshots; every mutation publishes a fresh copy with a
// higher Revision.
type LiveState struct {
	ConversationID         string
	Phase                  Phase
	LastAssistantMessageID string
	Content                string
	Thoughts               string
	Revision               uint64

	// Streaming and Error are UI-only flags. A transition to idle clears
	// Streaming; the buffers survive until Reset.
	Streaming bool
	Error     string
	UpdatedAt time.Time
}

// HasContent reports whether any buffered text is present.
func (s LiveState) HasContent() bool {
	return s.Content != "" || s.Thoughts != ""
}

// ConnectionState describes the inbound channel.
type ConnectionState struct {
	Connected bool
	// Failures counts consecutive failed sessions since the last successful dial.
	Failures  int
	Degraded  bool
	LastError string
	Since     time.Time
}
