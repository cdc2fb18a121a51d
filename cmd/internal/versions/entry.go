// Package versions models conversation branches created by edit, retry and delete.
//
// The Tree is the only writer of version counters and branch histories.
package versions

import (
	"time"

	"chatsync/cmd/internal/chat"
)

// Operation names the versioning operation that produced an Entry.
type Operation string

const (
	OpOriginal Operation = "original"
	OpEdit     Operation = "edit"
	OpRetry    Operation = "retry"
	OpDelete   Operation = "delete"
)

// Entry is one immutable version record attached to a message id.
type Entry struct {
	VersionNumber         int       `json:"version_number"`
	ConversationVersionID string    `json:"conversation_version_id"`
	Operation             Operation `json:"operation"`
	CreatedAt             time.Time `json:"created_at"`
	Content               string    `json:"content"`
}

// Result is returned by Edit, Retry and Delete.
type Result struct {
	// VersionChatID is the conversation to continue in. Empty after Delete.
	VersionChatID   string
	NeedsGeneration bool
	TargetMessageID string
	// Messages is the resulting history of VersionChatID (or of the truncated
	// conversation after Delete).
	Messages []chat.Message
}

// Reconstruction is the message list rebuilt for a switch target.
type Reconstruction struct {
	ConversationID string
	Messages       []chat.Message
	// Fallback is set when at least one message had no entry for the target and
	// the most recent entry was used instead.
	Fallback bool
}
