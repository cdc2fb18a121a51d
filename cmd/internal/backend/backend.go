// Package backend is the boundary to the authoritative conversation store.
package backend

import (
	"context"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/versions"
)

// GenerationRequest starts or rejoins a generation.
type GenerationRequest struct {
	ConversationID string `json:"conversation_id"`
	// Resume rejoins a generation already running on the authority.
	Resume bool   `json:"resume,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// StreamHandle identifies a generation on the authority.
type StreamHandle struct {
	ID             string `json:"stream_id"`
	ConversationID string `json:"conversation_id"`
	// MessageID is the assistant message being generated, when known.
	MessageID string `json:"message_id,omitempty"`
	// UserMessageID is the message created from the prompt, if any.
	UserMessageID string `json:"user_message_id,omitempty"`
	Resumed       bool   `json:"resumed,omitempty"`
}

// VersionRequest submits an edit, retry or delete.
type VersionRequest struct {
	ConversationID string             `json:"conversation_id"`
	MessageID      string             `json:"message_id"`
	Operation      versions.Operation `json:"operation"`
	Content        string             `json:"content,omitempty"`
}

// VersionResponse is the authority's outcome of a VersionRequest.
type VersionResponse struct {
	VersionChatID   string `json:"version_chat_id"`
	NeedsGeneration bool   `json:"needs_generation"`
	TargetMessageID string `json:"target_message_id"`
}

// Backend is the set of request/response endpoints of the authority.
type Backend interface {
	FetchHistory(ctx context.Context, conversationID string) ([]chat.Message, error)
	FetchState(ctx context.Context, conversationID string) (chat.ServerState, error)
	StartGeneration(ctx context.Context, req GenerationRequest) (StreamHandle, error)
	SubmitVersion(ctx context.Context, req VersionRequest) (VersionResponse, error)
	// SwitchBranch makes conversationID the active branch and returns its
	// pruned message list.
	SwitchBranch(ctx context.Context, conversationID string) ([]chat.Message, error)
	CancelGeneration(ctx context.Context, conversationID string) error
}

type historyResponse struct {
	Messages []chat.Message `json:"messages"`
}

type stateResponse struct {
	State chat.ServerState `json:"state"`
}
