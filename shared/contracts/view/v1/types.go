// Package v1 defines the local view protocol pushed to UI clients over WebSocket.
//
// The contract is shared between the daemon and its clients and stays free of
// internal imports.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must offer.
const Subprotocol = "chatsync.view.v1"

// Type constants (wire-stable).
const (
	// TypeViewSubscribe starts receiving updates for a conversation (client -> server).
	TypeViewSubscribe = "view_subscribe"
	// TypeViewUnsubscribe stops receiving updates for a conversation (client -> server).
	TypeViewUnsubscribe = "view_unsubscribe"

	// TypeViewUpdate carries a reconciled message list (server -> client).
	TypeViewUpdate = "view_update"
	// TypeLiveState carries the live buffers of a conversation (server -> client).
	TypeLiveState = "live_state"
	// TypeSendState carries the send-disabled status of a conversation (server -> client).
	TypeSendState = "send_state"
	// TypeFileState carries a global file-state notification (server -> client).
	TypeFileState = "file_state"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}

	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeViewSubscribe, TypeViewUnsubscribe:
		if strings.TrimSpace(e.ConvID) == "" {
			return errors.New("missing field: conv_id")
		}
		return nil
	case TypeViewUpdate, TypeLiveState, TypeSendState, TypeFileState, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds a server envelope with payload p marshaled.
func New(typ, convID string, p any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ConvID: convID, TS: time.Now().UTC()}
	if p == nil {
		return env, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// ---- Payloads ----

// Message is the wire form of a chat message.
type Message struct {
	ID                  string    `json:"id"`
	Role                string    `json:"role"`
	Content             string    `json:"content"`
	Thoughts            string    `json:"thoughts,omitempty"`
	Provider            string    `json:"provider,omitempty"`
	Model               string    `json:"model,omitempty"`
	CreatedAt           time.Time `json:"created_at,omitempty"`
	IsStreaming         bool      `json:"is_streaming,omitempty"`
	IsStreamingResponse bool      `json:"is_streaming_response,omitempty"`
}

// ViewUpdatePayload is the reconciled view of one conversation.
type ViewUpdatePayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Orphaned       bool      `json:"orphaned,omitempty"`
	Fallback       bool      `json:"fallback,omitempty"`
	Stale          bool      `json:"stale,omitempty"`
	RequestID      uint64    `json:"request_id"`
	Error          string    `json:"error,omitempty"`
}

// LiveStatePayload mirrors the live buffers of a conversation.
type LiveStatePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Phase          string `json:"phase"`
	Thoughts       string `json:"thoughts"`
	Answer         string `json:"answer"`
	Streaming      bool   `json:"streaming"`
	Error          string `json:"error,omitempty"`
	Revision       uint64 `json:"revision"`
}

// SendStatePayload reports whether sending is disabled for a conversation.
type SendStatePayload struct {
	ConversationID string `json:"conversation_id"`
	Disabled       bool   `json:"disabled"`
	Source         string `json:"source,omitempty"`
}

// FileStatePayload is a global file-state notification.
type FileStatePayload struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	Content string `json:"content,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
