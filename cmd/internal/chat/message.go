// Package chat holds the message model shared by every reconciliation component.
package chat

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one entry of a conversation branch.
//
// Content only changes through versioning operations or live deltas for the
// message currently being generated.
type Message struct {
	ID                  string    `json:"id"`
	Role                Role      `json:"role"`
	Content             string    `json:"content"`
	Thoughts            string    `json:"thoughts,omitempty"`
	Provider            string    `json:"provider,omitempty"`
	Model               string    `json:"model,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	IsStreaming         bool      `json:"is_streaming"`
	IsStreamingResponse bool      `json:"is_streaming_response"`
}

// ServerState is the generation state reported by the authority.
type ServerState string

const (
	ServerStateStatic     ServerState = "static"
	ServerStateThinking   ServerState = "thinking"
	ServerStateResponding ServerState = "responding"
)

// Generating reports whether the authority is still producing output.
func (s ServerState) Generating() bool {
	return s == ServerStateThinking || s == ServerStateResponding
}

// Clone returns a deep copy of msgs (nil stays nil).
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// IndexOf returns the position of the message with id, or -1.
func IndexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Last returns the final message and true, or the zero value when msgs is empty.
func Last(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}
