// Package v1 defines the inbound live-stream event contract.
//
// The authority sends one JSON object per line. Each line is decoded exactly once,
// at the multiplexer boundary, into one of the Event variants below; nothing past
// that boundary handles loosely typed payloads.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire type constants (wire-stable).
const (
	TypeChatState = "chat_state"
	TypeThoughts  = "thoughts"
	TypeAnswer    = "answer"
	TypeComplete  = "complete"
	TypeError     = "error"
	TypeFileState = "file_state"
)

// Wire generation states carried by chat_state.
const (
	StateThinking   = "thinking"
	StateResponding = "responding"
	StateStatic     = "static"
)

// Frame is the raw wire object. It only exists at the decoding boundary.
type Frame struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	State     string `json:"state,omitempty"`
	Path      string `json:"path,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Validate performs strict structural validation for a Frame.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.Type) == "" {
		return errors.New("missing field: type")
	}

	switch f.Type {
	case TypeFileState:
		return nil
	case TypeChatState:
		switch f.State {
		case StateThinking, StateResponding, StateStatic:
		default:
			return fmt.Errorf("unknown state: %q", f.State)
		}
	case TypeThoughts, TypeAnswer, TypeComplete, TypeError:
	default:
		return fmt.Errorf("unknown type: %q", f.Type)
	}

	if strings.TrimSpace(f.ChatID) == "" {
		return errors.New("missing field: chat_id")
	}
	return nil
}

// Decode parses one wire line into its Event variant.
func Decode(line []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f.Event()
}

// Event converts a validated frame into its variant.
func (f Frame) Event() (Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	switch f.Type {
	case TypeChatState:
		return StateChange{ChatID: f.ChatID, State: f.State}, nil
	case TypeThoughts:
		return ThoughtsDelta{ChatID: f.ChatID, MessageID: f.MessageID, Content: f.Content}, nil
	case TypeAnswer:
		return AnswerDelta{ChatID: f.ChatID, MessageID: f.MessageID, Content: f.Content}, nil
	case TypeComplete:
		return Complete{ChatID: f.ChatID, MessageID: f.MessageID}, nil
	case TypeError:
		return Error{ChatID: f.ChatID, Message: f.Content}, nil
	default:
		return FileState{Path: f.Path, Status: f.Status, Content: f.Content}, nil
	}
}

// Encode renders an event back into one wire line (no trailing newline).
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	return json.Marshal(ev.frame())
}
