package v1

// Event is the sum type of inbound stream events. The unexported method closes the set.
type Event interface {
	// ConversationID returns the routing key; empty for global events.
	ConversationID() string
	frame() Frame
}

// StateChange reports a generation phase transition.
type StateChange struct {
	ChatID string
	State  string
}

// ThoughtsDelta carries reasoning text; it may restate an overlapping prefix.
type ThoughtsDelta struct {
	ChatID    string
	MessageID string
	Content   string
}

// AnswerDelta carries answer text; it may restate an overlapping prefix.
type AnswerDelta struct {
	ChatID    string
	MessageID string
	Content   string
}

// Complete marks the end of a generation.
type Complete struct {
	ChatID    string
	MessageID string
}

// Error reports a generation failure.
type Error struct {
	ChatID  string
	Message string
}

// FileState is an out-of-band workspace notification unrelated to any conversation.
type FileState struct {
	Path    string
	Status  string
	Content string
}

func (e StateChange) ConversationID() string   { return e.ChatID }
func (e ThoughtsDelta) ConversationID() string { return e.ChatID }
func (e AnswerDelta) ConversationID() string   { return e.ChatID }
func (e Complete) ConversationID() string      { return e.ChatID }
func (e Error) ConversationID() string         { return e.ChatID }
func (e FileState) ConversationID() string     { return "" }

func (e StateChange) frame() Frame {
	return Frame{Type: TypeChatState, ChatID: e.ChatID, State: e.State}
}

func (e ThoughtsDelta) frame() Frame {
	return Frame{Type: TypeThoughts, ChatID: e.ChatID, MessageID: e.MessageID, Content: e.Content}
}

func (e AnswerDelta) frame() Frame {
	return Frame{Type: TypeAnswer, ChatID: e.ChatID, MessageID: e.MessageID, Content: e.Content}
}

func (e Complete) frame() Frame {
	return Frame{Type: TypeComplete, ChatID: e.ChatID, MessageID: e.MessageID}
}

func (e Error) frame() Frame {
	return Frame{Type: TypeError, ChatID: e.ChatID, Content: e.Message}
}

func (e FileState) frame() Frame {
	return Frame{Type: TypeFileState, Path: e.Path, Status: e.Status, Content: e.Content}
}
