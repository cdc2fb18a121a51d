package livestream

import "chatsync/cmd/internal/merge"

// Buffer accumulates the text of one in-flight generation.
//
// A buffer belongs to a single assistant message; a delta for another message id
// starts over. Every append goes through merge.Append so retransmitted prefixes
// are folded instead of duplicated.
type Buffer struct {
	MessageID string
	Content   string
	Thoughts  string
}

// AppendAnswer merges delta into the answer text and reports whether it changed.
func (b *Buffer) AppendAnswer(messageID, delta string) bool {
	rekeyed := b.rekey(messageID)
	next := merge.Append(b.Content, delta)
	changed := rekeyed || next != b.Content
	b.Content = next
	return changed
}

// AppendThoughts merges delta into the reasoning text and reports whether it changed.
func (b *Buffer) AppendThoughts(messageID, delta string) bool {
	rekeyed := b.rekey(messageID)
	next := merge.Append(b.Thoughts, delta)
	changed := rekeyed || next != b.Thoughts
	b.Thoughts = next
	return changed
}

// Empty reports whether nothing has been buffered.
func (b *Buffer) Empty() bool {
	return b.Content == "" && b.Thoughts == ""
}

// Reset drops all buffered text and the message binding.
func (b *Buffer) Reset() {
	*b = Buffer{}
}

// rekey binds the buffer to messageID, clearing it when it belonged to another
// message. An empty id keeps the current binding; an unbound buffer adopts the
// id with its text.
func (b *Buffer) rekey(messageID string) bool {
	if messageID == "" || messageID == b.MessageID {
		return false
	}
	if b.MessageID == "" {
		b.MessageID = messageID
		return true
	}
	*b = Buffer{MessageID: messageID}
	return true
}
