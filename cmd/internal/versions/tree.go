package versions

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
)

type family struct {
	// counter is the highest version number handed out; the root counts as 1.
	counter  int
	branches map[string][]chat.Message
}

// Tree tracks branch families keyed by base conversation id.
type Tree struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	families map[string]*family
	entries  map[string][]Entry
}

// NewTree constructs an empty Tree. now may be nil.
func NewTree(log *slog.Logger, now func() time.Time) *Tree {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Tree{
		log:      log,
		now:      now,
		families: make(map[string]*family),
		entries:  make(map[string][]Entry),
	}
}

// Load records msgs as the authoritative history of conversationID.
func (t *Tree) Load(conversationID string, msgs []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.familyLocked(chat.BaseID(conversationID))
	observeLocked(f, conversationID)
	f.branches[conversationID] = chat.Clone(msgs)
}

// Observe raises the family counter past a version id learned elsewhere so local
// derivation never reuses it.
func (t *Tree) Observe(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	observeLocked(t.familyLocked(chat.BaseID(conversationID)), conversationID)
}

// Counter returns the current counter of the family of conversationID (0 when
// the family is unknown).
func (t *Tree) Counter(conversationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.families[chat.BaseID(conversationID)]
	if !ok {
		return 0
	}
	return f.counter
}

// Branch returns the recorded history of conversationID.
func (t *Tree) Branch(conversationID string) ([]chat.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.families[chat.BaseID(conversationID)]
	if !ok {
		return nil, false
	}
	msgs, ok := f.branches[conversationID]
	return chat.Clone(msgs), ok
}

// Entries returns the version history of messageID, oldest first.
func (t *Tree) Entries(messageID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	es := t.entries[messageID]
	out := make([]Entry, len(es))
	copy(out, es)
	return out
}

// Edit replaces the content of messageID.
//
// Editing a user message opens a new branch that ends at the edited message and
// needs a fresh answer. Editing an assistant message rewrites it in place; the
// conversation id does not change.
func (t *Tree) Edit(conversationID, messageID, content string) (Result, error) {
	const op = "versions.Edit"
	if strings.TrimSpace(content) == "" {
		return Result{}, chaterr.Validation(op, "content is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, history, idx, err := t.locateLocked(op, conversationID, messageID)
	if err != nil {
		return Result{}, err
	}
	base := chat.BaseID(conversationID)
	msg := history[idx]

	if msg.Role == chat.RoleAssistant {
		branch := chat.Clone(history)
		branch[idx].Content = content
		f.branches[conversationID] = branch
		t.appendEntryLocked(base, msg, Entry{ConversationVersionID: conversationID, Operation: OpEdit, Content: content})

		t.log.Debug("versions.edit", "conversation_id", conversationID, "message_id", messageID, "role", msg.Role)
		return Result{
			VersionChatID:   conversationID,
			NeedsGeneration: false,
			TargetMessageID: messageID,
			Messages:        chat.Clone(branch),
		}, nil
	}

	f.counter++
	vid := chat.VersionID(base, f.counter)
	branch := chat.Clone(history[:idx+1])
	branch[idx].Content = content
	f.branches[vid] = branch
	t.appendEntryLocked(base, msg, Entry{ConversationVersionID: vid, Operation: OpEdit, Content: content})

	t.log.Debug("versions.edit", "conversation_id", conversationID, "message_id", messageID, "role", msg.Role, "version_id", vid)
	return Result{
		VersionChatID:   vid,
		NeedsGeneration: true,
		TargetMessageID: messageID,
		Messages:        chat.Clone(branch),
	}, nil
}

// Retry opens a new branch that regenerates the answer at messageID.
//
// Retrying a user message keeps it as the last message. Retrying an assistant
// message drops it and versions its parent user message as well.
func (t *Tree) Retry(conversationID, messageID string) (Result, error) {
	const op = "versions.Retry"

	t.mu.Lock()
	defer t.mu.Unlock()

	f, history, idx, err := t.locateLocked(op, conversationID, messageID)
	if err != nil {
		return Result{}, err
	}
	base := chat.BaseID(conversationID)
	msg := history[idx]

	f.counter++
	vid := chat.VersionID(base, f.counter)

	var branch []chat.Message
	target := messageID
	if msg.Role == chat.RoleAssistant {
		branch = chat.Clone(history[:idx])
		if p := parentUser(history, idx); p >= 0 {
			parent := history[p]
			t.appendEntryLocked(base, parent, Entry{ConversationVersionID: vid, Operation: OpRetry, Content: parent.Content})
			target = parent.ID
		}
		t.appendEntryLocked(base, msg, Entry{ConversationVersionID: vid, Operation: OpRetry, Content: msg.Content})
	} else {
		branch = chat.Clone(history[:idx+1])
		t.appendEntryLocked(base, msg, Entry{ConversationVersionID: vid, Operation: OpRetry, Content: msg.Content})
	}
	f.branches[vid] = branch

	t.log.Debug("versions.retry", "conversation_id", conversationID, "message_id", messageID, "role", msg.Role, "version_id", vid)
	return Result{
		VersionChatID:   vid,
		NeedsGeneration: true,
		TargetMessageID: target,
		Messages:        chat.Clone(branch),
	}, nil
}

// Delete truncates conversationID before messageID. No branch is created.
func (t *Tree) Delete(conversationID, messageID string) (Result, error) {
	const op = "versions.Delete"

	t.mu.Lock()
	defer t.mu.Unlock()

	f, history, idx, err := t.locateLocked(op, conversationID, messageID)
	if err != nil {
		return Result{}, err
	}
	msg := history[idx]

	branch := chat.Clone(history[:idx])
	f.branches[conversationID] = branch
	t.appendEntryLocked(chat.BaseID(conversationID), msg, Entry{ConversationVersionID: conversationID, Operation: OpDelete, Content: msg.Content})

	t.log.Debug("versions.delete", "conversation_id", conversationID, "message_id", messageID, "remaining", len(branch))
	return Result{TargetMessageID: messageID, Messages: chat.Clone(branch)}, nil
}

// Reconstruct rebuilds the message list of target.
//
// A branch recorded by this tree is returned as is. Otherwise the base history is
// walked and, for every message with entries, the entry recorded for target is
// overlaid; when none exists the most recent entry is used and Fallback is set.
// The walk stops where target diverged from the base.
func (t *Tree) Reconstruct(target string) (Reconstruction, error) {
	const op = "versions.Reconstruct"

	t.mu.RLock()
	defer t.mu.RUnlock()

	base := chat.BaseID(target)
	f, ok := t.families[base]
	if !ok {
		return Reconstruction{}, chaterr.Orphaned(op, target)
	}
	if msgs, ok := f.branches[target]; ok {
		return Reconstruction{ConversationID: target, Messages: chat.Clone(msgs)}, nil
	}
	history, ok := f.branches[base]
	if !ok {
		return Reconstruction{}, chaterr.Orphaned(op, target)
	}

	out := Reconstruction{ConversationID: target, Messages: make([]chat.Message, 0, len(history))}
	for _, m := range history {
		es := t.entries[m.ID]
		if len(es) == 0 {
			out.Messages = append(out.Messages, m)
			continue
		}

		e, exact := pick(es, target)
		if !exact {
			out.Fallback = true
		}
		if exact && e.Operation == OpDelete {
			break
		}
		if exact && e.Operation == OpRetry && m.Role == chat.RoleAssistant {
			break
		}

		m.Content = e.Content
		out.Messages = append(out.Messages, m)

		if exact && (e.Operation == OpRetry || (e.Operation == OpEdit && m.Role == chat.RoleUser)) {
			break
		}
	}

	if out.Fallback {
		t.log.Info("versions.reconstruct.fallback", "conversation_id", target)
	}
	return out, nil
}

// Forget drops a whole family. Switching to any of its ids afterwards fails with
// an orphaned-version error.
func (t *Tree) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := chat.BaseID(conversationID)
	f, ok := t.families[base]
	if !ok {
		return
	}
	for _, msgs := range f.branches {
		for _, m := range msgs {
			delete(t.entries, m.ID)
		}
	}
	delete(t.families, base)
}

func (t *Tree) familyLocked(base string) *family {
	f, ok := t.families[base]
	if !ok {
		f = &family{counter: 1, branches: make(map[string][]chat.Message)}
		t.families[base] = f
	}
	return f
}

func (t *Tree) locateLocked(op, conversationID, messageID string) (*family, []chat.Message, int, error) {
	f, ok := t.families[chat.BaseID(conversationID)]
	if !ok {
		return nil, nil, -1, chaterr.NotFound(op, "conversation "+conversationID)
	}
	history, ok := f.branches[conversationID]
	if !ok {
		return nil, nil, -1, chaterr.NotFound(op, "conversation "+conversationID)
	}
	idx := chat.IndexOf(history, messageID)
	if idx < 0 {
		return nil, nil, -1, chaterr.NotFound(op, "message "+messageID)
	}
	return f, history, idx, nil
}

// appendEntryLocked records e for msg, synthesizing the original entry first.
func (t *Tree) appendEntryLocked(base string, msg chat.Message, e Entry) {
	es := t.entries[msg.ID]
	if len(es) == 0 {
		created := msg.CreatedAt
		if created.IsZero() {
			created = t.now()
		}
		es = append(es, Entry{
			VersionNumber:         1,
			ConversationVersionID: base,
			Operation:             OpOriginal,
			CreatedAt:             created,
			Content:               msg.Content,
		})
	}
	e.VersionNumber = es[len(es)-1].VersionNumber + 1
	e.CreatedAt = t.now()
	t.entries[msg.ID] = append(es, e)
}

func observeLocked(f *family, conversationID string) {
	if _, n, ok := chat.ParseVersion(conversationID); ok && n > f.counter {
		f.counter = n
	}
}

// pick returns the latest entry recorded for target, or the latest entry overall.
func pick(es []Entry, target string) (Entry, bool) {
	for i := len(es) - 1; i >= 0; i-- {
		if es[i].ConversationVersionID == target {
			return es[i], true
		}
	}
	return es[len(es)-1], false
}

func parentUser(history []chat.Message, idx int) int {
	for i := idx - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			return i
		}
	}
	return -1
}
