package backend

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/versions"
	v1 "chatsync/shared/contracts/stream/v1"
)

const listenerQueue = 1024

// Generator produces the reasoning and answer for the last user message of history.
type Generator func(ctx context.Context, history []chat.Message) (thoughts, answer string, err error)

// EchoGenerator answers by quoting the last user message.
func EchoGenerator(_ context.Context, history []chat.Message) (string, string, error) {
	prompt := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			prompt = history[i].Content
			break
		}
	}
	return "Considering: " + prompt, "You said: " + prompt, nil
}

// MemoryOptions configures Memory.
type MemoryOptions struct {
	Generator Generator
	// ChunkSize is the number of runes per delta.
	ChunkSize int
	// Delay separates consecutive deltas.
	Delay time.Duration
	// Retransmit makes every delta restate the previous chunk, the way some
	// authorities resend an overlapping prefix. Chunks shorter than
	// merge.MinOverlap bytes are not recognised as restated.
	Retransmit bool
	Provider   string
	Model      string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Memory is an in-process authority. It implements Backend and serves its own
// event stream through Dial, so it also satisfies livestream.Transport.
type Memory struct {
	opts MemoryOptions
	log  *slog.Logger
	tree *versions.Tree

	mu        sync.Mutex
	convs     map[string]*memConv
	listeners map[uint64]chan []byte
	nextID    uint64
	wg        sync.WaitGroup
}

type memConv struct {
	messages []chat.Message
	state    chat.ServerState
	gen      *generation
}

type generation struct {
	handle StreamHandle
	cancel context.CancelFunc
}

var _ Backend = (*Memory)(nil)
var _ livestream.Transport = (*Memory)(nil)

// NewMemory constructs an empty Memory authority.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Generator == nil {
		opts.Generator = EchoGenerator
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		opts:      opts,
		log:       opts.Logger,
		tree:      versions.NewTree(opts.Logger, opts.Now),
		convs:     make(map[string]*memConv),
		listeners: make(map[uint64]chan []byte),
	}
}

// Seed stores msgs as the history of conversationID.
func (m *Memory) Seed(conversationID string, msgs []chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conversationID] = &memConv{messages: chat.Clone(msgs), state: chat.ServerStateStatic}
	m.tree.Load(conversationID, msgs)
}

// FetchHistory implements Backend. A message being generated is included with
// its content so far.
func (m *Memory) FetchHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, chaterr.Transport("backend.FetchHistory", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil, chaterr.NotFound("backend.FetchHistory", "conversation "+conversationID)
	}
	return chat.Clone(c.messages), nil
}

// FetchState implements Backend.
func (m *Memory) FetchState(ctx context.Context, conversationID string) (chat.ServerState, error) {
	if err := ctx.Err(); err != nil {
		return "", chaterr.Transport("backend.FetchState", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return "", chaterr.NotFound("backend.FetchState", "conversation "+conversationID)
	}
	return c.state, nil
}

// StartGeneration implements Backend. A new conversation is created on first use.
func (m *Memory) StartGeneration(ctx context.Context, req GenerationRequest) (StreamHandle, error) {
	const op = "backend.StartGeneration"
	if err := ctx.Err(); err != nil {
		return StreamHandle{}, chaterr.Transport(op, err)
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return StreamHandle{}, chaterr.Validation(op, "conversation_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[req.ConversationID]
	if req.Resume {
		if !ok || c.gen == nil {
			return StreamHandle{}, chaterr.NotFound(op, "generation for "+req.ConversationID)
		}
		h := c.gen.handle
		h.Resumed = true
		return h, nil
	}
	if ok && c.gen != nil {
		return StreamHandle{}, chaterr.OpError{Op: op, Kind: chaterr.ErrBusy, Msg: "generation already running"}
	}
	if !ok {
		c = &memConv{state: chat.ServerStateStatic}
		m.convs[req.ConversationID] = c
	}

	now := m.opts.Now()
	h := StreamHandle{ID: uuid.NewString(), ConversationID: req.ConversationID}
	if strings.TrimSpace(req.Prompt) != "" {
		h.UserMessageID = ids.MustULID()
		c.messages = append(c.messages, chat.Message{
			ID:        h.UserMessageID,
			Role:      chat.RoleUser,
			Content:   req.Prompt,
			CreatedAt: now,
		})
	}
	if last, ok := chat.Last(c.messages); !ok || last.Role != chat.RoleUser {
		return StreamHandle{}, chaterr.Validation(op, "nothing to answer")
	}

	h.MessageID = ids.MustULID()
	history := chat.Clone(c.messages)
	c.messages = append(c.messages, chat.Message{
		ID:                  h.MessageID,
		Role:                chat.RoleAssistant,
		Provider:            m.opts.Provider,
		Model:               m.opts.Model,
		CreatedAt:           now,
		IsStreaming:         true,
		IsStreamingResponse: true,
	})
	c.state = chat.ServerStateThinking

	genCtx, cancel := context.WithCancel(context.Background())
	c.gen = &generation{handle: h, cancel: cancel}

	m.wg.Add(1)
	go m.generate(genCtx, h, history)

	m.log.Debug("backend.memory.generate", "conversation_id", h.ConversationID, "message_id", h.MessageID, "stream_id", h.ID)
	return h, nil
}

func (m *Memory) generate(ctx context.Context, h StreamHandle, history []chat.Message) {
	defer m.wg.Done()

	conv := h.ConversationID
	m.emit(v1.StateChange{ChatID: conv, State: v1.StateThinking})

	thoughts, answer, err := m.opts.Generator(ctx, history)
	if err != nil {
		m.finish(h, err)
		return
	}

	if !m.stream(ctx, h, thoughts, func(delta string) v1.Event {
		return v1.ThoughtsDelta{ChatID: conv, MessageID: h.MessageID, Content: delta}
	}, func(msg *chat.Message, chunk string) { msg.Thoughts += chunk }) {
		m.finish(h, nil)
		return
	}

	m.setState(conv, chat.ServerStateResponding)
	m.emit(v1.StateChange{ChatID: conv, State: v1.StateResponding})

	m.stream(ctx, h, answer, func(delta string) v1.Event {
		return v1.AnswerDelta{ChatID: conv, MessageID: h.MessageID, Content: delta}
	}, func(msg *chat.Message, chunk string) { msg.Content += chunk })

	m.finish(h, nil)
}

// stream emits text in chunks and applies each chunk to the stored message. It
// reports false when ctx ended first.
func (m *Memory) stream(ctx context.Context, h StreamHandle, text string, event func(string) v1.Event, apply func(*chat.Message, string)) bool {
	prev := ""
	for _, chunk := range chunks(text, m.opts.ChunkSize) {
		if m.opts.Delay > 0 {
			timer := time.NewTimer(m.opts.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return false
		}

		m.mu.Lock()
		if c, ok := m.convs[h.ConversationID]; ok {
			if i := chat.IndexOf(c.messages, h.MessageID); i >= 0 {
				apply(&c.messages[i], chunk)
			}
		}
		m.mu.Unlock()

		delta := chunk
		if m.opts.Retransmit {
			delta = prev + chunk
		}
		m.emit(event(delta))
		prev = chunk
	}
	return true
}

func (m *Memory) finish(h StreamHandle, genErr error) {
	conv := h.ConversationID

	m.mu.Lock()
	if c, ok := m.convs[conv]; ok {
		if i := chat.IndexOf(c.messages, h.MessageID); i >= 0 {
			c.messages[i].IsStreaming = false
			c.messages[i].IsStreamingResponse = false
		}
		c.state = chat.ServerStateStatic
		if c.gen != nil && c.gen.handle.ID == h.ID {
			c.gen.cancel()
			c.gen = nil
		}
		m.tree.Load(conv, c.messages)
	}
	m.mu.Unlock()

	if genErr != nil {
		m.log.Info("backend.memory.generate.fail", "conversation_id", conv, "err", genErr)
		m.emit(v1.Error{ChatID: conv, Message: genErr.Error()})
	} else {
		m.emit(v1.Complete{ChatID: conv, MessageID: h.MessageID})
	}
	m.emit(v1.StateChange{ChatID: conv, State: v1.StateStatic})
}

func (m *Memory) setState(conversationID string, s chat.ServerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conversationID]; ok {
		c.state = s
	}
}

// SubmitVersion implements Backend.
func (m *Memory) SubmitVersion(ctx context.Context, req VersionRequest) (VersionResponse, error) {
	const op = "backend.SubmitVersion"
	if err := ctx.Err(); err != nil {
		return VersionResponse{}, chaterr.Transport(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[req.ConversationID]
	if !ok {
		return VersionResponse{}, chaterr.NotFound(op, "conversation "+req.ConversationID)
	}
	if c.gen != nil {
		return VersionResponse{}, chaterr.OpError{Op: op, Kind: chaterr.ErrBusy, Msg: "generation running"}
	}

	var (
		res versions.Result
		err error
	)
	switch req.Operation {
	case versions.OpEdit:
		res, err = m.tree.Edit(req.ConversationID, req.MessageID, req.Content)
	case versions.OpRetry:
		res, err = m.tree.Retry(req.ConversationID, req.MessageID)
	case versions.OpDelete:
		res, err = m.tree.Delete(req.ConversationID, req.MessageID)
	default:
		return VersionResponse{}, chaterr.Validation(op, "unknown operation "+string(req.Operation))
	}
	if err != nil {
		return VersionResponse{}, err
	}

	target := res.VersionChatID
	if target == "" {
		target = req.ConversationID
	}
	if nc, ok := m.convs[target]; ok {
		nc.messages = res.Messages
	} else {
		m.convs[target] = &memConv{messages: res.Messages, state: chat.ServerStateStatic}
	}

	return VersionResponse{
		VersionChatID:   res.VersionChatID,
		NeedsGeneration: res.NeedsGeneration,
		TargetMessageID: res.TargetMessageID,
	}, nil
}

// SwitchBranch implements Backend.
func (m *Memory) SwitchBranch(ctx context.Context, conversationID string) ([]chat.Message, error) {
	const op = "backend.SwitchBranch"
	if err := ctx.Err(); err != nil {
		return nil, chaterr.Transport(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.convs[conversationID]; ok {
		return chat.Clone(c.messages), nil
	}
	rec, err := m.tree.Reconstruct(conversationID)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// CancelGeneration implements Backend. Cancelling an idle conversation is a no-op.
func (m *Memory) CancelGeneration(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conversationID]; ok && c.gen != nil {
		c.gen.cancel()
	}
	return nil
}

// Delete removes a conversation family, orphaning its version ids.
func (m *Memory) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := chat.BaseID(conversationID)
	for id, c := range m.convs {
		if chat.BaseID(id) != base {
			continue
		}
		if c.gen != nil {
			c.gen.cancel()
		}
		delete(m.convs, id)
	}
	m.tree.Forget(base)
}

// Close cancels every running generation and waits for them to end.
func (m *Memory) Close() {
	m.mu.Lock()
	for _, c := range m.convs {
		if c.gen != nil {
			c.gen.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Dial implements livestream.Transport. Every reader receives all events emitted
// after it was dialed.
func (m *Memory) Dial(ctx context.Context) (livestream.EventReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ch := make(chan []byte, listenerQueue)
	m.listeners[m.nextID] = ch
	return &memReader{m: m, id: m.nextID, ch: ch, done: make(chan struct{})}, nil
}

func (m *Memory) emit(ev v1.Event) {
	line, err := v1.Encode(ev)
	if err != nil {
		m.log.Error("backend.memory.encode.fail", "err", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.listeners {
		select {
		case ch <- line:
		default:
			m.log.Warn("backend.memory.listener.overflow", "listener", id)
		}
	}
}

type memReader struct {
	m    *Memory
	id   uint64
	ch   chan []byte
	done chan struct{}
}

func (r *memReader) Next(ctx context.Context) ([]byte, error) {
	select {
	case line := <-r.ch:
		return line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, errors.New("reader closed")
	}
}

func (r *memReader) Close() error {
	r.m.mu.Lock()
	if _, ok := r.m.listeners[r.id]; ok {
		delete(r.m.listeners, r.id)
		close(r.done)
	}
	r.m.mu.Unlock()
	return nil
}

func chunks(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
