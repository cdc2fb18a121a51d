package livestream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/fanout"
	"chatsync/cmd/internal/telemetry"
	v1 "chatsync/shared/contracts/stream/v1"
)

const (
	// DefaultBackoff is the fixed delay between reconnect attempts.
	DefaultBackoff = time.Second
	// DefaultAlertAfter is the number of consecutive failures after which the
	// connection is reported as degraded.
	DefaultAlertAfter = 5

	fileStateQueue = 64
)

// Options configures a Multiplexer.
type Options struct {
	Transport  Transport
	Backoff    time.Duration
	AlertAfter int
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Now        func() time.Time
}

// Multiplexer is the sole writer of LiveState.
//
// Mutations for one conversation id are serialized by that id's stream lock and
// published while the lock is held, so every subscriber sees events in arrival
// order. Distinct ids never contend.
type Multiplexer struct {
	transport  Transport
	backoff    time.Duration
	alertAfter int
	log        *slog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time

	states *fanout.Hub[LiveState]
	files  *fanout.Topic[v1.FileState]
	conn   *fanout.Topic[ConnectionState]

	mu      sync.Mutex
	streams map[string]*stream

	connMu    sync.Mutex
	connState ConnectionState

	closeOnce sync.Once
	closed    chan struct{}
}

type stream struct {
	mu    sync.Mutex
	state LiveState
	buf   Buffer
	topic *fanout.Topic[LiveState]
	// dead is set once Reset removed the stream from the table.
	dead bool
}

// New constructs a Multiplexer. Transport may be nil when events are injected
// with Dispatch only.
func New(opts Options) *Multiplexer {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.AlertAfter <= 0 {
		opts.AlertAfter = DefaultAlertAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Multiplexer{
		transport:  opts.Transport,
		backoff:    opts.Backoff,
		alertAfter: opts.AlertAfter,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		states:     fanout.NewHub[LiveState](1),
		files:      fanout.NewTopic[v1.FileState]("file_state", fileStateQueue),
		conn:       fanout.NewTopic[ConnectionState]("connection", 1),
		streams:    make(map[string]*stream),
		closed:     make(chan struct{}),
	}
	m.connState = ConnectionState{Since: m.now()}
	m.conn.Publish(m.connState)
	return m
}

// Run owns the inbound channel: dial, read until failure, wait the fixed backoff,
// repeat. It returns when ctx is done or Close is called.
func (m *Multiplexer) Run(ctx context.Context) error {
	if m.transport == nil {
		return errors.New("livestream: no transport configured")
	}

	for {
		err := m.session(ctx)
		if ctx.Err() != nil || m.isClosed() {
			m.setConnected(false, nil)
			return nil
		}
		m.noteFailure(err)
		m.metrics.Reconnect()

		timer := time.NewTimer(m.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setConnected(false, nil)
			return nil
		case <-m.closed:
			timer.Stop()
			m.setConnected(false, nil)
			return nil
		case <-timer.C:
		}
	}
}

func (m *Multiplexer) session(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		select {
		case <-m.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	r, err := m.transport.Dial(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	m.setConnected(true, nil)
	m.log.Info("stream.connect")

	for {
		line, err := r.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("stream closed by peer")
			}
			return err
		}
		_ = m.HandleLine(line)
	}
}

// HandleLine decodes one wire line and dispatches it. Blank lines are ignored.
func (m *Multiplexer) HandleLine(line []byte) error {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil
	}
	ev, err := v1.Decode(line)
	if err != nil {
		m.metrics.EventDropped()
		m.log.Debug("stream.decode.fail", "err", err)
		return err
	}
	m.Dispatch(ev)
	return nil
}

// Dispatch routes a decoded event to its conversation or to the file-state
// listeners.
func (m *Multiplexer) Dispatch(ev v1.Event) {
	switch e := ev.(type) {
	case v1.FileState:
		m.metrics.EventRouted(v1.TypeFileState)
		m.files.Publish(e)
		return
	case v1.StateChange:
		m.metrics.EventRouted(v1.TypeChatState)
		m.mutate(e.ChatID, func(s *stream) bool { return applyStateChange(s, e.State) })
	case v1.ThoughtsDelta:
		m.metrics.EventRouted(v1.TypeThoughts)
		m.mutate(e.ChatID, func(s *stream) bool {
			changed := s.buf.AppendThoughts(e.MessageID, e.Content)
			return setPhase(s, PhaseGeneratingThoughts) || changed
		})
	case v1.AnswerDelta:
		m.metrics.EventRouted(v1.TypeAnswer)
		m.mutate(e.ChatID, func(s *stream) bool {
			changed := s.buf.AppendAnswer(e.MessageID, e.Content)
			return setPhase(s, PhaseGeneratingAnswer) || changed
		})
	case v1.Complete:
		m.metrics.EventRouted(v1.TypeComplete)
		m.mutate(e.ChatID, func(s *stream) bool {
			if e.MessageID != "" && s.buf.MessageID == "" {
				s.buf.MessageID = e.MessageID
			}
			s.state.Phase = PhaseIdleAfterComplete
			s.state.Streaming = false
			return true
		})
	case v1.Error:
		m.metrics.EventRouted(v1.TypeError)
		m.log.Info("stream.generation.error", "conversation_id", e.ChatID, "message", e.Message)
		m.mutate(e.ChatID, func(s *stream) bool {
			s.state.Phase = PhaseIdle
			s.state.Streaming = false
			s.state.Error = e.Message
			return true
		})
	default:
		m.log.Debug("stream.event.unknown")
	}
}

func applyStateChange(s *stream, state string) bool {
	switch state {
	case v1.StateThinking, v1.StateResponding:
		if !s.state.Phase.Active() {
			// Not every authority tags deltas with a message id; a generation
			// started elsewhere must not extend the previous answer.
			s.buf.Reset()
		}
		s.state.Error = ""
		s.state.Streaming = true
		s.state.Phase = PhaseGeneratingThoughts
		if state == v1.StateResponding {
			s.state.Phase = PhaseGeneratingAnswer
		}
	case v1.StateStatic:
		// Buffers stay until the conversation is reconciled and Reset.
		s.state.Streaming = false
		if s.buf.Empty() {
			s.state.Phase = PhaseIdle
		} else {
			s.state.Phase = PhaseIdleAfterComplete
		}
	default:
		return false
	}
	return true
}

func setPhase(s *stream, p Phase) bool {
	if s.state.Phase == p && s.state.Streaming {
		return false
	}
	s.state.Phase = p
	s.state.Streaming = true
	return true
}

// Begin marks the local start of a generation so observers see it before the
// first delta. A different messageID (or none) starts a fresh buffer.
func (m *Multiplexer) Begin(conversationID, messageID string) LiveState {
	return m.mutate(conversationID, func(s *stream) bool {
		if messageID == "" || messageID != s.buf.MessageID {
			s.buf.Reset()
			s.buf.MessageID = messageID
		}
		s.state.Phase = PhaseGeneratingThoughts
		s.state.Streaming = true
		s.state.Error = ""
		return true
	})
}

// Bind attaches messageID to a buffer that has no message yet. Phase and
// content are left alone, so a stream that already progressed is not rewound.
func (m *Multiplexer) Bind(conversationID, messageID string) LiveState {
	return m.mutate(conversationID, func(s *stream) bool {
		if messageID == "" || s.buf.MessageID != "" {
			return false
		}
		s.buf.MessageID = messageID
		return true
	})
}

// Subscribe returns a subscription whose channel already holds the current state.
// Closing the subscription unsubscribes; state is kept until Reset.
//
// The mailbox holds one value: a slow reader skips intermediate revisions and
// receives the newest state. Every LiveState carries the full buffers, so no
// text is lost, only the steps between two reads.
func (m *Multiplexer) Subscribe(conversationID string) *fanout.Subscription[LiveState] {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.streamLocked(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topic.Last(); !ok {
		s.topic.Publish(s.state)
	}
	return s.topic.Subscribe()
}

// SubscribeFileState attaches to the global file-state listener set.
func (m *Multiplexer) SubscribeFileState() *fanout.Subscription[v1.FileState] {
	return m.files.Subscribe()
}

// SubscribeConnection attaches to connection state changes.
func (m *Multiplexer) SubscribeConnection() *fanout.Subscription[ConnectionState] {
	return m.conn.Subscribe()
}

// Connection returns the current connection state.
func (m *Multiplexer) Connection() ConnectionState {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connState
}

// State returns the live state for conversationID and whether one is tracked.
func (m *Multiplexer) State(conversationID string) (LiveState, bool) {
	m.mu.Lock()
	s, ok := m.streams[conversationID]
	m.mu.Unlock()
	if !ok {
		return LiveState{ConversationID: conversationID, Phase: PhaseIdle}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

// Reset discards the live state of a conversation once it is reconciled and idle.
// Current subscribers receive a cleared state; the entry is dropped entirely when
// nobody is listening.
func (m *Multiplexer) Reset(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[conversationID]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	s.state = LiveState{
		ConversationID: conversationID,
		Phase:          PhaseIdle,
		Revision:       s.state.Revision + 1,
		UpdatedAt:      m.now(),
	}
	s.topic.Publish(s.state)

	if s.topic.Len() == 0 && m.states.Prune(conversationID) {
		s.dead = true
		delete(m.streams, conversationID)
	}
}

// Close stops Run. Subscriptions stay valid but receive nothing further.
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Multiplexer) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// mutate applies fn under the stream lock and publishes when fn reports a change.
func (m *Multiplexer) mutate(conversationID string, fn func(*stream) bool) LiveState {
	for {
		m.mu.Lock()
		s := m.streamLocked(conversationID)
		m.mu.Unlock()

		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		if fn(s) {
			s.state.LastAssistantMessageID = s.buf.MessageID
			s.state.Content = s.buf.Content
			s.state.Thoughts = s.buf.Thoughts
			s.state.Revision++
			s.state.UpdatedAt = m.now()
			s.topic.Publish(s.state)
		}
		st := s.state
		s.mu.Unlock()
		return st
	}
}

func (m *Multiplexer) streamLocked(conversationID string) *stream {
	s, ok := m.streams[conversationID]
	if ok {
		return s
	}
	s = &stream{
		state: LiveState{ConversationID: conversationID, Phase: PhaseIdle},
		topic: m.states.Topic(conversationID),
	}
	m.streams[conversationID] = s
	return s
}

func (m *Multiplexer) setConnected(up bool, err error) {
	m.connMu.Lock()
	st := m.connState
	st.Connected = up
	if up {
		st.Failures = 0
		st.Degraded = false
		st.LastError = ""
	} else if err != nil {
		st.LastError = err.Error()
	}
	st.Since = m.now()
	m.connState = st
	m.connMu.Unlock()

	m.metrics.StreamConnected(up)
	m.conn.Publish(st)
}

func (m *Multiplexer) noteFailure(err error) {
	m.connMu.Lock()
	st := m.connState
	st.Connected = false
	st.Failures++
	if err != nil {
		st.LastError = err.Error()
	}
	wasDegraded := st.Degraded
	st.Degraded = st.Failures >= m.alertAfter
	st.Since = m.now()
	m.connState = st
	m.connMu.Unlock()

	m.metrics.StreamConnected(false)
	m.conn.Publish(st)

	switch {
	case st.Degraded && !wasDegraded:
		m.log.Warn("stream.degraded", "failures", st.Failures, "err", err)
	case st.Degraded:
		m.log.Debug("stream.reconnect", "failures", st.Failures, "err", err)
	default:
		m.log.Debug("stream.reconnect", "failures", st.Failures, "err", err, "backoff", m.backoff)
	}
}
