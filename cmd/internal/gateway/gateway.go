// Package gateway pushes reconciled views, live buffers and send state to local
// UI clients over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/coordinator"
	"chatsync/cmd/internal/fanout"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/reconcile"
	streamv1 "chatsync/shared/contracts/stream/v1"
	v1 "chatsync/shared/contracts/view/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Views loads and publishes reconciled views.
type Views interface {
	SubscribeView(conversationID string) *fanout.Subscription[reconcile.View]
	Load(ctx context.Context, conversationID string) (reconcile.View, error)
}

// Live publishes live buffers and file-state notifications.
type Live interface {
	Subscribe(conversationID string) *fanout.Subscription[livestream.LiveState]
	SubscribeFileState() *fanout.Subscription[streamv1.FileState]
}

// SendStates publishes send-disabled status.
type SendStates interface {
	Subscribe(conversationID string) *fanout.Subscription[coordinator.Status]
}

// Options configures a Gateway. Zero values fall back to defaults, except
// OriginRequired which is taken as given.
type Options struct {
	SendQueueSize      int
	OriginRequired     bool
	AllowedOrigins     []string
	InsecureSkipVerify bool

	WriteTimeout time.Duration
	// ReadIdleTimeout closes sessions that send nothing for that long. View
	// clients are mostly silent, so zero leaves dead-peer detection to the
	// heartbeat.
	ReadIdleTimeout  time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// Gateway is the WebSocket entrypoint for view clients.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and streams every watched conversation's view, live state and send state.
type Gateway struct {
	log   *slog.Logger
	views Views
	live  Live
	send  SendStates

	opts           Options
	originPatterns []string
}

// New constructs a Gateway.
func New(log *slog.Logger, views Views, live Live, send SendStates, opts Options) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = wsDefaultSendQueueSize
	}
	if opts.SendQueueSize < wsMinSendQueueSize {
		opts.SendQueueSize = wsMinSendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = wsDefaultWriteTimeout
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = heartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = heartbeatTimeout
	}

	return &Gateway{
		log:            log,
		views:          views,
		live:           live,
		send:           send,
		opts:           opts,
		originPatterns: originPatterns(opts.AllowedOrigins),
	}
}

// ServeHTTP upgrades the request and runs the session until either side leaves.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.opts.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.serve(r.Context(), conn)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn) {
	client := NewClient(ids.MustULID(), g.opts.SendQueueSize)
	log := g.log.With("session_id", client.SessionID)
	log.Info("ws.session.open")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		closeOnce sync.Once
		pumps     sync.WaitGroup
	)
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.opts.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, log, shutdown)
	}()

	pumps.Add(1)
	go func() {
		defer pumps.Done()
		pump(ctx, g, client, g.live.SubscribeFileState(), fileStateEnvelope)
	}()

	rl := NewRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

readLoop:
	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.opts.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.opts.ReadIdleTimeout)
		}
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			// Written directly: the queue stops draining once shutdown starts.
			if env, err := envelope(v1.TypeError, "", v1.ErrorPayload{Code: "rate_limited", Message: "too many events"}); err == nil {
				_ = writeEnvelope(ctx, conn, env, g.opts.WriteTimeout)
			}
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeViewSubscribe:
			if err := g.onSubscribe(ctx, client, &pumps, env.ConvID); err != nil {
				g.trySendError(ctx, client, "subscribe_failed", err.Error())
			}
		case v1.TypeViewUnsubscribe:
			if !client.unwatch(env.ConvID) {
				g.trySendError(ctx, client, "not_subscribed", env.ConvID)
			}
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	pumps.Wait()

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.session.close")
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.opts.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.opts.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// onSubscribe starts the view, live and send-state pumps of conversationID and
// triggers a load so the client receives a view even when none was published.
func (g *Gateway) onSubscribe(ctx context.Context, client *Client, pumps *sync.WaitGroup, conversationID string) error {
	wctx, cancel := context.WithCancel(ctx)
	if !client.watch(conversationID, cancel) {
		cancel()
		return fmt.Errorf("already subscribed or limit of %d reached", maxSubscriptions)
	}

	pumps.Add(4)
	go func() {
		defer pumps.Done()
		pump(wctx, g, client, g.views.SubscribeView(conversationID), viewEnvelope)
	}()
	go func() {
		defer pumps.Done()
		pump(wctx, g, client, g.live.Subscribe(conversationID), liveEnvelope)
	}()
	go func() {
		defer pumps.Done()
		pump(wctx, g, client, g.send.Subscribe(conversationID), sendStateEnvelope)
	}()
	go func() {
		defer pumps.Done()
		if _, err := g.views.Load(wctx, conversationID); err != nil && !chaterr.IsCanceled(err) {
			g.log.Info("ws.load.fail", "session_id", client.SessionID, "conversation_id", conversationID, "err", err)
			g.trySendError(wctx, client, "load_failed", err.Error())
		}
	}()

	g.log.Debug("ws.subscribe", "session_id", client.SessionID, "conversation_id", conversationID)
	return nil
}

// pump forwards every value of sub until ctx ends or the client goes away.
func pump[T any](ctx context.Context, g *Gateway, client *Client, sub *fanout.Subscription[T], convert func(T) (v1.Envelope, error)) {
	defer sub.Close()
	for {
		v, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		env, err := convert(v)
		if err != nil {
			g.log.Error("ws.encode.fail", "session_id", client.SessionID, "err", err)
			continue
		}
		if !g.deliver(ctx, client, env) {
			return
		}
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env, err := envelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

// enqueue never blocks; it reports false when the queue is full.
func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// deliver waits for queue space. Subscriptions keep only the latest value, so a
// slow client falls behind by at most one state per topic.
func (g *Gateway) deliver(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	switch {
	case errors.As(err, &bad):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
