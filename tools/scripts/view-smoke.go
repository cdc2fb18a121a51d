// Package main provides a CI-friendly smoke test for the chatsync view gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - view_subscribe delivers view_update and send_state
//   - a prompt posted over HTTP streams live_state and disables sending
//   - the verified answer arrives as a non-streaming view_update
//
// Run it against a daemon started with CHATSYNC_BACKEND=memory.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "chatsync/shared/contracts/view/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8484/ws", "View gateway URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "smoke-1", "Conversation ID to subscribe to")
		prompt  = flag.String("prompt", "hello chatsync", "Prompt to send; empty skips generation")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()
	c := mustConnect(root, *wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	apiBase := httpBaseURL(*wsURL)

	// Sending first creates the conversation on a memory authority; the
	// subscription then joins it mid-stream.
	if *prompt != "" {
		mustPostPrompt(root, apiBase, *convID, *prompt, *timeout)
	}

	mustWrite(root, c.conn, v1.Envelope{V: v1.Version, Type: v1.TypeViewSubscribe, ConvID: *convID, TS: time.Now().UTC()}, *timeout)

	if *prompt == "" {
		first := c.mustReadUntil(root, "first view_update", *timeout, func(env v1.Envelope) bool {
			return env.Type == v1.TypeViewUpdate
		})
		if *verbose {
			fmt.Printf("subscribed: conv_id=%s payload=%s\n", *convID, first.Payload)
		}
		fmt.Printf("OK: conv_id=%s (no prompt)\n", *convID)
		return
	}

	// The verified view and the send_state that re-enables sending may arrive
	// in either order relative to earlier updates; track the latest of each.
	var (
		p        v1.ViewUpdatePayload
		answered bool
		enabled  bool
		want     = "You said: " + *prompt
	)
	c.mustReadUntil(root, "verified answer", 3*(*timeout), func(env v1.Envelope) bool {
		switch env.Type {
		case v1.TypeViewUpdate:
			var vp v1.ViewUpdatePayload
			if err := json.Unmarshal(env.Payload, &vp); err != nil || vp.Stale || len(vp.Messages) == 0 {
				break
			}
			if *verbose {
				fmt.Printf("view_update: messages=%d request_id=%d\n", len(vp.Messages), vp.RequestID)
			}
			if last := vp.Messages[len(vp.Messages)-1]; last.Content == want && !last.IsStreaming {
				p, answered = vp, true
			}
		case v1.TypeSendState:
			var sp v1.SendStatePayload
			if json.Unmarshal(env.Payload, &sp) == nil {
				enabled = !sp.Disabled
			}
		}
		return answered && enabled
	})

	fmt.Printf("OK: conv_id=%s messages=%d request_id=%d\n", *convID, len(p.Messages), p.RequestID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// httpBaseURL maps the gateway URL onto the daemon's HTTP root.
func httpBaseURL(wsURL string) string {
	u, _ := url.Parse(wsURL)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

// mustReadUntil skips envelopes until match accepts one. Error envelopes fail
// the run.
func (c *smokeClient) mustReadUntil(parent context.Context, what string, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s: %v", what, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %s: %v", what, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s", what)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			if match(env) {
				return env
			}
		}
	}
}

func mustPostPrompt(parent context.Context, base, convID, prompt string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/conversations/"+url.PathEscape(convID)+"/messages", bytes.NewReader(body))
	if err != nil {
		fatalf("build send request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		fatalf("send: status=%d body=%s", resp.StatusCode, raw)
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
