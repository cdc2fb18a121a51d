package livestream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

const (
	defaultReadLimit = 4 << 20
	maxLineBytes     = 1 << 20
)

// EventReader yields raw wire lines, one JSON object each.
type EventReader interface {
	// Next blocks until a line is available. io.EOF means the peer ended the
	// stream cleanly; any other error is a transport failure.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens the inbound event channel.
type Transport interface {
	Dial(ctx context.Context) (EventReader, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context) (EventReader, error)

// Dial calls f.
func (f TransportFunc) Dial(ctx context.Context) (EventReader, error) { return f(ctx) }

// WebSocketTransport reads events from text frames. One frame may carry several
// newline-delimited objects.
type WebSocketTransport struct {
	URL          string
	Header       http.Header
	Subprotocols []string
	ReadLimit    int64
	HTTPClient   *http.Client
}

// Dial connects to the event endpoint.
func (t WebSocketTransport) Dial(ctx context.Context) (EventReader, error) {
	if strings.TrimSpace(t.URL) == "" {
		return nil, errors.New("livestream: websocket url is empty")
	}

	conn, resp, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient:   t.HTTPClient,
		HTTPHeader:   t.Header,
		Subprotocols: t.Subprotocols,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	return &wsReader{conn: conn}, nil
}

type wsReader struct {
	conn    *websocket.Conn
	pending [][]byte
}

func (r *wsReader) Next(ctx context.Context) ([]byte, error) {
	for len(r.pending) == 0 {
		mt, data, err := r.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.MessageText {
			continue
		}
		r.pending = splitLines(data)
	}

	line := r.pending[0]
	r.pending = r.pending[1:]
	return line, nil
}

func (r *wsReader) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "bye")
}

// NDJSONTransport reads events from a long-lived streaming HTTP response.
type NDJSONTransport struct {
	URL    string
	Header http.Header
	// Client must not set a total timeout; the response body stays open.
	Client *http.Client
}

// Dial issues the GET and hands back a line reader over the body.
func (t NDJSONTransport) Dial(ctx context.Context) (EventReader, error) {
	if strings.TrimSpace(t.URL) == "" {
		return nil, errors.New("livestream: ndjson url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/x-ndjson")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("dial %s: status %d: %s", t.URL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &ndjsonReader{body: resp.Body, scanner: scanner}, nil
}

type ndjsonReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next ignores ctx once the scan is underway; the request context passed to Dial
// ends the body read.
func (r *ndjsonReader) Next(ctx context.Context) ([]byte, error) {
	for r.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *ndjsonReader) Close() error {
	return r.body.Close()
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(data, []byte{'\n'}) {
		part = bytes.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		out = append(out, part)
	}
	return out
}
