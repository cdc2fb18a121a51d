package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
)

// HTTPClient binds Backend to the authority's JSON API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// HTTPOption configures HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHTTPClient constructs an HTTPClient for baseURL (scheme and host, optional
// path prefix).
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("backend: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("backend: url missing host")
	}

	h := &HTTPClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// FetchHistory implements Backend.
func (h *HTTPClient) FetchHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var out historyResponse
	err := h.do(ctx, "backend.FetchHistory", http.MethodGet, "/api/chats/"+url.PathEscape(conversationID)+"/history", nil, &out)
	return out.Messages, err
}

// FetchState implements Backend.
func (h *HTTPClient) FetchState(ctx context.Context, conversationID string) (chat.ServerState, error) {
	var out stateResponse
	err := h.do(ctx, "backend.FetchState", http.MethodGet, "/api/chats/"+url.PathEscape(conversationID)+"/state", nil, &out)
	return out.State, err
}

// StartGeneration implements Backend.
func (h *HTTPClient) StartGeneration(ctx context.Context, req GenerationRequest) (StreamHandle, error) {
	var out StreamHandle
	err := h.do(ctx, "backend.StartGeneration", http.MethodPost, "/api/chats/"+url.PathEscape(req.ConversationID)+"/generate", req, &out)
	return out, err
}

// SubmitVersion implements Backend.
func (h *HTTPClient) SubmitVersion(ctx context.Context, req VersionRequest) (VersionResponse, error) {
	var out VersionResponse
	err := h.do(ctx, "backend.SubmitVersion", http.MethodPost, "/api/messages/"+url.PathEscape(req.MessageID)+"/versions", req, &out)
	return out, err
}

// SwitchBranch implements Backend.
func (h *HTTPClient) SwitchBranch(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var out historyResponse
	err := h.do(ctx, "backend.SwitchBranch", http.MethodPost, "/api/chats/"+url.PathEscape(conversationID)+"/switch", nil, &out)
	return out.Messages, err
}

// CancelGeneration implements Backend.
func (h *HTTPClient) CancelGeneration(ctx context.Context, conversationID string) error {
	return h.do(ctx, "backend.CancelGeneration", http.MethodPost, "/api/chats/"+url.PathEscape(conversationID)+"/cancel", nil, nil)
}

func (h *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if !chaterr.IsCanceled(err) {
			h.log.Info("backend.request.fail", "op", op, "request_id", reqID, "err", err)
		}
		return chaterr.Transport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	h.log.Debug("backend.request", "op", op, "request_id", reqID, "status", resp.StatusCode, "dur_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16*maxBodyBytes)).Decode(out); err != nil {
		return chaterr.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var er errorResponse
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return chaterr.Validation(op, msg)
	case http.StatusNotFound:
		return chaterr.NotFound(op, msg)
	case http.StatusGone:
		return chaterr.Orphaned(op, msg)
	case http.StatusConflict:
		return chaterr.OpError{Op: op, Kind: chaterr.ErrBusy, Msg: msg}
	default:
		return chaterr.Transport(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
}
