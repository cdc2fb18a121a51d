package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/livestream"
)

// Handler serves a Backend, and optionally its event stream, over the same JSON
// API HTTPClient speaks. The daemon mounts it in memory mode so external tools
// can drive the in-process authority.
type Handler struct {
	b      Backend
	events livestream.Transport
	log    *slog.Logger
}

// NewHandler constructs a Handler. events may be nil.
func NewHandler(b Backend, events livestream.Transport, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{b: b, events: events, log: log}
}

// Register mounts the routes below prefix (which may be empty).
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	if h == nil || mux == nil {
		return
	}
	prefix = strings.TrimRight(prefix, "/")

	mux.HandleFunc("GET "+prefix+"/api/chats/{id}/history", h.handleHistory)
	mux.HandleFunc("GET "+prefix+"/api/chats/{id}/state", h.handleState)
	mux.HandleFunc("POST "+prefix+"/api/chats/{id}/generate", h.handleGenerate)
	mux.HandleFunc("POST "+prefix+"/api/chats/{id}/switch", h.handleSwitch)
	mux.HandleFunc("POST "+prefix+"/api/chats/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST "+prefix+"/api/messages/{id}/versions", h.handleVersion)
	if h.events != nil {
		mux.HandleFunc("GET "+prefix+"/api/events", h.handleEventsNDJSON)
		mux.HandleFunc("GET "+prefix+"/api/events/ws", h.handleEventsWS)
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.b.FetchHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := h.b.FetchState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: st})
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req.ConversationID = r.PathValue("id")

	handle, err := h.b.StartGeneration(r.Context(), req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (h *Handler) handleSwitch(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.b.SwitchBranch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.b.CancelGeneration(r.Context(), r.PathValue("id")); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req.MessageID = r.PathValue("id")
	if strings.TrimSpace(req.ConversationID) == "" {
		writeOpError(w, chaterr.Validation("backend.SubmitVersion", "conversation_id is required"))
		return
	}

	resp, err := h.b.SubmitVersion(r.Context(), req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEventsNDJSON(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	reader, err := h.events.Dial(r.Context())
	if err != nil {
		writeOpError(w, chaterr.Transport("backend.Events", err))
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		line, err := reader.Next(r.Context())
		if err != nil {
			h.logStreamEnd("ndjson", err)
			return
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Info("backend.events.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx := conn.CloseRead(r.Context())
	reader, err := h.events.Dial(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "dial failed")
		return
	}
	defer reader.Close()

	for {
		line, err := reader.Next(ctx)
		if err != nil {
			h.logStreamEnd("ws", err)
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, line); err != nil {
			return
		}
	}
}

func (h *Handler) logStreamEnd(kind string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return
	}
	h.log.Debug("backend.events.end", "kind", kind, "err", err)
}
