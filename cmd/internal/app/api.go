package app

import (
	"net/http"

	"chatsync/cmd/internal/backend"
	"chatsync/cmd/internal/coordinator"
	"chatsync/cmd/internal/gateway"
	"chatsync/cmd/internal/reconcile"
	v1 "chatsync/shared/contracts/view/v1"
)

// conversationAPI exposes the reconciliation engine as JSON over HTTP for
// clients that do not hold a view socket.
type conversationAPI struct {
	engine *reconcile.Engine
	coord  *coordinator.Coordinator
}

type viewResponse struct {
	View         v1.ViewUpdatePayload `json:"view"`
	SendDisabled bool                 `json:"send_disabled"`
}

type sendRequest struct {
	Prompt string `json:"prompt"`
}

type editRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	Stream backend.StreamHandle `json:"stream"`
}

type versionResponse struct {
	backend.VersionResponse
	View   v1.ViewUpdatePayload  `json:"view"`
	Stream *backend.StreamHandle `json:"stream,omitempty"`
}

func (a *conversationAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/conversations/{id}", a.handleGet)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", a.handleSend)
	mux.HandleFunc("POST /v1/conversations/{id}/switch", a.handleSwitch)
	mux.HandleFunc("POST /v1/conversations/{id}/cancel", a.handleCancel)
	mux.HandleFunc("POST /v1/conversations/{id}/messages/{mid}/edit", a.handleEdit)
	mux.HandleFunc("POST /v1/conversations/{id}/messages/{mid}/retry", a.handleRetry)
	mux.HandleFunc("POST /v1/conversations/{id}/messages/{mid}/delete", a.handleDelete)
}

func (a *conversationAPI) view(v reconcile.View) viewResponse {
	return viewResponse{
		View:         gateway.ViewPayload(v),
		SendDisabled: a.coord.IsDisabled(v.ConversationID),
	}
}

// handleGet loads a conversation. A failed load that still has cached messages
// carries them next to the error.
func (a *conversationAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := a.engine.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		var body any
		if len(v.Messages) > 0 {
			body = a.view(v)
		}
		writeErr(w, err, body)
		return
	}
	writeJSON(w, http.StatusOK, a.view(v))
}

func (a *conversationAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	h, err := a.engine.Send(r.Context(), r.PathValue("id"), req.Prompt)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{Stream: h})
}

// handleSwitch answers 200 for an orphaned branch too; the view says so.
func (a *conversationAPI) handleSwitch(w http.ResponseWriter, r *http.Request) {
	v, err := a.engine.Switch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a.view(v))
}

func (a *conversationAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *conversationAPI) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	res, err := a.engine.Edit(r.Context(), r.PathValue("id"), r.PathValue("mid"), req.Content)
	a.writeVersion(w, res, err)
}

func (a *conversationAPI) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.Retry(r.Context(), r.PathValue("id"), r.PathValue("mid"))
	a.writeVersion(w, res, err)
}

func (a *conversationAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.Delete(r.Context(), r.PathValue("id"), r.PathValue("mid"))
	a.writeVersion(w, res, err)
}

func (a *conversationAPI) writeVersion(w http.ResponseWriter, res reconcile.VersionResult, err error) {
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{
		VersionResponse: res.VersionResponse,
		View:            gateway.ViewPayload(res.View),
		Stream:          res.Stream,
	})
}
