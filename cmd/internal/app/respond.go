package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chatsync/cmd/internal/backend"
)

const maxRequestBytes = 256 << 10

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
	// View carries the last renderable state when one exists.
	View any `json:"view,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err onto the authority's status table.
func writeErr(w http.ResponseWriter, err error, view any) {
	status, code := backend.StatusFor(err)
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: err.Error()}, View: view})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: apiError{Code: "bad_request", Message: msg}})
}

// decodeJSON reads one JSON object into dst. An empty body is accepted when
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("empty body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("empty body")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("trailing data after json object")
	}
	return nil
}
