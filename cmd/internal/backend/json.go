package backend

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"chatsync/cmd/internal/chaterr"
)

const maxBodyBytes = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeOpError maps an error kind onto an HTTP status.
func writeOpError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	writeError(w, status, code, err.Error())
}

// StatusFor returns the HTTP status and error code for err.
func StatusFor(err error) (int, string) {
	switch {
	case chaterr.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case chaterr.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case chaterr.IsOrphaned(err):
		return http.StatusGone, "orphaned_version"
	case errors.Is(err, chaterr.ErrBusy):
		return http.StatusConflict, "busy"
	case chaterr.IsCanceled(err):
		return 499, "canceled"
	default:
		return http.StatusBadGateway, "transport"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
