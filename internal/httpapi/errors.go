package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"localllm/internal/errs"
	"localllm/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONErrorKind(w, status, msg, "")
}

func writeJSONErrorKind(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

// statusOf maps an operation error to its HTTP status; unknown errors are 500.
func statusOf(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status and writes it.
func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if errs.IsConflict(err) {
		IncrementConflict(string(errs.KindOf(err)))
	}
	writeJSONErrorKind(w, status, err.Error(), string(errs.KindOf(err)))
}
