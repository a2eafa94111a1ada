package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/fanout"
	"github.com/rzbill/cmdfeed/internal/feed"
	"github.com/rzbill/cmdfeed/internal/policy"
	"github.com/rzbill/cmdfeed/internal/queue"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, command.ErrUnsupportedCommandKind),
		errors.Is(err, command.ErrInvalidCommand),
		errors.Is(err, feed.ErrInvalidRequest),
		errors.Is(err, queue.ErrInvalidHandle),
		errors.Is(err, queue.ErrInvalidMoniker),
		errors.Is(err, queue.ErrUnknownStorage):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrLeaseLost):
		return http.StatusConflict
	case errors.Is(err, queue.ErrBackendUnavailable),
		errors.Is(err, fanout.ErrPolicyResolution),
		errors.Is(err, fanout.ErrPartialPublish),
		errors.Is(err, policy.ErrStaleSnapshot):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseLimit returns 0 for empty or invalid values.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}
