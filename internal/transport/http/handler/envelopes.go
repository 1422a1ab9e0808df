package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-join-verify/internal/domain"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// QuickOperation is the OneBot quick-operation reply to a message report.
type QuickOperation struct {
	Block bool `json:"block"`
}

// PendingItem is one pending verification as exposed over HTTP.
type PendingItem struct {
	UserID           string `json:"user_id"`
	GroupID          string `json:"group_id"`
	CodeCount        int    `json:"code_count"`
	JoinedAt         int64  `json:"joined_at"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

// PendingEnvelope wraps the pending verification listing.
type PendingEnvelope struct {
	Total int           `json:"total"`
	Data  []PendingItem `json:"data"`
	Error string        `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

// statusFor maps domain sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
