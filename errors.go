package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by the engine and the store adapters.
var (
	// ErrNotReady means identity, auth or the conversation is not
	// established yet. Operations that return it had no effect and callers
	// may ignore it.
	ErrNotReady = errors.New("chatsync: not ready")

	ErrPermissionDenied = errors.New("chatsync: permission denied")
	ErrNetwork          = errors.New("chatsync: network failure")

	// ErrCancelled marks a fetch superseded by a conversation, actor or
	// cutoff change. Load operations swallow it.
	ErrCancelled = errors.New("chatsync: cancelled")

	ErrNotFound            = errors.New("chatsync: message not found")
	ErrPendingConfirmation = errors.New("chatsync: message is awaiting confirmation")
	ErrMessageDeleted      = errors.New("chatsync: message was unsent")
	ErrInvalidBody         = errors.New("chatsync: message body is empty")
	ErrMalformedRow        = errors.New("chatsync: malformed row")
)

// APIError is a non-2xx response from the hosted data service.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the status onto the sentinel taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return ErrPermissionDenied
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusConflict && e.Code == "message_deleted":
		return ErrMessageDeleted
	case e.Status >= 500, e.Status == http.StatusTooManyRequests:
		return ErrNetwork
	}
	return nil
}
