package heroes

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"nhooyr.io/websocket"
)

// Category is the coarse class of a failure.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryServer         Category = "server"
	CategoryRateLimit      Category = "rate_limit"
	CategoryUnknown        Category = "unknown"
)

// Retryable reports whether re-running the failed operation can change its outcome.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryServer
}

var userMessages = map[Category]string{
	CategoryNetwork:        "You appear to be offline. Check your connection and try again.",
	CategoryValidation:     "Some of the details are invalid. Please review and try again.",
	CategoryAuthentication: "Your session has expired. Please sign in again.",
	CategoryAuthorization:  "You are not allowed to do that.",
	CategoryNotFound:       "This item is no longer available.",
	CategoryConflict:       "Already assigned or changed by someone else.",
	CategoryServer:         "Something went wrong on our side. Please try again.",
	CategoryRateLimit:      "Too many attempts. Try again shortly.",
	CategoryUnknown:        "Something went wrong. Please try again.",
}

// UserMessage is the fixed user-facing text for c.
func (c Category) UserMessage() string {
	if m, ok := userMessages[c]; ok {
		return m
	}
	return userMessages[CategoryUnknown]
}

// Error is the only failure type that crosses the Reconciler and Channel
// Manager boundary.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Category) + ": " + e.Message + " (" + e.Err.Error() + ")"
	}
	return string(e.Category) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the underlying category may be retried.
func (e *Error) Retryable() bool {
	return e.Category.Retryable()
}

// newError builds a classified error with the category's user message.
func newError(c Category, err error) *Error {
	return &Error{Category: c, Message: c.UserMessage(), Err: err}
}

var (
	// ErrOffline is returned when a call is attempted while the session is offline.
	ErrOffline = errors.New("heroes: offline")
	// ErrNotSubscribed is returned by operations that need an active stream.
	ErrNotSubscribed = errors.New("heroes: not subscribed")
)

// CategoryOf classifies err and returns only its category.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	return Classify(err).Category
}

// Classify maps any failure to a category and user-facing message.
// A nil error classifies to nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return newError(classifyAPIError(apiErr), err)
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return newError(CategoryValidation, err)
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return newError(CategoryValidation, err)
	}

	switch {
	case errors.Is(err, ErrOffline),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return newError(CategoryNetwork, err)
	case errors.Is(err, context.Canceled):
		return newError(CategoryUnknown, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(CategoryNetwork, err)
	}
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusPolicyViolation {
			return newError(CategoryAuthorization, err)
		}
		return newError(CategoryNetwork, err)
	}

	return newError(classifyMessage(err.Error()), err)
}

func classifyAPIError(e *APIError) Category {
	switch strings.ToUpper(e.Code) {
	case "NETWORK", "NETWORK_ERROR", "TIMEOUT", "REQUEST_TIMEOUT":
		return CategoryNetwork
	case "VALIDATION", "VALIDATION_ERROR", "INVALID_INPUT", "BAD_REQUEST":
		return CategoryValidation
	case "UNAUTHORIZED", "UNAUTHENTICATED", "TOKEN_EXPIRED", "INVALID_TOKEN":
		return CategoryAuthentication
	case "FORBIDDEN", "PERMISSION_DENIED":
		return CategoryAuthorization
	case "NOT_FOUND":
		return CategoryNotFound
	case "CONFLICT", "ALREADY_ASSIGNED", "ALREADY_ACCEPTED", "ALREADY_CHOSEN", "INVALID_TRANSITION":
		return CategoryConflict
	case "RATE_LIMITED", "TOO_MANY_REQUESTS":
		return CategoryRateLimit
	case "INTERNAL_ERROR", "INTERNAL_SERVER_ERROR", "UNAVAILABLE":
		return CategoryServer
	}

	switch {
	case e.Status == http.StatusBadRequest, e.Status == http.StatusUnprocessableEntity:
		return CategoryValidation
	case e.Status == http.StatusUnauthorized:
		return CategoryAuthentication
	case e.Status == http.StatusForbidden:
		return CategoryAuthorization
	case e.Status == http.StatusNotFound, e.Status == http.StatusGone:
		return CategoryNotFound
	case e.Status == http.StatusConflict, e.Status == http.StatusPreconditionFailed:
		return CategoryConflict
	case e.Status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case e.Status == http.StatusRequestTimeout:
		return CategoryNetwork
	case e.Status >= 500:
		return CategoryServer
	}
	return classifyMessage(e.Message)
}

// classifyMessage is the last resort for errors that only carry text,
// e.g. driver errors relayed verbatim by the backend.
func classifyMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "network", "fetch failed", "connection refused", "connection reset", "timeout", "timed out", "no such host"):
		return CategoryNetwork
	case containsAny(m, "jwt", "token expired", "invalid token", "not authenticated"):
		return CategoryAuthentication
	case containsAny(m, "row-level security", "permission denied", "forbidden"):
		return CategoryAuthorization
	case containsAny(m, "duplicate key", "already exists", "already assigned", "already accepted", "conflict"):
		return CategoryConflict
	case containsAny(m, "not found", "no rows"):
		return CategoryNotFound
	case containsAny(m, "rate limit", "too many requests"):
		return CategoryRateLimit
	case containsAny(m, "violates", "invalid input", "validation"):
		return CategoryValidation
	}
	return CategoryUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
