package heroes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"conflict code", &APIError{Code: "ALREADY_ASSIGNED", Message: "taken"}, CategoryConflict},
		{"duplicate acceptance", &APIError{Code: "ALREADY_ACCEPTED"}, CategoryConflict},
		{"invalid transition", &APIError{Code: "INVALID_TRANSITION"}, CategoryConflict},
		{"status 409", &APIError{Code: "Conflict", Status: http.StatusConflict}, CategoryConflict},
		{"status 429", &APIError{Code: "Too Many Requests", Status: http.StatusTooManyRequests}, CategoryRateLimit},
		{"status 503", &APIError{Code: "Service Unavailable", Status: http.StatusServiceUnavailable}, CategoryServer},
		{"status 401", &APIError{Code: "Unauthorized", Status: http.StatusUnauthorized}, CategoryAuthentication},
		{"status 403", &APIError{Code: "Forbidden", Status: http.StatusForbidden}, CategoryAuthorization},
		{"status 404", &APIError{Code: "Not Found", Status: http.StatusNotFound}, CategoryNotFound},
		{"status 422", &APIError{Code: "Unprocessable Entity", Status: http.StatusUnprocessableEntity}, CategoryValidation},
		{"wrapped api error", fmt.Errorf("create: %w", &APIError{Code: "NOT_FOUND"}), CategoryNotFound},
		{"validator", ValidateCreateRequest(CreateRequestInput{}), CategoryValidation},
		{"offline", fmt.Errorf("send: %w", ErrOffline), CategoryNetwork},
		{"deadline", context.DeadlineExceeded, CategoryNetwork},
		{"canceled", context.Canceled, CategoryUnknown},
		{"eof", io.ErrUnexpectedEOF, CategoryNetwork},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, CategoryNetwork},
		{"ws policy close", websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "bad token"}, CategoryAuthorization},
		{"ws abnormal close", websocket.CloseError{Code: websocket.StatusGoingAway}, CategoryNetwork},
		{"jwt text", errors.New("JWT expired"), CategoryAuthentication},
		{"rls text", errors.New("new row violates row-level security policy"), CategoryAuthorization},
		{"unique text", errors.New("duplicate key value violates unique constraint"), CategoryConflict},
		{"fetch text", errors.New("TypeError: fetch failed"), CategoryNetwork},
		{"plain", errors.New("boom"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, tt.want.UserMessage(), got.Message)
			assert.Equal(t, tt.err, got.Err)
		})
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := newError(CategoryConflict, errors.New("taken"))
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
	assert.Nil(t, Classify(nil))
	assert.Equal(t, Category(""), CategoryOf(nil))
}

func TestCategoryRetryable(t *testing.T) {
	retryable := map[Category]bool{
		CategoryNetwork:        true,
		CategoryServer:         true,
		CategoryValidation:     false,
		CategoryAuthentication: false,
		CategoryAuthorization:  false,
		CategoryNotFound:       false,
		CategoryConflict:       false,
		CategoryRateLimit:      false,
		CategoryUnknown:        false,
	}
	for c, want := range retryable {
		assert.Equal(t, want, c.Retryable(), c)
	}
}

func TestUserMessages(t *testing.T) {
	assert.Contains(t, CategoryConflict.UserMessage(), "Already assigned")
	assert.Contains(t, CategoryRateLimit.UserMessage(), "Try again shortly")
	assert.Equal(t, CategoryUnknown.UserMessage(), Category("bogus").UserMessage())
}
