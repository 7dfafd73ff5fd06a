package identity

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedError_Wrapped(t *testing.T) {
	base := &RateLimitedError{Op: "create user", RetryAfter: 3 * time.Second}
	err := fmt.Errorf("record 4: %w", base)

	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	assert.Same(t, base, rl)
	assert.True(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "retry after 3s")

	assert.False(t, IsRateLimited(errors.New("boom")))
	assert.False(t, IsRateLimited(nil))
}

func TestRateLimitedError_NoHint(t *testing.T) {
	err := &RateLimitedError{Op: "enroll totp"}
	assert.Equal(t, "enroll totp: rate limited", err.Error())
}

func TestAPIError(t *testing.T) {
	err := &APIError{Op: "create user", Status: http.StatusConflict, Code: "email_not_available", Message: "taken"}
	assert.Equal(t, "create user: 409 email_not_available: taken", err.Error())
	assert.True(t, IsConflict(fmt.Errorf("wrapped: %w", err)))

	err = &APIError{Op: "list users", Status: http.StatusInternalServerError}
	assert.Equal(t, "list users: 500: Internal Server Error", err.Error())
	assert.False(t, IsConflict(err))
}

func TestIsPasswordAlreadySet(t *testing.T) {
	err := &APIError{Op: "update password", Status: http.StatusUnprocessableEntity, Code: CodePasswordAlreadySet}
	assert.True(t, IsPasswordAlreadySet(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsConflict(err))

	assert.False(t, IsPasswordAlreadySet(&APIError{Op: "update password", Status: http.StatusBadRequest, Code: "invalid_hash"}))
	assert.False(t, IsPasswordAlreadySet(errors.New("password_already_set")))
}
