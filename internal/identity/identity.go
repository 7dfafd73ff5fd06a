// Package identity defines the contract of the remote identity service that
// users are migrated into.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HashTypeBcrypt is the only password hash algorithm Auth0 exports.
const HashTypeBcrypt = "bcrypt"

// User is a remote identity.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
}

// PasswordHash is pre-hashed credential material attached to a user.
type PasswordHash struct {
	Hash string
	Type string
}

// CreateUserParams is the profile (and optional credential) for a new user.
type CreateUserParams struct {
	Email         string
	EmailVerified *bool
	FirstName     string
	LastName      string
	Password      *PasswordHash
}

// Service is the remote identity service.
//
// Any method may return a *RateLimitedError; callers must treat it as
// "try again later", never as a final answer.
type Service interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	ListUsersByEmail(ctx context.Context, email string) ([]User, error)
	UpdatePassword(ctx context.Context, userID string, password PasswordHash) error
	EnrollTOTP(ctx context.Context, userID, secret string) error
}

// RateLimitedError is returned when the service refuses a call because the
// client is over its rate limit.
type RateLimitedError struct {
	Op         string        // operation that was throttled
	RetryAfter time.Duration // service hint; 0 when none was given
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

// AsRateLimited returns the *RateLimitedError in err's chain, if any.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsRateLimited returns true if err is or wraps a *RateLimitedError.
func IsRateLimited(err error) bool {
	_, ok := AsRateLimited(err)
	return ok
}

// APIError is a non-throttle error response from the service.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s: %d: %s", e.Op, e.Status, msg)
}

// CodePasswordAlreadySet is the APIError code returned when a password is set
// on a user that already has one.
const CodePasswordAlreadySet = "password_already_set"

// IsPasswordAlreadySet reports whether err is an APIError with code
// CodePasswordAlreadySet.
func IsPasswordAlreadySet(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodePasswordAlreadySet
	}
	return false
}

// IsConflict reports whether err is an APIError for a duplicate resource.
func IsConflict(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusConflict
	}
	return false
}
