// Package testutil provides test doubles shared across packages.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/idmigrate/internal/identity"
)

// Operations of identity.Service, as recorded by FakeService.
const (
	OpCreate         = "create_user"
	OpList           = "list_users"
	OpUpdatePassword = "update_password"
	OpEnrollTOTP     = "enroll_totp"
)

// FakeService is an in-memory identity.Service.
//
// Behaviour is scripted per email address: a call can be throttled a fixed
// number of times, or made to fail. It also tracks how many calls were in
// flight at once so tests can assert the concurrency bound.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeService struct {
	// Delay is how long every call takes. Zero means calls return at once.
	Delay time.Duration

	// RetryAfter is the hint attached to scripted throttles.
	RetryAfter time.Duration

	mu        sync.Mutex
	users     []identity.User
	passwords map[string]identity.PasswordHash // by user id
	factors   map[string][]string              // by user id
	created   []identity.CreateUserParams
	throttles map[scriptKey]int
	failures  map[scriptKey]error
	calls     map[string]int
	inFlight  int
	peak      int
}

type scriptKey struct {
	op    string
	email string
}

// NewFakeService creates an empty FakeService.
func NewFakeService() *FakeService {
	return &FakeService{
		passwords: make(map[string]identity.PasswordHash),
		factors:   make(map[string][]string),
		throttles: make(map[scriptKey]int),
		failures:  make(map[scriptKey]error),
		calls:     make(map[string]int),
	}
}

var _ identity.Service = (*FakeService)(nil)

// AddUser seeds a pre-existing remote user. Duplicate emails are allowed.
func (f *FakeService) AddUser(email, firstName, lastName string) identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := identity.User{ID: newUserID(), Email: email, FirstName: firstName, LastName: lastName}
	f.users = append(f.users, u)
	return u
}

// Throttle makes the next n calls of op for email return a RateLimitedError.
func (f *FakeService) Throttle(op, email string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttles[scriptKey{op, strings.ToLower(email)}] += n
}

// Fail makes every call of op for email return err.
func (f *FakeService) Fail(op, email string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[scriptKey{op, strings.ToLower(email)}] = err
}

func (f *FakeService) CreateUser(ctx context.Context, params identity.CreateUserParams) (identity.User, error) {
	if err := f.enter(ctx, OpCreate, params.Email); err != nil {
		return identity.User{}, err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if strings.EqualFold(u.Email, params.Email) {
			return identity.User{}, &identity.APIError{
				Op: OpCreate, Status: http.StatusConflict,
				Code: "email_not_available", Message: "This email is not available.",
			}
		}
	}

	u := identity.User{
		ID:        newUserID(),
		Email:     params.Email,
		FirstName: params.FirstName,
		LastName:  params.LastName,
	}
	if params.EmailVerified != nil {
		u.EmailVerified = *params.EmailVerified
	}
	f.users = append(f.users, u)
	f.created = append(f.created, params)
	if params.Password != nil {
		f.passwords[u.ID] = *params.Password
	}
	return u, nil
}

func (f *FakeService) ListUsersByEmail(ctx context.Context, email string) ([]identity.User, error) {
	if err := f.enter(ctx, OpList, email); err != nil {
		return nil, err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()

	var matches []identity.User
	for _, u := range f.users {
		if strings.ToLower(u.Email) == email {
			matches = append(matches, u)
		}
	}
	return matches, nil
}

func (f *FakeService) UpdatePassword(ctx context.Context, userID string, password identity.PasswordHash) error {
	if err := f.enter(ctx, OpUpdatePassword, f.emailOf(userID)); err != nil {
		return err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists(userID) {
		return notFound(OpUpdatePassword, userID)
	}
	f.passwords[userID] = password
	return nil
}

func (f *FakeService) EnrollTOTP(ctx context.Context, userID, secret string) error {
	if err := f.enter(ctx, OpEnrollTOTP, f.emailOf(userID)); err != nil {
		return err
	}
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists(userID) {
		return notFound(OpEnrollTOTP, userID)
	}
	f.factors[userID] = append(f.factors[userID], secret)
	return nil
}

// Users returns every remote user, seeded and created, in insertion order.
func (f *FakeService) Users() []identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]identity.User(nil), f.users...)
}

// UserByEmail returns the first user with the given email.
func (f *FakeService) UserByEmail(email string) (identity.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			return u, true
		}
	}
	return identity.User{}, false
}

// Created returns the parameters of every successful CreateUser call.
func (f *FakeService) Created() []identity.CreateUserParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]identity.CreateUserParams(nil), f.created...)
}

// Password returns the hash stored for userID.
func (f *FakeService) Password(userID string) (identity.PasswordHash, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.passwords[userID]
	return p, ok
}

// Factors returns the TOTP secrets enrolled for userID.
func (f *FakeService) Factors(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.factors[userID]...)
}

// Calls returns how many times op was invoked, including throttled and
// failed calls.
func (f *FakeService) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// PeakConcurrency returns the highest number of calls observed in flight.
func (f *FakeService) PeakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// enter records the call, applies Delay and scripted outcomes. On nil return
// the caller must call exit.
func (f *FakeService) enter(ctx context.Context, op, email string) error {
	key := scriptKey{op, strings.ToLower(email)}

	f.mu.Lock()
	f.calls[op]++
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	delay := f.Delay
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.exit()
			return ctx.Err()
		case <-timer.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.throttles[key] > 0 {
		f.throttles[key]--
		f.inFlight--
		return &identity.RateLimitedError{Op: op, RetryAfter: f.RetryAfter}
	}
	if err, ok := f.failures[key]; ok {
		f.inFlight--
		return err
	}
	return nil
}

func (f *FakeService) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
}

func (f *FakeService) emailOf(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == userID {
			return u.Email
		}
	}
	return ""
}

// exists must be called with f.mu held.
func (f *FakeService) exists(userID string) bool {
	for _, u := range f.users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

func notFound(op, userID string) error {
	return &identity.APIError{
		Op: op, Status: http.StatusNotFound,
		Code: "entity_not_found", Message: fmt.Sprintf("user %s not found", userID),
	}
}

func newUserID() string {
	return "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
