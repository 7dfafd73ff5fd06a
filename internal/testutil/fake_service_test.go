package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idmigrate/internal/identity"
)

func TestFakeService_CreateThenConflict(t *testing.T) {
	ctx := context.Background()
	f := NewFakeService()

	u, err := f.CreateUser(ctx, identity.CreateUserParams{Email: "a@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	_, err = f.CreateUser(ctx, identity.CreateUserParams{Email: "A@example.com"})
	require.Error(t, err)
	assert.True(t, identity.IsConflict(err))

	assert.Len(t, f.Created(), 1)
	assert.Equal(t, 2, f.Calls(OpCreate))
}

func TestFakeService_ListMatchesLowercase(t *testing.T) {
	f := NewFakeService()
	f.AddUser("Dup@example.com", "", "")
	f.AddUser("dup@example.com", "", "")
	f.AddUser("other@example.com", "", "")

	got, err := f.ListUsersByEmail(context.Background(), "dup@example.com")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFakeService_ThrottleCountsDown(t *testing.T) {
	ctx := context.Background()
	f := NewFakeService()
	f.RetryAfter = 2 * time.Second
	f.Throttle(OpCreate, "a@example.com", 2)

	for i := 0; i < 2; i++ {
		_, err := f.CreateUser(ctx, identity.CreateUserParams{Email: "a@example.com"})
		rl, ok := identity.AsRateLimited(err)
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, 2*time.Second, rl.RetryAfter)
	}

	_, err := f.CreateUser(ctx, identity.CreateUserParams{Email: "a@example.com"})
	require.NoError(t, err)
}

func TestFakeService_FailEnroll(t *testing.T) {
	ctx := context.Background()
	f := NewFakeService()
	u := f.AddUser("a@example.com", "", "")
	boom := errors.New("boom")
	f.Fail(OpEnrollTOTP, "a@example.com", boom)

	err := f.EnrollTOTP(ctx, u.ID, "SECRET")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.Factors(u.ID))
}

func TestFakeService_UnknownUser(t *testing.T) {
	err := NewFakeService().EnrollTOTP(context.Background(), "user_missing", "SECRET")
	var apiErr *identity.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestFakeService_PeakConcurrency(t *testing.T) {
	f := NewFakeService()
	f.Delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.ListUsersByEmail(context.Background(), "x@example.com")
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, f.Calls(OpList))
	assert.GreaterOrEqual(t, f.PeakConcurrency(), 2)
	assert.LessOrEqual(t, f.PeakConcurrency(), 4)
}
