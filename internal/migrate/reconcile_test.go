package migrate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idmigrate/internal/identity"
	"github.com/roach88/idmigrate/internal/schema"
	"github.com/roach88/idmigrate/internal/staging"
	"github.com/roach88/idmigrate/internal/testutil"
)

const testHash = "$2b$10$abcdefghijklmnopqrstuvxyz"

// stagedCreds is an in-memory CredentialLookup.
type stagedCreds map[staging.Kind]map[string]string

func (s stagedCreds) Lookup(_ context.Context, subjectID string, kind staging.Kind) (string, bool, error) {
	v, ok := s[kind][subjectID]
	return v, ok, nil
}

type brokenCreds struct{ err error }

func (b brokenCreds) Lookup(context.Context, string, staging.Kind) (string, bool, error) {
	return "", false, b.err
}

var bothKinds = []staging.Kind{staging.KindPassword, staging.KindMFASecret}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReconciler(svc identity.Service, creds CredentialLookup, cfg ReconcilerConfig) *Reconciler {
	return NewReconciler(svc, creds, cfg, discardLogger(), NewMetrics())
}

func TestReconcile_CreatesWithStagedHash(t *testing.T) {
	svc := testutil.NewFakeService()
	creds := stagedCreds{staging.KindPassword: {"auth0|abc123": testHash}}
	r := newTestReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds})

	verified := true
	res, err := r.Reconcile(context.Background(), schema.User{
		ID: "auth0|abc123", Email: "a@example.com", EmailVerified: &verified,
		GivenName: "Ada", FamilyName: "Lovelace",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.Warnings)

	created := svc.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "a@example.com", created[0].Email)
	assert.Equal(t, "Ada", created[0].FirstName)
	assert.Equal(t, "Lovelace", created[0].LastName)
	require.NotNil(t, created[0].EmailVerified)
	assert.True(t, *created[0].EmailVerified)
	require.NotNil(t, created[0].Password)
	assert.Equal(t, identity.PasswordHash{Hash: testHash, Type: identity.HashTypeBcrypt}, *created[0].Password)

	assert.Equal(t, 0, svc.Calls(testutil.OpList))
}

func TestReconcile_CreateWithoutStagedCredentials(t *testing.T) {
	svc := testutil.NewFakeService()
	r := newTestReconciler(svc, nil, ReconcilerConfig{Kinds: bothKinds})

	_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|1", Email: "b@example.com"})
	require.NoError(t, err)

	created := svc.Created()
	require.Len(t, created, 1)
	assert.Nil(t, created[0].Password)
	assert.Equal(t, 0, svc.Calls(testutil.OpEnrollTOTP))
}

func TestReconcile_UnstagedKindIsNotLookedUp(t *testing.T) {
	svc := testutil.NewFakeService()
	r := newTestReconciler(svc, brokenCreds{errors.New("must not be called")},
		ReconcilerConfig{Kinds: nil})

	_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|1", Email: "b@example.com"})
	require.NoError(t, err)
}

func TestReconcile_ConflictFallsBackToEmailLookup(t *testing.T) {
	svc := testutil.NewFakeService()
	existing := svc.AddUser("Jane@Example.com", "Jane", "Doe")
	creds := stagedCreds{
		staging.KindPassword:  {"auth0|jane": testHash},
		staging.KindMFASecret: {"auth0|jane": "JBSWY3DPEHPK3PXP"},
	}
	r := newTestReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds})

	res, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|jane", Email: "JANE@example.com"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, existing.ID, res.User.ID)

	pw, ok := svc.Password(existing.ID)
	require.True(t, ok, "staged hash should be set on the existing user")
	assert.Equal(t, testHash, pw.Hash)
	assert.Equal(t, []string{"JBSWY3DPEHPK3PXP"}, svc.Factors(existing.ID))
}

func TestReconcile_AmbiguousMatchFails(t *testing.T) {
	svc := testutil.NewFakeService()
	svc.AddUser("dup@example.com", "", "")
	svc.AddUser("DUP@example.com", "", "")
	r := newTestReconciler(svc, nil, ReconcilerConfig{})

	_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|dup", Email: "dup@example.com"})
	require.Error(t, err)
	assert.True(t, IsReconciliationFailure(err))
	assert.ErrorIs(t, err, ErrAmbiguousMatch)
	assert.Equal(t, 0, svc.Calls(testutil.OpEnrollTOTP))
}

func TestReconcile_NoMatchFails(t *testing.T) {
	svc := testutil.NewFakeService()
	svc.Fail(testutil.OpCreate, "gone@example.com", &identity.APIError{Op: "create_user", Status: 422, Message: "invalid"})
	r := newTestReconciler(svc, nil, ReconcilerConfig{})

	_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|gone", Email: "gone@example.com"})
	require.Error(t, err)
	assert.True(t, IsReconciliationFailure(err))
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, 1, svc.Calls(testutil.OpList))
}

func TestReconcile_LookupErrorFails(t *testing.T) {
	svc := testutil.NewFakeService()
	svc.Fail(testutil.OpCreate, "x@example.com", errors.New("create broke"))
	svc.Fail(testutil.OpList, "x@example.com", errors.New("list broke"))
	r := newTestReconciler(svc, nil, ReconcilerConfig{})

	_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|x", Email: "x@example.com"})
	require.Error(t, err)
	assert.True(t, IsReconciliationFailure(err))
	assert.ErrorIs(t, err, ErrLookupFailed)
}

func TestReconcile_MissingEmail(t *testing.T) {
	svc := testutil.NewFakeService()
	r := newTestReconciler(svc, nil, ReconcilerConfig{})

	for _, email := range []string{"", "   "} {
		_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|noemail", Email: email})
		require.Error(t, err)
		assert.True(t, IsReconciliationFailure(err))
		assert.ErrorIs(t, err, ErrMissingEmail)
	}
	assert.Equal(t, 0, svc.Calls(testutil.OpCreate))
}

func TestReconcile_MFAFailurePolicy(t *testing.T) {
	creds := stagedCreds{staging.KindMFASecret: {"auth0|m": "SECRET"}}
	user := schema.User{ID: "auth0|m", Email: "m@example.com"}

	t.Run("warn", func(t *testing.T) {
		svc := testutil.NewFakeService()
		svc.Fail(testutil.OpEnrollTOTP, user.Email, errors.New("factor rejected"))
		r := newTestReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds, MFAFailure: PolicyWarn})

		res, err := r.Reconcile(context.Background(), user)
		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "factor rejected")
	})

	t.Run("fail", func(t *testing.T) {
		svc := testutil.NewFakeService()
		svc.Fail(testutil.OpEnrollTOTP, user.Email, errors.New("factor rejected"))
		r := newTestReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds, MFAFailure: PolicyFail})

		_, err := r.Reconcile(context.Background(), user)
		require.Error(t, err)
		assert.True(t, IsReconciliationFailure(err))
		assert.ErrorIs(t, err, ErrMFAEnrollment)
		assert.Contains(t, err.Error(), "mfa enrollment failed: factor rejected")
	})
}

func TestReconcile_PasswordUpdateFailurePolicy(t *testing.T) {
	creds := stagedCreds{staging.KindPassword: {"auth0|p": testHash}}
	user := schema.User{ID: "auth0|p", Email: "p@example.com"}

	svc := testutil.NewFakeService()
	svc.AddUser(user.Email, "", "")
	svc.Fail(testutil.OpUpdatePassword, user.Email, errors.New("weak hash"))

	warn := newTestReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds})
	res, err := warn.Reconcile(context.Background(), user)
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)

	fail := newTestReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds, PasswordFailure: PolicyFail})
	_, err = fail.Reconcile(context.Background(), user)
	assert.True(t, IsReconciliationFailure(err))
	assert.ErrorIs(t, err, ErrPasswordUpdate)
	assert.NotErrorIs(t, err, ErrMFAEnrollment)
}

func TestReconcile_PasswordAlreadySetIsNotAFailure(t *testing.T) {
	creds := stagedCreds{staging.KindPassword: {"auth0|p": testHash}}
	user := schema.User{ID: "auth0|p", Email: "p@example.com"}

	svc := testutil.NewFakeService()
	svc.AddUser(user.Email, "", "")
	svc.Fail(testutil.OpUpdatePassword, user.Email, &identity.APIError{
		Op: testutil.OpUpdatePassword, Status: http.StatusUnprocessableEntity,
		Code: identity.CodePasswordAlreadySet, Message: "This user already has a password set.",
	})

	m := NewMetrics()
	r := NewReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds, PasswordFailure: PolicyFail}, discardLogger(), m)

	res, err := r.Reconcile(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 0.0, metricValue(t, m, "idmigrate_password_update_failures_total"))
}

func TestReconcile_LogsConflictBeforeLookup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	svc := testutil.NewFakeService()
	svc.AddUser("c@example.com", "", "")
	r := NewReconciler(svc, nil, ReconcilerConfig{}, logger, NewMetrics())

	_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|c", Email: "c@example.com"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "email already registered, looking up by email")
	assert.NotContains(t, buf.String(), "create failed, looking up by email")
}

func TestReconcile_RateLimitPropagates(t *testing.T) {
	creds := stagedCreds{
		staging.KindPassword:  {"auth0|rl": testHash},
		staging.KindMFASecret: {"auth0|rl": "SECRET"},
	}
	user := schema.User{ID: "auth0|rl", Email: "rl@example.com"}

	tests := []struct {
		name   string
		op     string
		seeded bool // pre-existing user forces the lookup path
	}{
		{"create", testutil.OpCreate, false},
		{"list", testutil.OpList, true},
		{"update password", testutil.OpUpdatePassword, true},
		{"enroll", testutil.OpEnrollTOTP, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testutil.NewFakeService()
			if tt.seeded {
				svc.AddUser(user.Email, "", "")
			}
			svc.Throttle(tt.op, user.Email, 1)
			r := newTestReconciler(svc, creds, ReconcilerConfig{Kinds: bothKinds})

			_, err := r.Reconcile(context.Background(), user)
			require.Error(t, err)
			assert.True(t, identity.IsRateLimited(err))
			assert.False(t, IsReconciliationFailure(err))
		})
	}
}

func TestReconcile_StagingLookupErrorIsFatal(t *testing.T) {
	svc := testutil.NewFakeService()
	r := newTestReconciler(svc, brokenCreds{errors.New("disk I/O error")}, ReconcilerConfig{Kinds: bothKinds})

	_, err := r.Reconcile(context.Background(), schema.User{ID: "auth0|1", Email: "a@example.com"})
	require.Error(t, err)
	assert.True(t, IsResourceError(err))
	assert.False(t, IsReconciliationFailure(err))
	assert.Equal(t, 0, svc.Calls(testutil.OpCreate))
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyWarn, p)

	p, err = ParseFailurePolicy("fail")
	require.NoError(t, err)
	assert.Equal(t, PolicyFail, p)

	_, err = ParseFailurePolicy("ignore")
	assert.Error(t, err)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jane@example.com", normalizeEmail("  Jane@Example.COM "))
	assert.Equal(t, "\u00e9@example.com", normalizeEmail("E\u0301@example.com"))
}
