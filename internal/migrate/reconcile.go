package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/idmigrate/internal/identity"
	"github.com/roach88/idmigrate/internal/schema"
	"github.com/roach88/idmigrate/internal/staging"
)

// FailurePolicy decides what a failed credential sub-step does to its record.
type FailurePolicy string

const (
	// PolicyWarn logs the failure and still counts the record as imported.
	PolicyWarn FailurePolicy = "warn"
	// PolicyFail turns the failure into a reconciliation failure.
	PolicyFail FailurePolicy = "fail"
)

// ParseFailurePolicy validates a policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case PolicyWarn, PolicyFail:
		return p, nil
	case "":
		return PolicyWarn, nil
	}
	return "", fmt.Errorf("invalid failure policy %q: must be %q or %q", s, PolicyWarn, PolicyFail)
}

// CredentialLookup reads staged credential material.
type CredentialLookup interface {
	Lookup(ctx context.Context, subjectID string, kind staging.Kind) (string, bool, error)
}

// RecordReconciler resolves one user record to a remote identity.
type RecordReconciler interface {
	Reconcile(ctx context.Context, user schema.User) (Result, error)
}

// Result is the outcome of a successful reconciliation.
type Result struct {
	User     identity.User
	Created  bool     // false when the user was found by email
	Warnings []string // sub-steps that failed under PolicyWarn
}

// ReconcilerConfig selects which staged credentials are applied.
type ReconcilerConfig struct {
	// Kinds lists the credential kinds that were staged. Lookups for other
	// kinds are skipped.
	Kinds []staging.Kind

	MFAFailure      FailurePolicy
	PasswordFailure FailurePolicy
}

// Reconciler implements RecordReconciler against an identity.Service.
//
// Error contract for Reconcile:
//   - *identity.RateLimitedError from any remote call is returned unchanged
//     (possibly wrapped) so the scheduler can back off and retry the record.
//   - Other remote failures become *Error{Code: ErrCodeReconciliation}.
//   - Staging lookup failures and context errors are returned as-is; they
//     are fatal to the run.
type Reconciler struct {
	service identity.Service
	creds   CredentialLookup
	kinds   map[staging.Kind]bool
	cfg     ReconcilerConfig
	logger  *slog.Logger
	metrics *Metrics
}

// NewReconciler creates a Reconciler. creds may be nil when no credential
// exports were staged; logger and metrics default when nil.
func NewReconciler(service identity.Service, creds CredentialLookup, cfg ReconcilerConfig, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg.MFAFailure == "" {
		cfg.MFAFailure = PolicyWarn
	}
	if cfg.PasswordFailure == "" {
		cfg.PasswordFailure = PolicyWarn
	}

	kinds := make(map[staging.Kind]bool, len(cfg.Kinds))
	if creds != nil {
		for _, k := range cfg.Kinds {
			kinds[k] = true
		}
	}

	return &Reconciler{
		service: service,
		creds:   creds,
		kinds:   kinds,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Reconcile creates the user remotely, falling back to a lookup by email when
// creation fails, then applies staged credentials to the resolved identity.
func (r *Reconciler) Reconcile(ctx context.Context, u schema.User) (Result, error) {
	if strings.TrimSpace(u.Email) == "" {
		return Result{}, NewReconciliationError(u.ID, "cannot create or look up user", ErrMissingEmail)
	}

	hash, hasHash, err := r.credential(ctx, u.ID, staging.KindPassword)
	if err != nil {
		return Result{}, err
	}

	params := identity.CreateUserParams{
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		FirstName:     u.GivenName,
		LastName:      u.FamilyName,
	}
	if hasHash {
		params.Password = &identity.PasswordHash{Hash: hash, Type: identity.HashTypeBcrypt}
	}

	res := Result{Created: true}
	res.User, err = r.service.CreateUser(ctx, params)
	if err != nil {
		if passthrough(ctx, err) {
			return Result{}, err
		}
		if identity.IsConflict(err) {
			r.logger.Debug("email already registered, looking up by email", "subject", u.ID)
		} else {
			r.logger.Debug("create failed, looking up by email", "subject", u.ID, "error", err)
		}

		res.User, err = r.findByEmail(ctx, u, err)
		if err != nil {
			return Result{}, err
		}
		res.Created = false

		if hasHash {
			err := r.service.UpdatePassword(ctx, res.User.ID, *params.Password)
			if err != nil {
				switch {
				case passthrough(ctx, err):
					return Result{}, err
				case identity.IsPasswordAlreadySet(err):
					r.logger.Info("user already has a password, keeping it", "subject", u.ID, "remote_id", res.User.ID)
				default:
					r.metrics.passwordFailures.Inc()
					if err := r.subStepFailed(&res, u, r.cfg.PasswordFailure, ErrPasswordUpdate, err); err != nil {
						return Result{}, err
					}
				}
			}
		}
	}

	secret, hasSecret, err := r.credential(ctx, u.ID, staging.KindMFASecret)
	if err != nil {
		return Result{}, err
	}
	if hasSecret {
		if err := r.service.EnrollTOTP(ctx, res.User.ID, secret); err != nil {
			if passthrough(ctx, err) {
				return Result{}, err
			}
			r.metrics.mfaFailures.Inc()
			if err := r.subStepFailed(&res, u, r.cfg.MFAFailure, ErrMFAEnrollment, err); err != nil {
				return Result{}, err
			}
		}
	}

	return res, nil
}

// findByEmail resolves the user when creation failed. Exactly one match is
// required.
func (r *Reconciler) findByEmail(ctx context.Context, u schema.User, createErr error) (identity.User, error) {
	matches, err := r.service.ListUsersByEmail(ctx, normalizeEmail(u.Email))
	if err != nil {
		if passthrough(ctx, err) {
			return identity.User{}, err
		}
		return identity.User{}, NewReconciliationError(u.ID,
			fmt.Sprintf("create failed (%v)", createErr), errors.Join(ErrLookupFailed, err))
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return identity.User{}, NewReconciliationError(u.ID,
			fmt.Sprintf("create failed (%v)", createErr), ErrNoMatch)
	default:
		return identity.User{}, NewReconciliationError(u.ID,
			fmt.Sprintf("create failed (%v); %d users share the email", createErr, len(matches)), ErrAmbiguousMatch)
	}
}

// subStepFailed applies policy to a failed credential step. Under PolicyWarn
// the failure is logged and recorded on res; under PolicyFail it is returned.
func (r *Reconciler) subStepFailed(res *Result, u schema.User, policy FailurePolicy, reason, err error) error {
	if policy == PolicyFail {
		return NewReconciliationError(u.ID, "credential step failed", fmt.Errorf("%w: %w", reason, err))
	}
	r.logger.Warn(reason.Error(), "subject", u.ID, "remote_id", res.User.ID, "error", err)
	res.Warnings = append(res.Warnings, fmt.Sprintf("%v: %v", reason, err))
	return nil
}

func (r *Reconciler) credential(ctx context.Context, subjectID string, kind staging.Kind) (string, bool, error) {
	if !r.kinds[kind] {
		return "", false, nil
	}
	v, ok, err := r.creds.Lookup(ctx, subjectID, kind)
	if err != nil {
		return "", false, NewResourceError("staging lookup", err)
	}
	return v, ok, nil
}

// passthrough reports whether a remote error must escape reconciliation
// untouched: throttles go to the backoff controller, cancellation ends the run.
func passthrough(ctx context.Context, err error) bool {
	return identity.IsRateLimited(err) || ctx.Err() != nil
}

var lowerEmail = cases.Lower(language.Und)

// normalizeEmail produces the lookup key for an email address.
func normalizeEmail(email string) string {
	return lowerEmail.String(norm.NFC.String(strings.TrimSpace(email)))
}
