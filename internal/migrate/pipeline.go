package migrate

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/roach88/idmigrate/internal/identity"
	"github.com/roach88/idmigrate/internal/ndjson"
	"github.com/roach88/idmigrate/internal/schema"
	"github.com/roach88/idmigrate/internal/staging"
)

// Options configures one migration run.
type Options struct {
	UserExport     string // required
	PasswordExport string // optional
	MFAExport      string // optional

	StagingPath string // defaults to staging.DefaultPath
	Cleanup     bool   // delete the staging file when the run ends

	Concurrency int
	Backoff     BackoffConfig

	MFAFailure      FailurePolicy
	PasswordFailure FailurePolicy
}

// Run stages the credential exports, then reconciles every record of the user
// export against service.
//
// The staging store is closed, and removed when opts.Cleanup is set, on every
// return path. Counts are meaningful even when err is non-nil.
func Run(ctx context.Context, service identity.Service, opts Options, logger *slog.Logger, metrics *Metrics) (counts Counts, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if opts.UserExport == "" {
		return counts, NewResourceError("user export path is required", nil)
	}

	store, err := staging.Open(opts.StagingPath)
	if err != nil {
		return counts, NewResourceError("open staging store", err)
	}
	defer func() {
		err = errors.Join(err, releaseStore(store, opts.Cleanup, logger))
	}()

	var kinds []staging.Kind
	for _, export := range []struct {
		path string
		kind staging.Kind
	}{
		{opts.PasswordExport, staging.KindPassword},
		{opts.MFAExport, staging.KindMFASecret},
	} {
		if export.path == "" {
			continue
		}
		stats, err := store.Ingest(ctx, export.path, export.kind)
		if err != nil {
			return counts, stageError(export.path, err)
		}
		metrics.staged.WithLabelValues(string(export.kind)).Add(float64(stats.Inserted))
		logger.Info("staged credentials",
			"kind", stats.Kind, "path", stats.Path,
			"inserted", stats.Inserted, "duplicates", stats.Duplicates, "skipped", stats.Skipped)
		kinds = append(kinds, export.kind)
	}

	// A kept staging file from an earlier run or a separate stage step
	// still supplies credentials for kinds not ingested this time.
	for _, kind := range []staging.Kind{staging.KindPassword, staging.KindMFASecret} {
		if slices.Contains(kinds, kind) {
			continue
		}
		n, err := store.Count(ctx, kind)
		if err != nil {
			return counts, NewResourceError("read staging store", err)
		}
		if n > 0 {
			logger.Info("using previously staged credentials", "kind", kind, "count", n, "path", store.Path())
			kinds = append(kinds, kind)
		}
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return counts, err
	}

	stream, err := ndjson.Open(opts.UserExport)
	if err != nil {
		return counts, NewResourceError("open user export", err)
	}
	defer stream.Close()
	stream.SetLogger(logger)

	rec := NewReconciler(service, store, ReconcilerConfig{
		Kinds:           kinds,
		MFAFailure:      opts.MFAFailure,
		PasswordFailure: opts.PasswordFailure,
	}, logger, metrics)

	sched := NewScheduler(rec, SchedulerConfig{
		Concurrency: opts.Concurrency,
		Backoff:     opts.Backoff,
	}, logger, metrics)

	return sched.Run(ctx, &userSource{stream: stream, validator: validator})
}

// stageError keeps parse errors as they are and classifies the rest as
// resource failures.
func stageError(path string, err error) error {
	if IsParseError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewResourceError("stage "+path, err)
}

func releaseStore(store *staging.Store, cleanup bool, logger *slog.Logger) error {
	err := store.Close()
	if !cleanup {
		return err
	}
	if rmErr := staging.Remove(store.Path()); rmErr != nil {
		return errors.Join(err, NewResourceError("remove staging store", rmErr))
	}
	logger.Debug("removed staging store", "path", store.Path())
	return err
}

// userSource decodes user export lines into validated records.
type userSource struct {
	stream    *ndjson.Stream
	validator *schema.Validator
}

func (s *userSource) Next(ctx context.Context) (schema.User, error) {
	if err := ctx.Err(); err != nil {
		return schema.User{}, err
	}
	raw, err := s.stream.Next()
	if err != nil {
		return schema.User{}, err
	}
	u, err := s.validator.DecodeUser(raw)
	if err != nil {
		return schema.User{}, s.stream.Fail(err)
	}
	return u, nil
}
