package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/idmigrate/internal/config"
	"github.com/roach88/idmigrate/internal/identity"
	"github.com/roach88/idmigrate/internal/identity/workos"
	"github.com/roach88/idmigrate/internal/migrate"
	"github.com/roach88/idmigrate/internal/staging"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions

	UserExport      string
	PasswordExport  string
	MFAExport       string
	TempDB          string
	CleanupTempDB   bool
	Concurrency     int
	MFAFailure      string
	PasswordFailure string
	MetricsFile     string
	EnvFile         string

	// NewService overrides the WorkOS client (for testing).
	NewService func(cfg *config.Config) (identity.Service, error)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return newMigrateCommand(&MigrateOptions{RootOptions: rootOpts})
}

func newMigrateCommand(opts *MigrateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import users from Auth0 exports into WorkOS",
		Long: `Import every user of an Auth0 user export into WorkOS.

Each user is created in WorkOS with its staged password hash attached. When
creation fails (for example because the email is taken) the user is looked up
by email instead; exactly one match is required. Staged TOTP secrets are then
enrolled as authentication factors.

Requests that hit the WorkOS rate limit pause all new work for the advertised
retry-after period and are retried. Records that cannot be matched are logged
and skipped; the command still exits 0.

Configuration is read from the environment or a .env file:
  WORKOS_SECRET_KEY         API key (required)
  WORKOS_API_BASE_URL       API endpoint override
  APP_ENV                   "dev..." selects a local API on localhost:7000
  MIGRATE_DEFAULT_COOLDOWN  pause when no retry-after is given (default 10s)
  MIGRATE_COOLDOWN_MARGIN   added to every pause (default 1s)
  MIGRATE_HTTP_TIMEOUT      per-request timeout (default 30s)

Example:
  idmigrate migrate --user-export users.ndjson \
    --password-export passwords.ndjson --mfa-export mfa.ndjson`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.UserExport, "user-export", "", "path to the Auth0 user export, NDJSON (required)")
	cmd.Flags().StringVar(&opts.PasswordExport, "password-export", "", "path to the Auth0 password hash export, NDJSON")
	cmd.Flags().StringVar(&opts.MFAExport, "mfa-export", "", "path to the Auth0 MFA secret export, NDJSON")
	cmd.Flags().StringVar(&opts.TempDB, "temp-db", staging.DefaultPath, "path of the SQLite staging file")
	cmd.Flags().BoolVar(&opts.CleanupTempDB, "cleanup-temp-db", true, "delete the staging file when done")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", migrate.DefaultConcurrency, "users reconciled at once")
	cmd.Flags().StringVar(&opts.MFAFailure, "mfa-failure", string(migrate.PolicyWarn), "on TOTP enrollment failure: warn|fail")
	cmd.Flags().StringVar(&opts.PasswordFailure, "password-failure", string(migrate.PolicyWarn), "on password update failure for an existing user: warn|fail")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file when done")
	cmd.Flags().StringVar(&opts.EnvFile, "env-file", config.DefaultEnvFile, "optional env file with configuration")
	_ = cmd.MarkFlagRequired("user-export")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose).With("run_id", newRunID())

	mfaPolicy, err := migrate.ParseFailurePolicy(opts.MFAFailure)
	if err != nil {
		return commandError(formatter, ErrCodeConfig, "invalid --mfa-failure", err)
	}
	passwordPolicy, err := migrate.ParseFailurePolicy(opts.PasswordFailure)
	if err != nil {
		return commandError(formatter, ErrCodeConfig, "invalid --password-failure", err)
	}
	if opts.Concurrency < 1 {
		return commandError(formatter, ErrCodeConfig, "invalid --concurrency",
			fmt.Errorf("must be at least 1, got %d", opts.Concurrency))
	}

	cfg, err := config.LoadFile(opts.EnvFile)
	if err != nil {
		return commandError(formatter, ErrCodeConfig, "failed to load configuration", err)
	}

	newService := opts.NewService
	if newService == nil {
		newService = newWorkOSService
	}
	service, err := newService(cfg)
	if err != nil {
		return commandError(formatter, ErrCodeConfig, "failed to create WorkOS client", err)
	}

	ctx, stop := signalContext(cmd.Context(), logger)
	defer stop()

	metrics := migrate.NewMetrics()
	start := time.Now()
	logger.Info("migration starting",
		"user_export", opts.UserExport,
		"password_export", opts.PasswordExport,
		"mfa_export", opts.MFAExport,
		"temp_db", opts.TempDB,
		"concurrency", opts.Concurrency)

	counts, runErr := migrate.Run(ctx, service, migrate.Options{
		UserExport:      opts.UserExport,
		PasswordExport:  opts.PasswordExport,
		MFAExport:       opts.MFAExport,
		StagingPath:     opts.TempDB,
		Cleanup:         opts.CleanupTempDB,
		Concurrency:     opts.Concurrency,
		Backoff:         migrate.BackoffConfig{DefaultCooldown: cfg.DefaultCooldown, Margin: cfg.CooldownMargin},
		MFAFailure:      mfaPolicy,
		PasswordFailure: passwordPolicy,
	}, logger, metrics)

	if opts.MetricsFile != "" {
		if err := metrics.WriteTextfile(opts.MetricsFile); err != nil {
			logger.Error("failed to write metrics file", "path", opts.MetricsFile, "error", err)
		}
	}

	logger.Info("migration finished",
		"submitted", counts.Submitted,
		"completed", counts.Completed,
		"failed", counts.Failed,
		"retried", counts.Retried,
		"elapsed", time.Since(start).Round(time.Millisecond))

	if runErr != nil {
		return runError(formatter, counts, runErr)
	}

	return formatter.Success(counts, fmt.Sprintf("Done importing. %d of %d user records imported.",
		counts.Completed, counts.Submitted))
}

func newWorkOSService(cfg *config.Config) (identity.Service, error) {
	if err := cfg.RequireSecretKey(); err != nil {
		return nil, err
	}
	return workos.New(cfg.BaseURL(), cfg.SecretKey, workos.WithTimeout(cfg.HTTPTimeout))
}

// runError reports a run that stopped early. Counts reached so far go out
// as error details.
func runError(formatter *OutputFormatter, counts migrate.Counts, err error) error {
	code, exit := ErrCodeRun, ExitFailure
	switch {
	case migrate.IsResourceError(err):
		code, exit = ErrCodeResource, ExitCommandError
	case migrate.IsParseError(err):
		code = ErrCodeParse
	case errors.Is(err, context.Canceled):
		code = ErrCodeInterrupted
	}

	_ = formatter.Error(code, err.Error(), counts)
	return WrapExitError(exit, "migration failed", err)
}

func commandError(formatter *OutputFormatter, code, message string, err error) error {
	_ = formatter.Error(code, fmt.Sprintf("%s: %v", message, err), nil)
	return WrapExitError(ExitCommandError, message, err)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// signalContext cancels on SIGINT/SIGTERM. The returned stop releases the
// signal handler.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping admissions", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
