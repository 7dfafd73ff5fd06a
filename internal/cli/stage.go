package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/idmigrate/internal/migrate"
	"github.com/roach88/idmigrate/internal/staging"
)

// StageOptions holds flags for the stage command.
type StageOptions struct {
	*RootOptions
	PasswordExport string
	MFAExport      string
	TempDB         string
}

// StageResult is the stage command's JSON payload.
type StageResult struct {
	Path    string                `json:"path"`
	Ingests []staging.IngestStats `json:"ingests"`
}

// NewStageCommand creates the stage command.
func NewStageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StageOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Load credential exports into a staging file",
		Long: `Load password hash and MFA secret exports into the SQLite staging file
without contacting WorkOS.

Staging is idempotent: the first value seen for a user wins, so the same
export can be staged again safely. A later migrate run with the same
--temp-db and --cleanup-temp-db=false (or true, to delete it afterwards)
picks the staged credentials up.

Example:
  idmigrate stage --password-export passwords.ndjson --temp-db creds.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PasswordExport, "password-export", "", "path to the Auth0 password hash export, NDJSON")
	cmd.Flags().StringVar(&opts.MFAExport, "mfa-export", "", "path to the Auth0 MFA secret export, NDJSON")
	cmd.Flags().StringVar(&opts.TempDB, "temp-db", staging.DefaultPath, "path of the SQLite staging file")

	return cmd
}

func runStage(opts *StageOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	if opts.PasswordExport == "" && opts.MFAExport == "" {
		return commandError(formatter, ErrCodeConfig, "nothing to stage",
			fmt.Errorf("set --password-export and/or --mfa-export"))
	}

	store, err := staging.Open(opts.TempDB)
	if err != nil {
		return commandError(formatter, ErrCodeResource, "failed to open staging store", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("error closing staging store", "error", closeErr)
		}
	}()

	result := StageResult{Path: store.Path()}
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
		stats, err := store.Ingest(cmd.Context(), export.path, export.kind)
		if err != nil {
			if migrate.IsParseError(err) {
				_ = formatter.Error(ErrCodeParse, err.Error(), nil)
				return WrapExitError(ExitFailure, "staging failed", err)
			}
			return commandError(formatter, ErrCodeResource, "staging failed", err)
		}
		logger.Debug("staged credentials", "kind", stats.Kind, "path", stats.Path, "inserted", stats.Inserted)
		result.Ingests = append(result.Ingests, stats)
	}

	var text strings.Builder
	for i, s := range result.Ingests {
		if i > 0 {
			text.WriteString("\n")
		}
		fmt.Fprintf(&text, "Staged %d %s record(s) from %s (%d duplicate, %d skipped).",
			s.Inserted, s.Kind, s.Path, s.Duplicates, s.Skipped)
	}
	return formatter.Success(result, text.String())
}
