package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/idmigrate/internal/ndjson"
)

// IngestStats summarizes one Ingest call.
type IngestStats struct {
	Path       string `json:"path"`
	Kind       Kind   `json:"kind"`
	Inserted   int64  `json:"inserted"`
	Duplicates int64  `json:"duplicates"` // records whose subject was already staged
	Skipped    int64  `json:"skipped"`    // valid records filtered out (non-TOTP factors)
}

// entry is one decoded credential ready for insertion.
type entry struct {
	subjectID string
	value     string
}

// Ingest streams the export at path into the table for kind.
//
// Records are validated against the kind's schema; the first invalid record
// aborts the file with an *ndjson.ParseError and rolls back everything
// inserted from it. Ingest may be called any number of times with different
// (or identical) files.
func (s *Store) Ingest(ctx context.Context, path string, kind Kind) (IngestStats, error) {
	stats := IngestStats{Path: path, Kind: kind}

	t, known := tables[kind]
	if !known {
		return stats, fmt.Errorf("ingest: unknown credential kind %q", kind)
	}

	stream, err := ndjson.Open(path)
	if err != nil {
		return stats, err
	}
	defer stream.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("ingest %s: begin tx: %w", path, err)
	}
	defer tx.Rollback() // No-op if committed

	insert, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (subject_id, %s) VALUES (?, ?) ON CONFLICT(subject_id) DO NOTHING",
		t.name, t.column,
	))
	if err != nil {
		return stats, fmt.Errorf("ingest %s: prepare: %w", path, err)
	}
	defer insert.Close()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		raw, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}

		e, keep, err := s.decode(kind, raw)
		if err != nil {
			return stats, stream.Fail(err)
		}
		if !keep {
			stats.Skipped++
			continue
		}

		res, err := insert.ExecContext(ctx, e.subjectID, e.value)
		if err != nil {
			return stats, fmt.Errorf("ingest %s line %d: %w", path, stream.Line(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return stats, fmt.Errorf("ingest %s: rows affected: %w", path, err)
		}
		if n == 0 {
			stats.Duplicates++
		} else {
			stats.Inserted += n
		}
	}

	if err := logIngest(ctx, tx, stats); err != nil {
		return stats, err
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("ingest %s: commit: %w", path, err)
	}
	return stats, nil
}

// decode turns a raw export line into an entry. keep is false for valid
// records that carry nothing to stage.
func (s *Store) decode(kind Kind, raw json.RawMessage) (e entry, keep bool, err error) {
	switch kind {
	case KindPassword:
		p, err := s.validator.DecodePassword(raw)
		if err != nil {
			return entry{}, false, err
		}
		return entry{subjectID: p.SubjectID(), value: p.Hash}, true, nil

	case KindMFASecret:
		secret, err := s.validator.DecodeOTPSecret(raw)
		if err != nil {
			return entry{}, false, err
		}
		if !secret.IsTOTP() {
			return entry{}, false, nil
		}
		return entry{subjectID: secret.UserID, value: secret.Secret}, true, nil
	}
	return entry{}, false, fmt.Errorf("ingest: unknown credential kind %q", kind)
}

func logIngest(ctx context.Context, tx *sql.Tx, stats IngestStats) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_log (source_path, kind, inserted, duplicates, skipped)
		VALUES (?, ?, ?, ?, ?)
	`, stats.Path, string(stats.Kind), stats.Inserted, stats.Duplicates, stats.Skipped)
	if err != nil {
		return fmt.Errorf("ingest %s: write log: %w", stats.Path, err)
	}
	return nil
}
