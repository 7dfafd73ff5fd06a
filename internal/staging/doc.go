// Package staging provides the SQLite-backed lookup store that holds
// credential material from auxiliary exports during a migration run.
//
// The store is built in a pre-pass (Ingest, once per export file) and then
// read concurrently by the main pass (Lookup). Two kinds of credential share
// the subject-id key space but live in separate tables:
//
//   - passwords:   subject_id → bcrypt hash
//   - otp_secrets: subject_id → TOTP secret
//
// # Idempotency
//
// Every insert is ON CONFLICT(subject_id) DO NOTHING. Re-ingesting a file, or
// ingesting two files that both mention a subject, never overwrites: the first
// value seen wins. Each file is ingested in one transaction, so a file that
// fails validation leaves no partial rows behind.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads from worker goroutines
//   - synchronous=NORMAL: the file is scratch space, not a system of record
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// The backing file is caller-controlled and usually deleted after the run
// (see Remove).
package staging
