// Package migrate moves user records from an export into a remote identity
// service.
//
// A run has two phases. First the optional credential exports (password
// hashes, TOTP secrets) are staged into a local SQLite file so they can be
// joined to users by subject id without holding them in memory. Then the user
// export is streamed through a Scheduler: each record is reconciled against
// the remote service by a Reconciler, with at most Concurrency records in
// flight.
//
// Rate limiting is handled in one place. When any call reports
// *identity.RateLimitedError, the scheduler closes its admission gate for the
// retry-after hint (or BackoffConfig.DefaultCooldown) plus a margin, and the
// throttled record goes back on the admission queue with its original
// sequence number. Records already in flight are not interrupted.
//
// Outcomes per record:
//
//	Completed  resolved to a remote identity (created, or found by email)
//	Failed     reconciliation failure; logged and counted, run continues
//	Throttled  requeued; becomes Completed or Failed on a later attempt
//
// Parse errors in the user export, staging lookup errors and cancellation
// stop the run.
package migrate
