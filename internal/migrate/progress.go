package migrate

import "sync"

// Counts is a point-in-time view of a run's progress.
type Counts struct {
	Submitted int64 `json:"submitted"` // records pulled from the user export
	Completed int64 `json:"completed"` // records resolved to a remote user without error
	Failed    int64 `json:"failed"`    // records that ended in a reconciliation failure
	Retried   int64 `json:"retried"`   // throttled attempts that were requeued
}

// Progress holds the counters shared by every task of one run.
//
// All counters sit behind one mutex so a Snapshot never observes
// completed > submitted.
type Progress struct {
	mu sync.Mutex
	c  Counts
}

// Submit records a new record and returns its 1-based sequence number.
func (p *Progress) Submit() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Submitted++
	return p.c.Submitted
}

// Complete records a successfully reconciled record.
func (p *Progress) Complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Completed++
}

// Fail records a record that will not be retried.
func (p *Progress) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Failed++
}

// Retry records a throttled attempt.
func (p *Progress) Retry() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Retried++
}

// Snapshot returns the current counts.
func (p *Progress) Snapshot() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c
}
