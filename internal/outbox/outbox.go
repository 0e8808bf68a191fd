// Package outbox is a small persistent job queue used to schedule
// background work, primarily customer analysis runs. Jobs are written in
// the same transaction domain as the entities they concern and claimed by
// the monitor process.
package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that no outbox is configured. Callers that can
// degrade (the API surfaces "analysis not yet scheduled") test for it
// with errors.Is.
var ErrUnavailable = errors.New("outbox unavailable")

// Job kinds.
const (
	KindAnalyzeCustomer = "analyze_customer"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is one unit of scheduled background work. Payload is job-kind
// specific; for analyze_customer it is the customer ID.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outbox schedules and claims background jobs.
type Outbox interface {
	// Enqueue persists a new pending job and returns its ID.
	Enqueue(ctx context.Context, kind, payload string) (string, error)

	// Claim atomically moves the oldest pending job to running and
	// returns it. (nil, nil) when nothing is pending.
	Claim(ctx context.Context) (*Job, error)

	// Complete marks a running job done.
	Complete(ctx context.Context, jobID string) error

	// Fail records a failure. Jobs under the attempt limit go back to
	// pending; exhausted jobs are marked failed.
	Fail(ctx context.Context, jobID string, cause error) error

	// Pending reports whether any job of the kind/payload pair is
	// pending or running.
	Pending(ctx context.Context, kind, payload string) (bool, error)

	Close() error
}

// Unavailable is an Outbox that accepts nothing. It stands in when no
// queue is configured so callers get ErrUnavailable instead of a nil
// dereference.
type Unavailable struct{}

func (Unavailable) Enqueue(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}
func (Unavailable) Claim(context.Context) (*Job, error)       { return nil, ErrUnavailable }
func (Unavailable) Complete(context.Context, string) error    { return ErrUnavailable }
func (Unavailable) Fail(context.Context, string, error) error { return ErrUnavailable }
func (Unavailable) Pending(context.Context, string, string) (bool, error) {
	return false, ErrUnavailable
}
func (Unavailable) Close() error { return nil }
