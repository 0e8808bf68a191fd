package abtest

import (
	"fmt"

	"github.com/pokant/pokant/internal/store"
)

// NotFoundError reports a referenced entity that does not exist. It names
// the entity so callers can tell which reference was bad.
type NotFoundError struct {
	Entity string // "customer", "pattern", "variant", "test"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// InvalidStateError reports an operation attempted against a test that is
// not in the required status.
type InvalidStateError struct {
	TestID   string
	Status   store.TestStatus
	Expected store.TestStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("test %q is %q, expected %q", e.TestID, e.Status, e.Expected)
}

// AlreadyRunningError reports a deploy against a (customer, pattern) pair
// that already has a running test.
type AlreadyRunningError struct {
	CustomerID string
	PatternID  string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("pattern %q already has a running test for customer %q", e.PatternID, e.CustomerID)
}

// InsufficientImprovementError reports a promotion attempted without a
// real win. It is a rejected precondition, not a system fault.
type InsufficientImprovementError struct {
	ControlRate float64
	VariantRate float64
}

func (e *InsufficientImprovementError) Error() string {
	return fmt.Sprintf("variant did not outperform control (%.1f%% vs %.1f%%)", e.VariantRate, e.ControlRate)
}

// UpstreamError wraps a voice-platform failure with the operation that hit
// it. During deploy it aborts the whole operation; during best-effort
// cleanup it is logged and discarded.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
