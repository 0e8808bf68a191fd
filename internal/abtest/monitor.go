package abtest

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/stats"
	"github.com/pokant/pokant/internal/store"
)

// Decision is the outcome of evaluating one running test during a sweep.
type Decision string

const (
	DecisionNone     Decision = "none"     // window not yet elapsed
	DecisionExtended Decision = "extended" // needs more data
	DecisionPromoted Decision = "promoted"
	DecisionFailed   Decision = "failed"
)

// TestOutcome is one test's result within a sweep report.
type TestOutcome struct {
	TestID   string   `json:"test_id"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// SweepReport summarizes one monitor pass.
type SweepReport struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Active   int           `json:"active"`
	Decided  int           `json:"decided"`
	Errors   int           `json:"errors"`
	Outcomes []TestOutcome `json:"outcomes"`
}

// Monitor periodically evaluates all running tests and applies the
// decision policy: wait out the window, extend while underpowered,
// promote a significant win, fail a flat or losing variant.
type Monitor struct {
	store    store.Store
	manager  *Manager
	analyzer *stats.Analyzer
	log      *observability.Logger
	metrics  *observability.MetricsCollector

	windowDays  int
	concurrency int
	now         func() time.Time
}

// NewMonitor wires a monitor around an existing manager.
func NewMonitor(st store.Store, mgr *Manager, analyzer *stats.Analyzer, log *observability.Logger, metrics *observability.MetricsCollector) *Monitor {
	if log == nil {
		log = observability.NewLogger("monitor", nil)
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	concurrency := mgr.cfg.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Monitor{
		store:       st,
		manager:     mgr,
		analyzer:    analyzer,
		log:         log,
		metrics:     metrics,
		windowDays:  mgr.cfg.TestWindowDays,
		concurrency: concurrency,
		now:         mgr.now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled. One
// sweep runs immediately on start.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every running test once. A failure on one test is
// recorded and never blocks the others.
func (m *Monitor) Sweep(ctx context.Context) *SweepReport {
	start := m.now().UTC()
	report := &SweepReport{Started: start}

	tests, err := m.store.ListRunningTests(ctx)
	if err != nil {
		m.log.Error("list running tests", "error", err)
		report.Errors = 1
		report.Duration = m.now().UTC().Sub(start)
		return report
	}
	report.Active = len(tests)
	report.Outcomes = make([]TestOutcome, len(tests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, test := range tests {
		g.Go(func() error {
			outcome := m.evaluate(gctx, &test)
			report.Outcomes[i] = outcome
			return nil
		})
	}
	g.Wait()

	for _, o := range report.Outcomes {
		if o.Error != "" {
			report.Errors++
		}
		if o.Decision == DecisionPromoted || o.Decision == DecisionFailed {
			report.Decided++
		}
	}

	report.Duration = m.now().UTC().Sub(start)
	m.metrics.Record(observability.MetricSweepLatency,
		float64(report.Duration.Milliseconds()), nil)
	m.log.SweepEvent(report.Active, report.Decided, report.Errors,
		"duration_ms", report.Duration.Milliseconds())

	return report
}

// evaluate applies the decision policy to one running test.
func (m *Monitor) evaluate(ctx context.Context, test *store.ABTest) TestOutcome {
	outcome := TestOutcome{TestID: test.ID, Decision: DecisionNone}

	// Counts are refreshed every cycle, even inside the observation
	// window; only the decision waits for the window to elapse.
	snap, err := m.manager.FetchResults(ctx, test.ID)
	if err != nil {
		m.log.Error("fetch results", "test_id", test.ID, "error", err)
		outcome.Error = err.Error()
		return outcome
	}

	if snap.DaysRunning < m.windowDays {
		outcome.Reason = "window not elapsed"
		return outcome
	}

	sig := m.analyzer.CalculateSignificance(
		snap.Control.Successes, snap.Control.Calls,
		snap.Variant.Successes, snap.Variant.Calls)

	switch {
	case !sig.MinSampleMet:
		if err := m.manager.ExtendWindow(ctx, test); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Decision = DecisionExtended
		outcome.Reason = sig.Message

	case snap.Variant.SuccessRate > snap.Control.SuccessRate && sig.IsSignificant:
		if _, err := m.manager.PromoteWinner(ctx, test.ID); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Decision = DecisionPromoted

	case snap.Variant.SuccessRate <= snap.Control.SuccessRate:
		won, err := m.manager.MarkFailed(ctx, test.ID)
		if err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		if won {
			outcome.Decision = DecisionFailed
			outcome.Reason = "variant did not outperform control"
		}

	default:
		// Ahead but not yet significant. Buy more data.
		if err := m.manager.ExtendWindow(ctx, test); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Decision = DecisionExtended
		outcome.Reason = "not yet significant"
	}

	return outcome
}
