// Package abtest owns the A/B test lifecycle: deploying a shadow variant
// assistant, fetching per-arm results, promoting the winner, cancelling,
// and the periodic monitor that applies the decision policy.
package abtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pokant/pokant/internal/config"
	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/secrets"
	"github.com/pokant/pokant/internal/store"
	"github.com/pokant/pokant/internal/vapi"
)

// ClientFactory builds a voice-platform client for one decrypted API key.
// Injected so tests can point the manager at a fake server.
type ClientFactory func(apiKey string) *vapi.Client

// ArmResult is one side of a results snapshot.
type ArmResult struct {
	AssistantID string  `json:"assistant_id"`
	Letter      string  `json:"letter,omitempty"`
	Calls       int     `json:"calls"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Snapshot is the result of one fetch. It is the single source of truth
// that both the read endpoint and the promotion decision build on.
type Snapshot struct {
	TestID        string           `json:"test_id"`
	Status        store.TestStatus `json:"status"`
	DaysRunning   int              `json:"days_running"`
	DaysRemaining int              `json:"days_remaining"`
	TrafficSplit  int              `json:"traffic_split"`
	Control       ArmResult        `json:"control"`
	Variant       ArmResult        `json:"variant"`
}

// PromotionResult reports a successful promotion.
type PromotionResult struct {
	VariantLetter      string  `json:"variant_letter"`
	VariantSuccessRate float64 `json:"variant_success_rate"`
	ControlSuccessRate float64 `json:"control_success_rate"`
	Improvement        float64 `json:"improvement"`
}

// Manager drives the A/B test state machine.
type Manager struct {
	store   store.Store
	cipher  *secrets.Cipher
	clients ClientFactory
	cfg     config.Config
	log     *observability.Logger
	metrics *observability.MetricsCollector
	now     func() time.Time
}

// NewManager wires a lifecycle manager.
func NewManager(st store.Store, cipher *secrets.Cipher, clients ClientFactory, cfg config.Config, log *observability.Logger, metrics *observability.MetricsCollector) *Manager {
	if log == nil {
		log = observability.NewLogger("abtest", nil)
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	return &Manager{
		store:   st,
		cipher:  cipher,
		clients: clients,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock overrides the manager's clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// clientFor decrypts a customer's stored credential and builds a client.
func (m *Manager) clientFor(c *store.Customer) (*vapi.Client, error) {
	apiKey, err := m.cipher.Decrypt(c.ProviderKeyEncrypted)
	if err != nil {
		return nil, err
	}
	return m.clients(apiKey), nil
}

// Deploy validates the referenced entities, clones the customer's base
// assistant with the variant's prompt, and opens a running test with a
// fresh observation window. Any upstream failure aborts before the test
// row is created, so there is never a partial record.
func (m *Manager) Deploy(ctx context.Context, customerID, patternID, variantID string, trafficSplit int) (string, error) {
	customer, err := m.store.GetCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", &NotFoundError{Entity: "customer", ID: customerID}
	}

	variant, err := m.store.GetVariant(ctx, variantID)
	if err != nil {
		return "", err
	}
	if variant == nil {
		return "", &NotFoundError{Entity: "variant", ID: variantID}
	}

	pattern, err := m.store.GetPattern(ctx, patternID)
	if err != nil {
		return "", err
	}
	if pattern == nil {
		return "", &NotFoundError{Entity: "pattern", ID: patternID}
	}

	running, err := m.store.HasRunningTest(ctx, customerID, patternID)
	if err != nil {
		return "", err
	}
	if running {
		return "", &AlreadyRunningError{CustomerID: customerID, PatternID: patternID}
	}

	client, err := m.clientFor(customer)
	if err != nil {
		return "", err
	}

	letter := variant.Letter
	if letter == "" {
		letter = "X"
	}

	shadow, err := client.CreateAssistantVariant(ctx, customer.BotID, variant.PromptText, "Variant "+letter)
	if err != nil {
		return "", &UpstreamError{Op: "create assistant variant", Err: err}
	}

	if trafficSplit <= 0 {
		trafficSplit = m.cfg.DefaultSplit
	}

	now := m.now().UTC()
	startDate := now.Truncate(24 * time.Hour)

	test := store.ABTest{
		ID:                 uuid.New().String(),
		CustomerID:         customer.ID,
		PatternID:          pattern.ID,
		Name:               fmt.Sprintf("%s - Variant %s Test", pattern.Name, letter),
		Status:             store.TestRunning,
		ControlAssistantID: customer.BotID,
		VariantAssistantID: shadow.ID,
		VariantRecordID:    variant.ID,
		VariantLetter:      variant.Letter,
		TrafficSplit:       trafficSplit,
		StartDate:          startDate,
		EndDate:            startDate.AddDate(0, 0, m.cfg.TestWindowDays),
		StartedAt:          now,
	}

	if err := m.store.CreateTest(ctx, test); err != nil {
		// The shadow assistant already exists upstream; reclaim it so a
		// persistence failure doesn't leak a billable assistant.
		m.tryDeleteAssistant(ctx, client, shadow.ID)
		return "", err
	}

	m.metrics.Increment(string(observability.MetricDeploys))
	m.log.TestEvent("deployed", test.ID,
		"customer_id", customer.ID, "pattern_id", pattern.ID,
		"variant_id", variant.ID, "shadow_assistant", shadow.ID)

	return test.ID, nil
}

// FetchResults queries both arms for calls since the test start, persists
// updated counts and rates, and returns the snapshot. It is idempotent
// and safe to call repeatedly.
func (m *Manager) FetchResults(ctx context.Context, testID string) (*Snapshot, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test == nil {
		return nil, &NotFoundError{Entity: "test", ID: testID}
	}

	customer, err := m.store.GetCustomer(ctx, test.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, &NotFoundError{Entity: "customer", ID: test.CustomerID}
	}

	client, err := m.clientFor(customer)
	if err != nil {
		return nil, err
	}

	controlCalls, err := client.GetCallsByAssistant(ctx, test.ControlAssistantID, test.StartDate, 1000)
	if err != nil {
		m.metrics.Increment(string(observability.MetricUpstreamErrors))
		return nil, &UpstreamError{Op: "fetch control calls", Err: err}
	}
	variantCalls, err := client.GetCallsByAssistant(ctx, test.VariantAssistantID, test.StartDate, 1000)
	if err != nil {
		m.metrics.Increment(string(observability.MetricUpstreamErrors))
		return nil, &UpstreamError{Op: "fetch variant calls", Err: err}
	}

	controlSuccess := countSuccesses(controlCalls)
	variantSuccess := countSuccesses(variantCalls)

	controlRate := successRate(controlSuccess, len(controlCalls))
	variantRate := successRate(variantSuccess, len(variantCalls))

	counts := store.TestCounts{
		ControlCalls:       len(controlCalls),
		ControlSuccessRate: controlRate,
		VariantCalls:       len(variantCalls),
		VariantSuccessRate: variantRate,
		TotalCalls:         len(controlCalls) + len(variantCalls),
	}
	if err := m.store.UpdateTestCounts(ctx, test.ID, counts); err != nil {
		return nil, err
	}

	m.metrics.Record(observability.MetricCallsFetched, float64(counts.TotalCalls),
		observability.Labels{"test_id": test.ID})

	now := m.now().UTC()
	daysRunning := daysBetween(test.StartDate, now)
	daysRemaining := daysBetween(now, test.EndDate)
	if daysRemaining < 0 {
		daysRemaining = 0
	}

	return &Snapshot{
		TestID:        test.ID,
		Status:        test.Status,
		DaysRunning:   daysRunning,
		DaysRemaining: daysRemaining,
		TrafficSplit:  test.TrafficSplit,
		Control: ArmResult{
			AssistantID: test.ControlAssistantID,
			Calls:       len(controlCalls),
			Successes:   controlSuccess,
			SuccessRate: controlRate,
		},
		Variant: ArmResult{
			AssistantID: test.VariantAssistantID,
			Letter:      test.VariantLetter,
			Calls:       len(variantCalls),
			Successes:   variantSuccess,
			SuccessRate: variantRate,
		},
	}, nil
}

// PromoteWinner rolls the variant's prompt out to 100% of traffic. It
// always acts on a fresh snapshot, never on stale cached counts, and the
// terminal transition is a compare-and-swap so a concurrent promote or
// cancel cannot both win.
func (m *Manager) PromoteWinner(ctx context.Context, testID string) (*PromotionResult, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test == nil {
		return nil, &NotFoundError{Entity: "test", ID: testID}
	}
	if test.Status != store.TestRunning {
		return nil, &InvalidStateError{TestID: testID, Status: test.Status, Expected: store.TestRunning}
	}

	snap, err := m.FetchResults(ctx, testID)
	if err != nil {
		return nil, err
	}

	if snap.Variant.SuccessRate <= snap.Control.SuccessRate {
		return nil, &InsufficientImprovementError{
			ControlRate: snap.Control.SuccessRate,
			VariantRate: snap.Variant.SuccessRate,
		}
	}

	if test.VariantRecordID == "" {
		return nil, &NotFoundError{Entity: "variant", ID: "(unset)"}
	}
	variant, err := m.store.GetVariant(ctx, test.VariantRecordID)
	if err != nil {
		return nil, err
	}
	if variant == nil {
		return nil, &NotFoundError{Entity: "variant", ID: test.VariantRecordID}
	}

	customer, err := m.store.GetCustomer(ctx, test.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, &NotFoundError{Entity: "customer", ID: test.CustomerID}
	}

	client, err := m.clientFor(customer)
	if err != nil {
		return nil, err
	}

	if _, err := client.UpdateAssistantPrompt(ctx, customer.BotID, variant.PromptText); err != nil {
		m.metrics.Increment(string(observability.MetricUpstreamErrors))
		return nil, &UpstreamError{Op: "update assistant prompt", Err: err}
	}

	// Cleanup is cost hygiene, not correctness: an orphaned shadow
	// assistant is acceptable, a blocked promotion is not.
	if ok := m.tryDeleteAssistant(ctx, client, test.VariantAssistantID); !ok {
		m.log.Warn("shadow assistant cleanup failed", "test_id", testID,
			"assistant_id", test.VariantAssistantID)
	}

	won, err := m.store.TransitionTest(ctx, testID, store.TestRunning, store.TestComplete, variant.ID, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if !won {
		// Someone else completed or cancelled the test first.
		current, _ := m.store.GetTest(ctx, testID)
		status := store.TestStatus("unknown")
		if current != nil {
			status = current.Status
		}
		return nil, &InvalidStateError{TestID: testID, Status: status, Expected: store.TestRunning}
	}

	if err := m.store.SetPatternStatus(ctx, test.PatternID, "fixed"); err != nil {
		m.log.Error("mark pattern fixed", "pattern_id", test.PatternID, "error", err)
	}

	improvement := round1(snap.Variant.SuccessRate - snap.Control.SuccessRate)
	m.metrics.Increment(string(observability.MetricPromotions))
	m.log.TestEvent("promoted", testID,
		"variant_letter", variant.Letter, "improvement", improvement)

	return &PromotionResult{
		VariantLetter:      variant.Letter,
		VariantSuccessRate: snap.Variant.SuccessRate,
		ControlSuccessRate: snap.Control.SuccessRate,
		Improvement:        improvement,
	}, nil
}

// CancelTest tears a test down whatever its current status. The shadow
// assistant deletion is best-effort.
func (m *Manager) CancelTest(ctx context.Context, testID string) error {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test == nil {
		return &NotFoundError{Entity: "test", ID: testID}
	}

	if test.VariantAssistantID != "" {
		if customer, err := m.store.GetCustomer(ctx, test.CustomerID); err == nil && customer != nil {
			if client, err := m.clientFor(customer); err == nil {
				if ok := m.tryDeleteAssistant(ctx, client, test.VariantAssistantID); !ok {
					m.log.Warn("shadow assistant cleanup failed", "test_id", testID,
						"assistant_id", test.VariantAssistantID)
				}
			}
		}
	}

	if err := m.store.ForceCancelTest(ctx, testID, m.now().UTC()); err != nil {
		return err
	}

	m.log.TestEvent("cancelled", testID)
	return nil
}

// MarkFailed transitions a running test to failed (decisive loss). It
// reports false when the test was no longer running.
func (m *Manager) MarkFailed(ctx context.Context, testID string) (bool, error) {
	won, err := m.store.TransitionTest(ctx, testID, store.TestRunning, store.TestFailed, "", m.now().UTC())
	if err != nil {
		return false, err
	}
	if won {
		m.metrics.Increment(string(observability.MetricFailedTests))
		m.log.TestEvent("failed", testID)
	}
	return won, nil
}

// ExtendWindow pushes a test's end date out by the configured extension.
func (m *Manager) ExtendWindow(ctx context.Context, test *store.ABTest) error {
	newEnd := test.EndDate.AddDate(0, 0, m.cfg.TestExtensionDays)
	if err := m.store.SetTestEndDate(ctx, test.ID, newEnd); err != nil {
		return err
	}
	m.metrics.Increment(string(observability.MetricExtensions))
	m.log.TestEvent("extended", test.ID, "new_end_date", newEnd.Format("2006-01-02"))
	return nil
}

// tryDeleteAssistant deletes a shadow assistant and reports whether it
// worked. Failures are discarded by the caller on purpose.
func (m *Manager) tryDeleteAssistant(ctx context.Context, client *vapi.Client, assistantID string) bool {
	if assistantID == "" {
		return false
	}
	if err := client.DeleteAssistant(ctx, assistantID); err != nil {
		m.metrics.Increment(string(observability.MetricUpstreamErrors))
		return false
	}
	return true
}

func countSuccesses(calls []vapi.Call) int {
	n := 0
	for _, c := range calls {
		if c.EndedReason == vapi.EndedReasonAssistantEnded {
			n++
		}
	}
	return n
}

// successRate returns a percentage rounded to one decimal, 0 for no calls.
func successRate(successes, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(successes) / float64(total) * 100)
}

func daysBetween(from, to time.Time) int {
	return int(to.Truncate(24*time.Hour).Sub(from.Truncate(24*time.Hour)).Hours() / 24)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
