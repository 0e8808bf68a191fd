// Package store persists the domain entities: customers, calls and their
// extracted attributes, failure patterns, prompt variants, and A/B tests.
//
// The Store interface is the primary abstraction. SQLiteStore is the
// default implementation using pure-Go SQLite (modernc.org/sqlite).
//
// A/B test rows are append-mostly: they are created once, mutated in place
// by result fetches, terminated exactly once, and never deleted.
package store

import (
	"context"
	"time"
)

// TestStatus is the closed set of A/B test lifecycle states.
type TestStatus string

const (
	TestDraft     TestStatus = "draft"
	TestRunning   TestStatus = "running"
	TestComplete  TestStatus = "complete"
	TestFailed    TestStatus = "failed"
	TestCancelled TestStatus = "cancelled"
)

// Terminal reports whether a status ends the test lifecycle.
func (s TestStatus) Terminal() bool {
	switch s {
	case TestComplete, TestFailed, TestCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
// Transitions are monotone: draft→running→{complete|failed|cancelled};
// nothing re-enters running.
func (s TestStatus) CanTransition(next TestStatus) bool {
	switch s {
	case TestDraft:
		return next == TestRunning || next == TestCancelled
	case TestRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Severity is the derived pattern severity tier.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Customer is a voice-bot operator account.
type Customer struct {
	ID                   string    `json:"id"`
	CompanyName          string    `json:"company_name"`
	Email                string    `json:"email"`
	ProviderKeyEncrypted string    `json:"-"` // sealed voice-platform API key
	BotProvider          string    `json:"bot_provider"`
	BotID                string    `json:"bot_id"` // base assistant on the voice platform
	Status               string    `json:"status"`
	IsActive             bool      `json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
}

// Call is one imported call record.
type Call struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customer_id"`
	ProviderCallID  string    `json:"provider_call_id"`
	Transcript      string    `json:"transcript"`
	DurationSeconds float64   `json:"duration_seconds"`
	Outcome         string    `json:"outcome"` // "success", "failed", "abandoned"
	FailureCategory string    `json:"failure_category,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CallAttributes is the 15-field record extracted from a transcript.
type CallAttributes struct {
	ID                    string   `json:"id"`
	CallID                string   `json:"call_id"`
	AccentStrength        int      `json:"accent_strength"`
	CorrectionAttempts    int      `json:"correction_attempts"`
	EmotionalMarkers      []string `json:"emotional_markers"`
	DisfluencyCount       int      `json:"disfluency_count"`
	BackgroundNoise       string   `json:"background_noise"`
	ContextType           string   `json:"context_type"`
	FailurePattern        string   `json:"failure_pattern"`
	ConversationFlow      string   `json:"conversation_flow"`
	BotInterruptions      int      `json:"bot_interruptions"`
	CustomerInterruptions int      `json:"customer_interruptions"`
	ClarificationRequests int      `json:"clarification_requests"`
	SuccessfulResolution  bool     `json:"successful_resolution"`
	ConfidenceLevel       int      `json:"confidence_level"`
	CallSentiment         string   `json:"call_sentiment"`
	KeyPhrases            []string `json:"key_phrases"`
}

// FailedCall pairs a failed call with its extracted attributes,
// as consumed by pattern clustering.
type FailedCall struct {
	Call       Call
	Attributes CallAttributes
}

// Pattern is a named failure mode for one customer.
type Pattern struct {
	ID                   string    `json:"id"`
	CustomerID           string    `json:"customer_id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	FailureType          string    `json:"failure_type"`
	Frequency            int       `json:"frequency"`
	Severity             Severity  `json:"severity"`
	RevenueImpactMonthly float64   `json:"revenue_impact_monthly"`
	ExampleCallIDs       []string  `json:"example_call_ids"`
	ExampleTranscript    string    `json:"example_transcript"`
	SuggestedFix         string    `json:"suggested_fix,omitempty"`
	RootCause            string    `json:"root_cause"`
	Status               string    `json:"status"` // "identified" or "fixed"
	CreatedAt            time.Time `json:"created_at"`
}

// Variant is a candidate prompt for a pattern. Once a test references a
// variant it is treated as read-only by the lifecycle manager.
type Variant struct {
	ID               string    `json:"id"`
	PatternID        string    `json:"pattern_id"`
	Letter           string    `json:"letter,omitempty"` // display letter A-E
	Name             string    `json:"name"`
	PromptText       string    `json:"prompt_text"`
	IsControl        bool      `json:"is_control"`
	SuccessRate      float64   `json:"success_rate"`      // simulated, percent
	ImprovementDelta float64   `json:"improvement_delta"` // vs baseline, points
	Recommended      bool      `json:"recommended"`
	TestedAgainst    int       `json:"tested_against"`
	TotalCalls       int       `json:"total_calls"`
	CreatedAt        time.Time `json:"created_at"`
}

// ABTest is the core stateful entity.
type ABTest struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id"`
	PatternID  string     `json:"pattern_id"`
	Name       string     `json:"name"`
	Status     TestStatus `json:"status"`

	// Deployment state. VariantRecordID points at the Variant row;
	// the assistant IDs are voice-platform references.
	ControlAssistantID string `json:"control_assistant_id"`
	VariantAssistantID string `json:"variant_assistant_id"`
	VariantRecordID    string `json:"variant_record_id"`
	VariantLetter      string `json:"variant_letter,omitempty"`
	TrafficSplit       int    `json:"traffic_split"` // informational only

	// Monitoring metrics.
	TotalCalls         int     `json:"total_calls"`
	ControlCalls       int     `json:"control_calls"`
	ControlSuccessRate float64 `json:"control_success_rate"`
	VariantCalls       int     `json:"variant_calls"`
	VariantSuccessRate float64 `json:"variant_success_rate"`

	// Timeline. StartDate/EndDate bound the observation window and are
	// stored at day granularity (UTC midnight).
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	WinnerVariantID string    `json:"winner_variant_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// TestCounts is the per-arm snapshot written back after a result fetch.
type TestCounts struct {
	ControlCalls       int
	ControlSuccessRate float64
	VariantCalls       int
	VariantSuccessRate float64
	TotalCalls         int
}

// Store is the persistence interface. Lookup methods return (nil, nil)
// when the entity does not exist; callers decide whether that is an error.
type Store interface {
	CreateCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	CreateCall(ctx context.Context, c Call) error
	CreateCallAttributes(ctx context.Context, a CallAttributes) error
	ListFailedCalls(ctx context.Context, customerID string) ([]FailedCall, error)
	ListCallsByFailurePattern(ctx context.Context, customerID, failurePattern string, limit int) ([]FailedCall, error)

	CreatePattern(ctx context.Context, p Pattern) error
	GetPattern(ctx context.Context, id string) (*Pattern, error)
	ListPatterns(ctx context.Context, customerID string) ([]Pattern, error)
	SetPatternStatus(ctx context.Context, id, status string) error

	CreateVariant(ctx context.Context, v Variant) error
	GetVariant(ctx context.Context, id string) (*Variant, error)
	ListVariants(ctx context.Context, patternID string) ([]Variant, error)

	CreateTest(ctx context.Context, t ABTest) error
	GetTest(ctx context.Context, id string) (*ABTest, error)
	ListTests(ctx context.Context, customerID string) ([]ABTest, error)
	ListRunningTests(ctx context.Context) ([]ABTest, error)
	HasRunningTest(ctx context.Context, customerID, patternID string) (bool, error)
	UpdateTestCounts(ctx context.Context, id string, counts TestCounts) error
	SetTestEndDate(ctx context.Context, id string, endDate time.Time) error

	// TransitionTest atomically moves a test from one status to another
	// (compare-and-swap on the status column). It reports false when the
	// row was not in the expected status: a lost race, not an error.
	TransitionTest(ctx context.Context, id string, from, to TestStatus, winnerVariantID string, completedAt time.Time) (bool, error)

	// ForceCancelTest marks a test cancelled regardless of prior status.
	ForceCancelTest(ctx context.Context, id string, completedAt time.Time) error

	Close() error
}
