package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/secrets"
	"github.com/pokant/pokant/internal/store"
	"github.com/pokant/pokant/internal/vapi"
)

// PipelineReport summarizes one full analysis run for a customer.
type PipelineReport struct {
	CustomerID  string   `json:"customer_id"`
	CallsSeen   int      `json:"calls_seen"`
	CallsStored int      `json:"calls_stored"`
	FailedCalls int      `json:"failed_calls"`
	PatternIDs  []string `json:"pattern_ids"`
}

// ClientFactory builds a voice-platform client for one decrypted API key.
type ClientFactory func(apiKey string) *vapi.Client

// Pipeline runs the end-to-end customer analysis: import calls from the
// voice platform, extract attributes from the failed ones, cluster them
// into patterns.
type Pipeline struct {
	store      store.Store
	cipher     *secrets.Cipher
	clients    ClientFactory
	transcript *TranscriptAnalyzer
	clusterer  *PatternClusterer
	log        *observability.Logger
}

// NewPipeline wires an analysis pipeline.
func NewPipeline(st store.Store, cipher *secrets.Cipher, clients ClientFactory, transcript *TranscriptAnalyzer, clusterer *PatternClusterer, log *observability.Logger) *Pipeline {
	if log == nil {
		log = observability.NewLogger("analysis", nil)
	}
	return &Pipeline{
		store:      st,
		cipher:     cipher,
		clients:    clients,
		transcript: transcript,
		clusterer:  clusterer,
		log:        log,
	}
}

// determineOutcome classifies a platform call record. An assistant-ended
// call succeeded; a quick customer hangup is a failure; anything else is
// an abandonment.
func determineOutcome(c vapi.Call) string {
	switch {
	case c.EndedReason == vapi.EndedReasonAssistantEnded:
		return "success"
	case c.EndedReason == "customer-ended-call":
		if callDuration(c) < 30*time.Second {
			return "failed"
		}
		return "success"
	default:
		return "abandoned"
	}
}

func callDuration(c vapi.Call) time.Duration {
	if c.EndedAt.IsZero() || c.CreatedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.CreatedAt)
}

// Run executes the full pipeline for one customer and returns a report.
// Attribute extraction is fail-soft (a bad transcript yields the neutral
// default); import and clustering errors abort the run.
func (p *Pipeline) Run(ctx context.Context, customerID string, limit int) (*PipelineReport, error) {
	customer, err := p.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, fmt.Errorf("customer %q not found", customerID)
	}

	apiKey, err := p.cipher.Decrypt(customer.ProviderKeyEncrypted)
	if err != nil {
		return nil, err
	}
	client := p.clients(apiKey)

	if limit <= 0 {
		limit = 1000
	}
	platformCalls, err := client.ListCalls(ctx, limit, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}

	report := &PipelineReport{CustomerID: customerID, CallsSeen: len(platformCalls)}

	var failed []store.Call
	for _, pc := range platformCalls {
		call := store.Call{
			ID:              uuid.New().String(),
			CustomerID:      customerID,
			ProviderCallID:  pc.ID,
			Transcript:      pc.Transcript,
			DurationSeconds: callDuration(pc).Seconds(),
			Outcome:         determineOutcome(pc),
			CreatedAt:       pc.CreatedAt,
		}
		if err := p.store.CreateCall(ctx, call); err != nil {
			return nil, fmt.Errorf("store call %s: %w", pc.ID, err)
		}
		report.CallsStored++
		if call.Outcome == "failed" {
			failed = append(failed, call)
		}
	}
	report.FailedCalls = len(failed)

	p.log.Info("calls imported", "customer_id", customerID,
		"seen", report.CallsSeen, "stored", report.CallsStored, "failed", report.FailedCalls)

	if len(failed) == 0 {
		return report, nil
	}

	for _, call := range failed {
		attrs := p.transcript.Analyze(ctx, call.ID, call.Transcript, call.Outcome)
		if err := p.store.CreateCallAttributes(ctx, attrs); err != nil {
			return nil, fmt.Errorf("store attributes for call %s: %w", call.ID, err)
		}
	}

	patterns, err := p.clusterer.IdentifyPatterns(ctx, customerID)
	if err != nil {
		return nil, err
	}
	ids, err := p.clusterer.SavePatterns(ctx, customerID, patterns)
	if err != nil {
		return nil, err
	}
	report.PatternIDs = ids

	p.log.Info("analysis complete", "customer_id", customerID,
		"patterns", len(ids))

	return report, nil
}
