package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pokant/pokant/internal/store"
)

// IdentifiedPattern is one cluster of failed calls sharing a failure tag,
// before persistence.
type IdentifiedPattern struct {
	Name                  string   `json:"name"`
	FailurePattern        string   `json:"failure_pattern"`
	Frequency             int      `json:"frequency"`
	Percentage            float64  `json:"percentage"`
	RevenueImpactMonthly  float64  `json:"revenue_impact_monthly"`
	ExampleTranscript     string   `json:"example_transcript"`
	AvgAccentStrength     float64  `json:"avg_accent_strength"`
	AvgCorrectionAttempts float64  `json:"avg_correction_attempts"`
	CallIDs               []string `json:"call_ids"`
}

// PatternClusterer groups a customer's failed calls by failure tag and
// persists the top clusters as patterns.
type PatternClusterer struct {
	store          store.Store
	revenuePerCall float64
}

// NewPatternClusterer creates a clusterer. revenuePerCall is the
// per-failed-call revenue estimate used for impact projection.
func NewPatternClusterer(st store.Store, revenuePerCall float64) *PatternClusterer {
	if revenuePerCall <= 0 {
		revenuePerCall = 20
	}
	return &PatternClusterer{store: st, revenuePerCall: revenuePerCall}
}

// IdentifyPatterns clusters a customer's failed calls and returns the top
// five failure patterns by frequency. No failed calls means no patterns.
func (pc *PatternClusterer) IdentifyPatterns(ctx context.Context, customerID string) ([]IdentifiedPattern, error) {
	failed, err := pc.store.ListFailedCalls(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list failed calls: %w", err)
	}
	if len(failed) == 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	examples := make(map[string]string)
	grouped := make(map[string][]store.FailedCall)

	for _, fc := range failed {
		tag := fc.Attributes.FailurePattern
		if tag == "" {
			tag = "other"
		}
		counts[tag]++
		if _, ok := examples[tag]; !ok {
			examples[tag] = fc.Call.Transcript
		}
		grouped[tag] = append(grouped[tag], fc)
	}

	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > 5 {
		tags = tags[:5]
	}

	results := make([]IdentifiedPattern, 0, len(tags))
	for _, tag := range tags {
		calls := grouped[tag]
		frequency := counts[tag]

		var sumAccent, sumCorrections float64
		for _, fc := range calls {
			sumAccent += float64(fc.Attributes.AccentStrength)
			sumCorrections += float64(fc.Attributes.CorrectionAttempts)
		}

		callIDs := make([]string, 0, 10)
		for _, fc := range calls {
			if len(callIDs) == 10 {
				break
			}
			callIDs = append(callIDs, fc.Call.ID)
		}

		results = append(results, IdentifiedPattern{
			Name:                  formatPatternName(tag),
			FailurePattern:        tag,
			Frequency:             frequency,
			Percentage:            float64(frequency) / float64(len(failed)) * 100,
			RevenueImpactMonthly:  float64(frequency) * pc.revenuePerCall,
			ExampleTranscript:     truncate(examples[tag], 500),
			AvgAccentStrength:     round1(sumAccent / float64(len(calls))),
			AvgCorrectionAttempts: round1(sumCorrections / float64(len(calls))),
			CallIDs:               callIDs,
		})
	}

	return results, nil
}

// SavePatterns persists identified patterns and returns their IDs.
func (pc *PatternClusterer) SavePatterns(ctx context.Context, customerID string, patterns []IdentifiedPattern) ([]string, error) {
	ids := make([]string, 0, len(patterns))
	for _, p := range patterns {
		row := store.Pattern{
			ID:                   uuid.New().String(),
			CustomerID:           customerID,
			Name:                 p.Name,
			Description:          fmt.Sprintf("Occurs in %.1f%% of failed calls", p.Percentage),
			FailureType:          p.FailurePattern,
			Frequency:            p.Frequency,
			Severity:             InferSeverity(p.Frequency, p.Percentage),
			RevenueImpactMonthly: p.RevenueImpactMonthly,
			ExampleCallIDs:       p.CallIDs,
			ExampleTranscript:    p.ExampleTranscript,
			RootCause:            InferRootCause(p.FailurePattern),
			Status:               "identified",
		}
		if err := pc.store.CreatePattern(ctx, row); err != nil {
			return ids, fmt.Errorf("save pattern %q: %w", p.Name, err)
		}
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// InferSeverity maps a pattern's frequency and share of failed calls to a
// severity tier. First match wins.
func InferSeverity(frequency int, percentage float64) store.Severity {
	switch {
	case percentage >= 30 || frequency >= 50:
		return store.SeverityCritical
	case percentage >= 15 || frequency >= 20:
		return store.SeverityHigh
	case percentage >= 5 || frequency >= 10:
		return store.SeverityMedium
	default:
		return store.SeverityLow
	}
}

var rootCauses = map[string]string{
	"customer_changes_mind": "Bot doesn't recognize correction attempts",
	"complex_scheduling":    "Bot can't handle multi-step workflows",
	"unclear_availability":  "Bot gives vague or incomplete responses",
	"bot_confusion":         "Bot loses context mid-conversation",
	"other":                 "Multiple contributing factors - needs manual review",
}

// InferRootCause maps a failure tag to its known root cause.
func InferRootCause(failurePattern string) string {
	if cause, ok := rootCauses[failurePattern]; ok {
		return cause
	}
	return "Needs manual review"
}

// formatPatternName converts a snake_case tag to Title Case.
func formatPatternName(tag string) string {
	words := strings.Split(tag, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
