package variants

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/store"
)

// Pipeline runs the full candidate flow for a pattern: generate, score,
// persist.
type Pipeline struct {
	store     store.Store
	generator *Generator
	simulator *Simulator
	log       *observability.Logger
}

// NewPipeline wires a variant pipeline.
func NewPipeline(st store.Store, generator *Generator, simulator *Simulator, log *observability.Logger) *Pipeline {
	if log == nil {
		log = observability.NewLogger("variants", nil)
	}
	return &Pipeline{store: st, generator: generator, simulator: simulator, log: log}
}

// Run generates candidates for the pattern, simulates them against edge
// cases, and persists the scored set. Returns the created variant rows.
func (p *Pipeline) Run(ctx context.Context, patternID string) ([]store.Variant, error) {
	pattern, err := p.store.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if pattern == nil {
		return nil, fmt.Errorf("pattern %q not found", patternID)
	}

	candidates, err := p.generator.Generate(ctx, patternID)
	if err != nil {
		return nil, err
	}

	scored, err := p.simulator.Score(ctx, pattern, candidates)
	if err != nil {
		return nil, err
	}

	rows := make([]store.Variant, 0, len(scored))
	for _, sc := range scored {
		row := store.Variant{
			ID:               uuid.New().String(),
			PatternID:        pattern.ID,
			Letter:           sc.Letter,
			Name:             sc.Name,
			PromptText:       sc.PromptText,
			SuccessRate:      sc.SuccessRate,
			ImprovementDelta: sc.ImprovementDelta,
			Recommended:      sc.Recommended,
			TestedAgainst:    sc.TestedAgainst,
		}
		if err := p.store.CreateVariant(ctx, row); err != nil {
			return rows, fmt.Errorf("save variant %s: %w", sc.Letter, err)
		}
		rows = append(rows, row)
	}

	p.log.Info("variants generated", "pattern_id", patternID, "count", len(rows))
	return rows, nil
}
