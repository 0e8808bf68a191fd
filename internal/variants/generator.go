// Package variants builds candidate prompt fixes for a failure pattern:
// generation with GPT-4o, offline simulation against historical edge
// cases, and persistence of the scored candidates.
package variants

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pokant/pokant/internal/llm"
	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/store"
)

// Candidate is one generated prompt variant before simulation.
type Candidate struct {
	Letter     string `json:"letter"`
	Name       string `json:"name"`
	Approach   string `json:"approach"`
	PromptText string `json:"prompt_text"`
}

const generatorSystemPrompt = `You are an expert at optimizing conversational AI prompts.
Your goal is to fix specific failure patterns in voice bots by generating improved prompts.

Generate 5 different prompt variants that each take a unique approach to solving the problem.
Each variant should be:
- Specific and actionable
- Under 100 words
- Focused on handling the failure scenario
- Written as instructions the bot can follow

Return ONLY valid JSON (no markdown).`

const generatorUserPrompt = `Failure Pattern: %s

Description: %s
Root Cause: %s
Frequency: %d failures
Current success rate: ~65%%

Example Failed Conversations:
%s

Generate 5 prompt variants that would prevent these failures. Each should take a different approach:

1. **Standard Acknowledgment** - Simple, clear confirmation
2. **Explicit Confirmation** - Repeat back what customer said and confirm
3. **Empathetic Response** - Acknowledge emotion, then handle request
4. **Clarifying Question** - Ask question to understand intent
5. **Summary Confirmation** - Summarize the full request before proceeding

Return JSON array:
[
  {
    "letter": "A",
    "name": "Standard Acknowledgment",
    "approach": "Brief description of approach",
    "prompt_text": "The actual prompt instructions for the bot"
  },
  ...
]`

// Generator produces prompt candidates for a failure pattern.
type Generator struct {
	store  store.Store
	client *openai.Client
	model  string
	log    *observability.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithOpenAIClient overrides the OpenAI client (useful for testing).
func WithOpenAIClient(client *openai.Client) GeneratorOption {
	return func(g *Generator) {
		g.client = client
	}
}

// WithModel overrides the generation model.
func WithModel(model string) GeneratorOption {
	return func(g *Generator) {
		g.model = model
	}
}

// NewGenerator creates a variant generator.
func NewGenerator(st store.Store, apiKey string, log *observability.Logger, opts ...GeneratorOption) *Generator {
	if log == nil {
		log = observability.NewLogger("variants", nil)
	}
	g := &Generator{
		store:  st,
		client: openai.NewClient(apiKey),
		model:  openai.GPT4o,
		log:    log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate asks the model for up to five candidates for the pattern and
// normalizes the reply. On a short or failed generation the fixed
// fallback templates fill the gaps, so the result always has five entries.
func (g *Generator) Generate(ctx context.Context, patternID string) ([]Candidate, error) {
	pattern, err := g.store.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if pattern == nil {
		return nil, fmt.Errorf("pattern %q not found", patternID)
	}

	examples, err := g.failureExamples(ctx, pattern, 10)
	if err != nil {
		g.log.Warn("load failure examples", "pattern_id", patternID, "error", err)
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generatorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(generatorUserPrompt,
				pattern.Name, pattern.Description, pattern.RootCause, pattern.Frequency,
				formatExamples(examples))},
		},
		Temperature: 0.8,
		MaxTokens:   2000,
	})
	if err != nil {
		g.log.Warn("variant generation failed, using fallbacks", "pattern_id", patternID, "error", err)
		return fallbackCandidates(), nil
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	candidates, err := parseCandidates(content)
	if err != nil {
		g.log.Warn("variant reply unparseable, using fallbacks", "pattern_id", patternID, "error", err)
		return fallbackCandidates(), nil
	}

	// Top up short generations from the fallback templates.
	if len(candidates) < 5 {
		candidates = append(candidates, fallbackCandidates()[:5-len(candidates)]...)
	}
	return candidates[:5], nil
}

// failureExample is a compact failed-call summary for the prompt.
type failureExample struct {
	Transcript         string
	AccentStrength     int
	CorrectionAttempts int
	EmotionalMarkers   []string
}

func (g *Generator) failureExamples(ctx context.Context, pattern *store.Pattern, limit int) ([]failureExample, error) {
	calls, err := g.store.ListCallsByFailurePattern(ctx, pattern.CustomerID, pattern.FailureType, limit)
	if err != nil {
		return nil, err
	}
	examples := make([]failureExample, 0, len(calls))
	for _, fc := range calls {
		examples = append(examples, failureExample{
			Transcript:         truncate(fc.Call.Transcript, 300),
			AccentStrength:     fc.Attributes.AccentStrength,
			CorrectionAttempts: fc.Attributes.CorrectionAttempts,
			EmotionalMarkers:   fc.Attributes.EmotionalMarkers,
		})
	}
	return examples, nil
}

func formatExamples(examples []failureExample) string {
	if len(examples) > 5 {
		examples = examples[:5]
	}
	var b strings.Builder
	for i, ex := range examples {
		emotions := strings.Join(ex.EmotionalMarkers, ", ")
		if emotions == "" {
			emotions = "neutral"
		}
		fmt.Fprintf(&b, "\nExample %d:\n%s\n[Accent: %d/5, Corrections: %d, Emotion: %s]\n",
			i+1, ex.Transcript, ex.AccentStrength, ex.CorrectionAttempts, emotions)
	}
	return b.String()
}

var letters = []string{"A", "B", "C", "D", "E"}

// parseCandidates decodes the model reply and normalizes missing fields.
func parseCandidates(content string) ([]Candidate, error) {
	content = llm.StripFences(content)

	var candidates []Candidate
	if err := json.Unmarshal([]byte(content), &candidates); err != nil {
		// A single object instead of an array is still usable.
		var one Candidate
		if err2 := json.Unmarshal([]byte(content), &one); err2 != nil {
			return nil, err
		}
		candidates = []Candidate{one}
	}

	if len(candidates) > 5 {
		candidates = candidates[:5]
	}
	for i := range candidates {
		if candidates[i].Letter == "" {
			candidates[i].Letter = letters[min(i, len(letters)-1)]
		}
		if candidates[i].Name == "" {
			candidates[i].Name = "Variant " + candidates[i].Letter
		}
	}
	return candidates, nil
}

// fallbackCandidates are the fixed templates used when generation fails.
func fallbackCandidates() []Candidate {
	return []Candidate{
		{
			Letter:     "A",
			Name:       "Standard Acknowledgment",
			Approach:   "Simple confirmation of the customer's request.",
			PromptText: "Acknowledge the customer's request in clear language, then confirm you are taking the requested action.",
		},
		{
			Letter:     "B",
			Name:       "Explicit Confirmation",
			Approach:   "Repeat back the change and ask for confirmation.",
			PromptText: "Restate the customer's new request in your own words and explicitly ask the customer to confirm before proceeding.",
		},
		{
			Letter:     "C",
			Name:       "Empathetic Response",
			Approach:   "Acknowledge emotion, then handle the change.",
			PromptText: "Acknowledge how the customer feels about changing their mind, then clearly explain what you will update for them.",
		},
		{
			Letter:     "D",
			Name:       "Clarifying Question",
			Approach:   "Ask a focused question to disambiguate the new request.",
			PromptText: "Ask one clear question to clarify exactly what the customer wants now, then repeat the clarified request back before proceeding.",
		},
		{
			Letter:     "E",
			Name:       "Summary Confirmation",
			Approach:   "Summarize the full request before proceeding.",
			PromptText: "Summarize the customer's situation and new request in one sentence, then ask for a quick yes/no confirmation before taking action.",
		},
	}
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
