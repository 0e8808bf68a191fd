// Package analysis turns raw call transcripts into structured failure
// data: a 15-attribute extraction per call, and clustering of failed
// calls into named patterns with severity and revenue impact.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pokant/pokant/internal/llm"
	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/store"
)

const transcriptPrompt = `Analyze this voice bot call transcript and extract these attributes.

Call outcome: %s

Transcript:
%s

Extract the following (return ONLY valid JSON, no markdown):

{
  "accent_strength": <1-5, where 5=very strong accent detected>,
  "correction_attempts": <number of times customer tries to correct bot>,
  "emotional_markers": [<array of: "frustrated", "confused", "angry", "neutral", "happy">],
  "disfluency_count": <count of um, uh, pauses, restarts>,
  "background_noise": "<none|low|medium|high - infer from transcript mentions>",
  "context_type": "<appointment|inquiry|complaint|modification|cancellation>",
  "failure_pattern": "<customer_changes_mind|complex_scheduling|unclear_availability|bot_confusion|other>",
  "conversation_flow": "<smooth|interrupted|confused>",
  "bot_interruptions": <count>,
  "customer_interruptions": <count>,
  "clarification_requests": <count of clarifying questions>,
  "successful_resolution": <true|false>,
  "confidence_level": <1-5, how confident was bot>,
  "call_sentiment": "<positive|neutral|negative>",
  "key_phrases": [<array of 3-5 important phrases from transcript>]
}

Focus on:
- Accent: Detect from spelling variations, repeated clarifications, "what?" responses
- Corrections: Customer says "no, actually..." or changes their mind
- Emotions: Detect from language ("this is frustrating", "I don't understand")
- Failure patterns: Why did this call fail? What went wrong?`

// TranscriptAnalyzer extracts structured attributes from call transcripts
// using a language model.
type TranscriptAnalyzer struct {
	completer llm.Completer
	log       *observability.Logger
}

// NewTranscriptAnalyzer creates an analyzer backed by the given completer.
func NewTranscriptAnalyzer(completer llm.Completer, log *observability.Logger) *TranscriptAnalyzer {
	if log == nil {
		log = observability.NewLogger("analysis", nil)
	}
	return &TranscriptAnalyzer{completer: completer, log: log}
}

// extractedAttributes mirrors the model's JSON reply.
type extractedAttributes struct {
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

// Analyze extracts the 15 attributes for one transcript. It never fails:
// any model or parse error yields the neutral default record, so one bad
// reply cannot stall a whole batch.
func (a *TranscriptAnalyzer) Analyze(ctx context.Context, callID, transcript, outcome string) store.CallAttributes {
	resp, err := a.completer.Complete(ctx, llm.Request{
		MaxTokens: 2000,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(transcriptPrompt, outcome, transcript)},
		},
	})
	if err != nil {
		a.log.Warn("transcript analysis failed", "call_id", callID, "error", err)
		return defaultAttributes(callID)
	}

	var ext extractedAttributes
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &ext); err != nil {
		a.log.Warn("transcript analysis unparseable", "call_id", callID, "error", err)
		return defaultAttributes(callID)
	}

	return store.CallAttributes{
		ID:                    uuid.New().String(),
		CallID:                callID,
		AccentStrength:        ext.AccentStrength,
		CorrectionAttempts:    ext.CorrectionAttempts,
		EmotionalMarkers:      ext.EmotionalMarkers,
		DisfluencyCount:       ext.DisfluencyCount,
		BackgroundNoise:       ext.BackgroundNoise,
		ContextType:           ext.ContextType,
		FailurePattern:        ext.FailurePattern,
		ConversationFlow:      ext.ConversationFlow,
		BotInterruptions:      ext.BotInterruptions,
		CustomerInterruptions: ext.CustomerInterruptions,
		ClarificationRequests: ext.ClarificationRequests,
		SuccessfulResolution:  ext.SuccessfulResolution,
		ConfidenceLevel:       ext.ConfidenceLevel,
		CallSentiment:         ext.CallSentiment,
		KeyPhrases:            ext.KeyPhrases,
	}
}

// defaultAttributes is the neutral record used when extraction fails.
func defaultAttributes(callID string) store.CallAttributes {
	return store.CallAttributes{
		ID:                   uuid.New().String(),
		CallID:               callID,
		AccentStrength:       3,
		EmotionalMarkers:     []string{"neutral"},
		BackgroundNoise:      "none",
		ContextType:          "other",
		FailurePattern:       "other",
		ConversationFlow:     "smooth",
		SuccessfulResolution: false,
		ConfidenceLevel:      3,
		CallSentiment:        "neutral",
		KeyPhrases:           []string{},
	}
}
