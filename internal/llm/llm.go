// Package llm provides the language-model client used for transcript
// analysis and edge-case simulation.
//
// Completer is the interface consumed by the analysis and variants
// packages; ClaudeClient is the production implementation.
package llm

import (
	"context"
)

// Message is one turn in a conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is a completion result.
type Response struct {
	Model        string
	Content      string
	StopReason   string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

// Completer sends a completion request and returns the model's reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
