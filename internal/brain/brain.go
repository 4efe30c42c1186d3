// Package brain is the LLM abstraction behind message classification and the
// assistant capability. It is backed by Genkit, with a deterministic fallback
// when no provider key is configured.
package brain

import (
	"context"
	"time"
)

// Classification is the structured verdict for one inbound message.
type Classification struct {
	// Type is one of: task, promise_mine, promise_incoming, info.
	Type       string     `json:"type"`
	Confidence int        `json:"confidence"`
	Summary    string     `json:"summary"`
	Who        string     `json:"who,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	IsUrgent   bool       `json:"is_urgent"`
}

// TypeInfo marks messages that carry no actionable commitment.
const TypeInfo = "info"

// Response is one assistant reply with provider token accounting.
type Response struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// Classifier turns raw message text into a structured classification.
// recent carries the surrounding conversation for disambiguation; it is
// opaque prompt material, never parsed.
type Classifier interface {
	Classify(ctx context.Context, text, recent string) (Classification, error)
}

// Assistant produces a free-form reply given a prompt and prior context.
type Assistant interface {
	Respond(ctx context.Context, prompt, recent string) (Response, error)
}
