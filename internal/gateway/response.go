package gateway

import (
	"context"

	"github.com/stellarlinkco/npcbrain/internal/action"
)

// Source says where a response's actions came from.
type Source string

const (
	SourceLLM        Source = "llm"
	SourceNoLLM      Source = "fallback_no_llm"
	SourceRateLimit  Source = "fallback_rate_limit"
	SourceError      Source = "fallback_error"
	SourceSuppressed Source = "none"
)

// Response is the reply to one tick.
type Response struct {
	Actions []action.Action `json:"actions"`
	Debug   Debug           `json:"debug"`
}

type Debug struct {
	Trigger      string `json:"trigger"`
	Detail       string `json:"detail,omitempty"`
	Source       Source `json:"source"`
	LatencyMs    int64  `json:"latency_ms"`
	RequestID    string `json:"request_id"`
	Backend      string `json:"backend,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

type requestIDKey struct{}

// WithRequestID attaches id to ctx so Tick reuses it instead of minting one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id attached by WithRequestID.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}
