// Package provider talks to the text generation backends and picks which
// one serves the process.
package provider

import (
	"context"
	"errors"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role
	Content string
}

// Request is one generation call. The system prompt travels out of band;
// backends drop or fold any system-role entries in Messages.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Limits overrides a backend's configured generation budget. Zero fields
// keep the backend default.
type Limits struct {
	MaxTokens   int
	Temperature float64
}

// Backend is a single generation service.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Prober is implemented by backends with a cheap liveness endpoint.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ErrNoBackend is returned by Router.Complete when no backend is active.
var ErrNoBackend = errors.New("no generation backend available")

// ConfigError reports a backend that cannot be constructed from its
// configuration, usually a missing credential.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

// BackendError wraps a failed or timed out generation call.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// withDefaults fills zero request limits.
func withDefaults(req Request, maxTokens int, temperature float64) Request {
	if req.MaxTokens <= 0 {
		req.MaxTokens = maxTokens
	}
	if req.Temperature <= 0 {
		req.Temperature = temperature
	}
	return req
}

// Conversational drops system entries and merges consecutive messages from
// the same speaker, which Anthropic and Gemini both reject.
func Conversational(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem || m.Content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}
