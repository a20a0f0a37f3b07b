package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/stellarlinkco/npcbrain/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

type geminiBackend struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewGemini builds a Gemini API backend.
func NewGemini(cfg config.LLMConfig) (Backend, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, &ConfigError{Provider: "gemini", Reason: missingKey(cfg)}
	}
	cc := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, &ConfigError{Provider: "gemini", Reason: err.Error()}
	}
	name := cfg.Model
	if name == "" {
		name = defaultGeminiModel
	}
	return &geminiBackend{client: client, model: name, maxTokens: cfg.MaxTokens, temperature: cfg.Temperature}, nil
}

func (b *geminiBackend) Name() string { return "gemini" }

func (b *geminiBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	req = withDefaults(req, b.maxTokens, b.temperature)

	msgs := Conversational(req.Messages)
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	gc := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
		Temperature:     genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, gc)
	if err != nil {
		return nil, fmt.Errorf("gemini complete: %w", err)
	}

	out := &Completion{Text: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}
