package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/clock"
	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/llmtext"
	"github.com/stellarlinkco/npcbrain/internal/logging"
	"github.com/stellarlinkco/npcbrain/internal/provider"
)

const (
	extractionMaxTokens   = 200
	extractionTemperature = 0.3
	maxFactsPerExtraction = 3
)

// ConsolidationError wraps any failure during fact extraction.
type ConsolidationError struct {
	Actor string
	Err   error
}

func (e *ConsolidationError) Error() string {
	return fmt.Sprintf("consolidate %s: %v", e.Actor, e.Err)
}

func (e *ConsolidationError) Unwrap() error { return e.Err }

// Consolidator distills recent dialogue into durable facts.
type Consolidator struct {
	engine   *Engine
	llm      Completer
	clock    clock.Clock
	logger   *zap.Logger
	speakers Speakers

	every    int
	window   int
	maxFacts int
}

func NewConsolidator(engine *Engine, llm Completer, cfg config.MemoryConfig, sp Speakers, clk clock.Clock, logger *zap.Logger) *Consolidator {
	c := &Consolidator{
		engine:   engine,
		llm:      llm,
		clock:    clk,
		logger:   logging.OrNop(logger),
		speakers: sp.withDefaults(),
		every:    cfg.ConsolidateEvery,
		window:   cfg.ConsolidationWindow,
		maxFacts: cfg.MaxFactsPerActor,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.every <= 0 {
		c.every = config.DefaultConsolidateEvery
	}
	if c.window <= 0 {
		c.window = config.DefaultConsolidationWindow
	}
	if c.maxFacts <= 0 {
		c.maxFacts = config.DefaultMaxFactsPerActor
	}
	return c
}

// Due reports whether the actor's turn count sits on a consolidation boundary.
func (c *Consolidator) Due(actor string) (bool, error) {
	n, err := c.engine.CountConversations(actor, RoleSystem)
	if err != nil {
		return false, err
	}
	return n > 0 && n%c.every == 0, nil
}

// Consolidate extracts facts from the newest turns when due.
func (c *Consolidator) Consolidate(ctx context.Context, actor string) error {
	due, err := c.Due(actor)
	if err != nil {
		return &ConsolidationError{Actor: actor, Err: err}
	}
	if !due {
		return nil
	}
	_, err = c.run(ctx, actor)
	return err
}

func (c *Consolidator) run(ctx context.Context, actor string) (int, error) {
	recent, err := c.engine.RecentConversations(actor, c.window)
	if err != nil {
		return 0, &ConsolidationError{Actor: actor, Err: err}
	}
	reverse(recent)
	text := transcript(recent, c.speakers)
	if text == "" {
		return 0, nil
	}

	resp, err := c.llm.Complete(ctx, fmt.Sprintf(extractionPrompt, c.speakers.Agent), userMessage(text), provider.Limits{
		MaxTokens:   extractionMaxTokens,
		Temperature: extractionTemperature,
	})
	if err != nil {
		return 0, &ConsolidationError{Actor: actor, Err: err}
	}

	facts, err := parseFacts(resp.Text)
	if err != nil {
		return 0, &ConsolidationError{Actor: actor, Err: err}
	}

	stored := 0
	now := c.clock.Now()
	for _, fact := range facts {
		exists, err := c.engine.FactExists(actor, fact)
		if err != nil {
			return stored, &ConsolidationError{Actor: actor, Err: err}
		}
		if exists {
			continue
		}
		id, err := c.engine.InsertFact(actor, fact, SourceConversation, now)
		if err != nil {
			return stored, &ConsolidationError{Actor: actor, Err: err}
		}
		if id > 0 {
			stored++
			c.logger.Debug("fact stored", zap.String("actor", actor), zap.String("fact", fact))
		}
	}

	pruned, err := c.engine.PruneFacts(actor, c.maxFacts)
	if err != nil {
		return stored, &ConsolidationError{Actor: actor, Err: err}
	}
	c.logger.Info("memory consolidated",
		zap.String("actor", actor),
		zap.Int("stored", stored),
		zap.Int64("pruned", pruned),
	)
	return stored, nil
}

// parseFacts expects a JSON array and keeps its non-empty string elements.
func parseFacts(raw string) ([]string, error) {
	cleaned := strings.TrimSpace(llmtext.StripFences(raw))
	var items []any
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		return nil, fmt.Errorf("decode facts %q: %w", llmtext.Truncate(cleaned, 80), err)
	}

	facts := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		facts = append(facts, s)
		if len(facts) == maxFactsPerExtraction {
			break
		}
	}
	return facts, nil
}

func reverse(records []Conversation) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
