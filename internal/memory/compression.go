package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/logging"
	"github.com/stellarlinkco/npcbrain/internal/provider"
)

const (
	summaryMaxTokens   = 300
	summaryTemperature = 0.3
)

// CompactionError wraps any failure during history compaction. Storage is
// unchanged when one is returned.
type CompactionError struct {
	Actor string
	Err   error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compact %s: %v", e.Actor, e.Err)
}

func (e *CompactionError) Unwrap() error { return e.Err }

// Compactor folds old dialogue into a single summary record.
type Compactor struct {
	engine   *Engine
	llm      Completer
	logger   *zap.Logger
	speakers Speakers

	threshold int
	preserve  int
	minBatch  int
}

func NewCompactor(engine *Engine, llm Completer, cfg config.MemoryConfig, sp Speakers, logger *zap.Logger) *Compactor {
	c := &Compactor{
		engine:    engine,
		llm:       llm,
		logger:    logging.OrNop(logger),
		speakers:  sp.withDefaults(),
		threshold: cfg.SummarizeAfterTurns,
		preserve:  cfg.PreserveRecent,
		minBatch:  cfg.MinCompactBatch,
	}
	if c.threshold <= 0 {
		c.threshold = config.DefaultSummarizeAfter
	}
	if c.preserve <= 0 {
		c.preserve = config.DefaultPreserveRecent
	}
	if c.minBatch <= 0 {
		c.minBatch = config.DefaultMinCompactBatch
	}
	return c
}

// Threshold is the configured non-system turn count that triggers compaction.
func (c *Compactor) Threshold() int { return c.threshold }

// CompactIfNeeded summarizes everything but the newest turns once the actor
// has at least threshold non-system records. A threshold <= 0 uses the
// configured value. It reports whether a summary was written.
func (c *Compactor) CompactIfNeeded(ctx context.Context, actor string, threshold int) (bool, error) {
	if threshold <= 0 {
		threshold = c.threshold
	}

	all, err := c.engine.ListConversations(actor)
	if err != nil {
		return false, &CompactionError{Actor: actor, Err: err}
	}

	var turnIdx []int
	for i, r := range all {
		if r.Role != RoleSystem {
			turnIdx = append(turnIdx, i)
		}
	}
	if len(turnIdx) < threshold || len(turnIdx) <= c.preserve {
		return false, nil
	}

	boundary := turnIdx[len(turnIdx)-c.preserve]
	var (
		turns     []Conversation
		summaries []string
		ids       []int64
	)
	for _, r := range all[:boundary] {
		ids = append(ids, r.ID)
		if r.Role == RoleSystem {
			summaries = append(summaries, strings.TrimPrefix(r.Content, SummaryPrefix))
			continue
		}
		turns = append(turns, r)
	}
	if len(turns) < c.minBatch {
		return false, nil
	}

	input := transcript(turns, c.speakers)
	if len(summaries) > 0 {
		input = "Earlier summary:\n" + strings.Join(summaries, "\n") + "\n\nConversation since then:\n" + input
	}

	resp, err := c.llm.Complete(ctx, fmt.Sprintf(summaryPrompt, c.speakers.Agent), userMessage(input), provider.Limits{
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return false, &CompactionError{Actor: actor, Err: err}
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return false, nil
	}

	ts := all[boundary].Timestamp - 1
	if _, err := c.engine.ReplaceWithSummary(actor, ids, SummaryPrefix+summary, ts); err != nil {
		return false, &CompactionError{Actor: actor, Err: err}
	}

	c.logger.Info("history compacted",
		zap.String("actor", actor),
		zap.Int("turns", len(turns)),
		zap.Int("folded_summaries", len(summaries)),
	)
	return true, nil
}
