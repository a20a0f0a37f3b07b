package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Engine is the SQLite-backed conversation ledger, fact store and quest
// tracker. Reads run concurrently; writes are serialized.
type Engine struct {
	db *sql.DB
	mu sync.Mutex
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('actor', 'agent', 'system')),
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_actor ON conversations(actor, timestamp)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'conversation',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_actor ON facts(actor, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_actor_text ON facts(actor, text)`,
		`CREATE TABLE IF NOT EXISTS quest_state (
			actor TEXT PRIMARY KEY,
			current_stage TEXT NOT NULL,
			completed_objectives TEXT NOT NULL DEFAULT '[]',
			started_at INTEGER NOT NULL,
			last_interaction INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// AppendConversation records one dialogue turn and returns its id.
func (e *Engine) AppendConversation(actor string, role Role, content string, ts time.Time) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.Exec(`
		INSERT INTO conversations (actor, role, content, timestamp)
		VALUES (?, ?, ?, ?)
	`, actor, string(role), content, ts.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append conversation: %w", err)
	}
	return res.LastInsertId()
}

// RecentConversations returns up to limit records, newest first.
func (e *Engine) RecentConversations(actor string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := e.db.Query(`
		SELECT id, actor, role, content, timestamp
		FROM conversations
		WHERE actor = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, actor, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// ListConversations returns every record for actor, oldest first.
func (e *Engine) ListConversations(actor string) ([]Conversation, error) {
	rows, err := e.db.Query(`
		SELECT id, actor, role, content, timestamp
		FROM conversations
		WHERE actor = ?
		ORDER BY timestamp ASC, id ASC
	`, actor)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// CountConversations counts records for actor, skipping excludeRole when set.
func (e *Engine) CountConversations(actor string, excludeRole Role) (int, error) {
	q := `SELECT COUNT(*) FROM conversations WHERE actor = ?`
	args := []any{actor}
	if excludeRole != "" {
		q += ` AND role != ?`
		args = append(args, string(excludeRole))
	}
	var n int
	if err := e.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// DeleteConversations removes records by id.
func (e *Engine) DeleteConversations(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.Exec(`DELETE FROM conversations WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	return nil
}

// ReplaceWithSummary deletes ids and inserts one system record in a single
// transaction. Either both happen or neither does.
func (e *Engine) ReplaceWithSummary(actor string, ids []int64, content string, ts int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if len(ids) > 0 {
		args := append([]any{actor}, int64Args(ids)...)
		res, err := tx.Exec(`DELETE FROM conversations WHERE actor = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return 0, fmt.Errorf("delete compacted: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n != int64(len(ids)) {
			return 0, fmt.Errorf("delete compacted: removed %d of %d records", n, len(ids))
		}
	}

	res, err := tx.Exec(`
		INSERT INTO conversations (actor, role, content, timestamp)
		VALUES (?, 'system', ?, ?)
	`, actor, content, ts)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("summary id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace: %w", err)
	}
	return id, nil
}

// UpsertQuestState stores the latest quest progress. started_at is reset
// whenever the stage changes.
func (e *Engine) UpsertQuestState(actor, stage string, completed []string, now time.Time) error {
	if completed == nil {
		completed = []string{}
	}
	data, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("marshal objectives: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ms := now.UnixMilli()
	_, err = e.db.Exec(`
		INSERT INTO quest_state (actor, current_stage, completed_objectives, started_at, last_interaction)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor) DO UPDATE SET
			started_at = CASE WHEN quest_state.current_stage != excluded.current_stage
				THEN excluded.started_at ELSE quest_state.started_at END,
			current_stage = excluded.current_stage,
			completed_objectives = excluded.completed_objectives,
			last_interaction = excluded.last_interaction
	`, actor, stage, string(data), ms, ms)
	if err != nil {
		return fmt.Errorf("upsert quest state: %w", err)
	}
	return nil
}

// QuestState returns the stored quest progress, or nil when none exists.
func (e *Engine) QuestState(actor string) (*QuestState, error) {
	var (
		q    QuestState
		objs string
	)
	err := e.db.QueryRow(`
		SELECT actor, current_stage, completed_objectives, started_at, last_interaction
		FROM quest_state WHERE actor = ?
	`, actor).Scan(&q.Actor, &q.Stage, &objs, &q.StartedAt, &q.LastInteraction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quest state: %w", err)
	}
	if err := json.Unmarshal([]byte(objs), &q.CompletedObjectives); err != nil {
		return nil, fmt.Errorf("decode objectives: %w", err)
	}
	return &q, nil
}

// ActiveActors lists actors with a conversation record at or after since.
func (e *Engine) ActiveActors(since time.Time) ([]string, error) {
	rows, err := e.db.Query(`
		SELECT DISTINCT actor FROM conversations
		WHERE timestamp >= ?
		ORDER BY actor
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("active actors: %w", err)
	}
	defer rows.Close()

	var actors []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		actors = append(actors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actors: %w", err)
	}
	return actors, nil
}

// InsertFact stores a fact. Inserting text the actor already has is a no-op
// and returns id 0.
func (e *Engine) InsertFact(actor, text, source string, createdAt time.Time) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.Exec(`
		INSERT INTO facts (actor, text, source, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(actor, text) DO NOTHING
	`, actor, text, source, createdAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert fact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

// FactExists reports whether actor already has a fact with exactly text.
func (e *Engine) FactExists(actor, text string) (bool, error) {
	var n int
	if err := e.db.QueryRow(`SELECT COUNT(1) FROM facts WHERE actor = ? AND text = ?`, actor, text).Scan(&n); err != nil {
		return false, fmt.Errorf("fact exists: %w", err)
	}
	return n > 0, nil
}

// PruneFacts deletes all but the newest keep facts for actor and returns
// how many were removed.
func (e *Engine) PruneFacts(actor string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.Exec(`
		DELETE FROM facts WHERE actor = ? AND id NOT IN (
			SELECT id FROM facts WHERE actor = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, actor, actor, keep)
	if err != nil {
		return 0, fmt.Errorf("prune facts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentFacts returns up to limit facts, newest first.
func (e *Engine) RecentFacts(actor string, limit int) ([]Fact, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := e.db.Query(`
		SELECT id, actor, text, source, created_at
		FROM facts
		WHERE actor = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, actor, limit)
	if err != nil {
		return nil, fmt.Errorf("recent facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Actor, &f.Text, &f.Source, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// Stats counts rows across the store.
func (e *Engine) Stats() (Stats, error) {
	var s Stats
	err := e.db.QueryRow(`
		SELECT
			(SELECT COUNT(DISTINCT actor) FROM conversations),
			(SELECT COUNT(*) FROM conversations WHERE role != 'system'),
			(SELECT COUNT(*) FROM conversations WHERE role = 'system'),
			(SELECT COUNT(*) FROM facts)
	`).Scan(&s.Actors, &s.Conversations, &s.Summaries, &s.Facts)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		var (
			c    Conversation
			role string
		)
		if err := rows.Scan(&c.ID, &c.Actor, &role, &c.Content, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Role = Role(role)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
