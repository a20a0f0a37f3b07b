package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
)

// ImportStats counts rows copied by ImportLegacy.
type ImportStats struct {
	Conversations int
	Facts         int
	Quests        int
}

var legacyRoles = map[string]Role{
	"player": RoleActor,
	"josh":   RoleAgent,
	"system": RoleSystem,
}

// ImportLegacy copies the ledger, facts and quest rows of an agent-server
// database (player_uuid keyed, player/josh roles) into engine. Rows that
// already exist are skipped, so the import can be re-run.
func ImportLegacy(legacyPath string, engine *Engine) (ImportStats, error) {
	var stats ImportStats
	if _, err := os.Stat(legacyPath); err != nil {
		return stats, fmt.Errorf("legacy db: %w", err)
	}

	src, err := sql.Open("sqlite", legacyPath)
	if err != nil {
		return stats, fmt.Errorf("open legacy db: %w", err)
	}
	defer src.Close()

	engine.mu.Lock()
	defer engine.mu.Unlock()

	tx, err := engine.db.Begin()
	if err != nil {
		return stats, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	if stats.Conversations, err = importConversations(src, tx); err != nil {
		return ImportStats{}, err
	}
	if stats.Facts, err = importFacts(src, tx); err != nil {
		return ImportStats{}, err
	}
	if stats.Quests, err = importQuests(src, tx); err != nil {
		return ImportStats{}, err
	}

	if err := tx.Commit(); err != nil {
		return ImportStats{}, fmt.Errorf("commit import: %w", err)
	}
	return stats, nil
}

func importConversations(src *sql.DB, tx *sql.Tx) (int, error) {
	rows, err := src.Query(`
		SELECT player_uuid, role, content, timestamp
		FROM conversations
		ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("read legacy conversations: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			actor, role, content string
			ts                   int64
		)
		if err := rows.Scan(&actor, &role, &content, &ts); err != nil {
			return n, fmt.Errorf("scan legacy conversation: %w", err)
		}
		mapped, ok := legacyRoles[role]
		if !ok {
			continue
		}

		var exists int
		err := tx.QueryRow(`
			SELECT COUNT(1) FROM conversations
			WHERE actor = ? AND role = ? AND content = ? AND timestamp = ?
		`, actor, string(mapped), content, ts).Scan(&exists)
		if err != nil {
			return n, fmt.Errorf("check conversation duplicate: %w", err)
		}
		if exists > 0 {
			continue
		}

		if _, err := tx.Exec(`
			INSERT INTO conversations (actor, role, content, timestamp)
			VALUES (?, ?, ?, ?)
		`, actor, string(mapped), content, ts); err != nil {
			return n, fmt.Errorf("import conversation: %w", err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate legacy conversations: %w", err)
	}
	return n, nil
}

func importFacts(src *sql.DB, tx *sql.Tx) (int, error) {
	rows, err := src.Query(`
		SELECT player_uuid, memory, COALESCE(source, ''), created_at
		FROM memories
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("read legacy memories: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			actor, text, source string
			createdAt           int64
		)
		if err := rows.Scan(&actor, &text, &source, &createdAt); err != nil {
			return n, fmt.Errorf("scan legacy memory: %w", err)
		}
		if source == "" {
			source = SourceConversation
		}
		res, err := tx.Exec(`
			INSERT INTO facts (actor, text, source, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(actor, text) DO NOTHING
		`, actor, text, source, createdAt)
		if err != nil {
			return n, fmt.Errorf("import fact: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			n++
		}
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate legacy memories: %w", err)
	}
	return n, nil
}

func importQuests(src *sql.DB, tx *sql.Tx) (int, error) {
	rows, err := src.Query(`
		SELECT player_uuid, current_stage, COALESCE(completed_objectives, '[]'),
			COALESCE(started_at, 0), COALESCE(last_interaction, 0)
		FROM quest_state
	`)
	if err != nil {
		return 0, fmt.Errorf("read legacy quest_state: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			actor, stage, objectives string
			startedAt, lastSeen      int64
		)
		if err := rows.Scan(&actor, &stage, &objectives, &startedAt, &lastSeen); err != nil {
			return n, fmt.Errorf("scan legacy quest: %w", err)
		}
		res, err := tx.Exec(`
			INSERT INTO quest_state (actor, current_stage, completed_objectives, started_at, last_interaction)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(actor) DO NOTHING
		`, actor, stage, objectives, startedAt, lastSeen)
		if err != nil {
			return n, fmt.Errorf("import quest: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			n++
		}
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return n, fmt.Errorf("iterate legacy quests: %w", err)
	}
	return n, nil
}
