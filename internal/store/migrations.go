package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id                  INTEGER PRIMARY KEY,
		name                TEXT NOT NULL,
		state               TEXT NOT NULL DEFAULT 'PENDING',
		round               INTEGER NOT NULL DEFAULT 1,
		no_candidate_streak INTEGER NOT NULL DEFAULT 0,
		solved_flag         TEXT NOT NULL DEFAULT '',
		abandon_reason      TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS rounds (
		task_id          INTEGER NOT NULL,
		round            INTEGER NOT NULL,
		timeout_seconds  INTEGER NOT NULL,
		agent_candidates TEXT NOT NULL DEFAULT '{}',
		winner           TEXT NOT NULL DEFAULT '',
		winner_candidate TEXT NOT NULL DEFAULT '',
		total_agents     INTEGER NOT NULL DEFAULT 0,
		candidates_found INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		PRIMARY KEY (task_id, round)
	)`,

	`CREATE TABLE IF NOT EXISTS candidates (
		task_id    INTEGER NOT NULL,
		round      INTEGER NOT NULL,
		agent_name TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_task_id ON rounds(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_candidates_task_id ON candidates(task_id)`,
	// Compound index for the thrash-detection count query (task + exact value)
	`CREATE INDEX IF NOT EXISTS idx_candidates_task_value ON candidates(task_id, value)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
