package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/flagrace/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Task records ---

// UpsertTask inserts the task or, when the id already exists, refreshes its
// mutable columns. Re-ingesting the platform's challenge list must never
// reset local progress, so round and streak are only written on insert.
func (s *SQLiteStore) UpsertTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "upsert", "table", "tasks", "id", task.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, state, round, no_candidate_streak, solved_flag, abandon_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   updated_at = excluded.updated_at`,
		task.ID, task.Name, string(task.State), task.Round, task.NoCandidateStreak,
		task.SolvedFlag, task.AbandonReason,
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)
	return s.scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, name, state, round, no_candidate_streak, solved_flag, abandon_reason, created_at, updated_at
		 FROM tasks WHERE id = ?`, id))
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list", "table", "tasks")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, round, no_candidate_streak, solved_flag, abandon_reason, created_at, updated_at
		 FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var task model.Task
		var state, createdAt, updatedAt string

		if err := rows.Scan(&task.ID, &task.Name, &state, &task.Round, &task.NoCandidateStreak,
			&task.SolvedFlag, &task.AbandonReason, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		task.State = model.TaskState(state)
		task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// UpdateTask rewrites the task's mutable columns.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", task.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, state=?, round=?, no_candidate_streak=?,
		 solved_flag=?, abandon_reason=?, updated_at=? WHERE id=?`,
		task.Name, string(task.State), task.Round, task.NoCandidateStreak,
		task.SolvedFlag, task.AbandonReason,
		task.UpdatedAt.Format(time.RFC3339Nano), task.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %d not found", task.ID)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskState(ctx context.Context, id int, state model.TaskState) error {
	s.logger.Debug("sql", "op", "update_state", "table", "tasks", "id", id, "state", state)

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state=?, updated_at=? WHERE id=?`,
		string(state), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %d not found", id)
	}
	return nil
}

// --- Round history ---

func (s *SQLiteStore) RecordRound(ctx context.Context, sum *model.RoundSummary) error {
	s.logger.Debug("sql", "op", "insert", "table", "rounds", "task", sum.TaskID, "round", sum.Round)

	candidatesJSON, err := json.Marshal(sum.AgentCandidates)
	if err != nil {
		return fmt.Errorf("marshal agent candidates: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rounds (task_id, round, timeout_seconds, agent_candidates, winner, winner_candidate, total_agents, candidates_found, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, round) DO UPDATE SET
		   timeout_seconds = excluded.timeout_seconds,
		   agent_candidates = excluded.agent_candidates,
		   winner = excluded.winner,
		   winner_candidate = excluded.winner_candidate,
		   total_agents = excluded.total_agents,
		   candidates_found = excluded.candidates_found`,
		sum.TaskID, sum.Round, sum.Timeout, string(candidatesJSON),
		sum.Winner, sum.WinnerCandidate, sum.TotalAgents, sum.CandidatesFound,
		sum.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) ListRounds(ctx context.Context, taskID int) ([]*model.RoundSummary, error) {
	s.logger.Debug("sql", "op", "list", "table", "rounds", "task", taskID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, round, timeout_seconds, agent_candidates, winner, winner_candidate, total_agents, candidates_found, created_at
		 FROM rounds WHERE task_id = ? ORDER BY round`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sums []*model.RoundSummary
	for rows.Next() {
		var sum model.RoundSummary
		var candidatesJSON, createdAt string

		if err := rows.Scan(&sum.TaskID, &sum.Round, &sum.Timeout, &candidatesJSON,
			&sum.Winner, &sum.WinnerCandidate, &sum.TotalAgents, &sum.CandidatesFound, &createdAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(candidatesJSON), &sum.AgentCandidates)
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		sums = append(sums, &sum)
	}
	return sums, rows.Err()
}

// --- Rejected candidates ---

func (s *SQLiteStore) RecordCandidate(ctx context.Context, c *model.Candidate) error {
	s.logger.Debug("sql", "op", "insert", "table", "candidates", "task", c.TaskID, "agent", c.AgentName)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (task_id, round, agent_name, value, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.TaskID, c.Round, c.AgentName, c.Value,
		c.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// CountCandidate returns how many times value has been recorded for a task
// across all rounds. Drives the duplicate-candidate abandonment ceiling.
func (s *SQLiteStore) CountCandidate(ctx context.Context, taskID int, value string) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "candidates", "task", taskID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candidates WHERE task_id = ? AND value = ?`,
		taskID, value).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, taskID int) ([]*model.Candidate, error) {
	s.logger.Debug("sql", "op", "list", "table", "candidates", "task", taskID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, round, agent_name, value, created_at
		 FROM candidates WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cands []*model.Candidate
	for rows.Next() {
		var c model.Candidate
		var createdAt string

		if err := rows.Scan(&c.TaskID, &c.Round, &c.AgentName, &c.Value, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		cands = append(cands, &c)
	}
	return cands, rows.Err()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var state, createdAt, updatedAt string

	err := row.Scan(&task.ID, &task.Name, &state, &task.Round, &task.NoCandidateStreak,
		&task.SolvedFlag, &task.AbandonReason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task.State = model.TaskState(state)
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &task, nil
}
