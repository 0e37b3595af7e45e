package store

import (
	"context"

	"github.com/me/flagrace/pkg/model"
)

// Store is the structured history of the run: task progress, per-round
// summaries, and every rejected candidate. The filesystem markers stay
// authoritative for terminal task state; the store exists so the status API
// and thrash detection can query history without crawling directories.
type Store interface {
	// Task records
	UpsertTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id int) (*model.Task, error)
	ListTasks(ctx context.Context) ([]*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	UpdateTaskState(ctx context.Context, id int, state model.TaskState) error

	// Round history
	RecordRound(ctx context.Context, sum *model.RoundSummary) error
	ListRounds(ctx context.Context, taskID int) ([]*model.RoundSummary, error)

	// Rejected candidates
	RecordCandidate(ctx context.Context, c *model.Candidate) error
	CountCandidate(ctx context.Context, taskID int, value string) (int, error)
	ListCandidates(ctx context.Context, taskID int) ([]*model.Candidate, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
