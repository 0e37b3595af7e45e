// Package rotation drives every task through repeated solving rounds. Rounds
// sweep breadth-first: one round of every active task, in input order, before
// any task's second round, so no single stubborn task starves the rest.
// Timeouts grow with the round number and abandonment is decided from
// accumulated failure signals after each round.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/flagrace/internal/race"
	"github.com/me/flagrace/internal/store"
	"github.com/me/flagrace/internal/taskdir"
	"github.com/me/flagrace/pkg/model"
)

// Config holds the rotation policy knobs.
type Config struct {
	// InitialTimeout is the round 1 race timeout.
	InitialTimeout time.Duration
	// TimeoutIncrement is added for each subsequent round.
	TimeoutIncrement time.Duration
	// MaxTimeout caps the per-round timeout.
	MaxTimeout time.Duration
	// MaxRounds bounds how many rounds a task gets before abandonment.
	MaxRounds int
	// NoCandidateLimit abandons a task after this many consecutive rounds
	// in which no worker produced any candidate.
	NoCandidateLimit int
	// DuplicateLimit abandons a task once any single rejected candidate has
	// been recorded this many times in total.
	DuplicateLimit int
	// WriteupTimeout bounds the best-effort deliverable regeneration pass.
	WriteupTimeout time.Duration
}

// DefaultConfig returns the production rotation policy.
func DefaultConfig() Config {
	return Config{
		InitialTimeout:   300 * time.Second,
		TimeoutIncrement: 120 * time.Second,
		MaxTimeout:       900 * time.Second,
		MaxRounds:        5,
		NoCandidateLimit: 3,
		DuplicateLimit:   2,
		WriteupTimeout:   180 * time.Second,
	}
}

// Timeout computes the race timeout for a round: it grows linearly with the
// round number and is capped at MaxTimeout.
func (c Config) Timeout(round int) time.Duration {
	t := c.InitialTimeout + c.TimeoutIncrement*time.Duration(round-1)
	if t > c.MaxTimeout {
		t = c.MaxTimeout
	}
	return t
}

// RoundRunner executes one race round for a task. Implementations own
// workspace staging, sandbox specs, and the race itself; the scheduler only
// cares about the collected outcome.
type RoundRunner interface {
	// RunRound returns the race outcome together with every rejection
	// harvested from the round's logs, attributed to its agent.
	RunRound(ctx context.Context, task *model.Task, round int, timeout time.Duration, denied []string) (race.Outcome, []Rejection, error)
	// RegenerateWriteup re-derives the deliverable from the winner's
	// captured logs when the winner exited without one. Best effort.
	RegenerateWriteup(ctx context.Context, task *model.Task) error
}

// Scheduler rotates tasks through rounds and applies the abandonment policy.
type Scheduler struct {
	cfg    Config
	runner RoundRunner
	dirs   *taskdir.Manager
	store  store.Store
	logger *slog.Logger

	wg sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config, runner RoundRunner, dirs *taskdir.Manager, st store.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		dirs:   dirs,
		store:  st,
		logger: logger.With("component", "rotation"),
	}
}

// Run sweeps all tasks round-by-round until every task is terminal or the
// round limit is reached. Tasks already terminal on disk are skipped; tasks
// resumed mid-rotation wait for the sweep to reach their recorded round.
func (s *Scheduler) Run(ctx context.Context, tasks []*model.Task) error {
	defer s.wg.Wait()

	for sweep := 1; sweep <= s.cfg.MaxRounds; sweep++ {
		ran := 0
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.syncTerminal(ctx, task) {
				continue
			}
			if task.Round != sweep {
				continue
			}
			ran++
			s.runTaskRound(ctx, task)
		}
		s.logger.Info("sweep complete", "sweep", sweep, "rounds_run", ran)
		if s.allTerminal(tasks) {
			return nil
		}
	}

	// Whatever survives the last sweep has exhausted its round budget.
	for _, task := range tasks {
		if task.State.IsTerminal() {
			continue
		}
		s.abandon(ctx, task, fmt.Sprintf("round limit of %d reached", s.cfg.MaxRounds))
	}
	return nil
}

// syncTerminal reconciles in-memory state with the on-disk markers, which are
// authoritative. Reports whether the task is terminal.
func (s *Scheduler) syncTerminal(ctx context.Context, task *model.Task) bool {
	switch s.dirs.State(task.ID) {
	case model.TaskStateSolved:
		if task.State != model.TaskStateSolved {
			task.State = model.TaskStateSolved
			task.SolvedFlag = s.dirs.SolvedFlag(task.ID)
			s.persist(ctx, task)
		}
		return true
	case model.TaskStateAbandoned:
		if task.State != model.TaskStateAbandoned {
			task.State = model.TaskStateAbandoned
			task.AbandonReason = s.dirs.AbandonReason(task.ID)
			s.persist(ctx, task)
		}
		return true
	}
	return task.State.IsTerminal()
}

func (s *Scheduler) allTerminal(tasks []*model.Task) bool {
	for _, task := range tasks {
		if !task.State.IsTerminal() {
			return false
		}
	}
	return true
}

// runTaskRound executes one round for one task and applies the verdict.
func (s *Scheduler) runTaskRound(ctx context.Context, task *model.Task) {
	round := task.Round
	timeout := s.cfg.Timeout(round)
	logger := s.logger.With("task", task.ID, "round", round)
	logger.Info("round starting", "timeout", timeout, "streak", task.NoCandidateStreak)

	if err := s.dirs.MarkRunning(task.ID); err != nil {
		logger.Warn("failed to write running marker", "error", err)
	}
	task.State = model.TaskStateRunning
	s.persist(ctx, task)

	if err := s.dirs.RotateLogs(task.ID, round-1); err != nil {
		logger.Warn("log rotation failed", "error", err)
	}

	// The denylist is read once at round start. Rejections landing in the
	// shared log mid-round feed the next round, not this one.
	denied := s.dirs.WrongFlags(task.ID)

	out, rejected, err := s.runner.RunRound(ctx, task, round, timeout, denied)
	if err != nil {
		logger.Error("round failed", "error", err)
		s.continueTask(ctx, task)
		return
	}

	sum := s.summarize(task.ID, round, timeout, out)
	if err := s.dirs.RecordRound(task.ID, sum); err != nil {
		logger.Warn("failed to record round files", "error", err)
	}
	if err := s.store.RecordRound(ctx, &sum); err != nil {
		logger.Warn("failed to record round history", "error", err)
	}

	if out.Winner != nil {
		s.solve(ctx, task, out.Winner)
		return
	}

	if len(rejected) == 0 {
		task.NoCandidateStreak++
		if err := s.dirs.SetStreak(task.ID, task.NoCandidateStreak); err != nil {
			logger.Warn("failed to persist streak", "error", err)
		}
		logger.Info("no candidates this round", "streak", task.NoCandidateStreak)
		if task.NoCandidateStreak >= s.cfg.NoCandidateLimit {
			s.abandon(ctx, task, fmt.Sprintf("no candidates for %d consecutive rounds", task.NoCandidateStreak))
			return
		}
		s.continueTask(ctx, task)
		return
	}

	task.NoCandidateStreak = 0
	if err := s.dirs.SetStreak(task.ID, 0); err != nil {
		logger.Warn("failed to persist streak", "error", err)
	}
	for _, rej := range rejected {
		c := &model.Candidate{
			TaskID:    task.ID,
			Round:     round,
			AgentName: rej.AgentName,
			Value:     rej.Value,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.RecordCandidate(ctx, c); err != nil {
			logger.Warn("failed to record rejected candidate", "error", err)
			continue
		}
		count, err := s.store.CountCandidate(ctx, task.ID, rej.Value)
		if err != nil {
			logger.Warn("failed to count candidate", "error", err)
			continue
		}
		// Thrash detection fires the moment the count is reached, inside
		// the round that recorded it.
		if count >= s.cfg.DuplicateLimit {
			s.abandon(ctx, task, fmt.Sprintf("duplicate candidate resubmitted %d times", count))
			return
		}
	}
	s.continueTask(ctx, task)
}

// solve marks the task solved and kicks off deliverable regeneration when
// the winner exited without one.
func (s *Scheduler) solve(ctx context.Context, task *model.Task, winner *model.WorkerResult) {
	logger := s.logger.With("task", task.ID)
	logger.Info("task solved", "agent", winner.AgentName, "round", task.Round)

	if err := s.dirs.MarkSolved(task.ID, winner.Candidate); err != nil {
		logger.Warn("failed to write solved marker", "error", err)
	}
	task.State = model.TaskStateSolved
	task.SolvedFlag = winner.Candidate
	s.persist(ctx, task)

	if winner.ArtifactPath != "" {
		return
	}
	logger.Info("winner produced no deliverable, regenerating")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		regenCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteupTimeout)
		defer cancel()
		if err := s.runner.RegenerateWriteup(regenCtx, task); err != nil {
			// The verdict stands either way.
			logger.Warn("deliverable regeneration failed", "error", err)
		}
	}()
}

func (s *Scheduler) abandon(ctx context.Context, task *model.Task, reason string) {
	s.logger.Info("task abandoned", "task", task.ID, "reason", reason)
	if err := s.dirs.MarkAbandoned(task.ID, reason); err != nil {
		s.logger.Warn("failed to write abandoned marker", "task", task.ID, "error", err)
	}
	task.State = model.TaskStateAbandoned
	task.AbandonReason = reason
	s.persist(ctx, task)
}

// continueTask re-queues the task for the next sweep.
func (s *Scheduler) continueTask(ctx context.Context, task *model.Task) {
	if err := s.dirs.ClearRunning(task.ID); err != nil {
		s.logger.Warn("failed to clear running marker", "task", task.ID, "error", err)
	}
	task.State = model.TaskStatePending
	task.Round++
	s.persist(ctx, task)
}

// persist writes the task record. Failures are logged, never fatal: the
// markers on disk remain the source of truth and the next round re-derives
// from them.
func (s *Scheduler) persist(ctx context.Context, task *model.Task) {
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Warn("failed to persist task", "task", task.ID, "error", err)
	}
}

func (s *Scheduler) summarize(taskID, round int, timeout time.Duration, out race.Outcome) model.RoundSummary {
	sum := model.RoundSummary{
		TaskID:          taskID,
		Round:           round,
		Timeout:         int(timeout.Seconds()),
		AgentCandidates: make(map[string]string, len(out.Results)),
		TotalAgents:     len(out.Results),
		CreatedAt:       time.Now().UTC(),
	}
	for _, res := range out.Results {
		sum.AgentCandidates[res.AgentName] = res.Candidate
		if res.Candidate != "" {
			sum.CandidatesFound++
		}
	}
	if out.Winner != nil {
		sum.Winner = out.Winner.AgentName
		sum.WinnerCandidate = out.Winner.Candidate
	}
	return sum
}
