package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/me/flagrace/internal/ctfd"
	"github.com/me/flagrace/internal/rotation"
	"github.com/me/flagrace/internal/sandbox"
	"github.com/me/flagrace/internal/store"
	"github.com/me/flagrace/internal/taskdir"
	"github.com/me/flagrace/pkg/model"
)

// ingestFilter narrows which platform challenges become tasks.
type ingestFilter struct {
	category string
	ids      map[int]struct{}
	skip     map[int]struct{}
}

func (f ingestFilter) match(ch ctfd.Challenge) bool {
	if f.category != "" && ch.Category != f.category {
		return false
	}
	if len(f.ids) > 0 {
		if _, ok := f.ids[ch.ID]; !ok {
			return false
		}
	}
	if _, ok := f.skip[ch.ID]; ok {
		return false
	}
	return !ch.SolvedByMe
}

// ingestTasks pulls matching challenges from the platform and stages each one
// as a task directory: metadata, attachments, and unlocked hints. Existing
// task progress is preserved; re-ingesting only refreshes names and files.
func ingestTasks(ctx context.Context, client *ctfd.Client, dirs *taskdir.Manager, st store.Store, filter ingestFilter, logger *slog.Logger) ([]*model.Task, error) {
	challenges, err := client.ListChallenges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}

	// some instances omit solved_by_me on the listing; cross-check the
	// scoreboard when it is reachable
	solved := map[int]struct{}{}
	if solves, err := client.GetSolves(ctx); err == nil {
		for _, s := range solves {
			solved[s.ChallengeID] = struct{}{}
		}
	}

	var tasks []*model.Task
	for _, ch := range challenges {
		if _, ok := solved[ch.ID]; ok {
			continue
		}
		if !filter.match(ch) {
			continue
		}
		task, err := ingestOne(ctx, client, dirs, st, ch, logger)
		if err != nil {
			logger.Error("failed to ingest challenge", "challenge", ch.ID, "name", ch.Name, "error", err)
			continue
		}
		if task != nil {
			tasks = append(tasks, task)
		}
	}
	logger.Info("ingested challenges", "tasks", len(tasks), "listed", len(challenges))
	return tasks, nil
}

func ingestOne(ctx context.Context, client *ctfd.Client, dirs *taskdir.Manager, st store.Store, ch ctfd.Challenge, logger *slog.Logger) (*model.Task, error) {
	detail, err := client.GetChallenge(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}

	dir, err := dirs.Ensure(ch.ID)
	if err != nil {
		return nil, err
	}

	meta := rotation.ChallengeMeta{
		Name:           detail.Name,
		Category:       detail.Category,
		Points:         detail.Value,
		Description:    detail.Description,
		ConnectionInfo: detail.ConnectionInfo,
	}

	for _, fileURL := range detail.Files {
		name, err := client.DownloadFile(ctx, fileURL, filepath.Join(dir, sandbox.FilesDir))
		if err != nil {
			logger.Warn("failed to download attachment", "challenge", ch.ID, "url", fileURL, "error", err)
			continue
		}
		meta.Files = append(meta.Files, name)
	}

	for _, hintID := range detail.HintIDs {
		hint, err := client.GetHint(ctx, hintID)
		if err != nil {
			// locked hints come back as errors; skip them
			logger.Debug("hint unavailable", "challenge", ch.ID, "hint", hintID, "error", err)
			continue
		}
		if hint.Content != "" {
			meta.Hints = append(meta.Hints, hint.Content)
		}
	}

	if err := rotation.WriteChallengeMeta(dir, meta); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:        ch.ID,
		Name:      detail.Name,
		State:     dirs.State(ch.ID),
		Round:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, err := st.GetTask(ctx, ch.ID); err == nil && prev != nil {
		task.State = prev.State
		task.Round = prev.Round
		// Carry the streak across restarts, or a task abandoned mid-way
		// through its no-candidate countdown gets a fresh allowance.
		task.NoCandidateStreak = prev.NoCandidateStreak
		task.CreatedAt = prev.CreatedAt
	}
	if err := st.UpsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if task.State.IsTerminal() {
		logger.Debug("skipping terminal task", "task", task.ID, "state", task.State)
		return nil, nil
	}
	return task, nil
}
