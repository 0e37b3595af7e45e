package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/flagrace/pkg/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id int, name string) *model.Task {
	now := time.Now().UTC()
	return &model.Task{
		ID:        id,
		Name:      name,
		State:     model.TaskStatePending,
		Round:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTask(ctx, sampleTask(1, "web_baby")); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil {
		t.Fatal("task not found")
	}
	if got.Name != "web_baby" || got.State != model.TaskStatePending || got.Round != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestGetTaskMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetTask(context.Background(), 99)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got != nil {
		t.Errorf("want nil for missing task, got %+v", got)
	}
}

func TestUpsertPreservesProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := sampleTask(2, "pwn_intro")
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	task.State = model.TaskStateRunning
	task.Round = 3
	task.NoCandidateStreak = 2
	task.UpdatedAt = time.Now().UTC()
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	// A second ingest of the challenge list must not reset rotation state.
	again := sampleTask(2, "pwn_intro_renamed")
	if err := s.UpsertTask(ctx, again); err != nil {
		t.Fatalf("second UpsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "pwn_intro_renamed" {
		t.Errorf("name = %q, want refreshed name", got.Name)
	}
	if got.Round != 3 || got.NoCandidateStreak != 2 || got.State != model.TaskStateRunning {
		t.Errorf("progress reset by upsert: %+v", got)
	}
}

func TestUpdateTaskMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTask(context.Background(), sampleTask(42, "ghost"))
	if err == nil {
		t.Fatal("expected error updating a missing task")
	}
}

func TestUpdateTaskState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTask(ctx, sampleTask(3, "crypto_easy")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskState(ctx, 3, model.TaskStateSolved); err != nil {
		t.Fatalf("UpdateTaskState: %v", err)
	}
	got, err := s.GetTask(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.TaskStateSolved {
		t.Errorf("state = %v, want SOLVED", got.State)
	}
}

func TestRoundHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for round := 1; round <= 2; round++ {
		sum := &model.RoundSummary{
			TaskID:  5,
			Round:   round,
			Timeout: 300 + 120*(round-1),
			AgentCandidates: map[string]string{
				"copilot_cli": "",
				"gemini_cli":  "flag{gem}",
			},
			TotalAgents:     2,
			CandidatesFound: 1,
			CreatedAt:       time.Now().UTC(),
		}
		if round == 2 {
			sum.Winner = "gemini_cli"
			sum.WinnerCandidate = "flag{gem}"
		}
		if err := s.RecordRound(ctx, sum); err != nil {
			t.Fatalf("RecordRound(%d): %v", round, err)
		}
	}

	sums, err := s.ListRounds(ctx, 5)
	if err != nil {
		t.Fatalf("ListRounds: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d rounds, want 2", len(sums))
	}
	if sums[0].Round != 1 || sums[1].Round != 2 {
		t.Errorf("rounds out of order: %d, %d", sums[0].Round, sums[1].Round)
	}
	if sums[1].Winner != "gemini_cli" {
		t.Errorf("winner = %q", sums[1].Winner)
	}
	if sums[0].AgentCandidates["gemini_cli"] != "flag{gem}" {
		t.Errorf("agent candidates = %v", sums[0].AgentCandidates)
	}
	if sums[1].Timeout != 420 {
		t.Errorf("timeout = %d, want 420", sums[1].Timeout)
	}
}

func TestRecordRoundIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum := &model.RoundSummary{TaskID: 6, Round: 1, Timeout: 300, CreatedAt: time.Now().UTC()}
	if err := s.RecordRound(ctx, sum); err != nil {
		t.Fatal(err)
	}
	sum.Winner = "codex_cli"
	if err := s.RecordRound(ctx, sum); err != nil {
		t.Fatalf("re-recording a round: %v", err)
	}

	sums, err := s.ListRounds(ctx, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].Winner != "codex_cli" {
		t.Errorf("got %d rounds, winner %q", len(sums), sums[0].Winner)
	}
}

func TestCandidateCounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := func(round int, agent, value string) {
		t.Helper()
		c := &model.Candidate{
			TaskID: 7, Round: round, AgentName: agent, Value: value,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.RecordCandidate(ctx, c); err != nil {
			t.Fatalf("RecordCandidate: %v", err)
		}
	}

	record(1, "copilot_cli", "flag{stuck_here}")
	record(2, "gemini_cli", "flag{stuck_here}")
	record(2, "codex_cli", "flag{other}")

	n, err := s.CountCandidate(ctx, 7, "flag{stuck_here}")
	if err != nil {
		t.Fatalf("CountCandidate: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	n, err = s.CountCandidate(ctx, 7, "flag{never_seen}")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}

	cands, err := s.ListCandidates(ctx, 7)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(cands) != 3 {
		t.Errorf("got %d candidates, want 3", len(cands))
	}
}
