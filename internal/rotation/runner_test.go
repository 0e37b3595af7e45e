package rotation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/flagrace/internal/supervisor"
	"github.com/me/flagrace/internal/taskdir"
	"github.com/me/flagrace/pkg/model"
)

// fakeWorker stands in for the supervisor: it records every spec it is
// handed and lets the test script per-agent behavior with access to the
// live workspace and log path.
type fakeWorker struct {
	mu    sync.Mutex
	specs []supervisor.RunSpec
	run   func(spec supervisor.RunSpec) model.WorkerResult
}

func (f *fakeWorker) Run(_ context.Context, spec supervisor.RunSpec) model.WorkerResult {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(spec)
	}
	return model.WorkerResult{AgentName: spec.AgentName, Outcome: model.RunOutcomeUnresolved}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAgents() []Agent {
	return []Agent{
		{Name: "alpha", Type: "claude_cli", Image: "flagrace-agent:latest", Command: []string{"/entry.sh"}},
		{Name: "bravo", Type: "codex_cli", Image: "flagrace-agent:latest", Command: []string{"/entry.sh"}},
	}
}

func newTestRaceRunner(t *testing.T, worker *fakeWorker) (*RaceRunner, *taskdir.Manager) {
	t.Helper()
	dirs := taskdir.NewManager(t.TempDir(), testLogger())
	r := NewRaceRunner(testAgents(), Resources{Network: "bridge", Memory: "2g"}, worker, dirs, "", testLogger())
	return r, dirs
}

func stageTask(t *testing.T, dirs *taskdir.Manager, id int, meta ChallengeMeta) *model.Task {
	t.Helper()
	dir, err := dirs.Ensure(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteChallengeMeta(dir, meta); err != nil {
		t.Fatal(err)
	}
	return &model.Task{ID: id, Name: meta.Name, State: model.TaskStatePending, Round: 1}
}

func TestRunRoundStagesWorkspacesPerAgent(t *testing.T) {
	worker := &fakeWorker{}
	r, dirs := newTestRaceRunner(t, worker)
	task := stageTask(t, dirs, 7, ChallengeMeta{
		Name:        "baby-rev",
		Category:    "rev",
		Description: "Reverse the binary.",
	})

	out, _, err := r.RunRound(context.Background(), task, 2, 420*time.Second, []string{"CTF{nope}"})
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if out.Winner != nil {
		t.Fatal("unresolved round reported a winner")
	}
	if len(worker.specs) != 2 {
		t.Fatalf("ran %d agents, want 2", len(worker.specs))
	}

	// round briefing staged into the task directory
	text, err := os.ReadFile(filepath.Join(dirs.Dir(7), "prompt.txt"))
	if err != nil {
		t.Fatalf("prompt not staged: %v", err)
	}
	for _, want := range []string{"baby-rev", "CTF{nope}", "round 2"} {
		if !strings.Contains(string(text), want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	seen := map[string]bool{}
	for _, spec := range worker.specs {
		seen[spec.Workspace] = true
		if spec.Timeout != 420*time.Second {
			t.Errorf("agent %s timeout = %v, want 420s", spec.AgentName, spec.Timeout)
		}
		if spec.Container.NetworkMode != "bridge" || spec.Container.Memory != "2g" {
			t.Errorf("agent %s resources not applied: %+v", spec.AgentName, spec.Container)
		}
		if !strings.Contains(spec.Container.Name, "r2") {
			t.Errorf("container name %q missing round suffix", spec.Container.Name)
		}
		// the workspace copy carried the staged prompt
		if _, err := os.Stat(filepath.Join(spec.Workspace, "prompt.txt")); err == nil {
			t.Errorf("workspace for %s not cleaned up", spec.AgentName)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("agents shared a workspace: %v", seen)
	}
}

func TestRunRoundHarvestsRejectionsFromLogs(t *testing.T) {
	worker := &fakeWorker{}
	worker.run = func(spec supervisor.RunSpec) model.WorkerResult {
		if spec.AgentName == "alpha" {
			log := `{"submission": "CTF{bad}"}` + "\n" +
				`{"status": "incorrect"}` + "\n" +
				`{"submission": "CTF{bad}"}` + "\n" +
				`{"status": "incorrect"}` + "\n"
			if err := os.WriteFile(spec.LogPath, []byte(log), 0o644); err != nil {
				t.Error(err)
			}
		}
		return model.WorkerResult{AgentName: spec.AgentName, Outcome: model.RunOutcomeUnresolved}
	}
	r, dirs := newTestRaceRunner(t, worker)
	task := stageTask(t, dirs, 8, ChallengeMeta{Name: "pwn-me", Description: "pwn"})

	_, rejections, err := r.RunRound(context.Background(), task, 1, time.Minute, nil)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}

	got := dirs.WrongFlags(8)
	if len(got) != 2 || got[0] != "CTF{bad}" || got[1] != "CTF{bad}" {
		t.Fatalf("WrongFlags = %v, want [CTF{bad} CTF{bad}]", got)
	}
	if len(rejections) != 2 {
		t.Fatalf("rejections = %v, want 2", rejections)
	}
	for _, rej := range rejections {
		if rej.AgentName != "alpha" || rej.Value != "CTF{bad}" {
			t.Errorf("rejection = %+v, want alpha/CTF{bad}", rej)
		}
	}
}

func TestRunRoundHarvestsWinnerDeliverable(t *testing.T) {
	worker := &fakeWorker{}
	worker.run = func(spec supervisor.RunSpec) model.WorkerResult {
		if spec.AgentName != "bravo" {
			return model.WorkerResult{AgentName: spec.AgentName, Outcome: model.RunOutcomeCancelled}
		}
		artifact := filepath.Join(spec.Workspace, "WriteUp", "writeup.md")
		if err := os.WriteFile(artifact, []byte("# solved\n"), 0o644); err != nil {
			t.Error(err)
		}
		return model.WorkerResult{
			AgentName:    spec.AgentName,
			Outcome:      model.RunOutcomeConfirmed,
			Candidate:    "CTF{win}",
			ArtifactPath: artifact,
		}
	}
	r, dirs := newTestRaceRunner(t, worker)
	task := stageTask(t, dirs, 9, ChallengeMeta{Name: "web-easy", Description: "web"})

	out, _, err := r.RunRound(context.Background(), task, 1, time.Minute, nil)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if out.Winner == nil || out.Winner.Candidate != "CTF{win}" {
		t.Fatalf("winner = %+v", out.Winner)
	}

	want := filepath.Join(dirs.Dir(9), "WriteUp", "writeup.md")
	if out.Winner.ArtifactPath != want {
		t.Fatalf("ArtifactPath = %q, want durable copy %q", out.Winner.ArtifactPath, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "# solved\n" {
		t.Fatalf("deliverable not harvested: %q, %v", data, err)
	}
}

func TestRunRoundMergesApproachNotes(t *testing.T) {
	worker := &fakeWorker{}
	worker.run = func(spec supervisor.RunSpec) model.WorkerResult {
		notes := filepath.Join(spec.Workspace, "SharedInfo", "approaches.txt")
		if err := os.WriteFile(notes, []byte("tried sqlmap, nothing\n"), 0o644); err != nil {
			t.Error(err)
		}
		return model.WorkerResult{AgentName: spec.AgentName, Outcome: model.RunOutcomeUnresolved}
	}
	r, dirs := newTestRaceRunner(t, worker)
	task := stageTask(t, dirs, 10, ChallengeMeta{Name: "web-hard", Description: "web"})

	if _, _, err := r.RunRound(context.Background(), task, 1, time.Minute, nil); err != nil {
		t.Fatalf("RunRound: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dirs.Dir(10), "SharedInfo", "approaches.txt"))
	if err != nil {
		t.Fatalf("approach notes not merged: %v", err)
	}
	for _, want := range []string{"## alpha", "## bravo", "tried sqlmap"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("merged notes missing %q:\n%s", want, data)
		}
	}
}

func TestRegenerateWriteup(t *testing.T) {
	worker := &fakeWorker{}
	worker.run = func(spec supervisor.RunSpec) model.WorkerResult {
		artifact := filepath.Join(spec.Workspace, "WriteUp", "writeup.md")
		if err := os.WriteFile(artifact, []byte("# regenerated\n"), 0o644); err != nil {
			t.Error(err)
		}
		return model.WorkerResult{AgentName: spec.AgentName, Outcome: model.RunOutcomeUnresolved}
	}
	r, dirs := newTestRaceRunner(t, worker)
	task := stageTask(t, dirs, 11, ChallengeMeta{Name: "crypto-101", Description: "crypto"})
	if err := dirs.MarkSolved(11, "CTF{solved}"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.RegenerateWriteup(ctx, task); err != nil {
		t.Fatalf("RegenerateWriteup: %v", err)
	}

	// a single agent run, briefed with the solved flag
	if len(worker.specs) != 1 {
		t.Fatalf("ran %d agents, want 1", len(worker.specs))
	}
	data, err := os.ReadFile(filepath.Join(dirs.Dir(11), "WriteUp", "writeup.md"))
	if err != nil || string(data) != "# regenerated\n" {
		t.Fatalf("deliverable not stored: %q, %v", data, err)
	}
}

func TestRegenerateWriteupNoArtifactFails(t *testing.T) {
	worker := &fakeWorker{}
	r, dirs := newTestRaceRunner(t, worker)
	task := stageTask(t, dirs, 12, ChallengeMeta{Name: "misc", Description: "misc"})

	if err := r.RegenerateWriteup(context.Background(), task); err == nil {
		t.Fatal("expected error when the run produced no deliverable")
	}
}
