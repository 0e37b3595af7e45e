package race

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/me/flagrace/internal/supervisor"
	"github.com/me/flagrace/pkg/model"
)

// scriptedRunner simulates supervisors that honor the shared token: the
// designated winner claims it, everyone else checks it and stands down.
type scriptedRunner struct {
	mu      sync.Mutex
	winner  string
	flag    string
	results map[string]model.WorkerResult
}

func (r *scriptedRunner) Run(_ context.Context, spec supervisor.RunSpec) model.WorkerResult {
	res := model.WorkerResult{RunID: "run-" + spec.AgentName, AgentName: spec.AgentName}
	if spec.AgentName == r.winner && spec.Token.Set() {
		res.Outcome = model.RunOutcomeConfirmed
		res.Candidate = r.flag
	} else if spec.Token.IsSet() {
		res.Outcome = model.RunOutcomeCancelled
	} else {
		res.Outcome = model.RunOutcomeUnresolved
	}
	r.mu.Lock()
	if r.results == nil {
		r.results = make(map[string]model.WorkerResult)
	}
	r.results[spec.AgentName] = res
	r.mu.Unlock()
	return res
}

func entrants(names ...string) []supervisor.RunSpec {
	specs := make([]supervisor.RunSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, supervisor.RunSpec{AgentName: n})
	}
	return specs
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRacePicksConfirmedWinner(t *testing.T) {
	runner := &scriptedRunner{winner: "codex_cli", flag: "flag{abc123}"}
	c := New(runner, discard())

	out := c.Race(context.Background(), entrants("copilot_cli", "gemini_cli", "codex_cli"))

	if len(out.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(out.Results))
	}
	if out.Winner == nil {
		t.Fatal("expected a winner")
	}
	if out.Winner.AgentName != "codex_cli" || out.Winner.Candidate != "flag{abc123}" {
		t.Errorf("winner = %s/%q", out.Winner.AgentName, out.Winner.Candidate)
	}
}

func TestRaceNoWinner(t *testing.T) {
	runner := &scriptedRunner{}
	c := New(runner, discard())

	out := c.Race(context.Background(), entrants("copilot_cli", "gemini_cli"))

	if out.Winner != nil {
		t.Fatalf("unexpected winner %s", out.Winner.AgentName)
	}
	if len(out.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(out.Results))
	}
}

func TestRaceAtMostOneConfirmed(t *testing.T) {
	// Every entrant tries to claim; the token must let exactly one through.
	runner := &greedyRunner{flag: "flag{only_one}"}
	c := New(runner, discard())

	out := c.Race(context.Background(), entrants("a", "b", "c", "d", "e", "f"))

	confirmed := 0
	for _, res := range out.Results {
		if res.Outcome == model.RunOutcomeConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Fatalf("got %d confirmed results, want exactly 1", confirmed)
	}
	if out.Winner == nil || out.Winner.Candidate != "flag{only_one}" {
		t.Fatal("winner must carry the confirmed candidate")
	}
}

// greedyRunner races every entrant for the token simultaneously.
type greedyRunner struct {
	flag string
}

func (r *greedyRunner) Run(_ context.Context, spec supervisor.RunSpec) model.WorkerResult {
	res := model.WorkerResult{RunID: "run-" + spec.AgentName, AgentName: spec.AgentName}
	if spec.Token.Set() {
		res.Outcome = model.RunOutcomeConfirmed
		res.Candidate = r.flag
	} else {
		res.Outcome = model.RunOutcomeCancelled
	}
	return res
}

func TestRaceSharesOneTokenPerRound(t *testing.T) {
	var tokens []*supervisor.Token
	var mu sync.Mutex
	runner := runnerFunc(func(_ context.Context, spec supervisor.RunSpec) model.WorkerResult {
		mu.Lock()
		tokens = append(tokens, spec.Token)
		mu.Unlock()
		return model.WorkerResult{AgentName: spec.AgentName, Outcome: model.RunOutcomeUnresolved}
	})
	c := New(runner, discard())

	c.Race(context.Background(), entrants("a", "b", "c"))

	if len(tokens) != 3 {
		t.Fatalf("got %d token observations, want 3", len(tokens))
	}
	for _, tok := range tokens[1:] {
		if tok != tokens[0] {
			t.Fatal("all entrants must share the same token")
		}
	}
}

type runnerFunc func(ctx context.Context, spec supervisor.RunSpec) model.WorkerResult

func (f runnerFunc) Run(ctx context.Context, spec supervisor.RunSpec) model.WorkerResult {
	return f(ctx, spec)
}
