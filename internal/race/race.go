// Package race runs one round's agents concurrently against the same task
// and picks the winner. Losers are not torn down by the coordinator; each
// supervisor observes the shared token and stands down on its own within one
// poll interval, which keeps cancellation and cleanup in a single place.
package race

import (
	"context"
	"log/slog"
	"sync"

	"github.com/me/flagrace/internal/supervisor"
	"github.com/me/flagrace/pkg/model"
)

// Runner is the per-agent execution collaborator, satisfied by
// *supervisor.Supervisor.
type Runner interface {
	Run(ctx context.Context, spec supervisor.RunSpec) model.WorkerResult
}

// Outcome is the collected result of one round.
type Outcome struct {
	// Results holds every agent's result in completion order.
	Results []model.WorkerResult
	// Winner points into Results at the confirmed run, or nil when the
	// round produced no winner. At most one run can confirm per round; which
	// one wins a near-tie depends on completion order.
	Winner *model.WorkerResult
}

// Coordinator fans a task out to all enabled agents and reduces their
// results.
type Coordinator struct {
	runner Runner
	logger *slog.Logger
}

// New creates a Coordinator.
func New(runner Runner, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		runner: runner,
		logger: logger.With("component", "race"),
	}
}

// Race runs every entrant concurrently and blocks until all of them have
// finished. All entrants share one fresh token, so at most one of them can
// report a confirmed candidate.
func (c *Coordinator) Race(ctx context.Context, entrants []supervisor.RunSpec) Outcome {
	token := supervisor.NewToken()
	results := make(chan model.WorkerResult, len(entrants))

	var wg sync.WaitGroup
	for _, e := range entrants {
		e.Token = token
		wg.Add(1)
		go func(spec supervisor.RunSpec) {
			defer wg.Done()
			results <- c.runner.Run(ctx, spec)
		}(e)
	}
	wg.Wait()
	close(results)

	var out Outcome
	winner := -1
	for res := range results {
		out.Results = append(out.Results, res)
		c.logger.Info("agent finished",
			"agent", res.AgentName, "outcome", res.Outcome, "run", res.RunID)
		if winner < 0 && res.Outcome == model.RunOutcomeConfirmed {
			winner = len(out.Results) - 1
		}
	}
	if winner >= 0 {
		out.Winner = &out.Results[winner]
	}
	if out.Winner != nil {
		c.logger.Info("round won",
			"agent", out.Winner.AgentName, "candidate", out.Winner.Candidate)
	}
	return out
}
