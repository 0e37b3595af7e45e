package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/me/flagrace/internal/detect"
	"github.com/me/flagrace/internal/prompt"
	"github.com/me/flagrace/internal/race"
	"github.com/me/flagrace/internal/sandbox"
	"github.com/me/flagrace/internal/supervisor"
	"github.com/me/flagrace/internal/taskdir"
	"github.com/me/flagrace/pkg/model"
)

// Agent describes one enabled worker CLI to race. Type selects the host
// credential directories mounted into its sandbox.
type Agent struct {
	Name    string
	Type    string
	Image   string
	Command []string
	Env     map[string]string
}

// Resources carries the container limits applied to every sandbox.
type Resources struct {
	Network string
	Memory  string
	CPUs    int
}

// ChallengeMeta is the static challenge description staged into each task
// directory at ingest time and re-read every round. Hints and Files list
// what was staged alongside it, relative to the task directory.
type ChallengeMeta struct {
	Name           string   `json:"name"`
	Category       string   `json:"category,omitempty"`
	Points         int      `json:"points,omitempty"`
	Description    string   `json:"description"`
	ConnectionInfo string   `json:"connection_info,omitempty"`
	Hints          []string `json:"hints,omitempty"`
	Files          []string `json:"files,omitempty"`
}

const metaFile = "challenge.json"

// WriteChallengeMeta stages meta into dir. Called once at ingest time.
func WriteChallengeMeta(dir string, meta ChallengeMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode challenge meta: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, metaFile), append(data, '\n'), 0o644)
}

// Rejection is one rejected submission harvested from a round, attributed to
// the agent whose log carried it.
type Rejection struct {
	AgentName string
	Value     string
}

// RaceRunner is the production RoundRunner. It stages a fresh prompt per
// round, fans the task out to every agent through the race coordinator, and
// folds sandbox leftovers (rejections, shared notes, the deliverable) back
// into the task directory before the scheduler looks.
type RaceRunner struct {
	agents       []Agent
	res          Resources
	sup          race.Runner
	coord        *race.Coordinator
	dirs         *taskdir.Manager
	renderer     *prompt.Renderer
	submitScript string
	logger       *slog.Logger
}

// NewRaceRunner creates a RaceRunner. submitScript is the host path of the
// submission helper staged into each workspace; empty omits it.
func NewRaceRunner(agents []Agent, res Resources, sup race.Runner, dirs *taskdir.Manager, submitScript string, logger *slog.Logger) *RaceRunner {
	return &RaceRunner{
		agents:       agents,
		res:          res,
		sup:          sup,
		coord:        race.New(sup, logger),
		dirs:         dirs,
		renderer:     prompt.NewRenderer(),
		submitScript: submitScript,
		logger:       logger.With("component", "runner"),
	}
}

// RunRound races every agent on task for one round and returns the collected
// outcome plus the rejections harvested from the captured logs. Workspaces
// are throwaway copies of the task directory; everything worth keeping is
// harvested back before they are removed.
func (r *RaceRunner) RunRound(ctx context.Context, task *model.Task, round int, timeout time.Duration, denied []string) (race.Outcome, []Rejection, error) {
	dir := r.dirs.Dir(task.ID)
	meta := r.readMeta(task, dir)

	hintsExist, err := r.stagePrompt(dir, meta, round, denied)
	if err != nil {
		return race.Outcome{}, nil, err
	}

	detector := detect.New(denied)
	entrants := make([]supervisor.RunSpec, 0, len(r.agents))
	workspaces := make([]string, 0, len(r.agents))
	defer func() {
		for _, ws := range workspaces {
			sandbox.CleanupWorkspace(ws)
		}
	}()

	for _, a := range r.agents {
		ws, err := sandbox.PrepareWorkspace(dir, hintsExist, r.submitScript)
		if err != nil {
			return race.Outcome{}, nil, fmt.Errorf("prepare workspace for %s: %w", a.Name, err)
		}
		workspaces = append(workspaces, ws)

		mounts := append([]sandbox.Mount{{Host: ws, Container: sandbox.ContainerWorkdir}}, sandbox.AuthMounts(a.Type)...)
		entrants = append(entrants, supervisor.RunSpec{
			TaskID:    task.ID,
			AgentName: a.Name,
			Container: sandbox.Spec{
				Name:        containerName(task.ID, a.Name, round),
				Image:       a.Image,
				Command:     a.Command,
				Env:         sandbox.ResolveEnv(a.Env),
				Mounts:      mounts,
				NetworkMode: r.res.Network,
				Memory:      r.res.Memory,
				CPUs:        r.res.CPUs,
			},
			Workspace: ws,
			Timeout:   timeout,
			Detector:  detector,
			LogPath:   r.dirs.LogPath(task.ID, a.Name),
		})
	}

	out := r.coord.Race(ctx, entrants)

	rejections := r.harvestRejections(task.ID, entrants)
	r.harvestShared(task.ID, entrants, workspaces)
	if out.Winner != nil {
		r.harvestDeliverable(task.ID, out.Winner)
	}
	return out, rejections, nil
}

// RegenerateWriteup runs a single agent to produce the deliverable for an
// already solved task. The run is bounded by ctx; the solved verdict is not
// at stake here, only the document.
func (r *RaceRunner) RegenerateWriteup(ctx context.Context, task *model.Task) error {
	if len(r.agents) == 0 {
		return fmt.Errorf("no agents configured")
	}
	a := r.agents[0]
	dir := r.dirs.Dir(task.ID)
	meta := r.readMeta(task, dir)

	text, err := r.renderer.Writeup(prompt.WriteupData{
		Name:       meta.Name,
		Flag:       r.dirs.SolvedFlag(task.ID),
		LogExcerpt: r.winningLogTail(task.ID),
	})
	if err != nil {
		return fmt.Errorf("render writeup prompt: %w", err)
	}

	ws, err := sandbox.PrepareWorkspace(dir, false, r.submitScript)
	if err != nil {
		return fmt.Errorf("prepare writeup workspace: %w", err)
	}
	defer sandbox.CleanupWorkspace(ws)
	if err := os.WriteFile(filepath.Join(ws, sandbox.PromptFile), []byte(text), 0o644); err != nil {
		return fmt.Errorf("stage writeup prompt: %w", err)
	}

	timeout := 180 * time.Second
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	r.sup.Run(ctx, supervisor.RunSpec{
		TaskID:    task.ID,
		AgentName: a.Name,
		Container: sandbox.Spec{
			Name:        fmt.Sprintf("flagrace-%d-writeup", task.ID),
			Image:       a.Image,
			Command:     a.Command,
			Env:         sandbox.ResolveEnv(a.Env),
			Mounts:      append([]sandbox.Mount{{Host: ws, Container: sandbox.ContainerWorkdir}}, sandbox.AuthMounts(a.Type)...),
			NetworkMode: r.res.Network,
			Memory:      r.res.Memory,
			CPUs:        r.res.CPUs,
		},
		Workspace: ws,
		Timeout:   timeout,
		Token:     supervisor.NewToken(),
		Detector:  detect.New(nil),
	})

	src := filepath.Join(ws, sandbox.WriteupDir, sandbox.WriteupFile)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("writeup run produced no deliverable: %w", err)
	}
	dst := filepath.Join(dir, sandbox.WriteupDir, sandbox.WriteupFile)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("store deliverable: %w", err)
	}
	return nil
}

// readMeta loads the staged challenge description, falling back to the task
// name and problem file for directories ingested by hand.
func (r *RaceRunner) readMeta(task *model.Task, dir string) ChallengeMeta {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err == nil {
		var meta ChallengeMeta
		if err := json.Unmarshal(data, &meta); err == nil {
			return meta
		}
		r.logger.Warn("malformed challenge meta, falling back", "task", task.ID, "error", err)
	}
	meta := ChallengeMeta{Name: task.Name}
	if desc, err := os.ReadFile(filepath.Join(dir, sandbox.ProblemFile)); err == nil {
		meta.Description = string(desc)
	}
	return meta
}

// winningLogTail returns the tail of the most informative captured log for
// the task: the one carrying the confirmation marker if any, otherwise the
// longest one.
func (r *RaceRunner) winningLogTail(taskID int) string {
	latest := filepath.Join(r.dirs.Dir(taskID), taskdir.LogsDir, taskdir.LatestDir)
	names, err := os.ReadDir(latest)
	if err != nil {
		return ""
	}
	var best string
	for _, entry := range names {
		data, err := os.ReadFile(filepath.Join(latest, entry.Name()))
		if err != nil {
			continue
		}
		text := string(data)
		if strings.Contains(text, detect.ConfirmedMarker) {
			best = text
			break
		}
		if len(text) > len(best) {
			best = text
		}
	}
	const tail = 4000
	if len(best) > tail {
		best = best[len(best)-tail:]
	}
	return best
}

// stagePrompt renders the round's briefing into the task directory so every
// workspace copy picks it up, and reports whether a hints file was staged.
func (r *RaceRunner) stagePrompt(dir string, meta ChallengeMeta, round int, denied []string) (bool, error) {
	text, err := r.renderer.Challenge(prompt.ChallengeData{
		Name:           meta.Name,
		Category:       meta.Category,
		Points:         meta.Points,
		Description:    meta.Description,
		ConnectionInfo: meta.ConnectionInfo,
		Hints:          meta.Hints,
		Files:          meta.Files,
		WrongFlags:     dedupe(denied),
		Round:          round,
	})
	if err != nil {
		return false, fmt.Errorf("render challenge prompt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sandbox.PromptFile), []byte(text), 0o644); err != nil {
		return false, fmt.Errorf("stage prompt: %w", err)
	}
	if meta.Description != "" {
		if err := os.WriteFile(filepath.Join(dir, sandbox.ProblemFile), []byte(meta.Description+"\n"), 0o644); err != nil {
			return false, fmt.Errorf("stage problem statement: %w", err)
		}
	}

	hintsExist := false
	if len(meta.Hints) > 0 {
		var b []byte
		for _, h := range meta.Hints {
			b = append(b, h...)
			b = append(b, '\n')
		}
		if err := os.WriteFile(filepath.Join(dir, sandbox.HintsFile), b, 0o644); err != nil {
			return false, fmt.Errorf("stage hints: %w", err)
		}
		hintsExist = true
	}
	return hintsExist, nil
}

// harvestRejections scans each agent's captured log for rejected submissions,
// appends every occurrence to the shared wrong-flag history, and returns them
// attributed to their agent. The scheduler drives its abandonment counters
// and candidate records from the returned slice.
func (r *RaceRunner) harvestRejections(taskID int, entrants []supervisor.RunSpec) []Rejection {
	var out []Rejection
	for _, e := range entrants {
		data, err := os.ReadFile(e.LogPath)
		if err != nil {
			continue
		}
		for _, v := range e.Detector.Rejections(string(data)) {
			if err := r.dirs.AppendWrongFlag(taskID, v); err != nil {
				r.logger.Warn("failed to record rejection", "task", taskID, "agent", e.AgentName, "error", err)
			}
			out = append(out, Rejection{AgentName: e.AgentName, Value: v})
		}
	}
	return out
}

// harvestShared merges each workspace's approach notes back into the task
// directory so later rounds see what earlier agents tried.
func (r *RaceRunner) harvestShared(taskID int, entrants []supervisor.RunSpec, workspaces []string) {
	dst := filepath.Join(r.dirs.Dir(taskID), sandbox.SharedDir, sandbox.ApproachesFile)
	for i, ws := range workspaces {
		data, err := os.ReadFile(filepath.Join(ws, sandbox.SharedDir, sandbox.ApproachesFile))
		if err != nil || len(data) == 0 {
			continue
		}
		f, err := os.OpenFile(dst, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			r.logger.Warn("failed to merge approach notes", "task", taskID, "error", err)
			continue
		}
		fmt.Fprintf(f, "## %s\n%s\n", entrants[i].AgentName, data)
		f.Close()
	}
}

// harvestDeliverable copies the winner's writeup out of its workspace before
// cleanup and points the result at the durable copy.
func (r *RaceRunner) harvestDeliverable(taskID int, winner *model.WorkerResult) {
	if winner.ArtifactPath == "" {
		return
	}
	data, err := os.ReadFile(winner.ArtifactPath)
	if err != nil {
		r.logger.Warn("winner deliverable vanished", "task", taskID, "path", winner.ArtifactPath, "error", err)
		winner.ArtifactPath = ""
		return
	}
	dst := filepath.Join(r.dirs.Dir(taskID), sandbox.WriteupDir, sandbox.WriteupFile)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		r.logger.Warn("failed to store deliverable", "task", taskID, "error", err)
		winner.ArtifactPath = ""
		return
	}
	winner.ArtifactPath = dst
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// containerName builds a docker-safe container name unique per task, agent
// and round.
func containerName(taskID int, agent string, round int) string {
	return fmt.Sprintf("flagrace-%d-%s-r%d", taskID, nameSanitizer.ReplaceAllString(agent, "-"), round)
}

func dedupe(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
