// Package supervisor drives a single agent container from launch to a final
// verdict. It tails the container log incrementally, feeds every new chunk
// through the stream detector, and reacts to the shared round token so that
// losing runs stand down quickly once a winner has confirmed.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/me/flagrace/internal/detect"
	"github.com/me/flagrace/internal/logging"
	"github.com/me/flagrace/internal/sandbox"
	"github.com/me/flagrace/pkg/model"
)

// Config holds the timing knobs of the supervision loop.
type Config struct {
	// PollInterval is the pause between status and log polls.
	PollInterval time.Duration
	// GraceWindow is how long a confirmed run may keep running to finish
	// writing its deliverable before it is stopped.
	GraceWindow time.Duration
	// StabilityDelay separates the two size probes used to decide that the
	// deliverable file is no longer being written.
	StabilityDelay time.Duration
	// StopGrace is the container stop timeout in seconds.
	StopGrace time.Duration
	// StatusFailureLimit is how many consecutive status probe failures are
	// tolerated before the run is written off. Inspect starts failing for
	// good once the runtime reaps the container.
	StatusFailureLimit int
}

// DefaultConfig returns the production timing values.
func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		GraceWindow:        300 * time.Second,
		StabilityDelay:     3 * time.Second,
		StopGrace:          10 * time.Second,
		StatusFailureLimit: 3,
	}
}

// RunSpec describes one supervised agent run.
type RunSpec struct {
	TaskID    int
	AgentName string
	// Container is the fully built sandbox spec for this agent.
	Container sandbox.Spec
	// Workspace is the host directory mounted into the container. The
	// supervisor watches it for the confirmation marker and the deliverable.
	Workspace string
	// Timeout bounds the run. The grace window may extend the total wait
	// past it for a confirmed run.
	Timeout time.Duration
	// Token is the shared write-once victory flag for the round.
	Token *Token
	// Detector carries the round's denylist.
	Detector *detect.Detector
	// LogPath is where the container output is appended on the host,
	// synchronously with each poll. Empty disables log persistence.
	LogPath string
}

// Supervisor runs agent containers and reduces their noisy output to a
// WorkerResult.
type Supervisor struct {
	runtime sandbox.Runtime
	sink    *logging.StreamSink
	clock   Clock
	cfg     Config
	logger  *slog.Logger
}

// New creates a Supervisor. sink is observability-only, mirroring the stream
// to the operator log; it may be nil.
func New(rt sandbox.Runtime, sink *logging.StreamSink, clock Clock, cfg Config, logger *slog.Logger) *Supervisor {
	if clock == nil {
		clock = NewClock()
	}
	return &Supervisor{
		runtime: rt,
		sink:    sink,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
	}
}

// Run launches the container described by spec and supervises it until a
// terminal outcome. It always stops and removes the container before
// returning.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) model.WorkerResult {
	res := model.WorkerResult{
		RunID:     uuid.NewString(),
		AgentName: spec.AgentName,
		Outcome:   model.RunOutcomeUnresolved,
		LogPath:   spec.LogPath,
		StartedAt: s.clock.Now(),
	}
	logger := s.logger.With("agent", spec.AgentName, "task", spec.TaskID, "run", res.RunID)

	id, err := s.runtime.Launch(ctx, spec.Container)
	if err != nil {
		logger.Error("sandbox launch failed", "error", err)
		res.Outcome = model.RunOutcomeFailed
		launchErr := &model.SandboxLaunchError{Agent: spec.AgentName, Image: spec.Container.Image, Cause: err}
		res.Err = launchErr.Error()
		return s.finish(res)
	}
	logger.Info("sandbox launched", "container", id, "timeout", spec.Timeout)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.StopGrace+10*time.Second)
		defer cancel()
		if err := s.runtime.Stop(stopCtx, id, s.cfg.StopGrace); err != nil {
			logger.Debug("container stop failed", "error", err)
		}
		if err := s.runtime.Remove(stopCtx, id); err != nil {
			logger.Warn("container remove failed", "error", err)
		}
	}()

	st := &runState{spec: spec, container: id, logger: logger}
	deadline := res.StartedAt.Add(spec.Timeout)

	for {
		if err := ctx.Err(); err != nil {
			s.flushLogs(ctx, st)
			logger.Info("run cancelled by caller", "error", err)
			res.Outcome = model.RunOutcomeCancelled
			return s.finish(res)
		}

		now := s.clock.Now()
		limit := deadline
		if st.grace != nil {
			limit = *st.grace
		}
		if !now.Before(limit) {
			break
		}

		// An externally written confirmation marker beats anything seen in
		// the stream.
		if st.confirmed == "" {
			if flag := s.readConfirmedMarker(spec.Workspace); flag != "" {
				if !s.claim(st, flag, "marker file") {
					s.flushLogs(ctx, st)
					res.Outcome = model.RunOutcomeCancelled
					return s.finish(res)
				}
			}
		}

		if st.confirmed == "" && spec.Token.IsSet() {
			s.flushLogs(ctx, st)
			logger.Info("another run confirmed first, standing down")
			res.Outcome = model.RunOutcomeCancelled
			return s.finish(res)
		}

		if st.confirmed != "" {
			if path, ok := s.checkArtifact(ctx, st); ok {
				res.Outcome = model.RunOutcomeConfirmed
				res.Candidate = st.confirmed
				res.ArtifactPath = path
				return s.finish(res)
			}
		}

		status, err := s.runtime.Status(ctx, id)
		if err != nil {
			st.statusFailures++
			logger.Debug("status probe failed", "error", err, "consecutive", st.statusFailures)
			if st.statusFailures >= s.cfg.StatusFailureLimit {
				return s.finish(s.settle(ctx, st, res))
			}
		} else {
			st.statusFailures = 0
			s.pollLogs(ctx, st)

			if st.confirmed == "" && st.streamFlag != "" {
				if !s.claim(st, st.streamFlag, "log stream") {
					s.flushLogs(ctx, st)
					res.Outcome = model.RunOutcomeCancelled
					return s.finish(res)
				}
			}

			if status.Terminal() {
				logger.Info("container exited", "status", status)
				st.exit = status
				return s.finish(s.settle(ctx, st, res))
			}
		}

		if err := s.clock.Sleep(ctx, s.cfg.PollInterval); err != nil {
			s.flushLogs(ctx, st)
			res.Outcome = model.RunOutcomeCancelled
			return s.finish(res)
		}
	}

	if st.confirmed != "" {
		// Grace window exhausted. The confirmation stands, the deliverable
		// does not.
		logger.Warn("grace window expired without a stable deliverable", "flag", st.confirmed)
		res.Outcome = model.RunOutcomeConfirmed
		res.Candidate = st.confirmed
		return s.finish(res)
	}

	logger.Info("run timed out", "timeout", spec.Timeout)
	res.Outcome = model.RunOutcomeTimedOut
	return s.finish(res)
}

// runState is the mutable bookkeeping of one Run invocation.
type runState struct {
	spec      RunSpec
	container string
	logger    *slog.Logger

	offset         int
	stream         detect.StreamState
	streamFlag     string
	confirmed      string
	grace          *time.Time
	statusFailures int
	exit           sandbox.Status
}

// claim tries to confirm flag for this run. It reports false when the round
// token was already taken, in which case the run must stand down rather than
// report a second winner.
func (s *Supervisor) claim(st *runState, flag, source string) bool {
	if !st.spec.Token.Set() {
		st.logger.Info("confirmed a candidate but the round is already won", "source", source)
		return false
	}
	st.confirmed = flag
	g := s.clock.Now().Add(s.cfg.GraceWindow)
	st.grace = &g
	st.logger.Info("candidate confirmed", "source", source, "grace", s.cfg.GraceWindow)
	s.saveFlag(st)
	return true
}

// saveFlag writes the confirmed candidate into the workspace so later stages
// and humans can find it next to the artifacts.
func (s *Supervisor) saveFlag(st *runState) {
	path := filepath.Join(st.spec.Workspace, sandbox.FlagFile)
	if err := os.WriteFile(path, []byte(st.confirmed+"\n"), 0o644); err != nil {
		st.logger.Warn("failed to save flag to workspace", "error", err)
	}
}

// readConfirmedMarker returns the flag from the workspace confirmation
// marker, or "" when the marker is absent or empty. The marker is written by
// the submission hook inside the container and is trusted as-is.
func (s *Supervisor) readConfirmedMarker(workspace string) string {
	data, err := os.ReadFile(filepath.Join(workspace, sandbox.ConfirmedFile))
	if err != nil {
		return ""
	}
	flag := string(data)
	for len(flag) > 0 && (flag[len(flag)-1] == '\n' || flag[len(flag)-1] == '\r') {
		flag = flag[:len(flag)-1]
	}
	return flag
}

// pollLogs fetches the container log, streams the unseen suffix, and runs it
// through the detector. Read errors are transient and retried on the next
// poll.
func (s *Supervisor) pollLogs(ctx context.Context, st *runState) {
	data, err := s.runtime.Logs(ctx, st.container)
	if err != nil {
		st.logger.Debug("log read failed, will retry", "error", err)
		return
	}
	if len(data) <= st.offset {
		return
	}
	chunk := string(data[st.offset:])
	st.offset = len(data)
	if st.spec.LogPath != "" {
		s.appendLog(st, chunk)
	}
	if s.sink != nil {
		s.sink.Write(st.spec.AgentName, chunk)
	}
	if flag := st.spec.Detector.Scan(&st.stream, chunk); flag != "" {
		st.streamFlag = flag
	}
}

// appendLog persists the chunk to the run's log file in the polling
// goroutine itself. The rejection harvest reads this file as soon as the
// race joins, so the write cannot go through the asynchronous sink, which
// may still be draining or may have dropped the chunk.
func (s *Supervisor) appendLog(st *runState, chunk string) {
	if err := os.MkdirAll(filepath.Dir(st.spec.LogPath), 0o755); err != nil {
		st.logger.Warn("log append failed", "path", st.spec.LogPath, "error", err)
		return
	}
	f, err := os.OpenFile(st.spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		st.logger.Warn("log append failed", "path", st.spec.LogPath, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(chunk); err != nil {
		st.logger.Warn("log append failed", "path", st.spec.LogPath, "error", err)
	}
}

// flushLogs drains whatever log suffix is still unseen so cancelled runs do
// not lose their tail.
func (s *Supervisor) flushLogs(ctx context.Context, st *runState) {
	s.pollLogs(ctx, st)
}

// checkArtifact reports whether the deliverable file exists and its size has
// settled. The size is probed twice with a short delay in between, because
// the winning agent is usually still writing it when the grace window opens.
func (s *Supervisor) checkArtifact(ctx context.Context, st *runState) (string, bool) {
	path := filepath.Join(st.spec.Workspace, sandbox.WriteupDir, sandbox.WriteupFile)
	first, err := os.Stat(path)
	if err != nil || first.Size() == 0 {
		return "", false
	}
	if err := s.clock.Sleep(ctx, s.cfg.StabilityDelay); err != nil {
		return "", false
	}
	second, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if second.Size() != first.Size() {
		st.logger.Debug("deliverable still growing",
			"error", &model.ArtifactUnstableError{Path: path, SizeFirst: first.Size(), SizeLast: second.Size()})
		return "", false
	}
	st.logger.Info("deliverable ready", "path", path, "size", second.Size())
	return path, true
}

// settle produces the final verdict once the container is gone. The cascade
// checks the confirmation marker first, then a denylist-aware scan of the
// full log, then the workspace flag file, then the deliverable text, before
// giving up.
func (s *Supervisor) settle(ctx context.Context, st *runState, res model.WorkerResult) model.WorkerResult {
	s.flushLogs(ctx, st)

	if st.confirmed == "" {
		if flag := s.readConfirmedMarker(st.spec.Workspace); flag != "" {
			if !st.spec.Token.Set() {
				res.Outcome = model.RunOutcomeCancelled
				return res
			}
			st.confirmed = flag
			s.saveFlag(st)
		}
	}
	if st.confirmed == "" && st.streamFlag != "" {
		if !st.spec.Token.Set() {
			res.Outcome = model.RunOutcomeCancelled
			return res
		}
		st.confirmed = st.streamFlag
		s.saveFlag(st)
	}
	if st.confirmed == "" {
		if flag := s.scanRemains(ctx, st); flag != "" {
			if !st.spec.Token.Set() {
				res.Outcome = model.RunOutcomeCancelled
				return res
			}
			st.confirmed = flag
			s.saveFlag(st)
		}
	}

	if st.confirmed != "" {
		res.Outcome = model.RunOutcomeConfirmed
		res.Candidate = st.confirmed
		if path, ok := s.checkArtifact(ctx, st); ok {
			res.ArtifactPath = path
		}
		return res
	}

	if st.spec.Token.IsSet() {
		res.Outcome = model.RunOutcomeCancelled
		return res
	}
	if st.exit == sandbox.StatusDead || st.statusFailures >= s.cfg.StatusFailureLimit {
		res.Outcome = model.RunOutcomeFailed
		res.Err = "container died before producing a verdict"
		return res
	}
	res.Outcome = model.RunOutcomeUnresolved
	return res
}

// scanRemains re-reads the full log through a fresh detector state, then
// checks the workspace flag file, and finally falls back to extracting a
// plausible token from the deliverable text. Noise in a partial chunk can
// hide a confirmation that is obvious in the whole log.
func (s *Supervisor) scanRemains(ctx context.Context, st *runState) string {
	if data, err := s.runtime.Logs(ctx, st.container); err == nil {
		if flag := st.spec.Detector.ScanAll(string(data)); flag != "" {
			st.logger.Info("confirmation recovered from full log scan")
			return flag
		}
	}
	// Agents that solved but never triggered the submission hook sometimes
	// leave the flag in Flag.txt before exiting.
	if data, err := os.ReadFile(filepath.Join(st.spec.Workspace, sandbox.FlagFile)); err == nil {
		if flag := st.spec.Detector.ExtractLast(string(data)); flag != "" {
			st.logger.Info("candidate recovered from workspace flag file")
			return flag
		}
	}
	path := filepath.Join(st.spec.Workspace, sandbox.WriteupDir, sandbox.WriteupFile)
	if data, err := os.ReadFile(path); err == nil {
		if flag := st.spec.Detector.ExtractLast(string(data)); flag != "" {
			st.logger.Info("candidate recovered from deliverable", "path", path)
			return flag
		}
	}
	return ""
}

func (s *Supervisor) finish(res model.WorkerResult) model.WorkerResult {
	done := s.clock.Now()
	res.CompletedAt = &done
	return res
}
