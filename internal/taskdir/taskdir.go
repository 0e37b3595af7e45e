// Package taskdir owns the on-disk layout of one task: state markers,
// candidate history, wrong-flag records, and log rotation. Marker files are
// the authoritative record of terminal task state, so a crashed or restarted
// scheduler picks up exactly where the filesystem says it left off.
package taskdir

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/me/flagrace/internal/sandbox"
	"github.com/me/flagrace/pkg/model"
)

// Marker and record files inside a task directory.
const (
	RunningMarker   = ".running"
	SolvedMarker    = ".solved"
	AbandonedMarker = ".abandoned"
	SolvedFlagFile  = "Solved-Flag.txt"
	StreakFile      = ".no_candidate_streak"

	FlagsDir      = "Flags"
	WrongFlagsDir = "WrongFlags"
	LogsDir       = "Logs"
	LatestDir     = "Latest"
	HistoryDir    = "History"

	summaryFile      = "summary.json"
	wrongSummaryFile = "summary.txt"
)

// Manager manages task directories under one root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a Manager rooted at root.
func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{root: root, logger: logger.With("component", "taskdir")}
}

// Dir returns the directory of task id. It is not created.
func (m *Manager) Dir(id int) string {
	return filepath.Join(m.root, strconv.Itoa(id))
}

// Ensure creates the task directory skeleton and returns its path.
func (m *Manager) Ensure(id int) (string, error) {
	dir := m.Dir(id)
	subs := []string{
		sandbox.FilesDir,
		sandbox.SharedDir,
		sandbox.WriteupDir,
		FlagsDir,
		WrongFlagsDir,
		filepath.Join(LogsDir, LatestDir),
		filepath.Join(LogsDir, HistoryDir),
	}
	for _, sub := range subs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create task dir %d: %w", id, err)
		}
	}
	return dir, nil
}

// State derives the task state from the marker files. Terminal markers win
// over a stale running marker left behind by a crash.
func (m *Manager) State(id int) model.TaskState {
	dir := m.Dir(id)
	if exists(filepath.Join(dir, SolvedMarker)) {
		return model.TaskStateSolved
	}
	if exists(filepath.Join(dir, AbandonedMarker)) {
		return model.TaskStateAbandoned
	}
	if exists(filepath.Join(dir, RunningMarker)) {
		return model.TaskStateRunning
	}
	return model.TaskStatePending
}

// MarkRunning drops the running marker.
func (m *Manager) MarkRunning(id int) error {
	return touch(filepath.Join(m.Dir(id), RunningMarker))
}

// ClearRunning removes the running marker, if present.
func (m *Manager) ClearRunning(id int) error {
	err := os.Remove(filepath.Join(m.Dir(id), RunningMarker))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MarkSolved records the winning flag and flips the task to solved.
func (m *Manager) MarkSolved(id int, flag string) error {
	dir := m.Dir(id)
	if err := os.WriteFile(filepath.Join(dir, SolvedFlagFile), []byte(flag+"\n"), 0o644); err != nil {
		return fmt.Errorf("write solved flag: %w", err)
	}
	if err := touch(filepath.Join(dir, SolvedMarker)); err != nil {
		return err
	}
	return m.ClearRunning(id)
}

// MarkAbandoned records the reason and flips the task to abandoned.
func (m *Manager) MarkAbandoned(id int, reason string) error {
	dir := m.Dir(id)
	if err := os.WriteFile(filepath.Join(dir, AbandonedMarker), []byte(reason+"\n"), 0o644); err != nil {
		return fmt.Errorf("write abandoned marker: %w", err)
	}
	return m.ClearRunning(id)
}

// SolvedFlag returns the recorded winning flag, or "".
func (m *Manager) SolvedFlag(id int) string {
	data, err := os.ReadFile(filepath.Join(m.Dir(id), SolvedFlagFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// AbandonReason returns the recorded abandonment reason, or "".
func (m *Manager) AbandonReason(id int) string {
	data, err := os.ReadFile(filepath.Join(m.Dir(id), AbandonedMarker))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Streak returns the persisted no-candidate streak, zero when absent or
// unreadable.
func (m *Manager) Streak(id int) int {
	data, err := os.ReadFile(filepath.Join(m.Dir(id), StreakFile))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetStreak persists the no-candidate streak.
func (m *Manager) SetStreak(id, n int) error {
	return os.WriteFile(filepath.Join(m.Dir(id), StreakFile), []byte(strconv.Itoa(n)+"\n"), 0o644)
}

// WrongFlags returns the accumulated wrong-flag history, one entry per line.
func (m *Manager) WrongFlags(id int) []string {
	data, err := os.ReadFile(filepath.Join(m.Dir(id), sandbox.SharedDir, sandbox.WrongFlagsFile))
	if err != nil {
		return nil
	}
	var flags []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			flags = append(flags, line)
		}
	}
	return flags
}

// AppendWrongFlag adds one rejection to the shared history and to the
// WrongFlags record. Duplicates are kept: each rejection of the same value
// counts separately toward thrash detection. Agents read the shared file,
// humans read the record.
func (m *Manager) AppendWrongFlag(id int, flag string) error {
	shared := filepath.Join(m.Dir(id), sandbox.SharedDir, sandbox.WrongFlagsFile)
	f, err := os.OpenFile(shared, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append wrong flag: %w", err)
	}
	if _, err := f.WriteString(flag + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("append wrong flag: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	all := m.WrongFlags(id)
	recDir := filepath.Join(m.Dir(id), WrongFlagsDir)
	name := fmt.Sprintf("flag_%03d.txt", len(all))
	if err := os.WriteFile(filepath.Join(recDir, name), []byte(flag+"\n"), 0o644); err != nil {
		return fmt.Errorf("record wrong flag: %w", err)
	}
	summary := strings.Join(all, "\n") + "\n"
	return os.WriteFile(filepath.Join(recDir, wrongSummaryFile), []byte(summary), 0o644)
}

// RecordRound writes each agent's candidate under Flags/ and the structured
// round summary next to them.
func (m *Manager) RecordRound(id int, sum model.RoundSummary) error {
	dir := filepath.Join(m.Dir(id), FlagsDir)
	for agent, cand := range sum.AgentCandidates {
		if cand == "" {
			continue
		}
		name := fmt.Sprintf("round_%d_%s.txt", sum.Round, agent)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(cand+"\n"), 0o644); err != nil {
			return fmt.Errorf("record candidate: %w", err)
		}
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal round summary: %w", err)
	}
	name := fmt.Sprintf("round_%d_%s", sum.Round, summaryFile)
	return os.WriteFile(filepath.Join(dir, name), append(data, '\n'), 0o644)
}

// LogPath returns where agent's live log for the current round is streamed.
func (m *Manager) LogPath(id int, agent string) string {
	return filepath.Join(m.Dir(id), LogsDir, LatestDir, agent+".log")
}

// RotateLogs moves the previous round's live logs into History under a
// per-round directory and recreates an empty Latest.
func (m *Manager) RotateLogs(id, round int) error {
	latest := filepath.Join(m.Dir(id), LogsDir, LatestDir)
	entries, err := os.ReadDir(latest)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(latest, 0o755)
		}
		return fmt.Errorf("rotate logs: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	stamp := time.Now().Format("20060102T150405")
	dest := filepath.Join(m.Dir(id), LogsDir, HistoryDir, fmt.Sprintf("round_%d_%s", round, stamp))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("rotate logs: %w", err)
	}
	for _, e := range entries {
		from := filepath.Join(latest, e.Name())
		if err := os.Rename(from, filepath.Join(dest, e.Name())); err != nil {
			return fmt.Errorf("rotate logs: %w", err)
		}
	}
	m.logger.Debug("rotated logs", "task", id, "to", dest)
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
