package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// mockRunner records invocations and replies from a scripted queue.
type mockRunner struct {
	calls   [][]string
	replies []mockReply
}

type mockReply struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, append([]string{name}, args...))
	if len(m.replies) == 0 {
		return "", "", 0, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.stdout, r.stderr, r.exitCode, r.err
}

func testRuntime(replies ...mockReply) (*DockerRuntime, *mockRunner) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &mockRunner{replies: replies}
	return newDockerRuntimeWithRunner(logger, runner), runner
}

func TestLaunchBuildsDockerRunCommand(t *testing.T) {
	rt, runner := testRuntime(mockReply{stdout: "abc123def456\n"})

	id, err := rt.Launch(context.Background(), Spec{
		Name:        "flagrace-7-codex",
		Image:       "ctf-agent-base:latest",
		Command:     []string{"/bin/bash", "/entrypoint.sh"},
		Env:         map[string]string{"AGENT_NAME": "codex"},
		Mounts:      []Mount{{Host: "/tmp/ws", Container: "/workspace"}},
		NetworkMode: "host",
		Memory:      "4g",
		CPUs:        2,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if id != "abc123def456" {
		t.Errorf("id = %q", id)
	}

	got := strings.Join(runner.calls[0], " ")
	for _, want := range []string{
		"docker run -d --name flagrace-7-codex",
		"--network host",
		"--memory 4g",
		"--cpus 2",
		"-v /tmp/ws:/workspace",
		"-e AGENT_NAME=codex",
		"ctf-agent-base:latest /bin/bash /entrypoint.sh",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("command missing %q:\n%s", want, got)
		}
	}
}

func TestLaunchReadOnlyMount(t *testing.T) {
	rt, runner := testRuntime(mockReply{stdout: "id\n"})

	_, err := rt.Launch(context.Background(), Spec{
		Name:   "x",
		Image:  "img",
		Mounts: []Mount{{Host: "/h", Container: "/c", ReadOnly: true}},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got := strings.Join(runner.calls[0], " "); !strings.Contains(got, "-v /h:/c:ro") {
		t.Errorf("read-only bind missing: %s", got)
	}
}

func TestLaunchFailure(t *testing.T) {
	rt, _ := testRuntime(mockReply{stderr: "Unable to find image", exitCode: 125})

	_, err := rt.Launch(context.Background(), Spec{Name: "x", Image: "missing:latest"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Unable to find image") {
		t.Errorf("error should carry stderr: %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		inspect string
		want    Status
	}{
		{"running\n", StatusRunning},
		{"exited\n", StatusExited},
		{"dead\n", StatusDead},
		{"created\n", StatusCreated},
		{"weird\n", StatusUnknown},
	}

	for _, tt := range tests {
		rt, _ := testRuntime(mockReply{stdout: tt.inspect})
		got, err := rt.Status(context.Background(), "c1")
		if err != nil {
			t.Fatalf("Status(%q): %v", tt.inspect, err)
		}
		if got != tt.want {
			t.Errorf("Status(%q) = %v, want %v", tt.inspect, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusExited.Terminal() || !StatusDead.Terminal() {
		t.Error("exited and dead must be terminal")
	}
	if StatusRunning.Terminal() || StatusCreated.Terminal() {
		t.Error("running and created must not be terminal")
	}
}

func TestLogsReturnsCombinedStreams(t *testing.T) {
	rt, _ := testRuntime(mockReply{stdout: "out", stderr: "err"})

	data, err := rt.Logs(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if string(data) != "outerr" {
		t.Errorf("Logs = %q", string(data))
	}
}

func TestLogsTransientError(t *testing.T) {
	rt, _ := testRuntime(mockReply{err: errors.New("connection reset")})

	if _, err := rt.Logs(context.Background(), "c1"); err == nil {
		t.Fatal("expected error for retry by caller")
	}
}

func TestStopUsesGraceSeconds(t *testing.T) {
	rt, runner := testRuntime(mockReply{})

	if err := rt.Stop(context.Background(), "c1", 10*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := strings.Join(runner.calls[0], " "); got != "docker stop -t 10 c1" {
		t.Errorf("Stop command = %q", got)
	}
}

func TestRemoveForces(t *testing.T) {
	rt, runner := testRuntime(mockReply{})

	if err := rt.Remove(context.Background(), "c1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := strings.Join(runner.calls[0], " "); got != "docker rm -f c1" {
		t.Errorf("Remove command = %q", got)
	}
}
