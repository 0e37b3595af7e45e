package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Well-known paths inside a worker's workspace. The workspace directory is
// bind-mounted at /workspace in the sandbox.
const (
	ProblemFile       = "problem.txt"
	PromptFile        = "prompt.txt"
	HintsFile         = "Hints.txt"
	FilesDir          = "chall"
	SharedDir         = "SharedInfo"
	WorkDir           = "try"
	SubmitScript      = "submit_flag.sh"
	FlagFile          = "Flag.txt"
	ConfirmedFile     = ".flag_confirmed"
	WriteupDir        = "WriteUp"
	WriteupFile       = "writeup.md"
	ContainerWorkdir  = "/workspace"
	WrongFlagsFile    = "wrong_flags.txt"
	ApproachesFile    = "approaches.txt"
)

// authMounts maps worker types to the host credential directories their CLI
// tools expect. Missing directories are skipped silently.
var authMounts = map[string][]string{
	"copilot_cli": {
		"~/.config/github-copilot",
		"~/.config/gh",
		"~/.copilot",
	},
	"gemini_cli": {
		"~/.gemini",
		"~/.config/gemini-cli",
	},
	"codex_cli": {
		"~/.codex",
	},
	"claude_cli": {
		"~/.claude",
	},
}

// PrepareWorkspace stages a throwaway host directory for one worker run:
// problem statement, rendered prompt, optional hints, read-only challenge
// files, the shared cross-worker info directory, an empty scratch dir, and the
// in-sandbox submission helper. Returns the workspace path; the caller owns
// cleanup via CleanupWorkspace.
func PrepareWorkspace(taskDir string, hintsExist bool, submitScriptPath string) (string, error) {
	ws, err := os.MkdirTemp("", "flagrace_ws_")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	for _, fname := range []string{ProblemFile, PromptFile} {
		src := filepath.Join(taskDir, fname)
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(ws, fname), 0o644); err != nil {
				return "", fmt.Errorf("stage %s: %w", fname, err)
			}
		}
	}

	if hintsExist {
		src := filepath.Join(taskDir, HintsFile)
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(ws, HintsFile), 0o644); err != nil {
				return "", fmt.Errorf("stage hints: %w", err)
			}
		}
	}

	for _, sub := range []string{FilesDir, SharedDir} {
		src := filepath.Join(taskDir, sub)
		dst := filepath.Join(ws, sub)
		if _, err := os.Stat(src); err == nil {
			if err := copyTree(src, dst); err != nil {
				return "", fmt.Errorf("stage %s: %w", sub, err)
			}
		} else if err := os.MkdirAll(dst, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", sub, err)
		}
	}

	for _, sub := range []string{WorkDir, WriteupDir} {
		if err := os.MkdirAll(filepath.Join(ws, sub), 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", sub, err)
		}
	}

	if submitScriptPath != "" {
		if _, err := os.Stat(submitScriptPath); err == nil {
			if err := copyFile(submitScriptPath, filepath.Join(ws, SubmitScript), 0o755); err != nil {
				return "", fmt.Errorf("stage submit script: %w", err)
			}
		}
	}

	return ws, nil
}

// CleanupWorkspace removes a staged workspace. Errors are ignored; the OS
// reclaims temp dirs eventually anyway.
func CleanupWorkspace(ws string) {
	if ws != "" {
		os.RemoveAll(ws)
	}
}

// ResolveEnv expands ${VAR} values against the host environment. Literal
// values pass through unchanged.
func ResolveEnv(vars map[string]string) map[string]string {
	env := make(map[string]string, len(vars))
	for k, v := range vars {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			env[k] = os.Getenv(v[2 : len(v)-1])
		} else {
			env[k] = v
		}
	}
	return env
}

// AuthMounts resolves the credential mounts for a worker type. The CLI tools
// write session/temp files, so mounts are read-write.
func AuthMounts(workerType string) []Mount {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	var mounts []Mount
	for _, dir := range authMounts[workerType] {
		host := strings.Replace(dir, "~", home, 1)
		if _, err := os.Stat(host); err != nil {
			continue
		}
		mounts = append(mounts, Mount{
			Host:      host,
			Container: strings.Replace(dir, "~", "/root", 1),
		})
	}
	return mounts
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}
