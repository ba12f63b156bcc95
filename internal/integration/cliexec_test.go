package integration

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell utilities")
	}
}

// --- BuildEnv tests ---

func TestBuildEnv_WithVaultContext(t *testing.T) {
	executor := NewCLIExecutor()
	base := []string{"HOME=/home/user", "PATH=/usr/bin"}
	vault := &VaultEnvContext{
		VaultPath: "/vault",
		Owner:     "orchestrator",
		Iteration: 3,
		DryRun:    true,
	}

	env := executor.BuildEnv(base, vault)

	if len(env) != len(base)+4 {
		t.Fatalf("env length = %d, want %d", len(env), len(base)+4)
	}
	if env[0] != "HOME=/home/user" || env[1] != "PATH=/usr/bin" {
		t.Errorf("base env not preserved: %v", env[:2])
	}

	expected := map[string]string{
		"FTE_VAULT_PATH": "/vault",
		"FTE_OWNER":      "orchestrator",
		"FTE_ITERATION":  "3",
		"FTE_DRY_RUN":    "true",
	}
	for _, entry := range env[len(base):] {
		parts := strings.SplitN(entry, "=", 2)
		want, ok := expected[parts[0]]
		if !ok {
			t.Errorf("unexpected env var: %q", parts[0])
			continue
		}
		if parts[1] != want {
			t.Errorf("%s = %q, want %q", parts[0], parts[1], want)
		}
		delete(expected, parts[0])
	}
	for k := range expected {
		t.Errorf("missing env var: %s", k)
	}
}

func TestBuildEnv_NilVaultContext(t *testing.T) {
	executor := NewCLIExecutor()
	base := []string{"HOME=/home/user"}

	env := executor.BuildEnv(base, nil)
	if len(env) != len(base) {
		t.Errorf("env length = %d, want %d (no FTE vars)", len(env), len(base))
	}
}

// --- ExpandArgs tests ---

func TestExpandArgs(t *testing.T) {
	got := ExpandArgs(
		[]string{"--print", "{prompt}", "--cwd={vault}", "static"},
		map[string]string{"prompt": "do the thing now", "vault": "/v"},
	)
	want := []string{"--print", "do the thing now", "--cwd=/v", "static"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ExpandArgs = %q, want %q", got, want)
	}
}

func TestExpandArgs_UnknownPlaceholderKept(t *testing.T) {
	got := ExpandArgs([]string{"{other}"}, map[string]string{"prompt": "x"})
	if got[0] != "{other}" {
		t.Errorf("got %q", got[0])
	}
}

// --- Exec tests ---

func TestExec_SimpleCommand(t *testing.T) {
	skipOnWindows(t)
	executor := NewCLIExecutor()

	var stdout bytes.Buffer
	result, err := executor.Exec(context.Background(), CLIExecConfig{
		Command: "echo",
		Args:    []string{"hello"},
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" || strings.TrimSpace(stdout.String()) != "hello" {
		t.Errorf("stdout = %q / tee = %q", result.Stdout, stdout.String())
	}
}

func TestExec_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	executor := NewCLIExecutor()

	result, err := executor.Exec(context.Background(), CLIExecConfig{
		Command: "sh",
		Args:    []string{"-c", "echo oops >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("non-zero exit is not an error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestExec_Pipe(t *testing.T) {
	skipOnWindows(t)
	executor := NewCLIExecutor()

	result, err := executor.Exec(context.Background(), CLIExecConfig{
		Command: "echo",
		Args:    []string{"abc", "|", "tr", "a-z", "A-Z"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "ABC" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestExec_CommandNotFound(t *testing.T) {
	executor := NewCLIExecutor()
	_, err := executor.Exec(context.Background(), CLIExecConfig{Command: "fte-no-such-binary-xyz"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "executing fte-no-such-binary-xyz") {
		t.Errorf("error = %v", err)
	}
}

func TestExec_EmptyCommand(t *testing.T) {
	if _, err := NewCLIExecutor().Exec(context.Background(), CLIExecConfig{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExec_WorkingDirAndEnv(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	executor := NewCLIExecutor()

	result, err := executor.Exec(context.Background(), CLIExecConfig{
		Command: "sh",
		Args:    []string{"-c", `pwd; echo "$FTE_OWNER"`},
		Dir:     dir,
		Vault:   &VaultEnvContext{VaultPath: dir, Owner: "worker-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	// Resolve symlinks, e.g. /tmp -> /private/tmp on macOS.
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(lines[0])
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
	if lines[1] != "worker-1" {
		t.Errorf("FTE_OWNER = %q", lines[1])
	}
}

// --- CLIActor tests ---

func TestCLIActor_Invoke(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	actor := NewCLIActor(nil, models.ActorConfig{
		Command: "sh",
		Args:    []string{"-c", `printf '%s' "$0"`, "{prompt}"},
	}, "orchestrator", false, nil)

	resp, err := actor.Invoke(context.Background(), core.ActorRequest{Prompt: "hello world", WorkDir: dir, Iteration: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Output != "hello world" {
		t.Errorf("output = %q", resp.Output)
	}
}

func TestCLIActor_Timeout(t *testing.T) {
	skipOnWindows(t)
	actor := NewCLIActor(nil, models.ActorConfig{Command: "sleep", Args: []string{"5"}}, "o", false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := actor.Invoke(ctx, core.ActorRequest{WorkDir: t.TempDir()})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCLIActor_MissingCommandIsFatal(t *testing.T) {
	actor := NewCLIActor(nil, models.ActorConfig{Command: "fte-no-such-binary-xyz"}, "o", false, nil)
	_, err := actor.Invoke(context.Background(), core.ActorRequest{WorkDir: os.TempDir()})
	if !errors.Is(err, core.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
}

func TestCLIActor_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	actor := NewCLIActor(nil, models.ActorConfig{Command: "sh", Args: []string{"-c", "echo partial; exit 2"}}, "o", false, nil)
	resp, err := actor.Invoke(context.Background(), core.ActorRequest{WorkDir: t.TempDir()})
	if err == nil || errors.Is(err, core.ErrFatal) || errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected a plain error, got %v", err)
	}
	if strings.TrimSpace(resp.Output) != "partial" {
		t.Errorf("output = %q", resp.Output)
	}
}
