package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// CLIExecConfig holds all parameters needed to execute an external CLI tool.
type CLIExecConfig struct {
	Command string
	Args    []string
	Dir     string
	Vault   *VaultEnvContext // nil when no vault variables should be injected
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// VaultEnvContext carries vault information injected as FTE_* environment
// variables so the actor can call back into fte.
type VaultEnvContext struct {
	VaultPath string
	Owner     string
	Iteration int
	DryRun    bool
}

// CLIExecResult captures the outcome of an external CLI invocation.
type CLIExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout followed by stderr, the way the actor's answer is
// evaluated.
func (r *CLIExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// CLIExecutor defines the interface for invoking external CLI tools with
// vault context injection.
type CLIExecutor interface {
	// Exec runs the command until it exits or ctx is done.
	Exec(ctx context.Context, config CLIExecConfig) (*CLIExecResult, error)
	// BuildEnv constructs the subprocess environment with vault variables injected.
	BuildEnv(base []string, vault *VaultEnvContext) []string
}

// cliExecutor implements CLIExecutor.
type cliExecutor struct{}

// NewCLIExecutor creates a new CLIExecutor.
func NewCLIExecutor() CLIExecutor {
	return &cliExecutor{}
}

// BuildEnv appends FTE_* environment variables to the base environment when
// a vault context is provided. When vault is nil, the base is returned unchanged.
func (e *cliExecutor) BuildEnv(base []string, vault *VaultEnvContext) []string {
	if vault == nil {
		return base
	}
	env := make([]string, len(base), len(base)+4)
	copy(env, base)
	env = append(env,
		"FTE_VAULT_PATH="+vault.VaultPath,
		"FTE_OWNER="+vault.Owner,
		"FTE_ITERATION="+strconv.Itoa(vault.Iteration),
		"FTE_DRY_RUN="+strconv.FormatBool(vault.DryRun),
	)
	return env
}

// containsPipe returns true if any argument is the pipe character "|".
func containsPipe(args []string) bool {
	for _, a := range args {
		if a == "|" {
			return true
		}
	}
	return false
}

// Exec builds the environment and runs the external CLI. If the arguments
// contain a pipe character, the full command is delegated to the system
// shell (sh -c on Linux/Mac, cmd /c on Windows).
func (e *cliExecutor) Exec(ctx context.Context, config CLIExecConfig) (*CLIExecResult, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("executing: command is empty")
	}

	var cmd *exec.Cmd
	if containsPipe(config.Args) {
		parts := append([]string{config.Command}, config.Args...)
		cmdLine := strings.Join(parts, " ")
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "cmd", "/c", cmdLine)
		} else {
			cmd = exec.CommandContext(ctx, "sh", "-c", cmdLine)
		}
	} else {
		cmd = exec.CommandContext(ctx, config.Command, config.Args...)
	}
	cmd.Dir = config.Dir
	cmd.Env = e.BuildEnv(os.Environ(), config.Vault)

	// Always capture stdout/stderr for the result, but also tee to the
	// provided writers if set.
	var stdoutBuf, stderrBuf bytes.Buffer
	if config.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdoutBuf, config.Stdout)
	} else {
		cmd.Stdout = &stdoutBuf
	}
	if config.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderrBuf, config.Stderr)
	} else {
		cmd.Stderr = &stderrBuf
	}
	if config.Stdin != nil {
		cmd.Stdin = config.Stdin
	}

	start := time.Now()
	err := cmd.Run()
	result := &CLIExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("executing %s: %w", config.Command, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Command could not be started (e.g., not found).
		return result, fmt.Errorf("executing %s: %w", config.Command, err)
	}
	return result, nil
}

// ExpandArgs substitutes {name} placeholders in an argument template. An
// argument that is exactly a placeholder is replaced whole, so a prompt
// with spaces stays a single argument.
func ExpandArgs(template []string, vars map[string]string) []string {
	out := make([]string, 0, len(template))
	for _, arg := range template {
		for name, val := range vars {
			arg = strings.ReplaceAll(arg, "{"+name+"}", val)
		}
		out = append(out, arg)
	}
	return out
}

// CLIActor runs the reasoning actor as an external command in the vault.
type CLIActor struct {
	exec   CLIExecutor
	cfg    models.ActorConfig
	owner  string
	dryRun bool
	stderr io.Writer
}

// NewCLIActor creates a core.Actor backed by cfg.Command. stderr may be nil.
func NewCLIActor(executor CLIExecutor, cfg models.ActorConfig, owner string, dryRun bool, stderr io.Writer) *CLIActor {
	if executor == nil {
		executor = NewCLIExecutor()
	}
	return &CLIActor{exec: executor, cfg: cfg, owner: owner, dryRun: dryRun, stderr: stderr}
}

// Invoke runs the command once. A deadline yields core.ErrTimeout, a
// command that cannot start yields core.ErrFatal, and a non-zero exit is
// returned as a plain error with the captured output.
func (a *CLIActor) Invoke(ctx context.Context, req core.ActorRequest) (core.ActorResponse, error) {
	args := ExpandArgs(a.cfg.Args, map[string]string{
		"prompt":    req.Prompt,
		"vault":     req.WorkDir,
		"iteration": strconv.Itoa(req.Iteration),
	})

	res, err := a.exec.Exec(ctx, CLIExecConfig{
		Command: a.cfg.Command,
		Args:    args,
		Dir:     req.WorkDir,
		Vault: &VaultEnvContext{
			VaultPath: req.WorkDir,
			Owner:     a.owner,
			Iteration: req.Iteration,
			DryRun:    a.dryRun,
		},
		Stderr: a.stderr,
	})

	var resp core.ActorResponse
	if res != nil {
		resp = core.ActorResponse{Output: res.Output(), Duration: res.Duration}
	}
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return resp, fmt.Errorf("%w: %s did not finish: %v", core.ErrTimeout, a.cfg.Command, err)
		case errors.Is(err, context.Canceled):
			return resp, err
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
			return resp, fmt.Errorf("%w: %v", core.ErrFatal, err)
		default:
			return resp, err
		}
	}
	if res.ExitCode != 0 {
		return resp, fmt.Errorf("%s exited with code %d", a.cfg.Command, res.ExitCode)
	}
	return resp, nil
}
