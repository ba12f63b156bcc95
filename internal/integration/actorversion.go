package integration

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ActorVersion is the semantic version reported by the actor command.
type ActorVersion struct {
	Major int
	Minor int
	Patch int
}

// String returns the version in semver format (e.g., "2.1.50").
func (v ActorVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1 if v < other, 0 if v == other, 1 if v > other.
func (v ActorVersion) Compare(other ActorVersion) int {
	for _, d := range [][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		if d[0] < d[1] {
			return -1
		}
		if d[0] > d[1] {
			return 1
		}
	}
	return 0
}

var versionRe = regexp.MustCompile(`(?:^|[^\d.])v?(\d+)\.(\d+)\.(\d+)(?:[^\d.]|$)`)

// ParseActorVersion finds the first MAJOR.MINOR.PATCH in s. Actor CLIs
// usually decorate it, as in "2.1.50 (Claude Code)".
func ParseActorVersion(s string) (*ActorVersion, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("no version in %q: expected v?MAJOR.MINOR.PATCH", strings.TrimSpace(s))
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return &ActorVersion{Major: major, Minor: minor, Patch: patch}, nil
}

// ActorProbe checks that the actor command is installed.
type ActorProbe struct {
	exec    CLIExecutor
	command string
	timeout time.Duration
}

// NewActorProbe creates a probe for command. executor may be nil.
func NewActorProbe(executor CLIExecutor, command string) *ActorProbe {
	if executor == nil {
		executor = NewCLIExecutor()
	}
	return &ActorProbe{exec: executor, command: command, timeout: 10 * time.Second}
}

// DetectVersion runs `<command> --version` and parses the output.
func (p *ActorProbe) DetectVersion(ctx context.Context) (*ActorVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.exec.Exec(ctx, CLIExecConfig{Command: p.command, Args: []string{"--version"}})
	if err != nil {
		return nil, fmt.Errorf("detecting %s version: %w", p.command, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("detecting %s version: exit code %d", p.command, res.ExitCode)
	}
	v, err := ParseActorVersion(res.Output())
	if err != nil {
		return nil, fmt.Errorf("parsing %s version: %w", p.command, err)
	}
	return v, nil
}

// CheckMinimumVersion returns an error if the installed actor is older than min.
func (p *ActorProbe) CheckMinimumVersion(ctx context.Context, min ActorVersion) error {
	v, err := p.DetectVersion(ctx)
	if err != nil {
		return err
	}
	if v.Compare(min) < 0 {
		return fmt.Errorf("%s version %s is less than required minimum %s", p.command, v, min)
	}
	return nil
}
