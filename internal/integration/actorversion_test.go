package integration

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParseActorVersion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ActorVersion
	}{
		{"with v prefix", "v2.1.50", ActorVersion{2, 1, 50}},
		{"bare", "2.1.50", ActorVersion{2, 1, 50}},
		{"whitespace", "  v2.1.32  \n", ActorVersion{2, 1, 32}},
		{"decorated", "2.1.50 (Claude Code)", ActorVersion{2, 1, 50}},
		{"prefixed", "mytool version 1.0.3-beta", ActorVersion{1, 0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseActorVersion(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *v != tt.want {
				t.Errorf("got %+v, want %+v", *v, tt.want)
			}
		})
	}
}

func TestParseActorVersion_Invalid(t *testing.T) {
	for _, in := range []string{"", "2.1", "abc", "2.1.50.1"} {
		if _, err := ParseActorVersion(in); err == nil {
			t.Errorf("ParseActorVersion(%q) should fail", in)
		}
	}
}

func TestActorVersionCompare(t *testing.T) {
	a := ActorVersion{2, 1, 50}
	if a.Compare(ActorVersion{2, 1, 50}) != 0 || a.Compare(ActorVersion{2, 2, 0}) != -1 || a.Compare(ActorVersion{1, 9, 99}) != 1 {
		t.Error("unexpected comparison result")
	}
	if a.String() != "2.1.50" {
		t.Errorf("String = %q", a.String())
	}
}

// stubExecutor returns a canned result for every command.
type stubExecutor struct {
	result *CLIExecResult
	err    error
	calls  []CLIExecConfig
}

func (s *stubExecutor) Exec(ctx context.Context, cfg CLIExecConfig) (*CLIExecResult, error) {
	s.calls = append(s.calls, cfg)
	return s.result, s.err
}

func (s *stubExecutor) BuildEnv(base []string, vault *VaultEnvContext) []string { return base }

func TestActorProbe(t *testing.T) {
	stub := &stubExecutor{result: &CLIExecResult{Stdout: "2.1.50 (Claude Code)\n"}}
	p := NewActorProbe(stub, "claude")

	v, err := p.DetectVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "2.1.50" {
		t.Errorf("version = %s", v)
	}
	if stub.calls[0].Command != "claude" || strings.Join(stub.calls[0].Args, " ") != "--version" {
		t.Errorf("unexpected call: %+v", stub.calls[0])
	}
	if err := p.CheckMinimumVersion(context.Background(), ActorVersion{3, 0, 0}); err == nil {
		t.Error("expected minimum version error")
	}
}

func TestActorProbe_NotInstalled(t *testing.T) {
	stub := &stubExecutor{err: errors.New("executing claude: not found")}
	if _, err := NewActorProbe(stub, "claude").DetectVersion(context.Background()); err == nil {
		t.Error("expected error")
	}
}
