package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	vault := t.TempDir()
	cm := NewConfigurationManager(vault, nil)

	cfg, err := cm.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VaultPath != vault {
		t.Errorf("VaultPath = %q, want %q", cfg.VaultPath, vault)
	}
	if !cfg.DryRun {
		t.Error("dry run should default to true")
	}
	if cfg.Orchestrator.BatchSize != 5 || cfg.Orchestrator.MaxIterations != 10 {
		t.Errorf("unexpected orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.CompletionPromise != "TASK_COMPLETE" {
		t.Errorf("CompletionPromise = %q", cfg.Orchestrator.CompletionPromise)
	}
	if cfg.Approvals.OnExpiry != models.ExpiryEscalate || cfg.Approvals.TTL != 24*time.Hour {
		t.Errorf("unexpected approval defaults: %+v", cfg.Approvals)
	}
	if want := filepath.Join(vault, "Company_Handbook.md"); cfg.Approvals.HandbookPath != want {
		t.Errorf("HandbookPath = %q, want %q", cfg.Approvals.HandbookPath, want)
	}
	if want := filepath.Join(vault, "credentials.json"); cfg.Watchers.Gmail.CredentialsPath != want {
		t.Errorf("CredentialsPath = %q, want %q", cfg.Watchers.Gmail.CredentialsPath, want)
	}
	if cm.ConfigFile() != "" {
		t.Errorf("no config file expected, got %q", cm.ConfigFile())
	}
	if err := cm.ValidateConfig(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	vault := t.TempDir()
	t.Setenv("DRY_RUN", "false")
	t.Setenv("CHECK_INTERVAL", "45")
	t.Setenv("MAX_ITERATIONS", "3")
	t.Setenv("FTE_ORCHESTRATOR_OWNER", "night-shift")

	cfg, err := NewConfigurationManager(vault, nil).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DryRun {
		t.Error("DRY_RUN=false was ignored")
	}
	if cfg.Watchers.FileDrop.Interval != 45*time.Second || cfg.Watchers.Channel.Interval != 45*time.Second {
		t.Errorf("CHECK_INTERVAL not applied: %v %v", cfg.Watchers.FileDrop.Interval, cfg.Watchers.Channel.Interval)
	}
	if cfg.Watchers.Gmail.Interval != 120*time.Second {
		t.Errorf("gmail interval should keep its default, got %v", cfg.Watchers.Gmail.Interval)
	}
	if cfg.Orchestrator.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Orchestrator.MaxIterations)
	}
	if cfg.Orchestrator.Owner != "night-shift" {
		t.Errorf("Owner = %q", cfg.Orchestrator.Owner)
	}
}

func TestLoad_ConfigFileAndPrecedence(t *testing.T) {
	vault := t.TempDir()
	content := `orchestrator:
  batch_size: 9
  max_iterations: 4
watchers:
  filedrop:
    interval: 10s
approvals:
  on_expiry: requeue
`
	if err := os.WriteFile(filepath.Join(vault, ".fteconfig.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHECK_INTERVAL", "45")
	t.Setenv("MAX_ITERATIONS", "6")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-iterations", 10, "")
	flags.Int("batch-size", 5, "")
	if err := flags.Parse([]string{"--max-iterations=7"}); err != nil {
		t.Fatal(err)
	}

	cm := NewConfigurationManager(vault, flags)
	cfg, err := cm.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(cm.ConfigFile(), ".fteconfig.yaml") {
		t.Errorf("ConfigFile = %q", cm.ConfigFile())
	}
	if cfg.Orchestrator.BatchSize != 9 {
		t.Errorf("file value lost: batch_size = %d", cfg.Orchestrator.BatchSize)
	}
	if cfg.Orchestrator.MaxIterations != 7 {
		t.Errorf("flag should win over env and file: max_iterations = %d", cfg.Orchestrator.MaxIterations)
	}
	if cfg.Watchers.FileDrop.Interval != 45*time.Second {
		t.Errorf("CHECK_INTERVAL should win over the file interval: %v", cfg.Watchers.FileDrop.Interval)
	}
	if cfg.Watchers.Channel.Interval != 45*time.Second {
		t.Errorf("channel interval = %v, want 45s", cfg.Watchers.Channel.Interval)
	}
	if cfg.Approvals.OnExpiry != models.ExpiryRequeue {
		t.Errorf("OnExpiry = %q", cfg.Approvals.OnExpiry)
	}
}

func TestLoad_FileCheckIntervalFillsUnsetWatchers(t *testing.T) {
	t.Setenv("CHECK_INTERVAL", "")
	t.Setenv("FTE_CHECK_INTERVAL", "")
	vault := t.TempDir()
	content := `check_interval: 20
watchers:
  filedrop:
    interval: 10s
`
	if err := os.WriteFile(filepath.Join(vault, ".fteconfig.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewConfigurationManager(vault, nil).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Watchers.FileDrop.Interval != 10*time.Second {
		t.Errorf("filedrop interval = %v, want its own 10s", cfg.Watchers.FileDrop.Interval)
	}
	if cfg.Watchers.Channel.Interval != 20*time.Second {
		t.Errorf("channel interval = %v, want check_interval 20s", cfg.Watchers.Channel.Interval)
	}
}

func TestLoad_BadCheckInterval(t *testing.T) {
	t.Setenv("CHECK_INTERVAL", "soon")
	if _, err := NewConfigurationManager(t.TempDir(), nil).Load(); err == nil {
		t.Fatal("expected error for bad CHECK_INTERVAL")
	}
}

func TestValidateConfig(t *testing.T) {
	cm := NewConfigurationManager("", nil)

	cfg := DefaultConfig()
	cfg.LogLevel = "chatty"
	cfg.Orchestrator.Owner = "../escape"
	cfg.Orchestrator.BatchSize = 0
	cfg.Approvals.OnExpiry = "ignore"
	cfg.Watchers.Channel.Interval = 0

	err := cm.ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrFatal) {
		t.Errorf("validation errors should be fatal: %v", err)
	}
	for _, want := range []string{"log_level", "orchestrator.owner", "batch_size", "on_expiry", "watchers.channel.interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}

	if err := cm.ValidateConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"60", time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"often", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInterval(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidOwner(t *testing.T) {
	for _, ok := range []string{"orchestrator", "agent-1", "a.b_c"} {
		if !ValidOwner(ok) {
			t.Errorf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"", "../x", ".hidden", "a/b", "with space"} {
		if ValidOwner(bad) {
			t.Errorf("%q should be invalid", bad)
		}
	}
}
