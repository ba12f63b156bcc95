// Package core contains the mailbox logic for fte: the claim protocol and
// stage graph, approval policy, mailbox watchers, the dashboard aggregator,
// the orchestration driver, and configuration.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// ConfigFileName is the optional per-vault configuration file (without extension).
const ConfigFileName = ".fteconfig"

// validOwnerPattern matches owner names usable as a directory name.
var validOwnerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// envBindings maps config keys to the plain environment variables the vault
// scripts have always used. Every other key is also readable as FTE_<KEY>.
var envBindings = map[string]string{
	"vault_path":                      "VAULT_PATH",
	"dry_run":                         "DRY_RUN",
	"check_interval":                  "CHECK_INTERVAL",
	"orchestrator.max_iterations":     "MAX_ITERATIONS",
	"watchers.gmail.credentials_path": "GMAIL_CREDENTIALS_PATH",
	"watchers.gmail.token_path":       "GMAIL_TOKEN_PATH",
	"log_level":                       "FTE_LOG_LEVEL",
	"notifications.slack_webhook_url": "SLACK_WEBHOOK_URL",
}

// ConfigurationManager loads and validates the runtime configuration.
type ConfigurationManager interface {
	Load() (*models.Config, error)
	ValidateConfig(cfg *models.Config) error
	ConfigFile() string
}

// viperConfigManager implements ConfigurationManager using Viper, layering
// flags over environment over .fteconfig.yaml over defaults.
type viperConfigManager struct {
	vaultPath string
	flags     *pflag.FlagSet
	file      string
}

// NewConfigurationManager creates a ConfigurationManager for the given
// vault. flags may be nil; set flags override every other source.
func NewConfigurationManager(vaultPath string, flags *pflag.FlagSet) ConfigurationManager {
	return &viperConfigManager{vaultPath: vaultPath, flags: flags}
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *models.Config {
	return &models.Config{
		VaultPath: "vault",
		DryRun:    true,
		LogLevel:  "info",
		Watchers: models.WatchersConfig{
			FileDrop: models.FileDropConfig{
				WatcherConfig: models.WatcherConfig{Enabled: true, Interval: 30 * time.Second, MaxBackoff: 10 * time.Minute},
				Folder:        "Drop",
				Ignore:        []string{".*", "*.tmp", "*.part", "*.crdownload", "~$*"},
				Notify:        true,
			},
			Gmail: models.GmailConfig{
				WatcherConfig: models.WatcherConfig{Enabled: false, Interval: 120 * time.Second, MaxBackoff: 30 * time.Minute},
				CredentialsPath: "credentials.json",
				TokenPath:       "token.json",
				Query:           "is:unread is:important",
				MaxResults:      10,
			},
			Channel: models.ChannelConfig{
				WatcherConfig: models.WatcherConfig{Enabled: true, Interval: 30 * time.Second, MaxBackoff: 10 * time.Minute},
				Folder:        "Channel",
			},
		},
		Actor: models.ActorConfig{
			Command: "claude",
			Args:    []string{"--print", "{prompt}"},
			Timeout: 300 * time.Second,
			Retries: 1,
		},
		Orchestrator: models.OrchestratorConfig{
			Owner:             "orchestrator",
			BatchSize:         5,
			MaxIterations:     10,
			CompletionPromise: "TASK_COMPLETE",
			IterationPause:    2 * time.Second,
			ClaimTTL:          time.Hour,
			DashboardInterval: time.Minute,
			KillSwitchFile:    "STOP",
		},
		Approvals: models.ApprovalsConfig{
			TTL:          24 * time.Hour,
			OnExpiry:     models.ExpiryEscalate,
			HandbookPath: "Company_Handbook.md",
		},
		Alerts: models.AlertsConfig{
			StaleClaimHours:   2,
			MaxNeedsAction:    20,
			MaxQuarantine:     0,
			OverdueApprovalHr: 0,
		},
	}
}

func setDefaults(v *viper.Viper, cfg *models.Config) {
	v.SetDefault("vault_path", cfg.VaultPath)
	v.SetDefault("dry_run", cfg.DryRun)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("check_interval", "")

	w := cfg.Watchers
	v.SetDefault("watchers.filedrop.enabled", w.FileDrop.Enabled)
	v.SetDefault("watchers.filedrop.interval", w.FileDrop.Interval)
	v.SetDefault("watchers.filedrop.max_backoff", w.FileDrop.MaxBackoff)
	v.SetDefault("watchers.filedrop.folder", w.FileDrop.Folder)
	v.SetDefault("watchers.filedrop.ignore", w.FileDrop.Ignore)
	v.SetDefault("watchers.filedrop.notify", w.FileDrop.Notify)
	v.SetDefault("watchers.gmail.enabled", w.Gmail.Enabled)
	v.SetDefault("watchers.gmail.interval", w.Gmail.Interval)
	v.SetDefault("watchers.gmail.max_backoff", w.Gmail.MaxBackoff)
	v.SetDefault("watchers.gmail.credentials_path", w.Gmail.CredentialsPath)
	v.SetDefault("watchers.gmail.token_path", w.Gmail.TokenPath)
	v.SetDefault("watchers.gmail.query", w.Gmail.Query)
	v.SetDefault("watchers.gmail.max_results", w.Gmail.MaxResults)
	v.SetDefault("watchers.gmail.endpoint", w.Gmail.Endpoint)
	v.SetDefault("watchers.channel.enabled", w.Channel.Enabled)
	v.SetDefault("watchers.channel.interval", w.Channel.Interval)
	v.SetDefault("watchers.channel.max_backoff", w.Channel.MaxBackoff)
	v.SetDefault("watchers.channel.folder", w.Channel.Folder)

	v.SetDefault("actor.command", cfg.Actor.Command)
	v.SetDefault("actor.args", cfg.Actor.Args)
	v.SetDefault("actor.timeout", cfg.Actor.Timeout)
	v.SetDefault("actor.retries", cfg.Actor.Retries)

	o := cfg.Orchestrator
	v.SetDefault("orchestrator.owner", o.Owner)
	v.SetDefault("orchestrator.batch_size", o.BatchSize)
	v.SetDefault("orchestrator.max_iterations", o.MaxIterations)
	v.SetDefault("orchestrator.completion_promise", o.CompletionPromise)
	v.SetDefault("orchestrator.stop_when_empty", o.StopWhenEmpty)
	v.SetDefault("orchestrator.iteration_pause", o.IterationPause)
	v.SetDefault("orchestrator.claim_ttl", o.ClaimTTL)
	v.SetDefault("orchestrator.dashboard_interval", o.DashboardInterval)
	v.SetDefault("orchestrator.kill_switch", o.KillSwitch)
	v.SetDefault("orchestrator.kill_switch_file", o.KillSwitchFile)

	v.SetDefault("approvals.ttl", cfg.Approvals.TTL)
	v.SetDefault("approvals.on_expiry", string(cfg.Approvals.OnExpiry))
	v.SetDefault("approvals.handbook", cfg.Approvals.HandbookPath)

	v.SetDefault("alerts.stale_claim_hours", cfg.Alerts.StaleClaimHours)
	v.SetDefault("alerts.max_needs_action", cfg.Alerts.MaxNeedsAction)
	v.SetDefault("alerts.max_quarantine", cfg.Alerts.MaxQuarantine)
	v.SetDefault("alerts.overdue_approval_hours", cfg.Alerts.OverdueApprovalHr)

	v.SetDefault("notifications.slack_webhook_url", "")
}

// Load reads the configuration. A missing .fteconfig.yaml is not an error.
func (cm *viperConfigManager) Load() (*models.Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("FTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env, "FTE_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if cm.flags != nil {
		if err := bindFlags(v, cm.flags); err != nil {
			return nil, err
		}
	}

	vault := cm.vaultPath
	if vault == "" {
		vault = v.GetString("vault_path")
	}
	v.Set("vault_path", vault)

	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(vault)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading %s.yaml: %w", ConfigFileName, err)
		}
	} else {
		cm.file = v.ConfigFileUsed()
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	// CHECK_INTERVAL is a plain number of seconds in existing vault setups.
	// Set in the environment it overrides the file's watcher intervals like
	// every other variable; check_interval in the file only fills the
	// watchers that name no interval of their own.
	if raw := strings.TrimSpace(v.GetString("check_interval")); raw != "" {
		d, err := ParseInterval(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing CHECK_INTERVAL: %w", err)
		}
		fromEnv := envSet(envBindings["check_interval"], "FTE_CHECK_INTERVAL")
		if fromEnv || !v.InConfig("watchers.filedrop.interval") {
			cfg.Watchers.FileDrop.Interval = d
		}
		if fromEnv || !v.InConfig("watchers.channel.interval") {
			cfg.Watchers.Channel.Interval = d
		}
	}

	cfg.Watchers.Gmail.CredentialsPath = resolveIn(vault, cfg.Watchers.Gmail.CredentialsPath)
	cfg.Watchers.Gmail.TokenPath = resolveIn(vault, cfg.Watchers.Gmail.TokenPath)
	cfg.Approvals.HandbookPath = resolveIn(vault, cfg.Approvals.HandbookPath)

	return cfg, nil
}

func envSet(names ...string) bool {
	for _, n := range names {
		if strings.TrimSpace(os.Getenv(n)) != "" {
			return true
		}
	}
	return false
}

// ConfigFile returns the config file read by the last Load, if any.
func (cm *viperConfigManager) ConfigFile() string {
	return cm.file
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"vault":              "vault_path",
	"dry-run":            "dry_run",
	"log-level":          "log_level",
	"log-file":           "log_file",
	"max-iterations":     "orchestrator.max_iterations",
	"completion-promise": "orchestrator.completion_promise",
	"batch-size":         "orchestrator.batch_size",
	"stop-when-empty":    "orchestrator.stop_when_empty",
	"owner":              "orchestrator.owner",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	return nil
}

// ParseInterval accepts a Go duration ("90s", "2m") or a bare number of seconds.
func ParseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: use seconds or a duration like 30s", s)
	}
	return d, nil
}

func resolveIn(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// ValidateConfig checks the configuration for invalid values and returns
// one error listing every problem.
func (cm *viperConfigManager) ValidateConfig(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string
	if cfg.VaultPath == "" {
		errs = append(errs, "vault_path must not be empty")
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q is not a valid level", cfg.LogLevel))
	}

	watchers := []struct {
		name string
		cfg  models.WatcherConfig
	}{
		{"filedrop", cfg.Watchers.FileDrop.WatcherConfig},
		{"gmail", cfg.Watchers.Gmail.WatcherConfig},
		{"channel", cfg.Watchers.Channel.WatcherConfig},
	}
	for _, wc := range watchers {
		name, w := wc.name, wc.cfg
		if w.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("watchers.%s.interval must be positive", name))
		}
		if w.MaxBackoff < w.Interval {
			errs = append(errs, fmt.Sprintf("watchers.%s.max_backoff must be at least the interval", name))
		}
	}
	if cfg.Watchers.Gmail.Enabled && cfg.Watchers.Gmail.MaxResults <= 0 {
		errs = append(errs, "watchers.gmail.max_results must be positive")
	}

	if cfg.Actor.Command == "" {
		errs = append(errs, "actor.command must not be empty")
	}
	if cfg.Actor.Timeout <= 0 {
		errs = append(errs, "actor.timeout must be positive")
	}
	if cfg.Actor.Retries < 0 {
		errs = append(errs, "actor.retries must not be negative")
	}

	o := cfg.Orchestrator
	if !validOwnerPattern.MatchString(o.Owner) {
		errs = append(errs, fmt.Sprintf("orchestrator.owner %q must be a simple name", o.Owner))
	}
	if o.BatchSize < 1 {
		errs = append(errs, "orchestrator.batch_size must be at least 1")
	}
	if o.MaxIterations < 1 {
		errs = append(errs, "orchestrator.max_iterations must be at least 1")
	}
	if o.ClaimTTL <= 0 {
		errs = append(errs, "orchestrator.claim_ttl must be positive")
	}
	if o.IterationPause < 0 {
		errs = append(errs, "orchestrator.iteration_pause must not be negative")
	}

	if cfg.Approvals.TTL <= 0 {
		errs = append(errs, "approvals.ttl must be positive")
	}
	switch cfg.Approvals.OnExpiry {
	case models.ExpiryRequeue, models.ExpiryEscalate:
	default:
		errs = append(errs, fmt.Sprintf("approvals.on_expiry %q must be requeue or escalate", cfg.Approvals.OnExpiry))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: validation failed:\n  - %s", ErrFatal, strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidOwner reports whether name can be used as an In_Progress owner folder.
func ValidOwner(name string) bool {
	return validOwnerPattern.MatchString(name)
}
