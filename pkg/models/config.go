package models

import "time"

// ExpiryAction decides what happens to a pending approval once its expiry passes.
type ExpiryAction string

const (
	ExpiryRequeue  ExpiryAction = "requeue"
	ExpiryEscalate ExpiryAction = "escalate"
)

// WatcherConfig holds the settings shared by every mailbox watcher.
type WatcherConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// FileDropConfig configures the filesystem drop-folder watcher.
type FileDropConfig struct {
	WatcherConfig `yaml:",inline" mapstructure:",squash"`
	Folder        string   `yaml:"folder" mapstructure:"folder"`
	Ignore        []string `yaml:"ignore,omitempty" mapstructure:"ignore"`
	Notify        bool     `yaml:"notify" mapstructure:"notify"`
}

// GmailConfig configures the Gmail watcher.
type GmailConfig struct {
	WatcherConfig   `yaml:",inline" mapstructure:",squash"`
	CredentialsPath string `yaml:"credentials_path" mapstructure:"credentials_path"`
	TokenPath       string `yaml:"token_path" mapstructure:"token_path"`
	Query           string `yaml:"query" mapstructure:"query"`
	MaxResults      int    `yaml:"max_results" mapstructure:"max_results"`
	Endpoint        string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
}

// ChannelConfig configures the Markdown channel watcher.
type ChannelConfig struct {
	WatcherConfig `yaml:",inline" mapstructure:",squash"`
	Folder        string `yaml:"folder" mapstructure:"folder"`
}

// WatchersConfig groups the watcher variants.
type WatchersConfig struct {
	FileDrop FileDropConfig `yaml:"filedrop" mapstructure:"filedrop"`
	Gmail    GmailConfig    `yaml:"gmail" mapstructure:"gmail"`
	Channel  ChannelConfig  `yaml:"channel" mapstructure:"channel"`
}

// ActorConfig describes the external reasoning actor command.
type ActorConfig struct {
	Command string        `yaml:"command" mapstructure:"command"`
	Args    []string      `yaml:"args,omitempty" mapstructure:"args"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retries int           `yaml:"retries" mapstructure:"retries"`
}

// OrchestratorConfig holds driver loop settings.
type OrchestratorConfig struct {
	Owner             string        `yaml:"owner" mapstructure:"owner"`
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxIterations     int           `yaml:"max_iterations" mapstructure:"max_iterations"`
	CompletionPromise string        `yaml:"completion_promise" mapstructure:"completion_promise"`
	StopWhenEmpty     bool          `yaml:"stop_when_empty" mapstructure:"stop_when_empty"`
	IterationPause    time.Duration `yaml:"iteration_pause" mapstructure:"iteration_pause"`
	ClaimTTL          time.Duration `yaml:"claim_ttl" mapstructure:"claim_ttl"`
	DashboardInterval time.Duration `yaml:"dashboard_interval" mapstructure:"dashboard_interval"`
	KillSwitch        bool          `yaml:"kill_switch" mapstructure:"kill_switch"`
	KillSwitchFile    string        `yaml:"kill_switch_file" mapstructure:"kill_switch_file"`
}

// ApprovalsConfig holds pending-approval settings.
type ApprovalsConfig struct {
	TTL          time.Duration `yaml:"ttl" mapstructure:"ttl"`
	OnExpiry     ExpiryAction  `yaml:"on_expiry" mapstructure:"on_expiry"`
	HandbookPath string        `yaml:"handbook" mapstructure:"handbook"`
}

// AlertsConfig holds alert thresholds.
type AlertsConfig struct {
	StaleClaimHours   int `yaml:"stale_claim_hours" mapstructure:"stale_claim_hours"`
	MaxNeedsAction    int `yaml:"max_needs_action" mapstructure:"max_needs_action"`
	MaxQuarantine     int `yaml:"max_quarantine" mapstructure:"max_quarantine"`
	OverdueApprovalHr int `yaml:"overdue_approval_hours" mapstructure:"overdue_approval_hours"`
}

// NotificationsConfig configures outbound alert delivery.
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty" mapstructure:"slack_webhook_url"`
}

// Config is the full runtime configuration, read from the environment and
// an optional .fteconfig.yaml in the vault.
type Config struct {
	VaultPath     string              `yaml:"vault_path" mapstructure:"vault_path"`
	DryRun        bool                `yaml:"dry_run" mapstructure:"dry_run"`
	LogLevel      string              `yaml:"log_level" mapstructure:"log_level"`
	LogFile       string              `yaml:"log_file,omitempty" mapstructure:"log_file"`
	Watchers      WatchersConfig      `yaml:"watchers" mapstructure:"watchers"`
	Actor         ActorConfig         `yaml:"actor" mapstructure:"actor"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator" mapstructure:"orchestrator"`
	Approvals     ApprovalsConfig     `yaml:"approvals" mapstructure:"approvals"`
	Alerts        AlertsConfig        `yaml:"alerts" mapstructure:"alerts"`
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
}
