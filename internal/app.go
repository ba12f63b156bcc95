// Package internal provides the App struct that wires all components of the
// Digital FTE together and initializes the CLI layer.
package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/valter-silva-au/digital-fte/internal/cli"
	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/internal/integration"
	"github.com/valter-silva-au/digital-fte/internal/logging"
	"github.com/valter-silva-au/digital-fte/internal/observability"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// dailyLogFile is the log_file value that selects Logs/fte-YYYY-MM-DD.log.
const dailyLogFile = "daily"

// tempGrace is how old a *.tmp file must be before reconcile removes it.
const tempGrace = 10 * time.Minute

// App holds all service dependencies for the Digital FTE.
type App struct {
	VaultPath string
	Config    *models.Config

	// Configuration
	ConfigMgr core.ConfigurationManager

	// Logging
	Logger    zerolog.Logger
	closeLogs func()

	// Storage layer
	Store  storage.ItemStore
	Layout *storage.Layout

	// Core services
	Policy    *core.Policy
	Queue     core.ClaimQueue
	Dashboard *core.Dashboard
	VaultInit core.VaultInitializer

	// Integration services
	Executor integration.CLIExecutor
	Actor    *integration.CLIActor
	Probe    *integration.ActorProbe

	// Observability
	EventLog    observability.EventLog
	AuditLog    *observability.AuditLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Markers     *observability.MarkerStore
	Notifier    observability.Notifier
}

// NewApp loads the configuration for vaultPath (empty means "use flags,
// environment or the default") and wires every component. flags may be nil.
func NewApp(vaultPath string, flags *pflag.FlagSet) (*App, error) {
	app := &App{closeLogs: func() {}}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(vaultPath, flags)
	cfg, err := app.ConfigMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := app.ConfigMgr.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	abs, err := filepath.Abs(cfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("resolving vault path: %w", err)
	}
	cfg.VaultPath = abs
	cfg.Watchers.FileDrop.Folder = inboxFolder(abs, cfg.Watchers.FileDrop.Folder)
	cfg.Watchers.Channel.Folder = inboxFolder(abs, cfg.Watchers.Channel.Folder)
	app.VaultPath = abs
	app.Config = cfg

	// --- Logging ---
	logFile := cfg.LogFile
	if logFile == dailyLogFile {
		logFile = logging.DailyFile(filepath.Join(abs, storage.LogsDir), time.Now())
	}
	app.Logger, app.closeLogs, err = logging.New(cfg.LogLevel, logFile)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	logging.SetGlobal(app.Logger)
	if f := app.ConfigMgr.ConfigFile(); f != "" {
		app.Logger.Debug().Str("file", f).Msg("configuration loaded")
	}

	// --- Storage layer ---
	app.Store = storage.NewItemStore(abs, storage.WithRawFolders(
		filepath.Base(cfg.Watchers.FileDrop.Folder),
		filepath.Base(cfg.Watchers.Channel.Folder),
	))
	app.Layout = storage.NewLayout(app.Store, tempGrace)

	// --- Observability ---
	// The audit log only exists once the vault does; read-only commands on
	// a fresh directory run without it. Moving items without it is fatal.
	if !cfg.DryRun || dirExists(filepath.Join(abs, storage.LogsDir)) {
		app.EventLog, err = observability.NewJSONLEventLog(filepath.Join(abs, storage.LogsDir, "audit.jsonl"))
		if err != nil {
			if !cfg.DryRun {
				app.closeLogs()
				return nil, fmt.Errorf("%w: opening audit log: %v", core.ErrFatal, err)
			}
			app.Logger.Warn().Err(err).Msg("audit log disabled")
			app.EventLog = nil
		}
	}
	if app.EventLog != nil {
		app.AuditLog = observability.NewAuditLog(app.EventLog)
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}
	app.AlertEngine = observability.NewAlertEngine(app.Store, app.EventLog, observability.ThresholdsFromConfig(cfg.Alerts))
	if cfg.Notifications.SlackWebhookURL != "" {
		app.Notifier = observability.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	}
	app.Markers = observability.NewMarkerStore(abs, cfg.DryRun, app.Notifier, logging.Component("alerts"))

	// --- Core services ---
	app.Policy, err = core.NewHandbookPolicyLoader(cfg.Approvals.HandbookPath).Load()
	if err != nil {
		app.closeLogs()
		return nil, err
	}
	qopts := core.QueueOptions{
		DryRun:      cfg.DryRun,
		ApprovalTTL: cfg.Approvals.TTL,
		OnExpiry:    cfg.Approvals.OnExpiry,
		Policy:      app.Policy,
		Alerts:      app.Markers,
		Logger:      app.Logger,
	}
	if app.AuditLog != nil {
		qopts.EventLogger = app.AuditLog
	}
	app.Queue = core.NewClaimQueue(app.Store, qopts)
	app.Dashboard = core.NewDashboard(app.Store, core.DashboardOptions{DryRun: cfg.DryRun, Logger: app.Logger})
	app.VaultInit = core.NewVaultInitializer()

	// --- Integration services ---
	app.Executor = integration.NewCLIExecutor()
	app.Actor = integration.NewCLIActor(app.Executor, cfg.Actor, cfg.Orchestrator.Owner, cfg.DryRun, os.Stderr)
	app.Probe = integration.NewActorProbe(app.Executor, cfg.Actor.Command)

	// --- Wire CLI package-level variables ---
	cli.Config = cfg
	cli.Logger = app.Logger
	cli.Store = app.Store
	cli.Layout = app.Layout
	cli.Queue = app.Queue
	cli.Dashboard = app.Dashboard
	cli.VaultInit = app.VaultInit
	cli.Actor = app.Actor
	cli.Probe = app.Probe

	cli.EventLog = app.EventLog
	cli.AuditLog = app.AuditLog
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc
	cli.Markers = app.Markers
	cli.Notifier = app.Notifier
	cli.NewWatchers = app.NewWatchers

	return app, nil
}

// NewWatchers builds one watcher per enabled source. The returned closer
// stops file-system notifications.
func (a *App) NewWatchers() ([]*core.Watcher, func(), error) {
	cfg := a.Config.Watchers
	var (
		watchers []*core.Watcher
		closers  []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	opts := func(wc models.WatcherConfig, name string) core.WatcherOptions {
		o := core.WatcherOptions{
			Interval:   wc.Interval,
			MaxBackoff: wc.MaxBackoff,
			Logger:     logging.Component("watcher." + name),
		}
		if a.AuditLog != nil {
			o.EventLogger = a.AuditLog
		}
		return o
	}

	if cfg.FileDrop.Enabled {
		src, err := integration.NewFileDropSource(cfg.FileDrop, logging.Component("filedrop"))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("file drop watcher: %w", err)
		}
		closers = append(closers, func() { _ = src.Close() })
		watchers = append(watchers, core.NewWatcher(src, a.Queue, opts(cfg.FileDrop.WatcherConfig, src.Name())))
	}
	if cfg.Channel.Enabled {
		src, err := integration.NewChannelSource(cfg.Channel)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("channel watcher: %w", err)
		}
		watchers = append(watchers, core.NewWatcher(src, a.Queue, opts(cfg.Channel.WatcherConfig, src.Name())))
	}
	if cfg.Gmail.Enabled {
		src := integration.NewGmailSource(cfg.Gmail, logging.Component("gmail"))
		watchers = append(watchers, core.NewWatcher(src, a.Queue, opts(cfg.Gmail.WatcherConfig, src.Name())))
	}
	return watchers, closeAll, nil
}

// Close releases resources held by the App, such as the audit log file
// handle. It is safe to call Close on an App whose EventLog is nil.
func (a *App) Close() error {
	var err error
	if a.EventLog != nil {
		err = a.EventLog.Close()
	}
	if a.closeLogs != nil {
		a.closeLogs()
	}
	return err
}

// ResolveVaultPath finds the vault for commands run without --vault or
// VAULT_PATH: the nearest directory, walking up from the working directory,
// that holds .fteconfig.yaml or Company_Handbook.md. It returns "" when none
// is found so the configured default applies.
func ResolveVaultPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		for _, marker := range []string{core.ConfigFileName + ".yaml", storage.HandbookMD} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// inboxFolder places a relative raw-input folder under <vault>/Inbox.
func inboxFolder(vault, folder string) string {
	if folder == "" || filepath.IsAbs(folder) {
		return folder
	}
	return filepath.Join(vault, string(models.StageInbox), folder)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
