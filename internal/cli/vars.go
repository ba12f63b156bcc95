package cli

import (
	"github.com/rs/zerolog"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/internal/integration"
	"github.com/valter-silva-au/digital-fte/internal/observability"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// Service instances, set by the application wiring in app.go once flags
// have been parsed.
var (
	Config    *models.Config
	Logger    = zerolog.Nop()
	Store     storage.ItemStore
	Layout    *storage.Layout
	Queue     core.ClaimQueue
	Dashboard *core.Dashboard
	Actor     core.Actor
	Probe     *integration.ActorProbe

	EventLog    observability.EventLog
	AuditLog    *observability.AuditLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Markers     *observability.MarkerStore
	Notifier    observability.Notifier

	// NewWatchers builds one watcher per enabled source. The returned
	// closer releases file-system watches.
	NewWatchers func() ([]*core.Watcher, func(), error)
)
