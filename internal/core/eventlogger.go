package core

import (
	"time"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// Transition outcomes recorded in the audit log.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeDryRun   = "dry_run"
	OutcomeFailed   = "failed"
)

// Transition is one audit record: an item changing stage, or an attempt to.
type Transition struct {
	Time    time.Time
	ItemID  string
	Actor   string
	From    models.Stage
	To      models.Stage
	Outcome string
	Message string
	Data    map[string]any
}

// EventLogger is the subset of the observability audit log that core
// services need. Defining it here avoids importing the observability package.
type EventLogger interface {
	LogTransition(t Transition) error
	LogEvent(eventType string, data map[string]any) error
}

// AlertSink receives escalations that need a human to look at an item.
type AlertSink interface {
	Raise(id, severity, message string, data map[string]string) error
}
