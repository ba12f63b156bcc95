package observability

import (
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string            `json:"id"`
	Condition   string            `json:"condition"`
	Severity    AlertSeverity     `json:"severity"`
	Message     string            `json:"message"`
	TriggeredAt time.Time         `json:"triggered_at"`
	ItemID      string            `json:"item_id,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// AlertThresholds configures when alerts should fire.
type AlertThresholds struct {
	StaleClaimHours      int `yaml:"stale_claim_hours" json:"stale_claim_hours"`
	OverdueApprovalHours int `yaml:"overdue_approval_hours" json:"overdue_approval_hours"`
	MaxNeedsAction       int `yaml:"max_needs_action" json:"max_needs_action"`
	MaxQuarantine        int `yaml:"max_quarantine" json:"max_quarantine"`
}

// DefaultAlertThresholds returns sensible defaults for alert thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		StaleClaimHours:      2,
		OverdueApprovalHours: 0,
		MaxNeedsAction:       20,
		MaxQuarantine:        0,
	}
}

// ThresholdsFromConfig converts the alerts config section.
func ThresholdsFromConfig(cfg models.AlertsConfig) AlertThresholds {
	return AlertThresholds{
		StaleClaimHours:      cfg.StaleClaimHours,
		OverdueApprovalHours: cfg.OverdueApprovalHr,
		MaxNeedsAction:       cfg.MaxNeedsAction,
		MaxQuarantine:        cfg.MaxQuarantine,
	}
}

// AlertEngine evaluates alert conditions against the vault.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

// alertEngine implements AlertEngine by scanning stages and, when an event
// log is available, the outcome of the latest driver run.
type alertEngine struct {
	store      storage.ItemStore
	eventLog   EventLog
	thresholds AlertThresholds
	now        func() time.Time
}

// NewAlertEngine creates a new AlertEngine. eventLog may be nil.
func NewAlertEngine(store storage.ItemStore, eventLog EventLog, thresholds AlertThresholds) AlertEngine {
	return &alertEngine{
		store:      store,
		eventLog:   eventLog,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Evaluate checks all alert conditions and returns the triggered alerts
// sorted by severity, then id.
func (ae *alertEngine) Evaluate() ([]Alert, error) {
	now := ae.now().UTC()
	var alerts []Alert

	stale, err := ae.checkStaleClaims(now)
	if err != nil {
		return nil, fmt.Errorf("checking stale claims: %w", err)
	}
	alerts = append(alerts, stale...)

	overdue, err := ae.checkOverdueApprovals(now)
	if err != nil {
		return nil, fmt.Errorf("checking approvals: %w", err)
	}
	alerts = append(alerts, overdue...)

	sizes, err := ae.checkStageSizes(now)
	if err != nil {
		return nil, fmt.Errorf("checking stage sizes: %w", err)
	}
	alerts = append(alerts, sizes...)

	driver, err := ae.checkDriver(now)
	if err != nil {
		return nil, fmt.Errorf("checking driver runs: %w", err)
	}
	alerts = append(alerts, driver...)

	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := severityRank(alerts[i].Severity), severityRank(alerts[j].Severity)
		if a != b {
			return a < b
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

// checkStaleClaims looks for claims held longer than the threshold.
func (ae *alertEngine) checkStaleClaims(now time.Time) ([]Alert, error) {
	handles, err := ae.store.List(models.StageInProgress)
	if err != nil {
		return nil, err
	}
	threshold := time.Duration(ae.thresholds.StaleClaimHours) * time.Hour

	var alerts []Alert
	for _, h := range handles {
		item, err := ae.store.Read(h.Path)
		if err != nil {
			continue
		}
		claimed := item.ClaimedAt()
		if claimed.IsZero() || now.Sub(claimed) <= threshold {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          "stale-" + item.ID,
			Condition:   "claim_stale",
			Severity:    SeverityMedium,
			Message:     fmt.Sprintf("%s has been claimed by %s for more than %d hours", item.ID, h.Owner, ae.thresholds.StaleClaimHours),
			TriggeredAt: now,
			ItemID:      item.ID,
			Data: map[string]string{
				"owner":      h.Owner,
				"claimed_at": claimed.Format(time.RFC3339),
				"stage":      string(models.StageInProgress),
			},
		})
	}
	return alerts, nil
}

// checkOverdueApprovals looks for approvals past their expiry plus the
// grace threshold.
func (ae *alertEngine) checkOverdueApprovals(now time.Time) ([]Alert, error) {
	handles, err := ae.store.List(models.StagePendingApproval)
	if err != nil {
		return nil, err
	}
	grace := time.Duration(ae.thresholds.OverdueApprovalHours) * time.Hour

	var alerts []Alert
	for _, h := range handles {
		item, err := ae.store.Read(h.Path)
		if err != nil {
			continue
		}
		expiry := item.Expiry()
		if expiry.IsZero() || !now.After(expiry.Add(grace)) {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          "approval-overdue-" + item.ID,
			Condition:   "approval_overdue",
			Severity:    SeverityHigh,
			Message:     fmt.Sprintf("approval for %s expired at %s", item.ID, expiry.Format("2006-01-02 15:04")),
			TriggeredAt: now,
			ItemID:      item.ID,
			Data: map[string]string{
				"expiry":       expiry.Format(time.RFC3339),
				"escalated_at": item.Get(models.MetaEscalated),
				"stage":        string(models.StagePendingApproval),
			},
		})
	}
	return alerts, nil
}

// checkStageSizes alerts when the backlog or the quarantine grows past its
// limit.
func (ae *alertEngine) checkStageSizes(now time.Time) ([]Alert, error) {
	var alerts []Alert

	needs, err := ae.store.List(models.StageNeedsAction)
	if err != nil {
		return nil, err
	}
	if len(needs) > ae.thresholds.MaxNeedsAction {
		alerts = append(alerts, Alert{
			ID:          "backlog-size",
			Condition:   "backlog_too_large",
			Severity:    SeverityLow,
			Message:     fmt.Sprintf("Needs_Action has %d items, exceeding the maximum of %d", len(needs), ae.thresholds.MaxNeedsAction),
			TriggeredAt: now,
			Data:        map[string]string{"stage": string(models.StageNeedsAction)},
		})
	}

	quarantined, err := ae.store.List(models.StageQuarantine)
	if err != nil {
		return nil, err
	}
	if len(quarantined) > ae.thresholds.MaxQuarantine {
		alerts = append(alerts, Alert{
			ID:          "quarantine-size",
			Condition:   "quarantine_not_empty",
			Severity:    SeverityMedium,
			Message:     fmt.Sprintf("Quarantine holds %d items that need a human", len(quarantined)),
			TriggeredAt: now,
			Data:        map[string]string{"stage": string(models.StageQuarantine)},
		})
	}
	return alerts, nil
}

// checkDriver reports when the most recent driver run aborted.
func (ae *alertEngine) checkDriver(now time.Time) ([]Alert, error) {
	if ae.eventLog == nil {
		return nil, nil
	}
	events, err := ae.eventLog.Read(EventFilter{Type: "driver.finished"})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	status, _ := last.Data["status"].(string)
	if status != "aborted" {
		return nil, nil
	}
	session, _ := last.Data["session_id"].(string)
	return []Alert{{
		ID:          "driver-aborted",
		Condition:   "driver_aborted",
		Severity:    SeverityHigh,
		Message:     fmt.Sprintf("the last driver run aborted at %s", last.Time.Format("2006-01-02 15:04")),
		TriggeredAt: now,
		Data:        map[string]string{"session_id": session},
	}}, nil
}

func severityRank(s AlertSeverity) int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 2
	default:
		return 3
	}
}
