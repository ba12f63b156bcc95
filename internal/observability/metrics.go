package observability

import (
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// Metrics holds calculated metrics derived from the audit log.
type Metrics struct {
	ItemsCreated      int            `json:"items_created"`
	ItemsClaimed      int            `json:"items_claimed"`
	ItemsReleased     int            `json:"items_released"`
	ItemsCompleted    int            `json:"items_completed"`
	ItemsRejected     int            `json:"items_rejected"`
	ApprovalsRequired int            `json:"approvals_required"`
	Quarantined       int            `json:"quarantined"`
	Conflicts         int            `json:"conflicts"`
	DryRunOps         int            `json:"dry_run_ops"`
	Failures          int            `json:"failures"`
	Escalations       int            `json:"escalations"`
	DriverRuns        int            `json:"driver_runs"`
	RunsByStatus      map[string]int `json:"runs_by_status"`
	TransitionsByTo   map[string]int `json:"transitions_by_to"`
	ClaimsByActor     map[string]int `json:"claims_by_actor"`
	MedianCycleTime   time.Duration  `json:"median_cycle_time"`
	EventCount        int            `json:"event_count"`
	OldestEvent       *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent       *time.Time     `json:"newest_event,omitempty"`
}

// MetricsCalculator derives metrics from the audit log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

// metricsCalculator implements MetricsCalculator by reading from an EventLog.
type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a new MetricsCalculator that reads from the given EventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate reads all events since the given time and aggregates them into
// metrics. Only successful transitions count toward item totals; conflicts,
// failures, and dry-run records are tallied separately. Cycle time runs
// from an item's first successful claim to its arrival in Done.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		RunsByStatus:    make(map[string]int),
		TransitionsByTo: make(map[string]int),
		ClaimsByActor:   make(map[string]int),
	}
	m.EventCount = len(events)

	claimedAt := make(map[string]time.Time)
	var cycles []time.Duration

	for i, event := range events {
		if i == 0 {
			t := event.Time
			m.OldestEvent = &t
		}
		t := event.Time
		m.NewestEvent = &t

		switch event.Type {
		case EventTransition:
			switch event.Outcome {
			case "conflict":
				m.Conflicts++
				continue
			case "dry_run":
				m.DryRunOps++
				continue
			case "failed":
				m.Failures++
				continue
			}
			m.TransitionsByTo[event.To]++
			switch models.Stage(event.To) {
			case models.StageNeedsAction:
				switch models.Stage(event.From) {
				case "", models.StageInbox:
					m.ItemsCreated++
				case models.StageInProgress:
					m.ItemsReleased++
				}
			case models.StageInProgress:
				m.ItemsClaimed++
				m.ClaimsByActor[event.Actor]++
				if _, seen := claimedAt[event.ItemID]; !seen {
					claimedAt[event.ItemID] = event.Time
				}
			case models.StagePendingApproval:
				m.ApprovalsRequired++
			case models.StageDone:
				m.ItemsCompleted++
				if start, ok := claimedAt[event.ItemID]; ok && event.Time.After(start) {
					cycles = append(cycles, event.Time.Sub(start))
				}
			case models.StageRejected:
				m.ItemsRejected++
			case models.StageQuarantine:
				m.Quarantined++
			}
		case "approval.escalated":
			m.Escalations++
		case "driver.finished":
			m.DriverRuns++
			if status, ok := event.Data["status"].(string); ok {
				m.RunsByStatus[status]++
			}
		}
	}

	if len(cycles) > 0 {
		sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
		m.MedianCycleTime = cycles[len(cycles)/2]
	}
	return m, nil
}
