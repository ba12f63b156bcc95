package observability

import (
	"testing"
	"time"
)

func writeEvents(t *testing.T, log EventLog, events ...Event) {
	t.Helper()
	for _, e := range events {
		if err := log.Write(e); err != nil {
			t.Fatalf("writing event: %v", err)
		}
	}
}

func TestMetricsCalculator_Lifecycle(t *testing.T) {
	log, _ := newTestLog(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

	writeEvents(t, log,
		Event{Time: at(0), Type: EventTransition, ItemID: "a", To: "Needs_Action", Outcome: "ok"},
		Event{Time: at(1), Type: EventTransition, ItemID: "b", To: "Needs_Action", Outcome: "ok"},
		Event{Time: at(2), Type: EventTransition, ItemID: "a", Actor: "w1", From: "Needs_Action", To: "In_Progress", Outcome: "ok"},
		Event{Time: at(2), Type: EventTransition, ItemID: "a", Actor: "w2", From: "Needs_Action", To: "In_Progress", Outcome: "conflict"},
		Event{Time: at(3), Type: EventTransition, ItemID: "b", Actor: "w2", From: "Needs_Action", To: "In_Progress", Outcome: "ok"},
		Event{Time: at(4), Type: EventTransition, ItemID: "b", Actor: "w2", From: "In_Progress", To: "Needs_Action", Outcome: "ok"},
		Event{Time: at(12), Type: EventTransition, ItemID: "a", Actor: "w1", From: "In_Progress", To: "Pending_Approval", Outcome: "ok"},
		Event{Time: at(20), Type: EventTransition, ItemID: "a", Actor: "human", From: "Pending_Approval", To: "Approved", Outcome: "ok"},
		Event{Time: at(32), Type: EventTransition, ItemID: "a", Actor: "w1", From: "Approved", To: "Done", Outcome: "ok"},
		Event{Time: at(33), Type: EventTransition, ItemID: "c", To: "Quarantine", Outcome: "ok"},
		Event{Time: at(34), Type: EventTransition, ItemID: "d", To: "Needs_Action", Outcome: "dry_run"},
		Event{Time: at(35), Type: "approval.escalated", ItemID: "e"},
		Event{Time: at(36), Type: "driver.finished", Data: map[string]any{"status": "completed"}},
		Event{Time: at(37), Type: "driver.finished", Data: map[string]any{"status": "aborted"}},
	)

	m, err := NewMetricsCalculator(log).Calculate(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name      string
		got, want int
	}{
		{"created", m.ItemsCreated, 2},
		{"claimed", m.ItemsClaimed, 2},
		{"released", m.ItemsReleased, 1},
		{"approvals", m.ApprovalsRequired, 1},
		{"completed", m.ItemsCompleted, 1},
		{"quarantined", m.Quarantined, 1},
		{"conflicts", m.Conflicts, 1},
		{"dry run", m.DryRunOps, 1},
		{"escalations", m.Escalations, 1},
		{"driver runs", m.DriverRuns, 2},
		{"aborted runs", m.RunsByStatus["aborted"], 1},
		{"w2 claims", m.ClaimsByActor["w2"], 1},
		{"events", m.EventCount, 14},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if m.MedianCycleTime != 30*time.Minute {
		t.Errorf("median cycle time = %v, want 30m", m.MedianCycleTime)
	}
	if m.OldestEvent == nil || !m.OldestEvent.Equal(at(0)) || !m.NewestEvent.Equal(at(37)) {
		t.Errorf("event window = %v .. %v", m.OldestEvent, m.NewestEvent)
	}
}

func TestMetricsCalculator_Since(t *testing.T) {
	log, _ := newTestLog(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	writeEvents(t, log,
		Event{Time: base, Type: EventTransition, ItemID: "old", To: "Needs_Action", Outcome: "ok"},
		Event{Time: base.Add(48 * time.Hour), Type: EventTransition, ItemID: "new", To: "Needs_Action", Outcome: "ok"},
	)

	m, err := NewMetricsCalculator(log).Calculate(base.Add(24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if m.ItemsCreated != 1 || m.EventCount != 1 {
		t.Errorf("created=%d events=%d", m.ItemsCreated, m.EventCount)
	}
}

func TestMetricsCalculator_Empty(t *testing.T) {
	log, _ := newTestLog(t)
	m, err := NewMetricsCalculator(log).Calculate(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if m.EventCount != 0 || m.OldestEvent != nil || m.MedianCycleTime != 0 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}
