package observability

import (
	"testing"
	"time"

	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

var alertNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedAlertVault(t *testing.T) storage.ItemStore {
	t.Helper()
	store := storage.NewItemStore(t.TempDir())
	write := func(id string, stage models.Stage, mutate func(*models.Item)) {
		it := models.NewItem(id)
		if mutate != nil {
			mutate(it)
		}
		if _, err := store.Write(it, stage); err != nil {
			t.Fatalf("writing %s: %v", id, err)
		}
	}
	write("fresh", models.StageInProgress, func(it *models.Item) {
		it.Owner = "w1"
		it.SetTime(models.MetaClaimedAt, alertNow.Add(-30*time.Minute))
	})
	write("stuck", models.StageInProgress, func(it *models.Item) {
		it.Owner = "w1"
		it.SetTime(models.MetaClaimedAt, alertNow.Add(-5*time.Hour))
	})
	write("pay-late", models.StagePendingApproval, func(it *models.Item) {
		it.SetTime(models.MetaExpiry, alertNow.Add(-time.Hour))
	})
	write("pay-ok", models.StagePendingApproval, func(it *models.Item) {
		it.SetTime(models.MetaExpiry, alertNow.Add(time.Hour))
	})
	write("bad", models.StageQuarantine, nil)
	for _, id := range []string{"n1", "n2", "n3"} {
		write(id, models.StageNeedsAction, nil)
	}
	return store
}

func newTestEngine(store storage.ItemStore, log EventLog, th AlertThresholds) *alertEngine {
	e := NewAlertEngine(store, log, th).(*alertEngine)
	e.now = func() time.Time { return alertNow }
	return e
}

func TestAlertEngine_Evaluate(t *testing.T) {
	store := seedAlertVault(t)
	th := DefaultAlertThresholds()
	th.MaxNeedsAction = 2

	alerts, err := newTestEngine(store, nil, th).Evaluate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"approval-overdue-pay-late", "quarantine-size", "stale-stuck", "backlog-size"}
	if len(alerts) != len(want) {
		t.Fatalf("got %d alerts: %+v", len(alerts), alerts)
	}
	for i, id := range want {
		if alerts[i].ID != id {
			t.Errorf("alert %d = %s, want %s", i, alerts[i].ID, id)
		}
	}
	if alerts[0].Severity != SeverityHigh || alerts[0].ItemID != "pay-late" {
		t.Errorf("unexpected approval alert: %+v", alerts[0])
	}
	if alerts[2].Data["owner"] != "w1" {
		t.Errorf("stale alert should name the owner: %+v", alerts[2])
	}
}

func TestAlertEngine_ThresholdsSuppress(t *testing.T) {
	store := seedAlertVault(t)
	th := AlertThresholds{StaleClaimHours: 24, OverdueApprovalHours: 2, MaxNeedsAction: 10, MaxQuarantine: 5}

	alerts, err := newTestEngine(store, nil, th).Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", alerts)
	}
}

func TestAlertEngine_DriverAborted(t *testing.T) {
	store := storage.NewItemStore(t.TempDir())
	log, _ := newTestLog(t)
	writeEvents(t, log,
		Event{Time: alertNow.Add(-2 * time.Hour), Type: "driver.finished", Data: map[string]any{"status": "aborted"}},
	)
	engine := newTestEngine(store, log, DefaultAlertThresholds())

	alerts, err := engine.Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].ID != "driver-aborted" {
		t.Fatalf("expected driver-aborted, got %+v", alerts)
	}

	// A later successful run clears the condition.
	writeEvents(t, log, Event{Time: alertNow.Add(-time.Hour), Type: "driver.finished", Data: map[string]any{"status": "completed"}})
	alerts, _ = engine.Evaluate()
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", alerts)
	}
}

func TestThresholdsFromConfig(t *testing.T) {
	th := ThresholdsFromConfig(models.AlertsConfig{StaleClaimHours: 3, MaxNeedsAction: 7, MaxQuarantine: 1, OverdueApprovalHr: 4})
	if th.StaleClaimHours != 3 || th.MaxNeedsAction != 7 || th.MaxQuarantine != 1 || th.OverdueApprovalHours != 4 {
		t.Errorf("unexpected thresholds: %+v", th)
	}
}
