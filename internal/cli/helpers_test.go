package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

type actorFunc func(ctx context.Context, req core.ActorRequest) (core.ActorResponse, error)

func (f actorFunc) Invoke(ctx context.Context, req core.ActorRequest) (core.ActorResponse, error) {
	return f(ctx, req)
}

// setupVault points the package globals at a fresh vault and restores them
// when the test ends. Items are written to stage in the Files category.
func setupVault(t *testing.T, stage models.Stage, ids ...string) storage.ItemStore {
	t.Helper()

	origConfig, origStore, origQueue, origDash := Config, Store, Queue, Dashboard
	origActor, origAudit, origAlerts, origMetrics := Actor, AuditLog, AlertEngine, MetricsCalc
	origMarkers, origNotifier := Markers, Notifier
	t.Cleanup(func() {
		Config, Store, Queue, Dashboard = origConfig, origStore, origQueue, origDash
		Actor, AuditLog, AlertEngine, MetricsCalc = origActor, origAudit, origAlerts, origMetrics
		Markers, Notifier = origMarkers, origNotifier
	})

	root := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.VaultPath = root
	cfg.DryRun = false
	cfg.Orchestrator.IterationPause = 0
	cfg.Orchestrator.MaxIterations = 2
	cfg.Actor.Timeout = 5 * time.Second

	store := storage.NewItemStore(root)
	for _, id := range ids {
		writeItem(t, store, id, stage, nil)
	}

	Config = cfg
	Store = store
	Queue = core.NewClaimQueue(store, core.QueueOptions{})
	Dashboard = core.NewDashboard(store, core.DashboardOptions{})
	Actor, AuditLog, AlertEngine, MetricsCalc, Markers, Notifier = nil, nil, nil, nil, nil, nil
	return store
}

func writeItem(t *testing.T, store storage.ItemStore, id string, stage models.Stage, mutate func(*models.Item)) models.Handle {
	t.Helper()
	it := models.NewItem(id)
	if stage.HasCategories() {
		it.Category = "Files"
	}
	if mutate != nil {
		mutate(it)
	}
	h, err := store.Write(it, stage)
	if err != nil {
		t.Fatalf("writing %s: %v", id, err)
	}
	return h
}

// run executes a command's RunE with output captured.
func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	defer func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	}()
	err := cmd.RunE(cmd, args)
	return buf.String(), err
}
