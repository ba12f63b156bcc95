package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/internal/storage"
)

// markerSourceEngine tags markers written by Sync so they can be cleared
// once their condition goes away. Escalation markers are left for a human.
const markerSourceEngine = "engine"

// MarkerStore keeps one Markdown file per open alert under Alerts/. It
// implements core.AlertSink.
type MarkerStore struct {
	vault    string
	dir      string
	dryRun   bool
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

var _ core.AlertSink = (*MarkerStore)(nil)

// NewMarkerStore creates a marker store in <vault>/Alerts. notifier may be
// nil; when set, every newly raised alert is also sent there.
func NewMarkerStore(vault string, dryRun bool, notifier Notifier, logger zerolog.Logger) *MarkerStore {
	return &MarkerStore{
		vault:    vault,
		dir:      filepath.Join(vault, storage.AlertsDir),
		dryRun:   dryRun,
		notifier: notifier,
		log:      logger.With().Str("cmp", "alerts").Logger(),
		now:      time.Now,
	}
}

// Dir returns the marker directory.
func (m *MarkerStore) Dir() string { return m.dir }

// Notices links each alert to its marker in this vault.
func (m *MarkerStore) Notices(alerts []Alert) []Notice { return NewNotices(m.vault, alerts) }

// Raise writes Alerts/<id>.md unless it already exists. data may name the
// condition and the item's stage.
func (m *MarkerStore) Raise(id, severity, message string, data map[string]string) error {
	_, err := m.raise(Alert{
		ID:          id,
		Condition:   data["condition"],
		Severity:    AlertSeverity(severity),
		Message:     message,
		TriggeredAt: m.now().UTC(),
		ItemID:      data["item_id"],
		Data:        data,
	}, "")
	return err
}

// raise reports whether a new marker was written.
func (m *MarkerStore) raise(a Alert, source string) (bool, error) {
	id := storage.SanitizeID(a.ID)
	path := filepath.Join(m.dir, id+".md")
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if m.dryRun {
		m.log.Info().Str("alert", id).Msg("[dry run] would raise alert")
		return false, nil
	}

	meta := map[string]string{
		"id":        id,
		"type":      "alert",
		"severity":  string(a.Severity),
		"condition": a.Condition,
		"raised_at": a.TriggeredAt.UTC().Format(time.RFC3339),
		"item_id":   a.ItemID,
		"source":    source,
	}
	for k, v := range a.Data {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	var body strings.Builder
	fmt.Fprintf(&body, "# Alert: %s\n\n%s\n", id, a.Message)
	if a.ItemID != "" {
		fmt.Fprintf(&body, "\nItem: [[%s]]", a.ItemID)
		if st := a.Data["stage"]; st != "" {
			fmt.Fprintf(&body, " in %s", st)
		}
		body.WriteString("\n")
	}
	body.WriteString("\nDelete this file once the alert has been handled.\n")

	content, err := storage.RenderFrontmatter(meta, body.String())
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return false, fmt.Errorf("creating alerts directory: %w", err)
	}
	if err := storage.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("writing alert %s: %w", id, err)
	}
	m.log.Warn().Str("alert", id).Str("severity", string(a.Severity)).Msg(a.Message)

	if m.notifier != nil {
		if err := m.notifier.Notify(m.Notices([]Alert{a})); err != nil {
			m.log.Warn().Err(err).Str("alert", id).Msg("sending notification")
		}
	}
	return true, nil
}

// List reads every marker in the Alerts folder, newest first.
func (m *MarkerStore) List() ([]Alert, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading alerts: %w", err)
	}

	var alerts []Alert
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		meta, body, err := storage.ParseFrontmatter(string(data))
		if err != nil {
			continue
		}
		a := Alert{
			ID:        strings.TrimSuffix(e.Name(), ".md"),
			Condition: meta["condition"],
			Severity:  AlertSeverity(meta["severity"]),
			ItemID:    meta["item_id"],
			Message:   markerMessage(body),
			Data:      map[string]string{"source": meta["source"]},
		}
		a.TriggeredAt, _ = time.Parse(time.RFC3339, meta["raised_at"])
		alerts = append(alerts, a)
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

func markerMessage(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}

// Clear removes a marker. Clearing a missing marker is not an error.
func (m *MarkerStore) Clear(id string) error {
	if m.dryRun {
		return nil
	}
	err := os.Remove(filepath.Join(m.dir, storage.SanitizeID(id)+".md"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing alert %s: %w", id, err)
	}
	return nil
}

// SyncReport lists what Sync changed.
type SyncReport struct {
	Raised  []string
	Cleared []string
}

// Sync writes markers for the evaluated alerts and clears engine markers
// whose condition no longer holds.
func (m *MarkerStore) Sync(alerts []Alert) (SyncReport, error) {
	var report SyncReport
	active := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		active[storage.SanitizeID(a.ID)] = true
		created, err := m.raise(a, markerSourceEngine)
		if err != nil {
			return report, err
		}
		if created {
			report.Raised = append(report.Raised, a.ID)
		}
	}

	if m.dryRun {
		return report, nil
	}
	existing, err := m.List()
	if err != nil {
		return report, err
	}
	for _, a := range existing {
		if a.Data["source"] != markerSourceEngine || active[a.ID] {
			continue
		}
		if err := m.Clear(a.ID); err != nil {
			return report, err
		}
		report.Cleared = append(report.Cleared, a.ID)
	}
	return report, nil
}
