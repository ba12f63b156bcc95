package core

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// recentDoneLimit caps the "Recently done" section.
const recentDoneLimit = 10

// DashboardEntry is one item row on the dashboard.
type DashboardEntry struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Category  string        `json:"category,omitempty"`
	Owner     string        `json:"owner,omitempty"`
	Priority  string        `json:"priority"`
	Amount    string        `json:"amount,omitempty"`
	Age       time.Duration `json:"age"`
	Expiry    time.Time     `json:"expiry,omitempty"`
	Rule      string        `json:"rule,omitempty"`
	Overdue   bool          `json:"overdue,omitempty"`
	Escalated bool          `json:"escalated,omitempty"`
}

// Summary is a point-in-time view of the vault.
type Summary struct {
	GeneratedAt     time.Time            `json:"generated_at"`
	DryRun          bool                 `json:"dry_run"`
	Counts          map[models.Stage]int `json:"counts"`
	Malformed       int                  `json:"malformed"`
	NeedsAction     []DashboardEntry     `json:"needs_action"`
	InProgress      []DashboardEntry     `json:"in_progress"`
	PendingApproval []DashboardEntry     `json:"pending_approval"`
	RecentDone      []DashboardEntry     `json:"recent_done"`
	Owners          map[string]int       `json:"owners,omitempty"`
	Categories      map[string]int       `json:"categories,omitempty"`
}

// Total returns the number of items across all stages.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// DashboardOptions configures a Dashboard.
type DashboardOptions struct {
	DryRun bool
	Logger zerolog.Logger
	Now    func() time.Time
}

// Dashboard aggregates the vault into Dashboard.md. It assumes a single
// writer; concurrent renders are last-write-wins. The file is a report and
// is never read back as a source of truth.
type Dashboard struct {
	store storage.ItemStore
	opts  DashboardOptions
	log   zerolog.Logger
}

// NewDashboard creates a Dashboard over the store.
func NewDashboard(store storage.ItemStore, opts DashboardOptions) *Dashboard {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dashboard{store: store, opts: opts, log: opts.Logger.With().Str("cmp", "dashboard").Logger()}
}

// Path returns the dashboard file location.
func (d *Dashboard) Path() string {
	return filepath.Join(d.store.Root(), storage.DashboardMD)
}

// Summarize scans every stage without writing anything.
func (d *Dashboard) Summarize() (Summary, error) {
	now := d.opts.Now().UTC().Truncate(time.Second)
	s := Summary{
		GeneratedAt: now,
		DryRun:      d.opts.DryRun,
		Counts:      make(map[models.Stage]int, len(models.AllStages)),
		Owners:      make(map[string]int),
		Categories:  make(map[string]int),
	}

	for _, stage := range models.AllStages {
		handles, err := d.store.List(stage)
		if err != nil {
			return s, fmt.Errorf("summarizing %s: %w", stage, err)
		}
		s.Counts[stage] = len(handles)

		for _, h := range handles {
			if stage == models.StageInProgress {
				s.Owners[h.Owner]++
			}
			if h.Category != "" {
				s.Categories[h.Category]++
			}
			switch stage {
			case models.StageNeedsAction, models.StageInProgress, models.StagePendingApproval, models.StageDone:
			default:
				continue
			}

			item, err := d.store.Read(h.Path)
			if err != nil {
				// Moved away mid-scan or malformed; the count stands.
				s.Malformed++
				continue
			}
			e := entryFor(item, now)
			switch stage {
			case models.StageNeedsAction:
				s.NeedsAction = append(s.NeedsAction, e)
			case models.StageInProgress:
				s.InProgress = append(s.InProgress, e)
			case models.StagePendingApproval:
				s.PendingApproval = append(s.PendingApproval, e)
			case models.StageDone:
				e.Age = now.Sub(item.ResolvedAt())
				if item.ResolvedAt().IsZero() {
					e.Age = 0
				}
				s.RecentDone = append(s.RecentDone, e)
			}
		}
	}

	sortByUrgency(s.NeedsAction)
	sortByUrgency(s.InProgress)
	sort.SliceStable(s.PendingApproval, func(i, j int) bool {
		a, b := s.PendingApproval[i], s.PendingApproval[j]
		if a.Overdue != b.Overdue {
			return a.Overdue
		}
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		return a.ID < b.ID
	})
	sort.SliceStable(s.RecentDone, func(i, j int) bool {
		if s.RecentDone[i].Age != s.RecentDone[j].Age {
			return s.RecentDone[i].Age < s.RecentDone[j].Age
		}
		return s.RecentDone[i].ID < s.RecentDone[j].ID
	})
	if len(s.RecentDone) > recentDoneLimit {
		s.RecentDone = s.RecentDone[:recentDoneLimit]
	}
	return s, nil
}

func entryFor(item *models.Item, now time.Time) DashboardEntry {
	e := DashboardEntry{
		ID:       item.ID,
		Title:    itemTitle(item),
		Category: item.Get(models.MetaCategory),
		Owner:    item.Owner,
		Priority: string(item.Priority()),
		Amount:   item.Get(models.MetaAmount),
		Rule:     item.Get("approval_rule"),
		Expiry:   item.Expiry(),
	}
	if e.Category == "" {
		e.Category = item.Category
	}

	since := item.CreatedAt()
	if item.Stage == models.StageInProgress && !item.ClaimedAt().IsZero() {
		since = item.ClaimedAt()
	}
	if !since.IsZero() && now.After(since) {
		e.Age = now.Sub(since)
	}
	if !e.Expiry.IsZero() && now.After(e.Expiry) {
		e.Overdue = true
	}
	e.Escalated = item.Get(models.MetaEscalated) != ""
	return e
}

// itemTitle picks a human label: subject, original name, then first heading.
func itemTitle(item *models.Item) string {
	for _, k := range []string{"subject", "original_name", "title"} {
		if v := item.Get(k); v != "" {
			return v
		}
	}
	for _, line := range strings.Split(item.Body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

func sortByUrgency(entries []DashboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := models.Priority(entries[i].Priority).Rank(), models.Priority(entries[j].Priority).Rank()
		if a != b {
			return a < b
		}
		if entries[i].Age != entries[j].Age {
			return entries[i].Age > entries[j].Age
		}
		return entries[i].ID < entries[j].ID
	})
}

// Render summarizes the vault and writes Dashboard.md atomically. In dry
// run the summary is returned but nothing is written.
func (d *Dashboard) Render() (Summary, error) {
	s, err := d.Summarize()
	if err != nil {
		return s, err
	}
	content, err := RenderDashboard(s)
	if err != nil {
		return s, err
	}
	if d.opts.DryRun {
		d.log.Info().Int("items", s.Total()).Msg("[dry run] would update dashboard")
		return s, nil
	}
	if err := storage.WriteFileAtomic(d.Path(), []byte(content), 0o644); err != nil {
		return s, fmt.Errorf("writing dashboard: %w", err)
	}
	d.log.Debug().Int("items", s.Total()).Msg("dashboard updated")
	return s, nil
}

// RenderDashboard formats a summary as Markdown. The output depends only on
// the summary, so the same vault state always renders the same bytes.
func RenderDashboard(s Summary) (string, error) {
	mode := "production"
	if s.DryRun {
		mode = "dry_run"
	}
	meta := map[string]string{
		"last_updated": s.GeneratedAt.Format(time.RFC3339),
		"mode":         mode,
		"total_items":  fmt.Sprint(s.Total()),
	}

	var b strings.Builder
	b.WriteString("# Digital FTE Dashboard\n\n")
	fmt.Fprintf(&b, "_Last updated %s (%s mode)._\n\n", s.GeneratedAt.Format("2006-01-02 15:04 MST"), strings.ReplaceAll(mode, "_", " "))

	b.WriteString("## Summary\n\n| Stage | Items |\n|---|---|\n")
	for _, st := range models.AllStages {
		fmt.Fprintf(&b, "| %s | %d |\n", strings.ReplaceAll(string(st), "_", " "), s.Counts[st])
	}
	if s.Malformed > 0 {
		fmt.Fprintf(&b, "\n%d item(s) could not be read and were left out of the lists below.\n", s.Malformed)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Needs Action (%d)\n\n", len(s.NeedsAction))
	if len(s.NeedsAction) == 0 {
		b.WriteString("_Nothing waiting._\n\n")
	} else {
		b.WriteString("| Item | Priority | Category | Amount | Age |\n|---|---|---|---|---|\n")
		for _, e := range s.NeedsAction {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", linkFor(e), e.Priority, dash(e.Category), dash(e.Amount), FormatAge(e.Age))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## In Progress (%d)\n\n", len(s.InProgress))
	if len(s.InProgress) == 0 {
		b.WriteString("_No claimed items._\n\n")
	} else {
		b.WriteString("| Item | Owner | Priority | Claimed for |\n|---|---|---|---|\n")
		for _, e := range s.InProgress {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", linkFor(e), dash(e.Owner), e.Priority, FormatAge(e.Age))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Pending Approval (%d)\n\n", len(s.PendingApproval))
	if len(s.PendingApproval) == 0 {
		b.WriteString("_No approvals waiting._\n\n")
	} else {
		b.WriteString("| Item | Amount | Rule | Expires | Status |\n|---|---|---|---|---|\n")
		for _, e := range s.PendingApproval {
			status := "waiting"
			switch {
			case e.Escalated:
				status = "**escalated**"
			case e.Overdue:
				status = "**overdue**"
			}
			expires := "-"
			if !e.Expiry.IsZero() {
				expires = e.Expiry.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", linkFor(e), dash(e.Amount), dash(e.Rule), expires, status)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recently Done\n\n")
	if len(s.RecentDone) == 0 {
		b.WriteString("_Nothing finished yet._\n")
	} else {
		for _, e := range s.RecentDone {
			fmt.Fprintf(&b, "- %s\n", linkFor(e))
		}
	}

	return storage.RenderFrontmatter(meta, b.String())
}

func linkFor(e DashboardEntry) string {
	if e.Title == "" {
		return "[[" + e.ID + "]]"
	}
	title := strings.NewReplacer("|", "/", "\n", " ").Replace(e.Title)
	return "[[" + e.ID + "]] " + title
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// FormatAge renders a duration the way humans skim it: 45s, 12m, 3h, 2d.
func FormatAge(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
