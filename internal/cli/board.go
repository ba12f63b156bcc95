package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// Board panel indices.
const (
	panelStages = iota
	panelQueue
	panelMetrics
	panelAlerts
	panelCount
)

const boardRefresh = 5 * time.Second

type boardModel struct {
	activePanel int
	width       int
	height      int

	// Data.
	stageCounts map[models.Stage]int
	queue       []queueSnapshot
	metricsData *metricsSnapshot
	alerts      []alertSnapshot
	dryRun      bool

	// State.
	loading bool
	err     error
}

type queueSnapshot struct {
	id      string
	stage   models.Stage
	owner   string
	age     string
	overdue bool
}

type metricsSnapshot struct {
	created   int
	claimed   int
	completed int
	conflicts int
	cycleTime time.Duration
	events    int
}

type alertSnapshot struct {
	severity string
	message  string
	time     string
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	stageCounts map[models.Stage]int
	queue       []queueSnapshot
	metrics     *metricsSnapshot
	alerts      []alertSnapshot
	err         error
}

type refreshTickMsg struct{}

// Style definitions.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	dryRunStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("226")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)

	activePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(1, 2)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	stageInbox      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stageNeeds      = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	stageInProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	stageApproval   = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	stageDone       = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	stageRejected   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	stageQuarantine = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	severityHigh   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityMedium = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	severityLow    = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newBoardModel(dryRun bool) boardModel {
	return boardModel{
		activePanel: panelStages,
		loading:     true,
		stageCounts: make(map[models.Stage]int),
		dryRun:      dryRun,
	}
}

func (m boardModel) Init() tea.Cmd {
	return tea.Batch(loadBoardData, scheduleRefresh())
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(boardRefresh, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

func (m boardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
			return m, nil
		case "r":
			m.loading = true
			return m, loadBoardData
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case refreshTickMsg:
		return m, tea.Batch(loadBoardData, scheduleRefresh())

	case dataLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.stageCounts = msg.stageCounts
		m.queue = msg.queue
		m.metricsData = msg.metrics
		m.alerts = msg.alerts
		m.err = nil
		return m, nil
	}

	return m, nil
}

func (m boardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := titleStyle.Render(" Digital FTE ")
	if m.dryRun {
		title += " " + dryRunStyle.Render("DRY RUN")
	}
	help := helpStyle.Render("tab: switch panel | r: refresh | q: quit")

	if m.loading && len(m.stageCounts) == 0 {
		return fmt.Sprintf("%s\n\n  Loading vault...\n\n%s", title, help)
	}

	if m.err != nil {
		return fmt.Sprintf("%s\n\n  Error: %s\n\n%s", title, m.err, help)
	}

	panels := []string{
		m.renderStagesPanel(),
		m.renderQueuePanel(),
		m.renderMetricsPanel(),
		m.renderAlertsPanel(),
	}

	availableWidth := m.width - 2

	var body string
	if availableWidth > 120 {
		// Two rows of two columns.
		colWidth := availableWidth / 2
		for i := range panels {
			panels[i] = m.applyPanelStyle(i, panels[i], colWidth-4)
		}
		top := lipgloss.JoinHorizontal(lipgloss.Top, panels[panelStages], panels[panelQueue])
		bottom := lipgloss.JoinHorizontal(lipgloss.Top, panels[panelMetrics], panels[panelAlerts])
		body = lipgloss.JoinVertical(lipgloss.Left, top, bottom)
	} else {
		panelWidth := availableWidth - 4
		if panelWidth < 20 {
			panelWidth = 20
		}
		for i := range panels {
			panels[i] = m.applyPanelStyle(i, panels[i], panelWidth)
		}
		body = lipgloss.JoinVertical(lipgloss.Left, panels...)
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, body, help)
}

func (m boardModel) applyPanelStyle(panel int, content string, width int) string {
	style := panelStyle
	if m.activePanel == panel {
		style = activePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m boardModel) renderStagesPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Stages"))
	b.WriteString("\n")

	total := 0
	for _, stage := range models.AllStages {
		count := m.stageCounts[stage]
		total += count
		label := fmt.Sprintf("  %-18s %d", stage, count)
		b.WriteString(styleForStage(stage).Render(label))
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("\n  Total: %d", total))

	return b.String()
}

func (m boardModel) renderQueuePanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Attention"))
	b.WriteString("\n")

	if len(m.queue) == 0 {
		b.WriteString("  Nothing waiting.")
		return b.String()
	}

	for _, q := range m.queue {
		line := fmt.Sprintf("  %-28s %-16s %5s", truncate(q.id, 28), shortStage(q.stage, q.owner), q.age)
		style := styleForStage(q.stage)
		if q.overdue {
			line += "  overdue"
			style = severityHigh
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return b.String()
}

func (m boardModel) renderMetricsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Metrics (7d)"))
	b.WriteString("\n")

	if m.metricsData == nil {
		b.WriteString("  No metrics available.")
		return b.String()
	}

	md := m.metricsData
	lines := []struct {
		label string
		value string
	}{
		{"Events", fmt.Sprint(md.events)},
		{"Created", fmt.Sprint(md.created)},
		{"Claimed", fmt.Sprint(md.claimed)},
		{"Completed", fmt.Sprint(md.completed)},
		{"Conflicts", fmt.Sprint(md.conflicts)},
		{"Cycle time", core.FormatAge(md.cycleTime)},
	}

	for _, l := range lines {
		b.WriteString(fmt.Sprintf("  %-14s %s\n", l.label, l.value))
	}

	return b.String()
}

func (m boardModel) renderAlertsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Alerts"))
	b.WriteString("\n")

	if len(m.alerts) == 0 {
		b.WriteString("  No active alerts.")
		return b.String()
	}

	for _, a := range m.alerts {
		sev := styleForSeverity(a.severity).Render(fmt.Sprintf("[%s]", strings.ToUpper(a.severity)))
		b.WriteString(fmt.Sprintf("  %s %s\n", sev, a.message))
	}

	b.WriteString(fmt.Sprintf("\n  Total: %d alert(s)", len(m.alerts)))

	return b.String()
}

func shortStage(stage models.Stage, owner string) string {
	if stage == models.StageInProgress && owner != "" {
		return "@" + owner
	}
	switch stage {
	case models.StageNeedsAction:
		return "needs action"
	case models.StagePendingApproval:
		return "approval"
	default:
		return strings.ToLower(string(stage))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func styleForStage(stage models.Stage) lipgloss.Style {
	switch stage {
	case models.StageInbox:
		return stageInbox
	case models.StageNeedsAction:
		return stageNeeds
	case models.StageInProgress:
		return stageInProgress
	case models.StagePendingApproval, models.StageApproved:
		return stageApproval
	case models.StageDone:
		return stageDone
	case models.StageRejected:
		return stageRejected
	case models.StageQuarantine:
		return stageQuarantine
	default:
		return lipgloss.NewStyle()
	}
}

func styleForSeverity(severity string) lipgloss.Style {
	switch strings.ToLower(severity) {
	case "high":
		return severityHigh
	case "medium":
		return severityMedium
	case "low":
		return severityLow
	default:
		return lipgloss.NewStyle()
	}
}

// boardQueueSize caps the Attention panel.
const boardQueueSize = 8

func loadBoardData() tea.Msg {
	result := dataLoadedMsg{
		stageCounts: make(map[models.Stage]int),
	}

	if Dashboard != nil {
		s, err := Dashboard.Summarize()
		if err != nil {
			result.err = fmt.Errorf("loading vault: %w", err)
			return result
		}
		for stage, n := range s.Counts {
			result.stageCounts[stage] = n
		}
		// Overdue approvals first, then stale claims, then the backlog.
		for _, e := range s.PendingApproval {
			result.queue = append(result.queue, queueFromEntry(e, models.StagePendingApproval))
		}
		for _, e := range s.InProgress {
			result.queue = append(result.queue, queueFromEntry(e, models.StageInProgress))
		}
		for _, e := range s.NeedsAction {
			result.queue = append(result.queue, queueFromEntry(e, models.StageNeedsAction))
		}
		sort.SliceStable(result.queue, func(i, j int) bool {
			return result.queue[i].overdue && !result.queue[j].overdue
		})
		if len(result.queue) > boardQueueSize {
			result.queue = result.queue[:boardQueueSize]
		}
	}

	if MetricsCalc != nil {
		since := time.Now().UTC().AddDate(0, 0, -7)
		metrics, err := MetricsCalc.Calculate(since)
		if err != nil {
			result.err = fmt.Errorf("loading metrics: %w", err)
			return result
		}
		result.metrics = &metricsSnapshot{
			created:   metrics.ItemsCreated,
			claimed:   metrics.ItemsClaimed,
			completed: metrics.ItemsCompleted,
			conflicts: metrics.Conflicts,
			cycleTime: metrics.MedianCycleTime,
			events:    metrics.EventCount,
		}
	}

	if AlertEngine != nil {
		alerts, err := AlertEngine.Evaluate()
		if err != nil {
			result.err = fmt.Errorf("loading alerts: %w", err)
			return result
		}
		result.alerts = make([]alertSnapshot, 0, len(alerts))
		for _, a := range alerts {
			result.alerts = append(result.alerts, alertSnapshot{
				severity: string(a.Severity),
				message:  a.Message,
				time:     a.TriggeredAt.Format("2006-01-02 15:04 UTC"),
			})
		}
	}

	return result
}

func queueFromEntry(e core.DashboardEntry, stage models.Stage) queueSnapshot {
	return queueSnapshot{
		id:      e.ID,
		stage:   stage,
		owner:   e.Owner,
		age:     core.FormatAge(e.Age),
		overdue: e.Overdue,
	}
}

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Interactive TUI showing the vault, metrics and alerts",
	Long: `Launch an interactive terminal board showing stage counts, items that need
attention, metrics, and alerts. The board refreshes every few seconds.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Dashboard == nil {
			return fmt.Errorf("vault not initialized")
		}
		dry := Config != nil && Config.DryRun
		p := tea.NewProgram(newBoardModel(dry), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(boardCmd)
}
