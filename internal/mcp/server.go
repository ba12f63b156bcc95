// Package mcp provides an MCP (Model Context Protocol) server that exposes
// the vault mailbox as MCP tools, so an actor can claim and resolve items
// without shelling out to fte.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/internal/observability"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// Server wraps the mailbox services and exposes them as MCP tools.
type Server struct {
	server      *gomcp.Server
	queue       core.ClaimQueue
	dashboard   *core.Dashboard
	metricsCalc observability.MetricsCalculator
	alertEngine observability.AlertEngine
}

// NewServer creates a new MCP server over the claim queue. dashboard,
// metricsCalc and alertEngine may be nil.
func NewServer(queue core.ClaimQueue, dashboard *core.Dashboard, metricsCalc observability.MetricsCalculator, alertEngine observability.AlertEngine, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{
		queue:       queue,
		dashboard:   dashboard,
		metricsCalc: metricsCalc,
		alertEngine: alertEngine,
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "fte", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run serves MCP over stdio until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type itemOutput struct {
	ID       string            `json:"id"`
	Stage    string            `json:"stage"`
	Owner    string            `json:"owner,omitempty"`
	Category string            `json:"category,omitempty"`
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Body     string            `json:"body,omitempty"`
}

type listItemsInput struct {
	Stage string `json:"stage,omitempty" jsonschema:"stage to list (Needs_Action, In_Progress, Pending_Approval, Approved, Rejected, Done, Quarantine). Defaults to Needs_Action."`
	Owner string `json:"owner,omitempty" jsonschema:"only In_Progress items held by this owner"`
}

type listItemsOutput struct {
	Items []itemOutput `json:"items"`
	Count int          `json:"count"`
}

type getItemInput struct {
	ID string `json:"id" jsonschema:"required,the item id (the file name without .md)"`
}

type claimItemInput struct {
	ID    string `json:"id" jsonschema:"required,the item id to claim"`
	Owner string `json:"owner" jsonschema:"required,the claiming owner; becomes the In_Progress sub-folder"`
}

type claimItemOutput struct {
	Result string     `json:"result"`
	Item   itemOutput `json:"item"`
}

type releaseItemInput struct {
	ID    string `json:"id" jsonschema:"required,the claimed item id"`
	Owner string `json:"owner" jsonschema:"required,the owner releasing the claim"`
}

type resolveItemInput struct {
	ID      string `json:"id" jsonschema:"required,the claimed item id"`
	Owner   string `json:"owner" jsonschema:"required,the owner holding the claim"`
	Outcome string `json:"outcome" jsonschema:"required,completed, approved or rejected"`
	Note    string `json:"note,omitempty" jsonschema:"a short note recorded on the item"`
}

type moveOutput struct {
	Message string     `json:"message"`
	Item    itemOutput `json:"item"`
}

type getStatusInput struct{}

type statusOutput struct {
	Counts          map[string]int `json:"counts"`
	Total           int            `json:"total"`
	DryRun          bool           `json:"dry_run"`
	Owners          map[string]int `json:"owners,omitempty"`
	OverdueApproval []string       `json:"overdue_approvals,omitempty"`
	GeneratedAt     string         `json:"generated_at"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 30d, 24h). Defaults to 7d."`
}

type metricsOutput struct {
	ItemsCreated    int            `json:"items_created"`
	ItemsClaimed    int            `json:"items_claimed"`
	ItemsCompleted  int            `json:"items_completed"`
	Quarantined     int            `json:"quarantined"`
	Conflicts       int            `json:"conflicts"`
	Escalations     int            `json:"escalations"`
	DriverRuns      int            `json:"driver_runs"`
	RunsByStatus    map[string]int `json:"runs_by_status"`
	TransitionsByTo map[string]int `json:"transitions_by_to"`
	MedianCycleTime string         `json:"median_cycle_time,omitempty"`
	EventCount      int            `json:"event_count"`
	OldestEvent     string         `json:"oldest_event,omitempty"`
	NewestEvent     string         `json:"newest_event,omitempty"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	ItemID      string `json:"item_id,omitempty"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_items",
		Description: "List items in one stage of the vault. Defaults to Needs_Action.",
	}, s.handleListItems)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_item",
		Description: "Read one item by id, including its stage, owner, front matter and body.",
	}, s.handleGetItem)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "claim_item",
		Description: "Claim a Needs_Action item for an owner. Returns already_claimed if someone else won the race.",
	}, s.handleClaimItem)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "release_item",
		Description: "Hand a claimed item back to Needs_Action without resolving it.",
	}, s.handleReleaseItem)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "resolve_item",
		Description: "Finish a claimed item. completed goes to Done or Pending_Approval per the handbook rules; rejected goes to Rejected.",
	}, s.handleResolveItem)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_status",
		Description: "Count items per stage and list overdue approvals.",
	}, s.handleGetStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get aggregated metrics from the audit log: items created, claimed, completed, conflicts and driver runs.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate and return active alerts (stale claims, overdue approvals, backlog and quarantine size, aborted runs).",
	}, s.handleGetAlerts)
}

// --- Tool handlers ---

func (s *Server) handleListItems(_ context.Context, _ *gomcp.CallToolRequest, input listItemsInput) (*gomcp.CallToolResult, listItemsOutput, error) {
	stage := models.StageNeedsAction
	if input.Stage != "" {
		st, ok := models.ParseStage(input.Stage)
		if !ok {
			return errorResult(fmt.Sprintf("unknown stage %q", input.Stage)), listItemsOutput{}, nil
		}
		stage = st
	}

	handles, err := s.queue.Store().List(stage)
	if err != nil {
		return errorResult(fmt.Sprintf("listing %s: %s", stage, err)), listItemsOutput{}, nil
	}

	out := listItemsOutput{Items: make([]itemOutput, 0, len(handles))}
	for _, h := range handles {
		if input.Owner != "" && h.Owner != input.Owner {
			continue
		}
		out.Items = append(out.Items, handleToOutput(h))
	}
	out.Count = len(out.Items)
	return nil, out, nil
}

func (s *Server) handleGetItem(_ context.Context, _ *gomcp.CallToolRequest, input getItemInput) (*gomcp.CallToolResult, itemOutput, error) {
	if input.ID == "" {
		return errorResult("id is required"), itemOutput{}, nil
	}

	store := s.queue.Store()
	h, err := store.Find(input.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("finding %s: %s", input.ID, err)), itemOutput{}, nil
	}
	item, err := store.Read(h.Path)
	if err != nil {
		return errorResult(fmt.Sprintf("reading %s: %s", input.ID, err)), itemOutput{}, nil
	}
	return nil, itemToOutput(item), nil
}

func (s *Server) handleClaimItem(_ context.Context, _ *gomcp.CallToolRequest, input claimItemInput) (*gomcp.CallToolResult, claimItemOutput, error) {
	if input.ID == "" || input.Owner == "" {
		return errorResult("id and owner are required"), claimItemOutput{}, nil
	}

	result, h, err := s.queue.Claim(input.ID, input.Owner)
	if err != nil {
		return errorResult(err.Error()), claimItemOutput{}, nil
	}
	return nil, claimItemOutput{Result: string(result), Item: handleToOutput(h)}, nil
}

func (s *Server) handleReleaseItem(_ context.Context, _ *gomcp.CallToolRequest, input releaseItemInput) (*gomcp.CallToolResult, moveOutput, error) {
	if input.ID == "" || input.Owner == "" {
		return errorResult("id and owner are required"), moveOutput{}, nil
	}
	if res := s.checkOwner(input.ID, input.Owner); res != nil {
		return res, moveOutput{}, nil
	}

	h, err := s.queue.Release(input.ID, input.Owner)
	if err != nil {
		return errorResult(err.Error()), moveOutput{}, nil
	}
	return nil, moveOutput{Message: fmt.Sprintf("%s released", input.ID), Item: handleToOutput(h)}, nil
}

func (s *Server) handleResolveItem(_ context.Context, _ *gomcp.CallToolRequest, input resolveItemInput) (*gomcp.CallToolResult, moveOutput, error) {
	if input.ID == "" || input.Owner == "" {
		return errorResult("id and owner are required"), moveOutput{}, nil
	}

	outcome := models.Outcome(input.Outcome)
	switch outcome {
	case models.OutcomeCompleted, models.OutcomeApproved, models.OutcomeRejected:
	default:
		return errorResult(fmt.Sprintf("invalid outcome %q: must be one of completed, approved, rejected", input.Outcome)), moveOutput{}, nil
	}

	h, err := s.queue.Resolve(input.ID, input.Owner, outcome, input.Note)
	if err != nil {
		if errors.Is(err, core.ErrNotOwner) {
			return errorResult(fmt.Sprintf("%s is not held by %s", input.ID, input.Owner)), moveOutput{}, nil
		}
		return errorResult(err.Error()), moveOutput{}, nil
	}
	return nil, moveOutput{Message: fmt.Sprintf("%s moved to %s", input.ID, h.Stage), Item: handleToOutput(h)}, nil
}

func (s *Server) handleGetStatus(_ context.Context, _ *gomcp.CallToolRequest, _ getStatusInput) (*gomcp.CallToolResult, statusOutput, error) {
	dash := s.dashboard
	if dash == nil {
		dash = core.NewDashboard(s.queue.Store(), core.DashboardOptions{DryRun: s.queue.DryRun()})
	}
	summary, err := dash.Summarize()
	if err != nil {
		return errorResult(fmt.Sprintf("summarizing vault: %s", err)), statusOutput{}, nil
	}

	out := statusOutput{
		Counts:      make(map[string]int, len(summary.Counts)),
		Total:       summary.Total(),
		DryRun:      summary.DryRun,
		Owners:      summary.Owners,
		GeneratedAt: summary.GeneratedAt.Format(time.RFC3339),
	}
	for st, n := range summary.Counts {
		out.Counts[string(st)] = n
	}
	for _, e := range summary.PendingApproval {
		if e.Overdue {
			out.OverdueApproval = append(out.OverdueApproval, e.ID)
		}
	}
	return nil, out, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.metricsCalc == nil {
		return errorResult("metrics calculator not available (the audit log may be disabled)"), emptyMetricsOutput(), nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}

	sinceTime, err := ParseSince(sinceStr, time.Now())
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), emptyMetricsOutput(), nil
	}

	metrics, err := s.metricsCalc.Calculate(sinceTime)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), emptyMetricsOutput(), nil
	}

	out := metricsOutput{
		ItemsCreated:    metrics.ItemsCreated,
		ItemsClaimed:    metrics.ItemsClaimed,
		ItemsCompleted:  metrics.ItemsCompleted,
		Quarantined:     metrics.Quarantined,
		Conflicts:       metrics.Conflicts,
		Escalations:     metrics.Escalations,
		DriverRuns:      metrics.DriverRuns,
		RunsByStatus:    metrics.RunsByStatus,
		TransitionsByTo: metrics.TransitionsByTo,
		EventCount:      metrics.EventCount,
	}
	if metrics.MedianCycleTime > 0 {
		out.MedianCycleTime = metrics.MedianCycleTime.String()
	}
	if metrics.OldestEvent != nil {
		out.OldestEvent = metrics.OldestEvent.Format(time.RFC3339)
	}
	if metrics.NewestEvent != nil {
		out.NewestEvent = metrics.NewestEvent.Format(time.RFC3339)
	}

	return nil, out, nil
}

func (s *Server) handleGetAlerts(_ context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.alertEngine == nil {
		return errorResult("alert engine not available"), getAlertsOutput{}, nil
	}

	alerts, err := s.alertEngine.Evaluate()
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{}, nil
	}

	out := getAlertsOutput{
		Alerts: make([]alertOutput, len(alerts)),
		Count:  len(alerts),
	}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			ItemID:      a.ItemID,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}

	return nil, out, nil
}

// --- Helpers ---

// checkOwner refuses to let one owner release another's claim.
func (s *Server) checkOwner(id, owner string) *gomcp.CallToolResult {
	h, err := s.queue.Store().Find(id)
	if err != nil {
		return errorResult(fmt.Sprintf("finding %s: %s", id, err))
	}
	if h.Stage == models.StageInProgress && h.Owner != owner {
		return errorResult(fmt.Sprintf("%s is held by %s, not %s", id, h.Owner, owner))
	}
	return nil
}

func handleToOutput(h models.Handle) itemOutput {
	return itemOutput{
		ID:       h.ID,
		Stage:    string(h.Stage),
		Owner:    h.Owner,
		Category: h.Category,
		Path:     h.Path,
	}
}

func itemToOutput(it *models.Item) itemOutput {
	out := handleToOutput(it.Handle())
	out.Metadata = make(map[string]string, len(it.Metadata))
	keys := make([]string, 0, len(it.Metadata))
	for k := range it.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Metadata[k] = it.Metadata[k]
	}
	out.Body = it.Body
	return out
}

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		RunsByStatus:    make(map[string]int),
		TransitionsByTo: make(map[string]int),
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// ParseSince parses a human-friendly duration string like "7d", "30d", or
// "24h" into the corresponding time before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	now = now.UTC()

	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d or h)", string(suffix))
	}
}
