package core

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// fakeEventLogger records transitions and events in memory.
type fakeEventLogger struct {
	mu          sync.Mutex
	transitions []Transition
	events      []string
}

func (f *fakeEventLogger) LogTransition(t Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, t)
	return nil
}

func (f *fakeEventLogger) LogEvent(eventType string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeEventLogger) outcomes(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.transitions {
		if t.ItemID == id {
			out = append(out, t.Outcome)
		}
	}
	return out
}

type raisedAlert struct {
	id, severity, message string
}

type fakeAlertSink struct {
	raised []raisedAlert
}

func (f *fakeAlertSink) Raise(id, severity, message string, data map[string]string) error {
	f.raised = append(f.raised, raisedAlert{id, severity, message})
	return nil
}

type queueFixture struct {
	store  storage.ItemStore
	queue  ClaimQueue
	events *fakeEventLogger
	alerts *fakeAlertSink
	now    time.Time
}

func newQueueFixture(t *testing.T, mutate func(*QueueOptions)) *queueFixture {
	t.Helper()
	f := &queueFixture{
		store:  storage.NewItemStore(t.TempDir()),
		events: &fakeEventLogger{},
		alerts: &fakeAlertSink{},
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	opts := QueueOptions{
		ApprovalTTL: 24 * time.Hour,
		OnExpiry:    models.ExpiryEscalate,
		EventLogger: f.events,
		Alerts:      f.alerts,
		Now:         func() time.Time { return f.now },
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.queue = NewClaimQueue(f.store, opts)
	return f
}

func (f *queueFixture) put(t *testing.T, id string, stage models.Stage, meta map[string]string) models.Handle {
	t.Helper()
	it := models.NewItem(id)
	for k, v := range meta {
		it.Set(k, v)
	}
	it.Category = meta[models.MetaCategory]
	it.Owner = meta[models.MetaClaimedBy]
	h, err := f.store.Write(it, stage)
	if err != nil {
		t.Fatalf("writing %s: %v", id, err)
	}
	return h
}

func (f *queueFixture) read(t *testing.T, id string) *models.Item {
	t.Helper()
	h, err := f.store.Find(id)
	if err != nil {
		t.Fatalf("finding %s: %v", id, err)
	}
	it, err := f.store.Read(h.Path)
	if err != nil {
		t.Fatalf("reading %s: %v", id, err)
	}
	return it
}

func TestClaim_SingleWinner(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "task-1", models.StageNeedsAction, map[string]string{models.MetaCategory: "Files"})

	res, h, err := f.queue.Claim("task-1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Claimed || h.Owner != "alice" {
		t.Fatalf("alice: got %s %+v", res, h)
	}

	res, _, err = f.queue.Claim("task-1", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != AlreadyClaimed {
		t.Fatalf("bob: expected AlreadyClaimed, got %s", res)
	}

	want := filepath.Join(f.store.Root(), "In_Progress", "alice", "task-1.md")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("claimed file missing at %s: %v", want, err)
	}

	it := f.read(t, "task-1")
	if !it.ClaimedAt().Equal(f.now) || it.Get(models.MetaClaimedBy) != "alice" {
		t.Errorf("claim timestamps not written: %v", it.Metadata)
	}
}

func TestClaim_ConcurrentClaimers(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "contested", models.StageNeedsAction, nil)

	owners := []string{"a1", "a2", "a3", "a4", "a5"}
	results := make(chan ClaimResult, len(owners))
	var wg sync.WaitGroup
	for _, o := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			res, _, err := f.queue.Claim("contested", owner)
			if err != nil {
				// A claimer that looked after the winner moved it sees it
				// in In_Progress, which is also AlreadyClaimed.
				t.Errorf("unexpected error: %v", err)
			}
			results <- res
		}(o)
	}
	wg.Wait()
	close(results)

	wins := 0
	for r := range results {
		if r == Claimed {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestClaim_InvalidOwnerAndStage(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "done-1", models.StageDone, nil)
	f.put(t, "na-1", models.StageNeedsAction, nil)

	if _, _, err := f.queue.Claim("na-1", "../evil"); err == nil {
		t.Error("expected error for invalid owner")
	}
	if _, _, err := f.queue.Claim("done-1", "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, _, err := f.queue.Claim("missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRelease_RestoresCategory(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "email-7", models.StageNeedsAction, map[string]string{models.MetaCategory: "Email"})
	if _, _, err := f.queue.Claim("email-7", "alice"); err != nil {
		t.Fatal(err)
	}

	h, err := f.queue.Release("email-7", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Stage != models.StageNeedsAction || h.Category != "Email" {
		t.Fatalf("unexpected handle: %+v", h)
	}
	it := f.read(t, "email-7")
	if it.Get(models.MetaClaimedAt) != "" || it.Get(models.MetaClaimedBy) != "" {
		t.Errorf("claim metadata not cleared: %v", it.Metadata)
	}
}

func TestResolve_ApprovalFlow(t *testing.T) {
	over := 100.0
	policy := NewPolicy(models.ApprovalPolicy{Rules: []models.ApprovalRule{
		{Name: "payments-over-100", Actions: []string{"payment"}, AmountOver: &over},
	}})
	f := newQueueFixture(t, func(o *QueueOptions) { o.Policy = policy })

	f.put(t, "pay-1", models.StageNeedsAction, map[string]string{
		models.MetaType:   "approval_request",
		models.MetaAction: "payment",
		models.MetaAmount: "500",
	})
	if _, _, err := f.queue.Claim("pay-1", "orchestrator"); err != nil {
		t.Fatal(err)
	}

	h, err := f.queue.Resolve("pay-1", "orchestrator", models.OutcomeCompleted, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Stage != models.StagePendingApproval {
		t.Fatalf("expected Pending_Approval, got %s", h.Stage)
	}
	it := f.read(t, "pay-1")
	if !it.Expiry().Equal(f.now.Add(24 * time.Hour)) {
		t.Errorf("expiry = %v, want now+24h", it.Expiry())
	}
	if it.Get("approval_rule") != "payments-over-100" {
		t.Errorf("approval rule not recorded: %v", it.Metadata)
	}

	if _, err := f.queue.Approve("pay-1", "human"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.queue.Complete("pay-1", "orchestrator"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	final := f.read(t, "pay-1")
	if final.Stage != models.StageDone || final.Get("approved_by") != "human" {
		t.Errorf("unexpected final state: stage=%s meta=%v", final.Stage, final.Metadata)
	}
}

func TestResolve_NoRuleGoesToDone(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "note-1", models.StageNeedsAction, map[string]string{models.MetaAmount: "5"})
	if _, _, err := f.queue.Claim("note-1", "orchestrator"); err != nil {
		t.Fatal(err)
	}
	h, err := f.queue.Resolve("note-1", "orchestrator", models.OutcomeCompleted, "filed")
	if err != nil {
		t.Fatal(err)
	}
	if h.Stage != models.StageDone {
		t.Fatalf("expected Done, got %s", h.Stage)
	}
	if got := f.read(t, "note-1").ResolvedAt(); !got.Equal(f.now) {
		t.Errorf("resolved_at = %v", got)
	}
}

func TestResolve_SelfApprovalForbiddenByAlwaysRule(t *testing.T) {
	policy := NewPolicy(models.ApprovalPolicy{Rules: []models.ApprovalRule{
		{Name: "new-payees", NewRecipient: true, Always: true},
	}, KnownRecipients: []string{"landlord@example.com"}})
	f := newQueueFixture(t, func(o *QueueOptions) { o.Policy = policy })

	f.put(t, "pay-new", models.StageNeedsAction, map[string]string{models.MetaRecipient: "stranger@example.com"})
	f.put(t, "pay-known", models.StageNeedsAction, map[string]string{models.MetaRecipient: "landlord@example.com"})
	for _, id := range []string{"pay-new", "pay-known"} {
		if _, _, err := f.queue.Claim(id, "orchestrator"); err != nil {
			t.Fatal(err)
		}
	}

	h, err := f.queue.Resolve("pay-new", "orchestrator", models.OutcomeApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if h.Stage != models.StagePendingApproval {
		t.Errorf("new recipient: expected Pending_Approval, got %s", h.Stage)
	}
	h, err = f.queue.Resolve("pay-known", "orchestrator", models.OutcomeApproved, "")
	if err != nil {
		t.Fatal(err)
	}
	if h.Stage != models.StageApproved {
		t.Errorf("known recipient: expected Approved, got %s", h.Stage)
	}
}

func TestResolve_NotOwner(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "x", models.StageNeedsAction, nil)
	if _, _, err := f.queue.Claim("x", "alice"); err != nil {
		t.Fatal(err)
	}
	_, err := f.queue.Resolve("x", "bob", models.OutcomeCompleted, "")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestApprove_InvalidTransition(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "y", models.StageNeedsAction, nil)
	if _, err := f.queue.Approve("y", "human"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReject(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "r", models.StagePendingApproval, map[string]string{models.MetaExpiry: "2026-03-02T00:00:00Z"})
	h, err := f.queue.Reject("r", "human", "too expensive")
	if err != nil {
		t.Fatal(err)
	}
	if h.Stage != models.StageRejected {
		t.Fatalf("expected Rejected, got %s", h.Stage)
	}
	if f.read(t, "r").Get("rejection_reason") != "too expensive" {
		t.Error("rejection reason not recorded")
	}
}

func TestSweepExpired_Escalate(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "late", models.StagePendingApproval, map[string]string{models.MetaExpiry: "2026-02-28T00:00:00Z"})
	f.put(t, "fresh", models.StagePendingApproval, map[string]string{models.MetaExpiry: "2026-03-05T00:00:00Z"})
	f.put(t, "unstamped", models.StagePendingApproval, nil)

	report, err := f.queue.SweepExpired()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Escalated) != 1 || report.Escalated[0] != "late" {
		t.Errorf("escalated = %v", report.Escalated)
	}
	if len(report.Stamped) != 1 || report.Stamped[0] != "unstamped" {
		t.Errorf("stamped = %v", report.Stamped)
	}
	if len(f.alerts.raised) != 1 || f.alerts.raised[0].id != "approval-expired-late" {
		t.Errorf("alerts = %+v", f.alerts.raised)
	}

	late := f.read(t, "late")
	if late.Stage != models.StagePendingApproval || late.Get(models.MetaEscalated) == "" {
		t.Errorf("escalated item should stay pending with escalated_at: %s %v", late.Stage, late.Metadata)
	}
	if got := f.read(t, "unstamped").Expiry(); !got.Equal(f.now.Add(24 * time.Hour)) {
		t.Errorf("unstamped expiry = %v", got)
	}

	// A second sweep must not raise the same alert again.
	if _, err := f.queue.SweepExpired(); err != nil {
		t.Fatal(err)
	}
	if len(f.alerts.raised) != 1 {
		t.Errorf("alert raised twice: %+v", f.alerts.raised)
	}
}

func TestSweepExpired_Requeue(t *testing.T) {
	f := newQueueFixture(t, func(o *QueueOptions) { o.OnExpiry = models.ExpiryRequeue })
	f.put(t, "late", models.StagePendingApproval, map[string]string{
		models.MetaExpiry:   "2026-02-28T00:00:00Z",
		models.MetaCategory: "Email",
	})

	report, err := f.queue.SweepExpired()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Requeued) != 1 {
		t.Fatalf("requeued = %v", report.Requeued)
	}
	it := f.read(t, "late")
	if it.Stage != models.StageNeedsAction || it.Category != "Email" {
		t.Errorf("expected Needs_Action/Email, got %s/%s", it.Stage, it.Category)
	}
	if it.Get(models.MetaExpiry) != "" {
		t.Error("expiry should be cleared on requeue")
	}
}

func TestReclaimStale(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "old", models.StageNeedsAction, nil)
	f.put(t, "new", models.StageNeedsAction, nil)
	if _, _, err := f.queue.Claim("old", "worker"); err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(2 * time.Hour)
	if _, _, err := f.queue.Claim("new", "worker"); err != nil {
		t.Fatal(err)
	}

	released, err := f.queue.ReclaimStale(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 1 || released[0].ID != "old" {
		t.Fatalf("released = %+v", released)
	}
	held, err := f.queue.Held("worker")
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 || held[0].ID != "new" {
		t.Errorf("held = %+v", held)
	}
}

func TestClaimBatch_PriorityOrderAndQuarantine(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "a-low", models.StageNeedsAction, map[string]string{models.MetaPriority: "low"})
	f.put(t, "b-critical", models.StageNeedsAction, map[string]string{models.MetaPriority: "critical"})
	f.put(t, "c-high", models.StageNeedsAction, map[string]string{models.MetaPriority: "high"})
	bad := filepath.Join(f.store.Root(), "Needs_Action", "broken.md")
	if err := os.WriteFile(bad, []byte("not front matter"), 0o644); err != nil {
		t.Fatal(err)
	}

	claimed, err := f.queue.ClaimBatch("orchestrator", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 || claimed[0].ID != "b-critical" || claimed[1].ID != "c-high" {
		t.Fatalf("claimed = %+v", claimed)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("malformed item should have been quarantined")
	}
	if ok, _ := f.store.Exists("broken"); !ok {
		t.Error("quarantine note for malformed item missing")
	}
}

func TestDryRun_DoesNotMove(t *testing.T) {
	f := newQueueFixture(t, func(o *QueueOptions) { o.DryRun = true })
	h := f.put(t, "dry", models.StageNeedsAction, nil)

	res, _, err := f.queue.Claim("dry", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res != Claimed {
		t.Errorf("dry run should report the planned result, got %s", res)
	}
	if _, err := os.Stat(h.Path); err != nil {
		t.Errorf("dry run moved the file: %v", err)
	}
	if got := f.events.outcomes("dry"); len(got) != 1 || got[0] != OutcomeDryRun {
		t.Errorf("audit outcomes = %v", got)
	}
}

func TestAudit_OneRecordPerTransition(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.put(t, "audited", models.StageInbox, nil)

	if _, err := f.queue.Promote("audited", "triage"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.queue.Claim("audited", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Resolve("audited", "alice", models.OutcomeCompleted, ""); err != nil {
		t.Fatal(err)
	}

	if got := f.events.outcomes("audited"); len(got) != 3 {
		t.Fatalf("expected 3 audit records, got %v", got)
	}
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	last := f.events.transitions[len(f.events.transitions)-1]
	if last.From != models.StageInProgress || last.To != models.StageDone || last.Actor != "alice" {
		t.Errorf("unexpected last record: %+v", last)
	}
}

func TestQuarantineAndReadmit(t *testing.T) {
	f := newQueueFixture(t, nil)
	it := models.NewItem("weird")
	it.Set(models.MetaCategory, "Channel")

	if _, err := f.queue.Quarantine(it, "missing subject", "channel"); err != nil {
		t.Fatal(err)
	}
	q := f.read(t, "weird")
	if q.Stage != models.StageQuarantine || q.Get(models.MetaError) != "missing subject" {
		t.Fatalf("unexpected quarantine item: %s %v", q.Stage, q.Metadata)
	}

	h, err := f.queue.Readmit("weird", "operator")
	if err != nil {
		t.Fatal(err)
	}
	if h.Stage != models.StageNeedsAction || h.Category != "Channel" {
		t.Errorf("unexpected readmit handle: %+v", h)
	}
	if f.read(t, "weird").Get(models.MetaError) != "" {
		t.Error("error should be cleared on readmit")
	}
}
