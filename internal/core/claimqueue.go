package core

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult string

const (
	Claimed        ClaimResult = "claimed"
	AlreadyClaimed ClaimResult = "already_claimed"
)

// Item status values written to front matter for human readers.
const (
	statusPending         = "pending"
	statusInProgress      = "in_progress"
	statusPendingApproval = "pending_approval"
	statusApproved        = "approved"
	statusRejected        = "rejected"
	statusDone            = "done"
	statusQuarantined     = "quarantined"
)

// Actors the queue records for transitions it performs on its own.
const (
	ActorSweeper   = "sweeper"
	ActorReclaimer = "reclaimer"
)

// SweepReport lists what SweepExpired did.
type SweepReport struct {
	Stamped   []string
	Requeued  []string
	Escalated []string
}

// ClaimQueue moves items through the stage graph. Every move is a single
// rename; timestamps are written by the new holder after the move succeeds.
type ClaimQueue interface {
	Store() storage.ItemStore
	DryRun() bool
	Promote(id, actor string) (models.Handle, error)
	Claim(id, owner string) (ClaimResult, models.Handle, error)
	ClaimBatch(owner string, n int) ([]models.Handle, error)
	Release(id, actor string) (models.Handle, error)
	Resolve(id, owner string, outcome models.Outcome, note string) (models.Handle, error)
	Approve(id, approver string) (models.Handle, error)
	Reject(id, approver, reason string) (models.Handle, error)
	Complete(id, actor string) (models.Handle, error)
	Readmit(id, actor string) (models.Handle, error)
	Quarantine(item *models.Item, reason, actor string) (models.Handle, error)
	SweepExpired() (SweepReport, error)
	ReclaimStale(ttl time.Duration) ([]models.Handle, error)
	Held(owner string) ([]models.Handle, error)
}

// QueueOptions configures a ClaimQueue. EventLogger and Alerts may be nil.
type QueueOptions struct {
	DryRun      bool
	ApprovalTTL time.Duration
	OnExpiry    models.ExpiryAction
	Policy      *Policy
	EventLogger EventLogger
	Alerts      AlertSink
	Logger      zerolog.Logger
	Now         func() time.Time
}

type claimQueue struct {
	store storage.ItemStore
	opts  QueueOptions
	log   zerolog.Logger
}

// NewClaimQueue creates a ClaimQueue over the given store.
func NewClaimQueue(store storage.ItemStore, opts QueueOptions) ClaimQueue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == nil {
		opts.Policy = NewPolicy(models.ApprovalPolicy{})
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = 24 * time.Hour
	}
	if opts.OnExpiry == "" {
		opts.OnExpiry = models.ExpiryEscalate
	}
	return &claimQueue{
		store: store,
		opts:  opts,
		log:   opts.Logger.With().Str("cmp", "queue").Logger(),
	}
}

func (q *claimQueue) Store() storage.ItemStore { return q.store }
func (q *claimQueue) DryRun() bool             { return q.opts.DryRun }

func (q *claimQueue) now() time.Time { return q.opts.Now().UTC() }

// move performs one edge of the stage graph and records it.
func (q *claimQueue) move(h models.Handle, dst storage.Destination, actor string, mutate func(*models.Item)) (models.Handle, error) {
	if !CanTransition(h.Stage, dst.Stage) {
		return models.Handle{}, fmt.Errorf("moving %s from %s to %s: %w", h.ID, h.Stage, dst.Stage, ErrInvalidTransition)
	}

	rec := Transition{Time: q.now(), ItemID: h.ID, Actor: actor, From: h.Stage, To: dst.Stage}
	if q.opts.DryRun {
		rec.Outcome = OutcomeDryRun
		q.audit(rec)
		q.log.Info().Str("item", h.ID).Str("from", string(h.Stage)).Str("to", string(dst.Stage)).Msg("[dry run] would move item")
		return h, nil
	}

	moved, err := q.store.MoveWith(h, dst, mutate)
	if err != nil {
		rec.Outcome = OutcomeFailed
		if errors.Is(err, ErrConflict) {
			rec.Outcome = OutcomeConflict
		}
		rec.Message = err.Error()
		q.audit(rec)
		return models.Handle{}, err
	}

	rec.Outcome = OutcomeOK
	q.audit(rec)
	q.log.Debug().Str("item", h.ID).Str("from", string(h.Stage)).Str("to", string(dst.Stage)).Str("actor", actor).Msg("item moved")
	return moved, nil
}

func (q *claimQueue) audit(rec Transition) {
	if q.opts.EventLogger == nil {
		return
	}
	if err := q.opts.EventLogger.LogTransition(rec); err != nil {
		q.log.Warn().Err(err).Str("item", rec.ItemID).Msg("writing audit record")
	}
}

// locate finds id and checks it is in the expected stage.
func (q *claimQueue) locate(id string, stage models.Stage) (models.Handle, error) {
	h, err := q.store.Find(id)
	if err != nil {
		return models.Handle{}, err
	}
	if h.Stage != stage {
		return h, fmt.Errorf("%s is in %s, not %s: %w", id, h.Stage, stage, ErrInvalidTransition)
	}
	return h, nil
}

func (q *claimQueue) Promote(id, actor string) (models.Handle, error) {
	h, err := q.locate(id, models.StageInbox)
	if err != nil {
		return models.Handle{}, fmt.Errorf("promoting: %w", err)
	}
	now := q.now()
	return q.move(h, storage.Destination{Stage: models.StageNeedsAction, Category: h.Category}, actor, func(it *models.Item) {
		it.Set(models.MetaStatus, statusPending)
		if h.Category != "" {
			it.Set(models.MetaCategory, h.Category)
		}
		if it.CreatedAt().IsZero() {
			it.SetTime(models.MetaCreatedAt, now)
		}
	})
}

// Claim moves a NeedsAction item into In_Progress/<owner>. Losing a race
// is reported as AlreadyClaimed, not as an error.
func (q *claimQueue) Claim(id, owner string) (ClaimResult, models.Handle, error) {
	if !ValidOwner(owner) {
		return "", models.Handle{}, fmt.Errorf("claiming %s: invalid owner %q", id, owner)
	}
	h, err := q.store.Find(id)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Another process is moving it right now.
			return AlreadyClaimed, models.Handle{}, nil
		}
		return "", models.Handle{}, fmt.Errorf("claiming: %w", err)
	}
	switch h.Stage {
	case models.StageNeedsAction:
	case models.StageInProgress:
		return AlreadyClaimed, h, nil
	default:
		return "", h, fmt.Errorf("claiming %s: item is in %s: %w", id, h.Stage, ErrInvalidTransition)
	}
	return q.claimHandle(h, owner)
}

func (q *claimQueue) claimHandle(h models.Handle, owner string) (ClaimResult, models.Handle, error) {
	now := q.now()
	moved, err := q.move(h, storage.Destination{Stage: models.StageInProgress, Owner: owner}, owner, func(it *models.Item) {
		it.SetTime(models.MetaClaimedAt, now)
		it.Set(models.MetaClaimedBy, owner)
		it.Set(models.MetaStatus, statusInProgress)
		if h.Category != "" {
			it.Set(models.MetaCategory, h.Category)
		}
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return AlreadyClaimed, models.Handle{}, nil
		}
		return "", models.Handle{}, fmt.Errorf("claiming %s: %w", h.ID, err)
	}
	return Claimed, moved, nil
}

// ClaimBatch claims up to n NeedsAction items for owner, most urgent first.
// Items lost to other claimers are skipped; malformed items are quarantined.
func (q *claimQueue) ClaimBatch(owner string, n int) ([]models.Handle, error) {
	if !ValidOwner(owner) {
		return nil, fmt.Errorf("claiming batch: invalid owner %q", owner)
	}
	handles, err := q.store.List(models.StageNeedsAction)
	if err != nil {
		return nil, fmt.Errorf("claiming batch: %w", err)
	}

	type candidate struct {
		h        models.Handle
		priority models.Priority
		created  time.Time
	}
	candidates := make([]candidate, 0, len(handles))
	for _, h := range handles {
		item, err := q.store.Read(h.Path)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				q.quarantineFile(h, err)
			}
			continue
		}
		candidates = append(candidates, candidate{h: h, priority: item.Priority(), created: item.CreatedAt()})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if a, b := candidates[i].priority.Rank(), candidates[j].priority.Rank(); a != b {
			return a < b
		}
		if !candidates[i].created.Equal(candidates[j].created) {
			return candidates[i].created.Before(candidates[j].created)
		}
		return candidates[i].h.ID < candidates[j].h.ID
	})

	var claimed []models.Handle
	for _, c := range candidates {
		if len(claimed) >= n {
			break
		}
		res, moved, err := q.claimHandle(c.h, owner)
		if err != nil {
			return claimed, err
		}
		if res == Claimed {
			claimed = append(claimed, moved)
		}
	}
	return claimed, nil
}

func (q *claimQueue) quarantineFile(h models.Handle, cause error) {
	if q.opts.DryRun {
		q.log.Warn().Err(cause).Str("item", h.ID).Msg("[dry run] would quarantine malformed item")
		return
	}
	qh, err := storage.QuarantineFile(q.store, h.Path, cause.Error(), q.now())
	rec := Transition{Time: q.now(), ItemID: h.ID, Actor: ActorSweeper, From: h.Stage, To: models.StageQuarantine, Message: cause.Error()}
	if err != nil {
		q.log.Warn().Err(err).Str("item", h.ID).Msg("quarantining malformed item")
		rec.Outcome = OutcomeFailed
	} else {
		rec.Outcome = OutcomeOK
		rec.Data = map[string]any{"quarantine_id": qh.ID}
	}
	q.audit(rec)
}

// Release returns a claimed item to NeedsAction, into the category folder
// it was claimed from.
func (q *claimQueue) Release(id, actor string) (models.Handle, error) {
	h, err := q.locate(id, models.StageInProgress)
	if err != nil {
		return models.Handle{}, fmt.Errorf("releasing: %w", err)
	}
	return q.release(h, actor)
}

func (q *claimQueue) release(h models.Handle, actor string) (models.Handle, error) {
	category := ""
	if item, err := q.store.Read(h.Path); err == nil {
		category = item.Get(models.MetaCategory)
	}
	now := q.now()
	moved, err := q.move(h, storage.Destination{Stage: models.StageNeedsAction, Category: category}, actor, func(it *models.Item) {
		it.Set(models.MetaClaimedAt, "")
		it.Set(models.MetaClaimedBy, "")
		it.Set(models.MetaStatus, statusPending)
		it.SetTime("released_at", now)
	})
	if err != nil {
		return models.Handle{}, fmt.Errorf("releasing %s: %w", h.ID, err)
	}
	return moved, nil
}

// Resolve finishes work on a claimed item. A completed item goes to Done
// unless the approval policy requires sign-off, in which case it waits in
// Pending_Approval until its expiry.
func (q *claimQueue) Resolve(id, owner string, outcome models.Outcome, note string) (models.Handle, error) {
	h, err := q.locate(id, models.StageInProgress)
	if err != nil {
		return models.Handle{}, fmt.Errorf("resolving: %w", err)
	}
	if owner != "" && h.Owner != owner {
		return models.Handle{}, fmt.Errorf("resolving %s: held by %s: %w", id, h.Owner, ErrNotOwner)
	}
	actor := owner
	if actor == "" {
		actor = h.Owner
	}

	item, err := q.store.Read(h.Path)
	if err != nil {
		return models.Handle{}, fmt.Errorf("resolving %s: %w", id, err)
	}

	now := q.now()
	rule := q.opts.Policy.Match(item)
	stamp := func(it *models.Item) {
		it.Set(models.MetaResolvedBy, actor)
		if note != "" {
			it.Set("resolution_note", note)
		}
	}
	toApproval := func(it *models.Item) {
		stamp(it)
		it.Set(models.MetaStatus, statusPendingApproval)
		it.Set("approval_rule", rule.Name)
		it.SetTime("requested_at", now)
		it.SetTime(models.MetaExpiry, now.Add(q.opts.ApprovalTTL))
	}

	var (
		dst    models.Stage
		mutate func(*models.Item)
	)
	switch outcome {
	case models.OutcomeCompleted:
		if rule != nil {
			dst, mutate = models.StagePendingApproval, toApproval
		} else {
			dst = models.StageDone
			mutate = func(it *models.Item) {
				stamp(it)
				it.Set(models.MetaStatus, statusDone)
				it.SetTime(models.MetaResolvedAt, now)
			}
		}
	case models.OutcomeApproved:
		if rule != nil && rule.Always {
			dst, mutate = models.StagePendingApproval, toApproval
		} else {
			dst = models.StageApproved
			mutate = func(it *models.Item) {
				stamp(it)
				it.Set(models.MetaStatus, statusApproved)
				it.Set("approved_by", actor)
				it.SetTime("approved_at", now)
			}
		}
	case models.OutcomeRejected:
		dst = models.StageRejected
		mutate = func(it *models.Item) {
			stamp(it)
			it.Set(models.MetaStatus, statusRejected)
			it.SetTime(models.MetaResolvedAt, now)
		}
	default:
		return models.Handle{}, fmt.Errorf("resolving %s: unknown outcome %q", id, outcome)
	}

	moved, err := q.move(h, storage.Destination{Stage: dst}, actor, mutate)
	if err != nil {
		return models.Handle{}, fmt.Errorf("resolving %s: %w", id, err)
	}
	return moved, nil
}

func (q *claimQueue) Approve(id, approver string) (models.Handle, error) {
	h, err := q.locate(id, models.StagePendingApproval)
	if err != nil {
		return models.Handle{}, fmt.Errorf("approving: %w", err)
	}
	now := q.now()
	return q.move(h, storage.Destination{Stage: models.StageApproved}, approver, func(it *models.Item) {
		it.Set(models.MetaStatus, statusApproved)
		it.Set("approved_by", approver)
		it.SetTime("approved_at", now)
	})
}

func (q *claimQueue) Reject(id, approver, reason string) (models.Handle, error) {
	h, err := q.locate(id, models.StagePendingApproval)
	if err != nil {
		return models.Handle{}, fmt.Errorf("rejecting: %w", err)
	}
	now := q.now()
	return q.move(h, storage.Destination{Stage: models.StageRejected}, approver, func(it *models.Item) {
		it.Set(models.MetaStatus, statusRejected)
		it.Set("rejected_by", approver)
		it.Set("rejection_reason", reason)
		it.SetTime(models.MetaResolvedAt, now)
	})
}

// Complete moves an approved item to Done once its action was carried out.
func (q *claimQueue) Complete(id, actor string) (models.Handle, error) {
	h, err := q.locate(id, models.StageApproved)
	if err != nil {
		return models.Handle{}, fmt.Errorf("completing: %w", err)
	}
	now := q.now()
	return q.move(h, storage.Destination{Stage: models.StageDone}, actor, func(it *models.Item) {
		it.Set(models.MetaStatus, statusDone)
		it.SetTime(models.MetaResolvedAt, now)
	})
}

// Readmit returns a quarantined item to NeedsAction after an operator fixed it.
func (q *claimQueue) Readmit(id, actor string) (models.Handle, error) {
	h, err := q.locate(id, models.StageQuarantine)
	if err != nil {
		return models.Handle{}, fmt.Errorf("readmitting: %w", err)
	}
	category := ""
	if item, err := q.store.Read(h.Path); err == nil {
		category = item.Get(models.MetaCategory)
	}
	now := q.now()
	return q.move(h, storage.Destination{Stage: models.StageNeedsAction, Category: category}, actor, func(it *models.Item) {
		it.Set(models.MetaError, "")
		it.Set(models.MetaStatus, statusPending)
		it.SetTime("readmitted_at", now)
	})
}

// Quarantine writes an item that could not be processed into Quarantine
// with the error that sent it there.
func (q *claimQueue) Quarantine(item *models.Item, reason, actor string) (models.Handle, error) {
	item.Set(models.MetaError, reason)
	item.Set(models.MetaStatus, statusQuarantined)
	item.SetTime("quarantined_at", q.now())
	item.Owner = ""

	rec := Transition{Time: q.now(), ItemID: item.ID, Actor: actor, To: models.StageQuarantine, Message: reason}
	if q.opts.DryRun {
		rec.Outcome = OutcomeDryRun
		q.audit(rec)
		q.log.Warn().Str("item", item.ID).Str("reason", reason).Msg("[dry run] would quarantine item")
		return item.Handle(), nil
	}

	h, err := q.store.Write(item, models.StageQuarantine)
	if err != nil {
		rec.Outcome = OutcomeFailed
		q.audit(rec)
		return models.Handle{}, fmt.Errorf("quarantining %s: %w", item.ID, err)
	}
	rec.Outcome = OutcomeOK
	q.audit(rec)
	return h, nil
}

// SweepExpired enforces approval expiry. Items without an expiry get one;
// expired items are requeued or escalated per configuration. Escalated
// items stay in Pending_Approval until a human acts.
func (q *claimQueue) SweepExpired() (SweepReport, error) {
	var report SweepReport
	handles, err := q.store.List(models.StagePendingApproval)
	if err != nil {
		return report, fmt.Errorf("sweeping approvals: %w", err)
	}

	now := q.now()
	for _, h := range handles {
		item, err := q.store.Read(h.Path)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				q.quarantineFile(h, err)
			}
			continue
		}

		expiry := item.Expiry()
		if expiry.IsZero() {
			if !q.opts.DryRun {
				if item.Get("requested_at") == "" {
					item.SetTime("requested_at", now)
				}
				item.SetTime(models.MetaExpiry, now.Add(q.opts.ApprovalTTL))
				if err := q.store.Update(item); err != nil {
					q.log.Warn().Err(err).Str("item", h.ID).Msg("stamping approval expiry")
					continue
				}
			}
			report.Stamped = append(report.Stamped, h.ID)
			continue
		}
		if !now.After(expiry) {
			continue
		}

		switch q.opts.OnExpiry {
		case models.ExpiryRequeue:
			category := item.Get(models.MetaCategory)
			_, err := q.move(h, storage.Destination{Stage: models.StageNeedsAction, Category: category}, ActorSweeper, func(it *models.Item) {
				it.Set(models.MetaExpiry, "")
				it.Set(models.MetaStatus, statusPending)
				it.SetTime("requeued_at", now)
				it.Set("requeue_reason", "approval expired")
			})
			if err != nil {
				if errors.Is(err, ErrConflict) {
					continue
				}
				return report, fmt.Errorf("requeueing %s: %w", h.ID, err)
			}
			report.Requeued = append(report.Requeued, h.ID)

		default:
			if item.Get(models.MetaEscalated) != "" {
				continue
			}
			if err := q.escalate(item, expiry, now); err != nil {
				return report, err
			}
			report.Escalated = append(report.Escalated, h.ID)
		}
	}
	return report, nil
}

func (q *claimQueue) escalate(item *models.Item, expiry, now time.Time) error {
	msg := fmt.Sprintf("approval for %s expired at %s", item.ID, expiry.Format(time.RFC3339))
	if q.opts.DryRun {
		q.log.Warn().Str("item", item.ID).Msg("[dry run] would escalate expired approval")
		return nil
	}

	item.SetTime(models.MetaEscalated, now)
	if err := q.store.Update(item); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil
		}
		return fmt.Errorf("escalating %s: %w", item.ID, err)
	}
	if q.opts.Alerts != nil {
		data := map[string]string{
			"item_id":      item.ID,
			"condition":    "approval_expired",
			"stage":        string(models.StagePendingApproval),
			"path":         item.Path,
			"expiry":       expiry.Format(time.RFC3339),
			"escalated_at": now.Format(time.RFC3339),
		}
		if err := q.opts.Alerts.Raise("approval-expired-"+item.ID, "high", msg, data); err != nil {
			q.log.Warn().Err(err).Str("item", item.ID).Msg("writing alert marker")
		}
	}
	if q.opts.EventLogger != nil {
		_ = q.opts.EventLogger.LogEvent("approval.escalated", map[string]any{"item_id": item.ID, "expiry": expiry})
	}
	q.log.Warn().Str("item", item.ID).Msg(msg)
	return nil
}

// ReclaimStale releases claims older than ttl so abandoned work returns to
// NeedsAction.
func (q *claimQueue) ReclaimStale(ttl time.Duration) ([]models.Handle, error) {
	handles, err := q.store.List(models.StageInProgress)
	if err != nil {
		return nil, fmt.Errorf("reclaiming: %w", err)
	}

	now := q.now()
	var released []models.Handle
	for _, h := range handles {
		claimedAt := time.Time{}
		if item, err := q.store.Read(h.Path); err == nil {
			claimedAt = item.ClaimedAt()
		}
		if claimedAt.IsZero() {
			info, err := os.Stat(h.Path)
			if err != nil {
				continue
			}
			claimedAt = info.ModTime()
		}
		if now.Sub(claimedAt) <= ttl {
			continue
		}

		moved, err := q.release(h, ActorReclaimer)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return released, err
		}
		released = append(released, moved)
	}
	return released, nil
}

// Held lists the items currently claimed by owner.
func (q *claimQueue) Held(owner string) ([]models.Handle, error) {
	handles, err := q.store.List(models.StageInProgress)
	if err != nil {
		return nil, err
	}
	var out []models.Handle
	for _, h := range handles {
		if h.Owner == owner {
			out = append(out, h)
		}
	}
	return out, nil
}
