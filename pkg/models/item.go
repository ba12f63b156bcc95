package models

import (
	"strconv"
	"strings"
	"time"
)

// Stage names a vault directory an item can live in. The string value is
// the directory name on disk.
type Stage string

const (
	StageInbox           Stage = "Inbox"
	StageNeedsAction     Stage = "Needs_Action"
	StageInProgress      Stage = "In_Progress"
	StagePendingApproval Stage = "Pending_Approval"
	StageApproved        Stage = "Approved"
	StageRejected        Stage = "Rejected"
	StageDone            Stage = "Done"
	StageQuarantine      Stage = "Quarantine"
)

// AllStages lists every stage in lifecycle order.
var AllStages = []Stage{
	StageInbox,
	StageNeedsAction,
	StageInProgress,
	StagePendingApproval,
	StageApproved,
	StageRejected,
	StageDone,
	StageQuarantine,
}

// ParseStage accepts either the directory name or a lower-case alias
// ("needs_action", "pending", "in_progress", ...).
func ParseStage(s string) (Stage, bool) {
	for _, st := range AllStages {
		if string(st) == s {
			return st, true
		}
	}
	switch s {
	case "inbox":
		return StageInbox, true
	case "needs_action", "needs-action", "needsaction":
		return StageNeedsAction, true
	case "in_progress", "in-progress", "inprogress":
		return StageInProgress, true
	case "pending_approval", "pending-approval", "pending":
		return StagePendingApproval, true
	case "approved":
		return StageApproved, true
	case "rejected":
		return StageRejected, true
	case "done":
		return StageDone, true
	case "quarantine":
		return StageQuarantine, true
	}
	return "", false
}

// HasCategories reports whether items in the stage may be grouped into
// category sub-folders (e.g. Needs_Action/Files).
func (s Stage) HasCategories() bool {
	return s == StageInbox || s == StageNeedsAction
}

// Priority is the urgency assigned to an item when it is materialized.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank orders priorities from most to least urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Outcome is what an owner reports when it finishes working on an item.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
)

// Front matter keys with a meaning to the mailbox. Any other key is kept
// as-is when an item is rewritten.
const (
	MetaID         = "id"
	MetaType       = "type"
	MetaAction     = "action"
	MetaAmount     = "amount"
	MetaRecipient  = "recipient"
	MetaStatus     = "status"
	MetaPriority   = "priority"
	MetaCategory   = "category"
	MetaSource     = "source"
	MetaSourcePath = "source_path"
	MetaCreatedAt  = "created_at"
	MetaClaimedAt  = "claimed_at"
	MetaClaimedBy  = "claimed_by"
	MetaResolvedAt = "resolved_at"
	MetaResolvedBy = "resolved_by"
	MetaExpiry     = "expiry"
	MetaEscalated  = "escalated_at"
	MetaError      = "error"
)

// Item is one unit of work: a Markdown file with YAML front matter. Stage,
// Owner and Category are derived from where the file lives, never from its
// contents.
type Item struct {
	ID       string
	Stage    Stage
	Owner    string
	Category string
	Metadata map[string]string
	Body     string
	Path     string
}

// Handle locates an item without reading it.
type Handle struct {
	ID       string `json:"id"`
	Stage    Stage  `json:"stage"`
	Owner    string `json:"owner,omitempty"`
	Category string `json:"category,omitempty"`
	Path     string `json:"path"`
}

// NewItem returns an item with an initialized metadata map and the id
// recorded in front matter.
func NewItem(id string) *Item {
	return &Item{
		ID:       id,
		Metadata: map[string]string{MetaID: id},
	}
}

// Handle returns the handle for the item's current location.
func (it *Item) Handle() Handle {
	return Handle{ID: it.ID, Stage: it.Stage, Owner: it.Owner, Category: it.Category, Path: it.Path}
}

// Get returns a metadata value or "" when unset.
func (it *Item) Get(key string) string {
	if it.Metadata == nil {
		return ""
	}
	return it.Metadata[key]
}

// Set stores a metadata value; an empty value deletes the key.
func (it *Item) Set(key, value string) {
	if it.Metadata == nil {
		it.Metadata = make(map[string]string)
	}
	if value == "" {
		delete(it.Metadata, key)
		return
	}
	it.Metadata[key] = value
}

// SetTime stores t in RFC3339 UTC form.
func (it *Item) SetTime(key string, t time.Time) {
	it.Set(key, t.UTC().Format(time.RFC3339))
}

// Time parses a timestamp key. Missing or unparseable values yield the zero time.
func (it *Item) Time(key string) time.Time {
	v := it.Get(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (it *Item) CreatedAt() time.Time  { return it.Time(MetaCreatedAt) }
func (it *Item) ClaimedAt() time.Time  { return it.Time(MetaClaimedAt) }
func (it *Item) ResolvedAt() time.Time { return it.Time(MetaResolvedAt) }
func (it *Item) Expiry() time.Time     { return it.Time(MetaExpiry) }

// Priority returns the item's priority, defaulting to normal.
func (it *Item) Priority() Priority {
	if p := Priority(it.Get(MetaPriority)); p.Rank() < 4 {
		return p
	}
	return PriorityNormal
}

// Amount parses the amount key. ok is false when it is absent or not a number.
func (it *Item) Amount() (amount float64, ok bool) {
	v := strings.ReplaceAll(strings.TrimSpace(it.Get(MetaAmount)), ",", "")
	v = strings.TrimPrefix(v, "$")
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
