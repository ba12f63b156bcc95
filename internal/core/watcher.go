package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// SourceEvent is one observation returned by a Source poll.
type SourceEvent struct {
	// ID is the item id the event materializes to. Sources derive it from
	// stable content (a hash, a message id) so re-polling is idempotent.
	ID string
	// Ref locates the event in the source: a file path or message id.
	Ref  string
	Data map[string]string
	Body string
}

// Source is an external input a Watcher polls.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]SourceEvent, error)
	// Materialize turns an event into an item. Errors wrapping ErrMalformed
	// send the event to Quarantine; other errors leave it for the next poll.
	Materialize(ev SourceEvent) (*models.Item, error)
}

// Acknowledger is implemented by sources that consume their input once it
// has been materialized, such as removing a raw channel file.
type Acknowledger interface {
	Ack(ev SourceEvent) error
}

// Waker is implemented by sources that can signal new input between polls.
type Waker interface {
	Wake() <-chan struct{}
}

// PollResult summarizes one poll.
type PollResult struct {
	Fetched      int
	Materialized []string
	Skipped      int
	Quarantined  []string
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Interval    time.Duration
	MaxBackoff  time.Duration
	Cursors     storage.CursorStore
	EventLogger EventLogger
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Watcher polls a Source and materializes new events into Needs_Action.
// A durable cursor plus an existence check against the store keep
// materialization idempotent.
type Watcher struct {
	source Source
	queue  ClaimQueue
	opts   WatcherOptions
	log    zerolog.Logger
}

// NewWatcher creates a Watcher. Writes go through queue so dry-run mode and
// quarantine behave the same as for every other mutation.
func NewWatcher(source Source, queue ClaimQueue, opts WatcherOptions) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = opts.Interval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cursors == nil {
		opts.Cursors = storage.NewCursorStore(filepath.Join(queue.Store().Root(), storage.StateDir))
	}
	return &Watcher{
		source: source,
		queue:  queue,
		opts:   opts,
		log:    opts.Logger.With().Str("cmp", "watcher").Str("source", source.Name()).Logger(),
	}
}

// Name returns the source name.
func (w *Watcher) Name() string { return w.source.Name() }

func (w *Watcher) actor() string { return "watcher:" + w.source.Name() }

// Poll fetches once and materializes every new event. A fetch failure is
// returned wrapped in ErrTransient unless the source reported ErrFatal; the
// cursor is untouched in that case.
func (w *Watcher) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult

	cursor, err := w.opts.Cursors.Load(w.source.Name())
	if err != nil {
		// The store check below still prevents duplicates.
		w.log.Warn().Err(err).Msg("cursor unreadable, starting empty")
		cursor = &storage.Cursor{Source: w.source.Name()}
	}

	events, err := w.source.Fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrFatal) || errors.Is(err, context.Canceled) {
			return res, err
		}
		if !errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return res, fmt.Errorf("polling %s: %w", w.source.Name(), err)
	}
	res.Fetched = len(events)

	dry := w.queue.DryRun()
	store := w.queue.Store()
	dirty := false

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if ev.ID != "" {
			if cursor.Has(ev.ID) {
				res.Skipped++
				continue
			}
			if ok, _ := store.Exists(ev.ID); ok {
				// Lost cursor: the item is already in the vault.
				res.Skipped++
				if !dry && cursor.Add(ev.ID) {
					dirty = true
				}
				continue
			}
		}

		item, err := w.source.Materialize(ev)
		if err != nil {
			if !errors.Is(err, ErrMalformed) {
				w.log.Warn().Err(err).Str("ref", ev.Ref).Msg("materializing event, will retry")
				continue
			}
			id := w.quarantine(ev, err)
			if id == "" {
				continue
			}
			res.Quarantined = append(res.Quarantined, id)
			if !dry && cursor.Add(eventKey(ev, id)) {
				dirty = true
			}
			w.ack(ev, dry)
			continue
		}

		if ev.ID == "" || item.ID != ev.ID {
			if ok, _ := store.Exists(item.ID); ok {
				res.Skipped++
				continue
			}
		}

		if err := w.materialize(item, dry); err != nil {
			w.log.Warn().Err(err).Str("item", item.ID).Msg("writing item")
			continue
		}
		res.Materialized = append(res.Materialized, item.ID)
		if !dry && cursor.Add(eventKey(ev, item.ID)) {
			dirty = true
		}
		w.ack(ev, dry)
	}

	if dirty {
		if err := w.opts.Cursors.Save(cursor); err != nil {
			w.log.Warn().Err(err).Msg("saving cursor")
		}
	}
	if len(res.Materialized) > 0 || len(res.Quarantined) > 0 {
		w.log.Info().
			Int("fetched", res.Fetched).
			Int("materialized", len(res.Materialized)).
			Int("quarantined", len(res.Quarantined)).
			Bool("dry_run", dry).
			Msg("poll complete")
	}
	return res, nil
}

func eventKey(ev SourceEvent, fallback string) string {
	if ev.ID != "" {
		return ev.ID
	}
	return fallback
}

func (w *Watcher) materialize(item *models.Item, dry bool) error {
	now := w.opts.Now().UTC()
	if item.CreatedAt().IsZero() {
		item.SetTime(models.MetaCreatedAt, now)
	}
	if item.Get(models.MetaPriority) == "" {
		item.Set(models.MetaPriority, string(ClassifyPriority(item.Get("subject"), item.Body)))
	}
	if item.Get(models.MetaSource) == "" {
		item.Set(models.MetaSource, w.source.Name())
	}
	if item.Category != "" {
		item.Set(models.MetaCategory, item.Category)
	}
	if p := item.Get(models.MetaSourcePath); p != "" {
		item.Set(models.MetaSourcePath, w.vaultPath(p))
	}
	item.Set(models.MetaStatus, statusPending)
	item.Owner = ""

	rec := Transition{Time: now, ItemID: item.ID, Actor: w.actor(), To: models.StageNeedsAction}
	if dry {
		rec.Outcome = OutcomeDryRun
		w.audit(rec)
		w.log.Info().Str("item", item.ID).Str("category", item.Category).Msg("[dry run] would create item")
		return nil
	}

	if _, err := w.queue.Store().Write(item, models.StageNeedsAction); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Message = err.Error()
		w.audit(rec)
		return err
	}
	rec.Outcome = OutcomeOK
	w.audit(rec)
	w.log.Info().Str("item", item.ID).Str("priority", item.Get(models.MetaPriority)).Msg("item created")
	return nil
}

// quarantine records a malformed event. It returns the quarantine item id,
// or "" when nothing was written.
func (w *Watcher) quarantine(ev SourceEvent, cause error) string {
	id := ev.ID
	if id == "" {
		id = storage.SanitizeID(w.source.Name() + "-" + filepath.Base(ev.Ref))
	}
	if ok, _ := w.queue.Store().Exists(id); ok {
		return ""
	}

	item := models.NewItem(id)
	item.Set(models.MetaType, "quarantine")
	item.Set(models.MetaSource, w.source.Name())
	item.Set(models.MetaSourcePath, w.vaultPath(ev.Ref))
	for k, v := range ev.Data {
		if item.Get(k) == "" {
			item.Set(k, v)
		}
	}
	item.Body = ev.Body
	if _, err := w.queue.Quarantine(item, cause.Error(), w.actor()); err != nil {
		w.log.Warn().Err(err).Str("ref", ev.Ref).Msg("quarantining event")
		return ""
	}
	w.log.Warn().Str("item", id).Str("reason", cause.Error()).Msg("event quarantined")
	return id
}

// vaultPath turns a source reference into a slash path relative to the
// vault. References outside the vault are kept as they are.
func (w *Watcher) vaultPath(ref string) string {
	if !filepath.IsAbs(ref) {
		return filepath.ToSlash(ref)
	}
	root, err := filepath.Abs(w.queue.Store().Root())
	if err != nil {
		return ref
	}
	rel, err := filepath.Rel(root, ref)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ref
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) ack(ev SourceEvent, dry bool) {
	a, ok := w.source.(Acknowledger)
	if !ok || dry {
		return
	}
	if err := a.Ack(ev); err != nil {
		w.log.Warn().Err(err).Str("ref", ev.Ref).Msg("acknowledging event")
	}
}

func (w *Watcher) audit(rec Transition) {
	if w.opts.EventLogger == nil {
		return
	}
	if err := w.opts.EventLogger.LogTransition(rec); err != nil {
		w.log.Warn().Err(err).Str("item", rec.ItemID).Msg("writing audit record")
	}
}

// Backoff returns the delay before the next poll after n consecutive
// failures: interval * 2^n, capped at the configured maximum.
func (w *Watcher) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return w.opts.Interval
	}
	d := float64(w.opts.Interval) * math.Pow(2, float64(failures))
	if d > float64(w.opts.MaxBackoff) || math.IsInf(d, 1) {
		return w.opts.MaxBackoff
	}
	return time.Duration(d)
}

// Run polls until ctx is cancelled or the source fails fatally. Transient
// failures are logged and retried with backoff.
func (w *Watcher) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if wk, ok := w.source.(Waker); ok {
		wake = wk.Wake()
	}

	w.log.Info().Dur("interval", w.opts.Interval).Bool("dry_run", w.queue.DryRun()).Msg("watcher started")
	failures := 0
	for {
		_, err := w.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			w.log.Info().Msg("watcher stopped")
			return nil
		case err == nil:
			failures = 0
		case errors.Is(err, ErrFatal):
			w.log.Error().Err(err).Msg("watcher stopped on fatal error")
			return fmt.Errorf("watcher %s: %w", w.source.Name(), err)
		default:
			failures++
			w.log.Warn().Err(err).Int("failures", failures).Dur("retry_in", w.Backoff(failures)).Msg("poll failed")
		}

		// Wake-ups never cut a backoff short.
		woken := wake
		if failures > 0 {
			woken = nil
		}
		timer := time.NewTimer(w.Backoff(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.log.Info().Msg("watcher stopped")
			return nil
		case <-timer.C:
		case <-woken:
			timer.Stop()
		}
	}
}

// RunWatchers runs every watcher in its own goroutine and waits for all of
// them. A fatal error stops only the watcher that hit it; the joined fatal
// errors are returned once ctx is cancelled and every watcher has exited.
func RunWatchers(ctx context.Context, watchers []*Watcher) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return errors.Join(errs...)
}
