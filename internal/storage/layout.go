package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// Auxiliary vault folders that are not stages.
const (
	LogsDir     = "Logs"
	PlansDir    = "Plans"
	AlertsDir   = "Alerts"
	StateDir    = ".state"
	RawQuarDir  = "raw"
	DashboardMD = "Dashboard.md"
	HandbookMD  = "Company_Handbook.md"
)

// ReconcileReport lists what Reconcile changed.
type ReconcileReport struct {
	Created     []string
	TempRemoved []string
	Quarantined []string
	// Recovered lists items put back from a hold left by an interrupted
	// rewrite.
	Recovered []string
}

// Changed reports whether Reconcile touched anything.
func (r ReconcileReport) Changed() bool {
	return len(r.Created)+len(r.TempRemoved)+len(r.Quarantined)+len(r.Recovered) > 0
}

// Layout owns the vault directory set.
type Layout struct {
	store     *fileItemStore
	rawInbox  []string
	tempGrace time.Duration
	now       func() time.Time
}

// NewLayout returns a Layout for the store's vault. Temp files younger than
// tempGrace are assumed to belong to a live writer and are left alone.
func NewLayout(store ItemStore, tempGrace time.Duration) *Layout {
	fstore, ok := store.(*fileItemStore)
	if !ok {
		fstore = &fileItemStore{root: store.Root(), raw: map[string]bool{}}
	}
	l := &Layout{store: fstore, tempGrace: tempGrace, now: time.Now}
	for name := range fstore.raw {
		l.rawInbox = append(l.rawInbox, name)
	}
	return l
}

// Reconcile creates missing folders, removes stale temp files, and moves
// anything that is not a well-formed item into Quarantine.
func (l *Layout) Reconcile() (ReconcileReport, error) {
	var report ReconcileReport
	root := l.store.root

	dirs := make([]string, 0, len(models.AllStages)+8)
	for _, st := range models.AllStages {
		dirs = append(dirs, filepath.Join(root, string(st)))
	}
	for _, name := range l.rawInbox {
		dirs = append(dirs, filepath.Join(root, string(models.StageInbox), name))
	}
	dirs = append(dirs,
		filepath.Join(root, LogsDir),
		filepath.Join(root, PlansDir),
		filepath.Join(root, AlertsDir),
		filepath.Join(root, StateDir),
	)
	for _, d := range dirs {
		if _, err := os.Stat(d); errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return report, fmt.Errorf("creating %s: %w", d, err)
			}
			report.Created = append(report.Created, relOrSelf(root, d))
		}
	}

	for _, st := range models.AllStages {
		if err := l.reconcileStage(st, &report); err != nil {
			return report, err
		}
	}
	if err := l.sweepTemps(filepath.Join(root, StateDir), &report); err != nil {
		return report, err
	}
	return report, nil
}

func (l *Layout) reconcileStage(stage models.Stage, report *ReconcileReport) error {
	dir := l.store.StageDir(stage)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", stage, err)
	}

	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dir, name)

		if e.IsDir() {
			switch {
			case stage == models.StageInbox && l.store.raw[name]:
				// Raw watcher input; temp files only.
				if err := l.sweepTemps(path, report); err != nil {
					return err
				}
			case stage == models.StageQuarantine:
			case strings.HasPrefix(name, "."):
			case stage == models.StageInProgress || stage.HasCategories():
				if err := l.reconcileFiles(stage, path, report); err != nil {
					return err
				}
			default:
				if err := l.quarantineTree(stage, path, report); err != nil {
					return err
				}
			}
			continue
		}

		if stage == models.StageInProgress {
			if IsHoldFile(name) {
				l.recoverHold(path, report)
				continue
			}
			if IsTempFile(name) {
				l.removeTemp(path, report)
				continue
			}
			if err := l.quarantine(path, "file is not inside an owner folder of In_Progress", report); err != nil {
				return err
			}
			continue
		}
		if err := l.checkFile(stage, path, report); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) reconcileFiles(stage models.Stage, dir string, report *ReconcileReport) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if err := l.quarantineTree(stage, filepath.Join(dir, e.Name()), report); err != nil {
				return err
			}
			continue
		}
		if err := l.checkFile(stage, filepath.Join(dir, e.Name()), report); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) checkFile(stage models.Stage, path string, report *ReconcileReport) error {
	name := filepath.Base(path)
	switch {
	case IsTempFile(name):
		l.removeTemp(path, report)
		return nil
	case IsHoldFile(name):
		l.recoverHold(path, report)
		return nil
	case strings.HasPrefix(name, "."):
		return nil
	case !strings.HasSuffix(name, ItemExt):
		return l.quarantine(path, fmt.Sprintf("unexpected non-item file in %s", stage), report)
	}

	if stage == models.StageQuarantine {
		return nil
	}
	if _, err := l.store.Read(path); err != nil {
		return l.quarantine(path, err.Error(), report)
	}
	return nil
}

// quarantineTree moves every file below dir into Quarantine. Items are
// never nested that deep, so List would not see them.
func (l *Layout) quarantineTree(stage models.Stage, dir string, report *ReconcileReport) error {
	reason := fmt.Sprintf("file is nested in sub-folder %s of %s", relOrSelf(l.store.root, dir), stage)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsTempFile(d.Name()) {
			l.removeTemp(path, report)
			return nil
		}
		return l.quarantine(path, reason, report)
	})
	if err != nil {
		return fmt.Errorf("quarantining %s: %w", dir, err)
	}
	removeEmptyDirs(dir)
	return nil
}

func removeEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			removeEmptyDirs(filepath.Join(dir, e.Name()))
		}
	}
	_ = os.Remove(dir)
}

// recoverHold finishes a rewrite interrupted between taking the item out of
// its stage and putting it back. A hold whose item is present elsewhere is
// a leftover and is removed.
func (l *Layout) recoverHold(path string, report *ReconcileReport) {
	info, err := os.Stat(path)
	if err != nil || l.now().Sub(info.ModTime()) < l.tempGrace {
		return
	}
	id := HeldID(path)
	if _, err := l.store.Find(id); err == nil {
		if os.Remove(path) == nil {
			report.TempRemoved = append(report.TempRemoved, relOrSelf(l.store.root, path))
		}
		return
	}
	target := filepath.Join(filepath.Dir(path), id+ItemExt)
	if fileExists(target) {
		return
	}
	if os.Rename(path, target) == nil {
		report.Recovered = append(report.Recovered, id)
	}
}

func (l *Layout) sweepTemps(dir string, report *ReconcileReport) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && IsTempFile(e.Name()) {
			l.removeTemp(filepath.Join(dir, e.Name()), report)
		}
	}
	return nil
}

func (l *Layout) removeTemp(path string, report *ReconcileReport) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if l.now().Sub(info.ModTime()) < l.tempGrace {
		return
	}
	if err := os.Remove(path); err == nil {
		report.TempRemoved = append(report.TempRemoved, relOrSelf(l.store.root, path))
	}
}

// quarantine moves a raw file under Quarantine/raw and writes a note item
// describing why.
func (l *Layout) quarantine(path, reason string, report *ReconcileReport) error {
	h, err := QuarantineFile(l.store, path, reason, l.now())
	if err != nil {
		return err
	}
	report.Quarantined = append(report.Quarantined, h.ID)
	return nil
}

// QuarantineFile moves a raw file into Quarantine/raw/ and writes an item
// next to it carrying the error context.
func QuarantineFile(store ItemStore, path, reason string, now time.Time) (models.Handle, error) {
	root := store.Root()
	base := filepath.Base(path)
	id := SanitizeID(strings.TrimSuffix(base, ItemExt))
	rawDir := filepath.Join(store.StageDir(models.StageQuarantine), RawQuarDir)
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return models.Handle{}, fmt.Errorf("creating quarantine directory: %w", err)
	}

	target := filepath.Join(rawDir, base)
	for i := 1; fileExists(target) || fileExists(filepath.Join(store.StageDir(models.StageQuarantine), id+ItemExt)); i++ {
		id = fmt.Sprintf("%s-%d", SanitizeID(strings.TrimSuffix(base, ItemExt)), i)
		target = filepath.Join(rawDir, fmt.Sprintf("%d-%s", i, base))
	}

	if err := os.Rename(path, target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Handle{}, fmt.Errorf("quarantining %s: %w", base, ErrConflict)
		}
		return models.Handle{}, fmt.Errorf("quarantining %s: %w", base, err)
	}

	note := models.NewItem(id)
	note.Set(models.MetaType, "quarantine")
	note.Set(models.MetaError, reason)
	note.Set(models.MetaSourcePath, relOrSelf(root, path))
	note.Set("quarantined_file", relOrSelf(root, target))
	note.SetTime("quarantined_at", now)
	note.Body = fmt.Sprintf("# Quarantined: %s\n\n%s\n", base, reason)
	return store.Write(note, models.StageQuarantine)
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func relOrSelf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// SanitizeID turns an arbitrary string into a safe item file name: it
// replaces characters that are invalid in file names, trims dots and
// spaces, and caps the length at 100.
func SanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), r < 0x20:
			b.WriteByte('_')
		case r == ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if r := []rune(out); len(r) > 100 {
		out = string(r[:100])
	}
	if out == "" {
		out = "item"
	}
	return out
}
