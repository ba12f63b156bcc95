package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// ItemExt is the file extension of every item.
const ItemExt = ".md"

var (
	// ErrConflict means the source of a move vanished (someone else moved it
	// first) or the destination is already occupied.
	ErrConflict = errors.New("conflict")
	// ErrCrossDevice means source and destination are on different
	// filesystems, where rename is not atomic.
	ErrCrossDevice = errors.New("cross-device move")
	// ErrNotFound means no stage holds an item with the requested id.
	ErrNotFound = errors.New("item not found")
	// ErrMalformed means an item file could not be parsed.
	ErrMalformed = errors.New("malformed item")
)

// Destination names where Move should put an item.
type Destination struct {
	Stage    models.Stage
	Owner    string
	Category string
}

// ItemStore persists items as Markdown files inside stage directories.
// Rename is the only primitive used to change an item's stage.
type ItemStore interface {
	Root() string
	StageDir(stage models.Stage) string
	Write(item *models.Item, stage models.Stage) (models.Handle, error)
	Update(item *models.Item) error
	Read(path string) (*models.Item, error)
	Move(h models.Handle, dst Destination) (models.Handle, error)
	MoveWith(h models.Handle, dst Destination, mutate func(*models.Item)) (models.Handle, error)
	List(stage models.Stage) ([]models.Handle, error)
	Find(id string) (models.Handle, error)
	Exists(id string) (bool, error)
}

// StoreOption configures a file item store.
type StoreOption func(*fileItemStore)

// WithRawFolders names sub-folders of Inbox that hold raw watcher input
// rather than items. They are skipped by List and Reconcile.
func WithRawFolders(names ...string) StoreOption {
	return func(s *fileItemStore) {
		for _, n := range names {
			if n != "" {
				s.raw[n] = true
			}
		}
	}
}

type fileItemStore struct {
	root string
	raw  map[string]bool
}

// NewItemStore returns an ItemStore rooted at the vault directory.
func NewItemStore(root string, opts ...StoreOption) ItemStore {
	s := &fileItemStore{root: root, raw: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *fileItemStore) Root() string { return s.root }

func (s *fileItemStore) StageDir(stage models.Stage) string {
	return filepath.Join(s.root, string(stage))
}

func (s *fileItemStore) pathFor(id string, dst Destination) string {
	dir := s.StageDir(dst.Stage)
	switch {
	case dst.Stage == models.StageInProgress && dst.Owner != "":
		dir = filepath.Join(dir, dst.Owner)
	case dst.Stage.HasCategories() && dst.Category != "":
		dir = filepath.Join(dir, dst.Category)
	}
	return filepath.Join(dir, id+ItemExt)
}

// Write stores the item in the given stage. The sub-folder comes from
// item.Owner (In_Progress) or item.Category (Inbox, Needs_Action).
func (s *fileItemStore) Write(item *models.Item, stage models.Stage) (models.Handle, error) {
	if err := validateID(item.ID); err != nil {
		return models.Handle{}, err
	}
	if stage == models.StageInProgress && item.Owner == "" {
		return models.Handle{}, fmt.Errorf("writing item %s: in-progress items need an owner", item.ID)
	}

	path := s.pathFor(item.ID, Destination{Stage: stage, Owner: item.Owner, Category: item.Category})
	if err := s.writeItem(item, path); err != nil {
		return models.Handle{}, err
	}
	s.locate(item, path)
	return item.Handle(), nil
}

// Update rewrites the item in place. The file is held while it is
// rewritten, so an item another process moved away is reported as
// ErrConflict and never recreated.
func (s *fileItemStore) Update(item *models.Item) error {
	if item.Path == "" {
		return fmt.Errorf("updating item %s: no path", item.ID)
	}
	if err := s.rewrite(item.ID, item.Path, item.Path, nil, item); err != nil {
		return fmt.Errorf("updating item %s: %w", item.ID, err)
	}
	return nil
}

func (s *fileItemStore) writeItem(item *models.Item, path string) error {
	content, err := renderItem(item)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing item %s: %w", item.ID, err)
	}
	return nil
}

func renderItem(item *models.Item) (string, error) {
	if item.Metadata == nil {
		item.Metadata = make(map[string]string)
	}
	item.Metadata[models.MetaID] = item.ID

	content, err := RenderFrontmatter(item.Metadata, item.Body)
	if err != nil {
		return "", fmt.Errorf("rendering item %s: %w", item.ID, err)
	}
	return content, nil
}

func (s *fileItemStore) Read(path string) (*models.Item, error) {
	return s.readAs(path, strings.TrimSuffix(filepath.Base(path), ItemExt))
}

// readAs parses the file at path as item id. Held files carry the id in
// their name rather than as the base name.
func (s *fileItemStore) readAs(path, id string) (*models.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	meta, body, err := ParseFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w: %v", path, ErrMalformed, err)
	}

	item := &models.Item{
		ID:       id,
		Metadata: meta,
		Body:     body,
	}
	s.locate(item, path)
	return item, nil
}

// locate fills the fields derived from the item's path.
func (s *fileItemStore) locate(item *models.Item, path string) {
	item.Path = path
	item.Stage, item.Owner, item.Category = "", "", ""

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return
	}
	item.Stage = models.Stage(parts[0])
	if len(parts) == 3 {
		if item.Stage == models.StageInProgress {
			item.Owner = parts[1]
		} else {
			item.Category = parts[1]
		}
	}
}

// Move renames the item into dst. A missing source means another process
// won the race and yields ErrConflict, as does an occupied destination.
func (s *fileItemStore) Move(h models.Handle, dst Destination) (models.Handle, error) {
	src := h.Path
	if src == "" {
		src = s.pathFor(h.ID, Destination{Stage: h.Stage, Owner: h.Owner, Category: h.Category})
	}
	target := s.pathFor(h.ID, dst)
	if src == target {
		return h, nil
	}

	if _, err := os.Lstat(target); err == nil {
		return models.Handle{}, fmt.Errorf("moving %s to %s: destination exists: %w", h.ID, dst.Stage, ErrConflict)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return models.Handle{}, fmt.Errorf("creating directory for %s: %w", h.ID, err)
	}

	if err := os.Rename(src, target); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return models.Handle{}, fmt.Errorf("moving %s from %s: %w", h.ID, h.Stage, ErrConflict)
		case errors.Is(err, syscall.EXDEV):
			return models.Handle{}, fmt.Errorf("moving %s: %w", h.ID, ErrCrossDevice)
		default:
			return models.Handle{}, fmt.Errorf("moving %s: %w", h.ID, err)
		}
	}

	return models.Handle{
		ID:       h.ID,
		Stage:    dst.Stage,
		Owner:    ownerOf(dst),
		Category: categoryOf(dst),
		Path:     target,
	}, nil
}

// MoveWith moves the item into dst and applies mutate to its front matter
// on the way. The source is first renamed to a private hold file, which is
// the point where concurrent movers race; every write after that touches
// only the hold file, so a losing caller can never leave a second copy
// behind. A source that cannot be parsed is moved unchanged.
func (s *fileItemStore) MoveWith(h models.Handle, dst Destination, mutate func(*models.Item)) (models.Handle, error) {
	if mutate == nil {
		return s.Move(h, dst)
	}
	src := h.Path
	if src == "" {
		src = s.pathFor(h.ID, Destination{Stage: h.Stage, Owner: h.Owner, Category: h.Category})
	}
	target := s.pathFor(h.ID, dst)
	if src != target && fileExists(target) {
		return models.Handle{}, fmt.Errorf("moving %s to %s: destination exists: %w", h.ID, dst.Stage, ErrConflict)
	}
	if err := s.rewrite(h.ID, src, target, mutate, nil); err != nil {
		return models.Handle{}, fmt.Errorf("moving %s from %s: %w", h.ID, h.Stage, err)
	}
	return models.Handle{
		ID:       h.ID,
		Stage:    dst.Stage,
		Owner:    ownerOf(dst),
		Category: categoryOf(dst),
		Path:     target,
	}, nil
}

// rewrite holds src, writes either replace or the held copy changed by
// mutate, and renames the result to target. On failure the held file goes
// back to src when src is still free.
func (s *fileItemStore) rewrite(id, src, target string, mutate func(*models.Item), replace *models.Item) error {
	hold := filepath.Join(filepath.Dir(src), HoldPrefix+id+"."+uuid.NewString()[:8])
	if err := os.Rename(src, hold); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrConflict
		}
		return err
	}
	orig, err := os.ReadFile(hold)
	if err != nil {
		_ = os.Rename(hold, src)
		return err
	}
	rewritten := false
	restore := func() {
		if fileExists(src) {
			return
		}
		if rewritten {
			_ = WriteFileAtomic(hold, orig, 0o644)
		}
		_ = os.Rename(hold, src)
	}

	item := replace
	if item == nil {
		if read, err := s.readAs(hold, id); err == nil {
			s.locate(read, target)
			mutate(read)
			item = read
		}
	}
	if item != nil {
		content, err := renderItem(item)
		if err == nil {
			err = WriteFileAtomic(hold, []byte(content), 0o644)
		}
		if err != nil {
			restore()
			return err
		}
		rewritten = true
	}

	if fileExists(target) {
		// Only a duplicate id can take the slot while we hold this one.
		restore()
		return ErrConflict
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		restore()
		return fmt.Errorf("creating directory for %s: %w", id, err)
	}
	if err := os.Rename(hold, target); err != nil {
		restore()
		if errors.Is(err, syscall.EXDEV) {
			return ErrCrossDevice
		}
		return err
	}
	return nil
}

// held reports whether some stage holds id in a hold file.
func (s *fileItemStore) held(id string) bool {
	prefix := HoldPrefix + id + "."
	for _, stage := range models.AllStages {
		dirs := []string{s.StageDir(stage)}
		entries, err := os.ReadDir(dirs[0])
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(dirs[0], e.Name()))
			}
		}
		for _, d := range dirs {
			names, err := os.ReadDir(d)
			if err != nil {
				continue
			}
			for _, n := range names {
				if strings.HasPrefix(n.Name(), prefix) && HeldID(n.Name()) == id {
					return true
				}
			}
		}
	}
	return false
}

func ownerOf(d Destination) string {
	if d.Stage == models.StageInProgress {
		return d.Owner
	}
	return ""
}

func categoryOf(d Destination) string {
	if d.Stage.HasCategories() {
		return d.Category
	}
	return ""
}

// List returns a snapshot of the items in a stage, sorted by id. Items may
// be moved by another process before the caller acts on them.
func (s *fileItemStore) List(stage models.Stage) ([]models.Handle, error) {
	dir := s.StageDir(stage)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", stage, err)
	}

	var handles []models.Handle
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if !s.hasSubfolders(stage) || strings.HasPrefix(name, ".") {
				continue
			}
			if stage == models.StageInbox && s.raw[name] {
				continue
			}
			sub, err := s.listDir(stage, filepath.Join(dir, name), name)
			if err != nil {
				return nil, err
			}
			handles = append(handles, sub...)
			continue
		}
		if stage == models.StageInProgress {
			// Unowned files are not claimable items; Reconcile quarantines them.
			continue
		}
		if isItemFile(name) {
			handles = append(handles, models.Handle{
				ID:    strings.TrimSuffix(name, ItemExt),
				Stage: stage,
				Path:  filepath.Join(dir, name),
			})
		}
	}

	sort.Slice(handles, func(i, j int) bool {
		if handles[i].ID != handles[j].ID {
			return handles[i].ID < handles[j].ID
		}
		return handles[i].Path < handles[j].Path
	})
	return handles, nil
}

func (s *fileItemStore) hasSubfolders(stage models.Stage) bool {
	return stage == models.StageInProgress || stage.HasCategories()
}

func (s *fileItemStore) listDir(stage models.Stage, dir, sub string) ([]models.Handle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s/%s: %w", stage, sub, err)
	}

	var handles []models.Handle
	for _, e := range entries {
		if e.IsDir() || !isItemFile(e.Name()) {
			continue
		}
		h := models.Handle{
			ID:    strings.TrimSuffix(e.Name(), ItemExt),
			Stage: stage,
			Path:  filepath.Join(dir, e.Name()),
		}
		if stage == models.StageInProgress {
			h.Owner = sub
		} else {
			h.Category = sub
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Find locates an item by id across every stage.
func (s *fileItemStore) Find(id string) (models.Handle, error) {
	if err := validateID(id); err != nil {
		return models.Handle{}, err
	}
	for _, stage := range models.AllStages {
		handles, err := s.List(stage)
		if err != nil {
			return models.Handle{}, err
		}
		for _, h := range handles {
			if h.ID == id {
				return h, nil
			}
		}
	}
	if s.held(id) {
		return models.Handle{}, fmt.Errorf("finding %s: item is being moved: %w", id, ErrConflict)
	}
	return models.Handle{}, fmt.Errorf("finding %s: %w", id, ErrNotFound)
}

// Exists reports whether any stage holds the id. An item that is being
// moved exists.
func (s *fileItemStore) Exists(id string) (bool, error) {
	_, err := s.Find(id)
	if err == nil || errors.Is(err, ErrConflict) {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func isItemFile(name string) bool {
	return strings.HasSuffix(name, ItemExt) && !IsTempFile(name) && !strings.HasPrefix(name, ".")
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("item id is empty")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("item id %q is not a valid file name", id)
	}
	return nil
}
