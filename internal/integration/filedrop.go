package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// DefaultDropIgnore lists the name patterns a drop folder never picks up:
// hidden files, partial downloads, and Office lock files.
var DefaultDropIgnore = []string{".*", "*.tmp", "*.part", "*.crdownload", "~$*"}

const dropDebounce = 250 * time.Millisecond

// fileKind maps an extension to a display type and a coarse category.
type fileKind struct {
	Type     string
	Category string
}

var extensionKinds = map[string]fileKind{
	".pdf":  {"PDF Document", "document"},
	".doc":  {"Word Document", "document"},
	".docx": {"Word Document", "document"},
	".txt":  {"Text File", "document"},
	".md":   {"Markdown File", "document"},
	".xls":  {"Excel Spreadsheet", "spreadsheet"},
	".xlsx": {"Excel Spreadsheet", "spreadsheet"},
	".csv":  {"CSV File", "spreadsheet"},
	".jpg":  {"JPEG Image", "image"},
	".jpeg": {"JPEG Image", "image"},
	".png":  {"PNG Image", "image"},
	".gif":  {"GIF Image", "image"},
	".zip":  {"ZIP Archive", "archive"},
	".rar":  {"RAR Archive", "archive"},
	".7z":   {"7-Zip Archive", "archive"},
	".mp3":  {"MP3 Audio", "media"},
	".mp4":  {"MP4 Video", "media"},
	".wav":  {"WAV Audio", "media"},
}

// KindOf returns the display type and category for a file name.
func KindOf(name string) (fileType, category string) {
	if k, ok := extensionKinds[strings.ToLower(filepath.Ext(name))]; ok {
		return k.Type, k.Category
	}
	return "unknown", "other"
}

// HumanSize formats a byte count as B, KB, MB, GB or TB with one decimal.
func HumanSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}

// FileDropSource turns files placed in a drop folder into Files items.
// Dropped files are left where they are; the content hash keeps them from
// being materialized twice.
type FileDropSource struct {
	dir    string
	ignore []string
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewFileDropSource creates a source over cfg.Folder. When cfg.Notify is
// set an fsnotify watch triggers polls as soon as files arrive; if the
// watch cannot be set up the source silently falls back to polling.
func NewFileDropSource(cfg models.FileDropConfig, logger zerolog.Logger) (*FileDropSource, error) {
	if cfg.Folder == "" {
		return nil, fmt.Errorf("%w: drop folder is empty", core.ErrFatal)
	}
	if err := os.MkdirAll(cfg.Folder, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating drop folder %s: %v", core.ErrFatal, cfg.Folder, err)
	}
	ignore := cfg.Ignore
	if len(ignore) == 0 {
		ignore = DefaultDropIgnore
	}
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: invalid ignore pattern %q", core.ErrFatal, p)
		}
	}

	s := &FileDropSource{
		dir:    cfg.Folder,
		ignore: ignore,
		log:    logger.With().Str("cmp", "filedrop").Logger(),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if cfg.Notify {
		if err := s.startNotify(); err != nil {
			s.log.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		}
	}
	return s, nil
}

func (s *FileDropSource) Name() string { return "filedrop" }

// Dir returns the watched folder.
func (s *FileDropSource) Dir() string { return s.dir }

// Wake signals that the folder changed. The channel never closes.
func (s *FileDropSource) Wake() <-chan struct{} { return s.wake }

// Ignored reports whether a file name matches an ignore pattern.
func (s *FileDropSource) Ignored(name string) bool {
	for _, p := range s.ignore {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Fetch lists the regular files in the drop folder. Files that cannot be
// hashed yet, typically because they are still being copied, are skipped
// until the next poll.
func (s *FileDropSource) Fetch(ctx context.Context) ([]core.SourceEvent, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading drop folder: %w", err)
	}

	var events []core.SourceEvent
	for _, entry := range entries {
		if ctx.Err() != nil {
			return events, ctx.Err()
		}
		if !entry.Type().IsRegular() || s.Ignored(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		hash, err := hashFile(path)
		if err != nil {
			s.log.Debug().Err(err).Str("file", entry.Name()).Msg("skipping unreadable file")
			continue
		}
		events = append(events, core.SourceEvent{
			ID:  "file-" + hash[:16],
			Ref: path,
			Data: map[string]string{
				"original_name": entry.Name(),
				"size":          strconv.FormatInt(info.Size(), 10),
				"hash":          hash,
				"modified":      info.ModTime().UTC().Format(time.RFC3339),
			},
		})
	}
	return events, nil
}

// Materialize builds the Files item for a dropped file.
func (s *FileDropSource) Materialize(ev core.SourceEvent) (*models.Item, error) {
	name := ev.Data["original_name"]
	if name == "" {
		return nil, fmt.Errorf("%w: drop event without a file name", core.ErrMalformed)
	}
	size, err := strconv.ParseInt(ev.Data["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad size %q", core.ErrMalformed, ev.Data["size"])
	}
	fileType, category := KindOf(name)

	item := models.NewItem(ev.ID)
	item.Category = "Files"
	item.Set(models.MetaType, "file_drop")
	item.Set(models.MetaSourcePath, ev.Ref)
	item.Set("original_name", name)
	item.Set("file_type", fileType)
	item.Set("file_category", category)
	item.Set("extension", strings.ToLower(filepath.Ext(name)))
	item.Set("size", ev.Data["size"])
	item.Set("size_human", HumanSize(size))
	item.Set("hash", ev.Data["hash"])
	item.Set(models.MetaPriority, string(core.ClassifyPriority(name, fileType)))
	item.Body = dropBody(name, fileType, category, HumanSize(size), ev.Ref, item.Get(models.MetaPriority), s.now())
	return item, nil
}

func dropBody(name, fileType, category, size, path, priority string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# File Dropped: %s\n\n", name)
	b.WriteString("| Property | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| **Name** | %s |\n| **Type** | %s |\n| **Size** | %s |\n| **Location** | `%s` |\n\n", name, fileType, size, path)
	fmt.Fprintf(&b, "## Priority\n\n%s\n\n", strings.ToUpper(priority))

	b.WriteString("## Suggested Actions\n\n")
	for _, a := range suggestedActions(category) {
		fmt.Fprintf(&b, "- [ ] %s\n", a)
	}
	b.WriteString("\n## Processing Log\n\n")
	fmt.Fprintf(&b, "- %s: Detected in drop folder\n", now.UTC().Format("2006-01-02 15:04:05"))
	return b.String()
}

func suggestedActions(category string) []string {
	switch category {
	case "document":
		return []string{"Read and summarize content", "Extract key information", "Identify required actions", "Archive after processing"}
	case "spreadsheet":
		return []string{"Review data contents", "Update accounting records (if financial)", "Extract relevant metrics", "Archive after processing"}
	case "image":
		return []string{"Review image content", "Extract text (OCR) if needed", "Add to appropriate project folder", "Archive after processing"}
	case "archive":
		return []string{"Extract contents", "Review extracted files", "Process individual files", "Archive after processing"}
	default:
		return []string{"Review file", "Determine appropriate action", "Archive after processing"}
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *FileDropSource) startNotify() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return err
	}
	s.fsw = w
	go s.notifyLoop()
	return nil
}

// notifyLoop coalesces bursts of create/write events into a single wake-up.
func (s *FileDropSource) notifyLoop() {
	var debounce <-chan time.Time
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if s.Ignored(filepath.Base(ev.Name)) {
				continue
			}
			debounce = time.After(dropDebounce)
		case <-debounce:
			debounce = nil
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// Close stops the fsnotify watch, if any.
func (s *FileDropSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	if s.fsw != nil {
		return s.fsw.Close()
	}
	return nil
}
