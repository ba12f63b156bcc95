package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// Front matter keys a channel file may not set; the mailbox owns them.
var reservedChannelKeys = map[string]bool{
	models.MetaID:         true,
	models.MetaStatus:     true,
	models.MetaClaimedAt:  true,
	models.MetaClaimedBy:  true,
	models.MetaResolvedAt: true,
	models.MetaResolvedBy: true,
	models.MetaExpiry:     true,
	models.MetaEscalated:  true,
}

// ChannelSource reads pre-formatted Markdown items dropped into a folder by
// other tools. Each file carries YAML front matter with at least a subject
// or a title. Files are removed once their item exists.
type ChannelSource struct {
	dir string
}

// NewChannelSource creates a channel source over cfg.Folder, creating the
// folder if needed.
func NewChannelSource(cfg models.ChannelConfig) (*ChannelSource, error) {
	if cfg.Folder == "" {
		return nil, fmt.Errorf("%w: channel folder is empty", core.ErrFatal)
	}
	if err := os.MkdirAll(cfg.Folder, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating channel folder %s: %v", core.ErrFatal, cfg.Folder, err)
	}
	return &ChannelSource{dir: cfg.Folder}, nil
}

func (c *ChannelSource) Name() string { return "channel" }

// Fetch returns one event per Markdown file. The event id is the front
// matter id when present, otherwise the file name; unparseable files still
// produce an event so they can be quarantined.
func (c *ChannelSource) Fetch(ctx context.Context) ([]core.SourceEvent, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading channel folder: %w", err)
	}

	var events []core.SourceEvent
	for _, entry := range entries {
		if ctx.Err() != nil {
			return events, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(c.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		ev := core.SourceEvent{Ref: path, Body: string(data)}
		meta, _, perr := storage.ParseFrontmatter(string(data))
		if perr == nil && meta[models.MetaID] != "" {
			ev.ID = storage.SanitizeID(meta[models.MetaID])
		} else {
			ev.ID = storage.SanitizeID(strings.TrimSuffix(name, ".md"))
		}
		events = append(events, ev)
	}
	return events, nil
}

// Materialize parses the file content captured by Fetch.
func (c *ChannelSource) Materialize(ev core.SourceEvent) (*models.Item, error) {
	meta, body, err := storage.ParseFrontmatter(ev.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", core.ErrMalformed, filepath.Base(ev.Ref), err)
	}
	if meta["subject"] == "" && meta["title"] == "" {
		return nil, fmt.Errorf("%w: %s has neither subject nor title", core.ErrMalformed, filepath.Base(ev.Ref))
	}
	if p := strings.ToLower(meta[models.MetaPriority]); p != "" {
		if p == "medium" {
			p = string(models.PriorityNormal)
		}
		if models.Priority(p).Rank() > models.PriorityLow.Rank() {
			return nil, fmt.Errorf("%w: %s: unknown priority %q", core.ErrMalformed, filepath.Base(ev.Ref), meta[models.MetaPriority])
		}
		meta[models.MetaPriority] = p
	}

	item := models.NewItem(ev.ID)
	for k, v := range meta {
		if !reservedChannelKeys[k] {
			item.Set(k, v)
		}
	}
	item.Category = "Channel"
	if item.Get(models.MetaType) == "" {
		item.Set(models.MetaType, "message")
	}
	item.Set(models.MetaSourcePath, ev.Ref)
	item.Body = body
	return item, nil
}

// Ack removes the consumed channel file.
func (c *ChannelSource) Ack(ev core.SourceEvent) error {
	if err := os.Remove(ev.Ref); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing channel file: %w", err)
	}
	return nil
}
