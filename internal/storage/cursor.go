package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Cursor records which source events a watcher has already materialized.
type Cursor struct {
	Source    string    `yaml:"source"`
	UpdatedAt time.Time `yaml:"updated_at"`
	Seen      []string  `yaml:"seen"`

	index map[string]bool
}

// Has reports whether id was already materialized.
func (c *Cursor) Has(id string) bool {
	c.ensureIndex()
	return c.index[id]
}

// Add records id. It returns false when id was already present.
func (c *Cursor) Add(id string) bool {
	c.ensureIndex()
	if c.index[id] {
		return false
	}
	c.index[id] = true
	c.Seen = append(c.Seen, id)
	return true
}

// Len returns the number of recorded ids.
func (c *Cursor) Len() int {
	return len(c.Seen)
}

func (c *Cursor) ensureIndex() {
	if c.index != nil {
		return
	}
	c.index = make(map[string]bool, len(c.Seen))
	for _, id := range c.Seen {
		c.index[id] = true
	}
}

// CursorStore persists one cursor file per watcher source.
type CursorStore interface {
	Load(source string) (*Cursor, error)
	Save(c *Cursor) error
}

type fileCursorStore struct {
	dir string
}

// NewCursorStore returns a CursorStore writing <dir>/<source>.cursor.yaml files.
func NewCursorStore(dir string) CursorStore {
	return &fileCursorStore{dir: dir}
}

func (s *fileCursorStore) path(source string) string {
	return filepath.Join(s.dir, source+".cursor.yaml")
}

// Load reads the cursor for source. A missing file yields an empty cursor.
func (s *fileCursorStore) Load(source string) (*Cursor, error) {
	data, err := os.ReadFile(s.path(source))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Cursor{Source: source}, nil
		}
		return nil, fmt.Errorf("loading cursor %s: %w", source, err)
	}

	var c Cursor
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("loading cursor %s: parsing YAML: %w", source, err)
	}
	c.Source = source
	return &c, nil
}

// Save writes the cursor atomically.
func (s *fileCursorStore) Save(c *Cursor) error {
	out := Cursor{
		Source:    c.Source,
		UpdatedAt: time.Now().UTC(),
		Seen:      append([]string(nil), c.Seen...),
	}
	sort.Strings(out.Seen)

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("saving cursor %s: marshaling YAML: %w", c.Source, err)
	}
	if err := WriteFileAtomic(s.path(c.Source), data, 0o644); err != nil {
		return fmt.Errorf("saving cursor %s: %w", c.Source, err)
	}
	return nil
}
