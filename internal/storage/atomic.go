package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix marks in-flight writes. Files carrying it are never listed as
// items and are swept by Reconcile.
const TempPrefix = ".fte-tmp-"

// HoldPrefix marks an item taken out of its stage while it is rewritten.
// The name is .fte-hold-<id>.<token>; Reconcile puts abandoned holds back.
const HoldPrefix = ".fte-hold-"

// IsHoldFile reports whether name is an item held for rewriting.
func IsHoldFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), HoldPrefix)
}

// HeldID returns the item id encoded in a hold file name.
func HeldID(name string) string {
	rest := strings.TrimPrefix(filepath.Base(name), HoldPrefix)
	if i := strings.LastIndexByte(rest, '.'); i > 0 {
		return rest[:i]
	}
	return rest
}

// IsTempFile reports whether name is an in-flight write.
func IsTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// WriteFileAtomic writes data to a temp file in the destination directory,
// syncs it, and renames it over path. Readers see either the old file or
// the complete new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}
