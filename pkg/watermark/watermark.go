// Package watermark persists the single monotonic timestamp the source
// reader uses to bound its next query: a single ISO-8601 line, written
// atomically via temp-file-then-rename so a crash mid-write never leaves a
// half-written watermark behind.
package watermark

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dentalcrm/synccore/pkg/syncerr"
)

// Store reads and writes the watermark file.
type Store struct {
	path string
}

// New returns a Store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted watermark. If the file does not exist, it
// returns fallback (the caller computes now - initial_sync_days). A file
// that exists but cannot be read or parsed is syncerr.StorageCorrupt. The
// scheduler logs and reports it and keeps running; the process does not
// exit on it.
func (s *Store) Load(fallback time.Time) (time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fallback, nil
		}
		return time.Time{}, fmt.Errorf("%w: reading watermark: %v", syncerr.StorageCorrupt, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return fallback, nil
	}

	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parsing watermark %q: %v", syncerr.StorageCorrupt, text, err)
	}
	return t, nil
}

// Save atomically persists t as the new watermark. The caller is
// responsible for only ever advancing it (the ≥ comparator on read makes
// re-saving the same instant safe, but saving backwards would reprocess
// already-reconciled rows).
func (s *Store) Save(t time.Time) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".watermark-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp watermark file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(t.Format(time.RFC3339Nano)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp watermark file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp watermark file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming watermark file into place: %w", err)
	}
	return nil
}
