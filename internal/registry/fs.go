package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// FS is the filesystem-backed registry: one JSON file per cell under a shared
// directory.
type FS struct {
	dir string
}

func NewFS(dir string) (*FS, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: missing registry dir", ErrInvalidRecord)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir %q: %w", dir, err)
	}
	return &FS{dir: dir}, nil
}

func (f *FS) Dir() string {
	return f.dir
}

// Announce writes the record to its cell's file. Write-then-rename keeps a
// concurrent List from observing a torn record.
func (f *FS) Announce(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal record %q: %w", rec.CellID, err)
	}
	final := f.recordPath(rec.CellID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write record %q: %w", rec.CellID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("registry: publish record %q: %w", rec.CellID, err)
	}
	return nil
}

// List reads every peer announcement. Unreadable or foreign files are skipped
// rather than failing the whole scan; an empty medium is not an error.
func (f *FS) List() ([]Record, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read dir %q: %w", f.dir, err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			log.Warn().Str("file", name).Err(err).Msg("registry record unreadable, skipped")
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn().Str("file", name).Err(err).Msg("registry record malformed, skipped")
			continue
		}
		if rec.Validate() != nil {
			log.Warn().Str("file", name).Msg("registry record incomplete, skipped")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Remove is the best-effort shutdown cleanup; a missing file is fine since
// TTL staleness is the correctness backstop.
func (f *FS) Remove(cellID string) error {
	err := os.Remove(f.recordPath(cellID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("registry: remove record %q: %w", cellID, err)
	}
	return nil
}

func (f *FS) recordPath(cellID string) string {
	return filepath.Join(f.dir, sanitizeID(cellID)+".json")
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
