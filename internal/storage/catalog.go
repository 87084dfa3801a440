// Package storage persists scan snapshots so that repeated runs over a
// large journal tree can skip the directory walk when nothing changed.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/coffersTech/techlog/internal/scanner"
)

// ErrStale means a catalog exists but the tree changed since it was written.
var ErrStale = errors.New("catalog is stale")

const (
	catalogPrefix = "catalog_"
	catalogSuffix = ".tjc"
)

// Catalog stores one snapshot per journal root in a cache directory.
type Catalog struct {
	dir    string
	writer *CatalogWriter
	reader *CatalogReader
	logger *zap.Logger
}

// NewCatalog creates the cache directory if needed.
func NewCatalog(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	w, err := NewCatalogWriter()
	if err != nil {
		return nil, err
	}
	r, err := NewCatalogReader()
	if err != nil {
		return nil, err
	}
	return &Catalog{dir: dir, writer: w, reader: r, logger: logger}, nil
}

// Path returns the catalog file used for root.
func (c *Catalog) Path(root string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s%016x%s", catalogPrefix, xxhash.Sum64String(absPath(root)), catalogSuffix))
}

// Load returns the cached snapshot for root if it is still fresh.
// It returns an error wrapping os.ErrNotExist when there is no catalog and
// ErrStale when the tree changed.
func (c *Catalog) Load(root string, loc *time.Location) (*scanner.Snapshot, error) {
	path := c.Path(root)
	snap, err := c.reader.ReadSnapshot(path, loc)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Unreadable catalog", zap.String("path", path), zap.Error(err))
		}
		return nil, err
	}
	if absPath(snap.Root) != absPath(root) {
		// Hash collision with another root.
		return nil, ErrStale
	}
	if !Fresh(snap) {
		return nil, ErrStale
	}
	return snap, nil
}

// Save writes snap as the catalog for its root.
func (c *Catalog) Save(snap *scanner.Snapshot) error {
	path := c.Path(snap.Root)
	if err := c.writer.WriteSnapshot(path, snap); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	c.logger.Debug("Catalog saved", zap.String("path", path), zap.Int("files", len(snap.Files)))
	return nil
}

// Fresh reports whether every directory recorded in snap still has the
// recorded mtime. Adding or removing a file or a process directory changes
// the mtime of its parent, so the file set is unchanged when this holds.
func Fresh(snap *scanner.Snapshot) bool {
	if len(snap.Dirs) == 0 {
		return false
	}
	for rel, mtime := range snap.Dirs {
		fi, err := os.Stat(filepath.Join(snap.Root, filepath.FromSlash(rel)))
		if err != nil || !fi.IsDir() || !fi.ModTime().Equal(mtime) {
			return false
		}
	}
	return true
}

// Prune removes catalogs not written within retention and returns how many
// were deleted.
func (c *Catalog) Prune(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	threshold := time.Now().Add(-retention)
	removed := 0

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isCatalogName(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(threshold) {
			continue
		}

		path := filepath.Join(c.dir, name)
		if err := os.Remove(path); err != nil {
			c.logger.Warn("Failed to delete expired catalog", zap.String("path", path), zap.Error(err))
			continue
		}
		c.logger.Info("Expired catalog deleted", zap.String("path", path))
		removed++
	}
	return removed, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// isCatalogName matches catalog files and leftovers of interrupted writes.
func isCatalogName(name string) bool {
	if !strings.HasPrefix(name, catalogPrefix) {
		return false
	}
	return strings.HasSuffix(name, catalogSuffix) || strings.HasSuffix(name, ".tmp")
}
