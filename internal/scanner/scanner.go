// Package scanner discovers journal files under a root directory.
//
// The platform writes one directory per process (rphost_1234, ragent_88)
// and one file per hour inside it, named YYMMDDHH.log. Archived hours may
// carry a .zst or .gz suffix.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coffersTech/techlog/internal/model"
)

var fileNamePattern = regexp.MustCompile(`^(\d{2})(\d{2})(\d{2})(\d{2})\.log(\.zst|\.gz)?$`)

// FileError reports a path that could not be read. It never aborts a scan.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Snapshot is the result of one scan. It is read-only once returned.
type Snapshot struct {
	ID        uuid.UUID
	Root      string
	Files     []model.LogFile      // Ordered by hour, process tag, path
	Dirs      map[string]time.Time // Relative dir -> mtime, "." is the root
	Errors    []FileError
	ScannedAt time.Time
}

// Options tune a scan. The zero value scans in the local time zone.
type Options struct {
	Location *time.Location
	Logger   *zap.Logger
}

// Scan walks root recursively and returns every journal file found.
// Files that do not follow the naming convention are ignored. A missing
// or unreadable root is an error; unreadable subdirectories are reported
// in Snapshot.Errors.
func Scan(root string, opts Options) (*Snapshot, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan %s: not a directory", root)
	}

	snap := &Snapshot{
		ID:        uuid.New(),
		Root:      root,
		Dirs:      make(map[string]time.Time),
		ScannedAt: time.Now(),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
			snap.Errors = append(snap.Errors, FileError{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}

		if d.IsDir() {
			if fi, err := d.Info(); err == nil {
				snap.Dirs[filepath.ToSlash(rel)] = fi.ModTime()
			}
			return nil
		}

		lf, ok := classify(path, rel, loc)
		if !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			// Removed between readdir and stat.
			if !errors.Is(err, fs.ErrNotExist) {
				snap.Errors = append(snap.Errors, FileError{Path: path, Err: err})
			}
			return nil
		}
		lf.Size = fi.Size()
		lf.ModTime = fi.ModTime()
		snap.Files = append(snap.Files, lf)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	SortFiles(snap.Files)

	logger.Debug("Scan complete",
		zap.String("root", root),
		zap.Int("files", len(snap.Files)),
		zap.Int("dirs", len(snap.Dirs)),
		zap.Int("errors", len(snap.Errors)))

	return snap, nil
}

// SortFiles orders files by hour, then process tag, then relative path.
func SortFiles(files []model.LogFile) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].Less(&files[j])
	})
}

// ParseFileName extracts the hour encoded in a journal file name.
func ParseFileName(name string, loc *time.Location) (time.Time, model.Compression, bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, model.CompressionNone, false
	}

	yy, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	dd, _ := strconv.Atoi(m[3])
	hh, _ := strconv.Atoi(m[4])
	if mm < 1 || mm > 12 || dd < 1 || hh > 23 {
		return time.Time{}, model.CompressionNone, false
	}

	hour := time.Date(2000+yy, time.Month(mm), dd, hh, 0, 0, 0, loc)
	if hour.Day() != dd {
		// e.g. Feb 30 normalized into March
		return time.Time{}, model.CompressionNone, false
	}

	comp := model.CompressionNone
	switch m[5] {
	case ".zst":
		comp = model.CompressionZstd
	case ".gz":
		comp = model.CompressionGzip
	}
	return hour, comp, true
}

// SplitProcessTag splits "rphost_1234" into "rphost" and "1234".
// A tag without a numeric suffix is returned as the process name.
func SplitProcessTag(tag string) (process, pid string) {
	i := strings.LastIndexByte(tag, '_')
	if i <= 0 || i == len(tag)-1 {
		return tag, ""
	}
	if _, err := strconv.ParseUint(tag[i+1:], 10, 64); err != nil {
		return tag, ""
	}
	return tag[:i], tag[i+1:]
}

func classify(path, rel string, loc *time.Location) (model.LogFile, bool) {
	hour, comp, ok := ParseFileName(filepath.Base(path), loc)
	if !ok {
		return model.LogFile{}, false
	}

	var tag string
	if dir := filepath.Dir(rel); dir != "." {
		tag = filepath.Base(dir)
	}
	process, pid := SplitProcessTag(tag)

	return model.LogFile{
		Path:        path,
		Rel:         filepath.ToSlash(rel),
		DateHour:    hour,
		ProcessTag:  tag,
		Process:     process,
		PID:         pid,
		Compression: comp,
	}, true
}
