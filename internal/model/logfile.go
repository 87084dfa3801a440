package model

import "time"

// Compression identifies how a journal file is stored on disk.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionGzip
)

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// LogFile describes one journal file discovered under the root.
// Values are immutable once the scan that produced them completes.
type LogFile struct {
	Path        string    // Absolute or root-joined path
	Rel         string    // Path relative to the scan root (stable key for diffs)
	DateHour    time.Time // Hour encoded in the file name
	ProcessTag  string    // Parent directory name, e.g. "rphost_1234"
	Process     string    // "rphost"
	PID         string    // "1234"
	Size        int64
	ModTime     time.Time
	Compression Compression
}

// Less orders files by hour, then process tag, then relative path.
func (f *LogFile) Less(o *LogFile) bool {
	if !f.DateHour.Equal(o.DateHour) {
		return f.DateHour.Before(o.DateHour)
	}
	if f.ProcessTag != o.ProcessTag {
		return f.ProcessTag < o.ProcessTag
	}
	return f.Rel < o.Rel
}
