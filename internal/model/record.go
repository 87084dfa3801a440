package model

import (
	"strconv"
	"time"
)

// TimeLayout is the textual form of a record timestamp used for display
// and for regex matching against the `time` field.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Record represents one technological journal entry.
// Timestamp, Event and Raw are always set; provenance fields (ProcessID,
// SourceFile, Offset) are filled in by the reader, never by the line parser.
type Record struct {
	Timestamp   time.Time
	Duration    int64 // Microseconds. Valid only when HasDuration is set.
	HasDuration bool
	Event       string
	Depth       int

	ProcessID  string // Process directory tag, e.g. "rphost_1234"
	SourceFile string
	Offset     int64 // Byte offset of the record within SourceFile

	Properties Properties
	Raw        string
}

// NewRecord creates a Record with the mandatory fields.
// An empty event means the caller let an unparsed line through; that is a
// bug, not bad input, so it panics.
func NewRecord(ts time.Time, event, raw string) Record {
	if event == "" {
		panic("model: record without event tag")
	}
	return Record{Timestamp: ts, Event: event, Raw: raw}
}

// DurationText returns the duration as a decimal string, or "" when absent.
func (r *Record) DurationText() string {
	if !r.HasDuration {
		return ""
	}
	return strconv.FormatInt(r.Duration, 10)
}

// Less orders records by timestamp, then source file, then offset.
func (r *Record) Less(o *Record) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.Before(o.Timestamp)
	}
	if r.SourceFile != o.SourceFile {
		return r.SourceFile < o.SourceFile
	}
	return r.Offset < o.Offset
}
