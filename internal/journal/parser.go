// Package journal reads the 1C technological journal line format.
//
// A record looks like
//
//	35:12.123456-17,DBMSSQL,4,process=rphost,Usr=admin,Sql='select ''a'', 1'
//
// i.e. an optional time offset within the file hour with a duration, the
// event tag, an optional nesting depth and a comma separated property list.
package journal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coffersTech/techlog/internal/model"
)

// ErrIncomplete reports a trailing record that is not terminated yet.
// The file is probably still being written; re-reading later succeeds.
var ErrIncomplete = errors.New("journal: incomplete record")

// LineError reports a line that cannot be turned into a record.
// Such lines are skipped by readers; they never abort a stream.
type LineError struct {
	Reason     string
	Offset     int   // Byte offset within the line
	FileOffset int64 // Byte offset of the line within its file, when known
}

func (e *LineError) Error() string {
	return fmt.Sprintf("malformed line: %s at offset %d", e.Reason, e.Offset)
}

// FileContext carries what the file name and location tell about a line.
type FileContext struct {
	DateHour   time.Time // Start of the hour encoded in the file name
	ProcessID  string
	SourceFile string
}

// ParseLine parses one raw record (possibly spanning several physical lines
// inside quoted values) into a Record.
func ParseLine(raw string, fc FileContext) (model.Record, error) {
	line := strings.TrimRight(raw, "\r\n")
	if line == "" {
		return model.Record{}, &LineError{Reason: "empty line"}
	}

	p := lineParser{s: line}

	ts := fc.DateHour
	var duration int64
	hasDuration := false

	if isDigit(line[0]) {
		var err error
		ts, duration, err = p.parseHeader(fc.DateHour)
		if err != nil {
			return model.Record{}, err
		}
		hasDuration = true
	}

	evStart := p.pos
	event := p.readField()
	if event == "" || strings.ContainsAny(event, "='\"") {
		return model.Record{}, &LineError{Reason: "missing event tag", Offset: evStart}
	}

	rec := model.NewRecord(ts, event, line)
	rec.Duration = duration
	rec.HasDuration = hasDuration
	rec.ProcessID = fc.ProcessID
	rec.SourceFile = fc.SourceFile

	if !p.done() {
		p.pos++ // ','
		if depth, ok := p.peekDepth(); ok {
			rec.Depth = depth
		}
	}

	for !p.done() {
		key, value, err := p.parseProperty()
		if err != nil {
			return model.Record{}, err
		}
		if key != "" {
			rec.Properties.Set(key, value)
		}
	}

	return rec, nil
}

type lineParser struct {
	s   string
	pos int
}

func (p *lineParser) done() bool {
	return p.pos >= len(p.s)
}

// readField reads up to the next comma (not consumed) or end of line.
func (p *lineParser) readField() string {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ',' {
		p.pos++
	}
	return p.s[start:p.pos]
}

// parseHeader parses "[HH:]MM:SS.ffffff-duration," and leaves pos on the
// event tag.
func (p *lineParser) parseHeader(hour time.Time) (time.Time, int64, error) {
	start := p.pos
	head := p.readField()
	if p.done() {
		return time.Time{}, 0, &LineError{Reason: "missing event tag", Offset: len(p.s)}
	}
	p.pos++ // ','

	stamp, dur, hasDur := strings.Cut(head, "-")
	if !hasDur {
		return time.Time{}, 0, &LineError{Reason: "missing duration", Offset: start + len(head)}
	}

	offset, err := parseOffset(stamp)
	if err != nil {
		return time.Time{}, 0, &LineError{Reason: err.Error(), Offset: start}
	}

	if dur == "" || !allDigits(dur) {
		return time.Time{}, 0, &LineError{Reason: "bad duration", Offset: start + len(stamp) + 1}
	}
	d, err := strconv.ParseInt(dur, 10, 64)
	if err != nil {
		return time.Time{}, 0, &LineError{Reason: "bad duration", Offset: start + len(stamp) + 1}
	}

	base := hour.Truncate(time.Hour)
	if offset.hasHour {
		y, m, day := hour.Date()
		base = time.Date(y, m, day, offset.hour, 0, 0, 0, hour.Location())
	}
	ts := base.Add(time.Duration(offset.min)*time.Minute +
		time.Duration(offset.sec)*time.Second +
		time.Duration(offset.nsec))
	return ts, d, nil
}

type timeOffset struct {
	hasHour bool
	hour    int
	min     int
	sec     int
	nsec    int
}

func parseOffset(s string) (timeOffset, error) {
	var off timeOffset

	clock, frac, _ := strings.Cut(s, ".")
	parts := strings.Split(clock, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return off, errors.New("bad time offset")
	}
	nums := make([]int, len(parts))
	for i, part := range parts {
		if len(part) == 0 || len(part) > 2 || !allDigits(part) {
			return off, errors.New("bad time offset")
		}
		for j := 0; j < len(part); j++ {
			nums[i] = nums[i]*10 + int(part[j]-'0')
		}
	}
	if len(nums) == 3 {
		off.hasHour = true
		off.hour = nums[0]
		nums = nums[1:]
	}
	off.min, off.sec = nums[0], nums[1]
	if off.hour > 23 || off.min > 59 || off.sec > 59 {
		return off, errors.New("time offset out of range")
	}

	if frac != "" {
		if len(frac) > 9 || !allDigits(frac) {
			return off, errors.New("bad fractional seconds")
		}
		n := 0
		for j := 0; j < len(frac); j++ {
			n = n*10 + int(frac[j]-'0')
		}
		for k := len(frac); k < 9; k++ {
			n *= 10
		}
		off.nsec = n
	}
	return off, nil
}

// peekDepth consumes the nesting depth field when present.
func (p *lineParser) peekDepth() (int, bool) {
	end := p.pos
	for end < len(p.s) && isDigit(p.s[end]) {
		end++
	}
	if end == p.pos || (end < len(p.s) && p.s[end] != ',') {
		return 0, false
	}
	depth := 0
	for i := p.pos; i < end; i++ {
		depth = depth*10 + int(p.s[i]-'0')
	}
	p.pos = end
	if !p.done() {
		p.pos++
	}
	return depth, true
}

// parseProperty parses "Key=Value", "Key=" or a bare "Key" followed by an
// optional comma.
func (p *lineParser) parseProperty() (string, string, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != '=' && p.s[p.pos] != ',' {
		p.pos++
	}
	key := p.s[start:p.pos]
	if key == "" {
		if p.done() {
			return "", "", nil
		}
		if p.s[p.pos] == ',' {
			// Trailing or doubled separator.
			p.pos++
			return "", "", nil
		}
		return "", "", &LineError{Reason: "empty property name", Offset: start}
	}

	if p.done() || p.s[p.pos] == ',' {
		p.skipComma()
		return key, "", nil
	}

	p.pos++ // '='
	if p.done() {
		return key, "", nil
	}

	q := p.s[p.pos]
	if q != '\'' && q != '"' {
		value := p.readField()
		p.skipComma()
		return key, value, nil
	}

	value, err := p.readQuoted(q)
	if err != nil {
		return "", "", err
	}
	if !p.done() && p.s[p.pos] != ',' {
		return "", "", &LineError{Reason: "unexpected character after quoted value", Offset: p.pos}
	}
	p.skipComma()
	return key, value, nil
}

// readQuoted reads a value delimited by q; a doubled q is an escaped quote.
func (p *lineParser) readQuoted(q byte) (string, error) {
	open := p.pos
	p.pos++

	var b strings.Builder
	seg := p.pos
	for p.pos < len(p.s) {
		if p.s[p.pos] != q {
			p.pos++
			continue
		}
		if p.pos+1 < len(p.s) && p.s[p.pos+1] == q {
			b.WriteString(p.s[seg : p.pos+1])
			p.pos += 2
			seg = p.pos
			continue
		}
		b.WriteString(p.s[seg:p.pos])
		p.pos++
		return b.String(), nil
	}
	return "", &LineError{Reason: "unterminated quoted value", Offset: open}
}

func (p *lineParser) skipComma() {
	if !p.done() && p.s[p.pos] == ',' {
		p.pos++
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
