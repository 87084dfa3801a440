package journal

import (
	"strconv"
	"strings"

	"github.com/coffersTech/techlog/internal/model"
)

// FormatProperties renders a property bag back into journal syntax.
// Values that would confuse the parser are double-quoted with embedded
// double quotes doubled.
func FormatProperties(props *model.Properties) string {
	var b strings.Builder
	for i, p := range props.All() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		writeValue(&b, p.Value)
	}
	return b.String()
}

// FormatRecord renders a record as a journal line without the trailing
// newline. The offset is written relative to the record's hour.
func FormatRecord(r *model.Record) string {
	var b strings.Builder
	ts := r.Timestamp
	b.WriteString(pad2(ts.Minute()))
	b.WriteByte(':')
	b.WriteString(pad2(ts.Second()))
	b.WriteByte('.')
	micro := strconv.Itoa(ts.Nanosecond() / 1000)
	b.WriteString(strings.Repeat("0", 6-len(micro)))
	b.WriteString(micro)
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(r.Duration, 10))
	b.WriteByte(',')
	b.WriteString(r.Event)
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(r.Depth))
	if r.Properties.Len() > 0 {
		b.WriteByte(',')
		b.WriteString(FormatProperties(&r.Properties))
	}
	return b.String()
}

func writeValue(b *strings.Builder, v string) {
	if !needsQuoting(v) {
		b.WriteString(v)
		return
	}
	b.WriteByte('"')
	b.WriteString(strings.ReplaceAll(v, `"`, `""`))
	b.WriteByte('"')
}

func needsQuoting(v string) bool {
	if v == "" {
		return false
	}
	if v[0] == '\'' || v[0] == '"' {
		return true
	}
	return strings.ContainsAny(v, ",\r\n")
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
