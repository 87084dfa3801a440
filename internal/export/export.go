// Package export renders records as JSON for the CLI and the HTTP API.
package export

import (
	"io"
	"strconv"

	"github.com/valyala/fastjson"

	"github.com/coffersTech/techlog/internal/model"
	"github.com/coffersTech/techlog/internal/scanner"
)

// Int64 returns n as a JSON number without a float round trip.
func Int64(a *fastjson.Arena, n int64) *fastjson.Value {
	return a.NewNumberString(strconv.FormatInt(n, 10))
}

// RecordValue builds the JSON object of one record. Properties keep their
// original order and spelling.
func RecordValue(a *fastjson.Arena, r *model.Record) *fastjson.Value {
	o := a.NewObject()
	o.Set("time", a.NewString(r.Timestamp.Format(model.TimeLayout)))
	o.Set("event", a.NewString(r.Event))
	if r.HasDuration {
		o.Set("duration", Int64(a, r.Duration))
	}
	o.Set("depth", a.NewNumberInt(r.Depth))
	o.Set("process", a.NewString(r.ProcessID))
	o.Set("file", a.NewString(r.SourceFile))
	o.Set("offset", Int64(a, r.Offset))

	props := a.NewObject()
	for _, p := range r.Properties.All() {
		props.Set(p.Key, a.NewString(p.Value))
	}
	o.Set("properties", props)
	return o
}

// FileErrorsValue builds an array of {"path","error"} objects.
func FileErrorsValue(a *fastjson.Arena, errs []scanner.FileError) *fastjson.Value {
	arr := a.NewArray()
	for i, fe := range errs {
		o := a.NewObject()
		o.Set("path", a.NewString(fe.Path))
		o.Set("error", a.NewString(fe.Err.Error()))
		arr.SetArrayItem(i, o)
	}
	return arr
}

// Encoder writes records as JSON lines.
type Encoder struct {
	w   io.Writer
	a   fastjson.Arena
	buf []byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes r followed by a newline.
func (e *Encoder) Encode(r *model.Record) error {
	e.a.Reset()
	e.buf = RecordValue(&e.a, r).MarshalTo(e.buf[:0])
	e.buf = append(e.buf, '\n')
	_, err := e.w.Write(e.buf)
	return err
}
