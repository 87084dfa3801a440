package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/coffersTech/techlog/internal/model"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Reader pulls records from one journal file, one at a time.
type Reader struct {
	br     *bufio.Reader
	closer io.Closer
	fc     FileContext
	offset int64
	// final marks the input as complete (an archive): a last record without
	// a trailing newline is accepted instead of reported as incomplete.
	final bool
	buf   []byte
	began bool
}

// NewReader wraps r. The caller keeps ownership of r.
func NewReader(r io.Reader, fc FileContext) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), fc: fc}
}

// Open opens a journal file, transparently decompressing archived hours.
func Open(f model.LogFile) (*Reader, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}

	fc := FileContext{DateHour: f.DateHour, ProcessID: f.ProcessTag, SourceFile: f.Path}

	switch f.Compression {
	case model.CompressionZstd:
		dec, err := zstd.NewReader(fh)
		if err != nil {
			fh.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		rd := NewReader(dec, fc)
		rd.closer = closerFunc(func() error {
			dec.Close()
			return fh.Close()
		})
		rd.final = true
		return rd, nil
	case model.CompressionGzip:
		dec, err := gzip.NewReader(fh)
		if err != nil {
			fh.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		rd := NewReader(dec, fc)
		rd.closer = closerFunc(func() error {
			dec.Close()
			return fh.Close()
		})
		rd.final = true
		return rd, nil
	default:
		rd := NewReader(fh, fc)
		rd.closer = fh
		return rd, nil
	}
}

// Offset returns the byte offset just past the last complete record.
// After ErrIncomplete it points at the start of the partial record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close releases the underlying file, if the reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Next returns the next record.
// It returns io.EOF at the end of input, ErrIncomplete when the input ends
// inside a record, and a *LineError for a record that fails to parse; after
// a *LineError the caller may keep calling Next.
func (r *Reader) Next() (model.Record, error) {
	for {
		start := r.offset
		raw, err := r.readRaw()
		if err != nil {
			return model.Record{}, err
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		rec, err := ParseLine(string(raw), r.fc)
		if err != nil {
			var le *LineError
			if errors.As(err, &le) {
				le.FileOffset = start
			}
			return model.Record{}, err
		}
		rec.Offset = start
		return rec, nil
	}
}

// readRaw returns the bytes of the next record including its terminator.
// A newline only ends a record outside a quoted value.
func (r *Reader) readRaw() ([]byte, error) {
	if !r.began {
		r.began = true
		if head, err := r.br.Peek(len(bom)); err == nil && bytes.Equal(head, bom) {
			r.br.Discard(len(bom))
			r.offset += int64(len(bom))
		}
	}

	r.buf = r.buf[:0]
	var st scanState
	for {
		chunk, err := r.br.ReadSlice('\n')
		st.feed(chunk)
		r.buf = append(r.buf, chunk...)

		switch {
		case err == nil:
			if !st.quoted() {
				r.offset += int64(len(r.buf))
				return r.buf, nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
			// Long record; keep reading.
		case errors.Is(err, io.EOF):
			if len(r.buf) == 0 {
				return nil, io.EOF
			}
			if r.final && !st.quoted() {
				r.offset += int64(len(r.buf))
				return r.buf, nil
			}
			return nil, ErrIncomplete
		default:
			return nil, err
		}
	}
}

type scanMode uint8

const (
	modeKey scanMode = iota
	modeValueStart
	modeValue
	modeQuoted
	modeQuoteSeen
)

// scanState tracks whether the scanner is inside a quoted value.
// It mirrors the value rules of the line parser: a quote only opens a
// value when it directly follows '='.
type scanState struct {
	mode  scanMode
	quote byte
}

func (s *scanState) quoted() bool {
	return s.mode == modeQuoted
}

func (s *scanState) feed(chunk []byte) {
	for _, c := range chunk {
		switch s.mode {
		case modeKey:
			if c == '=' {
				s.mode = modeValueStart
			}
		case modeValueStart:
			switch c {
			case '\'', '"':
				s.mode = modeQuoted
				s.quote = c
			case ',', '\n':
				s.mode = modeKey
			default:
				s.mode = modeValue
			}
		case modeValue:
			if c == ',' || c == '\n' {
				s.mode = modeKey
			}
		case modeQuoted:
			if c == s.quote {
				s.mode = modeQuoteSeen
			}
		case modeQuoteSeen:
			if c == s.quote {
				s.mode = modeQuoted
			} else {
				s.mode = modeKey
			}
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
