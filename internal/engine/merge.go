package engine

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coffersTech/techlog/internal/journal"
	"github.com/coffersTech/techlog/internal/model"
	"github.com/coffersTech/techlog/internal/scanner"
)

// DefaultReorderWindow is the number of records buffered per file when
// StreamOptions.ReorderWindow is not set.
const DefaultReorderWindow = 256

// StreamOptions configures a merge Stream.
type StreamOptions struct {
	// Since drops records before this instant; hour files that end before
	// it are never opened. Zero means no lower bound.
	Since time.Time
	// Parallelism > 1 parses the files of an hour concurrently before they
	// enter the merge. Each file of the hour is then held in memory.
	Parallelism int
	// ReorderWindow is how many records each file buffers to absorb local
	// disorder within the file.
	ReorderWindow int
	Logger        *zap.Logger
	Metrics       *Metrics
}

// StreamStats counts what a Stream has seen so far.
type StreamStats struct {
	Files      int // Files opened
	Records    int // Records produced
	Malformed  int // Lines skipped because they did not parse
	Incomplete int // Files that ended inside a record
	Late       int // Records dropped because they arrived behind the merge
	FileErrors int
}

// Stream merges the records of many journal files into one sequence
// ordered by timestamp, then source file, then offset.
//
// Files are opened one hour at a time as the merge reaches their hour, so
// only the files of the hours in flight hold a descriptor. A Stream is
// single use and not safe for concurrent use.
type Stream struct {
	ctx    context.Context
	opts   StreamOptions
	logger *zap.Logger

	groups  [][]model.LogFile // Hours not opened yet, ascending
	sources sourceHeap

	cur     model.Record
	last    time.Time
	emitted bool

	stats      StreamStats
	fileErrors []scanner.FileError
	err        error
	closed     bool
}

// NewStream prepares a merge over files. Nothing is opened until the
// first call to Next. The order of files does not matter.
func NewStream(ctx context.Context, files []model.LogFile, opts StreamOptions) *Stream {
	if opts.ReorderWindow < 1 {
		opts.ReorderWindow = DefaultReorderWindow
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sorted := make([]model.LogFile, len(files))
	copy(sorted, files)
	scanner.SortFiles(sorted)

	s := &Stream{ctx: ctx, opts: opts, logger: logger}
	for _, f := range sorted {
		n := len(s.groups)
		if n > 0 && s.groups[n-1][0].DateHour.Equal(f.DateHour) {
			s.groups[n-1] = append(s.groups[n-1], f)
			continue
		}
		s.groups = append(s.groups, []model.LogFile{f})
	}
	return s
}

// Next advances to the next record. It returns false when the merge is
// exhausted, the context is done or Close was called; Err tells which.
func (s *Stream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			s.Close()
			return false
		}

		s.openDue()
		if len(s.sources) == 0 {
			s.Close()
			return false
		}

		src := s.sources[0]
		rec := src.pop()
		s.fill(src)
		if src.empty() {
			heap.Pop(&s.sources)
			src.close()
		} else {
			heap.Fix(&s.sources, 0)
		}

		if !s.opts.Since.IsZero() && rec.Timestamp.Before(s.opts.Since) {
			continue
		}
		if s.emitted && rec.Timestamp.Before(s.last) {
			s.stats.Late++
			s.logger.Warn("Dropping record behind the merge",
				zap.String("file", rec.SourceFile),
				zap.Int64("offset", rec.Offset),
				zap.Time("timestamp", rec.Timestamp),
				zap.Time("merged_up_to", s.last))
			continue
		}

		s.cur = rec
		s.last = rec.Timestamp
		s.emitted = true
		s.stats.Records++
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordsRead.Inc()
		}
		return true
	}
}

// Record returns the current record. It is valid until the next call to Next.
func (s *Stream) Record() *model.Record {
	return &s.cur
}

// Err returns the error that stopped the stream early, if any.
// Per-file problems are not errors; see FileErrors.
func (s *Stream) Err() error {
	return s.err
}

// FileErrors returns the files that could not be read, in the order the
// merge met them.
func (s *Stream) FileErrors() []scanner.FileError {
	return s.fileErrors
}

// Stats returns the counters accumulated so far.
func (s *Stream) Stats() StreamStats {
	return s.stats
}

// Close releases every open file. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, src := range s.sources {
		if err := src.close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.sources = nil
	s.groups = nil
	return errors.Join(errs...)
}

// Records adapts the stream to a range-over-func sequence. The stream is
// closed when the loop ends, including on break.
func (s *Stream) Records() iter.Seq[model.Record] {
	return func(yield func(model.Record) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.cur) {
				return
			}
		}
	}
}

// openDue opens hour groups until the next unopened hour starts after the
// smallest buffered record. Records of an hour never precede the hour.
func (s *Stream) openDue() {
	for len(s.groups) > 0 {
		hour := s.groups[0][0].DateHour
		if len(s.sources) > 0 && hour.After(s.sources[0].head().Timestamp) {
			return
		}
		group := s.groups[0]
		s.groups = s.groups[1:]

		if !s.opts.Since.IsZero() && !hour.Add(time.Hour).After(s.opts.Since) {
			continue
		}
		s.openGroup(group)
	}
}

func (s *Stream) openGroup(group []model.LogFile) {
	if s.opts.Parallelism > 1 && len(group) > 1 {
		s.prefetchGroup(group)
		return
	}
	for _, f := range group {
		rd, err := journal.Open(f)
		if err != nil {
			s.fileError(f.Path, err)
			continue
		}
		s.stats.Files++
		s.push(&source{file: f, rd: rd, size: s.opts.ReorderWindow})
	}
}

// parsedFile is one file read to the end by a prefetch worker.
type parsedFile struct {
	records    []model.Record
	malformed  int
	incomplete bool
	openErr    error
	readErr    error
}

// prefetchGroup parses the files of one hour concurrently. Results are
// handed back whole and merged on the calling goroutine.
func (s *Stream) prefetchGroup(group []model.LogFile) {
	parsed := make([]parsedFile, len(group))

	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(s.opts.Parallelism)
	for i, f := range group {
		g.Go(func() error {
			parsed[i] = s.parseFile(ctx, f)
			return nil
		})
	}
	_ = g.Wait()

	for i, f := range group {
		p := parsed[i]
		if p.openErr != nil {
			s.fileError(f.Path, p.openErr)
			continue
		}
		s.stats.Files++
		s.stats.Malformed += p.malformed
		if s.opts.Metrics != nil {
			s.opts.Metrics.MalformedLines.Add(float64(p.malformed))
		}
		if p.incomplete {
			s.stats.Incomplete++
		}
		if p.readErr != nil {
			s.fileError(f.Path, p.readErr)
		}
		s.push(&source{file: f, pending: p.records, size: s.opts.ReorderWindow})
	}
}

func (s *Stream) parseFile(ctx context.Context, f model.LogFile) parsedFile {
	var p parsedFile
	rd, err := journal.Open(f)
	if err != nil {
		p.openErr = err
		return p
	}
	defer rd.Close()

	for ctx.Err() == nil {
		rec, err := rd.Next()
		if err == nil {
			p.records = append(p.records, rec)
			continue
		}
		var le *journal.LineError
		switch {
		case errors.As(err, &le):
			p.malformed++
			s.logger.Debug("Skipping malformed line",
				zap.String("file", f.Path), zap.Int64("offset", le.FileOffset), zap.String("reason", le.Reason))
			continue
		case errors.Is(err, journal.ErrIncomplete):
			p.incomplete = true
		case !errors.Is(err, io.EOF):
			p.readErr = err
		}
		return p
	}
	return p
}

// push fills a new source and adds it to the merge if it has records.
func (s *Stream) push(src *source) {
	s.fill(src)
	if src.empty() {
		src.close()
		return
	}
	heap.Push(&s.sources, src)
}

// fill tops up the reorder window of src.
func (s *Stream) fill(src *source) {
	for !src.done && len(src.window) < src.size {
		rec, err := src.next()
		if err == nil {
			heap.Push(&src.window, rec)
			continue
		}

		var le *journal.LineError
		switch {
		case errors.As(err, &le):
			s.stats.Malformed++
			if s.opts.Metrics != nil {
				s.opts.Metrics.MalformedLines.Inc()
			}
			s.logger.Debug("Skipping malformed line",
				zap.String("file", src.file.Path), zap.Int64("offset", le.FileOffset), zap.String("reason", le.Reason))
		case errors.Is(err, io.EOF):
			src.done = true
		case errors.Is(err, journal.ErrIncomplete):
			// The process is still writing the last record.
			s.stats.Incomplete++
			src.done = true
		default:
			s.fileError(src.file.Path, err)
			src.done = true
		}
	}
}

func (s *Stream) fileError(path string, err error) {
	s.stats.FileErrors++
	s.fileErrors = append(s.fileErrors, scanner.FileError{Path: path, Err: err})
	if s.opts.Metrics != nil {
		s.opts.Metrics.FileErrors.Inc()
	}
	s.logger.Warn("Failed to read journal file", zap.String("file", path), zap.Error(err))
}

// source is one file taking part in the merge. Records come either from an
// open reader or from a prefetched slice.
type source struct {
	file    model.LogFile
	rd      *journal.Reader
	pending []model.Record
	window  recordHeap
	size    int
	done    bool
}

func (src *source) next() (model.Record, error) {
	if src.rd != nil {
		return src.rd.Next()
	}
	if len(src.pending) == 0 {
		return model.Record{}, io.EOF
	}
	rec := src.pending[0]
	src.pending[0] = model.Record{}
	src.pending = src.pending[1:]
	return rec, nil
}

func (src *source) head() *model.Record {
	return &src.window[0]
}

func (src *source) pop() model.Record {
	return heap.Pop(&src.window).(model.Record)
}

func (src *source) empty() bool {
	return len(src.window) == 0
}

func (src *source) close() error {
	src.pending = nil
	if src.rd == nil {
		return nil
	}
	err := src.rd.Close()
	src.rd = nil
	return err
}

// recordHeap is a min-heap of records in merge order.
type recordHeap []model.Record

func (h recordHeap) Len() int           { return len(h) }
func (h recordHeap) Less(i, j int) bool { return h[i].Less(&h[j]) }
func (h recordHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)        { *h = append(*h, x.(model.Record)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = model.Record{}
	*h = old[:n-1]
	return rec
}

// sourceHeap orders sources by their smallest buffered record.
type sourceHeap []*source

func (h sourceHeap) Len() int           { return len(h) }
func (h sourceHeap) Less(i, j int) bool { return h[i].head().Less(h[j].head()) }
func (h sourceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)        { *h = append(*h, x.(*source)) }
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	src := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return src
}
