// Package engine runs filters over a journal tree: it scans the root,
// merges the files into one ordered stream and evaluates compiled filters
// against it.
package engine

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coffersTech/techlog/internal/model"
	"github.com/coffersTech/techlog/internal/pkg/tjql"
	"github.com/coffersTech/techlog/internal/scanner"
	"github.com/coffersTech/techlog/internal/storage"
)

// Options configures an Engine.
type Options struct {
	Root          string
	Location      *time.Location // Zone of file names and absolute time literals
	Since         time.Time      // Global lower bound; zero means none
	Parallelism   int
	ReorderWindow int
	Catalog       *storage.Catalog // Optional scan cache
	Logger        *zap.Logger
	Metrics       *Metrics
	Now           func() time.Time
}

// Engine answers queries over one journal root. It keeps the last scan
// snapshot until Invalidate or Refresh is called. Safe for concurrent use.
type Engine struct {
	opts    Options
	logger  *zap.Logger
	metrics *Metrics

	mu   sync.RWMutex
	snap *scanner.Snapshot
}

// New creates an Engine. Nothing is scanned until the first query.
func New(opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{opts: opts, logger: logger, metrics: metrics}
}

// Root returns the journal root the engine reads.
func (e *Engine) Root() string {
	return e.opts.Root
}

// Snapshot returns the current file list, scanning the root on first use.
// A fresh catalog entry is used instead of walking the tree when available.
func (e *Engine) Snapshot(ctx context.Context) (*scanner.Snapshot, error) {
	e.mu.RLock()
	snap := e.snap
	e.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap, err := e.scan(true)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot; the next query rescans.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.snap = nil
	e.mu.Unlock()
}

// Refresh walks the root again, bypassing the catalog, and reports what
// changed since the previous snapshot.
func (e *Engine) Refresh(ctx context.Context) (scanner.Changes, error) {
	if err := ctx.Err(); err != nil {
		return scanner.Changes{}, err
	}
	next, err := e.scan(false)
	if err != nil {
		return scanner.Changes{}, err
	}

	e.mu.Lock()
	prev := e.snap
	e.snap = next
	e.mu.Unlock()

	changes := scanner.Diff(prev, next)
	if !changes.Empty() {
		e.logger.Info("Journal tree changed",
			zap.Int("added", len(changes.Added)),
			zap.Int("removed", len(changes.Removed)),
			zap.Int("changed", len(changes.Changed)))
	}
	return changes, nil
}

func (e *Engine) scan(useCatalog bool) (*scanner.Snapshot, error) {
	cat := e.opts.Catalog
	if cat != nil && useCatalog {
		snap, err := cat.Load(e.opts.Root, e.opts.Location)
		switch {
		case err == nil:
			e.metrics.CatalogLookups.WithLabelValues("hit").Inc()
			e.metrics.FilesDiscovered.Set(float64(len(snap.Files)))
			e.logger.Debug("Using cached scan", zap.String("root", e.opts.Root), zap.Int("files", len(snap.Files)))
			return snap, nil
		case errors.Is(err, fs.ErrNotExist):
			e.metrics.CatalogLookups.WithLabelValues("miss").Inc()
		case errors.Is(err, storage.ErrStale):
			e.metrics.CatalogLookups.WithLabelValues("stale").Inc()
		default:
			e.metrics.CatalogLookups.WithLabelValues("miss").Inc()
			e.logger.Warn("Ignoring unreadable catalog", zap.Error(err))
		}
	}

	start := time.Now()
	snap, err := scanner.Scan(e.opts.Root, scanner.Options{Location: e.opts.Location, Logger: e.logger})
	if err != nil {
		return nil, err
	}
	e.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	e.metrics.FilesDiscovered.Set(float64(len(snap.Files)))
	e.logger.Debug("Scanned journal root",
		zap.String("root", snap.Root),
		zap.Int("files", len(snap.Files)),
		zap.Duration("took", time.Since(start)))

	if cat != nil {
		if err := cat.Save(snap); err != nil {
			e.logger.Warn("Failed to save scan catalog", zap.Error(err))
		}
	}
	return snap, nil
}

// Compile parses and compiles a filter with the engine's clock and zone.
// The error is a *tjql.ParseError or a *tjql.CompileError.
func (e *Engine) Compile(filter string) (*tjql.Predicate, error) {
	c := tjql.Compiler{Now: e.opts.Now, Location: e.opts.Location}
	pred, err := c.CompileString(filter)
	if err != nil {
		e.metrics.CompileErrors.WithLabelValues(compileErrorKind(err)).Inc()
		return nil, err
	}
	return pred, nil
}

func compileErrorKind(err error) string {
	var ce *tjql.CompileError
	if errors.As(err, &ce) {
		if ce.Kind == tjql.BadRegex {
			return "bad_regex"
		}
		return "bad_field"
	}
	return "parse"
}

// Open compiles filter and starts a filtered merge over the current
// snapshot. The caller must Close the view.
func (e *Engine) Open(ctx context.Context, filter string) (*View, error) {
	pred, err := e.Compile(filter)
	if err != nil {
		return nil, err
	}
	return e.OpenPredicate(ctx, pred)
}

// OpenPredicate is Open with an already compiled filter.
func (e *Engine) OpenPredicate(ctx context.Context, pred *tjql.Predicate) (*View, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	stream := NewStream(ctx, snap.Files, StreamOptions{
		Since:         e.opts.Since,
		Parallelism:   e.opts.Parallelism,
		ReorderWindow: e.opts.ReorderWindow,
		Logger:        e.logger,
		Metrics:       e.metrics,
	})
	return &View{stream: stream, pred: pred, snap: snap}, nil
}

// View is a filtered merge stream.
type View struct {
	stream  *Stream
	pred    *tjql.Predicate
	snap    *scanner.Snapshot
	matched int
}

// Next advances to the next matching record.
func (v *View) Next() bool {
	for v.stream.Next() {
		if v.pred.Match(v.stream.Record()) {
			v.matched++
			return true
		}
	}
	return false
}

// Record returns the current record, valid until the next call to Next.
func (v *View) Record() *model.Record {
	return v.stream.Record()
}

// Err returns the error that stopped the view early, if any.
func (v *View) Err() error {
	return v.stream.Err()
}

// Matched returns the number of matching records produced so far.
func (v *View) Matched() int {
	return v.matched
}

// Stats returns the counters of the underlying merge.
func (v *View) Stats() StreamStats {
	return v.stream.Stats()
}

// Snapshot returns the scan the view reads.
func (v *View) Snapshot() *scanner.Snapshot {
	return v.snap
}

// FileErrors returns unreadable directories from the scan followed by
// unreadable files met by the merge.
func (v *View) FileErrors() []scanner.FileError {
	errs := make([]scanner.FileError, 0, len(v.snap.Errors)+len(v.stream.FileErrors()))
	errs = append(errs, v.snap.Errors...)
	return append(errs, v.stream.FileErrors()...)
}

// Close releases the files held by the view.
func (v *View) Close() error {
	return v.stream.Close()
}

// Query describes a Search.
type Query struct {
	Filter string
	Limit  int  // Zero means no limit
	Newest bool // Keep the last Limit matches instead of the first
}

// SearchResult holds the records of a Search in merge order.
type SearchResult struct {
	Records    []model.Record
	Matched    int  // Matches seen; exact when Newest is set or not Truncated
	Truncated  bool // More matches exist beyond Limit
	Stats      StreamStats
	FileErrors []scanner.FileError
}

// Search returns up to q.Limit matching records.
func (e *Engine) Search(ctx context.Context, q Query) (*SearchResult, error) {
	v, err := e.Open(ctx, q.Filter)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	res := &SearchResult{}
	switch {
	case q.Limit > 0 && q.Newest:
		tail := newRing(q.Limit)
		for v.Next() {
			tail.push(*v.Record())
		}
		res.Records = tail.items()
		res.Truncated = v.Matched() > q.Limit
	default:
		for v.Next() {
			if q.Limit > 0 && len(res.Records) == q.Limit {
				res.Truncated = true
				break
			}
			res.Records = append(res.Records, *v.Record())
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	res.Matched = v.Matched()
	res.Stats = v.Stats()
	res.FileErrors = v.FileErrors()
	return res, nil
}

// ContextResult holds the records around an instant.
type ContextResult struct {
	Pre    []model.Record
	Anchor *model.Record
	Post   []model.Record
}

// Context returns the matching record closest to at, with up to n matching
// records on each side. An earlier record wins a tie in distance.
func (e *Engine) Context(ctx context.Context, filter string, at time.Time, n int) (*ContextResult, error) {
	if n <= 0 {
		n = 10
	}
	v, err := e.Open(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	res := &ContextResult{}
	before := newRing(n + 1)
	for v.Next() {
		rec := *v.Record()
		if res.Anchor == nil {
			if rec.Timestamp.Before(at) {
				before.push(rec)
				continue
			}
			pre := before.items()
			if len(pre) > 0 && at.Sub(pre[len(pre)-1].Timestamp) <= rec.Timestamp.Sub(at) {
				anchor := pre[len(pre)-1]
				res.Anchor = &anchor
				res.Pre = pre[:len(pre)-1]
				res.Post = append(res.Post, rec)
			} else {
				res.Anchor = &rec
				res.Pre = trimFront(pre, n)
			}
			if len(res.Post) == n {
				break
			}
			continue
		}
		res.Post = append(res.Post, rec)
		if len(res.Post) == n {
			break
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	if res.Anchor == nil {
		pre := before.items()
		if len(pre) == 0 {
			return res, nil
		}
		anchor := pre[len(pre)-1]
		res.Anchor = &anchor
		res.Pre = pre[:len(pre)-1]
	}
	return res, nil
}

func trimFront(recs []model.Record, n int) []model.Record {
	if len(recs) > n {
		return recs[len(recs)-n:]
	}
	return recs
}

// ring keeps the last cap records pushed.
type ring struct {
	buf   []model.Record
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]model.Record, capacity)}
}

func (r *ring) push(rec model.Record) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = rec
		r.size++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the records oldest first.
func (r *ring) items() []model.Record {
	out := make([]model.Record, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// ParseInstant resolves a time literal body such as now-15m or
// 2024-03-10 15:00 with the engine's clock and zone.
func (e *Engine) ParseInstant(text string) (time.Time, error) {
	return tjql.ParseInstant(text, e.opts.Now(), e.opts.Location)
}
