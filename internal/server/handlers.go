package server

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/coffersTech/techlog/internal/engine"
	"github.com/coffersTech/techlog/internal/export"
	"github.com/coffersTech/techlog/internal/model"
	"github.com/coffersTech/techlog/internal/pkg/tjql"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	newest, _ := strconv.ParseBool(q.Get("newest"))

	res, err := s.engine.Search(r.Context(), engine.Query{Filter: q.Get("q"), Limit: limit, Newest: newest})
	if err != nil {
		s.queryError(w, r, err)
		return
	}

	a := s.arenas.Get()
	defer s.arenas.Put(a)

	recs := a.NewArray()
	for i := range res.Records {
		recs.SetArrayItem(i, export.RecordValue(a, &res.Records[i]))
	}
	o := a.NewObject()
	o.Set("records", recs)
	o.Set("matched", a.NewNumberInt(res.Matched))
	o.Set("truncated", boolValue(a, res.Truncated))
	o.Set("malformed", a.NewNumberInt(res.Stats.Malformed))
	o.Set("file_errors", export.FileErrorsValue(a, res.FileErrors))
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	interval := defaultInterval
	if v := q.Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.badRequest(w, "interval must be a positive duration such as 1m or 1h")
			return
		}
		interval = d
	}

	points, err := s.engine.Histogram(r.Context(), q.Get("q"), interval)
	if err != nil {
		s.queryError(w, r, err)
		return
	}

	a := s.arenas.Get()
	defer s.arenas.Put(a)

	arr := a.NewArray()
	for i, p := range points {
		o := a.NewObject()
		o.Set("time", a.NewString(p.Time.Format(time.RFC3339)))
		o.Set("count", a.NewNumberInt(p.Count))
		o.Set("duration", export.Int64(a, p.Duration))
		arr.SetArrayItem(i, o)
	}
	s.writeJSON(w, http.StatusOK, arr)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.queryError(w, r, err)
		return
	}

	a := s.arenas.Get()
	defer s.arenas.Put(a)

	events := a.NewArray()
	for i, es := range st.Events {
		o := a.NewObject()
		o.Set("event", a.NewString(es.Event))
		o.Set("count", a.NewNumberInt(es.Count))
		o.Set("duration", export.Int64(a, es.Duration))
		events.SetArrayItem(i, o)
	}
	procs := a.NewObject()
	for _, tag := range slices.Sorted(maps.Keys(st.Processes)) {
		procs.Set(tag, a.NewNumberInt(st.Processes[tag]))
	}

	o := a.NewObject()
	o.Set("records", a.NewNumberInt(st.Records))
	o.Set("events", events)
	o.Set("processes", procs)
	if st.Records > 0 {
		o.Set("first", a.NewString(st.First.Format(model.TimeLayout)))
		o.Set("last", a.NewString(st.Last.Format(model.TimeLayout)))
	}
	o.Set("files", a.NewNumberInt(st.Files))
	o.Set("malformed", a.NewNumberInt(st.Malformed))
	o.Set("incomplete", a.NewNumberInt(st.Incomplete))
	o.Set("late", a.NewNumberInt(st.Late))
	o.Set("file_errors", export.FileErrorsValue(a, st.FileErrors))
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	at, err := s.engine.ParseInstant(q.Get("at"))
	if err != nil {
		s.badRequest(w, "at: "+err.Error())
		return
	}
	n := 0
	if v := q.Get("n"); v != "" {
		n, err = strconv.Atoi(v)
		if err != nil || n < 1 {
			s.badRequest(w, "n must be a positive integer")
			return
		}
		n = min(n, s.cfg.MaxLimit)
	}

	res, err := s.engine.Context(r.Context(), q.Get("q"), at, n)
	if err != nil {
		s.queryError(w, r, err)
		return
	}

	a := s.arenas.Get()
	defer s.arenas.Put(a)

	o := a.NewObject()
	o.Set("pre", recordsValue(a, res.Pre))
	if res.Anchor != nil {
		o.Set("anchor", export.RecordValue(a, res.Anchor))
	} else {
		o.Set("anchor", a.NewNull())
	}
	o.Set("post", recordsValue(a, res.Post))
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Scan failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error(), -1)
		return
	}

	a := s.arenas.Get()
	defer s.arenas.Put(a)

	files := a.NewArray()
	for i, f := range snap.Files {
		o := a.NewObject()
		o.Set("path", a.NewString(f.Rel))
		o.Set("hour", a.NewString(f.DateHour.Format(time.RFC3339)))
		o.Set("process", a.NewString(f.Process))
		o.Set("pid", a.NewString(f.PID))
		o.Set("size", export.Int64(a, f.Size))
		o.Set("compression", a.NewString(f.Compression.String()))
		files.SetArrayItem(i, o)
	}
	o := a.NewObject()
	o.Set("snapshot", a.NewString(snap.ID.String()))
	o.Set("root", a.NewString(snap.Root))
	o.Set("scanned_at", a.NewString(snap.ScannedAt.Format(time.RFC3339)))
	o.Set("files", files)
	o.Set("errors", export.FileErrorsValue(a, snap.Errors))
	s.writeJSON(w, http.StatusOK, o)
}

// handleCompile checks a filter without running it.
// Body: {"q": "..."}.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, 64*1024)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	p := s.parsers.Get()
	defer s.parsers.Put(p)
	v, err := p.ParseBytes(body)
	if err != nil {
		s.badRequest(w, "invalid JSON")
		return
	}
	qv := v.Get("q")
	if qv == nil || qv.Type() != fastjson.TypeString {
		s.badRequest(w, `body must be {"q": "<filter>"}`)
		return
	}

	a := s.arenas.Get()
	defer s.arenas.Put(a)

	o := a.NewObject()
	if _, err := s.engine.Compile(string(qv.GetStringBytes())); err != nil {
		msg, offset := filterError(err)
		o.Set("ok", a.NewFalse())
		o.Set("error", a.NewString(msg))
		o.Set("offset", a.NewNumberInt(offset))
	} else {
		o.Set("ok", a.NewTrue())
	}
	s.writeJSON(w, http.StatusOK, o)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}

func recordsValue(a *fastjson.Arena, recs []model.Record) *fastjson.Value {
	arr := a.NewArray()
	for i := range recs {
		arr.SetArrayItem(i, export.RecordValue(a, &recs[i]))
	}
	return arr
}

func boolValue(a *fastjson.Arena, b bool) *fastjson.Value {
	if b {
		return a.NewTrue()
	}
	return a.NewFalse()
}

// filterError extracts the message and input offset of a rejected filter.
func filterError(err error) (string, int) {
	var pe *tjql.ParseError
	if errors.As(err, &pe) {
		return pe.Message, pe.Offset
	}
	var ce *tjql.CompileError
	if errors.As(err, &ce) {
		return ce.Error(), ce.Offset
	}
	return err.Error(), -1
}

// queryError maps engine errors: rejected filters are the client's fault,
// everything else is ours.
func (s *Server) queryError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *tjql.ParseError
	var ce *tjql.CompileError
	if errors.As(err, &pe) || errors.As(err, &ce) {
		msg, offset := filterError(err)
		s.writeError(w, http.StatusBadRequest, msg, offset)
		return
	}
	if r.Context().Err() != nil {
		return // Client went away
	}
	s.logger.Error("Query failed",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "query failed", -1)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeError(w, http.StatusBadRequest, msg, -1)
}

// writeError writes {"error": msg} and the filter offset when known.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string, offset int) {
	a := s.arenas.Get()
	defer s.arenas.Put(a)

	o := a.NewObject()
	o.Set("error", a.NewString(msg))
	if offset >= 0 {
		o.Set("offset", a.NewNumberInt(offset))
	}
	s.writeJSON(w, status, o)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v *fastjson.Value) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(v.MarshalTo(nil)); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}
