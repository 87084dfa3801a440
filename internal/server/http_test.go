package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/goleak"

	"github.com/coffersTech/techlog/internal/config"
	"github.com/coffersTech/techlog/internal/engine"
	"github.com/coffersTech/techlog/internal/pkg/security"
)

func writeJournal(t *testing.T, root, rel string, lines ...string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := "\xEF\xBB\xBF" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeJournal(t, root, "rphost_100/24031015.log",
		"00:01.000000-5,CALL,0,Usr=a",
		"00:03.000000-1,CALL,0",
		"00:05.000000-0,EXCP,0,Descr='ping failed'")
	writeJournal(t, root, "rphost_200/24031015.log",
		"00:02.000000-1,DBMSSQL,1,Sql='select 1'",
		"00:03.000000-2,SDBL,0")
	writeJournal(t, root, "rphost_100/24031016.log",
		"00:00.000000-1,CALL,0")
	return root
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	eng := engine.New(engine.Options{
		Root:     buildTree(t),
		Location: time.UTC,
		Metrics:  engine.NewMetrics(reg),
		Now:      func() time.Time { return time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC) },
	})
	cfg := config.DefaultConfig().Server
	cfg.RateLimit = 0
	cfg.WatchDebounce = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return New(eng, cfg, nil, reg), reg
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, *fastjson.Value) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, parseBody(t, rec)
}

func parseBody(t *testing.T, rec *httptest.ResponseRecorder) *fastjson.Value {
	t.Helper()
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		return nil
	}
	v, err := fastjson.ParseBytes(rec.Body.Bytes())
	require.NoError(t, err, rec.Body.String())
	return v
}

func TestSearch(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec, v := get(t, h, "/api/search?limit=2&q="+url.QueryEscape(`event = "CALL"`))
	require.Equal(t, http.StatusOK, rec.Code)
	records := v.GetArray("records")
	require.Len(t, records, 2)
	assert.Equal(t, "2024-03-10T15:00:01.000000", string(records[0].GetStringBytes("time")))
	assert.Equal(t, "a", string(records[0].GetStringBytes("properties", "Usr")))
	assert.True(t, v.GetBool("truncated"))

	rec, v = get(t, h, "/api/search?newest=true&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	records = v.GetArray("records")
	require.Len(t, records, 1)
	assert.Equal(t, "2024-03-10T16:00:00.000000", string(records[0].GetStringBytes("time")))
	assert.Equal(t, 6, v.GetInt("matched"))

	rec, v = get(t, h, "/api/search?q="+url.QueryEscape("/ping/"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, v.GetArray("records"), 1)
	assert.Equal(t, "EXCP", string(v.GetArray("records")[0].GetStringBytes("event")))
}

func TestSearchRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec, v := get(t, h, "/api/search?q="+url.QueryEscape("WHERE time >"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, len("WHERE time >"), v.GetInt("offset"))
	assert.Contains(t, string(v.GetStringBytes("error")), "end of input")

	rec, v = get(t, h, "/api/search?q="+url.QueryEscape("Txt = /(/"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, string(v.GetStringBytes("error")), "bad regex")

	rec, _ = get(t, h, "/api/search?limit=-3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchCapsLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.ServerConfig) { c.MaxLimit = 3 })
	rec, v := get(t, s.Handler(), "/api/search?limit=500")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, v.GetArray("records"), 3)
}

func TestHistogram(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec, v := get(t, h, "/api/histogram?interval=1h")
	require.Equal(t, http.StatusOK, rec.Code)
	points := v.GetArray()
	require.Len(t, points, 2)
	assert.Equal(t, "2024-03-10T15:00:00Z", string(points[0].GetStringBytes("time")))
	assert.Equal(t, 5, points[0].GetInt("count"))
	assert.Equal(t, int64(9), points[0].GetInt64("duration"))

	rec, _ = get(t, h, "/api/histogram?interval=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec, v := get(t, s.Handler(), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 6, v.GetInt("records"))
	assert.Equal(t, "CALL", string(v.GetArray("events")[0].GetStringBytes("event")))
	assert.Equal(t, 4, v.GetInt("processes", "rphost_100"))
	assert.Equal(t, 3, v.GetInt("files"))
	assert.Empty(t, v.GetArray("file_errors"))
}

func TestContext(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec, v := get(t, h, "/api/context?n=1&at="+url.QueryEscape("2024-03-10 15:00:05"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EXCP", string(v.GetStringBytes("anchor", "event")))
	require.Len(t, v.GetArray("pre"), 1)
	assert.Equal(t, "SDBL", string(v.GetArray("pre")[0].GetStringBytes("event")))
	require.Len(t, v.GetArray("post"), 1)

	rec, _ = get(t, h, "/api/context?at=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFiles(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec, v := get(t, s.Handler(), "/api/files")
	require.Equal(t, http.StatusOK, rec.Code)

	files := v.GetArray("files")
	require.Len(t, files, 3)
	assert.Equal(t, "rphost", string(files[0].GetStringBytes("process")))
	assert.Equal(t, "100", string(files[0].GetStringBytes("pid")))
	assert.Equal(t, "none", string(files[0].GetStringBytes("compression")))
	_, err := uuid.ParseBytes(v.GetStringBytes("snapshot"))
	assert.NoError(t, err)
}

func TestCompile(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	post := func(body string) (*httptest.ResponseRecorder, *fastjson.Value) {
		req := httptest.NewRequest(http.MethodPost, "/api/compile", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec, parseBody(t, rec)
	}

	rec, v := post(`{"q": "WHERE time > 'now-1d' AND (event = \"PROC\" OR Txt=/ping/)"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, v.GetBool("ok"))

	rec, v = post(`{"q": "event = "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, v.GetBool("ok"))
	assert.Equal(t, len("event = "), v.GetInt("offset"))

	rec, _ = post(`{"q": 42}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/compile", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestBasicAuth(t *testing.T) {
	hash, err := security.HashPassword("s3cret")
	require.NoError(t, err)
	s, _ := newTestServer(t, func(c *config.ServerConfig) {
		c.Username = "admin"
		c.PasswordHash = hash
	})
	h := s.Handler()

	rec, _ := get(t, h, "/api/files")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.SetBasicAuth("admin", "wrong")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.SetBasicAuth("admin", "s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rec, _ = get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.ServerConfig) {
		c.RateLimit = 0.001
		c.Burst = 1
	})
	h := s.Handler()

	rec, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = get(t, h, "/healthz")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec, _ := get(t, h, "/healthz")
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, id, rr.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.NotEqual(t, "<script>", rr.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec, _ := get(t, h, "/api/search")
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "techlog_merge_records_total 6")
	assert.Contains(t, string(body), "techlog_scan_files 3")
}

func TestServeStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _ := newTestServer(t, func(c *config.ServerConfig) { c.WatchDebounce = 50 * time.Millisecond })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
