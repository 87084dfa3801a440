package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/techlog/internal/pkg/tjql"
	"github.com/coffersTech/techlog/internal/storage"
)

func newTestEngine(t *testing.T, root string, reg *prometheus.Registry, cat *storage.Catalog) *Engine {
	t.Helper()
	return New(Options{
		Root:     root,
		Location: time.UTC,
		Catalog:  cat,
		Metrics:  NewMetrics(reg),
		Now:      func() time.Time { return hour15.Add(30 * time.Minute) },
	})
}

// counterValue reads a counter from reg; label is matched against the
// first label value when set.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && (len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != label) {
				continue
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestEngineSearch(t *testing.T) {
	eng := newTestEngine(t, buildTree(t), prometheus.NewRegistry(), nil)
	ctx := context.Background()

	res, err := eng.Search(ctx, Query{Filter: `event = "CALL"`})
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.Matched)
	assert.False(t, res.Truncated)
	assert.Equal(t, 3, res.Stats.Files)

	res, err = eng.Search(ctx, Query{Filter: `event = "CALL"`, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.True(t, res.Truncated)
	assert.True(t, res.Records[0].Timestamp.Equal(hour15.Add(time.Second)))

	res, err = eng.Search(ctx, Query{Filter: `event = "CALL"`, Limit: 2, Newest: true})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.True(t, res.Truncated)
	assert.Equal(t, 3, res.Matched)
	assert.True(t, res.Records[0].Timestamp.Equal(hour15.Add(3*time.Second)))
	assert.True(t, res.Records[1].Timestamp.Equal(hour15.Add(time.Hour)))
}

func TestEngineSearchRegexShorthand(t *testing.T) {
	eng := newTestEngine(t, buildTree(t), prometheus.NewRegistry(), nil)

	res, err := eng.Search(context.Background(), Query{Filter: "/boom/"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "EXCP", res.Records[0].Event)
}

func TestEngineSearchRelativeTime(t *testing.T) {
	eng := newTestEngine(t, buildTree(t), prometheus.NewRegistry(), nil)

	// now is 15:30
	res, err := eng.Search(context.Background(), Query{Filter: "WHERE time > 'now-10m'"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Timestamp.Equal(hour15.Add(time.Hour)))
}

func TestEngineCompileErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng := newTestEngine(t, buildTree(t), reg, nil)
	ctx := context.Background()

	_, err := eng.Open(ctx, "WHERE time >")
	var pe *tjql.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, len("WHERE time >"), pe.Offset)

	_, err = eng.Search(ctx, Query{Filter: "Usr = /(/"})
	var ce *tjql.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, tjql.BadRegex, ce.Kind)

	assert.Equal(t, 1.0, counterValue(t, reg, "techlog_query_compile_errors_total", "parse"))
	assert.Equal(t, 1.0, counterValue(t, reg, "techlog_query_compile_errors_total", "bad_regex"))
}

func TestEngineHistogram(t *testing.T) {
	eng := newTestEngine(t, buildTree(t), prometheus.NewRegistry(), nil)
	ctx := context.Background()

	points, err := eng.Histogram(ctx, "", time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].Time.Equal(hour15))
	assert.Equal(t, 5, points[0].Count)
	assert.Equal(t, int64(9), points[0].Duration)
	assert.True(t, points[1].Time.Equal(hour15.Add(time.Hour)))
	assert.Equal(t, 1, points[1].Count)

	points, err = eng.Histogram(ctx, `event = "CALL"`, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.True(t, points[0].Time.Equal(hour15))
	assert.True(t, points[1].Time.Equal(hour15.Add(2*time.Second)))

	_, err = eng.Histogram(ctx, "", 0)
	assert.Error(t, err)
}

func TestEngineStats(t *testing.T) {
	eng := newTestEngine(t, buildTree(t), prometheus.NewRegistry(), nil)

	st, err := eng.Stats(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 6, st.Records)
	require.NotEmpty(t, st.Events)
	assert.Equal(t, EventStats{Event: "CALL", Count: 3, Duration: 7}, st.Events[0])
	assert.Equal(t, map[string]int{"rphost_100": 4, "rphost_200": 2}, st.Processes)
	assert.True(t, st.First.Equal(hour15.Add(time.Second)))
	assert.True(t, st.Last.Equal(hour15.Add(time.Hour)))
	assert.Equal(t, 3, st.Files)
	assert.Empty(t, st.FileErrors)
}

func TestEngineContext(t *testing.T) {
	eng := newTestEngine(t, buildTree(t), prometheus.NewRegistry(), nil)
	ctx := context.Background()

	res, err := eng.Context(ctx, "", hour15.Add(3400*time.Millisecond), 1)
	require.NoError(t, err)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, "SDBL", res.Anchor.Event)
	assert.Equal(t, []string{"CALL"}, events(res.Pre))
	assert.Equal(t, []string{"EXCP"}, events(res.Post))

	res, err = eng.Context(ctx, "", hour15.Add(4500*time.Millisecond), 2)
	require.NoError(t, err)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, "EXCP", res.Anchor.Event)
	assert.Equal(t, []string{"CALL", "SDBL"}, events(res.Pre))
	assert.Equal(t, []string{"CALL"}, events(res.Post))

	res, err = eng.Context(ctx, "", hour15.Add(2*time.Hour), 2)
	require.NoError(t, err)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, "CALL", res.Anchor.Event)
	assert.Equal(t, []string{"SDBL", "EXCP"}, events(res.Pre))
	assert.Empty(t, res.Post)

	res, err = eng.Context(ctx, `event = "NOPE"`, hour15, 2)
	require.NoError(t, err)
	assert.Nil(t, res.Anchor)
}

func TestEngineUsesCatalog(t *testing.T) {
	root := buildTree(t)
	cat, err := storage.NewCatalog(t.TempDir(), nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	first := newTestEngine(t, root, reg, cat)
	snap, err := first.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Files, 3)
	assert.Equal(t, 1.0, counterValue(t, reg, "techlog_scan_catalog_lookups_total", "miss"))

	reg = prometheus.NewRegistry()
	second := newTestEngine(t, root, reg, cat)
	cached, err := second.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.ID, cached.ID)
	assert.Equal(t, 1.0, counterValue(t, reg, "techlog_scan_catalog_lookups_total", "hit"))

	res, err := second.Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, res.Records, 6)
}

func TestEngineRefresh(t *testing.T) {
	root := buildTree(t)
	eng := newTestEngine(t, root, prometheus.NewRegistry(), nil)
	ctx := context.Background()

	_, err := eng.Snapshot(ctx)
	require.NoError(t, err)

	writeJournal(t, root, "rphost_200/24031016.log", "00:01.000000-1,CALL,0")
	changes, err := eng.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, changes.Added, 1)
	assert.Equal(t, "rphost_200/24031016.log", filepath.ToSlash(changes.Added[0].Rel))

	res, err := eng.Search(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, res.Records, 7)

	writeJournal(t, root, "rphost_300/24031016.log", "00:02.000000-1,CALL,0")
	eng.Invalidate()
	res, err = eng.Search(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, res.Records, 8)
}

func TestEngineMissingRoot(t *testing.T) {
	eng := newTestEngine(t, filepath.Join(t.TempDir(), "absent"), prometheus.NewRegistry(), nil)
	_, err := eng.Search(context.Background(), Query{})
	assert.Error(t, err)
}
