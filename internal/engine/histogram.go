package engine

import (
	"context"
	"fmt"
	"time"
)

// HistogramPoint is one time bucket.
type HistogramPoint struct {
	Time     time.Time // Bucket start
	Count    int
	Duration int64 // Sum of record durations in microseconds
}

// Histogram counts matching records per interval. Bucket starts come from
// time.Truncate, so day buckets begin at UTC midnight. Only non-empty
// buckets are returned, in time order.
func (e *Engine) Histogram(ctx context.Context, filter string, interval time.Duration) ([]HistogramPoint, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("histogram interval must be positive, got %s", interval)
	}
	v, err := e.Open(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	var points []HistogramPoint
	for v.Next() {
		rec := v.Record()
		bucket := rec.Timestamp.In(e.opts.Location).Truncate(interval)

		// The stream is ordered, so a record either extends the last
		// bucket or starts a new one.
		n := len(points)
		if n == 0 || !points[n-1].Time.Equal(bucket) {
			points = append(points, HistogramPoint{Time: bucket})
			n++
		}
		points[n-1].Count++
		if rec.HasDuration {
			points[n-1].Duration += rec.Duration
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	return points, nil
}
