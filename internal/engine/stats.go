package engine

import (
	"context"
	"sort"
	"time"

	"github.com/coffersTech/techlog/internal/scanner"
)

// EventStats aggregates the records of one event type.
type EventStats struct {
	Event    string
	Count    int
	Duration int64 // Microseconds
}

// JournalStats summarizes the records matching a filter.
type JournalStats struct {
	Records    int
	Events     []EventStats   // Most frequent first
	Processes  map[string]int // Process tag -> records
	First      time.Time
	Last       time.Time
	Files      int // Files read
	Malformed  int
	Incomplete int
	Late       int
	FileErrors []scanner.FileError
}

// Stats reads every record matching filter and aggregates them per event
// and per process.
func (e *Engine) Stats(ctx context.Context, filter string) (*JournalStats, error) {
	v, err := e.Open(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	st := &JournalStats{Processes: make(map[string]int)}
	events := make(map[string]*EventStats)
	for v.Next() {
		rec := v.Record()
		if st.Records == 0 {
			st.First = rec.Timestamp
		}
		st.Last = rec.Timestamp
		st.Records++
		st.Processes[rec.ProcessID]++

		es, ok := events[rec.Event]
		if !ok {
			es = &EventStats{Event: rec.Event}
			events[rec.Event] = es
		}
		es.Count++
		if rec.HasDuration {
			es.Duration += rec.Duration
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	for _, es := range events {
		st.Events = append(st.Events, *es)
	}
	sort.Slice(st.Events, func(i, j int) bool {
		if st.Events[i].Count != st.Events[j].Count {
			return st.Events[i].Count > st.Events[j].Count
		}
		return st.Events[i].Event < st.Events[j].Event
	})

	ss := v.Stats()
	st.Files = ss.Files
	st.Malformed = ss.Malformed
	st.Incomplete = ss.Incomplete
	st.Late = ss.Late
	st.FileErrors = v.FileErrors()
	return st, nil
}
