package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
)

// Report maps "milliseconds from now" to the events due at that moment.
// Buckets are copies; mutating them does not affect the scheduler.
type Report[M any] map[int64][]Event[M]

// Deltas returns the report's keys in ascending order.
func (r Report[M]) Deltas() []int64 {
	keys := make([]int64, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the total number of events across all buckets.
func (r Report[M]) Len() int {
	n := 0
	for _, b := range r {
		n += len(b)
	}
	return n
}

type reportQuery struct {
	from, to int64
	hasFrom  bool
}

// ReportOption narrows the window covered by Report.
type ReportOption func(*reportQuery)

// ReportFrom excludes timestamps earlier than ts. Defaults to now.
func ReportFrom(ts int64) ReportOption {
	return func(q *reportQuery) { q.from, q.hasFrom = ts, true }
}

// ReportTo excludes timestamps later than ts. Defaults to no upper bound.
func ReportTo(ts int64) ReportOption {
	return func(q *reportQuery) { q.to = ts }
}

// Report returns the pending events with timestamps in [from, to], keyed by
// their distance from now in milliseconds. Both bounds are inclusive. It never
// mutates the scheduler.
func (s *Scheduler[M]) Report(opts ...ReportOption) Report[M] {
	_, r := s.Snapshot(opts...)
	return r
}

// Snapshot is Report that also returns the clock reading the deltas are
// relative to, so callers can recover absolute timestamps as now+delta.
func (s *Scheduler[M]) Snapshot(opts ...ReportOption) (now int64, pending Report[M]) {
	now = s.now()
	q := reportQuery{to: math.MaxInt64}
	for _, opt := range opts {
		opt(&q)
	}
	if !q.hasFrom {
		q.from = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order := slices.Clone(s.index)
	slices.Sort(order)

	out := make(Report[M])
	for _, ts := range order {
		if ts > q.to {
			break // sorted: everything after is later still
		}
		if ts < q.from {
			continue
		}
		delta := ts - now
		if _, seen := out[delta]; seen {
			continue
		}
		out[delta] = slices.Clone(s.pending[ts])
	}
	return now, out
}

// FormatReport writes a human-readable dump of Report to w.
func (s *Scheduler[M]) FormatReport(w io.Writer, opts ...ReportOption) error {
	r := s.Report(opts...)
	if _, err := fmt.Fprintln(w, "Pending scheduler events:"); err != nil {
		return err
	}
	for _, delta := range r.Deltas() {
		if _, err := fmt.Fprintf(w, "In %dms, scheduler will publish:\n", delta); err != nil {
			return err
		}
		for _, ev := range r[delta] {
			if _, err := fmt.Fprintf(w, "  [%s] %v\n", ev.Topic, printable(ev.Message)); err != nil {
				return err
			}
		}
	}
	return nil
}

// printable renders raw byte payloads as text rather than a list of numbers.
func printable(m any) any {
	switch v := m.(type) {
	case json.RawMessage:
		return string(v)
	case []byte:
		return string(v)
	}
	return m
}
