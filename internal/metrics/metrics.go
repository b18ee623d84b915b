// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for epochtick. It avoids the prometheus/client_golang package;
// the handful of counters below do not need it.
//
// # Counter naming convention
//
// Every labelled counter uses a tab-separated string as its label key so that
// a single sync.Map can hold all label combinations without map nesting.
//
//	Scheduled / Dispatched / Failed  →  key = "topic"
//	HTTPReqs                         →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt           →  key = "method\tpath"
//
// # Prometheus text output
//
// Registry.Handler() renders all families in the Prometheus exposition
// format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key (0 if never touched).
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all epochtick application metrics. The zero value is ready
// to use. A nil *Registry is accepted by every recording method.
type Registry struct {
	// Event-level counters.  key = topic
	Scheduled  labelCounter
	Dispatched labelCounter
	Failed     labelCounter

	Ticks   atomic.Int64
	Pending atomic.Int64 // gauge, set by the scheduler after every mutation

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// ObserveScheduled records n events accepted for topic.
func (r *Registry) ObserveScheduled(topic string, n int64) {
	if r == nil {
		return
	}
	r.Scheduled.Add(topic, n)
}

// ObserveDispatch records one dispatch attempt for topic.
func (r *Registry) ObserveDispatch(topic string, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.Failed.Inc(topic)
		return
	}
	r.Dispatched.Inc(topic)
}

// ObserveTick records one completed Tick Driver pass.
func (r *Registry) ObserveTick() {
	if r == nil {
		return
	}
	r.Ticks.Add(1)
}

// SetPending updates the pending-events gauge.
func (r *Registry) SetPending(n int) {
	if r == nil {
		return
	}
	r.Pending.Store(int64(n))
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	var b strings.Builder

	// ── event counters ────────────────────────────────────────────────────
	topicFamily(&b, "epochtick_events_scheduled_total",
		"Total events accepted by schedule or batch", &r.Scheduled)
	topicFamily(&b, "epochtick_events_dispatched_total",
		"Total events delivered to the dispatch sink without error", &r.Dispatched)
	topicFamily(&b, "epochtick_events_failed_total",
		"Total events whose dispatch returned an error or panicked", &r.Failed)

	writeScalar(&b, "epochtick_ticks_total", "Total tick driver passes", "counter", r.Ticks.Load())
	writeScalar(&b, "epochtick_pending_events", "Events currently waiting for their timestamp", "gauge", r.Pending.Load())

	// ── HTTP counters ─────────────────────────────────────────────────────
	writeFamily(&b, "epochtick_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "epochtick_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "epochtick_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func topicFamily(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`topic=%q`, key), fmt.Sprintf("%d", val))
		})
	})
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func writeScalar(b *strings.Builder, name, help, typ string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(b, "%s %d\n", name, val)
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
