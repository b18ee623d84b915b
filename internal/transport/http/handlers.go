package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/epochtick/internal/config"
	"github.com/snehjoshi/epochtick/internal/deadletter"
	"github.com/snehjoshi/epochtick/internal/scheduler"
)

// Version is reported by /health.
const Version = "1.0.0"

// Handler groups all HTTP request handlers around a Scheduler.
type Handler struct {
	sched   *scheduler.Scheduler[json.RawMessage]
	journal *deadletter.Journal // nil when the dead-letter journal is disabled
	limits  config.SchedulerConfig
	log     *zap.Logger
	started time.Time
	clock   func() time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type scheduleReq struct {
	Timestamp *int64          `json:"timestamp"` // unix ms, required
	Topic     string          `json:"topic"`
	Message   json.RawMessage `json:"message"`
}

type scheduleResp struct {
	ID string `json:"id"`
}

type batchReq struct {
	Items []scheduleReq `json:"items"`
}

type batchResp struct {
	IDs []string `json:"ids"`
}

type eventDTO struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

type bucketDTO struct {
	DeltaMs   int64      `json:"delta_ms"`
	Timestamp int64      `json:"timestamp"`
	Events    []eventDTO `json:"events"`
}

type reportResp struct {
	Now     int64       `json:"now"`
	Pending []bucketDTO `json:"pending"`
}

type deadLettersResp struct {
	Entries []deadletter.Entry `json:"entries"`
}

type replayReq struct {
	Limit   int   `json:"limit"`    // 0 = all
	DelayMs int64 `json:"delay_ms"` // re-schedule at now + delay
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type healthResp struct {
	Status     string `json:"status"`
	Pending    int    `json:"pending"`
	Timestamps int    `json:"timestamps"`
	Uptime     string `json:"uptime"`
	UptimeMs   int64  `json:"uptime_ms"`
	Version    string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:     "ok",
		Pending:    h.sched.Len(),
		Timestamps: h.sched.Timestamps(),
		Uptime:     elapsed.Round(time.Second).String(),
		UptimeMs:   elapsed.Milliseconds(),
		Version:    Version,
	})
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

// validate converts a request into a scheduler item, enforcing the
// schedule-ahead horizon.
func (h *Handler) validate(req scheduleReq, now int64) (scheduler.Item[json.RawMessage], error) {
	if req.Timestamp == nil {
		return scheduler.Item[json.RawMessage]{}, errors.New("timestamp is required")
	}
	if req.Topic == "" {
		return scheduler.Item[json.RawMessage]{}, errors.New("topic is required")
	}
	if ahead := h.limits.MaxScheduleAhead; ahead > 0 && *req.Timestamp > now+ahead.Milliseconds() {
		return scheduler.Item[json.RawMessage]{}, fmt.Errorf("timestamp is more than %s in the future", ahead)
	}
	msg := req.Message
	if len(bytes.TrimSpace(msg)) == 0 {
		msg = json.RawMessage("null")
	}
	return scheduler.Item[json.RawMessage]{Timestamp: *req.Timestamp, Topic: req.Topic, Message: msg}, nil
}

func (h *Handler) scheduleEvent(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decodeJSON(w, r, &req) {
		return
	}
	it, err := h.validate(req, h.clock().UnixMilli())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.sched.Schedule(it.Timestamp, it.Topic, it.Message)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp{ID: id})
}

func (h *Handler) scheduleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if limit := h.limits.MaxBatchSize; limit > 0 && len(req.Items) > limit {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("batch exceeds maximum of %d items", limit),
		})
		return
	}

	now := h.clock().UnixMilli()
	items := make([]scheduler.Item[json.RawMessage], 0, len(req.Items))
	for i, it := range req.Items {
		item, err := h.validate(it, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("item %d: %w", i, err))
			return
		}
		items = append(items, item)
	}

	ids, err := h.sched.Batch(items)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResp{IDs: ids})
}

// ─── Report ───────────────────────────────────────────────────────────────────

// reportOptions parses the optional from/to query parameters (unix ms).
func reportOptions(r *http.Request) ([]scheduler.ReportOption, error) {
	var opts []scheduler.ReportOption
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		from, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid from: %q", v)
		}
		opts = append(opts, scheduler.ReportFrom(from))
	}
	if v := q.Get("to"); v != "" {
		to, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid to: %q", v)
		}
		opts = append(opts, scheduler.ReportTo(to))
	}
	return opts, nil
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	opts, err := reportOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	now, pending := h.sched.Snapshot(opts...)
	resp := reportResp{Now: now, Pending: make([]bucketDTO, 0, len(pending))}
	for _, delta := range pending.Deltas() {
		bucket := bucketDTO{DeltaMs: delta, Timestamp: now + delta}
		for _, ev := range pending[delta] {
			bucket.Events = append(bucket.Events, eventDTO{ID: ev.ID, Topic: ev.Topic, Message: ev.Message})
		}
		resp.Pending = append(resp.Pending, bucket)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) reportText(w http.ResponseWriter, r *http.Request) {
	opts, err := reportOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var buf bytes.Buffer
	if err := h.sched.FormatReport(&buf, opts...); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) requireJournal(w http.ResponseWriter) bool {
	if h.journal == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "dead-letter journal not configured"})
		return false
	}
	return true
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.requireJournal(w) {
		return
	}
	entries, err := h.journal.List(parseIntParam(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLettersResp{Entries: entries})
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.requireJournal(w) {
		return
	}
	var req replayReq
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Limit < 0 || req.DelayMs < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit and delay_ms must not be negative"})
		return
	}

	at := h.clock().UnixMilli() + req.DelayMs
	replayed, err := h.journal.Replay(req.Limit, func(e deadletter.Entry) (string, int64, error) {
		id, err := h.sched.Schedule(at, e.Topic, e.Message)
		return id, at, err
	})
	if err != nil {
		// Entries counted in replayed are already scheduled; report them.
		if replayed == 0 {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.log.Error("dead letter replay incomplete", zap.Int("replayed", replayed), zap.Error(err))
	}
	h.log.Info("dead letters replayed", zap.Int("count", replayed), zap.Int64("at", at))
	writeJSON(w, http.StatusOK, replayResp{Replayed: replayed})
}

func (h *Handler) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !h.requireJournal(w) {
		return
	}
	if err := h.journal.Delete(r.PathValue("id")); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, deadletter.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func statusFor(err error) int {
	if errors.Is(err, scheduler.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
