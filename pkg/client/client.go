// Package client is the Go SDK for the epochtick HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Dispatch to topic "invoices" in one hour
//	id, err := c.Schedule(ctx, time.Now().Add(time.Hour), "invoices", map[string]int{"amount": 42})
//
//	// See what is pending over the next day
//	r, err := c.Report(ctx, client.To(time.Now().Add(24*time.Hour)))
//	for _, b := range r.Pending {
//	    fmt.Println(b.Delta, len(b.Events))
//	}
//
// Messages are JSON-encoded with encoding/json. Pass a json.RawMessage to
// send pre-encoded JSON unchanged.
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As to inspect the HTTP status and server message.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epochtick: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsBadRequest reports whether the server rejected the input (400).
func IsBadRequest(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the epochtick API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://tick.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// BatchItem is one entry of a Batch call.
type BatchItem struct {
	At      time.Time
	Topic   string
	Message any
}

// Event is a pending event as returned by Report.
type Event struct {
	ID      string
	Topic   string
	Message json.RawMessage
}

// Bucket groups the events due at one instant.
type Bucket struct {
	Delta  time.Duration // At minus Report.Now
	At     time.Time
	Events []Event
}

// Report is a snapshot of pending events, earliest bucket first.
type Report struct {
	Now     time.Time
	Pending []Bucket
}

// Len returns the number of events across all buckets.
func (r *Report) Len() int {
	n := 0
	for _, b := range r.Pending {
		n += len(b.Events)
	}
	return n
}

// DeadLetter is an event whose dispatch failed.
type DeadLetter struct {
	ID          string
	Topic       string
	ScheduledAt time.Time
	Message     json.RawMessage
	Error       string
	FailedAt    time.Time
	Failures    int
	OriginID    string // first failure's ID when this event is a replay
}

// Health is the server's /health response.
type Health struct {
	Status     string
	Pending    int
	Timestamps int
	Uptime     time.Duration
	Version    string
}

// ─── Report options ───────────────────────────────────────────────────────────

// ReportOption narrows the window of Report and ReportText.
type ReportOption func(url.Values)

// From excludes events due before t. The server defaults to now.
func From(t time.Time) ReportOption {
	return func(v url.Values) { v.Set("from", strconv.FormatInt(t.UnixMilli(), 10)) }
}

// To excludes events due after t. The server defaults to no upper bound.
func To(t time.Time) ReportOption {
	return func(v url.Values) { v.Set("to", strconv.FormatInt(t.UnixMilli(), 10)) }
}

func reportPath(base string, opts []ReportOption) string {
	v := url.Values{}
	for _, o := range opts {
		o(v)
	}
	if len(v) == 0 {
		return base
	}
	return base + "?" + v.Encode()
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

// Schedule asks the server to dispatch message to topic at the given time and
// returns the event ID. A time in the past is dispatched on the next tick.
func (c *Client) Schedule(ctx context.Context, at time.Time, topic string, message any) (string, error) {
	item, err := toWireItem(BatchItem{At: at, Topic: topic, Message: message})
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/events", item, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Batch schedules all items atomically: either every item is accepted or
// none is. The returned IDs are index-aligned with items.
func (c *Client) Batch(ctx context.Context, items []BatchItem) ([]string, error) {
	wire := make([]wireItem, 0, len(items))
	for i, it := range items {
		w, err := toWireItem(it)
		if err != nil {
			return nil, fmt.Errorf("epochtick: item %d: %w", i, err)
		}
		wire = append(wire, w)
	}
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/events/batch", map[string]any{"items": wire}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// Report returns pending events in the requested window.
func (c *Client) Report(ctx context.Context, opts ...ReportOption) (*Report, error) {
	var resp wireReport
	if err := c.do(ctx, http.MethodGet, reportPath("/v1/report", opts), nil, &resp); err != nil {
		return nil, err
	}
	out := &Report{Now: time.UnixMilli(resp.Now).UTC(), Pending: make([]Bucket, 0, len(resp.Pending))}
	for _, b := range resp.Pending {
		bucket := Bucket{
			Delta:  time.Duration(b.DeltaMs) * time.Millisecond,
			At:     time.UnixMilli(b.Timestamp).UTC(),
			Events: make([]Event, 0, len(b.Events)),
		}
		for _, e := range b.Events {
			bucket.Events = append(bucket.Events, Event{ID: e.ID, Topic: e.Topic, Message: e.Message})
		}
		out.Pending = append(out.Pending, bucket)
	}
	return out, nil
}

// ReportText returns the server's human-readable report.
func (c *Client) ReportText(ctx context.Context, opts ...ReportOption) (string, error) {
	body, err := c.raw(ctx, http.MethodGet, reportPath("/v1/report/text", opts), nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Health returns server status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp struct {
		Status     string `json:"status"`
		Pending    int    `json:"pending"`
		Timestamps int    `json:"timestamps"`
		UptimeMs   int64  `json:"uptime_ms"`
		Version    string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &Health{
		Status:     resp.Status,
		Pending:    resp.Pending,
		Timestamps: resp.Timestamps,
		Uptime:     time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:    resp.Version,
	}, nil
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// DeadLetters lists up to limit failed events, oldest first. limit <= 0
// uses the server default.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	path := "/v1/deadletters"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Entries []wireDeadLetter `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, DeadLetter{
			ID:          e.ID,
			Topic:       e.Topic,
			ScheduledAt: time.UnixMilli(e.Timestamp).UTC(),
			Message:     e.Message,
			Error:       e.Error,
			FailedAt:    time.UnixMilli(e.FailedAt).UTC(),
			Failures:    e.Failures,
			OriginID:    e.OriginID,
		})
	}
	return out, nil
}

// Replay re-schedules up to limit dead letters (0 = all) to fire after delay
// and removes them from the journal. It returns how many were replayed.
func (c *Client) Replay(ctx context.Context, limit int, delay time.Duration) (int, error) {
	req := map[string]int64{"limit": int64(limit), "delay_ms": delay.Milliseconds()}
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/deadletters/replay", req, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// DeleteDeadLetter discards one dead letter.
func (c *Client) DeleteDeadLetter(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/deadletters/"+url.PathEscape(id), nil, nil)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single JSON request. body is encoded when non-nil, resp is
// decoded when non-nil. A 204 No Content response is success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	respBody, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("epochtick: decode response: %w", err)
		}
	}
	return nil
}

// raw performs a request and returns the response body of a 2xx reply.
func (c *Client) raw(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("epochtick: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("epochtick: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("epochtick: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("epochtick: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return nil, &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}
	return respBody, nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireItem struct {
	Timestamp int64           `json:"timestamp"`
	Topic     string          `json:"topic"`
	Message   json.RawMessage `json:"message"`
}

func toWireItem(it BatchItem) (wireItem, error) {
	msg, err := json.Marshal(it.Message)
	if err != nil {
		return wireItem{}, fmt.Errorf("epochtick: marshal message: %w", err)
	}
	return wireItem{Timestamp: it.At.UnixMilli(), Topic: it.Topic, Message: msg}, nil
}

type wireReport struct {
	Now     int64 `json:"now"`
	Pending []struct {
		DeltaMs   int64 `json:"delta_ms"`
		Timestamp int64 `json:"timestamp"`
		Events    []struct {
			ID      string          `json:"id"`
			Topic   string          `json:"topic"`
			Message json.RawMessage `json:"message"`
		} `json:"events"`
	} `json:"pending"`
}

type wireDeadLetter struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp int64           `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
	Error     string          `json:"error"`
	FailedAt  int64           `json:"failed_at"`
	Failures  int             `json:"failures"`
	OriginID  string          `json:"origin_id"`
}
