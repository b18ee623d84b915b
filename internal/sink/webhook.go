package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// secret is configured: "sha256=<hex>".
const SignatureHeader = "X-Epochtick-Signature"

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	Topic        string          `json:"topic"`
	Message      json.RawMessage `json:"message"`
	DispatchedAt int64           `json:"dispatched_at"`
}

// Webhook POSTs each event to URL. Any non-2xx response is a dispatch failure.
type Webhook struct {
	URL    string
	secret string
	client *http.Client
}

// NewWebhook returns a webhook sink. An empty secret disables signing.
func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	return &Webhook{
		URL:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Dispatch implements Func.
func (w *Webhook) Dispatch(topic string, message json.RawMessage) error {
	return w.deliver(context.Background(), topic, message)
}

func (w *Webhook) deliver(ctx context.Context, topic string, message json.RawMessage) error {
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	body, err := json.Marshal(webhookPayload{
		Topic:        topic,
		Message:      message,
		DispatchedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", w.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret. Receivers use it to
// verify SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
