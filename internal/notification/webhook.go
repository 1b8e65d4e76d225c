package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when the webhook
// has a secret.
const SignatureHeader = "X-Emarsi-Signature"

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	secret  []byte
	client  *http.Client
	backoff time.Duration
	now     func() time.Time
}

// NewWebhookNotifier creates a webhook notifier. A non-empty secret signs
// every body.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		backoff: time.Second,
		now:     time.Now,
	}
}

type webhookPayload struct {
	Alert
	TS string `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Alert: alert,
		TS:    w.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	var header http.Header
	if len(w.secret) > 0 {
		header = http.Header{SignatureHeader: []string{Sign(w.secret, body)}}
	}
	if _, err := post(ctx, w.client, w.url, body, header, w.backoff); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	log.Printf("[webhook] sent alert: %s", alert.Title)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// SignatureHeader.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
