package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Event names sent toward the CRM webhook sink.
const (
	EventQRUpdate         = "qr.update"
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
)

// Notifier delivers gateway events to the configured CRM webhook.
// Delivery is best-effort: callers fire it in a goroutine and only log
// failures, there is no retry contract.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	log    *slog.Logger
}

func NewNotifier(url, secret string, log *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type eventPayload struct {
	Event      string    `json:"event"`
	InstanceID string    `json:"instanceId"`
	Data       any       `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notify posts one event. The body is HMAC-signed when a shared secret is
// configured.
func (n *Notifier) Notify(ctx context.Context, event, instanceID string, data any) error {
	body, err := json.Marshal(eventPayload{
		Event:      event,
		InstanceID: instanceID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook sink returned status %d", resp.StatusCode)
	}
	return nil
}

// NotifyAsync fires the notification without blocking the caller's event
// loop. Errors are logged and dropped.
func (n *Notifier) NotifyAsync(event, instanceID string, data any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := n.Notify(ctx, event, instanceID, data); err != nil {
			n.log.Warn("webhook notification failed",
				"event", event, "instance", instanceID, "error", err)
		}
	}()
}

// Sign computes the hex HMAC-SHA256 of body under the shared secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches the body under the secret.
func VerifySignature(body []byte, sig, secret string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}
