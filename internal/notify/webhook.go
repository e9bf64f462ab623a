package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// Webhook request headers
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderSignature = "X-Webhook-Signature"
)

// WebhookPublisher POSTs every update to a single endpoint, signed with
// HMAC-SHA256 when a secret is configured
type WebhookPublisher struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhookPublisher creates a webhook publisher
func NewWebhookPublisher(url, secret string, client *http.Client) (*WebhookPublisher, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookPublisher{client: client, url: url, secret: secret}, nil
}

func (p *WebhookPublisher) Publish(ctx context.Context, videoID string, update models.ProcessingUpdate) error {
	event := models.WebhookEventFor(update.Status)
	payload, err := json.Marshal(models.WebhookEvent{
		Event:     event,
		Timestamp: update.Timestamp,
		Data:      update,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "VODPipeline-Webhook/1.0")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, uuid.New().String())
	if p.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook for %s: %w", videoID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook for %s returned status %d", videoID, resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) Close() error { return nil }

// Sign returns the signature header value for a payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value in constant time
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
