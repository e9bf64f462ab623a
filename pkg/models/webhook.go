package models

import (
	"time"
)

// ProcessingUpdate is the payload pushed to clients watching a video
type ProcessingUpdate struct {
	VideoID   string      `json:"video_id"`
	Status    string      `json:"status"`
	Progress  int         `json:"progress"`
	Variants  []Rendition `json:"variants,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebhookEvent represents the envelope sent to webhooks
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Webhook event types
const (
	WebhookEventProcessingProgress  = "video.processing.progress"
	WebhookEventProcessingCompleted = "video.processing.completed"
	WebhookEventProcessingPartial   = "video.processing.partial"
	WebhookEventProcessingFailed    = "video.processing.failed"
)

// WebhookEventFor maps a processing status onto a webhook event type
func WebhookEventFor(status string) string {
	switch status {
	case VideoStatusCompleted:
		return WebhookEventProcessingCompleted
	case VideoStatusPartial:
		return WebhookEventProcessingPartial
	case VideoStatusFailed:
		return WebhookEventProcessingFailed
	default:
		return WebhookEventProcessingProgress
	}
}
