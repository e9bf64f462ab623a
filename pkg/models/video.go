package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Video is the persistent record of an uploaded video. Only the processing
// fields are written by the pipeline.
type Video struct {
	ID                    string     `json:"id" db:"id"`
	ProcessingStatus      string     `json:"processing_status" db:"processing_status"`
	ProcessingProgress    int        `json:"processing_progress" db:"processing_progress"`
	ProcessingError       string     `json:"processing_error,omitempty" db:"processing_error"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty" db:"processing_completed_at"`
	Width                 int        `json:"width" db:"width"`
	Height                int        `json:"height" db:"height"`
	Duration              float64    `json:"duration" db:"duration"`
	FileSize              int64      `json:"file_size" db:"file_size"`
	MimeType              string     `json:"mime_type" db:"mime_type"`
	VideoFile             string     `json:"video_file,omitempty" db:"video_file"`
	ThumbnailFile         string     `json:"thumbnail_file,omitempty" db:"thumbnail_file"`
	MasterPlaylist        string     `json:"master_playlist,omitempty" db:"master_playlist"`
	Variants              Renditions `json:"variants" db:"variants"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// VideoStatus constants
const (
	VideoStatusPending    = "pending"
	VideoStatusProcessing = "processing"
	VideoStatusCompleted  = "completed"
	VideoStatusFailed     = "failed"
	VideoStatusPartial    = "partial"
)

// IsSettled reports whether a processing status is final
func IsSettled(status string) bool {
	switch status {
	case VideoStatusCompleted, VideoStatusFailed, VideoStatusPartial:
		return true
	}
	return false
}

// Rendition is one resolution-specific HLS output of a video
type Rendition struct {
	Resolution      string `json:"resolution"`
	Status          string `json:"status"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	FileSize        int64  `json:"file_size"`
	Bitrate         int64  `json:"bitrate"`
	PlaylistKey     string `json:"playlist_key,omitempty"`
	ProcessingError string `json:"processing_error,omitempty"`
}

// RenditionStatus constants
const (
	RenditionStatusPending    = "pending"
	RenditionStatusProcessing = "processing"
	RenditionStatusCompleted  = "completed"
	RenditionStatusFailed     = "failed"
)

var renditionTransitions = map[string][]string{
	RenditionStatusPending:    {RenditionStatusProcessing},
	RenditionStatusProcessing: {RenditionStatusCompleted, RenditionStatusFailed},
}

// Advance moves the rendition to the next status. Renditions only move
// forward; terminal renditions are never re-attempted in place.
func (r *Rendition) Advance(status string) error {
	for _, next := range renditionTransitions[r.Status] {
		if next == status {
			r.Status = status
			return nil
		}
	}
	return fmt.Errorf("invalid rendition transition %s -> %s", r.Status, status)
}

// Renditions is stored as a JSON document
type Renditions []Rendition

// Value implements driver.Valuer for database storage
func (r Renditions) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner for database retrieval
func (r *Renditions) Scan(value interface{}) error {
	if value == nil {
		*r = Renditions{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported renditions type %T", value)
	}

	return json.Unmarshal(data, r)
}

// Clone returns an independent copy
func (r Renditions) Clone() Renditions {
	if r == nil {
		return nil
	}
	out := make(Renditions, len(r))
	copy(out, r)
	return out
}

// Completed returns the renditions that finished successfully
func (r Renditions) Completed() Renditions {
	var out Renditions
	for _, v := range r {
		if v.Status == RenditionStatusCompleted {
			out = append(out, v)
		}
	}
	return out
}

// VideoUpdate is a partial update of the processing fields of a Video.
// Nil fields are left untouched.
type VideoUpdate struct {
	ProcessingStatus      *string
	ProcessingProgress    *int
	ProcessingError       *string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ClearCompletedAt      bool
	Width                 *int
	Height                *int
	Duration              *float64
	FileSize              *int64
	MimeType              *string
	VideoFile             *string
	ThumbnailFile         *string
	MasterPlaylist        *string
	Variants              *Renditions
}

// IsEmpty reports whether the update changes nothing
func (u VideoUpdate) IsEmpty() bool {
	return u.ProcessingStatus == nil && u.ProcessingProgress == nil &&
		u.ProcessingError == nil && u.ProcessingStartedAt == nil &&
		u.ProcessingCompletedAt == nil && !u.ClearCompletedAt &&
		u.Width == nil && u.Height == nil && u.Duration == nil &&
		u.FileSize == nil && u.MimeType == nil && u.VideoFile == nil &&
		u.ThumbnailFile == nil && u.MasterPlaylist == nil && u.Variants == nil
}

// Apply copies the set fields of the update onto v
func (u VideoUpdate) Apply(v *Video) {
	if u.ProcessingStatus != nil {
		v.ProcessingStatus = *u.ProcessingStatus
	}
	if u.ProcessingProgress != nil {
		v.ProcessingProgress = *u.ProcessingProgress
	}
	if u.ProcessingError != nil {
		v.ProcessingError = *u.ProcessingError
	}
	if u.ProcessingStartedAt != nil {
		t := *u.ProcessingStartedAt
		v.ProcessingStartedAt = &t
	}
	if u.ClearCompletedAt {
		v.ProcessingCompletedAt = nil
	}
	if u.ProcessingCompletedAt != nil {
		t := *u.ProcessingCompletedAt
		v.ProcessingCompletedAt = &t
	}
	if u.Width != nil {
		v.Width = *u.Width
	}
	if u.Height != nil {
		v.Height = *u.Height
	}
	if u.Duration != nil {
		v.Duration = *u.Duration
	}
	if u.FileSize != nil {
		v.FileSize = *u.FileSize
	}
	if u.MimeType != nil {
		v.MimeType = *u.MimeType
	}
	if u.VideoFile != nil {
		v.VideoFile = *u.VideoFile
	}
	if u.ThumbnailFile != nil {
		v.ThumbnailFile = *u.ThumbnailFile
	}
	if u.MasterPlaylist != nil {
		v.MasterPlaylist = *u.MasterPlaylist
	}
	if u.Variants != nil {
		v.Variants = u.Variants.Clone()
	}
}

// String returns a pointer to s, for building updates
func String(s string) *string { return &s }

// Int returns a pointer to i
func Int(i int) *int { return &i }

// Int64 returns a pointer to i
func Int64(i int64) *int64 { return &i }

// Float64 returns a pointer to f
func Float64(f float64) *float64 { return &f }

// Time returns a pointer to t
func Time(t time.Time) *time.Time { return &t }
