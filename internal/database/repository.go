package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// ErrVideoNotFound is returned when no record exists for an ID
var ErrVideoNotFound = errors.New("video not found")

// Repository provides database operations on video records
type Repository struct {
	db     *DB
	logger *logging.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *logging.Logger) *Repository {
	return &Repository{db: db, logger: logger.WithComponent("database")}
}

const videoColumns = `id, processing_status, processing_progress, processing_error,
	processing_started_at, processing_completed_at, width, height, duration,
	file_size, mime_type, video_file, thumbnail_file, master_playlist, variants,
	created_at, updated_at`

// CreateVideo inserts a pending record. An existing record is left as is.
func (r *Repository) CreateVideo(ctx context.Context, video *models.Video) error {
	start := time.Now()
	if video.ProcessingStatus == "" {
		video.ProcessingStatus = models.VideoStatusPending
	}

	query := `
		INSERT INTO videos (id, processing_status, file_size, mime_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Pool.Exec(ctx, query, video.ID, video.ProcessingStatus, video.FileSize, video.MimeType)
	r.observe("create_video", start, err)
	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// FindByID retrieves a video by ID
func (r *Repository) FindByID(ctx context.Context, id string) (*models.Video, error) {
	start := time.Now()
	var video models.Video

	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&video.ID, &video.ProcessingStatus, &video.ProcessingProgress, &video.ProcessingError,
		&video.ProcessingStartedAt, &video.ProcessingCompletedAt, &video.Width, &video.Height,
		&video.Duration, &video.FileSize, &video.MimeType, &video.VideoFile,
		&video.ThumbnailFile, &video.MasterPlaylist, &video.Variants,
		&video.CreatedAt, &video.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		r.observe("find_video", start, nil)
		return nil, ErrVideoNotFound
	}
	r.observe("find_video", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return &video, nil
}

// UpdateFields writes the set fields of update to the record
func (r *Repository) UpdateFields(ctx context.Context, id string, update models.VideoUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	start := time.Now()

	query, args := buildUpdateQuery(id, update)
	tag, err := r.db.Pool.Exec(ctx, query, args...)
	r.observe("update_video", start, err)
	if err != nil {
		return fmt.Errorf("failed to update video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}

	return nil
}

// CountByStatus returns the number of records per processing status
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	start := time.Now()

	query := `
		SELECT processing_status, COUNT(*)
		FROM videos
		GROUP BY processing_status
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		r.observe("count_by_status", start, err)
		return nil, fmt.Errorf("failed to count videos: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	r.observe("count_by_status", start, rows.Err())

	return counts, rows.Err()
}

// buildUpdateQuery turns a partial update into an UPDATE statement whose
// SET clause only names the fields that are set
func buildUpdateQuery(id string, u models.VideoUpdate) (string, []interface{}) {
	var sets []string
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.ProcessingStatus != nil {
		add("processing_status", *u.ProcessingStatus)
	}
	if u.ProcessingProgress != nil {
		add("processing_progress", *u.ProcessingProgress)
	}
	if u.ProcessingError != nil {
		add("processing_error", *u.ProcessingError)
	}
	if u.ProcessingStartedAt != nil {
		add("processing_started_at", *u.ProcessingStartedAt)
	}
	if u.ProcessingCompletedAt != nil {
		add("processing_completed_at", *u.ProcessingCompletedAt)
	} else if u.ClearCompletedAt {
		sets = append(sets, "processing_completed_at = NULL")
	}
	if u.Width != nil {
		add("width", *u.Width)
	}
	if u.Height != nil {
		add("height", *u.Height)
	}
	if u.Duration != nil {
		add("duration", *u.Duration)
	}
	if u.FileSize != nil {
		add("file_size", *u.FileSize)
	}
	if u.MimeType != nil {
		add("mime_type", *u.MimeType)
	}
	if u.VideoFile != nil {
		add("video_file", *u.VideoFile)
	}
	if u.ThumbnailFile != nil {
		add("thumbnail_file", *u.ThumbnailFile)
	}
	if u.MasterPlaylist != nil {
		add("master_playlist", *u.MasterPlaylist)
	}
	if u.Variants != nil {
		add("variants", *u.Variants)
	}

	sets = append(sets, "updated_at = NOW()")
	query := fmt.Sprintf("UPDATE videos SET %s WHERE id = $1", strings.Join(sets, ", "))
	return query, args
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordDatabaseOperation(operation, status, duration.Seconds())
	r.logger.LogDatabaseOperation(operation, duration, err)
}
