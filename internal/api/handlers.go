package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/database"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/queue"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/worker"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/workspace"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// sniffSize is how much of an upload is read to detect its type
const sniffSize = 3072

// Health check endpoint
func (a *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// uploadVideo stores the source locally, creates the record and enqueues
// processing. It answers before any processing starts.
func (a *API) uploadVideo(c *gin.Context) {
	videoID := c.Param("id")
	ctx := c.Request.Context()
	logger := a.logger.WithVideoID(videoID)

	if _, err := a.workspace.Dir(videoID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A live job keeps reading its source file, so it must not be replaced
	if snapshot, err := a.service.GetStatus(ctx, videoID); err == nil && isLive(snapshot.QueueState) {
		c.JSON(http.StatusConflict, gin.H{"error": "Video is already being processed", "status": snapshot.Status})
		return
	} else if err != nil && !errors.Is(err, database.ErrVideoNotFound) {
		logger.ErrorWithErr("Failed to read processing status", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read processing status"})
		return
	}

	if a.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUploadSize)
	}
	header, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Video file is too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video file provided"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read video file"})
		return
	}
	defer file.Close()

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read video file"})
		return
	}
	head = head[:n]
	detected := mimetype.Detect(head)
	if !strings.HasPrefix(detected.String(), "video/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("Unsupported file type %s", detected.String())})
		return
	}

	sourcePath, size, err := a.workspace.Save(videoID, header.Filename, io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		logger.ErrorWithErr("Failed to save upload", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}
	metrics.VideoUploadSizeBytes.Observe(float64(size))

	video := &models.Video{
		ID:               videoID,
		ProcessingStatus: models.VideoStatusPending,
		FileSize:         size,
		MimeType:         detected.String(),
		Variants:         models.Renditions{},
	}
	// Until the job is queued the saved file belongs to this request only
	discard := func() {
		if err := a.workspace.Discard(videoID, sourcePath); err != nil {
			logger.WarnWithErr("Failed to discard upload", err)
		}
	}

	if err := a.videos.CreateVideo(ctx, video); err != nil {
		discard()
		logger.ErrorWithErr("Failed to create video record", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create video"})
		return
	}

	job, err := a.service.Enqueue(ctx, videoID, sourcePath, header.Filename)
	if err != nil {
		discard()
	}
	if errors.Is(err, queue.ErrJobExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "Video is already being processed"})
		return
	}
	if err != nil {
		logger.ErrorWithErr("Failed to enqueue video", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue video for processing"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"video_id":     videoID,
		"status":       models.VideoStatusPending,
		"queue_state":  job.State,
		"max_attempts": job.MaxAttempts,
		"file_size":    size,
		"mime_type":    detected.String(),
		"status_url":   fmt.Sprintf("/api/v1/videos/%s/processing", videoID),
	})
}

// Get processing status endpoint
func (a *API) getProcessingStatus(c *gin.Context) {
	videoID := c.Param("id")

	snapshot, err := a.service.GetStatus(c.Request.Context(), videoID)
	if errors.Is(err, database.ErrVideoNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}
	if err != nil {
		a.logger.WithVideoID(videoID).ErrorWithErr("Failed to get processing status", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get processing status"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// retryProcessing re-enqueues a failed or partial video from its stored original
func (a *API) retryProcessing(c *gin.Context) {
	videoID := c.Param("id")

	job, err := a.service.Retry(c.Request.Context(), videoID)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrVideoNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	case errors.Is(err, worker.ErrNotRetryable), errors.Is(err, worker.ErrSourceUnavailable), errors.Is(err, queue.ErrJobExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, workspace.ErrInvalidVideoID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		a.logger.WithVideoID(videoID).ErrorWithErr("Failed to retry processing", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retry processing"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"video_id":     videoID,
		"status":       models.VideoStatusPending,
		"queue_state":  job.State,
		"max_attempts": job.MaxAttempts,
	})
}

// Get stats endpoint
func (a *API) getStats(c *gin.Context) {
	ctx := c.Request.Context()

	videos, err := a.videos.CountByStatus(ctx)
	if err != nil {
		a.logger.ErrorWithErr("Failed to count videos", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	depth, err := a.queue.Depth(ctx)
	if err != nil {
		a.logger.ErrorWithErr("Failed to read queue depth", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"videos": videos,
		"queue":  depth,
	})
}

func isLive(queueState string) bool {
	switch queueState {
	case models.JobStateWaiting, models.JobStateDelayed, models.JobStateActive:
		return true
	}
	return false
}
