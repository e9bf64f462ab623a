package database

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

func TestBuildUpdateQuery(t *testing.T) {
	variants := models.Renditions{{Resolution: models.TierLow, Status: models.RenditionStatusPending}}
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		update    models.VideoUpdate
		wantQuery string
		wantArgs  []interface{}
	}{
		{
			name:      "progress only",
			update:    models.VideoUpdate{ProcessingProgress: models.Int(45)},
			wantQuery: "UPDATE videos SET processing_progress = $2, updated_at = NOW() WHERE id = $1",
			wantArgs:  []interface{}{"v1", 45},
		},
		{
			name: "attempt start",
			update: models.VideoUpdate{
				ProcessingStatus:    models.String(models.VideoStatusProcessing),
				ProcessingProgress:  models.Int(0),
				ProcessingError:     models.String(""),
				ProcessingStartedAt: &started,
				ClearCompletedAt:    true,
				Variants:            &variants,
			},
			wantQuery: "UPDATE videos SET processing_status = $2, processing_progress = $3, processing_error = $4, " +
				"processing_started_at = $5, processing_completed_at = NULL, variants = $6, updated_at = NOW() WHERE id = $1",
			wantArgs: []interface{}{"v1", models.VideoStatusProcessing, 0, "", started, variants},
		},
		{
			name: "metadata",
			update: models.VideoUpdate{
				Width:    models.Int(1080),
				Height:   models.Int(1920),
				Duration: models.Float64(12.5),
				MimeType: models.String("video/mp4"),
			},
			wantQuery: "UPDATE videos SET width = $2, height = $3, duration = $4, mime_type = $5, updated_at = NOW() WHERE id = $1",
			wantArgs:  []interface{}{"v1", 1080, 1920, 12.5, "video/mp4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildUpdateQuery("v1", tt.update)
			assert.Equal(t, tt.wantQuery, query)
			require.Len(t, args, len(tt.wantArgs))
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildUpdateQueryCompletedWinsOverClear(t *testing.T) {
	done := time.Now()
	query, args := buildUpdateQuery("v1", models.VideoUpdate{
		ProcessingCompletedAt: &done,
		ClearCompletedAt:      true,
	})

	assert.Equal(t, "UPDATE videos SET processing_completed_at = $2, updated_at = NOW() WHERE id = $1", query)
	assert.Len(t, args, 2)
}

func TestObserveLogsAndCounts(t *testing.T) {
	var buf bytes.Buffer
	repo := NewRepository(nil, logging.NewWriterLogger(&buf, logging.Config{Level: "debug", Format: "json"}))
	failed := metrics.DatabaseOperationsTotal.WithLabelValues("update_video", "error")
	before := testutil.ToFloat64(failed)

	repo.observe("find_video", time.Now(), nil)
	repo.observe("update_video", time.Now(), errors.New("conn reset"))

	assert.Equal(t, before+1, testutil.ToFloat64(failed))
	out := buf.String()
	assert.Contains(t, out, `"operation":"find_video"`)
	assert.Contains(t, out, `"component":"database"`)
	assert.Contains(t, out, `"error":"conn reset"`)
}
