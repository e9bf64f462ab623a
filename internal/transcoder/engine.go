package transcoder

import (
	"context"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
)

// ObjectStore is the part of the blob store the engine writes to
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	PutFile(ctx context.Context, bucket, key, filePath string) error
	PublicURL(bucket, key string) string
}

// Engine runs ffmpeg for a video and publishes its outputs
type Engine struct {
	ffmpeg          *FFmpeg
	store           ObjectStore
	cfg             config.TranscoderConfig
	videoBucket     string
	thumbnailBucket string
	logger          *logging.Logger
}

// NewEngine creates an engine writing to the given buckets
func NewEngine(cfg config.TranscoderConfig, storageCfg config.StorageConfig, store ObjectStore, logger *logging.Logger) *Engine {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 6
	}
	if cfg.AudioBitrate <= 0 {
		cfg.AudioBitrate = 128000
	}
	if cfg.ThumbnailMaxEdge <= 0 {
		cfg.ThumbnailMaxEdge = 1280
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.Preset == "" {
		cfg.Preset = "veryfast"
	}

	return &Engine{
		ffmpeg:          NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
		store:           store,
		cfg:             cfg,
		videoBucket:     storageCfg.VideoBucket,
		thumbnailBucket: storageCfg.ThumbnailBucket,
		logger:          logger.WithComponent("transcoder"),
	}
}

// ExtractMetadata probes a source file
func (e *Engine) ExtractMetadata(ctx context.Context, path string) (*Metadata, error) {
	return e.ffmpeg.ExtractMetadata(ctx, path)
}
