package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/storage"
)

// ThumbnailRequest describes the poster frame to extract
type ThumbnailRequest struct {
	VideoID    string
	SourcePath string
	WorkDir    string
	Duration   float64
	Width      int
	Height     int
}

// Thumbnail is a stored poster frame
type Thumbnail struct {
	Key      string `json:"key"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

// GenerateThumbnail extracts one frame 10% into the video, uploads it to the
// thumbnail bucket and reports its real dimensions. The local file is always
// removed.
func (e *Engine) GenerateThumbnail(ctx context.Context, req ThumbnailRequest) (*Thumbnail, error) {
	if err := os.MkdirAll(req.WorkDir, 0755); err != nil {
		return nil, &ThumbnailError{VideoID: req.VideoID, Err: err}
	}

	outputPath := filepath.Join(req.WorkDir, "thumbnail.jpg")
	defer os.Remove(outputPath)

	err := e.ffmpeg.ExtractThumbnail(ctx, req.SourcePath, outputPath,
		thumbnailTimestamp(req.Duration), thumbnailScale(req.Width, req.Height, e.cfg.ThumbnailMaxEdge))
	if err != nil {
		return nil, &ThumbnailError{VideoID: req.VideoID, Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, &ThumbnailError{VideoID: req.VideoID, Err: err}
	}

	thumb := &Thumbnail{
		Key:      storage.ThumbnailKey(req.VideoID),
		FileSize: info.Size(),
	}

	if probe, err := e.ffmpeg.ProbeVideo(ctx, outputPath); err == nil && len(probe.Streams) > 0 {
		thumb.Width = probe.Streams[0].Width
		thumb.Height = probe.Streams[0].Height
	} else {
		e.logger.WithVideoID(req.VideoID).Warn("Could not read thumbnail dimensions")
	}

	if err := e.store.PutFile(ctx, e.thumbnailBucket, thumb.Key, outputPath); err != nil {
		return nil, &ThumbnailError{VideoID: req.VideoID, Err: &UploadError{Key: thumb.Key, Err: err}}
	}

	return thumb, nil
}

// ExtractThumbnail extracts a single frame at timeSeconds scaled with the
// given ffmpeg scale expression
func (f *FFmpeg) ExtractThumbnail(ctx context.Context, inputPath, outputPath string, timeSeconds float64, scale string) error {
	args := []string{
		"-ss", fmt.Sprintf("%.2f", timeSeconds),
		"-i", inputPath,
		"-vframes", "1",
		"-vf", "scale=" + scale,
		"-q:v", "2",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to extract thumbnail: %w, stderr: %s", err, tail(strings.TrimSpace(stderr.String()), stderrTailSize))
	}

	return nil
}

// thumbnailTimestamp picks a frame 10% into the video, never earlier than 1s
func thumbnailTimestamp(duration float64) float64 {
	return math.Max(1, math.Floor(duration*0.10))
}

// thumbnailScale pins the long edge to maxEdge and lets ffmpeg derive the
// other one, rounded to an even number
func thumbnailScale(width, height, maxEdge int) string {
	if width > 0 && height > width {
		return fmt.Sprintf("-2:%d", maxEdge)
	}
	return fmt.Sprintf("%d:-2", maxEdge)
}
