package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/storage"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	stderrTailSize = 2048
	playlistName   = "index.m3u8"
	segmentPattern = "segment_%03d.ts"
)

// ProgressFunc receives an approximate completion percentage for one tier
type ProgressFunc func(percent float64)

// TranscodeRequest describes one tier of one video
type TranscodeRequest struct {
	VideoID      string
	SourcePath   string
	WorkDir      string
	Profile      models.ResolutionProfile
	SourceWidth  int
	SourceHeight int
	Duration     float64
}

// Transcode encodes one tier to HLS, uploads the index and segments and
// returns the completed rendition. The tier's local directory is removed on
// every path. Failures are *TranscodeError or *UploadError.
func (e *Engine) Transcode(ctx context.Context, req TranscodeRequest, onProgress ProgressFunc) (*models.Rendition, error) {
	tier := req.Profile.Name
	tierDir := filepath.Join(req.WorkDir, tier)
	if err := os.RemoveAll(tierDir); err != nil {
		return nil, &TranscodeError{Tier: tier, Err: err}
	}
	if err := os.MkdirAll(tierDir, 0755); err != nil {
		return nil, &TranscodeError{Tier: tier, Err: err}
	}
	defer os.RemoveAll(tierDir)

	width, height := models.ScaledDimensions(req.SourceWidth, req.SourceHeight, req.Profile.Height)
	args := buildHLSArgs(req.SourcePath, tierDir, req.Profile, width, height, e.cfg)

	if err := e.ffmpeg.runWithProgress(ctx, args, req.Duration, onProgress); err != nil {
		var te *TranscodeError
		if errors.As(err, &te) {
			te.Tier = tier
			return nil, te
		}
		return nil, &TranscodeError{Tier: tier, Err: err}
	}

	index, err := os.ReadFile(filepath.Join(tierDir, playlistName))
	if err != nil {
		return nil, &TranscodeError{Tier: tier, Err: fmt.Errorf("read playlist: %w", err)}
	}

	rewritten, segments := rewritePlaylist(index, func(segment string) string {
		return e.store.PublicURL(e.videoBucket, storage.SegmentKey(req.VideoID, tier, segment))
	})
	if len(segments) == 0 {
		return nil, &TranscodeError{Tier: tier, Err: errors.New("playlist has no segments")}
	}

	size, err := e.uploadRendition(ctx, req.VideoID, tier, tierDir, rewritten, segments)
	if err != nil {
		return nil, err
	}

	return &models.Rendition{
		Resolution:  tier,
		Status:      models.RenditionStatusCompleted,
		Width:       width,
		Height:      height,
		FileSize:    size,
		Bitrate:     req.Profile.VideoBitrate,
		PlaylistKey: storage.PlaylistKey(req.VideoID, tier),
	}, nil
}

// uploadRendition uploads the segments concurrently, then the index, and
// returns the total stored size
func (e *Engine) uploadRendition(ctx context.Context, videoID, tier, dir string, index []byte, segments []string) (int64, error) {
	size := int64(len(index))
	for _, segment := range segments {
		info, err := os.Stat(filepath.Join(dir, segment))
		if err != nil {
			return 0, &TranscodeError{Tier: tier, Err: fmt.Errorf("missing segment: %w", err)}
		}
		size += info.Size()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.UploadConcurrency)
	for _, segment := range segments {
		segment := segment
		g.Go(func() error {
			key := storage.SegmentKey(videoID, tier, segment)
			if err := e.store.PutFile(gctx, e.videoBucket, key, filepath.Join(dir, segment)); err != nil {
				return &UploadError{Key: key, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// The index goes last so it never points at a segment that is not stored yet
	key := storage.PlaylistKey(videoID, tier)
	if err := e.store.Put(ctx, e.videoBucket, key, index, "application/vnd.apple.mpegurl"); err != nil {
		return 0, &UploadError{Key: key, Err: err}
	}

	return size, nil
}

func buildHLSArgs(input, dir string, profile models.ResolutionProfile, width, height int, cfg config.TranscoderConfig) []string {
	maxRate := profile.MaxBitrate
	if maxRate <= 0 {
		maxRate = profile.VideoBitrate * 107 / 100
	}
	h264Profile := "high"
	if profile.Height <= 480 {
		h264Profile = "main"
	}

	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-profile:v", h264Profile,
		"-b:v", strconv.FormatInt(profile.VideoBitrate, 10),
		"-maxrate", strconv.FormatInt(maxRate, 10),
		"-bufsize", strconv.FormatInt(maxRate*2, 10),
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", cfg.SegmentDuration),
		"-c:a", "aac",
		"-b:a", strconv.Itoa(cfg.AudioBitrate),
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(dir, segmentPattern),
		"-progress", "pipe:1",
		"-nostats",
		filepath.Join(dir, playlistName),
	}
}

// runWithProgress runs ffmpeg and forwards the progress it writes to stdout.
// On failure the returned *TranscodeError carries the stderr tail.
func (f *FFmpeg) runWithProgress(ctx context.Context, args []string, duration float64, onProgress ProgressFunc) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	readProgress(stdout, duration, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &TranscodeError{Err: err, Output: strings.TrimSpace(stderr.String())}
	}

	return nil
}

// readProgress parses ffmpeg's -progress key=value stream. out_time_us and
// out_time_ms are both in microseconds.
func readProgress(r io.Reader, duration float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || onProgress == nil {
			continue
		}

		switch key {
		case "out_time_us", "out_time_ms":
			if duration <= 0 {
				continue
			}
			us, err := strconv.ParseFloat(value, 64)
			if err != nil || us < 0 {
				continue
			}
			percent := us / 1e6 / duration * 100
			if percent > 100 {
				percent = 100
			}
			onProgress(percent)
		case "progress":
			if value == "end" {
				onProgress(100)
			}
		}
	}
}

// rewritePlaylist replaces every segment reference of an index with the
// address returned by resolve and lists the local segment names
func rewritePlaylist(content []byte, resolve func(segment string) string) ([]byte, []string) {
	var segments []string
	lines := strings.Split(strings.TrimRight(string(content), "\r\n"), "\n")

	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		lines[i] = line
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := path.Base(filepath.ToSlash(line))
		segments = append(segments, name)
		lines[i] = resolve(name)
	}

	return []byte(strings.Join(lines, "\n") + "\n"), segments
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
