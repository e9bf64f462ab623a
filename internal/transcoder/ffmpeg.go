package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultFrameRate = 30.0

// FFmpeg wraps FFmpeg operations
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// VideoMetadata holds video metadata extracted from ffprobe
type VideoMetadata struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// FormatInfo holds format information
type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// StreamInfo holds stream information
type StreamInfo struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	BitRate      string            `json:"bit_rate"`
	FrameRate    string            `json:"r_frame_rate"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Tags         map[string]string `json:"tags"`
	SideDataList []SideData        `json:"side_data_list"`
}

// SideData is a stream side data entry; display matrices carry a rotation
type SideData struct {
	SideDataType string  `json:"side_data_type"`
	Rotation     float64 `json:"rotation"`
}

// Metadata is what the pipeline needs to know about a source. Width and
// Height are the displayed dimensions, after rotation.
type Metadata struct {
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Rotation   int     `json:"rotation"`
	Codec      string  `json:"codec"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	Bitrate    int64   `json:"bitrate"`
	FrameRate  float64 `json:"frame_rate"`
	FileSize   int64   `json:"file_size"`
	MimeType   string  `json:"mime_type"`
}

// ProbeVideo runs ffprobe on a file
func (f *FFmpeg) ProbeVideo(ctx context.Context, inputPath string) (*VideoMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	var metadata VideoMetadata
	if err := json.Unmarshal(stdout.Bytes(), &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	return &metadata, nil
}

// ExtractMetadata probes a source file. It fails with ErrProbe when the
// file cannot be read or has no video stream.
func (f *FFmpeg) ExtractMetadata(ctx context.Context, inputPath string) (*Metadata, error) {
	probe, err := f.ProbeVideo(ctx, inputPath)
	if err != nil {
		return nil, &ProbeError{Path: inputPath, Err: err}
	}

	meta, err := parseMetadata(probe)
	if err != nil {
		return nil, &ProbeError{Path: inputPath, Err: err}
	}

	if meta.FileSize == 0 {
		if info, statErr := os.Stat(inputPath); statErr == nil {
			meta.FileSize = info.Size()
		}
	}
	meta.MimeType = detectMimeType(inputPath)

	return meta, nil
}

func parseMetadata(probe *VideoMetadata) (*Metadata, error) {
	var video *StreamInfo
	meta := &Metadata{}

	for i := range probe.Streams {
		stream := &probe.Streams[i]
		switch stream.CodecType {
		case "video":
			if video == nil {
				video = stream
			}
		case "audio":
			if meta.AudioCodec == "" {
				meta.AudioCodec = stream.CodecName
			}
		}
	}

	if video == nil {
		return nil, errors.New("no video stream")
	}

	meta.Codec = video.CodecName
	meta.Width = video.Width
	meta.Height = video.Height
	meta.Rotation = streamRotation(video)
	if meta.Rotation == 90 || meta.Rotation == 270 {
		meta.Width, meta.Height = meta.Height, meta.Width
	}

	meta.FrameRate = parseFrameRate(video.FrameRate)
	if meta.FrameRate == 0 {
		meta.FrameRate = parseFrameRate(video.AvgFrameRate)
	}
	if meta.FrameRate == 0 {
		meta.FrameRate = defaultFrameRate
	}

	if duration, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		meta.Duration = duration
	}
	if size, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil {
		meta.FileSize = size
	}
	if bitrate, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
		meta.Bitrate = bitrate
	} else if bitrate, err := strconv.ParseInt(video.BitRate, 10, 64); err == nil {
		meta.Bitrate = bitrate
	}

	return meta, nil
}

// streamRotation reads the rotation from the legacy rotate tag or from the
// display matrix side data, normalized to [0, 360)
func streamRotation(stream *StreamInfo) int {
	if tag, ok := stream.Tags["rotate"]; ok {
		if r, err := strconv.Atoi(strings.TrimSpace(tag)); err == nil {
			return normalizeRotation(r)
		}
	}
	for _, sd := range stream.SideDataList {
		if sd.Rotation != 0 {
			return normalizeRotation(int(math.Round(sd.Rotation)))
		}
	}
	return 0
}

func normalizeRotation(r int) int {
	return ((r % 360) + 360) % 360
}

// parseFrameRate parses a rational like "30000/1001". Undefined rates such
// as "0/0" yield 0.
func parseFrameRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	parts := strings.Split(rate, "/")
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}

// detectMimeType sniffs the file content and falls back to the extension
func detectMimeType(path string) string {
	if mtype, err := mimetype.DetectFile(path); err == nil && mtype.String() != "application/octet-stream" {
		return mtype.String()
	}
	return extensionMimeType(path)
}

func extensionMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
