package transcoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name         string
		probe        VideoMetadata
		wantWidth    int
		wantHeight   int
		wantRotation int
		wantRate     float64
	}{
		{
			name: "landscape",
			probe: VideoMetadata{
				Format:  FormatInfo{Duration: "12.5", Size: "1048576", BitRate: "670000"},
				Streams: []StreamInfo{{CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080, FrameRate: "30000/1001"}},
			},
			wantWidth:  1920,
			wantHeight: 1080,
			wantRate:   30000.0 / 1001.0,
		},
		{
			name: "rotate tag swaps dimensions",
			probe: VideoMetadata{
				Streams: []StreamInfo{{
					CodecType: "video", Width: 1080, Height: 1920, FrameRate: "30/1",
					Tags: map[string]string{"rotate": "90"},
				}},
			},
			wantWidth:    1920,
			wantHeight:   1080,
			wantRotation: 90,
			wantRate:     30,
		},
		{
			name: "negative display matrix rotation",
			probe: VideoMetadata{
				Streams: []StreamInfo{{
					CodecType: "video", Width: 1920, Height: 1080, FrameRate: "25/1",
					SideDataList: []SideData{{SideDataType: "Display Matrix", Rotation: -90}},
				}},
			},
			wantWidth:    1080,
			wantHeight:   1920,
			wantRotation: 270,
			wantRate:     25,
		},
		{
			name: "upside down keeps dimensions",
			probe: VideoMetadata{
				Streams: []StreamInfo{{
					CodecType: "video", Width: 1280, Height: 720, FrameRate: "24/1",
					Tags: map[string]string{"rotate": "180"},
				}},
			},
			wantWidth:    1280,
			wantHeight:   720,
			wantRotation: 180,
			wantRate:     24,
		},
		{
			name: "undefined frame rate falls back",
			probe: VideoMetadata{
				Streams: []StreamInfo{{CodecType: "video", Width: 640, Height: 360, FrameRate: "0/0", AvgFrameRate: "0/0"}},
			},
			wantWidth:  640,
			wantHeight: 360,
			wantRate:   defaultFrameRate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := parseMetadata(&tt.probe)
			require.NoError(t, err)
			assert.Equal(t, tt.wantWidth, meta.Width)
			assert.Equal(t, tt.wantHeight, meta.Height)
			assert.Equal(t, tt.wantRotation, meta.Rotation)
			assert.InDelta(t, tt.wantRate, meta.FrameRate, 0.001)
		})
	}
}

func TestParseMetadataFormatFields(t *testing.T) {
	meta, err := parseMetadata(&VideoMetadata{
		Format: FormatInfo{Duration: "12.5", Size: "1048576", BitRate: "670000"},
		Streams: []StreamInfo{
			{CodecType: "audio", CodecName: "aac"},
			{CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080, FrameRate: "30/1"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 12.5, meta.Duration)
	assert.Equal(t, int64(1048576), meta.FileSize)
	assert.Equal(t, int64(670000), meta.Bitrate)
	assert.Equal(t, "h264", meta.Codec)
	assert.Equal(t, "aac", meta.AudioCodec)
}

func TestParseMetadataWithoutVideoStream(t *testing.T) {
	_, err := parseMetadata(&VideoMetadata{
		Streams: []StreamInfo{{CodecType: "audio", CodecName: "aac"}},
	})
	assert.Error(t, err)
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		rate string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseFrameRate(tt.rate), 0.01)
		})
	}
}

func TestNormalizeRotation(t *testing.T) {
	assert.Equal(t, 0, normalizeRotation(0))
	assert.Equal(t, 90, normalizeRotation(90))
	assert.Equal(t, 270, normalizeRotation(-90))
	assert.Equal(t, 90, normalizeRotation(-270))
	assert.Equal(t, 0, normalizeRotation(360))
}

func TestExtensionMimeType(t *testing.T) {
	assert.Equal(t, "video/mp4", extensionMimeType("clip.MP4"))
	assert.Equal(t, "video/quicktime", extensionMimeType("clip.mov"))
	assert.Equal(t, "video/x-matroska", extensionMimeType("clip.mkv"))
}

func TestExtractMetadataWithFakeProbe(t *testing.T) {
	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", `echo '{"format":{"duration":"8.0"},"streams":[{"codec_type":"video","codec_name":"h264","width":1080,"height":1920,"r_frame_rate":"30/1","tags":{"rotate":"90"}}]}'`)

	source := filepath.Join(dir, "source.mp4")
	header := []byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2', 0, 0, 0, 0, 'm', 'p', '4', '2', 'i', 's', 'o', 'm'}
	require.NoError(t, os.WriteFile(source, header, 0644))

	meta, err := NewFFmpeg("ffmpeg", ffprobe).ExtractMetadata(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, 1920, meta.Width)
	assert.Equal(t, 1080, meta.Height)
	assert.Equal(t, 8.0, meta.Duration)
	assert.Equal(t, int64(len(header)), meta.FileSize)
	assert.Equal(t, "video/mp4", meta.MimeType)
}

func TestExtractMetadataFailsWithProbeError(t *testing.T) {
	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", `echo "Invalid data found when processing input" >&2; exit 1`)

	_, err := NewFFmpeg("ffmpeg", ffprobe).ExtractMetadata(context.Background(), filepath.Join(dir, "broken.mp4"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProbe))
	assert.False(t, errors.Is(err, ErrTranscode))

	var probeErr *ProbeError
	require.True(t, errors.As(err, &probeErr))
	assert.Contains(t, probeErr.Error(), "broken.mp4")
}

func TestExtractMetadataAudioOnly(t *testing.T) {
	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", `echo '{"format":{"duration":"8.0"},"streams":[{"codec_type":"audio","codec_name":"aac"}]}'`)

	_, err := NewFFmpeg("ffmpeg", ffprobe).ExtractMetadata(context.Background(), filepath.Join(dir, "song.m4a"))
	assert.True(t, errors.Is(err, ErrProbe))
}
