package storage

import (
	"fmt"
	"path"
	"strings"
)

// Object layout. Everything a video produces lives under videos/{id}/ in
// the video bucket; the poster frame goes to the thumbnail bucket.

// OriginalKey is where the uploaded source is kept
func OriginalKey(videoID, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("videos/%s/original%s", videoID, ext)
}

// RenditionsPrefix holds every HLS output of a video
func RenditionsPrefix(videoID string) string {
	return fmt.Sprintf("videos/%s/hls/", videoID)
}

// RenditionPrefix holds the index and segments of one tier
func RenditionPrefix(videoID, tier string) string {
	return RenditionsPrefix(videoID) + tier + "/"
}

// PlaylistKey is the segment index of one tier
func PlaylistKey(videoID, tier string) string {
	return RenditionPrefix(videoID, tier) + "index.m3u8"
}

// SegmentKey is the key of one segment file of a tier
func SegmentKey(videoID, tier, segment string) string {
	return RenditionPrefix(videoID, tier) + path.Base(segment)
}

// MasterKey is the master playlist of a video
func MasterKey(videoID string) string {
	return RenditionsPrefix(videoID) + "master.m3u8"
}

// ThumbnailKey is the poster frame of a video
func ThumbnailKey(videoID string) string {
	return fmt.Sprintf("thumbnails/%s.jpg", videoID)
}
