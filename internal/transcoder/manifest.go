package transcoder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/storage"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// BuildMasterPlaylist renders the master playlist of the completed
// renditions, lowest bandwidth first. uri returns the address of a
// rendition's index.
func BuildMasterPlaylist(renditions models.Renditions, uri func(models.Rendition) string) ([]byte, error) {
	completed := renditions.Completed()
	if len(completed) == 0 {
		return nil, ErrNoRenditions
	}

	sort.SliceStable(completed, func(i, j int) bool {
		return renditionBandwidth(completed[i]) < renditionBandwidth(completed[j])
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range completed {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=\"%s\"\n",
			renditionBandwidth(r), r.Width, r.Height, r.Resolution)
		b.WriteString(uri(r))
		b.WriteString("\n")
	}

	return []byte(b.String()), nil
}

// renditionBandwidth is the peak bandwidth of the rendition's tier, or its
// video bitrate when the tier is unknown
func renditionBandwidth(r models.Rendition) int64 {
	if profile := models.GetResolutionProfile(r.Resolution); profile != nil {
		return profile.Bandwidth()
	}
	return r.Bitrate
}

// AssembleMaster writes the master playlist of a video and returns its key.
// It returns ErrNoRenditions when no rendition completed.
func (e *Engine) AssembleMaster(ctx context.Context, videoID string, renditions models.Renditions) (string, error) {
	content, err := BuildMasterPlaylist(renditions, func(r models.Rendition) string {
		key := r.PlaylistKey
		if key == "" {
			key = storage.PlaylistKey(videoID, r.Resolution)
		}
		return e.store.PublicURL(e.videoBucket, key)
	})
	if err != nil {
		return "", err
	}

	key := storage.MasterKey(videoID)
	if err := e.store.Put(ctx, e.videoBucket, key, content, "application/vnd.apple.mpegurl"); err != nil {
		return "", &UploadError{Key: key, Err: err}
	}

	e.logger.WithVideoID(videoID).Infof("Master playlist written with %d renditions", len(renditions.Completed()))
	return key, nil
}
