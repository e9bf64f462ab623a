package transcoder

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the engine matches at least one of
// them with errors.Is.
var (
	ErrProbe        = errors.New("probe failed")
	ErrThumbnail    = errors.New("thumbnail generation failed")
	ErrTranscode    = errors.New("transcode failed")
	ErrUpload       = errors.New("upload failed")
	ErrNoRenditions = errors.New("no completed renditions")
)

// ProbeError reports an unreadable or streamless input
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func (e *ProbeError) Is(target error) bool { return target == ErrProbe }

// ThumbnailError reports a failed poster frame extraction
type ThumbnailError struct {
	VideoID string
	Err     error
}

func (e *ThumbnailError) Error() string {
	return fmt.Sprintf("thumbnail for %s: %v", e.VideoID, e.Err)
}

func (e *ThumbnailError) Unwrap() error { return e.Err }

func (e *ThumbnailError) Is(target error) bool { return target == ErrThumbnail }

// TranscodeError reports a failed tier. Output holds the tail of the
// encoder's diagnostics.
type TranscodeError struct {
	Tier   string
	Output string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("transcode %s: %v: %s", e.Tier, e.Err, e.Output)
	}
	return fmt.Sprintf("transcode %s: %v", e.Tier, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

func (e *TranscodeError) Is(target error) bool { return target == ErrTranscode }

// UploadError reports a failed blob store write
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool { return target == ErrUpload }
