package models

// ResolutionProfile defines a ladder tier: a canonical short-edge height and
// the bitrates used to encode it
type ResolutionProfile struct {
	Name         string `json:"name"`
	Height       int    `json:"height"`
	VideoBitrate int64  `json:"video_bitrate"`
	AudioBitrate int    `json:"audio_bitrate"`
	MaxBitrate   int64  `json:"max_bitrate,omitempty"`
}

// Bandwidth is the peak bandwidth advertised in the master playlist
func (p ResolutionProfile) Bandwidth() int64 {
	return p.VideoBitrate + int64(p.AudioBitrate)
}

// Ladder tier names
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Standard ladder tiers
var (
	// ResolutionLow is the 360p tier
	ResolutionLow = ResolutionProfile{
		Name:         TierLow,
		Height:       360,
		VideoBitrate: 800000, // 800 kbps
		AudioBitrate: 128000,
		MaxBitrate:   856000,
	}

	// ResolutionMedium is the 720p tier
	ResolutionMedium = ResolutionProfile{
		Name:         TierMedium,
		Height:       720,
		VideoBitrate: 2500000, // 2.5 Mbps
		AudioBitrate: 128000,
		MaxBitrate:   2675000,
	}

	// ResolutionHigh is the 1080p tier
	ResolutionHigh = ResolutionProfile{
		Name:         TierHigh,
		Height:       1080,
		VideoBitrate: 5000000, // 5 Mbps
		AudioBitrate: 128000,
		MaxBitrate:   5350000,
	}
)

// ResolutionLadder returns all tiers ordered from lowest to highest
func ResolutionLadder() []ResolutionProfile {
	return []ResolutionProfile{
		ResolutionLow,
		ResolutionMedium,
		ResolutionHigh,
	}
}

// GetResolutionProfile returns a tier by name
func GetResolutionProfile(name string) *ResolutionProfile {
	for _, profile := range ResolutionLadder() {
		if profile.Name == name {
			p := profile
			return &p
		}
	}
	return nil
}

// SelectLadder selects the tiers worth producing for a source. A tier is kept
// when its height does not exceed the smaller source dimension, so portrait
// and landscape sources are never upscaled. The lowest tier is always kept.
func SelectLadder(sourceWidth, sourceHeight int) []ResolutionProfile {
	smallest := sourceWidth
	if sourceHeight < smallest {
		smallest = sourceHeight
	}

	var selected []ResolutionProfile
	ladder := ResolutionLadder()
	for _, profile := range ladder {
		if profile.Height <= smallest {
			selected = append(selected, profile)
		}
	}

	if len(selected) == 0 {
		selected = append(selected, ladder[0])
	}

	return selected
}

// ScaledDimensions returns the output size for a tier: the short edge of the
// source is scaled to the tier height, the long edge keeps the aspect ratio,
// and both are rounded to even numbers.
func ScaledDimensions(sourceWidth, sourceHeight, target int) (width, height int) {
	target = even(target)
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return even(target * 16 / 9), target
	}

	if sourceHeight > sourceWidth {
		long := float64(sourceHeight) * float64(target) / float64(sourceWidth)
		return target, even(int(long + 0.5))
	}

	long := float64(sourceWidth) * float64(target) / float64(sourceHeight)
	return even(int(long + 0.5)), target
}

func even(n int) int {
	if n%2 != 0 {
		n++
	}
	if n < 2 {
		n = 2
	}
	return n
}
