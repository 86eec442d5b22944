package optimize

// Config is the immutable optimizer configuration. The zero value is
// disabled; start from DefaultConfig.
type Config struct {
	// Enabled is the global kill switch.
	Enabled bool `yaml:"enabled"`
	// MaxPixels bounds width*height of any image that gets decoded.
	MaxPixels uint64 `yaml:"max_pixels"`
	// KeepOriginal asks callers to persist the uploaded bytes even when the
	// pipeline produced a smaller re-encoding. The pipeline still computes
	// the candidate.
	KeepOriginal bool `yaml:"keep_original"`
	// DefaultQuality is the lossy quality for post images, clamped to [0,100].
	DefaultQuality int `yaml:"default_webp_quality"`

	LossyBPPThreshold    float64 `yaml:"lossy_bpp_threshold"`
	LosslessBPPThreshold float64 `yaml:"lossless_bpp_threshold"`
	// MinSavings is the fraction of the original size a re-encode must save.
	MinSavings float64 `yaml:"min_savings"`
	// IconAspectRatio is the largest width/height ratio a category image can
	// have and still be treated as an icon.
	IconAspectRatio float64 `yaml:"icon_aspect_ratio"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxPixels:            40_000_000,
		KeepOriginal:         true,
		DefaultQuality:       80,
		LossyBPPThreshold:    1.5,
		LosslessBPPThreshold: 3.0,
		MinSavings:           0.05,
		IconAspectRatio:      1.5,
	}
}

func (c Config) quality() int { return clampQuality(c.DefaultQuality) }

func clampQuality(q int) int { return min(max(q, 0), 100) }
