package optimize

// Variant plans per usage context.
var (
	userSquareSizes      = []int{48, 96, 192, 384}
	categoryIconWidths   = []int{128, 256}
	categoryBannerWidths = []int{640, 1280, 1920}
	postWidths           = []int{480, 768, 1024, 1600, 2048}
)

const (
	userQuality     = 82
	categoryQuality = 80

	lqipWidth   = 24
	lqipQuality = 40
	// LQIP is only planned for sources wider than twice its width.
	lqipMinSourceWidth = 2 * lqipWidth
)

// characteristics are derived from the decoded image and used for planning.
type characteristics struct {
	hasAlpha     bool
	aspectRatio  float64
	minDimension int
}

type variantSpec struct {
	width   int
	format  TargetFormat
	quality int
	kind    ResizeKind
	label   Label
}

type reencodePolicy struct {
	format    TargetFormat
	quality   int
	threshold float64
}

// strategy owns a variant plan and an original re-encode policy for one
// usage context.
type strategy interface {
	plan(p Probe, c characteristics, cfg Config) []variantSpec
	// reencode returns false when the original must not be re-encoded.
	reencode(c characteristics, cfg Config) (reencodePolicy, bool)
}

func strategyFor(ref Reference) strategy {
	switch ref {
	case RefCategory:
		return categoryStrategy{}
	case RefUser:
		return userStrategy{}
	default:
		return postStrategy{}
	}
}

// photoFormat keeps transparency lossless and sends everything else to JPEG.
func photoFormat(hasAlpha bool) TargetFormat {
	if hasAlpha {
		return Png
	}
	return Jpeg
}

// userStrategy produces square avatars.
type userStrategy struct{}

func (userStrategy) plan(_ Probe, c characteristics, _ Config) []variantSpec {
	format := photoFormat(c.hasAlpha)
	var specs []variantSpec
	for _, size := range userSquareSizes {
		if size >= c.minDimension {
			continue
		}
		specs = append(specs, variantSpec{
			width:   size,
			format:  format,
			quality: userQuality,
			kind:    ExactSquare,
			label:   WidthLabel(size),
		})
	}
	return specs
}

func (userStrategy) reencode(c characteristics, cfg Config) (reencodePolicy, bool) {
	if c.hasAlpha {
		return reencodePolicy{}, false
	}
	return reencodePolicy{format: Jpeg, quality: userQuality, threshold: cfg.MinSavings}, true
}

// categoryStrategy treats near-square images as icons and wide ones as
// banners.
type categoryStrategy struct{}

func isIcon(c characteristics, cfg Config) bool {
	return c.aspectRatio <= cfg.IconAspectRatio
}

func (categoryStrategy) plan(p Probe, c characteristics, cfg Config) []variantSpec {
	var specs []variantSpec
	if isIcon(c, cfg) {
		for _, w := range categoryIconWidths {
			if w >= c.minDimension {
				continue
			}
			specs = append(specs, variantSpec{
				width:   w,
				format:  Png,
				quality: 100,
				kind:    FitWidth,
				label:   WidthLabel(w),
			})
		}
		return specs
	}

	format := photoFormat(c.hasAlpha)
	for _, w := range categoryBannerWidths {
		if w >= p.Width {
			continue
		}
		specs = append(specs, variantSpec{
			width:   w,
			format:  format,
			quality: categoryQuality,
			kind:    FitWidth,
			label:   WidthLabel(w),
		})
	}
	return specs
}

func (categoryStrategy) reencode(c characteristics, cfg Config) (reencodePolicy, bool) {
	if isIcon(c, cfg) || c.hasAlpha {
		return reencodePolicy{}, false
	}
	return reencodePolicy{format: Jpeg, quality: categoryQuality, threshold: cfg.MinSavings}, true
}

// postStrategy produces responsive widths plus a blur-up placeholder.
type postStrategy struct{}

func (postStrategy) plan(p Probe, c characteristics, cfg Config) []variantSpec {
	format := photoFormat(c.hasAlpha)
	var specs []variantSpec
	for _, w := range postWidths {
		if w >= p.Width {
			continue
		}
		specs = append(specs, variantSpec{
			width:   w,
			format:  format,
			quality: cfg.quality(),
			kind:    FitWidth,
			label:   WidthLabel(w),
		})
	}
	if p.Width > lqipMinSourceWidth {
		specs = append(specs, variantSpec{
			width:   lqipWidth,
			format:  Jpeg,
			quality: lqipQuality,
			kind:    FitWidth,
			label:   LqipLabel,
		})
	}
	return specs
}

func (postStrategy) reencode(c characteristics, cfg Config) (reencodePolicy, bool) {
	if c.hasAlpha {
		return reencodePolicy{}, false
	}
	return reencodePolicy{format: Jpeg, quality: cfg.quality(), threshold: cfg.MinSavings}, true
}
