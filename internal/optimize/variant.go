package optimize

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// generateVariant resizes src to the planned size and encodes it. It returns
// nil without error when the plan would not shrink the source.
func generateVariant(src image.Image, spec variantSpec) (*OptimizedImage, error) {
	if spec.width <= 0 {
		return nil, nil
	}
	b := src.Bounds()
	sw, sh := max(b.Dx(), 1), max(b.Dy(), 1)

	var out *image.NRGBA
	switch spec.kind {
	case ExactSquare:
		side := min(sw, sh)
		if spec.width >= side {
			return nil, nil
		}
		out = imaging.Resize(imaging.CropCenter(src, side, side), spec.width, spec.width, imaging.Lanczos)
	default:
		if spec.width >= sw {
			return nil, nil
		}
		out = imaging.Resize(src, spec.width, fitHeight(spec.width, sw, sh), imaging.Lanczos)
	}

	data, mime, ext, err := encode(out, spec.format, spec.quality)
	if err != nil {
		return nil, err
	}

	ob := out.Bounds()
	label := spec.label
	if label.Kind != LabelLqip {
		label = WidthLabel(ob.Dx())
	}
	return &OptimizedImage{
		Data:      data,
		MIME:      mime,
		Extension: ext,
		Width:     ob.Dx(),
		Height:    ob.Dy(),
		Label:     label,
		Quality:   qualityFor(spec.format, spec.quality),
	}, nil
}

// fitHeight is the aspect-preserving height for width w, at least 1px.
func fitHeight(w, srcW, srcH int) int {
	h := math.Round(float64(w) * float64(srcH) / float64(srcW))
	return max(int(h), 1)
}
