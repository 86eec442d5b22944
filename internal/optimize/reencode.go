package optimize

import "image"

// reencodeOriginal encodes img under policy and returns the candidate only
// if it beats originalSize by at least policy.threshold. The candidate
// keeps the probed dimensions.
func reencodeOriginal(img image.Image, p Probe, policy reencodePolicy, originalSize int) (*OptimizedImage, error) {
	data, mime, ext, err := encode(img, policy.format, policy.quality)
	if err != nil {
		return nil, err
	}
	if !significantReduction(originalSize, len(data), policy.threshold) {
		return nil, nil
	}
	return &OptimizedImage{
		Data:      data,
		MIME:      mime,
		Extension: ext,
		Width:     p.Width,
		Height:    p.Height,
		Label:     OriginalLabel,
		Quality:   qualityFor(policy.format, policy.quality),
	}, nil
}

func significantReduction(original, candidate int, threshold float64) bool {
	if original <= 0 || candidate >= original {
		return false
	}
	return 1-float64(candidate)/float64(original) >= threshold
}
