package optimize

// exceedsBudget reports whether decoding p would go over the pixel ceiling.
func exceedsBudget(p Probe, cfg Config) bool {
	return p.PixelCount > cfg.MaxPixels
}

// alreadyOptimized reports whether p is dense enough that re-encoding is
// unlikely to pay off. Formats without a baseline are never skipped.
func alreadyOptimized(p Probe, cfg Config) bool {
	switch p.Format {
	case FormatPNG:
		return p.BytesPerPixel <= cfg.LosslessBPPThreshold
	case FormatJPEG, FormatWebP:
		return p.BytesPerPixel <= cfg.LossyBPPThreshold
	}
	return false
}
