package optimize

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// decodeImage fully decodes data. Only called once the budget and quality
// gates have passed.
func decodeImage(data []byte) (image.Image, string, error) {
	r := bytes.NewReader(data)

	img, format, err := image.Decode(r)
	if err == nil {
		return img, format, nil
	}

	// x/image/webp rejects some extended WebP layouts libwebp accepts.
	r.Reset(data)
	if wimg, werr := webp.Decode(r); werr == nil {
		return wimg, "webp", nil
	}

	return nil, "", err
}

func analyzeImage(img image.Image) characteristics {
	b := img.Bounds()
	w, h := max(b.Dx(), 1), max(b.Dy(), 1)
	return characteristics{
		hasAlpha:     hasAlpha(img),
		aspectRatio:  float64(w) / float64(h),
		minDimension: min(w, h),
	}
}

// hasAlpha reports whether the decoded color model carries an alpha
// channel, whether or not any pixel uses it. The stdlib and x/image
// decoders return *image.RGBA and *image.RGBA64 for sources without alpha
// (RGB PNG, 24-bit BMP), so those premultiplied types fall back to a scan.
func hasAlpha(img image.Image) bool {
	switch m := img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.NYCbCrA, *image.Alpha, *image.Alpha16:
		return true
	case *image.YCbCr, *image.Gray, *image.Gray16, *image.CMYK:
		return false
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
		return false
	case interface{ Opaque() bool }:
		return !m.Opaque()
	}
	switch img.ColorModel() {
	case color.NRGBAModel, color.NRGBA64Model, color.AlphaModel, color.Alpha16Model:
		return true
	}
	return false
}

// encode dispatches to the codec for format. quality is ignored by the
// lossless encoders.
func encode(img image.Image, format TargetFormat, quality int) ([]byte, string, string, error) {
	var buf bytes.Buffer
	switch format {
	case WebpLossless:
		if err := webp.Encode(&buf, imaging.Clone(img), &webp.Options{Lossless: true}); err != nil {
			return nil, "", "", fmt.Errorf("%w: webp: %v", ErrEncodeFailed, err)
		}
		return buf.Bytes(), "image/webp", "webp", nil
	case Jpeg:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(clampQuality(quality))); err != nil {
			return nil, "", "", fmt.Errorf("%w: jpeg: %v", ErrEncodeFailed, err)
		}
		return buf.Bytes(), "image/jpeg", "jpg", nil
	case Png:
		if err := imaging.Encode(&buf, imaging.Clone(img), imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
			return nil, "", "", fmt.Errorf("%w: png: %v", ErrEncodeFailed, err)
		}
		return buf.Bytes(), "image/png", "png", nil
	}
	return nil, "", "", fmt.Errorf("%w: target %s", ErrUnsupportedFormat, format)
}

// qualityFor returns the quality to record for an output, nil for lossless.
func qualityFor(format TargetFormat, quality int) *int {
	if !format.lossy() {
		return nil
	}
	q := clampQuality(quality)
	return &q
}
