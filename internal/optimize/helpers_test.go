package optimize

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/chai2010/webp"
)

// gradient fills an opaque image so it is not trivially compressible.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x % 256),
				G: uint8(y % 256),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

// translucent is a gradient with a varying alpha channel.
func translucent(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x % 256),
				G: uint8(y % 256),
				B: 128,
				A: uint8(64 + x%128),
			})
		}
	}
	return img
}

// noise is opaque random RGB with a fixed seed.
func noise(w, h int) *image.RGBA {
	r := rand.New(rand.NewPCG(1, 2))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(r.IntN(256))
		img.Pix[i+1] = uint8(r.IntN(256))
		img.Pix[i+2] = uint8(r.IntN(256))
		img.Pix[i+3] = 255
	}
	return img
}

// opaqueNRGBA is gradient with an alpha channel that is 255 everywhere.
func opaqueNRGBA(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

// encodeRGBAPNG always writes color type 6. png.Encode downgrades opaque
// images to RGB, which is a different source.
func encodeRGBAPNG(t *testing.T, img *image.NRGBA) []byte {
	t.Helper()
	b := img.Bounds()

	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		row := append([]byte{0}, img.Pix[i:i+4*b.Dx()]...)
		if _, err := zw.Write(row); err != nil {
			t.Fatalf("zlib write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(b.Dx()))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(b.Dy()))
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // truecolor with alpha

	var out bytes.Buffer
	out.WriteString("\x89PNG\r\n\x1a\n")
	writeChunk(&out, "IHDR", ihdr)
	writeChunk(&out, "IDAT", idat.Bytes())
	writeChunk(&out, "IEND", nil)
	return out.Bytes()
}

func writeChunk(w *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	w.Write(n[:])
	w.WriteString(typ)
	w.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	w.Write(n[:])
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

func encodeWebP(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: true}); err != nil {
		t.Fatalf("webp encode: %v", err)
	}
	return buf.Bytes()
}

// ungatedConfig disables the bytes-per-pixel gate so plan behavior can be
// tested with fixtures of any density.
func ungatedConfig() Config {
	cfg := DefaultConfig()
	cfg.LossyBPPThreshold = 0
	cfg.LosslessBPPThreshold = 0
	return cfg
}

// countingMetrics records calls for assertions.
type countingMetrics struct {
	mu        sync.Mutex
	requested int
	decoded   int
	skipped   map[SkipReason]int
	optimized int
	variants  int
	saved     int64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{skipped: make(map[SkipReason]int)}
}

func (m *countingMetrics) Requested() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested++
}

func (m *countingMetrics) Skipped(r SkipReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped[r]++
}

func (m *countingMetrics) Decoded(uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decoded++
}

func (m *countingMetrics) Optimized(variants int, saved int64, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimized++
	m.variants += variants
	m.saved += saved
}
