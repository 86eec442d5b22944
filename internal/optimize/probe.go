package optimize

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Format is a detected container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatPNG
	FormatJPEG
	FormatWebP
	FormatGIF
	FormatBMP
	FormatTIFF
	FormatAVIF
	FormatTGA
	FormatDDS
	FormatPNM
	FormatICO
	FormatHDR
	FormatOpenEXR
)

type formatInfo struct {
	name string
	mime string
	ext  string
}

var formats = map[Format]formatInfo{
	FormatPNG:     {"png", "image/png", "png"},
	FormatJPEG:    {"jpeg", "image/jpeg", "jpg"},
	FormatWebP:    {"webp", "image/webp", "webp"},
	FormatGIF:     {"gif", "image/gif", "gif"},
	FormatBMP:     {"bmp", "image/bmp", "bmp"},
	FormatTIFF:    {"tiff", "image/tiff", "tif"},
	FormatAVIF:    {"avif", "image/avif", "avif"},
	FormatTGA:     {"tga", "image/x-tga", "tga"},
	FormatDDS:     {"dds", "image/vnd.ms-dds", "dds"},
	FormatPNM:     {"pnm", "image/x-portable-anymap", "pnm"},
	FormatICO:     {"ico", "image/x-icon", "ico"},
	FormatHDR:     {"hdr", "image/vnd.radiance", "hdr"},
	FormatOpenEXR: {"exr", "image/x-exr", "exr"},
}

var unknownFormat = formatInfo{"unknown", "application/octet-stream", "img"}

func (f Format) info() formatInfo {
	if fi, ok := formats[f]; ok {
		return fi
	}
	return unknownFormat
}

func (f Format) String() string { return f.info().name }

// MIME returns the canonical MIME type for the format.
func (f Format) MIME() string { return f.info().mime }

// Extension returns the canonical file extension, without a dot.
func (f Format) Extension() string { return f.info().ext }

// sniffed maps mimetype's detections onto formats. The parent chain is
// walked so aliases such as APNG resolve to PNG.
var sniffed = map[string]Format{
	"image/png":                     FormatPNG,
	"image/jpeg":                    FormatJPEG,
	"image/webp":                    FormatWebP,
	"image/gif":                     FormatGIF,
	"image/bmp":                     FormatBMP,
	"image/tiff":                    FormatTIFF,
	"image/avif":                    FormatAVIF,
	"image/x-icon":                  FormatICO,
	"image/vnd.radiance":            FormatHDR,
	"image/x-exr":                   FormatOpenEXR,
	"image/x-portable-bitmap":       FormatPNM,
	"image/x-portable-graymap":      FormatPNM,
	"image/x-portable-pixmap":       FormatPNM,
	"image/x-portable-arbitrarymap": FormatPNM,
}

// Probe is the header-only view of an input buffer.
type Probe struct {
	Width         int
	Height        int
	PixelCount    uint64
	Format        Format
	MIME          string
	Extension     string
	BytesPerPixel float64
}

var (
	errNoMagic  = errors.New("unrecognized container")
	errNoHeader = errors.New("unreadable header")
)

// ProbeImage inspects data without decoding pixel data. MIME and extension
// hints take precedence over the format-derived defaults. The returned skip
// reason is SkipUnsupportedFormat when no known magic number matches and
// SkipDecodeFailed when the header cannot be parsed.
func ProbeImage(data []byte, mimeHint, extHint string) (Probe, SkipReason, error) {
	format := detectFormat(data)
	if format == FormatUnknown {
		return Probe{}, SkipUnsupportedFormat, errNoMagic
	}

	w, h, err := headerSize(format, data)
	if err != nil {
		return Probe{}, SkipDecodeFailed, fmt.Errorf("%w: %s: %v", errNoHeader, format, err)
	}

	p := Probe{
		Width:     w,
		Height:    h,
		Format:    format,
		MIME:      format.MIME(),
		Extension: format.Extension(),
	}
	if ext, ok := normalizeExtension(extHint); ok {
		p.Extension = ext
	}
	if m := strings.TrimSpace(mimeHint); m != "" {
		p.MIME = strings.ToLower(m)
	}
	p.PixelCount = uint64(w) * uint64(h)
	p.BytesPerPixel = float64(len(data)) / float64(max(p.PixelCount, 1))
	return p, 0, nil
}

func normalizeExtension(ext string) (string, bool) {
	ext = strings.TrimLeft(strings.TrimSpace(ext), ".")
	if ext == "" {
		return "", false
	}
	return strings.ToLower(ext), true
}

func detectFormat(data []byte) Format {
	if len(data) == 0 {
		return FormatUnknown
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if f, ok := sniffed[m.String()]; ok {
			return f
		}
	}
	// Containers mimetype does not know about.
	switch {
	case bytes.HasPrefix(data, []byte("DDS ")):
		return FormatDDS
	case bytes.HasPrefix(data, []byte{0x00, 0x00, 0x01, 0x00}):
		return FormatICO
	case isPNM(data):
		return FormatPNM
	case bytes.HasPrefix(data, []byte("#?RADIANCE")), bytes.HasPrefix(data, []byte("#?RGBE")):
		return FormatHDR
	case bytes.HasPrefix(data, []byte{0x76, 0x2f, 0x31, 0x01}):
		return FormatOpenEXR
	}
	return FormatUnknown
}

func isPNM(data []byte) bool {
	if len(data) < 3 || data[0] != 'P' || data[1] < '1' || data[1] > '7' {
		return false
	}
	switch data[2] {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// headerSize reads only as much of data as the container header needs.
func headerSize(format Format, data []byte) (int, int, error) {
	var w, h int
	switch format {
	case FormatPNG, FormatJPEG, FormatWebP, FormatGIF, FormatBMP, FormatTIFF:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return 0, 0, err
		}
		w, h = cfg.Width, cfg.Height
	case FormatICO:
		var err error
		if w, h, err = icoSize(data); err != nil {
			return 0, 0, err
		}
	case FormatDDS:
		if len(data) < 20 {
			return 0, 0, errors.New("short dds header")
		}
		h = int(binary.LittleEndian.Uint32(data[12:16]))
		w = int(binary.LittleEndian.Uint32(data[16:20]))
	case FormatPNM:
		var err error
		if w, h, err = pnmSize(data); err != nil {
			return 0, 0, err
		}
	case FormatHDR:
		var err error
		if w, h, err = hdrSize(data); err != nil {
			return 0, 0, err
		}
	default:
		return 0, 0, fmt.Errorf("no header reader for %s", format)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid dimensions %dx%d", w, h)
	}
	// Keeps width*height within uint64.
	if uint64(w) > math.MaxUint32 || uint64(h) > math.MaxUint32 {
		return 0, 0, fmt.Errorf("dimensions %dx%d exceed 32 bits", w, h)
	}
	return w, h, nil
}

// icoSize returns the largest entry of an ICONDIR. A stored 0 means 256.
func icoSize(data []byte) (int, int, error) {
	if len(data) < 6 {
		return 0, 0, errors.New("short ico header")
	}
	n := int(binary.LittleEndian.Uint16(data[4:6]))
	if n == 0 || len(data) < 6+16*n {
		return 0, 0, errors.New("truncated ico directory")
	}
	var w, h int
	for i := range n {
		entry := data[6+16*i:]
		ew, eh := int(entry[0]), int(entry[1])
		if ew == 0 {
			ew = 256
		}
		if eh == 0 {
			eh = 256
		}
		if ew*eh > w*h {
			w, h = ew, eh
		}
	}
	return w, h, nil
}

// pnmSize parses the P1-P6 token header or the P7 (PAM) key/value header.
func pnmSize(data []byte) (int, int, error) {
	if data[1] == '7' {
		var w, h int
		sc := bufio.NewScanner(bytes.NewReader(data[2:]))
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "WIDTH":
				if len(fields) > 1 {
					w, _ = strconv.Atoi(fields[1])
				}
			case "HEIGHT":
				if len(fields) > 1 {
					h, _ = strconv.Atoi(fields[1])
				}
			case "ENDHDR":
				return w, h, nil
			}
		}
		return 0, 0, errors.New("pam header without ENDHDR")
	}

	var tokens []int
	i := 2
	for len(tokens) < 2 && i < len(data) {
		c := data[i]
		switch {
		case c == '#':
			for i < len(data) && data[i] != '\n' {
				i++
			}
		case c >= '0' && c <= '9':
			start := i
			for i < len(data) && data[i] >= '0' && data[i] <= '9' {
				i++
			}
			v, err := strconv.Atoi(string(data[start:i]))
			if err != nil {
				return 0, 0, err
			}
			tokens = append(tokens, v)
			continue
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
		default:
			return 0, 0, fmt.Errorf("unexpected byte %q in pnm header", c)
		}
		i++
	}
	if len(tokens) < 2 {
		return 0, 0, errors.New("truncated pnm header")
	}
	return tokens[0], tokens[1], nil
}

// hdrSize reads the Radiance resolution line that follows the blank line
// terminating the header, e.g. "-Y 512 +X 768".
func hdrSize(data []byte) (int, int, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024), 64*1024)
	blank := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !blank {
			blank = line == ""
			continue
		}
		f := strings.Fields(line)
		if len(f) != 4 {
			return 0, 0, fmt.Errorf("bad resolution line %q", line)
		}
		a, errA := strconv.Atoi(f[1])
		b, errB := strconv.Atoi(f[3])
		if errA != nil || errB != nil {
			return 0, 0, fmt.Errorf("bad resolution line %q", line)
		}
		if strings.HasSuffix(f[0], "Y") {
			return b, a, nil
		}
		return a, b, nil
	}
	return 0, 0, errors.New("hdr header without resolution line")
}
