package optimize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reference is the usage context of an uploaded image. It selects the
// transformation strategy.
type Reference int

const (
	// RefPost is the zero value so an unset reference means a post body image.
	RefPost Reference = iota
	RefCategory
	RefUser
)

func (r Reference) String() string {
	switch r {
	case RefCategory:
		return "category"
	case RefUser:
		return "user"
	default:
		return "post"
	}
}

// ParseReference parses "post", "category" or "user". An empty string
// yields RefPost.
func ParseReference(s string) (Reference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "post":
		return RefPost, nil
	case "category":
		return RefCategory, nil
	case "user":
		return RefUser, nil
	}
	return RefPost, fmt.Errorf("optimize: unknown reference type %q", s)
}

// SkipReason explains why no transformation was applied.
type SkipReason int

const (
	SkipDisabled SkipReason = iota + 1
	SkipUnsupportedFormat
	SkipExceedsPixelBudget
	SkipAlreadyOptimized
	SkipDecodeFailed
)

func (s SkipReason) String() string {
	switch s {
	case SkipDisabled:
		return "disabled"
	case SkipUnsupportedFormat:
		return "unsupported_format"
	case SkipExceedsPixelBudget:
		return "exceeds_pixel_budget"
	case SkipAlreadyOptimized:
		return "already_optimized"
	case SkipDecodeFailed:
		return "decode_failed"
	}
	return "unknown"
}

// LabelKind distinguishes the derivative an OptimizedImage represents.
type LabelKind int

const (
	LabelOriginal LabelKind = iota
	LabelWidth
	LabelLqip
)

// Label tags an output image. Width is only meaningful for LabelWidth.
type Label struct {
	Kind  LabelKind
	Width int
}

// WidthLabel returns the label for a width-keyed variant.
func WidthLabel(w int) Label { return Label{Kind: LabelWidth, Width: w} }

var (
	OriginalLabel = Label{Kind: LabelOriginal}
	LqipLabel     = Label{Kind: LabelLqip}
)

// String renders the label as it appears in object keys and metadata rows:
// "original", "480w" or "lqip".
func (l Label) String() string {
	switch l.Kind {
	case LabelWidth:
		return strconv.Itoa(l.Width) + "w"
	case LabelLqip:
		return "lqip"
	}
	return "original"
}

// TargetFormat is an encoder the pipeline can produce.
type TargetFormat int

const (
	WebpLossless TargetFormat = iota + 1
	Jpeg
	Png
)

func (f TargetFormat) String() string {
	switch f {
	case WebpLossless:
		return "webp-lossless"
	case Jpeg:
		return "jpeg"
	case Png:
		return "png"
	}
	return "unknown"
}

// lossy reports whether quality applies to the format.
func (f TargetFormat) lossy() bool { return f == Jpeg }

// ResizeKind selects how a variant is derived from the source.
type ResizeKind int

const (
	// FitWidth keeps the aspect ratio and scales to the target width.
	FitWidth ResizeKind = iota
	// ExactSquare center-crops a square and scales it to the target side.
	ExactSquare
)

// Request is the pipeline input. Data is borrowed: the pipeline never
// mutates or retains it.
type Request struct {
	Data      []byte
	Reference Reference
	MIME      string // optional hint
	Extension string // optional hint

	// Width and Height are caller-supplied dimension hints. They are not
	// used for any gate; probed dimensions always win.
	Width  int
	Height int
}

// OptimizedImage is one output buffer: the original (possibly re-encoded)
// or a variant.
type OptimizedImage struct {
	Data      []byte
	MIME      string
	Extension string
	Width     int
	Height    int
	Label     Label
	// Quality is set only for lossy (JPEG) output.
	Quality *int
}

// Result is the payload of an optimized outcome. Variants are in plan order.
type Result struct {
	ReplacedOriginal bool
	Original         OptimizedImage
	Variants         []OptimizedImage
}

// Outcome is either a skip or a result. Exactly one of Skipped and Result
// is set.
type Outcome struct {
	Skipped SkipReason
	Result  *Result
}

// IsSkipped reports whether the outcome carries a skip reason.
func (o Outcome) IsSkipped() bool { return o.Result == nil }

func skipped(r SkipReason) Outcome { return Outcome{Skipped: r} }

func optimized(r *Result) Outcome { return Outcome{Result: r} }

// Hard errors. They are returned only after the budget gate has passed and
// the pipeline has committed to real work.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrDecodeFailed      = errors.New("failed to decode image")
	ErrEncodeFailed      = errors.New("encoding error")
)
