// Package optimize decides whether and how to transform an uploaded image
// for its usage context (post body, category icon or banner, user avatar).
//
// Optimize probes the container header, rejects images that are over the
// pixel budget or already densely encoded, then decodes once and produces a
// possibly re-encoded original plus a set of smaller variants. It performs
// no I/O and holds no mutable state, so an Optimizer may be shared across
// goroutines. The work is CPU bound; callers serving requests should bound
// concurrency themselves.
package optimize

import (
	"fmt"
	"log/slog"
	"time"
)

// Optimizer runs the pipeline under an immutable Config.
type Optimizer struct {
	cfg     Config
	metrics Metrics
	log     *slog.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithMetrics routes pipeline observations to m.
func WithMetrics(m Metrics) Option {
	return func(o *Optimizer) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger for decision points. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.log = l
		}
	}
}

// New returns an Optimizer for cfg.
func New(cfg Config, opts ...Option) *Optimizer {
	o := &Optimizer{
		cfg:     cfg,
		metrics: nopMetrics{},
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the configuration the optimizer was built with.
func (o *Optimizer) Config() Config { return o.cfg }

// Optimize transforms req.Data for req.Reference. A skip is reported through
// the Outcome; an error means a codec failed after the pipeline committed to
// work, and no partial result is returned.
func (o *Optimizer) Optimize(req Request) (Outcome, error) {
	start := time.Now()
	o.metrics.Requested()

	if !o.cfg.Enabled {
		o.log.Debug("optimization disabled by config")
		return o.skip(SkipDisabled), nil
	}

	p, reason, err := ProbeImage(req.Data, req.MIME, req.Extension)
	if err != nil {
		o.log.Warn("skipping optimization", "reason", reason, "mime", req.MIME, "ext", req.Extension, "error", err)
		return o.skip(reason), nil
	}
	o.log.Debug("image probed",
		"width", p.Width,
		"height", p.Height,
		"format", p.Format,
		"pixels", p.PixelCount,
	)

	if exceedsBudget(p, o.cfg) {
		o.log.Warn("image exceeds pixel budget", "pixels", p.PixelCount, "max_pixels", o.cfg.MaxPixels)
		return o.skip(SkipExceedsPixelBudget), nil
	}
	if alreadyOptimized(p, o.cfg) {
		o.log.Debug("already optimized", "bpp", p.BytesPerPixel)
		return o.skip(SkipAlreadyOptimized), nil
	}

	strat := strategyFor(req.Reference)

	img, _, err := decodeImage(req.Data)
	if err != nil {
		o.log.Warn("failed to decode image", "error", err)
		return o.skip(SkipDecodeFailed), nil
	}
	if b := img.Bounds(); b.Empty() {
		return Outcome{}, fmt.Errorf("%w: decoded image is empty", ErrDecodeFailed)
	}
	o.metrics.Decoded(p.PixelCount)

	c := analyzeImage(img)
	o.log.Debug("image characteristics analyzed",
		"has_alpha", c.hasAlpha,
		"aspect_ratio", c.aspectRatio,
		"min_dimension", c.minDimension,
	)

	plan := strat.plan(p, c, o.cfg)
	o.log.Debug("optimization plan created", "variant_specs", len(plan))

	res := &Result{
		Original: OptimizedImage{
			Data:      req.Data,
			MIME:      p.MIME,
			Extension: p.Extension,
			Width:     p.Width,
			Height:    p.Height,
			Label:     OriginalLabel,
		},
	}

	if policy, ok := strat.reencode(c, o.cfg); ok {
		candidate, err := reencodeOriginal(img, p, policy, len(req.Data))
		if err != nil {
			return Outcome{}, err
		}
		if candidate != nil {
			res.ReplacedOriginal = true
			res.Original = *candidate
		}
	}

	for _, spec := range plan {
		limit := p.Width
		if spec.kind == ExactSquare {
			limit = c.minDimension
		}
		if spec.width >= limit {
			continue
		}
		v, err := generateVariant(img, spec)
		if err != nil {
			return Outcome{}, err
		}
		if v != nil {
			res.Variants = append(res.Variants, *v)
		}
	}

	if !res.ReplacedOriginal && len(res.Variants) == 0 {
		o.log.Debug("no optimization applied")
		return o.skip(SkipAlreadyOptimized), nil
	}

	var saved int64
	if res.ReplacedOriginal {
		saved = int64(len(req.Data) - len(res.Original.Data))
	}
	o.log.Info("optimization completed",
		"replaced_original", res.ReplacedOriginal,
		"variant_count", len(res.Variants),
		"bytes_saved", saved,
		"original_size", len(req.Data),
	)
	o.metrics.Optimized(len(res.Variants), saved, time.Since(start))
	return optimized(res), nil
}

func (o *Optimizer) skip(r SkipReason) Outcome {
	o.metrics.Skipped(r)
	return skipped(r)
}
