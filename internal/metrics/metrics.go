// Package metrics exports image optimization counters through expvar.
package metrics

import (
	"expvar"
	"time"

	"github.com/Jesssullivan/blog-media/internal/optimize"
	"tailscale.com/metrics"
)

// Collector implements optimize.Metrics. Its variables are unpublished until
// Publish is called, so tests can build as many as they need.
type Collector struct {
	Requests    expvar.Int
	Success     expvar.Int
	Decodes     expvar.Int
	Pixels      expvar.Int
	BytesSaved  expvar.Int
	Variants    expvar.Int
	DurationMS  expvar.Int
	SkipReasons metrics.LabelMap
}

var _ optimize.Metrics = (*Collector)(nil)

// New returns a zeroed Collector.
func New() *Collector {
	c := &Collector{}
	c.SkipReasons.Label = "reason"
	return c
}

// Publish registers the counters with expvar under the
// image.optimization prefix. It panics if called twice in one process.
func (c *Collector) Publish() {
	for name, v := range c.vars() {
		expvar.Publish("image.optimization."+name, v)
	}
}

func (c *Collector) vars() map[string]expvar.Var {
	return map[string]expvar.Var{
		"requests":    &c.Requests,
		"success":     &c.Success,
		"decoded":     &c.Decodes,
		"pixels":      &c.Pixels,
		"bytes_saved": &c.BytesSaved,
		"variants":    &c.Variants,
		"duration_ms": &c.DurationMS,
		"skipped":     &c.SkipReasons,
	}
}

func (c *Collector) Requested() { c.Requests.Add(1) }

func (c *Collector) Skipped(r optimize.SkipReason) {
	c.SkipReasons.Add(r.String(), 1)
}

func (c *Collector) Decoded(pixels uint64) {
	c.Decodes.Add(1)
	c.Pixels.Add(int64(pixels))
}

func (c *Collector) Optimized(variants int, bytesSaved int64, elapsed time.Duration) {
	c.Success.Add(1)
	c.Variants.Add(int64(variants))
	c.BytesSaved.Add(bytesSaved)
	c.DurationMS.Add(elapsed.Milliseconds())
}

// Skips returns the count for one skip reason.
func (c *Collector) Skips(r optimize.SkipReason) int64 {
	return c.SkipReasons.Get(r.String()).Value()
}
