// Package importer seeds the media library from a list of remote image
// URLs. Downloads are rate limited and retried with backoff, then handed
// to the upload service, which deduplicates and optimizes them.
package importer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/Jesssullivan/blog-media/internal/media"
	"github.com/Jesssullivan/blog-media/internal/optimize"
)

// Options configures an Importer. Zero values select defaults.
type Options struct {
	RateLimit  float64 // downloads per second
	MaxRetries int
	Timeout    time.Duration
	MaxBytes   int64
}

// Importer fetches images and stores them through a media.Service.
type Importer struct {
	svc        *media.Service
	hc         *http.Client
	limiter    *rate.Limiter
	maxRetries int
	maxBytes   int64
	backoff    func(attempt int) time.Duration
}

// New creates an Importer.
func New(svc *media.Service, opts Options) *Importer {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}
	return &Importer{
		svc:        svc,
		hc:         &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), 3),
		maxRetries: opts.MaxRetries,
		maxBytes:   opts.MaxBytes,
		backoff:    backoffDuration,
	}
}

// Run imports each URL for ref. Failures are logged and skipped. Returns
// the count of newly stored media.
func (im *Importer) Run(ctx context.Context, urls []string, ref optimize.Reference) (int, error) {
	var count int
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		n, err := im.importOne(ctx, u, ref)
		if err != nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			log.Printf("importer: %s: %v", u, err)
			continue
		}
		count += n
	}
	return count, nil
}

// importOne returns 1 if the image was new and stored, 0 if duplicate.
func (im *Importer) importOne(ctx context.Context, srcURL string, ref optimize.Reference) (int, error) {
	if err := im.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	data, contentType, err := im.download(ctx, srcURL)
	if err != nil {
		return 0, err
	}

	m, created, err := im.svc.Upload(ctx, media.Upload{
		Data:      data,
		Reference: ref,
		MIME:      contentType,
		Filename:  filenameOf(srcURL),
	})
	if err != nil {
		return 0, err
	}
	if !created {
		return 0, nil
	}
	log.Printf("importer: %s -> %s (%s)", srcURL, m.ObjectKey, humanize.Bytes(uint64(len(data))))
	return 1, nil
}

// download fetches an image with retry and backoff on transport errors,
// 429 and 5xx responses.
func (im *Importer) download(ctx context.Context, srcURL string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt < im.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := im.backoff(attempt)
			log.Printf("importer: retry %d for %s after %v", attempt, srcURL, backoff)
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(backoff):
			}
			if err := im.limiter.Wait(ctx); err != nil {
				return nil, "", err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
		if err != nil {
			return nil, "", err // Not retryable.
		}
		req.Header.Set("Accept", "image/*")

		resp, err := im.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("download %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("download %d", resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, im.maxBytes+1))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if int64(len(data)) > im.maxBytes {
			return nil, "", fmt.Errorf("image exceeds %s", humanize.Bytes(uint64(im.maxBytes)))
		}
		return data, imageType(resp.Header.Get("Content-Type")), nil
	}
	return nil, "", fmt.Errorf("after %d attempts: %w", im.maxRetries, lastErr)
}

// backoffDuration returns exponential backoff with jitter.
func backoffDuration(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second // 2s, 4s, 8s
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return base + jitter
}

func imageType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return ""
	}
	return mt
}

func filenameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// ReadURLs parses one URL per line, skipping blanks and # comments.
func ReadURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := url.Parse(line)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("importer: invalid url %q", line)
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("importer: read urls: %w", err)
	}
	return urls, nil
}
