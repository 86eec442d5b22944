// Package media stores uploads: it deduplicates by content hash, runs the
// optimizer on a bounded pool of worker slots, writes the resulting
// objects and records them in the catalog.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Jesssullivan/blog-media/internal/catalog"
	"github.com/Jesssullivan/blog-media/internal/optimize"
	"github.com/Jesssullivan/blog-media/internal/storage"
)

// ErrUnsupported is returned for uploads that are not a recognized image
// container.
var ErrUnsupported = errors.New("media: unsupported image format")

// Upload is one incoming file.
type Upload struct {
	Data      []byte
	Reference optimize.Reference
	// MIME and Filename come from the client and are only hints.
	MIME     string
	Filename string
	// Width and Height are used when the header cannot be probed.
	Width      int
	Height     int
	UploaderID int64
}

// Service owns the upload path.
type Service struct {
	cat   *catalog.DB
	store storage.Store
	opt   *optimize.Optimizer
	slots *semaphore.Weighted

	now   func() time.Time
	newID func() string
}

// New returns a Service running at most workers optimizations at once.
func New(cat *catalog.DB, store storage.Store, opt *optimize.Optimizer, workers int) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		cat:   cat,
		store: store,
		opt:   opt,
		slots: semaphore.NewWeighted(int64(workers)),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// object is one blob to persist.
type object struct {
	key  string
	data []byte
	mime string
}

// Upload stores u and returns its catalog row. created is false when the
// same bytes were already stored, in which case the existing row is
// returned unchanged.
func (s *Service) Upload(ctx context.Context, u Upload) (m *catalog.Media, created bool, err error) {
	if len(u.Data) == 0 {
		return nil, false, fmt.Errorf("media: empty upload")
	}
	hash := contentHash(u.Data)

	existing, err := s.cat.ByHash(ctx, hash)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, catalog.ErrNotFound):
		return nil, false, err
	}

	ext := extensionOf(u.Filename)
	probe, reason, perr := optimize.ProbeImage(u.Data, u.MIME, ext)
	if perr != nil && reason == optimize.SkipUnsupportedFormat {
		return nil, false, fmt.Errorf("%w: %v", ErrUnsupported, perr)
	}

	outcome, err := s.optimize(ctx, optimize.Request{
		Data:      u.Data,
		Reference: u.Reference,
		MIME:      u.MIME,
		Extension: ext,
		Width:     u.Width,
		Height:    u.Height,
	})
	if err != nil {
		return nil, false, err
	}

	m = &catalog.Media{
		Hash:       hash,
		MIME:       probe.MIME,
		Extension:  probe.Extension,
		Width:      probe.Width,
		Height:     probe.Height,
		Reference:  u.Reference.String(),
		UploaderID: u.UploaderID,
	}
	if perr != nil {
		// Header unreadable: fall back to the client's description.
		m.MIME = firstNonEmpty(strings.ToLower(strings.TrimSpace(u.MIME)), "application/octet-stream")
		m.Extension = firstNonEmpty(ext, "img")
		m.Width, m.Height = u.Width, u.Height
	}
	primary := u.Data

	var variants []optimize.OptimizedImage
	if res := outcome.Result; res != nil {
		if res.ReplacedOriginal && !s.opt.Config().KeepOriginal {
			primary = res.Original.Data
			m.MIME, m.Extension = res.Original.MIME, res.Original.Extension
			m.Width, m.Height = res.Original.Width, res.Original.Height
		}
		variants = res.Variants
		if len(primary) < len(u.Data) || len(variants) > 0 {
			now := s.now().UTC()
			m.IsOptimized = true
			m.OptimizedAt = &now
		} else {
			m.SkipReason = optimize.SkipAlreadyOptimized.String()
		}
	} else {
		m.SkipReason = outcome.Skipped.String()
	}

	m.ObjectKey = storage.MediaKey(s.now(), s.newID(), m.Extension)
	m.Size = int64(len(primary))
	objects := []object{{key: m.ObjectKey, data: primary, mime: m.MIME}}
	for _, v := range variants {
		key := storage.VariantKey(m.ObjectKey, v.Label.String())
		objects = append(objects, object{key: key, data: v.Data, mime: v.MIME})
		m.Variants = append(m.Variants, catalog.Variant{
			ObjectKey: key,
			MIME:      v.MIME,
			Extension: v.Extension,
			Width:     v.Width,
			Height:    v.Height,
			Size:      int64(len(v.Data)),
			Quality:   v.Quality,
			Label:     v.Label.String(),
		})
	}

	if err := s.putAll(ctx, objects); err != nil {
		return nil, false, err
	}
	if _, err := s.cat.Insert(ctx, m); err != nil {
		s.deleteAll(objects)
		if errors.Is(err, catalog.ErrDuplicate) {
			// Lost a race with a concurrent upload of the same bytes.
			existing, gerr := s.cat.ByHash(ctx, hash)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	log.Printf("media: stored %s %s (%s, %d variants, %s)",
		m.ObjectKey, m.MIME, humanize.Bytes(uint64(m.Size)), len(m.Variants), verdict(m, len(u.Data)))
	return m, true, nil
}

// optimize runs the pipeline in a worker slot. Codec failures are logged
// and degrade to storing the untouched upload.
func (s *Service) optimize(ctx context.Context, req optimize.Request) (optimize.Outcome, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return optimize.Outcome{}, err
	}
	defer s.slots.Release(1)

	out, err := s.opt.Optimize(req)
	if err != nil {
		log.Printf("media: optimize: %v; storing original", err)
		return optimize.Outcome{Skipped: optimize.SkipDecodeFailed}, nil
	}
	return out, nil
}

func (s *Service) putAll(ctx context.Context, objects []object) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, o := range objects {
		g.Go(func() error {
			return s.store.Put(gctx, o.key, o.data, o.mime)
		})
	}
	if err := g.Wait(); err != nil {
		s.deleteAll(objects)
		return fmt.Errorf("media: store: %w", err)
	}
	return nil
}

// deleteAll removes objects best-effort. It ignores the request context
// so cleanup still runs after a cancellation.
func (s *Service) deleteAll(objects []object) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, o := range objects {
		if err := s.store.Delete(ctx, o.key); err != nil {
			log.Printf("media: cleanup %s: %v", o.key, err)
		}
	}
}

// Get returns one media row.
func (s *Service) Get(ctx context.Context, id int64) (*catalog.Media, error) {
	return s.cat.Get(ctx, id)
}

// List returns a page of media and the total count.
func (s *Service) List(ctx context.Context, opts catalog.ListOptions) ([]*catalog.Media, int, error) {
	return s.cat.List(ctx, opts)
}

// Delete removes the media row and every stored object it references.
func (s *Service) Delete(ctx context.Context, id int64) error {
	m, err := s.cat.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, key := range m.Keys() {
		if err := s.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("media: delete %s: %w", key, err)
		}
	}
	return s.cat.Delete(ctx, id)
}

// Open returns the bytes and content type stored under key. Only keys the
// catalog knows about are served.
func (s *Service) Open(ctx context.Context, key string) ([]byte, string, error) {
	m, err := s.cat.ByObjectKey(ctx, key)
	if err != nil {
		return nil, "", err
	}
	mime := m.MIME
	for _, v := range m.Variants {
		if v.ObjectKey == key {
			mime = v.MIME
		}
	}
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

// Stats returns catalog statistics.
func (s *Service) Stats(ctx context.Context) (*catalog.Stats, error) {
	return s.cat.Stats(ctx)
}

func verdict(m *catalog.Media, uploaded int) string {
	if !m.IsOptimized {
		return "skipped: " + m.SkipReason
	}
	if saved := int64(uploaded) - m.Size; saved > 0 {
		return "saved " + humanize.Bytes(uint64(saved))
	}
	return "optimized"
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func extensionOf(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
