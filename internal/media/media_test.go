package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Jesssullivan/blog-media/internal/catalog"
	"github.com/Jesssullivan/blog-media/internal/optimize"
	"github.com/Jesssullivan/blog-media/internal/storage"
)

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	r := rand.New(rand.NewPCG(3, 4))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(r.IntN(256))
		img.Pix[i+1] = uint8(r.IntN(256))
		img.Pix[i+2] = uint8(r.IntN(256))
		img.Pix[i+3] = 255
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// memStore is an in-memory Store that can fail puts for matching keys.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && strings.Contains(key, m.failOn) {
		return errors.New("disk full")
	}
	m.objects[key] = bytes.Clone(data)
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func ungated() optimize.Config {
	cfg := optimize.DefaultConfig()
	cfg.LossyBPPThreshold = 0
	cfg.LosslessBPPThreshold = 0
	return cfg
}

func testService(t *testing.T, cfg optimize.Config, store storage.Store) (*Service, *catalog.DB) {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "media.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc := New(db, store, optimize.New(cfg), 2)
	svc.now = func() time.Time { return time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC) }
	var n int
	svc.newID = func() string {
		n++
		return "id" + string(rune('0'+n))
	}
	return svc, db
}

func TestUploadReplacesOriginal(t *testing.T) {
	cfg := ungated()
	cfg.KeepOriginal = false
	store := newMemStore()
	svc, _ := testService(t, cfg, store)
	data := noisePNG(t, 600, 400)

	m, created, err := svc.Upload(context.Background(), Upload{Data: data, Filename: "photo.png", UploaderID: 3})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !created {
		t.Fatal("expected a new row")
	}
	if m.ObjectKey != "media/2025/06/id1.jpg" {
		t.Fatalf("key = %s", m.ObjectKey)
	}
	if m.MIME != "image/jpeg" || m.Width != 600 || m.Height != 400 {
		t.Fatalf("primary = %s %dx%d", m.MIME, m.Width, m.Height)
	}
	if !m.IsOptimized || m.OptimizedAt == nil || m.SkipReason != "" {
		t.Fatalf("verdict = %v %v %q", m.IsOptimized, m.OptimizedAt, m.SkipReason)
	}
	if m.Size >= int64(len(data)) {
		t.Fatalf("stored %d bytes, upload was %d", m.Size, len(data))
	}
	if m.Reference != "post" || m.UploaderID != 3 {
		t.Fatalf("reference/uploader = %s/%d", m.Reference, m.UploaderID)
	}

	wantKeys := []string{"media/2025/06/id1.jpg", "media/2025/06/id1.jpg@480w", "media/2025/06/id1.jpg@lqip"}
	if got := m.Keys(); strings.Join(got, ",") != strings.Join(wantKeys, ",") {
		t.Fatalf("keys = %v", got)
	}
	for _, k := range wantKeys {
		if _, err := store.Get(context.Background(), k); err != nil {
			t.Fatalf("object %s: %v", k, err)
		}
	}
	if m.Variants[0].Quality == nil || *m.Variants[0].Quality != 80 {
		t.Fatalf("480w quality = %v", m.Variants[0].Quality)
	}
}

func TestUploadKeepsOriginalBytes(t *testing.T) {
	store := newMemStore()
	svc, _ := testService(t, ungated(), store)
	data := noisePNG(t, 600, 400)

	m, _, err := svc.Upload(context.Background(), Upload{Data: data})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if m.MIME != "image/png" || m.ObjectKey != "media/2025/06/id1.png" {
		t.Fatalf("primary = %s at %s", m.MIME, m.ObjectKey)
	}
	stored, err := store.Get(context.Background(), m.ObjectKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatal("original bytes were not kept")
	}
	if !m.IsOptimized || len(m.Variants) != 2 {
		t.Fatalf("optimized=%v variants=%d", m.IsOptimized, len(m.Variants))
	}
}

func TestUploadDeduplicates(t *testing.T) {
	store := newMemStore()
	svc, db := testService(t, ungated(), store)
	data := noisePNG(t, 100, 100)
	ctx := context.Background()

	first, created, err := svc.Upload(ctx, Upload{Data: data})
	if err != nil || !created {
		t.Fatalf("first Upload: %v created=%v", err, created)
	}
	objects := store.len()

	second, created, err := svc.Upload(ctx, Upload{Data: data, Reference: optimize.RefUser})
	if err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("duplicate created=%v id=%d, want existing %d", created, second.ID, first.ID)
	}
	if store.len() != objects {
		t.Fatalf("duplicate wrote objects: %d -> %d", objects, store.len())
	}
	if n, _ := db.Count(ctx); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestUploadRecordsSkipReason(t *testing.T) {
	cfg := optimize.DefaultConfig()
	cfg.Enabled = false
	store := newMemStore()
	svc, _ := testService(t, cfg, store)
	data := noisePNG(t, 64, 32)

	m, _, err := svc.Upload(context.Background(), Upload{Data: data, Reference: optimize.RefCategory})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if m.IsOptimized || m.SkipReason != "disabled" {
		t.Fatalf("verdict = %v %q", m.IsOptimized, m.SkipReason)
	}
	if m.Width != 64 || m.Height != 32 || m.MIME != "image/png" {
		t.Fatalf("probe metadata = %s %dx%d", m.MIME, m.Width, m.Height)
	}
	if len(m.Variants) != 0 || store.len() != 1 {
		t.Fatalf("variants=%d objects=%d", len(m.Variants), store.len())
	}
}

func TestUploadFallsBackOnUndecodableBody(t *testing.T) {
	store := newMemStore()
	svc, _ := testService(t, ungated(), store)
	data := noisePNG(t, 64, 64)
	data = data[:len(data)/2]

	m, _, err := svc.Upload(context.Background(), Upload{Data: data, Width: 64, Height: 64})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if m.SkipReason != "decode_failed" {
		t.Fatalf("skip reason = %q", m.SkipReason)
	}
	stored, _ := store.Get(context.Background(), m.ObjectKey)
	if !bytes.Equal(stored, data) {
		t.Fatal("untouched upload not stored")
	}
}

func TestUploadRejectsNonImages(t *testing.T) {
	store := newMemStore()
	svc, _ := testService(t, optimize.DefaultConfig(), store)

	_, _, err := svc.Upload(context.Background(), Upload{Data: []byte("just some text"), Filename: "notes.txt"})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if _, _, err := svc.Upload(context.Background(), Upload{}); err == nil {
		t.Fatal("expected error for empty upload")
	}
	if store.len() != 0 {
		t.Fatalf("objects written: %d", store.len())
	}
}

func TestUploadCleansUpOnStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failOn = "@lqip"
	svc, db := testService(t, ungated(), store)

	_, _, err := svc.Upload(context.Background(), Upload{Data: noisePNG(t, 600, 400)})
	if err == nil {
		t.Fatal("expected store failure")
	}
	if store.len() != 0 {
		t.Fatalf("%d objects left after failed upload", store.len())
	}
	if n, _ := db.Count(context.Background()); n != 0 {
		t.Fatalf("rows = %d, want 0", n)
	}
}

func TestDeleteAndOpen(t *testing.T) {
	store := newMemStore()
	svc, _ := testService(t, ungated(), store)
	ctx := context.Background()

	m, _, err := svc.Upload(ctx, Upload{Data: noisePNG(t, 600, 400)})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	data, mime, err := svc.Open(ctx, m.Variants[0].ObjectKey)
	if err != nil {
		t.Fatalf("Open variant: %v", err)
	}
	if mime != "image/jpeg" || len(data) == 0 {
		t.Fatalf("Open = %d bytes %s", len(data), mime)
	}
	if _, _, err := svc.Open(ctx, "media/unknown.png"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Open unknown err = %v", err)
	}

	if err := svc.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.len() != 0 {
		t.Fatalf("%d objects left after delete", store.len())
	}
	if _, err := svc.Get(ctx, m.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if err := svc.Delete(ctx, m.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("second Delete err = %v", err)
	}
}

func TestConcurrentUploads(t *testing.T) {
	store := newMemStore()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "media.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	svc := New(db, store, optimize.New(ungated()), 2)

	var uploads [][]byte
	for i := range 4 {
		uploads = append(uploads, noisePNG(t, 80+i, 60))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(uploads))
	for _, data := range uploads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Upload(context.Background(), Upload{Data: data})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Upload: %v", err)
		}
	}
	if n, _ := db.Count(context.Background()); n != 4 {
		t.Fatalf("rows = %d, want 4", n)
	}
}
