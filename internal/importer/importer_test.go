package importer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jesssullivan/blog-media/internal/catalog"
	"github.com/Jesssullivan/blog-media/internal/media"
	"github.com/Jesssullivan/blog-media/internal/optimize"
	"github.com/Jesssullivan/blog-media/internal/storage"
)

func testImporter(t *testing.T) (*Importer, *catalog.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := catalog.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := storage.NewLocal(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := media.New(db, store, optimize.New(optimize.DefaultConfig()), 1)

	im := New(svc, Options{RateLimit: 1000, MaxRetries: 3, MaxBytes: 1 << 20})
	im.backoff = func(int) time.Duration { return time.Millisecond }
	return im, db
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.Set(0, 0, color.RGBA{A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestRunImportsAndDeduplicates(t *testing.T) {
	im, db := testImporter(t)
	a, b := pngBytes(t, 10), pngBytes(t, 200)

	mux := http.NewServeMux()
	mux.HandleFunc("/a.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(a)
	})
	mux.HandleFunc("/b.png", func(w http.ResponseWriter, r *http.Request) { w.Write(b) })
	mux.HandleFunc("/copy-of-a", func(w http.ResponseWriter, r *http.Request) { w.Write(a) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	urls := []string{srv.URL + "/a.png", srv.URL + "/b.png", srv.URL + "/copy-of-a", srv.URL + "/missing"}
	n, err := im.Run(context.Background(), urls, optimize.RefCategory)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d, want 2", n)
	}

	items, total, err := db.List(context.Background(), catalog.ListOptions{Reference: "category"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Fatalf("rows = %d, want 2", total)
	}
	for _, m := range items {
		if m.MIME != "image/png" || m.Width != 32 {
			t.Fatalf("row = %+v", m)
		}
	}
}

func TestDownloadRetriesTransientErrors(t *testing.T) {
	im, _ := testImporter(t)
	data := pngBytes(t, 1)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Header().Set("Content-Type", "image/png; charset=binary")
			w.Write(data)
		}
	}))
	defer srv.Close()

	got, ct, err := im.download(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(got, data) || ct != "image/png" {
		t.Fatalf("download = %d bytes, %q", len(got), ct)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDownloadGivesUp(t *testing.T) {
	im, _ := testImporter(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, _, err := im.download(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error after retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	im, _ := testImporter(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, _, err := im.download(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 403")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestDownloadSizeCap(t *testing.T) {
	im, _ := testImporter(t)
	im.maxBytes = 100

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 101))
	}))
	defer srv.Close()

	if _, _, err := im.download(context.Background(), srv.URL); err == nil {
		t.Fatal("expected size cap error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	im, _ := testImporter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := im.Run(ctx, []string{"http://127.0.0.1:1/a.png"}, optimize.RefPost)
	if err == nil || n != 0 {
		t.Fatalf("Run = %d, %v; want context error", n, err)
	}
}

func TestBackoffDuration(t *testing.T) {
	for attempt := 1; attempt <= 3; attempt++ {
		base := time.Duration(1<<uint(attempt)) * time.Second
		d := backoffDuration(attempt)
		if d < base || d >= base+base/2 {
			t.Fatalf("attempt %d backoff %v outside [%v, %v)", attempt, d, base, base+base/2)
		}
	}
}

func TestReadURLs(t *testing.T) {
	in := "# seed list\nhttps://example.com/a.png\n\n  http://example.com/b.jpg  \n"
	urls, err := ReadURLs(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadURLs: %v", err)
	}
	if len(urls) != 2 || urls[1] != "http://example.com/b.jpg" {
		t.Fatalf("urls = %v", urls)
	}
	if _, err := ReadURLs(strings.NewReader("ftp://example.com/x\n")); err == nil {
		t.Fatal("expected error for non-http url")
	}
}

func TestFilenameOf(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/img/cat.JPG?w=1": "cat.JPG",
		"https://cdn.example.com/":                "",
		"https://cdn.example.com":                 "",
	}
	for in, want := range tests {
		if got := filenameOf(in); got != want {
			t.Errorf("filenameOf(%q) = %q, want %q", in, got, want)
		}
	}
}
