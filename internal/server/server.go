// Package server implements the HTTP API for blog media.
//
// Endpoints:
//
//	POST   /api/media                 Upload (multipart: file, reference_type, width, height)
//	GET    /api/media                 List (reference_type, limit, offset)
//	GET    /api/media/{id}            Media metadata with variants
//	DELETE /api/media/{id}            Delete media and stored objects
//	GET    /media/{key...}            Serve stored bytes
//	GET    /api/health                Service health + catalog stats
//	GET    /debug/vars                expvar counters
package server

import (
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/Jesssullivan/blog-media/internal/catalog"
	"github.com/Jesssullivan/blog-media/internal/media"
	"github.com/Jesssullivan/blog-media/internal/optimize"
	"github.com/Jesssullivan/blog-media/internal/storage"
)

// DefaultMaxUploadBytes is the largest accepted upload.
const DefaultMaxUploadBytes = 20 << 20

// multipartOverhead is allowed on top of the file size for form fields and
// boundaries.
const multipartOverhead = 64 << 10

// Options tunes the upload endpoint.
type Options struct {
	MaxUploadBytes int64
	// UploadLimiter throttles POST /api/media. Nil means unlimited.
	UploadLimiter *rate.Limiter
}

// New creates an HTTP handler for the media API.
func New(svc *media.Service, opts Options) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/media", uploadHandler(svc, opts))
	mux.HandleFunc("GET /api/media", listHandler(svc))
	mux.HandleFunc("GET /api/media/{id}", getHandler(svc))
	mux.HandleFunc("DELETE /api/media/{id}", deleteHandler(svc))
	mux.HandleFunc("GET /media/{key...}", objectHandler(svc))
	mux.HandleFunc("GET /api/health", healthHandler(svc))
	mux.Handle("GET /debug/vars", expvar.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func uploadHandler(svc *media.Service, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.UploadLimiter != nil && !opts.UploadLimiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "upload rate limit exceeded")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, opts.MaxUploadBytes+multipartOverhead)
		if err := r.ParseMultipartForm(opts.MaxUploadBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(opts.MaxUploadBytes))
				return
			}
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, opts.MaxUploadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read upload")
			return
		}
		if int64(len(data)) > opts.MaxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(opts.MaxUploadBytes))
			return
		}

		ref, err := optimize.ParseReference(r.FormValue("reference_type"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "reference_type must be post, category or user")
			return
		}
		width, err1 := optionalInt(r.FormValue("width"))
		height, err2 := optionalInt(r.FormValue("height"))
		uploader, err3 := optionalInt(r.FormValue("uploader_id"))
		if err := errors.Join(err1, err2, err3); err != nil {
			writeError(w, http.StatusBadRequest, "width, height and uploader_id must be non-negative integers")
			return
		}

		m, created, err := svc.Upload(r.Context(), media.Upload{
			Data:       data,
			Reference:  ref,
			MIME:       imageContentType(header.Header.Get("Content-Type")),
			Filename:   header.Filename,
			Width:      int(width),
			Height:     int(height),
			UploaderID: uploader,
		})
		if errors.Is(err, media.ErrUnsupported) {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported image format")
			return
		}
		if err != nil {
			log.Printf("server: upload %s: %v", header.Filename, err)
			writeError(w, http.StatusInternalServerError, "upload failed")
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, m)
	}
}

// imageContentType drops client content types that say nothing about the
// image, such as application/octet-stream from generic form encoders.
func imageContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return ""
	}
	return mt
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("upload exceeds %d MiB", limit>>20)
}

func optionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// listResponse is the JSON body for GET /api/media.
type listResponse struct {
	Items  []*catalog.Media `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func listHandler(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := catalog.ListOptions{}
		if ref := q.Get("reference_type"); ref != "" {
			parsed, err := optimize.ParseReference(ref)
			if err != nil {
				writeError(w, http.StatusBadRequest, "reference_type must be post, category or user")
				return
			}
			opts.Reference = parsed.String()
		}
		limit, err1 := optionalInt(q.Get("limit"))
		offset, err2 := optionalInt(q.Get("offset"))
		if errors.Join(err1, err2) != nil {
			writeError(w, http.StatusBadRequest, "limit and offset must be non-negative integers")
			return
		}
		opts.Limit = int(limit)
		opts.Offset = int(offset)
		if opts.Limit == 0 {
			opts.Limit = catalog.DefaultListLimit
		}
		opts.Limit = min(opts.Limit, catalog.MaxListLimit)

		items, total, err := svc.List(r.Context(), opts)
		if err != nil {
			log.Printf("server: list: %v", err)
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: opts.Limit, Offset: opts.Offset})
	}
}

func mediaID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func getHandler(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mediaID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid media id")
			return
		}
		m, err := svc.Get(r.Context(), id)
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		if err != nil {
			log.Printf("server: get %d: %v", id, err)
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func deleteHandler(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mediaID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid media id")
			return
		}
		err := svc.Delete(r.Context(), id)
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		if err != nil {
			log.Printf("server: delete %d: %v", id, err)
			writeError(w, http.StatusInternalServerError, "delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func objectHandler(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := "media/" + r.PathValue("key")
		if err := storage.ValidKey(key); err != nil {
			http.Error(w, "invalid key", http.StatusBadRequest)
			return
		}

		data, contentType, err := svc.Open(r.Context(), key)
		if errors.Is(err, catalog.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			log.Printf("server: open %s: %v", key, err)
			http.Error(w, "read error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Write(data)
	}
}

type healthResponse struct {
	Status string         `json:"status"`
	Stats  *catalog.Stats `json:"stats"`
}

func healthHandler(svc *media.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			http.Error(w, "stats error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Stats: stats})
	}
}
