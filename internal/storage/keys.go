package storage

import (
	"fmt"
	"strings"
	"time"
)

// MediaKey returns the primary object key for an upload:
// media/{yyyy}/{mm}/{id}.{ext}.
func MediaKey(t time.Time, id, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "img"
	}
	t = t.UTC()
	return fmt.Sprintf("media/%04d/%02d/%s.%s", t.Year(), int(t.Month()), id, ext)
}

// VariantKey derives a variant key from the primary key and the variant
// label, e.g. "480w" or "lqip".
func VariantKey(base, label string) string {
	return base + "@" + label
}
