// Package artifact stores run inputs and outputs in object storage and
// resolves s3:// references to local files.
package artifact

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Object describes one stored grid or point file.
type Object struct {
	Key     string
	Size    int64
	ETag    string
	ModTime time.Time
}

// Store streams objects by key. Grids can be large, so content never has to
// fit in memory.
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) (Object, error)
	Download(ctx context.Context, key string, w io.Writer) (Object, error)
	Stat(ctx context.Context, key string) (Object, error)
}

var ErrNotFound = errors.New("artifact not found")

func normalizeKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".geojson"), strings.HasSuffix(key, ".json"):
		return "application/geo+json"
	case strings.HasSuffix(key, ".asc"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
