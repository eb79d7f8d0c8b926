package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

const refScheme = "s3://"

// ErrNoStore is returned for s3:// references when no object store is
// configured.
var ErrNoStore = errors.New("artifact: object store is not configured")

// IsRef reports whether ref names an object rather than a local path.
func IsRef(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), refScheme)
}

// ParseRef splits s3://bucket/key.
func ParseRef(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(ref), refScheme)
	if !ok {
		return "", "", fmt.Errorf("artifact: %q is not an s3:// reference", ref)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	key = normalizeKey(key)
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("artifact: %q needs a bucket and a key", ref)
	}
	return bucket, key, nil
}

// Resolver turns references into local files and publishes results. Local
// paths pass through untouched.
type Resolver struct {
	store  Store
	bucket string
	dir    string
	logger *log.Logger
	group  singleflight.Group
}

// NewResolver downloads objects of bucket from store into dir. store may be
// nil, in which case only local paths resolve.
func NewResolver(store Store, bucket, dir string, logger *log.Logger) *Resolver {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "flowsnap-cache")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{store: store, bucket: strings.TrimSpace(bucket), dir: dir, logger: logger}
}

// Local returns a local file holding ref. Concurrent calls for the same
// object share one download.
func (r *Resolver) Local(ctx context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return ref, nil
	}
	key, err := r.keyOf(ref)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.dir, r.bucket, filepath.FromSlash(key))
	v, err, _ := r.group.Do(path, func() (any, error) {
		remote, err := r.store.Stat(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", ref, err)
		}
		if fresh(path, remote) {
			return path, nil
		}
		obj, err := r.download(ctx, key, path)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		r.logger.Printf("artifact: fetched %s (%d bytes)", ref, obj.Size)
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// download streams key into a temporary file next to path and renames it
// into place with its etag recorded alongside.
func (r *Resolver) download(ctx context.Context, key, path string) (Object, error) {
	var obj Object
	err := replaceFile(path, func(f *os.File) error {
		var err error
		obj, err = r.store.Download(ctx, key, f)
		return err
	})
	if err != nil {
		return Object{}, err
	}
	if obj.ETag != "" {
		_ = os.WriteFile(path+etagSuffix, []byte(obj.ETag), 0o644)
	}
	return obj, nil
}

const etagSuffix = ".etag"

// fresh reports whether the file at path already holds remote.
func fresh(path string, remote Object) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() != remote.Size {
		return false
	}
	if remote.ETag == "" {
		return true
	}
	tag, err := os.ReadFile(path + etagSuffix)
	return err == nil && string(tag) == remote.ETag
}

// Publish writes content to ref, either a local path or an object.
func (r *Resolver) Publish(ctx context.Context, ref string, content []byte) error {
	if !IsRef(ref) {
		return replaceFile(ref, func(f *os.File) error {
			_, err := f.Write(content)
			return err
		})
	}
	key, err := r.keyOf(ref)
	if err != nil {
		return err
	}
	obj, err := r.store.Upload(ctx, key, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return fmt.Errorf("publish %s: %w", ref, err)
	}
	r.logger.Printf("artifact: published %s (%d bytes, etag %s)", ref, obj.Size, obj.ETag)
	return nil
}

func (r *Resolver) keyOf(ref string) (string, error) {
	if r == nil || r.store == nil {
		return "", ErrNoStore
	}
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if r.bucket != "" && bucket != r.bucket {
		return "", fmt.Errorf("artifact: %s is outside bucket %q", ref, r.bucket)
	}
	return key, nil
}

func replaceFile(path string, fill func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
