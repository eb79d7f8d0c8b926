package artifact

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig bounds the metadata cache. Content is never cached here; the
// resolver keeps downloaded grids on disk.
type CacheConfig struct {
	StatTTL        time.Duration
	StatMaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		StatTTL:        time.Minute,
		StatMaxEntries: 256,
	}
}

type CacheStats struct {
	StatHits     uint64
	StatMisses   uint64
	Uploads      uint64
	Downloads    uint64
	OriginErrors uint64
}

// CachedStore answers Stat from an expiring LRU cache and passes transfers
// through. Uploads and downloads refresh the stat entry.
type CachedStore struct {
	origin Store
	stats  *expirable.LRU[string, Object]

	statHits, statMisses atomic.Uint64
	uploads, downloads   atomic.Uint64
	originErrors         atomic.Uint64
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.StatTTL <= 0 {
		cfg.StatTTL = def.StatTTL
	}
	if cfg.StatMaxEntries <= 0 {
		cfg.StatMaxEntries = def.StatMaxEntries
	}
	return &CachedStore{
		origin: origin,
		stats:  expirable.NewLRU[string, Object](cfg.StatMaxEntries, nil, cfg.StatTTL),
	}
}

func (s *CachedStore) Upload(ctx context.Context, key string, r io.Reader, size int64) (Object, error) {
	s.uploads.Add(1)
	obj, err := s.origin.Upload(ctx, key, r, size)
	if err != nil {
		s.originErrors.Add(1)
		s.stats.Remove(normalizeKey(key))
		return Object{}, err
	}
	s.stats.Add(obj.Key, obj)
	return obj, nil
}

func (s *CachedStore) Download(ctx context.Context, key string, w io.Writer) (Object, error) {
	s.downloads.Add(1)
	obj, err := s.origin.Download(ctx, key, w)
	if err != nil {
		s.originErrors.Add(1)
		return Object{}, err
	}
	s.stats.Add(obj.Key, obj)
	return obj, nil
}

func (s *CachedStore) Stat(ctx context.Context, key string) (Object, error) {
	key = normalizeKey(key)
	if obj, ok := s.stats.Get(key); ok {
		s.statHits.Add(1)
		return obj, nil
	}
	s.statMisses.Add(1)
	obj, err := s.origin.Stat(ctx, key)
	if err != nil {
		s.originErrors.Add(1)
		return Object{}, err
	}
	s.stats.Add(key, obj)
	return obj, nil
}

func (s *CachedStore) Stats() CacheStats {
	if s == nil {
		return CacheStats{}
	}
	return CacheStats{
		StatHits:     s.statHits.Load(),
		StatMisses:   s.statMisses.Load(),
		Uploads:      s.uploads.Load(),
		Downloads:    s.downloads.Load(),
		OriginErrors: s.originErrors.Load(),
	}
}
