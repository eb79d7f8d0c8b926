package app

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"flowsnap/internal/artifact"
	"flowsnap/internal/raster"
)

// sourceCache opens each grid once per process so in-process workers share
// its row cache.
type sourceCache struct {
	resolver  *artifact.Resolver
	cacheRows int

	group singleflight.Group
	mu    sync.Mutex
	open  map[string]raster.Source
}

func newSourceCache(resolver *artifact.Resolver, cacheRows int) *sourceCache {
	return &sourceCache{resolver: resolver, cacheRows: cacheRows, open: make(map[string]raster.Source)}
}

func (c *sourceCache) Open(ctx context.Context, ref string, dt raster.DataType) (raster.Source, error) {
	key := fmt.Sprintf("%s|%d", ref, dt)
	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		src, ok := c.open[key]
		c.mu.Unlock()
		if ok {
			return src, nil
		}
		path, err := c.resolver.Local(ctx, ref)
		if err != nil {
			return nil, err
		}
		grid, err := raster.OpenASCII(path, dt, c.cacheRows)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.open[key] = grid
		c.mu.Unlock()
		return grid, nil
	})
	if err != nil {
		return nil, err
	}
	return sharedSource{v.(raster.Source)}, nil
}

func (c *sourceCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for key, src := range c.open {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.open, key)
	}
	return first
}

// sharedSource leaves closing to the cache.
type sharedSource struct {
	raster.Source
}

func (sharedSource) Close() error { return nil }
