// Package discovery caches the tool catalogs advertised by tool servers.
// Entries are keyed by server key, re-fetched once older than the TTL and
// replaced wholesale so concurrent readers never see a partial catalog.
package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/pool"
)

// Fetcher lists the tools of one server.
type Fetcher interface {
	Fetch(ctx context.Context, h core.ServerHandle) ([]core.ToolDefinition, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, h core.ServerHandle) ([]core.ToolDefinition, error)

func (f FetcherFunc) Fetch(ctx context.Context, h core.ServerHandle) ([]core.ToolDefinition, error) {
	return f(ctx, h)
}

// PoolFetcher lists tools over a pooled session.
func PoolFetcher(p *pool.Pool) Fetcher {
	return FetcherFunc(func(ctx context.Context, h core.ServerHandle) ([]core.ToolDefinition, error) {
		ps, err := p.Acquire(ctx, h)
		if err != nil {
			return nil, err
		}
		defs, err := ps.ListTools(ctx)
		if err != nil {
			_ = p.Discard(ps)
			return nil, &core.ToolInvocationError{Provider: h.String(), Tool: "tools/list", Err: err}
		}
		return defs, p.Release(ps)
	})
}

// Options configures a Cache.
type Options struct {
	TTL    time.Duration
	Logger logging.Logger
	Now    func() time.Time
}

type entry struct {
	defs      []core.ToolDefinition
	fetchedAt time.Time
}

// Cache is the tool-discovery cache.
type Cache struct {
	fetcher Fetcher
	opts    Options
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// New creates a cache with a five minute TTL.
func New(f Fetcher, optFns ...func(o *Options)) *Cache {
	opts := Options{TTL: 5 * time.Minute, Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Cache{fetcher: f, opts: opts, entries: map[string]entry{}}
}

// Discover returns the tools of h, fetching them if the cached entry is
// missing or older than the TTL. Returned definitions reference h.
func (c *Cache) Discover(ctx context.Context, h core.ServerHandle) ([]core.ToolDefinition, error) {
	key := h.Key()

	if defs, ok := c.fresh(key); ok {
		return bind(defs, h), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if defs, ok := c.fresh(key); ok {
			return defs, nil
		}
		defs, err := c.fetcher.Fetch(ctx, h)
		if err != nil {
			return nil, err
		}
		c.store(key, defs)
		c.opts.Logger.Debug("discovery.fetched", "server", h.String(), "tools", len(defs))
		return defs, nil
	})
	if err != nil {
		return nil, err
	}

	return bind(v.([]core.ToolDefinition), h), nil
}

// Prime installs a catalog for h without contacting the server.
func (c *Cache) Prime(h core.ServerHandle, defs []core.ToolDefinition) {
	c.store(h.Key(), defs)
}

// Invalidate drops the entry for h.
func (c *Cache) Invalidate(h core.ServerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, h.Key())
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]entry{}
}

// DiscoverAll discovers every handle concurrently and merges the results
// into one catalog.
func (c *Cache) DiscoverAll(ctx context.Context, handles []core.ServerHandle) (*Catalog, error) {
	results := make([][]core.ToolDefinition, len(handles))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		g.Go(func() error {
			defs, err := c.Discover(gctx, h)
			if err != nil {
				return err
			}
			results[i] = defs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cat := NewCatalog()
	for _, defs := range results {
		if err := cat.Add(defs...); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func (c *Cache) fresh(key string) ([]core.ToolDefinition, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.opts.TTL > 0 && c.opts.Now().Sub(e.fetchedAt) > c.opts.TTL {
		return nil, false
	}
	return e.defs, true
}

func (c *Cache) store(key string, defs []core.ToolDefinition) {
	cp := append([]core.ToolDefinition(nil), defs...)
	c.mu.Lock()
	c.entries[key] = entry{defs: cp, fetchedAt: c.opts.Now()}
	c.mu.Unlock()
}

func bind(defs []core.ToolDefinition, h core.ServerHandle) []core.ToolDefinition {
	out := make([]core.ToolDefinition, len(defs))
	for i, d := range defs {
		d.Server = h
		out[i] = d
	}
	return out
}
