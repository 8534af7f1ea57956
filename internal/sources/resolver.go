package sources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/tobias-urdin/osbuild/internal/manifest"
)

// Default number of concurrent fetches.
const defaultWorkers = 4

// Downloads one kind of source payload into the cache.
type Fetcher interface {
	Fetch(ctx context.Context, src manifest.Source, cache *Cache) error
}

// Resolves manifest sources into cache entries.
//
// Fetches run concurrently over a bounded worker pool, independent of any
// tree building. A per-checksum reservation keeps concurrent requests for
// the same blob from downloading it twice.
type Resolver struct {
	cache    *Cache
	fetchers map[string]Fetcher
	workers  int

	mu       sync.Mutex
	inflight map[digest.Digest]chan struct{}
}

// Creates a resolver with the standard fetchers (file, url, container).
func NewResolver(cache *Cache) *Resolver {
	return &Resolver{
		cache: cache,
		fetchers: map[string]Fetcher{
			"file":      &fileFetcher{},
			"url":       newURLFetcher(),
			"container": &containerFetcher{},
		},
		workers:  defaultWorkers,
		inflight: make(map[digest.Digest]chan struct{}),
	}
}

// Overrides the worker pool size. Values below one fall back to one.
func (r *Resolver) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	r.workers = n
}

// Replaces the fetcher for a source kind. Used by tests and by callers
// embedding custom transports.
func (r *Resolver) RegisterFetcher(kind string, f Fetcher) {
	r.fetchers[kind] = f
}

// Fetches every given source into the cache.
//
// Already-cached blobs are skipped. The first failure cancels outstanding
// fetches and is returned, wrapped with the checksum it belongs to.
func (r *Resolver) Fetch(ctx context.Context, srcs []manifest.Source) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, src := range srcs {
		g.Go(func() error {
			if err := r.fetchOne(ctx, src); err != nil {
				return fmt.Errorf("source %s: %w", src.Checksum, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Fetches every given source, recording failures per checksum instead of
// aborting on the first.
//
// Already-cached blobs are skipped. The returned map holds an entry for
// every source that could not be fetched; an empty map means every blob
// ended up in the cache.
func (r *Resolver) FetchAll(ctx context.Context, srcs []manifest.Source) map[digest.Digest]error {
	var mu sync.Mutex
	failures := make(map[digest.Digest]error)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, src := range srcs {
		g.Go(func() error {
			if err := r.fetchOne(ctx, src); err != nil {
				mu.Lock()
				failures[src.Checksum] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return failures
}

// Fetches a single source, deduplicating concurrent requests per checksum.
func (r *Resolver) fetchOne(ctx context.Context, src manifest.Source) error {
	for {
		if r.cache.Contains(src.Checksum) {
			return nil
		}

		r.mu.Lock()
		done, busy := r.inflight[src.Checksum]
		if !busy {
			done = make(chan struct{})
			r.inflight[src.Checksum] = done
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		select {
		case <-done:
			// The other fetch finished (or failed); re-check the cache.
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer func() {
		r.mu.Lock()
		done := r.inflight[src.Checksum]
		delete(r.inflight, src.Checksum)
		r.mu.Unlock()
		close(done)
	}()

	fetcher, ok := r.fetchers[src.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, src.Kind)
	}

	slog.Debug("fetching source", "kind", src.Kind, "checksum", src.Checksum)
	return fetcher.Fetch(ctx, src, r.cache)
}

// Path of a cached source blob.
func (r *Resolver) Path(sum digest.Digest) string {
	return r.cache.Path(sum)
}
