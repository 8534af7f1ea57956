package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tobias-urdin/osbuild/internal/manifest"
)

const (

	// Attempts before a download failure becomes fatal.
	urlRetries = 3

	// Base delay between attempts; doubles after each failure.
	urlBackoff = 500 * time.Millisecond
)

// Downloads sources over HTTP with bounded retries.
type urlFetcher struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func newURLFetcher() *urlFetcher {
	return &urlFetcher{
		client:  &http.Client{Timeout: 10 * time.Minute},
		retries: urlRetries,
		backoff: urlBackoff,
	}
}

// Downloads the payload and stores it under its checksum.
//
// Transport errors and server-side failures are retried with exponential
// backoff. A checksum mismatch is never retried: the payload the server
// delivers is simply not the declared content.
func (f *urlFetcher) Fetch(ctx context.Context, src manifest.Source, cache *Cache) error {
	delay := f.backoff
	var lastErr error

	for attempt := 1; attempt <= f.retries; attempt++ {
		lastErr = f.download(ctx, src, cache)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrChecksum) || ctx.Err() != nil {
			return lastErr
		}

		slog.Warn("source download failed",
			"url", src.URL,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < f.retries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%w: %d attempts: %w", ErrSourceFetch, f.retries, lastErr)
}

// Performs one download attempt.
func (f *urlFetcher) download(ctx context.Context, src manifest.Source, cache *Cache) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: %s", ErrSourceFetch, src.URL, resp.Status)
	}

	return cache.Put(src.Checksum, resp.Body)
}
