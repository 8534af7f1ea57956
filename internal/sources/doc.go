// Package sources caches externally fetched content, keyed by a strong
// checksum of the payload.
//
// The cache is independent of tree state and shared across unrelated
// manifests: a blob fetched for one build is reused by any other build
// that references the same checksum. Entries are verified while being
// written and are immutable afterwards.
//
// A Resolver fans manifest sources out to kind-specific fetchers (local
// files, HTTP downloads with bounded retries, container images pulled
// from a registry) over a bounded worker pool. Per-checksum reservations
// ensure a blob is downloaded at most once even when several pipelines
// request it concurrently.
package sources
