package sources

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/tobias-urdin/osbuild/internal/paths"
)

const tmpDir = "tmp"

// A checksum-addressed cache of fetched payloads.
//
// Blobs live at <root>/<algorithm>/<hex>; writes go through a temporary
// file, are verified against the expected digest, and become visible with
// a single rename.
type Cache struct {
	root string
}

// Opens (creating if needed) a cache rooted at the given directory.
func OpenCache(root string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDir), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	return &Cache{root: root}, nil
}

// Path of the blob with the given checksum. The blob may or may not exist;
// see Contains.
func (c *Cache) Path(sum digest.Digest) string {
	return filepath.Join(c.root, sum.Algorithm().String(), sum.Encoded())
}

// Reports whether the cache holds a verified blob for the checksum.
func (c *Cache) Contains(sum digest.Digest) bool {
	info, err := os.Stat(c.Path(sum))
	return err == nil && info.Mode().IsRegular()
}

// Writes a payload whose identity the caller has already verified by
// other means (e.g. a registry manifest digest). The bytes are stored
// under the checksum without re-hashing.
func (c *Cache) PutVerified(sum digest.Digest, r io.Reader) error {
	if c.Contains(sum) {
		// Drain so pipe writers are not stranded.
		io.Copy(io.Discard, r)
		return nil
	}
	return c.write(sum, r, nil)
}

// Writes a payload into the cache under its expected checksum.
//
// The payload is hashed while being written; a mismatch removes the
// temporary file and nothing becomes visible. Storing a blob that already
// exists is a no-op.
func (c *Cache) Put(sum digest.Digest, r io.Reader) error {
	if c.Contains(sum) {
		return nil
	}
	return c.write(sum, r, sum.Verifier())
}

// Streams a payload through an optional verifier into a temporary file,
// then renames it into place.
func (c *Cache) write(sum digest.Digest, r io.Reader, verifier digest.Verifier) error {
	tmp, err := os.CreateTemp(filepath.Join(c.root, tmpDir), sum.Encoded()[:12]+"-")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if verifier != nil {
		w = io.MultiWriter(tmp, verifier)
	}

	if _, err := io.Copy(w, r); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}

	if verifier != nil && !verifier.Verified() {
		return fmt.Errorf("%w: payload does not match %s", ErrChecksum, sum)
	}

	path := c.Path(sum)
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	return nil
}
