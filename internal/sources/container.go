package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tobias-urdin/osbuild/internal/manifest"
	"github.com/tobias-urdin/osbuild/internal/paths"
)

// Fetches container images from a registry.
type containerFetcher struct{}

// Pulls the image and stores it in the cache as a tarball.
//
// Identity is established by the registry's content addressing: the pulled
// image's manifest digest must equal the declared checksum, otherwise the
// fetch fails with a checksum mismatch and nothing is stored. The tarball
// itself is not re-hashed (its bytes depend on archive framing, not
// content), so it is stored through the verified path. A descriptor record
// with the OCI media type and original reference is written alongside for
// stages that need to reconstruct the image.
func (f *containerFetcher) Fetch(ctx context.Context, src manifest.Source, cache *Cache) error {
	ref, err := name.ParseReference(src.Ref)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}

	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}

	hash, err := img.Digest()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	if digest.Digest(hash.String()) != src.Checksum {
		return fmt.Errorf("%w: image %s has digest %s, manifest declares %s",
			ErrChecksum, src.Ref, hash, src.Checksum)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarball.Write(ref, img, pw))
	}()

	if err := cache.PutVerified(src.Checksum, pr); err != nil {
		return err
	}

	return f.writeDescriptor(src, img, cache)
}

// Records an OCI descriptor for the cached image.
func (f *containerFetcher) writeDescriptor(src manifest.Source, img v1.Image, cache *Cache) error {
	raw, err := img.RawManifest()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	mt, err := img.MediaType()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}

	desc := ocispec.Descriptor{
		MediaType: string(mt),
		Digest:    src.Checksum,
		Size:      int64(len(raw)),
		Annotations: map[string]string{
			ocispec.AnnotationRefName: src.Ref,
		},
	}

	encoded, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}

	path := cache.Path(src.Checksum) + ".desc.json"
	if err := os.WriteFile(path, encoded, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	return nil
}
