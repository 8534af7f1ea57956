package cli

import (
	"os"

	"github.com/tobias-urdin/osbuild/internal/manifest"
)

// Loads and resolves a manifest file against the stage registry.
func loadManifest(path string) (*manifest.Manifest, *manifest.Registry, error) {
	reg, err := manifest.LoadRegistry(libdir())
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	m, err := manifest.Load(f)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Resolve(reg); err != nil {
		return nil, nil, err
	}

	return m, reg, nil
}
