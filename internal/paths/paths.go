package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "osbuild"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Environment variables that override the default locations.
const (
	StoreEnv = "OSBUILD_STORE_DIR"
	CacheEnv = "OSBUILD_CACHE_DIR"
)

// Default path to the object store.
//
// Honors OSBUILD_STORE_DIR when set.
//
//	Linux:   ~/.local/state/osbuild/store
//	macOS:   ~/Library/Application Support/osbuild/store
func Store() string {
	if dir := os.Getenv(StoreEnv); dir != "" {
		return dir
	}
	return filepath.Join(xdg.StateHome, toolName, "store")
}

// Default path to the source cache.
//
// Honors OSBUILD_CACHE_DIR when set.
//
//	Linux:   ~/.cache/osbuild/sources
//	macOS:   ~/Library/Caches/osbuild/sources
func SourceCache() string {
	if dir := os.Getenv(CacheEnv); dir != "" {
		return dir
	}
	return filepath.Join(xdg.CacheHome, toolName, "sources")
}

// Default directory for stage executables and their descriptors.
//
// Stages installed by the distribution live here; --libdir overrides it.
func Libdir() string {
	return filepath.Join("/usr", "lib", toolName)
}

// Path to the directory for per-build runtime files (API sockets and
// scratch mount roots).
//
//	Linux:   $XDG_RUNTIME_DIR/osbuild or /run/user/<uid>/osbuild
//	macOS:   ~/Library/Caches/osbuild/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, toolName)
	}
	return filepath.Join(xdg.CacheHome, toolName, "run")
}
