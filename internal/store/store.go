package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/tobias-urdin/osbuild/internal/paths"
)

const (
	objectsDir = "objects"
	stagingDir = "stage"

	// Name of the tree snapshot inside an entry directory.
	treeName = "tree"

	// Name of the metadata record inside an entry directory.
	metadataName = "metadata.json"
)

// A content-addressed cache of committed tree snapshots.
type Store struct {
	root string

	mu       sync.Mutex
	building map[digest.Digest]*reservation // In-flight builds by fingerprint.
}

// Metadata recorded alongside a committed tree.
type Metadata struct {
	StageType string    `json:"stage"`             // Type of the stage that produced the tree.
	Pipeline  string    `json:"pipeline"`          // Pipeline the stage belongs to.
	Inputs    []string  `json:"inputs,omitempty"`  // Content digests of the inputs used.
	Outputs   []string  `json:"outputs,omitempty"` // Declared output file list, relative to the tree.
	CreatedAt time.Time `json:"created"`           // Commit timestamp.
}

// A committed, immutable tree snapshot.
type Entry struct {
	Fingerprint digest.Digest
	dir         string
}

// Path of the entry's tree. The tree is immutable; callers must not write
// through this path.
func (e *Entry) Tree() string {
	return filepath.Join(e.dir, treeName)
}

// Reads the entry's metadata record.
func (e *Entry) Metadata() (Metadata, error) {
	var meta Metadata
	raw, err := os.ReadFile(filepath.Join(e.dir, metadataName))
	if err != nil {
		return meta, fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("%w: %s: %w", ErrCache, e.Fingerprint, err)
	}
	return meta, nil
}

// Opens (creating if needed) a store rooted at the given directory.
func Open(root string) (*Store, error) {
	for _, dir := range []string{objectsDir, stagingDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), paths.DefaultDirMode); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCache, err)
		}
	}
	return &Store{
		root:     root,
		building: make(map[digest.Digest]*reservation),
	}, nil
}

// Removes leftover staging directories from interrupted builds.
//
// Safe to call on open: staged trees are private to the builder that
// created them and are unreachable after a crash.
func (s *Store) Clean() error {
	entries, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, stagingDir, entry.Name())); err != nil {
			return fmt.Errorf("%w: %w", ErrCache, err)
		}
	}
	return nil
}

// Returns the committed entry for a fingerprint, if one exists.
//
// Read-only and safe for unlimited concurrent callers.
func (s *Store) Lookup(fp digest.Digest) (*Entry, bool, error) {
	dir := s.objectDir(fp)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrCache, err)
	}
	if !info.IsDir() {
		return nil, false, fmt.Errorf("%w: %s is not a directory", ErrCache, dir)
	}
	return &Entry{Fingerprint: fp, dir: dir}, true, nil
}

// Directory holding the committed entry for a fingerprint.
func (s *Store) objectDir(fp digest.Digest) string {
	return filepath.Join(s.root, objectsDir, fp.Algorithm().String(), fp.Encoded())
}

// Allocates a fresh private staging directory with an empty tree inside.
func (s *Store) newStaging(fp digest.Digest) (string, error) {
	dir, err := os.MkdirTemp(filepath.Join(s.root, stagingDir), fp.Encoded()[:12]+"-")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := os.Mkdir(filepath.Join(dir, treeName), paths.DefaultDirMode); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("%w: %w", ErrCache, err)
	}
	return dir, nil
}
