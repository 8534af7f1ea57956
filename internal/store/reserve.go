package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/tobias-urdin/osbuild/internal/paths"
)

// Tracks one in-flight build of a fingerprint.
//
// The done channel closes when the builder commits or discards. After a
// commit, entry is set; after a discard it stays nil and waiters contend
// for a fresh ticket.
type reservation struct {
	done  chan struct{}
	entry *Entry
}

// A builder's claim on a fingerprint, holding the private staging tree the
// stage mutates. Exactly one ticket exists per fingerprint at a time.
type Ticket struct {
	store   *Store
	fp      digest.Digest
	res     *reservation
	staging string
	used    bool
}

// Resolves a fingerprint to either a committed entry or a build ticket.
//
// If the fingerprint is already committed, the entry is returned with a nil
// ticket. If another caller is building it, Resolve blocks until that build
// finishes (or ctx is done) and then re-resolves: commit yields the entry,
// discard lets this caller claim the next ticket. Otherwise the caller
// becomes the builder and receives a ticket with a private staging tree.
func (s *Store) Resolve(ctx context.Context, fp digest.Digest) (*Ticket, *Entry, error) {
	for {
		s.mu.Lock()

		if entry, ok, err := s.Lookup(fp); err != nil {
			s.mu.Unlock()
			return nil, nil, err
		} else if ok {
			s.mu.Unlock()
			return nil, entry, nil
		}

		res, inflight := s.building[fp]
		if !inflight {
			res = &reservation{done: make(chan struct{})}
			s.building[fp] = res
			s.mu.Unlock()

			staging, err := s.newStaging(fp)
			if err != nil {
				s.finish(fp, res, nil)
				return nil, nil, err
			}
			return &Ticket{store: s, fp: fp, res: res, staging: staging}, nil, nil
		}

		s.mu.Unlock()

		select {
		case <-res.done:
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: waiting for %s: %w", ErrCache, fp, ctx.Err())
		}

		if res.entry != nil {
			return nil, res.entry, nil
		}
		// The builder discarded; try again, possibly becoming the builder.
	}
}

// Publishes the reservation result and wakes all waiters.
func (s *Store) finish(fp digest.Digest, res *reservation, entry *Entry) {
	s.mu.Lock()
	delete(s.building, fp)
	s.mu.Unlock()

	res.entry = entry
	close(res.done)
}

// Path of the ticket's private staging tree. The stage mutates this tree;
// nothing is visible in the store namespace until Commit.
func (t *Ticket) Tree() string {
	return filepath.Join(t.staging, treeName)
}

// The fingerprint this ticket builds.
func (t *Ticket) Fingerprint() digest.Digest {
	return t.fp
}

// Atomically publishes the staged tree under the ticket's fingerprint.
//
// The metadata record is written into the staging directory first, then the
// whole directory moves into the store namespace with a single rename. A
// crash at any earlier point leaves no visible entry. If another store
// instance raced us to the same fingerprint, the staged tree is dropped and
// the existing entry returned: committed content for equal fingerprints is
// equivalent by construction.
func (t *Ticket) Commit(meta Metadata) (*Entry, error) {
	if t.used {
		return nil, ErrTicketUsed
	}
	t.used = true

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	if err := t.writeMetadata(meta); err != nil {
		t.abort()
		return nil, err
	}

	dir := t.store.objectDir(t.fp)
	if err := os.MkdirAll(filepath.Dir(dir), paths.DefaultDirMode); err != nil {
		t.abort()
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	if err := os.Rename(t.staging, dir); err != nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			// Lost a cross-process race; the winner's entry is equivalent.
			os.RemoveAll(t.staging)
		} else {
			t.abort()
			return nil, fmt.Errorf("%w: %w", ErrCache, err)
		}
	}

	entry := &Entry{Fingerprint: t.fp, dir: dir}
	t.store.finish(t.fp, t.res, entry)
	return entry, nil
}

// Releases the reservation without publishing. The staging tree is removed
// and waiters are woken to contend for a fresh ticket.
func (t *Ticket) Discard() error {
	if t.used {
		return ErrTicketUsed
	}
	t.used = true

	err := os.RemoveAll(t.staging)
	t.store.finish(t.fp, t.res, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	return nil
}

// Cleans up after a failed commit, waking waiters empty-handed.
func (t *Ticket) abort() {
	os.RemoveAll(t.staging)
	t.store.finish(t.fp, t.res, nil)
}

// Serializes the metadata record into the staging directory and syncs it
// so the subsequent rename publishes complete contents.
func (t *Ticket) writeMetadata(meta Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	path := filepath.Join(t.staging, metadataName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, paths.DefaultFileMode)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	return nil
}
