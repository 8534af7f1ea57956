package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func testFingerprint(s string) digest.Digest {
	return digest.Canonical.FromString(s)
}

func TestLookupMiss(t *testing.T) {
	s := testStore(t)
	_, ok, err := s.Lookup(testFingerprint("missing"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("lookup hit for uncommitted fingerprint")
	}
}

func TestCommitAndLookup(t *testing.T) {
	s := testStore(t)
	fp := testFingerprint("stage-1")

	ticket, entry, err := s.Resolve(context.Background(), fp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry != nil {
		t.Fatal("resolve returned entry for uncommitted fingerprint")
	}

	if err := os.WriteFile(filepath.Join(ticket.Tree(), "x"), []byte("1"), 0644); err != nil {
		t.Fatalf("write tree: %v", err)
	}

	committed, err := ticket.Commit(Metadata{StageType: "org.osbuild.write", Pipeline: "os"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	found, ok, err := s.Lookup(fp)
	if err != nil || !ok {
		t.Fatalf("lookup after commit: ok=%v err=%v", ok, err)
	}
	if found.Tree() != committed.Tree() {
		t.Fatalf("tree = %q, want %q", found.Tree(), committed.Tree())
	}

	content, err := os.ReadFile(filepath.Join(found.Tree(), "x"))
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(content) != "1" {
		t.Fatalf("content = %q, want 1", content)
	}

	meta, err := found.Metadata()
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.StageType != "org.osbuild.write" || meta.Pipeline != "os" {
		t.Fatalf("metadata = %+v", meta)
	}
	if meta.CreatedAt.IsZero() {
		t.Fatal("commit did not set timestamp")
	}
}

func TestDiscardLeavesNoEntry(t *testing.T) {
	s := testStore(t)
	fp := testFingerprint("stage-discard")

	ticket, _, err := s.Resolve(context.Background(), fp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := ticket.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}

	if _, ok, _ := s.Lookup(fp); ok {
		t.Fatal("entry visible after discard")
	}
	if _, err := os.Stat(ticket.staging); !os.IsNotExist(err) {
		t.Fatal("staging directory survived discard")
	}
}

func TestStagingInvisibleBeforeCommit(t *testing.T) {
	s := testStore(t)
	fp := testFingerprint("stage-crash")

	ticket, _, err := s.Resolve(context.Background(), fp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ticket.Tree(), "partial"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Simulates a crash after stage success but before commit: the tree
	// exists only in staging and lookups must still miss.
	if _, ok, _ := s.Lookup(fp); ok {
		t.Fatal("partial build visible before commit")
	}

	reopened, err := Open(s.root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok, _ := reopened.Lookup(fp); ok {
		t.Fatal("partial build visible after reopen")
	}
	if err := reopened.Clean(); err != nil {
		t.Fatalf("clean: %v", err)
	}
}

func TestTicketSingleUse(t *testing.T) {
	s := testStore(t)

	ticket, _, err := s.Resolve(context.Background(), testFingerprint("once"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := ticket.Commit(Metadata{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := ticket.Commit(Metadata{}); !errors.Is(err, ErrTicketUsed) {
		t.Fatalf("second commit err = %v, want %v", err, ErrTicketUsed)
	}
	if err := ticket.Discard(); !errors.Is(err, ErrTicketUsed) {
		t.Fatalf("discard after commit err = %v, want %v", err, ErrTicketUsed)
	}
}

func TestAtMostOneBuilder(t *testing.T) {
	s := testStore(t)
	fp := testFingerprint("contended")

	const callers = 8
	var builders atomic.Int32
	trees := make([]string, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			ticket, entry, err := s.Resolve(context.Background(), fp)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}

			if ticket != nil {
				builders.Add(1)
				// Hold the reservation long enough for the other
				// callers to pile up as waiters.
				time.Sleep(20 * time.Millisecond)
				os.WriteFile(filepath.Join(ticket.Tree(), "built"), []byte("y"), 0644)
				entry, err = ticket.Commit(Metadata{})
				if err != nil {
					t.Errorf("caller %d commit: %v", i, err)
					return
				}
			}
			trees[i] = entry.Tree()
		}(i)
	}
	wg.Wait()

	if n := builders.Load(); n != 1 {
		t.Fatalf("builders = %d, want exactly 1", n)
	}
	for i := 1; i < callers; i++ {
		if trees[i] != trees[0] {
			t.Fatalf("caller %d got tree %q, caller 0 got %q", i, trees[i], trees[0])
		}
	}
}

func TestWaiterRetriesAfterDiscard(t *testing.T) {
	s := testStore(t)
	fp := testFingerprint("retry")

	first, _, err := s.Resolve(context.Background(), fp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got := make(chan *Ticket, 1)
	go func() {
		ticket, entry, err := s.Resolve(context.Background(), fp)
		if err != nil || entry != nil {
			t.Errorf("waiter: ticket=%v entry=%v err=%v", ticket, entry, err)
		}
		got <- ticket
	}()

	// Give the waiter time to block, then fail the first build.
	time.Sleep(10 * time.Millisecond)
	if err := first.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}

	ticket := <-got
	if ticket == nil {
		t.Fatal("waiter did not receive a fresh ticket after discard")
	}
	if err := ticket.Discard(); err != nil {
		t.Fatalf("cleanup discard: %v", err)
	}
}

func TestResolveWaitCancellation(t *testing.T) {
	s := testStore(t)
	fp := testFingerprint("cancelled")

	ticket, _, err := s.Resolve(context.Background(), fp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer ticket.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, _, err := s.Resolve(ctx, fp); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestIndependentFingerprintsDoNotSerialize(t *testing.T) {
	s := testStore(t)

	a, _, err := s.Resolve(context.Background(), testFingerprint("a"))
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	defer a.Discard()

	// A reservation on one key must not block another key.
	done := make(chan struct{})
	go func() {
		b, _, err := s.Resolve(context.Background(), testFingerprint("b"))
		if err == nil {
			b.Discard()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolve of independent fingerprint blocked")
	}
}
