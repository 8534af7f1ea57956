package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "etc", "conf.d"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "etc", "x"), []byte("1"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink("x", filepath.Join(src, "etc", "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if err := CopyTree(dst, src); err != nil {
		t.Fatalf("copy: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dst, "etc", "x"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "1" {
		t.Fatalf("content = %q, want 1", content)
	}

	info, err := os.Stat(filepath.Join(dst, "etc", "x"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	link, err := os.Readlink(filepath.Join(dst, "etc", "link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if link != "x" {
		t.Fatalf("link target = %q, want x", link)
	}

	if _, err := os.Stat(filepath.Join(dst, "etc", "conf.d")); err != nil {
		t.Fatalf("nested dir missing: %v", err)
	}
}

func TestCopyTreeHardLinks(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	for _, dir := range []string{src, dst} {
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	if err := os.WriteFile(filepath.Join(src, "big"), []byte("payload"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := CopyTree(dst, src); err != nil {
		t.Fatalf("copy: %v", err)
	}

	// Same filesystem, so the copy should share the inode.
	srcInfo, _ := os.Stat(filepath.Join(src, "big"))
	dstInfo, _ := os.Stat(filepath.Join(dst, "big"))
	if !os.SameFile(srcInfo, dstInfo) {
		t.Fatal("expected hard link on same filesystem")
	}
}
