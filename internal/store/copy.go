package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Materializes a committed tree into a destination directory.
//
// Regular files are hard-linked when the filesystem allows it and copied
// otherwise; directories and symlinks are recreated with their modes.
// Hard links are safe because committed trees are immutable. The
// destination must already exist and be empty.
func CopyTree(dst, src string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCache, err)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCache, err)
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCache, err)
			}
			if err := os.Mkdir(target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("%w: %w", ErrCache, err)
			}
			return nil

		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCache, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("%w: %w", ErrCache, err)
			}
			return nil

		default:
			return linkOrCopy(target, path)
		}
	})
}

// Materializes a single immutable file at dst, hard-linking when the
// filesystem allows it and copying otherwise.
func LinkFile(dst, src string) error {
	return linkOrCopy(dst, src)
}

// Hard-links src to dst, copying the contents when linking fails (e.g.
// across filesystems).
func linkOrCopy(dst, src string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	return nil
}
