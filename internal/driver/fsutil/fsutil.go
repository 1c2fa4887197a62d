// Package fsutil provides the filesystem primitives the node plugin uses
// to manage per-volume local directories: idempotent creation and a
// recursive purge that refuses to follow symlinks out of the directory
// it was asked to remove.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// EnsureDir creates path with the given mode if it does not already
// exist. It refuses to proceed if the final path component exists and is
// a symlink, since following it would let a volume id alias an arbitrary
// location on the host.
func EnsureDir(path string, mode os.FileMode) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing to use %s: final path component is a symlink", path)
		}
		if !info.IsDir() {
			return fmt.Errorf("refusing to use %s: exists and is not a directory", path)
		}
		return nil
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, mode); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("stat %s: %w", path, err)
	}
}

// Purge recursively removes path, refusing to descend through any
// symlink encountered along the way. A missing path is a no-op success,
// matching the idempotence every caller in the cleanup protocol needs.
func Purge(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to purge %s: is a symlink", path)
	}

	if err := purgeGuarded(path, info); err != nil {
		return err
	}
	return nil
}

// purgeGuarded walks the tree rooted at path (already confirmed to not
// itself be a symlink) and removes every entry, erroring out instead of
// following any symlink found inside it.
func purgeGuarded(path string, info fs.FileInfo) error {
	if !info.IsDir() {
		return os.Remove(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", path, err)
	}

	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())

		childInfo, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", childPath, err)
		}

		if childInfo.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing to descend through symlink %s", childPath)
		}

		if childInfo.IsDir() {
			if err := purgeGuarded(childPath, childInfo); err != nil {
				return err
			}
			continue
		}

		if err := os.Remove(childPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", childPath, err)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove directory %s: %w", path, err)
	}
	return nil
}

// IsEmpty reports whether path is an existing, empty directory.
func IsEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
