// Package store manages the on-disk layout of a bundle: final files under a
// destination root with in-progress bytes staged in ".part" siblings.
package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PartialSuffix is reserved for staging files; manifest names must not end
// with it.
const PartialSuffix = ".part"

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("error creating destination root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) FinalPath(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *Store) PartialPath(name string) string {
	return s.FinalPath(name) + PartialSuffix
}

// ExistingBytes reports resumable progress for name: the final file's size
// with finalExists=true when it is present (caller must verify before
// trusting it), otherwise the partial's size, otherwise zero.
func (s *Store) ExistingBytes(name string) (int64, bool, error) {
	if info, err := os.Stat(s.FinalPath(name)); err == nil {
		if info.IsDir() {
			return 0, false, fmt.Errorf("store: %s exists as a directory", name)
		}
		return info.Size(), true, nil
	} else if !os.IsNotExist(err) {
		return 0, false, err
	}
	if info, err := os.Stat(s.PartialPath(name)); err == nil {
		return info.Size(), false, nil
	} else if !os.IsNotExist(err) {
		return 0, false, err
	}
	return 0, false, nil
}

// OpenAppend opens the staging file for name, creating it and any parent
// directories on first use. The task owning the file is the only writer.
func (s *Store) OpenAppend(name string) (*os.File, error) {
	path := s.PartialPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating parent directory for %s: %w", name, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening staging file for %s: %w", name, err)
	}
	return f, nil
}

// Promote moves the staging file into place under the final name. Rename is
// atomic on the same filesystem; if it fails the content is copied with an
// fsync before the staging file is dropped, and the caller re-verifies the
// final file either way.
func (s *Store) Promote(name string) error {
	partial, final := s.PartialPath(name), s.FinalPath(name)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return fmt.Errorf("error creating parent directory for %s: %w", name, err)
	}
	if err := os.Rename(partial, final); err == nil {
		return nil
	}
	return copyPromote(partial, final)
}

func copyPromote(partial, final string) error {
	src, err := os.Open(partial)
	if err != nil {
		return fmt.Errorf("error opening staging file: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(final, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating final file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("error copying staging file: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("error syncing final file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("error closing final file: %w", err)
	}
	return os.Remove(partial)
}

// Discard drops the staging file for name; a missing staging file is fine.
func (s *Store) Discard(name string) error {
	if err := os.Remove(s.PartialPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveFinal drops a final file found corrupt so it can be re-downloaded.
func (s *Store) RemoveFinal(name string) error {
	if err := os.Remove(s.FinalPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CleanPartials sweeps the destination root for leftover staging files and
// returns how many were removed.
func (s *Store) CleanPartials() (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, PartialSuffix) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}
