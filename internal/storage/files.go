package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// RenameFile moves the underlying file for datafile index idx to a new
// path within the same download directory, reopening its handle in place
// (supplemented feature: libtorrent's file_storage::rename_file equivalent,
// used when the client applies a user-requested rename mid-download).
func (s *Store) RenameFile(idx int, newName string) error {
	s.filesMut.Lock()
	defer s.filesMut.Unlock()

	if idx < 0 || idx >= len(s.files) {
		return fmt.Errorf("storage: file index %d out of range", idx)
	}

	df := s.files[idx]
	newPath := filepath.Join(filepath.Dir(df.path), newName)
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("storage: rename target %q already exists", newPath)
	}

	if err := df.f.Close(); err != nil {
		return fmt.Errorf("storage: close before rename: %w", err)
	}
	if err := os.Rename(df.path, newPath); err != nil {
		return fmt.Errorf("storage: rename %s -> %s: %w", df.path, newPath, err)
	}

	f, err := os.OpenFile(newPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("storage: reopen after rename: %w", err)
	}

	df.f = f
	df.path = newPath
	return nil
}

// ReleaseFiles closes every backing file handle without deleting any
// content, so the files can be safely moved or the process can exit
// cleanly (supplemented feature, grounded on original_source's
// release_files/close semantics).
func (s *Store) ReleaseFiles() error {
	s.filesMut.Lock()
	defer s.filesMut.Unlock()

	var firstErr error
	for _, df := range s.files {
		if err := df.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: close %s: %w", df.path, err)
		}
	}
	return firstErr
}

// Stats is a point-in-time snapshot of the slot manager's occupancy,
// mirroring the cache's Stats() snapshot (supplemented feature).
type Stats struct {
	State            CheckState
	FreeSlots        int
	UnallocatedSlots int
	Faulted          bool
}

func (s *Store) Stats() Stats {
	f := s.slots.Faulted()
	s.slots.mu.Lock()
	defer s.slots.mu.Unlock()
	return Stats{
		State:            s.slots.state,
		FreeSlots:        len(s.slots.freeSlots),
		UnallocatedSlots: len(s.slots.unallocatedSlots),
		Faulted:          f != nil,
	}
}
