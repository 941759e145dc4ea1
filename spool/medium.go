// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by Medium.Remove for an unknown file.
var ErrNotFound = errors.New("spool: file not found")

// File is the random-access backing file contract the store needs. Bytes
// that were never written read back as 0xFF, the erased state of flash-like
// media; the chunk scanner depends on this sentinel to find end-of-data.
type File interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	// Grow extends the file to newSize. The new region reads as 0xFF.
	// Shrinking is not supported.
	Grow(newSize int64) error
	Close() error
}

// Medium is the persistent storage the session store spools to. Open
// creates the named file at the given size when absent.
type Medium interface {
	Open(name string, size int64) (File, error)
	List() ([]string, error)
	Remove(name string) error
}

// memFile is an in-memory File, used by tests and the loopback example.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func erased(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off+int64(len(p)) > int64(len(f.data)) {
		return 0, fmt.Errorf("spool: write past end of file (off %d, len %d, size %d)", off, len(p), len(f.data))
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

func (f *memFile) Grow(newSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newSize < int64(len(f.data)) {
		return fmt.Errorf("spool: cannot shrink file from %d to %d", len(f.data), newSize)
	}
	f.data = append(f.data, erased(newSize-int64(len(f.data)))...)
	return nil
}

func (f *memFile) Close() error { return nil }

// MemMedium is an in-memory Medium for tests. It survives "reboots" of the
// store as long as the MemMedium value itself is kept, which is exactly what
// the recovery tests need.
type MemMedium struct {
	mu    sync.Mutex
	files map[string]*memFile
}

// NewMemMedium creates an empty in-memory medium.
func NewMemMedium() *MemMedium {
	return &MemMedium{files: make(map[string]*memFile)}
}

// Open returns the named file, creating it erased at the given size.
func (m *MemMedium) Open(name string, size int64) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[name]; ok {
		return f, nil
	}
	f := &memFile{data: erased(size)}
	m.files[name] = f
	return f, nil
}

// List returns the names of all files on the medium.
func (m *MemMedium) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	return names, nil
}

// Remove deletes the named file.
func (m *MemMedium) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return ErrNotFound
	}
	delete(m.files, name)
	return nil
}

// Corrupt overwrites bytes of a stored file directly, bypassing the store.
// Test hook for exercising header-corruption recovery.
func (m *MemMedium) Corrupt(name string, off int64, b []byte) error {
	m.mu.Lock()
	f, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	_, err := f.WriteAt(b, off)
	return err
}

// dirFile adapts an os.File, preserving the erased-reads-0xFF property by
// pre-filling any grown region.
type dirFile struct {
	f    *os.File
	size int64
}

func (d *dirFile) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *dirFile) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *dirFile) Size() int64                              { return d.size }
func (d *dirFile) Close() error                             { return d.f.Close() }

func (d *dirFile) Grow(newSize int64) error {
	if newSize < d.size {
		return fmt.Errorf("spool: cannot shrink file from %d to %d", d.size, newSize)
	}
	if _, err := d.f.WriteAt(erased(newSize-d.size), d.size); err != nil {
		return err
	}
	d.size = newSize
	return nil
}

// DirMedium stores session files in a directory on the host filesystem.
type DirMedium struct {
	dir string
}

// NewDirMedium creates the directory if needed and returns a Medium over it.
func NewDirMedium(dir string) (*DirMedium, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create medium directory: %w", err)
	}
	return &DirMedium{dir: dir}, nil
}

// Open returns the named file, creating it erased at the given size.
func (m *DirMedium) Open(name string, size int64) (File, error) {
	path := filepath.Join(m.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("spool: stat %s: %w", name, err)
	}
	df := &dirFile{f: f, size: st.Size()}
	if st.Size() < size {
		if err := df.Grow(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return df, nil
}

// List returns the names of all files on the medium.
func (m *DirMedium) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: list medium: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Remove deletes the named file.
func (m *DirMedium) Remove(name string) error {
	err := os.Remove(filepath.Join(m.dir, name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}
