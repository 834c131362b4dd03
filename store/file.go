package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// FileStore keeps records as JSON files under a root directory. Writes go
// through a temp file and a rename so readers never see partial content.
type FileStore struct {
	objectStore
}

// NewFileStore returns a store rooted at root on fsys.
func NewFileStore(fsys afero.Fs, root string) *FileStore {
	s := &FileStore{}
	s.objs = fileObjects{fs: fsys, root: root}
	s.now = time.Now
	return s
}

type fileObjects struct {
	fs   afero.Fs
	root string
}

func (f fileObjects) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f fileObjects) put(_ context.Context, key string, data []byte) error {
	return writeFileAtomic(f.fs, f.path(key), data)
}

func (f fileObjects) get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f fileObjects) remove(_ context.Context, key string) error {
	err := f.fs.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f fileObjects) list(_ context.Context, prefix string) ([]string, error) {
	dir := f.path(strings.TrimSuffix(prefix, "/"))
	var keys []string
	err := afero.Walk(f.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(fsys afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(fsys, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer fsys.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fsys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
