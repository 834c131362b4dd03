package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/martinemde/patchpilot/workspace"
)

const maxProjectFile = 1 << 20

var skippedDirs = map[string]bool{".git": true, "node_modules": true, ".patchpilot": true}

// loadProject reads every text file under dir. File ids are the slash
// separated relative paths, so a resumed execution finds the same ids.
func loadProject(fsys afero.Fs, dir string, exclude []string) ([]workspace.FileSnapshot, error) {
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	var files []workspace.FileSnapshot
	err := afero.Walk(fsys, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if rel != "." && skippedDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || info.Size() > maxProjectFile || excluded(rel, exclude) {
			return nil
		}
		data, err := afero.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		if bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		files = append(files, workspace.FileSnapshot{
			ID:      rel,
			Name:    path.Base(rel),
			Path:    rel,
			Content: string(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", dir, err)
	}
	return files, nil
}

func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// writeChanges applies changes to the project directory.
func writeChanges(fsys afero.Fs, dir string, changes []workspace.CodeChange) error {
	for _, c := range changes {
		if strings.Contains(c.Path, "..") {
			return fmt.Errorf("refusing to write outside the project: %s", c.Path)
		}
		target := filepath.Join(dir, filepath.FromSlash(c.Path))
		if c.Deleted {
			if err := fsys.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("delete %s: %w", c.Path, err)
			}
			continue
		}
		if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", c.Path, err)
		}
		if err := afero.WriteFile(fsys, target, []byte(c.ProposedContent), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", c.Path, err)
		}
	}
	return nil
}
