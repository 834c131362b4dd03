package workspace

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

var (
	// ErrFileNotFound is returned when a reference matches no live file.
	ErrFileNotFound = errors.New("file not found")
	// ErrAmbiguousReference is returned when a basename matches several files.
	ErrAmbiguousReference = errors.New("ambiguous file reference")
	// ErrFileExists is returned when creating a path that is already live.
	ErrFileExists = errors.New("file already exists")
)

// FileSnapshot is one immutable version of a project file. Every accepted
// mutation produces a new snapshot with a higher Version.
type FileSnapshot struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
	Version int    `json:"version"`
	Dirty   bool   `json:"dirty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Lines splits the content into lines without trailing newlines.
func (f FileSnapshot) Lines() []string {
	if f.Content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(f.Content, "\n"), "\n")
}

// Mutation describes the outcome of one write, create or delete.
type Mutation struct {
	FileID    string `json:"file_id"`
	Path      string `json:"path"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Created   bool   `json:"created,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	// Changed is false when the write left the file as it was.
	Changed bool `json:"changed"`
}

// Files is the view of the project that tool handlers read and write.
// Every handler resolves references through Resolve so that all components
// agree on which file a reference names.
type Files interface {
	Resolve(ref string) (FileSnapshot, error)
	List() []FileSnapshot
	Write(ref, content, reasoning string) (Mutation, error)
	Create(filePath, content, reasoning string) (Mutation, error)
	Delete(ref, reasoning string) (Mutation, error)
}

// Tree is a Files view that can be forked into isolated worktrees and have
// them merged back.
type Tree interface {
	Files
	Fork() *Worktree
	Merge(wt *Worktree) ([]Mutation, []*MutationConflict)
	ContextVersion() int64
}

// NormalizePath converts a reference to the slash-separated, root-relative
// form used as a file's canonical path.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// resolve finds the live snapshot a reference names. Lookup order is id,
// path, name, then basename. A reference with a directory in it only
// matches by id or exact path.
func resolve(files []FileSnapshot, ref string) (FileSnapshot, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return FileSnapshot{}, fmt.Errorf("%w: empty reference", ErrFileNotFound)
	}
	for _, f := range files {
		if !f.Deleted && f.ID == ref {
			return f, nil
		}
	}
	norm := NormalizePath(ref)
	for _, f := range files {
		if !f.Deleted && f.Path == norm {
			return f, nil
		}
	}
	if path.Dir(norm) != "." {
		return FileSnapshot{}, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
	}
	var byName []FileSnapshot
	for _, f := range files {
		if !f.Deleted && f.Name == ref {
			byName = append(byName, f)
		}
	}
	if len(byName) == 1 {
		return byName[0], nil
	}
	base := path.Base(norm)
	var byBase []FileSnapshot
	for _, f := range files {
		if !f.Deleted && path.Base(f.Path) == base {
			byBase = append(byBase, f)
		}
	}
	switch {
	case len(byBase) == 1:
		return byBase[0], nil
	case len(byBase) > 1 || len(byName) > 1:
		candidates := byBase
		if len(candidates) == 0 {
			candidates = byName
		}
		paths := make([]string, len(candidates))
		for i, c := range candidates {
			paths[i] = c.Path
		}
		sort.Strings(paths)
		return FileSnapshot{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguousReference, ref, strings.Join(paths, ", "))
	}
	return FileSnapshot{}, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
}

func sortedLive(files []FileSnapshot) []FileSnapshot {
	out := make([]FileSnapshot, 0, len(files))
	for _, f := range files {
		if !f.Deleted {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// FormatLines renders content with 1-based line numbers in the form
// "N | text". offset is the 1-based first line; limit <= 0 means all lines.
func FormatLines(content string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}
