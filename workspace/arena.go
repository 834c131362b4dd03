package workspace

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Arena owns every FileSnapshot of one execution. Snapshots are never
// modified in place: each accepted mutation appends a new version and folds
// the result into the change set. Reads return copies of the current heads.
type Arena struct {
	mu       sync.RWMutex
	order    []string
	versions map[string][]FileSnapshot
	original map[string]FileSnapshot
	changes  *changeSet
	version  int64
}

// NewArena builds an arena from the execution's starting files. Missing ids
// are generated and missing names default to the path's basename.
func NewArena(files []FileSnapshot) *Arena {
	a := &Arena{
		versions: make(map[string][]FileSnapshot),
		original: make(map[string]FileSnapshot),
		changes:  newChangeSet(),
	}
	for _, f := range files {
		f.Path = NormalizePath(f.Path)
		if f.Path == "" {
			f.Path = NormalizePath(f.Name)
		}
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.Name == "" {
			f.Name = path.Base(f.Path)
		}
		f.Version = 0
		f.Dirty = false
		f.Deleted = false
		if _, dup := a.versions[f.ID]; dup {
			continue
		}
		a.order = append(a.order, f.ID)
		a.versions[f.ID] = []FileSnapshot{f}
		a.original[f.ID] = f
	}
	return a
}

func (a *Arena) head(id string) (FileSnapshot, bool) {
	v := a.versions[id]
	if len(v) == 0 {
		return FileSnapshot{}, false
	}
	return v[len(v)-1], true
}

func (a *Arena) heads() []FileSnapshot {
	out := make([]FileSnapshot, 0, len(a.order))
	for _, id := range a.order {
		h, _ := a.head(id)
		out = append(out, h)
	}
	return out
}

// Resolve returns the current head named by ref.
func (a *Arena) Resolve(ref string) (FileSnapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return resolve(a.heads(), ref)
}

// Get returns the current head of a file by id, including deleted heads.
func (a *Arena) Get(id string) (FileSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.head(id)
}

// List returns the live heads sorted by path.
func (a *Arena) List() []FileSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedLive(a.heads())
}

// Versions returns the full history of a file, oldest first.
func (a *Arena) Versions(id string) []FileSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]FileSnapshot(nil), a.versions[id]...)
}

// ContextVersion counts accepted mutations. Cached lookups keyed to an
// older value are stale.
func (a *Arena) ContextVersion() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Changes returns the accumulated change set in first-touched order.
func (a *Arena) Changes() []CodeChange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.changes.list()
}

// ChangeCount returns the number of files with a net change.
func (a *Arena) ChangeCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.changes.len()
}

// DirtyIDs returns the ids of files whose head differs from their original.
func (a *Arena) DirtyIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var ids []string
	for _, id := range a.order {
		if h, _ := a.head(id); h.Dirty {
			ids = append(ids, id)
		}
	}
	return ids
}

// apply appends a new head version and records the change. Callers hold mu.
func (a *Arena) apply(prev FileSnapshot, content string, deleted bool, reasoning string) Mutation {
	m := Mutation{
		FileID:    prev.ID,
		Path:      prev.Path,
		Before:    prev.Content,
		After:     content,
		Reasoning: reasoning,
		Deleted:   deleted,
	}
	if prev.Deleted && deleted {
		return m
	}
	if !prev.Deleted && !deleted && prev.Content == content {
		return m
	}
	if prev.Deleted {
		m.Before = ""
		m.Created = true
	}
	next := prev
	next.Content = content
	next.Deleted = deleted
	next.Version = prev.Version + 1
	next.Dirty = true
	if deleted {
		next.Content = ""
		m.After = ""
	}
	var orig *FileSnapshot
	if o, ok := a.original[prev.ID]; ok {
		orig = &o
	}
	a.changes.record(next, orig, reasoning)
	next.Dirty = a.changes.has(prev.ID)
	a.versions[prev.ID] = append(a.versions[prev.ID], next)
	a.version++
	m.Changed = true
	return m
}

// Write replaces the content of an existing file.
func (a *Arena) Write(ref, content, reasoning string) (Mutation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := resolve(a.heads(), ref)
	if err != nil {
		return Mutation{}, err
	}
	return a.apply(cur, content, false, reasoning), nil
}

// Create adds a file at filePath. A previously deleted file at the same path
// is revived under its original id.
func (a *Arena) Create(filePath, content, reasoning string) (Mutation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.create("", filePath, content, reasoning)
}

func (a *Arena) create(id, filePath, content, reasoning string) (Mutation, error) {
	p := NormalizePath(filePath)
	if p == "" {
		return Mutation{}, fmt.Errorf("create: empty path")
	}
	for _, fid := range a.order {
		h, _ := a.head(fid)
		if h.Path != p {
			continue
		}
		if !h.Deleted {
			return Mutation{}, fmt.Errorf("%w: %s", ErrFileExists, p)
		}
		return a.apply(h, content, false, reasoning), nil
	}
	if id == "" {
		id = uuid.New().String()
	}
	placeholder := FileSnapshot{ID: id, Name: path.Base(p), Path: p, Deleted: true, Version: -1}
	a.order = append(a.order, id)
	a.versions[id] = nil
	m := a.apply(placeholder, content, false, reasoning)
	return m, nil
}

// Delete removes a file.
func (a *Arena) Delete(ref, reasoning string) (Mutation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := resolve(a.heads(), ref)
	if err != nil {
		return Mutation{}, err
	}
	return a.apply(cur, "", true, reasoning), nil
}

// Fork returns an isolated worktree over the current heads.
func (a *Arena) Fork() *Worktree {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return newWorktree(a.heads(), a.version)
}

// Merge folds a worktree's edits into the arena with a three-way merge per
// file. Edits that collide with changes made since the fork are reported as
// conflicts and not applied.
func (a *Arena) Merge(wt *Worktree) ([]Mutation, []*MutationConflict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return mergeWorktree(arenaTarget{a}, wt)
}

// Revert restores every file to its original content and clears the
// change set.
func (a *Arena) Revert() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.order {
		h, _ := a.head(id)
		orig, ok := a.original[id]
		switch {
		case !ok && !h.Deleted:
			a.apply(h, "", true, "")
		case ok && (h.Deleted || h.Content != orig.Content):
			a.apply(h, orig.Content, false, "")
		}
	}
	a.changes = newChangeSet()
}

// Restore replays a saved change list onto a freshly built arena. The
// original content recorded in each change becomes the file's baseline so
// the restored change set equals the saved one.
func (a *Arena) Restore(changes []CodeChange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range changes {
		if ch.Created {
			if _, ok := a.versions[ch.FileID]; ok {
				h, _ := a.head(ch.FileID)
				a.apply(h, ch.ProposedContent, ch.Deleted, ch.Reasoning)
				continue
			}
			if _, err := a.create(ch.FileID, ch.Path, ch.ProposedContent, ch.Reasoning); err != nil {
				return fmt.Errorf("restore %s: %w", ch.Path, err)
			}
			continue
		}
		h, ok := a.head(ch.FileID)
		if !ok {
			base := FileSnapshot{
				ID:      ch.FileID,
				Name:    ch.FileName,
				Path:    NormalizePath(ch.Path),
				Content: ch.OriginalContent,
			}
			if base.Name == "" {
				base.Name = path.Base(base.Path)
			}
			a.order = append(a.order, ch.FileID)
			a.versions[ch.FileID] = []FileSnapshot{base}
			h = base
		}
		orig := a.original[ch.FileID]
		orig.ID, orig.Name, orig.Path = h.ID, h.Name, h.Path
		orig.Content = ch.OriginalContent
		a.original[ch.FileID] = orig
		a.apply(h, ch.ProposedContent, ch.Deleted, ch.Reasoning)
	}
	return nil
}

// Rehydrate sets a dirty file's content from durable storage without
// treating it as a new model edit.
func (a *Arena) Rehydrate(id, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.head(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if h.Deleted || h.Content == content {
		return nil
	}
	reasoning := ""
	for _, ch := range a.changes.list() {
		if ch.FileID == id {
			reasoning = ch.Reasoning
		}
	}
	a.apply(h, content, false, reasoning)
	return nil
}

// Snapshot returns the live heads keyed by id.
func (a *Arena) Snapshot() map[string]FileSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]FileSnapshot, len(a.order))
	for _, h := range a.heads() {
		if !h.Deleted {
			out[h.ID] = h
		}
	}
	return out
}

// Paths returns the live paths sorted.
func (a *Arena) Paths() []string {
	files := a.List()
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	sort.Strings(out)
	return out
}

type arenaTarget struct{ a *Arena }

func (t arenaTarget) current(id string) (FileSnapshot, bool) {
	return t.a.head(id)
}

func (t arenaTarget) write(cur FileSnapshot, content string, deleted bool, reasoning string) Mutation {
	return t.a.apply(cur, content, deleted, reasoning)
}

func (t arenaTarget) create(snap FileSnapshot, reasoning string) (Mutation, error) {
	return t.a.create(snap.ID, snap.Path, snap.Content, reasoning)
}
