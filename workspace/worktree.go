package workspace

import (
	"fmt"
	"path"
	"sync"

	"github.com/google/uuid"
)

// Worktree is an isolated copy of the file set. Writes stay local until the
// worktree is merged into the tree it was forked from. Worktrees can be
// forked again, which is how nested specialist runs isolate their edits.
type Worktree struct {
	mu          sync.Mutex
	base        map[string]FileSnapshot
	files       map[string]FileSnapshot
	order       []string
	touched     []string
	reasons     map[string]string
	baseVersion int64
	local       int64
}

func newWorktree(heads []FileSnapshot, version int64) *Worktree {
	wt := &Worktree{
		base:        make(map[string]FileSnapshot, len(heads)),
		files:       make(map[string]FileSnapshot, len(heads)),
		reasons:     make(map[string]string),
		baseVersion: version,
	}
	for _, h := range heads {
		wt.base[h.ID] = h
		wt.files[h.ID] = h
		wt.order = append(wt.order, h.ID)
	}
	return wt
}

func (w *Worktree) view() []FileSnapshot {
	out := make([]FileSnapshot, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.files[id])
	}
	return out
}

// Resolve returns the worktree's current snapshot named by ref.
func (w *Worktree) Resolve(ref string) (FileSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return resolve(w.view(), ref)
}

// List returns the live snapshots sorted by path.
func (w *Worktree) List() []FileSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedLive(w.view())
}

// ContextVersion is the parent's version at fork time plus local edits.
func (w *Worktree) ContextVersion() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseVersion + w.local
}

// Touched returns the ids edited in this worktree, in edit order.
func (w *Worktree) Touched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.touched...)
}

func (w *Worktree) put(prev FileSnapshot, content string, deleted bool, reasoning string) Mutation {
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
	if _, ok := w.files[prev.ID]; !ok {
		w.order = append(w.order, prev.ID)
	}
	w.files[prev.ID] = next
	if _, seen := w.reasons[prev.ID]; !seen {
		w.touched = append(w.touched, prev.ID)
	}
	if reasoning != "" || w.reasons[prev.ID] == "" {
		w.reasons[prev.ID] = reasoning
	}
	w.local++
	m.Changed = true
	return m
}

// Write replaces the content of an existing file in the worktree.
func (w *Worktree) Write(ref, content, reasoning string) (Mutation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, err := resolve(w.view(), ref)
	if err != nil {
		return Mutation{}, err
	}
	return w.put(cur, content, false, reasoning), nil
}

// Create adds a file to the worktree.
func (w *Worktree) Create(filePath, content, reasoning string) (Mutation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.create("", filePath, content, reasoning)
}

func (w *Worktree) create(id, filePath, content, reasoning string) (Mutation, error) {
	p := NormalizePath(filePath)
	if p == "" {
		return Mutation{}, fmt.Errorf("create: empty path")
	}
	for _, fid := range w.order {
		f := w.files[fid]
		if f.Path != p {
			continue
		}
		if !f.Deleted {
			return Mutation{}, fmt.Errorf("%w: %s", ErrFileExists, p)
		}
		return w.put(f, content, false, reasoning), nil
	}
	if id == "" {
		id = uuid.New().String()
	}
	placeholder := FileSnapshot{ID: id, Name: path.Base(p), Path: p, Deleted: true, Version: -1}
	return w.put(placeholder, content, false, reasoning), nil
}

// Delete removes a file from the worktree.
func (w *Worktree) Delete(ref, reasoning string) (Mutation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, err := resolve(w.view(), ref)
	if err != nil {
		return Mutation{}, err
	}
	return w.put(cur, "", true, reasoning), nil
}

// Fork returns a nested worktree over this worktree's current view.
func (w *Worktree) Fork() *Worktree {
	w.mu.Lock()
	defer w.mu.Unlock()
	return newWorktree(w.view(), w.baseVersion+w.local)
}

// Merge folds a nested worktree's edits into this one.
func (w *Worktree) Merge(child *Worktree) ([]Mutation, []*MutationConflict) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mergeWorktree(worktreeTarget{w}, child)
}

type worktreeTarget struct{ w *Worktree }

func (t worktreeTarget) current(id string) (FileSnapshot, bool) {
	f, ok := t.w.files[id]
	return f, ok
}

func (t worktreeTarget) write(cur FileSnapshot, content string, deleted bool, reasoning string) Mutation {
	return t.w.put(cur, content, deleted, reasoning)
}

func (t worktreeTarget) create(snap FileSnapshot, reasoning string) (Mutation, error) {
	return t.w.create(snap.ID, snap.Path, snap.Content, reasoning)
}
