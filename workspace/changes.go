package workspace

import (
	diffpatch "github.com/sourcegraph/go-diff-patch"
)

// CodeChange is the net effect of an execution on one file, relative to the
// content the execution started from.
type CodeChange struct {
	FileID          string `json:"file_id"`
	FileName        string `json:"file_name"`
	Path            string `json:"path"`
	OriginalContent string `json:"original_content"`
	ProposedContent string `json:"proposed_content"`
	Reasoning       string `json:"reasoning,omitempty"`
	Created         bool   `json:"created,omitempty"`
	Deleted         bool   `json:"deleted,omitempty"`
}

// Diff renders the change as a unified diff.
func (c CodeChange) Diff() string {
	return Diff(c.Path, c.OriginalContent, c.ProposedContent)
}

// Diff renders a unified diff between two versions of a file.
func Diff(filePath, before, after string) string {
	if before == after {
		return ""
	}
	return diffpatch.GeneratePatch(filePath, before, after)
}

// changeSet accumulates one CodeChange per file in first-touched order. A
// file whose content returns to its original drops out of the set.
type changeSet struct {
	order []string
	byID  map[string]*CodeChange
}

func newChangeSet() *changeSet {
	return &changeSet{byID: make(map[string]*CodeChange)}
}

// record folds the current head of a file into the set. original is nil for
// files created during the execution.
func (c *changeSet) record(head FileSnapshot, original *FileSnapshot, reasoning string) {
	var origContent string
	existed := false
	if original != nil {
		origContent = original.Content
		existed = true
	}
	exists := !head.Deleted
	if existed == exists && origContent == head.Content {
		c.remove(head.ID)
		return
	}
	ch, ok := c.byID[head.ID]
	if !ok {
		ch = &CodeChange{FileID: head.ID}
		c.byID[head.ID] = ch
		c.order = append(c.order, head.ID)
	}
	ch.FileName = head.Name
	ch.Path = head.Path
	ch.OriginalContent = origContent
	ch.Created = !existed
	ch.Deleted = !exists
	if exists {
		ch.ProposedContent = head.Content
	} else {
		ch.ProposedContent = ""
	}
	if reasoning != "" {
		ch.Reasoning = reasoning
	}
}

func (c *changeSet) remove(id string) {
	if _, ok := c.byID[id]; !ok {
		return
	}
	delete(c.byID, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *changeSet) has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

func (c *changeSet) list() []CodeChange {
	out := make([]CodeChange, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byID[id])
	}
	return out
}

func (c *changeSet) len() int {
	return len(c.order)
}
