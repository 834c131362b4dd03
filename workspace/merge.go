package workspace

import (
	"fmt"
	"strings"
)

// MutationConflict reports a worktree edit that collided with another edit
// to the same file. Conflicts are surfaced to the model, never auto-resolved.
type MutationConflict struct {
	FileID string
	Path   string
	Reason string
}

func (e *MutationConflict) Error() string {
	return fmt.Sprintf("merge conflict in %s: %s", e.Path, e.Reason)
}

type mergeTarget interface {
	current(id string) (FileSnapshot, bool)
	write(cur FileSnapshot, content string, deleted bool, reasoning string) Mutation
	create(snap FileSnapshot, reasoning string) (Mutation, error)
}

func sameState(a, b FileSnapshot) bool {
	if a.Deleted || b.Deleted {
		return a.Deleted == b.Deleted
	}
	return a.Content == b.Content
}

// mergeWorktree applies each file the worktree touched onto target. Target
// locking is the caller's responsibility.
func mergeWorktree(target mergeTarget, wt *Worktree) ([]Mutation, []*MutationConflict) {
	wt.mu.Lock()
	touched := append([]string(nil), wt.touched...)
	theirsByID := make(map[string]FileSnapshot, len(touched))
	baseByID := make(map[string]FileSnapshot, len(touched))
	reasons := make(map[string]string, len(touched))
	for _, id := range touched {
		theirsByID[id] = wt.files[id]
		if b, ok := wt.base[id]; ok {
			baseByID[id] = b
		}
		reasons[id] = wt.reasons[id]
	}
	wt.mu.Unlock()

	var applied []Mutation
	var conflicts []*MutationConflict
	for _, id := range touched {
		theirs := theirsByID[id]
		reason := reasons[id]
		base, inBase := baseByID[id]
		cur, inTarget := target.current(id)

		if !inBase {
			if theirs.Deleted {
				continue
			}
			if inTarget && !cur.Deleted {
				conflicts = append(conflicts, &MutationConflict{FileID: id, Path: theirs.Path, Reason: "file created concurrently"})
				continue
			}
			m, err := target.create(theirs, reason)
			if err != nil {
				conflicts = append(conflicts, &MutationConflict{FileID: id, Path: theirs.Path, Reason: err.Error()})
				continue
			}
			applied = append(applied, m)
			continue
		}

		if sameState(theirs, base) {
			continue
		}
		if !inTarget {
			conflicts = append(conflicts, &MutationConflict{FileID: id, Path: theirs.Path, Reason: "file no longer exists"})
			continue
		}
		switch {
		case sameState(cur, base):
			applied = append(applied, target.write(cur, theirs.Content, theirs.Deleted, reason))
		case sameState(cur, theirs):
			// Both sides made the identical edit.
		case cur.Deleted || theirs.Deleted:
			conflicts = append(conflicts, &MutationConflict{FileID: id, Path: cur.Path, Reason: "edited on one side and deleted on the other"})
		default:
			merged, ok := Merge3(base.Content, cur.Content, theirs.Content)
			if !ok {
				conflicts = append(conflicts, &MutationConflict{FileID: id, Path: cur.Path, Reason: "overlapping edits"})
				continue
			}
			applied = append(applied, target.write(cur, merged, false, reason))
		}
	}
	return applied, conflicts
}

type hunk struct {
	start, end int // replaced range in base lines
	lines      []string
}

// diffHunk describes other relative to base as a single replaced range,
// found by trimming the common prefix and suffix.
func diffHunk(base, other []string) (hunk, bool) {
	p := 0
	for p < len(base) && p < len(other) && base[p] == other[p] {
		p++
	}
	s := 0
	for s < len(base)-p && s < len(other)-p && base[len(base)-1-s] == other[len(other)-1-s] {
		s++
	}
	if p == len(base) && p == len(other) {
		return hunk{}, false
	}
	return hunk{start: p, end: len(base) - s, lines: other[p : len(other)-s]}, true
}

func splitKeepNewlines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.SplitAfter(s, "\n")
}

// Merge3 merges two descendants of base line by line. Each side's edit is
// reduced to one replaced range; the merge succeeds only when the ranges do
// not overlap or touch.
func Merge3(base, ours, theirs string) (string, bool) {
	if ours == theirs {
		return ours, true
	}
	if ours == base {
		return theirs, true
	}
	if theirs == base {
		return ours, true
	}
	b := splitKeepNewlines(base)
	a, okA := diffHunk(b, splitKeepNewlines(ours))
	c, okC := diffHunk(b, splitKeepNewlines(theirs))
	if !okA {
		return theirs, true
	}
	if !okC {
		return ours, true
	}
	if a.start > c.start {
		a, c = c, a
	}
	if a.end >= c.start {
		return "", false
	}
	var sb strings.Builder
	for _, l := range b[:a.start] {
		sb.WriteString(l)
	}
	for _, l := range a.lines {
		sb.WriteString(l)
	}
	for _, l := range b[a.end:c.start] {
		sb.WriteString(l)
	}
	for _, l := range c.lines {
		sb.WriteString(l)
	}
	for _, l := range b[c.end:] {
		sb.WriteString(l)
	}
	return sb.String(), true
}
