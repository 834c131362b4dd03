package workspace

import (
	"errors"
	"testing"
)

const threeBlocks = "one\ntwo\nthree\nfour\nfive\nsix\nseven\n"

func TestMerge3(t *testing.T) {
	tests := []struct {
		name   string
		ours   string
		theirs string
		want   string
		ok     bool
	}{
		{"disjoint", "ONE\ntwo\nthree\nfour\nfive\nsix\nseven\n", "one\ntwo\nthree\nfour\nfive\nsix\nSEVEN\n", "ONE\ntwo\nthree\nfour\nfive\nsix\nSEVEN\n", true},
		{"identical", "one\nTWO\nthree\nfour\nfive\nsix\nseven\n", "one\nTWO\nthree\nfour\nfive\nsix\nseven\n", "one\nTWO\nthree\nfour\nfive\nsix\nseven\n", true},
		{"overlap", "one\nTWO\nthree\nfour\nfive\nsix\nseven\n", "one\ntwo!\nthree\nfour\nfive\nsix\nseven\n", "", false},
		{"adjacent", "one\nTWO\nthree\nfour\nfive\nsix\nseven\n", "one\ntwo\nTHREE\nfour\nfive\nsix\nseven\n", "", false},
		{"one side only", threeBlocks, "one\ntwo\nthree\nFOUR\nfive\nsix\nseven\n", "one\ntwo\nthree\nFOUR\nfive\nsix\nseven\n", true},
		{"insert and edit", "zero\none\ntwo\nthree\nfour\nfive\nsix\nseven\n", "one\ntwo\nthree\nfour\nfive\nsix\n7\n", "zero\none\ntwo\nthree\nfour\nfive\nsix\n7\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Merge3(threeBlocks, tt.ours, tt.theirs)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("merged = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorktreeIsolation(t *testing.T) {
	a := NewArena([]FileSnapshot{{ID: "f1", Path: "a.txt", Content: threeBlocks}})
	wt := a.Fork()

	if _, err := wt.Write("a.txt", "changed\n", "local"); err != nil {
		t.Fatal(err)
	}
	f, _ := a.Resolve("a.txt")
	if f.Content != threeBlocks {
		t.Error("worktree write leaked into the arena before merge")
	}
	if wt.ContextVersion() != 1 {
		t.Errorf("worktree context version = %d, want 1", wt.ContextVersion())
	}

	applied, conflicts := a.Merge(wt)
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}
	if len(applied) != 1 || !applied[0].Changed {
		t.Fatalf("applied = %+v", applied)
	}
	f, _ = a.Resolve("a.txt")
	if f.Content != "changed\n" {
		t.Errorf("content after merge = %q", f.Content)
	}
	if a.Changes()[0].Reasoning != "local" {
		t.Errorf("reasoning not carried through merge: %+v", a.Changes()[0])
	}
}

func TestParallelWorktreesMergeDisjointEdits(t *testing.T) {
	a := NewArena([]FileSnapshot{{ID: "f1", Path: "a.txt", Content: threeBlocks}})
	left, right := a.Fork(), a.Fork()

	_, _ = left.Write("f1", "ONE\ntwo\nthree\nfour\nfive\nsix\nseven\n", "top")
	_, _ = right.Write("f1", "one\ntwo\nthree\nfour\nfive\nsix\nSEVEN\n", "bottom")

	if _, c := a.Merge(left); len(c) != 0 {
		t.Fatalf("left conflicts: %v", c)
	}
	if _, c := a.Merge(right); len(c) != 0 {
		t.Fatalf("right conflicts: %v", c)
	}
	f, _ := a.Resolve("f1")
	if f.Content != "ONE\ntwo\nthree\nfour\nfive\nsix\nSEVEN\n" {
		t.Errorf("merged content = %q", f.Content)
	}
}

func TestParallelWorktreesReportOverlap(t *testing.T) {
	a := NewArena([]FileSnapshot{{ID: "f1", Path: "a.txt", Content: threeBlocks}})
	left, right := a.Fork(), a.Fork()

	_, _ = left.Write("f1", "one\nTWO\nthree\nfour\nfive\nsix\nseven\n", "")
	_, _ = right.Write("f1", "one\nzwei\nthree\nfour\nfive\nsix\nseven\n", "")

	a.Merge(left)
	_, conflicts := a.Merge(right)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	var mc *MutationConflict
	if !errors.As(conflicts[0], &mc) || mc.Path != "a.txt" {
		t.Errorf("conflict = %v", conflicts[0])
	}
	f, _ := a.Resolve("f1")
	if f.Content != "one\nTWO\nthree\nfour\nfive\nsix\nseven\n" {
		t.Errorf("first merge should stand, got %q", f.Content)
	}
}

func TestNestedWorktreeCreate(t *testing.T) {
	a := NewArena(nil)
	outer := a.Fork()
	inner := outer.Fork()

	if _, err := inner.Create("snippets/new.liquid", "hi", "add"); err != nil {
		t.Fatal(err)
	}
	if _, c := outer.Merge(inner); len(c) != 0 {
		t.Fatalf("inner merge conflicts: %v", c)
	}
	if _, err := outer.Resolve("new.liquid"); err != nil {
		t.Fatalf("outer missing created file: %v", err)
	}
	if _, err := a.Resolve("new.liquid"); !errors.Is(err, ErrFileNotFound) {
		t.Fatal("arena should not see the file before the outer merge")
	}
	if _, c := a.Merge(outer); len(c) != 0 {
		t.Fatalf("outer merge conflicts: %v", c)
	}
	changes := a.Changes()
	if len(changes) != 1 || !changes[0].Created {
		t.Errorf("changes = %+v", changes)
	}
}

func TestConcurrentCreateSamePathConflicts(t *testing.T) {
	a := NewArena(nil)
	left, right := a.Fork(), a.Fork()
	_, _ = left.Create("x.txt", "left", "")
	_, _ = right.Create("x.txt", "right", "")

	a.Merge(left)
	_, conflicts := a.Merge(right)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
}
