package workspace

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testArena() *Arena {
	return NewArena([]FileSnapshot{
		{ID: "f1", Path: "snippets/button.liquid", Content: "a {\n  background: red;\n}\n"},
		{ID: "f2", Path: "sections/header.liquid", Content: "<header>{% render 'button' %}</header>\n"},
		{ID: "f3", Path: "sections/footer.liquid", Content: "<footer></footer>\n"},
		{ID: "f4", Path: "snippets/footer.liquid", Content: "<small></small>\n"},
	})
}

func TestResolveOrder(t *testing.T) {
	a := testArena()

	tests := []struct {
		ref    string
		wantID string
		err    error
	}{
		{"f1", "f1", nil},
		{"snippets/button.liquid", "f1", nil},
		{"./snippets/button.liquid", "f1", nil},
		{"/snippets/button.liquid", "f1", nil},
		{"button.liquid", "f1", nil},
		{"header.liquid", "f2", nil},
		{"footer.liquid", "", ErrAmbiguousReference},
		{"missing.liquid", "", ErrFileNotFound},
		{"", "", ErrFileNotFound},
	}
	for _, tt := range tests {
		got, err := a.Resolve(tt.ref)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.ref, err, tt.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%q) unexpected error: %v", tt.ref, err)
			continue
		}
		if got.ID != tt.wantID {
			t.Errorf("Resolve(%q) = %s, want %s", tt.ref, got.ID, tt.wantID)
		}
	}
}

func TestWriteProducesNewVersion(t *testing.T) {
	a := testArena()
	before, _ := a.Resolve("button.liquid")

	m, err := a.Write("button.liquid", "a {\n  background: blue;\n}\n", "make it blue")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !m.Changed {
		t.Fatal("expected a change")
	}
	after, _ := a.Resolve("f1")
	if after.Version != before.Version+1 {
		t.Errorf("version = %d, want %d", after.Version, before.Version+1)
	}
	if !after.Dirty {
		t.Error("expected dirty head")
	}
	if before.Content != "a {\n  background: red;\n}\n" {
		t.Error("earlier snapshot was modified in place")
	}
	if got := len(a.Versions("f1")); got != 2 {
		t.Errorf("versions = %d, want 2", got)
	}
	if a.ContextVersion() != 1 {
		t.Errorf("context version = %d, want 1", a.ContextVersion())
	}
}

func TestIdempotentWriteIsNetZero(t *testing.T) {
	a := testArena()
	proposed := "a {\n  background: blue;\n}\n"

	if _, err := a.Write("f1", proposed, "blue"); err != nil {
		t.Fatal(err)
	}
	m, err := a.Write("f1", proposed, "blue again")
	if err != nil {
		t.Fatal(err)
	}
	if m.Changed {
		t.Error("second identical write should not change anything")
	}
	if a.ContextVersion() != 1 {
		t.Errorf("context version = %d, want 1", a.ContextVersion())
	}

	want := []CodeChange{{
		FileID:          "f1",
		FileName:        "button.liquid",
		Path:            "snippets/button.liquid",
		OriginalContent: "a {\n  background: red;\n}\n",
		ProposedContent: proposed,
		Reasoning:       "blue",
	}}
	if diff := cmp.Diff(want, a.Changes()); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteBackToOriginalDropsChange(t *testing.T) {
	a := testArena()
	orig, _ := a.Resolve("f1")
	_, _ = a.Write("f1", "changed\n", "")
	_, _ = a.Write("f1", orig.Content, "")
	if n := a.ChangeCount(); n != 0 {
		t.Errorf("change count = %d, want 0", n)
	}
	if ids := a.DirtyIDs(); len(ids) != 0 {
		t.Errorf("dirty ids = %v, want none", ids)
	}
}

func TestCreateAndDelete(t *testing.T) {
	a := testArena()
	if _, err := a.Create("snippets/icon.liquid", "<svg/>", "new icon"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := a.Create("snippets/icon.liquid", "<svg/>", ""); !errors.Is(err, ErrFileExists) {
		t.Errorf("duplicate create error = %v, want ErrFileExists", err)
	}
	if _, err := a.Delete("sections/footer.liquid", "unused"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Resolve("sections/footer.liquid"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("deleted file still resolves: %v", err)
	}
	// With the section gone the basename is no longer ambiguous.
	if f, err := a.Resolve("footer.liquid"); err != nil || f.ID != "f4" {
		t.Errorf("Resolve(footer.liquid) = %v, %v", f.ID, err)
	}

	changes := a.Changes()
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	if !changes[0].Created || changes[0].Path != "snippets/icon.liquid" {
		t.Errorf("first change = %+v", changes[0])
	}
	if !changes[1].Deleted || changes[1].ProposedContent != "" {
		t.Errorf("second change = %+v", changes[1])
	}

	// Deleting a created file leaves no trace in the change set.
	if _, err := a.Delete("icon.liquid", ""); err != nil {
		t.Fatal(err)
	}
	if a.ChangeCount() != 1 {
		t.Errorf("change count = %d, want 1", a.ChangeCount())
	}
}

func TestDirectoryReferenceNeverFallsBackToName(t *testing.T) {
	a := testArena()
	if f, err := a.Resolve("sections/button.liquid"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Resolve(sections/button.liquid) = %q, %v; want ErrFileNotFound", f.ID, err)
	}

	if _, err := a.Delete("sections/footer.liquid", ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Delete("sections/footer.liquid", ""); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("second Delete error = %v, want ErrFileNotFound", err)
	}
	if f, err := a.Resolve("f4"); err != nil || f.Deleted {
		t.Errorf("snippets/footer.liquid was touched: %+v, %v", f, err)
	}
}

func TestRevertClearsChanges(t *testing.T) {
	a := testArena()
	_, _ = a.Write("f1", "x\n", "")
	_, _ = a.Create("new.liquid", "y", "")
	_, _ = a.Delete("f2", "")
	v := a.ContextVersion()

	a.Revert()

	if a.ChangeCount() != 0 {
		t.Errorf("change count = %d, want 0", a.ChangeCount())
	}
	f1, _ := a.Resolve("f1")
	if !strings.Contains(f1.Content, "red") {
		t.Errorf("f1 not reverted: %q", f1.Content)
	}
	if _, err := a.Resolve("f2"); err != nil {
		t.Errorf("f2 not restored: %v", err)
	}
	if _, err := a.Resolve("new.liquid"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("created file survived revert: %v", err)
	}
	if a.ContextVersion() <= v {
		t.Error("revert should advance the context version")
	}
}

func TestRestoreReproducesChanges(t *testing.T) {
	src := testArena()
	_, _ = src.Write("f1", "blue\n", "recolor")
	_, _ = src.Create("snippets/icon.liquid", "<svg/>", "icon")
	_, _ = src.Delete("f3", "drop")
	saved := src.Changes()

	dst := testArena()
	if err := dst.Restore(saved); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff(saved, dst.Changes()); diff != "" {
		t.Errorf("restored changes mismatch (-want +got):\n%s", diff)
	}
	if err := dst.Rehydrate("f1", "blue from store\n"); err != nil {
		t.Fatal(err)
	}
	f1, _ := dst.Resolve("f1")
	if f1.Content != "blue from store\n" {
		t.Errorf("rehydrated content = %q", f1.Content)
	}
	if dst.ChangeCount() != len(saved) {
		t.Errorf("change count = %d, want %d", dst.ChangeCount(), len(saved))
	}
}

func TestDiff(t *testing.T) {
	c := CodeChange{Path: "snippets/button.liquid", OriginalContent: "background: red;\n", ProposedContent: "background: blue;\n"}
	d := c.Diff()
	if !strings.Contains(d, "-background: red;") || !strings.Contains(d, "+background: blue;") {
		t.Errorf("unexpected diff:\n%s", d)
	}
	if Diff("x", "same", "same") != "" {
		t.Error("identical content should produce no diff")
	}
}

func TestFormatLines(t *testing.T) {
	got := FormatLines("one\ntwo\nthree\n", 2, 1)
	if got != "2 | two\n" {
		t.Errorf("FormatLines = %q", got)
	}
	if FormatLines("one\n", 5, 0) != "" {
		t.Error("offset past end should be empty")
	}
}
