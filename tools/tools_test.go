package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/workspace"
)

func theme() *workspace.Arena {
	return workspace.NewArena([]workspace.FileSnapshot{
		{ID: "btn", Path: "snippets/button.liquid", Content: ".button {\n  background: red;\n}\n"},
		{ID: "hdr", Path: "sections/header.liquid", Content: "<header>\n  {% render 'button' %}\n</header>\n"},
		{ID: "tpl", Path: "templates/index.json", Content: "{\"sections\": {}}\n"},
	})
}

func run(t *testing.T, reg *dispatch.Registry, env dispatch.Env, name string, args map[string]interface{}) (dispatch.Outcome, error) {
	t.Helper()
	tool := reg.Get(name)
	if tool == nil {
		t.Fatalf("tool %s not registered", name)
	}
	data, _ := json.Marshal(args)
	return tool.Execute(context.Background(), env, data)
}

func registry(t *testing.T) *dispatch.Registry {
	t.Helper()
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestRegistryCoversDeclaredTools(t *testing.T) {
	reg := registry(t)
	if reg.Count() != 12 {
		t.Errorf("count = %d, want 12", reg.Count())
	}
	for _, name := range Declared() {
		if def := reg.Get(name).Definition; def.Parameters["type"] != "object" {
			t.Errorf("%s: parameters = %v", name, def.Parameters)
		}
	}
}

func TestReadFile(t *testing.T) {
	reg := registry(t)
	env := dispatch.Env{Files: theme()}

	out, err := run(t, reg, env, ReadFile, map[string]interface{}{"ref": "button.liquid", "offset": 2, "limit": 1})
	if err != nil {
		t.Fatal(err)
	}
	lo := out.(dispatch.LookupOutcome)
	if lo.Content != "snippets/button.liquid (lines 2-2 of 3)\n2 |   background: red;\n" {
		t.Errorf("content = %q", lo.Content)
	}
	if len(lo.Reads) != 1 || lo.Reads[0].StartLine != 2 || lo.Reads[0].EndLine != 2 {
		t.Errorf("reads = %+v", lo.Reads)
	}

	_, err = run(t, reg, env, ReadFile, map[string]interface{}{"ref": "missing.liquid"})
	if !errors.Is(err, workspace.ErrFileNotFound) {
		t.Errorf("error = %v, want ErrFileNotFound", err)
	}
	if _, err := run(t, reg, env, ReadFile, map[string]interface{}{}); err == nil {
		t.Error("expected a validation error without ref")
	}
}

func TestSearchFiles(t *testing.T) {
	reg := registry(t)
	env := dispatch.Env{Files: theme()}

	out, err := run(t, reg, env, SearchFiles, map[string]interface{}{"pattern": "render 'button'"})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Text(); got != "sections/header.liquid:2:   {% render 'button' %}\n" {
		t.Errorf("literal search = %q", got)
	}

	out, _ = run(t, reg, env, SearchFiles, map[string]interface{}{"pattern": "back.*red", "regex": true, "glob": "snippets/*.liquid"})
	if !strings.Contains(out.Text(), "snippets/button.liquid:2:") {
		t.Errorf("regex search = %q", out.Text())
	}

	out, _ = run(t, reg, env, SearchFiles, map[string]interface{}{"pattern": "red", "glob": "*.json"})
	if out.Text() != "No matches found." {
		t.Errorf("glob-filtered search = %q", out.Text())
	}

	out, _ = run(t, reg, env, SearchFiles, map[string]interface{}{"pattern": "e", "max_results": 1})
	if !strings.Contains(out.Text(), "stopped after 1 matches") {
		t.Errorf("limited search = %q", out.Text())
	}
}

func TestGlobAndListFiles(t *testing.T) {
	reg := registry(t)
	env := dispatch.Env{Files: theme()}

	out, err := run(t, reg, env, GlobFiles, map[string]interface{}{"pattern": "*.liquid"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text() != "sections/header.liquid\nsnippets/button.liquid" {
		t.Errorf("glob = %q", out.Text())
	}

	out, _ = run(t, reg, env, ListFiles, map[string]interface{}{"dir": "templates"})
	if out.Text() != "templates/index.json (1 lines)\n" {
		t.Errorf("list = %q", out.Text())
	}
}

func TestEditFile(t *testing.T) {
	reg := registry(t)
	files := theme()
	env := dispatch.Env{Files: files}

	out, err := run(t, reg, env, EditFile, map[string]interface{}{
		"ref": "button.liquid", "old_text": "background: red;", "new_text": "background: blue;", "reasoning": "make it blue",
	})
	if err != nil {
		t.Fatal(err)
	}
	mo := out.(dispatch.MutationOutcome)
	if !mo.Changed() || !strings.Contains(mo.Summary, "+  background: blue;") {
		t.Errorf("outcome = %+v", mo)
	}
	changes := files.Changes()
	if len(changes) != 1 || changes[0].Reasoning != "make it blue" {
		t.Fatalf("changes = %+v", changes)
	}

	_, err = run(t, reg, env, EditFile, map[string]interface{}{"ref": "button.liquid", "old_text": "background: red;", "new_text": "x"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing anchor error = %v", err)
	}

	_, err = run(t, reg, env, EditFile, map[string]interface{}{"ref": "header.liquid", "old_text": "e", "new_text": "E"})
	if err == nil || !strings.Contains(err.Error(), "times") {
		t.Errorf("ambiguous anchor error = %v", err)
	}
}

func TestReplaceLines(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		start, end int
		text       string
		want       string
		wantErr    bool
	}{
		{"replace middle", "a\nb\nc\n", 2, 2, "B", "a\nB\nc\n", false},
		{"expand", "a\nb\nc\n", 2, 3, "x\ny\nz\n", "a\nx\ny\nz\n", false},
		{"delete", "a\nb\nc\n", 1, 2, "", "c\n", false},
		{"no trailing newline", "a\nb", 2, 2, "c", "a\nc", false},
		{"out of range", "a\n", 2, 2, "x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReplaceLines(tt.content, tt.start, tt.end, tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEditLinesValidatesRange(t *testing.T) {
	reg := registry(t)
	env := dispatch.Env{Files: theme()}
	if _, err := run(t, reg, env, EditLines, map[string]interface{}{"ref": "btn", "start_line": 3, "end_line": 2, "new_text": ""}); err == nil {
		t.Error("expected an error when end_line < start_line")
	}
	out, err := run(t, reg, env, EditLines, map[string]interface{}{"ref": "btn", "start_line": 2, "end_line": 2, "new_text": "  background: blue;"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.(dispatch.MutationOutcome).Changed() {
		t.Error("expected a change")
	}
}

func TestCreateAndDeleteFile(t *testing.T) {
	reg := registry(t)
	files := theme()
	env := dispatch.Env{Files: files}

	if _, err := run(t, reg, env, CreateFile, map[string]interface{}{"path": "snippets/icon.liquid", "content": "<svg/>"}); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, reg, env, CreateFile, map[string]interface{}{"path": "snippets/icon.liquid", "content": "<svg/>"}); !errors.Is(err, workspace.ErrFileExists) {
		t.Errorf("duplicate create error = %v", err)
	}
	if _, err := run(t, reg, env, DeleteFile, map[string]interface{}{"ref": "index.json"}); err != nil {
		t.Fatal(err)
	}
	if files.ChangeCount() != 2 {
		t.Errorf("changes = %d, want 2", files.ChangeCount())
	}
}

func TestRepeatedEditIsNoChange(t *testing.T) {
	reg := registry(t)
	env := dispatch.Env{Files: theme()}
	args := map[string]interface{}{"ref": "btn", "start_line": 2, "end_line": 2, "new_text": "  background: blue;"}
	_, _ = run(t, reg, env, EditLines, args)
	out, err := run(t, reg, env, EditLines, args)
	if err != nil {
		t.Fatal(err)
	}
	mo := out.(dispatch.MutationOutcome)
	if mo.Changed() || !strings.HasPrefix(mo.Summary, "No change") {
		t.Errorf("second identical edit = %+v", mo)
	}
}

func TestRetrieveOutput(t *testing.T) {
	reg := registry(t)
	outputs, err := dispatch.NewOutputStore(8, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer outputs.Close()
	id, ok := outputs.Put("l1\nl2\nl3\nl4\n")
	if !ok {
		t.Fatal("output was not stored")
	}
	env := dispatch.Env{Files: theme(), Outputs: outputs}

	out, err := run(t, reg, env, RetrieveOutput, map[string]interface{}{"id": id, "offset": 3, "limit": 5})
	if err != nil {
		t.Fatal(err)
	}
	if want := id + " (lines 3-4 of 4)\n3 | l3\n4 | l4\n"; out.Text() != want {
		t.Errorf("retrieve = %q, want %q", out.Text(), want)
	}
	if _, err := run(t, reg, env, RetrieveOutput, map[string]interface{}{"id": "out_missing"}); err == nil {
		t.Error("expected an error for an unknown id")
	}
}

func TestClarificationWithoutOrchestrator(t *testing.T) {
	reg := registry(t)
	out, err := run(t, reg, dispatch.Env{Files: theme()}, AskClarification, map[string]interface{}{"question": "Which button?"})
	if err != nil {
		t.Fatal(err)
	}
	oo := out.(dispatch.OrchestrationOutcome)
	if oo.Kind != dispatch.KindClarification || oo.Question != "Which button?" {
		t.Errorf("outcome = %+v", oo)
	}
	if _, err := run(t, reg, dispatch.Env{Files: theme()}, DelegateSpecialist, map[string]interface{}{
		"tasks": []map[string]interface{}{{"role": "styling", "instructions": "x"}},
	}); err == nil {
		t.Error("delegation without an orchestrator should fail")
	}
}

func TestMakeTheButtonBlue(t *testing.T) {
	reg := registry(t)
	d, err := dispatch.New(reg, dispatch.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	files := theme()

	args, _ := json.Marshal(map[string]interface{}{
		"ref": "snippets/button.liquid", "old_text": "red", "new_text": "blue", "reasoning": "requested color",
	})
	batch, err := d.Dispatch(context.Background(), files, nil, []unifiedllm.ToolCall{{ID: "c1", Name: EditFile, Arguments: args}})
	if err != nil {
		t.Fatal(err)
	}
	if batch.Results[0].IsError {
		t.Fatalf("edit failed: %s", batch.Results[0].Content)
	}
	changes := files.Changes()
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.FileName != "button.liquid" || !strings.Contains(c.OriginalContent, "red") || !strings.Contains(c.ProposedContent, "blue") {
		t.Errorf("change = %+v", c)
	}
}
