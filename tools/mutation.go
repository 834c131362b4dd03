package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/workspace"
)

func mutationOutcome(verb string, m workspace.Mutation) dispatch.MutationOutcome {
	if !m.Changed {
		return dispatch.MutationOutcome{
			Summary:   fmt.Sprintf("No change: %s already has this content.", m.Path),
			Mutations: []workspace.Mutation{m},
		}
	}
	summary := fmt.Sprintf("%s %s", verb, m.Path)
	if diff := workspace.Diff(m.Path, m.Before, m.After); diff != "" {
		summary += "\n" + diff
	}
	return dispatch.MutationOutcome{Summary: summary, Mutations: []workspace.Mutation{m}}
}

type editFileInput struct {
	Ref        string `json:"ref" validate:"required" jsonschema:"description=File id or path or name"`
	OldText    string `json:"old_text" validate:"required" jsonschema:"description=Exact text to find in the file"`
	NewText    string `json:"new_text" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence. Default: false"`
	Reasoning  string `json:"reasoning,omitempty" jsonschema:"description=Why this change is needed"`
}

func editFileTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        EditFile,
			Description: "Replace an exact text occurrence in a file. old_text must be unique in the file unless replace_all is true.",
			Parameters:  dispatch.SchemaFor[editFileInput](),
		},
		Category: dispatch.CategoryMutation,
		Targets:  targets(func(in editFileInput) string { return in.Ref }),
		Anchor: func(args json.RawMessage) string {
			in, _ := dispatch.Decode[editFileInput](args)
			return in.OldText
		},
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[editFileInput](args)
			if err != nil {
				return nil, err
			}
			f, err := env.Files.Resolve(in.Ref)
			if err != nil {
				return nil, err
			}

			count := strings.Count(f.Content, in.OldText)
			if count == 0 {
				return nil, fmt.Errorf("old_text not found in %s", f.Path)
			}
			if count > 1 && !in.ReplaceAll {
				return nil, fmt.Errorf("old_text found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, f.Path)
			}

			var next string
			if in.ReplaceAll {
				next = strings.ReplaceAll(f.Content, in.OldText, in.NewText)
			} else {
				next = strings.Replace(f.Content, in.OldText, in.NewText, 1)
			}
			m, err := env.Files.Write(f.ID, next, in.Reasoning)
			if err != nil {
				return nil, err
			}
			replacements := 1
			if in.ReplaceAll {
				replacements = count
			}
			return mutationOutcome(fmt.Sprintf("Replaced %d occurrence(s) in", replacements), m), nil
		},
	}
}

type editLinesInput struct {
	Ref       string `json:"ref" validate:"required" jsonschema:"description=File id or path or name"`
	StartLine int    `json:"start_line" validate:"required,min=1" jsonschema:"description=First line to replace (1-based)"`
	EndLine   int    `json:"end_line" validate:"required,gtefield=StartLine" jsonschema:"description=Last line to replace (inclusive)"`
	NewText   string `json:"new_text" jsonschema:"description=Replacement lines. Empty deletes the range"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"description=Why this change is needed"`
}

// ReplaceLines replaces lines start..end (1-based, inclusive) of content,
// keeping the file's trailing newline.
func ReplaceLines(content string, start, end int, text string) (string, error) {
	trailing := strings.HasSuffix(content, "\n")
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}
	if start < 1 || end < start || end > len(lines) {
		return "", fmt.Errorf("line range %d-%d is outside the file (%d lines)", start, end, len(lines))
	}
	var replacement []string
	if text != "" {
		replacement = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}
	out := make([]string, 0, len(lines)-(end-start+1)+len(replacement))
	out = append(out, lines[:start-1]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)
	result := strings.Join(out, "\n")
	if trailing && len(out) > 0 {
		result += "\n"
	}
	return result, nil
}

func editLinesTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        EditLines,
			Description: "Replace a range of lines in a file. Use line numbers from read_file.",
			Parameters:  dispatch.SchemaFor[editLinesInput](),
		},
		Category: dispatch.CategoryMutation,
		Targets:  targets(func(in editLinesInput) string { return in.Ref }),
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[editLinesInput](args)
			if err != nil {
				return nil, err
			}
			f, err := env.Files.Resolve(in.Ref)
			if err != nil {
				return nil, err
			}
			next, err := ReplaceLines(f.Content, in.StartLine, in.EndLine, in.NewText)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Path, err)
			}
			m, err := env.Files.Write(f.ID, next, in.Reasoning)
			if err != nil {
				return nil, err
			}
			return mutationOutcome(fmt.Sprintf("Replaced lines %d-%d in", in.StartLine, in.EndLine), m), nil
		},
	}
}

type createFileInput struct {
	Path      string `json:"path" validate:"required" jsonschema:"description=Project-relative path of the new file"`
	Content   string `json:"content" jsonschema:"description=Full content of the new file"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"description=Why the file is needed"`
}

func createFileTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        CreateFile,
			Description: "Create a new project file.",
			Parameters:  dispatch.SchemaFor[createFileInput](),
		},
		Category: dispatch.CategoryMutation,
		Targets:  targets(func(in createFileInput) string { return in.Path }),
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[createFileInput](args)
			if err != nil {
				return nil, err
			}
			m, err := env.Files.Create(in.Path, in.Content, in.Reasoning)
			if err != nil {
				return nil, err
			}
			return mutationOutcome("Created", m), nil
		},
	}
}

type deleteFileInput struct {
	Ref       string `json:"ref" validate:"required" jsonschema:"description=File id or path or name"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"description=Why the file should go"`
}

func deleteFileTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        DeleteFile,
			Description: "Delete a project file.",
			Parameters:  dispatch.SchemaFor[deleteFileInput](),
		},
		Category: dispatch.CategoryMutation,
		Targets:  targets(func(in deleteFileInput) string { return in.Ref }),
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[deleteFileInput](args)
			if err != nil {
				return nil, err
			}
			m, err := env.Files.Delete(in.Ref, in.Reasoning)
			if err != nil {
				return nil, err
			}
			return mutationOutcome("Deleted", m), nil
		},
	}
}
