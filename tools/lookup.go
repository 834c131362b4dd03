package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/workspace"
)

const (
	defaultReadLimit     = 2000
	defaultSearchResults = 100
	defaultRetrieveLimit = 400
)

type readFileInput struct {
	Ref    string `json:"ref" validate:"required" jsonschema:"description=File id or path or name"`
	Offset int    `json:"offset,omitempty" validate:"gte=0" jsonschema:"description=1-based line number to start reading from"`
	Limit  int    `json:"limit,omitempty" validate:"gte=0" jsonschema:"description=Maximum number of lines to read. Default: 2000"`
}

func readFileTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ReadFile,
			Description: "Read a project file. Returns line-numbered content.",
			Parameters:  dispatch.SchemaFor[readFileInput](),
		},
		Category: dispatch.CategoryLookup,
		Targets:  targets(func(in readFileInput) string { return in.Ref }),
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[readFileInput](args)
			if err != nil {
				return nil, err
			}
			f, err := env.Files.Resolve(in.Ref)
			if err != nil {
				return nil, err
			}
			limit := in.Limit
			if limit == 0 {
				limit = defaultReadLimit
			}
			start := in.Offset
			if start == 0 {
				start = 1
			}
			total := len(f.Lines())
			if total == 0 {
				return dispatch.LookupOutcome{
					Content: fmt.Sprintf("%s is empty.", f.Path),
					Reads:   []dispatch.FileRead{{Path: f.Path}},
				}, nil
			}
			if start > total {
				return nil, fmt.Errorf("offset %d is past the end of %s (%d lines)", start, f.Path, total)
			}
			end := start + limit - 1
			if end > total {
				end = total
			}
			body := workspace.FormatLines(f.Content, start, limit)
			return dispatch.LookupOutcome{
				Content: fmt.Sprintf("%s (lines %d-%d of %d)\n%s", f.Path, start, end, total, body),
				Reads:   []dispatch.FileRead{{Path: f.Path, StartLine: start, EndLine: end}},
			}, nil
		},
	}
}

type searchFilesInput struct {
	Pattern         string `json:"pattern" validate:"required" jsonschema:"description=Text or regular expression to search for"`
	Regex           bool   `json:"regex,omitempty" jsonschema:"description=Treat pattern as a regular expression"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Only search files whose path matches this glob"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty" validate:"gte=0" jsonschema:"description=Maximum number of matching lines. Default: 100"`
}

func searchFilesTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        SearchFiles,
			Description: "Search file contents. Returns matching lines with file paths and line numbers.",
			Parameters:  dispatch.SchemaFor[searchFilesInput](),
		},
		Category: dispatch.CategoryLookup,
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[searchFilesInput](args)
			if err != nil {
				return nil, err
			}
			expr := in.Pattern
			if !in.Regex {
				expr = regexp.QuoteMeta(expr)
			}
			if in.CaseInsensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			limit := in.MaxResults
			if limit == 0 {
				limit = defaultSearchResults
			}

			var sb strings.Builder
			var reads []dispatch.FileRead
			matches := 0
		files:
			for _, f := range env.Files.List() {
				if in.Glob != "" && !matchGlob(in.Glob, f.Path) {
					continue
				}
				for i, line := range f.Lines() {
					if !re.MatchString(line) {
						continue
					}
					if matches == limit {
						fmt.Fprintf(&sb, "[stopped after %d matches]\n", limit)
						break files
					}
					matches++
					fmt.Fprintf(&sb, "%s:%d: %s\n", f.Path, i+1, line)
					reads = append(reads, dispatch.FileRead{Path: f.Path, StartLine: i + 1, EndLine: i + 1})
				}
			}
			if matches == 0 {
				return dispatch.LookupOutcome{Content: "No matches found."}, nil
			}
			return dispatch.LookupOutcome{Content: sb.String(), Reads: reads}, nil
		},
	}
}

type globFilesInput struct {
	Pattern string `json:"pattern" validate:"required" jsonschema:"description=Glob pattern such as sections/*.liquid or **/*.json"`
}

// matchGlob matches a path, treating a slash-free pattern as matching in
// any directory.
func matchGlob(pattern, p string) bool {
	pattern = strings.TrimPrefix(workspace.NormalizePath(pattern), "./")
	if !strings.Contains(pattern, "/") {
		pattern = "**/" + pattern
	}
	ok, err := doublestar.Match(pattern, p)
	return err == nil && ok
}

func globFilesTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        GlobFiles,
			Description: "Find project files whose path matches a glob pattern.",
			Parameters:  dispatch.SchemaFor[globFilesInput](),
		},
		Category: dispatch.CategoryLookup,
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[globFilesInput](args)
			if err != nil {
				return nil, err
			}
			if !doublestar.ValidatePattern(in.Pattern) {
				return nil, fmt.Errorf("invalid glob pattern %q", in.Pattern)
			}
			var out []string
			for _, f := range env.Files.List() {
				if matchGlob(in.Pattern, f.Path) {
					out = append(out, f.Path)
				}
			}
			if len(out) == 0 {
				return dispatch.LookupOutcome{Content: "No files matched the pattern."}, nil
			}
			return dispatch.LookupOutcome{Content: strings.Join(out, "\n")}, nil
		},
	}
}

type listFilesInput struct {
	Dir string `json:"dir,omitempty" jsonschema:"description=Only list files under this directory"`
}

func listFilesTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ListFiles,
			Description: "List project files with their line counts.",
			Parameters:  dispatch.SchemaFor[listFilesInput](),
		},
		Category: dispatch.CategoryLookup,
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[listFilesInput](args)
			if err != nil {
				return nil, err
			}
			dir := workspace.NormalizePath(in.Dir)
			var sb strings.Builder
			n := 0
			for _, f := range env.Files.List() {
				if dir != "" && path.Dir(f.Path) != dir && !strings.HasPrefix(f.Path, dir+"/") {
					continue
				}
				fmt.Fprintf(&sb, "%s (%d lines)\n", f.Path, len(f.Lines()))
				n++
			}
			if n == 0 {
				return dispatch.LookupOutcome{Content: "No files."}, nil
			}
			return dispatch.LookupOutcome{Content: sb.String()}, nil
		},
	}
}

type retrieveOutputInput struct {
	ID     string `json:"id" validate:"required" jsonschema:"description=Id of a stored output"`
	Offset int    `json:"offset,omitempty" validate:"gte=0" jsonschema:"description=1-based line to start from"`
	Limit  int    `json:"limit,omitempty" validate:"gte=0" jsonschema:"description=Maximum number of lines. Default: 400"`
}

func retrieveOutputTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        RetrieveOutput,
			Description: "Read part of a tool output that was too large to show in full.",
			Parameters:  dispatch.SchemaFor[retrieveOutputInput](),
		},
		Category: dispatch.CategoryLookup,
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[retrieveOutputInput](args)
			if err != nil {
				return nil, err
			}
			if env.Outputs == nil {
				return nil, fmt.Errorf("no stored outputs")
			}
			full, ok := env.Outputs.Get(in.ID)
			if !ok {
				return nil, fmt.Errorf("no stored output with id %s (it may have expired)", in.ID)
			}
			limit := in.Limit
			if limit == 0 {
				limit = defaultRetrieveLimit
			}
			start := in.Offset
			if start == 0 {
				start = 1
			}
			total := strings.Count(strings.TrimSuffix(full, "\n"), "\n") + 1
			body := workspace.FormatLines(full, start, limit)
			if body == "" {
				return nil, fmt.Errorf("offset %d is past the end of %s (%d lines)", start, in.ID, total)
			}
			end := start + limit - 1
			if end > total {
				end = total
			}
			return dispatch.LookupOutcome{
				Content: fmt.Sprintf("%s (lines %d-%d of %d)\n%s", in.ID, start, end, total, body),
			}, nil
		},
	}
}
