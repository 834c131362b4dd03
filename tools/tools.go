// Package tools implements the handlers behind every tool the model can
// call. All file access goes through workspace.Files so references resolve
// the same way everywhere.
package tools

import (
	"encoding/json"

	"github.com/martinemde/patchpilot/dispatch"
)

const (
	ReadFile           = "read_file"
	SearchFiles        = "search_files"
	GlobFiles          = "glob_files"
	ListFiles          = "list_files"
	RetrieveOutput     = "retrieve_output"
	EditFile           = "edit_file"
	EditLines          = "edit_lines"
	CreateFile         = "create_file"
	DeleteFile         = "delete_file"
	DelegateSpecialist = "delegate_specialist"
	RunReview          = "run_review"
	AskClarification   = "ask_clarification"
)

// Lookup, Mutation and Orchestration list the tool names by category.
var (
	Lookup        = []string{ReadFile, SearchFiles, GlobFiles, ListFiles, RetrieveOutput}
	Mutation      = []string{EditFile, EditLines, CreateFile, DeleteFile}
	Orchestration = []string{DelegateSpecialist, RunReview, AskClarification}
)

// Declared is the complete tool set the registry must cover.
func Declared() []string {
	out := make([]string, 0, len(Lookup)+len(Mutation)+len(Orchestration))
	out = append(out, Lookup...)
	out = append(out, Mutation...)
	return append(out, Orchestration...)
}

// Register adds every tool to reg.
func Register(reg *dispatch.Registry) error {
	for _, t := range []dispatch.Tool{
		readFileTool(),
		searchFilesTool(),
		globFilesTool(),
		listFilesTool(),
		retrieveOutputTool(),
		editFileTool(),
		editLinesTool(),
		createFileTool(),
		deleteFileTool(),
		delegateTool(),
		reviewTool(),
		clarifyTool(),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the full, validated tool set.
func NewRegistry() (*dispatch.Registry, error) {
	reg := dispatch.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Validate(Declared()); err != nil {
		return nil, err
	}
	return reg, nil
}

// targets builds a Targets func that reads one string field.
func targets[T any](field func(T) string) func(json.RawMessage) []string {
	return func(args json.RawMessage) []string {
		in, err := dispatch.Decode[T](args)
		if err != nil {
			return nil
		}
		if ref := field(in); ref != "" {
			return []string{ref}
		}
		return nil
	}
}
