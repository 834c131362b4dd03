package dispatch

import (
	"errors"
	"fmt"

	"github.com/martinemde/patchpilot/workspace"
)

// Category classifies a tool for budgeting and scheduling.
type Category string

const (
	CategoryLookup        Category = "lookup"
	CategoryMutation      Category = "mutation"
	CategoryOrchestration Category = "orchestration"
)

// ErrUnknownTool is returned for calls naming a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ToolExecutionFault wraps the failure of a single call. The dispatcher
// never returns it; it becomes an error-flagged result for the model.
type ToolExecutionFault struct {
	Tool   string
	CallID string
	File   string
	Err    error
}

func (e *ToolExecutionFault) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s on %s: %v", e.Tool, e.File, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionFault) Unwrap() error { return e.Err }

// BudgetExceeded reports that the hard lookup budget was reached before
// any mutation succeeded.
type BudgetExceeded struct {
	Lookups int
	Limit   int
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("lookup budget exceeded: %d lookups without a successful edit (limit %d)", e.Lookups, e.Limit)
}

// Outcome is the category-specific payload of a tool result.
type Outcome interface {
	// Text is what the model sees as the tool output.
	Text() string
	category() Category
}

// FileRead records which lines of a file a lookup returned.
type FileRead struct {
	Path      string
	StartLine int
	EndLine   int
}

// LookupOutcome is produced by read-only tools.
type LookupOutcome struct {
	Content string
	Reads   []FileRead
	Cached  bool
}

func (o LookupOutcome) Text() string       { return o.Content }
func (o LookupOutcome) category() Category { return CategoryLookup }

// MutationOutcome is produced by tools that edit, create or delete files.
type MutationOutcome struct {
	Summary   string
	Mutations []workspace.Mutation
}

func (o MutationOutcome) Text() string       { return o.Summary }
func (o MutationOutcome) category() Category { return CategoryMutation }

// Changed reports whether any mutation altered a file.
func (o MutationOutcome) Changed() bool {
	for _, m := range o.Mutations {
		if m.Changed {
			return true
		}
	}
	return false
}

// OrchestrationKind names what an orchestration tool did.
type OrchestrationKind string

const (
	KindDelegation    OrchestrationKind = "delegation"
	KindReview        OrchestrationKind = "review"
	KindClarification OrchestrationKind = "clarification"
)

// ReviewOutcome is the structured verdict of a review pass.
type ReviewOutcome struct {
	Approved bool     `json:"approved"`
	Summary  string   `json:"summary"`
	Concerns []string `json:"concerns"`
}

// OrchestrationOutcome is produced by delegation, review and clarification.
type OrchestrationOutcome struct {
	Kind     OrchestrationKind
	Summary  string
	Question string
	Review   *ReviewOutcome
	Handoffs []string
	// Mutations are specialist edits already merged into the tree.
	Mutations []workspace.Mutation
}

func (o OrchestrationOutcome) Text() string       { return o.Summary }
func (o OrchestrationOutcome) category() Category { return CategoryOrchestration }

// FailureOutcome is the error variant. Fault carries the classified cause.
type FailureOutcome struct {
	Message string
	Fault   error
}

func (o FailureOutcome) Text() string       { return "Error: " + o.Message }
func (o FailureOutcome) category() Category { return "" }

// ToolResult is one resolved call, in the order the call was issued.
type ToolResult struct {
	CallID   string
	Name     string
	Category Category
	Outcome  Outcome
	// Content is the possibly truncated text handed to the model.
	Content string
	IsError bool
}

// Failure returns the error variant if the call failed.
func (r ToolResult) Failure() (FailureOutcome, bool) {
	f, ok := r.Outcome.(FailureOutcome)
	return f, ok
}

func failed(callID, name string, cat Category, err error) ToolResult {
	f := FailureOutcome{Message: err.Error(), Fault: err}
	return ToolResult{CallID: callID, Name: name, Category: cat, Outcome: f, Content: f.Text(), IsError: true}
}
