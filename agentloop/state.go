package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/verify"
)

// Phase is the coarse position of an execution.
type Phase string

const (
	PhaseResolveIntent Phase = "resolve_intent"
	PhaseBuildPatch    Phase = "build_patch"
	PhaseApplyPatch    Phase = "apply_patch"
	PhaseVerify        Phase = "verify"
	PhaseComplete      Phase = "complete"
)

// Status is how an execution ended.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusClarification Status = "awaiting_clarification"
	StatusCheckpointed  Status = "checkpointed"
	StatusFailed        Status = "failed"
)

// StopReason says why the driver left its loop.
type StopReason string

const (
	StopNone          StopReason = ""
	StopFinished      StopReason = "finished"
	StopClarification StopReason = "clarification"
	StopCheckpoint    StopReason = "checkpoint"
	StopBudget        StopReason = "budget"
	StopFault         StopReason = "fault"
)

// ProviderFault is a failure of the model backend.
type ProviderFault struct {
	Retryable bool
	Err       error
}

func (e *ProviderFault) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s provider fault: %v", kind, e.Err)
}

func (e *ProviderFault) Unwrap() error { return e.Err }

func classifyFault(err error) *ProviderFault {
	return &ProviderFault{Retryable: unifiedllm.IsRetryable(err), Err: err}
}

// BudgetExceeded reports that the run stopped on an iteration, time or
// lookup budget.
type BudgetExceeded struct {
	Kind  string
	Limit int
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("%s budget exceeded (limit %d)", e.Kind, e.Limit)
}

// LoopState is the mutable state of one driver run. Only the driver's step
// functions change it.
type LoopState struct {
	Phase         Phase
	Iteration     int
	MaxIterations int
	Profile       StrategyProfile
	Tier          Tier
	Nudges        int
	// Mutations counts accepted mutations, including ones restored from a
	// checkpoint.
	Mutations int
	// Switched is set once repeated edit failures withdrew edit_file.
	Switched  bool
	Narrative []string
	Usage     unifiedllm.Usage
	Review    *dispatch.ReviewOutcome
	// Clarification is the question put to the user.
	Clarification string
	Issues        []verify.Issue
	Blocked       bool
	Tools         map[string]int
	Failures      []string

	Stop StopReason
	Err  error
}

func newLoopState(p StrategyProfile, tier Tier) *LoopState {
	return &LoopState{
		Phase:         PhaseResolveIntent,
		Profile:       p,
		Tier:          tier,
		MaxIterations: p.Ceiling(tier),
		Tools:         make(map[string]int),
	}
}

// NarrativeText joins the assistant text produced so far.
func (s *LoopState) NarrativeText() string {
	return strings.TrimSpace(strings.Join(s.Narrative, "\n\n"))
}

func (s *LoopState) stop(reason StopReason, err error) {
	s.Stop = reason
	s.Err = err
}

// negligible reports whether text has fewer than limit non-space characters.
func negligible(text string, limit int) bool {
	n := 0
	for _, r := range text {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			n++
			if n >= limit {
				return false
			}
		}
	}
	return true
}
