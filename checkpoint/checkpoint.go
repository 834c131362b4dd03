// Package checkpoint saves in-progress executions and resumes them.
//
// A Deadline tracks the caller's wall-clock budget. When it runs short, or
// the model backend fails with a retryable fault, the driver saves a
// Checkpoint through a Manager and returns. A resume loads the checkpoint,
// rebuilds the execution's files from it with Rehydrate before any new tool
// call runs, and only then consumes it with Clear.
package checkpoint

import (
	"errors"
	"time"

	"github.com/martinemde/patchpilot/workspace"
)

// FormatVersion is the version of the serialized checkpoint layout.
const FormatVersion = 1

var (
	// ErrNoCheckpoint is returned by Load when nothing is stored.
	ErrNoCheckpoint = errors.New("no checkpoint")

	ErrInvalidID        = errors.New("checkpoint: id is required")
	ErrInvalidExecution = errors.New("checkpoint: execution id is required")
	ErrInvalidPhase     = errors.New("checkpoint: phase is required")
	ErrUnknownVersion   = errors.New("checkpoint: unknown format version")
	ErrDirtyWithoutFile = errors.New("checkpoint: dirty file has no change")
)

// Reasons a checkpoint is taken.
const (
	ReasonDeadline      = "deadline"
	ReasonProviderFault = "provider_fault"
)

// Checkpoint is the durable state of an interrupted execution.
type Checkpoint struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	Version     int    `json:"version"`
	Reason      string `json:"reason"`

	Phase           string `json:"phase"`
	Iteration       int    `json:"iteration"`
	Strategy        string `json:"strategy"`
	Tier            string `json:"tier"`
	EscalationDepth int    `json:"escalation_depth,omitempty"`
	Nudges          int    `json:"nudges,omitempty"`
	// Resumes counts how often the execution was resumed before this save.
	Resumes int `json:"resumes,omitempty"`

	DirtyFileIDs         []string               `json:"dirty_file_ids"`
	Changes              []workspace.CodeChange `json:"changes"`
	CompletedSpecialists []string               `json:"completed_specialists,omitempty"`
	// Narrative is the assistant text produced before the checkpoint.
	Narrative string `json:"narrative,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Validate checks the checkpoint can be resumed.
func (c *Checkpoint) Validate() error {
	if c.ID == "" {
		return ErrInvalidID
	}
	if c.ExecutionID == "" {
		return ErrInvalidExecution
	}
	if c.Phase == "" {
		return ErrInvalidPhase
	}
	if c.Version != FormatVersion {
		return ErrUnknownVersion
	}
	changed := make(map[string]bool, len(c.Changes))
	for _, ch := range c.Changes {
		changed[ch.FileID] = true
	}
	for _, id := range c.DirtyFileIDs {
		if !changed[id] {
			return ErrDirtyWithoutFile
		}
	}
	return nil
}

// Deadline tracks a wall-clock budget and the reserve kept back for
// saving a checkpoint. A zero budget never runs short.
type Deadline struct {
	start   time.Time
	budget  time.Duration
	reserve time.Duration
	now     func() time.Time
}

// NewDeadline starts a deadline now.
func NewDeadline(budget, reserve time.Duration) Deadline {
	return NewDeadlineAt(time.Now, budget, reserve)
}

// NewDeadlineAt starts a deadline using the given clock.
func NewDeadlineAt(now func() time.Time, budget, reserve time.Duration) Deadline {
	return Deadline{start: now(), budget: budget, reserve: reserve, now: now}
}

// Unbounded reports whether the deadline has no budget.
func (d Deadline) Unbounded() bool { return d.budget <= 0 }

// Remaining returns the time left in the budget.
func (d Deadline) Remaining() time.Duration {
	if d.Unbounded() {
		return time.Duration(1<<63 - 1)
	}
	return d.budget - d.now().Sub(d.start)
}

// Short reports whether only the reserve (or less) is left.
func (d Deadline) Short() bool {
	return !d.Unbounded() && d.Remaining() <= d.reserve
}

// Expired reports whether the budget is spent.
func (d Deadline) Expired() bool {
	return !d.Unbounded() && d.Remaining() <= 0
}

// At returns the absolute deadline and whether there is one.
func (d Deadline) At() (time.Time, bool) {
	if d.Unbounded() {
		return time.Time{}, false
	}
	return d.start.Add(d.budget), true
}
