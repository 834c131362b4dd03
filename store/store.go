// Package store persists executions, their messages and changes, review
// results, checkpoints and the durable copies of dirty files.
//
// Store is the persistence contract the agent loop depends on. MemoryStore
// serves tests and single-process runs; SQLStore, FileStore and S3Store are
// durable backends for resumable executions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/martinemde/patchpilot/workspace"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateMessage is returned when a message sequence number is
	// already stored. The message log is append-only.
	ErrDuplicateMessage = errors.New("store: message sequence already stored")
)

// Execution statuses.
const (
	StatusRunning       = "running"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCheckpointed  = "checkpointed"
	StatusClarification = "awaiting_clarification"
)

// ExecutionRecord is the persisted header of one execution.
type ExecutionRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Request   string    `json:"request"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord is one persisted conversation turn.
type MessageRecord struct {
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReviewRecord is the stored outcome of a review.
type ReviewRecord struct {
	ExecutionID string    `json:"execution_id"`
	Approved    bool      `json:"approved"`
	Summary     string    `json:"summary"`
	Concerns    []string  `json:"concerns,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence contract of an execution.
type Store interface {
	CreateExecution(ctx context.Context, rec ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (ExecutionRecord, error)
	UpdateStatus(ctx context.Context, id, status, detail string) error
	AppendMessage(ctx context.Context, msg MessageRecord) error
	Messages(ctx context.Context, executionID string) ([]MessageRecord, error)
	StoreReviewResult(ctx context.Context, review ReviewRecord) error
	StoreChanges(ctx context.Context, executionID string, changes []workspace.CodeChange) error
	Changes(ctx context.Context, executionID string) ([]workspace.CodeChange, error)

	// SaveCheckpoint replaces any checkpoint stored for the execution.
	SaveCheckpoint(ctx context.Context, executionID string, data []byte) error
	// GetCheckpoint returns ErrNotFound when no checkpoint is stored.
	GetCheckpoint(ctx context.Context, executionID string) ([]byte, error)
	ClearCheckpoint(ctx context.Context, executionID string) error

	// PutFile and GetFile hold durable copies of dirty file contents.
	PutFile(ctx context.Context, executionID, fileID, content string) error
	GetFile(ctx context.Context, executionID, fileID string) (string, error)

	Close() error
}
