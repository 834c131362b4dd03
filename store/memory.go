package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/patchpilot/workspace"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]ExecutionRecord
	messages    map[string][]MessageRecord
	reviews     map[string][]ReviewRecord
	changes     map[string][]workspace.CodeChange
	checkpoints map[string][]byte
	files       map[string]map[string]string
	now         func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]ExecutionRecord),
		messages:    make(map[string][]MessageRecord),
		reviews:     make(map[string][]ReviewRecord),
		changes:     make(map[string][]workspace.CodeChange),
		checkpoints: make(map[string][]byte),
		files:       make(map[string]map[string]string),
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[rec.ID]; ok {
		return fmt.Errorf("execution %s already exists", rec.ID)
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.executions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	rec.Status = status
	rec.Detail = detail
	rec.UpdatedAt = s.now()
	s.executions[id] = rec
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[msg.ExecutionID] {
		if m.Seq == msg.Seq {
			return fmt.Errorf("%w: %d of %s", ErrDuplicateMessage, msg.Seq, msg.ExecutionID)
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[msg.ExecutionID] = append(s.messages[msg.ExecutionID], msg)
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, executionID string) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MessageRecord(nil), s.messages[executionID]...), nil
}

func (s *MemoryStore) StoreReviewResult(_ context.Context, review ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if review.CreatedAt.IsZero() {
		review.CreatedAt = s.now()
	}
	s.reviews[review.ExecutionID] = append(s.reviews[review.ExecutionID], review)
	return nil
}

// Reviews returns the reviews stored for an execution.
func (s *MemoryStore) Reviews(executionID string) []ReviewRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReviewRecord(nil), s.reviews[executionID]...)
}

func (s *MemoryStore) StoreChanges(_ context.Context, executionID string, changes []workspace.CodeChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[executionID] = append([]workspace.CodeChange(nil), changes...)
	return nil
}

func (s *MemoryStore) Changes(_ context.Context, executionID string) ([]workspace.CodeChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]workspace.CodeChange(nil), s.changes[executionID]...), nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, executionID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[executionID] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, executionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.checkpoints[executionID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", executionID, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) ClearCheckpoint(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, executionID)
	return nil
}

func (s *MemoryStore) PutFile(_ context.Context, executionID, fileID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.files[executionID]
	if !ok {
		files = make(map[string]string)
		s.files[executionID] = files
	}
	files[fileID] = content
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, executionID, fileID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.files[executionID][fileID]
	if !ok {
		return "", fmt.Errorf("file %s of execution %s: %w", fileID, executionID, ErrNotFound)
	}
	return content, nil
}

func (s *MemoryStore) Close() error { return nil }
