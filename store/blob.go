package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/martinemde/patchpilot/workspace"
)

// objects is a flat key/value object space. get returns ErrNotFound for
// missing keys.
type objects interface {
	put(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	remove(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
}

// objectStore lays the Store records out as JSON objects:
//
//	executions/<id>/execution.json
//	executions/<id>/messages/<seq>.json
//	executions/<id>/reviews/<unix-nanos>.json
//	executions/<id>/changes.json
//	executions/<id>/checkpoint.json
//	executions/<id>/files/<file-id>
type objectStore struct {
	objs objects
	now  func() time.Time
	// mu serializes read-modify-write of execution headers and message
	// appends.
	mu sync.Mutex
}

func executionKey(id string, parts ...string) string {
	return path.Join(append([]string{"executions", id}, parts...)...)
}

func (s *objectStore) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.objs.put(ctx, key, data)
}

func (s *objectStore) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.objs.get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *objectStore) CreateExecution(ctx context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := executionKey(rec.ID, "execution.json")
	if _, err := s.objs.get(ctx, key); err == nil {
		return fmt.Errorf("execution %s already exists", rec.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.putJSON(ctx, key, rec)
}

func (s *objectStore) GetExecution(ctx context.Context, id string) (ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := s.getJSON(ctx, executionKey(id, "execution.json"), &rec); err != nil {
		return ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, err)
	}
	return rec, nil
}

func (s *objectStore) UpdateStatus(ctx context.Context, id, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.Detail = detail
	rec.UpdatedAt = s.now()
	return s.putJSON(ctx, executionKey(id, "execution.json"), rec)
}

func (s *objectStore) AppendMessage(ctx context.Context, msg MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := executionKey(msg.ExecutionID, "messages", fmt.Sprintf("%08d.json", msg.Seq))
	if _, err := s.objs.get(ctx, key); err == nil {
		return fmt.Errorf("%w: %d of %s", ErrDuplicateMessage, msg.Seq, msg.ExecutionID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	return s.putJSON(ctx, key, msg)
}

func (s *objectStore) Messages(ctx context.Context, executionID string) ([]MessageRecord, error) {
	keys, err := s.objs.list(ctx, executionKey(executionID, "messages")+"/")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]MessageRecord, 0, len(keys))
	for _, k := range keys {
		var m MessageRecord
		if err := s.getJSON(ctx, k, &m); err != nil {
			return nil, fmt.Errorf("message %s: %w", k, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *objectStore) StoreReviewResult(ctx context.Context, review ReviewRecord) error {
	if review.CreatedAt.IsZero() {
		review.CreatedAt = s.now()
	}
	key := executionKey(review.ExecutionID, "reviews", fmt.Sprintf("%d.json", review.CreatedAt.UnixNano()))
	return s.putJSON(ctx, key, review)
}

func (s *objectStore) StoreChanges(ctx context.Context, executionID string, changes []workspace.CodeChange) error {
	return s.putJSON(ctx, executionKey(executionID, "changes.json"), changes)
}

func (s *objectStore) Changes(ctx context.Context, executionID string) ([]workspace.CodeChange, error) {
	var changes []workspace.CodeChange
	err := s.getJSON(ctx, executionKey(executionID, "changes.json"), &changes)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return changes, err
}

func (s *objectStore) SaveCheckpoint(ctx context.Context, executionID string, data []byte) error {
	return s.objs.put(ctx, executionKey(executionID, "checkpoint.json"), data)
}

func (s *objectStore) GetCheckpoint(ctx context.Context, executionID string) ([]byte, error) {
	data, err := s.objs.get(ctx, executionKey(executionID, "checkpoint.json"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", executionID, err)
	}
	return data, nil
}

func (s *objectStore) ClearCheckpoint(ctx context.Context, executionID string) error {
	return s.objs.remove(ctx, executionKey(executionID, "checkpoint.json"))
}

func (s *objectStore) PutFile(ctx context.Context, executionID, fileID, content string) error {
	return s.objs.put(ctx, executionKey(executionID, "files", fileID), []byte(content))
}

func (s *objectStore) GetFile(ctx context.Context, executionID, fileID string) (string, error) {
	data, err := s.objs.get(ctx, executionKey(executionID, "files", fileID))
	if err != nil {
		return "", fmt.Errorf("file %s of execution %s: %w", fileID, executionID, err)
	}
	return string(data), nil
}

func (s *objectStore) Close() error { return nil }
