package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"

	"github.com/martinemde/patchpilot/metrics"
	"github.com/martinemde/patchpilot/store"
	"github.com/martinemde/patchpilot/workspace"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics counts saved checkpoints.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRetry sets how often and how long store writes are retried.
func WithRetry(maxTries uint, maxElapsed time.Duration) Option {
	return func(m *Manager) {
		m.maxTries = maxTries
		m.maxElapsed = maxElapsed
	}
}

// Manager saves, loads and clears checkpoints through a store.
type Manager struct {
	store      store.Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxTries   uint
	maxElapsed time.Duration
	now        func() time.Time
}

// NewManager returns a manager backed by s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		logger:     slog.Default(),
		maxTries:   4,
		maxElapsed: 10 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil {
			m.logger.Warn("checkpoint write failed", "what", what, "error", err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.maxTries),
		backoff.WithMaxElapsedTime(m.maxElapsed),
	)
	return err
}

// Save stores the dirty file contents and then the checkpoint itself, so a
// stored checkpoint never points at files that were not written. files maps
// file id to current content. Save fills in ID, Version and SavedAt.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint, files map[string]string) error {
	cp.ID = ulid.Make().String()
	cp.Version = FormatVersion
	cp.SavedAt = m.now().UTC()
	if err := cp.Validate(); err != nil {
		return err
	}
	for _, id := range cp.DirtyFileIDs {
		content, ok := files[id]
		if !ok {
			continue
		}
		err := m.retry(ctx, "file "+id, func() error {
			return m.store.PutFile(ctx, cp.ExecutionID, id, content)
		})
		if err != nil {
			return fmt.Errorf("save dirty file %s: %w", id, err)
		}
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := m.retry(ctx, "checkpoint", func() error {
		return m.store.SaveCheckpoint(ctx, cp.ExecutionID, data)
	}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	m.metrics.Checkpoint(cp.Reason)
	m.logger.Info("checkpoint saved",
		"execution_id", cp.ExecutionID,
		"checkpoint_id", cp.ID,
		"reason", cp.Reason,
		"phase", cp.Phase,
		"changes", len(cp.Changes),
		"dirty_files", len(cp.DirtyFileIDs))
	return nil
}

// Load returns the stored checkpoint without consuming it.
func (m *Manager) Load(ctx context.Context, executionID string) (*Checkpoint, error) {
	data, err := m.store.GetCheckpoint(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w for execution %s", ErrNoCheckpoint, executionID)
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Clear consumes cp. Callers clear only after the checkpoint has been
// rehydrated, so a failed resume can be retried.
func (m *Manager) Clear(ctx context.Context, cp *Checkpoint) error {
	if err := m.store.ClearCheckpoint(ctx, cp.ExecutionID); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	m.logger.Info("checkpoint resumed",
		"execution_id", cp.ExecutionID,
		"checkpoint_id", cp.ID,
		"phase", cp.Phase,
		"resumes", cp.Resumes+1)
	return nil
}

// Rehydrate restores the saved change list onto arena and then sets each
// dirty file to its durable content. A dirty file missing from the store
// falls back to the proposed content recorded in its change.
func (m *Manager) Rehydrate(ctx context.Context, cp *Checkpoint, arena *workspace.Arena) error {
	if err := arena.Restore(cp.Changes); err != nil {
		return err
	}
	proposed := make(map[string]workspace.CodeChange, len(cp.Changes))
	for _, ch := range cp.Changes {
		proposed[ch.FileID] = ch
	}
	for _, id := range cp.DirtyFileIDs {
		ch := proposed[id]
		if ch.Deleted {
			continue
		}
		content, err := m.store.GetFile(ctx, cp.ExecutionID, id)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("dirty file missing from store, using recorded change", "execution_id", cp.ExecutionID, "file_id", id)
			content = ch.ProposedContent
		} else if err != nil {
			return fmt.Errorf("load dirty file %s: %w", id, err)
		}
		if err := arena.Rehydrate(id, content); err != nil {
			return err
		}
	}
	return nil
}
