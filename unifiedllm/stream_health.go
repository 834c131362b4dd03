package unifiedllm

import (
	"sync"
	"time"
)

// StreamHealth tracks consecutive first-byte timeouts across invocations.
// After Threshold consecutive timeouts streaming is considered unhealthy for
// Cooldown, during which invokers complete without streaming. It is owned by
// the process root and shared by reference.
type StreamHealth struct {
	Threshold int
	Cooldown  time.Duration

	mu            sync.Mutex
	consecutive   int
	disabledUntil time.Time
	now           func() time.Time
}

// NewStreamHealth returns a StreamHealth with the given threshold and cooldown.
func NewStreamHealth(threshold int, cooldown time.Duration) *StreamHealth {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &StreamHealth{Threshold: threshold, Cooldown: cooldown, now: time.Now}
}

func (h *StreamHealth) clock() time.Time {
	if h.now == nil {
		return time.Now()
	}
	return h.now()
}

// Healthy reports whether streaming should be attempted.
func (h *StreamHealth) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disabledUntil.IsZero() {
		return true
	}
	if h.clock().After(h.disabledUntil) {
		h.disabledUntil = time.Time{}
		h.consecutive = 0
		return true
	}
	return false
}

// RecordTimeout notes a first-byte timeout.
func (h *StreamHealth) RecordTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive++
	if h.consecutive >= h.Threshold {
		h.disabledUntil = h.clock().Add(h.Cooldown)
	}
}

// RecordSuccess resets the consecutive timeout count.
func (h *StreamHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
}

// Reset clears all state.
func (h *StreamHealth) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
	h.disabledUntil = time.Time{}
}
