package specialist

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/patchpilot/metrics"
)

// Reaction is what the caller should do after a transition.
type Reaction string

const (
	ReactionNone Reaction = ""
	// ReactionRetry asks for one more attempt with reframed instructions.
	ReactionRetry Reaction = "retry"
	// ReactionEscalate asks the user for direction. The record has already
	// been moved to Escalated.
	ReactionEscalate Reaction = "escalate"
)

// Record is the state of one delegated specialist.
type Record struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Instructions string    `json:"instructions"`
	Files        []string  `json:"files,omitempty"`
	State        State     `json:"state"`
	Retries      int       `json:"retries"`
	Failures     int       `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Handoff summarizes what a specialist did for the work that follows it.
// The orchestrator turns each one into text for the next model turn.
type Handoff struct {
	SpecialistID string   `json:"specialist_id"`
	Role         string   `json:"role"`
	FilesTouched []string `json:"files_touched,omitempty"`
	Concerns     []string `json:"concerns,omitempty"`
	Findings     string   `json:"findings,omitempty"`
}

// Format renders the handoff as a short block of text.
func (h Handoff) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s specialist %s]\n", h.Role, h.SpecialistID)
	if len(h.FilesTouched) > 0 {
		fmt.Fprintf(&sb, "Files touched: %s\n", strings.Join(h.FilesTouched, ", "))
	}
	if h.Findings != "" {
		fmt.Fprintf(&sb, "Findings: %s\n", h.Findings)
	}
	for _, c := range h.Concerns {
		fmt.Fprintf(&sb, "Concern: %s\n", c)
	}
	return sb.String()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics records escalations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker owns the lifecycle records of one execution. It is safe for
// concurrent use by parallel specialists.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		records: make(map[string]*Record),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dispatch creates a record in the Dispatched state.
func (t *Tracker) Dispatch(role, instructions string, files []string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &Record{
		ID:           "sp_" + uuid.NewString()[:8],
		Role:         role,
		Instructions: instructions,
		Files:        files,
		State:        Dispatched,
		UpdatedAt:    t.now(),
	}
	t.records[r.ID] = r
	t.order = append(t.order, r.ID)
	return *r
}

// Get returns a copy of the record with the given id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Transition moves a record to state to. Illegal transitions and unknown
// ids leave everything unchanged and report false.
func (t *Tracker) Transition(id string, to State) (Record, Reaction, bool) {
	return t.transition(id, to, "")
}

// Fail moves a record to Failed and keeps the reason.
func (t *Tracker) Fail(id string, err error) (Record, Reaction, bool) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return t.transition(id, Failed, reason)
}

func (t *Tracker) transition(id string, to State, reason string) (Record, Reaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, ReactionNone, false
	}
	if !CanTransition(r.State, to) {
		t.logger.Debug("ignoring illegal specialist transition", "specialist", id, "from", r.State, "to", to)
		return *r, ReactionNone, false
	}
	from := r.State
	r.State = to
	r.UpdatedAt = t.now()
	if reason != "" {
		r.LastError = reason
	}
	reaction := t.react(r)
	t.logger.Debug("specialist transition", "specialist", id, "role", r.Role, "from", from, "to", r.State, "reaction", reaction)
	return *r, reaction, true
}

// react applies the reaction rules for the state a record just entered.
// Caller holds t.mu.
func (t *Tracker) react(r *Record) Reaction {
	switch r.State {
	case CompletedNoChanges:
		if r.Retries == 0 {
			r.Retries++
			return ReactionRetry
		}
	case Failed:
		r.Failures++
		if r.Failures >= 2 {
			r.State = Escalated
			t.metrics.Escalation("specialist")
			return ReactionEscalate
		}
		r.Retries++
		return ReactionRetry
	}
	return ReactionNone
}

// Reframe rewrites instructions for a retry after an attempt that produced
// nothing or failed.
func Reframe(r Record) string {
	var sb strings.Builder
	sb.WriteString(r.Instructions)
	sb.WriteString("\n\nYour previous attempt ")
	if r.LastError != "" && r.State == Failed {
		fmt.Fprintf(&sb, "failed: %s.", r.LastError)
	} else {
		sb.WriteString("finished without changing any file.")
	}
	sb.WriteString(" Read the exact current content of the target files first, then make the smallest concrete edit that accomplishes the task.")
	return sb.String()
}

// Records returns all records in dispatch order.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.records[id])
	}
	return out
}

// Completed returns the sorted ids of specialists whose work is done.
func (t *Tracker) Completed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, r := range t.records {
		if r.State.Done() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Restore re-creates records for specialists completed before a
// checkpoint so they are not dispatched again.
func (t *Tracker) Restore(completed []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range completed {
		if _, ok := t.records[id]; ok {
			continue
		}
		t.records[id] = &Record{ID: id, State: Merged, UpdatedAt: t.now()}
		t.order = append(t.order, id)
	}
}
