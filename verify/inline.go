package verify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/martinemde/patchpilot/workspace"
)

// Inline runs the per-file checks between iterations so errors reach the
// model before the end-of-run gate. It checks at most once per Every
// mutations and injects at most Max messages per run.
type Inline struct {
	Gate  *Gate
	Every int
	Max   int

	mu       sync.Mutex
	pending  int
	injected int
}

// NewInline returns an inline checker with the standard throttle.
func NewInline(g *Gate) *Inline {
	return &Inline{Gate: g, Every: 2, Max: 3}
}

// Observe records mutations accepted since the last check.
func (in *Inline) Observe(mutations int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pending += mutations
}

// Check returns a message listing new errors in the changed files, or ""
// when no check is due or nothing new was found.
func (in *Inline) Check(changes []workspace.CodeChange) string {
	in.mu.Lock()
	every := in.Every
	if every <= 0 {
		every = 1
	}
	if in.pending < every || in.injected >= in.Max {
		in.mu.Unlock()
		return ""
	}
	in.pending = 0
	in.mu.Unlock()

	res := in.Gate.CheckFiles(changes)
	var errs []Issue
	for _, i := range res.Regressions {
		if i.Severity == SeverityError {
			errs = append(errs, i)
		}
	}
	if len(errs) == 0 {
		return ""
	}

	in.mu.Lock()
	in.injected++
	in.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Your recent edits introduced errors. Fix them before continuing:\n")
	for _, i := range errs {
		fmt.Fprintf(&sb, "- %s\n", i)
	}
	return sb.String()
}

// Injected returns how many messages have been injected this run.
func (in *Inline) Injected() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.injected
}
