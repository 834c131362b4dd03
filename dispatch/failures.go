package dispatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/martinemde/patchpilot/workspace"
)

// MutationFailure is the last failed edit attempt on one file.
type MutationFailure struct {
	Tool   string
	File   string
	Reason string
	// Attempts counts consecutive failures since the last success or excerpt.
	Attempts int
	// Total counts every failure on the file in this run.
	Total int
}

// FailureTracker counts failed mutations per file.
type FailureTracker struct {
	mu           sync.Mutex
	byFile       map[string]*MutationFailure
	last         *MutationFailure
	excerptAfter int
	switchAfter  int
}

func NewFailureTracker(excerptAfter, switchAfter int) *FailureTracker {
	return &FailureTracker{
		byFile:       make(map[string]*MutationFailure),
		excerptAfter: excerptAfter,
		switchAfter:  switchAfter,
	}
}

// Record notes a failure and reports whether it calls for a corrective
// excerpt and whether the file has failed often enough to switch strategy.
func (t *FailureTracker) Record(tool, file, reason string) (f MutationFailure, excerpt, switchStrategy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byFile[file]
	if !ok {
		cur = &MutationFailure{File: file}
		t.byFile[file] = cur
	}
	cur.Tool = tool
	cur.Reason = reason
	cur.Attempts++
	cur.Total++
	t.last = cur

	f = *cur
	if t.excerptAfter > 0 && cur.Attempts >= t.excerptAfter {
		excerpt = true
		cur.Attempts = 0
	}
	switchStrategy = t.switchAfter > 0 && cur.Total == t.switchAfter
	return f, excerpt, switchStrategy
}

// Succeeded clears the consecutive count for file.
func (t *FailureTracker) Succeeded(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byFile[file]; ok {
		cur.Attempts = 0
	}
	if t.last != nil && t.last.File == file {
		t.last = nil
	}
}

// Last returns the most recent unresolved failure.
func (t *FailureTracker) Last() (MutationFailure, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return MutationFailure{}, false
	}
	return *t.last, true
}

// Excerpt returns up to window numbered lines of content around the line
// that best matches anchor.
func Excerpt(content, anchor string, window int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if window <= 0 {
		window = 40
	}
	best := bestAnchorLine(lines, anchor)
	start := best - window/3
	if start < 0 {
		start = 0
	}
	if start+window > len(lines) {
		start = len(lines) - window
		if start < 0 {
			start = 0
		}
	}
	return workspace.FormatLines(content, start+1, window)
}

func bestAnchorLine(lines []string, anchor string) int {
	var needles []string
	for _, l := range strings.Split(anchor, "\n") {
		if s := strings.TrimSpace(l); s != "" {
			needles = append(needles, s)
		}
	}
	if len(needles) == 0 {
		return 0
	}
	best, bestScore := 0, -1.0
	for i := range lines {
		score := 0.0
		for j, n := range needles {
			if i+j >= len(lines) {
				break
			}
			score += dice(strings.TrimSpace(lines[i+j]), n)
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// dice is the Sørensen-Dice coefficient over character bigrams.
func dice(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	grams := make(map[string]int, len(a))
	for i := 0; i+1 < len(a); i++ {
		grams[a[i:i+2]]++
	}
	shared := 0
	for i := 0; i+1 < len(b); i++ {
		g := b[i : i+2]
		if grams[g] > 0 {
			grams[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)-1+len(b)-1)
}

func correctiveMessage(f MutationFailure, excerpt string) string {
	return fmt.Sprintf("%s has failed %d times on %s (last error: %s). "+
		"Copy the text to replace exactly from this verified excerpt, or use edit_lines with these line numbers:\n\n%s",
		f.Tool, f.Total, f.File, f.Reason, excerpt)
}

func strategySwitchMessage(f MutationFailure) string {
	return fmt.Sprintf("Edits to %s keep failing. edit_file is disabled for the rest of this run; "+
		"read the file and use edit_lines with explicit line numbers.", f.File)
}
