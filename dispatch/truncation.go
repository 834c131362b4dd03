package dispatch

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Default character limits per tool.
var DefaultToolCharLimits = map[string]int{
	"read_file":           50000,
	"search_files":        20000,
	"glob_files":          20000,
	"list_files":          20000,
	"retrieve_output":     50000,
	"edit_file":           10000,
	"edit_lines":          10000,
	"create_file":         4000,
	"delete_file":         4000,
	"delegate_specialist": 20000,
	"run_review":          10000,
	"ask_clarification":   4000,
}

// Default truncation modes per tool.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":           TruncateHeadTail,
	"search_files":        TruncateTail,
	"glob_files":          TruncateTail,
	"list_files":          TruncateTail,
	"retrieve_output":     TruncateHeadTail,
	"edit_file":           TruncateTail,
	"edit_lines":          TruncateTail,
	"create_file":         TruncateTail,
	"delete_file":         TruncateTail,
	"delegate_specialist": TruncateHeadTail,
}

// Default line limits per tool (applied after character truncation).
var DefaultToolLineLimits = map[string]int{
	"search_files": 200,
	"glob_files":   500,
	"list_files":   500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}

	switch mode {
	case TruncateTail:
		tail := RuneSuffix(output, maxChars)
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", len(output)-len(tail)) +
			tail
	default:
		head, tail := RunePrefix(output, maxChars/2), RuneSuffix(output, maxChars/2)
		return head +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"If you need specific parts, re-run the tool with more targeted parameters.]\n\n", len(output)-len(head)-len(tail)) +
			tail
	}
}

// RunePrefix returns the longest prefix of s of at most n bytes that does
// not split a UTF-8 sequence.
func RunePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:max(n, 0)]
}

// RuneSuffix is RunePrefix from the end of s.
func RuneSuffix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	i := len(s) - max(n, 0)
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character then line truncation for a tool and
// reports whether anything was cut.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) (string, bool) {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = 30000
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines := lineLimits[toolName]
	if maxLines == 0 {
		maxLines = DefaultToolLineLimits[toolName]
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}
	return result, result != output
}

// OutputStore keeps full tool outputs that were truncated for the model,
// addressable by a synthetic id.
type OutputStore struct {
	cache otter.Cache[string, string]
}

// NewOutputStore creates a store holding up to capacity outputs for ttl.
// Capacities below minCacheCapacity are raised to it.
func NewOutputStore(capacity int, ttl time.Duration) (*OutputStore, error) {
	cache, err := otter.MustBuilder[string, string](max(capacity, minCacheCapacity)).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build output store: %w", err)
	}
	return &OutputStore{cache: cache}, nil
}

// Put stores content and returns its id. ok is false when the cache
// rejected the entry.
func (s *OutputStore) Put(content string) (id string, ok bool) {
	id = "out_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return id, s.cache.Set(id, content)
}

// Get returns a stored output.
func (s *OutputStore) Get(id string) (string, bool) {
	return s.cache.Get(strings.TrimSpace(id))
}

// Close releases the cache's background resources.
func (s *OutputStore) Close() {
	s.cache.Close()
}

func storedPointer(id string) string {
	return fmt.Sprintf("\n[Full output stored as %s. Call retrieve_output with this id and an offset to read the rest.]", id)
}
