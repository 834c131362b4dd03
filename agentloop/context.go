package agentloop

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
)

// Estimator counts the tokens of a piece of text.
type Estimator interface {
	Count(text string) int
}

// CharEstimator assumes four characters per token.
type CharEstimator struct{}

func (CharEstimator) Count(text string) int { return (len(text) + 3) / 4 }

// TiktokenEstimator counts tokens with a BPE encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding, cl100k_base when empty.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// ContextConfig sizes the conversation against the model's window.
type ContextConfig struct {
	ContextWindow int
	// MessageBudget is the fraction of the window the log may fill before
	// old turns are compressed.
	MessageBudget float64
	// TrimTrigger is the fraction of the window at which providers start
	// trimming history on their own.
	TrimTrigger float64
	// AnchorFraction of the trim trigger is where memory anchors start.
	AnchorFraction float64
	// KeepChars is how much of the head and tail of a compressed body is
	// kept.
	KeepChars int
}

// DefaultContextConfig returns the standard fractions for a window.
func DefaultContextConfig(window int) ContextConfig {
	return ContextConfig{
		ContextWindow:  window,
		MessageBudget:  0.6,
		TrimTrigger:    0.8,
		AnchorFraction: 0.75,
		KeepChars:      400,
	}
}

type lineRange struct{ start, end int }

// ContextManager owns the ordered conversation log of one driver. It
// compresses old turns to stay under the message budget and injects memory
// anchors recapping what was read and edited.
type ContextManager struct {
	cfg ContextConfig
	est Estimator

	mu         sync.Mutex
	turns      []Turn
	reads      map[string][]lineRange
	edits      map[string]int
	lastInput  int
	lastAnchor string
}

// NewContextManager returns an empty log.
func NewContextManager(cfg ContextConfig, est Estimator) *ContextManager {
	def := DefaultContextConfig(cfg.ContextWindow)
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}
	if cfg.MessageBudget <= 0 {
		cfg.MessageBudget = def.MessageBudget
	}
	if cfg.TrimTrigger <= 0 {
		cfg.TrimTrigger = def.TrimTrigger
	}
	if cfg.AnchorFraction <= 0 {
		cfg.AnchorFraction = def.AnchorFraction
	}
	if cfg.KeepChars <= 0 {
		cfg.KeepChars = def.KeepChars
	}
	if est == nil {
		est = CharEstimator{}
	}
	return &ContextManager{
		cfg:   cfg,
		est:   est,
		reads: make(map[string][]lineRange),
		edits: make(map[string]int),
	}
}

// Append adds turns to the end of the log.
func (m *ContextManager) Append(turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Turns returns a copy of the log.
func (m *ContextManager) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns...)
}

// Messages converts the log for a request.
func (m *ContextManager) Messages() []unifiedllm.Message {
	return ConvertHistoryToMessages(m.Turns())
}

// Estimate returns the estimated token count of the log.
func (m *ContextManager) Estimate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimate()
}

func (m *ContextManager) estimate() int {
	total := 0
	for _, t := range m.turns {
		total += m.est.Count(t.TextContent())
		for _, tc := range t.ToolCalls {
			total += m.est.Count(tc.Name) + m.est.Count(string(tc.Arguments))
		}
	}
	return total
}

// Budget is the token count above which Enforce compresses.
func (m *ContextManager) Budget() int {
	return int(float64(m.cfg.ContextWindow) * m.cfg.MessageBudget)
}

func (m *ContextManager) anchorThreshold() int {
	return int(float64(m.cfg.ContextWindow) * m.cfg.TrimTrigger * m.cfg.AnchorFraction)
}

// Enforce compresses the oldest half of the compressible turns while the
// log is over budget. System turns, pinned turns and the most recent tool
// result turn are never touched. It returns the number of turns compressed.
func (m *ContextManager) Enforce() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	latestResults := -1
	for i := len(m.turns) - 1; i >= 0; i-- {
		if m.turns[i].Kind == TurnToolResults {
			latestResults = i
			break
		}
	}

	compressed := 0
	for m.estimate() > m.Budget() {
		var eligible []int
		for i, t := range m.turns {
			if t.Kind == TurnSystem || t.Pinned || t.Compressed || i == latestResults {
				continue
			}
			eligible = append(eligible, i)
		}
		if len(eligible) == 0 {
			break
		}
		half := (len(eligible) + 1) / 2
		for _, i := range eligible[:half] {
			m.turns[i] = m.compress(m.turns[i])
			compressed++
		}
	}
	return compressed
}

func (m *ContextManager) compress(t Turn) Turn {
	t.Compressed = true
	t.Content = squeeze(t.Content, m.cfg.KeepChars)
	if len(t.Results) > 0 {
		results := make([]ToolOutput, len(t.Results))
		for i, r := range t.Results {
			r.Content = squeeze(r.Content, m.cfg.KeepChars)
			results[i] = r
		}
		t.Results = results
	}
	return t
}

// squeeze keeps the head and tail of a long body.
func squeeze(s string, keep int) string {
	if len(s) <= 2*keep+64 {
		return s
	}
	head, tail := dispatch.RunePrefix(s, keep), dispatch.RuneSuffix(s, keep)
	omitted := len(s) - len(head) - len(tail)
	return head + fmt.Sprintf("\n[... %d characters omitted ...]\n", omitted) + tail
}

// RecordReads notes line ranges returned by lookups.
func (m *ContextManager) RecordReads(reads []dispatch.FileRead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reads {
		if r.Path == "" {
			continue
		}
		m.reads[r.Path] = mergeRange(m.reads[r.Path], lineRange{r.StartLine, r.EndLine})
	}
}

// RecordEdit notes an accepted mutation.
func (m *ContextManager) RecordEdit(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits[path]++
}

func mergeRange(ranges []lineRange, r lineRange) []lineRange {
	ranges = append(ranges, r)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	out := ranges[:1]
	for _, cur := range ranges[1:] {
		last := &out[len(out)-1]
		if cur.start <= last.end+1 {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}

// Observe records the provider's input token count for the last request.
func (m *ContextManager) Observe(usage unifiedllm.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if usage.InputTokens > 0 {
		m.lastInput = usage.InputTokens
	}
}

// MaybeAnchor appends a memory anchor when usage has crossed the anchor
// threshold and the recap changed since the last anchor. Earlier anchors
// are unpinned so only the newest one is protected from compression.
func (m *ContextManager) MaybeAnchor() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.lastInput
	if est := m.estimate(); est > used {
		used = est
	}
	if used < m.anchorThreshold() {
		return false
	}
	recap := m.recap()
	if recap == "" || recap == m.lastAnchor {
		return false
	}
	for i := range m.turns {
		if m.turns[i].Kind == TurnAnchor {
			m.turns[i].Pinned = false
		}
	}
	m.turns = append(m.turns, NewAnchorTurn(recap))
	m.lastAnchor = recap
	return true
}

// Activity returns the paths read and the paths edited so far.
func (m *ContextManager) Activity() (read, edited []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.reads), sortedKeys(m.edits)
}

// Anchor returns the current recap of reads and edits.
func (m *ContextManager) Anchor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recap()
}

func (m *ContextManager) recap() string {
	if len(m.reads) == 0 && len(m.edits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Memory anchor: what this run has already done.\n")
	if len(m.reads) > 0 {
		sb.WriteString("Files read:\n")
		for _, p := range sortedKeys(m.reads) {
			var spans []string
			for _, r := range m.reads[p] {
				spans = append(spans, fmt.Sprintf("%d-%d", r.start, r.end))
			}
			fmt.Fprintf(&sb, "- %s (lines %s)\n", p, strings.Join(spans, ", "))
		}
	}
	if len(m.edits) > 0 {
		sb.WriteString("Files edited:\n")
		for _, p := range sortedKeys(m.edits) {
			fmt.Fprintf(&sb, "- %s (%d edits)\n", p, m.edits[p])
		}
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
