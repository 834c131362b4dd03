package agentloop

import (
	"fmt"
	"math"
	"strings"

	"github.com/martinemde/patchpilot/tools"
)

// Mode is what the user asked the execution to do.
type Mode string

const (
	ModeAsk   Mode = "ask"
	ModeCode  Mode = "code"
	ModePlan  Mode = "plan"
	ModeDebug Mode = "debug"
)

// Mutates reports whether the mode is expected to change files.
func (m Mode) Mutates() bool { return m == ModeCode || m == ModeDebug }

// ParseMode parses a mode name; empty means code.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeCode:
		return ModeCode, nil
	case ModeAsk:
		return ModeAsk, nil
	case ModePlan:
		return ModePlan, nil
	case ModeDebug:
		return ModeDebug, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Strategy governs how much of the project an execution sees and how long
// it may iterate.
type Strategy string

const (
	StrategyMinimal Strategy = "minimal"
	StrategyHybrid  Strategy = "hybrid"
	StrategyMaximal Strategy = "maximal"
)

// ParseStrategy parses a strategy name; empty means classify the request.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "":
		return "", nil
	case StrategyMinimal:
		return StrategyMinimal, nil
	case StrategyHybrid:
		return StrategyHybrid, nil
	case StrategyMaximal:
		return StrategyMaximal, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Tier selects the model and scales the iteration ceiling.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierDeep     Tier = "deep"
)

// ParseTier parses a tier name; empty means classify the request.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case "":
		return "", nil
	case TierFast:
		return TierFast, nil
	case TierStandard:
		return TierStandard, nil
	case TierDeep:
		return TierDeep, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Multiplier scales a strategy's iteration ceiling.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierStandard:
		return 1.5
	case TierDeep:
		return 2
	default:
		return 1
	}
}

// Next returns the next stronger tier.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierFast:
		return TierStandard, true
	case TierStandard:
		return TierDeep, true
	}
	return t, false
}

// HighComplexity reports whether the tier is used for non-trivial work.
func (t Tier) HighComplexity() bool { return t == TierStandard || t == TierDeep }

// StrategyProfile is the concrete scope of a strategy.
type StrategyProfile struct {
	Strategy        Strategy
	PreloadFiles    int
	DependencyDepth int
	Iterations      int
	Delegation      bool
	LineEditsOnly   bool
}

// Ceiling returns the iteration ceiling under tier.
func (p StrategyProfile) Ceiling(t Tier) int {
	return int(math.Ceil(float64(p.Iterations) * t.Multiplier()))
}

// ProfileFor returns the profile of s with the configured iteration counts.
func ProfileFor(s Strategy, cfg LoopConfig) StrategyProfile {
	switch s {
	case StrategyMinimal:
		return StrategyProfile{Strategy: s, PreloadFiles: 3, DependencyDepth: 0, Iterations: cfg.MinimalIterations}
	case StrategyMaximal:
		return StrategyProfile{Strategy: s, PreloadFiles: 20, DependencyDepth: 2, Iterations: cfg.MaximalIterations, LineEditsOnly: true}
	default:
		return StrategyProfile{Strategy: StrategyHybrid, PreloadFiles: 8, DependencyDepth: 1, Iterations: cfg.HybridIterations, Delegation: true}
	}
}

var (
	broadWords = []string{"all ", "every", "entire", "whole", "across", "redesign", "refactor", "restructure", "overhaul", "migrate"}
	smallWords = []string{"color", "colour", "text", "rename", "typo", "padding", "margin", "font", "label", "spacing", "border"}
)

// Classify picks a strategy and tier for a request that did not set them.
func Classify(request string, fileCount int) (Strategy, Tier) {
	lower := strings.ToLower(request)
	words := len(strings.Fields(lower))
	for _, w := range broadWords {
		if strings.Contains(lower, w) {
			return StrategyMaximal, TierDeep
		}
	}
	if words <= 12 {
		for _, w := range smallWords {
			if strings.Contains(lower, w) {
				return StrategyMinimal, TierFast
			}
		}
	}
	if words > 80 || fileCount > 400 {
		return StrategyHybrid, TierDeep
	}
	return StrategyHybrid, TierStandard
}

// ToolSet returns the tools the model may call. Ask and plan modes only
// look around. Maximal uses line edits only and never delegates; minimal
// and nested specialists never delegate. After a strategy switch edit_file
// is withdrawn.
func ToolSet(mode Mode, p StrategyProfile, switched, nested bool) []string {
	names := append([]string(nil), tools.Lookup...)
	if !mode.Mutates() {
		return append(names, tools.AskClarification)
	}
	for _, name := range tools.Mutation {
		if name == tools.EditFile && (p.LineEditsOnly || switched) {
			continue
		}
		names = append(names, name)
	}
	if nested {
		return names
	}
	if p.Delegation {
		names = append(names, tools.DelegateSpecialist)
	}
	return append(names, tools.RunReview, tools.AskClarification)
}
