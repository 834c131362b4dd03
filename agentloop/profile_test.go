package agentloop

import (
	"slices"
	"strings"
	"testing"

	"github.com/martinemde/patchpilot/tools"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		request  string
		files    int
		strategy Strategy
		tier     Tier
	}{
		{"Make the button color blue", 10, StrategyMinimal, TierFast},
		{"Fix the typo in the footer", 10, StrategyMinimal, TierFast},
		{"Redesign the entire header", 10, StrategyMaximal, TierDeep},
		{"Use the brand font across every template", 10, StrategyMaximal, TierDeep},
		{"Add a newsletter signup form to the footer that posts to the customer endpoint", 10, StrategyHybrid, TierStandard},
		{"Add a newsletter signup form to the footer", 500, StrategyHybrid, TierDeep},
		{strings.Repeat("word ", 81), 10, StrategyHybrid, TierDeep},
	}
	for _, tt := range tests {
		s, tier := Classify(tt.request, tt.files)
		if s != tt.strategy || tier != tt.tier {
			t.Errorf("Classify(%.40q, %d) = %s/%s, want %s/%s", tt.request, tt.files, s, tier, tt.strategy, tt.tier)
		}
	}
}

func TestCeiling(t *testing.T) {
	cfg := DefaultConfig().Loop
	tests := []struct {
		strategy Strategy
		tier     Tier
		want     int
	}{
		{StrategyMinimal, TierFast, 8},
		{StrategyMinimal, TierStandard, 12},
		{StrategyMinimal, TierDeep, 16},
		{StrategyHybrid, TierStandard, 24},
		{StrategyMaximal, TierDeep, 60},
	}
	for _, tt := range tests {
		if got := ProfileFor(tt.strategy, cfg).Ceiling(tt.tier); got != tt.want {
			t.Errorf("%s/%s ceiling = %d, want %d", tt.strategy, tt.tier, got, tt.want)
		}
	}
	odd := StrategyProfile{Iterations: 3}
	if got := odd.Ceiling(TierStandard); got != 5 {
		t.Errorf("ceiling rounds down: got %d, want 5", got)
	}
}

func TestToolSet(t *testing.T) {
	cfg := DefaultConfig().Loop
	minimal := ProfileFor(StrategyMinimal, cfg)
	hybrid := ProfileFor(StrategyHybrid, cfg)
	maximal := ProfileFor(StrategyMaximal, cfg)

	tests := []struct {
		name    string
		set     []string
		with    []string
		without []string
	}{
		{"ask", ToolSet(ModeAsk, hybrid, false, false),
			[]string{tools.ReadFile, tools.SearchFiles, tools.AskClarification},
			[]string{tools.EditFile, tools.EditLines, tools.DelegateSpecialist, tools.RunReview}},
		{"plan", ToolSet(ModePlan, maximal, false, false),
			[]string{tools.GlobFiles, tools.AskClarification},
			[]string{tools.CreateFile, tools.DeleteFile}},
		{"minimal code", ToolSet(ModeCode, minimal, false, false),
			[]string{tools.EditFile, tools.EditLines, tools.RunReview, tools.AskClarification},
			[]string{tools.DelegateSpecialist}},
		{"hybrid code", ToolSet(ModeCode, hybrid, false, false),
			[]string{tools.EditFile, tools.DelegateSpecialist, tools.RunReview},
			nil},
		{"maximal code", ToolSet(ModeDebug, maximal, false, false),
			[]string{tools.EditLines, tools.RunReview},
			[]string{tools.EditFile, tools.DelegateSpecialist}},
		{"switched", ToolSet(ModeCode, hybrid, true, false),
			[]string{tools.EditLines, tools.DelegateSpecialist},
			[]string{tools.EditFile}},
		{"specialist", ToolSet(ModeCode, minimal, false, true),
			[]string{tools.EditFile, tools.RetrieveOutput},
			[]string{tools.DelegateSpecialist, tools.RunReview, tools.AskClarification}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range tt.with {
				if !slices.Contains(tt.set, name) {
					t.Errorf("missing %s in %v", name, tt.set)
				}
			}
			for _, name := range tt.without {
				if slices.Contains(tt.set, name) {
					t.Errorf("unexpected %s in %v", name, tt.set)
				}
			}
		})
	}
}

func TestParseOptions(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeCode {
		t.Errorf("ParseMode(\"\") = %s, %v", m, err)
	}
	if m, err := ParseMode("ASK"); err != nil || m != ModeAsk {
		t.Errorf("ParseMode(ASK) = %s, %v", m, err)
	}
	if _, err := ParseMode("review"); err == nil {
		t.Error("ParseMode accepted an unknown mode")
	}
	if s, err := ParseStrategy(""); err != nil || s != "" {
		t.Errorf("ParseStrategy(\"\") = %q, %v", s, err)
	}
	if _, err := ParseStrategy("huge"); err == nil {
		t.Error("ParseStrategy accepted an unknown strategy")
	}
	if tier, err := ParseTier("deep"); err != nil || tier != TierDeep {
		t.Errorf("ParseTier(deep) = %s, %v", tier, err)
	}
	if _, err := ParseTier("ultra"); err == nil {
		t.Error("ParseTier accepted an unknown tier")
	}
}

func TestTierNext(t *testing.T) {
	if next, ok := TierFast.Next(); !ok || next != TierStandard {
		t.Errorf("fast.Next() = %s, %v", next, ok)
	}
	if next, ok := TierStandard.Next(); !ok || next != TierDeep {
		t.Errorf("standard.Next() = %s, %v", next, ok)
	}
	if _, ok := TierDeep.Next(); ok {
		t.Error("deep has no stronger tier")
	}
	if TierFast.HighComplexity() || !TierStandard.HighComplexity() {
		t.Error("HighComplexity mismatch")
	}
}

func TestIsQuestion(t *testing.T) {
	for _, q := range []string{"Where is the logo set?", "what does the header render", "How do I change fonts"} {
		if !isQuestion(q) {
			t.Errorf("isQuestion(%q) = false", q)
		}
	}
	for _, r := range []string{"Make the button blue", "Whatever works, change the footer"} {
		if isQuestion(r) {
			t.Errorf("isQuestion(%q) = true", r)
		}
	}
}

func TestNegligible(t *testing.T) {
	if !negligible("  ok\n\t done ", 40) {
		t.Error("short text should be negligible")
	}
	if negligible(strings.Repeat("a ", 50), 40) {
		t.Error("50 characters should not be negligible")
	}
	if !negligible("", 40) {
		t.Error("empty text should be negligible")
	}
}
