package unifiedllm

import "testing"

func TestContextWindowForTierModels(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-haiku-4-5", 200000},
		{"claude-sonnet-4-5", 200000},
		{"opus", 200000},
		{"gpt-4.1-mini", 1047576},
		{"claude-sonnet-4-5-20250929", DefaultContextWindow},
		{"", DefaultContextWindow},
	}
	for _, tt := range tests {
		if got := ContextWindowFor(tt.model); got != tt.want {
			t.Errorf("ContextWindowFor(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestGetModelInfoResolvesAliases(t *testing.T) {
	info := GetModelInfo("haiku")
	if info == nil || info.ID != "claude-haiku-4-5" || info.Provider != "anthropic" {
		t.Fatalf("GetModelInfo(haiku) = %+v", info)
	}
	if GetModelInfo("nonexistent-model") != nil {
		t.Error("expected nil for an unknown model")
	}
}

func TestDefaultModel(t *testing.T) {
	if got := DefaultModel("anthropic"); got != "claude-sonnet-4-5" {
		t.Errorf("DefaultModel(anthropic) = %q", got)
	}
	if got := DefaultModel("openai"); got != "gpt-4.1" {
		t.Errorf("DefaultModel(openai) = %q", got)
	}
	if got := DefaultModel("mistral"); got != "" {
		t.Errorf("DefaultModel(mistral) = %q, want empty", got)
	}
}
