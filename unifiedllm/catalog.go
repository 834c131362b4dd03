package unifiedllm

// ModelInfo is a catalog entry.
type ModelInfo struct {
	ID            string
	Provider      string
	ContextWindow int
	MaxOutput     int
	Aliases       []string
}

// Models lists the models the tiers are usually configured with. The first
// entry per provider is its default.
var Models = []ModelInfo{
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 64000, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 64000, Aliases: []string{"haiku"}},
	{ID: "claude-opus-4-1", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32000, Aliases: []string{"opus"}},
	{ID: "gpt-4.1", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768},
	{ID: "gpt-4.1-mini", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384},
}

// GetModelInfo looks a model up by id or alias.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// DefaultModel returns the catalog default for provider, or "" when the
// catalog has no model for it.
func DefaultModel(provider string) string {
	for _, m := range Models {
		if m.Provider == provider {
			return m.ID
		}
	}
	return ""
}

// DefaultContextWindow is assumed for models missing from the catalog.
const DefaultContextWindow = 128000

// ContextWindowFor returns the context window the context manager budgets
// against.
func ContextWindowFor(modelID string) int {
	if info := GetModelInfo(modelID); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}
