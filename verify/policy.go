package verify

// Level is how an issue affects the change set.
type Level string

const (
	// Soft issues are reported and the changes are kept.
	Soft Level = "soft"
	// Hard issues clear the change set and ask the user for direction.
	Hard Level = "hard"
)

// Policy maps categories to gate levels. Categories missing from the map
// are soft.
type Policy map[Category]Level

// DefaultPolicy gates structural and contract regressions hard.
func DefaultPolicy() Policy {
	return Policy{
		CategorySyntax:    Hard,
		CategorySchema:    Hard,
		CategoryContract:  Hard,
		CategoryReference: Soft,
		CategorySetting:   Soft,
		CategoryStyle:     Soft,
	}
}

// LevelFor returns the level for an issue. Warnings and pre-existing
// issues are always soft.
func (p Policy) LevelFor(issue Issue) Level {
	if issue.Severity == SeverityWarning || issue.PreExisting {
		return Soft
	}
	if l, ok := p[issue.Category]; ok {
		return l
	}
	return Soft
}

// With returns a copy of p with overrides applied.
func (p Policy) With(overrides map[Category]Level) Policy {
	out := make(Policy, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
