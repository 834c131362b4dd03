package verify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/patchpilot/metrics"
	"github.com/martinemde/patchpilot/workspace"
)

// RegressionError is returned when hard-gated regressions block the change
// set.
type RegressionError struct {
	Issues []Issue
}

func (e *RegressionError) Error() string {
	if len(e.Issues) == 1 {
		return "verification regression: " + e.Issues[0].String()
	}
	return fmt.Sprintf("verification regressions: %d blocking issues, first: %s", len(e.Issues), e.Issues[0])
}

// Result is the outcome of one gate evaluation.
type Result struct {
	// Regressions are issues absent from the baseline, with Level set.
	Regressions []Issue
	// PreExisting are issues also found in the original files.
	PreExisting []Issue
	Hard        []Issue
	Soft        []Issue
	// Blocked is set when any regression is gated hard.
	Blocked bool
}

// Err returns a *RegressionError when the result is blocked.
func (r Result) Err() error {
	if !r.Blocked {
		return nil
	}
	return &RegressionError{Issues: r.Hard}
}

// Summary renders the result for the model or the user.
func (r Result) Summary() string {
	if len(r.Regressions) == 0 {
		if len(r.PreExisting) > 0 {
			return fmt.Sprintf("Verification passed. %d pre-existing issue(s) were left untouched.", len(r.PreExisting))
		}
		return "Verification passed."
	}
	var sb strings.Builder
	if r.Blocked {
		sb.WriteString("Verification blocked the changes:\n")
	} else {
		sb.WriteString("Verification found new issues (changes kept):\n")
	}
	for _, i := range r.Regressions {
		fmt.Fprintf(&sb, "- [%s] %s\n", i.Level, i)
	}
	return sb.String()
}

// ChangeRule checks the change set itself, such as requiring companion
// edits. Everything it reports is new by construction.
type ChangeRule interface {
	Name() string
	Evaluate(changes []workspace.CodeChange) []Issue
}

// Gate runs every checker against proposed and original content.
type Gate struct {
	Checkers        []Checker
	ProjectCheckers []ProjectChecker
	Rules           []ChangeRule
	Policy          Policy
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// NewGate returns a gate with the built-in checkers and policy.
func NewGate() *Gate {
	rules := DefaultCompanionRules()
	changeRules := make([]ChangeRule, len(rules))
	for i, r := range rules {
		changeRules[i] = r
	}
	return &Gate{
		Checkers:        DefaultCheckers(),
		ProjectCheckers: DefaultProjectCheckers(),
		Rules:           changeRules,
		Policy:          DefaultPolicy(),
	}
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// FileSets reconstructs the proposed and original file maps from the live
// files and the change set.
func FileSets(live []workspace.FileSnapshot, changes []workspace.CodeChange) (proposed, original map[string]string) {
	proposed = make(map[string]string, len(live))
	original = make(map[string]string, len(live))
	for _, f := range live {
		proposed[f.Path] = f.Content
		original[f.Path] = f.Content
	}
	for _, c := range changes {
		if c.Created {
			delete(original, c.Path)
		} else {
			original[c.Path] = c.OriginalContent
		}
	}
	return proposed, original
}

func (g *Gate) checkFile(content, filePath string) []Issue {
	var out []Issue
	for _, c := range g.Checkers {
		out = append(out, c.Check(content, filePath).Issues...)
	}
	return out
}

// fileIssues runs the per-file checkers on every changed file that still
// exists, against both its proposed and original content.
func (g *Gate) fileIssues(changes []workspace.CodeChange) (proposed, baseline []Issue) {
	for _, c := range changes {
		if c.Deleted {
			continue
		}
		proposed = append(proposed, g.checkFile(c.ProposedContent, c.Path)...)
		if !c.Created {
			baseline = append(baseline, g.checkFile(c.OriginalContent, c.Path)...)
		}
	}
	return proposed, baseline
}

// CheckFiles runs only the per-file checkers on the changed files.
func (g *Gate) CheckFiles(changes []workspace.CodeChange) Result {
	proposed, baseline := g.fileIssues(changes)
	return g.classify(proposed, baseline, nil)
}

// Evaluate runs the full gate: per-file checks on changed files, project
// checks on the whole file set and change rules on the change set.
func (g *Gate) Evaluate(live []workspace.FileSnapshot, changes []workspace.CodeChange) Result {
	if len(changes) == 0 {
		return Result{}
	}
	files, originals := FileSets(live, changes)

	proposed, baseline := g.fileIssues(changes)
	for _, pc := range g.ProjectCheckers {
		proposed = append(proposed, pc.CheckProject(files)...)
		baseline = append(baseline, pc.CheckProject(originals)...)
	}
	var ruled []Issue
	for _, r := range g.Rules {
		ruled = append(ruled, r.Evaluate(changes)...)
	}
	res := g.classify(proposed, baseline, ruled)
	g.logger().Debug("verification finished",
		"changes", len(changes),
		"regressions", len(res.Regressions),
		"pre_existing", len(res.PreExisting),
		"blocked", res.Blocked)
	return res
}

// classify diffs proposed issues against the baseline as a multiset and
// applies the policy to what is new.
func (g *Gate) classify(proposed, baseline, alwaysNew []Issue) Result {
	policy := g.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	seen := make(map[string]int, len(baseline))
	for _, b := range baseline {
		seen[b.key()]++
	}

	var res Result
	place := func(i Issue) {
		i.Level = policy.LevelFor(i)
		if i.PreExisting {
			res.PreExisting = append(res.PreExisting, i)
			res.Soft = append(res.Soft, i)
			return
		}
		res.Regressions = append(res.Regressions, i)
		g.Metrics.Regression(string(i.Category), string(i.Level))
		if i.Level == Hard {
			res.Hard = append(res.Hard, i)
		} else {
			res.Soft = append(res.Soft, i)
		}
	}
	for _, i := range proposed {
		if k := i.key(); seen[k] > 0 {
			seen[k]--
			i.PreExisting = true
		}
		place(i)
	}
	for _, i := range alwaysNew {
		place(i)
	}
	res.Blocked = len(res.Hard) > 0
	return res
}
