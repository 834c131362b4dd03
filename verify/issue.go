// Package verify checks proposed file contents and reports only the issues
// a change introduced.
//
// Every check runs twice, against the proposed files and against the
// originals. Issues are compared as a multiset keyed by file, category and
// a normalized message, so problems that already existed never block an
// unrelated edit. A Policy maps each category to a hard or soft gate.
package verify

import (
	"fmt"
	"strings"
)

// Severity is the checker's own rating of an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Category groups issues for the gate policy.
type Category string

const (
	CategorySyntax    Category = "syntax"
	CategorySchema    Category = "schema"
	CategoryReference Category = "reference"
	CategorySetting   Category = "setting"
	CategoryStyle     Category = "style"
	CategoryContract  Category = "contract"
)

// Issue is one finding.
type Issue struct {
	File     string   `json:"file"`
	Line     int      `json:"line,omitempty"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Checker  string   `json:"checker,omitempty"`
	// Level and PreExisting are filled in by the Gate.
	Level       Level `json:"level,omitempty"`
	PreExisting bool  `json:"pre_existing,omitempty"`
}

func (i Issue) String() string {
	loc := i.File
	if i.Line > 0 {
		loc = fmt.Sprintf("%s:%d", i.File, i.Line)
	}
	return fmt.Sprintf("%s: %s %s: %s", loc, i.Category, i.Severity, i.Message)
}

// key identifies an issue independently of where it sits in the file, so a
// pre-existing problem that moved down a few lines still matches.
func (i Issue) key() string {
	return i.File + "\x00" + string(i.Category) + "\x00" + normalizeMessage(i.Message)
}

func normalizeMessage(msg string) string {
	var sb strings.Builder
	digit := false
	for _, r := range strings.ToLower(strings.Join(strings.Fields(msg), " ")) {
		if r >= '0' && r <= '9' {
			if !digit {
				sb.WriteByte('#')
			}
			digit = true
			continue
		}
		digit = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// Report is the result of checking one file.
type Report struct {
	Passed       bool    `json:"passed"`
	ErrorCount   int     `json:"error_count"`
	WarningCount int     `json:"warning_count"`
	Issues       []Issue `json:"issues"`
}

// NewReport tallies issues into a Report.
func NewReport(issues []Issue) Report {
	r := Report{Issues: issues}
	for _, i := range issues {
		if i.Severity == SeverityWarning {
			r.WarningCount++
		} else {
			r.ErrorCount++
		}
	}
	r.Passed = r.ErrorCount == 0
	return r
}

// Checker checks a single file. Checkers return an empty report for files
// they do not handle.
type Checker interface {
	Name() string
	Check(content, filePath string) Report
}

// ProjectChecker checks relationships across the whole file set.
type ProjectChecker interface {
	Name() string
	CheckProject(files map[string]string) []Issue
}
