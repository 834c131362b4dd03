package verify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/martinemde/patchpilot/workspace"
)

// DefaultCheckers returns the built-in per-file checkers.
func DefaultCheckers() []Checker {
	return []Checker{LiquidChecker{}, JSONChecker{}}
}

// DefaultProjectCheckers returns the built-in cross-file checkers.
func DefaultProjectCheckers() []ProjectChecker {
	return []ProjectChecker{RenderReferenceChecker{}, SettingReferenceChecker{}, TemplateSectionChecker{}}
}

var (
	liquidTag = regexp.MustCompile(`(?s)\{%-?\s*(\w+)(.*?)-?%\}`)

	liquidBlocks = map[string]bool{
		"if": true, "unless": true, "case": true, "for": true, "capture": true,
		"form": true, "paginate": true, "tablerow": true, "schema": true,
		"style": true, "javascript": true, "stylesheet": true,
	}
	// Content inside these blocks is not parsed.
	liquidVerbatim = map[string]bool{"raw": true, "comment": true}
)

func lineAt(content string, offset int) int {
	if offset > len(content) {
		offset = len(content)
	}
	return strings.Count(content[:offset], "\n") + 1
}

// LiquidChecker checks output delimiters and block tag nesting in .liquid
// files, and that any {% schema %} block holds valid JSON.
type LiquidChecker struct{}

func (LiquidChecker) Name() string { return "liquid" }

func (c LiquidChecker) Check(content, filePath string) Report {
	if path.Ext(filePath) != ".liquid" {
		return NewReport(nil)
	}
	var issues []Issue
	add := func(line int, cat Category, format string, args ...interface{}) {
		issues = append(issues, Issue{
			File: filePath, Line: line, Category: cat, Severity: SeverityError,
			Message: fmt.Sprintf(format, args...), Checker: c.Name(),
		})
	}

	issues = append(issues, c.checkDelimiters(content, filePath)...)

	type open struct {
		name   string
		line   int
		bodyAt int
	}
	var stack []open
	verbatim := ""
	for _, m := range liquidTag.FindAllStringSubmatchIndex(content, -1) {
		name := content[m[2]:m[3]]
		line := lineAt(content, m[0])
		if verbatim != "" {
			if name == "end"+verbatim {
				verbatim = ""
			}
			continue
		}
		switch {
		case liquidVerbatim[name]:
			verbatim = name
		case liquidBlocks[name]:
			stack = append(stack, open{name: name, line: line, bodyAt: m[1]})
		case strings.HasPrefix(name, "end") && liquidBlocks[strings.TrimPrefix(name, "end")]:
			want := strings.TrimPrefix(name, "end")
			if len(stack) == 0 {
				add(line, CategorySyntax, "unexpected {%% %s %%} without an open {%% %s %%}", name, want)
				continue
			}
			top := stack[len(stack)-1]
			if top.name != want {
				add(line, CategorySyntax, "{%% %s %%} closes {%% %s %%} opened on line %d", name, top.name, top.line)
				continue
			}
			stack = stack[:len(stack)-1]
			if want == "schema" {
				body := content[top.bodyAt:m[0]]
				if !json.Valid([]byte(body)) {
					add(top.line, CategorySchema, "{%% schema %%} block is not valid JSON")
				}
			}
		}
	}
	if verbatim != "" {
		add(lineAt(content, len(content)), CategorySyntax, "{%% %s %%} is never closed", verbatim)
	}
	for _, o := range stack {
		add(o.line, CategorySyntax, "{%% %s %%} is never closed", o.name)
	}
	return NewReport(issues)
}

func (c LiquidChecker) checkDelimiters(content, filePath string) []Issue {
	var issues []Issue
	for _, pair := range [][2]string{{"{{", "}}"}, {"{%", "%}"}} {
		rest := content
		offset := 0
		for {
			i := strings.Index(rest, pair[0])
			if i < 0 {
				break
			}
			j := strings.Index(rest[i+2:], pair[1])
			if j < 0 {
				issues = append(issues, Issue{
					File: filePath, Line: lineAt(content, offset+i), Category: CategorySyntax, Severity: SeverityError,
					Message: fmt.Sprintf("%s is never closed with %s", pair[0], pair[1]), Checker: c.Name(),
				})
				break
			}
			advance := i + 2 + j + 2
			offset += advance
			rest = rest[advance:]
		}
	}
	return issues
}

// JSONChecker checks that .json files parse and that templates and
// section groups have the expected shape.
type JSONChecker struct{}

func (JSONChecker) Name() string { return "json" }

// stripLeadingComment blanks the /* ... */ header some generated JSON
// templates carry, keeping offsets aligned with the original lines.
func stripLeadingComment(content string) string {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "/*") {
		return content
	}
	end := strings.Index(trimmed, "*/")
	if end < 0 {
		return content
	}
	cut := len(content) - len(trimmed) + end + 2
	blank := []byte(content[:cut])
	for i, b := range blank {
		if b != '\n' {
			blank[i] = ' '
		}
	}
	return string(blank) + content[cut:]
}

func (c JSONChecker) Check(content, filePath string) Report {
	if path.Ext(filePath) != ".json" {
		return NewReport(nil)
	}
	body := stripLeadingComment(content)
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(&doc); err != nil {
		line := 1
		var se *json.SyntaxError
		if errors.As(err, &se) {
			line = lineAt(body, int(se.Offset))
		}
		return NewReport([]Issue{{
			File: filePath, Line: line, Category: CategorySyntax, Severity: SeverityError,
			Message: "invalid JSON: " + err.Error(), Checker: c.Name(),
		}})
	}

	dir := path.Dir(filePath)
	if dir != "templates" && dir != "sections" {
		return NewReport(nil)
	}
	var issues []Issue
	schemaIssue := func(format string, args ...interface{}) {
		issues = append(issues, Issue{
			File: filePath, Line: 1, Category: CategorySchema, Severity: SeverityError,
			Message: fmt.Sprintf(format, args...), Checker: c.Name(),
		})
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		schemaIssue("top-level value must be an object")
		return NewReport(issues)
	}
	sections, ok := obj["sections"].(map[string]interface{})
	if !ok {
		schemaIssue("missing \"sections\" object")
		return NewReport(issues)
	}
	if order, ok := obj["order"].([]interface{}); ok {
		for _, o := range order {
			id, _ := o.(string)
			if _, found := sections[id]; !found {
				schemaIssue("order lists %q which is not in sections", id)
			}
		}
	}
	return NewReport(issues)
}

var renderRef = regexp.MustCompile(`\{%-?\s*(?:render|include)\s+['"]([^'"]+)['"]`)

// RenderReferenceChecker reports rendered snippets that do not exist.
type RenderReferenceChecker struct{}

func (RenderReferenceChecker) Name() string { return "render_reference" }

func (c RenderReferenceChecker) CheckProject(files map[string]string) []Issue {
	var issues []Issue
	for _, p := range sortedKeys(files) {
		if path.Ext(p) != ".liquid" {
			continue
		}
		content := files[p]
		for _, m := range renderRef.FindAllStringSubmatchIndex(content, -1) {
			name := content[m[2]:m[3]]
			if _, ok := files["snippets/"+name+".liquid"]; ok {
				continue
			}
			issues = append(issues, Issue{
				File: p, Line: lineAt(content, m[0]), Category: CategoryReference, Severity: SeverityError,
				Message: fmt.Sprintf("renders missing snippet %q", name), Checker: c.Name(),
			})
		}
	}
	return issues
}

const settingsSchemaPath = "config/settings_schema.json"

var settingRef = regexp.MustCompile(`\bsettings\.([A-Za-z_][A-Za-z0-9_]*)`)

// SettingReferenceChecker reports theme settings used in templates but not
// declared in config/settings_schema.json. Section-scoped settings
// (section.settings.x, block.settings.x) are not theme settings.
type SettingReferenceChecker struct{}

func (SettingReferenceChecker) Name() string { return "setting_reference" }

func (c SettingReferenceChecker) CheckProject(files map[string]string) []Issue {
	schema, ok := files[settingsSchemaPath]
	if !ok {
		return nil
	}
	declared, err := declaredSettings(schema)
	if err != nil {
		return nil
	}
	var issues []Issue
	for _, p := range sortedKeys(files) {
		if path.Ext(p) != ".liquid" {
			continue
		}
		content := files[p]
		for _, m := range settingRef.FindAllStringSubmatchIndex(content, -1) {
			if m[0] > 0 && content[m[0]-1] == '.' {
				continue
			}
			id := content[m[2]:m[3]]
			if declared[id] {
				continue
			}
			issues = append(issues, Issue{
				File: p, Line: lineAt(content, m[0]), Category: CategorySetting, Severity: SeverityError,
				Message: fmt.Sprintf("setting %q is not declared in %s", id, settingsSchemaPath), Checker: c.Name(),
			})
		}
	}
	return issues
}

func declaredSettings(schema string) (map[string]bool, error) {
	var groups []struct {
		Settings []struct {
			ID string `json:"id"`
		} `json:"settings"`
	}
	body := stripLeadingComment(schema)
	if err := json.Unmarshal([]byte(body), &groups); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, g := range groups {
		for _, s := range g.Settings {
			if s.ID != "" {
				out[s.ID] = true
			}
		}
	}
	return out, nil
}

// TemplateSectionChecker reports JSON templates whose sections use a type
// with no matching sections/<type>.liquid file.
type TemplateSectionChecker struct{}

func (TemplateSectionChecker) Name() string { return "template_sections" }

func (c TemplateSectionChecker) CheckProject(files map[string]string) []Issue {
	var issues []Issue
	for _, p := range sortedKeys(files) {
		if path.Dir(p) != "templates" || path.Ext(p) != ".json" {
			continue
		}
		body := stripLeadingComment(files[p])
		var tpl struct {
			Sections map[string]struct {
				Type string `json:"type"`
			} `json:"sections"`
		}
		if err := json.Unmarshal([]byte(body), &tpl); err != nil {
			continue
		}
		ids := make([]string, 0, len(tpl.Sections))
		for id := range tpl.Sections {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			typ := tpl.Sections[id].Type
			if typ == "" {
				continue
			}
			if _, ok := files["sections/"+typ+".liquid"]; ok {
				continue
			}
			issues = append(issues, Issue{
				File: p, Category: CategoryReference, Severity: SeverityError,
				Message: fmt.Sprintf("section %q uses type %q but sections/%s.liquid does not exist", id, typ, typ), Checker: c.Name(),
			})
		}
	}
	return issues
}

// CompanionRule requires a companion change: when a change to a file
// matching When adds text matching Pattern, some change must also touch a
// file matching Requires.
type CompanionRule struct {
	RuleName string
	When     string
	Pattern  *regexp.Regexp
	Requires string
	Message  string
}

// DefaultCompanionRules returns the built-in contract rules.
func DefaultCompanionRules() []CompanionRule {
	return []CompanionRule{
		{
			RuleName: "schema_translations",
			When:     "sections/*.liquid",
			Pattern:  regexp.MustCompile(`"t:[a-z0-9_.]+"`),
			Requires: "locales/*.schema.json",
			Message:  "new translation keys in a section schema need matching entries in locales/*.schema.json",
		},
		{
			RuleName: "settings_data",
			When:     "config/settings_schema.json",
			Pattern:  regexp.MustCompile(`"id"\s*:\s*"[^"]+"`),
			Requires: "config/settings_data.json",
			Message:  "new theme settings need a default in config/settings_data.json",
		},
	}
}

func (r CompanionRule) Name() string { return r.RuleName }

// Evaluate returns one contract issue per file that triggered the rule
// without a companion change.
func (r CompanionRule) Evaluate(changes []workspace.CodeChange) []Issue {
	for _, ch := range changes {
		if ok, _ := doublestar.Match(r.Requires, ch.Path); ok {
			return nil
		}
	}
	var issues []Issue
	for _, ch := range changes {
		if ok, _ := doublestar.Match(r.When, ch.Path); !ok || ch.Deleted {
			continue
		}
		before := countMatches(r.Pattern, ch.OriginalContent)
		if countMatches(r.Pattern, ch.ProposedContent) <= before {
			continue
		}
		issues = append(issues, Issue{
			File: ch.Path, Category: CategoryContract, Severity: SeverityError,
			Message: r.Message, Checker: r.RuleName,
		})
	}
	return issues
}

func countMatches(re *regexp.Regexp, s string) int {
	return len(re.FindAllStringIndex(s, -1))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
