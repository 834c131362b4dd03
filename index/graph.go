// Package index keeps process-wide, per-project caches shared by
// executions: a structural graph of file references and a learned mapping
// from request terms to files. Both are keyed by project id and must be
// invalidated whenever a change to that project is accepted.
package index

import (
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/martinemde/patchpilot/workspace"
)

var (
	renderTag  = regexp.MustCompile(`\{%-?\s*(?:render|include)\s+['"]([^'"]+)['"]`)
	sectionTag = regexp.MustCompile(`\{%-?\s*sections?\s+['"]([^'"]+)['"]`)
	assetRef   = regexp.MustCompile(`['"]([^'"]+\.(?:css|js|svg|png|jpg))['"]\s*\|\s*asset_url`)
)

// Graph records which files reference which. Edges point from the
// referencing file to the referenced one.
type Graph struct {
	ProjectID  string
	Version    int64
	dependsOn  map[string][]string
	dependents map[string][]string
	paths      []string
}

// Build scans files for render, section and asset references and for
// section types in JSON templates.
func Build(projectID string, version int64, files []workspace.FileSnapshot) *Graph {
	g := &Graph{
		ProjectID:  projectID,
		Version:    version,
		dependsOn:  make(map[string][]string),
		dependents: make(map[string][]string),
	}
	exists := make(map[string]bool, len(files))
	for _, f := range files {
		exists[f.Path] = true
		g.paths = append(g.paths, f.Path)
	}
	sort.Strings(g.paths)
	for _, f := range files {
		for _, target := range references(f) {
			if target == f.Path || !exists[target] {
				continue
			}
			g.dependsOn[f.Path] = appendUnique(g.dependsOn[f.Path], target)
			g.dependents[target] = appendUnique(g.dependents[target], f.Path)
		}
	}
	return g
}

func references(f workspace.FileSnapshot) []string {
	var out []string
	switch path.Ext(f.Path) {
	case ".liquid":
		for _, m := range renderTag.FindAllStringSubmatch(f.Content, -1) {
			out = append(out, "snippets/"+m[1]+".liquid")
		}
		for _, m := range sectionTag.FindAllStringSubmatch(f.Content, -1) {
			out = append(out, "sections/"+m[1]+".liquid", "sections/"+m[1]+".json")
		}
		for _, m := range assetRef.FindAllStringSubmatch(f.Content, -1) {
			out = append(out, "assets/"+m[1])
		}
	case ".json":
		var doc struct {
			Sections map[string]struct {
				Type string `json:"type"`
			} `json:"sections"`
		}
		if json.Unmarshal([]byte(f.Content), &doc) == nil {
			for _, s := range doc.Sections {
				if s.Type != "" {
					out = append(out, "sections/"+s.Type+".liquid")
				}
			}
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

// DependsOn returns the files p references.
func (g *Graph) DependsOn(p string) []string { return g.dependsOn[p] }

// Dependents returns the files that reference p.
func (g *Graph) Dependents(p string) []string { return g.dependents[p] }

// Expand returns seeds plus every file within depth reference hops of
// them in either direction, seeds first and the rest sorted.
func (g *Graph) Expand(seeds []string, depth int) []string {
	seen := make(map[string]bool, len(seeds))
	var out []string
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
			frontier = append(frontier, s)
		}
	}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, p := range frontier {
			for _, n := range append(append([]string(nil), g.dependsOn[p]...), g.dependents[p]...) {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		sort.Strings(next)
		out = append(out, next...)
		frontier = next
	}
	return out
}

// Terms splits text into lowercase search terms, dropping short words and
// common filler.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-')
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "make": true, "this": true, "that": true, "with": true,
	"for": true, "from": true, "into": true, "please": true, "can": true, "you": true,
	"add": true, "change": true, "update": true, "should": true, "our": true, "all": true,
}
