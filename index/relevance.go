package index

import (
	"path"
	"sort"
	"strings"

	"github.com/martinemde/patchpilot/workspace"
)

// Relevant ranks files against a request and returns up to limit paths.
// A term scores highest when it names the file, then when the term cache
// learned the file for it, then when it appears in the content.
func Relevant(projectID, request string, files []workspace.FileSnapshot, terms *TermCache, limit int) []string {
	if limit <= 0 {
		return nil
	}
	words := Terms(request)
	type scored struct {
		path  string
		score int
	}
	var ranked []scored
	for _, f := range files {
		base := strings.ToLower(strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path)))
		content := strings.ToLower(f.Content)
		score := 0
		for _, w := range words {
			switch {
			case base == w:
				score += 10
			case strings.Contains(base, w):
				score += 6
			case strings.Contains(strings.ToLower(f.Path), w):
				score += 3
			}
			if strings.Contains(content, w) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{f.Path, score})
		}
	}
	if terms != nil {
		learned := make(map[string]int)
		for _, w := range words {
			paths, _ := terms.Lookup(projectID, w)
			for _, p := range paths {
				learned[p] += 8
			}
		}
		for i := range ranked {
			ranked[i].score += learned[ranked[i].path]
			delete(learned, ranked[i].path)
		}
		live := make(map[string]bool, len(files))
		for _, f := range files {
			live[f.Path] = true
		}
		for p, s := range learned {
			if live[p] {
				ranked = append(ranked, scored{p, s})
			}
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].path < ranked[j].path
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.path
	}
	return out
}
