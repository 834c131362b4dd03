package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/maypok86/otter"

	"github.com/martinemde/patchpilot/workspace"
)

// StructuralIndex caches one Graph per project.
type StructuralIndex struct {
	cache otter.Cache[string, *Graph]
}

// NewStructuralIndex returns an index holding up to capacity projects.
func NewStructuralIndex(capacity int) (*StructuralIndex, error) {
	cache, err := otter.MustBuilder[string, *Graph](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("build structural index: %w", err)
	}
	return &StructuralIndex{cache: cache}, nil
}

// Get returns the cached graph for the project, building it from files on
// a miss.
func (x *StructuralIndex) Get(projectID string, version int64, files []workspace.FileSnapshot) *Graph {
	if g, ok := x.cache.Get(projectID); ok && g.Version == version {
		return g
	}
	g := Build(projectID, version, files)
	x.cache.Set(projectID, g)
	return g
}

// Invalidate drops the project's graph.
func (x *StructuralIndex) Invalidate(projectID string) {
	x.cache.Delete(projectID)
}

func (x *StructuralIndex) Close() { x.cache.Close() }

// TermCache remembers which files answered a term in earlier requests for
// the same project.
type TermCache struct {
	cache otter.Cache[string, []string]
}

// NewTermCache returns a cache holding up to capacity term mappings.
func NewTermCache(capacity int) (*TermCache, error) {
	cache, err := otter.MustBuilder[string, []string](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("build term cache: %w", err)
	}
	return &TermCache{cache: cache}, nil
}

func termKey(projectID, term string) string {
	return projectID + "\x00" + term
}

// Learn records that paths were relevant to term.
func (c *TermCache) Learn(projectID, term string, paths []string) {
	key := termKey(projectID, term)
	merged := append([]string(nil), paths...)
	if prev, ok := c.cache.Get(key); ok {
		merged = append(merged, prev...)
	}
	sort.Strings(merged)
	out := merged[:0]
	for i, p := range merged {
		if i == 0 || p != merged[i-1] {
			out = append(out, p)
		}
	}
	c.cache.Set(key, out)
}

// Lookup returns the paths learned for term.
func (c *TermCache) Lookup(projectID, term string) ([]string, bool) {
	return c.cache.Get(termKey(projectID, term))
}

// Invalidate drops every mapping of the project.
func (c *TermCache) Invalidate(projectID string) {
	prefix := projectID + "\x00"
	c.cache.DeleteByFunc(func(key string, _ []string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (c *TermCache) Close() { c.cache.Close() }
