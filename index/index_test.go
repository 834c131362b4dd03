package index

import (
	"reflect"
	"testing"

	"github.com/martinemde/patchpilot/workspace"
)

func theme() []workspace.FileSnapshot {
	return []workspace.FileSnapshot{
		{ID: "1", Path: "layout/theme.liquid", Content: "{% sections 'header-group' %}\n{{ 'base.css' | asset_url | stylesheet_tag }}"},
		{ID: "2", Path: "sections/header-group.json", Content: `{"sections": {"h": {"type": "header"}}}`},
		{ID: "3", Path: "sections/header.liquid", Content: "<header>{% render 'button' %}</header>"},
		{ID: "4", Path: "snippets/button.liquid", Content: ".button { background: red; }"},
		{ID: "5", Path: "assets/base.css", Content: "body {}"},
		{ID: "6", Path: "templates/index.json", Content: `{"sections": {"main": {"type": "hero"}}}`},
		{ID: "7", Path: "sections/hero.liquid", Content: "<div class=\"hero\"></div>"},
	}
}

func TestBuildGraph(t *testing.T) {
	g := Build("shop", 1, theme())
	if got, want := g.DependsOn("layout/theme.liquid"), []string{"assets/base.css", "sections/header-group.json"}; !reflect.DeepEqual(got, want) {
		t.Errorf("layout deps = %v, want %v", got, want)
	}
	if got := g.Dependents("snippets/button.liquid"); !reflect.DeepEqual(got, []string{"sections/header.liquid"}) {
		t.Errorf("button dependents = %v", got)
	}
	if got := g.DependsOn("templates/index.json"); !reflect.DeepEqual(got, []string{"sections/hero.liquid"}) {
		t.Errorf("template deps = %v", got)
	}
}

func TestExpand(t *testing.T) {
	g := Build("shop", 1, theme())
	seeds := []string{"snippets/button.liquid"}
	if got := g.Expand(seeds, 0); !reflect.DeepEqual(got, seeds) {
		t.Errorf("depth 0 = %v", got)
	}
	if got, want := g.Expand(seeds, 1), []string{"snippets/button.liquid", "sections/header.liquid"}; !reflect.DeepEqual(got, want) {
		t.Errorf("depth 1 = %v, want %v", got, want)
	}
	got := g.Expand(seeds, 3)
	want := []string{"snippets/button.liquid", "sections/header.liquid", "sections/header-group.json", "layout/theme.liquid"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("depth 3 = %v, want %v", got, want)
	}
}

func TestStructuralIndexInvalidate(t *testing.T) {
	x, err := NewStructuralIndex(16)
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	files := theme()
	g1 := x.Get("shop", 1, files)
	if g2 := x.Get("shop", 1, files); g2 != g1 {
		t.Error("second Get should hit the cache")
	}
	x.Invalidate("shop")
	if g3 := x.Get("shop", 1, files); g3 == g1 {
		t.Error("Get after Invalidate should rebuild")
	}
	if g4 := x.Get("shop", 2, files); g4.Version != 2 {
		t.Errorf("version = %d, want 2", g4.Version)
	}
}

func TestTermCache(t *testing.T) {
	c, err := NewTermCache(64)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Learn("shop", "cta", []string{"snippets/button.liquid"})
	c.Learn("shop", "cta", []string{"sections/hero.liquid", "snippets/button.liquid"})
	c.Learn("other", "cta", []string{"x.liquid"})

	got, ok := c.Lookup("shop", "cta")
	if !ok || !reflect.DeepEqual(got, []string{"sections/hero.liquid", "snippets/button.liquid"}) {
		t.Errorf("lookup = %v, %v", got, ok)
	}
	c.Invalidate("shop")
	if _, ok := c.Lookup("shop", "cta"); ok {
		t.Error("mapping survived invalidation")
	}
	if _, ok := c.Lookup("other", "cta"); !ok {
		t.Error("invalidation leaked into another project")
	}
}

func TestTerms(t *testing.T) {
	got := Terms("Please make the Button blue and the button's border-radius 4px")
	want := []string{"button", "blue", "border-radius", "4px"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("terms = %v, want %v", got, want)
	}
}

func TestRelevant(t *testing.T) {
	files := theme()
	got := Relevant("shop", "make the button blue", files, nil, 2)
	if len(got) == 0 || got[0] != "snippets/button.liquid" {
		t.Errorf("relevant = %v", got)
	}

	terms, err := NewTermCache(16)
	if err != nil {
		t.Fatal(err)
	}
	defer terms.Close()
	terms.Learn("shop", "cta", []string{"snippets/button.liquid"})
	if got := Relevant("shop", "restyle the cta", files, terms, 3); len(got) != 1 || got[0] != "snippets/button.liquid" {
		t.Errorf("learned relevance = %v", got)
	}
}
