package dispatch

import (
	"encoding/json"
	"errors"
	"path"

	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/workspace"
)

type plannedCall struct {
	index int
	call  unifiedllm.ToolCall
	tool  *Tool
	// keys identify the files the call touches; nil means undeclared.
	keys []string
	file string
}

func (p plannedCall) exclusive() bool {
	return p.keys == nil || p.tool.Category == CategoryOrchestration
}

// targetKeys resolves declared targets to canonical keys. A resolved file
// is keyed by id and basename, an unresolved one by basename alone, so a
// name and a path naming the same file always collide.
func targetKeys(files workspace.Files, tool *Tool, args json.RawMessage) (keys []string, file string) {
	if tool.Targets == nil {
		return nil, ""
	}
	refs := tool.Targets(args)
	if len(refs) == 0 {
		return nil, ""
	}
	for _, ref := range refs {
		f, err := files.Resolve(ref)
		switch {
		case err == nil:
			keys = append(keys, "id:"+f.ID, "base:"+path.Base(f.Path))
			if file == "" {
				file = f.Path
			}
		case errors.Is(err, workspace.ErrAmbiguousReference):
			return nil, ""
		default:
			norm := workspace.NormalizePath(ref)
			keys = append(keys, "base:"+path.Base(norm))
			if file == "" {
				file = norm
			}
		}
	}
	return keys, file
}

// partition splits calls into groups run one after another. Calls within a
// group have pairwise disjoint targets; undeclared and orchestration calls
// always form a group of their own. Issue order is preserved.
func partition(calls []plannedCall) [][]plannedCall {
	var groups [][]plannedCall
	var cur []plannedCall
	taken := make(map[string]bool)

	flush := func() {
		if len(cur) > 0 {
			groups = append(groups, cur)
		}
		cur = nil
		taken = make(map[string]bool)
	}

	for _, c := range calls {
		if c.exclusive() {
			flush()
			groups = append(groups, []plannedCall{c})
			continue
		}
		for _, k := range c.keys {
			if taken[k] {
				flush()
				break
			}
		}
		cur = append(cur, c)
		for _, k := range c.keys {
			taken[k] = true
		}
	}
	flush()
	return groups
}
