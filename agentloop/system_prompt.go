package agentloop

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/patchpilot/workspace"
)

const maxPreloadBytes = 32 * 1024 // 32KB

// PromptContext is everything the system prompt is built from.
type PromptContext struct {
	Mode        Mode
	Profile     StrategyProfile
	Tier        Tier
	Model       string
	Role        string
	Paths       []string
	Preloaded   []workspace.FileSnapshot
	Preferences map[string]string
}

// BuildEnvironmentContext generates the structured environment block.
func BuildEnvironmentContext(pc PromptContext) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Mode: %s\n", pc.Mode)
	fmt.Fprintf(&sb, "Strategy: %s\n", pc.Profile.Strategy)
	fmt.Fprintf(&sb, "Tier: %s\n", pc.Tier)
	fmt.Fprintf(&sb, "Project files: %d\n", len(pc.Paths))
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if pc.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", pc.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// BuildSystemPrompt assembles the system prompt: role and rules, the
// environment block, the file list and the preloaded file contents.
func BuildSystemPrompt(pc PromptContext) string {
	var sb strings.Builder
	if pc.Role != "" {
		fmt.Fprintf(&sb, "You are a %s specialist working on one part of a larger change to a storefront theme. ", pc.Role)
		sb.WriteString("Do only the task you are given and stop when it is done.\n\n")
	} else {
		sb.WriteString("You are a coding assistant working on a storefront theme made of Liquid templates, JSON templates, CSS and JavaScript.\n\n")
	}

	sb.WriteString("# Rules\n\n")
	switch pc.Mode {
	case ModeAsk:
		sb.WriteString("- Answer the question using the project files. Do not change any file.\n")
	case ModePlan:
		sb.WriteString("- Produce a step by step plan for the request. Do not change any file.\n")
	case ModeDebug:
		sb.WriteString("- Find the cause of the problem first, then fix it with the smallest edit.\n")
	default:
		sb.WriteString("- Make the requested change with the edit tools. Describing a change is not making it.\n")
	}
	sb.WriteString("- The files listed under Preloaded files are already in front of you; do not read them again.\n")
	sb.WriteString("- Copy edit anchors exactly from the current file content.\n")
	if pc.Profile.LineEditsOnly {
		sb.WriteString("- Edit by line numbers with edit_lines.\n")
	}
	if pc.Profile.Delegation && pc.Role == "" {
		sb.WriteString("- Hand independent parts of a large change to specialists with delegate_specialist.\n")
	}
	if pc.Mode.Mutates() {
		sb.WriteString("- If the target cannot be identified, call ask_clarification instead of guessing.\n")
	}
	if len(pc.Preferences) > 0 {
		sb.WriteString("\n# User preferences\n\n")
		keys := make([]string, 0, len(pc.Preferences))
		for k := range pc.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, pc.Preferences[k])
		}
	}

	sb.WriteString("\n")
	sb.WriteString(BuildEnvironmentContext(pc))
	sb.WriteString("\n\n# Project files\n\n")
	for _, p := range pc.Paths {
		sb.WriteString(p)
		sb.WriteString("\n")
	}

	if len(pc.Preloaded) > 0 {
		sb.WriteString("\n# Preloaded files\n")
		used := 0
		for _, f := range pc.Preloaded {
			body := workspace.FormatLines(f.Content, 1, 0)
			if used+len(body) > maxPreloadBytes {
				fmt.Fprintf(&sb, "\n## %s\n[not preloaded: read it with read_file]\n", f.Path)
				continue
			}
			used += len(body)
			fmt.Fprintf(&sb, "\n## %s\n%s", f.Path, body)
		}
	}
	return sb.String()
}
