package agentloop

import (
	"errors"
	"fmt"
	"strings"
)

// analysis is the text returned to the user. It is the model's narrative
// when that says something; otherwise it is assembled from what the run
// did, so it is never empty.
func (d *Driver) analysis() string {
	st := d.state
	var sb strings.Builder
	narrative := st.NarrativeText()
	if !negligible(narrative, d.r.cfg.Loop.NegligibleText) && st.Stop == StopFinished && !st.Blocked {
		sb.WriteString(narrative)
	} else {
		sb.WriteString(d.synthesize(narrative))
	}
	if st.Clarification != "" {
		sb.WriteString("\n\nQuestion: ")
		sb.WriteString(st.Clarification)
	}
	if len(st.Issues) > 0 {
		sb.WriteString("\n\nVerification:\n")
		for _, i := range st.Issues {
			note := ""
			if i.PreExisting {
				note = " (pre-existing)"
			}
			fmt.Fprintf(&sb, "- %s%s\n", i, note)
		}
	}
	return strings.TrimSpace(sb.String())
}

// synthesize explains a run whose narrative is missing or that did not
// finish normally: what was tried, what went wrong and how to proceed.
func (d *Driver) synthesize(narrative string) string {
	st := d.state
	read, edited := d.ctxm.Activity()
	var sb strings.Builder

	sb.WriteString("What I tried:\n")
	fmt.Fprintf(&sb, "- Worked for %d iteration(s) with the %s strategy on the %s tier.\n",
		st.Iteration, st.Profile.Strategy, st.Tier)
	if len(st.Tools) > 0 {
		fmt.Fprintf(&sb, "- Used tools: %s.\n", toolCounts(st.Tools))
	}
	if len(read) > 0 {
		fmt.Fprintf(&sb, "- Looked at: %s.\n", joinLimited(read, 8))
	}
	if len(edited) > 0 {
		fmt.Fprintf(&sb, "- Edited: %s.\n", joinLimited(edited, 8))
	}
	if !negligible(narrative, d.r.cfg.Loop.NegligibleText) {
		fmt.Fprintf(&sb, "- Notes from the run: %s\n", clip(narrative, maxFindings))
	}

	sb.WriteString("\nWhat went wrong:\n")
	for _, line := range d.problems() {
		fmt.Fprintf(&sb, "- %s\n", line)
	}

	sb.WriteString("\nHow to proceed:\n")
	fmt.Fprintf(&sb, "- %s\n", d.suggestion())
	return sb.String()
}

func (d *Driver) problems() []string {
	st := d.state
	var out []string
	var be *BudgetExceeded
	var pf *ProviderFault
	switch {
	case st.Blocked:
		out = append(out, "Verification found errors the changes would introduce, so every change was withdrawn.")
	case st.Stop == StopCheckpoint:
		out = append(out, "The run was paused before finishing and its progress was saved.")
	case errors.As(st.Err, &be):
		out = append(out, fmt.Sprintf("The %s budget ran out (limit %d).", be.Kind, be.Limit))
	case errors.As(st.Err, &pf):
		out = append(out, fmt.Sprintf("The model request failed: %v", pf.Err))
	case st.Err != nil:
		out = append(out, st.Err.Error())
	case st.Stop == StopClarification:
		out = append(out, "The request was not specific enough to act on safely.")
	case d.mode.Mutates() && st.Mutations == 0:
		out = append(out, "No file was changed.")
	case st.Mutations > 0:
		out = append(out, "Nothing blocked the changes, but the model did not describe them.")
	default:
		out = append(out, "The model finished without explaining its work.")
	}
	failures := st.Failures
	if len(failures) > 3 {
		failures = failures[len(failures)-3:]
	}
	for _, f := range failures {
		out = append(out, "Edit failed: "+clip(f, 200))
	}
	return out
}

func (d *Driver) suggestion() string {
	st := d.state
	switch {
	case st.Stop == StopCheckpoint && d.jobID != "":
		return "Nothing to do: the run continues in the background."
	case st.Stop == StopCheckpoint:
		return "Resume the execution to continue from the saved progress."
	case st.Blocked:
		return "Answer the question below or narrow the request so the change can be made without those errors."
	case st.Stop == StopClarification:
		return "Answer the question below and run the request again."
	case st.Stop == StopFault:
		return "Try again in a moment; the saved files were not modified."
	case st.Mutations > 0:
		return "Review the changes returned with this result."
	case len(st.Failures) > 0:
		return "Name the exact file and the text to change so the edit can anchor on it."
	default:
		return "Rephrase the request with the file or section to change, or choose a stronger tier."
	}
}

func toolCounts(counts map[string]int) string {
	names := sortedKeys(counts)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s x%d", n, counts[n])
	}
	return strings.Join(parts, ", ")
}

func joinLimited(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:n], ", "), len(items)-n)
}
