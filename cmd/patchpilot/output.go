package main

import (
	"context"
	"fmt"
	"io"

	"github.com/martinemde/patchpilot/agentloop"
	"github.com/martinemde/patchpilot/workspace"
)

func printResult(w io.Writer, res *agentloop.Result) {
	fmt.Fprintf(w, "Execution %s: %s (%s strategy, %s tier, %d iterations)\n",
		res.ExecutionID, res.Status, res.Strategy, res.Tier, res.Iterations)
	if res.Analysis != "" {
		fmt.Fprintf(w, "\n%s\n", res.Analysis)
	}
	printChanges(w, res.Changes)
	if res.ReviewOutcome != nil {
		verdict := "changes requested"
		if res.ReviewOutcome.Approved {
			verdict = "approved"
		}
		fmt.Fprintf(w, "\nReview: %s. %s\n", verdict, res.ReviewOutcome.Summary)
	}
	if res.Checkpointed {
		fmt.Fprintf(w, "\nCheckpoint %s saved", res.CheckpointID)
		if res.JobID != "" {
			fmt.Fprintf(w, "; continuation job %s", res.JobID)
		}
		fmt.Fprintln(w, ".")
	}
	fmt.Fprintf(w, "\nTokens: %d in, %d out\n", res.Usage.InputTokens, res.Usage.OutputTokens)
}

func printChanges(w io.Writer, changes []workspace.CodeChange) {
	if len(changes) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%d file(s) changed:\n", len(changes))
	for _, c := range changes {
		fmt.Fprintf(w, "\n%s", c.Diff())
	}
}

// printStored reports the stored outcome of an execution that finished in
// the background and returns its changes.
func printStored(ctx context.Context, w io.Writer, a *app, executionID string) ([]workspace.CodeChange, error) {
	rec, err := a.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	changes, err := a.store.Changes(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load changes of %s: %w", executionID, err)
	}
	fmt.Fprintf(w, "\nExecution %s finished in the background: %s\n", executionID, rec.Status)
	if rec.Detail != "" {
		fmt.Fprintf(w, "%s\n", rec.Detail)
	}
	printChanges(w, changes)
	return changes, nil
}
