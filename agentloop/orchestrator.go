package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/specialist"
	"github.com/martinemde/patchpilot/store"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/workspace"
)

const maxFindings = 600

// orchestrator runs the coordination tools of a root driver.
type orchestrator struct {
	d *Driver
}

var _ dispatch.Orchestrator = orchestrator{}

type specialistRun struct {
	id       string
	fork     *workspace.Worktree
	findings string
	usage    unifiedllm.Usage
}

// Delegate runs each task as a nested specialist on its own fork of the
// arena, in parallel, and merges the forks back in task order.
func (o orchestrator) Delegate(ctx context.Context, tasks []dispatch.DelegateTask) (dispatch.OrchestrationOutcome, error) {
	d := o.d
	if !d.state.Profile.Delegation {
		return dispatch.OrchestrationOutcome{}, fmt.Errorf("delegation is not available with the %s strategy", d.state.Profile.Strategy)
	}
	if len(tasks) == 0 {
		return dispatch.OrchestrationOutcome{}, errors.New("no tasks to delegate")
	}
	d.cb.progress(Progress{Phase: d.state.Phase, SubPhase: "delegation",
		Label: fmt.Sprintf("Running %d specialists", len(tasks)), Iteration: d.state.Iteration})

	runs := make([]specialistRun, len(tasks))
	g := new(errgroup.Group)
	if w := d.r.cfg.Dispatch.Workers; w > 0 {
		g.SetLimit(w)
	}
	for i, t := range tasks {
		rec := d.tracker.Dispatch(t.Role, t.Instructions, t.Files)
		runs[i].id = rec.ID
		g.Go(func() error {
			runs[i].fork, runs[i].findings, runs[i].usage = d.runSpecialist(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	var (
		mutations []workspace.Mutation
		handoffs  []string
		escalated []string
		lines     []string
	)
	for _, run := range runs {
		d.state.Usage = d.state.Usage.Add(run.usage)
		rec, _ := d.tracker.Get(run.id)
		h := specialist.Handoff{SpecialistID: rec.ID, Role: rec.Role, Findings: clip(run.findings, maxFindings)}
		switch rec.State {
		case specialist.ProducedChanges:
			applied, conflicts := d.arena.Merge(run.fork)
			mutations = append(mutations, applied...)
			for _, m := range applied {
				h.FilesTouched = append(h.FilesTouched, m.Path)
			}
			if len(conflicts) > 0 {
				for _, c := range conflicts {
					h.Concerns = append(h.Concerns, c.Error())
				}
				rec, _, _ = d.tracker.Transition(rec.ID, specialist.Escalated)
				escalated = append(escalated, fmt.Sprintf("the %s specialist's edits conflicted with other changes", rec.Role))
			}
		case specialist.Escalated:
			h.Concerns = append(h.Concerns, rec.LastError)
			escalated = append(escalated, fmt.Sprintf("the %s specialist failed twice: %s", rec.Role, rec.LastError))
		case specialist.CompletedNoChanges:
			h.Concerns = append(h.Concerns, "finished without changing any file")
		}
		handoffs = append(handoffs, h.Format())
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", rec.Role, rec.ID, rec.State))
	}

	out := dispatch.OrchestrationOutcome{
		Kind:      dispatch.KindDelegation,
		Summary:   "Specialists finished:\n" + strings.Join(lines, "\n"),
		Handoffs:  handoffs,
		Mutations: mutations,
	}
	if len(escalated) > 0 {
		out.Kind = dispatch.KindClarification
		out.Question = "Part of the delegated work needs your direction: " + strings.Join(escalated, "; ") + "."
	}
	return out, nil
}

// runSpecialist drives one specialist through its lifecycle. It returns
// the fork holding the specialist's edits when it produced changes.
func (d *Driver) runSpecialist(ctx context.Context, rec specialist.Record) (*workspace.Worktree, string, unifiedllm.Usage) {
	instructions := rec.Instructions
	var usage unifiedllm.Usage
	for {
		fork := d.arena.Fork()
		d.tracker.Transition(rec.ID, specialist.Working)
		child, err := d.newSpecialist(rec, instructions, fork)
		if err != nil {
			d.tracker.Fail(rec.ID, err)
			return nil, "", usage
		}
		child.start(ctx, rec.Files)
		child.run(ctx)
		child.close()
		usage = usage.Add(child.state.Usage)
		findings := child.state.NarrativeText()

		var failure error
		switch child.state.Stop {
		case StopFault, StopBudget:
			failure = child.state.Err
		case StopClarification:
			failure = fmt.Errorf("needs clarification: %s", child.state.Clarification)
		}

		if failure != nil && child.state.Mutations == 0 {
			r, reaction, _ := d.tracker.Fail(rec.ID, failure)
			if reaction == specialist.ReactionRetry && ctx.Err() == nil {
				instructions = specialist.Reframe(r)
				continue
			}
			return nil, findings, usage
		}
		if child.state.Mutations > 0 {
			d.tracker.Transition(rec.ID, specialist.ProducedChanges)
			return fork, findings, usage
		}
		r, reaction, _ := d.tracker.Transition(rec.ID, specialist.CompletedNoChanges)
		if reaction == specialist.ReactionRetry && ctx.Err() == nil {
			instructions = specialist.Reframe(r)
			continue
		}
		return nil, findings, usage
	}
}

// newSpecialist builds a nested driver working on fork. It shares the
// parent's deadline, model and out-of-band output store.
func (d *Driver) newSpecialist(rec specialist.Record, instructions string, fork *workspace.Worktree) (*Driver, error) {
	request := instructions
	if len(rec.Files) > 0 {
		request += "\n\nFocus on: " + strings.Join(rec.Files, ", ")
	}
	req := d.req
	req.Request = request
	child := &Driver{
		r:        d.r,
		req:      req,
		mode:     ModeCode,
		model:    d.model,
		role:     rec.Role,
		nested:   true,
		depth:    d.depth,
		tree:     fork,
		deadline: d.deadline,
		cb:       d.cb,
		state:    newLoopState(ProfileFor(StrategyMinimal, d.r.cfg.Loop), d.state.Tier),
		logger:   d.logger.With("specialist_id", rec.ID, "role", rec.Role),
	}
	child.ctxm = NewContextManager(d.r.contextConfig(child.model), d.r.estimator)
	disp, err := dispatch.New(d.r.registry, d.r.cfg.Dispatch,
		dispatch.WithLogger(child.logger),
		dispatch.WithMetrics(d.r.metrics),
		dispatch.WithObserver(d.cb.tool),
		dispatch.WithOutputStore(d.disp.Outputs()),
		dispatch.WithMutationHook(child.onMutation))
	if err != nil {
		return nil, fmt.Errorf("create specialist dispatcher: %w", err)
	}
	child.disp = disp
	return child, nil
}

const reviewSystem = "You review proposed changes to a storefront theme. Approve them when the diffs do " +
	"what the request asks without breaking templates, settings or references. List concrete concerns otherwise."

// Review asks the model for a structured verdict on the current change set.
func (o orchestrator) Review(ctx context.Context, focus string) (dispatch.OrchestrationOutcome, error) {
	d := o.d
	changes := d.arena.Changes()
	if len(changes) == 0 {
		return dispatch.OrchestrationOutcome{Kind: dispatch.KindReview, Summary: "Nothing to review: no file has been changed yet."}, nil
	}
	d.cb.progress(Progress{Phase: d.state.Phase, SubPhase: "review", Label: "Reviewing the changes", Iteration: d.state.Iteration})

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Request: %s\n", d.req.Request)
	if focus != "" {
		fmt.Fprintf(&prompt, "Review focus: %s\n", focus)
	}
	prompt.WriteString("\nProposed changes:\n")
	for _, c := range changes {
		prompt.WriteString(c.Diff())
		prompt.WriteString("\n")
	}

	res, err := unifiedllm.GenerateObject(ctx, unifiedllm.GenerateOptions{
		Client:   d.r.invoker.Client(),
		Model:    d.model,
		Provider: d.r.cfg.Provider,
		System:   reviewSystem,
		Prompt:   prompt.String(),
	}, dispatch.SchemaFor[dispatch.ReviewOutcome]())
	if err != nil {
		return dispatch.OrchestrationOutcome{}, fmt.Errorf("review: %w", err)
	}
	d.state.Usage = d.state.Usage.Add(res.Usage)

	var review dispatch.ReviewOutcome
	raw, err := json.Marshal(res.Output)
	if err == nil {
		err = json.Unmarshal(raw, &review)
	}
	if err != nil {
		return dispatch.OrchestrationOutcome{}, fmt.Errorf("decode review: %w", err)
	}

	if err := d.r.store.StoreReviewResult(ctx, store.ReviewRecord{
		ExecutionID: d.req.ExecutionID,
		Approved:    review.Approved,
		Summary:     review.Summary,
		Concerns:    review.Concerns,
		CreatedAt:   time.Now(),
	}); err != nil {
		d.logger.Warn("store review failed", "error", err)
	}
	if review.Approved {
		for _, rec := range d.tracker.Records() {
			if rec.State == specialist.ProducedChanges {
				d.tracker.Transition(rec.ID, specialist.Reviewed)
			}
		}
	}

	var sb strings.Builder
	if review.Approved {
		sb.WriteString("Review approved")
	} else {
		sb.WriteString("Review requested changes")
	}
	if review.Summary != "" {
		sb.WriteString(": ")
		sb.WriteString(review.Summary)
	}
	for _, c := range review.Concerns {
		fmt.Fprintf(&sb, "\n- %s", c)
	}
	return dispatch.OrchestrationOutcome{Kind: dispatch.KindReview, Summary: sb.String(), Review: &review}, nil
}

// Clarify stops the run with a question for the user.
func (o orchestrator) Clarify(_ context.Context, question string) (dispatch.OrchestrationOutcome, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return dispatch.OrchestrationOutcome{}, errors.New("question is required")
	}
	return dispatch.OrchestrationOutcome{
		Kind:     dispatch.KindClarification,
		Summary:  "Waiting for the user to answer: " + question,
		Question: question,
	}, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return dispatch.RunePrefix(s, n) + "..."
}
