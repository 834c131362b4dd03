package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/martinemde/patchpilot/checkpoint"
	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/index"
	"github.com/martinemde/patchpilot/jobs"
	"github.com/martinemde/patchpilot/specialist"
	"github.com/martinemde/patchpilot/store"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/verify"
	"github.com/martinemde/patchpilot/workspace"
)

// Driver runs the iteration loop of one execution, or of one specialist
// nested inside it. Each iteration passes through the same steps: preflight,
// invoke, classify, dispatch, fold, inline verification and decide. Only
// those steps change the LoopState.
type Driver struct {
	r      *Runner
	req    Request
	mode   Mode
	model  string
	role   string
	nested bool
	depth  int

	// arena is nil for nested drivers, which work on a worktree.
	arena    *workspace.Arena
	tree     workspace.Tree
	ctxm     *ContextManager
	disp     *dispatch.Dispatcher
	tracker  *specialist.Tracker
	inline   *verify.Inline
	deadline checkpoint.Deadline
	cb       Callbacks
	state    *LoopState
	logger   *slog.Logger

	seq          int
	resumes      int
	checkpointID string
	jobID        string
}

func (r *Runner) contextConfig(model string) ContextConfig {
	cfg := r.cfg.Context
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = unifiedllm.ContextWindowFor(model)
	}
	return cfg
}

func (r *Runner) newRootDriver(req Request, strategy Strategy, tier Tier, depth int, deadline checkpoint.Deadline) (*Driver, error) {
	arena := workspace.NewArena(req.Files)
	d := &Driver{
		r:        r,
		req:      req,
		mode:     req.Options.Mode,
		model:    r.model(tier),
		depth:    depth,
		arena:    arena,
		tree:     arena,
		deadline: deadline,
		cb:       req.Options.Callbacks,
		state:    newLoopState(ProfileFor(strategy, r.cfg.Loop), tier),
		logger:   r.logger.With("execution_id", req.ExecutionID, "project_id", req.ProjectID),
	}
	d.tracker = specialist.NewTracker(specialist.WithLogger(d.logger), specialist.WithMetrics(r.metrics))
	d.ctxm = NewContextManager(r.contextConfig(d.model), r.estimator)
	if r.cfg.InlineMax > 0 {
		d.inline = verify.NewInline(r.gate)
		d.inline.Max = r.cfg.InlineMax
		if r.cfg.InlineEvery > 0 {
			d.inline.Every = r.cfg.InlineEvery
		}
	}
	disp, err := dispatch.New(r.registry, r.cfg.Dispatch,
		dispatch.WithLogger(d.logger),
		dispatch.WithMetrics(r.metrics),
		dispatch.WithObserver(d.cb.tool),
		dispatch.WithMutationHook(d.onMutation))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	d.disp = disp
	return d, nil
}

func (d *Driver) close() {
	d.disp.Close()
}

func (d *Driver) onMutation(m workspace.Mutation) {
	d.ctxm.RecordEdit(m.Path)
	if d.r.structure != nil {
		d.r.structure.Invalidate(d.req.ProjectID)
	}
	if d.r.terms != nil {
		d.r.terms.Invalidate(d.req.ProjectID)
	}
}

// start resolves the intent: it picks the files to preload and seeds the
// conversation with the system prompt and the request.
func (d *Driver) start(ctx context.Context, focus []string) {
	st := d.state
	d.cb.progress(Progress{Phase: PhaseResolveIntent, Label: "Finding the relevant files"})

	files := d.tree.List()
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}

	var seeds []string
	seen := make(map[string]bool)
	for _, ref := range focus {
		if f, err := d.tree.Resolve(ref); err == nil && !seen[f.Path] {
			seen[f.Path] = true
			seeds = append(seeds, f.Path)
		}
	}
	for _, p := range index.Relevant(d.req.ProjectID, d.req.Request, files, d.r.terms, st.Profile.PreloadFiles) {
		if !seen[p] {
			seen[p] = true
			seeds = append(seeds, p)
		}
	}
	if d.r.structure != nil && st.Profile.DependencyDepth > 0 && len(seeds) > 0 {
		g := d.r.structure.Get(d.req.ProjectID, d.tree.ContextVersion(), files)
		seeds = g.Expand(seeds, st.Profile.DependencyDepth)
	}
	if limit := 2 * st.Profile.PreloadFiles; len(seeds) > limit {
		seeds = seeds[:limit]
	}

	var preloaded []workspace.FileSnapshot
	for _, p := range seeds {
		f, err := d.tree.Resolve(p)
		if err != nil {
			continue
		}
		preloaded = append(preloaded, f)
		d.ctxm.RecordReads([]dispatch.FileRead{{Path: f.Path, StartLine: 1, EndLine: len(f.Lines())}})
	}
	d.logger.Debug("preloaded files", "count", len(preloaded), "strategy", st.Profile.Strategy)

	prompt := BuildSystemPrompt(PromptContext{
		Mode:        d.mode,
		Profile:     st.Profile,
		Tier:        st.Tier,
		Model:       d.model,
		Role:        d.role,
		Paths:       paths,
		Preloaded:   preloaded,
		Preferences: d.req.Preferences,
	})
	d.appendTurn(ctx, NewSystemTurn(prompt))
	user := NewUserTurn(d.req.Request)
	user.Pinned = true
	d.appendTurn(ctx, user)
	st.Phase = PhaseBuildPatch
}

// restore continues from a checkpoint: it rehydrates the arena, marks the
// completed specialists and resumes the iteration count.
func (d *Driver) restore(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := d.r.checkpoints.Rehydrate(ctx, cp, d.arena); err != nil {
		return fmt.Errorf("rehydrate checkpoint %s: %w", cp.ID, err)
	}
	if msgs, err := d.r.store.Messages(ctx, d.req.ExecutionID); err == nil {
		d.seq = len(msgs)
	}
	d.resumes = cp.Resumes + 1
	d.tracker.Restore(cp.CompletedSpecialists)
	d.disp.SeedMutations(len(cp.Changes))

	focus := make([]string, 0, len(cp.Changes))
	for _, c := range cp.Changes {
		focus = append(focus, c.Path)
	}
	d.start(ctx, focus)

	st := d.state
	st.Iteration = cp.Iteration
	st.Nudges = cp.Nudges
	st.Mutations = len(cp.Changes)
	if cp.Narrative != "" {
		st.Narrative = append(st.Narrative, cp.Narrative)
	}
	if len(cp.Changes) > 0 {
		st.Phase = PhaseApplyPatch
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "This execution is resuming after a %s checkpoint at iteration %d.", cp.Reason, cp.Iteration)
	if len(focus) > 0 {
		fmt.Fprintf(&sb, " Files already changed: %s.", strings.Join(focus, ", "))
	}
	if len(cp.CompletedSpecialists) > 0 {
		fmt.Fprintf(&sb, " %d specialist task(s) already finished; do not delegate them again.", len(cp.CompletedSpecialists))
	}
	if cp.Narrative != "" {
		fmt.Fprintf(&sb, "\nProgress so far:\n%s", cp.Narrative)
	}
	sb.WriteString("\nContinue from where the work stopped.")
	d.steer(ctx, sb.String())
	d.logger.Info("execution resumed", "checkpoint_id", cp.ID, "iteration", cp.Iteration, "changes", len(cp.Changes))
	return nil
}

// run iterates until a step sets a stop reason.
func (d *Driver) run(ctx context.Context) {
	st := d.state
	for st.Stop == StopNone {
		if !d.preflight(ctx) {
			break
		}
		st.Iteration++
		d.r.metrics.Iteration(string(st.Profile.Strategy))
		d.cb.progress(Progress{Phase: st.Phase, Label: "Thinking", Iteration: st.Iteration})

		resp, err := d.invoke(ctx)
		if err != nil {
			d.providerError(ctx, err)
			break
		}
		calls := d.classify(ctx, resp)
		if len(calls) == 0 {
			if !d.nudge(ctx) {
				st.stop(StopFinished, nil)
			}
			continue
		}

		results, batch, err := d.dispatch(ctx, calls)
		d.fold(ctx, results, batch, err)
		d.verifyInline(ctx, batch)
		d.decide(ctx)
	}
	d.logger.Debug("loop stopped", "reason", st.Stop, "iterations", st.Iteration, "role", d.role)
}

// preflight checks cancellation, the deadline and the iteration ceiling
// before a new model request.
func (d *Driver) preflight(ctx context.Context) bool {
	st := d.state
	if err := ctx.Err(); err != nil {
		st.stop(StopFault, err)
		return false
	}
	if d.deadline.Short() {
		if d.nested {
			st.stop(StopBudget, &BudgetExceeded{Kind: "time", Limit: int(d.deadline.Remaining() / time.Second)})
			return false
		}
		d.checkpoint(ctx, checkpoint.ReasonDeadline, nil)
		return false
	}
	if st.Iteration >= st.MaxIterations {
		st.stop(StopBudget, &BudgetExceeded{Kind: "iteration", Limit: st.MaxIterations})
		return false
	}
	return true
}

func (d *Driver) toolNames() []string {
	return ToolSet(d.mode, d.state.Profile, d.state.Switched, d.nested)
}

func (d *Driver) invoke(ctx context.Context) (*unifiedllm.Response, error) {
	if n := d.ctxm.Enforce(); n > 0 {
		d.logger.Debug("compressed turns", "count", n, "estimate", d.ctxm.Estimate())
	}
	if d.ctxm.MaybeAnchor() {
		d.logger.Debug("memory anchor injected")
	}

	req := unifiedllm.Request{
		Model:    d.model,
		Messages: d.ctxm.Messages(),
		Provider: d.r.cfg.Provider,
		Tools:    d.r.registry.Definitions(d.toolNames()...),
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	if at, ok := d.deadline.At(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, at)
		defer cancel()
	}
	return d.r.invoker.Invoke(ctx, req, func(ev unifiedllm.StreamEvent) {
		if ev.Type == unifiedllm.TextDelta && !d.nested {
			d.cb.content(ev.Delta)
		}
	})
}

// classify records the response and returns its tool calls.
func (d *Driver) classify(ctx context.Context, resp *unifiedllm.Response) []unifiedllm.ToolCall {
	st := d.state
	text := resp.Text()
	calls := resp.ToolCalls()
	st.Usage = st.Usage.Add(resp.Usage)
	d.ctxm.Observe(resp.Usage)
	if strings.TrimSpace(text) != "" {
		st.Narrative = append(st.Narrative, strings.TrimSpace(text))
	}
	d.appendTurn(ctx, NewAssistantTurn(text, calls, resp.Usage))
	return calls
}

// nudge reminds the model to edit when it answered in prose for a request
// that needs changes. It reports whether a nudge was sent.
func (d *Driver) nudge(ctx context.Context) bool {
	st := d.state
	if !d.mode.Mutates() || st.Mutations > 0 || st.Nudges >= d.r.cfg.Loop.Nudges || isQuestion(d.req.Request) {
		return false
	}
	if st.Iteration >= st.MaxIterations {
		return false
	}
	st.Nudges++
	d.steer(ctx, "You described the change but did not make it. Apply it now with the edit tools, "+
		"or call ask_clarification if you cannot tell which file to change.")
	return true
}

var questionPrefixes = []string{"what ", "why ", "how ", "where ", "which ", "who ", "when ", "is ", "are ", "does ", "do ", "can ", "could ", "should "}

func isQuestion(request string) bool {
	s := strings.ToLower(strings.TrimSpace(request))
	if strings.HasSuffix(s, "?") {
		return true
	}
	for _, p := range questionPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// dispatch runs the allowed calls and refuses the rest, keeping the
// results in call order.
func (d *Driver) dispatch(ctx context.Context, calls []unifiedllm.ToolCall) ([]dispatch.ToolResult, *dispatch.Batch, error) {
	allowed := make(map[string]bool)
	for _, name := range d.toolNames() {
		allowed[name] = true
	}
	results := make([]dispatch.ToolResult, len(calls))
	var run []unifiedllm.ToolCall
	var idx []int
	for i, c := range calls {
		if allowed[c.Name] {
			run = append(run, c)
			idx = append(idx, i)
			continue
		}
		msg := fmt.Sprintf("tool %s is not available in this run", c.Name)
		results[i] = dispatch.ToolResult{
			CallID:  c.ID,
			Name:    c.Name,
			Outcome: dispatch.FailureOutcome{Message: msg},
			Content: "Error: " + msg,
			IsError: true,
		}
	}

	var orch dispatch.Orchestrator
	if !d.nested {
		orch = orchestrator{d: d}
	}
	batch, err := d.disp.Dispatch(ctx, d.tree, orch, run)
	for j, res := range batch.Results {
		results[idx[j]] = res
	}
	return results, batch, err
}

// fold feeds the batch back into the conversation and the loop state.
func (d *Driver) fold(ctx context.Context, results []dispatch.ToolResult, batch *dispatch.Batch, err error) {
	st := d.state
	d.appendTurn(ctx, NewToolResultsTurn(results))

	for _, res := range results {
		st.Tools[res.Name]++
		if lo, ok := res.Outcome.(dispatch.LookupOutcome); ok {
			d.ctxm.RecordReads(lo.Reads)
		}
		if f, ok := res.Failure(); ok && res.Category == dispatch.CategoryMutation {
			st.Failures = append(st.Failures, res.Name+": "+f.Message)
		}
	}

	if n := len(batch.Mutations); n > 0 {
		st.Mutations += n
		if st.Phase == PhaseBuildPatch {
			st.Phase = PhaseApplyPatch
			d.cb.progress(Progress{Phase: PhaseApplyPatch, Label: "Applying changes", Iteration: st.Iteration})
		}
	}
	if batch.StrategySwitch && !st.Switched {
		st.Switched = true
		d.r.metrics.Escalation("edit_strategy")
		d.logger.Info("edit_file withdrawn after repeated failures")
	}
	for _, c := range batch.Corrections {
		d.steer(ctx, c)
	}
	if len(batch.Handoffs) > 0 {
		d.steer(ctx, "Specialist handoffs:\n"+strings.Join(batch.Handoffs, "\n"))
	}
	if batch.Review != nil {
		st.Review = batch.Review
	}
	if batch.Clarification != nil {
		st.Clarification = batch.Clarification.Question
	}

	var budget *dispatch.BudgetExceeded
	if errors.As(err, &budget) {
		if st.Clarification == "" {
			st.Clarification = fmt.Sprintf("I looked through %d places without finding what to change for %q. "+
				"Which file or section should I edit?", budget.Lookups, d.req.Request)
		}
		st.Err = &BudgetExceeded{Kind: "lookup", Limit: budget.Limit}
	} else if err != nil {
		d.logger.Warn("dispatch failed", "error", err)
	}
}

func (d *Driver) verifyInline(ctx context.Context, batch *dispatch.Batch) {
	if d.inline == nil || d.arena == nil || len(batch.Mutations) == 0 {
		return
	}
	d.inline.Observe(len(batch.Mutations))
	if msg := d.inline.Check(d.arena.Changes()); msg != "" {
		d.steer(ctx, msg)
	}
}

// decide picks what happens next. Precedence: clarification, deadline
// checkpoint, hard budgets, stall escalation, loop detection.
func (d *Driver) decide(ctx context.Context) {
	st := d.state
	switch {
	case st.Clarification != "":
		st.stop(StopClarification, st.Err)
		return
	case d.deadline.Short():
		if d.nested {
			st.stop(StopBudget, &BudgetExceeded{Kind: "time", Limit: int(d.deadline.Remaining() / time.Second)})
			return
		}
		d.checkpoint(ctx, checkpoint.ReasonDeadline, nil)
		return
	case st.Iteration >= st.MaxIterations:
		st.stop(StopBudget, &BudgetExceeded{Kind: "iteration", Limit: st.MaxIterations})
		return
	}

	if d.stalled() {
		st.Profile = ProfileFor(StrategyMaximal, d.r.cfg.Loop)
		st.MaxIterations = st.Profile.Ceiling(st.Tier)
		d.r.metrics.Escalation("strategy")
		d.logger.Info("escalating strategy", "to", StrategyMaximal, "iteration", st.Iteration)
		d.steer(ctx, "No file has been changed yet. Switch to careful line edits: read the exact lines "+
			"you need with read_file and change them with edit_lines.")
		return
	}
	if DetectLoop(d.ctxm.Turns(), d.r.cfg.Loop.LoopWindow) {
		d.logger.Warn("loop detected", "window", d.r.cfg.Loop.LoopWindow)
		d.steer(ctx, loopWarning(d.r.cfg.Loop.LoopWindow))
	}
}

func (d *Driver) stalled() bool {
	st := d.state
	return !d.nested &&
		d.mode.Mutates() &&
		st.Profile.Strategy == StrategyHybrid &&
		st.Iteration >= d.r.cfg.Loop.StallIterations &&
		st.Mutations == 0 &&
		st.Tier.HighComplexity()
}

func (d *Driver) providerError(ctx context.Context, err error) {
	fault := classifyFault(err)
	d.logger.Error("model request failed", "error", err, "retryable", fault.Retryable)
	if ctx.Err() != nil {
		d.state.stop(StopFault, err)
		return
	}
	if d.deadline.Short() && !d.nested {
		d.checkpoint(ctx, checkpoint.ReasonDeadline, fault)
		return
	}
	if fault.Retryable && !d.nested {
		d.checkpoint(ctx, checkpoint.ReasonProviderFault, fault)
		return
	}
	d.state.stop(StopFault, fault)
}

// checkpoint saves the execution and schedules its continuation. cause is
// kept as the run error when the save fails.
func (d *Driver) checkpoint(ctx context.Context, reason string, cause error) {
	st := d.state
	if limit := d.r.cfg.MaxResumes; limit > 0 && d.resumes >= limit {
		err := fmt.Errorf("execution was resumed %d times without finishing; not checkpointing again (%s)", d.resumes, reason)
		d.logger.Error("checkpoint limit reached", "resumes", d.resumes, "reason", reason, "cause", cause)
		if cause != nil {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		st.stop(StopFault, err)
		return
	}
	cp := &checkpoint.Checkpoint{
		ExecutionID:          d.req.ExecutionID,
		Reason:               reason,
		Phase:                string(st.Phase),
		Iteration:            st.Iteration,
		Strategy:             string(st.Profile.Strategy),
		Tier:                 string(st.Tier),
		EscalationDepth:      d.depth,
		Nudges:               st.Nudges,
		Resumes:              d.resumes,
		DirtyFileIDs:         d.arena.DirtyIDs(),
		Changes:              d.arena.Changes(),
		CompletedSpecialists: d.tracker.Completed(),
		Narrative:            st.NarrativeText(),
	}
	snap := d.arena.Snapshot()
	files := make(map[string]string, len(cp.DirtyFileIDs))
	for _, id := range cp.DirtyFileIDs {
		if f, ok := snap[id]; ok && !f.Deleted {
			files[id] = f.Content
		}
	}

	// The run context may already be past its deadline.
	saveCtx := context.WithoutCancel(ctx)
	if err := d.r.checkpoints.Save(saveCtx, cp, files); err != nil {
		d.logger.Error("checkpoint failed", "reason", reason, "error", err)
		if cause == nil {
			cause = err
		}
		st.stop(StopFault, fmt.Errorf("checkpoint: %w", cause))
		return
	}
	d.checkpointID = cp.ID
	d.cb.progress(Progress{Phase: st.Phase, SubPhase: "checkpoint", Label: "Saving progress", Iteration: st.Iteration})

	if d.r.enqueuer != nil {
		id, err := d.r.enqueuer.Enqueue(saveCtx, jobs.Job{
			ExecutionID: d.req.ExecutionID,
			ProjectID:   d.req.ProjectID,
			UserID:      d.req.UserID,
			Request:     d.req.Request,
			Mode:        string(d.mode),
			Strategy:    string(st.Profile.Strategy),
			Tier:        string(st.Tier),
			Preferences: d.req.Preferences,
		})
		if err != nil {
			d.logger.Warn("enqueue continuation failed", "checkpoint_id", cp.ID, "error", err)
		} else {
			d.jobID = id
		}
	}
	st.stop(StopCheckpoint, cause)
}

// finish runs the end-of-run verification and settles the specialists.
func (d *Driver) finish(ctx context.Context) {
	st := d.state
	if st.Stop == StopCheckpoint {
		return
	}
	st.Phase = PhaseVerify
	d.cb.progress(Progress{Phase: PhaseVerify, Label: "Checking the changes", Iteration: st.Iteration})

	if d.arena.ChangeCount() > 0 {
		res := d.r.gate.Evaluate(d.arena.List(), d.arena.Changes())
		st.Issues = append(append([]verify.Issue(nil), res.Regressions...), res.PreExisting...)
		if res.Blocked {
			d.logger.Warn("changes blocked by verification", "hard", len(res.Hard))
			d.arena.Revert()
			st.Blocked = true
			if st.Clarification == "" {
				st.Clarification = blockedQuestion(res)
			}
			st.stop(StopClarification, res.Err())
		}
	}

	final := specialist.Merged
	if st.Blocked {
		final = specialist.Escalated
	}
	for _, rec := range d.tracker.Records() {
		if rec.State == specialist.ProducedChanges || rec.State == specialist.Reviewed {
			d.tracker.Transition(rec.ID, final)
		}
	}
	st.Phase = PhaseComplete
	d.cb.progress(Progress{Phase: PhaseComplete, Label: "Done", Iteration: st.Iteration})
}

func blockedQuestion(res verify.Result) string {
	var sb strings.Builder
	sb.WriteString("The changes would have introduced errors, so none were applied:\n")
	for _, i := range res.Hard {
		fmt.Fprintf(&sb, "- %s\n", i)
	}
	sb.WriteString("How would you like me to proceed?")
	return sb.String()
}

// warrantsEscalation reports whether a finished run did nothing worth
// returning, so a stronger tier should try again.
func (d *Driver) warrantsEscalation() bool {
	st := d.state
	if st.Stop != StopFinished && st.Stop != StopBudget {
		return false
	}
	if !d.mode.Mutates() || d.arena.ChangeCount() > 0 {
		return false
	}
	return negligible(st.NarrativeText(), d.r.cfg.Loop.NegligibleText)
}

func (d *Driver) status() Status {
	switch d.state.Stop {
	case StopClarification:
		return StatusClarification
	case StopCheckpoint:
		return StatusCheckpointed
	case StopFault:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

// steer appends an injected instruction.
func (d *Driver) steer(ctx context.Context, content string) {
	d.appendTurn(ctx, NewSteeringTurn(content))
}

// appendTurn adds a turn to the conversation and persists it for root
// drivers.
func (d *Driver) appendTurn(ctx context.Context, t Turn) {
	d.ctxm.Append(t)
	if d.nested {
		return
	}
	msg := store.MessageRecord{
		ExecutionID: d.req.ExecutionID,
		Seq:         d.seq,
		Role:        string(t.Kind),
		Content:     t.TextContent(),
		CreatedAt:   t.Timestamp,
	}
	d.seq++
	if err := d.r.store.AppendMessage(ctx, msg); err != nil {
		d.logger.Warn("persist message failed", "seq", msg.Seq, "error", err)
	}
}
