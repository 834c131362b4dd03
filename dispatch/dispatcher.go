package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/patchpilot/metrics"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/workspace"
)

// Config holds the dispatcher's limits.
type Config struct {
	Workers         int
	LookupSoftLimit int
	LookupHardLimit int
	ExcerptAfter    int
	SwitchAfter     int
	ExcerptLines    int
	CharLimits      map[string]int
	LineLimits      map[string]int
	OutputCapacity  int
	OutputTTL       time.Duration
	CacheCapacity   int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		LookupSoftLimit: 8,
		LookupHardLimit: 14,
		ExcerptAfter:    3,
		SwitchAfter:     5,
		ExcerptLines:    40,
		OutputCapacity:  256,
		OutputTTL:       time.Hour,
		CacheCapacity:   1024,
	}
}

// EventKind identifies a tool lifecycle event.
type EventKind string

const (
	EventToolStart  EventKind = "tool_start"
	EventToolResult EventKind = "tool_result"
	EventToolError  EventKind = "tool_error"
)

// ToolEvent is reported to the observer around each call.
type ToolEvent struct {
	Kind      EventKind
	CallID    string
	Name      string
	Category  Category
	Arguments json.RawMessage
	Content   string
	Duration  time.Duration
}

// Batch is the outcome of dispatching one set of tool calls.
type Batch struct {
	// Results are in the order the calls were issued.
	Results []ToolResult
	// Mutations are the changes merged into the tree, in call order.
	Mutations []workspace.Mutation
	Conflicts []*workspace.MutationConflict
	// Corrections are instructions for the model derived from failures.
	Corrections []string
	// StrategySwitch is set the first time a file fails often enough that
	// edit_file should be withdrawn.
	StrategySwitch bool
	// Clarification is set when a call asked the user a question.
	Clarification *OrchestrationOutcome
	Review        *ReviewOutcome
	Handoffs      []string
}

// Messages converts the results to tool-result messages in issue order.
func (b *Batch) Messages() []unifiedllm.Message {
	msgs := make([]unifiedllm.Message, 0, len(b.Results))
	for _, r := range b.Results {
		msgs = append(msgs, unifiedllm.ToolResultMessage(r.CallID, r.Content, r.IsError))
	}
	return msgs
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithObserver receives tool start, result and error events.
func WithObserver(fn func(ToolEvent)) Option { return func(d *Dispatcher) { d.observer = fn } }

// WithMutationHook is called for every mutation merged into the tree.
func WithMutationHook(fn func(workspace.Mutation)) Option {
	return func(d *Dispatcher) { d.onMutation = fn }
}

// WithOutputStore shares an out-of-band output store between dispatchers.
func WithOutputStore(s *OutputStore) Option { return func(d *Dispatcher) { d.outputs = s } }

// Dispatcher routes tool calls to handlers for one execution.
type Dispatcher struct {
	registry   *Registry
	cfg        Config
	cache      *LookupCache
	outputs    *OutputStore
	ownOutputs bool
	failures   *FailureTracker
	logger     *slog.Logger
	metrics    *metrics.Metrics
	observer   func(ToolEvent)
	onMutation func(workspace.Mutation)

	mu        sync.Mutex
	lookups   int
	mutations int
	switched  bool
}

// New creates a Dispatcher. Zero config fields take their defaults.
func New(registry *Registry, cfg Config, opts ...Option) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LookupSoftLimit <= 0 {
		cfg.LookupSoftLimit = def.LookupSoftLimit
	}
	if cfg.LookupHardLimit <= cfg.LookupSoftLimit {
		cfg.LookupHardLimit = cfg.LookupSoftLimit + (def.LookupHardLimit - def.LookupSoftLimit)
	}
	if cfg.ExcerptAfter <= 0 {
		cfg.ExcerptAfter = def.ExcerptAfter
	}
	if cfg.SwitchAfter <= 0 {
		cfg.SwitchAfter = def.SwitchAfter
	}
	if cfg.ExcerptLines <= 0 {
		cfg.ExcerptLines = def.ExcerptLines
	}
	if cfg.OutputCapacity <= 0 {
		cfg.OutputCapacity = def.OutputCapacity
	}
	if cfg.OutputTTL <= 0 {
		cfg.OutputTTL = def.OutputTTL
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = def.CacheCapacity
	}

	d := &Dispatcher{
		registry: registry,
		cfg:      cfg,
		failures: NewFailureTracker(cfg.ExcerptAfter, cfg.SwitchAfter),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	cache, err := NewLookupCache(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	d.cache = cache
	if d.outputs == nil {
		outputs, err := NewOutputStore(cfg.OutputCapacity, cfg.OutputTTL)
		if err != nil {
			cache.Close()
			return nil, err
		}
		d.outputs = outputs
		d.ownOutputs = true
	}
	return d, nil
}

// Close releases the caches.
func (d *Dispatcher) Close() {
	d.cache.Close()
	if d.ownOutputs {
		d.outputs.Close()
	}
}

// Outputs returns the out-of-band store backing retrieve_output.
func (d *Dispatcher) Outputs() *OutputStore { return d.outputs }

// Failures returns the mutation failure tracker.
func (d *Dispatcher) Failures() *FailureTracker { return d.failures }

// Counts returns the lookups made before the first mutation and the number
// of successful mutations.
func (d *Dispatcher) Counts() (lookups, mutations int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups, d.mutations
}

// SeedMutations credits mutations restored from a checkpoint so a resumed
// run is not held to the pre-mutation lookup budget.
func (d *Dispatcher) SeedMutations(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutations += n
}

// Dispatch runs calls against tree. Calls not yet started when ctx is done
// or after a clarification request come back as "not executed" errors. A
// *BudgetExceeded error is returned with the partial batch when the hard
// lookup limit is crossed.
func (d *Dispatcher) Dispatch(ctx context.Context, tree workspace.Tree, orch Orchestrator, calls []unifiedllm.ToolCall) (*Batch, error) {
	batch := &Batch{Results: make([]ToolResult, len(calls))}
	done := make([]bool, len(calls))

	var planned []plannedCall
	var budgetErr *BudgetExceeded
	for i, call := range calls {
		tool := d.registry.Get(call.Name)
		if tool == nil {
			batch.Results[i] = failed(call.ID, call.Name, "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
			done[i] = true
			d.metrics.ToolCall(call.Name, "", "unknown")
			continue
		}
		if budgetErr != nil {
			continue
		}
		if tool.Category == CategoryLookup {
			if err := d.chargeLookup(); err != nil {
				if errors.As(err, &budgetErr) {
					continue
				}
				batch.Results[i] = failed(call.ID, call.Name, tool.Category, err)
				done[i] = true
				d.metrics.ToolCall(call.Name, string(tool.Category), "rejected")
				continue
			}
		}
		keys, file := targetKeys(tree, tool, call.Arguments)
		planned = append(planned, plannedCall{index: i, call: call, tool: tool, keys: keys, file: file})
	}
	if budgetErr != nil {
		d.logger.Warn("lookup budget exceeded", "lookups", budgetErr.Lookups, "limit", budgetErr.Limit)
	}

	env := Env{Files: tree, Outputs: d.outputs, Orchestrator: orch}
	var halted bool
	for _, group := range partition(planned) {
		if halted || ctx.Err() != nil {
			break
		}
		d.runGroup(ctx, tree, env, group, batch)
		for _, p := range group {
			done[p.index] = true
		}
		if batch.Clarification != nil {
			halted = true
		}
	}

	for i, call := range calls {
		if done[i] {
			continue
		}
		reason := "not executed: the run is stopping"
		switch {
		case budgetErr != nil:
			reason = "not executed: " + budgetErr.Error()
		case batch.Clarification != nil:
			reason = "not executed: waiting for the user to answer a clarification"
		}
		cat := Category("")
		if tool := d.registry.Get(call.Name); tool != nil {
			cat = tool.Category
		}
		batch.Results[i] = failed(call.ID, call.Name, cat, errors.New(reason))
		d.metrics.ToolCall(call.Name, string(cat), "skipped")
	}

	if budgetErr != nil {
		return batch, budgetErr
	}
	return batch, nil
}

func (d *Dispatcher) chargeLookup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mutations > 0 {
		return nil
	}
	d.lookups++
	if d.lookups > d.cfg.LookupHardLimit {
		return &BudgetExceeded{Lookups: d.lookups, Limit: d.cfg.LookupHardLimit}
	}
	if d.lookups > d.cfg.LookupSoftLimit {
		return fmt.Errorf("lookup budget exhausted after %d lookups without an edit. "+
			"Make the change with the context you already have, or call ask_clarification if the target cannot be found",
			d.cfg.LookupSoftLimit)
	}
	return nil
}

type groupRun struct {
	plan     plannedCall
	result   ToolResult
	worktree *workspace.Worktree
}

func (d *Dispatcher) runGroup(ctx context.Context, tree workspace.Tree, env Env, group []plannedCall, batch *Batch) {
	runs := make([]groupRun, len(group))
	parallel := len(group) > 1

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for i, p := range group {
		runs[i].plan = p
		callEnv := env
		if parallel && p.tool.Category == CategoryMutation {
			runs[i].worktree = tree.Fork()
			callEnv.Files = runs[i].worktree
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				runs[i].result = failed(p.call.ID, p.call.Name, p.tool.Category, errors.New("not executed: the run is stopping"))
				return nil
			}
			runs[i].result = d.execute(ctx, tree, callEnv, p)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range runs {
		res := r.result
		if r.worktree != nil && !res.IsError {
			applied, conflicts := tree.Merge(r.worktree)
			if len(conflicts) > 0 {
				batch.Conflicts = append(batch.Conflicts, conflicts...)
				res = failed(res.CallID, res.Name, res.Category, fmt.Errorf("%w; re-read the file and apply your edit again", conflicts[0]))
				d.logger.Warn("worktree merge conflict", "tool", res.Name, "path", conflicts[0].Path)
			} else if mo, ok := res.Outcome.(MutationOutcome); ok {
				mo.Mutations = applied
				res.Outcome = mo
			}
		}
		d.fold(tree, r.plan, res, batch)
	}
}

// execute runs one call and converts every failure into a result.
func (d *Dispatcher) execute(ctx context.Context, tree workspace.Tree, env Env, p plannedCall) (res ToolResult) {
	start := time.Now()
	d.emit(ToolEvent{Kind: EventToolStart, CallID: p.call.ID, Name: p.call.Name, Category: p.tool.Category, Arguments: p.call.Arguments})

	defer func() {
		if r := recover(); r != nil {
			res = d.fault(p, fmt.Errorf("panic: %v", r))
		}
		kind := EventToolResult
		if res.IsError {
			kind = EventToolError
		}
		d.emit(ToolEvent{Kind: kind, CallID: p.call.ID, Name: p.call.Name, Category: p.tool.Category, Content: res.Content, Duration: time.Since(start)})
	}()

	var sig string
	if p.tool.Category == CategoryLookup {
		sig = Signature(p.call.Name, p.call.Arguments, tree.ContextVersion())
		if hit, ok := d.cache.Get(sig); ok {
			d.metrics.CacheHit()
			hit.Cached = true
			hit.Content = "[redundant: this exact lookup was already made and nothing has changed since]\n" + hit.Content
			return d.finish(p, hit)
		}
	}

	outcome, err := p.tool.Execute(ctx, env, p.call.Arguments)
	if err != nil {
		return d.fault(p, err)
	}
	if outcome == nil {
		return d.fault(p, errors.New("tool returned no result"))
	}
	if lo, ok := outcome.(LookupOutcome); ok && sig != "" {
		d.cache.Put(sig, lo)
	}
	return d.finish(p, outcome)
}

func (d *Dispatcher) fault(p plannedCall, err error) ToolResult {
	fault := &ToolExecutionFault{Tool: p.call.Name, CallID: p.call.ID, File: p.file, Err: err}
	f := FailureOutcome{Message: err.Error(), Fault: fault}
	return ToolResult{CallID: p.call.ID, Name: p.call.Name, Category: p.tool.Category, Outcome: f, Content: f.Text(), IsError: true}
}

func (d *Dispatcher) finish(p plannedCall, outcome Outcome) ToolResult {
	text := outcome.Text()
	content, truncated := TruncateToolOutput(text, p.call.Name, d.cfg.CharLimits, d.cfg.LineLimits)
	if truncated && p.call.Name != "retrieve_output" {
		if id, ok := d.outputs.Put(text); ok {
			content += storedPointer(id)
		} else {
			d.logger.Warn("full output not stored", "tool", p.call.Name, "chars", len(text))
		}
	}
	return ToolResult{CallID: p.call.ID, Name: p.call.Name, Category: p.tool.Category, Outcome: outcome, Content: content}
}

// fold records a finished call's effects on the batch and run counters.
func (d *Dispatcher) fold(tree workspace.Tree, p plannedCall, res ToolResult, batch *Batch) {
	batch.Results[p.index] = res

	if res.IsError {
		d.metrics.ToolCall(res.Name, string(res.Category), "error")
		if p.tool.Category == CategoryMutation {
			d.recordFailure(tree, p, res, batch)
		}
		return
	}
	d.metrics.ToolCall(res.Name, string(res.Category), "ok")

	switch o := res.Outcome.(type) {
	case MutationOutcome:
		d.foldMutations(o.Mutations, batch)
	case OrchestrationOutcome:
		switch o.Kind {
		case KindClarification:
			if batch.Clarification == nil {
				batch.Clarification = &o
			}
		case KindReview:
			batch.Review = o.Review
		}
		batch.Handoffs = append(batch.Handoffs, o.Handoffs...)
		d.foldMutations(o.Mutations, batch)
	}
}

func (d *Dispatcher) foldMutations(ms []workspace.Mutation, batch *Batch) {
	changed := false
	for _, m := range ms {
		if !m.Changed {
			continue
		}
		changed = true
		batch.Mutations = append(batch.Mutations, m)
		d.failures.Succeeded(m.Path)
		if d.onMutation != nil {
			d.onMutation(m)
		}
	}
	if changed {
		d.mu.Lock()
		d.mutations++
		d.mu.Unlock()
	}
}

func (d *Dispatcher) recordFailure(tree workspace.Tree, p plannedCall, res ToolResult, batch *Batch) {
	file := p.file
	if file == "" {
		file = p.call.Name
	}
	fo, _ := res.Failure()
	failure, excerpt, switchStrategy := d.failures.Record(p.call.Name, file, fo.Message)
	d.logger.Debug("mutation failed", "tool", p.call.Name, "file", file, "attempts", failure.Attempts, "total", failure.Total)

	if excerpt {
		if snap, err := tree.Resolve(file); err == nil {
			anchor := ""
			if p.tool.Anchor != nil {
				anchor = p.tool.Anchor(p.call.Arguments)
			}
			batch.Corrections = append(batch.Corrections,
				correctiveMessage(failure, Excerpt(snap.Content, anchor, d.cfg.ExcerptLines)))
		}
	}
	if switchStrategy {
		d.mu.Lock()
		first := !d.switched
		d.switched = true
		d.mu.Unlock()
		if first {
			batch.StrategySwitch = true
			batch.Corrections = append(batch.Corrections, strategySwitchMessage(failure))
		}
	}
}

func (d *Dispatcher) emit(ev ToolEvent) {
	if d.observer != nil {
		d.observer(ev)
	}
}
