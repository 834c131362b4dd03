package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/patchpilot/checkpoint"
	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/index"
	"github.com/martinemde/patchpilot/jobs"
	"github.com/martinemde/patchpilot/metrics"
	"github.com/martinemde/patchpilot/store"
	"github.com/martinemde/patchpilot/tools"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/verify"
	"github.com/martinemde/patchpilot/workspace"
)

// LoopConfig bounds the iteration loop.
type LoopConfig struct {
	// Nudges is how many times a run that answered without editing is
	// told to use the edit tools.
	Nudges int
	// EscalationDepth bounds whole-run tier escalations.
	EscalationDepth int

	MinimalIterations int
	HybridIterations  int
	MaximalIterations int
	// StallIterations is when a hybrid run with no edits switches to
	// maximal.
	StallIterations int
	// NegligibleText is the non-space character count below which the
	// narrative counts as empty.
	NegligibleText int
	LoopWindow     int
}

// Config configures a Runner.
type Config struct {
	Provider string
	Models   map[Tier]string
	Dispatch dispatch.Config
	Loop     LoopConfig
	// Context.ContextWindow of zero uses the model catalog.
	Context ContextConfig

	InlineEvery int
	InlineMax   int

	ExecutionBudget   time.Duration
	CheckpointReserve time.Duration
	// MaxResumes is how often one execution may be resumed from a
	// checkpoint before the next checkpoint fails the run instead. Zero
	// means no limit.
	MaxResumes int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		Models: map[Tier]string{
			TierFast:     "claude-haiku-4-5",
			TierStandard: "claude-sonnet-4-5",
			TierDeep:     "claude-opus-4-1",
		},
		Dispatch: dispatch.DefaultConfig(),
		Loop: LoopConfig{
			Nudges:            2,
			EscalationDepth:   1,
			MinimalIterations: 8,
			HybridIterations:  16,
			MaximalIterations: 30,
			StallIterations:   4,
			NegligibleText:    40,
			LoopWindow:        DefaultLoopWindow,
		},
		Context:           DefaultContextConfig(0),
		InlineEvery:       2,
		InlineMax:         3,
		ExecutionBudget:   5 * time.Minute,
		CheckpointReserve: 45 * time.Second,
		MaxResumes:        5,
	}
}

// Enqueuer schedules the continuation of a checkpointed execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) (string, error)
}

// FileSource loads the current files of a project for a continuation job.
type FileSource func(ctx context.Context, projectID string) ([]workspace.FileSnapshot, error)

// Options are the per-invocation settings of a request.
type Options struct {
	Mode     Mode
	Strategy Strategy
	Tier     Tier
	// Budget overrides the configured execution budget when positive.
	Budget    time.Duration
	Callbacks Callbacks
}

// Request is one user request against a project.
type Request struct {
	ExecutionID string
	ProjectID   string
	UserID      string
	Request     string
	Files       []workspace.FileSnapshot
	Preferences map[string]string
	Options     Options
}

// Result is what an execution produced.
type Result struct {
	ExecutionID string
	Status      Status
	// Analysis is never empty.
	Analysis      string
	Changes       []workspace.CodeChange
	Issues        []verify.Issue
	ReviewOutcome *dispatch.ReviewOutcome
	Clarification string
	Usage         unifiedllm.Usage

	Checkpointed bool
	CheckpointID string
	JobID        string

	Iterations  int
	Strategy    Strategy
	Tier        Tier
	Escalations int
	Err         error
}

// Option configures a Runner.
type Option func(*Runner)

func WithStore(s store.Store) Option { return func(r *Runner) { r.store = s } }

// WithCheckpoints sets the checkpoint manager. By default one is built on
// the runner's store.
func WithCheckpoints(m *checkpoint.Manager) Option { return func(r *Runner) { r.checkpoints = m } }

func WithEnqueuer(e Enqueuer) Option { return func(r *Runner) { r.enqueuer = e } }

// WithIndex shares the process-wide structural index and term cache.
func WithIndex(structure *index.StructuralIndex, terms *index.TermCache) Option {
	return func(r *Runner) {
		r.structure = structure
		r.terms = terms
	}
}

func WithGate(g *verify.Gate) Option { return func(r *Runner) { r.gate = g } }

func WithEstimator(e Estimator) Option { return func(r *Runner) { r.estimator = e } }

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

func WithRegistry(reg *dispatch.Registry) Option { return func(r *Runner) { r.registry = reg } }

func WithFileSource(fs FileSource) Option { return func(r *Runner) { r.files = fs } }

// Runner executes requests. It is safe for concurrent use; each execution
// gets its own arena, dispatcher and conversation.
type Runner struct {
	invoker     *unifiedllm.Invoker
	cfg         Config
	registry    *dispatch.Registry
	gate        *verify.Gate
	store       store.Store
	checkpoints *checkpoint.Manager
	enqueuer    Enqueuer
	structure   *index.StructuralIndex
	terms       *index.TermCache
	estimator   Estimator
	files       FileSource
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRunner creates a Runner. The tool registry is checked against the
// declared tool list before anything runs.
func NewRunner(invoker *unifiedllm.Invoker, cfg Config, opts ...Option) (*Runner, error) {
	if invoker == nil {
		return nil, errors.New("agentloop: invoker is required")
	}
	if cfg.ExecutionBudget > 0 && cfg.ExecutionBudget <= cfg.CheckpointReserve {
		return nil, fmt.Errorf("%w: budget %s, reserve %s", ErrBudgetTooShort, cfg.ExecutionBudget, cfg.CheckpointReserve)
	}
	r := &Runner{invoker: invoker, cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.registry == nil {
		reg, err := tools.NewRegistry()
		if err != nil {
			return nil, err
		}
		r.registry = reg
	}
	if err := r.registry.Validate(tools.Declared()); err != nil {
		return nil, err
	}
	if r.gate == nil {
		r.gate = verify.NewGate()
		r.gate.Logger = r.logger
		r.gate.Metrics = r.metrics
	}
	if r.store == nil {
		r.store = store.NewMemoryStore()
	}
	if r.checkpoints == nil {
		r.checkpoints = checkpoint.NewManager(r.store,
			checkpoint.WithLogger(r.logger), checkpoint.WithMetrics(r.metrics))
	}
	if r.estimator == nil {
		r.estimator = CharEstimator{}
	}
	if r.cfg.Models == nil {
		r.cfg.Models = DefaultConfig().Models
	}
	def := DefaultConfig().Loop
	if r.cfg.Loop.MinimalIterations <= 0 {
		r.cfg.Loop.MinimalIterations = def.MinimalIterations
	}
	if r.cfg.Loop.HybridIterations <= 0 {
		r.cfg.Loop.HybridIterations = def.HybridIterations
	}
	if r.cfg.Loop.MaximalIterations <= 0 {
		r.cfg.Loop.MaximalIterations = def.MaximalIterations
	}
	if r.cfg.Loop.StallIterations <= 0 {
		r.cfg.Loop.StallIterations = def.StallIterations
	}
	if r.cfg.Loop.NegligibleText <= 0 {
		r.cfg.Loop.NegligibleText = def.NegligibleText
	}
	if r.cfg.Loop.LoopWindow <= 0 {
		r.cfg.Loop.LoopWindow = def.LoopWindow
	}
	return r, nil
}

// Store returns the runner's persistence backend.
func (r *Runner) Store() store.Store { return r.store }

func (r *Runner) model(t Tier) string {
	if m := r.cfg.Models[t]; m != "" {
		return m
	}
	return r.cfg.Models[TierStandard]
}

// ErrBudgetTooShort is returned when an execution budget leaves no time
// beyond the checkpoint reserve.
var ErrBudgetTooShort = errors.New("agentloop: execution budget must exceed the checkpoint reserve")

func (r *Runner) deadline(opts Options) (checkpoint.Deadline, error) {
	budget := r.cfg.ExecutionBudget
	if opts.Budget > 0 {
		budget = opts.Budget
	}
	if budget > 0 && budget <= r.cfg.CheckpointReserve {
		return checkpoint.Deadline{}, fmt.Errorf("%w: budget %s, reserve %s", ErrBudgetTooShort, budget, r.cfg.CheckpointReserve)
	}
	return checkpoint.NewDeadline(budget, r.cfg.CheckpointReserve), nil
}

// Run executes a request to completion, clarification or checkpoint. The
// returned error covers setup failures only; how the run ended is in the
// Result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	if req.Options.Mode == "" {
		req.Options.Mode = ModeCode
	}
	deadline, err := r.deadline(req.Options)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rec := store.ExecutionRecord{
		ID:        req.ExecutionID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Request:   req.Request,
		Mode:      string(req.Options.Mode),
		Status:    store.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	strategy, tier := req.Options.Strategy, req.Options.Tier
	if strategy == "" || tier == "" {
		cs, ct := Classify(req.Request, len(req.Files))
		if strategy == "" {
			strategy = cs
		}
		if tier == "" {
			tier = ct
		}
	}
	return r.execute(ctx, req, deadline, strategy, tier, 0, nil)
}

// Resume continues a checkpointed execution against the project's current
// files. It returns checkpoint.ErrNoCheckpoint when nothing is saved.
func (r *Runner) Resume(ctx context.Context, req Request) (*Result, error) {
	deadline, err := r.deadline(req.Options)
	if err != nil {
		return nil, err
	}
	cp, err := r.checkpoints.Load(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if rec, err := r.store.GetExecution(ctx, req.ExecutionID); err == nil {
		if req.Request == "" {
			req.Request = rec.Request
		}
		if req.ProjectID == "" {
			req.ProjectID = rec.ProjectID
		}
		if req.UserID == "" {
			req.UserID = rec.UserID
		}
		if req.Options.Mode == "" {
			req.Options.Mode = Mode(rec.Mode)
		}
	}
	if req.Options.Mode == "" {
		req.Options.Mode = ModeCode
	}
	if err := r.store.UpdateStatus(ctx, req.ExecutionID, store.StatusRunning, "resumed from "+cp.ID); err != nil {
		r.logger.Warn("update status failed", "execution_id", req.ExecutionID, "error", err)
	}
	return r.execute(ctx, req, deadline, Strategy(cp.Strategy), Tier(cp.Tier), cp.EscalationDepth, cp)
}

// HandleJob is a jobs.Handler that resumes the job's execution with files
// from the configured FileSource.
func (r *Runner) HandleJob(ctx context.Context, job jobs.Job) error {
	if r.files == nil {
		return errors.New("agentloop: no file source configured for continuation jobs")
	}
	files, err := r.files(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("load project files: %w", err)
	}
	mode, err := ParseMode(job.Mode)
	if err != nil {
		return err
	}
	res, err := r.Resume(ctx, Request{
		ExecutionID: job.ExecutionID,
		ProjectID:   job.ProjectID,
		UserID:      job.UserID,
		Request:     job.Request,
		Files:       files,
		Preferences: job.Preferences,
		Options:     Options{Mode: mode},
	})
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		r.logger.Info("continuation found no checkpoint", "execution_id", job.ExecutionID, "job_id", job.ID)
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Info("continuation finished", "execution_id", job.ExecutionID, "job_id", job.ID, "status", res.Status)
	return nil
}

// execute runs drivers until one ends without warranting a tier
// escalation. cp, when set, is restored into the first driver only and
// consumed once that restore succeeds. Escalated drivers continue the
// message sequence of the driver before them.
func (r *Runner) execute(ctx context.Context, req Request, deadline checkpoint.Deadline, strategy Strategy, tier Tier, depth int, cp *checkpoint.Checkpoint) (*Result, error) {
	escalations := 0
	var prev *Driver
	for {
		d, err := r.newRootDriver(req, strategy, tier, depth, deadline)
		if err != nil {
			return nil, err
		}
		switch {
		case cp != nil:
			if err := d.restore(ctx, cp); err != nil {
				d.close()
				return nil, err
			}
			if err := r.checkpoints.Clear(ctx, cp); err != nil {
				d.close()
				return nil, err
			}
			cp = nil
		case prev != nil:
			d.seq = prev.seq
			d.resumes = prev.resumes
			d.start(ctx, nil)
		default:
			d.start(ctx, nil)
		}
		d.run(ctx)
		d.finish(ctx)

		next, ok := tier.Next()
		if ok && depth < r.cfg.Loop.EscalationDepth && d.warrantsEscalation() {
			d.logger.Info("escalating tier", "from", tier, "to", next, "depth", depth+1)
			r.metrics.Escalation("tier")
			d.close()
			prev = d
			tier = next
			depth++
			escalations++
			continue
		}
		res := r.result(ctx, d)
		res.Escalations = escalations
		d.close()
		return res, nil
	}
}

func (r *Runner) result(ctx context.Context, d *Driver) *Result {
	st := d.state
	res := &Result{
		ExecutionID:   d.req.ExecutionID,
		Status:        d.status(),
		Analysis:      d.analysis(),
		Changes:       d.arena.Changes(),
		Issues:        st.Issues,
		ReviewOutcome: st.Review,
		Clarification: st.Clarification,
		Usage:         st.Usage,
		Checkpointed:  st.Stop == StopCheckpoint,
		CheckpointID:  d.checkpointID,
		JobID:         d.jobID,
		Iterations:    st.Iteration,
		Strategy:      st.Profile.Strategy,
		Tier:          st.Tier,
		Err:           st.Err,
	}

	if len(res.Changes) > 0 {
		if err := r.store.StoreChanges(ctx, res.ExecutionID, res.Changes); err != nil {
			d.logger.Error("store changes failed", "error", err)
		}
	}
	detail := ""
	switch res.Status {
	case StatusClarification:
		detail = res.Clarification
	case StatusFailed:
		if res.Err != nil {
			detail = res.Err.Error()
		}
	case StatusCheckpointed:
		detail = res.CheckpointID
	}
	if err := r.store.UpdateStatus(ctx, res.ExecutionID, string(res.Status), detail); err != nil {
		d.logger.Error("update status failed", "error", err)
	}
	if res.Status == StatusCompleted && len(res.Changes) > 0 && r.terms != nil {
		paths := make([]string, len(res.Changes))
		for i, c := range res.Changes {
			paths[i] = c.Path
		}
		for _, term := range index.Terms(d.req.Request) {
			r.terms.Learn(d.req.ProjectID, term, paths)
		}
	}
	r.metrics.ExecutionFinished(string(res.Status))
	d.logger.Info("execution finished",
		"status", res.Status,
		"iterations", res.Iterations,
		"changes", len(res.Changes),
		"strategy", res.Strategy,
		"tier", res.Tier)
	return res
}
