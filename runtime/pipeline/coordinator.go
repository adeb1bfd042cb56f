package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	"github.com/McKhanster/autoninja-sub001/runtime/controller"
	"github.com/McKhanster/autoninja-sub001/runtime/output"
	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

const persistTimeout = 10 * time.Second

// ErrRunExists is returned when an explicit run id is already taken.
var ErrRunExists = errors.New("pipeline: run already exists")

type (
	// Options configures a Coordinator.
	Options struct {
		// Stages is the ordered stage list. Defaults to DefaultStages.
		Stages []Stage
		// Controller runs stage interactions. Required.
		Controller Interactor
		// Trail reads audit trails. Required.
		Trail TrailReader
		// Runs persists run statuses. Required.
		Runs RunStore
		// Events receives run events. Optional.
		Events Sink
		// Gate is evaluated before the terminal stage. Nil disables it.
		Gate Gate
		// MaxAttempts caps the attempts of each stage.
		MaxAttempts int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		Now     func() time.Time
	}

	// Coordinator drives runs through the stage list. Runs execute
	// concurrently with each other; the stages of a run never do.
	Coordinator struct {
		stages      []stage
		ctrl        Interactor
		trail       TrailReader
		runs        RunStore
		events      Sink
		gate        Gate
		maxAttempts int
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
		now         func() time.Time

		mu     sync.Mutex
		active map[string]context.CancelFunc
		closed bool
		wg     sync.WaitGroup
	}

	stage struct {
		Stage
		parser   *output.Parser
		envelope *controller.Proposal
	}
)

// New returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Controller == nil {
		return nil, errors.New("pipeline: controller is required")
	}
	if opts.Trail == nil {
		return nil, errors.New("pipeline: trail reader is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("pipeline: run store is required")
	}
	defs := opts.Stages
	if len(defs) == 0 {
		defs = DefaultStages()
	}
	stages := make([]stage, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, s := range defs {
		if s.Name == "" {
			return nil, errors.New("pipeline: stage name is required")
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Producer == "" {
			s.Producer = s.Name
		}
		if s.Action == "" {
			s.Action = s.Name
		}
		if s.Filename == "" {
			s.Filename = s.Name + ".json"
		}
		p, err := output.NewParser([]byte(s.Schema))
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %s: %w", s.Name, err)
		}
		st := stage{Stage: s, parser: p}
		if s.Envelope != "" {
			env, err := controller.ParseProposal([]byte(s.Envelope))
			if err != nil {
				return nil, fmt.Errorf("pipeline: stage %s envelope: %w", s.Name, err)
			}
			st.envelope = &env
		}
		stages = append(stages, st)
	}
	c := &Coordinator{
		stages:      stages,
		ctrl:        opts.Controller,
		trail:       opts.Trail,
		runs:        opts.Runs,
		events:      opts.Events,
		gate:        opts.Gate,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		now:         opts.Now,
		active:      make(map[string]context.CancelFunc),
	}
	if c.events == nil {
		c.events = noopSink{}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	if c.tracer == nil {
		c.tracer = telemetry.NewNoopTracer()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// StartRun registers a run and executes it in the background. The run
// outlives ctx; use Cancel to stop it.
func (c *Coordinator) StartRun(ctx context.Context, in Input) (string, error) {
	st, runCtx, err := c.begin(ctx, context.WithoutCancel(ctx), in)
	if err != nil {
		return "", err
	}
	go c.execute(runCtx, st)
	return st.RunID, nil
}

// Run executes a run to completion and returns its final status. Cancelling
// ctx cancels the run. The returned error only reports failures to start the
// run; stage failures are reflected in the status.
func (c *Coordinator) Run(ctx context.Context, in Input) (*RunStatus, error) {
	st, runCtx, err := c.begin(ctx, ctx, in)
	if err != nil {
		return nil, err
	}
	c.execute(runCtx, st)
	return st.Clone(), nil
}

// Cancel stops an active run. Cancelling a finished run is a no-op; unknown
// runs yield ErrRunNotFound.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	cancel, ok := c.active[runID]
	c.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	_, err := c.runs.Load(ctx, runID)
	return err
}

// GetRunStatus returns the current status of a run.
func (c *Coordinator) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	return c.runs.Load(ctx, runID)
}

// GetAuditTrail returns the audit records and artifacts of a run.
func (c *Coordinator) GetAuditTrail(ctx context.Context, runID string) (*audit.Trail, error) {
	if _, err := c.runs.Load(ctx, runID); err != nil {
		return nil, err
	}
	return c.trail.Query(ctx, audit.Filter{RunID: runID})
}

// Close cancels active runs and waits for them to stop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for _, cancel := range c.active {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// begin reserves the run id, persists the initial status and registers the
// run as active. Store round trips happen outside c.mu.
func (c *Coordinator) begin(ctx, parent context.Context, in Input) (*RunStatus, context.Context, error) {
	if in.Request == "" {
		return nil, nil, errors.New("pipeline: request is required")
	}
	if in.RunID != "" {
		if err := ValidateRunID(in.RunID); err != nil {
			return nil, nil, err
		}
	}
	now := c.now()
	runCtx, cancel := context.WithCancel(parent)
	id, err := c.allocateID(ctx, in, now, cancel)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	st := &RunStatus{
		RunID:     id,
		Request:   in.Request,
		Status:    StatusRunning,
		Stages:    make([]StageStatus, len(c.stages)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, s := range c.stages {
		st.Stages[i] = StageStatus{Name: s.Name, Status: StatusPending}
	}
	if err := c.runs.Upsert(ctx, st); err != nil {
		cancel()
		c.release(id)
		return nil, nil, fmt.Errorf("pipeline: store run %s: %w", id, err)
	}
	return st, runCtx, nil
}

// allocateID claims the requested run id or a generated one not in use.
// Generated ids get a random suffix when the timestamped id is taken.
func (c *Coordinator) allocateID(ctx context.Context, in Input, now time.Time, cancel context.CancelFunc) (string, error) {
	if in.RunID != "" {
		if err := c.claim(ctx, in.RunID, cancel); err != nil {
			return "", err
		}
		return in.RunID, nil
	}
	base := NewRunID(in.Request, now)
	id := base
	for range 3 {
		err := c.claim(ctx, id, cancel)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrRunExists) {
			return "", err
		}
		id = base + "-" + uuid.NewString()[:8]
	}
	return "", fmt.Errorf("%w: %s", ErrRunExists, base)
}

// claim reserves id in the active set, then checks that no stored run uses
// it. A successful claim must be released by execute or release.
func (c *Coordinator) claim(ctx context.Context, id string, cancel context.CancelFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.active[id]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunExists, id)
	}
	c.active[id] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	_, err := c.runs.Load(ctx, id)
	switch {
	case errors.Is(err, ErrRunNotFound):
		return nil
	case err == nil:
		err = fmt.Errorf("%w: %s", ErrRunExists, id)
	default:
		err = fmt.Errorf("pipeline: load run %s: %w", id, err)
	}
	c.release(id)
	return err
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Coordinator) execute(ctx context.Context, st *RunStatus) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.active[st.RunID]; ok {
			cancel()
			delete(c.active, st.RunID)
		}
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_id", st.RunID)))
	defer span.End()
	c.logger.Info(ctx, "run started", "run_id", st.RunID, "stages", len(c.stages))
	c.publish(ctx, Event{Type: EventRunStarted, RunID: st.RunID, Status: StatusRunning})

	var prior []StageOutput
	last := len(c.stages) - 1
	for i := range c.stages {
		if i == last && i > 0 && c.gate != nil {
			if stopped := c.evaluateGate(ctx, st, i, prior[len(prior)-1]); stopped {
				span.SetStatus(codes.Ok, string(st.Status))
				return
			}
		}
		out, err := c.runStage(ctx, st, i, prior)
		if err != nil {
			status := StatusFatalError
			if errors.Is(err, controller.ErrCancelled) || ctx.Err() != nil {
				status = StatusCancelled
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(status))
			c.stop(ctx, st, i+1, status, err.Error())
			return
		}
		prior = append(prior, StageOutput{Stage: c.stages[i].Name, Output: out})
	}
	span.SetStatus(codes.Ok, string(StatusSuccess))
	c.stop(ctx, st, len(c.stages), StatusSuccess, "")
}

// evaluateGate applies the gate before the terminal stage at index i and
// reports whether the run stopped.
func (c *Coordinator) evaluateGate(ctx context.Context, st *RunStatus, i int, in StageOutput) bool {
	pass, reason, err := c.gate(ctx, in.Output)
	ev := Event{Type: EventGateEvaluated, RunID: st.RunID, Stage: in.Stage, Status: StatusSuccess, Error: reason}
	switch {
	case err != nil:
		ev.Status, ev.Error = StatusFatalError, err.Error()
	case !pass:
		ev.Status = StatusBlocked
	}
	c.publish(ctx, ev)
	if err != nil {
		st.Stage, st.Attempt = c.stages[i].Name, 0
		c.stop(ctx, st, i, StatusFatalError, "quality gate: "+err.Error())
		return true
	}
	if !pass {
		c.logger.Warn(ctx, "quality gate blocked run", "run_id", st.RunID, "stage", in.Stage, "reason", reason)
		st.Stage, st.Attempt = c.stages[i].Name, 0
		c.stop(ctx, st, i, StatusBlocked, "quality gate: "+reason)
		return true
	}
	return false
}

// runStage executes the stage at index i with bounded retries and returns
// its structured output.
func (c *Coordinator) runStage(ctx context.Context, st *RunStatus, i int, prior []StageOutput) (json.RawMessage, error) {
	s := c.stages[i]
	ss := &st.Stages[i]
	ctx, span := c.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("run_id", st.RunID),
		attribute.String("stage", s.Name),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			ss.Status = StatusCancelled
			return nil, errors.Join(controller.ErrCancelled, err)
		}
		st.Stage, st.Attempt = s.Name, attempt
		ss.Status, ss.Attempts, ss.Error = StatusRunning, attempt, ""
		c.save(ctx, st)
		c.metrics.IncCounter("pipeline.stage.attempt", 1, "stage", s.Name)
		c.publish(ctx, Event{Type: EventStageStarted, RunID: st.RunID, Stage: s.Name, Attempt: attempt, Status: StatusRunning})

		res, err := c.attempt(ctx, st, s, attempt, prior)
		if err == nil {
			ss.Status, ss.Artifacts = StatusSuccess, res.Artifacts.Refs()
			c.save(ctx, st)
			c.publish(ctx, Event{Type: EventStageCompleted, RunID: st.RunID, Stage: s.Name, Attempt: attempt, Status: StatusSuccess, Artifacts: ss.Artifacts})
			c.logger.Info(ctx, "stage completed", "run_id", st.RunID, "stage", s.Name, "attempt", attempt, "model_calls", res.ModelCalls)
			return res.Output, nil
		}

		span.RecordError(err)
		ss.Error = err.Error()
		cancelled := errors.Is(err, controller.ErrCancelled)
		final := cancelled || !controller.Retryable(err) || attempt >= c.maxAttempts
		switch {
		case cancelled:
			ss.Status = StatusCancelled
		case final:
			ss.Status = StatusFatalError
		}
		c.publish(ctx, Event{Type: EventStageFailed, RunID: st.RunID, Stage: s.Name, Attempt: attempt, Status: ss.Status, Error: ss.Error})
		if final {
			c.logger.Error(ctx, "stage failed", "run_id", st.RunID, "stage", s.Name, "attempt", attempt, "err", err)
			return nil, fmt.Errorf("stage %s attempt %d: %w", s.Name, attempt, err)
		}
		c.logger.Warn(ctx, "stage attempt failed, retrying", "run_id", st.RunID, "stage", s.Name, "attempt", attempt, "err", err)
	}
}

func (c *Coordinator) attempt(ctx context.Context, st *RunStatus, s stage, attempt int, prior []StageOutput) (*controller.Result, error) {
	in := StageInput{RunID: st.RunID, Request: st.Request, Attempt: attempt, Prior: prior}
	plan := s.Plan
	switch {
	case plan != nil:
	case s.envelope != nil:
		plan = s.envelopePlan
	default:
		plan = s.defaultPlan
	}
	p, err := plan(in)
	if err != nil {
		return nil, err
	}
	return c.ctrl.Run(ctx, controller.Interaction{
		RunID:    st.RunID,
		Stage:    s.Name,
		Producer: s.Producer,
		Attempt:  attempt,
		System:   s.Instructions,
		Proposal: p,
		Tools:    s.Tools,
		Convert:  s.parser.Parse,
		Filename: s.Filename,
	})
}

// defaultPlan proposes a single action carrying the run context.
func (s stage) defaultPlan(in StageInput) (controller.Proposal, error) {
	return controller.Proposal{Actions: []controller.Action{{Name: s.Action, Params: runParams(in)}}}, nil
}

// envelopePlan proposes the envelope actions with their parameters merged
// over the run context. Correlation ids are generated for every attempt.
func (s stage) envelopePlan(in StageInput) (controller.Proposal, error) {
	base := runParams(in)
	actions := make([]controller.Action, len(s.envelope.Actions))
	for i, a := range s.envelope.Actions {
		params := maps.Clone(base)
		maps.Copy(params, a.Params)
		actions[i] = controller.Action{Name: a.Name, Params: params}
	}
	return controller.Proposal{Actions: actions}, nil
}

// runParams holds the run id, the request and the outputs of all prior
// stages keyed by stage name.
func runParams(in StageInput) controller.Params {
	params := controller.Params{
		"job_name": in.RunID,
		"request":  in.Request,
	}
	for _, p := range in.Prior {
		params[p.Stage] = p.Output
	}
	return params
}

// stop finalizes the run: stages from index next on are marked skipped.
func (c *Coordinator) stop(ctx context.Context, st *RunStatus, next int, status Status, msg string) {
	st.Status = status
	st.Error = msg
	for j := next; j < len(st.Stages); j++ {
		if st.Stages[j].Status == StatusPending {
			st.Stages[j].Status = StatusSkipped
		}
	}
	c.save(ctx, st)
	c.metrics.IncCounter("pipeline.run.status", 1, "status", string(status))
	c.publish(ctx, Event{Type: EventRunFinished, RunID: st.RunID, Stage: st.Stage, Attempt: st.Attempt, Status: status, Error: msg})
	c.logger.Info(ctx, "run finished", "run_id", st.RunID, "status", string(status), "stage", st.Stage, "attempt", st.Attempt)
}

// save persists st on a context that survives run cancellation.
func (c *Coordinator) save(ctx context.Context, st *RunStatus) {
	st.UpdatedAt = c.now()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.runs.Upsert(sctx, st); err != nil {
		c.logger.Error(ctx, "store run status", "run_id", st.RunID, "err", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, ev Event) {
	ev.Timestamp = c.now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.events.Publish(pctx, ev); err != nil {
		c.logger.Warn(ctx, "publish run event", "run_id", ev.RunID, "type", string(ev.Type), "err", err)
	}
}
