// Package controller implements the invocation controller: the only code
// path that talks to the downstream model endpoint.
//
// A planner may propose several actions at once. The controller executes
// them strictly one at a time, and for each call it acquires a rate limit
// slot, opens an audit record, invokes the endpoint, classifies the answer
// and closes the record before doing anything else. Tool calls requested by
// the endpoint are dispatched one per turn and their results are fed back
// to the endpoint. Every exit path closes the record it opened.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	"github.com/McKhanster/autoninja-sub001/runtime/model"
	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

const (
	// DefaultMinInterval is the minimum spacing between endpoint calls.
	DefaultMinInterval = 60 * time.Second
	// DefaultEndpointKey is the limiter key used when none is configured.
	DefaultEndpointKey = "model"
	// DefaultMaxModelCalls bounds endpoint calls per interaction.
	DefaultMaxModelCalls = 10
	// DefaultMaxThrottleRetries bounds retries of a throttled call.
	DefaultMaxThrottleRetries = 3
	// DefaultCallTimeout bounds a single endpoint call.
	DefaultCallTimeout = 5 * time.Minute

	closeTimeout = 10 * time.Second
)

// State is a state of the controller loop.
type State string

const (
	StatePlanning      State = "PLANNING"
	StateRateLimitWait State = "RATE_LIMIT_WAIT"
	StateInvoking      State = "INVOKING"
	StateClassifying   State = "CLASSIFYING"
	StateDispatchTool  State = "DISPATCH_TOOL"
	StateReturnFinal   State = "RETURN_FINAL"
	StateTerminal      State = "TERMINAL"
)

type (
	// Limiter spaces endpoint calls.
	Limiter interface {
		Acquire(ctx context.Context, key string, minInterval time.Duration) (time.Duration, error)
		Throttled(ctx context.Context, key string) (time.Duration, error)
		Recovered(ctx context.Context, key string) error
	}

	// AuditLog records calls and artifacts.
	AuditLog interface {
		Open(ctx context.Context, req audit.OpenRequest) (audit.RecordKey, error)
		Close(ctx context.Context, key audit.RecordKey, c audit.Closure) error
		PutArtifact(ctx context.Context, ref audit.ArtifactRef, raw, converted []byte) (audit.ArtifactKeys, error)
	}

	// Options configures a Controller.
	Options struct {
		// Model is the downstream endpoint. Required.
		Model model.Client
		// Limiter spaces calls to Model. Required.
		Limiter Limiter
		// Audit records calls. Required.
		Audit AuditLog
		// Tools executes tool calls requested by the endpoint. Tool requests
		// fail when nil.
		Tools ToolExecutor
		// EndpointKey is the limiter key shared by all callers of Model.
		EndpointKey string
		// MinInterval is the minimum spacing between calls to Model.
		MinInterval time.Duration
		// ModelID, MaxTokens and Temperature populate model requests.
		ModelID     string
		MaxTokens   int
		Temperature float32
		// MaxModelCalls bounds endpoint calls per interaction.
		MaxModelCalls int
		// MaxThrottleRetries bounds retries after the endpoint throttles.
		MaxThrottleRetries int
		// CallTimeout bounds a single endpoint call. The call is not tied
		// to the run context so that a dispatched call runs to completion.
		CallTimeout time.Duration
		// OnTransition, when set, is called on every state change.
		OnTransition func(runID string, from, to State)

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Now     func() time.Time
	}

	// Controller drives interactions with the endpoint. It is safe for
	// concurrent use across runs; interactions of the same run are
	// serialized.
	Controller struct {
		opts     Options
		inflight sync.Map
	}

	// Interaction is one stage's exchange with the endpoint.
	Interaction struct {
		RunID string
		Stage string
		// Producer names the artifact producer, usually the stage's agent.
		Producer string
		// Attempt is the stage attempt number, recorded on audit records.
		Attempt int
		// System is the system prompt.
		System string
		// Proposal lists the actions to execute.
		Proposal Proposal
		// Tools are exposed to the endpoint.
		Tools []*model.ToolDefinition
		// Convert turns the final answer into its structured form. Any error
		// is reported as malformed output. Nil encodes the answer as a JSON
		// string.
		Convert func(text string) (json.RawMessage, error)
		// Filename names the artifact pair written for the final answer.
		// Empty disables artifacts.
		Filename string
	}

	// Result is the outcome of an interaction.
	Result struct {
		// Text is the final answer to the last action.
		Text string
		// Output is the converted final answer.
		Output json.RawMessage
		// Answers holds the final answer of every action in order.
		Answers []string
		// Artifacts are the keys of the artifact pair, when written.
		Artifacts audit.ArtifactKeys
		// Records lists the audit records opened by the interaction.
		Records []audit.RecordKey
		// ModelCalls and ToolCalls count dispatched calls.
		ModelCalls int
		ToolCalls  int
		// Waited is the total time spent waiting on the limiter.
		Waited time.Duration
	}
)

// New returns a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Model == nil {
		return nil, errors.New("controller: model client is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("controller: limiter is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("controller: audit log is required")
	}
	if opts.EndpointKey == "" {
		opts.EndpointKey = DefaultEndpointKey
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.MaxModelCalls <= 0 {
		opts.MaxModelCalls = DefaultMaxModelCalls
	}
	if opts.MaxThrottleRetries < 0 {
		opts.MaxThrottleRetries = 0
	} else if opts.MaxThrottleRetries == 0 {
		opts.MaxThrottleRetries = DefaultMaxThrottleRetries
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts}, nil
}

// Run executes the interaction to completion. Errors wrap
// ErrMalformedOutput, ErrThrottled, ErrToolFailed, ErrCancelled,
// ErrTurnLimit, ratelimit.ErrDeadlineExceeded or the endpoint error; use
// Retryable to decide whether the stage may be retried.
func (c *Controller) Run(ctx context.Context, in Interaction) (*Result, error) {
	if in.RunID == "" || in.Stage == "" {
		return nil, errors.New("controller: run id and stage are required")
	}
	in.Proposal.Actions = slices.Clone(in.Proposal.Actions)
	if err := in.Proposal.Validate(); err != nil {
		return nil, err
	}
	if in.Producer == "" {
		in.Producer = in.Stage
	}
	if _, busy := c.inflight.LoadOrStore(in.RunID, struct{}{}); busy {
		return nil, ErrRunBusy
	}
	defer c.inflight.Delete(in.RunID)

	r := &run{
		c:       c,
		in:      in,
		pending: in.Proposal.Actions,
		res:     &Result{},
	}
	return r.loop(ctx)
}
