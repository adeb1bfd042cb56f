// Package pipeline drives a run through a fixed, ordered list of stages.
//
// Stages execute strictly one after another. Each stage is a single
// controller interaction; a stage that fails with a retryable error
// (malformed output, throttling, tool failure, rate limit deadline) is
// retried up to a fixed attempt cap and then ends the run in fatal_error.
// Before the terminal stage a quality gate inspects the previous stage's
// structured output and may stop the run in the blocked status. Audit
// records and artifacts of completed stages are never rolled back.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	"github.com/McKhanster/autoninja-sub001/runtime/controller"
	"github.com/McKhanster/autoninja-sub001/runtime/model"
)

// Status is the lifecycle state of a run or a stage.
type Status string

const (
	// StatusPending marks a stage that has not started.
	StatusPending Status = "pending"
	// StatusRunning marks a run or stage in progress.
	StatusRunning Status = "running"
	// StatusSuccess marks a run whose terminal stage completed, or a
	// completed stage.
	StatusSuccess Status = "success"
	// StatusFatalError marks a run stopped by a stage failure.
	StatusFatalError Status = "fatal_error"
	// StatusBlocked marks a run stopped by the quality gate.
	StatusBlocked Status = "blocked"
	// StatusCancelled marks a run cancelled by the caller.
	StatusCancelled Status = "cancelled"
	// StatusSkipped marks a stage not executed because the run stopped.
	StatusSkipped Status = "skipped"
)

// DefaultMaxAttempts is the per-stage attempt cap.
const DefaultMaxAttempts = 2

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("pipeline: run not found")
	// ErrClosed is returned by StartRun and Run after Close.
	ErrClosed = errors.New("pipeline: coordinator closed")
)

type (
	// Stage is one named phase of the pipeline.
	Stage struct {
		// Name identifies the stage in records, artifacts and statuses.
		Name string
		// Producer names the agent producing the stage artifacts. Defaults
		// to Name.
		Producer string
		// Instructions is the system prompt of the stage.
		Instructions string
		// Action names the default single action of the stage. Defaults to
		// Name.
		Action string
		// Schema is an optional JSON Schema the structured output must
		// satisfy.
		Schema string
		// Filename names the stage artifact pair. Defaults to
		// "<name>.json".
		Filename string
		// Tools are exposed to the endpoint during the stage.
		Tools []*model.ToolDefinition
		// Envelope is an optional JSON proposal envelope listing the actions
		// of the stage. Parameters may be an object or a list of name/value
		// pairs; they are merged over the run request and the outputs of all
		// prior stages.
		Envelope string
		// Plan, when set, proposes the actions of the stage. The default
		// executes Envelope, or a single action carrying the run request
		// and the outputs of all prior stages.
		Plan func(in StageInput) (controller.Proposal, error)
	}

	// StageInput is what a stage sees of the run.
	StageInput struct {
		RunID   string
		Request string
		Attempt int
		// Prior holds the structured outputs of completed stages in order.
		Prior []StageOutput
	}

	// StageOutput is the structured output of a completed stage.
	StageOutput struct {
		Stage  string
		Output json.RawMessage
	}

	// Gate decides whether the run may proceed to its terminal stage given
	// the structured output of the stage before it. A false verdict stops
	// the run as blocked with the returned reason.
	Gate func(ctx context.Context, output json.RawMessage) (pass bool, reason string, err error)

	// Input starts a run.
	Input struct {
		// Request is the user request driving the run. Required.
		Request string
		// RunID overrides the generated run id.
		RunID string
	}

	// RunStatus is the caller-facing state of a run.
	RunStatus struct {
		RunID   string
		Request string
		Status  Status
		// Stage is the current stage, or the stage at which the run stopped.
		Stage string
		// Attempt is the attempt count of Stage.
		Attempt int
		// Error describes why the run stopped, including the gate reason
		// for blocked runs.
		Error     string
		Stages    []StageStatus
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// StageStatus reports the progress of one stage.
	StageStatus struct {
		Name      string
		Status    Status
		Attempts  int
		Artifacts []string
		Error     string
	}

	// RunStore persists run statuses.
	RunStore interface {
		// Upsert stores the status, replacing any previous version.
		Upsert(ctx context.Context, st *RunStatus) error
		// Load returns the status of the run or ErrRunNotFound.
		Load(ctx context.Context, runID string) (*RunStatus, error)
	}

	// Interactor runs one stage interaction. controller.Controller
	// implements it.
	Interactor interface {
		Run(ctx context.Context, in controller.Interaction) (*controller.Result, error)
	}

	// TrailReader reads audit trails. audit.Log implements it.
	TrailReader interface {
		Query(ctx context.Context, f audit.Filter) (*audit.Trail, error)
	}
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFatalError, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Clone returns a deep copy of the status.
func (s *RunStatus) Clone() *RunStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.Stages = make([]StageStatus, len(s.Stages))
	for i, st := range s.Stages {
		st.Artifacts = append([]string(nil), st.Artifacts...)
		c.Stages[i] = st
	}
	return &c
}

// StageByName returns the status of the named stage.
func (s *RunStatus) StageByName(name string) (*StageStatus, bool) {
	for i := range s.Stages {
		if s.Stages[i].Name == name {
			return &s.Stages[i], true
		}
	}
	return nil, false
}
