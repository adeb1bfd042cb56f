package api

import (
	"encoding/json"
	"time"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
)

type (
	// StartRunRequest is the body of POST /v1/runs.
	StartRunRequest struct {
		Request string `json:"request"`
		RunID   string `json:"run_id,omitempty"`
	}

	// StartRunResponse is the body returned by POST /v1/runs.
	StartRunResponse struct {
		RunID string `json:"run_id"`
	}

	// RunResponse is the body of GET /v1/runs/:id.
	RunResponse struct {
		RunID     string          `json:"run_id"`
		Request   string          `json:"request"`
		Status    string          `json:"status"`
		Stage     string          `json:"stage,omitempty"`
		Attempt   int             `json:"attempt"`
		Error     string          `json:"error,omitempty"`
		Stages    []StageResponse `json:"stages"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// StageResponse reports one stage of a run.
	StageResponse struct {
		Name      string   `json:"name"`
		Status    string   `json:"status"`
		Attempts  int      `json:"attempts"`
		Artifacts []string `json:"artifacts,omitempty"`
		Error     string   `json:"error,omitempty"`
	}

	// TrailResponse is the body of GET /v1/runs/:id/trail.
	TrailResponse struct {
		RunID      string           `json:"run_id"`
		Records    []RecordResponse `json:"records"`
		Artifacts  []string         `json:"artifacts"`
		Incomplete []string         `json:"incomplete,omitempty"`
		Stale      []string         `json:"stale,omitempty"`
	}

	// RecordResponse is one audit record.
	RecordResponse struct {
		Sequence      string          `json:"sequence"`
		Stage         string          `json:"stage"`
		Action        string          `json:"action"`
		CorrelationID string          `json:"correlation_id,omitempty"`
		Attempt       int             `json:"attempt"`
		Model         string          `json:"model,omitempty"`
		Status        string          `json:"status"`
		Request       json.RawMessage `json:"request,omitempty"`
		Response      json.RawMessage `json:"response,omitempty"`
		DurationMS    int64           `json:"duration_ms"`
		ArtifactRefs  []string        `json:"artifact_refs,omitempty"`
		ErrorMessage  string          `json:"error_message,omitempty"`
		Usage         audit.Usage     `json:"usage"`
		OpenedAt      time.Time       `json:"opened_at"`
		ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	}
)

// NewRunResponse converts a run status to its wire form.
func NewRunResponse(st *pipeline.RunStatus) *RunResponse {
	res := &RunResponse{
		RunID:     st.RunID,
		Request:   st.Request,
		Status:    string(st.Status),
		Stage:     st.Stage,
		Attempt:   st.Attempt,
		Error:     st.Error,
		Stages:    make([]StageResponse, len(st.Stages)),
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
	for i, s := range st.Stages {
		res.Stages[i] = StageResponse{
			Name:      s.Name,
			Status:    string(s.Status),
			Attempts:  s.Attempts,
			Artifacts: s.Artifacts,
			Error:     s.Error,
		}
	}
	return res
}

// NewTrailResponse converts an audit trail to its wire form.
func NewTrailResponse(t *audit.Trail) *TrailResponse {
	res := &TrailResponse{
		RunID:     t.RunID,
		Records:   make([]RecordResponse, len(t.Records)),
		Artifacts: t.Artifacts,
	}
	if res.Artifacts == nil {
		res.Artifacts = []string{}
	}
	for i, r := range t.Records {
		rec := RecordResponse{
			Sequence:      r.Sequence,
			Stage:         r.Stage,
			Action:        r.Action,
			CorrelationID: r.CorrelationID,
			Attempt:       r.Attempt,
			Model:         r.Model,
			Status:        string(r.Status),
			Request:       r.Request,
			Response:      r.Response,
			DurationMS:    r.Duration.Milliseconds(),
			ArtifactRefs:  r.ArtifactRefs,
			ErrorMessage:  r.ErrorMessage,
			Usage:         r.Usage,
			OpenedAt:      r.OpenedAt,
		}
		if !r.ClosedAt.IsZero() {
			closed := r.ClosedAt
			rec.ClosedAt = &closed
		}
		res.Records[i] = rec
	}
	for _, k := range t.Incomplete {
		res.Incomplete = append(res.Incomplete, k.Sequence)
	}
	for _, k := range t.Stale {
		res.Stale = append(res.Stale, k.Sequence)
	}
	return res
}
