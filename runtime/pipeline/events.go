package pipeline

import (
	"context"
	"time"
)

// EventType identifies a run event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventGateEvaluated  EventType = "gate_evaluated"
	EventRunFinished    EventType = "run_finished"
)

type (
	// Event reports run progress to observers.
	Event struct {
		Type    EventType `json:"type"`
		RunID   string    `json:"run_id"`
		Stage   string    `json:"stage,omitempty"`
		Attempt int       `json:"attempt,omitempty"`
		Status  Status    `json:"status,omitempty"`
		// Error is the failure message of failed stages and stopped runs,
		// or the gate reason.
		Error     string    `json:"error,omitempty"`
		Artifacts []string  `json:"artifacts,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Sink receives run events. Publish failures are logged and never stop
	// a run.
	Sink interface {
		Publish(ctx context.Context, ev Event) error
	}

	noopSink struct{}
)

func (noopSink) Publish(context.Context, Event) error { return nil }
