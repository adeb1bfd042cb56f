// Package pulse publishes pipeline run events to goa.design/pulse streams and
// reads them back. Each run has its own stream named "run/<run_id>"; the
// stream entry name is the event type and the payload is the JSON encoded
// pipeline.Event.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/McKhanster/autoninja-sub001/features/stream/pulse/clients/pulse"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// StreamName(ev.RunID).
		StreamID func(pipeline.Event) (string, error)
	}

	// Sink implements pipeline.Sink. It is safe for concurrent use.
	Sink struct {
		client   clientspulse.Client
		streamID func(pipeline.Event) (string, error)
	}
)

var _ pipeline.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed run event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// StreamName returns the stream holding the events of a run.
func StreamName(runID string) string {
	return fmt.Sprintf("run/%s", runID)
}

// Publish appends ev to the stream of its run.
func (s *Sink) Publish(ctx context.Context, ev pipeline.Event) error {
	name, err := s.streamID(ev)
	if err != nil {
		return err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	_, err = str.Add(ctx, string(ev.Type), payload)
	return err
}

func defaultStreamID(ev pipeline.Event) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("run event missing run id")
	}
	return StreamName(ev.RunID), nil
}
