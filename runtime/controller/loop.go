package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	"github.com/McKhanster/autoninja-sub001/runtime/model"
)

// run holds the mutable state of one interaction.
type run struct {
	c     *Controller
	in    Interaction
	state State

	pending    []Action
	action     Action
	transcript []*model.Message
	// followUp is set when the next call continues the current action
	// (after a tool result or a throttled attempt) instead of starting the
	// next one.
	followUp  bool
	throttled int

	res *Result
}

type (
	requestPayload struct {
		Action        string           `json:"action"`
		CorrelationID string           `json:"correlation_id"`
		Model         string           `json:"model,omitempty"`
		System        string           `json:"system,omitempty"`
		Messages      []*model.Message `json:"messages"`
		Tools         []string         `json:"tools,omitempty"`
		MaxTokens     int              `json:"max_tokens,omitempty"`
	}

	responsePayload struct {
		Text       string           `json:"text,omitempty"`
		ToolCalls  []model.ToolCall `json:"tool_calls,omitempty"`
		StopReason string           `json:"stop_reason,omitempty"`
	}

	toolRequestPayload struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	}
)

func (r *run) loop(ctx context.Context) (*Result, error) {
	opts := r.c.opts
	r.to(StatePlanning)
	for {
		if err := ctx.Err(); err != nil {
			return nil, r.cancelled(err)
		}
		if !r.followUp {
			r.action = r.pending[0]
			r.pending = r.pending[1:]
			r.throttled = 0
			msg, err := actionMessage(r.action)
			if err != nil {
				return nil, err
			}
			r.transcript = append(r.transcript, msg)
		}
		r.followUp = false
		if r.res.ModelCalls >= opts.MaxModelCalls {
			return nil, fmt.Errorf("%w: %d calls", ErrTurnLimit, r.res.ModelCalls)
		}

		r.to(StateRateLimitWait)
		waited, err := opts.Limiter.Acquire(ctx, opts.EndpointKey, opts.MinInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil, r.cancelled(ctx.Err())
			}
			return nil, fmt.Errorf("controller: acquire %s: %w", opts.EndpointKey, err)
		}
		r.res.Waited += waited
		if err := ctx.Err(); err != nil {
			return nil, r.cancelled(err)
		}

		r.to(StateInvoking)
		req := r.request()
		key, err := r.open(ctx, r.action.Name, req)
		if err != nil {
			return nil, err
		}
		start := opts.Now()
		resp, callErr := r.invoke(ctx, req)
		dur := opts.Now().Sub(start)
		r.res.ModelCalls++
		opts.Metrics.RecordTimer("controller.model.call", dur, "stage", r.in.Stage, "action", r.action.Name)

		if err := ctx.Err(); err != nil {
			return nil, errors.Join(r.cancelled(err), r.closeError(key, dur, "cancelled", resp))
		}
		if callErr != nil {
			closeErr := r.closeError(key, dur, callErr.Error(), nil)
			if errors.Is(callErr, model.ErrRateLimited) {
				if err := r.onThrottle(ctx, callErr); err != nil {
					return nil, errors.Join(err, closeErr)
				}
				if closeErr != nil {
					return nil, closeErr
				}
				r.followUp = true
				r.to(StatePlanning)
				continue
			}
			return nil, errors.Join(fmt.Errorf("controller: %s: %w", r.action.Name, callErr), closeErr)
		}
		if err := opts.Limiter.Recovered(ctx, opts.EndpointKey); err != nil {
			opts.Logger.Warn(ctx, "clear endpoint penalty", "key", opts.EndpointKey, "err", err)
		}

		r.to(StateClassifying)
		text := resp.Text()
		switch {
		case len(resp.ToolCalls) > 0:
			if err := r.closeSuccess(key, dur, resp, nil); err != nil {
				return nil, err
			}
			r.to(StateDispatchTool)
			if err := r.dispatch(ctx, resp.ToolCalls); err != nil {
				return nil, err
			}
			r.followUp = true
		case text == "":
			opts.Metrics.IncCounter("controller.model.malformed", 1, "stage", r.in.Stage)
			closeErr := r.closeError(key, dur, "malformed output: empty response", resp)
			return nil, errors.Join(fmt.Errorf("%w: empty response to %s", ErrMalformedOutput, r.action.Name), closeErr)
		case len(r.pending) > 0:
			if err := r.closeSuccess(key, dur, resp, nil); err != nil {
				return nil, err
			}
			r.res.Answers = append(r.res.Answers, text)
			r.transcript = append(r.transcript, &model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.TextPart{Text: text}},
			})
		default:
			r.to(StateReturnFinal)
			res, err := r.finish(ctx, key, dur, resp, text)
			if err != nil {
				return nil, err
			}
			r.to(StateTerminal)
			return res, nil
		}
		r.to(StatePlanning)
	}
}

// finish converts the final answer, writes the artifact pair and closes the
// last record.
func (r *run) finish(ctx context.Context, key audit.RecordKey, dur time.Duration, resp *model.Response, text string) (*Result, error) {
	opts := r.c.opts
	convert := r.in.Convert
	if convert == nil {
		convert = func(s string) (json.RawMessage, error) { return json.Marshal(s) }
	}
	out, err := convert(text)
	if err != nil {
		opts.Metrics.IncCounter("controller.model.malformed", 1, "stage", r.in.Stage)
		closeErr := r.closeError(key, dur, "malformed output: "+err.Error(), resp)
		return nil, errors.Join(fmt.Errorf("%w: %s: %v", ErrMalformedOutput, r.action.Name, err), closeErr)
	}
	var keys audit.ArtifactKeys
	if r.in.Filename != "" {
		keys, err = opts.Audit.PutArtifact(ctx, audit.ArtifactRef{
			RunID:    r.in.RunID,
			Stage:    r.in.Stage,
			Producer: r.in.Producer,
			Filename: r.in.Filename,
		}, []byte(text), out)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, errors.Join(r.cancelled(cerr), r.closeError(key, dur, "cancelled", resp))
			}
			closeErr := r.closeError(key, dur, "write artifacts: "+err.Error(), resp)
			return nil, errors.Join(fmt.Errorf("controller: write artifacts: %w", err), closeErr)
		}
	}
	if err := r.closeSuccess(key, dur, resp, keys.Refs()); err != nil {
		return nil, err
	}
	r.res.Text = text
	r.res.Output = out
	r.res.Answers = append(r.res.Answers, text)
	r.res.Artifacts = keys
	return r.res, nil
}

// dispatch runs the first requested tool and appends the exchange to the
// transcript. Further tool requests of the same turn are dropped: the
// endpoint sees one tool result per turn and may ask again.
func (r *run) dispatch(ctx context.Context, calls []model.ToolCall) error {
	opts := r.c.opts
	call := calls[0]
	if len(calls) > 1 {
		opts.Logger.Warn(ctx, "dropping extra tool requests", "run_id", r.in.RunID, "stage", r.in.Stage, "dispatched", call.Name, "dropped", len(calls)-1)
	}
	opts.Metrics.IncCounter("controller.tool.call", 1, "stage", r.in.Stage, "tool", call.Name)
	r.res.ToolCalls++

	key, err := r.open(ctx, "tool:"+call.Name, toolRequestPayload{ID: call.ID, Name: call.Name, Args: call.Payload})
	if err != nil {
		return err
	}
	start := opts.Now()
	var result json.RawMessage
	if opts.Tools == nil {
		err = errors.New("no tool executor configured")
	} else {
		result, err = opts.Tools.Execute(ctx, ToolCall{
			RunID: r.in.RunID,
			Stage: r.in.Stage,
			ID:    call.ID,
			Name:  call.Name,
			Args:  call.Payload,
		})
	}
	dur := opts.Now().Sub(start)
	if cerr := ctx.Err(); cerr != nil {
		return errors.Join(r.cancelled(cerr), r.closeRecord(key, audit.Closure{Status: audit.StatusError, Duration: dur, ErrorMessage: "cancelled"}))
	}
	if err != nil {
		closeErr := r.closeRecord(key, audit.Closure{Status: audit.StatusError, Duration: dur, ErrorMessage: err.Error()})
		return errors.Join(fmt.Errorf("%w: %s: %v", ErrToolFailed, call.Name, err), closeErr)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if err := r.closeRecord(key, audit.Closure{Status: audit.StatusSuccess, Duration: dur, Response: result}); err != nil {
		return err
	}
	input := call.Payload
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	r.transcript = append(r.transcript,
		&model.Message{Role: model.RoleAssistant, Parts: []model.Part{model.ToolUsePart{ID: call.ID, Name: call.Name, Input: input}}},
		&model.Message{Role: model.RoleUser, Parts: []model.Part{model.ToolResultPart{ToolUseID: call.ID, Content: result}}},
	)
	return nil
}

// onThrottle widens the shared penalty and decides whether the call may be
// retried.
func (r *run) onThrottle(ctx context.Context, cause error) error {
	opts := r.c.opts
	opts.Metrics.IncCounter("controller.model.throttled", 1, "stage", r.in.Stage)
	penalty, err := opts.Limiter.Throttled(ctx, opts.EndpointKey)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx.Err())
		}
		opts.Logger.Warn(ctx, "widen endpoint penalty", "key", opts.EndpointKey, "err", err)
	}
	r.throttled++
	opts.Logger.Warn(ctx, "endpoint throttled", "run_id", r.in.RunID, "stage", r.in.Stage, "attempt", r.throttled, "penalty", penalty)
	if r.throttled > opts.MaxThrottleRetries {
		return fmt.Errorf("%w: %s after %d retries: %w", ErrThrottled, r.action.Name, opts.MaxThrottleRetries, cause)
	}
	return nil
}

func (r *run) request() *model.Request {
	opts := r.c.opts
	return &model.Request{
		Model:       opts.ModelID,
		System:      r.in.System,
		Messages:    append([]*model.Message(nil), r.transcript...),
		Tools:       r.in.Tools,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
}

// invoke calls the endpoint on a context detached from cancellation: once
// dispatched, a call runs to completion or to CallTimeout.
func (r *run) invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.opts.CallTimeout)
	defer cancel()
	resp, err := r.c.opts.Model.Complete(cctx, req)
	if err == nil && resp == nil {
		resp = &model.Response{}
	}
	return resp, err
}

func (r *run) open(ctx context.Context, action string, payload any) (audit.RecordKey, error) {
	opts := r.c.opts
	if p, ok := payload.(*model.Request); ok {
		tools := make([]string, 0, len(p.Tools))
		for _, t := range p.Tools {
			tools = append(tools, t.Name)
		}
		payload = requestPayload{
			Action:        r.action.Name,
			CorrelationID: r.action.CorrelationID,
			Model:         p.Model,
			System:        p.System,
			Messages:      p.Messages,
			Tools:         tools,
			MaxTokens:     p.MaxTokens,
		}
	}
	reqJSON, err := json.Marshal(payload)
	if err != nil {
		return audit.RecordKey{}, fmt.Errorf("controller: encode request: %w", err)
	}
	key, err := opts.Audit.Open(ctx, audit.OpenRequest{
		RunID:         r.in.RunID,
		Stage:         r.in.Stage,
		Action:        action,
		CorrelationID: r.action.CorrelationID,
		Attempt:       r.in.Attempt,
		Model:         opts.ModelID,
		Request:       reqJSON,
	})
	if err != nil {
		if ctx.Err() != nil {
			return audit.RecordKey{}, r.cancelled(ctx.Err())
		}
		return audit.RecordKey{}, fmt.Errorf("controller: open audit record: %w", err)
	}
	r.res.Records = append(r.res.Records, key)
	return key, nil
}

func (r *run) closeSuccess(key audit.RecordKey, dur time.Duration, resp *model.Response, refs []string) error {
	return r.closeRecord(key, audit.Closure{
		Response:     responseJSON(resp),
		Status:       audit.StatusSuccess,
		Duration:     dur,
		ArtifactRefs: refs,
		Usage:        usage(resp),
	})
}

func (r *run) closeError(key audit.RecordKey, dur time.Duration, msg string, resp *model.Response) error {
	return r.closeRecord(key, audit.Closure{
		Response:     responseJSON(resp),
		Status:       audit.StatusError,
		Duration:     dur,
		ErrorMessage: msg,
		Usage:        usage(resp),
	})
}

// closeRecord closes key on a context that survives run cancellation so that
// no record is left open by a cancelled run.
func (r *run) closeRecord(key audit.RecordKey, c audit.Closure) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := r.c.opts.Audit.Close(ctx, key, c); err != nil {
		r.c.opts.Logger.Error(ctx, "close audit record", "record", key.String(), "err", err)
		return fmt.Errorf("controller: close audit record %s: %w", key, err)
	}
	return nil
}

func (r *run) cancelled(cause error) error {
	r.c.opts.Logger.Info(context.Background(), "interaction cancelled", "run_id", r.in.RunID, "stage", r.in.Stage, "state", string(r.state))
	r.to(StateTerminal)
	return errors.Join(ErrCancelled, cause)
}

func (r *run) to(s State) {
	if r.state == s {
		return
	}
	from := r.state
	r.state = s
	if fn := r.c.opts.OnTransition; fn != nil {
		fn(r.in.RunID, from, s)
	}
}

func actionMessage(a Action) (*model.Message, error) {
	b, err := json.Marshal(struct {
		Action     string `json:"action"`
		Parameters Params `json:"parameters"`
	}{a.Name, a.Params})
	if err != nil {
		return nil, fmt.Errorf("%w: encode action %s: %v", ErrMalformedOutput, a.Name, err)
	}
	return model.UserText(string(b)), nil
}

func responseJSON(resp *model.Response) json.RawMessage {
	if resp == nil {
		return nil
	}
	b, err := json.Marshal(responsePayload{Text: resp.Text(), ToolCalls: resp.ToolCalls, StopReason: resp.StopReason})
	if err != nil {
		return nil
	}
	return b
}

func usage(resp *model.Response) audit.Usage {
	if resp == nil {
		return audit.Usage{}
	}
	return audit.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
}
