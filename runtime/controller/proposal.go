package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type (
	// Proposal is a planner decision: one or more actions the planner wants
	// executed. The controller executes them one at a time regardless of how
	// many are proposed.
	Proposal struct {
		Actions []Action `json:"actions"`
	}

	// Action is a single proposed call.
	Action struct {
		// Name identifies the action. Required.
		Name string `json:"action"`
		// Params carries the action arguments.
		Params Params `json:"parameters,omitempty"`
		// CorrelationID ties the action to the caller's envelope. Generated
		// when empty.
		CorrelationID string `json:"correlation_id,omitempty"`
	}

	// Params holds action arguments. It decodes from either a JSON object or
	// a list of {"name": ..., "value": ...} pairs.
	Params map[string]any

	namedValue struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
)

// ParseProposal decodes and validates a proposal envelope. Any defect is
// reported as malformed output.
func ParseProposal(data []byte) (Proposal, error) {
	var p Proposal
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Proposal{}, fmt.Errorf("%w: proposal: %v", ErrMalformedOutput, err)
	}
	if err := p.Validate(); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Validate checks required fields and fills in missing correlation ids.
func (p *Proposal) Validate() error {
	if len(p.Actions) == 0 {
		return fmt.Errorf("%w: proposal has no actions", ErrMalformedOutput)
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		if a.Name == "" {
			return fmt.Errorf("%w: action %d has no name", ErrMalformedOutput, i)
		}
		if a.CorrelationID == "" {
			a.CorrelationID = uuid.NewString()
		}
		if a.Params == nil {
			a.Params = Params{}
		}
	}
	return nil
}

// UnmarshalJSON accepts an object or a list of name/value pairs. Numbers
// decode as json.Number.
func (p *Params) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var pairs []namedValue
		if err := decodeNumbers(data, &pairs); err != nil {
			return err
		}
		out := make(Params, len(pairs))
		for _, nv := range pairs {
			if nv.Name == "" {
				return errors.New("parameter without name")
			}
			out[nv.Name] = nv.Value
		}
		*p = out
		return nil
	}
	var m map[string]any
	if err := decodeNumbers(data, &m); err != nil {
		return err
	}
	*p = m
	return nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
