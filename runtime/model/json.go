package model

import (
	"encoding/json"
	"fmt"
)

type partJSON struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type messageJSON struct {
	Role  Role       `json:"role"`
	Parts []partJSON `json:"parts"`
}

// MarshalJSON encodes the message with a "type" discriminator on each part.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{Role: m.Role, Parts: make([]partJSON, 0, len(m.Parts))}
	for _, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			out.Parts = append(out.Parts, partJSON{Type: "text", Text: v.Text})
		case ToolUsePart:
			out.Parts = append(out.Parts, partJSON{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input})
		case ToolResultPart:
			out.Parts = append(out.Parts, partJSON{Type: "tool_result", ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError})
		default:
			return nil, fmt.Errorf("model: unsupported part type %T", p)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a message produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.Role = in.Role
	m.Parts = make([]Part, 0, len(in.Parts))
	for _, p := range in.Parts {
		switch p.Type {
		case "text":
			m.Parts = append(m.Parts, TextPart{Text: p.Text})
		case "tool_use":
			m.Parts = append(m.Parts, ToolUsePart{ID: p.ID, Name: p.Name, Input: p.Input})
		case "tool_result":
			m.Parts = append(m.Parts, ToolResultPart{ToolUseID: p.ToolUseID, Content: p.Content, IsError: p.IsError})
		default:
			return fmt.Errorf("model: unknown part type %q", p.Type)
		}
	}
	return nil
}
