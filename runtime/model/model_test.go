package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseText(t *testing.T) {
	t.Parallel()

	resp := &Response{Content: []Message{
		{Role: RoleAssistant, Parts: []Part{TextPart{Text: "hello "}, ToolUsePart{Name: "x"}}},
		{Role: RoleAssistant, Parts: []Part{TextPart{Text: "world"}}},
	}}
	assert.Equal(t, "hello world", resp.Text())

	var nilResp *Response
	assert.Empty(t, nilResp.Text())
}

func TestMessageJSON(t *testing.T) {
	t.Parallel()

	msg := Message{Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "calling"},
		ToolUsePart{ID: "t1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
		ToolResultPart{ToolUseID: "t1", Content: json.RawMessage(`"ok"`), IsError: true},
	}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","parts":[
		{"type":"text","text":"calling"},
		{"type":"tool_use","id":"t1","name":"lookup","input":{"q":"x"}},
		{"type":"tool_result","tool_use_id":"t1","content":"ok","is_error":true}]}`, string(data))

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Parts, 3)
	assert.Equal(t, TextPart{Text: "calling"}, decoded.Parts[0])

	require.Error(t, json.Unmarshal([]byte(`{"role":"user","parts":[{"type":"image"}]}`), &decoded))
}

func TestProviderErrorMatchesRateLimited(t *testing.T) {
	t.Parallel()

	cause := errors.New("ThrottlingException")
	pe := &ProviderError{Provider: "bedrock", Operation: "converse", HTTPStatus: 429, Kind: ProviderErrorKindRateLimited, Retryable: true, Cause: cause}
	wrapped := fmt.Errorf("invoke: %w", pe)

	assert.ErrorIs(t, wrapped, ErrRateLimited)
	assert.ErrorIs(t, wrapped, cause)
	got, ok := AsProviderError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "bedrock rate_limited 429 (converse): ThrottlingException", got.Error())

	other := &ProviderError{Provider: "bedrock", Kind: ProviderErrorKindAuth}
	assert.NotErrorIs(t, other, ErrRateLimited)
	assert.Equal(t, "bedrock auth (request): provider error", other.Error())
}

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		kind      ProviderErrorKind
		retryable bool
	}{
		{401, ProviderErrorKindAuth, false},
		{403, ProviderErrorKindAuth, false},
		{429, ProviderErrorKindRateLimited, true},
		{500, ProviderErrorKindUnavailable, true},
		{408, ProviderErrorKindUnavailable, true},
		{400, ProviderErrorKindInvalidRequest, false},
		{0, ProviderErrorKindUnknown, false},
	}
	for _, c := range cases {
		kind, retryable := KindForStatus(c.status)
		assert.Equal(t, c.kind, kind, "status %d", c.status)
		assert.Equal(t, c.retryable, retryable, "status %d", c.status)
	}
}
