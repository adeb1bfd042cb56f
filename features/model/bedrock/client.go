// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits the system prompt from the conversation,
// encodes tool schemas into Bedrock's ToolConfiguration and translates
// Converse responses (text and tool_use blocks) back into model.Response.
// Throttling is reported as a rate_limited model.ProviderError and never
// retried here.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/McKhanster/autoninja-sub001/runtime/model"
	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

const providerName = "bedrock"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a fake in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// Model is the model identifier used when a request does not name one.
	Model string

	// MaxTokens sets the default completion cap when a request does not specify
	// MaxTokens. When zero or negative, the client omits MaxTokens so Bedrock
	// uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// Logger is used for non-fatal diagnostics. When nil, defaults to a no-op
	// logger.
	Logger telemetry.Logger
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime RuntimeClient
	model   string
	maxTok  int
	temp    float32
	logger  telemetry.Logger
}

type requestParts struct {
	modelID    string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	sanToCanon map[string]string
}

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime: opts.Runtime,
		model:   opts.Model,
		maxTok:  opts.MaxTokens,
		temp:    opts.Temperature,
		logger:  logger,
	}, nil
}

// NewRuntime returns a Bedrock runtime client for region. Credentials come
// from the AWS default chain (environment, shared config, SSO, container and
// instance roles) unless accessKeyID is set. SDK retries are disabled: each
// Converse call reaches the endpoint at most once and throttling surfaces to
// the caller.
func NewRuntime(ctx context.Context, region, accessKeyID, secretAccessKey, sessionToken string, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if accessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	fns := make([]func(*bedrockruntime.Options), 0, len(optFns)+1)
	fns = append(fns, func(o *bedrockruntime.Options) {
		o.Retryer = aws.NopRetryer{}
		o.RetryMaxAttempts = 0
	})
	fns = append(fns, optFns...)
	return bedrockruntime.NewFromConfig(cfg, fns...), nil
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, errors.New("bedrock: request is required")
	}
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		return nil, wrapBedrockError("converse", err)
	}
	return translateResponse(output, parts.sanToCanon)
}

func (c *Client) prepareRequest(ctx context.Context, req *model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	toolConfig, canonToSan, sanToCanon, err := encodeTools(ctx, req.Tools, c.logger)
	if err != nil {
		return nil, err
	}
	// Bedrock rejects transcripts with tool blocks when no tool
	// configuration is sent.
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		return nil, errors.New("bedrock: messages contain tool_use/tool_result but no tools provided in request")
	}
	messages, err := encodeMessages(ctx, req.Messages, canonToSan, c.logger)
	if err != nil {
		return nil, err
	}
	var system []brtypes.SystemContentBlock
	if req.System != "" {
		system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	return &requestParts{
		modelID:    modelID,
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
		sanToCanon: sanToCanon,
	}, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req *model.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// isRateLimited reports whether err represents a provider rate limiting
// condition: HTTP 429 responses and ThrottlingException style error codes.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

func wrapBedrockError(operation string, err error) error {
	pe := &model.ProviderError{Provider: providerName, Operation: operation, Kind: model.ProviderErrorKindUnknown, Cause: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		pe.Message = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		pe.HTTPStatus = respErr.HTTPStatusCode()
		pe.RequestID = requestID(respErr)
	}
	if isRateLimited(err) {
		pe.Kind = model.ProviderErrorKindRateLimited
		pe.Retryable = true
		if pe.HTTPStatus == 0 {
			pe.HTTPStatus = http.StatusTooManyRequests
		}
		return pe
	}
	if pe.HTTPStatus > 0 {
		pe.Kind, pe.Retryable = model.KindForStatus(pe.HTTPStatus)
	}
	if pe.Kind == model.ProviderErrorKindUnknown {
		switch pe.Code {
		case "ValidationException":
			pe.Kind = model.ProviderErrorKindInvalidRequest
		case "AccessDeniedException", "UnrecognizedClientException":
			pe.Kind = model.ProviderErrorKindAuth
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException":
			pe.Kind, pe.Retryable = model.ProviderErrorKindUnavailable, true
		}
	}
	return pe
}

func requestID(respErr *smithyhttp.ResponseError) string {
	if respErr.Response == nil || respErr.Response.Response == nil {
		return ""
	}
	return respErr.Response.Header.Get("X-Amzn-Requestid")
}

func encodeMessages(ctx context.Context, msgs []*model.Message, nameMap map[string]string, logger telemetry.Logger) ([]brtypes.Message, error) {
	// Bedrock restricts toolUseId to [a-zA-Z0-9_-]{1,64}; other ids are
	// remapped consistently within the request.
	toolUseIDMap := make(map[string]string)
	nextToolUseID := 0

	conversation := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ToolUsePart:
				sanitized, ok := nameMap[v.Name]
				if !ok || sanitized == "" {
					return nil, fmt.Errorf("bedrock: tool_use in messages references %q which is not in the current tool configuration", v.Name)
				}
				tb := brtypes.ToolUseBlock{
					Name:  aws.String(sanitized),
					Input: toDocument(ctx, v.Input, logger),
				}
				if id := toolUseIDFor(v.ID, toolUseIDMap, &nextToolUseID); id != "" {
					tb.ToolUseId = aws.String(id)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case model.ToolResultPart:
				tr := brtypes.ToolResultBlock{Content: toolResultContent(ctx, v.Content, logger)}
				if id := toolUseIDFor(v.ToolUseID, toolUseIDMap, &nextToolUseID); id != "" {
					tr.ToolUseId = aws.String(id)
				}
				if v.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleAssistant
		if m.Role == model.RoleUser {
			role = brtypes.ConversationRoleUser
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, nil
}

// toolResultContent encodes JSON strings as text blocks and objects as JSON
// documents. Other JSON values are wrapped in {"result": ...}.
func toolResultContent(ctx context.Context, content json.RawMessage, logger telemetry.Logger) []brtypes.ToolResultContentBlock {
	var v any
	if len(content) > 0 {
		if err := json.Unmarshal(content, &v); err != nil {
			return []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: string(content)}}
		}
	}
	switch val := v.(type) {
	case string:
		return []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: val}}
	case map[string]any:
		return []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: lazyDocument(val)}}
	default:
		return []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: lazyDocument(map[string]any{"result": val})}}
	}
}

func encodeTools(ctx context.Context, defs []*model.ToolDefinition, logger telemetry.Logger) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	// canonToSan maps canonical tool names to provider-visible sanitized names.
	canonToSan := make(map[string]string, len(defs))
	// sanToCanon is the reverse map used to translate provider names back.
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		canonical := def.Name
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q is missing description", canonical)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(ctx, def.InputSchema, logger)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

func toolUseIDFor(canonical string, toolUseIDMap map[string]string, nextToolUseID *int) string {
	if canonical == "" {
		return ""
	}
	if isProviderSafeToolUseID(canonical) {
		return canonical
	}
	if id, ok := toolUseIDMap[canonical]; ok {
		return id
	}
	*nextToolUseID++
	id := fmt.Sprintf("t%d", *nextToolUseID)
	toolUseIDMap[canonical] = id
	return id
}

func toDocument(ctx context.Context, schema any, logger telemetry.Logger) document.Interface {
	if schema == nil {
		return lazyDocument(map[string]any{"type": "object"})
	}
	switch v := schema.(type) {
	case document.Interface:
		return v
	case json.RawMessage:
		if len(v) == 0 {
			return lazyDocument(map[string]any{})
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			logger.Error(ctx, "failed to unmarshal document", "component", "bedrock", "err", err)
			return lazyDocument(map[string]any{})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(v)
	}
}

// isProviderSafeToolUseID reports whether id matches [a-zA-Z0-9_-]{1,64}.
func isProviderSafeToolUseID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				resp.Content = append(resp.Content, model.Message{
					Role:  model.RoleAssistant,
					Parts: []model.Part{model.TextPart{Text: v.Value}},
				})
			case *brtypes.ContentBlockMemberToolUse:
				var name string
				if v.Value.Name != nil {
					raw := *v.Value.Name
					canonical, ok := nameMap[raw]
					if !ok {
						return nil, fmt.Errorf("bedrock: tool name %q not in reverse map", raw)
					}
					name = canonical
				}
				var id string
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:      id,
					Name:    name,
					Payload: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

// messagesHaveToolBlocks reports whether any message carries a tool_use or
// tool_result part.
func messagesHaveToolBlocks(msgs []*model.Message) bool {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch p.(type) {
			case model.ToolUsePart, model.ToolResultPart:
				return true
			}
		}
	}
	return false
}
