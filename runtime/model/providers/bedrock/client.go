// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API: split system vs. conversational messages, encode tool
// schemas into Bedrock's ToolConfiguration, and translate Converse responses
// (text + tool_use blocks) back into model.Response.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/swarmforge/orchestrator/runtime/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter, matched by *bedrockruntime.Client so tests can supply a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float32
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float32
}

// New initializes a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

func (c *Client) modelFor(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case model.ModelClassHeavyReasoning, model.ModelClassHeavyProduction:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ModelClassLightReasoning, model.ModelClassLightProduction, model.ModelClassRedaction:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

type requestParts struct {
	modelID                 string
	messages                []brtypes.Message
	system                  []brtypes.SystemContentBlock
	toolConfig              *brtypes.ToolConfiguration
	toolNameProvToCanonical map[string]string
}

// Complete issues a Converse request and translates the response into a
// model.Response (assistant text + tool calls + usage).
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:    &parts.modelID,
		Messages:   parts.messages,
		System:     parts.system,
		ToolConfig: parts.toolConfig,
	}
	if c.maxTok > 0 || c.temp != 0 {
		maxTok := int32(req.MaxTokens)
		if maxTok <= 0 {
			maxTok = int32(c.maxTok)
		}
		temp := req.Temperature
		if temp == 0 {
			temp = c.temp
		}
		cfg := &brtypes.InferenceConfiguration{}
		if maxTok > 0 {
			cfg.MaxTokens = &maxTok
		}
		if temp != 0 {
			f := temp
			cfg.Temperature = &f
		}
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

func (c *Client) prepareRequest(req *model.Request) (*requestParts, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: at least one message is required")
	}
	parts := &requestParts{modelID: c.modelFor(req), toolNameProvToCanonical: map[string]string{}}
	for _, m := range req.Messages {
		text := flattenText(m)
		switch m.Role {
		case model.RoleSystem:
			parts.system = append(parts.system, &brtypes.SystemContentBlockMemberText{Value: text})
		case model.RoleUser:
			parts.messages = append(parts.messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			})
		case model.RoleAssistant:
			parts.messages = append(parts.messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			})
		}
	}
	if len(req.Tools) > 0 {
		var specs []brtypes.Tool
		for _, td := range req.Tools {
			raw, _ := json.Marshal(td.InputSchema)
			var schema map[string]any
			_ = json.Unmarshal(raw, &schema)
			parts.toolNameProvToCanonical[td.Name] = td.Name
			specs = append(specs, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        &td.Name,
					Description: &td.Description,
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
				},
			})
		}
		parts.toolConfig = &brtypes.ToolConfiguration{Tools: specs}
	}
	return parts, nil
}

func flattenText(m *model.Message) string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(model.TextPart); ok {
			out += t.Text
		}
	}
	return out
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: converse output is nil")
	}
	resp := &model.Response{StopReason: string(output.StopReason)}
	msgOutput, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	var content []model.Part
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if b.Value != "" {
				content = append(content, model.TextPart{Text: b.Value})
			}
		case *brtypes.ContentBlockMemberToolUse:
			raw, _ := json.Marshal(b.Value.Input)
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:      *b.Value.ToolUseId,
				Name:    *b.Value.Name,
				Payload: raw,
			})
		}
	}
	if len(content) > 0 {
		resp.Content = append(resp.Content, model.Message{Role: model.RoleAssistant, Parts: content})
	}
	if output.Usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(*output.Usage.InputTokens),
			OutputTokens: int(*output.Usage.OutputTokens),
			TotalTokens:  int(*output.Usage.TotalTokens),
		}
	}
	return resp, nil
}

// isRateLimited reports whether err represents a Bedrock throttling
// condition, via either a smithy API error code or an HTTP 429 response.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}

// isUnavailable reports whether err is a transient transport or server-side
// failure: a timeout, a dropped connection, a retriable service fault, or a
// 5xx response. These wrap as model.ErrProviderUnavailable so the Router
// falls through to the next provider instead of surfacing the error to the
// caller.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException", "ModelNotReadyException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500
}
