// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates Requests into anthropic.Message
// calls using github.com/anthropics/anthropic-sdk-go and maps responses back
// into the generic model.Response structures the executor consumes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/swarmforge/orchestrator/runtime/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter, satisfied by *sdk.MessageService so tests can supply a fake.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		DefaultModel string
		HighModel    string
		SmallModel   string
		MaxTokens    int
		Temperature  float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed model client from the provided Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// reading ANTHROPIC_API_KEY conventions via sdk.NewClient.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into a model.Response (assistant text + tool calls + usage).
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
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

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var system string
	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		text := flattenText(m)
		switch m.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += text
		case model.RoleUser:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(text)))
		case model.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		}
	}

	params := &sdk.MessageNewParams{
		Model:       sdk.Model(c.modelFor(req)),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: sdk.Float(float64(req.Temperature)),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        td.Name,
				Description: sdk.String(td.Description),
				InputSchema: toInputSchema(td.InputSchema),
			},
		})
	}
	return params, nil
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

func toInputSchema(schema any) sdk.ToolInputSchemaParam {
	raw, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}
	}
	var parsed map[string]any
	_ = json.Unmarshal(raw, &parsed)
	return sdk.ToolInputSchemaParam{Properties: parsed["properties"]}
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{StopReason: string(msg.StopReason)}
	var content []model.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				content = append(content, model.TextPart{Text: block.Text})
			}
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:      block.ID,
				Name:    block.Name,
				Payload: json.RawMessage(block.Input),
			})
		}
	}
	if len(content) > 0 {
		resp.Content = append(resp.Content, model.Message{Role: model.RoleAssistant, Parts: content})
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp, nil
}

// isRateLimited reports whether err represents an Anthropic rate-limiting
// response (HTTP 429).
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// isUnavailable reports whether err is a transient transport or server-side
// failure: a timeout, a dropped connection, or a 5xx response. These wrap
// as model.ErrProviderUnavailable so the Router falls through to the next
// provider instead of surfacing the error to the caller.
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
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}
