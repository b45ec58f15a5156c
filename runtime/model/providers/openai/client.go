// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API using github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/swarmforge/orchestrator/runtime/model"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter, satisfied by the real SDK's Chat.Completions service.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		DefaultModel string
		SmallModel   string
		MaxTokens    int
		Temperature  float64
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		smallModel   string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete renders a chat completion via the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	return translateResponse(resp)
}

func (c *Client) modelFor(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	if req.ModelClass == model.ModelClassLightReasoning || req.ModelClass == model.ModelClassLightProduction || req.ModelClass == model.ModelClassRedaction {
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	var messages []sdk.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		text := flattenText(m)
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, sdk.SystemMessage(text))
		case model.RoleUser:
			messages = append(messages, sdk.UserMessage(text))
		case model.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(text))
		}
	}

	params := &sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.modelFor(req)),
		Messages: messages,
	}
	if temp := req.Temperature; temp != 0 {
		params.Temperature = sdk.Float(float64(temp))
	} else if c.temp != 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	} else if c.maxTok > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(c.maxTok))
	}
	for _, td := range req.Tools {
		raw, _ := json.Marshal(td.InputSchema)
		var schema map[string]any
		_ = json.Unmarshal(raw, &schema)
		params.Tools = append(params.Tools, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        td.Name,
				Description: sdk.String(td.Description),
				Parameters:  schema,
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

func translateResponse(resp *sdk.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}
	choice := resp.Choices[0]
	out := &model.Response{StopReason: string(choice.FinishReason)}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, model.Message{
			Role:  model.RoleAssistant,
			Parts: []model.Part{model.TextPart{Text: choice.Message.Content}},
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			Payload: json.RawMessage(tc.Function.Arguments),
		})
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return out, nil
}

// isRateLimited reports whether err represents an OpenAI 429 response.
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
