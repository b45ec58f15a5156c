// Package executor implements the Agent Executor: a bounded tool-calling
// loop over a single model.Client call that produces one agent turn. The
// loop is a bounded iteration, never recursive, and it keeps every tool
// result message directly after the tool_calls message it answers.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/memory"
	"github.com/swarmforge/orchestrator/runtime/model"
	"github.com/swarmforge/orchestrator/runtime/policy"
	"github.com/swarmforge/orchestrator/runtime/tools"
)

// DefaultMaxRounds bounds the number of (LLM call, tool dispatch) round
// trips an Executor performs for a single turn.
const DefaultMaxRounds = 15

// ErrEscalate is returned when a tool result carries a policy-required
// human-approval refusal signal; the Executor halts the loop without a
// final output and the caller is expected to emit an escalate message.
var ErrEscalate = errors.New("executor: escalation required")

// ApprovalRefusalMarker is the tool-result metadata key the Executor checks
// to detect a refusal signal required by policy.
const ApprovalRefusalMarker = "requires_human_approval"

type (
	// PhaseContext identifies where a turn runs for observability and for
	// memory scoping.
	PhaseContext struct {
		MissionID string
		ProjectID string
		PhaseName string
		SprintID  string
		PatternID string
	}

	// Binding names the resolved model.Client and model class an Executor
	// calls for this turn (produced by Darwin model selection or static
	// routing fallback).
	Binding struct {
		Client     model.Client
		ModelClass model.ModelClass
		Model      string
		Provider   string
	}

	// Turn is the result of running one Agent Executor loop.
	Turn struct {
		// Output is the final assistant content, or the last partial
		// content when the round cap was hit.
		Output string
		// Messages is the full conversation produced by this turn
		// (assistant + tool messages), appended to the caller's history.
		Messages []*model.Message
		// ToolCalls records every tool call issued this turn, in order.
		ToolCalls []domain.ToolCallRecord
		// RoundCapReached is true when the loop terminated because
		// round_count reached MaxRounds rather than a final message.
		RoundCapReached bool
		// Escalated is true when the loop halted on a required-approval
		// refusal signal; Output is empty in that case.
		Escalated bool
		Usage     model.TokenUsage
	}

	// Executor runs one bounded tool-calling loop for an agent.
	Executor struct {
		maxRounds int
		memory    *memory.Manager
		toolReg   *tools.Registry
		policy    policy.Engine
	}
)

// New constructs an Executor. maxRounds <= 0 uses DefaultMaxRounds. policyEng
// may be nil, in which case every tool in the caller's allow-list remains
// available every round.
func New(maxRounds int, mem *memory.Manager, toolReg *tools.Registry, policyEng policy.Engine) *Executor {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Executor{maxRounds: maxRounds, memory: mem, toolReg: toolReg, policy: policyEng}
}

// Run executes one agent turn: it injects context, calls the LLM, dispatches
// any requested tool calls through toolReg, and repeats until a final
// assistant message is produced or the round cap is reached.
func (e *Executor) Run(
	ctx context.Context,
	agent domain.AgentDefinition,
	history []*model.Message,
	caller tools.CallerContext,
	phase PhaseContext,
	binding Binding,
) (Turn, error) {
	messages := append([]*model.Message(nil), history...)
	if e.memory != nil {
		if fragment := e.injectFragment(ctx, agent, phase); fragment != "" {
			messages = append([]*model.Message{{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: fragment}}}}, messages...)
		}
	}

	allowed := caller.AllowedTools
	var turn Turn
	round := 0
	for {
		if round >= e.maxRounds {
			turn.RoundCapReached = true
			turn.Output = lastAssistantText(messages)
			return turn, nil
		}

		req := &model.Request{
			RunID:      phase.MissionID,
			Model:      binding.Model,
			ModelClass: binding.ModelClass,
			Messages:   messages,
			Tools:      e.toolDefinitions(allowed),
		}
		resp, err := binding.Client.Complete(ctx, req)
		if err != nil {
			return turn, fmt.Errorf("executor: model call: %w", err)
		}
		turn.Usage.InputTokens += resp.Usage.InputTokens
		turn.Usage.OutputTokens += resp.Usage.OutputTokens
		turn.Usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			assistant := &model.Message{Role: model.RoleAssistant, Parts: partsFromContent(resp.Content)}
			messages = append(messages, assistant)
			turn.Output = flattenText(resp.Content)
			turn.Messages = messages
			return turn, nil
		}

		round++
		assistantMsg := &model.Message{Role: model.RoleAssistant, Parts: toolUseParts(resp.ToolCalls)}
		messages = append(messages, assistantMsg)

		resultMsg, records, escalate := e.dispatchRound(ctx, agent, caller, phase, resp.ToolCalls)
		// Tool-call ordering invariant: the tool result message must
		// directly follow the tool_calls it answers; resultMsg is
		// assembled in full before being appended so no partial pair is
		// ever visible to the next Complete call.
		messages = append(messages, resultMsg)
		turn.ToolCalls = append(turn.ToolCalls, records...)

		if escalate {
			turn.Escalated = true
			turn.Messages = messages
			return turn, ErrEscalate
		}

		if e.policy != nil {
			allowed = e.applyPolicy(ctx, agent, phase, allowed, round)
		}
	}
}

func (e *Executor) dispatchRound(
	ctx context.Context, agent domain.AgentDefinition, caller tools.CallerContext,
	phase PhaseContext, calls []model.ToolCall,
) (*model.Message, []domain.ToolCallRecord, bool) {
	parts := make([]model.Part, 0, len(calls))
	records := make([]domain.ToolCallRecord, 0, len(calls))
	escalate := false
	for _, call := range calls {
		args := decodeArgs(call.Payload)
		result := e.toolReg.Dispatch(ctx, caller, call.Name, args)

		rec := domain.ToolCallRecord{
			AgentID:        agent.ID,
			Tool:           call.Name,
			Arguments:      args,
			Result:         result.Result,
			Duration:       result.Duration,
			IdempotencyKey: result.IdempotencyKey,
		}
		content := ""
		isErr := false
		if result.Err != nil {
			rec.Err = result.Err.Error()
			content = result.Err.Error()
			isErr = true
		} else {
			content = stringifyResult(result.Result)
			if refusalSignaled(result.Result) {
				escalate = true
			}
		}
		records = append(records, rec)
		parts = append(parts, model.ToolResultPart{ToolUseID: call.ID, Content: content, IsError: isErr})
	}
	return &model.Message{Role: model.RoleUser, Parts: parts}, records, escalate
}

// refusalSignaled detects the policy-required human-approval refusal signal
// a tool result may carry.
func refusalSignaled(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	v, ok := m[ApprovalRefusalMarker]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (e *Executor) injectFragment(ctx context.Context, agent domain.AgentDefinition, phase PhaseContext) string {
	return e.memory.InjectContext(ctx, memory.SearchQuery{
		Text:              phase.PhaseName,
		SessionScope:      phase.SprintID,
		PatternScope:      phase.PatternID,
		ProjectScope:      phase.ProjectID,
		ViewerAgentID:     agent.ID,
		ViewerAdversarial: agent.Role == domain.RoleAdversarial,
	})
}

func (e *Executor) applyPolicy(ctx context.Context, agent domain.AgentDefinition, phase PhaseContext, allowed []string, round int) []string {
	tools := make([]policy.ToolMetadata, 0, len(allowed))
	for _, id := range allowed {
		tools = append(tools, policy.ToolMetadata{ID: id})
	}
	decision, err := e.policy.Decide(ctx, policy.Input{
		AgentID:   agent.ID,
		MissionID: phase.MissionID,
		Tools:     tools,
		RemainingCaps: policy.CapsState{
			MaxToolCalls:        e.maxRounds,
			RemainingToolCalls:  e.maxRounds - round,
			ExpiresAt:           time.Time{},
		},
	})
	if err != nil || decision.DisableTools {
		return allowed
	}
	return decision.AllowedTools
}

func (e *Executor) toolDefinitions(allowed []string) []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(allowed))
	for _, name := range allowed {
		spec, ok := e.toolReg.Spec(name)
		if !ok {
			continue
		}
		defs = append(defs, &model.ToolDefinition{Name: spec.Name, Description: spec.Description, InputSchema: spec.InputSchema})
	}
	return defs
}

func partsFromContent(content []model.Message) []model.Part {
	var parts []model.Part
	for _, m := range content {
		parts = append(parts, m.Parts...)
	}
	return parts
}

func toolUseParts(calls []model.ToolCall) []model.Part {
	parts := make([]model.Part, 0, len(calls))
	for _, c := range calls {
		parts = append(parts, model.ToolUsePart{ID: c.ID, Name: c.Name, Payload: c.Payload})
	}
	return parts
}

func flattenText(content []model.Message) string {
	var out string
	for _, m := range content {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				out += t.Text
			}
		}
	}
	return out
}

func lastAssistantText(messages []*model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != model.RoleAssistant {
			continue
		}
		var out string
		for _, p := range messages[i].Parts {
			if t, ok := p.(model.TextPart); ok {
				out += t.Text
			}
		}
		return out
	}
	return ""
}

func decodeArgs(payload json.RawMessage) map[string]any {
	var args map[string]any
	if len(payload) == 0 {
		return map[string]any{}
	}
	if err := json.Unmarshal(payload, &args); err != nil {
		return map[string]any{}
	}
	return args
}

func stringifyResult(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}
