// Package policy codifies policy evaluation for the Agent Executor's
// tool-calling loop. Policy engines decide which tools remain available to
// an agent on each round, enforce resource caps (remaining tool calls,
// consecutive failures, time budget), and react to retry hints emitted by
// the tool dispatcher.
package policy

import (
	"context"
	"time"
)

type (
	// Engine decides which tools remain available on each executor round.
	// The executor invokes Decide before every round to compute the
	// allowlist and update caps.
	Engine interface {
		Decide(ctx context.Context, input Input) (Decision, error)
	}

	// Input groups the information available to the policy engine.
	Input struct {
		AgentID       string
		MissionID     string
		Tools         []ToolMetadata
		RetryHint     *RetryHint
		RemainingCaps CapsState
		Requested     []string // tool IDs explicitly requested this round
		Labels        map[string]string
	}

	// Decision captures one policy evaluation outcome.
	Decision struct {
		AllowedTools []string
		Caps         CapsState
		DisableTools bool
		Labels       map[string]string
		Metadata     map[string]any
	}

	// ToolMetadata describes one candidate tool available to an agent.
	ToolMetadata struct {
		ID          string
		Description string
		Tags        []string
	}

	// CapsState tracks remaining execution budgets for a round-bounded run.
	CapsState struct {
		MaxToolCalls                        int
		RemainingToolCalls                  int
		MaxConsecutiveFailedToolCalls       int
		RemainingConsecutiveFailedToolCalls int
		ExpiresAt                           time.Time
	}
)

// RetryReason categorizes a tool failure that produced a RetryHint.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
	RetryReasonForbidden         RetryReason = "forbidden"
	RetryReasonStackMismatch     RetryReason = "stack_mismatch"
)

// RetryHint communicates executor guidance after a tool failure so the
// policy engine can adjust allowlists or caps for the next round.
type RetryHint struct {
	Reason         RetryReason
	Tool           string
	RestrictToTool bool
	Message        string
}
