// Package tools implements the Tool Runner: a role-aware dispatcher that
// validates arguments against a JSON schema, enforces an agent's allow-list,
// coalesces concurrent idempotent calls, and redirects generic calls to the
// platform-appropriate tool for the project's stack (a generic "build" call
// on an Android project runs the Android builder; calling a tool declared
// for a different stack fails with stack_mismatch).
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"
)

// SideEffectClass classifies a tool by the kind of side effect it performs,
// used to decide whether deploy-class approval gating applies.
type SideEffectClass string

const (
	SideEffectPure       SideEffectClass = "pure"
	SideEffectFilesystem SideEffectClass = "filesystem"
	SideEffectNetwork    SideEffectClass = "network"
	SideEffectDeploy     SideEffectClass = "deploy"
)

// DefaultTimeout bounds a single tool invocation when a Spec does not
// declare its own.
const DefaultTimeout = 60 * time.Second

var (
	// ErrForbidden is returned when an agent calls a tool outside its
	// AllowedTools allow-list.
	ErrForbidden = errors.New("tools: forbidden")
	// ErrStackMismatch is returned when an agent calls a tool declared for
	// a different technology stack than the project's. Generic tools avoid
	// this by declaring RedirectsByStack, which Dispatch resolves before
	// the check; a direct cross-stack call is a bypass attempt and fails.
	ErrStackMismatch = errors.New("tools: stack_mismatch")
	// ErrApprovalRequired is returned when a deploy-class tool is called
	// without a recorded human approval.
	ErrApprovalRequired = errors.New("tools: approval_required")
	// ErrUnknownTool is returned when no Spec is registered for a name.
	ErrUnknownTool = errors.New("tools: unknown tool")
)

type (
	// Spec declares one callable tool: its JSON schema, default timeout,
	// side-effect class, idempotency scope, and the technology stack it
	// targets (empty means stack-agnostic). A generic tool (e.g. "build")
	// declares RedirectsByStack so Dispatch resolves the call to the
	// platform-appropriate tool for the caller's project stack instead of
	// executing the generic handler.
	Spec struct {
		Name             string
		Description      string
		InputSchema      *jsonschema.Schema
		Timeout          time.Duration
		SideEffect       SideEffectClass
		Idempotent       bool
		Stack            string
		RedirectsByStack map[string]string // project stack -> tool name
		Handler          Handler
	}

	// Handler executes one validated tool call.
	Handler func(ctx context.Context, args map[string]any) (result any, err error)

	// CallerContext carries the caller's identity and authorization state
	// for one dispatch.
	CallerContext struct {
		AgentID       string
		AllowedTools  []string
		MayDeploy     bool
		ProjectStack  string
		ApprovedCalls map[string]bool // idempotency-key -> approved, for deploy-class gating
	}

	// Result is the outcome of one dispatched call. Name is the tool that
	// actually executed; RedirectedFrom is set when a generic call was
	// resolved to the stack-appropriate tool.
	Result struct {
		Name           string
		RedirectedFrom string
		Result         any
		Err            error
		Duration       time.Duration
		IdempotencyKey string
		Coalesced      bool
	}

	// Registry holds Specs and dispatches calls through allow-list,
	// stack redirect resolution, schema validation, idempotency
	// coalescing, and stack-mismatch checks.
	Registry struct {
		mu    sync.RWMutex
		specs map[string]*Spec
		group singleflight.Group
	}
)

// NewRegistry constructs an empty tool Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds or replaces a Spec.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return errors.New("tools: spec requires a name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: spec %q requires a handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// Spec returns the registered Spec for name.
func (r *Registry) Spec(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Dispatch validates name against caller's allow-list, resolves a generic
// call to the stack-appropriate tool via RedirectsByStack, checks stack
// compatibility, validates args against the executing Spec's JSON schema,
// coalesces duplicate idempotent in-flight calls by idempotency key, and
// enforces deploy-class approval before invoking the Spec's Handler.
func (r *Registry) Dispatch(ctx context.Context, caller CallerContext, name string, args map[string]any) Result {
	start := time.Now()
	spec, ok := r.Spec(name)
	if !ok {
		return Result{Name: name, Err: fmt.Errorf("%w: %s", ErrUnknownTool, name)}
	}
	if !isAllowed(caller.AllowedTools, name) {
		return Result{Name: name, Err: fmt.Errorf("%w: %s not allowed for %s", ErrForbidden, name, caller.AgentID)}
	}
	redirectedFrom := ""
	if target, found := spec.RedirectsByStack[caller.ProjectStack]; found && caller.ProjectStack != "" {
		resolved, known := r.Spec(target)
		if !known {
			return Result{Name: name, Err: fmt.Errorf("%w: redirect target %s", ErrUnknownTool, target)}
		}
		redirectedFrom = name
		name = target
		spec = resolved
	}
	if spec.Stack != "" && caller.ProjectStack != "" && spec.Stack != caller.ProjectStack {
		// A direct call to another platform's tool is a bypass attempt, not
		// a redirect.
		return Result{Name: name, Err: fmt.Errorf("%w: tool targets %s, project is %s", ErrStackMismatch, spec.Stack, caller.ProjectStack)}
	}
	if spec.InputSchema != nil {
		if err := spec.InputSchema.Validate(args); err != nil {
			return Result{Name: name, RedirectedFrom: redirectedFrom, Err: fmt.Errorf("tools: invalid arguments: %w", err)}
		}
	}

	key := IdempotencyKey(caller.AgentID, name, args)
	if spec.SideEffect == SideEffectDeploy && !caller.MayDeploy {
		return Result{Name: name, RedirectedFrom: redirectedFrom, IdempotencyKey: key, Err: fmt.Errorf("%w: %s", ErrApprovalRequired, name)}
	}
	if spec.SideEffect == SideEffectDeploy && !caller.ApprovedCalls[key] {
		return Result{Name: name, RedirectedFrom: redirectedFrom, IdempotencyKey: key, Err: fmt.Errorf("%w: %s lacks a recorded approval", ErrApprovalRequired, name)}
	}

	if spec.Idempotent {
		executed := false
		v, _, _ := r.group.Do(key, func() (any, error) {
			executed = true
			return r.invoke(ctx, spec, args, key, start), nil
		})
		res := v.(Result)
		res.Coalesced = !executed
		res.RedirectedFrom = redirectedFrom
		return res
	}
	res := r.invoke(ctx, spec, args, key, start)
	res.RedirectedFrom = redirectedFrom
	return res
}

func (r *Registry) invoke(ctx context.Context, spec *Spec, args map[string]any, key string, start time.Time) Result {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := spec.Handler(callCtx, args)
	return Result{Name: spec.Name, Result: out, Err: err, Duration: time.Since(start), IdempotencyKey: key}
}

func isAllowed(allowed []string, name string) bool {
	for _, a := range allowed {
		if a == name || a == "*" {
			return true
		}
	}
	return false
}

// IdempotencyKey computes a stable key from the agent, tool name, and a
// canonicalized (key-sorted) JSON encoding of args.
func IdempotencyKey(agentID, name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	raw, _ := json.Marshal(ordered)
	sum := sha256.Sum256(append([]byte(agentID+"|"+name+"|"), raw...))
	return hex.EncodeToString(sum[:])
}
