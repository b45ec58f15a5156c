package tools

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoSpec(name string) *Spec {
	return &Spec{
		Name: name,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["value"], nil
		},
	}
}

func TestDispatchForbiddenOutsideAllowList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoSpec("read_file")))

	res := r.Dispatch(context.Background(), CallerContext{AgentID: "dev", AllowedTools: []string{"write_file"}}, "read_file", nil)
	require.ErrorIs(t, res.Err, ErrForbidden)
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Dispatch(context.Background(), CallerContext{AllowedTools: []string{"*"}}, "nope", nil)
	require.ErrorIs(t, res.Err, ErrUnknownTool)
}

func TestDispatchStackMismatchFails(t *testing.T) {
	r := NewRegistry()
	spec := echoSpec("angular_build")
	spec.Stack = "angular_19"
	require.NoError(t, r.Register(spec))

	res := r.Dispatch(context.Background(), CallerContext{AllowedTools: []string{"*"}, ProjectStack: "react_18"}, "angular_build", nil)
	require.ErrorIs(t, res.Err, ErrStackMismatch)
}

func TestDispatchRedirectsGenericBuildToStackTool(t *testing.T) {
	r := NewRegistry()
	ranAndroid := false
	android := echoSpec("android_build")
	android.Stack = "android"
	android.Handler = func(context.Context, map[string]any) (any, error) {
		ranAndroid = true
		return "apk built", nil
	}
	require.NoError(t, r.Register(android))

	generic := echoSpec("build")
	generic.RedirectsByStack = map[string]string{"android": "android_build"}
	generic.Handler = func(context.Context, map[string]any) (any, error) {
		t.Fatal("generic handler must not run for a redirected stack")
		return nil, nil
	}
	require.NoError(t, r.Register(generic))

	res := r.Dispatch(context.Background(), CallerContext{AgentID: "dev", AllowedTools: []string{"build"}, ProjectStack: "android"}, "build", nil)
	require.NoError(t, res.Err)
	require.True(t, ranAndroid)
	require.Equal(t, "android_build", res.Name)
	require.Equal(t, "build", res.RedirectedFrom)
}

func TestDispatchRedirectWithUnknownTargetFails(t *testing.T) {
	r := NewRegistry()
	generic := echoSpec("build")
	generic.RedirectsByStack = map[string]string{"android": "android_build"}
	require.NoError(t, r.Register(generic))

	res := r.Dispatch(context.Background(), CallerContext{AllowedTools: []string{"*"}, ProjectStack: "android"}, "build", nil)
	require.ErrorIs(t, res.Err, ErrUnknownTool)
}

func TestDispatchDeployRequiresMayDeployAndApproval(t *testing.T) {
	r := NewRegistry()
	spec := echoSpec("deploy_prod")
	spec.SideEffect = SideEffectDeploy
	require.NoError(t, r.Register(spec))

	caller := CallerContext{AgentID: "devops", AllowedTools: []string{"*"}, MayDeploy: false}
	res := r.Dispatch(context.Background(), caller, "deploy_prod", nil)
	require.ErrorIs(t, res.Err, ErrApprovalRequired)

	caller.MayDeploy = true
	res = r.Dispatch(context.Background(), caller, "deploy_prod", nil)
	require.ErrorIs(t, res.Err, ErrApprovalRequired)

	key := IdempotencyKey("devops", "deploy_prod", nil)
	caller.ApprovedCalls = map[string]bool{key: true}
	res = r.Dispatch(context.Background(), caller, "deploy_prod", nil)
	require.NoError(t, res.Err)
}

func TestDispatchCoalescesConcurrentIdempotentCalls(t *testing.T) {
	r := NewRegistry()
	var executions int64
	spec := &Spec{
		Name:       "slow_read",
		Idempotent: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			atomic.AddInt64(&executions, 1)
			time.Sleep(20 * time.Millisecond)
			return "ok", nil
		},
	}
	require.NoError(t, r.Register(spec))

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Dispatch(context.Background(), CallerContext{AgentID: "dev", AllowedTools: []string{"*"}}, "slow_read", map[string]any{"path": "x"})
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&executions))
	coalescedCount := 0
	for _, res := range results {
		require.NoError(t, res.Err)
		if res.Coalesced {
			coalescedCount++
		}
	}
	require.Equal(t, 4, coalescedCount)
}

func TestIdempotencyKeyStableAcrossArgOrder(t *testing.T) {
	a := IdempotencyKey("dev", "tool", map[string]any{"a": 1, "b": 2})
	b := IdempotencyKey("dev", "tool", map[string]any{"b": 2, "a": 1})
	require.Equal(t, a, b)
}
