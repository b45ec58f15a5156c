package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/runtime/model"
)

type stubClient struct {
	calls int
}

func (s *stubClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	s.calls++
	return &model.Response{}, nil
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := New(60, 1000000, time.Second)
	stub := &stubClient{}
	client := rl.Middleware()(stub)

	for i := 0; i < 3; i++ {
		_, err := client.Complete(context.Background(), &model.Request{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, stub.calls)
}

func TestRateLimiterFailsFastWhenExhausted(t *testing.T) {
	rl := New(1, 1000000, 50*time.Millisecond)
	stub := &stubClient{}
	client := rl.Middleware()(stub)

	_, err := client.Complete(context.Background(), &model.Request{})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestMiddlewareNilClientReturnsNil(t *testing.T) {
	rl := New(0, 0, 0)
	require.Nil(t, rl.Middleware()(nil))
}
