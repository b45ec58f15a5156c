package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/runtime/model"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type erroringMessages struct{ err error }

func (e erroringMessages) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	return nil, e.err
}

func TestCompleteWrapsTimeoutAsProviderUnavailable(t *testing.T) {
	c, err := New(erroringMessages{err: timeoutError{}}, Options{DefaultModel: "claude-test"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}},
	})
	require.ErrorIs(t, err, model.ErrProviderUnavailable)
}

func TestCompleteWrapsDeadlineAsProviderUnavailable(t *testing.T) {
	c, err := New(erroringMessages{err: context.DeadlineExceeded}, Options{DefaultModel: "claude-test"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}},
	})
	require.ErrorIs(t, err, model.ErrProviderUnavailable)
}

func TestErrorClassification(t *testing.T) {
	require.True(t, isUnavailable(io.ErrUnexpectedEOF))
	require.True(t, isUnavailable(&sdk.Error{StatusCode: 503}))
	require.True(t, isUnavailable(&sdk.Error{StatusCode: 529}))
	require.False(t, isUnavailable(&sdk.Error{StatusCode: 401}))
	require.False(t, isUnavailable(errors.New("malformed request")))

	require.True(t, isRateLimited(&sdk.Error{StatusCode: 429}))
	require.False(t, isRateLimited(&sdk.Error{StatusCode: 500}))
}
