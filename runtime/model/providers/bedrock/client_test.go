package bedrock

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/runtime/model"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type erroringRuntime struct{ err error }

func (e erroringRuntime) Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return nil, e.err
}

func TestCompleteWrapsTimeoutAsProviderUnavailable(t *testing.T) {
	c, err := New(Options{Runtime: erroringRuntime{err: timeoutError{}}, DefaultModel: "anthropic.claude-test"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}},
	})
	require.ErrorIs(t, err, model.ErrProviderUnavailable)
}

func TestCompleteWrapsDeadlineAsProviderUnavailable(t *testing.T) {
	c, err := New(Options{Runtime: erroringRuntime{err: context.DeadlineExceeded}, DefaultModel: "anthropic.claude-test"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}},
	})
	require.ErrorIs(t, err, model.ErrProviderUnavailable)
}

func TestErrorClassification(t *testing.T) {
	require.True(t, isUnavailable(&smithy.GenericAPIError{Code: "ServiceUnavailableException"}))
	require.True(t, isUnavailable(&smithy.GenericAPIError{Code: "ModelTimeoutException"}))
	require.False(t, isUnavailable(&smithy.GenericAPIError{Code: "ValidationException"}))
	require.False(t, isUnavailable(errors.New("missing credentials")))
	require.True(t, isUnavailable(&smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 503}},
		Err:      errors.New("service unavailable"),
	}))

	require.True(t, isRateLimited(&smithy.GenericAPIError{Code: "ThrottlingException"}))
	require.False(t, isRateLimited(&smithy.GenericAPIError{Code: "InternalServerException"}))
}
