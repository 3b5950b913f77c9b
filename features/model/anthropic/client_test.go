package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestCompleteText(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "The outlook "},
				{Type: "text", Text: "is stable."},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: model.UserPrompt("be concise", "outlook?"),
	})
	require.NoError(t, err)
	require.Equal(t, "The outlook is stable.", resp.Text)
	require.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	require.Equal(t, 10, resp.Usage.InputTokens)
	require.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestPrepareRequestSplitsSystemPrompt(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", Temperature: 0.3})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "system rules"},
			{Role: model.RoleUser, Content: "question"},
			{Role: model.RoleAssistant, Content: "prior answer"},
			{Role: model.RoleUser, Content: "follow-up"},
		},
	})
	require.NoError(t, err)

	p := stub.lastParams
	require.Len(t, p.System, 1)
	require.Equal(t, "system rules", p.System[0].Text)
	require.Len(t, p.Messages, 3)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), p.Model)
	require.Equal(t, int64(DefaultMaxTokens), p.MaxTokens)
	require.Equal(t, 0.3, p.Temperature.Value)
}

func TestCompleteRequiresMessages(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{})
	require.Error(t, err)

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleSystem, Content: "only system"}},
	})
	require.Error(t, err)
}

func TestRequestModelOverridesDefault(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{
		Model:    "claude-haiku-4-5",
		Messages: model.UserPrompt("", "hi"),
	})
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-haiku-4-5"), stub.lastParams.Model)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)

	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}
