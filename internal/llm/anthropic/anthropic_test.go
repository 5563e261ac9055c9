package anthropic_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/llm/anthropic"
	"github.com/loopworks/conductor/internal/message"
)

type mockMessages struct {
	captured sdk.MessageNewParams
	reply    *sdk.Message
	err      error
}

func (m *mockMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	m.captured = body
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

func TestCompleteTranslatesTextAndToolUse(t *testing.T) {
	mock := &mockMessages{
		reply: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "hello"},
				{Type: "tool_use", ID: "call_1", Name: "read_file", Input: []byte(`{"path":"a.txt"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
			Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	p, err := anthropic.New(mock, anthropic.Options{Model: "claude-sonnet", MaxTokens: 1024})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.Request{
		Messages: []message.Message{
			message.System("be concise"),
			message.User("read a.txt"),
		},
		ToolSchemas: []llm.ToolSchema{{Name: "read_file", Description: "reads a file", Parameters: []byte(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
	require.Equal(t, "a.txt", resp.ToolCalls[0].Arguments["path"])
	require.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	require.Equal(t, 10, resp.Usage.PromptTokens)

	require.Equal(t, sdk.Model("claude-sonnet"), mock.captured.Model)
	require.Len(t, mock.captured.System, 1)
	require.Equal(t, "be concise", mock.captured.System[0].Text)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	p, err := anthropic.New(&mockMessages{}, anthropic.Options{Model: "claude-sonnet", MaxTokens: 1024})
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
}

func TestEmbedUnsupported(t *testing.T) {
	p, err := anthropic.New(&mockMessages{}, anthropic.Options{Model: "claude-sonnet", MaxTokens: 1024})
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), "hi")
	require.Error(t, err)
}
