package openai_test

import (
	"context"
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/llm"
	oaiprovider "github.com/loopworks/conductor/internal/llm/openai"
	"github.com/loopworks/conductor/internal/message"
)

type mockChat struct {
	captured oai.ChatCompletionNewParams
	reply    *oai.ChatCompletion
	err      error
}

func (m *mockChat) New(ctx context.Context, params oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

func TestCompleteTranslatesToolCallResponse(t *testing.T) {
	mock := &mockChat{
		reply: &oai.ChatCompletion{
			Choices: []oai.ChatCompletionChoice{
				{
					FinishReason: "tool_calls",
					Message: oai.ChatCompletionMessage{
						ToolCalls: []oai.ChatCompletionMessageToolCall{
							{
								ID: "t1",
								Function: oai.ChatCompletionMessageToolCallFunction{
									Name:      "read_file",
									Arguments: `{"path":"a.txt"}`,
								},
							},
						},
					},
				},
			},
			Usage: oai.CompletionUsage{PromptTokens: 12, CompletionTokens: 3},
		},
	}

	p := oaiprovider.NewWithChatClient(mock, oaiprovider.Options{Model: "gpt-4o", MaxTokens: 2048})

	resp, err := p.Complete(context.Background(), llm.Request{
		Messages: []message.Message{
			message.System("be terse"),
			message.User("read a.txt for me"),
		},
		ToolSchemas: []llm.ToolSchema{{Name: "read_file", Description: "reads a file", Parameters: []byte(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
	require.Equal(t, "a.txt", resp.ToolCalls[0].Arguments["path"])
	require.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	require.Equal(t, 12, resp.Usage.PromptTokens)

	require.Equal(t, "gpt-4o", mock.captured.Model)
	require.Len(t, mock.captured.Messages, 2)
	require.Len(t, mock.captured.Tools, 1)
}

func TestCompleteRejectsNoChoices(t *testing.T) {
	mock := &mockChat{reply: &oai.ChatCompletion{}}
	p := oaiprovider.NewWithChatClient(mock, oaiprovider.Options{Model: "gpt-4o", MaxTokens: 2048})
	_, err := p.Complete(context.Background(), llm.Request{Messages: []message.Message{message.User("hi")}})
	require.Error(t, err)
}
