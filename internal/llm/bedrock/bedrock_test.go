package bedrock_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/llm"
	"github.com/loopworks/conductor/internal/llm/bedrock"
	"github.com/loopworks/conductor/internal/message"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func TestCompleteTranslatesTextAndToolUse(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "hello"},
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						Name:      aws.String("read_file"),
						ToolUseId: aws.String("t1"),
						Input:     document.NewLazyDocument(&map[string]any{"path": "a.txt"}),
					}},
				},
			}},
			Usage:      &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5)},
			StopReason: brtypes.StopReasonToolUse,
		},
	}
	p, err := bedrock.New(mock, bedrock.Options{ModelID: "anthropic.claude-3-sonnet", MaxTokens: 1024})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.Request{
		Messages: []message.Message{
			message.System("be terse"),
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

	require.NotNil(t, mock.captured)
	require.Equal(t, "anthropic.claude-3-sonnet", *mock.captured.ModelId)
	require.NotNil(t, mock.captured.ToolConfig)
	require.Len(t, mock.captured.ToolConfig.Tools, 1)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	p, err := bedrock.New(&mockRuntime{}, bedrock.Options{ModelID: "id", MaxTokens: 1024})
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
}
