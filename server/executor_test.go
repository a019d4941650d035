package server_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	sdk "github.com/inference-gateway/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/mcp"
	"github.com/agentfabric/runtime/server"
	"github.com/agentfabric/runtime/server/config"
	"github.com/agentfabric/runtime/types"
)

type mockLLMClient struct {
	responses []*sdk.CreateChatCompletionResponse
	errs      []error
	calls     [][]sdk.Message
	tools     [][]sdk.ChatCompletionTool
}

func (m *mockLLMClient) CreateChatCompletion(ctx context.Context, messages []sdk.Message, tools ...sdk.ChatCompletionTool) (*sdk.CreateChatCompletionResponse, error) {
	call := len(m.calls)
	m.calls = append(m.calls, messages)
	m.tools = append(m.tools, tools)

	if call < len(m.errs) && m.errs[call] != nil {
		return nil, m.errs[call]
	}
	if call < len(m.responses) {
		return m.responses[call], nil
	}
	return nil, fmt.Errorf("unexpected llm call %d", call)
}

func textResponse(content string) *sdk.CreateChatCompletionResponse {
	return &sdk.CreateChatCompletionResponse{
		Choices: []sdk.ChatCompletionChoice{
			{
				Message: sdk.Message{
					Role:    sdk.Assistant,
					Content: sdk.NewMessageContent(content),
				},
				FinishReason: "stop",
			},
		},
	}
}

// messageText unwraps the content union of a captured message.
func messageText(t *testing.T, msg sdk.Message) string {
	t.Helper()
	text, err := msg.Content.AsMessageContent0()
	require.NoError(t, err)
	return text
}

func toolCallResponse(callID, name, arguments string) *sdk.CreateChatCompletionResponse {
	return &sdk.CreateChatCompletionResponse{
		Choices: []sdk.ChatCompletionChoice{
			{
				Message: sdk.Message{
					Role:    sdk.Assistant,
					Content: sdk.NewMessageContent(""),
					ToolCalls: &[]sdk.ChatCompletionMessageToolCall{
						{
							Id:   callID,
							Type: "function",
							Function: sdk.ChatCompletionMessageToolCallFunction{
								Name:      name,
								Arguments: arguments,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
	}
}

func executorAgentConfig() *config.AgentConfig {
	return &config.AgentConfig{
		Provider:            "openai",
		Model:               "gpt-4o",
		MaxToolCallsPerTurn: 4,
		TurnDeadline:        time.Minute,
		SystemPrompt:        "You are a helpful assistant.",
	}
}

type executorFixture struct {
	executor server.TurnExecutor
	llm      *mockLLMClient
	sessions server.SessionStore
	registry server.CapabilityRegistry
}

func newExecutorFixture(t *testing.T, llm *mockLLMClient, mcpClients map[string]*fakeMCPClient) *executorFixture {
	t.Helper()
	storage := server.NewInMemoryStorage(zap.NewNop())
	sessions := server.NewDefaultSessionStore(zap.NewNop(), storage, 100, 200)
	registry := newToolRegistry(t, mcpClients)

	return &executorFixture{
		executor: server.NewDefaultTurnExecutor(zap.NewNop(), executorAgentConfig(), llm, sessions, registry),
		llm:      llm,
		sessions: sessions,
		registry: registry,
	}
}

func TestExecutorDirectAnswer(t *testing.T) {
	llm := &mockLLMClient{responses: []*sdk.CreateChatCompletionResponse{
		textResponse("Hello back!"),
	}}
	f := newExecutorFixture(t, llm, nil)

	reply, err := f.executor.ExecuteTurn(context.Background(), "session-1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello back!", reply)

	history, err := f.sessions.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.ChatRoleUser, history[0].Role)
	assert.Equal(t, types.ChatRoleAssistant, history[1].Role)

	// system prompt leads the rendered conversation
	require.NotEmpty(t, llm.calls)
	assert.Equal(t, sdk.System, llm.calls[0][0].Role)
}

func TestExecutorToolCallLoop(t *testing.T) {
	llm := &mockLLMClient{responses: []*sdk.CreateChatCompletionResponse{
		toolCallResponse("call-1", "search", `{"query":"weather"}`),
		textResponse("It is sunny."),
	}}
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search", Description: "Search"}},
		callFn: func(name string, args map[string]any) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Text: "sunny, 22C"}, nil
		},
	}
	f := newExecutorFixture(t, llm, map[string]*fakeMCPClient{"http://tools:3000": fake})
	_, err := f.registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	reply, err := f.executor.ExecuteTurn(context.Background(), "session-1", "What is the weather?")
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", reply)

	history, err := f.sessions.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, types.ChatRoleUser, history[0].Role)
	assert.Equal(t, types.ChatRoleCapabilityCall, history[1].Role)
	assert.Equal(t, "search", history[1].CapabilityKey)
	assert.Equal(t, "call-1", history[1].CallID)
	assert.Equal(t, types.ChatRoleCapabilityResult, history[2].Role)
	assert.Equal(t, "sunny, 22C", history[2].Content)
	assert.False(t, history[2].IsError)
	assert.Equal(t, types.ChatRoleAssistant, history[3].Role)

	// second llm call carries the tool result back
	require.Len(t, llm.calls, 2)
	last := llm.calls[1][len(llm.calls[1])-1]
	assert.Equal(t, sdk.Tool, last.Role)
	assert.Equal(t, "sunny, 22C", messageText(t, last))
	require.NotNil(t, last.ToolCallId)
	assert.Equal(t, "call-1", *last.ToolCallId)
}

func TestExecutorReifiesCapabilityErrors(t *testing.T) {
	llm := &mockLLMClient{responses: []*sdk.CreateChatCompletionResponse{
		toolCallResponse("call-1", "search", `{"query":"x"}`),
		textResponse("I could not search, sorry."),
	}}
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
		callFn: func(name string, args map[string]any) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Text: "backend down", IsError: true}, nil
		},
	}
	f := newExecutorFixture(t, llm, map[string]*fakeMCPClient{"http://tools:3000": fake})
	_, err := f.registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	reply, err := f.executor.ExecuteTurn(context.Background(), "session-1", "search for x")
	require.NoError(t, err)
	assert.Equal(t, "I could not search, sorry.", reply)

	history, err := f.sessions.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.True(t, history[2].IsError)
	assert.Contains(t, history[2].Content, "RemoteError")
	assert.Contains(t, history[2].Content, "backend down")
}

func TestExecutorUnknownCapabilityIsReified(t *testing.T) {
	llm := &mockLLMClient{responses: []*sdk.CreateChatCompletionResponse{
		toolCallResponse("call-1", "hallucinated_tool", `{}`),
		textResponse("That tool does not exist."),
	}}
	f := newExecutorFixture(t, llm, nil)

	reply, err := f.executor.ExecuteTurn(context.Background(), "session-1", "use the tool")
	require.NoError(t, err)
	assert.Equal(t, "That tool does not exist.", reply)

	history, err := f.sessions.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.True(t, history[2].IsError)
	assert.Contains(t, history[2].Content, "UnknownCapability")
}

func TestExecutorLLMErrorFailsTurn(t *testing.T) {
	llm := &mockLLMClient{errs: []error{fmt.Errorf("model overloaded")}}
	f := newExecutorFixture(t, llm, nil)

	_, err := f.executor.ExecuteTurn(context.Background(), "session-1", "Hello")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindLLM, server.KindOf(err))

	// the user turn survives the failure
	history, err := f.sessions.Snapshot("session-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ChatRoleUser, history[0].Role)
}

func TestExecutorCallBudget(t *testing.T) {
	var responses []*sdk.CreateChatCompletionResponse
	for i := 0; i < 6; i++ {
		responses = append(responses, toolCallResponse(fmt.Sprintf("call-%d", i), "search", `{}`))
	}
	llm := &mockLLMClient{responses: responses}
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	f := newExecutorFixture(t, llm, map[string]*fakeMCPClient{"http://tools:3000": fake})
	_, err := f.registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	_, err = f.executor.ExecuteTurn(context.Background(), "session-1", "loop forever")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindCapacityExceeded, server.KindOf(err))
}

func TestExecutorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	llm := &mockLLMClient{responses: []*sdk.CreateChatCompletionResponse{
		textResponse("never reached"),
	}}
	f := newExecutorFixture(t, llm, nil)

	_, err := f.executor.ExecuteTurn(ctx, "session-1", "Hello")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindCancelled, server.KindOf(err))
}

func TestExecutorDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	llm := &mockLLMClient{}
	f := newExecutorFixture(t, llm, nil)

	_, err := f.executor.ExecuteTurn(ctx, "session-1", "Hello")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindTimeout, server.KindOf(err))
}

func TestExecutorSystemPromptListsCapabilities(t *testing.T) {
	llm := &mockLLMClient{responses: []*sdk.CreateChatCompletionResponse{
		textResponse("ok"),
	}}
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search", Description: "Search the web"}},
	}
	f := newExecutorFixture(t, llm, map[string]*fakeMCPClient{"http://tools:3000": fake})
	_, err := f.registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	_, err = f.executor.ExecuteTurn(context.Background(), "session-1", "Hello")
	require.NoError(t, err)

	require.NotEmpty(t, llm.calls)
	system := messageText(t, llm.calls[0][0])
	assert.Contains(t, system, "Available capabilities:")
	assert.Contains(t, system, "search: Search the web")

	require.Len(t, llm.tools[0], 1)
	assert.Equal(t, "search", llm.tools[0][0].Function.Name)
}

func TestExecutorMultiTurnHistoryCarriesOver(t *testing.T) {
	llm := &mockLLMClient{responses: []*sdk.CreateChatCompletionResponse{
		textResponse("Your name is Ada."),
		textResponse("You told me already."),
	}}
	f := newExecutorFixture(t, llm, nil)

	_, err := f.executor.ExecuteTurn(context.Background(), "session-1", "My name is Ada.")
	require.NoError(t, err)
	_, err = f.executor.ExecuteTurn(context.Background(), "session-1", "What is my name?")
	require.NoError(t, err)

	// second turn renders the full prior exchange
	require.Len(t, llm.calls, 2)
	second := llm.calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, sdk.System, second[0].Role)
	assert.Equal(t, "My name is Ada.", messageText(t, second[1]))
	assert.Equal(t, "Your name is Ada.", messageText(t, second[2]))
	assert.Equal(t, "What is my name?", messageText(t, second[3]))
}
