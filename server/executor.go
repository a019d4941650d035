package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/inference-gateway/sdk"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/server/config"
	"github.com/agentfabric/runtime/server/otel"
	"github.com/agentfabric/runtime/types"
)

// TurnExecutor runs one full conversational turn: user message in, assistant
// reply out, with any number of capability invocations in between.
type TurnExecutor interface {
	// ExecuteTurn processes userText inside sessionID and returns the
	// final assistant reply. Turns within one session are serialized;
	// the caller's ctx carries the turn deadline and cancellation.
	ExecuteTurn(ctx context.Context, sessionID, userText string) (string, error)
}

// DefaultTurnExecutor implements TurnExecutor.
type DefaultTurnExecutor struct {
	logger    *zap.Logger
	cfg       *config.AgentConfig
	llm       LLMClient
	sessions  SessionStore
	registry  CapabilityRegistry
	telemetry otel.OpenTelemetry
}

var _ TurnExecutor = (*DefaultTurnExecutor)(nil)

// ExecutorOption configures a DefaultTurnExecutor.
type ExecutorOption func(*DefaultTurnExecutor)

// WithExecutorTelemetry records token usage and capability failures.
func WithExecutorTelemetry(telemetry otel.OpenTelemetry) ExecutorOption {
	return func(e *DefaultTurnExecutor) {
		e.telemetry = telemetry
	}
}

// NewDefaultTurnExecutor creates a turn executor.
func NewDefaultTurnExecutor(logger *zap.Logger, cfg *config.AgentConfig, llm LLMClient, sessions SessionStore, registry CapabilityRegistry, opts ...ExecutorOption) *DefaultTurnExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &DefaultTurnExecutor{
		logger:   logger,
		cfg:      cfg,
		llm:      llm,
		sessions: sessions,
		registry: registry,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteTurn implements TurnExecutor.
func (e *DefaultTurnExecutor) ExecuteTurn(ctx context.Context, sessionID, userText string) (string, error) {
	release, err := e.sessions.AcquireTurn(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer release()

	if err := e.sessions.Append(sessionID, types.ChatTurn{
		Role:      types.ChatRoleUser,
		Content:   userText,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return "", err
	}

	// The registry snapshot taken here is the function set for the whole
	// turn; capabilities added or removed mid-turn apply from the next one.
	tools := e.registry.Functions()
	messages, err := e.buildMessages(sessionID, tools)
	if err != nil {
		return "", err
	}

	budget := e.cfg.MaxToolCallsPerTurn
	invocations := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", reifyContextError(err)
		}

		response, err := e.llm.CreateChatCompletion(ctx, messages, tools...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", reifyContextError(ctxErr)
			}
			return "", WrapCoreError(ErrorKindLLM, "llm completion failed", err)
		}

		if e.telemetry != nil && response.Usage != nil {
			e.telemetry.RecordTokenUsage(ctx, otel.TelemetryAttributes{
				Provider: e.cfg.Provider,
				Model:    e.cfg.Model,
			}, *response.Usage)
		}

		choice := response.Choices[0]

		if choice.Message.ToolCalls == nil || len(*choice.Message.ToolCalls) == 0 {
			reply := contentText(choice.Message.Content)
			if err := e.sessions.Append(sessionID, types.ChatTurn{
				Role:      types.ChatRoleAssistant,
				Content:   reply,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return "", err
			}
			e.logger.Debug("turn completed",
				zap.String("session_id", sessionID),
				zap.Int("invocations", invocations))
			return reply, nil
		}

		toolCalls := *choice.Message.ToolCalls
		if invocations+len(toolCalls) > budget {
			return "", NewCoreError(ErrorKindCapacityExceeded,
				fmt.Sprintf("capability call budget exceeded (%d per turn)", budget))
		}

		messages = append(messages, sdk.Message{
			Role:      sdk.Assistant,
			Content:   choice.Message.Content,
			ToolCalls: choice.Message.ToolCalls,
		})

		for i := range toolCalls {
			call := toolCalls[i]
			invocations++

			if err := e.sessions.Append(sessionID, types.ChatTurn{
				Role:          types.ChatRoleCapabilityCall,
				Timestamp:     time.Now().UTC(),
				CapabilityKey: call.Function.Name,
				CallID:        call.Id,
				Arguments:     call.Function.Arguments,
			}); err != nil {
				return "", err
			}

			if err := ctx.Err(); err != nil {
				return "", reifyContextError(err)
			}

			resultText, isError := e.invokeCapability(ctx, call.Function.Name, call.Function.Arguments)

			if err := e.sessions.Append(sessionID, types.ChatTurn{
				Role:          types.ChatRoleCapabilityResult,
				Content:       resultText,
				Timestamp:     time.Now().UTC(),
				CapabilityKey: call.Function.Name,
				CallID:        call.Id,
				IsError:       isError,
			}); err != nil {
				return "", err
			}

			callID := call.Id
			messages = append(messages, sdk.Message{
				Role:       sdk.Tool,
				Content:    sdk.NewMessageContent(resultText),
				ToolCallId: &callID,
			})
		}
	}
}

// invokeCapability dispatches one call and reifies every failure into text
// the model can react to. Only the boolean marks it as an error.
func (e *DefaultTurnExecutor) invokeCapability(ctx context.Context, key, arguments string) (string, bool) {
	result, err := e.registry.Invoke(ctx, key, arguments)
	if err != nil {
		e.logger.Warn("capability invocation failed",
			zap.String("capability", key),
			zap.Error(err))
		if e.telemetry != nil {
			e.telemetry.RecordCapabilityFailure(ctx, otel.TelemetryAttributes{
				Provider: e.cfg.Provider,
				Model:    e.cfg.Model,
			}, key, string(KindOf(err)))
		}
		return fmt.Sprintf("Error (%s): %v", KindOf(err), err), true
	}
	return result, false
}

// buildMessages renders the session history into the adapter's message shape,
// prefixed by the system prompt and the current capability inventory.
func (e *DefaultTurnExecutor) buildMessages(sessionID string, tools []sdk.ChatCompletionTool) ([]sdk.Message, error) {
	history, err := e.sessions.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}

	messages := []sdk.Message{
		{Role: sdk.System, Content: sdk.NewMessageContent(e.systemPrompt(tools))},
	}

	for _, turn := range history {
		switch turn.Role {
		case types.ChatRoleUser:
			messages = append(messages, sdk.Message{Role: sdk.User, Content: sdk.NewMessageContent(turn.Content)})
		case types.ChatRoleAssistant:
			messages = append(messages, sdk.Message{Role: sdk.Assistant, Content: sdk.NewMessageContent(turn.Content)})
		case types.ChatRoleCapabilityCall:
			toolCalls := []sdk.ChatCompletionMessageToolCall{
				{
					Id:   turn.CallID,
					Type: "function",
					Function: sdk.ChatCompletionMessageToolCallFunction{
						Name:      turn.CapabilityKey,
						Arguments: turn.Arguments,
					},
				},
			}
			messages = append(messages, sdk.Message{
				Role:      sdk.Assistant,
				ToolCalls: &toolCalls,
			})
		case types.ChatRoleCapabilityResult:
			callID := turn.CallID
			messages = append(messages, sdk.Message{
				Role:       sdk.Tool,
				Content:    sdk.NewMessageContent(turn.Content),
				ToolCallId: &callID,
			})
		}
	}
	return messages, nil
}

func (e *DefaultTurnExecutor) systemPrompt(tools []sdk.ChatCompletionTool) string {
	var b strings.Builder
	b.WriteString(e.cfg.SystemPrompt)

	if len(tools) > 0 {
		b.WriteString("\n\nAvailable capabilities:\n")
		for _, tool := range tools {
			b.WriteString("- ")
			b.WriteString(tool.Function.Name)
			if tool.Function.Description != nil && *tool.Function.Description != "" {
				b.WriteString(": ")
				b.WriteString(*tool.Function.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// contentText renders a message content union as plain text. Structured
// content that does not decode as a string is treated as empty.
func contentText(content sdk.Message_Content) string {
	text, err := content.AsMessageContent0()
	if err != nil {
		return ""
	}
	return text
}

func reifyContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapCoreError(ErrorKindTimeout, "turn deadline exceeded", err)
	}
	return WrapCoreError(ErrorKindCancelled, "turn cancelled", err)
}
