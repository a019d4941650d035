package types

import (
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// String returns the string representation of the TaskState
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is legal from this state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// IsValid checks if the TaskState is one of the supported values
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// Task is the lifecycle record of one inbound A2A request.
type Task struct {
	ID        string    `json:"taskId"`
	SessionID string    `json:"sessionId"`
	State     TaskState `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Inbound   string    `json:"inbound"`
	Reply     *string   `json:"reply,omitempty"`
	ErrorKind *string   `json:"errorKind,omitempty"`
}

// ChatRole identifies the author of a ChatTurn.
type ChatRole string

const (
	ChatRoleUser             ChatRole = "user"
	ChatRoleAssistant        ChatRole = "assistant"
	ChatRoleCapabilityCall   ChatRole = "capability-call"
	ChatRoleCapabilityResult ChatRole = "capability-result"
)

// ChatTurn is one entry in a session's conversation history.
//
// For capability-call turns, CapabilityKey, CallID and Arguments are set and
// Content is empty. For capability-result turns, CallID pairs the result with
// its call, Content carries the result text (or error message) and IsError
// distinguishes the two. CallID is empty for user and assistant turns.
type ChatTurn struct {
	Role          ChatRole  `json:"role"`
	Content       string    `json:"content,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CapabilityKey string    `json:"capabilityKey,omitempty"`
	CallID        string    `json:"callId,omitempty"`
	Arguments     string    `json:"arguments,omitempty"`
	IsError       bool      `json:"isError,omitempty"`
}

// Session is a named ordered history of turns.
type Session struct {
	ID            string            `json:"sessionId"`
	History       []ChatTurn        `json:"history"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastTouchedAt time.Time         `json:"lastTouchedAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HistoryAction identifies a registry mutation in the audit log.
type HistoryAction string

const (
	HistoryActionAdd    HistoryAction = "add"
	HistoryActionRemove HistoryAction = "remove"
)

// FunctionSummary is a snapshot of one callable function at audit time.
type FunctionSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HistoryEntry is one record in the append-only capability audit log.
type HistoryEntry struct {
	Action            HistoryAction     `json:"action"`
	URL               string            `json:"url"`
	Timestamp         time.Time         `json:"timestamp"`
	SessionPreserved  bool              `json:"session_preserved"`
	CapabilitySummary []FunctionSummary `json:"capability_summary,omitempty"`
}

// CapabilityKind distinguishes the two kinds of attachable capabilities.
type CapabilityKind string

const (
	// CapabilityKindTool is a remote MCP function server.
	CapabilityKindTool CapabilityKind = "tool"

	// CapabilityKindAgent is another instance of this runtime, spoken to over A2A.
	CapabilityKindAgent CapabilityKind = "agent"
)

// CapabilitySummary is the external view of one attached capability.
type CapabilitySummary struct {
	URL       string            `json:"url"`
	Kind      CapabilityKind    `json:"kind"`
	Functions []FunctionSummary `json:"functions"`
}

// ToolDescriptor is the MCP wire shape of one declared tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// AgentAuthentication describes the authentication the agent requires.
type AgentAuthentication struct {
	Type string `json:"type"`
}

// AgentCapabilities advertises protocol-level capabilities in the agent card.
type AgentCapabilities struct {
	Streaming      bool `json:"streaming"`
	TaskManagement bool `json:"taskManagement"`
}

// AgentSkill is one advertised skill in the agent card.
type AgentSkill struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// AgentCard is the public self-description served at the well-known path.
type AgentCard struct {
	Name             string              `json:"name"`
	AgentID          string              `json:"agent_id"`
	Description      string              `json:"description,omitempty"`
	Greeting         string              `json:"greeting,omitempty"`
	Instructions     string              `json:"instructions,omitempty"`
	Version          string              `json:"version"`
	URL              string              `json:"url,omitempty"`
	Transport        string              `json:"transport"`
	Authentication   AgentAuthentication `json:"authentication"`
	Capabilities     AgentCapabilities   `json:"capabilities"`
	Skills           []AgentSkill        `json:"skills"`
	SupportedMethods []string            `json:"supported_methods"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
}

// WellKnownAgentCardPath is the discovery path every fabric agent serves.
const WellKnownAgentCardPath = "/.well-known/agent-card.json"

// A2A JSON-RPC method names.
const (
	MethodMessageSend    = "message/send"
	MethodSendTaskLegacy = "send-task"
	MethodTasksGet       = "tasks/get"
	MethodTasksCancel    = "tasks/cancel"
	MethodToolsAdd       = "tools/add"
	MethodToolsRemove    = "tools/remove"
	MethodToolsList      = "tools/list"
	MethodToolsHistory   = "tools/history"
	MethodAgentsAdd      = "agents/add"
	MethodAgentsRemove   = "agents/remove"
	MethodAgentsList     = "agents/list"
	MethodAgentsHistory  = "agents/history"
)

// SupportedMethods enumerates every method the dispatcher routes,
// in the order they are advertised in the agent card.
func SupportedMethods() []string {
	return []string{
		MethodMessageSend,
		MethodSendTaskLegacy,
		MethodTasksGet,
		MethodTasksCancel,
		MethodToolsAdd,
		MethodToolsRemove,
		MethodToolsList,
		MethodToolsHistory,
		MethodAgentsAdd,
		MethodAgentsRemove,
		MethodAgentsList,
		MethodAgentsHistory,
	}
}

// Health status constants
const (
	HealthStatusHealthy = "healthy"
)

// CloudEvent type and data keys for registry change notifications.
const (
	EventRegistryChanged = "fabric.registry.changed"
)

// RegistryChange is the payload of an EventRegistryChanged CloudEvent.
type RegistryChange struct {
	Action HistoryAction  `json:"action"`
	URL    string         `json:"url"`
	Kind   CapabilityKind `json:"kind"`
}
