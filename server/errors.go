package server

import (
	"errors"
	"fmt"

	"github.com/agentfabric/runtime/mcp"
	"github.com/agentfabric/runtime/types"
)

// ErrorKind classifies every failure the runtime can surface to callers.
// Kinds cross the wire verbatim, in JSON-RPC error data and in failed task
// records, so peers can react without parsing messages.
type ErrorKind string

const (
	ErrorKindTransport         ErrorKind = "TransportError"
	ErrorKindRemote            ErrorKind = "RemoteError"
	ErrorKindProtocol          ErrorKind = "ProtocolError"
	ErrorKindUnknownCapability ErrorKind = "UnknownCapability"
	ErrorKindLLM               ErrorKind = "LLMError"
	ErrorKindTimeout           ErrorKind = "Timeout"
	ErrorKindCancelled         ErrorKind = "Cancelled"
	ErrorKindCapacityExceeded  ErrorKind = "CapacityExceeded"
	ErrorKindNotFound          ErrorKind = "NotFound"
	ErrorKindReject            ErrorKind = "Reject"
)

// CoreError is the error type carried through the runtime's layers.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError creates a CoreError with the given kind and message.
func NewCoreError(kind ErrorKind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// WrapCoreError creates a CoreError wrapping an underlying cause.
func WrapCoreError(kind ErrorKind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

// NewTaskNotFoundError creates the error returned when a task id is unknown.
func NewTaskNotFoundError(taskID string) *CoreError {
	return NewCoreError(ErrorKindNotFound, fmt.Sprintf("task not found: %s", taskID))
}

// NewUnknownCapabilityError creates the error returned when a function key
// does not resolve to any attached capability.
func NewUnknownCapabilityError(key string) *CoreError {
	return NewCoreError(ErrorKindUnknownCapability, fmt.Sprintf("unknown capability: %s", key))
}

// NewSelfLoopError creates the error returned when an agent is asked to
// attach itself as a capability.
func NewSelfLoopError(url string) *CoreError {
	return NewCoreError(ErrorKindReject, fmt.Sprintf("refusing to attach self at %s", url))
}

// KindOf extracts the ErrorKind from err, classifying non-CoreError values
// from the MCP layer and defaulting everything else to RemoteError.
func KindOf(err error) ErrorKind {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	switch mcp.KindOf(err) {
	case mcp.ErrorKindTransport:
		return ErrorKindTransport
	case mcp.ErrorKindProtocol:
		return ErrorKindProtocol
	case mcp.ErrorKindRemote:
		return ErrorKindRemote
	case mcp.ErrorKindTimeout:
		return ErrorKindTimeout
	}
	return ErrorKindRemote
}

// JRPCErrorCode maps an ErrorKind to its JSON-RPC error code.
func JRPCErrorCode(kind ErrorKind) int {
	switch kind {
	case ErrorKindNotFound:
		return types.JRPCErrorCodeTaskNotFound
	case ErrorKindUnknownCapability:
		return types.JRPCErrorCodeUnknownCapability
	case ErrorKindTimeout:
		return types.JRPCErrorCodeTimeout
	case ErrorKindCancelled:
		return types.JRPCErrorCodeCancelled
	case ErrorKindCapacityExceeded:
		return types.JRPCErrorCodeCapacityExceeded
	case ErrorKindLLM:
		return types.JRPCErrorCodeLLMError
	case ErrorKindTransport:
		return types.JRPCErrorCodeTransportError
	case ErrorKindRemote, ErrorKindProtocol:
		return types.JRPCErrorCodeRemoteError
	case ErrorKindReject:
		return types.JRPCErrorCodeInvalidParams
	default:
		return types.JRPCErrorCodeInternalError
	}
}
