package types

// JSONRPCRequest is an inbound JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// JSONRPCError is the error member of a JSON-RPC 2.0 error response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for JSONRPCError
func (e *JSONRPCError) Error() string {
	return e.Message
}

// JSONRPCSuccessResponse is a JSON-RPC 2.0 response carrying a result.
type JSONRPCSuccessResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result"`
}

// JSONRPCErrorResponse is a JSON-RPC 2.0 response carrying an error.
type JSONRPCErrorResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Error   *JSONRPCError `json:"error"`
}

// JSON-RPC 2.0 protocol error codes.
const (
	JRPCErrorCodeParseError     = -32700
	JRPCErrorCodeInvalidRequest = -32600
	JRPCErrorCodeMethodNotFound = -32601
	JRPCErrorCodeInvalidParams  = -32602
	JRPCErrorCodeInternalError  = -32603
)

// Fabric error codes, in the JSON-RPC implementation-defined range.
const (
	JRPCErrorCodeTaskNotFound      = -32001
	JRPCErrorCodeUnknownCapability = -32002
	JRPCErrorCodeTimeout           = -32003
	JRPCErrorCodeCancelled         = -32004
	JRPCErrorCodeCapacityExceeded  = -32005
	JRPCErrorCodeLLMError          = -32006
	JRPCErrorCodeTransportError    = -32007
	JRPCErrorCodeRemoteError       = -32008
)
