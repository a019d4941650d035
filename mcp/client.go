package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/runtime/types"
)

const (
	// ProtocolVersion is the MCP protocol revision this client speaks.
	ProtocolVersion = "2024-11-05"

	// SessionHeader carries the server-assigned session identifier.
	SessionHeader = "Mcp-Session-Id"

	clientName    = "agentfabric-runtime"
	clientVersion = "1.0.0"

	defaultRequestTimeout = 30 * time.Second
)

// ToolResult is the outcome of a single tool invocation.
//
// IsError marks a tool-level failure reported inside a successful JSON-RPC
// response. It is the caller's signal to feed the text back to the model as
// an error rather than treating the call as broken.
type ToolResult struct {
	Text    string
	IsError bool
}

// Client speaks the streaming-HTTP MCP transport to one capability server.
//
// All methods are safe for concurrent use. A Client must be Initialized once
// before ListTools or CallTool; a lost server session surfaces as a
// RemoteError and is never repaired transparently.
type Client interface {
	// Initialize performs the stateful handshake: it sends initialize,
	// captures the session identifier the server may assign, and confirms
	// with notifications/initialized when one was assigned.
	Initialize(ctx context.Context) error

	// ListTools fetches the server's declared tools.
	ListTools(ctx context.Context) ([]types.ToolDescriptor, error)

	// CallTool invokes one tool by name with already-decoded arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// SessionID reports the server-assigned session identifier, if any.
	SessionID() string

	// URL reports the server endpoint this client talks to.
	URL() string

	// Close releases the transport. The client is unusable afterwards.
	Close() error
}

// DefaultClient implements Client over net/http.
type DefaultClient struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger

	nextID atomic.Int64

	mu          sync.RWMutex
	sessionID   string
	initialized bool
	closed      bool
}

var _ Client = (*DefaultClient)(nil)

// ClientOption configures a DefaultClient.
type ClientOption func(*DefaultClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *DefaultClient) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *DefaultClient) {
		c.logger = logger
	}
}

// NewClient creates a client for the MCP server at url.
func NewClient(url string, opts ...ClientOption) *DefaultClient {
	c := &DefaultClient{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Initialize implements Client.
func (c *DefaultClient) Initialize(ctx context.Context) error {
	c.mu.RLock()
	if c.initialized {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return newRemoteError("initialize", c.url, resp.Error.Code, errors.New(resp.Error.Message))
	}

	// The confirmation leg binds the assigned session id; a stateless
	// server that assigned none gets no notification.
	if c.SessionID() != "" {
		if err := c.notify(ctx, "notifications/initialized"); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.logger.Debug("mcp session established",
		zap.String("url", c.url),
		zap.String("session_id", c.SessionID()))
	return nil
}

// ListTools implements Client.
func (c *DefaultClient) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, newRemoteError("tools/list", c.url, resp.Error.Code, errors.New(resp.Error.Message))
	}

	var result struct {
		Tools []types.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, newProtocolError("tools/list", c.url, fmt.Errorf("decoding tools: %w", err))
	}
	return result.Tools, nil
}

// CallTool implements Client.
func (c *DefaultClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	if args == nil {
		params["arguments"] = map[string]any{}
	}

	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, newRemoteError("tools/call", c.url, resp.Error.Code, errors.New(resp.Error.Message))
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, newProtocolError("tools/call", c.url, fmt.Errorf("decoding tool result: %w", err))
	}

	var texts []string
	for _, item := range result.Content {
		if item.Type != "" && item.Type != "text" {
			continue
		}
		texts = append(texts, item.Text)
	}
	return &ToolResult{
		Text:    strings.Join(texts, "\n"),
		IsError: result.IsError,
	}, nil
}

// SessionID implements Client.
func (c *DefaultClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// URL implements Client.
func (c *DefaultClient) URL() string {
	return c.url
}

// Close implements Client.
func (c *DefaultClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.initialized = false
	c.sessionID = ""
	c.httpClient.CloseIdleConnections()
	return nil
}

// call sends a JSON-RPC request and waits for its matching response,
// transparently handling both plain JSON and SSE framing.
func (c *DefaultClient) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	id := c.nextID.Add(1)
	return c.send(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
}

// notify sends a JSON-RPC notification. Servers answer notifications with an
// empty 2xx body; anything else decodable is ignored.
func (c *DefaultClient) notify(ctx context.Context, method string) error {
	_, err := c.send(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
	return err
}

func (c *DefaultClient) send(ctx context.Context, req rpcRequest) (*rpcResponse, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, newTransportError(req.Method, c.url, errors.New("client is closed"))
	}
	sessionID := c.sessionID
	c.mu.RUnlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, newProtocolError(req.Method, c.url, fmt.Errorf("encoding request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, newTransportError(req.Method, c.url, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		httpReq.Header.Set(SessionHeader, sessionID)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, newTimeoutError(req.Method, c.url, err)
		}
		if ctx.Err() == context.Canceled {
			return nil, newTimeoutError(req.Method, c.url, ctx.Err())
		}
		return nil, newTransportError(req.Method, c.url, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if newSession := httpResp.Header.Get(SessionHeader); newSession != "" {
		c.mu.Lock()
		c.sessionID = newSession
		c.mu.Unlock()
	}

	// Session expiry on the server side is not repairable here: the server
	// forgot our state, so the capability owner has to decide what to do.
	if sessionID != "" && (httpResp.StatusCode == http.StatusNotFound || httpResp.StatusCode == http.StatusGone) {
		return nil, newRemoteError(req.Method, c.url, 0,
			fmt.Errorf("session %s no longer recognized (HTTP %d)", sessionID, httpResp.StatusCode))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, newTransportError(req.Method, c.url,
			fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	// Notifications complete on any 2xx, with or without a body.
	if req.ID == nil {
		return nil, nil
	}

	contentType := httpResp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return c.readSSEResponse(req.Method, httpResp.Body)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, newTransportError(req.Method, c.url, fmt.Errorf("reading response: %w", err))
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, newProtocolError(req.Method, c.url, fmt.Errorf("decoding response: %w", err))
	}
	return &resp, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an SSE
// stream. Consecutive data: lines of one event are concatenated before
// decoding; events that do not decode are skipped so the stream can carry
// server-side notifications ahead of the response.
func (c *DefaultClient) readSSEResponse(op string, body io.Reader) (*rpcResponse, error) {
	reader := bufio.NewReader(body)
	var data strings.Builder

	flush := func() (*rpcResponse, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		raw := data.String()
		data.Reset()
		var resp rpcResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			c.logger.Debug("skipping undecodable sse event",
				zap.String("url", c.url), zap.Error(err))
			return nil, false
		}
		if resp.Result == nil && resp.Error == nil {
			return nil, false
		}
		return &resp, true
	}

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case trimmed == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(trimmed, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}

		if err != nil {
			if err == io.EOF {
				if resp, ok := flush(); ok {
					return resp, nil
				}
				return nil, newProtocolError(op, c.url, errors.New("sse stream ended without a response"))
			}
			return nil, newTransportError(op, c.url, fmt.Errorf("reading sse stream: %w", err))
		}
	}
}
