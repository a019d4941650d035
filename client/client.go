package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/runtime/types"
)

// A2AClient defines the interface for a fabric A2A protocol client
type A2AClient interface {
	// Agent discovery
	GetAgentCard(ctx context.Context) (*types.AgentCard, error)
	GetHealth(ctx context.Context) (*HealthResponse, error)

	// Task operations
	SendMessage(ctx context.Context, sessionID, text string) (*MessageReply, error)
	SendTask(ctx context.Context, sessionID, text string) (*MessageReply, error)
	GetTask(ctx context.Context, taskID string) (*MessageReply, error)
	CancelTask(ctx context.Context, taskID string) (*MessageReply, error)

	// Configuration
	SetTimeout(timeout time.Duration)
	SetHTTPClient(client *http.Client)
	GetBaseURL() string

	// Logger configuration
	SetLogger(logger *zap.Logger)
	GetLogger() *zap.Logger
}

var _ A2AClient = (*Client)(nil)

// HealthResponse represents the response from the health endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// MessageReply is the decoded reply envelope returned by message/send,
// send-task, tasks/get and tasks/cancel.
type MessageReply struct {
	TaskID    string `json:"taskId"`
	Status    string `json:"status"`
	Content   string `json:"content"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// A2AError is a JSON-RPC error returned by the remote agent.
type A2AError struct {
	Code    int
	Message string
}

func (e *A2AError) Error() string {
	return fmt.Sprintf("a2a error: %s (code: %d)", e.Message, e.Code)
}

// Config holds configuration options for the A2A client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
	Headers    map[string]string
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// DefaultConfig returns a default configuration
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Timeout:    30 * time.Second,
		UserAgent:  "AgentFabric-Go-Client/1.0",
		Headers:    make(map[string]string),
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		Logger:     zap.NewNop(),
	}
}

// Client represents a fabric A2A protocol client
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new A2A client with default configuration
func NewClient(baseURL string) A2AClient {
	config := DefaultConfig(baseURL)
	return NewClientWithConfig(config)
}

// NewClientWithLogger creates a new A2A client with a custom logger
func NewClientWithLogger(baseURL string, logger *zap.Logger) A2AClient {
	config := DefaultConfig(baseURL)
	config.Logger = logger
	return NewClientWithConfig(config)
}

// NewClientWithConfig creates a new A2A client with custom configuration
func NewClientWithConfig(config *Config) A2AClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SendMessage sends one user message into the named session and waits for the
// agent's reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*MessageReply, error) {
	return c.sendWithMethod(ctx, types.MethodMessageSend, sessionID, text)
}

// SendTask is the legacy alias for SendMessage, kept for older fabric peers.
func (c *Client) SendTask(ctx context.Context, sessionID, text string) (*MessageReply, error) {
	return c.sendWithMethod(ctx, types.MethodSendTaskLegacy, sessionID, text)
}

func (c *Client) sendWithMethod(ctx context.Context, method, sessionID, text string) (*MessageReply, error) {
	c.logger.Debug("sending message",
		zap.String("method", method),
		zap.String("session_id", sessionID))

	req := types.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params: map[string]any{
			"sessionId": sessionID,
			"message": map[string]any{
				"role":    "user",
				"content": text,
			},
		},
	}

	reply, err := c.doRequestWithContext(ctx, req)
	if err != nil {
		c.logger.Error("failed to send message", zap.Error(err), zap.String("session_id", sessionID))
		return nil, err
	}

	c.logger.Debug("message sent successfully",
		zap.String("task_id", reply.TaskID),
		zap.String("status", reply.Status))
	return reply, nil
}

// GetTask retrieves the current state of a task
func (c *Client) GetTask(ctx context.Context, taskID string) (*MessageReply, error) {
	c.logger.Debug("retrieving task", zap.String("method", types.MethodTasksGet), zap.String("task_id", taskID))

	req := types.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  types.MethodTasksGet,
		Params:  map[string]any{"taskId": taskID},
	}

	reply, err := c.doRequestWithContext(ctx, req)
	if err != nil {
		c.logger.Error("failed to retrieve task", zap.Error(err), zap.String("task_id", taskID))
		return nil, err
	}
	return reply, nil
}

// CancelTask requests cancellation of a task
func (c *Client) CancelTask(ctx context.Context, taskID string) (*MessageReply, error) {
	c.logger.Debug("cancelling task", zap.String("method", types.MethodTasksCancel), zap.String("task_id", taskID))

	req := types.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  types.MethodTasksCancel,
		Params:  map[string]any{"taskId": taskID},
	}

	reply, err := c.doRequestWithContext(ctx, req)
	if err != nil {
		c.logger.Error("failed to cancel task", zap.Error(err), zap.String("task_id", taskID))
		return nil, err
	}
	return reply, nil
}

// GetAgentCard retrieves the agent card via HTTP GET to the well-known path
func (c *Client) GetAgentCard(ctx context.Context) (*types.AgentCard, error) {
	agentCardURL := c.config.BaseURL + types.WellKnownAgentCardPath
	c.logger.Debug("retrieving agent card", zap.String("url", agentCardURL))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, agentCardURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent card request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("agent card request failed", zap.Error(err))
		return nil, fmt.Errorf("agent card request failed: %w", err)
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close agent card response body", zap.Error(closeErr))
		}
	}()

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		c.logger.Error("unexpected status code for agent card",
			zap.Int("status_code", httpResp.StatusCode),
			zap.String("response_body", string(bodyBytes)))
		return nil, fmt.Errorf("unexpected status code for agent card: %d", httpResp.StatusCode)
	}

	var agentCard types.AgentCard
	if err := json.NewDecoder(httpResp.Body).Decode(&agentCard); err != nil {
		return nil, fmt.Errorf("failed to decode agent card response: %w", err)
	}

	c.logger.Debug("agent card retrieved successfully",
		zap.String("name", agentCard.Name),
		zap.String("version", agentCard.Version))
	return &agentCard, nil
}

// GetHealth retrieves the health status of the agent via HTTP GET to /health
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	healthURL := c.config.BaseURL + "/health"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("health request failed", zap.Error(err))
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close health response body", zap.Error(closeErr))
		}
	}()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code for health check: %d", httpResp.StatusCode)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&healthResp); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	if healthResp.Status == "" {
		return nil, fmt.Errorf("health response missing status field")
	}

	return &healthResp, nil
}

// doRequestWithContext posts the JSON-RPC request to the agent root endpoint,
// retrying transport failures, and decodes the reply envelope.
func (c *Client) doRequestWithContext(ctx context.Context, req types.JSONRPCRequest) (*MessageReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var httpResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(httpReq)

		httpResp, err = c.httpClient.Do(httpReq)
		if err == nil {
			break
		}
		lastErr = err
		c.logger.Warn("request failed",
			zap.String("method", req.Method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < c.config.MaxRetries {
			delay := c.config.RetryDelay * time.Duration(attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if httpResp == nil {
		return nil, fmt.Errorf("failed to send request after %d attempts: %w", c.config.MaxRetries+1, lastErr)
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", zap.Error(closeErr))
		}
	}()

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", httpResp.StatusCode, string(bodyBytes))
	}

	var rawResp struct {
		JSONRPC string              `json:"jsonrpc"`
		ID      any                 `json:"id,omitempty"`
		Result  json.RawMessage     `json:"result,omitempty"`
		Error   *types.JSONRPCError `json:"error,omitempty"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&rawResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if rawResp.Error != nil {
		c.logger.Error("received a2a error response",
			zap.String("error_message", rawResp.Error.Message),
			zap.Int("error_code", rawResp.Error.Code))
		return nil, &A2AError{Code: rawResp.Error.Code, Message: rawResp.Error.Message}
	}

	return decodeReply(rawResp.Result)
}

// decodeReply unpacks {taskId, status, result: {message: {role, content}}}.
func decodeReply(raw json.RawMessage) (*MessageReply, error) {
	var envelope struct {
		TaskID    string `json:"taskId"`
		Status    string `json:"status"`
		ErrorKind string `json:"errorKind"`
		Result    struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode reply envelope: %w", err)
	}

	return &MessageReply{
		TaskID:    envelope.TaskID,
		Status:    envelope.Status,
		Content:   envelope.Result.Message.Content,
		ErrorKind: envelope.ErrorKind,
	}, nil
}

// setHeaders sets the common headers for HTTP requests
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
}

// SetHTTPClient allows customizing the HTTP client
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
	c.config.HTTPClient = client
}

// SetTimeout sets the timeout for HTTP requests
func (c *Client) SetTimeout(timeout time.Duration) {
	c.config.Timeout = timeout
	if c.httpClient != nil {
		c.httpClient.Timeout = timeout
	}
}

// GetBaseURL returns the base URL of the client
func (c *Client) GetBaseURL() string {
	return c.config.BaseURL
}

// SetHeader sets a custom header for all requests
func (c *Client) SetHeader(key, value string) {
	if c.config.Headers == nil {
		c.config.Headers = make(map[string]string)
	}
	c.config.Headers[key] = value
}

// SetLogger sets the logger for the client
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger
	c.config.Logger = logger
}

// GetLogger returns the current logger
func (c *Client) GetLogger() *zap.Logger {
	return c.logger
}
