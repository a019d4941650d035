package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	uuid "github.com/google/uuid"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	zap "go.uber.org/zap"

	"github.com/agentfabric/runtime/server/config"
	"github.com/agentfabric/runtime/server/middlewares"
	"github.com/agentfabric/runtime/server/otel"
	"github.com/agentfabric/runtime/types"
)

// A2AServer is the fabric node's public surface: agent-card discovery,
// JSON-RPC dispatch, health, and lifecycle.
type A2AServer interface {
	// Start runs the HTTP server (and the metrics server when telemetry is
	// enabled) until ctx is cancelled or the server fails.
	Start(ctx context.Context) error

	// Stop gracefully shuts everything down. Calling it again is a no-op.
	Stop(ctx context.Context) error

	// AttachInitialCapabilities adds every configured capability URL via
	// registry add semantics. Failures are logged and boot continues.
	AttachInitialCapabilities(ctx context.Context)

	// Handler exposes the router for in-process serving and tests.
	Handler() http.Handler
}

// A2AServerImpl implements A2AServer.
type A2AServerImpl struct {
	cfg    *config.Config
	logger *zap.Logger

	storage     Storage
	llm         LLMClient
	taskManager TaskManager
	sessions    SessionStore
	registry    CapabilityRegistry
	executor    TurnExecutor
	cardBuilder AgentCardBuilder
	telemetry   otel.OpenTelemetry

	router        *gin.Engine
	httpServer    *http.Server
	metricsServer *http.Server

	cleanupDone chan struct{}
	cleanupStop chan struct{}
	stopOnce    sync.Once
}

var _ A2AServer = (*A2AServerImpl)(nil)

// ServerOption configures optional dependencies, primarily for tests.
type ServerOption func(*A2AServerImpl)

// WithStorage injects a storage backend, bypassing the factory.
func WithStorage(storage Storage) ServerOption {
	return func(s *A2AServerImpl) {
		s.storage = storage
	}
}

// WithLLMClient injects the LLM client used by the turn executor.
func WithLLMClient(llm LLMClient) ServerOption {
	return func(s *A2AServerImpl) {
		s.llm = llm
	}
}

// WithRegistry injects a capability registry.
func WithRegistry(registry CapabilityRegistry) ServerOption {
	return func(s *A2AServerImpl) {
		s.registry = registry
	}
}

// WithTelemetry injects an initialized telemetry backend.
func WithTelemetry(telemetry otel.OpenTelemetry) ServerOption {
	return func(s *A2AServerImpl) {
		s.telemetry = telemetry
	}
}

// NewA2AServer wires the full runtime: storage, task manager, session store,
// capability registry, turn executor, card builder, and the gin router.
func NewA2AServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*A2AServerImpl, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &A2AServerImpl{
		cfg:         cfg,
		logger:      logger,
		cleanupDone: make(chan struct{}),
		cleanupStop: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.storage == nil {
		storage, err := CreateStorage(ctx, cfg.StorageConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		s.storage = storage
	}

	s.taskManager = NewDefaultTaskManager(logger, s.storage,
		cfg.TaskConfig.MaxCompletedTasks, cfg.TaskConfig.MaxFailedTasks)
	s.sessions = NewDefaultSessionStore(logger, s.storage,
		cfg.SessionConfig.MaxSessions, cfg.SessionConfig.MaxHistory)

	if s.registry == nil {
		s.registry = NewDefaultCapabilityRegistry(logger, cfg.AgentID, cfg.AgentURL,
			WithProbeTimeout(cfg.RegistryConfig.ProbeTimeout),
			WithPeerCallTimeout(cfg.RegistryConfig.PeerCallTimeout))
	}

	s.cardBuilder = NewDefaultAgentCardBuilder(logger, cfg, s.registry)

	if s.llm == nil {
		llm, err := NewOpenAICompatibleLLMClient(&cfg.AgentConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		s.llm = llm
	}
	executorOpts := []ExecutorOption{}
	if cfg.TelemetryConfig.Enable && s.telemetry != nil {
		executorOpts = append(executorOpts, WithExecutorTelemetry(s.telemetry))
	}
	s.executor = NewDefaultTurnExecutor(logger, &cfg.AgentConfig, s.llm, s.sessions, s.registry, executorOpts...)

	router, err := s.setupRouter()
	if err != nil {
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	s.router = router

	s.startTaskCleanup()

	return s, nil
}

func (s *A2AServerImpl) setupRouter() (*gin.Engine, error) {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middlewares.LoggingMiddleware(s.cfg.ServerConfig.DisableHealthcheckLog))

	router.GET("/health", s.handleHealth)
	router.GET(types.WellKnownAgentCardPath, s.handleAgentCard)

	oidcAuthenticator, err := middlewares.NewOIDCAuthenticatorMiddleware(s.logger, *s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create oidc authenticator: %w", err)
	}

	rpc := router.Group("/")
	rpc.Use(oidcAuthenticator.Middleware())

	if s.cfg.TelemetryConfig.Enable && s.telemetry != nil {
		telemetryMiddleware, err := middlewares.NewTelemetryMiddleware(*s.cfg, s.telemetry, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry middleware: %w", err)
		}
		rpc.Use(telemetryMiddleware.Middleware())
	}

	rpc.POST("", s.handleA2ARequest)

	return router, nil
}

// Handler implements A2AServer.
func (s *A2AServerImpl) Handler() http.Handler {
	return s.router
}

// Start implements A2AServer.
func (s *A2AServerImpl) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ServerConfig.ReadTimeout,
		WriteTimeout: s.cfg.ServerConfig.WriteTimeout,
		IdleTimeout:  s.cfg.ServerConfig.IdleTimeout,
	}

	if s.cfg.TelemetryConfig.Enable {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		s.metricsServer = &http.Server{
			Addr:         net.JoinHostPort(s.cfg.TelemetryConfig.MetricsConfig.Host, s.cfg.TelemetryConfig.MetricsConfig.Port),
			Handler:      metricsMux,
			ReadTimeout:  s.cfg.TelemetryConfig.MetricsConfig.ReadTimeout,
			WriteTimeout: s.cfg.TelemetryConfig.MetricsConfig.WriteTimeout,
			IdleTimeout:  s.cfg.TelemetryConfig.MetricsConfig.IdleTimeout,
		}

		go func() {
			s.logger.Info("starting metrics server", zap.String("addr", s.metricsServer.Addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("starting a2a server",
		zap.String("addr", s.httpServer.Addr),
		zap.String("agent_id", s.cfg.AgentID),
		zap.String("agent_name", s.cfg.AgentName))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop implements A2AServer.
func (s *A2AServerImpl) Stop(ctx context.Context) error {
	s.logger.Info("stopping a2a server")

	s.stopOnce.Do(func() { close(s.cleanupStop) })
	<-s.cleanupDone

	var firstErr error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.telemetry != nil {
		if err := s.telemetry.ShutDown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := s.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	_ = s.logger.Sync()
	return firstErr
}

// AttachInitialCapabilities implements A2AServer.
func (s *A2AServerImpl) AttachInitialCapabilities(ctx context.Context) {
	for _, url := range s.cfg.RegistryConfig.InitialCapabilityURLs {
		if _, err := s.registry.Add(ctx, url); err != nil {
			s.logger.Warn("failed to attach initial capability",
				zap.String("url", url),
				zap.Error(err))
			continue
		}
		s.logger.Info("attached initial capability", zap.String("url", url))
	}
}

// startTaskCleanup runs periodic terminal-task eviction. With a zero
// interval cleanup is manual only.
func (s *A2AServerImpl) startTaskCleanup() {
	interval := s.cfg.TaskConfig.CleanupInterval
	if interval <= 0 {
		close(s.cleanupDone)
		return
	}

	go func() {
		defer close(s.cleanupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.cleanupStop:
				return
			case <-ticker.C:
				if removed := s.taskManager.CleanupTasks(); removed > 0 {
					s.logger.Debug("task cleanup completed", zap.Int("removed", removed))
				}
			}
		}
	}()
}

func (s *A2AServerImpl) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": types.HealthStatusHealthy})
}

func (s *A2AServerImpl) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.cardBuilder.Card())
}

// handleA2ARequest parses the JSON-RPC envelope and dispatches by method.
func (s *A2AServerImpl) handleA2ARequest(c *gin.Context) {
	var req types.JSONRPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("failed to parse json-rpc request", zap.Error(err))
		writeRPCError(c, s.logger, nil, types.JRPCErrorCodeParseError, "parse error")
		return
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	if req.ID == nil {
		req.ID = uuid.New().String()
	}

	s.logger.Debug("dispatching json-rpc request",
		zap.String("method", req.Method),
		zap.Any("id", req.ID))

	switch req.Method {
	case types.MethodMessageSend, types.MethodSendTaskLegacy:
		s.handleMessageSend(c, &req)
	case types.MethodTasksGet:
		s.handleTasksGet(c, &req)
	case types.MethodTasksCancel:
		s.handleTasksCancel(c, &req)
	case types.MethodToolsAdd, types.MethodAgentsAdd:
		s.handleCapabilityAdd(c, &req)
	case types.MethodToolsRemove, types.MethodAgentsRemove:
		s.handleCapabilityRemove(c, &req)
	case types.MethodToolsList, types.MethodAgentsList:
		writeRPCResult(c, req.ID, s.registry.List())
	case types.MethodToolsHistory, types.MethodAgentsHistory:
		writeRPCResult(c, req.ID, s.registry.History())
	default:
		writeRPCError(c, s.logger, req.ID, types.JRPCErrorCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handleMessageSend runs one synchronous conversational turn: the task is
// created, worked, and driven to a terminal state before the reply is sent.
func (s *A2AServerImpl) handleMessageSend(c *gin.Context, req *types.JSONRPCRequest) {
	sessionID, _ := req.Params["sessionId"].(string)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	message, _ := req.Params["message"].(map[string]any)
	text := types.ExtractMessageText(message)
	if text == "" {
		writeRPCError(c, s.logger, req.ID, types.JRPCErrorCodeInvalidParams, "message content is empty")
		return
	}

	task, err := s.taskManager.CreateTask(sessionID, text)
	if err != nil {
		writeRPCFailure(c, s.logger, req.ID, err)
		return
	}

	if _, err := s.taskManager.StartWorking(task.ID); err != nil {
		writeRPCFailure(c, s.logger, req.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.AgentConfig.TurnDeadline)
	defer cancel()

	s.taskManager.RegisterCancelFunc(task.ID, cancel)
	defer s.taskManager.UnregisterCancelFunc(task.ID)

	startTime := time.Now()
	reply, err := s.executor.ExecuteTurn(ctx, sessionID, text)
	s.recordTurn(c.Request.Context(), task.ID, time.Since(startTime), err == nil)

	if err != nil {
		// A tasks/cancel racing this turn has already moved the task to
		// cancelled; do not overwrite that state with failed.
		if current, gerr := s.taskManager.GetTask(task.ID); gerr == nil && current.State == types.TaskStateCancelled {
			writeRPCError(c, s.logger, req.ID, types.JRPCErrorCodeCancelled, "task cancelled")
			return
		}

		kind := KindOf(err)
		if _, ferr := s.taskManager.FailTask(task.ID, kind, err.Error()); ferr != nil {
			s.logger.Error("failed to record task failure",
				zap.String("task_id", task.ID),
				zap.Error(ferr))
		}
		writeRPCError(c, s.logger, req.ID, JRPCErrorCode(kind), err.Error())
		return
	}

	completed, err := s.taskManager.CompleteTask(task.ID, reply)
	if err != nil {
		writeRPCFailure(c, s.logger, req.ID, err)
		return
	}

	writeRPCResult(c, req.ID, types.FormatAgentReply(completed))
}

func (s *A2AServerImpl) handleTasksGet(c *gin.Context, req *types.JSONRPCRequest) {
	taskID, _ := req.Params["taskId"].(string)
	if taskID == "" {
		writeRPCError(c, s.logger, req.ID, types.JRPCErrorCodeInvalidParams, "taskId is required")
		return
	}

	task, err := s.taskManager.GetTask(taskID)
	if err != nil {
		writeRPCFailure(c, s.logger, req.ID, err)
		return
	}

	writeRPCResult(c, req.ID, types.FormatAgentReply(task))
}

func (s *A2AServerImpl) handleTasksCancel(c *gin.Context, req *types.JSONRPCRequest) {
	taskID, _ := req.Params["taskId"].(string)
	if taskID == "" {
		writeRPCError(c, s.logger, req.ID, types.JRPCErrorCodeInvalidParams, "taskId is required")
		return
	}

	task, outcome, err := s.taskManager.CancelTask(taskID)
	if err != nil {
		writeRPCFailure(c, s.logger, req.ID, err)
		return
	}

	writeRPCResult(c, req.ID, map[string]any{
		"taskId": task.ID,
		"status": string(outcome),
	})
}

func (s *A2AServerImpl) handleCapabilityAdd(c *gin.Context, req *types.JSONRPCRequest) {
	url, _ := req.Params["url"].(string)
	if url == "" {
		writeRPCError(c, s.logger, req.ID, types.JRPCErrorCodeInvalidParams, "url is required")
		return
	}

	result, err := s.registry.Add(c.Request.Context(), url)
	if err != nil {
		writeRPCFailure(c, s.logger, req.ID, err)
		return
	}

	writeRPCResult(c, req.ID, map[string]any{
		"url":       result.Summary.URL,
		"kind":      result.Summary.Kind,
		"functions": result.Summary.Functions,
	})
}

func (s *A2AServerImpl) handleCapabilityRemove(c *gin.Context, req *types.JSONRPCRequest) {
	url, _ := req.Params["url"].(string)
	if url == "" {
		writeRPCError(c, s.logger, req.ID, types.JRPCErrorCodeInvalidParams, "url is required")
		return
	}

	result, err := s.registry.Remove(c.Request.Context(), url)
	if err != nil {
		writeRPCFailure(c, s.logger, req.ID, err)
		return
	}

	writeRPCResult(c, req.ID, map[string]any{
		"url":     result.URL,
		"removed": result.Removed,
	})
}

func (s *A2AServerImpl) recordTurn(ctx context.Context, taskID string, elapsed time.Duration, success bool) {
	if s.telemetry == nil || !s.cfg.TelemetryConfig.Enable {
		return
	}

	attrs := otel.TelemetryAttributes{
		Provider: s.cfg.AgentConfig.Provider,
		Model:    s.cfg.AgentConfig.Model,
		TaskID:   taskID,
	}

	s.telemetry.RecordTurnDuration(ctx, attrs, float64(elapsed.Nanoseconds())/float64(time.Millisecond))
	s.telemetry.RecordTaskCompleted(ctx, attrs, success)
}
