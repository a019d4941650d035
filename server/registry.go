package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	sdk "github.com/inference-gateway/sdk"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/client"
	"github.com/agentfabric/runtime/mcp"
	"github.com/agentfabric/runtime/types"
)

// RegistrySubscriber receives a CloudEvent after every successful registry
// mutation, before the mutating call returns.
type RegistrySubscriber func(event cloudevents.Event)

// AddResult is the outcome of a registry add.
type AddResult struct {
	Summary  types.CapabilitySummary
	NoChange bool
}

// RemoveResult is the outcome of a registry remove.
type RemoveResult struct {
	URL     string
	Removed bool
}

// CapabilityRegistry is the single in-process source of truth for what this
// agent currently knows how to call.
type CapabilityRegistry interface {
	// Add probes url, decides whether it is a peer agent or a tool
	// provider, and installs a handle for it. Adding a url that is
	// already installed succeeds without growing the registry.
	Add(ctx context.Context, url string) (*AddResult, error)

	// Remove detaches the handle for url and releases its transport.
	// Removing an absent url is a no-op that still records history.
	Remove(ctx context.Context, url string) (*RemoveResult, error)

	// List returns an insertion-ordered snapshot of attached capabilities.
	List() []types.CapabilitySummary

	// History returns the full append-only audit log.
	History() []types.HistoryEntry

	// Invoke dispatches one function call to the capability owning key.
	Invoke(ctx context.Context, key string, arguments string) (string, error)

	// Functions returns every callable function, in insertion order, in
	// the shape the LLM adapter consumes.
	Functions() []sdk.ChatCompletionTool

	// Subscribe registers a listener for registry change events.
	Subscribe(subscriber RegistrySubscriber)

	// Close releases every handle's transport state.
	Close() error
}

// MCPClientFactory creates an MCP client for a capability URL.
type MCPClientFactory func(url string) mcp.Client

// A2AClientFactory creates a peer agent client for a capability URL.
type A2AClientFactory func(url string) client.A2AClient

// registeredFunction binds one globally-unique function key to its handle.
type registeredFunction struct {
	key         string
	remoteName  string
	description string
	parameters  map[string]any
}

// capabilityHandle owns the transport state of one attached capability.
type capabilityHandle struct {
	url       string
	kind      types.CapabilityKind
	functions []registeredFunction

	// tool provider state
	mcpClient mcp.Client

	// peer agent state
	a2aClient     client.A2AClient
	card          *types.AgentCard
	addressableAs string
}

func (h *capabilityHandle) release() {
	if h.mcpClient != nil {
		_ = h.mcpClient.Close()
	}
}

func (h *capabilityHandle) summary() types.CapabilitySummary {
	functions := make([]types.FunctionSummary, 0, len(h.functions))
	for _, fn := range h.functions {
		functions = append(functions, types.FunctionSummary{
			Name:        fn.key,
			Description: fn.description,
		})
	}
	return types.CapabilitySummary{
		URL:       h.url,
		Kind:      h.kind,
		Functions: functions,
	}
}

// DefaultCapabilityRegistry implements CapabilityRegistry.
type DefaultCapabilityRegistry struct {
	logger *zap.Logger

	selfAgentID     string
	selfURL         string
	probeTimeout    time.Duration
	peerCallTimeout time.Duration

	mcpFactory MCPClientFactory
	a2aFactory A2AClientFactory

	mu          sync.RWMutex
	handles     []*capabilityHandle
	byURL       map[string]*capabilityHandle
	byFunction  map[string]*capabilityHandle
	history     []types.HistoryEntry
	subscribers []RegistrySubscriber
}

var _ CapabilityRegistry = (*DefaultCapabilityRegistry)(nil)

// RegistryOption configures a DefaultCapabilityRegistry.
type RegistryOption func(*DefaultCapabilityRegistry)

// WithMCPClientFactory overrides how tool-provider clients are created.
func WithMCPClientFactory(factory MCPClientFactory) RegistryOption {
	return func(r *DefaultCapabilityRegistry) {
		r.mcpFactory = factory
	}
}

// WithA2AClientFactory overrides how peer-agent clients are created.
func WithA2AClientFactory(factory A2AClientFactory) RegistryOption {
	return func(r *DefaultCapabilityRegistry) {
		r.a2aFactory = factory
	}
}

// WithProbeTimeout sets the deadline for resolving a capability URL.
func WithProbeTimeout(timeout time.Duration) RegistryOption {
	return func(r *DefaultCapabilityRegistry) {
		r.probeTimeout = timeout
	}
}

// WithPeerCallTimeout sets the deadline for delegated peer calls.
func WithPeerCallTimeout(timeout time.Duration) RegistryOption {
	return func(r *DefaultCapabilityRegistry) {
		r.peerCallTimeout = timeout
	}
}

// NewDefaultCapabilityRegistry creates an empty registry.
func NewDefaultCapabilityRegistry(logger *zap.Logger, selfAgentID, selfURL string, opts ...RegistryOption) *DefaultCapabilityRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &DefaultCapabilityRegistry{
		logger:          logger,
		selfAgentID:     selfAgentID,
		selfURL:         strings.TrimRight(selfURL, "/"),
		probeTimeout:    10 * time.Second,
		peerCallTimeout: 60 * time.Second,
		byURL:           make(map[string]*capabilityHandle),
		byFunction:      make(map[string]*capabilityHandle),
	}
	r.mcpFactory = func(url string) mcp.Client {
		return mcp.NewClient(url, mcp.WithLogger(r.logger))
	}
	r.a2aFactory = func(url string) client.A2AClient {
		return client.NewClientWithLogger(url, r.logger)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) Add(ctx context.Context, rawURL string) (*AddResult, error) {
	url := strings.TrimRight(rawURL, "/")
	if url == "" {
		return nil, NewCoreError(ErrorKindReject, "capability url is required")
	}
	if r.selfURL != "" && url == r.selfURL {
		return nil, NewSelfLoopError(url)
	}

	result, change, err := r.attach(ctx, url)
	if err != nil {
		return nil, err
	}
	// Delivery happens outside the registry lock but before Add returns,
	// so a subscriber may read the registry from its callback.
	if change != nil {
		r.notify(*change)
	}
	return result, nil
}

func (r *DefaultCapabilityRegistry) attach(ctx context.Context, url string) (*AddResult, *types.RegistryChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byURL[url]; ok {
		summary := existing.summary()
		r.appendHistoryLocked(types.HistoryEntry{
			Action:            types.HistoryActionAdd,
			URL:               url,
			Timestamp:         time.Now().UTC(),
			SessionPreserved:  true,
			CapabilitySummary: summary.Functions,
		})
		r.logger.Debug("capability already attached", zap.String("url", url))
		return &AddResult{Summary: summary, NoChange: true}, nil, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	handle, err := r.probe(probeCtx, url)
	if err != nil {
		return nil, nil, err
	}

	r.assignFunctionKeysLocked(handle)
	r.handles = append(r.handles, handle)
	r.byURL[url] = handle
	for i := range handle.functions {
		r.byFunction[handle.functions[i].key] = handle
	}

	summary := handle.summary()
	r.appendHistoryLocked(types.HistoryEntry{
		Action:            types.HistoryActionAdd,
		URL:               url,
		Timestamp:         time.Now().UTC(),
		SessionPreserved:  true,
		CapabilitySummary: summary.Functions,
	})

	r.logger.Info("capability attached",
		zap.String("url", url),
		zap.String("kind", string(handle.kind)),
		zap.Int("functions", len(handle.functions)))

	return &AddResult{Summary: summary}, &types.RegistryChange{
		Action: types.HistoryActionAdd,
		URL:    url,
		Kind:   handle.kind,
	}, nil
}

// Remove implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) Remove(ctx context.Context, rawURL string) (*RemoveResult, error) {
	url := strings.TrimRight(rawURL, "/")

	result, change, err := r.detach(url)
	if err != nil {
		return nil, err
	}
	if change != nil {
		r.notify(*change)
	}
	return result, nil
}

func (r *DefaultCapabilityRegistry) detach(url string) (*RemoveResult, *types.RegistryChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, exists := r.byURL[url]

	r.appendHistoryLocked(types.HistoryEntry{
		Action:           types.HistoryActionRemove,
		URL:              url,
		Timestamp:        time.Now().UTC(),
		SessionPreserved: true,
	})

	if !exists {
		r.logger.Debug("remove of absent capability", zap.String("url", url))
		return &RemoveResult{URL: url, Removed: false}, nil, nil
	}

	delete(r.byURL, url)
	for _, fn := range handle.functions {
		delete(r.byFunction, fn.key)
	}
	for i, h := range r.handles {
		if h == handle {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			break
		}
	}
	handle.release()

	r.logger.Info("capability detached",
		zap.String("url", url),
		zap.String("kind", string(handle.kind)))

	return &RemoveResult{URL: url, Removed: true}, &types.RegistryChange{
		Action: types.HistoryActionRemove,
		URL:    url,
		Kind:   handle.kind,
	}, nil
}

// List implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) List() []types.CapabilitySummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.CapabilitySummary, 0, len(r.handles))
	for _, handle := range r.handles {
		result = append(result, handle.summary())
	}
	return result
}

// History implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) History() []types.HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.HistoryEntry, len(r.history))
	copy(result, r.history)
	return result
}

// Invoke implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) Invoke(ctx context.Context, key string, arguments string) (string, error) {
	r.mu.RLock()
	handle, exists := r.byFunction[key]
	var fn *registeredFunction
	if exists {
		for i := range handle.functions {
			if handle.functions[i].key == key {
				fn = &handle.functions[i]
				break
			}
		}
	}
	r.mu.RUnlock()

	if handle == nil || fn == nil {
		return "", NewUnknownCapabilityError(key)
	}

	switch handle.kind {
	case types.CapabilityKindTool:
		return r.invokeTool(ctx, handle, fn, arguments)
	case types.CapabilityKindAgent:
		return r.invokePeer(ctx, handle, fn, arguments)
	default:
		return "", NewUnknownCapabilityError(key)
	}
}

// Functions implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) Functions() []sdk.ChatCompletionTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []sdk.ChatCompletionTool
	for _, handle := range r.handles {
		for i := range handle.functions {
			fn := handle.functions[i]
			description := fn.description
			parameters := fn.parameters
			if parameters == nil {
				parameters = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, sdk.ChatCompletionTool{
				Type: sdk.Function,
				Function: sdk.FunctionObject{
					Name:        fn.key,
					Description: &description,
					Parameters:  (*sdk.FunctionParameters)(&parameters),
				},
			})
		}
	}
	return tools
}

// Subscribe implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) Subscribe(subscriber RegistrySubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, subscriber)
}

// Close implements CapabilityRegistry.
func (r *DefaultCapabilityRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, handle := range r.handles {
		handle.release()
	}
	r.handles = nil
	r.byURL = make(map[string]*capabilityHandle)
	r.byFunction = make(map[string]*capabilityHandle)
	return nil
}

// probe resolves what kind of capability lives at url. Peer agents are
// detected first via their agent card; anything that completes the MCP
// handshake is a tool provider.
func (r *DefaultCapabilityRegistry) probe(ctx context.Context, url string) (*capabilityHandle, error) {
	a2aClient := r.a2aFactory(url)
	card, cardErr := a2aClient.GetAgentCard(ctx)
	if cardErr == nil && card.Name != "" {
		if r.selfAgentID != "" && card.AgentID == r.selfAgentID {
			return nil, NewSelfLoopError(url)
		}
		return r.buildPeerHandle(url, a2aClient, card), nil
	}

	mcpClient := r.mcpFactory(url)
	if err := mcpClient.Initialize(ctx); err != nil {
		_ = mcpClient.Close()
		return nil, WrapCoreError(ErrorKindTransport,
			fmt.Sprintf("capability at %s is unreachable", url), err)
	}
	tools, err := mcpClient.ListTools(ctx)
	if err != nil {
		_ = mcpClient.Close()
		return nil, WrapCoreError(ErrorKindTransport,
			fmt.Sprintf("capability at %s is unreachable", url), err)
	}

	return r.buildToolHandle(url, mcpClient, tools), nil
}

func (r *DefaultCapabilityRegistry) buildToolHandle(url string, mcpClient mcp.Client, tools []types.ToolDescriptor) *capabilityHandle {
	handle := &capabilityHandle{
		url:       url,
		kind:      types.CapabilityKindTool,
		mcpClient: mcpClient,
	}
	for _, tool := range tools {
		handle.functions = append(handle.functions, registeredFunction{
			key:         tool.Name,
			remoteName:  tool.Name,
			description: tool.Description,
			parameters:  tool.InputSchema,
		})
	}
	return handle
}

func (r *DefaultCapabilityRegistry) buildPeerHandle(url string, a2aClient client.A2AClient, card *types.AgentCard) *capabilityHandle {
	handle := &capabilityHandle{
		url:           url,
		kind:          types.CapabilityKindAgent,
		a2aClient:     a2aClient,
		card:          card,
		addressableAs: types.AddressableName(card.Name),
	}

	for _, skill := range card.Skills {
		parameters := skill.Parameters
		if parameters == nil {
			parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"request": map[string]any{
						"type":        "string",
						"description": "What you need this agent to do",
					},
				},
			}
		}
		description := skill.Description
		if description == "" {
			description = fmt.Sprintf("Skill %s of agent %s", skill.Name, card.Name)
		}
		handle.functions = append(handle.functions, registeredFunction{
			key:         handle.addressableAs + "__" + types.AddressableName(skill.Name),
			remoteName:  skill.Name,
			description: description,
			parameters:  parameters,
		})
	}

	if len(handle.functions) == 0 {
		handle.functions = append(handle.functions, registeredFunction{
			key:         handle.addressableAs,
			remoteName:  "general_conversation",
			description: fmt.Sprintf("Delegate a request to agent %s. %s", card.Name, card.Description),
			parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"request": map[string]any{
						"type":        "string",
						"description": "What you need this agent to do",
					},
				},
			},
		})
	}
	return handle
}

// assignFunctionKeysLocked rewrites any function key already taken by an
// earlier handle, prefixing it with a key derived from the new handle's url.
func (r *DefaultCapabilityRegistry) assignFunctionKeysLocked(handle *capabilityHandle) {
	scope := types.AddressableName(strings.TrimPrefix(strings.TrimPrefix(handle.url, "https://"), "http://"))
	for i := range handle.functions {
		key := handle.functions[i].key
		if _, taken := r.byFunction[key]; taken {
			prefixed := scope + "__" + key
			r.logger.Warn("function name collision, prefixing",
				zap.String("url", handle.url),
				zap.String("name", key),
				zap.String("prefixed", prefixed))
			handle.functions[i].key = prefixed
		}
	}
}

func (r *DefaultCapabilityRegistry) invokeTool(ctx context.Context, handle *capabilityHandle, fn *registeredFunction, arguments string) (string, error) {
	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", WrapCoreError(ErrorKindProtocol,
				fmt.Sprintf("arguments for %s are not a JSON object", fn.key), err)
		}
	}

	result, err := handle.mcpClient.CallTool(ctx, fn.remoteName, args)
	if err != nil {
		return "", WrapCoreError(KindOf(err),
			fmt.Sprintf("tool call %s against %s failed", fn.remoteName, handle.url), err)
	}
	if result.IsError {
		return "", NewCoreError(ErrorKindRemote, result.Text)
	}
	return result.Text, nil
}

func (r *DefaultCapabilityRegistry) invokePeer(ctx context.Context, handle *capabilityHandle, fn *registeredFunction, arguments string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.peerCallTimeout)
	defer cancel()

	// Each delegated call opens a fresh session on the peer; peers never
	// share this agent's sessions.
	sessionID := "peer-" + uuid.New().String()
	text := types.PeerHelpMessage(fn.remoteName, arguments)

	reply, err := handle.a2aClient.SendMessage(callCtx, sessionID, text)
	if err != nil {
		kind := ErrorKindTransport
		if _, ok := err.(*client.A2AError); ok {
			kind = ErrorKindRemote
		}
		return "", WrapCoreError(kind,
			fmt.Sprintf("delegated call to %s failed", handle.url), err)
	}
	if reply.Status == types.TaskStateFailed.String() {
		return "", NewCoreError(ErrorKindRemote,
			fmt.Sprintf("peer %s reported failure: %s", handle.url, reply.Content))
	}
	return reply.Content, nil
}

func (r *DefaultCapabilityRegistry) appendHistoryLocked(entry types.HistoryEntry) {
	r.history = append(r.history, entry)
}

// notify delivers a registry change to every subscriber before the mutating
// operation returns. It must not be called with r.mu held: subscribers are
// allowed to read the registry from their callback.
func (r *DefaultCapabilityRegistry) notify(change types.RegistryChange) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetType(types.EventRegistryChanged)
	event.SetSource("agentfabric/registry")
	event.SetTime(time.Now().UTC())
	if err := event.SetData(cloudevents.ApplicationJSON, change); err != nil {
		r.logger.Error("failed to encode registry change event", zap.Error(err))
	}

	r.mu.RLock()
	subscribers := make([]RegistrySubscriber, len(r.subscribers))
	copy(subscribers, r.subscribers)
	r.mu.RUnlock()

	for _, subscriber := range subscribers {
		subscriber(event)
	}
}
