package server_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/client"
	"github.com/agentfabric/runtime/mcp"
	"github.com/agentfabric/runtime/server"
	"github.com/agentfabric/runtime/types"
)

type fakeMCPClient struct {
	url         string
	tools       []types.ToolDescriptor
	initErr     error
	callFn      func(name string, args map[string]any) (*mcp.ToolResult, error)
	initialized bool
	closed      bool
}

func (f *fakeMCPClient) Initialize(ctx context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *fakeMCPClient) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeMCPClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	if f.callFn != nil {
		return f.callFn(name, args)
	}
	return &mcp.ToolResult{Text: "ok"}, nil
}

func (f *fakeMCPClient) SessionID() string { return "" }
func (f *fakeMCPClient) URL() string       { return f.url }
func (f *fakeMCPClient) Close() error {
	f.closed = true
	return nil
}

type fakeA2AClient struct {
	url     string
	card    *types.AgentCard
	cardErr error
	sendFn  func(sessionID, text string) (*client.MessageReply, error)

	sentSessions []string
	sentTexts    []string
}

func (f *fakeA2AClient) GetAgentCard(ctx context.Context) (*types.AgentCard, error) {
	if f.cardErr != nil {
		return nil, f.cardErr
	}
	return f.card, nil
}

func (f *fakeA2AClient) GetHealth(ctx context.Context) (*client.HealthResponse, error) {
	return &client.HealthResponse{Status: types.HealthStatusHealthy}, nil
}

func (f *fakeA2AClient) SendMessage(ctx context.Context, sessionID, text string) (*client.MessageReply, error) {
	f.sentSessions = append(f.sentSessions, sessionID)
	f.sentTexts = append(f.sentTexts, text)
	if f.sendFn != nil {
		return f.sendFn(sessionID, text)
	}
	return &client.MessageReply{TaskID: "t1", Status: "completed", Content: "peer reply"}, nil
}

func (f *fakeA2AClient) SendTask(ctx context.Context, sessionID, text string) (*client.MessageReply, error) {
	return f.SendMessage(ctx, sessionID, text)
}

func (f *fakeA2AClient) GetTask(ctx context.Context, taskID string) (*client.MessageReply, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeA2AClient) CancelTask(ctx context.Context, taskID string) (*client.MessageReply, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeA2AClient) SetTimeout(timeout time.Duration)  {}
func (f *fakeA2AClient) SetHTTPClient(client *http.Client) {}
func (f *fakeA2AClient) GetBaseURL() string                { return f.url }
func (f *fakeA2AClient) SetLogger(logger *zap.Logger)      {}
func (f *fakeA2AClient) GetLogger() *zap.Logger            { return zap.NewNop() }

func newToolRegistry(t *testing.T, mcpClients map[string]*fakeMCPClient) *server.DefaultCapabilityRegistry {
	t.Helper()
	return server.NewDefaultCapabilityRegistry(zap.NewNop(), "self-agent", "http://self:8080",
		server.WithMCPClientFactory(func(url string) mcp.Client {
			if c, ok := mcpClients[url]; ok {
				return c
			}
			return &fakeMCPClient{url: url, initErr: fmt.Errorf("connection refused")}
		}),
		server.WithA2AClientFactory(func(url string) client.A2AClient {
			return &fakeA2AClient{url: url, cardErr: fmt.Errorf("no agent card")}
		}),
	)
}

func newPeerRegistry(t *testing.T, peers map[string]*fakeA2AClient) *server.DefaultCapabilityRegistry {
	t.Helper()
	return server.NewDefaultCapabilityRegistry(zap.NewNop(), "self-agent", "http://self:8080",
		server.WithMCPClientFactory(func(url string) mcp.Client {
			return &fakeMCPClient{url: url, initErr: fmt.Errorf("connection refused")}
		}),
		server.WithA2AClientFactory(func(url string) client.A2AClient {
			if c, ok := peers[url]; ok {
				return c
			}
			return &fakeA2AClient{url: url, cardErr: fmt.Errorf("no agent card")}
		}),
	)
}

func TestRegistryAddToolProvider(t *testing.T) {
	fake := &fakeMCPClient{
		url: "http://tools:3000",
		tools: []types.ToolDescriptor{
			{Name: "search", Description: "Search the web"},
			{Name: "fetch", Description: "Fetch a URL"},
		},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	result, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	assert.False(t, result.NoChange)
	assert.Equal(t, types.CapabilityKindTool, result.Summary.Kind)
	require.Len(t, result.Summary.Functions, 2)
	assert.Equal(t, "search", result.Summary.Functions[0].Name)
	assert.True(t, fake.initialized)

	list := registry.List()
	require.Len(t, list, 1)
	assert.Equal(t, "http://tools:3000", list[0].URL)

	history := registry.History()
	require.Len(t, history, 1)
	assert.Equal(t, types.HistoryActionAdd, history[0].Action)
	assert.True(t, history[0].SessionPreserved)
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	first, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	assert.False(t, first.NoChange)

	second, err := registry.Add(context.Background(), "http://tools:3000/")
	require.NoError(t, err)
	assert.True(t, second.NoChange)

	assert.Len(t, registry.List(), 1)
	// the no-op add is still audited
	assert.Len(t, registry.History(), 2)
}

func TestRegistryAddUnreachable(t *testing.T) {
	registry := newToolRegistry(t, nil)

	_, err := registry.Add(context.Background(), "http://nowhere:9999")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindTransport, server.KindOf(err))
	assert.Empty(t, registry.List())
}

func TestRegistryAddEmptyURL(t *testing.T) {
	registry := newToolRegistry(t, nil)

	_, err := registry.Add(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindReject, server.KindOf(err))
}

func TestRegistryRejectsSelfByURL(t *testing.T) {
	registry := newToolRegistry(t, nil)

	_, err := registry.Add(context.Background(), "http://self:8080/")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindReject, server.KindOf(err))
}

func TestRegistryRejectsSelfByAgentID(t *testing.T) {
	peer := &fakeA2AClient{
		url:  "http://mirror:8080",
		card: &types.AgentCard{Name: "Mirror", AgentID: "self-agent"},
	}
	registry := newPeerRegistry(t, map[string]*fakeA2AClient{"http://mirror:8080": peer})

	_, err := registry.Add(context.Background(), "http://mirror:8080")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindReject, server.KindOf(err))
}

func TestRegistryAddPeerAgent(t *testing.T) {
	peer := &fakeA2AClient{
		url: "http://peer:8080",
		card: &types.AgentCard{
			Name:    "Research Agent",
			AgentID: "research-agent",
			Skills: []types.AgentSkill{
				{Name: "deep research", Description: "Long-form research"},
			},
		},
	}
	registry := newPeerRegistry(t, map[string]*fakeA2AClient{"http://peer:8080": peer})

	result, err := registry.Add(context.Background(), "http://peer:8080")
	require.NoError(t, err)
	assert.Equal(t, types.CapabilityKindAgent, result.Summary.Kind)
	require.Len(t, result.Summary.Functions, 1)
	assert.Equal(t, "Research_Agent__deep_research", result.Summary.Functions[0].Name)
}

func TestRegistryAddPeerAgentWithoutSkills(t *testing.T) {
	peer := &fakeA2AClient{
		url:  "http://peer:8080",
		card: &types.AgentCard{Name: "Plain Agent", AgentID: "plain-agent"},
	}
	registry := newPeerRegistry(t, map[string]*fakeA2AClient{"http://peer:8080": peer})

	result, err := registry.Add(context.Background(), "http://peer:8080")
	require.NoError(t, err)
	require.Len(t, result.Summary.Functions, 1)
	assert.Equal(t, "Plain_Agent", result.Summary.Functions[0].Name)
}

func TestRegistryRemove(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	result, err := registry.Remove(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	assert.True(t, result.Removed)
	assert.True(t, fake.closed)
	assert.Empty(t, registry.List())

	history := registry.History()
	require.Len(t, history, 2)
	assert.Equal(t, types.HistoryActionAdd, history[0].Action)
	assert.Equal(t, types.HistoryActionRemove, history[1].Action)
	assert.True(t, history[1].SessionPreserved)
}

func TestRegistryRemoveAbsent(t *testing.T) {
	registry := newToolRegistry(t, nil)

	result, err := registry.Remove(context.Background(), "http://never-added:3000")
	require.NoError(t, err)
	assert.False(t, result.Removed)

	history := registry.History()
	require.Len(t, history, 1)
	assert.Equal(t, types.HistoryActionRemove, history[0].Action)
	assert.True(t, history[0].SessionPreserved)
}

func TestRegistryFunctionNameCollision(t *testing.T) {
	first := &fakeMCPClient{
		url:   "http://alpha:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	second := &fakeMCPClient{
		url:   "http://beta:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{
		"http://alpha:3000": first,
		"http://beta:3000":  second,
	})

	_, err := registry.Add(context.Background(), "http://alpha:3000")
	require.NoError(t, err)
	result, err := registry.Add(context.Background(), "http://beta:3000")
	require.NoError(t, err)

	require.Len(t, result.Summary.Functions, 1)
	assert.Equal(t, "beta_3000__search", result.Summary.Functions[0].Name)

	functions := registry.Functions()
	require.Len(t, functions, 2)
	assert.Equal(t, "search", functions[0].Function.Name)
	assert.Equal(t, "beta_3000__search", functions[1].Function.Name)
}

func TestRegistryNotifiesSubscribersSynchronously(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	var events []cloudevents.Event
	registry.Subscribe(func(event cloudevents.Event) {
		events = append(events, event)
	})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventRegistryChanged, events[0].Type())

	var change types.RegistryChange
	require.NoError(t, events[0].DataAs(&change))
	assert.Equal(t, types.HistoryActionAdd, change.Action)
	assert.Equal(t, "http://tools:3000", change.URL)

	_, err = registry.Remove(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestRegistrySubscriberMayReadRegistry(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	// Subscribers observe the mutation already applied, and reading the
	// registry from the callback must not block.
	var observed [][]types.CapabilitySummary
	registry.Subscribe(func(event cloudevents.Event) {
		observed = append(observed, registry.List())
	})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	require.Len(t, observed, 1)
	require.Len(t, observed[0], 1)
	assert.Equal(t, "http://tools:3000", observed[0][0].URL)

	_, err = registry.Remove(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	require.Len(t, observed, 2)
	assert.Empty(t, observed[1])
}

func TestRegistryInvokeTool(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
		callFn: func(name string, args map[string]any) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Text: fmt.Sprintf("results for %v", args["query"])}, nil
		},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	result, err := registry.Invoke(context.Background(), "search", `{"query":"golang"}`)
	require.NoError(t, err)
	assert.Equal(t, "results for golang", result)
}

func TestRegistryInvokeToolError(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
		callFn: func(name string, args map[string]any) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Text: "index unavailable", IsError: true}, nil
		},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	_, err = registry.Invoke(context.Background(), "search", `{}`)
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindRemote, server.KindOf(err))
	assert.Contains(t, err.Error(), "index unavailable")
}

func TestRegistryInvokeBadArguments(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	_, err = registry.Invoke(context.Background(), "search", "{not json")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindProtocol, server.KindOf(err))
}

func TestRegistryInvokeUnknownCapability(t *testing.T) {
	registry := newToolRegistry(t, nil)

	_, err := registry.Invoke(context.Background(), "nope", "{}")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindUnknownCapability, server.KindOf(err))
}

func TestRegistryInvokeRemovedCapability(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)
	_, err = registry.Remove(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	_, err = registry.Invoke(context.Background(), "search", "{}")
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindUnknownCapability, server.KindOf(err))
}

func TestRegistryInvokePeer(t *testing.T) {
	peer := &fakeA2AClient{
		url: "http://peer:8080",
		card: &types.AgentCard{
			Name:    "Research Agent",
			AgentID: "research-agent",
			Skills:  []types.AgentSkill{{Name: "research", Description: "Research things"}},
		},
	}
	registry := newPeerRegistry(t, map[string]*fakeA2AClient{"http://peer:8080": peer})

	_, err := registry.Add(context.Background(), "http://peer:8080")
	require.NoError(t, err)

	result, err := registry.Invoke(context.Background(), "Research_Agent__research", `{"topic":"go"}`)
	require.NoError(t, err)
	assert.Equal(t, "peer reply", result)

	// delegated calls open a fresh peer-scoped session
	require.Len(t, peer.sentSessions, 1)
	assert.Contains(t, peer.sentSessions[0], "peer-")
	assert.Contains(t, peer.sentTexts[0], "research")
}

func TestRegistryInvokePeerFailure(t *testing.T) {
	peer := &fakeA2AClient{
		url:  "http://peer:8080",
		card: &types.AgentCard{Name: "Flaky Agent", AgentID: "flaky-agent"},
		sendFn: func(sessionID, text string) (*client.MessageReply, error) {
			return &client.MessageReply{TaskID: "t1", Status: "failed", Content: "boom"}, nil
		},
	}
	registry := newPeerRegistry(t, map[string]*fakeA2AClient{"http://peer:8080": peer})

	_, err := registry.Add(context.Background(), "http://peer:8080")
	require.NoError(t, err)

	_, err = registry.Invoke(context.Background(), "Flaky_Agent", `{}`)
	require.Error(t, err)
	assert.Equal(t, server.ErrorKindRemote, server.KindOf(err))
}

func TestRegistryFunctionsSnapshotOrder(t *testing.T) {
	first := &fakeMCPClient{
		url:   "http://alpha:3000",
		tools: []types.ToolDescriptor{{Name: "one"}, {Name: "two"}},
	}
	second := &fakeMCPClient{
		url:   "http://beta:3000",
		tools: []types.ToolDescriptor{{Name: "three"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{
		"http://alpha:3000": first,
		"http://beta:3000":  second,
	})

	_, err := registry.Add(context.Background(), "http://alpha:3000")
	require.NoError(t, err)
	_, err = registry.Add(context.Background(), "http://beta:3000")
	require.NoError(t, err)

	functions := registry.Functions()
	require.Len(t, functions, 3)
	assert.Equal(t, "one", functions[0].Function.Name)
	assert.Equal(t, "two", functions[1].Function.Name)
	assert.Equal(t, "three", functions[2].Function.Name)
}

func TestRegistryClose(t *testing.T) {
	fake := &fakeMCPClient{
		url:   "http://tools:3000",
		tools: []types.ToolDescriptor{{Name: "search"}},
	}
	registry := newToolRegistry(t, map[string]*fakeMCPClient{"http://tools:3000": fake})

	_, err := registry.Add(context.Background(), "http://tools:3000")
	require.NoError(t, err)

	require.NoError(t, registry.Close())
	assert.True(t, fake.closed)
	assert.Empty(t, registry.List())
}
