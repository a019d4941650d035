package server

import (
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/server/config"
	"github.com/agentfabric/runtime/types"
)

// AgentCardBuilder projects the agent's public self-description from static
// configuration plus the current capability registry snapshot.
//
// Rendering is lazy: a registry change only marks the card dirty, and the
// next read re-renders. Reads after a change always observe the new skills.
type AgentCardBuilder interface {
	// Card returns the current agent card, re-rendering if stale.
	Card() *types.AgentCard

	// OnRegistryChanged is the registry subscriber invalidating the card.
	OnRegistryChanged(event cloudevents.Event)
}

// DefaultAgentCardBuilder implements AgentCardBuilder.
type DefaultAgentCardBuilder struct {
	logger   *zap.Logger
	cfg      *config.Config
	registry CapabilityRegistry

	mu    sync.Mutex
	card  *types.AgentCard
	dirty bool
}

var _ AgentCardBuilder = (*DefaultAgentCardBuilder)(nil)

// NewDefaultAgentCardBuilder creates a card builder and subscribes it to the
// registry.
func NewDefaultAgentCardBuilder(logger *zap.Logger, cfg *config.Config, registry CapabilityRegistry) *DefaultAgentCardBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &DefaultAgentCardBuilder{
		logger:   logger,
		cfg:      cfg,
		registry: registry,
		dirty:    true,
	}
	registry.Subscribe(b.OnRegistryChanged)
	return b
}

// Card implements AgentCardBuilder.
func (b *DefaultAgentCardBuilder) Card() *types.AgentCard {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dirty || b.card == nil {
		b.card = b.render()
		b.dirty = false
	}

	card := *b.card
	card.Skills = make([]types.AgentSkill, len(b.card.Skills))
	copy(card.Skills, b.card.Skills)
	return &card
}

// OnRegistryChanged implements AgentCardBuilder.
func (b *DefaultAgentCardBuilder) OnRegistryChanged(event cloudevents.Event) {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()

	b.logger.Debug("agent card invalidated",
		zap.String("event_type", event.Type()),
		zap.String("event_id", event.ID()))
}

// render builds the card deterministically from config and the registry
// snapshot: the built-in conversation skill first, then every registered
// function in insertion order.
func (b *DefaultAgentCardBuilder) render() *types.AgentCard {
	skills := []types.AgentSkill{
		{
			Name:        "general_conversation",
			Description: "General conversation and task assistance",
		},
	}

	for _, capability := range b.registry.List() {
		for _, fn := range capability.Functions {
			skills = append(skills, types.AgentSkill{
				Name:        fn.Name,
				Description: fn.Description,
			})
		}
	}

	return &types.AgentCard{
		Name:         b.cfg.AgentName,
		AgentID:      b.cfg.AgentID,
		Description:  b.cfg.AgentDescription,
		Greeting:     b.cfg.Greeting,
		Instructions: b.cfg.Instructions,
		Version:      b.cfg.AgentVersion,
		URL:          b.cfg.AgentURL,
		Transport:    "http+json-rpc",
		Authentication: types.AgentAuthentication{
			Type: "none",
		},
		Capabilities: types.AgentCapabilities{
			Streaming:      false,
			TaskManagement: true,
		},
		Skills:           skills,
		SupportedMethods: types.SupportedMethods(),
	}
}
