package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfabric/runtime/server/config"
)

// StorageFactory defines the interface for creating storage instances
type StorageFactory interface {
	// CreateStorage creates a storage instance with the given configuration
	CreateStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Storage, error)

	// SupportedProvider returns the provider name this factory supports
	SupportedProvider() string

	// ValidateConfig validates the configuration for this provider
	ValidateConfig(cfg config.StorageConfig) error
}

// StorageFactoryRegistry manages registered storage providers
type StorageFactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]StorageFactory
}

// globalRegistry is the global storage factory registry
var globalRegistry = &StorageFactoryRegistry{
	factories: make(map[string]StorageFactory),
}

func init() {
	RegisterStorageProvider("memory", &MemoryStorageFactory{})
	RegisterStorageProvider("redis", &RedisStorageFactory{})
}

// RegisterStorageProvider registers a storage provider factory
func RegisterStorageProvider(provider string, factory StorageFactory) {
	globalRegistry.Register(provider, factory)
}

// GetStorageProvider retrieves a storage provider factory
func GetStorageProvider(provider string) (StorageFactory, error) {
	return globalRegistry.GetFactory(provider)
}

// CreateStorage creates a storage instance using the registered factories.
// An unknown provider or a backend that cannot be reached falls back to
// in-memory storage so the agent still comes up.
func CreateStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Storage, error) {
	factory, err := GetStorageProvider(cfg.Provider)
	if err != nil {
		logger.Warn("unsupported storage provider, falling back to memory",
			zap.String("provider", cfg.Provider))
		return NewInMemoryStorage(logger), nil
	}

	if err := factory.ValidateConfig(cfg); err != nil {
		logger.Warn("invalid storage configuration, falling back to memory",
			zap.String("provider", cfg.Provider),
			zap.Error(err))
		return NewInMemoryStorage(logger), nil
	}

	storage, err := factory.CreateStorage(ctx, cfg, logger)
	if err != nil {
		logger.Warn("failed to create storage backend, falling back to memory",
			zap.String("provider", cfg.Provider),
			zap.Error(err))
		return NewInMemoryStorage(logger), nil
	}
	return storage, nil
}

// Register registers a factory for a provider
func (r *StorageFactoryRegistry) Register(provider string, factory StorageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if factory.SupportedProvider() != provider {
		panic(fmt.Sprintf("factory provider mismatch: expected %s, got %s", provider, factory.SupportedProvider()))
	}

	r.factories[provider] = factory
}

// GetFactory retrieves a factory for a provider
func (r *StorageFactoryRegistry) GetFactory(provider string) (StorageFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[provider]
	if !exists {
		return nil, fmt.Errorf("unsupported storage provider: %s", provider)
	}
	return factory, nil
}

// MemoryStorageFactory implements StorageFactory for in-memory storage
type MemoryStorageFactory struct{}

// SupportedProvider returns the provider name
func (f *MemoryStorageFactory) SupportedProvider() string {
	return "memory"
}

// ValidateConfig validates the configuration for in-memory storage
func (f *MemoryStorageFactory) ValidateConfig(cfg config.StorageConfig) error {
	return nil
}

// CreateStorage creates an in-memory storage instance
func (f *MemoryStorageFactory) CreateStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Storage, error) {
	return NewInMemoryStorage(logger), nil
}
