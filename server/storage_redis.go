package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/server/config"
	"github.com/agentfabric/runtime/types"
)

// RedisStorageFactory implements StorageFactory for Redis storage
type RedisStorageFactory struct{}

// SupportedProvider returns the provider name
func (f *RedisStorageFactory) SupportedProvider() string {
	return "redis"
}

// ValidateConfig validates the configuration for Redis storage
func (f *RedisStorageFactory) ValidateConfig(cfg config.StorageConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("URL is required for Redis storage provider")
	}
	return nil
}

// CreateStorage creates a Redis storage instance
func (f *RedisStorageFactory) CreateStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Storage, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	if dbStr, exists := cfg.Options["db"]; exists {
		if db, err := strconv.Atoi(dbStr); err == nil {
			opt.DB = db
		}
	}

	if timeoutStr, exists := cfg.Options["timeout"]; exists {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil {
			opt.DialTimeout = timeout
			opt.ReadTimeout = timeout
			opt.WriteTimeout = timeout
		}
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", opt.Addr),
		zap.Int("db", opt.DB))

	return &RedisStorage{
		client: client,
		logger: logger,
	}, nil
}

// RedisStorage implements Storage using Redis
type RedisStorage struct {
	client *redis.Client
	logger *zap.Logger
}

var _ Storage = (*RedisStorage)(nil)

const (
	taskKeyPrefix    = "fabric:task:"
	taskIndexKey     = "fabric:tasks"
	sessionKeyPrefix = "fabric:session:"
	sessionIndexKey  = "fabric:sessions"
)

// StoreTask stores a new task
func (s *RedisStorage) StoreTask(task *types.Task) error {
	ctx := context.Background()

	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, taskKeyPrefix+task.ID, data, 0)
	pipe.ZAdd(ctx, taskIndexKey, redis.Z{
		Score:  float64(task.CreatedAt.UnixNano()),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *RedisStorage) GetTask(taskID string) (*types.Task, bool) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Error("failed to get task from redis",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return nil, false
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		s.logger.Error("failed to deserialize task",
			zap.String("task_id", taskID), zap.Error(err))
		return nil, false
	}
	return &task, true
}

// UpdateTask replaces a stored task
func (s *RedisStorage) UpdateTask(task *types.Task) error {
	ctx := context.Background()

	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	exists, err := s.client.Exists(ctx, taskKeyPrefix+task.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("task not found: %s", task.ID)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}
	if err := s.client.Set(ctx, taskKeyPrefix+task.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// DeleteTask removes a task
func (s *RedisStorage) DeleteTask(taskID string) error {
	ctx := context.Background()

	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, taskKeyPrefix+taskID)
	pipe.ZRem(ctx, taskIndexKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// ListTasks returns tasks matching the filter, oldest first
func (s *RedisStorage) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	ctx := context.Background()

	ids, err := s.client.ZRange(ctx, taskIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var result []*types.Task
	for _, id := range ids {
		task, ok := s.GetTask(id)
		if !ok {
			continue
		}
		if filter.State != nil && task.State != *filter.State {
			continue
		}
		if filter.SessionID != nil && task.SessionID != *filter.SessionID {
			continue
		}
		result = append(result, task)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// StoreSession stores or replaces a session
func (s *RedisStorage) StoreSession(session *types.Session) error {
	ctx := context.Background()

	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, data, 0)
	pipe.SAdd(ctx, sessionIndexKey, session.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *RedisStorage) GetSession(sessionID string) (*types.Session, bool) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Error("failed to get session from redis",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Error("failed to deserialize session",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return &session, true
}

// ListSessionIDs returns all stored session IDs
func (s *RedisStorage) ListSessionIDs() []string {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		s.logger.Error("failed to list sessions from redis", zap.Error(err))
		return nil
	}
	sort.Strings(ids)
	return ids
}

// DeleteSession removes a session
func (s *RedisStorage) DeleteSession(sessionID string) error {
	ctx := context.Background()

	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, sessionKeyPrefix+sessionID)
	pipe.SRem(ctx, sessionIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// CleanupTasks evicts the oldest terminal tasks beyond the retention limits
func (s *RedisStorage) CleanupTasks(maxCompleted, maxFailed int) int {
	tasks, err := s.ListTasks(TaskFilter{})
	if err != nil {
		s.logger.Error("failed to list tasks for cleanup", zap.Error(err))
		return 0
	}

	var completed, failed []string
	for _, task := range tasks {
		switch task.State {
		case types.TaskStateCompleted:
			completed = append(completed, task.ID)
		case types.TaskStateFailed, types.TaskStateCancelled:
			failed = append(failed, task.ID)
		}
	}

	var evict []string
	if maxCompleted > 0 && len(completed) > maxCompleted {
		evict = append(evict, completed[:len(completed)-maxCompleted]...)
	}
	if maxFailed > 0 && len(failed) > maxFailed {
		evict = append(evict, failed[:len(failed)-maxFailed]...)
	}

	removed := 0
	for _, id := range evict {
		if err := s.DeleteTask(id); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cleaned up terminal tasks", zap.Int("removed", removed))
	}
	return removed
}

// GetStats returns storage statistics
func (s *RedisStorage) GetStats() StorageStats {
	stats := StorageStats{
		TasksByState: make(map[string]int),
	}

	tasks, err := s.ListTasks(TaskFilter{})
	if err == nil {
		stats.TotalTasks = len(tasks)
		for _, task := range tasks {
			stats.TasksByState[task.State.String()]++
		}
	}

	for _, id := range s.ListSessionIDs() {
		stats.TotalSessions++
		if session, ok := s.GetSession(id); ok {
			stats.TotalTurns += len(session.History)
		}
	}
	return stats
}

// Close releases the Redis connection
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
