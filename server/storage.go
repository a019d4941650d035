package server

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfabric/runtime/types"
)

// Storage defines the interface for persisting tasks and sessions.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Task Management
	StoreTask(task *types.Task) error
	GetTask(taskID string) (*types.Task, bool)
	UpdateTask(task *types.Task) error
	DeleteTask(taskID string) error
	ListTasks(filter TaskFilter) ([]*types.Task, error)

	// Session Management
	StoreSession(session *types.Session) error
	GetSession(sessionID string) (*types.Session, bool)
	ListSessionIDs() []string
	DeleteSession(sessionID string) error

	// Cleanup Operations
	CleanupTasks(maxCompleted, maxFailed int) int

	// Health and Statistics
	GetStats() StorageStats

	// Close releases backend connections.
	Close() error
}

// TaskFilter defines filtering criteria for listing tasks
type TaskFilter struct {
	State     *types.TaskState
	SessionID *string
	Limit     int
	Offset    int
}

// StorageStats provides statistics about the storage
type StorageStats struct {
	TotalTasks    int            `json:"total_tasks"`
	TasksByState  map[string]int `json:"tasks_by_state"`
	TotalSessions int            `json:"total_sessions"`
	TotalTurns    int            `json:"total_turns"`
}

// InMemoryStorage implements Storage using process-local maps
type InMemoryStorage struct {
	logger     *zap.Logger
	tasks      map[string]*types.Task
	taskOrder  []string
	sessions   map[string]*types.Session
	tasksMu    sync.RWMutex
	sessionsMu sync.RWMutex
}

var _ Storage = (*InMemoryStorage)(nil)

// NewInMemoryStorage creates a new in-memory storage instance
func NewInMemoryStorage(logger *zap.Logger) *InMemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &InMemoryStorage{
		logger:   logger,
		tasks:    make(map[string]*types.Task),
		sessions: make(map[string]*types.Session),
	}
}

// StoreTask stores a new task
func (s *InMemoryStorage) StoreTask(task *types.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		s.taskOrder = append(s.taskOrder, task.ID)
	}
	stored := *task
	s.tasks[task.ID] = &stored
	return nil
}

// GetTask retrieves a task by ID
func (s *InMemoryStorage) GetTask(taskID string) (*types.Task, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, false
	}
	result := *task
	return &result, true
}

// UpdateTask replaces a stored task
func (s *InMemoryStorage) UpdateTask(task *types.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	stored := *task
	s.tasks[task.ID] = &stored
	return nil
}

// DeleteTask removes a task
func (s *InMemoryStorage) DeleteTask(taskID string) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	delete(s.tasks, taskID)
	for i, id := range s.taskOrder {
		if id == taskID {
			s.taskOrder = append(s.taskOrder[:i], s.taskOrder[i+1:]...)
			break
		}
	}
	return nil
}

// ListTasks returns tasks matching the filter, oldest first
func (s *InMemoryStorage) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	var result []*types.Task
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if filter.State != nil && task.State != *filter.State {
			continue
		}
		if filter.SessionID != nil && task.SessionID != *filter.SessionID {
			continue
		}
		copied := *task
		result = append(result, &copied)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

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
func (s *InMemoryStorage) StoreSession(session *types.Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	stored := *session
	stored.History = make([]types.ChatTurn, len(session.History))
	copy(stored.History, session.History)
	s.sessions[session.ID] = &stored
	return nil
}

// GetSession retrieves a session by ID
func (s *InMemoryStorage) GetSession(sessionID string) (*types.Session, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, false
	}
	result := *session
	result.History = make([]types.ChatTurn, len(session.History))
	copy(result.History, session.History)
	return &result, true
}

// ListSessionIDs returns all stored session IDs
func (s *InMemoryStorage) ListSessionIDs() []string {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteSession removes a session
func (s *InMemoryStorage) DeleteSession(sessionID string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// CleanupTasks evicts the oldest terminal tasks beyond the retention limits
// and returns the number removed. A limit of 0 means unlimited.
func (s *InMemoryStorage) CleanupTasks(maxCompleted, maxFailed int) int {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	var completed, failed []string
	for _, id := range s.taskOrder {
		switch s.tasks[id].State {
		case types.TaskStateCompleted:
			completed = append(completed, id)
		case types.TaskStateFailed, types.TaskStateCancelled:
			failed = append(failed, id)
		}
	}

	var evict []string
	if maxCompleted > 0 && len(completed) > maxCompleted {
		evict = append(evict, completed[:len(completed)-maxCompleted]...)
	}
	if maxFailed > 0 && len(failed) > maxFailed {
		evict = append(evict, failed[:len(failed)-maxFailed]...)
	}

	for _, id := range evict {
		delete(s.tasks, id)
	}
	if len(evict) > 0 {
		kept := s.taskOrder[:0]
		for _, id := range s.taskOrder {
			if _, exists := s.tasks[id]; exists {
				kept = append(kept, id)
			}
		}
		s.taskOrder = kept
		s.logger.Debug("cleaned up terminal tasks", zap.Int("removed", len(evict)))
	}
	return len(evict)
}

// GetStats returns storage statistics
func (s *InMemoryStorage) GetStats() StorageStats {
	s.tasksMu.RLock()
	byState := make(map[string]int)
	for _, task := range s.tasks {
		byState[task.State.String()]++
	}
	totalTasks := len(s.tasks)
	s.tasksMu.RUnlock()

	s.sessionsMu.RLock()
	totalSessions := len(s.sessions)
	totalTurns := 0
	for _, session := range s.sessions {
		totalTurns += len(session.History)
	}
	s.sessionsMu.RUnlock()

	return StorageStats{
		TotalTasks:    totalTasks,
		TasksByState:  byState,
		TotalSessions: totalSessions,
		TotalTurns:    totalTurns,
	}
}

// Close implements Storage.
func (s *InMemoryStorage) Close() error {
	return nil
}
