package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/types"
)

// CancelOutcome reports what tasks/cancel actually did.
type CancelOutcome string

const (
	// CancelOutcomeCancelled means the task was moved to cancelled.
	CancelOutcomeCancelled CancelOutcome = "cancelled"

	// CancelOutcomeAlreadyTerminal means the task had already finished;
	// cancelling is a no-op and not an error.
	CancelOutcomeAlreadyTerminal CancelOutcome = "already_terminal"
)

// TaskManager owns the task lifecycle. All state transitions go through it,
// one at a time per task, so observers never see a task move backwards.
type TaskManager interface {
	// CreateTask records a new submitted task for the given session.
	CreateTask(sessionID, inbound string) (*types.Task, error)

	// GetTask retrieves a task by ID.
	GetTask(taskID string) (*types.Task, error)

	// StartWorking moves a submitted task to working.
	StartWorking(taskID string) (*types.Task, error)

	// CompleteTask moves a working task to completed with its reply.
	CompleteTask(taskID, reply string) (*types.Task, error)

	// FailTask moves a working task to failed, recording the error kind.
	FailTask(taskID string, kind ErrorKind, message string) (*types.Task, error)

	// CancelTask cancels a submitted or working task. Cancelling a terminal
	// task reports CancelOutcomeAlreadyTerminal without touching the record.
	CancelTask(taskID string) (*types.Task, CancelOutcome, error)

	// RegisterCancelFunc installs the function invoked to interrupt the
	// task's in-flight work when it is cancelled.
	RegisterCancelFunc(taskID string, cancel context.CancelFunc)

	// UnregisterCancelFunc removes a previously installed cancel function.
	UnregisterCancelFunc(taskID string)

	// CleanupTasks evicts terminal tasks beyond the retention limits.
	CleanupTasks() int
}

// DefaultTaskManager implements TaskManager on top of a Storage backend.
type DefaultTaskManager struct {
	logger  *zap.Logger
	storage Storage

	maxCompletedTasks int
	maxFailedTasks    int

	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

var _ TaskManager = (*DefaultTaskManager)(nil)

// NewDefaultTaskManager creates a task manager backed by storage.
func NewDefaultTaskManager(logger *zap.Logger, storage Storage, maxCompleted, maxFailed int) *DefaultTaskManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DefaultTaskManager{
		logger:            logger,
		storage:           storage,
		maxCompletedTasks: maxCompleted,
		maxFailedTasks:    maxFailed,
		cancelFuncs:       make(map[string]context.CancelFunc),
	}
}

// CreateTask implements TaskManager.
func (tm *DefaultTaskManager) CreateTask(sessionID, inbound string) (*types.Task, error) {
	now := time.Now().UTC()
	task := &types.Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		State:     types.TaskStateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		Inbound:   inbound,
	}

	if err := tm.storage.StoreTask(task); err != nil {
		return nil, fmt.Errorf("failed to store task: %w", err)
	}

	tm.logger.Debug("task created",
		zap.String("task_id", task.ID),
		zap.String("session_id", sessionID))
	return task, nil
}

// GetTask implements TaskManager.
func (tm *DefaultTaskManager) GetTask(taskID string) (*types.Task, error) {
	task, exists := tm.storage.GetTask(taskID)
	if !exists {
		return nil, NewTaskNotFoundError(taskID)
	}
	return task, nil
}

// StartWorking implements TaskManager.
func (tm *DefaultTaskManager) StartWorking(taskID string) (*types.Task, error) {
	return tm.transition(taskID, types.TaskStateWorking, func(task *types.Task) {})
}

// CompleteTask implements TaskManager.
func (tm *DefaultTaskManager) CompleteTask(taskID, reply string) (*types.Task, error) {
	return tm.transition(taskID, types.TaskStateCompleted, func(task *types.Task) {
		task.Reply = &reply
	})
}

// FailTask implements TaskManager.
func (tm *DefaultTaskManager) FailTask(taskID string, kind ErrorKind, message string) (*types.Task, error) {
	return tm.transition(taskID, types.TaskStateFailed, func(task *types.Task) {
		kindStr := string(kind)
		task.ErrorKind = &kindStr
		task.Reply = &message
	})
}

// CancelTask implements TaskManager.
func (tm *DefaultTaskManager) CancelTask(taskID string) (*types.Task, CancelOutcome, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, exists := tm.storage.GetTask(taskID)
	if !exists {
		return nil, "", NewTaskNotFoundError(taskID)
	}

	if task.State.IsTerminal() {
		return task, CancelOutcomeAlreadyTerminal, nil
	}

	task.State = types.TaskStateCancelled
	task.UpdatedAt = time.Now().UTC()
	if err := tm.storage.UpdateTask(task); err != nil {
		return nil, "", fmt.Errorf("failed to update task: %w", err)
	}

	if cancel, ok := tm.cancelFuncs[taskID]; ok {
		cancel()
		delete(tm.cancelFuncs, taskID)
	}

	tm.logger.Info("task cancelled", zap.String("task_id", taskID))
	return task, CancelOutcomeCancelled, nil
}

// RegisterCancelFunc implements TaskManager.
func (tm *DefaultTaskManager) RegisterCancelFunc(taskID string, cancel context.CancelFunc) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.cancelFuncs[taskID] = cancel
}

// UnregisterCancelFunc implements TaskManager.
func (tm *DefaultTaskManager) UnregisterCancelFunc(taskID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.cancelFuncs, taskID)
}

// CleanupTasks implements TaskManager.
func (tm *DefaultTaskManager) CleanupTasks() int {
	return tm.storage.CleanupTasks(tm.maxCompletedTasks, tm.maxFailedTasks)
}

// transition applies a legal state change under the manager's lock.
func (tm *DefaultTaskManager) transition(taskID string, to types.TaskState, mutate func(*types.Task)) (*types.Task, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, exists := tm.storage.GetTask(taskID)
	if !exists {
		return nil, NewTaskNotFoundError(taskID)
	}

	if !legalTransition(task.State, to) {
		return nil, fmt.Errorf("illegal task transition: %s -> %s (task %s)", task.State, to, taskID)
	}

	task.State = to
	task.UpdatedAt = time.Now().UTC()
	mutate(task)

	if err := tm.storage.UpdateTask(task); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	tm.logger.Debug("task transitioned",
		zap.String("task_id", taskID),
		zap.String("state", to.String()))
	return task, nil
}

func legalTransition(from, to types.TaskState) bool {
	switch from {
	case types.TaskStateSubmitted:
		return to == types.TaskStateWorking || to == types.TaskStateCancelled
	case types.TaskStateWorking:
		return to == types.TaskStateCompleted || to == types.TaskStateFailed || to == types.TaskStateCancelled
	default:
		return false
	}
}
