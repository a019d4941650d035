package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/runtime/types"
)

// SessionStore owns conversation sessions and serializes the turns that run
// inside them. Histories are append-only; snapshots are defensive copies.
type SessionStore interface {
	// GetOrCreate returns the session with the given ID, creating it on
	// first use.
	GetOrCreate(sessionID string) (*types.Session, error)

	// Append adds turns to the session's history.
	Append(sessionID string, turns ...types.ChatTurn) error

	// Snapshot returns a copy of the session's history.
	Snapshot(sessionID string) ([]types.ChatTurn, error)

	// AcquireTurn blocks until the caller holds the session's turn slot or
	// ctx is done. The returned release function must be called exactly once.
	AcquireTurn(ctx context.Context, sessionID string) (release func(), err error)

	// SessionIDs lists known sessions.
	SessionIDs() []string
}

// DefaultSessionStore implements SessionStore on top of a Storage backend.
//
// A channel of capacity one per session acts as the turn slot: whoever holds
// the token runs; everyone else waits in line or gives up with their context.
type DefaultSessionStore struct {
	logger  *zap.Logger
	storage Storage

	maxSessions int
	maxHistory  int

	mu    sync.Mutex
	slots map[string]chan struct{}
}

var _ SessionStore = (*DefaultSessionStore)(nil)

// NewDefaultSessionStore creates a session store backed by storage.
func NewDefaultSessionStore(logger *zap.Logger, storage Storage, maxSessions, maxHistory int) *DefaultSessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DefaultSessionStore{
		logger:      logger,
		storage:     storage,
		maxSessions: maxSessions,
		maxHistory:  maxHistory,
		slots:       make(map[string]chan struct{}),
	}
}

// GetOrCreate implements SessionStore.
func (s *DefaultSessionStore) GetOrCreate(sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(sessionID)
}

func (s *DefaultSessionStore) getOrCreateLocked(sessionID string) (*types.Session, error) {
	if session, exists := s.storage.GetSession(sessionID); exists {
		return session, nil
	}

	if s.maxSessions > 0 {
		if ids := s.storage.ListSessionIDs(); len(ids) >= s.maxSessions {
			s.evictOldestLocked(ids)
		}
	}

	now := time.Now().UTC()
	session := &types.Session{
		ID:            sessionID,
		History:       []types.ChatTurn{},
		CreatedAt:     now,
		LastTouchedAt: now,
	}
	if err := s.storage.StoreSession(session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	s.logger.Debug("session created", zap.String("session_id", sessionID))
	return session, nil
}

// evictOldestLocked drops the least-recently-touched session to make room
// for a new one. Turn slots survive eviction so an in-flight turn keeps its
// serialization if the session id comes back.
func (s *DefaultSessionStore) evictOldestLocked(ids []string) {
	var oldest *types.Session
	for _, id := range ids {
		session, ok := s.storage.GetSession(id)
		if !ok {
			continue
		}
		if oldest == nil || session.LastTouchedAt.Before(oldest.LastTouchedAt) {
			oldest = session
		}
	}
	if oldest == nil {
		return
	}

	if err := s.storage.DeleteSession(oldest.ID); err != nil {
		s.logger.Warn("failed to evict session",
			zap.String("session_id", oldest.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("evicted least-recently-used session",
		zap.String("session_id", oldest.ID),
		zap.Int("max_sessions", s.maxSessions))
}

// Append implements SessionStore.
func (s *DefaultSessionStore) Append(sessionID string, turns ...types.ChatTurn) error {
	if len(turns) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getOrCreateLocked(sessionID)
	if err != nil {
		return err
	}

	session.History = append(session.History, turns...)
	if s.maxHistory > 0 && len(session.History) > s.maxHistory {
		session.History = session.History[len(session.History)-s.maxHistory:]
	}
	session.LastTouchedAt = time.Now().UTC()

	return s.storage.StoreSession(session)
}

// Snapshot implements SessionStore.
func (s *DefaultSessionStore) Snapshot(sessionID string) ([]types.ChatTurn, error) {
	s.mu.Lock()
	session, err := s.getOrCreateLocked(sessionID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return session.History, nil
}

// AcquireTurn implements SessionStore.
func (s *DefaultSessionStore) AcquireTurn(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	slot, exists := s.slots[sessionID]
	if !exists {
		slot = make(chan struct{}, 1)
		s.slots[sessionID] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-slot })
		}, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, WrapCoreError(ErrorKindTimeout,
				fmt.Sprintf("timed out waiting for turn in session %s", sessionID), ctx.Err())
		}
		return nil, WrapCoreError(ErrorKindCancelled,
			fmt.Sprintf("cancelled waiting for turn in session %s", sessionID), ctx.Err())
	}
}

// SessionIDs implements SessionStore.
func (s *DefaultSessionStore) SessionIDs() []string {
	return s.storage.ListSessionIDs()
}
