package workflow

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// ErrSessionNotFound is returned for unknown or expired session IDs.
var ErrSessionNotFound = errors.New("session not found")

const (
	defaultMaxSessions = 1000
	defaultSessionTTL  = time.Hour
)

// OrchestratorFactory builds the orchestrator for a new session.
type OrchestratorFactory func(sessionID string) *Orchestrator

// SessionManager keeps one orchestrator per session. Sessions idle for longer
// than the TTL, or pushed out by newer ones, are dropped.
type SessionManager struct {
	// mu makes lookup-then-insert and lookup-then-refresh atomic.
	mu       sync.Mutex
	sessions *expirable.LRU[string, *Orchestrator]
	factory  OrchestratorFactory
	logger   *logrus.Logger
}

// NewSessionManager creates a session registry
func NewSessionManager(factory OrchestratorFactory, maxSessions int, ttl time.Duration, logger *logrus.Logger) *SessionManager {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if logger == nil {
		logger = logrus.New()
	}

	m := &SessionManager{factory: factory, logger: logger}
	m.sessions = expirable.NewLRU[string, *Orchestrator](maxSessions, func(id string, o *Orchestrator) {
		m.logger.WithField("session_id", id).Debug("Session evicted")
	}, ttl)
	return m
}

// Create starts a new session and returns its ID.
func (m *SessionManager) Create() (string, *Orchestrator) {
	id := uuid.NewString()
	o := m.factory(id)

	m.mu.Lock()
	m.sessions.Add(id, o)
	m.mu.Unlock()

	m.logger.WithField("session_id", id).Info("Session created")
	return id, o
}

// Get returns the orchestrator for id and refreshes its expiry.
func (m *SessionManager) Get(id string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return o, nil
}

// GetOrCreate returns the session for id, creating it under that ID when it
// does not exist. Concurrent callers for the same ID share one orchestrator.
func (m *SessionManager) GetOrCreate(id string) *Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.lookup(id); ok {
		return o
	}
	o := m.factory(id)
	m.sessions.Add(id, o)
	m.logger.WithField("session_id", id).Info("Session created")
	return o
}

// Delete removes a session, cancelling any turn it is running.
func (m *SessionManager) Delete(id string) bool {
	m.mu.Lock()
	o, ok := m.sessions.Peek(id)
	if ok {
		m.sessions.Remove(id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	o.ResetConversation()
	return true
}

// lookup finds a live session and restarts its idle TTL. Callers hold mu.
func (m *SessionManager) lookup(id string) (*Orchestrator, bool) {
	o, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	m.sessions.Add(id, o)
	return o, true
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	return m.sessions.Len()
}
