// Package conversation holds the bounded per-session history that the
// classifier uses to resolve follow-up questions.
package conversation

import (
	"sync"

	"github.com/clinical-codes-finder/internal/domain"
)

// DefaultMaxTurns is the number of turns kept when no bound is configured.
const DefaultMaxTurns = 10

// State is a bounded FIFO of completed turns plus the last resolved topic.
// Every Reset advances the epoch so that a turn started before the reset
// cannot be appended after it.
type State struct {
	mu        sync.RWMutex
	turns     []domain.ConversationTurn
	lastTopic string
	maxTurns  int
	epoch     uint64
}

// NewState creates an empty conversation keeping at most maxTurns turns.
func NewState(maxTurns int) *State {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &State{
		turns:    make([]domain.ConversationTurn, 0, maxTurns),
		maxTurns: maxTurns,
	}
}

// Append adds a completed turn, evicting the oldest one past the bound.
func (s *State) Append(turn domain.ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(turn)
}

// AppendIfCurrent appends turn only if no reset happened since the snapshot
// with the given epoch was taken.
func (s *State) AppendIfCurrent(epoch uint64, turn domain.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return domain.NewStateResetError()
	}
	s.appendLocked(turn)
	return nil
}

func (s *State) appendLocked(turn domain.ConversationTurn) {
	if len(s.turns) >= s.maxTurns {
		copy(s.turns, s.turns[1:])
		s.turns = s.turns[:len(s.turns)-1]
	}
	s.turns = append(s.turns, turn)
	if turn.ResolvedTopic != "" {
		s.lastTopic = turn.ResolvedTopic
	}
}

// Reset clears all turns and the last topic.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = s.turns[:0]
	s.lastTopic = ""
	s.epoch++
}

// CurrentTopic returns the last resolved topic, if any.
func (s *State) CurrentTopic() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTopic, s.lastTopic != ""
}

// Turns returns a copy of the stored turns, oldest first.
func (s *State) Turns() []domain.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyTurns()
}

// Len returns the number of stored turns.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Epoch returns the reset counter.
func (s *State) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// MaxTurns returns the configured bound.
func (s *State) MaxTurns() int {
	return s.maxTurns
}

// Snapshot returns a consistent read-only view for one turn.
func (s *State) Snapshot() domain.ConversationSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ConversationSnapshot{
		Turns:     s.copyTurns(),
		LastTopic: s.lastTopic,
		Epoch:     s.epoch,
	}
}

func (s *State) copyTurns() []domain.ConversationTurn {
	out := make([]domain.ConversationTurn, len(s.turns))
	copy(out, s.turns)
	return out
}
