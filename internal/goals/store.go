package goals

import (
	"context"
	"sync"
	"time"
)

// Store persists active goals keyed by conversation. Writes are
// last-writer-wins; reads past the goal's expiry return nil. A store
// outage must degrade to "no active goal", never to an error the
// router has to handle.
type Store interface {
	// SetActiveGoal upserts the conversation's goal with the goal's
	// expiry as store-level TTL.
	SetActiveGoal(ctx context.Context, conversationID string, goal *Goal) error

	// GetActiveGoal returns the active goal, or nil when absent or
	// expired.
	GetActiveGoal(ctx context.Context, conversationID string) (*Goal, error)

	// ClearActiveGoal removes the conversation's goal.
	ClearActiveGoal(ctx context.Context, conversationID string) error

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-process Store. Expired goals are dropped on
// read and swept periodically.
type MemoryStore struct {
	mu      sync.Mutex
	goals   map[string]*Goal
	nowFunc func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store and starts the background sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		goals:   make(map[string]*Goal),
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// SetNowFunc overrides the clock, for tests.
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

func (s *MemoryStore) SetActiveGoal(_ context.Context, conversationID string, goal *Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *goal
	s.goals[conversationID] = &clone
	return nil
}

func (s *MemoryStore) GetActiveGoal(_ context.Context, conversationID string) (*Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	goal, ok := s.goals[conversationID]
	if !ok {
		return nil, nil
	}
	if goal.Expired(s.nowFunc()) {
		delete(s.goals, conversationID)
		return nil, nil
	}
	clone := *goal
	return &clone, nil
}

func (s *MemoryStore) ClearActiveGoal(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.goals, conversationID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.nowFunc()
			for id, goal := range s.goals {
				if goal.Expired(now) {
					delete(s.goals, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
