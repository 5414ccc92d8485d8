package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StateStore is a short-lived correlation store keyed by an opaque state
// token. Entries self-expire and can be consumed once.
type StateStore interface {
	PutState(ctx context.Context, state, payload string, expiresAt time.Time) error
	// ConsumeState returns ok=false when the state is unknown, expired or
	// already consumed.
	ConsumeState(ctx context.Context, state string, now time.Time) (payload string, ok bool, err error)
}

// DefaultStateCleanupInterval is how often expired states are swept.
const DefaultStateCleanupInterval = time.Minute

type stateEntry struct {
	payload   string
	expiresAt time.Time
}

// MemoryStateStore keeps states in process memory. It suits single-process
// deployments; use the database store when several processes serve logins.
type MemoryStateStore struct {
	mu              sync.Mutex
	entries         map[string]stateEntry
	cleanupInterval time.Duration
	now             func() time.Time
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
}

// NewMemoryStateStore creates an empty store; call StartCleanup to sweep
// expired entries in the background.
func NewMemoryStateStore(cleanupInterval time.Duration) *MemoryStateStore {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultStateCleanupInterval
	}
	return &MemoryStateStore{
		entries:         make(map[string]stateEntry),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
		stopChan:        make(chan struct{}),
	}
}

// StartCleanup runs the sweeper until ctx is done or Stop is called.
func (s *MemoryStateStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit. Safe to call twice.
func (s *MemoryStateStore) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *MemoryStateStore) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("cleaned expired oauth states", "count", cleaned)
	}
}

func (s *MemoryStateStore) PutState(_ context.Context, state, payload string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = stateEntry{payload: payload, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStateStore) ConsumeState(_ context.Context, state string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, state)
	if !now.Before(e.expiresAt) {
		return "", false, nil
	}
	return e.payload, true, nil
}

func (s *MemoryStateStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
