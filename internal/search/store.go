package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/engine"
)

// ErrUnknownToken is returned by Update for tokens with no stored state.
// Callers treat it the same as an expired token: start a fresh search.
var ErrUnknownToken = errors.New("unknown continuation token")

const defaultStateTTL = 24 * time.Hour

// StateStore is the token-addressed store of per-search crawl state. Each
// token carries its own lock, so batch runs for the same token serialize
// while different tokens proceed concurrently (single-writer-per-token is
// enforced here, not assumed of callers).
type StateStore struct {
	mu      sync.Mutex
	entries map[string]*stateEntry

	idGen  engine.IDGenerator
	clock  engine.Clock
	ttl    time.Duration
	logger *zap.Logger
}

type stateEntry struct {
	mu    sync.Mutex
	state *State
}

// NewStateStore creates a StateStore. ttl <= 0 defaults to 24h.
func NewStateStore(idGen engine.IDGenerator, clock engine.Clock, ttl time.Duration, logger *zap.Logger) *StateStore {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateStore{
		entries: make(map[string]*stateEntry),
		idGen:   idGen,
		clock:   clock,
		ttl:     ttl,
		logger:  logger,
	}
}

// Create allocates a fresh state under a new opaque token and returns it.
func (s *StateStore) Create(userID string) (*State, error) {
	token, err := s.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate continuation token: %w", err)
	}
	state := NewState(token, userID, s.clock.Now())
	s.mu.Lock()
	s.entries[token] = &stateEntry{state: state}
	s.mu.Unlock()
	return state.Clone(), nil
}

// Get returns a copy of the state for a token, or false if the token is
// unknown or evicted.
func (s *StateStore) Get(token string) (*State, bool) {
	s.mu.Lock()
	entry, ok := s.entries[token]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.Clone(), true
}

// Update runs fn with a private copy of the token's state while holding the
// token lock, and installs the mutated copy when fn returns nil. Two batches
// for the same token therefore never interleave, and a failed batch leaves
// the stored state untouched.
func (s *StateStore) Update(token string, fn func(*State) error) error {
	s.mu.Lock()
	entry, ok := s.entries[token]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownToken
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.state.Clone()
	if err := fn(working); err != nil {
		return err
	}
	entry.state = working
	return nil
}

// Sweep evicts states older than the TTL that have no pending work. A state
// that still has an unprocessed URL survives past the TTL; completion is the
// real eviction gate. Returns the number of evicted states.
func (s *StateStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for token, entry := range s.entries {
		entry.mu.Lock()
		stale := now.Sub(entry.state.CreatedAt) > s.ttl && !entry.state.HasPendingWork()
		entry.mu.Unlock()
		if stale {
			delete(s.entries, token)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("search state sweep", zap.Int("evicted", evicted))
	}
	return evicted
}

// RunSweeper blocks, sweeping on the given interval until the context ends.
func (s *StateStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored states.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
