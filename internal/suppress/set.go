// Package suppress holds the process-wide set of users for whom automated
// processing is disabled. Membership is cached in memory and persisted
// through a pluggable store so a restart does not re-enable anyone.
package suppress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Store persists suppression membership. Implementations live in
// internal/store (SQLite, Redis).
type Store interface {
	LoadSuppressed(ctx context.Context) ([]string, error)
	AddSuppressed(ctx context.Context, userID string) error
	RemoveSuppressed(ctx context.Context, userID string) error
}

// Set is the in-process suppression set. A nil store keeps membership in
// memory only.
type Set struct {
	mu      sync.RWMutex
	members map[string]struct{}
	store   Store
	logger  *slog.Logger
}

// New builds a Set, loading persisted membership when a store is given.
func New(ctx context.Context, store Store, logger *slog.Logger) (*Set, error) {
	s := &Set{
		members: make(map[string]struct{}),
		store:   store,
		logger:  logger,
	}
	if store != nil {
		users, err := store.LoadSuppressed(ctx)
		if err != nil {
			return nil, fmt.Errorf("load suppressed users: %w", err)
		}
		for _, u := range users {
			s.members[u] = struct{}{}
		}
		logger.Info("suppression set loaded", "users", len(users))
	}
	return s, nil
}

// Add disables automated processing for a user. The in-memory set is updated
// even when persistence fails, so suppression takes effect immediately.
func (s *Set) Add(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.members[userID] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("user suppressed", "user", userID)
	if s.store != nil {
		if err := s.store.AddSuppressed(ctx, userID); err != nil {
			return fmt.Errorf("persist suppression for %s: %w", userID, err)
		}
	}
	return nil
}

// Remove re-enables automated processing for a user.
func (s *Set) Remove(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.members, userID)
	s.mu.Unlock()

	s.logger.Info("user unsuppressed", "user", userID)
	if s.store != nil {
		if err := s.store.RemoveSuppressed(ctx, userID); err != nil {
			return fmt.Errorf("remove suppression for %s: %w", userID, err)
		}
	}
	return nil
}

// Contains reports whether a user is suppressed.
func (s *Set) Contains(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[userID]
	return ok
}

// List returns the suppressed users, sorted.
func (s *Set) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for u := range s.members {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
