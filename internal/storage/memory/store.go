// Package memory provides an in-memory Store for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/applypilot/applypilot/internal/engine"
)

// Store implements engine.Store with maps. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	users    map[string]engine.User
	profiles map[string]engine.UserProfile
	queue    map[string]engine.QueuedApplication
	links    map[string]engine.LinkQueueItem
	// linkKeys indexes links by user and external ID for idempotent inserts.
	linkKeys map[string]string
	audits   []engine.AuditLogEntry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]engine.User),
		profiles: make(map[string]engine.UserProfile),
		queue:    make(map[string]engine.QueuedApplication),
		links:    make(map[string]engine.LinkQueueItem),
		linkKeys: make(map[string]string),
	}
}

// PutUser seeds or replaces a user record.
func (s *Store) PutUser(user engine.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// PutProfile seeds or replaces a user's search profile.
func (s *Store) PutProfile(profile engine.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.UserID] = profile
}

// GetUser implements engine.Store.
func (s *Store) GetUser(_ context.Context, userID string) (engine.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return engine.User{}, fmt.Errorf("user %s: %w", userID, engine.ErrNotFound)
	}
	return user, nil
}

// GetUserProfile implements engine.Store.
func (s *Store) GetUserProfile(_ context.Context, userID string) (engine.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return engine.UserProfile{}, fmt.Errorf("profile for user %s: %w", userID, engine.ErrNotFound)
	}
	return profile, nil
}

// GetQueuedJobsForUser returns the user's queue entries, optionally filtered
// by status, oldest first.
func (s *Store) GetQueuedJobsForUser(_ context.Context, userID string, statuses ...engine.ApplicationStatus) ([]engine.QueuedApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.QueuedApplication
	for _, item := range s.queue {
		if item.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !statusIn(item.Status, statuses) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// EnqueueJobs inserts queue entries, skipping IDs already present.
func (s *Store) EnqueueJobs(_ context.Context, items []engine.QueuedApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("queued application needs an id")
		}
		if _, exists := s.queue[item.ID]; exists {
			continue
		}
		s.queue[item.ID] = item
	}
	return nil
}

// UpdateQueuedJob replaces an existing queue entry.
func (s *Store) UpdateQueuedJob(_ context.Context, item engine.QueuedApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[item.ID]; !ok {
		return fmt.Errorf("queued application %s: %w", item.ID, engine.ErrNotFound)
	}
	s.queue[item.ID] = item
	return nil
}

// NextQueuedJobs returns up to limit queued entries ordered by the owner's
// tier priority descending, then by age ascending.
func (s *Store) NextQueuedJobs(_ context.Context, limit int) ([]engine.QueuedApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.QueuedApplication
	for _, item := range s.queue {
		if item.Status == engine.ApplicationQueued {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi := s.users[out[i].UserID].Tier.Priority()
		pj := s.users[out[j].UserID].Tier.Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStandbyUsers returns IDs of users holding at least one standby entry,
// ordered by their oldest standby entry so reactivation is first-in-first-out.
func (s *Store) ListStandbyUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	oldest := make(map[string]time.Time)
	for _, item := range s.queue {
		if item.Status != engine.ApplicationStandby {
			continue
		}
		if at, ok := oldest[item.UserID]; !ok || item.UpdatedAt.Before(at) {
			oldest[item.UserID] = item.UpdatedAt
		}
	}
	users := make([]string, 0, len(oldest))
	for userID := range oldest {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return oldest[users[i]].Before(oldest[users[j]]) })
	return users, nil
}

// CountQueuedByStatus implements engine.Store.
func (s *Store) CountQueuedByStatus(_ context.Context, userID string) (map[engine.ApplicationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[engine.ApplicationStatus]int)
	for _, item := range s.queue {
		if item.UserID == userID {
			out[item.Status]++
		}
	}
	return out, nil
}

// GetJobsAppliedToday counts submissions that consumed quota since the given
// boundary: completed applications plus those still processing at the worker.
func (s *Store) GetJobsAppliedToday(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.queue {
		if item.UserID != userID {
			continue
		}
		if item.Status != engine.ApplicationCompleted && item.Status != engine.ApplicationProcessing {
			continue
		}
		if item.ProcessedAt != nil && !item.ProcessedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// AddJobLinks inserts links, skipping any whose (user, external ID) pair is
// already known. Returns the number actually inserted.
func (s *Store) AddJobLinks(_ context.Context, links []engine.LinkQueueItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, link := range links {
		if link.ID == "" {
			return inserted, fmt.Errorf("link queue item needs an id")
		}
		key := link.UserID + "\x00" + link.ExternalID
		if _, dup := s.linkKeys[key]; dup {
			continue
		}
		s.linkKeys[key] = link.ID
		s.links[link.ID] = link
		inserted++
	}
	return inserted, nil
}

// GetNextJobLinksToProcess returns up to limit pending links for a user,
// highest priority first, then oldest first.
func (s *Store) GetNextJobLinksToProcess(_ context.Context, userID string, limit int) ([]engine.LinkQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.LinkQueueItem
	for _, link := range s.links {
		if link.UserID == userID && link.Status == engine.LinkStatusPending {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AllLinks returns every link record regardless of status, for inspection in
// tests and debug tooling.
func (s *Store) AllLinks() []engine.LinkQueueItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.LinkQueueItem, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link)
	}
	return out
}

// ListUsersWithPendingLinks returns IDs of users holding at least one pending
// link, ordered by their oldest pending link.
func (s *Store) ListUsersWithPendingLinks(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	oldest := make(map[string]time.Time)
	for _, link := range s.links {
		if link.Status != engine.LinkStatusPending {
			continue
		}
		if at, ok := oldest[link.UserID]; !ok || link.CreatedAt.Before(at) {
			oldest[link.UserID] = link.CreatedAt
		}
	}
	users := make([]string, 0, len(oldest))
	for userID := range oldest {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return oldest[users[i]].Before(oldest[users[j]]) })
	return users, nil
}

// MarkJobLinkAsProcessed transitions a link to completed.
func (s *Store) MarkJobLinkAsProcessed(_ context.Context, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok {
		return fmt.Errorf("link %s: %w", linkID, engine.ErrNotFound)
	}
	link.Status = engine.LinkStatusCompleted
	link.UpdatedAt = time.Now().UTC()
	s.links[linkID] = link
	return nil
}

// UpdateJobLink replaces an existing link record.
func (s *Store) UpdateJobLink(_ context.Context, link engine.LinkQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.ID]; !ok {
		return fmt.Errorf("link %s: %w", link.ID, engine.ErrNotFound)
	}
	s.links[link.ID] = link
	return nil
}

// AppendAudit implements engine.Store.
func (s *Store) AppendAudit(_ context.Context, entry engine.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

// ListAudit returns a user's audit entries, most recent first.
func (s *Store) ListAudit(_ context.Context, userID string, limit int) ([]engine.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.AuditLogEntry
	for i := len(s.audits) - 1; i >= 0; i-- {
		if s.audits[i].UserID != userID {
			continue
		}
		out = append(out, s.audits[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func statusIn(status engine.ApplicationStatus, set []engine.ApplicationStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
