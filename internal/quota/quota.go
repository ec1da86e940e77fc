// Package quota computes daily application quotas per subscription tier.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/applypilot/applypilot/internal/engine"
)

// Limits are the per-tier daily quota and submission pacing delay.
type Limits struct {
	DailyLimit int
	Pacing     time.Duration
}

// defaults holds the built-in tier table; config may override per tier.
var defaults = map[engine.Tier]Limits{
	engine.TierFree:    {DailyLimit: 5, Pacing: 60 * time.Second},
	engine.TierStarter: {DailyLimit: 20, Pacing: 45 * time.Second},
	engine.TierPro:     {DailyLimit: 50, Pacing: 30 * time.Second},
	engine.TierElite:   {DailyLimit: 150, Pacing: 15 * time.Second},
}

// Manager answers quota questions against the store. Applied counts are
// recomputed from storage on every call, never cached across ticks, so
// concurrent writers cannot cause drift.
type Manager struct {
	store     engine.Store
	clock     engine.Clock
	loc       *time.Location
	overrides map[engine.Tier]Limits
}

// New creates a Manager. timezone is the fixed reference timezone for the
// midnight reset boundary.
func New(store engine.Store, clock engine.Clock, timezone string, overrides map[engine.Tier]Limits) (*Manager, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load quota timezone: %w", err)
	}
	return &Manager{
		store:     store,
		clock:     clock,
		loc:       loc,
		overrides: overrides,
	}, nil
}

// Limits returns the effective limits for a tier. Unknown tiers get the free
// tier's limits.
func (m *Manager) Limits(tier engine.Tier) Limits {
	if l, ok := m.overrides[tier]; ok {
		return l
	}
	if l, ok := defaults[tier]; ok {
		return l
	}
	return defaults[engine.TierFree]
}

// ResetBoundary returns midnight of the current day in the reference timezone.
func (m *Manager) ResetBoundary() time.Time {
	now := m.clock.Now().In(m.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.loc)
}

// NextReset returns the upcoming midnight in the reference timezone.
func (m *Manager) NextReset() time.Time {
	return m.ResetBoundary().AddDate(0, 0, 1)
}

// AppliedToday counts applications submitted on or after the reset boundary.
func (m *Manager) AppliedToday(ctx context.Context, userID string) (int, error) {
	count, err := m.store.GetJobsAppliedToday(ctx, userID, m.ResetBoundary())
	if err != nil {
		return 0, fmt.Errorf("count applied today: %w", err)
	}
	return count, nil
}

// Remaining returns dailyLimit(tier) - appliedToday, floored at zero.
func (m *Manager) Remaining(ctx context.Context, user engine.User) (int, error) {
	applied, err := m.AppliedToday(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	remaining := m.Limits(user.Tier).DailyLimit - applied
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
