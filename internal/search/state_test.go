package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveEffectiveness(t *testing.T) {
	t.Parallel()

	var stats QueryStats
	stats.ObserveEffectiveness(1.0)
	assert.Equal(t, 1.0, stats.Effectiveness, "first observation sets the estimate directly")

	stats.ObserveEffectiveness(0.0)
	assert.InDelta(t, 0.7, stats.Effectiveness, 1e-9)

	stats.ObserveEffectiveness(0.0)
	assert.InDelta(t, 0.49, stats.Effectiveness, 1e-9)
}

func TestPopNextOrdering(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewState("tok", "user-1", now)
	s.AddCandidate(Candidate{URL: "https://b.example/search?q=b", Priority: 0.5, Query: "b"})
	s.AddCandidate(Candidate{URL: "https://b.example/search?q=a", Priority: 1.0, Query: "a"})
	s.AddCandidate(Candidate{URL: "https://b.example/search?q=c", Priority: 1.0, Query: "c"})

	first, ok := s.PopNext(now)
	require.True(t, ok)
	assert.Equal(t, "a", first.Query, "equal priorities break ties on URL")

	second, ok := s.PopNext(now)
	require.True(t, ok)
	assert.Equal(t, "c", second.Query)

	third, ok := s.PopNext(now)
	require.True(t, ok)
	assert.Equal(t, "b", third.Query)

	_, ok = s.PopNext(now)
	assert.False(t, ok)
}

func TestPopNextSkipsDelayedAndProcessed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewState("tok", "user-1", now)
	s.AddCandidate(Candidate{URL: "https://b.example/later", Priority: 1.0, NotBefore: now.Add(time.Minute)})
	s.AddCandidate(Candidate{URL: "https://b.example/done", Priority: 0.9})
	s.AddCandidate(Candidate{URL: "https://b.example/ready", Priority: 0.5})
	s.MarkProcessed("https://b.example/done")

	c, ok := s.PopNext(now)
	require.True(t, ok)
	assert.Equal(t, "https://b.example/ready", c.URL)

	_, ok = s.PopNext(now)
	assert.False(t, ok, "delayed candidate is not yet eligible")

	c, ok = s.PopNext(now.Add(2 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, "https://b.example/later", c.URL)
}

func TestAddCandidateDeduplicates(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewState("tok", "user-1", now)
	s.AddCandidate(Candidate{URL: "https://b.example/x", Priority: 0.5})
	s.AddCandidate(Candidate{URL: "https://b.example/x", Priority: 0.9})
	assert.Len(t, s.Candidates, 1, "pending URL is not re-queued")

	s.MarkProcessed("https://b.example/y")
	s.AddCandidate(Candidate{URL: "https://b.example/y", Priority: 1.0})
	assert.Len(t, s.Candidates, 1, "processed URL is never re-queued")
}

func TestMarkSeenIsMonotone(t *testing.T) {
	t.Parallel()

	s := NewState("tok", "user-1", time.Now())
	assert.True(t, s.MarkSeen("abc123"))
	assert.False(t, s.MarkSeen("abc123"))
	assert.True(t, s.Seen("abc123"))
	assert.False(t, s.MarkSeen(""), "empty IDs are never recorded")
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := NewState("tok", "user-1", time.Now())
	s.AddCandidate(Candidate{URL: "https://b.example/x", Priority: 0.5, Query: "x"})
	s.MarkSeen("p1")
	s.Stats("x").Effectiveness = 0.8

	clone := s.Clone()
	clone.MarkSeen("p2")
	clone.MarkProcessed("https://b.example/x")
	clone.Stats("x").Effectiveness = 0.1

	assert.False(t, s.Seen("p2"))
	assert.Empty(t, s.Processed)
	assert.Equal(t, 0.8, s.Stats("x").Effectiveness)
}

func TestHasPendingWork(t *testing.T) {
	t.Parallel()

	s := NewState("tok", "user-1", time.Now())
	assert.False(t, s.HasPendingWork())

	s.AddCandidate(Candidate{URL: "https://b.example/x", Priority: 0.5})
	assert.True(t, s.HasPendingWork())

	s.MarkProcessed("https://b.example/x")
	assert.False(t, s.HasPendingWork())
}
