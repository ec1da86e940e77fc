// Package search implements the discovery side of the engine: per-session
// crawl state, the token-addressed state store, deterministic search URL
// construction, and the priority-ordered crawl scheduler.
package search

import (
	"sort"
	"time"
)

// QueryStats holds the adaptive counters tracked per search query.
type QueryStats struct {
	// EmptyPageStreak counts consecutive pages that yielded zero new postings
	// while still containing postings (all-duplicates pages).
	EmptyPageStreak int
	// Effectiveness is the exponentially smoothed fraction of each page's
	// postings that were newly discovered.
	Effectiveness float64
	// HasEstimate distinguishes a genuine zero estimate from "never updated".
	HasEstimate bool
	// RetryAttempts counts fetch failures for the query's current URL.
	RetryAttempts int
	// PagesFetched counts successfully fetched pages for the query.
	PagesFetched int
	// Exhausted marks a query whose pagination has been stopped for good.
	Exhausted bool
}

// effectivenessAlpha is the EMA smoothing factor for page effectiveness.
const effectivenessAlpha = 0.3

// ObserveEffectiveness folds one page's raw effectiveness score into the
// smoothed estimate.
func (q *QueryStats) ObserveEffectiveness(score float64) {
	if !q.HasEstimate {
		q.Effectiveness = score
		q.HasEstimate = true
		return
	}
	q.Effectiveness = q.Effectiveness*(1-effectivenessAlpha) + score*effectivenessAlpha
}

// Candidate is one URL in the priority queue. NotBefore delays eligibility
// for URLs re-queued after a 429.
type Candidate struct {
	URL       string    `json:"url"`
	Priority  float64   `json:"priority"`
	Query     string    `json:"query"`
	Page      int       `json:"page"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

// State is the ephemeral per-session crawl memory, keyed by an opaque
// continuation token.
type State struct {
	Token        string
	UserID       string
	Candidates   []Candidate
	Processed    map[string]struct{}
	SeenPostings map[string]struct{}
	QueryStats   map[string]*QueryStats
	CreatedAt    time.Time
}

// NewState creates an empty State for a user.
func NewState(token, userID string, createdAt time.Time) *State {
	return &State{
		Token:        token,
		UserID:       userID,
		Processed:    make(map[string]struct{}),
		SeenPostings: make(map[string]struct{}),
		QueryStats:   make(map[string]*QueryStats),
		CreatedAt:    createdAt,
	}
}

// Clone deep-copies the state so a batch run can mutate its own copy and
// write it back atomically.
func (s *State) Clone() *State {
	out := &State{
		Token:        s.Token,
		UserID:       s.UserID,
		Candidates:   append([]Candidate(nil), s.Candidates...),
		Processed:    make(map[string]struct{}, len(s.Processed)),
		SeenPostings: make(map[string]struct{}, len(s.SeenPostings)),
		QueryStats:   make(map[string]*QueryStats, len(s.QueryStats)),
		CreatedAt:    s.CreatedAt,
	}
	for url := range s.Processed {
		out.Processed[url] = struct{}{}
	}
	for id := range s.SeenPostings {
		out.SeenPostings[id] = struct{}{}
	}
	for query, stats := range s.QueryStats {
		copied := *stats
		out.QueryStats[query] = &copied
	}
	return out
}

// AddCandidate pushes a URL into the priority queue unless it was already
// processed or is already pending.
func (s *State) AddCandidate(c Candidate) {
	if _, done := s.Processed[c.URL]; done {
		return
	}
	for _, existing := range s.Candidates {
		if existing.URL == c.URL {
			return
		}
	}
	s.Candidates = append(s.Candidates, c)
}

// PopNext removes and returns the highest-priority candidate that is not
// processed and whose NotBefore has elapsed. Sorting is priority descending
// with URL as the tiebreak, so selection order is deterministic for a given
// queue snapshot.
func (s *State) PopNext(now time.Time) (Candidate, bool) {
	sort.SliceStable(s.Candidates, func(i, j int) bool {
		if s.Candidates[i].Priority != s.Candidates[j].Priority {
			return s.Candidates[i].Priority > s.Candidates[j].Priority
		}
		return s.Candidates[i].URL < s.Candidates[j].URL
	})
	for i, c := range s.Candidates {
		if _, done := s.Processed[c.URL]; done {
			continue
		}
		if !c.NotBefore.IsZero() && now.Before(c.NotBefore) {
			continue
		}
		s.Candidates = append(s.Candidates[:i], s.Candidates[i+1:]...)
		return c, true
	}
	return Candidate{}, false
}

// MarkProcessed records a URL as permanently handled.
func (s *State) MarkProcessed(url string) {
	s.Processed[url] = struct{}{}
}

// MarkSeen adds a posting ID to the seen-set and reports whether it was new.
// IDs are never removed, so the set is monotonically non-decreasing within a
// session.
func (s *State) MarkSeen(postingID string) bool {
	if postingID == "" {
		return false
	}
	if _, seen := s.SeenPostings[postingID]; seen {
		return false
	}
	s.SeenPostings[postingID] = struct{}{}
	return true
}

// Seen reports whether a posting ID is already in the seen-set.
func (s *State) Seen(postingID string) bool {
	_, ok := s.SeenPostings[postingID]
	return ok
}

// Stats returns the QueryStats bucket for a query, creating it on first use.
func (s *State) Stats(query string) *QueryStats {
	stats, ok := s.QueryStats[query]
	if !ok {
		stats = &QueryStats{}
		s.QueryStats[query] = stats
	}
	return stats
}

// HasPendingWork reports whether any candidate is still unprocessed. Eviction
// waits for this to go false; TTL alone never evicts live work.
func (s *State) HasPendingWork() bool {
	for _, c := range s.Candidates {
		if _, done := s.Processed[c.URL]; !done {
			return true
		}
	}
	return false
}
