package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// fakeBoard serves canned search pages keyed by URL and pops queued errors
// before serving the page. Unknown URLs return an empty results page.
type fakeBoard struct {
	mu       sync.Mutex
	pages    map[string]engine.SearchPage
	errs     map[string][]error
	postings map[string]engine.JobPosting
	calls    map[string]int
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		pages:    make(map[string]engine.SearchPage),
		errs:     make(map[string][]error),
		postings: make(map[string]engine.JobPosting),
		calls:    make(map[string]int),
	}
}

func (b *fakeBoard) FetchSearchPage(ctx context.Context, url string) (engine.SearchPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[url]++
	if queued := b.errs[url]; len(queued) > 0 {
		err := queued[0]
		b.errs[url] = queued[1:]
		return engine.SearchPage{}, err
	}
	page, ok := b.pages[url]
	if !ok {
		return engine.SearchPage{URL: url, StatusCode: 200}, nil
	}
	return page, nil
}

func (b *fakeBoard) FetchPosting(ctx context.Context, url string) (engine.JobPosting, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if posting, ok := b.postings[url]; ok {
		return posting, nil
	}
	return engine.JobPosting{URL: url, Title: "Untitled"}, nil
}

type fakeScorer struct {
	score int
}

func (s *fakeScorer) Score(ctx context.Context, profile engine.UserProfile, posting engine.JobPosting) (int, []string, error) {
	return s.score, []string{"title match"}, nil
}

// schedStore implements engine.Store with just enough behavior for the
// scheduler: profile lookup, idempotent link inserts, audit capture.
type schedStore struct {
	mu      sync.Mutex
	profile engine.UserProfile
	links   []engine.LinkQueueItem
	byExtID map[string]struct{}
	audits  []engine.AuditLogEntry
}

func newSchedStore(profile engine.UserProfile) *schedStore {
	return &schedStore{profile: profile, byExtID: make(map[string]struct{})}
}

func (s *schedStore) GetUser(ctx context.Context, userID string) (engine.User, error) {
	return engine.User{ID: userID, Tier: engine.TierFree}, nil
}

func (s *schedStore) GetUserProfile(ctx context.Context, userID string) (engine.UserProfile, error) {
	return s.profile, nil
}

func (s *schedStore) GetQueuedJobsForUser(ctx context.Context, userID string, statuses ...engine.ApplicationStatus) ([]engine.QueuedApplication, error) {
	return nil, nil
}

func (s *schedStore) EnqueueJobs(ctx context.Context, items []engine.QueuedApplication) error {
	return nil
}

func (s *schedStore) UpdateQueuedJob(ctx context.Context, item engine.QueuedApplication) error {
	return nil
}

func (s *schedStore) NextQueuedJobs(ctx context.Context, limit int) ([]engine.QueuedApplication, error) {
	return nil, nil
}

func (s *schedStore) ListStandbyUsers(ctx context.Context) ([]string, error) { return nil, nil }

func (s *schedStore) CountQueuedByStatus(ctx context.Context, userID string) (map[engine.ApplicationStatus]int, error) {
	return nil, nil
}

func (s *schedStore) GetJobsAppliedToday(ctx context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}

func (s *schedStore) AddJobLinks(ctx context.Context, links []engine.LinkQueueItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, link := range links {
		if _, dup := s.byExtID[link.ExternalID]; dup {
			continue
		}
		s.byExtID[link.ExternalID] = struct{}{}
		s.links = append(s.links, link)
		inserted++
	}
	return inserted, nil
}

func (s *schedStore) GetNextJobLinksToProcess(ctx context.Context, userID string, limit int) ([]engine.LinkQueueItem, error) {
	return nil, nil
}

func (s *schedStore) ListUsersWithPendingLinks(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (s *schedStore) MarkJobLinkAsProcessed(ctx context.Context, linkID string) error { return nil }

func (s *schedStore) UpdateJobLink(ctx context.Context, link engine.LinkQueueItem) error { return nil }

func (s *schedStore) AppendAudit(ctx context.Context, entry engine.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *schedStore) ListAudit(ctx context.Context, userID string, limit int) ([]engine.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audits, nil
}

func (s *schedStore) storedLinks() []engine.LinkQueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.LinkQueueItem(nil), s.links...)
}

func testProfile() engine.UserProfile {
	return engine.UserProfile{
		UserID:     "user-1",
		RoleTitles: []string{"Backend Engineer", "Data Engineer", "Site Reliability Engineer"},
	}
}

func newTestScheduler(t *testing.T, board *fakeBoard, store *schedStore, score int) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	idGen := &fakeIDGen{}
	states := NewStateStore(idGen, clock, time.Hour, nil)
	governor := ratelimit.New(ratelimit.Config{MaxConcurrent: 8})
	cfg := Config{
		BoardBaseURL:      testBase,
		DetailConcurrency: 4,
		DetailTimeout:     2 * time.Second,
		ProgressBuffer:    64,
	}
	return NewScheduler(board, nil, governor, states, store, &fakeScorer{score: score},
		nil, nil, idGen, clock, cfg, nil), clock
}

func seedURL(role string) string {
	return BuildSearchURL(testBase, testProfile(), Params{Role: role})
}

func TestRunBatchDiscoversAndStoresLinks(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	board.pages[seedURL("Backend Engineer")] = engine.SearchPage{
		StatusCode: 200,
		Links: []string{
			testBase + "/jobs/j1",
			testBase + "/jobs/j2",
			testBase + "/jobs/j2",
		},
	}
	store := newSchedStore(testProfile())
	sched, _ := newTestScheduler(t, board, store, 72)

	result, err := sched.RunBatch(context.Background(), "user-1", "", 3)
	require.NoError(t, err)

	assert.NotEmpty(t, result.Token)
	assert.Equal(t, 3, result.PagesFetched)
	assert.Equal(t, 2, result.NewLinks, "in-page duplicates collapse to one discovery")
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 2, result.LinksQueued)

	links := store.storedLinks()
	require.Len(t, links, 2)
	assert.Equal(t, "j1", links[0].ExternalID)
	assert.Equal(t, engine.LinkStatusPending, links[0].Status)
	assert.InDelta(t, 0.72, links[0].Priority, 1e-9, "link priority is the match score scaled to 0..1")

	require.Len(t, store.audits, 1)
	assert.Equal(t, engine.AuditDiscovered, store.audits[0].Status)
}

func TestRunBatchZeroPostingsEndsQuery(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	store := newSchedStore(testProfile())
	sched, _ := newTestScheduler(t, board, store, 50)

	result, err := sched.RunBatch(context.Background(), "user-1", "", 10)
	require.NoError(t, err)

	assert.Equal(t, 3, result.PagesFetched, "each seed query ends after one empty page")
	assert.Equal(t, 0, result.NewLinks)
	assert.Equal(t, 0, result.PendingURLs, "no continuation pages are queued past the end of results")
}

func TestRunBatchDuplicateStreakStopsQuery(t *testing.T) {
	t.Parallel()

	dupLinks := []string{testBase + "/jobs/j1", testBase + "/jobs/j2"}
	query := seedURL("Backend Engineer")
	board := newFakeBoard()
	board.pages[query] = engine.SearchPage{StatusCode: 200, Links: dupLinks}
	for page := 2; page <= 5; page++ {
		board.pages[withPage(query, page)] = engine.SearchPage{StatusCode: 200, Links: dupLinks}
	}
	store := newSchedStore(testProfile())
	sched, _ := newTestScheduler(t, board, store, 50)

	result, err := sched.RunBatch(context.Background(), "user-1", "", 20)
	require.NoError(t, err)

	// Page 1 is all new, then three all-duplicate pages exhaust the query
	// before its page limit.
	assert.Equal(t, 2, result.NewLinks)
	assert.Equal(t, 6, result.Duplicates)
	assert.Equal(t, 1, board.calls[withPage(query, 4)])
	assert.Equal(t, 0, board.calls[withPage(query, 5)], "the streak stops pagination at three duplicate pages")
}

func TestRunBatchRateLimitedRequeuesWithDelay(t *testing.T) {
	t.Parallel()

	query := seedURL("Backend Engineer")
	board := newFakeBoard()
	board.errs[query] = []error{&engine.RateLimitedError{RetryAfter: time.Minute}}
	store := newSchedStore(testProfile())
	sched, clock := newTestScheduler(t, board, store, 50)

	result, err := sched.RunBatch(context.Background(), "user-1", "", 10)
	require.NoError(t, err)

	state, ok := sched.states.Get(result.Token)
	require.True(t, ok)
	require.Len(t, state.Candidates, 1, "the throttled URL stays queued")

	retry := state.Candidates[0]
	assert.Equal(t, query, retry.URL)
	assert.InDelta(t, 0.25, retry.Priority, 1e-9)
	assert.True(t, retry.NotBefore.After(clock.Now()), "the retry is delayed by the server's retry-after")
	assert.NotContains(t, state.Processed, query)
}

func TestRunBatchAbandonsAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	query := seedURL("Backend Engineer")
	board := newFakeBoard()
	board.errs[query] = []error{
		assert.AnError, assert.AnError, assert.AnError, assert.AnError,
	}
	store := newSchedStore(testProfile())
	sched, _ := newTestScheduler(t, board, store, 50)

	result, err := sched.RunBatch(context.Background(), "user-1", "", 20)
	require.NoError(t, err)

	state, ok := sched.states.Get(result.Token)
	require.True(t, ok)
	assert.Contains(t, state.Processed, query, "the URL is abandoned after the retry budget")
	assert.Equal(t, 4, board.calls[query])
	assert.Equal(t, 0, state.Stats("Backend Engineer").PagesFetched)
}

func TestRunBatchResumesFromToken(t *testing.T) {
	t.Parallel()

	query := seedURL("Backend Engineer")
	board := newFakeBoard()
	board.pages[query] = engine.SearchPage{
		StatusCode: 200,
		Links:      []string{testBase + "/jobs/j1", testBase + "/jobs/j2"},
	}
	board.pages[withPage(query, 2)] = engine.SearchPage{
		StatusCode: 200,
		Links:      []string{testBase + "/jobs/j1", testBase + "/jobs/j3"},
	}
	store := newSchedStore(testProfile())
	sched, _ := newTestScheduler(t, board, store, 50)

	first, err := sched.RunBatch(context.Background(), "user-1", "", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewLinks)
	assert.Equal(t, 1, first.PendingURLs)

	second, err := sched.RunBatch(context.Background(), "ignored-user", first.Token, 1)
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, 1, second.NewLinks, "the seen-set carries across batches")
	assert.Equal(t, 1, second.Duplicates)
}

func TestRunBatchUnknownTokenStartsFresh(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	store := newSchedStore(testProfile())
	sched, _ := newTestScheduler(t, board, store, 50)

	result, err := sched.RunBatch(context.Background(), "user-1", "expired-token", 1)
	require.NoError(t, err)
	assert.NotEqual(t, "expired-token", result.Token)
	assert.Equal(t, 1, result.PagesFetched)
}

func TestDecideContinuation(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	store := newSchedStore(testProfile())
	sched, clock := newTestScheduler(t, board, store, 50)
	stream := NewProgressStream(16)

	t.Run("quality boost and cap", func(t *testing.T) {
		state := NewState("tok", "user-1", clock.Now())
		stats := state.Stats("q")
		stats.PagesFetched = 1
		stats.ObserveEffectiveness(0.5)
		c := Candidate{URL: seedURL("Backend Engineer"), Query: "q", Page: 1}

		sched.decideContinuation(state, c, stats, 10, 5, 90, stream)
		require.Len(t, state.Candidates, 1)
		assert.InDelta(t, 0.7, state.Candidates[0].Priority, 1e-9, "average match above 80 adds the boost")
		assert.Equal(t, 2, state.Candidates[0].Page)

		state2 := NewState("tok2", "user-1", clock.Now())
		stats2 := state2.Stats("q")
		stats2.PagesFetched = 1
		stats2.ObserveEffectiveness(1.0)
		sched.decideContinuation(state2, c, stats2, 10, 10, 90, stream)
		require.Len(t, state2.Candidates, 1)
		assert.Equal(t, continuationCap, state2.Candidates[0].Priority,
			"continuations never outrank seed URLs")
	})

	t.Run("raw page score outranks a cold estimate", func(t *testing.T) {
		state := NewState("tok5", "user-1", clock.Now())
		stats := state.Stats("q")
		stats.PagesFetched = 1
		stats.ObserveEffectiveness(0.0)
		c := Candidate{URL: seedURL("Backend Engineer"), Query: "q", Page: 1}

		sched.decideContinuation(state, c, stats, 10, 10, 50, stream)
		require.Len(t, state.Candidates, 1)
		assert.Equal(t, continuationCap, state.Candidates[0].Priority,
			"a fully-new page re-prioritizes the query regardless of its history")
	})

	t.Run("patient streak limit", func(t *testing.T) {
		state := NewState("tok3", "user-1", clock.Now())
		stats := state.Stats("q")
		stats.PagesFetched = 1
		stats.Effectiveness = 0.6
		stats.HasEstimate = true
		stats.EmptyPageStreak = 3
		c := Candidate{URL: seedURL("Backend Engineer"), Query: "q", Page: 4}

		sched.decideContinuation(state, c, stats, 10, 0, 0, stream)
		assert.False(t, stats.Exhausted, "a productive query earns extra duplicate pages")
		assert.Len(t, state.Candidates, 1)
	})

	t.Run("page limit", func(t *testing.T) {
		state := NewState("tok4", "user-1", clock.Now())
		stats := state.Stats("q")
		stats.PagesFetched = maxQueryPages
		c := Candidate{URL: seedURL("Backend Engineer"), Query: "q", Page: 5}

		sched.decideContinuation(state, c, stats, 10, 5, 0, stream)
		assert.True(t, stats.Exhausted)
		assert.Empty(t, state.Candidates)
	})
}

func TestRetryPriority(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.25, retryPriority(1), 1e-9)
	assert.InDelta(t, 0.125, retryPriority(2), 1e-9)
	assert.InDelta(t, 0.0625, retryPriority(3), 1e-9)
	assert.InDelta(t, 0.05, retryPriority(10), 1e-9, "decay is floored")
}

func TestProgressStreamPerToken(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	board.pages[seedURL("Backend Engineer")] = engine.SearchPage{
		StatusCode: 200,
		Links:      []string{testBase + "/jobs/j1"},
	}
	store := newSchedStore(testProfile())
	sched, _ := newTestScheduler(t, board, store, 50)

	result, err := sched.RunBatch(context.Background(), "user-1", "", 3)
	require.NoError(t, err)

	stream := sched.Progress(result.Token)
	require.NotNil(t, stream)

	events := stream.Drain()
	require.NotEmpty(t, events)
	assert.Equal(t, ProgressBatchDone, events[len(events)-1].Kind)

	assert.Nil(t, sched.Progress("no-such-token"))
}

type unconfiguredAutomation struct{}

func (unconfiguredAutomation) Scrape(context.Context, string, bool, int) (<-chan engine.LinkBatch, error) {
	return nil, engine.ErrAutomationUnconfigured
}

func (unconfiguredAutomation) Introspect(context.Context, string) ([]engine.FormField, error) {
	return nil, engine.ErrAutomationUnconfigured
}

func (unconfiguredAutomation) Submit(context.Context, string, map[string]string) (engine.SubmitResult, error) {
	return engine.SubmitResult{}, engine.ErrAutomationUnconfigured
}

func (unconfiguredAutomation) Status(context.Context) (engine.AutomationStatus, error) {
	return engine.AutomationStatus{}, engine.ErrAutomationUnconfigured
}

type fakeScroller struct {
	links []string
	calls int
}

func (f *fakeScroller) Collect(_ context.Context, _ string, _ int, _ *zap.Logger) ([]string, error) {
	f.calls++
	return f.links, nil
}

func TestScrollModeFallsBackToLocalScroller(t *testing.T) {
	t.Parallel()

	store := newSchedStore(testProfile())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	idGen := &fakeIDGen{}
	states := NewStateStore(idGen, clock, time.Hour, nil)
	governor := ratelimit.New(ratelimit.Config{MaxConcurrent: 8})
	board := newFakeBoard()
	board.postings[testBase+"/jobs/j1"] = engine.JobPosting{ExternalID: "j1", URL: testBase + "/jobs/j1", Title: "Backend Engineer"}
	board.postings[testBase+"/jobs/j2"] = engine.JobPosting{ExternalID: "j2", URL: testBase + "/jobs/j2", Title: "Data Engineer"}

	scroller := &fakeScroller{links: []string{testBase + "/jobs/j1", testBase + "/jobs/j2"}}
	sched := NewScheduler(board, unconfiguredAutomation{}, governor, states, store, &fakeScorer{score: 60},
		nil, nil, idGen, clock, Config{
			BoardBaseURL:        testBase,
			DetailConcurrency:   2,
			DetailTimeout:       time.Second,
			UseAutomationScroll: true,
			MaxScrolls:          3,
		}, nil)
	sched.SetScroller(scroller)

	result, err := sched.RunBatch(context.Background(), "user-1", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, scroller.calls)
	assert.Equal(t, 2, result.NewLinks)
	require.Len(t, store.storedLinks(), 2)
}

type captureBlob struct {
	paths        []string
	contentTypes []string
}

func (b *captureBlob) PutObject(_ context.Context, path, contentType string, _ []byte) (string, error) {
	b.paths = append(b.paths, path)
	b.contentTypes = append(b.contentTypes, contentType)
	return path, nil
}

type staticHasher struct{}

func (staticHasher) Hash([]byte) (string, error) { return "digest", nil }

func TestSchedulerConfigOverrides(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	idGen := &fakeIDGen{}
	states := NewStateStore(idGen, clock, time.Hour, nil)
	governor := ratelimit.New(ratelimit.Config{MaxConcurrent: 8})
	blob := &captureBlob{}
	store := newSchedStore(testProfile())
	sched := NewScheduler(newFakeBoard(), nil, governor, states, store, &fakeScorer{score: 50},
		blob, staticHasher{}, idGen, clock, Config{
			BoardBaseURL:     testBase,
			MaxPagesPerQuery: 2,
			BlobPrefix:       "snapshots",
			ContentType:      "application/vnd.posting+json",
		}, nil)

	sched.archivePosting(context.Background(), "user-1", engine.JobPosting{URL: testBase + "/jobs/j1"})
	require.Len(t, blob.paths, 1)
	assert.Equal(t, "snapshots/user-1/digest.json", blob.paths[0])
	assert.Equal(t, "application/vnd.posting+json", blob.contentTypes[0])

	stream := NewProgressStream(4)
	state := NewState("tok", "user-1", clock.Now())
	stats := state.Stats("q")
	stats.PagesFetched = 2
	c := Candidate{URL: seedURL("Backend Engineer"), Query: "q", Page: 2}
	sched.decideContinuation(state, c, stats, 10, 5, 0, stream)
	assert.True(t, stats.Exhausted, "configured page cap applies instead of the default")
	assert.Empty(t, state.Candidates)
}

func TestDedupeNormalizesLinks(t *testing.T) {
	t.Parallel()

	board := newFakeBoard()
	store := newSchedStore(testProfile())
	sched, clock := newTestScheduler(t, board, store, 50)
	state := NewState("tok", "user-1", clock.Now())

	fresh, duplicates := sched.dedupe(state, []string{
		"HTTPS://Board.Example:443/jobs/j9?b=2&a=1#frag",
		testBase + "/jobs/j9",
	})
	require.Len(t, fresh, 1)
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, "https://board.example/jobs/j9?a=1&b=2", fresh[0].url)
}
