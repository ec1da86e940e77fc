package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/ratelimit"
	"github.com/applypilot/applypilot/internal/telemetry"
)

// Scheduler tuning knobs. The priority arithmetic below is deliberate:
// continuation pages are capped at 0.9 so they can never outrank a session's
// seed URLs, and retry priorities decay by half per attempt with a 0.05 floor.
const (
	maxQueryPages    = 5
	continuationCap  = 0.9
	qualityBoost     = 0.2
	qualityBoostBar  = 80
	emptyStreakLimit = 3
	patientStreak    = 5
	maxFetchRetries  = 3
)

// Config controls Scheduler behavior.
type Config struct {
	BoardBaseURL        string
	MaxPagesPerQuery    int
	DetailConcurrency   int
	DetailTimeout       time.Duration
	PatienceThreshold   float64
	ProgressBuffer      int
	FanOutExperience    bool
	UseAutomationScroll bool
	MaxScrolls          int
	Source              string
	// BlobPrefix and ContentType shape snapshot archive paths; BlobPrefix
	// defaults to Source.
	BlobPrefix  string
	ContentType string
}

// Scheduler turns a user profile into search queries, pops the
// highest-priority unprocessed URL, fetches it through the rate governor,
// deduplicates postings against the session seen-set, and adaptively decides
// when to stop searching. All mutation happens on a private copy of the
// search state which is written back atomically after the batch.
type Scheduler struct {
	board      engine.BoardClient
	automation engine.AutomationClient
	governor   *ratelimit.Governor
	states     *StateStore
	store      engine.Store
	scorer     engine.Scorer
	blob       engine.BlobStore
	hasher     engine.Hasher
	idGen      engine.IDGenerator
	clock      engine.Clock
	cfg        Config
	scroller   Scroller
	logger     *zap.Logger

	mu       sync.Mutex
	progress map[string]*ProgressStream
}

// Scroller drives a local headless browser through an infinite-scroll page.
// It backs discovery when scroll mode is on but no automation worker is
// deployed.
type Scroller interface {
	Collect(ctx context.Context, url string, maxScrolls int, logger *zap.Logger) ([]string, error)
}

// SetScroller installs the local scroll fallback. Must be called before the
// first batch runs.
func (s *Scheduler) SetScroller(sc Scroller) {
	s.scroller = sc
}

// NewScheduler constructs a Scheduler. automation and blob may be nil; the
// scheduler then paginates classically and skips snapshot archiving.
func NewScheduler(
	board engine.BoardClient,
	automation engine.AutomationClient,
	governor *ratelimit.Governor,
	states *StateStore,
	store engine.Store,
	scorer engine.Scorer,
	blob engine.BlobStore,
	hasher engine.Hasher,
	idGen engine.IDGenerator,
	clock engine.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = 4
	}
	if cfg.DetailTimeout <= 0 {
		cfg.DetailTimeout = 10 * time.Second
	}
	if cfg.PatienceThreshold <= 0 {
		cfg.PatienceThreshold = 0.4
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = 10
	}
	if cfg.Source == "" {
		cfg.Source = "board"
	}
	if cfg.MaxPagesPerQuery <= 0 {
		cfg.MaxPagesPerQuery = maxQueryPages
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = cfg.Source
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		board:      board,
		automation: automation,
		governor:   governor,
		states:     states,
		store:      store,
		scorer:     scorer,
		blob:       blob,
		hasher:     hasher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		progress:   make(map[string]*ProgressStream),
	}
}

// BatchResult summarizes one discovery batch.
type BatchResult struct {
	Token        string `json:"token"`
	PagesFetched int    `json:"pages_fetched"`
	NewLinks     int    `json:"new_links"`
	Duplicates   int    `json:"duplicates"`
	LinksQueued  int    `json:"links_queued"`
	PendingURLs  int    `json:"pending_urls"`
}

// RunBatch runs up to maxPages scheduling steps for the user's search
// session. An empty, unknown, or expired token starts a fresh session seeded
// from the user's profile.
func (s *Scheduler) RunBatch(ctx context.Context, userID, token string, maxPages int) (BatchResult, error) {
	if maxPages <= 0 {
		maxPages = s.cfg.MaxPagesPerQuery
	}

	if token != "" {
		if st, ok := s.states.Get(token); ok {
			userID = st.UserID
		} else {
			token = ""
		}
	}

	profile, err := s.store.GetUserProfile(ctx, userID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load user profile: %w", err)
	}

	if token == "" {
		st, err := s.states.Create(userID)
		if err != nil {
			return BatchResult{}, err
		}
		token = st.Token
		seeds := GenerateSearchURLs(s.cfg.BoardBaseURL, profile, s.cfg.FanOutExperience)
		if err := s.states.Update(token, func(state *State) error {
			for _, seed := range seeds {
				state.AddCandidate(seed)
			}
			return nil
		}); err != nil {
			return BatchResult{}, err
		}
	}

	stream := s.progressFor(token)
	result := BatchResult{Token: token}

	err = s.states.Update(token, func(state *State) error {
		return s.runOnState(ctx, state, profile, maxPages, stream, &result)
	})
	if err != nil {
		return BatchResult{}, err
	}

	stream.emit(ProgressEvent{Kind: ProgressBatchDone, TS: s.clock.Now(),
		Message: fmt.Sprintf("%d pages, %d new links", result.PagesFetched, result.NewLinks)})

	if result.NewLinks > 0 {
		entry := engine.AuditLogEntry{
			UserID:    userID,
			Status:    engine.AuditDiscovered,
			Message:   fmt.Sprintf("Discovered %d new postings across %d pages", result.NewLinks, result.PagesFetched),
			CreatedAt: s.clock.Now(),
		}
		if id, idErr := s.idGen.NewID(); idErr == nil {
			entry.ID = id
		}
		if auditErr := s.store.AppendAudit(ctx, entry); auditErr != nil {
			s.logger.Warn("discovery audit append failed", zap.Error(auditErr))
		}
	}
	return result, nil
}

// Progress returns the pull stream for a token, or nil if none exists.
func (s *Scheduler) Progress(token string) *ProgressStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[token]
}

func (s *Scheduler) progressFor(token string) *ProgressStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.progress[token]
	if !ok {
		stream = NewProgressStream(s.cfg.ProgressBuffer)
		s.progress[token] = stream
	}
	return stream
}

func (s *Scheduler) runOnState(
	ctx context.Context,
	state *State,
	profile engine.UserProfile,
	maxPages int,
	stream *ProgressStream,
	result *BatchResult,
) error {
	for step := 0; step < maxPages; step++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		candidate, ok := state.PopNext(s.clock.Now())
		if !ok {
			break
		}
		stats := state.Stats(candidate.Query)
		if stats.Exhausted {
			state.MarkProcessed(candidate.URL)
			continue
		}

		page, err := s.fetchPage(ctx, candidate)
		if err != nil {
			s.handleFetchFailure(state, candidate, stats, err, stream)
			continue
		}

		state.MarkProcessed(candidate.URL)
		stats.PagesFetched++
		stats.RetryAttempts = 0
		result.PagesFetched++
		telemetry.ObserveSearchPage(candidate.URL, page.StatusCode)
		stream.emit(ProgressEvent{
			Kind: ProgressPageFetched, Query: candidate.Query, Page: candidate.Page,
			URL: candidate.URL, TotalLinks: len(page.Links), TS: s.clock.Now(),
		})

		fresh, duplicates := s.dedupe(state, page.Links)
		total := len(page.Links)
		effectiveness := 0.0
		if total > 0 {
			effectiveness = float64(len(fresh)) / float64(total)
		}
		stats.ObserveEffectiveness(effectiveness)
		telemetry.ObserveLinks(len(fresh), duplicates)
		result.NewLinks += len(fresh)
		result.Duplicates += duplicates
		stream.emit(ProgressEvent{
			Kind: ProgressLinksFound, Query: candidate.Query, Page: candidate.Page,
			NewLinks: len(fresh), TotalLinks: total, Effectiveness: effectiveness, TS: s.clock.Now(),
		})

		avgScore := 0
		if len(fresh) > 0 {
			postings := s.fetchDetails(ctx, profile, fresh)
			avgScore = averageScore(postings)
			queued, storeErr := s.storeLinks(ctx, state.UserID, fresh, postings)
			if storeErr != nil {
				s.logger.Warn("store discovered links failed",
					zap.String("query", candidate.Query), zap.Error(storeErr))
			}
			result.LinksQueued += queued
		}

		s.decideContinuation(state, candidate, stats, total, len(fresh), avgScore, stream)
	}

	result.PendingURLs = len(state.Candidates)
	return nil
}

// dedupe splits a page's links into fresh and duplicate sets using the
// session seen-set. Duplicates within the page collapse to one fresh entry.
func (s *Scheduler) dedupe(state *State, links []string) ([]discoveredLink, int) {
	var fresh []discoveredLink
	duplicates := 0
	for _, link := range links {
		// Canonical form, so the stored link URL is stable across pages
		// that render the same posting with different query order.
		if norm, err := engine.NormalizeURL(link); err == nil {
			link = norm
		}
		id := engine.PostingIDFromURL(link)
		if id == "" {
			continue
		}
		if state.MarkSeen(id) {
			fresh = append(fresh, discoveredLink{url: link, externalID: id})
		} else {
			duplicates++
		}
	}
	return fresh, duplicates
}

func (s *Scheduler) decideContinuation(
	state *State,
	candidate Candidate,
	stats *QueryStats,
	totalLinks, newLinks int,
	avgScore int,
	stream *ProgressStream,
) {
	now := s.clock.Now()

	// A page with zero postings at all is the true end of results; an
	// all-duplicates page is not, and gets streak-based patience instead.
	if totalLinks == 0 {
		stats.Exhausted = true
		stream.emit(ProgressEvent{Kind: ProgressQueryExhausted, Query: candidate.Query,
			Message: "end of results", TS: now})
		return
	}

	if newLinks == 0 {
		stats.EmptyPageStreak++
		limit := emptyStreakLimit
		if stats.Effectiveness > s.cfg.PatienceThreshold {
			limit = patientStreak
		}
		if stats.EmptyPageStreak >= limit {
			stats.Exhausted = true
			stream.emit(ProgressEvent{Kind: ProgressQueryExhausted, Query: candidate.Query,
				Message: fmt.Sprintf("%d consecutive duplicate pages", stats.EmptyPageStreak), TS: now})
			return
		}
	} else {
		stats.EmptyPageStreak = 0
	}

	if stats.PagesFetched >= s.cfg.MaxPagesPerQuery {
		stats.Exhausted = true
		stream.emit(ProgressEvent{Kind: ProgressQueryExhausted, Query: candidate.Query,
			Message: "page limit reached", TS: now})
		return
	}

	// Continuation priority starts at the page's raw effectiveness, so a
	// query that just turned productive is not held back by a poor earlier
	// page. The smoothed estimate only governs duplicate-streak patience.
	priority := float64(newLinks) / float64(totalLinks)
	if avgScore > qualityBoostBar {
		priority += qualityBoost
	}
	if priority > continuationCap {
		priority = continuationCap
	}
	state.AddCandidate(Candidate{
		URL:      withPage(candidate.URL, candidate.Page+1),
		Priority: priority,
		Query:    candidate.Query,
		Page:     candidate.Page + 1,
	})
}

func (s *Scheduler) handleFetchFailure(
	state *State,
	candidate Candidate,
	stats *QueryStats,
	err error,
	stream *ProgressStream,
) {
	now := s.clock.Now()
	stats.RetryAttempts++
	priority := retryPriority(stats.RetryAttempts)

	if rl, ok := engine.AsRateLimited(err); ok {
		retry := candidate
		retry.Priority = priority
		retry.NotBefore = now.Add(rl.RetryAfter)
		state.AddCandidate(retry)
		stream.emit(ProgressEvent{Kind: ProgressRateLimited, Query: candidate.Query,
			URL: candidate.URL, Message: rl.Error(), TS: now})
		return
	}

	if stats.RetryAttempts > maxFetchRetries {
		state.MarkProcessed(candidate.URL)
		s.logger.Warn("search page abandoned",
			zap.String("query", candidate.Query),
			zap.Int("page", candidate.Page),
			zap.Int("attempts", stats.RetryAttempts),
			zap.Error(err),
		)
		stream.emit(ProgressEvent{Kind: ProgressFetchFailed, Query: candidate.Query,
			URL: candidate.URL, Message: err.Error(), TS: now})
		return
	}

	retry := candidate
	retry.Priority = priority
	state.AddCandidate(retry)
	s.logger.Debug("search page retry scheduled",
		zap.String("query", candidate.Query),
		zap.Int("attempt", stats.RetryAttempts),
		zap.Float64("priority", priority),
		zap.Error(err),
	)
}

// retryPriority decays by half per attempt: max(0.05, 0.5/2^attempts).
func retryPriority(attempts int) float64 {
	return math.Max(0.05, 0.5/math.Pow(2, float64(attempts)))
}

func (s *Scheduler) fetchPage(ctx context.Context, candidate Candidate) (engine.SearchPage, error) {
	release, err := s.governor.Acquire(ctx, candidate.URL)
	if err != nil {
		return engine.SearchPage{}, err
	}
	defer release()

	if s.cfg.UseAutomationScroll && s.automation != nil {
		page, err := s.scrollPage(ctx, candidate.URL)
		if err == nil || !errors.Is(err, engine.ErrAutomationUnconfigured) {
			return page, err
		}
		if s.scroller != nil {
			return s.localScroll(ctx, candidate.URL)
		}
	}
	return s.board.FetchSearchPage(ctx, candidate.URL)
}

// localScroll is the in-process headless fallback for scroll-mode discovery.
func (s *Scheduler) localScroll(ctx context.Context, url string) (engine.SearchPage, error) {
	links, err := s.scroller.Collect(ctx, url, s.cfg.MaxScrolls, s.logger)
	if err != nil {
		return engine.SearchPage{}, fmt.Errorf("headless scroll: %w", err)
	}
	return engine.SearchPage{URL: url, StatusCode: 200, Links: links}, nil
}

// scrollPage drains the automation worker's streamed scrape batches into a
// single aggregated page.
func (s *Scheduler) scrollPage(ctx context.Context, url string) (engine.SearchPage, error) {
	batches, err := s.automation.Scrape(ctx, url, true, s.cfg.MaxScrolls)
	if err != nil {
		return engine.SearchPage{}, fmt.Errorf("automation scrape: %w", err)
	}
	page := engine.SearchPage{URL: url, StatusCode: 200}
	for batch := range batches {
		if batch.Err != nil {
			return engine.SearchPage{}, fmt.Errorf("automation scrape stream: %w", batch.Err)
		}
		page.Links = append(page.Links, batch.Links...)
		if batch.Done {
			break
		}
	}
	return page, nil
}

type discoveredLink struct {
	url        string
	externalID string
}

// fetchDetails fans out per-posting detail fetches with bounded concurrency.
// Each fetch is individually cancellable via its own timeout; a slow or
// failing fetch never blocks or fails the batch. Failures are counted and
// dropped, not retried at this layer.
func (s *Scheduler) fetchDetails(ctx context.Context, profile engine.UserProfile, links []discoveredLink) []engine.JobPosting {
	outcomes := make([]*engine.JobPosting, len(links))
	sem := make(chan struct{}, s.cfg.DetailConcurrency)
	var wg sync.WaitGroup
	var failed int64
	var failedMu sync.Mutex

	for i, link := range links {
		wg.Add(1)
		go func(i int, link discoveredLink) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			detailCtx, cancel := context.WithTimeout(ctx, s.cfg.DetailTimeout)
			defer cancel()

			release, err := s.governor.Acquire(detailCtx, link.url)
			if err != nil {
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				return
			}
			posting, err := s.board.FetchPosting(detailCtx, link.url)
			release()
			if err != nil {
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				s.logger.Debug("posting detail fetch dropped", zap.String("url", link.url), zap.Error(err))
				return
			}
			if posting.ExternalID == "" {
				posting.ExternalID = link.externalID
			}
			if posting.URL == "" {
				posting.URL = link.url
			}
			posting.DiscoveredAt = s.clock.Now()

			score, reasons, scoreErr := s.scorer.Score(detailCtx, profile, posting)
			if scoreErr != nil {
				s.logger.Debug("posting score failed", zap.String("url", link.url), zap.Error(scoreErr))
			} else {
				posting.MatchScore = score
				posting.MatchReasons = reasons
			}

			s.archivePosting(ctx, profile.UserID, posting)
			outcomes[i] = &posting
		}(i, link)
	}
	wg.Wait()

	var postings []engine.JobPosting
	for _, p := range outcomes {
		if p != nil {
			postings = append(postings, *p)
		}
	}
	if failed > 0 {
		s.logger.Debug("detail fan-out complete",
			zap.Int("fetched", len(postings)), zap.Int64("dropped", failed))
	}
	return postings
}

// archivePosting writes the normalized posting payload to the blob store,
// content-addressed by hash. Best effort.
func (s *Scheduler) archivePosting(ctx context.Context, userID string, posting engine.JobPosting) {
	if s.blob == nil || s.hasher == nil {
		return
	}
	payload, err := json.Marshal(posting)
	if err != nil {
		return
	}
	digest, err := s.hasher.Hash(payload)
	if err != nil {
		return
	}
	path := fmt.Sprintf("%s/%s/%s.json", s.cfg.BlobPrefix, userID, digest)
	if _, err := s.blob.PutObject(ctx, path, s.cfg.ContentType, payload); err != nil {
		s.logger.Debug("posting snapshot archive failed", zap.String("path", path), zap.Error(err))
	}
}

func (s *Scheduler) storeLinks(
	ctx context.Context,
	userID string,
	fresh []discoveredLink,
	postings []engine.JobPosting,
) (int, error) {
	scores := make(map[string]int, len(postings))
	for _, p := range postings {
		scores[p.ExternalID] = p.MatchScore
	}

	now := s.clock.Now()
	items := make([]engine.LinkQueueItem, 0, len(fresh))
	for _, link := range fresh {
		id, err := s.idGen.NewID()
		if err != nil {
			return 0, fmt.Errorf("generate link id: %w", err)
		}
		items = append(items, engine.LinkQueueItem{
			ID:         id,
			UserID:     userID,
			Source:     s.cfg.Source,
			URL:        link.url,
			ExternalID: link.externalID,
			Priority:   float64(scores[link.externalID]) / 100,
			Status:     engine.LinkStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	inserted, err := s.store.AddJobLinks(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("add job links: %w", err)
	}
	return inserted, nil
}

func averageScore(postings []engine.JobPosting) int {
	if len(postings) == 0 {
		return 0
	}
	sum := 0
	for _, p := range postings {
		sum += p.MatchScore
	}
	return sum / len(postings)
}

// IsUnknownToken reports whether err came from resuming a vanished token.
func IsUnknownToken(err error) bool {
	return errors.Is(err, ErrUnknownToken)
}
