// Package worker implements the application queue supervisor: quota and
// standby transitions, tier-paced submission through the automation worker,
// and the link-processing pass that turns discovered links into queued
// applications.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/events"
	"github.com/applypilot/applypilot/internal/quota"
	"github.com/applypilot/applypilot/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	// Tick is the polling interval.
	Tick time.Duration
	// BatchSize caps queued items pulled per tick.
	BatchSize int
	// LinkBatch caps pending links drained per user per tick.
	LinkBatch int
	// ScoreThreshold is the minimum match score for a link to become a
	// queued application.
	ScoreThreshold int
	// MaxAttempts bounds retries for failing link fetches.
	MaxAttempts int
	// SubmitTimeout bounds one introspect-plus-submit round trip.
	SubmitTimeout time.Duration
	// FetchTimeout bounds one posting detail fetch.
	FetchTimeout time.Duration
	// StatusProbe enables the last-resort automation status check after a
	// submission times out.
	StatusProbe bool
	// AuditPage is how many recent audit entries a status report includes.
	AuditPage int
	// PacingJitter randomizes the inter-submission delay by up to 10%.
	PacingJitter bool
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LinkBatch <= 0 {
		c.LinkBatch = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 2 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.AuditPage <= 0 {
		c.AuditPage = 20
	}
	return c
}

// Worker polls the durable application queue on a fixed tick. It is an
// explicit supervisor object: Start and Stop are idempotent and lifecycle
// state lives on the instance, never in package globals.
type Worker struct {
	store      engine.Store
	quota      *quota.Manager
	automation engine.AutomationClient
	board      engine.BoardClient
	scorer     engine.Scorer
	emitter    events.Emitter
	clock      engine.Clock
	idGen      engine.IDGenerator
	cfg        Config
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Worker.
func New(
	store engine.Store,
	quotas *quota.Manager,
	automation engine.AutomationClient,
	board engine.BoardClient,
	scorer engine.Scorer,
	emitter events.Emitter,
	clock engine.Clock,
	idGen engine.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Worker{
		store:      store,
		quota:      quotas,
		automation: automation,
		board:      board,
		scorer:     scorer,
		emitter:    emitter,
		clock:      clock,
		idGen:      idGen,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Running reports whether the polling loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start launches the polling loop. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Info("worker already running, start ignored")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	telemetry.SetWorkerRunning(true)
	w.logger.Info("worker started", zap.Duration("tick", w.cfg.Tick))
	go w.run(runCtx, w.done)
}

// Stop halts the polling loop and waits for the in-flight tick to finish.
// Stopping a stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		w.logger.Info("worker not running, stop ignored")
		return
	}
	w.cancel()
	<-w.done
	w.running = false
	telemetry.SetWorkerRunning(false)
	w.logger.Info("worker stopped")
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	w.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runTick(ctx)
		}
	}
}

// runTick executes one full pass. A panic inside a tick is logged and
// swallowed so a single bad item cannot kill the polling loop.
func (w *Worker) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker tick panicked", zap.Any("panic", r))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	w.reactivateStandby(ctx)
	w.processQueue(ctx)
	w.processLinks(ctx)
}

// Tick runs a single pass outside the polling loop, for callers that drive
// the worker manually.
func (w *Worker) Tick(ctx context.Context) {
	w.runTick(ctx)
}

// reactivateStandby re-checks quota for every user holding standby items and
// moves up to the number of free slots back to queued, oldest first.
func (w *Worker) reactivateStandby(ctx context.Context) {
	userIDs, err := w.store.ListStandbyUsers(ctx)
	if err != nil {
		w.logger.Error("list standby users failed", zap.Error(err))
		return
	}
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		user, err := w.store.GetUser(ctx, userID)
		if err != nil {
			w.logger.Error("load standby user failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		remaining, err := w.quota.Remaining(ctx, user)
		if err != nil {
			w.logger.Error("quota check failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if remaining <= 0 {
			continue
		}
		items, err := w.store.GetQueuedJobsForUser(ctx, userID, engine.ApplicationStandby)
		if err != nil {
			w.logger.Error("list standby items failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		for i, item := range items {
			if i >= remaining {
				break
			}
			item.Status = engine.ApplicationQueued
			item.ErrorText = ""
			item.UpdatedAt = w.clock.Now().UTC()
			if err := w.store.UpdateQueuedJob(ctx, item); err != nil {
				w.logger.Error("reactivate item failed", zap.String("item_id", item.ID), zap.Error(err))
				continue
			}
			w.emit(user, item, engine.AuditReactivated, "quota available, returned to queue")
			w.logger.Info("standby item reactivated",
				zap.String("user_id", userID),
				zap.String("item_id", item.ID),
			)
		}
	}
}

// processQueue drains one batch of queued applications.
func (w *Worker) processQueue(ctx context.Context) {
	items, err := w.store.NextQueuedJobs(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("fetch queued jobs failed", zap.Error(err))
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		pacing := w.processItem(ctx, item)
		if pacing > 0 {
			w.pace(ctx, pacing)
		}
	}
}

// processItem runs one application through its lifecycle. It returns the
// pacing delay to apply before the next item; zero when no submission was
// attempted.
func (w *Worker) processItem(ctx context.Context, item engine.QueuedApplication) time.Duration {
	item.Status = engine.ApplicationProcessing
	item.Attempts++
	item.UpdatedAt = w.clock.Now().UTC()
	if err := w.store.UpdateQueuedJob(ctx, item); err != nil {
		w.logger.Error("mark item processing failed", zap.String("item_id", item.ID), zap.Error(err))
		return 0
	}

	user, err := w.store.GetUser(ctx, item.UserID)
	if err != nil {
		w.transition(ctx, engine.User{ID: item.UserID}, item, engine.ApplicationFailed,
			fmt.Sprintf("load user: %v", err))
		return 0
	}
	if !user.AutoApplyEnabled {
		w.transition(ctx, user, item, engine.ApplicationSkipped, "auto-apply disabled")
		return 0
	}

	// Quota is re-checked in real time for every item, not just per batch,
	// so a concurrent writer draining the same account cannot overshoot.
	remaining, err := w.quota.Remaining(ctx, user)
	if err != nil {
		w.logger.Error("quota check failed", zap.String("item_id", item.ID), zap.Error(err))
		w.requeue(ctx, item)
		return 0
	}
	if remaining <= 0 {
		limits := w.quota.Limits(user.Tier)
		msg := fmt.Sprintf("daily limit of %d reached, next reset %s",
			limits.DailyLimit, w.quota.NextReset().Format(time.RFC3339))
		w.transition(ctx, user, item, engine.ApplicationStandby, msg)
		return 0
	}

	profile, err := w.store.GetUserProfile(ctx, user.ID)
	if err != nil {
		w.logger.Warn("load profile failed, submitting with account data only",
			zap.String("user_id", user.ID), zap.Error(err))
	}

	result, err := w.submit(ctx, user, profile, item)
	if err != nil {
		if errors.Is(err, engine.ErrAutomationUnconfigured) {
			w.transition(ctx, user, item, engine.ApplicationFailed, err.Error())
			return 0
		}
		w.transition(ctx, user, item, engine.ApplicationFailed, err.Error())
		return w.quota.Limits(user.Tier).Pacing
	}

	switch result.Outcome {
	case engine.SubmitSuccess:
		now := w.clock.Now().UTC()
		item.Status = engine.ApplicationCompleted
		item.ErrorText = ""
		item.ProcessedAt = &now
		item.UpdatedAt = now
		if err := w.store.UpdateQueuedJob(ctx, item); err != nil {
			w.logger.Error("mark item completed failed", zap.String("item_id", item.ID), zap.Error(err))
		}
		w.emit(user, item, engine.AuditApplied, "application submitted")
	case engine.SubmitProcessing:
		// The automation worker accepted the job for asynchronous
		// completion. Counts against the quota via ProcessedAt but stays
		// non-terminal until the out-of-band result lands.
		now := w.clock.Now().UTC()
		item.Status = engine.ApplicationProcessing
		item.ProcessedAt = &now
		item.UpdatedAt = now
		if err := w.store.UpdateQueuedJob(ctx, item); err != nil {
			w.logger.Error("mark item accepted failed", zap.String("item_id", item.ID), zap.Error(err))
		}
		w.logger.Info("submission accepted for async completion",
			zap.String("item_id", item.ID), zap.String("job_url", item.JobURL))
	case engine.SubmitSkipped:
		msg := result.Message
		if msg == "" {
			msg = "skipped by automation worker"
		}
		w.transition(ctx, user, item, engine.ApplicationSkipped, msg)
	default:
		msg := result.Message
		if msg == "" {
			msg = "automation worker reported an error"
		}
		w.transition(ctx, user, item, engine.ApplicationFailed, msg)
	}
	return w.quota.Limits(user.Tier).Pacing
}

// submit runs the introspect-then-submit round trip under one timeout. A
// required form field that cannot be populated is a validation failure and
// maps to a skipped outcome, never a retry.
func (w *Worker) submit(ctx context.Context, user engine.User, profile engine.UserProfile, item engine.QueuedApplication) (engine.SubmitResult, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.SubmitTimeout)
	defer cancel()

	fields, err := w.automation.Introspect(sctx, item.JobURL)
	if err != nil {
		return engine.SubmitResult{}, fmt.Errorf("introspect form: %w", err)
	}
	formData, missing := buildFormData(user, profile, fields)
	if missing != "" {
		return engine.SubmitResult{
			Outcome: engine.SubmitSkipped,
			Message: fmt.Sprintf("required field %q cannot be populated", missing),
		}, nil
	}

	result, err := w.automation.Submit(sctx, item.JobURL, formData)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && w.cfg.StatusProbe {
		// The submission itself may have landed. Consult the worker's status
		// once before classifying the item as failed.
		if outcome, ok := w.probeStatus(ctx, item.JobURL); ok {
			return engine.SubmitResult{Outcome: outcome, Message: "confirmed via status probe"}, nil
		}
		return engine.SubmitResult{}, fmt.Errorf("submission timed out after %s", w.cfg.SubmitTimeout)
	}
	return engine.SubmitResult{}, err
}

func (w *Worker) probeStatus(ctx context.Context, jobURL string) (engine.SubmitOutcome, bool) {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, err := w.automation.Status(pctx)
	if err != nil {
		w.logger.Warn("status probe failed", zap.Error(err))
		return "", false
	}
	if status.LastJobURL != jobURL || status.LastOutcome == "" {
		return "", false
	}
	w.logger.Info("status probe resolved timed-out submission",
		zap.String("job_url", jobURL),
		zap.String("outcome", string(status.LastOutcome)),
	)
	return status.LastOutcome, true
}

// processLinks drains pending discovered links, fetches posting detail,
// scores the fit and enqueues applications above the threshold.
func (w *Worker) processLinks(ctx context.Context) {
	userIDs, err := w.store.ListUsersWithPendingLinks(ctx)
	if err != nil {
		w.logger.Error("list users with pending links failed", zap.Error(err))
		return
	}
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		user, err := w.store.GetUser(ctx, userID)
		if err != nil {
			w.logger.Error("load link owner failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		profile, err := w.store.GetUserProfile(ctx, userID)
		if err != nil {
			w.logger.Error("load link owner profile failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		links, err := w.store.GetNextJobLinksToProcess(ctx, userID, w.cfg.LinkBatch)
		if err != nil {
			w.logger.Error("fetch pending links failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		for _, link := range links {
			if ctx.Err() != nil {
				return
			}
			w.processLink(ctx, user, profile, link)
		}
	}
}

func (w *Worker) processLink(ctx context.Context, user engine.User, profile engine.UserProfile, link engine.LinkQueueItem) {
	link.Status = engine.LinkStatusProcessing
	link.Attempts++
	link.UpdatedAt = w.clock.Now().UTC()
	if err := w.store.UpdateJobLink(ctx, link); err != nil {
		w.logger.Error("mark link processing failed", zap.String("link_id", link.ID), zap.Error(err))
		return
	}

	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	posting, err := w.board.FetchPosting(fctx, link.URL)
	cancel()
	if err != nil {
		w.failLink(ctx, link, err)
		return
	}

	score, _, err := w.scorer.Score(ctx, profile, posting)
	if err != nil {
		w.failLink(ctx, link, fmt.Errorf("score posting: %w", err))
		return
	}
	if score < w.cfg.ScoreThreshold {
		if err := w.store.MarkJobLinkAsProcessed(ctx, link.ID); err != nil {
			w.logger.Error("mark link processed failed", zap.String("link_id", link.ID), zap.Error(err))
		}
		w.logger.Debug("posting below score threshold",
			zap.String("link_id", link.ID),
			zap.Int("score", score),
			zap.Int("threshold", w.cfg.ScoreThreshold),
		)
		return
	}

	id, err := w.idGen.NewID()
	if err != nil {
		w.failLink(ctx, link, fmt.Errorf("generate id: %w", err))
		return
	}
	jobURL := posting.ApplyURL
	if jobURL == "" {
		jobURL = posting.URL
	}
	now := w.clock.Now().UTC()
	item := engine.QueuedApplication{
		ID:        id,
		UserID:    user.ID,
		JobID:     link.ExternalID,
		JobURL:    jobURL,
		JobTitle:  posting.Title,
		Status:    engine.ApplicationQueued,
		Priority:  user.Tier.Priority(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.store.EnqueueJobs(ctx, []engine.QueuedApplication{item}); err != nil {
		w.failLink(ctx, link, fmt.Errorf("enqueue application: %w", err))
		return
	}
	if err := w.store.MarkJobLinkAsProcessed(ctx, link.ID); err != nil {
		w.logger.Error("mark link processed failed", zap.String("link_id", link.ID), zap.Error(err))
	}
	w.logger.Info("application enqueued",
		zap.String("user_id", user.ID),
		zap.String("job_id", link.ExternalID),
		zap.Int("score", score),
	)
}

// failLink classifies a link failure. Gone postings are demoted to the
// lowest priority and never retried; transient failures return the link to
// pending until the attempt budget runs out.
func (w *Worker) failLink(ctx context.Context, link engine.LinkQueueItem, cause error) {
	link.UpdatedAt = w.clock.Now().UTC()
	link.LastError = cause.Error()
	switch {
	case errors.Is(cause, engine.ErrGone), errors.Is(cause, engine.ErrNotFound):
		link.Status = engine.LinkStatusFailed
		link.Priority = 0.01
		link.LastError = "posting gone"
	case link.Attempts >= w.cfg.MaxAttempts:
		link.Status = engine.LinkStatusFailed
	default:
		link.Status = engine.LinkStatusPending
	}
	if err := w.store.UpdateJobLink(ctx, link); err != nil {
		w.logger.Error("record link failure failed", zap.String("link_id", link.ID), zap.Error(err))
	}
	w.logger.Warn("link processing failed",
		zap.String("link_id", link.ID),
		zap.String("url", link.URL),
		zap.Int("attempts", link.Attempts),
		zap.String("status", string(link.Status)),
		zap.Error(cause),
	)
}

// transition moves an item to its new status and emits the matching
// lifecycle event.
func (w *Worker) transition(ctx context.Context, user engine.User, item engine.QueuedApplication, status engine.ApplicationStatus, msg string) {
	now := w.clock.Now().UTC()
	item.Status = status
	item.UpdatedAt = now
	if status == engine.ApplicationFailed {
		item.ErrorText = msg
	}
	if err := w.store.UpdateQueuedJob(ctx, item); err != nil {
		w.logger.Error("update queued item failed",
			zap.String("item_id", item.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	w.emit(user, item, auditLabel(status), msg)
}

func (w *Worker) requeue(ctx context.Context, item engine.QueuedApplication) {
	item.Status = engine.ApplicationQueued
	item.UpdatedAt = w.clock.Now().UTC()
	if err := w.store.UpdateQueuedJob(ctx, item); err != nil {
		w.logger.Error("requeue item failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (w *Worker) emit(user engine.User, item engine.QueuedApplication, label, msg string) {
	w.emitter.Emit(events.Event{
		UserID:   item.UserID,
		JobID:    item.JobID,
		JobURL:   item.JobURL,
		JobTitle: item.JobTitle,
		Tier:     user.Tier,
		Status:   label,
		Message:  msg,
		TS:       w.clock.Now().UTC(),
	})
}

func auditLabel(status engine.ApplicationStatus) string {
	switch status {
	case engine.ApplicationCompleted:
		return engine.AuditApplied
	case engine.ApplicationSkipped:
		return engine.AuditSkipped
	case engine.ApplicationStandby:
		return engine.AuditStandby
	default:
		return engine.AuditFailed
	}
}

// pace sleeps the tier-derived inter-submission delay, interruptible by ctx.
func (w *Worker) pace(ctx context.Context, d time.Duration) {
	if w.cfg.PacingJitter {
		// Up to 10% either way so bursts do not land on exact boundaries.
		jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
		d += jitter
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// StatusReport is the worker-side payload of the status endpoint.
type StatusReport struct {
	Running          bool                             `json:"running"`
	AutoApplyEnabled bool                             `json:"auto_apply_enabled"`
	Tier             engine.Tier                      `json:"tier"`
	Counts           map[engine.ApplicationStatus]int `json:"counts"`
	AppliedToday     int                              `json:"applied_today"`
	DailyLimit       int                              `json:"daily_limit"`
	NextReset        time.Time                        `json:"next_reset"`
	RecentAudit      []engine.AuditLogEntry           `json:"recent_audit"`
}

// Report assembles the status view for one user: queue counts, today's usage
// against the tier limit, the upcoming reset and a page of recent audit
// entries.
func (w *Worker) Report(ctx context.Context, userID string) (StatusReport, error) {
	user, err := w.store.GetUser(ctx, userID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("load user: %w", err)
	}
	counts, err := w.store.CountQueuedByStatus(ctx, userID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("count queue: %w", err)
	}
	applied, err := w.quota.AppliedToday(ctx, userID)
	if err != nil {
		return StatusReport{}, err
	}
	audit, err := w.store.ListAudit(ctx, userID, w.cfg.AuditPage)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list audit: %w", err)
	}
	return StatusReport{
		Running:          w.Running(),
		AutoApplyEnabled: user.AutoApplyEnabled,
		Tier:             user.Tier,
		Counts:           counts,
		AppliedToday:     applied,
		DailyLimit:       w.quota.Limits(user.Tier).DailyLimit,
		NextReset:        w.quota.NextReset(),
		RecentAudit:      audit,
	}, nil
}

// buildFormData fills the automation worker's form schema from account and
// profile data. Returns the name of the first required field it cannot
// populate, empty when every required field was filled.
func buildFormData(user engine.User, profile engine.UserProfile, fields []engine.FormField) (map[string]string, string) {
	data := make(map[string]string, len(fields))
	for _, field := range fields {
		value := fieldValue(user, profile, field)
		if value == "" {
			if field.Required {
				return nil, field.Name
			}
			continue
		}
		data[field.Name] = value
	}
	return data, ""
}

func fieldValue(user engine.User, profile engine.UserProfile, field engine.FormField) string {
	name := strings.ToLower(field.Name)
	switch {
	case field.Type == "email" || strings.Contains(name, "email"):
		return user.Email
	case strings.Contains(name, "name"):
		if at := strings.IndexByte(user.Email, '@'); at > 0 {
			return user.Email[:at]
		}
		return user.Email
	case strings.Contains(name, "location") && len(profile.Locations) > 0:
		return profile.Locations[0]
	case (strings.Contains(name, "role") || strings.Contains(name, "title")) && len(profile.RoleTitles) > 0:
		return profile.RoleTitles[0]
	case len(field.Options) > 0:
		return field.Options[0]
	case field.Type == "checkbox":
		return "true"
	default:
		return ""
	}
}
