// Package postgres provides the Postgres-backed Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/applypilot/applypilot/internal/engine"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements engine.Store on a pgx pool.
type Store struct {
	pool querier
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetUser implements engine.Store.
func (s *Store) GetUser(ctx context.Context, userID string) (engine.User, error) {
	query := `
SELECT id, email, tier, auto_apply_enabled, created_at
FROM users
WHERE id = $1`
	var user engine.User
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.Email, &user.Tier, &user.AutoApplyEnabled, &user.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.User{}, fmt.Errorf("user %s: %w", userID, engine.ErrNotFound)
	}
	if err != nil {
		return engine.User{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// GetUserProfile implements engine.Store.
func (s *Store) GetUserProfile(ctx context.Context, userID string) (engine.UserProfile, error) {
	query := `
SELECT user_id, role_titles, locations, work_modes, experience_levels,
       legacy_role, legacy_location, legacy_work_mode
FROM user_profiles
WHERE user_id = $1`
	var (
		profile   engine.UserProfile
		workModes []string
	)
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&profile.UserID, &profile.RoleTitles, &profile.Locations, &workModes,
		&profile.ExperienceLevels, &profile.LegacyRole, &profile.LegacyLocation, &profile.LegacyWorkMode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.UserProfile{}, fmt.Errorf("profile for user %s: %w", userID, engine.ErrNotFound)
	}
	if err != nil {
		return engine.UserProfile{}, fmt.Errorf("select user profile: %w", err)
	}
	for _, mode := range workModes {
		profile.WorkModes = append(profile.WorkModes, engine.WorkMode(mode))
	}
	return profile, nil
}

const queuedJobColumns = `
id, user_id, job_id, job_url, job_title, status, priority, attempts,
error_text, created_at, updated_at, processed_at`

func scanQueuedJob(row pgx.Row) (engine.QueuedApplication, error) {
	var item engine.QueuedApplication
	err := row.Scan(
		&item.ID, &item.UserID, &item.JobID, &item.JobURL, &item.JobTitle,
		&item.Status, &item.Priority, &item.Attempts, &item.ErrorText,
		&item.CreatedAt, &item.UpdatedAt, &item.ProcessedAt,
	)
	return item, err
}

// GetQueuedJobsForUser implements engine.Store.
func (s *Store) GetQueuedJobsForUser(ctx context.Context, userID string, statuses ...engine.ApplicationStatus) ([]engine.QueuedApplication, error) {
	query := `
SELECT ` + queuedJobColumns + `
FROM job_queue
WHERE user_id = $1
ORDER BY created_at`
	args := []any{userID}
	if len(statuses) > 0 {
		query = `
SELECT ` + queuedJobColumns + `
FROM job_queue
WHERE user_id = $1 AND status = ANY($2)
ORDER BY created_at`
		set := make([]string, len(statuses))
		for i, st := range statuses {
			set[i] = string(st)
		}
		args = append(args, set)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select queued jobs: %w", err)
	}
	defer rows.Close()

	var out []engine.QueuedApplication
	for rows.Next() {
		item, err := scanQueuedJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued job: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued jobs: %w", err)
	}
	return out, nil
}

// EnqueueJobs inserts queue entries, silently skipping duplicate IDs.
func (s *Store) EnqueueJobs(ctx context.Context, items []engine.QueuedApplication) error {
	query := `
INSERT INTO job_queue (` + queuedJobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING`
	for _, item := range items {
		_, err := s.pool.Exec(ctx, query,
			item.ID, item.UserID, item.JobID, item.JobURL, item.JobTitle,
			item.Status, item.Priority, item.Attempts, item.ErrorText,
			item.CreatedAt, item.UpdatedAt, item.ProcessedAt,
		)
		if err != nil {
			return fmt.Errorf("insert queued job %s: %w", item.ID, err)
		}
	}
	return nil
}

// UpdateQueuedJob implements engine.Store.
func (s *Store) UpdateQueuedJob(ctx context.Context, item engine.QueuedApplication) error {
	query := `
UPDATE job_queue
SET status = $2, priority = $3, attempts = $4, error_text = $5,
    updated_at = $6, processed_at = $7
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		item.ID, item.Status, item.Priority, item.Attempts, item.ErrorText,
		item.UpdatedAt, item.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update queued job %s: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queued application %s: %w", item.ID, engine.ErrNotFound)
	}
	return nil
}

// NextQueuedJobs returns queued entries ordered by the owner's tier priority
// descending, then by age ascending.
func (s *Store) NextQueuedJobs(ctx context.Context, limit int) ([]engine.QueuedApplication, error) {
	query := `
SELECT q.id, q.user_id, q.job_id, q.job_url, q.job_title, q.status, q.priority,
       q.attempts, q.error_text, q.created_at, q.updated_at, q.processed_at
FROM job_queue q
JOIN users u ON u.id = q.user_id
WHERE q.status = 'queued'
ORDER BY CASE u.tier
           WHEN 'elite' THEN 4
           WHEN 'pro' THEN 3
           WHEN 'starter' THEN 2
           ELSE 1
         END DESC,
         q.created_at
LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select next queued jobs: %w", err)
	}
	defer rows.Close()

	var out []engine.QueuedApplication
	for rows.Next() {
		item, err := scanQueuedJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued job: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate next queued jobs: %w", err)
	}
	return out, nil
}

// ListStandbyUsers returns users with standby entries, oldest standby first.
func (s *Store) ListStandbyUsers(ctx context.Context) ([]string, error) {
	query := `
SELECT user_id
FROM job_queue
WHERE status = 'standby'
GROUP BY user_id
ORDER BY MIN(updated_at)`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select standby users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan standby user: %w", err)
		}
		out = append(out, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate standby users: %w", err)
	}
	return out, nil
}

// CountQueuedByStatus implements engine.Store.
func (s *Store) CountQueuedByStatus(ctx context.Context, userID string) (map[engine.ApplicationStatus]int, error) {
	query := `
SELECT status, COUNT(*)
FROM job_queue
WHERE user_id = $1
GROUP BY status`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("count queue by status: %w", err)
	}
	defer rows.Close()

	out := make(map[engine.ApplicationStatus]int)
	for rows.Next() {
		var (
			status engine.ApplicationStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue counts: %w", err)
	}
	return out, nil
}

// GetJobsAppliedToday counts quota-consuming submissions since the boundary.
// Completed and processing both count; skipped and failed never do.
func (s *Store) GetJobsAppliedToday(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
SELECT COUNT(*)
FROM job_queue
WHERE user_id = $1
  AND status IN ('completed', 'processing')
  AND processed_at >= $2`
	var count int
	if err := s.pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count applied today: %w", err)
	}
	return count, nil
}

// AddJobLinks inserts links idempotently on (user_id, external_id). Returns
// the number actually inserted.
func (s *Store) AddJobLinks(ctx context.Context, links []engine.LinkQueueItem) (int, error) {
	query := `
INSERT INTO job_links (
	id, user_id, source, url, external_id, priority, status,
	attempts, last_error, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (user_id, external_id) DO NOTHING`
	inserted := 0
	for _, link := range links {
		tag, err := s.pool.Exec(ctx, query,
			link.ID, link.UserID, link.Source, link.URL, link.ExternalID,
			link.Priority, link.Status, link.Attempts, link.LastError,
			link.CreatedAt, link.UpdatedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert job link %s: %w", link.ExternalID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetNextJobLinksToProcess implements engine.Store.
func (s *Store) GetNextJobLinksToProcess(ctx context.Context, userID string, limit int) ([]engine.LinkQueueItem, error) {
	query := `
SELECT id, user_id, source, url, external_id, priority, status,
       attempts, last_error, created_at, updated_at
FROM job_links
WHERE user_id = $1 AND status = 'pending'
ORDER BY priority DESC, created_at
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending links: %w", err)
	}
	defer rows.Close()

	var out []engine.LinkQueueItem
	for rows.Next() {
		var link engine.LinkQueueItem
		err := rows.Scan(
			&link.ID, &link.UserID, &link.Source, &link.URL, &link.ExternalID,
			&link.Priority, &link.Status, &link.Attempts, &link.LastError,
			&link.CreatedAt, &link.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job link: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending links: %w", err)
	}
	return out, nil
}

// ListUsersWithPendingLinks returns users with pending links, oldest first.
func (s *Store) ListUsersWithPendingLinks(ctx context.Context) ([]string, error) {
	query := `
SELECT user_id
FROM job_links
WHERE status = 'pending'
GROUP BY user_id
ORDER BY MIN(created_at)`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select users with pending links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan pending-link user: %w", err)
		}
		out = append(out, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending-link users: %w", err)
	}
	return out, nil
}

// MarkJobLinkAsProcessed implements engine.Store.
func (s *Store) MarkJobLinkAsProcessed(ctx context.Context, linkID string) error {
	query := `
UPDATE job_links
SET status = 'completed', updated_at = NOW()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, linkID)
	if err != nil {
		return fmt.Errorf("mark link processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link %s: %w", linkID, engine.ErrNotFound)
	}
	return nil
}

// UpdateJobLink implements engine.Store.
func (s *Store) UpdateJobLink(ctx context.Context, link engine.LinkQueueItem) error {
	query := `
UPDATE job_links
SET priority = $2, status = $3, attempts = $4, last_error = $5, updated_at = $6
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		link.ID, link.Priority, link.Status, link.Attempts, link.LastError, link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job link %s: %w", link.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link %s: %w", link.ID, engine.ErrNotFound)
	}
	return nil
}

// AppendAudit implements engine.Store.
func (s *Store) AppendAudit(ctx context.Context, entry engine.AuditLogEntry) error {
	query := `
INSERT INTO audit_log (id, user_id, job_id, status, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.UserID, entry.JobID, entry.Status, entry.Message, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit implements engine.Store.
func (s *Store) ListAudit(ctx context.Context, userID string, limit int) ([]engine.AuditLogEntry, error) {
	query := `
SELECT id, user_id, job_id, status, message, created_at
FROM audit_log
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	defer rows.Close()

	var out []engine.AuditLogEntry
	for rows.Next() {
		var entry engine.AuditLogEntry
		err := rows.Scan(&entry.ID, &entry.UserID, &entry.JobID, &entry.Status, &entry.Message, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}
