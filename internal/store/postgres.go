package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"story-pipeline/internal/config"
)

var (
	// ErrLockLost is returned when a job's outcome is recorded by a worker that no longer holds its lock.
	ErrLockLost = errors.New("job lock no longer held")
	// ErrJobNotFound is returned for lookups of unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrStoryNotFound is returned when a scenario has no story yet.
	ErrStoryNotFound = errors.New("story not found")
)

const (
	defaultMaxAttempts = 5
	defaultLockTimeout = 10 * time.Minute
)

// Store wraps pgxpool for Postgres persistence of the catalog, stories and generation jobs.
type Store struct {
	pool        *pgxpool.Pool
	now         func() time.Time
	maxAttempts int
	lockTimeout time.Duration
}

// Option tunes a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for lock timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxAttempts sets the attempt cap applied to claims.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLockTimeout sets the age after which a lock is considered stale.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{
		pool:        pool,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open connects using DATABASE_URL and the job settings in cfg.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return New(ctx, cfg.DatabaseURL,
		WithMaxAttempts(cfg.JobMaxAttempts),
		WithLockTimeout(cfg.JobLockTimeout),
	)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// MaxAttempts reports the attempt cap the store enforces on claims.
func (s *Store) MaxAttempts() int {
	return s.maxAttempts
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	return appendAudit(ctx, s.pool, jobID, event, detail)
}

// dbtx is satisfied by both the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendAudit(ctx context.Context, db dbtx, jobID, event, detail string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO job_audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	v := t.String
	return &v
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
