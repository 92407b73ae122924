package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/flowhook/flowhook/sanitize"
)

// Config holds store connection settings.
type Config struct {
	// URL is the connection string. Empty leaves the store
	// unavailable.
	URL string

	// Environment gates destructive operations (DropAll is forbidden
	// in production).
	Environment string

	// PoolSize is the maximum number of open connections.
	PoolSize int

	// MaxOverflow is additional idle headroom beyond PoolSize.
	MaxOverflow int

	// PoolTimeout bounds waiting for the initial connectivity check.
	PoolTimeout time.Duration

	// PoolRecycle is the maximum lifetime of a pooled connection.
	PoolRecycle time.Duration
}

// Health is a masked snapshot of store status suitable for surfacing.
type Health struct {
	Status    string `json:"status"`
	MaskedURL string `json:"masked_url"`
	PoolSize  int    `json:"pool_size"`
	InUse     int    `json:"in_use"`
	CheckedIn int    `json:"checked_in"`
	Overflow  int    `json:"overflow"`
}

// Store provides transactional persistence for all engine entities.
// A Store that failed to open stays usable: every data operation
// returns ErrUnavailable.
type Store struct {
	db          *sqlx.DB
	url         string
	environment string
	poolSize    int
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open establishes the connection pool. On missing configuration or
// connection failure it returns an unavailable Store together with the
// reason; callers may keep the Store and let operations fail with
// ErrUnavailable.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		url:         cfg.URL,
		environment: cfg.Environment,
		poolSize:    cfg.PoolSize,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.URL == "" {
		return s, fmt.Errorf("open store: %w", ErrUnavailable)
	}

	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return s, fmt.Errorf("open store: %w", errors.Join(ErrUnavailable, err))
	}

	if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
		db.SetMaxIdleConns(cfg.PoolSize)
	}
	if cfg.PoolRecycle > 0 {
		db.SetConnMaxLifetime(cfg.PoolRecycle)
	}

	// Pre-ping: verify connectivity before declaring the store open.
	pingCtx := ctx
	if cfg.PoolTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.PoolTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return s, fmt.Errorf("open store: %w", errors.Join(ErrUnavailable, err))
	}

	s.db = db
	s.logger.Info("Store opened", "url", sanitize.MaskURL(cfg.URL), "pool_size", cfg.PoolSize)
	return s, nil
}

// NewWithDB wraps an existing database handle. Used by tests and the
// migration command.
func NewWithDB(db *sqlx.DB, environment string, opts ...Option) *Store {
	s := &Store{
		db:          db,
		environment: environment,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Available reports whether the store can serve data operations.
func (s *Store) Available() bool {
	return s != nil && s.db != nil
}

// ready returns ErrUnavailable when the store cannot serve requests.
func (s *Store) ready() error {
	if !s.Available() {
		return ErrUnavailable
	}
	return nil
}

// Health returns a masked snapshot of pool state. The URL never
// carries userinfo.
func (s *Store) Health(ctx context.Context) Health {
	h := Health{
		Status:    "unavailable",
		MaskedURL: sanitize.MaskURL(s.url),
		PoolSize:  s.poolSize,
	}

	if !s.Available() {
		return h
	}

	if err := s.db.PingContext(ctx); err != nil {
		h.Status = "degraded"
		return h
	}

	stats := s.db.Stats()
	h.Status = "healthy"
	h.InUse = stats.InUse
	h.CheckedIn = stats.Idle
	if s.poolSize > 0 && stats.OpenConnections > s.poolSize {
		h.Overflow = stats.OpenConnections - s.poolSize
	}
	return h
}

// InTx runs fn inside a transaction with guaranteed release on all
// exit paths.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := s.ready(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}

	defer func() {
		// Rollback after commit is a no-op; this guarantees release.
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapDBError("commit transaction", err)
	}
	return nil
}

// DropAll removes every table. Forbidden when the environment is
// production.
func (s *Store) DropAll(ctx context.Context) error {
	if s.environment == "production" {
		return fmt.Errorf("drop all: %w", ErrForbidden)
	}
	if err := s.ready(); err != nil {
		return err
	}

	tables := []string{
		"execution_logs",
		"workflow_executions",
		"workflow_actions",
		"workflow_triggers",
		"integration_events",
		"integrations",
		"workflows",
		"allowed_commenters",
		"comment_filter_settings",
	}
	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+strings.Join(tables, ", ")+" CASCADE")
	return wrapDBError("drop all", err)
}

// wrapDBError maps low-level database failures onto the store's typed
// errors.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case isCheckViolation(err):
		return fmt.Errorf("%s: %w", op, ErrInvariant)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// check_violation or foreign_key_violation
		return pgErr.Code == "23514" || pgErr.Code == "23503"
	}
	return false
}
