package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"radonflow/internal/config"
	"radonflow/internal/services"
)

// Store manages catalog persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	sqliteReadOnlyCode      = 8
	sqliteIOErrCode         = 10
	sqliteCorruptCode       = 11
	sqliteFullCode          = 13
	sqliteCantOpenCode      = 14
	sqliteNotADBCode        = 26
	busyRetryAttempts       = 6
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 250 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func sqliteCode(err error) (int, bool) {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code() & 0xff, true
	}
	return 0, false
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok && (code == sqliteBusyCode || code == sqliteLockedCode) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsUnavailable reports whether err means the catalog cannot currently be
// used at all, as opposed to a problem with one statement or row.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, services.ErrStoreUnavailable) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if isSQLiteBusy(err) {
		return true
	}
	if code, ok := sqliteCode(err); ok {
		switch code {
		case sqliteReadOnlyCode, sqliteIOErrCode, sqliteCorruptCode, sqliteFullCode, sqliteCantOpenCode, sqliteNotADBCode:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is closed")
}

// classify tags store-level outages with services.ErrStoreUnavailable and
// leaves every other error untouched.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, services.ErrStoreUnavailable) {
		return err
	}
	if IsUnavailable(err) {
		return services.Wrap(services.ErrStoreUnavailable, "catalog", operation, "", err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, operation, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, classify(operation, err)
	}
	return res, nil
}

// Open initializes or connects to the catalog database configured in cfg.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("catalog: config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.Catalog.Path)
}

// OpenPath opens the catalog at path, creating the schema on first use.
func OpenPath(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("catalog: database path is required")
	}
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, classify("open sqlite db", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, classify("ping sqlite db", err)
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the catalog is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ensureContext(ctx)))
}

// QueryContext runs a read-only snapshot query outside any transaction.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx = ensureContext(ctx)
	var rows *sql.Rows
	err := retryOnBusy(ctx, func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return nil, classify("query", err)
	}
	return rows, nil
}

// WithTx runs fn inside an immediate transaction. The whole closure is
// retried when SQLite reports contention, so fn must not have side effects
// outside tx.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		return sqlTx.Commit()
	})
	if err == nil || !IsUnavailable(err) {
		return err
	}
	return classify("transaction", err)
}
