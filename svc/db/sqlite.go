package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("journal circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 4
	defaultMaxIdleConns = 2
	defaultQueryTimeout = 5 * time.Second
)

// Journal is the access log: login attempts and admin mutations, kept in a
// SQLite file next to the JSON stores. It is an audit trail only; nothing
// in the portal's request path depends on a write succeeding.
type Journal struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	now           func() time.Time
}

type Action struct {
	Action string
	Slug   string
	At     time.Time
}

func (j *Journal) DB() *sql.DB {
	return j.db
}

func NewJournal(path string) (*Journal, error) {
	return NewJournalWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewJournalWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping journal")
	}
	j := &Journal{
		db:           db,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return j, nil
}

func (j *Journal) checkCircuit() error {
	switch atomic.LoadInt32(&j.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&j.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&j.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (j *Journal) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&j.failures, 0)
		atomic.StoreInt32(&j.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&j.failures, 1)
	if atomic.LoadInt32(&j.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&j.circuitState, circuitOpen)
		atomic.StoreInt64(&j.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&j.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&j.circuitState) == circuitClosed {
		atomic.StoreInt32(&j.circuitState, circuitOpen)
		atomic.StoreInt64(&j.circuitOpened, time.Now().Unix())
	}
}

func (j *Journal) migrate() error {
	if _, err := j.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := j.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := j.db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS login_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client TEXT NOT NULL,
		success INTEGER NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_login_attempts_at ON login_attempts(at);
	CREATE TABLE IF NOT EXISTS admin_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		slug TEXT NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_admin_actions_at ON admin_actions(at);
	`
	_, err := j.db.Exec(query)
	return err
}

func (j *Journal) exec(ctx context.Context, what, q string, args ...any) error {
	if err := j.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
	defer cancel()
	_, err := j.db.ExecContext(queryCtx, q, args...)
	j.recordError(err)
	return errors.Wrap(err, what)
}

// RecordLogin stores one login attempt. client should already be redacted.
func (j *Journal) RecordLogin(ctx context.Context, client string, success bool) error {
	ok := 0
	if success {
		ok = 1
	}
	return j.exec(ctx, "record login",
		`INSERT INTO login_attempts (client, success, at) VALUES (?, ?, ?)`,
		client, ok, j.now().UnixNano())
}

func (j *Journal) RecordAction(ctx context.Context, action, slug string) error {
	return j.exec(ctx, "record action",
		`INSERT INTO admin_actions (action, slug, at) VALUES (?, ?, ?)`,
		action, slug, j.now().UnixNano())
}

func (j *Journal) FailedLoginsSince(ctx context.Context, since time.Time) (int, error) {
	if err := j.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
	defer cancel()
	var n int
	err := j.db.QueryRowContext(queryCtx,
		`SELECT COUNT(*) FROM login_attempts WHERE success = 0 AND at >= ?`,
		since.UnixNano()).Scan(&n)
	j.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "count failed logins")
	}
	return n, nil
}

// RecentActions returns the newest admin actions first.
func (j *Journal) RecentActions(ctx context.Context, limit int) ([]Action, error) {
	if err := j.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
	defer cancel()
	rows, err := j.db.QueryContext(queryCtx,
		`SELECT action, slug, at FROM admin_actions ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		j.recordError(err)
		return nil, errors.Wrap(err, "query actions")
	}
	defer rows.Close()
	var out []Action
	for rows.Next() {
		var a Action
		var at int64
		if err := rows.Scan(&a.Action, &a.Slug, &at); err != nil {
			return nil, errors.Wrap(err, "scan action")
		}
		a.At = time.Unix(0, at)
		out = append(out, a)
	}
	err = rows.Err()
	j.recordError(err)
	return out, errors.Wrap(err, "iterate actions")
}

// Prune deletes entries older than before in small batches so the writer
// lock is never held for long.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := j.checkCircuit(); err != nil {
		return 0, err
	}
	total := 0
	for _, table := range []string{"login_attempts", "admin_actions"} {
		for {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			default:
			}
			queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
			result, err := j.db.ExecContext(queryCtx,
				`DELETE FROM `+table+` WHERE id IN (SELECT id FROM `+table+` WHERE at < ? LIMIT 500)`,
				before.UnixNano())
			cancel()
			j.recordError(err)
			if err != nil {
				return total, errors.Wrap(err, "prune batch failed")
			}
			deleted, _ := result.RowsAffected()
			total += int(deleted)
			if deleted == 0 {
				break
			}
		}
	}
	return total, nil
}

func (j *Journal) Ping(ctx context.Context) error {
	var result int
	return j.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (j *Journal) Close() error {
	return j.db.Close()
}
