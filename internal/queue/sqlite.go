package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite3 "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS lqs_queues (
  name                TEXT PRIMARY KEY,
  next_message_id     INTEGER NOT NULL,
  next_receipt_handle INTEGER NOT NULL,
  created_at          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS lqs_messages (
  queue           TEXT NOT NULL,
  id              TEXT NOT NULL,
  position        INTEGER NOT NULL,
  body            BLOB NOT NULL,
  receipt_handle  TEXT,
  in_flight_since INTEGER,
  PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_lqs_messages_position
  ON lqs_messages(queue, position);
CREATE INDEX IF NOT EXISTS idx_lqs_messages_handle
  ON lqs_messages(queue, receipt_handle);
`

// NewSQLiteBackend opens (creating if needed) the database at dbPath. Several
// processes may share the file; writers serialize on SQLite's database lock.
func NewSQLiteBackend(dbPath string, visibilityTimeout time.Duration, opts ...Option) (*SQLBackend, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	o := applyOptions(opts)
	b := &SQLBackend{
		db:      db,
		timeout: visibilityTimeout,
		opts:    o,
		dialect: sqlDialect{
			kind:   "sqlite",
			rebind: rebindQuestion,
		},
	}
	b.dialect.withTx = func(ctx context.Context, fn func(q sqlConn) error) error {
		return sqliteTx(ctx, db, o.lockWait, fn)
	}

	if err := sqliteInit(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func sqliteInit(db *sql.DB) error {
	ctx := context.Background()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return sqliteTx(ctx, db, 0, func(q sqlConn) error {
		if _, err := q.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current := 0
		err := q.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
		hasVersion := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: read schema version: %w", err)
		}
		if current > sqliteSchemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
		}

		for v := current + 1; v <= sqliteSchemaVersion; v++ {
			switch v {
			case 1:
				if _, err := q.ExecContext(ctx, sqliteSchemaV1); err != nil {
					return fmt.Errorf("sqlite: migrate v1: %w", err)
				}
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
		}

		if hasVersion && current == sqliteSchemaVersion {
			return nil
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM schema_migrations;`); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, sqliteSchemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
		return nil
	})
}

// sqliteTx runs fn between BEGIN IMMEDIATE and COMMIT on a dedicated
// connection. A busy database is retried with backoff until wait elapses.
func sqliteTx(ctx context.Context, db *sql.DB, wait time.Duration, fn func(q sqlConn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	begin := func() (struct{}, error) {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;")
		if err != nil && !isSQLiteBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	retry := []backoff.RetryOption{backoff.WithBackOff(backoff.NewExponentialBackOff())}
	if wait > 0 {
		retry = append(retry, backoff.WithMaxElapsedTime(wait))
	}
	if _, err := backoff.Retry(ctx, begin, retry...); err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func isSQLiteBusy(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const (
		sqliteBusyBase   = 5
		sqliteLockedBase = 6
	)
	code := sqliteErr.Code() & 0xff
	return code == sqliteBusyBase || code == sqliteLockedBase
}
