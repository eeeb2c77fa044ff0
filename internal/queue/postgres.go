package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS lqs_queues (
  name                TEXT PRIMARY KEY,
  next_message_id     BIGINT NOT NULL,
  next_receipt_handle BIGINT NOT NULL,
  created_at          BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS lqs_messages (
  queue           TEXT NOT NULL,
  id              TEXT NOT NULL,
  position        BIGINT NOT NULL,
  body            BYTEA NOT NULL,
  receipt_handle  TEXT,
  in_flight_since BIGINT,
  PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_lqs_messages_position
  ON lqs_messages(queue, position);
CREATE INDEX IF NOT EXISTS idx_lqs_messages_handle
  ON lqs_messages(queue, receipt_handle);
`

// NewPostgresBackend connects to dsn and creates the queue tables if absent.
// Writers of one queue serialize on its lqs_queues row.
func NewPostgresBackend(dsn string, visibilityTimeout time.Duration, opts ...Option) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &SQLBackend{
		db:      db,
		timeout: visibilityTimeout,
		opts:    applyOptions(opts),
		dialect: sqlDialect{
			kind:       "postgres",
			lockSuffix: " FOR UPDATE",
			rebind:     rebindDollar,
		},
	}
	b.dialect.withTx = func(ctx context.Context, fn func(q sqlConn) error) error {
		return postgresTx(ctx, db, fn)
	}

	if err := postgresInit(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// postgresInit tolerates the unique violation raised when two processes
// create the same catalog entries concurrently; the retry then finds them.
func postgresInit(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, postgresSchemaV1)
	if isPostgresUniqueViolation(err) {
		_, err = db.ExecContext(ctx, postgresSchemaV1)
	}
	return err
}

func postgresTx(ctx context.Context, db *sql.DB, fn func(q sqlConn) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
