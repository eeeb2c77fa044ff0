package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// sqlConn is the statement surface shared by *sql.Conn and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlDialect captures what differs between the SQL engines: transaction
// start, row locking and placeholder syntax.
type sqlDialect struct {
	kind string
	// withTx runs fn inside a write transaction and commits when fn
	// succeeds.
	withTx func(ctx context.Context, fn func(q sqlConn) error) error
	// lockSuffix is appended to the queue row select to serialize writers.
	lockSuffix string
	// rebind rewrites "?" placeholders.
	rebind func(query string) string
}

// SQLBackend keeps every queue in two tables of one database:
// lqs_queues (one row per queue with its id counters) and lqs_messages
// (one row per message, ordered by position within the queue). Expiry is
// lazy, as in the file backend.
type SQLBackend struct {
	db      *sql.DB
	dialect sqlDialect
	timeout time.Duration
	opts    options
}

func (b *SQLBackend) Kind() string { return b.dialect.kind }

func (b *SQLBackend) Open(ctx context.Context, name string, create bool) (Store, Gate, error) {
	if err := ValidateQueueName(name); err != nil {
		return nil, nil, err
	}
	if create {
		_, err := b.db.ExecContext(ctx, b.dialect.rebind(`
INSERT INTO lqs_queues (name, next_message_id, next_receipt_handle, created_at)
VALUES (?, 0, 0, ?)
ON CONFLICT (name) DO NOTHING`), name, b.opts.nowFn().UnixMilli())
		if err != nil {
			return nil, nil, b.mapErr("create queue", err)
		}
	} else {
		var one int
		err := b.db.QueryRowContext(ctx, b.dialect.rebind(`SELECT 1 FROM lqs_queues WHERE name = ?`), name).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrQueueNotFound
		}
		if err != nil {
			return nil, nil, b.mapErr("open queue", err)
		}
	}
	return &SQLStore{backend: b, name: name}, newCountGate(), nil
}

func (b *SQLBackend) Destroy(ctx context.Context, name string) error {
	err := b.dialect.withTx(ctx, func(q sqlConn) error {
		if _, err := q.ExecContext(ctx, b.dialect.rebind(`DELETE FROM lqs_messages WHERE queue = ?`), name); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, b.dialect.rebind(`DELETE FROM lqs_queues WHERE name = ?`), name)
		return err
	})
	return b.mapErr("destroy queue", err)
}

func (b *SQLBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM lqs_queues ORDER BY name`)
	if err != nil {
		return nil, b.mapErr("list queues", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, b.mapErr("list queues", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, b.mapErr("list queues", err)
	}
	return out, nil
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueNotFound):
		return ErrQueueNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return storageErr(b.dialect.kind+" "+op, err)
	}
}

// SQLStore is one queue of a SQLBackend. Every operation is one
// transaction that first locks the queue row.
type SQLStore struct {
	backend *SQLBackend
	name    string
}

func (s *SQLStore) Send(ctx context.Context, body []byte) (string, error) {
	var id string
	err := s.tx(ctx, true, func(q sqlConn) error {
		n, err := s.nextCounter(ctx, q, "next_message_id")
		if err != nil {
			return err
		}
		var pos int64
		if err := q.QueryRowContext(ctx, s.rebind(`
SELECT COALESCE(MAX(position), 0) + 1 FROM lqs_messages WHERE queue = ?`), s.name).Scan(&pos); err != nil {
			return err
		}
		if body == nil {
			body = []byte{}
		}
		id = strconv.FormatInt(n, 10)
		_, err = q.ExecContext(ctx, s.rebind(`
INSERT INTO lqs_messages (queue, id, position, body)
VALUES (?, ?, ?, ?)`), s.name, id, pos, body)
		return err
	})
	if err != nil {
		return "", s.backend.mapErr("send", err)
	}
	return id, nil
}

func (s *SQLStore) Receive(ctx context.Context) (Message, bool, error) {
	var (
		msg Message
		ok  bool
	)
	err := s.tx(ctx, true, func(q sqlConn) error {
		var (
			id   string
			body []byte
		)
		err := q.QueryRowContext(ctx, s.rebind(`
SELECT id, body FROM lqs_messages
WHERE queue = ? AND receipt_handle IS NULL
ORDER BY position
LIMIT 1`), s.name).Scan(&id, &body)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := s.nextCounter(ctx, q, "next_receipt_handle")
		if err != nil {
			return err
		}
		handle := strconv.FormatInt(n, 10)
		if _, err := q.ExecContext(ctx, s.rebind(`
UPDATE lqs_messages SET receipt_handle = ?, in_flight_since = ?
WHERE queue = ? AND id = ?`), handle, s.backend.opts.nowFn().UnixMilli(), s.name, id); err != nil {
			return err
		}
		msg = Message{ID: id, Body: body, ReceiptHandle: handle}
		ok = true
		return nil
	})
	if err != nil {
		return Message{}, false, s.backend.mapErr("receive", err)
	}
	return msg, ok, nil
}

func (s *SQLStore) Delete(ctx context.Context, receiptHandle string) (bool, error) {
	if receiptHandle == "" {
		return false, nil
	}
	var deleted bool
	err := s.tx(ctx, true, func(q sqlConn) error {
		res, err := q.ExecContext(ctx, s.rebind(`
DELETE FROM lqs_messages WHERE queue = ? AND receipt_handle = ?`), s.name, receiptHandle)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, s.backend.mapErr("delete", err)
	}
	return deleted, nil
}

func (s *SQLStore) Expire(ctx context.Context, receiptHandle string) (bool, error) {
	if receiptHandle == "" {
		return false, nil
	}
	var expired bool
	err := s.tx(ctx, false, func(q sqlConn) error {
		head, err := s.headPosition(ctx, q)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, s.rebind(`
UPDATE lqs_messages SET receipt_handle = NULL, in_flight_since = NULL, position = ?
WHERE queue = ? AND receipt_handle = ?`), head-1, s.name, receiptHandle)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		expired = n > 0
		return err
	})
	if err != nil {
		return false, s.backend.mapErr("expire", err)
	}
	return expired, nil
}

func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) rebind(query string) string {
	return s.backend.dialect.rebind(query)
}

// tx runs fn in a transaction holding the queue row. With sweep set, expired
// in-flight messages are returned to the queue first; they are reported only
// once the transaction committed.
func (s *SQLStore) tx(ctx context.Context, sweep bool, fn func(q sqlConn) error) error {
	var expired int
	err := s.backend.dialect.withTx(ctx, func(q sqlConn) error {
		expired = 0
		var name string
		err := q.QueryRowContext(ctx, s.rebind(`SELECT name FROM lqs_queues WHERE name = ?`)+s.backend.dialect.lockSuffix, s.name).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrQueueNotFound
		}
		if err != nil {
			return err
		}
		if sweep {
			if expired, err = s.sweep(ctx, q); err != nil {
				return err
			}
		}
		return fn(q)
	})
	if err == nil && expired > 0 {
		s.backend.opts.logger.Debug("message_expired",
			slog.String("queue", s.name),
			slog.String("backend", s.backend.dialect.kind),
			slog.Int("count", expired),
		)
		s.backend.opts.expired(s.name, expired)
	}
	return err
}

func (s *SQLStore) nextCounter(ctx context.Context, q sqlConn, column string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`
UPDATE lqs_queues SET %[1]s = %[1]s + 1
WHERE name = ?
RETURNING %[1]s - 1`, column)), s.name).Scan(&n)
	return n, err
}

func (s *SQLStore) headPosition(ctx context.Context, q sqlConn) (int64, error) {
	var pos int64
	err := q.QueryRowContext(ctx, s.rebind(`
SELECT COALESCE(MIN(position), 0) FROM lqs_messages WHERE queue = ?`), s.name).Scan(&pos)
	return pos, err
}

// sweep returns every in-flight message whose visibility timeout elapsed to
// the head of the queue in expiry order, so the most recently received one
// becomes the head. It reports how many messages it moved.
func (s *SQLStore) sweep(ctx context.Context, q sqlConn) (int, error) {
	cutoff := s.backend.opts.nowFn().Add(-s.backend.timeout).UnixMilli()
	rows, err := q.QueryContext(ctx, s.rebind(`
SELECT id FROM lqs_messages
WHERE queue = ? AND receipt_handle IS NOT NULL AND in_flight_since <= ?
ORDER BY in_flight_since, position`), s.name, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	head, err := s.headPosition(ctx, q)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if _, err := q.ExecContext(ctx, s.rebind(`
UPDATE lqs_messages SET receipt_handle = NULL, in_flight_since = NULL, position = ?
WHERE queue = ? AND id = ?`), head-int64(i+1), s.name, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func rebindQuestion(query string) string { return query }

func rebindDollar(query string) string {
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
