// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/maibot/capability"
	"github.com/bureau-foundation/maibot/dispatch"
	"github.com/bureau-foundation/maibot/lib/clock"
	"github.com/bureau-foundation/maibot/lib/sqlitepool"
)

// SchemaVersion is the layout of the SQLite database this build
// reads and writes.
const SchemaVersion = 1

// ErrSchemaVersion is returned when a database was written by a build
// with a different schema.
var ErrSchemaVersion = errors.New("store: unsupported schema version")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
	identity TEXT NOT NULL,
	category TEXT NOT NULL,
	PRIMARY KEY (identity, category)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS delivery_failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	identity    TEXT NOT NULL,
	category    TEXT NOT NULL,
	origin      TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	event_time  INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);
`

// SQLite stores subscriptions and failures in a single database file.
// Times are stored as Unix milliseconds.
type SQLite struct {
	pool      *sqlitepool.Pool
	clock     clock.Clock
	logger    *slog.Logger
	retention int
}

// OpenSQLite opens or creates the database at config.Path and checks
// its schema version.
func OpenSQLite(ctx context.Context, config Config) (*SQLite, error) {
	config.applyDefaults()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   config.Path,
		Logger: config.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	s := &SQLite{pool: pool, clock: config.Clock, logger: config.Logger, retention: config.FailureRetention}
	if err := s.checkVersion(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) checkVersion(ctx context.Context) error {
	return s.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, ?)",
			&sqlitex.ExecOptions{Args: []any{SchemaVersion}})
		if err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		found := -1
		err = sqlitex.Execute(conn, "SELECT version FROM schema_version WHERE id = 1", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = stmt.ColumnInt(0)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		if found != SchemaVersion {
			return fmt.Errorf("%w: %s has version %d, this build uses %d", ErrSchemaVersion, s.pool.Path(), found, SchemaVersion)
		}
		return nil
	})
}

func (s *SQLite) LoadSubscriptions(ctx context.Context) ([]dispatch.Subscription, error) {
	names := make(map[dispatch.PluginIdentity][]string)
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT identity, category FROM subscriptions", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				identity := dispatch.PluginIdentity(stmt.ColumnText(0))
				names[identity] = append(names[identity], stmt.ColumnText(1))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}
	return collect(names, s.logger), nil
}

func (s *SQLite) PersistSubscriptionChange(ctx context.Context, identity dispatch.PluginIdentity, category capability.Category, op dispatch.SubscriptionOp) error {
	if err := checkOp(op); err != nil {
		return err
	}
	query := "INSERT OR IGNORE INTO subscriptions (identity, category) VALUES (?, ?)"
	if op == dispatch.SubscriptionRemoved {
		query = "DELETE FROM subscriptions WHERE identity = ? AND category = ?"
	}
	return s.pool.With(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{string(identity), category.String()},
		}); err != nil {
			return fmt.Errorf("persisting %s of %s for %s: %w", op, category, identity, err)
		}
		return nil
	})
}

func (s *SQLite) RecordDeliveryFailure(ctx context.Context, event dispatch.Event, identity dispatch.PluginIdentity) (err error) {
	failure := failureFor(event, identity, s.clock.Now())
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn, `INSERT INTO delivery_failures
		(identity, category, origin, sequence, event_time, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(failure.Identity),
			failure.Category,
			failure.Origin,
			int64(failure.Sequence),
			failure.EventTime.UnixMilli(),
			failure.RecordedAt.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("recording delivery failure: %w", err)
	}
	err = sqlitex.Execute(conn,
		"DELETE FROM delivery_failures WHERE id <= (SELECT max(id) FROM delivery_failures) - ?",
		&sqlitex.ExecOptions{Args: []any{s.retention}})
	if err != nil {
		return fmt.Errorf("trimming delivery failures: %w", err)
	}
	return nil
}

func (s *SQLite) DeliveryFailures(ctx context.Context, limit int) ([]DeliveryFailure, error) {
	if limit <= 0 {
		limit = s.retention
	}
	var failures []DeliveryFailure
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT identity, category, origin, sequence, event_time, recorded_at
			FROM delivery_failures ORDER BY id DESC LIMIT ?`, &sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				failures = append(failures, DeliveryFailure{
					Identity:   dispatch.PluginIdentity(stmt.ColumnText(0)),
					Category:   stmt.ColumnText(1),
					Origin:     stmt.ColumnText(2),
					Sequence:   uint64(stmt.ColumnInt64(3)),
					EventTime:  time.UnixMilli(stmt.ColumnInt64(4)).UTC(),
					RecordedAt: time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading delivery failures: %w", err)
	}
	return failures, nil
}

func (s *SQLite) Close() error { return s.pool.Close() }
