// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/maibot/lib/sqlitepool"
)

func openTestPool(t *testing.T, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		PoolSize:  4,
		OnConnect: onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func pragma(t *testing.T, conn *sqlite.Conn, name string) string {
	t.Helper()
	var value string
	err := sqlitex.ExecuteTransient(conn, "PRAGMA "+name, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return value
}

func TestPragmasApplied(t *testing.T) {
	pool := openTestPool(t, nil)
	err := pool.With(context.Background(), func(conn *sqlite.Conn) error {
		if got := pragma(t, conn, "journal_mode"); got != "wal" {
			t.Errorf("journal_mode = %q, want wal", got)
		}
		if got := pragma(t, conn, "synchronous"); got != "1" {
			t.Errorf("synchronous = %q, want 1 (NORMAL)", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestOnConnectCreatesSchema(t *testing.T) {
	var mu sync.Mutex
	prepared := 0
	pool := openTestPool(t, func(conn *sqlite.Conn) error {
		mu.Lock()
		prepared++
		mu.Unlock()
		return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS numbers (value INTEGER NOT NULL);`, nil)
	})

	ctx := context.Background()
	err := pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `INSERT INTO numbers (value) VALUES (1), (2), (3);`, nil)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var waitGroup sync.WaitGroup
	sums := make(chan int64, 4)
	for range 4 {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			var sum int64
			err := pool.With(ctx, func(conn *sqlite.Conn) error {
				return sqlitex.Execute(conn, "SELECT value FROM numbers", &sqlitex.ExecOptions{
					ResultFunc: func(stmt *sqlite.Stmt) error {
						sum += stmt.ColumnInt64(0)
						return nil
					},
				})
			})
			if err != nil {
				t.Errorf("select: %v", err)
			}
			sums <- sum
		}()
	}
	waitGroup.Wait()
	close(sums)
	for sum := range sums {
		if sum != 6 {
			t.Errorf("sum = %d, want 6", sum)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if prepared == 0 {
		t.Error("OnConnect never ran")
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestTakeHonoursContext(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("Take with a cancelled context succeeded on an exhausted pool")
	}
}
