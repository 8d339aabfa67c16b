package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danmuck/hermes/internal/testutil/testlog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenAppliesPragmasAndOnConnect(t *testing.T) {
	testlog.Start(t)
	called := 0
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "t.db"),
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			called++
			return sqlitex.ExecuteTransient(conn, "CREATE TABLE IF NOT EXISTS t (v INTEGER)", nil)
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	defer pool.Put(conn)

	var mode string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode=%q want wal", mode)
	}
	if called != 1 {
		t.Fatalf("OnConnect called %d times", called)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	testlog.Start(t)
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
