package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/hermes/internal/sqlitepool"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS command_executions (
	id           TEXT PRIMARY KEY,
	command_name TEXT NOT NULL,
	target_host  TEXT NOT NULL,
	params       TEXT NOT NULL,
	user         TEXT NOT NULL,
	status       TEXT NOT NULL,
	start_time   INTEGER NOT NULL,
	end_time     INTEGER,
	output       TEXT NOT NULL DEFAULT '',
	output_lines INTEGER NOT NULL DEFAULT 0,
	exit_code    INTEGER,
	error        TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS command_executions_start ON command_executions (start_time DESC);
`

const selectColumns = `id, command_name, target_host, params, user, status,
	start_time, end_time, output, exit_code, error, updated_at, output_lines`

// SQLiteStore persists records in a command_executions table.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteStore opens (and migrates) the record database at path.
func OpenSQLiteStore(path string, poolSize int) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("record store: encode params: %w", err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("record store: create: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO command_executions (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			r.ID, r.CommandName, r.TargetHost, string(params), r.User, string(r.Status),
			r.StartTime.UnixNano(), nullableTime(r.EndTime), r.Output, nullableInt(r.ExitCode),
			r.Error, r.UpdatedAt.UnixNano(), r.OutputLines,
		},
	})
	if err != nil {
		return fmt.Errorf("record store: insert %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("record store: get: %w", err)
	}
	defer s.pool.Put(conn)
	return getRecord(conn, id)
}

// Update rewrites every mutable column under an IMMEDIATE transaction so
// the terminal and transition guards see the committed row.
func (s *SQLiteStore) Update(ctx context.Context, r *Record) (err error) {
	if err := r.Validate(); err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("record store: update: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("record store: begin: %w", err)
	}
	defer endTransaction(&err)

	prev, err := getRecord(conn, r.ID)
	if err != nil {
		return err
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, prev.Status)
	}
	if prev.Status != r.Status && !CanTransition(prev.Status, r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, r.Status)
	}

	err = sqlitex.Execute(conn, `UPDATE command_executions
		SET status = ?, end_time = ?, output = ?, output_lines = ?, exit_code = ?, error = ?, updated_at = ?
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			string(r.Status), nullableTime(r.EndTime), r.Output, r.OutputLines, nullableInt(r.ExitCode),
			r.Error, r.UpdatedAt.UnixNano(), r.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("record store: update %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("record store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var out []*Record
	err = sqlitex.Execute(conn, `SELECT `+selectColumns+` FROM command_executions
		ORDER BY start_time DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record store: list: %w", err)
	}
	return out, nil
}

func getRecord(conn *sqlite.Conn, id string) (*Record, error) {
	var found *Record
	err := sqlitex.Execute(conn, `SELECT `+selectColumns+` FROM command_executions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				found = r
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("record store: get %s: %w", id, err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return found, nil
}

func scanRecord(stmt *sqlite.Stmt) (*Record, error) {
	r := &Record{
		ID:          stmt.ColumnText(0),
		CommandName: stmt.ColumnText(1),
		TargetHost:  stmt.ColumnText(2),
		User:        stmt.ColumnText(4),
		Status:      Status(stmt.ColumnText(5)),
		StartTime:   time.Unix(0, stmt.ColumnInt64(6)),
		Output:      stmt.ColumnText(8),
		OutputLines: stmt.ColumnInt(12),
		Error:       stmt.ColumnText(10),
		UpdatedAt:   time.Unix(0, stmt.ColumnInt64(11)),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &r.Params); err != nil {
		return nil, fmt.Errorf("record store: decode params for %s: %w", r.ID, err)
	}
	if !stmt.ColumnIsNull(7) {
		end := time.Unix(0, stmt.ColumnInt64(7))
		r.EndTime = &end
	}
	if !stmt.ColumnIsNull(9) {
		code := stmt.ColumnInt(9)
		r.ExitCode = &code
	}
	return r, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
