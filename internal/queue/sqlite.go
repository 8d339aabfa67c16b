package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/hermes/internal/sqlitepool"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	stateReady  = "ready"
	stateLeased = "leased"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	payload     BLOB NOT NULL,
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	lease_until INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_claim ON jobs (state, lease_until, created_at);
`

// SQLiteQueue stores jobs in a jobs table. Claiming a row happens inside an
// IMMEDIATE transaction so two workers never lease the same job.
type SQLiteQueue struct {
	cfg  Config
	pool *sqlitepool.Pool
	now  func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func OpenSQLiteQueue(path string, poolSize int, cfg Config) (*SQLiteQueue, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return &SQLiteQueue{
		cfg:  cfg.withDefaults(),
		pool: pool,
		now:  time.Now,
		done: make(chan struct{}),
	}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if q.isClosed() {
		return "", ErrQueueClosed
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	defer q.pool.Put(conn)

	id := uuid.NewString()
	err = sqlitex.Execute(conn, `INSERT INTO jobs (id, kind, payload, state, created_at)
		VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{id, string(job.Kind), payload, stateReady, q.now().UnixNano()},
	})
	if err != nil {
		return "", fmt.Errorf("queue: insert job: %w", err)
	}
	log.Debug().Str("job_id", id).Str("kind", string(job.Kind)).Msg("job enqueued")
	return id, nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if q.isClosed() {
			return Delivery{}, ErrQueueClosed
		}
		d, ok, err := q.claim(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-q.done:
			timer.Stop()
			return Delivery{}, ErrQueueClosed
		case <-timer.C:
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (d Delivery, ok bool, err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return Delivery{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Delivery{}, false, fmt.Errorf("queue: begin claim: %w", err)
	}
	defer endTransaction(&err)

	now := q.now()
	var payload []byte
	err = sqlitex.Execute(conn, `SELECT id, payload, attempts FROM jobs
		WHERE state = ? OR (state = ? AND lease_until < ?)
		ORDER BY created_at, rowid LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{stateReady, stateLeased, now.UnixNano()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			d.ID = stmt.ColumnText(0)
			payload = make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, payload)
			d.Attempt = stmt.ColumnInt(2) + 1
			return nil
		},
	})
	if err != nil {
		return Delivery{}, false, fmt.Errorf("queue: select job: %w", err)
	}
	if d.ID == "" {
		return Delivery{}, false, nil
	}

	err = sqlitex.Execute(conn, `UPDATE jobs SET state = ?, attempts = ?, lease_until = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{stateLeased, d.Attempt, now.Add(q.cfg.Lease).UnixNano(), d.ID},
		})
	if err != nil {
		return Delivery{}, false, fmt.Errorf("queue: lease job %s: %w", d.ID, err)
	}

	d.Job, err = decodeJob(payload)
	if err != nil {
		return Delivery{}, false, err
	}
	return d, true, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, deliveryID string) error {
	return q.settle(ctx, deliveryID, `DELETE FROM jobs WHERE id = ? AND state = ?`,
		[]any{deliveryID, stateLeased})
}

func (q *SQLiteQueue) Nack(ctx context.Context, deliveryID string) error {
	return q.settle(ctx, deliveryID, `UPDATE jobs SET state = ?, lease_until = 0 WHERE id = ? AND state = ?`,
		[]any{stateReady, deliveryID, stateLeased})
}

func (q *SQLiteQueue) settle(ctx context.Context, deliveryID, query string, args []any) error {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: settle: %w", err)
	}
	defer q.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("queue: settle %s: %w", deliveryID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, deliveryID)
	}
	return nil
}

// Pending reports how many jobs are ready or leased.
func (q *SQLiteQueue) Pending(ctx context.Context) (int, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: pending: %w", err)
	}
	defer q.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, `SELECT count(*) FROM jobs`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("queue: pending: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		err = q.pool.Close()
	})
	return err
}

func (q *SQLiteQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
