package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hermes/internal/testutil/testlog"
)

func queuesUnderTest(t *testing.T, cfg Config) map[string]Queue {
	t.Helper()
	sq, err := OpenSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), 2, cfg)
	if err != nil {
		t.Fatalf("open sqlite queue: %v", err)
	}
	mq := NewMemoryQueue(cfg)
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mq.Close()
	})
	return map[string]Queue{"memory": mq, "sqlite": sq}
}

func sampleJob(id string) Job {
	return NewExecuteJob(ExecuteCommand{
		ExecutionID: id,
		CommandName: "deploy.sh",
		TargetHost:  "h1",
		Params:      []string{"v2"},
		User:        "alice",
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	testlog.Start(t)
	for name, q := range queuesUnderTest(t, Config{PollInterval: 10 * time.Millisecond}) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := q.Enqueue(ctx, sampleJob("e1")); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			d, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue: %v", err)
			}
			if d.Attempt != 1 || d.Job.Kind != KindExecute || d.Job.Execute.ExecutionID != "e1" {
				t.Fatalf("unexpected delivery %+v", d)
			}
			if got := d.Job.Execute.Params; len(got) != 1 || got[0] != "v2" {
				t.Fatalf("params lost in transit: %v", got)
			}
			if err := q.Ack(ctx, d.ID); err != nil {
				t.Fatalf("ack: %v", err)
			}
			if err := q.Ack(ctx, d.ID); !errors.Is(err, ErrUnknownDelivery) {
				t.Fatalf("double ack should fail, got %v", err)
			}

			short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancelShort()
			if _, err := q.Dequeue(short); !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected empty queue to block until deadline, got %v", err)
			}
		})
	}
}

func TestNackRedelivers(t *testing.T) {
	testlog.Start(t)
	for name, q := range queuesUnderTest(t, Config{PollInterval: 10 * time.Millisecond}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := q.Enqueue(ctx, sampleJob("e2")); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			first, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue: %v", err)
			}
			if err := q.Nack(ctx, first.ID); err != nil {
				t.Fatalf("nack: %v", err)
			}
			second, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("redeliver: %v", err)
			}
			if second.ID != first.ID || second.Attempt != 2 {
				t.Fatalf("expected redelivery of %s attempt 2, got %+v", first.ID, second)
			}
		})
	}
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Lease: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	for name, q := range queuesUnderTest(t, cfg) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := q.Enqueue(ctx, sampleJob("e3")); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			first, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue: %v", err)
			}
			// Never acked: simulates a worker crash before acknowledgement.
			second, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("redeliver: %v", err)
			}
			if second.Job.Execute.ExecutionID != "e3" || second.Attempt != 2 {
				t.Fatalf("unexpected redelivery %+v (first %+v)", second, first)
			}
		})
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	testlog.Start(t)
	q := NewMemoryQueue(Config{PollInterval: time.Second})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected closed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not unblock")
	}
	if _, err := q.Enqueue(context.Background(), sampleJob("late")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after close: %v", err)
	}
}

type recordingHandler struct {
	got []ExecuteCommand
}

func (h *recordingHandler) HandleExecute(_ context.Context, _ Delivery, cmd ExecuteCommand) error {
	h.got = append(h.got, cmd)
	return nil
}

func TestDispatchRoutesByKind(t *testing.T) {
	testlog.Start(t)
	h := &recordingHandler{}
	if err := Dispatch(context.Background(), h, Delivery{ID: "d", Job: sampleJob("e4")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(h.got) != 1 || h.got[0].ExecutionID != "e4" {
		t.Fatalf("handler not invoked: %+v", h.got)
	}
	err := Dispatch(context.Background(), h, Delivery{ID: "d", Job: Job{Kind: "reboot"}})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
	err = Dispatch(context.Background(), h, Delivery{ID: "d", Job: Job{Kind: KindExecute}})
	if !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected invalid job, got %v", err)
	}
}

func TestCodecIgnoresUnknownFields(t *testing.T) {
	testlog.Start(t)
	raw, err := encMode.Marshal(map[string]any{
		"kind":    "execute",
		"execute": map[string]any{"execution_id": "e5", "priority": 3},
		"extra":   true,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Kind != KindExecute || job.Execute == nil || job.Execute.ExecutionID != "e5" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestPendingCountsReadyAndLeased(t *testing.T) {
	testlog.Start(t)
	for name, q := range queuesUnderTest(t, Config{PollInterval: 10 * time.Millisecond}) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			counter, ok := q.(interface {
				Pending(context.Context) (int, error)
			})
			if !ok {
				t.Fatalf("%s queue cannot report depth", name)
			}
			for _, id := range []string{"p1", "p2"} {
				if _, err := q.Enqueue(ctx, sampleJob(id)); err != nil {
					t.Fatalf("enqueue %s: %v", id, err)
				}
			}
			d, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue: %v", err)
			}
			if n, err := counter.Pending(ctx); err != nil || n != 2 {
				t.Fatalf("pending with one leased: n=%d err=%v", n, err)
			}
			if err := q.Ack(ctx, d.ID); err != nil {
				t.Fatalf("ack: %v", err)
			}
			if n, err := counter.Pending(ctx); err != nil || n != 1 {
				t.Fatalf("pending after ack: n=%d err=%v", n, err)
			}
		})
	}
}
