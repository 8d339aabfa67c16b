// Package queue is the durable at-least-once job queue between the
// submission path and the worker pool.
//
// A dequeued job is leased to one consumer. It leaves the queue only when
// that consumer acknowledges it; a nack or an expired lease makes it
// deliverable again, so handlers must tolerate redelivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrQueueClosed     = errors.New("queue: closed")
	ErrUnknownDelivery = errors.New("queue: unknown delivery")
	ErrUnknownKind     = errors.New("queue: unknown job kind")
	ErrInvalidJob      = errors.New("queue: invalid job")
)

type Kind string

const (
	KindExecute Kind = "execute"
)

// ExecuteCommand asks a worker to run one catalog command on a target host
// on behalf of an existing execution record.
type ExecuteCommand struct {
	ExecutionID string   `cbor:"execution_id"`
	CommandName string   `cbor:"command_name"`
	TargetHost  string   `cbor:"target_host"`
	Params      []string `cbor:"params"`
	User        string   `cbor:"user"`
}

// Job is a tagged union; exactly the field matching Kind is set.
type Job struct {
	Kind    Kind            `cbor:"kind"`
	Execute *ExecuteCommand `cbor:"execute,omitempty"`
}

func NewExecuteJob(cmd ExecuteCommand) Job {
	return Job{Kind: KindExecute, Execute: &cmd}
}

func (j Job) Validate() error {
	switch j.Kind {
	case KindExecute:
		if j.Execute == nil {
			return fmt.Errorf("%w: execute payload missing", ErrInvalidJob)
		}
		if strings.TrimSpace(j.Execute.ExecutionID) == "" {
			return fmt.Errorf("%w: missing execution_id", ErrInvalidJob)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
}

// Delivery is one leased copy of a job. Attempt starts at 1.
type Delivery struct {
	ID      string
	Job     Job
	Attempt int
}

// Handler has one method per job kind.
type Handler interface {
	HandleExecute(ctx context.Context, d Delivery, cmd ExecuteCommand) error
}

// Dispatch routes d to the Handler method for its kind.
func Dispatch(ctx context.Context, h Handler, d Delivery) error {
	if err := d.Job.Validate(); err != nil {
		return err
	}
	switch d.Job.Kind {
	case KindExecute:
		return h.HandleExecute(ctx, d, *d.Job.Execute)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, d.Job.Kind)
	}
}

// Queue is the broker boundary. Dequeue blocks until a job is ready, ctx
// is done, or the queue is closed.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, deliveryID string) error
	Nack(ctx context.Context, deliveryID string) error
	Close() error
}

// Config tunes lease and polling behavior shared by the implementations.
type Config struct {
	// Lease is how long a delivery stays invisible before it is redelivered.
	// It must exceed the worker's end-to-end request timeout.
	Lease        time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lease:        30 * time.Minute,
		PollInterval: 250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}
