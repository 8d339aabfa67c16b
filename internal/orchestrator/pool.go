package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/hermes/internal/observability"
	"github.com/danmuck/hermes/internal/queue"
	"github.com/rs/zerolog/log"
)

// depthReporter is implemented by queues that can count outstanding jobs.
type depthReporter interface {
	Pending(ctx context.Context) (int, error)
}

// Pool runs Concurrency worker slots over one queue. Each slot holds at
// most one delivery and acknowledges it only after the handler returns.
type Pool struct {
	q       queue.Queue
	handler queue.Handler
	cfg     Config
}

func NewPool(q queue.Queue, handler queue.Handler, cfg Config) *Pool {
	return &Pool{q: q, handler: handler, cfg: cfg.withDefaults()}
}

// Run blocks until ctx is done or the queue closes. In-flight jobs are
// allowed to finish; their contexts are detached from ctx.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Int("concurrency", p.cfg.Concurrency).Msg("worker pool started")
	p.reportDepth(ctx)
	var wg sync.WaitGroup
	for slot := 1; slot <= p.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(slot)
	}
	wg.Wait()
	log.Info().Msg("worker pool stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	logger := log.With().Int("slot", slot).Logger()
	for {
		d, err := p.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			logger.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.DequeueBackoff):
			}
			continue
		}
		p.process(context.WithoutCancel(ctx), d)
		p.reportDepth(ctx)
	}
}

// reportDepth publishes the queue depth gauge when the queue can count.
func (p *Pool) reportDepth(ctx context.Context) {
	dr, ok := p.q.(depthReporter)
	if !ok {
		return
	}
	n, err := dr.Pending(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("queue depth unavailable")
		return
	}
	observability.SetWorkerQueueDepth(n)
}

var errHandlerPanic = errors.New("orchestrator: job handler panicked")

// process runs one delivery and settles it. A handler error or panic nacks
// for redelivery; a job that keeps panicking is dropped after
// PanicAttempts deliveries.
func (p *Pool) process(ctx context.Context, d queue.Delivery) {
	logger := log.With().Str("delivery_id", d.ID).Int("attempt", d.Attempt).Logger()
	err := p.dispatch(ctx, d)
	if errors.Is(err, errHandlerPanic) && d.Attempt >= p.cfg.PanicAttempts {
		logger.Error().Err(err).Msg("dropping job after repeated panics")
		if ackErr := p.q.Ack(ctx, d.ID); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}
		return
	}
	if err != nil && !errors.Is(err, queue.ErrUnknownKind) && !errors.Is(err, queue.ErrInvalidJob) {
		logger.Warn().Err(err).Msg("job failed; returning to queue")
		if nackErr := p.q.Nack(ctx, d.ID); nackErr != nil {
			logger.Error().Err(nackErr).Msg("nack failed")
		}
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("dropping undeliverable job")
	}
	if ackErr := p.q.Ack(ctx, d.ID); ackErr != nil {
		logger.Error().Err(ackErr).Msg("ack failed")
	}
}

func (p *Pool) dispatch(ctx context.Context, d queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("delivery_id", d.ID).Msg("job handler panicked")
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	if err := queue.Dispatch(ctx, p.handler, d); err != nil {
		return fmt.Errorf("orchestrator: job %s: %w", d.ID, err)
	}
	return nil
}
