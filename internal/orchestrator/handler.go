package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/hermes/internal/bus"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/danmuck/hermes/internal/protocol/stream"
	"github.com/danmuck/hermes/internal/queue"
	"github.com/danmuck/hermes/internal/record"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	errInterrupted = errors.New("orchestrator: interrupted: a previous attempt stopped while running; not re-run")

	// ErrCommandTimeout marks executions the agent killed on its own deadline.
	ErrCommandTimeout = errors.New("orchestrator: command timed out on the agent")
)

// Handler executes queue jobs against records, a dispatcher and a publisher.
type Handler struct {
	store      record.Store
	dispatcher Dispatcher
	publisher  bus.Publisher
	cfg        Config
	now        func() time.Time
}

// NewHandler builds a job handler. publisher may be nil when no live
// viewers are wired; output is still persisted.
func NewHandler(store record.Store, dispatcher Dispatcher, publisher bus.Publisher, cfg Config) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

var _ queue.Handler = (*Handler)(nil)

// HandleExecute drives one execution to a terminal status. It returns nil
// whenever the job may be acknowledged; a returned error asks for
// redelivery and is only used when the record could not be read or the
// terminal state could not be stored.
func (h *Handler) HandleExecute(ctx context.Context, d queue.Delivery, cmd queue.ExecuteCommand) (err error) {
	logger := log.With().
		Str("execution_id", cmd.ExecutionID).
		Str("delivery_id", d.ID).
		Int("attempt", d.Attempt).
		Logger()

	var run *execution
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error().Interface("panic", r).Msg("execution handler panicked")
		cause := fmt.Errorf("orchestrator: internal error: %v", r)
		if run == nil {
			// Nothing was dispatched yet; the record is untouched.
			err = cause
			return
		}
		err = run.fail(context.WithoutCancel(ctx), cause)
	}()

	rec, err := h.store.Get(ctx, cmd.ExecutionID)
	if errors.Is(err, record.ErrRecordNotFound) {
		logger.Warn().Msg("execution record not found; acknowledging job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: load record: %w", err)
	}
	if rec.Status.Terminal() {
		logger.Info().Str("status", string(rec.Status)).Msg("execution already finished; skipping redelivery")
		return nil
	}

	run = &execution{h: h, rec: rec, logger: logger}

	if rec.Status == record.StatusRunning {
		// A previous attempt died after dispatch; the command may have run.
		return run.fail(ctx, errInterrupted)
	}
	return run.execute(ctx)
}

// execution is the state of one job attempt.
type execution struct {
	h      *Handler
	rec    *record.Record
	logger zerolog.Logger

	dropped    int
	pending    int
	lastFlush  time.Time
	markerCode int
	markerSeen bool
	timedOut   bool
	annotated  bool
	finished   bool
}

func (e *execution) execute(parent context.Context) error {
	h := e.h
	ctx, cancel := context.WithTimeout(parent, h.cfg.RequestTimeout)
	defer cancel()
	persistCtx := context.WithoutCancel(parent)

	fs, err := h.dispatcher.Dispatch(ctx, DispatchRequest{
		ExecutionID: e.rec.ID,
		CommandName: e.rec.CommandName,
		TargetHost:  e.rec.TargetHost,
		Params:      e.rec.Params,
	})
	if err != nil {
		return e.fail(persistCtx, timeoutCause(ctx, err))
	}
	defer fs.Close()

	if err := e.rec.Start(h.now()); err != nil {
		return e.fail(persistCtx, err)
	}
	if err := h.store.Update(persistCtx, e.rec); err != nil {
		// The script is already running; close the record instead of
		// leaving it PENDING for a redelivery to dispatch again.
		return e.fail(persistCtx, fmt.Errorf("orchestrator: persist running: %w", err))
	}
	e.lastFlush = h.now()
	e.publish(bus.EventExecutionUpdate, bus.UpdatePayload{ExecutionID: e.rec.ID, Status: string(e.rec.Status)})
	e.logger.Info().Str("command", e.rec.CommandName).Str("target", e.rec.TargetHost).Msg("execution running")

	if err := e.relay(persistCtx, fs); err != nil {
		return e.fail(persistCtx, timeoutCause(ctx, err))
	}
	if e.timedOut {
		return e.fail(persistCtx, ErrCommandTimeout)
	}
	return e.finish(persistCtx, e.exitCode(fs))
}

// relay appends and republishes every non-heartbeat frame in order.
func (e *execution) relay(ctx context.Context, fs FrameStream) error {
	for {
		f, err := fs.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case f.IsHeartbeat():
		case f.IsExit():
			if e.markerSeen {
				e.logger.Warn().Int("exit_code", f.ExitCode).Msg("ignoring duplicate exit marker")
				continue
			}
			e.markerCode, e.markerSeen = f.ExitCode, true
			e.timedOut = f.TimedOut()
		case f.Persisted():
			if err := e.rec.AppendOutput(f.Text, e.h.now()); err != nil {
				return err
			}
			e.pending++
			e.publish(bus.EventExecutionOutput, bus.OutputPayload{
				ExecutionID: e.rec.ID,
				Channel:     string(f.Channel),
				OutputLine:  f.Text,
				Seq:         e.rec.OutputLines - 1,
			})
		}
		if err := e.maybeFlush(ctx); err != nil {
			return err
		}
	}
}

func (e *execution) maybeFlush(ctx context.Context) error {
	if e.pending == 0 {
		return nil
	}
	if e.pending < e.h.cfg.FlushLines && e.h.now().Sub(e.lastFlush) < e.h.cfg.FlushInterval {
		return nil
	}
	if err := e.h.store.Update(ctx, e.rec); err != nil {
		return fmt.Errorf("orchestrator: persist output: %w", err)
	}
	e.pending = 0
	e.lastFlush = e.h.now()
	return nil
}

// exitCode prefers the structured trailer, then the exit marker, then a
// scan of the accumulated output.
func (e *execution) exitCode(fs FrameStream) int {
	if code, ok := fs.ExitCode(); ok {
		return code
	}
	if e.markerSeen {
		return e.markerCode
	}
	code, ok := stream.ScanExitCode(e.rec.Output)
	if !ok {
		e.logger.Warn().Msg("no structured exit code; reporting failure")
	} else {
		e.logger.Warn().Int("exit_code", code).Msg("exit code recovered from output text")
	}
	return code
}

func (e *execution) finish(ctx context.Context, code int) error {
	now := e.h.now()
	e.annotateDegraded(now)
	if err := e.rec.Finish(code, now); err != nil {
		return e.fail(ctx, err)
	}
	if err := e.persistTerminal(ctx); err != nil {
		return err
	}
	e.logger.Info().Str("status", string(e.rec.Status)).Int("exit_code", code).Msg("execution finished")
	e.complete(bus.EventExecutionComplete, bus.CompletePayload{
		ExecutionID: e.rec.ID,
		Status:      string(e.rec.Status),
		ExitCode:    code,
	})
	return nil
}

// fail moves the record to FAILURE with cause attached. It is a no-op on
// records that already reached a terminal status.
func (e *execution) fail(ctx context.Context, cause error) error {
	if e.finished || e.rec.Status.Terminal() {
		return nil
	}
	now := e.h.now()
	e.annotateDegraded(now)
	var code *int
	if e.markerSeen {
		code = &e.markerCode
	}
	if err := e.rec.Fail(cause, code, now); err != nil {
		return fmt.Errorf("orchestrator: fail record: %w", err)
	}
	if err := e.persistTerminal(ctx); err != nil {
		return err
	}
	e.logger.Warn().Err(cause).Msg("execution failed")
	e.complete(bus.EventExecutionError, bus.ErrorPayload{ExecutionID: e.rec.ID, Error: cause.Error()})
	return nil
}

// annotateDegraded records how many live frames never reached the room,
// counting both rejected publishes and those the publisher lost later.
func (e *execution) annotateDegraded(now time.Time) {
	if e.annotated {
		return
	}
	e.annotated = true
	lost := e.dropped
	if r, ok := e.h.publisher.(bus.DeliveryReporter); ok {
		lost += r.TakeUndelivered(bus.RoomName(e.rec.ID))
	}
	if lost == 0 {
		return
	}
	note := fmt.Sprintf("[hermes] live delivery degraded: %d frame(s) not broadcast", lost)
	if err := e.rec.Annotate(note, now); err != nil {
		e.logger.Warn().Err(err).Msg("could not annotate degraded delivery")
	}
}

// persistTerminal stores the terminal record, retrying briefly so a
// transient store error does not leave the record RUNNING.
func (e *execution) persistTerminal(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = e.h.store.Update(ctx, e.rec); err == nil || errors.Is(err, record.ErrTerminal) {
			e.finished = true
			observability.RecordWorkerJob(string(e.rec.Status))
			return nil
		}
		e.logger.Warn().Err(err).Int("attempt", attempt).Msg("persist terminal record failed")
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("orchestrator: persist terminal record: %w", err)
}

func (e *execution) publish(event string, payload any) {
	if e.h.publisher == nil {
		return
	}
	if err := e.h.publisher.Publish(bus.RoomName(e.rec.ID), event, payload); err != nil {
		if e.dropped == 0 {
			e.logger.Warn().Err(err).Str("event", event).Msg("live delivery degraded")
		}
		e.dropped++
	}
}

func (e *execution) complete(event string, payload any) {
	if e.h.publisher == nil {
		return
	}
	if err := e.h.publisher.Publish(bus.RoomName(e.rec.ID), event, payload); err != nil {
		e.logger.Warn().Err(err).Str("event", event).Msg("completion event not broadcast")
	}
}

// timeoutCause marks errors caused by the job deadline as transport errors.
func timeoutCause(ctx context.Context, err error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrTransport) {
		return fmt.Errorf("%w (request timed out)", err)
	}
	return fmt.Errorf("%w: request timed out: %v", ErrTransport, err)
}
