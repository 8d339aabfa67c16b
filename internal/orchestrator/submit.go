package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hermes/internal/catalog"
	"github.com/danmuck/hermes/internal/queue"
	"github.com/danmuck/hermes/internal/record"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrInvalidSubmission = errors.New("orchestrator: invalid submission")

// SubmitRequest is one operator request to run a catalog command.
type SubmitRequest struct {
	CommandName string
	TargetHost  string
	Params      []string
	User        string
}

// Submitter is the submission path: it validates a request, creates the
// PENDING record and enqueues the job.
type Submitter struct {
	Store   record.Store
	Queue   queue.Queue
	Catalog *catalog.Catalog
	now     func() time.Time
}

func NewSubmitter(store record.Store, q queue.Queue, cat *catalog.Catalog) *Submitter {
	return &Submitter{Store: store, Queue: q, Catalog: cat, now: time.Now}
}

// Submit returns the new execution id. A nil catalog skips schema checks.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.TargetHost) == "" || strings.TrimSpace(req.User) == "" {
		return "", fmt.Errorf("%w: target host and user are required", ErrInvalidSubmission)
	}
	if s.Catalog != nil {
		if err := s.Catalog.Validate(req.CommandName, req.Params); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	rec, err := record.New(uuid.NewString(), req.CommandName, req.TargetHost, req.Params, req.User, now())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if err := s.Store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("orchestrator: create record: %w", err)
	}

	job := queue.NewExecuteJob(queue.ExecuteCommand{
		ExecutionID: rec.ID,
		CommandName: rec.CommandName,
		TargetHost:  rec.TargetHost,
		Params:      rec.Params,
		User:        rec.User,
	})
	if _, err := s.Queue.Enqueue(ctx, job); err != nil {
		// Nothing will ever pick this record up; close it now.
		if failErr := rec.Fail(fmt.Errorf("enqueue failed: %w", err), nil, now()); failErr == nil {
			if updErr := s.Store.Update(context.WithoutCancel(ctx), rec); updErr != nil {
				log.Error().Err(updErr).Str("execution_id", rec.ID).Msg("could not fail unqueued record")
			}
		}
		return "", fmt.Errorf("orchestrator: enqueue: %w", err)
	}

	log.Info().
		Str("execution_id", rec.ID).
		Str("command", rec.CommandName).
		Str("target", rec.TargetHost).
		Str("user", rec.User).
		Strs("params", s.Catalog.Redact(rec.CommandName, rec.Params)).
		Msg("execution submitted")
	return rec.ID, nil
}
