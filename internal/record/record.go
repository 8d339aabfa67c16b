// Package record owns the Execution Record and its status state machine.
//
// A record is created PENDING by the submission path and is afterwards
// written only by the worker holding the job lease. Terminal records
// (SUCCESS, FAILURE) reject every mutation.
package record

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrRecordNotFound     = errors.New("record: not found")
	ErrTerminal           = errors.New("record: terminal record is immutable")
	ErrInvalidTransition  = errors.New("record: invalid status transition")
	ErrOutputNotWritable  = errors.New("record: output only grows while running")
	ErrInvalidRecordField = errors.New("record: invalid field")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailure:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the execution state machine.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailure
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailure
	default:
		return false
	}
}

// Record is one persisted execution.
type Record struct {
	ID          string
	CommandName string
	TargetHost  string
	Params      []string
	User        string
	Status      Status
	StartTime   time.Time
	EndTime     *time.Time
	Output      string
	OutputLines int
	ExitCode    *int
	Error       string
	UpdatedAt   time.Time
}

// New returns a PENDING record for one submission.
func New(id, commandName, targetHost string, params []string, user string, now time.Time) (*Record, error) {
	r := &Record{
		ID:          strings.TrimSpace(id),
		CommandName: strings.TrimSpace(commandName),
		TargetHost:  strings.TrimSpace(targetHost),
		Params:      slices.Clone(params),
		User:        strings.TrimSpace(user),
		Status:      StatusPending,
		StartTime:   now,
		UpdatedAt:   now,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecordField)
	case r.CommandName == "":
		return fmt.Errorf("%w: missing command_name", ErrInvalidRecordField)
	case r.TargetHost == "":
		return fmt.Errorf("%w: missing target_host", ErrInvalidRecordField)
	case r.User == "":
		return fmt.Errorf("%w: missing user", ErrInvalidRecordField)
	case !r.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidRecordField, r.Status)
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias store-owned state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Params = slices.Clone(r.Params)
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return &out
}

func (r *Record) transition(to Status, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Start moves PENDING -> RUNNING.
func (r *Record) Start(now time.Time) error {
	return r.transition(StatusRunning, now)
}

// AppendOutput appends one line to accumulated output while RUNNING.
func (r *Record) AppendOutput(line string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if r.Status != StatusRunning {
		return fmt.Errorf("%w: status %s", ErrOutputNotWritable, r.Status)
	}
	r.appendLine(line)
	r.UpdatedAt = now
	return nil
}

// Annotate appends an operator-facing note. Unlike AppendOutput it is
// allowed before the first transition so pre-flight failures can explain
// themselves; it is still rejected on terminal records.
func (r *Record) Annotate(note string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	r.appendLine(note)
	r.UpdatedAt = now
	return nil
}

// appendLine joins on OutputLines rather than on Output so blank lines
// keep their positions.
func (r *Record) appendLine(line string) {
	if r.OutputLines > 0 {
		r.Output += "\n"
	}
	r.Output += line
	r.OutputLines++
}

// Lines returns the accumulated output split back into appended lines.
func (r *Record) Lines() []string {
	if r.OutputLines == 0 {
		return nil
	}
	return strings.Split(r.Output, "\n")
}

// Finish closes a RUNNING record from its exit code: SUCCESS iff exitCode == 0.
func (r *Record) Finish(exitCode int, now time.Time) error {
	to := StatusFailure
	if exitCode == 0 {
		to = StatusSuccess
	}
	if r.Status != StatusRunning {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
		}
		return fmt.Errorf("%w: finish from %s", ErrInvalidTransition, r.Status)
	}
	if err := r.transition(to, now); err != nil {
		return err
	}
	r.setEnd(exitCode, now)
	return nil
}

// Fail moves PENDING or RUNNING to FAILURE with cause attached. A nil
// exitCode keeps any previously known code, falling back to the sentinel.
func (r *Record) Fail(cause error, exitCode *int, now time.Time) error {
	if err := r.transition(StatusFailure, now); err != nil {
		return err
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	code := -1
	if exitCode != nil {
		code = *exitCode
	} else if r.ExitCode != nil {
		code = *r.ExitCode
	}
	r.setEnd(code, now)
	return nil
}

func (r *Record) setEnd(exitCode int, now time.Time) {
	end := now
	code := exitCode
	r.EndTime = &end
	r.ExitCode = &code
	r.UpdatedAt = now
}
