package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/danmuck/hermes/internal/catalog"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	modeBuffered = "buffered"
	modeStream   = "stream"

	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeTimeout  = "timeout"
	outcomeCanceled = "canceled"
	outcomeError    = "error"
)

// Request names one script and its positional parameters.
type Request struct {
	CommandName string   `json:"command_name"`
	Params      []string `json:"params"`
	Stream      bool     `json:"stream_output"`
}

// Result is the buffered outcome of one script run.
type Result struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Executor runs scripts from one directory. Each call owns its process.
type Executor struct {
	cfg     Config
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewExecutor builds an executor. cat may be nil; when set, it supplies
// per-command timeouts and which params are safe to log.
func NewExecutor(cfg Config, cat *catalog.Catalog) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{cfg: cfg, catalog: cat, now: time.Now}, nil
}

// Resolve returns the absolute script path for name, or ErrPathTraversal /
// ErrNotFound. Nothing is spawned.
func (e *Executor) Resolve(name string) (string, error) {
	return resolveScript(e.cfg.ScriptDir, name)
}

// Scripts lists the runnable files in the script directory.
func (e *Executor) Scripts() ([]string, error) {
	return listScripts(e.cfg.ScriptDir)
}

// Execute runs the script to completion and returns its captured output.
// A non-zero exit is a result, not an error. On timeout the partial output
// is returned with exit code -1 and ErrTimeout.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	res := Result{Command: req.CommandName, ExitCode: -1}
	path, err := e.Resolve(req.CommandName)
	if err != nil {
		return res, err
	}

	timeout := e.catalog.Timeout(req.CommandName, e.cfg.BufferedTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	cmd := command(runCtx, path, req.Params, e.cfg.WaitDelay)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCodeOf(runErr)

	outcome, err := e.classify(ctx, runCtx, runErr, timeout)
	if outcome == outcomeTimeout || outcome == outcomeCanceled {
		res.ExitCode = -1
	}
	e.audit(modeBuffered, req, res.ExitCode, outcome, e.now().Sub(start), err)
	return res, err
}

// classify turns the run error into an audit outcome and the error the
// caller sees. Exit codes never become errors.
func (e *Executor) classify(parent, runCtx context.Context, runErr error, timeout time.Duration) (string, error) {
	switch {
	case parent.Err() != nil:
		return outcomeCanceled, parent.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return outcomeTimeout, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case runErr == nil:
		return outcomeSuccess, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return outcomeFailure, nil
	}
	return outcomeError, fmt.Errorf("agent: run script: %w", runErr)
}

func (e *Executor) audit(mode string, req Request, exitCode int, outcome string, elapsed time.Duration, err error) {
	observability.RecordAgentExecution(mode, outcome, elapsed)
	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Str("mode", mode).
		Str("command", req.CommandName).
		Int("param_count", len(req.Params)).
		Strs("params", e.catalog.Redact(req.CommandName, req.Params)).
		Int("exit_code", exitCode).
		Str("outcome", outcome).
		Dur("duration", elapsed).
		Msg("command executed")
}
