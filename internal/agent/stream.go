package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hermes/internal/protocol/stream"
)

// EmitFunc receives frames in the order they were read. A returned error
// stops the script.
type EmitFunc func(stream.Frame) error

// Stream runs the script and emits stdout/stderr lines as they are read.
// A heartbeat frame is emitted whenever the script has been silent for the
// heartbeat interval, and exactly one exit frame closes every stream that
// got past resolution. Resolution errors return before anything is emitted.
func (e *Executor) Stream(ctx context.Context, req Request, emit EmitFunc) (int, error) {
	path, err := e.Resolve(req.CommandName)
	if err != nil {
		return stream.SentinelExitCode, err
	}

	timeout := e.catalog.Timeout(req.CommandName, e.cfg.StreamTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	s := &streamRun{emit: emit, now: e.now, stop: cancel}
	cmd := command(runCtx, path, req.Params, e.cfg.WaitDelay)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.abort(req, e, start, fmt.Errorf("agent: stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.abort(req, e, start, fmt.Errorf("agent: stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		s.send(stream.Frame{Channel: stream.ChannelInfo, Text: "failed to start: " + err.Error()})
		code := exitCodeOf(err)
		s.send(stream.Frame{Channel: stream.ChannelExit, ExitCode: code})
		err = fmt.Errorf("agent: start script: %w", err)
		e.audit(modeStream, req, code, outcomeError, e.now().Sub(start), err)
		return code, err
	}

	frames := make(chan stream.Frame, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(stdout, stream.ChannelStdout, frames, &readers, e.now)
	go readLines(stderr, stream.ChannelStderr, frames, &readers, e.now)
	go func() {
		readers.Wait()
		close(frames)
	}()

	heartbeat := time.NewTimer(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for open := true; open; {
		select {
		case f, ok := <-frames:
			if !ok {
				open = false
				continue
			}
			s.send(f)
			resetTimer(heartbeat, e.cfg.HeartbeatInterval)
		case <-heartbeat.C:
			s.send(stream.Frame{Channel: stream.ChannelHeartbeat})
			heartbeat.Reset(e.cfg.HeartbeatInterval)
		}
	}

	waitErr := cmd.Wait()
	code := exitCodeOf(waitErr)
	outcome, err := e.classify(ctx, runCtx, waitErr, timeout)
	reason := ""
	switch outcome {
	case outcomeTimeout:
		code = stream.SentinelExitCode
		reason = stream.ReasonTimeout
		s.send(stream.Frame{Channel: stream.ChannelInfo, Text: fmt.Sprintf("command timed out after %s", timeout)})
	case outcomeCanceled:
		code = stream.SentinelExitCode
	}
	if s.err != nil && err == nil {
		// The consumer went away and the script was stopped on its behalf.
		code = stream.SentinelExitCode
		outcome = outcomeCanceled
		err = s.err
	}
	s.send(stream.Frame{Channel: stream.ChannelExit, ExitCode: code, Reason: reason})
	e.audit(modeStream, req, code, outcome, e.now().Sub(start), err)
	return code, err
}

// streamRun serializes frames to one consumer and remembers the first
// consumer error.
type streamRun struct {
	emit EmitFunc
	now  func() time.Time
	stop context.CancelFunc
	err  error
}

func (s *streamRun) send(f stream.Frame) {
	if s.err != nil {
		return
	}
	if f.Time.IsZero() {
		f.Time = s.now()
	}
	if err := s.emit(f); err != nil {
		s.err = fmt.Errorf("agent: emit frame: %w", err)
		s.stop()
	}
}

func (s *streamRun) abort(req Request, e *Executor, start time.Time, err error) (int, error) {
	s.send(stream.Frame{Channel: stream.ChannelInfo, Text: err.Error()})
	s.send(stream.Frame{Channel: stream.ChannelExit, ExitCode: stream.SentinelExitCode})
	e.audit(modeStream, req, stream.SentinelExitCode, outcomeError, e.now().Sub(start), err)
	return stream.SentinelExitCode, err
}

// readLines forwards one pipe line by line. Lines have no length limit.
func readLines(r io.Reader, ch stream.Channel, out chan<- stream.Frame, wg *sync.WaitGroup, now func() time.Time) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			out <- stream.Frame{Channel: ch, Time: now(), Text: strings.TrimRight(line, "\r\n")}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				out <- stream.Frame{Channel: stream.ChannelInfo, Time: now(), Text: "read " + string(ch) + ": " + err.Error()}
			}
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
