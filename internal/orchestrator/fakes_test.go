package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/danmuck/hermes/internal/bus"
	"github.com/danmuck/hermes/internal/protocol/stream"
	"github.com/danmuck/hermes/internal/record"
)

type publishedEvent struct {
	Room    string
	Event   string
	Payload any
}

// recordingPublisher captures events; fail makes every publish fail.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	fail   bool
}

func (p *recordingPublisher) Publish(room, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return bus.ErrBrokerUnavailable
	}
	p.events = append(p.events, publishedEvent{Room: room, Event: event, Payload: payload})
	return nil
}

// lossyPublisher accepts every publish but reports lost events per room,
// like a client whose connection dropped after Publish returned.
type lossyPublisher struct {
	recordingPublisher
	lost map[string]int
}

func (p *lossyPublisher) TakeUndelivered(room string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.lost[room]
	delete(p.lost, room)
	return n
}

func (p *recordingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Event == event {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// scriptedDispatcher replays frames, or fails before dispatch.
type scriptedDispatcher struct {
	mu       sync.Mutex
	calls    int
	frames   []stream.Frame
	trailer  *int
	err      error
	block    bool
	panicMsg string
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, _ DispatchRequest) (FrameStream, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}
	if d.err != nil {
		return nil, d.err
	}
	return &scriptedStream{ctx: ctx, frames: append([]stream.Frame(nil), d.frames...), trailer: d.trailer, block: d.block}, nil
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type scriptedStream struct {
	ctx     context.Context
	frames  []stream.Frame
	trailer *int
	block   bool
}

func (s *scriptedStream) Next() (stream.Frame, error) {
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		return f, nil
	}
	if s.block {
		<-s.ctx.Done()
		return stream.Frame{}, s.ctx.Err()
	}
	return stream.Frame{}, io.EOF
}

func (s *scriptedStream) ExitCode() (int, bool) {
	if s.trailer == nil {
		return 0, false
	}
	return *s.trailer, true
}

func (s *scriptedStream) Close() error { return nil }

func stdout(text string) stream.Frame {
	return stream.Frame{Channel: stream.ChannelStdout, Time: time.Now(), Text: text}
}

func exitMarker(code int) stream.Frame {
	return stream.Frame{Channel: stream.ChannelExit, Time: time.Now(), ExitCode: code}
}

func heartbeat() stream.Frame {
	return stream.Frame{Channel: stream.ChannelHeartbeat, Time: time.Now()}
}

func intPtr(v int) *int { return &v }

func timeoutMarker() stream.Frame {
	return stream.Frame{Channel: stream.ChannelExit, Time: time.Now(), ExitCode: stream.SentinelExitCode, Reason: stream.ReasonTimeout}
}

var errStoreDown = errors.New("store temporarily unavailable")

// flakyStore fails the first Update that moves a record to RUNNING.
type flakyStore struct {
	record.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) Update(ctx context.Context, r *record.Record) error {
	s.mu.Lock()
	fail := !s.failed && r.Status == record.StatusRunning
	if fail {
		s.failed = true
	}
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.Store.Update(ctx, r)
}

// explodingStore panics on every read.
type explodingStore struct {
	record.Store
}

func (explodingStore) Get(context.Context, string) (*record.Record, error) {
	panic("record decoder bug")
}
