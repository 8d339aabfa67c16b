package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/hermes/internal/protocol/stream"
)

var (
	ErrTransport         = errors.New("orchestrator: transport error")
	ErrMalformedResponse = errors.New("orchestrator: malformed response")
	ErrNoDispatcher      = errors.New("orchestrator: no dispatcher for target")
)

// DispatchRequest is what a dispatcher needs to start one command.
type DispatchRequest struct {
	ExecutionID string
	CommandName string
	TargetHost  string
	Params      []string
}

// Dispatcher starts a command on a target host. An error from Dispatch
// means nothing ran: the caller treats it as a pre-flight failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (FrameStream, error)
}

// FrameStream yields frames in receipt order until io.EOF.
type FrameStream interface {
	Next() (stream.Frame, error)
	// ExitCode reports the structured exit code once Next returned io.EOF.
	ExitCode() (int, bool)
	Close() error
}

// Router picks a dispatcher by target scheme. Targets without a known
// scheme go to the default (agent HTTP) dispatcher.
type Router struct {
	Default  Dispatcher
	ByScheme map[string]Dispatcher
}

func (r Router) Dispatch(ctx context.Context, req DispatchRequest) (FrameStream, error) {
	d := r.Default
	if scheme, _, ok := strings.Cut(req.TargetHost, "://"); ok {
		if byScheme, found := r.ByScheme[strings.ToLower(scheme)]; found {
			d = byScheme
		}
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDispatcher, req.TargetHost)
	}
	return d.Dispatch(ctx, req)
}
