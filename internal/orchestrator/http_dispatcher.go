package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/hermes/internal/protocol/stream"
)

const maxErrorBody = 64 << 10

// HTTPDispatcher calls the agent's POST /execute in stream mode.
type HTTPDispatcher struct {
	Client *http.Client
	// Port is used when the target host carries none.
	Port  int
	Token string
	now   func() time.Time
}

func NewHTTPDispatcher(port int, token string) *HTTPDispatcher {
	return &HTTPDispatcher{
		// No client timeout: the job context bounds the whole stream.
		Client: &http.Client{},
		Port:   port,
		Token:  token,
		now:    time.Now,
	}
}

type executeBody struct {
	CommandName string   `json:"command_name"`
	Params      []string `json:"params"`
	Stream      bool     `json:"stream_output"`
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (FrameStream, error) {
	params := req.Params
	if params == nil {
		params = []string{}
	}
	body, err := json.Marshal(executeBody{CommandName: req.CommandName, Params: params, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode request: %w", err)
	}
	endpoint := d.endpoint(req.TargetHost)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %v", ErrTransport, endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.Token)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, agentError(resp)
	}
	now := d.now
	if now == nil {
		now = time.Now
	}
	return &httpStream{resp: resp, r: bufio.NewReader(resp.Body), now: now}, nil
}

// endpoint accepts "host", "host:port" or a full http(s) base URL.
func (d *HTTPDispatcher) endpoint(target string) string {
	target = strings.TrimRight(strings.TrimSpace(target), "/")
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target + "/execute"
	}
	if _, _, err := net.SplitHostPort(target); err == nil {
		return "http://" + target + "/execute"
	}
	return "http://" + net.JoinHostPort(target, strconv.Itoa(d.Port)) + "/execute"
}

// agentError turns a non-200 agent reply into a transport error carrying
// the agent's message. Bodies that are not the agent's JSON shape are
// malformed.
func agentError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error  string `json:"error"`
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return fmt.Errorf("%w: agent returned %d with unparsable body %q", ErrMalformedResponse, resp.StatusCode, truncate(string(raw), 200))
	}
	return fmt.Errorf("%w: agent returned %d: %s", ErrTransport, resp.StatusCode, body.Error)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type httpStream struct {
	resp *http.Response
	r    *bufio.Reader
	now  func() time.Time
}

func (s *httpStream) Next() (stream.Frame, error) {
	line, err := s.r.ReadString('\n')
	if line == "" && err != nil {
		if errors.Is(err, io.EOF) {
			return stream.Frame{}, io.EOF
		}
		return stream.Frame{}, fmt.Errorf("%w: read stream: %v", ErrTransport, err)
	}
	f, perr := stream.ParseLine(line, s.now())
	switch {
	case perr == nil:
		return f, nil
	case errors.Is(perr, stream.ErrUntaggedLine):
		return f, nil
	default:
		return stream.Frame{}, fmt.Errorf("%w: %v", ErrMalformedResponse, perr)
	}
}

func (s *httpStream) ExitCode() (int, bool) {
	return stream.ParseTrailer(s.resp.Trailer.Get(stream.TrailerExitCode))
}

func (s *httpStream) Close() error {
	return s.resp.Body.Close()
}
