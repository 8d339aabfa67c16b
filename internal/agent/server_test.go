package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/hermes/internal/auth"
	"github.com/danmuck/hermes/internal/protocol/stream"
	"github.com/danmuck/hermes/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, validator auth.Validator) (*httptest.Server, *Executor) {
	t.Helper()
	exec, _ := newTestExecutor(t)
	srv := httptest.NewServer(NewServer("agent-test", exec, validator, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, exec
}

func postExecute(t *testing.T, srv *httptest.Server, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/execute", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, auth.StaticToken{Token: "secret"})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, body)
	}
}

func TestExecuteStatusCodes(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	cases := []struct {
		name string
		body any
		want int
	}{
		{name: "ok", body: Request{CommandName: "deploy.sh", Params: []string{"v2"}}, want: http.StatusOK},
		{name: "nonzero", body: Request{CommandName: "fail.sh"}, want: http.StatusOK},
		{name: "missing name", body: map[string]any{"params": []string{"x"}}, want: http.StatusBadRequest},
		{name: "traversal", body: Request{CommandName: "../../etc/passwd"}, want: http.StatusForbidden},
		{name: "unknown", body: Request{CommandName: "nope.sh"}, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := postExecute(t, srv, "", tc.body)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status %d want %d", tc.name, resp.StatusCode, tc.want)
		}
	}

	resp := postExecute(t, srv, "", Request{CommandName: "fail.sh"})
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ExitCode != 7 || res.Command != "fail.sh" || res.Stdout != "partial\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteTimeoutReturns504WithOutput(t *testing.T) {
	testlog.Start(t)
	srv, exec := newTestServer(t, nil)
	exec.cfg.BufferedTimeout = 300 * time.Millisecond
	resp := postExecute(t, srv, "", Request{CommandName: "slow.sh"})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["stdout"] != "partial\n" || body["exit_code"] != float64(-1) {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestExecuteRequiresToken(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, auth.StaticToken{Token: "secret"})
	if resp := postExecute(t, srv, "", Request{CommandName: "deploy.sh"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp := postExecute(t, srv, "secret", Request{CommandName: "deploy.sh"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStreamExecuteWireFormat(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	resp := postExecute(t, srv, "", Request{CommandName: "fail.sh", Stream: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read: %v", err)
	}

	var text []string
	exits := 0
	for _, line := range lines {
		f, err := stream.ParseLine(line, time.Now())
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		switch {
		case f.IsExit():
			exits++
			if f.ExitCode != 7 {
				t.Fatalf("unexpected exit marker %q", line)
			}
		case f.Persisted():
			text = append(text, f.Text)
		}
	}
	if exits != 1 || strings.Join(text, "\n") != "partial" {
		t.Fatalf("unexpected stream %q", lines)
	}
	if got := resp.Trailer.Get(stream.TrailerExitCode); got != "7" {
		t.Fatalf("unexpected trailer %q", got)
	}
}

func TestCommandsListing(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/commands")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Scripts []string `json:"scripts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(body.Scripts, ",") != "deploy.sh,fail.sh,quiet.sh,slow.sh" {
		t.Fatalf("unexpected scripts %v", body.Scripts)
	}
}
