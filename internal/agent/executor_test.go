package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/hermes/internal/protocol/stream"
	"github.com/danmuck/hermes/internal/testutil/testlog"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "predefined_commands")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeScript(t, dir, "deploy.sh", "echo starting\necho \"version $1\" >&2\necho done\n")
	writeScript(t, dir, "fail.sh", "echo partial\nexit 7\n")
	writeScript(t, dir, "slow.sh", "echo partial\nsleep 5\necho never\n")
	writeScript(t, dir, "quiet.sh", "sleep 0.3\necho late\n")

	cfg := DefaultConfig()
	cfg.ScriptDir = dir
	cfg.BufferedTimeout = 2 * time.Second
	cfg.StreamTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.WaitDelay = 200 * time.Millisecond
	exec, err := NewExecutor(cfg, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec, root
}

func TestResolveRejectsTraversalWithoutSpawning(t *testing.T) {
	testlog.Start(t)
	exec, root := newTestExecutor(t)
	marker := filepath.Join(root, "spawned")
	writeScript(t, root, "outside.sh", "touch "+marker+"\n")

	for _, name := range []string{"../outside.sh", "/etc/passwd", "..", ".", "sub/../../outside.sh"} {
		_, err := exec.Execute(context.Background(), Request{CommandName: name})
		if !errors.Is(err, ErrPathTraversal) {
			t.Fatalf("%q: expected traversal error, got %v", name, err)
		}
		_, err = exec.Stream(context.Background(), Request{CommandName: name}, func(stream.Frame) error {
			t.Fatalf("%q: frame emitted for rejected command", name)
			return nil
		})
		if !errors.Is(err, ErrPathTraversal) {
			t.Fatalf("%q: expected traversal error from stream, got %v", name, err)
		}
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("script outside the directory was executed")
	}
}

func TestResolveMissingScript(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	if _, err := exec.Resolve("missing.sh"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExecuteBuffered(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	res, err := exec.Execute(context.Background(), Request{CommandName: "deploy.sh", Params: []string{"v2"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "starting\ndone\n" || res.Stderr != "version v2\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteNonZeroExitIsAResult(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	res, err := exec.Execute(context.Background(), Request{CommandName: "fail.sh"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 7 || res.Stdout != "partial\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteTimeoutKeepsPartialOutput(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	exec.cfg.BufferedTimeout = 300 * time.Millisecond

	start := time.Now()
	res, err := exec.Execute(context.Background(), Request{CommandName: "slow.sh"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout did not stop the script promptly")
	}
	if res.ExitCode != -1 || res.Stdout != "partial\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func collectFrames(t *testing.T, exec *Executor, req Request) ([]stream.Frame, int, error) {
	t.Helper()
	var frames []stream.Frame
	code, err := exec.Stream(context.Background(), req, func(f stream.Frame) error {
		frames = append(frames, f)
		return nil
	})
	return frames, code, err
}

func persistedText(frames []stream.Frame) string {
	var lines []string
	for _, f := range frames {
		if f.Persisted() {
			lines = append(lines, f.Text)
		}
	}
	return strings.Join(lines, "\n")
}

func exitFrames(frames []stream.Frame) []stream.Frame {
	var out []stream.Frame
	for _, f := range frames {
		if f.IsExit() {
			out = append(out, f)
		}
	}
	return out
}

func TestStreamEmitsLinesAndOneExitMarker(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	frames, code, err := collectFrames(t, exec, Request{CommandName: "fail.sh"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if code != 7 {
		t.Fatalf("unexpected exit code %d", code)
	}
	exits := exitFrames(frames)
	if len(exits) != 1 || exits[0].ExitCode != 7 || !frames[len(frames)-1].IsExit() {
		t.Fatalf("expected one trailing exit frame, got %+v", frames)
	}
	if got := persistedText(frames); got != "partial" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestStreamSeparatesChannels(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	frames, _, err := collectFrames(t, exec, Request{CommandName: "deploy.sh", Params: []string{"v2"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var stdout, stderr []string
	for _, f := range frames {
		switch f.Channel {
		case stream.ChannelStdout:
			stdout = append(stdout, f.Text)
		case stream.ChannelStderr:
			stderr = append(stderr, f.Text)
		}
	}
	if strings.Join(stdout, ",") != "starting,done" || strings.Join(stderr, ",") != "version v2" {
		t.Fatalf("stdout=%v stderr=%v", stdout, stderr)
	}
}

func TestStreamHeartbeatsWhileSilent(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	frames, code, err := collectFrames(t, exec, Request{CommandName: "quiet.sh"})
	if err != nil || code != 0 {
		t.Fatalf("stream: code=%d err=%v", code, err)
	}
	beats := 0
	for _, f := range frames {
		if f.IsHeartbeat() {
			beats++
		}
	}
	if beats == 0 {
		t.Fatalf("expected heartbeats during silence, got %+v", frames)
	}
	if got := persistedText(frames); got != "late" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestStreamTimeout(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	exec.cfg.StreamTimeout = 300 * time.Millisecond
	frames, code, err := collectFrames(t, exec, Request{CommandName: "slow.sh"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if code != stream.SentinelExitCode {
		t.Fatalf("unexpected code %d", code)
	}
	exits := exitFrames(frames)
	if len(exits) != 1 || exits[0].ExitCode != stream.SentinelExitCode || !exits[0].TimedOut() {
		t.Fatalf("expected one sentinel timeout exit frame, got %+v", exits)
	}
	if !strings.HasPrefix(persistedText(frames), "partial") {
		t.Fatalf("partial output lost: %+v", frames)
	}
}

func TestStreamStopsWhenConsumerFails(t *testing.T) {
	testlog.Start(t)
	exec, _ := newTestExecutor(t)
	gone := errors.New("client gone")
	start := time.Now()
	_, err := exec.Stream(context.Background(), Request{CommandName: "slow.sh"}, func(stream.Frame) error {
		return gone
	})
	if !errors.Is(err, gone) {
		t.Fatalf("expected consumer error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("script kept running after consumer left")
	}
}

func TestExitCodeOf(t *testing.T) {
	testlog.Start(t)
	if exitCodeOf(nil) != 0 {
		t.Fatalf("nil error should map to 0")
	}
	if exitCodeOf(errors.New("other")) != 1 {
		t.Fatalf("unknown error should map to 1")
	}
}
