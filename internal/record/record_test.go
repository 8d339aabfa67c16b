package record

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/hermes/internal/testutil/testlog"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	r, err := New("exec-1", "deploy.sh", "h1", []string{"v2"}, "alice", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	return r
}

func TestCanTransitionEdges(t *testing.T) {
	testlog.Start(t)
	all := []Status{StatusPending, StatusRunning, StatusSuccess, StatusFailure}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}: true,
		{StatusPending, StatusFailure}: true,
		{StatusRunning, StatusSuccess}: true,
		{StatusRunning, StatusFailure}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Fatalf("CanTransition(%s,%s)=%v", from, to, got)
			}
		}
	}
}

func TestFinishSuccessIffZero(t *testing.T) {
	testlog.Start(t)
	for _, code := range []int{0, 1, 7, -1} {
		r := newTestRecord(t)
		now := time.Now()
		if err := r.Start(now); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := r.Finish(code, now); err != nil {
			t.Fatalf("finish: %v", err)
		}
		wantSuccess := code == 0
		if (r.Status == StatusSuccess) != wantSuccess {
			t.Fatalf("code=%d status=%s", code, r.Status)
		}
		if r.ExitCode == nil || *r.ExitCode != code || r.EndTime == nil {
			t.Fatalf("exit/end not set: %+v", r)
		}
	}
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	testlog.Start(t)
	r := newTestRecord(t)
	now := time.Now()
	_ = r.Start(now)
	_ = r.AppendOutput("starting", now)
	_ = r.Finish(0, now)
	snapshot := *r

	if err := r.AppendOutput("late", now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("append after terminal: %v", err)
	}
	if err := r.Annotate("late", now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("annotate after terminal: %v", err)
	}
	if err := r.Fail(errors.New("boom"), nil, now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("fail after terminal: %v", err)
	}
	if err := r.Start(now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("start after terminal: %v", err)
	}
	if r.Output != snapshot.Output || r.Status != snapshot.Status {
		t.Fatalf("terminal record changed: %+v", r)
	}
}

func TestPreflightFailureFromPending(t *testing.T) {
	testlog.Start(t)
	r := newTestRecord(t)
	if err := r.Fail(errors.New("connection refused"), nil, time.Now()); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if r.Status != StatusFailure || r.Error != "connection refused" {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.ExitCode == nil || *r.ExitCode != -1 {
		t.Fatalf("expected sentinel exit code")
	}
}

func TestOutputOnlyGrowsWhileRunning(t *testing.T) {
	testlog.Start(t)
	r := newTestRecord(t)
	now := time.Now()
	if err := r.AppendOutput("too early", now); !errors.Is(err, ErrOutputNotWritable) {
		t.Fatalf("append while pending: %v", err)
	}
	_ = r.Start(now)
	_ = r.AppendOutput("starting", now)
	_ = r.AppendOutput("done", now)
	if r.Output != "starting\ndone" {
		t.Fatalf("unexpected output %q", r.Output)
	}
}

func TestOutputKeepsBlankLines(t *testing.T) {
	testlog.Start(t)
	r := newTestRecord(t)
	now := time.Now()
	_ = r.Start(now)
	for _, line := range []string{"", "", "middle", "", "done"} {
		if err := r.AppendOutput(line, now); err != nil {
			t.Fatalf("append %q: %v", line, err)
		}
	}
	if r.Output != "\n\nmiddle\n\ndone" || r.OutputLines != 5 {
		t.Fatalf("unexpected output %q lines=%d", r.Output, r.OutputLines)
	}
	lines := r.Lines()
	if len(lines) != 5 || lines[2] != "middle" || lines[0] != "" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestLinesOfSingleBlankLine(t *testing.T) {
	testlog.Start(t)
	r := newTestRecord(t)
	if r.Lines() != nil {
		t.Fatalf("fresh record should have no lines")
	}
	_ = r.Start(time.Now())
	_ = r.AppendOutput("", time.Now())
	if lines := r.Lines(); len(lines) != 1 || lines[0] != "" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestFinishRequiresRunning(t *testing.T) {
	testlog.Start(t)
	r := newTestRecord(t)
	if err := r.Finish(0, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("finish from pending: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	testlog.Start(t)
	r := newTestRecord(t)
	now := time.Now()
	_ = r.Start(now)
	_ = r.Finish(3, now)
	c := r.Clone()
	c.Params[0] = "changed"
	*c.ExitCode = 9
	if r.Params[0] != "v2" || *r.ExitCode != 3 {
		t.Fatalf("clone aliases original")
	}
}

func TestNewValidates(t *testing.T) {
	testlog.Start(t)
	if _, err := New("", "a.sh", "h", nil, "u", time.Now()); !errors.Is(err, ErrInvalidRecordField) {
		t.Fatalf("expected invalid field, got %v", err)
	}
}
