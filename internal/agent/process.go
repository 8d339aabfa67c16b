package agent

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"time"
)

// command builds the process for a resolved script. Shell and Python
// scripts run through an explicit interpreter so a missing execute bit
// does not matter.
func command(ctx context.Context, path string, params []string, waitDelay time.Duration) *exec.Cmd {
	var cmd *exec.Cmd
	switch filepath.Ext(path) {
	case ".sh":
		cmd = exec.CommandContext(ctx, "/bin/sh", append([]string{path}, params...)...)
	case ".py":
		cmd = exec.CommandContext(ctx, "python3", append([]string{path}, params...)...)
	default:
		cmd = exec.CommandContext(ctx, path, params...)
	}
	cmd.Dir = filepath.Dir(path)
	cmd.WaitDelay = waitDelay
	isolate(cmd)
	return cmd
}

// exitCodeOf maps a Run/Wait error to a process exit code.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}
