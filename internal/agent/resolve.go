package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrPathTraversal = errors.New("agent: command not allowed or path traversal attempt")
	ErrNotFound      = errors.New("agent: command not found or is not a file")
	ErrTimeout       = errors.New("agent: command timed out")
)

// resolveScript maps name to a regular file strictly inside dir.
func resolveScript(dir, name string) (string, error) {
	if strings.TrimSpace(name) == "" || filepath.IsAbs(name) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("agent: script dir: %w", err)
	}
	candidate := filepath.Clean(filepath.Join(root, name))
	if !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	info, err := os.Stat(candidate)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return candidate, nil
}

// listScripts returns regular files directly inside dir.
func listScripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("agent: list %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
