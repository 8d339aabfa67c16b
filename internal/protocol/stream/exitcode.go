package stream

import (
	"regexp"
	"strconv"
	"strings"
)

// Last-resort exit code markers embedded in free text, most specific first.
// Recognized forms: "exit_code=N", "exit code: N", "Exit code: N", "exit status N".
var exitTextPattern = regexp.MustCompile(`(?i)\bexit(?:_code=|\s+code:\s*|\s+status\s+)(-?\d+)\b`)

// ScanExitCode returns the last exit code embedded in text. It is a fallback
// for transports that cannot carry a structured terminal marker.
func ScanExitCode(text string) (int, bool) {
	matches := exitTextPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return SentinelExitCode, false
	}
	code, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return SentinelExitCode, false
	}
	return code, true
}

// ParseTrailer decodes the X-Hermes-Exit-Code trailer value.
func ParseTrailer(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return SentinelExitCode, false
	}
	code, err := strconv.Atoi(value)
	if err != nil {
		return SentinelExitCode, false
	}
	return code, true
}
