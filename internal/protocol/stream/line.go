package stream

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const clockLayout = "15:04:05"

// HeartbeatLine is written while a process is alive but silent.
const HeartbeatLine = " "

var (
	ErrUntaggedLine     = errors.New("stream: untagged line")
	ErrMalformedMarker  = errors.New("stream: malformed exit marker")
	taggedLinePattern   = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})\] \[([A-Za-z]+)\] ?(.*)$`)
	exitMarkerPayloadRe = regexp.MustCompile(`^exit_code=(-?\d+)(?: reason=([a-z_]+))?$`)
)

// FormatLine renders f as one wire line without the trailing newline.
func FormatLine(f Frame) string {
	switch f.Channel {
	case ChannelHeartbeat:
		return HeartbeatLine
	case ChannelExit:
		line := fmt.Sprintf("[%s] [EXIT] exit_code=%d", f.Time.Format(clockLayout), f.ExitCode)
		if f.Reason != "" {
			line += " reason=" + f.Reason
		}
		return line
	default:
		return fmt.Sprintf("[%s] [%s] %s", f.Time.Format(clockLayout), tagFor(f.Channel), f.Text)
	}
}

// ParseLine decodes one wire line. now anchors the HH:MM:SS clock to a date.
// Blank lines decode as heartbeats. Lines without a known tag return
// ErrUntaggedLine together with a stdout frame holding the raw text.
func ParseLine(line string, now time.Time) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Frame{Channel: ChannelHeartbeat, Time: now}, nil
	}
	m := taggedLinePattern.FindStringSubmatch(line)
	if m == nil {
		return Frame{Channel: ChannelStdout, Time: now, Text: line}, ErrUntaggedLine
	}
	ch, ok := channelForTag(m[2])
	if !ok {
		return Frame{Channel: ChannelStdout, Time: now, Text: line}, ErrUntaggedLine
	}
	f := Frame{Channel: ch, Time: anchorClock(m[1], now), Text: m[3]}
	if ch == ChannelExit {
		pm := exitMarkerPayloadRe.FindStringSubmatch(strings.TrimSpace(m[3]))
		if pm == nil {
			return Frame{}, fmt.Errorf("%w: %q", ErrMalformedMarker, line)
		}
		code, err := strconv.Atoi(pm[1])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedMarker, err)
		}
		f.ExitCode = code
		f.Reason = pm[2]
		f.Text = ""
	}
	return f, nil
}

func anchorClock(clock string, now time.Time) time.Time {
	t, err := time.ParseInLocation(clockLayout, clock, now.Location())
	if err != nil {
		return now
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
}
