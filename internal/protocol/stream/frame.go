package stream

import (
	"strings"
	"time"
)

// Channel tags one frame with the output source it came from.
type Channel string

const (
	ChannelStdout    Channel = "stdout"
	ChannelStderr    Channel = "stderr"
	ChannelInfo      Channel = "info"
	ChannelHeartbeat Channel = "heartbeat"
	ChannelExit      Channel = "exit"
)

// SentinelExitCode is reported when no exit code could be determined.
const SentinelExitCode = -1

// TrailerExitCode is the HTTP trailer carrying the structured exit code.
const TrailerExitCode = "X-Hermes-Exit-Code"

// ReasonTimeout marks an exit frame for a script the agent killed on its
// own deadline.
const ReasonTimeout = "timeout"

// Frame is one transient unit of streamed output. Reason is only set on
// exit frames that did not come from the script itself.
type Frame struct {
	Channel  Channel
	Time     time.Time
	Text     string
	ExitCode int
	Reason   string
}

// Persisted reports whether the frame belongs in accumulated output and live rooms.
func (f Frame) Persisted() bool {
	switch f.Channel {
	case ChannelStdout, ChannelStderr, ChannelInfo:
		return true
	default:
		return false
	}
}

func (f Frame) IsHeartbeat() bool {
	return f.Channel == ChannelHeartbeat
}

func (f Frame) IsExit() bool {
	return f.Channel == ChannelExit
}

// TimedOut reports whether the agent stopped the script on its deadline.
func (f Frame) TimedOut() bool {
	return f.IsExit() && f.Reason == ReasonTimeout
}

func tagFor(ch Channel) string {
	return strings.ToUpper(string(ch))
}

func channelForTag(tag string) (Channel, bool) {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "STDOUT":
		return ChannelStdout, true
	case "STDERR":
		return ChannelStderr, true
	case "INFO":
		return ChannelInfo, true
	case "EXIT":
		return ChannelExit, true
	default:
		return "", false
	}
}
