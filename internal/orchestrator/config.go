package orchestrator

import (
	"fmt"
	"time"
)

// Config tunes the worker pool and the relay loop.
type Config struct {
	Concurrency int
	// RequestTimeout bounds one job end to end, dispatch included.
	RequestTimeout time.Duration
	// Output is persisted every FlushLines lines or FlushInterval,
	// whichever comes first, and always at finalization.
	FlushLines    int
	FlushInterval time.Duration
	// DequeueBackoff is the pause after a failed dequeue.
	DequeueBackoff time.Duration
	// PanicAttempts caps deliveries of a job whose handler panicked
	// before it could settle the record.
	PanicAttempts int
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    2,
		RequestTimeout: 15 * time.Minute,
		FlushLines:     20,
		FlushInterval:  time.Second,
		DequeueBackoff: time.Second,
		PanicAttempts:  3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.FlushLines <= 0 {
		c.FlushLines = def.FlushLines
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.DequeueBackoff <= 0 {
		c.DequeueBackoff = def.DequeueBackoff
	}
	if c.PanicAttempts <= 0 {
		c.PanicAttempts = def.PanicAttempts
	}
	return c
}

func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("orchestrator: concurrency must not be negative")
	}
	if c.RequestTimeout < 0 || c.FlushInterval < 0 {
		return fmt.Errorf("orchestrator: durations must not be negative")
	}
	return nil
}
