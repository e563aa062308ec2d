// Package logging provides the zerolog-backed implementation of
// stratoq.Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/user/stratoq"
)

// DefaultLogger is a zero-allocation structured logger backed by zerolog.
type DefaultLogger struct {
	logger  zerolog.Logger
	sampler zerolog.Sampler
	sampled zerolog.Logger
}

// New creates a DefaultLogger writing to w with the given component name.
// A sample rate can be set via STRATOQ_LOG_SAMPLE_N to cut Warn/Error spam
// from a hot retry loop.
func New(w io.Writer, component string) *DefaultLogger {
	l := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	var samp zerolog.Sampler
	if v := os.Getenv("STRATOQ_LOG_SAMPLE_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			samp = zerolog.RandomSampler(n)
		}
	}
	var sampled zerolog.Logger
	if samp != nil {
		sampled = l.Sample(samp)
	}
	return &DefaultLogger{logger: l, sampler: samp, sampled: sampled}
}

// NewStderr is the common case: log to stderr for the named component.
func NewStderr(component string) *DefaultLogger {
	return New(os.Stderr, component)
}

func (l *DefaultLogger) log(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			event.Interface(key, keysAndValues[i+1])
		} else {
			event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

func (l *DefaultLogger) Debug(msg string, kv ...interface{}) { l.log(l.logger.Debug(), msg, kv...) }
func (l *DefaultLogger) Info(msg string, kv ...interface{})  { l.log(l.logger.Info(), msg, kv...) }

func (l *DefaultLogger) Warn(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Warn(), msg, kv...)
		return
	}
	l.log(l.logger.Warn(), msg, kv...)
}

func (l *DefaultLogger) Error(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Error(), msg, kv...)
		return
	}
	l.log(l.logger.Error(), msg, kv...)
}

var _ stratoq.Logger = (*DefaultLogger)(nil)

// Nop discards everything; used in tests that don't care about log output.
type Nop struct{}

func (Nop) Debug(string, ...interface{}) {}
func (Nop) Info(string, ...interface{})  {}
func (Nop) Warn(string, ...interface{})  {}
func (Nop) Error(string, ...interface{}) {}

var _ stratoq.Logger = Nop{}
