// Package log provides a minimal factory for structured slog loggers and a
// sampler for rare-path diagnostics.
package log

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// New creates a [slog.Logger] that writes to stdout at the given level
// (one of "debug", "info", "warn", "error"; defaults to info).
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is like [New] but writes to w.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name to a [slog.Level], defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// OrDefault returns l, or [slog.Default] when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Sampler forwards one out of every N calls per key to the wrapped logger.
// The first call for a key is always logged.
type Sampler struct {
	log   *slog.Logger
	every uint64

	mu     sync.Mutex
	counts map[string]uint64
}

// NewSampler returns a Sampler that logs the first and then every n-th event
// per key. n <= 1 logs every event.
func NewSampler(l *slog.Logger, n uint64) *Sampler {
	if n == 0 {
		n = 1
	}
	return &Sampler{log: OrDefault(l), every: n, counts: make(map[string]uint64)}
}

// Warn logs msg at warn level when the key is due for sampling. It reports
// whether the event was emitted.
func (s *Sampler) Warn(key, msg string, args ...any) bool {
	s.mu.Lock()
	n := s.counts[key]
	s.counts[key] = n + 1
	s.mu.Unlock()
	if n%s.every != 0 {
		return false
	}
	s.log.Warn(msg, append(args, "sample_key", key, "occurrences", n+1)...)
	return true
}
