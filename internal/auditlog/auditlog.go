// Package auditlog implements the supervisor's append-only audit log
// with size-triggered rotation. It is separate from the daemon's slog
// output: the audit log has a fixed line format and rotation naming
// that operators and tests depend on.
package auditlog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity tag written at the start of each record.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DefaultMaxSize is the rotation threshold in bytes.
const DefaultMaxSize = 1024 * 1024

// Log writes single-line records to a fixed path, rotating the file to
// <path>.<unix_seconds> once it reaches the size threshold. The file is
// opened per write so a rotation never splits a record. Emit never
// fails: write errors only set the degraded flag.
type Log struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	lastRot  int64
	degraded atomic.Bool
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithMaxSize overrides the rotation threshold (tests use small values).
func WithMaxSize(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func New(path string, opts ...Option) *Log {
	l := &Log{path: path, maxSize: DefaultMaxSize, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the active log file path.
func (l *Log) Path() string { return l.path }

// Degraded reports whether any write or rotation has failed since start.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// Emit appends one record, rotating first when the active file has
// reached the size threshold.
func (l *Log) Emit(level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotateIfNeeded()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		l.degraded.Store(true)
		return
	}
	ts := l.now().Format("2006-01-02T15:04:05.000")
	if _, err := fmt.Fprintf(f, "[%s] %s %s\n", level, ts, message); err != nil {
		l.degraded.Store(true)
	}
	if err := f.Close(); err != nil {
		l.degraded.Store(true)
	}
}

// rotateIfNeeded renames the active file to <path>.<unix_seconds> when
// it is at or over the threshold. Suffixes are kept strictly increasing
// so rotations within the same second never collide.
func (l *Log) rotateIfNeeded() {
	st, err := os.Stat(l.path)
	if err != nil || st.Size() < l.maxSize {
		return
	}
	ts := l.now().Unix()
	if ts <= l.lastRot {
		ts = l.lastRot + 1
	}
	rotated := fmt.Sprintf("%s.%d", l.path, ts)
	if err := os.Rename(l.path, rotated); err != nil {
		l.degraded.Store(true)
		return
	}
	l.lastRot = ts
}
