// Package initd embeds the init supervisor: a single-writer loop over a
// service registry, driven by signals, a health ticker and an operator
// control socket. This facade re-exports the pieces needed to run a
// supervisor from another program; the initd binary in cmd/initd is a
// thin wrapper over the same API.
package initd

import (
	"log/slog"
	"time"

	"github.com/loykin/initd/internal/auditlog"
	"github.com/loykin/initd/internal/config"
	"github.com/loykin/initd/internal/control"
	"github.com/loykin/initd/internal/history"
	"github.com/loykin/initd/internal/logger"
	"github.com/loykin/initd/internal/metrics"
	"github.com/loykin/initd/internal/supervisor"
)

// Supervisor drives the process table; see internal/supervisor.
type Supervisor = supervisor.Supervisor

// Options configures New.
type Options = supervisor.Options

// Settings is the supervisor's own configuration.
type Settings = config.Settings

// Declaration is one parsed inittab service line.
type Declaration = config.Declaration

// AuditLog is the rotating append-only audit log.
type AuditLog = auditlog.Log

// HistorySink records lifecycle events.
type HistorySink = history.Sink

// LoggerConfig describes the daemon log destination.
type LoggerConfig = logger.Config

// New constructs a supervisor from opts.
func New(opts Options) *Supervisor { return supervisor.New(opts) }

// DefaultSettings returns the built-in configuration.
func DefaultSettings() Settings { return config.DefaultSettings() }

// LoadSettings reads a TOML settings file merged over the defaults.
func LoadSettings(path string) (Settings, error) { return config.LoadSettings(path) }

// ParseInittab parses the service declarations at path.
func ParseInittab(path string, warn func(line int, msg string)) ([]Declaration, error) {
	return config.ParseInittab(path, warn)
}

// NewAuditLog opens an audit log at path with the given size threshold.
func NewAuditLog(path string, maxSize int64) *AuditLog {
	return auditlog.New(path, auditlog.WithMaxSize(maxSize))
}

// NewLogger builds the daemon slog.Logger.
func NewLogger(c LoggerConfig) *slog.Logger { return logger.New(c) }

// OpenHistory opens the SQLite lifecycle-event sink at path.
func OpenHistory(path string) (HistorySink, error) { return history.OpenSQLite(path) }

// RegisterMetricsDefault registers the Prometheus collectors with the
// default registry.
func RegisterMetricsDefault() error { return metrics.RegisterDefault() }

// Control sends one request to a running supervisor's control socket.
func Control(sockPath string, req ControlRequest, timeout time.Duration) (string, error) {
	return control.Send(sockPath, req, timeout)
}

// ControlRequest is a parsed control-protocol request.
type ControlRequest = control.Request
