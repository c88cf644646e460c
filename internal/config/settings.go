package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/initd/internal/logger"
)

// Built-in defaults. Every value can be overridden from the settings
// file; tests override paths and intervals to keep runs fast and
// hermetic.
const (
	DefaultInittab       = "/etc/inittab"
	DefaultAuditLog      = "/var/log/init.log"
	DefaultControlSocket = "/run/init.ctl"
	DefaultLockFile      = "/run/initd.lock"
	DefaultCgroupRoot    = "/sys/fs/cgroup"
	DefaultCgroupName    = "my_cgroup"

	DefaultMaxProcesses = 10
	DefaultMaxRunlevels = 6
	DefaultMaxRetries   = 3

	DefaultHealthInterval = 5 * time.Second
	DefaultRetryBackoff   = time.Second
	DefaultGracePeriod    = 10 * time.Second
)

// MetricsSettings controls Prometheus exposition. Collectors are
// registered and updated only when Enabled is set; an HTTP listener is
// started only when Listen is also set, and it serves metrics
// exclusively (the supervisor has no network control surface).
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistorySettings controls the optional SQLite lifecycle-event sink.
type HistorySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Settings is the supervisor's own configuration, distinct from the
// inittab (which declares services).
type Settings struct {
	Inittab       string `mapstructure:"inittab"`
	AuditLog      string `mapstructure:"audit_log"`
	ControlSocket string `mapstructure:"control_socket"`
	LockFile      string `mapstructure:"lock_file"`
	CgroupRoot    string `mapstructure:"cgroup_root"`
	CgroupName    string `mapstructure:"cgroup_name"`
	StrictCgroup  bool   `mapstructure:"strict_cgroup"`
	WatchInittab  bool   `mapstructure:"watch_inittab"`

	Runlevel     int   `mapstructure:"runlevel"`
	MaxProcesses int   `mapstructure:"max_processes"`
	MaxRunlevels int   `mapstructure:"max_runlevels"`
	MaxRetries   int   `mapstructure:"max_retries"`
	MaxLogSize   int64 `mapstructure:"max_log_size"`

	HealthInterval time.Duration `mapstructure:"health_interval"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`

	Metrics *MetricsSettings `mapstructure:"metrics"`
	History *HistorySettings `mapstructure:"history"`
	Log     logger.Config    `mapstructure:"log"`
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() Settings {
	return Settings{
		Inittab:        DefaultInittab,
		AuditLog:       DefaultAuditLog,
		ControlSocket:  DefaultControlSocket,
		LockFile:       DefaultLockFile,
		CgroupRoot:     DefaultCgroupRoot,
		CgroupName:     DefaultCgroupName,
		MaxProcesses:   DefaultMaxProcesses,
		MaxRunlevels:   DefaultMaxRunlevels,
		MaxRetries:     DefaultMaxRetries,
		HealthInterval: DefaultHealthInterval,
		RetryBackoff:   DefaultRetryBackoff,
		GracePeriod:    DefaultGracePeriod,
	}
}

// LoadSettings reads a TOML settings file and merges it over the
// defaults. An empty path returns the defaults unchanged.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return s, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, s.validate()
}

func (s *Settings) validate() error {
	if s.MaxProcesses <= 0 {
		return fmt.Errorf("max_processes must be positive, got %d", s.MaxProcesses)
	}
	if s.MaxRunlevels <= 0 {
		return fmt.Errorf("max_runlevels must be positive, got %d", s.MaxRunlevels)
	}
	if s.Runlevel < 0 || s.Runlevel >= s.MaxRunlevels {
		return fmt.Errorf("runlevel %d outside [0,%d)", s.Runlevel, s.MaxRunlevels)
	}
	if s.HealthInterval <= 0 || s.RetryBackoff <= 0 || s.GracePeriod <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}
