// Package spawner starts declared services: it consults the dependency
// resolver, reserves a registry slot, launches the executable and
// attaches it to the shared cgroup. It never waits on children; exit
// collection belongs to the supervisor's reaper.
package spawner

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/initd/internal/auditlog"
	"github.com/loykin/initd/internal/cgroup"
	"github.com/loykin/initd/internal/config"
	"github.com/loykin/initd/internal/metrics"
	"github.com/loykin/initd/internal/registry"
)

var (
	ErrDependenciesUnmet = errors.New("dependencies not satisfied")
	ErrForkFailed        = errors.New("fork failed")
	ErrExecFailed        = errors.New("exec failed")
)

// Spawner launches services against a registry. It is used only from
// the supervisor loop goroutine.
type Spawner struct {
	Registry *registry.Registry
	Cgroups  *cgroup.Controller
	Audit    *auditlog.Log
	Logger   *slog.Logger
	// Sleep is swapped in tests to avoid real back-off waits.
	Sleep func(time.Duration)
}

func New(reg *registry.Registry, cg *cgroup.Controller, audit *auditlog.Log, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{Registry: reg, Cgroups: cg, Audit: audit, Logger: logger, Sleep: time.Sleep}
}

// Start launches decl's command with no arguments. On success the
// record is committed Running(pid) and resource caps are applied.
//
// Failure classification:
//   - unmet dependencies: ErrDependenciesUnmet, no record is reserved
//   - registry full: registry.ErrCapacityExceeded
//   - missing or non-executable binary: ErrExecFailed, record Failed
//   - process creation failure: ErrForkFailed, reservation rolled back
func (s *Spawner) Start(decl config.Declaration) (int, error) {
	if !s.Registry.DependenciesSatisfied(decl.Dependencies) {
		s.Audit.Emit(auditlog.LevelWarn, fmt.Sprintf("Cannot start %s: dependencies not satisfied", decl.Command))
		return 0, fmt.Errorf("%w: %s", ErrDependenciesUnmet, decl.Command)
	}

	rec := s.Registry.Lookup(decl.Command)
	if rec != nil && (rec.State.Kind == registry.Running || rec.State.Kind == registry.Starting || rec.State.Kind == registry.Stopping) {
		// Already live (e.g. a duplicate inittab line); starting twice
		// would violate the one-record-per-command invariant.
		return rec.State.PID, nil
	}
	inserted := false
	if rec == nil {
		var err error
		rec, err = s.Registry.Insert(decl)
		if err != nil {
			s.Audit.Emit(auditlog.LevelError, fmt.Sprintf("Cannot start %s: %v", decl.Command, err))
			return 0, err
		}
		inserted = true
	} else {
		rec.Decl = decl
	}
	if err := s.Registry.SetState(decl.Command, registry.StartingState()); err != nil {
		return 0, err
	}

	cmd := exec.Command(decl.Command) // #nosec G204 -- command comes from the inittab, vetted as an absolute path
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0); err == nil {
		cmd.Stdin = null
		cmd.Stdout = null
		cmd.Stderr = null
		defer func() { _ = null.Close() }()
	}

	if err := cmd.Start(); err != nil {
		if isExecFailure(err) {
			_ = s.Registry.SetState(decl.Command, registry.FailedState(err.Error()))
			s.Audit.Emit(auditlog.LevelError, fmt.Sprintf("Failed to exec %s: %v", decl.Command, err))
			return 0, fmt.Errorf("%w: %s: %v", ErrExecFailed, decl.Command, err)
		}
		// Roll the reservation back: a fresh slot disappears, a
		// restarted record is set to Stopped.
		if inserted {
			s.Registry.Remove(decl.Command)
		} else {
			_ = s.Registry.SetState(decl.Command, registry.StoppedState())
		}
		s.Audit.Emit(auditlog.LevelError, fmt.Sprintf("Failed to fork for %s: %v", decl.Command, err))
		return 0, fmt.Errorf("%w: %s: %v", ErrForkFailed, decl.Command, err)
	}

	pid := cmd.Process.Pid
	// Detach the exec.Cmd: the reaper collects the child via wait4, so
	// Wait must never be called on it.
	_ = cmd.Process.Release()

	if err := s.Registry.SetState(decl.Command, registry.RunningState(pid)); err != nil {
		return 0, err
	}
	if s.Cgroups != nil {
		if err := s.Cgroups.Apply(pid, decl.MemoryLimitBytes, decl.CPUQuotaPercent); err != nil {
			// Strict mode only: the service keeps running uncapped.
			s.Audit.Emit(auditlog.LevelWarn, fmt.Sprintf("Resource caps for %s (PID %d) failed: %v", decl.Command, pid, err))
		}
	}
	s.Audit.Emit(auditlog.LevelInfo, fmt.Sprintf("Started %s with PID %d for runlevel %d", decl.Command, pid, decl.Runlevel))
	s.Logger.Info("service started", "service", decl.Command, "pid", pid, "runlevel", decl.Runlevel)
	metrics.IncStart(decl.Command)
	return pid, nil
}

// StartWithRetry re-invokes Start after backoff while the failure is
// unmet dependencies. Other failures are terminal for the attempt: they
// do not become satisfiable by waiting.
func (s *Spawner) StartWithRetry(decl config.Declaration, maxRetries int, backoff time.Duration) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		pid, err := s.Start(decl)
		if err == nil {
			return pid, nil
		}
		lastErr = err
		if !errors.Is(err, ErrDependenciesUnmet) {
			return 0, err
		}
		if attempt < maxRetries-1 {
			s.Sleep(backoff)
		}
	}
	s.Audit.Emit(auditlog.LevelError, fmt.Sprintf("Failed to start %s after %d retries", decl.Command, maxRetries))
	s.Logger.Error("start retries exhausted", "service", decl.Command, "retries", maxRetries)
	return 0, lastErr
}

// isExecFailure distinguishes "the binary cannot be executed" from
// process-creation failures such as EAGAIN.
func isExecFailure(err error) bool {
	var pathErr *fs.PathError
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}
