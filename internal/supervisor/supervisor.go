// Package supervisor implements the single-writer event loop at the
// heart of initd. One goroutine owns the service registry and consumes
// the pending-event queue; signal delivery, the health ticker, the
// inittab watcher and the control server are producers only.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/loykin/initd/internal/auditlog"
	"github.com/loykin/initd/internal/cgroup"
	"github.com/loykin/initd/internal/config"
	"github.com/loykin/initd/internal/control"
	"github.com/loykin/initd/internal/events"
	"github.com/loykin/initd/internal/history"
	"github.com/loykin/initd/internal/metrics"
	"github.com/loykin/initd/internal/registry"
	"github.com/loykin/initd/internal/spawner"
)

var (
	ErrInvalidRunlevel = errors.New("invalid runlevel")
	ErrAlreadyRunning  = errors.New("another supervisor holds the lock")
	ErrShuttingDown    = errors.New("supervisor is shutting down")
)

// killWait bounds the post-SIGKILL reap wait during drains.
const killWait = 2 * time.Second

// Options configures a Supervisor.
type Options struct {
	Settings config.Settings
	Logger   *slog.Logger
	Audit    *auditlog.Log
	History  history.Sink // optional
	// Strict makes illegal registry transitions panic (test mode).
	Strict bool
}

// Supervisor drives the process table. Construct with New, run with
// Run; Run returns after an orderly shutdown.
type Supervisor struct {
	cfg   config.Settings
	log   *slog.Logger
	audit *auditlog.Log
	reg   *registry.Registry
	spawn *spawner.Spawner
	queue *events.Queue
	hist  history.Sink

	lock    *flock.Flock
	ctl     *control.Server
	watcher *fsnotify.Watcher
	sigCh   chan os.Signal
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := opts.Audit
	if audit == nil {
		audit = auditlog.New(opts.Settings.AuditLog)
	}
	reg := registry.New(opts.Settings.MaxProcesses, logger)
	reg.SetStrict(opts.Strict)
	cg := cgroup.New(opts.Settings.CgroupRoot, opts.Settings.CgroupName, opts.Settings.StrictCgroup, logger)
	s := &Supervisor{
		cfg:   opts.Settings,
		log:   logger,
		audit: audit,
		reg:   reg,
		spawn: spawner.New(reg, cg, audit, logger),
		queue: events.NewQueue(events.DefaultCapacity),
		hist:  opts.History,
	}
	return s
}

// Registry exposes the table for tests; production callers go through
// the event queue.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Audit returns the audit log.
func (s *Supervisor) Audit() *auditlog.Log { return s.audit }

// Enqueue offers an event to the pending queue without blocking. A
// rejected event is counted and logged.
func (s *Supervisor) Enqueue(ev events.Event) bool {
	if !s.queue.Enqueue(ev) {
		metrics.IncDroppedEvent()
		s.log.Warn("event queue full, dropping event", "kind", ev.Kind())
		return false
	}
	return true
}

// Run seeds the registry from the inittab and drives the event loop
// until shutdown. It returns nil after an orderly drain.
func (s *Supervisor) Run(ctx context.Context) error {
	s.lock = flock.New(s.cfg.LockFile)
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", s.cfg.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("%w (%s)", ErrAlreadyRunning, s.cfg.LockFile)
	}
	defer func() { _ = s.lock.Unlock() }()

	s.audit.Emit(auditlog.LevelInfo, "Starting init...")
	s.reg.SetRunlevel(s.cfg.Runlevel)
	metrics.SetRunlevel(s.cfg.Runlevel)

	// Signals must be registered before the first spawn: a child that
	// exits during seeding would otherwise be reaped by nobody.
	s.sigCh = make(chan os.Signal, 16)
	signal.Notify(s.sigCh, syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGTERM)
	defer signal.Stop(s.sigCh)

	s.seed()

	s.ctl = control.NewServer(s.cfg.ControlSocket, s.Enqueue, s.log)
	if err := s.ctl.Start(ctx); err != nil {
		return err
	}
	defer s.ctl.Stop()

	watchCh, watchErrCh := s.startWatcher()
	if s.watcher != nil {
		defer func() { _ = s.watcher.Close() }()
	}

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	s.log.Info("supervisor loop started", "pid", os.Getpid(), "runlevel", s.reg.Runlevel())

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case sig := <-s.sigCh:
			s.handleSignal(sig)
		case ev := <-s.queue.C():
			if done := s.handleEvent(ev); done {
				return nil
			}
		case <-ticker.C:
			s.healthScan()
		case wev := <-watchCh:
			if wev.Name == s.cfg.Inittab && wev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.Enqueue(events.Reload{})
			}
		case werr := <-watchErrCh:
			if werr != nil {
				s.log.Warn("inittab watcher error", "err", werr)
			}
		}
	}
}

// startWatcher sets up the optional fsnotify watcher over the inittab's
// directory. Disabled watchers yield nil channels, which block forever
// in the select.
func (s *Supervisor) startWatcher() (<-chan fsnotify.Event, <-chan error) {
	if !s.cfg.WatchInittab {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("inittab watcher unavailable", "err", err)
		return nil, nil
	}
	if err := w.Add(filepath.Dir(s.cfg.Inittab)); err != nil {
		s.log.Warn("inittab watch failed", "dir", filepath.Dir(s.cfg.Inittab), "err", err)
		_ = w.Close()
		return nil, nil
	}
	s.watcher = w
	return w.Events, w.Errors
}

// handleSignal translates an OS signal into queue events. Signal
// receipt does no registry work beyond the non-blocking reap required
// to produce ChildExit events.
func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGCHLD:
		for {
			pid, status, ok := reapOne()
			if !ok {
				return
			}
			s.Enqueue(events.ChildExit{PID: pid, Status: status})
		}
	case syscall.SIGHUP:
		s.Enqueue(events.Reload{})
	case syscall.SIGTERM:
		s.Enqueue(events.Shutdown{})
	}
}

// handleEvent dispatches one queued event. It reports true when the
// loop must exit (shutdown completed).
func (s *Supervisor) handleEvent(ev events.Event) bool {
	switch e := ev.(type) {
	case events.ChildExit:
		s.applyExit(e.PID, e.Status)
	case events.HealthTick:
		s.healthScan()
	case events.Reload:
		s.reload()
	case events.RunlevelSwitch:
		err := s.switchRunlevel(e.Level)
		replyErr(e.Reply, err)
	case events.ManageStart:
		replyErr(e.Reply, s.manageStart(e.Name))
	case events.ManageStop:
		replyErr(e.Reply, s.manageStop(e.Name))
	case events.ManageStatus:
		s.manageStatus(e)
	case events.Shutdown:
		s.shutdown()
		return true
	}
	return false
}

func replyErr(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

// seed reads the inittab and starts every declaration for the current
// runlevel, in file order.
func (s *Supervisor) seed() {
	decls, err := config.ParseInittab(s.cfg.Inittab, func(line int, msg string) {
		s.audit.Emit(auditlog.LevelWarn, fmt.Sprintf("inittab line %d: %s", line, msg))
		s.log.Warn("malformed inittab line", "line", line, "reason", msg)
	})
	if err != nil {
		s.audit.Emit(auditlog.LevelError, "Could not open configuration file")
		s.log.Error("inittab unreadable", "path", s.cfg.Inittab, "err", err)
		return
	}
	for _, d := range decls {
		if d.Runlevel != s.reg.Runlevel() {
			continue
		}
		_, _ = s.spawn.StartWithRetry(d, s.cfg.MaxRetries, s.cfg.RetryBackoff)
	}
	metrics.SetRunningServices(s.runningCount())
}

func (s *Supervisor) runningCount() int {
	n := 0
	for _, cmd := range s.reg.Commands() {
		if rec := s.reg.Lookup(cmd); rec != nil && rec.State.Kind == registry.Running {
			n++
		}
	}
	return n
}
