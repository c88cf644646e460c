package supervisor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/initd/internal/auditlog"
	"github.com/loykin/initd/internal/config"
	"github.com/loykin/initd/internal/events"
	"github.com/loykin/initd/internal/history"
	"github.com/loykin/initd/internal/metrics"
	"github.com/loykin/initd/internal/registry"
)

// reapOne collects a single ready child via a non-blocking wait. The
// exit code is -1 when the child was killed by a signal.
func reapOne() (pid, status int, ok bool) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	if err != nil || pid <= 0 {
		return 0, 0, false
	}
	status = -1
	if ws.Exited() {
		status = ws.ExitStatus()
	}
	return pid, status, true
}

// applyExit is the reaper: it maps a reaped pid back to its record and
// marks it Exited. Unknown pids are orphans or already-replaced
// children and are dropped silently. Restart is not decided here; that
// is the health scan's job, so restart policy stays in one place.
func (s *Supervisor) applyExit(pid, status int) {
	cmd, ok := s.reg.ByPID(pid)
	if !ok {
		return
	}
	rec := s.reg.Lookup(cmd)
	from := rec.State.Kind
	if err := s.reg.SetState(cmd, registry.ExitedState(pid, status)); err != nil {
		return
	}
	s.audit.Emit(auditlog.LevelInfo, fmt.Sprintf("Process %s (PID %d) exited with status %d", cmd, pid, status))
	s.log.Info("service exited", "service", cmd, "pid", pid, "status", status)
	metrics.IncExit(cmd)
	metrics.RecordStateTransition(cmd, from.String(), registry.Exited.String())
	metrics.SetRunningServices(s.runningCount())
	s.record(history.Event{Service: cmd, PID: pid, Type: history.EventExit, ExitStatus: status})
}

// healthScan restarts every restartable record that is not running and
// belongs to the current runlevel.
func (s *Supervisor) healthScan() {
	for _, cmd := range s.reg.Commands() {
		rec := s.reg.Lookup(cmd)
		if rec == nil || rec.Policy != registry.RestartAlways {
			continue
		}
		if rec.Decl.Runlevel != s.reg.Runlevel() {
			continue
		}
		switch rec.State.Kind {
		case registry.Stopped, registry.Exited, registry.Failed:
			s.audit.Emit(auditlog.LevelInfo, fmt.Sprintf("Restarting process: %s", cmd))
			metrics.IncRestart(cmd)
			_, _ = s.spawn.StartWithRetry(rec.Decl, s.cfg.MaxRetries, s.cfg.RetryBackoff)
		}
	}
	metrics.SetRunningServices(s.runningCount())
}

// reload re-reads the inittab and diffs it against the registry:
// vanished services are stopped and removed, new ones started, changed
// attributes updated. Running pids with unchanged declarations are left
// alone, so an unchanged file is a no-op.
func (s *Supervisor) reload() {
	s.audit.Emit(auditlog.LevelInfo, "Reloading configuration...")
	decls, err := config.ParseInittab(s.cfg.Inittab, func(line int, msg string) {
		s.audit.Emit(auditlog.LevelWarn, fmt.Sprintf("inittab line %d: %s", line, msg))
	})
	if err != nil {
		s.audit.Emit(auditlog.LevelError, fmt.Sprintf("Reload failed: %v", err))
		return
	}

	want := make(map[string]config.Declaration)
	var order []config.Declaration
	for _, d := range decls {
		if d.Runlevel != s.reg.Runlevel() {
			continue
		}
		if _, dup := want[d.Command]; dup {
			continue
		}
		want[d.Command] = d
		order = append(order, d)
	}

	for _, cmd := range s.reg.Commands() {
		if _, keep := want[cmd]; !keep {
			s.stopService(cmd, false)
			s.reg.Remove(cmd)
			s.audit.Emit(auditlog.LevelInfo, fmt.Sprintf("Removed %s after reload", cmd))
		}
	}

	for _, d := range order {
		rec := s.reg.Lookup(d.Command)
		if rec == nil {
			_, _ = s.spawn.StartWithRetry(d, s.cfg.MaxRetries, s.cfg.RetryBackoff)
			continue
		}
		if !rec.Decl.Equal(d) {
			rec.Decl = d
		}
		// A reload reinstates the declared policy, lifting any demotion
		// applied by manage stop.
		rec.Policy = registry.RestartAlways
	}
	metrics.SetRunningServices(s.runningCount())
}

// switchRunlevel drains every live record, empties the registry and
// reseeds from the inittab at the new level.
func (s *Supervisor) switchRunlevel(n int) error {
	if n < 0 || n >= s.cfg.MaxRunlevels {
		s.audit.Emit(auditlog.LevelWarn, fmt.Sprintf("Invalid runlevel %d", n))
		return fmt.Errorf("%w: %d", ErrInvalidRunlevel, n)
	}
	s.audit.Emit(auditlog.LevelInfo, fmt.Sprintf("Switching from runlevel %d to %d", s.reg.Runlevel(), n))
	s.drainAll()
	s.reg.Clear()
	s.reg.SetRunlevel(n)
	metrics.SetRunlevel(n)
	s.seed()
	return nil
}

// shutdown discards pending work, drains all services and logs the
// final records. Queued child exits are applied; queued requests are
// answered (ErrShuttingDown, or an empty status reply) so no control
// client is left hanging; other queued events are discarded.
func (s *Supervisor) shutdown() {
	s.audit.Emit(auditlog.LevelInfo, "Shutting down init system...")
	for {
		ev, ok := s.queue.TryDequeue()
		if !ok {
			break
		}
		switch e := ev.(type) {
		case events.ChildExit:
			s.applyExit(e.PID, e.Status)
		case events.RunlevelSwitch:
			replyErr(e.Reply, ErrShuttingDown)
		case events.ManageStart:
			replyErr(e.Reply, ErrShuttingDown)
		case events.ManageStop:
			replyErr(e.Reply, ErrShuttingDown)
		case events.ManageStatus:
			if e.Reply != nil {
				e.Reply <- events.StatusReply{}
			}
		}
	}
	s.drainAll()
	s.audit.Emit(auditlog.LevelInfo, "All processes terminated. Exiting init.")
}

// drainAll stops every live record: SIGTERM to each process group, a
// bounded reap wait, then SIGKILL for the stragglers.
func (s *Supervisor) drainAll() {
	live := s.reg.Drain()
	if len(live) == 0 {
		return
	}
	for _, lp := range live {
		_ = unix.Kill(-lp.PID, unix.SIGTERM)
	}
	s.awaitDrained(live, s.cfg.GracePeriod)

	var stubborn []registry.LivePID
	for _, lp := range live {
		if rec := s.reg.Lookup(lp.Command); rec != nil && rec.State.Live() {
			stubborn = append(stubborn, lp)
		}
	}
	if len(stubborn) > 0 {
		for _, lp := range stubborn {
			s.audit.Emit(auditlog.LevelWarn, fmt.Sprintf("Killing %s (PID %d) after grace period", lp.Command, lp.PID))
			_ = unix.Kill(-lp.PID, unix.SIGKILL)
		}
		s.awaitDrained(stubborn, killWait)
	}
	// Anything still marked live at this point was killed but not yet
	// observed; settle the record so the epoch ends Stopped.
	for _, lp := range live {
		if rec := s.reg.Lookup(lp.Command); rec != nil && rec.State.Live() {
			_ = s.reg.SetState(lp.Command, registry.StoppedState())
		}
	}
	metrics.SetRunningServices(s.runningCount())
}

// awaitDrained reaps synchronously until every listed record has left
// its live state or the deadline passes.
func (s *Supervisor) awaitDrained(list []registry.LivePID, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		for {
			pid, status, ok := reapOne()
			if !ok {
				break
			}
			s.applyExit(pid, status)
		}
		remaining := false
		for _, lp := range list {
			if rec := s.reg.Lookup(lp.Command); rec != nil && rec.State.Live() {
				remaining = true
				break
			}
		}
		if !remaining {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// stopService terminates one running service with the TERM-grace-KILL
// sequence. With demote set (manage stop), the record's restart policy
// drops to Never so the health scan does not immediately undo the
// operator's request.
func (s *Supervisor) stopService(cmd string, demote bool) {
	rec := s.reg.Lookup(cmd)
	if rec == nil {
		return
	}
	if demote {
		rec.Policy = registry.RestartNever
	}
	if rec.State.Kind != registry.Running {
		return
	}
	pid := rec.State.PID
	_ = s.reg.SetState(cmd, registry.StoppingState(pid))
	_ = unix.Kill(-pid, unix.SIGTERM)
	one := []registry.LivePID{{Command: cmd, PID: pid}}
	s.awaitDrained(one, s.cfg.GracePeriod)
	if rec.State.Live() {
		s.audit.Emit(auditlog.LevelWarn, fmt.Sprintf("Killing %s (PID %d) after grace period", cmd, pid))
		_ = unix.Kill(-pid, unix.SIGKILL)
		s.awaitDrained(one, killWait)
	}
	if rec.State.Live() {
		_ = s.reg.SetState(cmd, registry.StoppedState())
	}
	s.audit.Emit(auditlog.LevelInfo, fmt.Sprintf("Stopped %s", cmd))
	s.record(history.Event{Service: cmd, PID: pid, Type: history.EventStop})
	metrics.SetRunningServices(s.runningCount())
}

func (s *Supervisor) manageStart(name string) error {
	rec := s.reg.Lookup(name)
	if rec == nil {
		return fmt.Errorf("%w: %s", registry.ErrUnknownService, name)
	}
	switch rec.State.Kind {
	case registry.Running, registry.Starting, registry.Stopping:
		return nil
	}
	// An explicit start reinstates the declared policy after a manage
	// stop demotion.
	rec.Policy = registry.RestartAlways
	_, err := s.spawn.Start(rec.Decl)
	return err
}

func (s *Supervisor) manageStop(name string) error {
	rec := s.reg.Lookup(name)
	if rec == nil {
		return fmt.Errorf("%w: %s", registry.ErrUnknownService, name)
	}
	s.stopService(name, true)
	return nil
}

func (s *Supervisor) manageStatus(e events.ManageStatus) {
	if e.Reply == nil {
		return
	}
	rec := s.reg.Lookup(e.Name)
	if rec == nil {
		e.Reply <- events.StatusReply{}
		return
	}
	e.Reply <- events.StatusReply{Found: true, Running: rec.State.Kind == registry.Running}
}

// record forwards a lifecycle event to the history sink, if any.
func (s *Supervisor) record(ev history.Event) {
	if s.hist == nil {
		return
	}
	ev.Runlevel = s.reg.Runlevel()
	if err := s.hist.Send(context.Background(), ev); err != nil {
		s.log.Warn("history sink write failed", "service", ev.Service, "err", err)
	}
}
