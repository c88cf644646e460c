// Package registry holds the authoritative in-memory table of services.
// The table is owned by the supervisor loop: every mutation happens on
// that goroutine, so the registry itself carries no locking.
package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/initd/internal/config"
)

var (
	ErrCapacityExceeded  = errors.New("registry capacity exceeded")
	ErrDuplicate         = errors.New("duplicate service command")
	ErrUnknownService    = errors.New("unknown service")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// RestartPolicy decides whether the health scan restarts a record.
type RestartPolicy int

const (
	RestartAlways RestartPolicy = iota
	RestartNever
)

func (p RestartPolicy) String() string {
	if p == RestartNever {
		return "never"
	}
	return "always"
}

// Record is one service's entry in the table.
type Record struct {
	Decl   config.Declaration
	State  State
	Policy RestartPolicy
	// Succeeded is set once the service has exited with status 0. A
	// RestartNever dependency that succeeded stays satisfied for the
	// rest of the runlevel epoch.
	Succeeded bool
}

// LivePID pairs a command with its live pid, as returned by Drain.
type LivePID struct {
	Command string
	PID     int
}

// Registry maps command paths to records and tracks the current
// runlevel. Capacity is fixed at construction.
type Registry struct {
	capacity int
	records  map[string]*Record
	order    []string
	byPID    map[int]string
	runlevel int
	logger   *slog.Logger
	// strict makes illegal transitions panic instead of logging, so
	// tests catch supervisor bugs immediately.
	strict bool
}

func New(capacity int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		capacity: capacity,
		records:  make(map[string]*Record, capacity),
		byPID:    make(map[int]string),
		logger:   logger,
	}
}

// SetStrict toggles abort-on-illegal-transition (test mode).
func (r *Registry) SetStrict(v bool) { r.strict = v }

func (r *Registry) Runlevel() int     { return r.runlevel }
func (r *Registry) SetRunlevel(n int) { r.runlevel = n }
func (r *Registry) Len() int          { return len(r.records) }
func (r *Registry) Capacity() int     { return r.capacity }

// Insert adds a record for decl in state Stopped.
func (r *Registry) Insert(decl config.Declaration) (*Record, error) {
	if _, ok := r.records[decl.Command]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, decl.Command)
	}
	if len(r.records) >= r.capacity {
		return nil, fmt.Errorf("%w: %d services", ErrCapacityExceeded, r.capacity)
	}
	rec := &Record{Decl: decl, State: StoppedState(), Policy: RestartAlways}
	r.records[decl.Command] = rec
	r.order = append(r.order, decl.Command)
	return rec, nil
}

// Lookup returns the record for command, or nil.
func (r *Registry) Lookup(command string) *Record {
	return r.records[command]
}

// ByPID returns the command owning a live pid.
func (r *Registry) ByPID(pid int) (string, bool) {
	cmd, ok := r.byPID[pid]
	return cmd, ok
}

// Commands returns the commands in insertion order.
func (r *Registry) Commands() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Remove deletes the record for command. Live records must be stopped
// first; removing one anyway drops its pid index entry.
func (r *Registry) Remove(command string) {
	rec, ok := r.records[command]
	if !ok {
		return
	}
	if rec.State.Live() {
		delete(r.byPID, rec.State.PID)
	}
	delete(r.records, command)
	for i, c := range r.order {
		if c == command {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SetState applies a state transition, enforcing the state machine and
// keeping the pid index consistent. Illegal transitions panic in strict
// mode and are logged as errors otherwise.
func (r *Registry) SetState(command string, next State) error {
	rec, ok := r.records[command]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, command)
	}
	if !transitionLegal(rec.State.Kind, next.Kind) {
		err := fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, rec.State.Kind, next.Kind, command)
		if r.strict {
			panic(err)
		}
		r.logger.Error("illegal state transition", "service", command,
			"from", rec.State.Kind.String(), "to", next.Kind.String())
		return err
	}
	if rec.State.Live() {
		delete(r.byPID, rec.State.PID)
	}
	if next.Live() {
		if owner, dup := r.byPID[next.PID]; dup && owner != command {
			err := fmt.Errorf("%w: pid %d already owned by %s", ErrIllegalTransition, next.PID, owner)
			if r.strict {
				panic(err)
			}
			r.logger.Error("duplicate live pid", "pid", next.PID, "owner", owner, "service", command)
			return err
		}
		r.byPID[next.PID] = command
	}
	if next.Kind == Exited && next.ExitStatus == 0 {
		rec.Succeeded = true
	}
	rec.State = next
	return nil
}

// Drain marks every live record Stopping and returns their pids. Used
// by runlevel switches and shutdown before signalling the children.
func (r *Registry) Drain() []LivePID {
	var live []LivePID
	for _, cmd := range r.order {
		rec := r.records[cmd]
		if rec.State.Kind == Running {
			live = append(live, LivePID{Command: cmd, PID: rec.State.PID})
			// Stopping keeps the pid in the index so the reaper can
			// still resolve the exit notification.
			rec.State = StoppingState(rec.State.PID)
		}
	}
	return live
}

// Clear empties the table. Only valid after a completed drain.
func (r *Registry) Clear() {
	r.records = make(map[string]*Record, r.capacity)
	r.order = nil
	r.byPID = make(map[int]string)
}
