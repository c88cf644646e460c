package registry

import "fmt"

// StateKind enumerates the per-record states of the service lifecycle.
type StateKind int

const (
	Stopped StateKind = iota
	Starting
	Running
	Stopping
	Exited
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// State is the tagged variant held by a record. PID is meaningful for
// Running and Stopping (live) and Exited (historical); ExitStatus for
// Exited; Reason for Failed.
type State struct {
	Kind       StateKind
	PID        int
	ExitStatus int
	Reason     string
}

func StoppedState() State             { return State{Kind: Stopped} }
func StartingState() State            { return State{Kind: Starting} }
func RunningState(pid int) State      { return State{Kind: Running, PID: pid} }
func StoppingState(pid int) State     { return State{Kind: Stopping, PID: pid} }
func FailedState(reason string) State { return State{Kind: Failed, Reason: reason} }

func ExitedState(pid, status int) State {
	return State{Kind: Exited, PID: pid, ExitStatus: status}
}

// Live reports whether the state holds a live pid.
func (s State) Live() bool { return s.Kind == Running || s.Kind == Stopping }

// legalTransitions is the per-record state machine. A transition absent
// from the map is illegal and indicates a supervisor bug.
var legalTransitions = map[StateKind][]StateKind{
	Stopped:  {Starting},
	Starting: {Running, Failed, Stopped},
	Running:  {Exited, Stopping},
	Stopping: {Exited, Stopped},
	Exited:   {Starting, Stopped},
	Failed:   {Starting, Stopped},
}

func transitionLegal(from, to StateKind) bool {
	for _, k := range legalTransitions[from] {
		if k == to {
			return true
		}
	}
	return false
}
