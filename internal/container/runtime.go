package container

import "context"

// State is the liveness of the monitored process as reported by the process
// manager. It is deliberately tri-state: callers treat a process that was never
// created differently from one that exists but is down.
type State string

const (
	StateAbsent  State = "absent"  // the process manager has no record of the name
	StateStopped State = "stopped" // a record exists but the process is not executing
	StateRunning State = "running" // actively executing
)

func (s State) Running() bool { return s == StateRunning }

// ExecResult is the outcome of a command executed inside the process's
// administrative control channel.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Runtime is the process manager seen from this tool. Inspect looks the name
// up fresh on every call and reports StateAbsent (with a nil error) when no
// record exists; any other error means the manager itself could not be reached.
// Implementations must be safe for concurrent use.
type Runtime interface {
	Inspect(ctx context.Context, name string) (State, error)
	Exec(ctx context.Context, name string, cmd []string) (ExecResult, error)
}
