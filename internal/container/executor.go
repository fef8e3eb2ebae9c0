package container

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/juju/errors"

	"github.com/loykin/hotbackup/internal/logger"
	"github.com/loykin/hotbackup/internal/metrics"
)

// ErrCommandFailed is matched (errors.Is) by every *CommandError.
const ErrCommandFailed = errors.ConstError("command failed inside the monitored process")

// CommandError reports a non-zero exit from the control channel while the
// process was confirmed running. It is fatal for the caller: a failed flush
// before a hot copy would otherwise go unnoticed.
type CommandError struct {
	Container string
	Command   []string
	ExitCode  int
	Output    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("non-zero exit (%d) running %q in container %s. Remote output: %s",
		e.ExitCode, strings.Join(e.Command, " "), e.Container, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Outcome classifies a Send call.
type Outcome int

const (
	// OutcomeDelivered: the process was running and the command exited zero.
	OutcomeDelivered Outcome = iota
	// OutcomeSkipped: no record, or the process is not running. Not an error.
	OutcomeSkipped
	// OutcomeUnreachable: the process manager could not be queried. Callers
	// treat this as "not running".
	OutcomeUnreachable
	// OutcomeFailed: the command ran and exited non-zero. Fatal.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what Send observed. Err is the cause for OutcomeUnreachable and a
// *CommandError for OutcomeFailed.
type Result struct {
	Outcome Outcome
	State   State
	Output  string
	Err     error
}

// Delivered reports whether the command ran successfully.
func (r Result) Delivered() bool { return r.Outcome == OutcomeDelivered }

// Fatal returns the error the caller must propagate, if any.
func (r Result) Fatal() error {
	if r.Outcome == OutcomeFailed {
		return r.Err
	}
	return nil
}

// Executor delivers administrative commands to one named process, but only
// while the process manager reports it running.
type Executor struct {
	rt     Runtime
	name   string
	prefix []string
}

// NewExecutor returns an Executor for the process called name. prefix is
// prepended to every command (for example ["rcon-cli"]).
func NewExecutor(rt Runtime, name string, prefix []string) *Executor {
	return &Executor{rt: rt, name: name, prefix: append([]string(nil), prefix...)}
}

// Name is the monitored process name.
func (e *Executor) Name() string { return e.name }

// Probe looks up the current liveness state. It is the primitive shared with
// the idle shutdown watcher.
func (e *Executor) Probe(ctx context.Context) (State, error) {
	return e.rt.Inspect(ctx, e.name)
}

// Send delivers tokens through the control channel if the process is running.
func (e *Executor) Send(ctx context.Context, tokens []string) Result {
	res := e.send(ctx, tokens)
	metrics.IncCommand(res.Outcome.String())
	return res
}

func (e *Executor) send(ctx context.Context, tokens []string) Result {
	if len(tokens) == 0 {
		return Result{Outcome: OutcomeFailed, Err: errors.New("empty command")}
	}
	state, err := e.rt.Inspect(ctx, e.name)
	if err != nil {
		logger.Critical("Cannot reach the process manager; treating process as not running",
			"container", e.name, "command", tokens, "error", err)
		return Result{Outcome: OutcomeUnreachable, State: state, Err: err}
	}
	switch state {
	case StateAbsent:
		slog.Info("Container not found, skipping command", "container", e.name, "command", tokens)
		return Result{Outcome: OutcomeSkipped, State: state}
	case StateRunning:
	default:
		slog.Info("Container offline, skipping command", "container", e.name, "command", tokens, "state", state)
		return Result{Outcome: OutcomeSkipped, State: state}
	}

	slog.Info("Container found, running command", "container", e.name, "command", tokens)
	cmd := make([]string, 0, len(e.prefix)+len(tokens))
	cmd = append(cmd, e.prefix...)
	cmd = append(cmd, tokens...)
	out, err := e.rt.Exec(ctx, e.name, cmd)
	if err != nil {
		logger.Critical("Cannot reach the process manager while running command",
			"container", e.name, "command", tokens, "error", err)
		return Result{Outcome: OutcomeUnreachable, State: state, Err: err}
	}
	if out.ExitCode != 0 {
		cerr := &CommandError{Container: e.name, Command: tokens, ExitCode: out.ExitCode, Output: out.Output}
		logger.Critical(cerr.Error())
		return Result{Outcome: OutcomeFailed, State: state, Output: out.Output, Err: cerr}
	}
	slog.Info("Command ran successfully", "container", e.name, "command", tokens)
	return Result{Outcome: OutcomeDelivered, State: state, Output: out.Output}
}

// SendCommand is the boolean form of Send: true when delivered, an error only
// for OutcomeFailed.
func (e *Executor) SendCommand(ctx context.Context, tokens []string) (bool, error) {
	res := e.Send(ctx, tokens)
	return res.Delivered(), res.Fatal()
}
