// Package host wraps the two host-level facilities the idle shutdown watcher
// needs: an administrator check and a way to power the machine off.
package host

import (
	"context"
	"os"
)

// PowerOffer powers off the host. PowerOff is fire-and-forget: a nil error
// means the request was handed to the operating system, not that the machine
// is down.
type PowerOffer interface {
	PowerOff(ctx context.Context) error
	Describe() string
}

// IsPrivileged reports whether the current process runs with an effective
// user id of 0.
func IsPrivileged() bool {
	return os.Geteuid() == 0
}

// Method names accepted by New.
const (
	MethodCommand = "command"
	MethodSystemd = "systemd"
)

// New returns the power-off strategy for method. command is used by
// MethodCommand only.
func New(method, command string) (PowerOffer, error) {
	switch method {
	case "", MethodCommand:
		return CommandPowerOff{Command: command}, nil
	case MethodSystemd:
		return SystemdPowerOff{}, nil
	default:
		return nil, &UnknownMethodError{Method: method}
	}
}

type UnknownMethodError struct{ Method string }

func (e *UnknownMethodError) Error() string { return "unknown power-off method: " + e.Method }
