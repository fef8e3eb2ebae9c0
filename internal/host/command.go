package host

import (
	"context"
	"os/exec"
	"strings"

	"github.com/juju/errors"
)

// DefaultCommand is what CommandPowerOff runs when Command is empty.
const DefaultCommand = "shutdown now"

// CommandPowerOff runs a shell command, "shutdown now" by default.
type CommandPowerOff struct{ Command string }

func (c CommandPowerOff) command() string {
	if s := strings.TrimSpace(c.Command); s != "" {
		return s
	}
	return DefaultCommand
}

// buildShellAwareCommand avoids invoking a shell unless obvious shell
// metacharacters are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (c CommandPowerOff) PowerOff(ctx context.Context) error {
	cmd := buildShellAwareCommand(ctx, c.command())
	out, err := cmd.CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return errors.Errorf("%s exited with %d: %s", c.command(), ee.ExitCode(), strings.TrimSpace(string(out)))
		}
		return errors.Annotatef(err, "run %s", c.command())
	}
	return nil
}

func (c CommandPowerOff) Describe() string { return "cmd:" + c.command() }
