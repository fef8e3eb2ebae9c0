package host

import (
	"context"

	"github.com/coreos/go-systemd/v22/util"
	"github.com/godbus/dbus/v5"
	"github.com/juju/errors"
)

const (
	login1Dest   = "org.freedesktop.login1"
	login1Path   = dbus.ObjectPath("/org/freedesktop/login1")
	login1Method = "org.freedesktop.login1.Manager.PowerOff"
)

// ErrNoSystemd is returned by SystemdPowerOff on hosts not booted with systemd.
const ErrNoSystemd = errors.ConstError("systemd is not the init system")

// SystemdPowerOff asks systemd-logind to power off over the system bus.
type SystemdPowerOff struct{}

func (SystemdPowerOff) PowerOff(ctx context.Context) error {
	if !util.IsRunningSystemd() {
		return ErrNoSystemd
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return errors.Annotate(err, "connect system bus")
	}
	defer func() { _ = conn.Close() }()

	// interactive=false: never prompt for polkit authorization
	call := conn.Object(login1Dest, login1Path).CallWithContext(ctx, login1Method, 0, false)
	if call.Err != nil {
		return errors.Annotate(call.Err, "logind PowerOff")
	}
	return nil
}

func (SystemdPowerOff) Describe() string { return "systemd:login1" }
