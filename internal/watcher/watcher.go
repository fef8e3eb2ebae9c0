// Package watcher powers the host off once the monitored process stops.
//
// The watcher is a three state machine: it confirms the process is running
// (awaiting_running), re-checks it every poll interval (polling) and, on the
// first check that finds it not running, waits a grace delay and powers the
// host off exactly once (shutting_down). shutting_down is terminal.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/loykin/hotbackup/internal/container"
	"github.com/loykin/hotbackup/internal/history"
	"github.com/loykin/hotbackup/internal/host"
	"github.com/loykin/hotbackup/internal/logger"
	"github.com/loykin/hotbackup/internal/metrics"
)

const (
	ErrNotPrivileged = errors.ConstError("the idle shutdown watcher must run with administrator privileges")
	ErrNotRunning    = errors.ConstError("asked to watch a process that is not currently running")
)

type State string

const (
	StateAwaitingRunning State = "awaiting_running"
	StatePolling         State = "polling"
	StateShuttingDown    State = "shutting_down"
)

var allStates = []string{string(StateAwaitingRunning), string(StatePolling), string(StateShuttingDown)}

const (
	DefaultPollInterval = 10 * time.Second
	DefaultGraceDelay   = 10 * time.Second
)

// Prober reports the liveness of the monitored process.
type Prober interface {
	Probe(ctx context.Context) (container.State, error)
}

type Config struct {
	Container    string
	PollInterval time.Duration
	GraceDelay   time.Duration
}

type Option func(*Watcher)

func WithClock(c clock.Clock) Option { return func(w *Watcher) { w.clock = c } }

// WithPrivilegeCheck replaces host.IsPrivileged.
func WithPrivilegeCheck(f func() bool) Option { return func(w *Watcher) { w.privileged = f } }

func WithRecorder(r *history.Recorder) Option { return func(w *Watcher) { w.recorder = r } }

type Watcher struct {
	cfg        Config
	prober     Prober
	off        host.PowerOffer
	clock      clock.Clock
	privileged func() bool
	recorder   *history.Recorder

	mu    sync.Mutex
	state State
}

func New(cfg Config, p Prober, off host.PowerOffer, opts ...Option) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GraceDelay < 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	w := &Watcher{
		cfg:        cfg,
		prober:     p,
		off:        off,
		clock:      clock.WallClock,
		privileged: host.IsPrivileged,
		state:      StateAwaitingRunning,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	metrics.SetWatcherState(string(s), allStates)
	slog.Debug("Watcher state", "container", w.cfg.Container, "state", s)
}

// running probes once. A probe error counts as not running.
func (w *Watcher) running(ctx context.Context) bool {
	st, err := w.prober.Probe(ctx)
	if err != nil {
		logger.Critical("Cannot reach the process manager; treating process as not running",
			"container", w.cfg.Container, "error", err)
		return false
	}
	return st.Running()
}

// Run drives the state machine until the host has been asked to power off,
// the process was not running to begin with, or ctx is cancelled. A
// cancelled ctx returns ctx.Err() and never powers off.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.privileged() {
		logger.Critical("The idle shutdown watcher must be run as root")
		return ErrNotPrivileged
	}

	w.setState(StateAwaitingRunning)
	if !w.running(ctx) {
		if ctx.Err() != nil {
			return w.interrupted(ctx)
		}
		logger.Critical("Asked to watch a process that is not currently running", "container", w.cfg.Container)
		return ErrNotRunning
	}

	w.setState(StatePolling)
	slog.Info("Watching process", "container", w.cfg.Container, "interval", w.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return w.interrupted(ctx)
		case <-w.clock.After(w.cfg.PollInterval):
		}
		if w.running(ctx) {
			continue
		}
		if ctx.Err() != nil {
			return w.interrupted(ctx)
		}
		break
	}

	w.setState(StateShuttingDown)
	slog.Info("Process stopped, imminent host shutdown",
		"container", w.cfg.Container, "grace", w.cfg.GraceDelay, "method", w.off.Describe())
	select {
	case <-ctx.Done():
		return w.interrupted(ctx)
	case <-w.clock.After(w.cfg.GraceDelay):
	}

	err := w.off.PowerOff(ctx)
	run := history.Run{ID: history.NewRunID(), Kind: history.KindWatch, Container: w.cfg.Container}
	if err != nil {
		run.Error = err.Error()
		logger.Critical("Host power-off failed", "method", w.off.Describe(), "error", err)
		w.recorder.Record(context.WithoutCancel(ctx), history.Event{Type: history.EventFailed, Run: run})
		return errors.Annotate(err, "power off")
	}
	slog.Info("Host power-off requested", "method", w.off.Describe())
	w.recorder.Record(context.WithoutCancel(ctx), history.Event{Type: history.EventShutdown, Run: run})
	return nil
}

func (w *Watcher) interrupted(ctx context.Context) error {
	slog.Info("Watcher interrupted, exiting without shutdown", "container", w.cfg.Container, "state", w.State())
	return ctx.Err()
}
