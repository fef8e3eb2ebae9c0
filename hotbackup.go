package hotbackup

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/hotbackup/internal/config"
	"github.com/loykin/hotbackup/internal/backup"
	"github.com/loykin/hotbackup/internal/container"
	"github.com/loykin/hotbackup/internal/cron"
	"github.com/loykin/hotbackup/internal/history"
	"github.com/loykin/hotbackup/internal/history/factory"
	"github.com/loykin/hotbackup/internal/host"
	"github.com/loykin/hotbackup/internal/logger"
	"github.com/loykin/hotbackup/internal/metrics"
	"github.com/loykin/hotbackup/internal/watcher"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Artifact = backup.Artifact

type State = container.State

type Result = container.Result

type Runtime = container.Runtime

type PowerOffer = host.PowerOffer

// BackupJobName is the scheduler job name used by Schedule.
const BackupJobName = "backup"

type options struct {
	runtime    Runtime
	clock      clock.Clock
	powerOff   PowerOffer
	privileged func() bool
	sinks      []history.Sink
}

type Option func(*options)

// WithRuntime replaces the Docker Engine runtime.
func WithRuntime(rt Runtime) Option { return func(o *options) { o.runtime = rt } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithPowerOffer overrides the power-off strategy selected by shutdown.method.
func WithPowerOffer(p PowerOffer) Option { return func(o *options) { o.powerOff = p } }

func WithPrivilegeCheck(f func() bool) Option { return func(o *options) { o.privileged = f } }

// WithHistorySink adds a sink next to the one configured by history.dsn.
func WithHistorySink(s history.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s) } }

// HotBackup wires the container executor, backup orchestrator, idle shutdown
// watcher and history recorder for a single monitored container.
type HotBackup struct {
	cfg      *Config
	opts     options
	exec     *container.Executor
	orch     *backup.Orchestrator
	recorder *history.Recorder
	closers  []io.Closer
}

// LoadConfig reads and validates a configuration file. An empty path uses
// defaults and the environment only.
func LoadConfig(path string) (*Config, error) {
	c, err := cfg.Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetupLogging installs the logger described by the [log] section as the slog
// default. Call it before New; without it critical records print as ERROR+4.
// The returned closer releases the log file.
func SetupLogging(c *Config) (io.Closer, error) {
	if c == nil {
		return nil, errors.NotValidf("nil config")
	}
	return logger.Setup(c.LoggerConfig())
}

func New(c *Config, opts ...Option) (*HotBackup, error) {
	if c == nil {
		return nil, errors.NotValidf("nil config")
	}
	h := &HotBackup{cfg: c, opts: options{clock: clock.WallClock}}
	for _, opt := range opts {
		opt(&h.opts)
	}

	if h.opts.runtime == nil {
		rt, err := container.NewDockerRuntime(c.Container.DockerHost)
		if err != nil {
			return nil, errors.Annotate(err, "docker runtime")
		}
		h.opts.runtime = rt
		h.closers = append(h.closers, rt)
	}

	sinks := append([]history.Sink(nil), h.opts.sinks...)
	if c.History.Enabled {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			_ = h.Close()
			return nil, errors.Annotate(err, "history sink")
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		h.recorder = history.NewRecorder(c.History.Timeout, sinks...)
	}

	h.exec = container.NewExecutor(h.opts.runtime, c.Container.Name, c.Container.ExecPrefix)

	orch, err := backup.NewOrchestrator(backup.Config{
		Container:         c.Container.Name,
		ServerDir:         c.Backup.ServerDir,
		BackupsDir:        c.Backup.BackupsDir,
		StagingDir:        c.Backup.StagingDir,
		KeepLatest:        c.KeepLatest(),
		Format:            c.Backup.Format,
		CleanStaleStaging: c.Backup.CleanStaleStaging,
		Announce:          c.Backup.Announce,
		AnnouncePrefix:    c.Backup.AnnouncePrefix,
		Commands: backup.Commands{
			DisableAutosave: c.Commands.DisableAutosave,
			Flush:           c.Commands.Flush,
			EnableAutosave:  c.Commands.EnableAutosave,
			Announce:        c.Commands.Announce,
			Probe:           c.Commands.Probe,
		},
	}, h.exec, backup.WithClock(h.opts.clock), backup.WithRecorder(h.recorder))
	if err != nil {
		_ = h.Close()
		return nil, errors.Trace(err)
	}
	h.orch = orch
	return h, nil
}

func (h *HotBackup) ContainerName() string { return h.cfg.Container.Name }

func (h *HotBackup) Status(ctx context.Context) (State, error) { return h.exec.Probe(ctx) }

// Send delivers one administrative command, prefixed by container.exec_prefix.
func (h *HotBackup) Send(ctx context.Context, tokens []string) Result { return h.exec.Send(ctx, tokens) }

func (h *HotBackup) Backup(ctx context.Context) (Artifact, error) { return h.orch.Run(ctx) }

// BackupIfOnline runs a backup only when the container is running. The bool
// reports whether a run happened.
func (h *HotBackup) BackupIfOnline(ctx context.Context) (Artifact, bool, error) {
	return h.orch.RunIfOnline(ctx)
}

func (h *HotBackup) ListBackups() ([]Artifact, error) { return backup.List(h.cfg.Backup.BackupsDir) }

func (h *HotBackup) Rotate() ([]string, error) {
	return backup.Rotate(h.cfg.Backup.BackupsDir, h.cfg.KeepLatest())
}

// Watch blocks until the container stops and the host is powered off, or
// until ctx is cancelled.
func (h *HotBackup) Watch(ctx context.Context) error {
	off := h.opts.powerOff
	if off == nil {
		var err error
		off, err = host.New(h.cfg.Shutdown.Method, h.cfg.Shutdown.Command)
		if err != nil {
			return err
		}
	}
	wopts := []watcher.Option{watcher.WithClock(h.opts.clock), watcher.WithRecorder(h.recorder)}
	if h.opts.privileged != nil {
		wopts = append(wopts, watcher.WithPrivilegeCheck(h.opts.privileged))
	}
	w := watcher.New(watcher.Config{
		Container:    h.cfg.Container.Name,
		PollInterval: h.cfg.Shutdown.PollInterval,
		GraceDelay:   h.cfg.Shutdown.GraceDelay,
	}, h.exec, off, wopts...)
	return w.Run(ctx)
}

// Schedule returns a started scheduler running BackupIfOnline on
// backup.schedule. The caller must Stop it.
func (h *HotBackup) Schedule(ctx context.Context) (*cron.Scheduler, error) {
	if h.cfg.Backup.Schedule == "" {
		return nil, errors.NotValidf("empty backup.schedule")
	}
	s := cron.NewScheduler(h.opts.clock)
	job := &cron.Job{
		Name:     BackupJobName,
		Schedule: h.cfg.Backup.Schedule,
		Run: func(ctx context.Context) error {
			_, _, err := h.BackupIfOnline(ctx)
			return err
		},
	}
	if err := s.Add(job); err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the Docker client and flushes history sinks.
func (h *HotBackup) Close() error {
	var first error
	if h.recorder != nil {
		first = h.recorder.Close()
		h.recorder = nil
	}
	for _, c := range h.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	h.closers = nil
	return first
}

// RegisterMetrics registers all hotbackup metrics with the given registerer.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers metrics on the default Prometheus registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler() http.Handler { return metrics.Handler() }

// ServeMetrics starts an HTTP server exposing /metrics on addr.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
