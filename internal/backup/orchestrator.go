// Package backup takes consistent copies of a live server's data directory.
//
// A run quiesces the server (disable autosave, flush), copies the data
// directory into a private staging directory, re-enables autosave, archives
// the staging copy into the backups directory and rotates old archives.
package backup

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/loykin/hotbackup/internal/container"
	"github.com/loykin/hotbackup/internal/history"
	"github.com/loykin/hotbackup/internal/metrics"
)

const (
	ErrStagingExists = errors.ConstError("staging directory already exists")
	ErrArchiveExists = errors.ConstError("backup archive already exists")
	ErrRunInProgress = errors.ConstError("a backup run is already in progress")
)

// TimestampFormat names staging directories and archives. Always UTC.
const TimestampFormat = "02-01-2006_15_04_05"

// Commander delivers a command to the monitored process.
// *container.Executor implements it.
type Commander interface {
	Send(ctx context.Context, tokens []string) container.Result
}

// Commands is the vocabulary spoken to the monitored process.
type Commands struct {
	DisableAutosave []string
	Flush           []string
	EnableAutosave  []string
	// Announce is followed by one extra token: the JSON chat component.
	Announce []string
	Probe    []string
}

type Config struct {
	Container         string
	ServerDir         string
	BackupsDir        string
	StagingDir        string
	KeepLatest        int
	Format            string
	CleanStaleStaging bool
	Announce          bool
	AnnouncePrefix    string
	Commands          Commands
}

func (c Config) validate() error {
	switch {
	case c.ServerDir == "":
		return errors.NotValidf("empty server directory")
	case c.BackupsDir == "":
		return errors.NotValidf("empty backups directory")
	case c.StagingDir == "":
		return errors.NotValidf("empty staging directory")
	case c.KeepLatest < 0:
		return errors.NotValidf("keep_latest %d", c.KeepLatest)
	case len(c.Commands.DisableAutosave) == 0 || len(c.Commands.Flush) == 0 || len(c.Commands.EnableAutosave) == 0:
		return errors.NotValidf("empty quiesce command")
	}
	if within(c.ServerDir, c.BackupsDir) {
		return errors.NotValidf("backups directory inside server directory")
	}
	if within(c.ServerDir, c.StagingDir) {
		return errors.NotValidf("staging directory inside server directory")
	}
	_, err := Extension(c.Format)
	return err
}

// within reports whether dir is parent or lies below it.
func within(parent, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithRecorder(r *history.Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

type Orchestrator struct {
	cfg      Config
	cmd      Commander
	clock    clock.Clock
	recorder *history.Recorder

	mu sync.Mutex
}

func NewOrchestrator(cfg Config, cmd Commander, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cmd == nil {
		return nil, errors.NotValidf("nil commander")
	}
	o := &Orchestrator{cfg: cfg, cmd: cmd, clock: clock.WallClock}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run performs one backup. Runs inside one Orchestrator never overlap: a
// second caller gets ErrRunInProgress immediately.
func (o *Orchestrator) Run(ctx context.Context) (Artifact, error) {
	if !o.mu.TryLock() {
		return Artifact{}, ErrRunInProgress
	}
	defer o.mu.Unlock()

	start := o.clock.Now()
	run := history.Run{ID: history.NewRunID(), Kind: history.KindBackup, Container: o.cfg.Container}
	o.recorder.Record(ctx, history.Event{Type: history.EventStarted, OccurredAt: start.UTC(), Run: run})
	slog.Info("Backup started", "run", run.ID, "container", o.cfg.Container, "source", o.cfg.ServerDir)

	art, err := o.run(ctx, start.UTC())

	elapsed := o.clock.Now().Sub(start)
	run.DurationMS = elapsed.Milliseconds()
	end := history.Event{OccurredAt: o.clock.Now().UTC()}
	if err != nil {
		run.Error = err.Error()
		end.Type = history.EventFailed
		metrics.IncRun("failed")
		slog.Error("Backup failed", "run", run.ID, "duration", elapsed, "error", err)
	} else {
		run.Archive, run.SizeBytes = art.Path, art.Size
		end.Type = history.EventCompleted
		metrics.IncRun("completed")
		metrics.ObserveRunDuration(elapsed.Seconds())
		metrics.SetLastSuccess(float64(end.OccurredAt.Unix()))
		metrics.SetArchiveBytes(art.Size)
		slog.Info("Backup completed", "run", run.ID, "archive", art.Path,
			"size", humanize.IBytes(uint64(art.Size)), "duration", elapsed)
	}
	end.Run = run
	o.recorder.Record(context.WithoutCancel(ctx), end)
	return art, err
}

// RunIfOnline runs a backup only when the probe command is delivered. A
// skipped run returns false and a nil error.
func (o *Orchestrator) RunIfOnline(ctx context.Context) (Artifact, bool, error) {
	res := o.cmd.Send(ctx, o.cfg.Commands.Probe)
	if err := res.Fatal(); err != nil {
		return Artifact{}, false, errors.Annotate(err, "probing server")
	}
	if !res.Delivered() {
		slog.Info("Server offline, skipping backup", "container", o.cfg.Container, "outcome", res.Outcome)
		metrics.IncRun("skipped")
		o.recorder.Record(ctx, history.Event{
			Type:       history.EventSkipped,
			OccurredAt: o.clock.Now().UTC(),
			Run:        history.Run{ID: history.NewRunID(), Kind: history.KindBackup, Container: o.cfg.Container},
		})
		return Artifact{}, false, nil
	}
	art, err := o.Run(ctx)
	return art, err == nil, err
}

func (o *Orchestrator) announce(ctx context.Context, msg string) container.Result {
	if !o.cfg.Announce || len(o.cfg.Commands.Announce) == 0 {
		return container.Result{Outcome: container.OutcomeSkipped}
	}
	tokens := append(append([]string(nil), o.cfg.Commands.Announce...), announcement(o.cfg.AnnouncePrefix, msg))
	return o.cmd.Send(ctx, tokens)
}

// autosave re-enables saving at most once per run, and only if disabling it
// was delivered.
type autosave struct {
	o        *Orchestrator
	disabled bool
	restored bool
}

func (a *autosave) restore(ctx context.Context) error {
	if !a.disabled || a.restored {
		return nil
	}
	a.restored = true
	return a.o.cmd.Send(ctx, a.o.cfg.Commands.EnableAutosave).Fatal()
}

func (o *Orchestrator) step(name string, begin time.Time) {
	metrics.ObserveStep(name, o.clock.Now().Sub(begin).Seconds())
}

// run is not cancellable once started: commands go out on a context detached
// from the caller so autosave is always re-enabled.
func (o *Orchestrator) run(parent context.Context, now time.Time) (_ Artifact, err error) {
	ctx := context.WithoutCancel(parent)
	stamp := now.Format(TimestampFormat)
	ext, err := Extension(o.cfg.Format)
	if err != nil {
		return Artifact{}, errors.Trace(err)
	}

	if err := o.announce(ctx, "Starting backup...").Fatal(); err != nil {
		return Artifact{}, errors.Annotate(err, "announcing backup start")
	}

	save := &autosave{o: o}
	defer func() {
		// abort path: never leave saving disabled
		if rerr := save.restore(ctx); rerr != nil {
			slog.Error("Failed to re-enable autosave after aborted backup", "error", rerr)
		}
	}()
	res := o.cmd.Send(ctx, o.cfg.Commands.DisableAutosave)
	if err := res.Fatal(); err != nil {
		return Artifact{}, errors.Annotate(err, "disabling autosave")
	}
	save.disabled = res.Delivered()
	if err := o.cmd.Send(ctx, o.cfg.Commands.Flush).Fatal(); err != nil {
		return Artifact{}, errors.Annotate(err, "flushing server data")
	}

	if o.cfg.CleanStaleStaging {
		if _, err := removeStale(o.cfg.StagingDir); err != nil {
			return Artifact{}, errors.Trace(err)
		}
	}
	metrics.RecordDiskFree(ctx, o.cfg.StagingDir, o.cfg.BackupsDir)

	begin := o.clock.Now()
	ws, err := newWorkspace(o.cfg.StagingDir, stamp)
	if err != nil {
		return Artifact{}, errors.Trace(err)
	}
	defer func() {
		if cerr := ws.cleanUp(); cerr != nil && err == nil {
			err = errors.Trace(cerr)
		}
	}()
	slog.Info("Copying data directory", "source", o.cfg.ServerDir, "staging", ws.dir)
	if err := ws.fill(o.cfg.ServerDir); err != nil {
		return Artifact{}, errors.Trace(err)
	}
	o.step("copy", begin)

	if err := save.restore(ctx); err != nil {
		return Artifact{}, errors.Annotate(err, "re-enabling autosave")
	}

	if err := o.announce(ctx, "Compressing backup...").Fatal(); err != nil {
		return Artifact{}, errors.Annotate(err, "announcing compression")
	}
	begin = o.clock.Now()
	dst := filepath.Join(o.cfg.BackupsDir, "backup-"+stamp+ext)
	slog.Info("Compressing backup", "archive", dst, "format", o.cfg.Format)
	size, err := writeArchive(ws.dir, dst, o.cfg.Format)
	if err != nil {
		return Artifact{}, errors.Trace(err)
	}
	o.step("archive", begin)

	begin = o.clock.Now()
	if err := ws.cleanUp(); err != nil {
		return Artifact{}, errors.Trace(err)
	}
	o.step("cleanup", begin)

	begin = o.clock.Now()
	removed, err := Rotate(o.cfg.BackupsDir, o.cfg.KeepLatest)
	if err != nil {
		return Artifact{}, errors.Annotate(err, "rotating backups")
	}
	o.step("rotate", begin)
	for _, p := range removed {
		slog.Info("Removed old backup", "path", p)
	}

	if err := o.announce(ctx, "Backup complete!").Fatal(); err != nil {
		slog.Warn("Failed to announce backup completion", "error", err)
	}

	art := Artifact{Path: dst, Name: filepath.Base(dst), Size: size, ModTime: now}
	return art, nil
}
