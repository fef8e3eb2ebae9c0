package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/hotbackup"
	"github.com/loykin/hotbackup/internal/history"
	"github.com/loykin/hotbackup/internal/history/factory"
	"github.com/loykin/hotbackup/internal/server"
)

const shutdownTimeout = 10 * time.Second

type command struct {
	s *session
}

func (c command) out() io.Writer { return c.s.out }

func (c command) Backup(ctx context.Context, f BackupFlags) error {
	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		art, err := hb.Backup(ctx)
		if err != nil {
			return err
		}
		c.printArtifact(art, f.JSON)
		return nil
	})
}

func (c command) BackupIfOnline(ctx context.Context, f BackupFlags) error {
	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		art, ran, err := hb.BackupIfOnline(ctx)
		if err != nil {
			return err
		}
		if !ran {
			_, _ = fmt.Fprintf(c.out(), "%s is offline, backup skipped\n", hb.ContainerName())
			return nil
		}
		c.printArtifact(art, f.JSON)
		return nil
	})
}

func (c command) printArtifact(art hotbackup.Artifact, asJSON bool) {
	if asJSON {
		printJSON(c.out(), art)
		return
	}
	_, _ = fmt.Fprintf(c.out(), "%s (%s)\n", art.Path, humanize.IBytes(uint64(art.Size)))
}

func (c command) Rotate() error {
	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		removed, err := hb.Rotate()
		for _, p := range removed {
			_, _ = fmt.Fprintf(c.out(), "removed %s\n", p)
		}
		return err
	})
}

func (c command) List(f ListFlags) error {
	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		arts, err := hb.ListBackups()
		if err != nil {
			return err
		}
		if f.JSON {
			if arts == nil {
				arts = []hotbackup.Artifact{}
			}
			printJSON(c.out(), arts)
			return nil
		}
		tw := tabwriter.NewWriter(c.out(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
		for _, a := range arts {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, humanize.IBytes(uint64(a.Size)), humanize.Time(a.ModTime))
		}
		return tw.Flush()
	})
}

func (c command) Status(ctx context.Context) error {
	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		st, err := hb.Status(ctx)
		if err != nil {
			return fmt.Errorf("cannot reach the process manager: %w", err)
		}
		_, _ = fmt.Fprintf(c.out(), "%s: %s\n", hb.ContainerName(), st)
		return nil
	})
}

func (c command) Send(ctx context.Context, f SendFlags, tokens []string) error {
	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		res := hb.Send(ctx, tokens)
		if err := res.Fatal(); err != nil {
			return err
		}
		if f.Raw {
			_, _ = fmt.Fprint(c.out(), res.Output)
			if res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
				_, _ = fmt.Fprintln(c.out())
			}
			return nil
		}
		printJSON(c.out(), map[string]any{
			"outcome": res.Outcome.String(),
			"state":   res.State,
			"output":  res.Output,
		})
		if !res.Delivered() {
			return fmt.Errorf("command not delivered: %s", res.Outcome)
		}
		return nil
	})
}

// dryRunPowerOff logs instead of powering the host off.
type dryRunPowerOff struct{}

func (dryRunPowerOff) PowerOff(context.Context) error {
	slog.Warn("Dry run: host power-off skipped")
	return nil
}

func (dryRunPowerOff) Describe() string { return "dry-run" }

func (c command) Watch(ctx context.Context, f WatchFlags) error {
	if f.PollInterval > 0 {
		c.s.cfg.Shutdown.PollInterval = f.PollInterval
	}
	if f.GraceDelay >= 0 {
		c.s.cfg.Shutdown.GraceDelay = f.GraceDelay
	}
	var opts []hotbackup.Option
	if f.DryRun {
		opts = append(opts, hotbackup.WithPowerOffer(dryRunPowerOff{}), hotbackup.WithPrivilegeCheck(func() bool { return true }))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		err := hb.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			slog.Info("Watcher interrupted, host left running")
			return nil
		}
		return err
	}, opts...)
}

func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg := c.s.cfg
	listen := cfg.Server.Listen
	if f.Listen != "" {
		listen = f.Listen
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return c.s.withApp(func(hb *hotbackup.HotBackup) error {
		if cfg.Metrics.Enabled || f.MetricsListen != "" {
			if err := hotbackup.RegisterMetricsDefault(); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}
		}

		var servers []*http.Server
		if f.MetricsListen != "" {
			srv, err := server.NewServer(f.MetricsListen, server.NewRouter(nil, "", true))
			if err != nil {
				return err
			}
			servers = append(servers, srv)
			slog.Info("Metrics listening", "addr", f.MetricsListen)
		}
		if listen != "" {
			srv, err := server.NewServer(listen, server.NewRouter(hb, cfg.Server.BasePath, cfg.Metrics.Enabled))
			if err != nil {
				shutdownAll(servers)
				return err
			}
			servers = append(servers, srv)
			slog.Info("API listening", "addr", listen, "base", cfg.Server.BasePath)
		}
		defer shutdownAll(servers)

		if cfg.Backup.Schedule != "" && !f.NoSchedule {
			sched, err := hb.Schedule(ctx)
			if err != nil {
				return err
			}
			defer sched.Stop()
		} else if len(servers) == 0 {
			return errors.New("nothing to serve: set backup.schedule or server.listen")
		}

		<-ctx.Done()
		slog.Info("Shutting down")
		return nil
	})
}

func shutdownAll(servers []*http.Server) {
	for _, srv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("HTTP server shutdown", "addr", srv.Addr, "error", err)
		}
		cancel()
	}
}

func (c command) HistoryCheck(ctx context.Context, f HistoryFlags) error {
	dsn := c.s.cfg.History.DSN
	if f.DSN != "" {
		dsn = f.DSN
	}
	if strings.TrimSpace(dsn) == "" {
		return errors.New("no history DSN: set history.dsn or --dsn")
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("open history sink: %w", err)
	}
	if closer, ok := sink.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	timeout := c.s.cfg.History.Timeout
	if timeout <= 0 {
		timeout = shutdownTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	e := history.Event{
		Type:       history.EventCheck,
		OccurredAt: time.Now().UTC(),
		Run:        history.Run{ID: history.NewRunID(), Container: c.s.cfg.Container.Name},
	}
	if err := sink.Send(sctx, e); err != nil {
		return fmt.Errorf("write check event: %w", err)
	}
	_, _ = fmt.Fprintf(c.out(), "history sink ok (run %s)\n", e.Run.ID)
	return nil
}
