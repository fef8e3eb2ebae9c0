package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root, s := buildRoot()
	defer s.close()

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		s.close()
		os.Exit(1)
	}
}

// buildRoot creates the root command and the session its subcommands share.
func buildRoot() (*cobra.Command, *session) {
	globalFlags := &GlobalFlags{}
	s := newSession(globalFlags)
	c := command{s: s}

	root := createRootCommand(globalFlags, s)
	root.AddCommand(
		createBackupCommand(c, &BackupFlags{}),
		createBackupIfOnlineCommand(c, &BackupFlags{}),
		createRotateCommand(c),
		createListCommand(c, &ListFlags{}),
		createStatusCommand(c),
		createSendCommand(c, &SendFlags{}),
		createWatchCommand(c, &WatchFlags{}),
		createServeCommand(c, &ServeFlags{}),
		createHistoryCommand(c, &HistoryFlags{}),
	)
	return root, s
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags, s *session) *cobra.Command {
	root := &cobra.Command{
		Use:   "hotbackup",
		Short: "Hot backups and idle shutdown for a containerized game server",
		Long: `Hotbackup copies the data directory of a running server container while
autosave is paused, archives and rotates the copies, and can power the host
off once the container has stopped.

Configuration comes from an optional TOML file, .env files and the
environment (CONTAINER_NAME, SERVER_DIRECTORY, BACKUPS_DIRECTORY, KEEP_LATEST).

Examples:
  hotbackup backup --config=/etc/hotbackup.toml
  hotbackup backup-if-online
  hotbackup list
  sudo hotbackup watch
  hotbackup serve                   # scheduled backups + HTTP API`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load()
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error, critical)")

	return root
}

func createBackupCommand(c command, flags *BackupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take a hot backup now",
		Long: `Pause autosave, flush, copy the server directory, resume autosave,
then archive the copy into the backups directory and rotate old archives.

If the container is not running the copy is still taken, without any
quiesce commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Backup(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the archive as JSON")
	return cmd
}

func createBackupIfOnlineCommand(c command, flags *BackupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup-if-online",
		Short: "Take a hot backup only if the server answers the probe command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BackupIfOnline(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the archive as JSON")
	return cmd
}

func createRotateCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Delete all but the newest backup.keep_latest archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Rotate()
		},
	}
}

func createListCommand(c command, flags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print as JSON")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the liveness of the server container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createSendCommand(c command, flags *SendFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send -- <token>...",
		Short: "Send one administrative command to the server",
		Long: `Send one administrative command, prefixed with container.exec_prefix.

Examples:
  hotbackup send -- say hello
  hotbackup send --raw -- list`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Send(cmd.Context(), *flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.Raw, "raw", false, "print only the command output")
	return cmd
}

func createWatchCommand(c command, flags *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Power the host off once the server container stops",
		Long: `Poll the server container and power the host off after it stops.
The container must be running when the watcher starts. Requires root.

SIGINT or SIGTERM stops the watcher without powering off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.PollInterval, "poll-interval", 0, "override shutdown.poll_interval")
	cmd.Flags().DurationVar(&flags.GraceDelay, "grace-delay", -1, "override shutdown.grace_delay")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "log instead of powering off")
	return cmd
}

func createServeCommand(c command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled backups and the HTTP API",
		Long: `Run backup-if-online on backup.schedule (e.g. "@every 6h") and serve the
HTTP API on server.listen until interrupted.

Examples:
  hotbackup serve --config=/etc/hotbackup.toml
  hotbackup serve --listen=:8080 --metrics-listen=:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override server.listen")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve /metrics on a separate address")
	cmd.Flags().BoolVar(&flags.NoSchedule, "no-schedule", false, "serve the API without scheduled backups")
	return cmd
}

func createHistoryCommand(c command, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Run history sink utilities",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Open the history sink and record a test event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HistoryCheck(cmd.Context(), *flags)
		},
	}
	check.Flags().StringVar(&flags.DSN, "dsn", "", "override history.dsn")
	cmd.AddCommand(check)
	return cmd
}
