package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

type BackupFlags struct {
	JSON bool
}

type ListFlags struct {
	JSON bool
}

type SendFlags struct {
	Raw bool
}

type WatchFlags struct {
	PollInterval time.Duration
	GraceDelay   time.Duration
	DryRun       bool
}

type ServeFlags struct {
	Listen        string
	MetricsListen string
	NoSchedule    bool
}

type HistoryFlags struct {
	DSN string
}
