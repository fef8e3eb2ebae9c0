package hotbackup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hotbackup/internal/container"
	"github.com/loykin/hotbackup/internal/history"
	"github.com/loykin/hotbackup/internal/logger"
	"github.com/loykin/hotbackup/internal/watcher"
)

type scriptedRuntime struct {
	mu     sync.Mutex
	states []container.State
	execs  [][]string
}

// Inspect pops the next scripted state; the last one repeats.
func (r *scriptedRuntime) Inspect(context.Context, string) (container.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[0]
	if len(r.states) > 1 {
		r.states = r.states[1:]
	}
	return st, nil
}

func (r *scriptedRuntime) Exec(_ context.Context, _ string, cmd []string) (container.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, append([]string(nil), cmd...))
	return container.ExecResult{}, nil
}

func (r *scriptedRuntime) sent() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.execs...)
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) types() []history.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []history.EventType
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingPowerOff struct {
	mu    sync.Mutex
	calls int
}

func (p *recordingPowerOff) PowerOff(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil
}

func (p *recordingPowerOff) Describe() string { return "test" }

func testConfig(t *testing.T, keep int) *Config {
	t.Helper()
	root := t.TempDir()
	server := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(server, "world"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(server, "world", "level.dat"), []byte("level"), 0o644))

	c := &Config{}
	c.Container.Name = "mc"
	c.Container.ExecPrefix = []string{"rcon-cli"}
	c.Backup.ServerDir = server
	c.Backup.BackupsDir = filepath.Join(root, "backups")
	c.Backup.StagingDir = filepath.Join(root, "staging")
	c.Backup.KeepLatest = &keep
	c.Backup.Format = "gztar"
	c.Commands.DisableAutosave = []string{"save-off"}
	c.Commands.Flush = []string{"save-all"}
	c.Commands.EnableAutosave = []string{"save-on"}
	c.Commands.Probe = []string{"help"}
	c.Shutdown.PollInterval = time.Second
	c.Shutdown.GraceDelay = 2 * time.Second
	c.Shutdown.Method = "command"
	require.NoError(t, os.MkdirAll(c.Backup.BackupsDir, 0o755))
	return c
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestBackupListRotate(t *testing.T) {
	c := testConfig(t, 1)
	rt := &scriptedRuntime{states: []container.State{container.StateRunning}}
	sink := &captureSink{}
	clk := testclock.NewClock(time.Date(2025, 2, 1, 10, 4, 5, 0, time.UTC))

	hb, err := New(c, WithRuntime(rt), WithClock(clk), WithHistorySink(sink))
	require.NoError(t, err)
	defer func() { _ = hb.Close() }()

	assert.Equal(t, "mc", hb.ContainerName())
	st, err := hb.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, container.StateRunning, st)

	art, err := hb.Backup(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "backup-01-02-2025_10_04_05.tar.gz", art.Name)
	assert.Greater(t, art.Size, int64(0))
	assert.Contains(t, rt.sent(), []string{"rcon-cli", "save-off"})
	assert.Contains(t, rt.sent(), []string{"rcon-cli", "save-on"})
	assert.Equal(t, []history.EventType{history.EventStarted, history.EventCompleted}, sink.types())

	// an older archive beyond keep_latest is rotated away
	old := filepath.Join(c.Backup.BackupsDir, "backup-01-01-2025_00_00_00.tar.gz")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	list, err := hb.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 2)

	removed, err := hb.Rotate()
	require.NoError(t, err)
	assert.Equal(t, []string{old}, removed)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestBackupIfOnline_Offline(t *testing.T) {
	c := testConfig(t, 3)
	rt := &scriptedRuntime{states: []container.State{container.StateStopped}}
	sink := &captureSink{}

	hb, err := New(c, WithRuntime(rt), WithHistorySink(sink))
	require.NoError(t, err)
	defer func() { _ = hb.Close() }()

	_, ran, err := hb.BackupIfOnline(t.Context())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, rt.sent())
	assert.Equal(t, []history.EventType{history.EventSkipped}, sink.types())
}

func TestSend(t *testing.T) {
	c := testConfig(t, 3)
	rt := &scriptedRuntime{states: []container.State{container.StateRunning}}
	hb, err := New(c, WithRuntime(rt))
	require.NoError(t, err)
	defer func() { _ = hb.Close() }()

	res := hb.Send(t.Context(), []string{"say", "hi"})
	require.NoError(t, res.Fatal())
	assert.True(t, res.Delivered())
	assert.Equal(t, [][]string{{"rcon-cli", "say", "hi"}}, rt.sent())
}

func TestWatch_PowersOffOnceAfterStop(t *testing.T) {
	c := testConfig(t, 3)
	rt := &scriptedRuntime{states: []container.State{container.StateRunning, container.StateStopped}}
	off := &recordingPowerOff{}
	sink := &captureSink{}
	clk := testclock.NewClock(time.Now())

	hb, err := New(c, WithRuntime(rt), WithClock(clk), WithPowerOffer(off),
		WithPrivilegeCheck(func() bool { return true }), WithHistorySink(sink))
	require.NoError(t, err)
	defer func() { _ = hb.Close() }()

	done := make(chan error, 1)
	go func() { done <- hb.Watch(t.Context()) }()

	require.NoError(t, clk.WaitAdvance(c.Shutdown.PollInterval, 5*time.Second, 1))
	require.NoError(t, clk.WaitAdvance(c.Shutdown.GraceDelay, 5*time.Second, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}
	assert.Equal(t, 1, off.calls)
	assert.Equal(t, []history.EventType{history.EventShutdown}, sink.types())
}

func TestWatch_RefusesWithoutPrivileges(t *testing.T) {
	c := testConfig(t, 3)
	rt := &scriptedRuntime{states: []container.State{container.StateRunning}}
	off := &recordingPowerOff{}
	hb, err := New(c, WithRuntime(rt), WithPowerOffer(off), WithPrivilegeCheck(func() bool { return false }))
	require.NoError(t, err)
	defer func() { _ = hb.Close() }()

	assert.ErrorIs(t, hb.Watch(t.Context()), watcher.ErrNotPrivileged)
	assert.Zero(t, off.calls)
}

func TestWatch_UnknownMethod(t *testing.T) {
	c := testConfig(t, 3)
	c.Shutdown.Method = "acpi"
	hb, err := New(c, WithRuntime(&scriptedRuntime{states: []container.State{container.StateRunning}}))
	require.NoError(t, err)
	defer func() { _ = hb.Close() }()

	assert.Error(t, hb.Watch(t.Context()))
}

func TestSchedule(t *testing.T) {
	c := testConfig(t, 3)
	rt := &scriptedRuntime{states: []container.State{container.StateStopped}}
	sink := &captureSink{}
	clk := testclock.NewClock(time.Now())
	hb, err := New(c, WithRuntime(rt), WithClock(clk), WithHistorySink(sink))
	require.NoError(t, err)
	defer func() { _ = hb.Close() }()

	_, err = hb.Schedule(t.Context())
	assert.Error(t, err, "empty schedule must be rejected")

	c.Backup.Schedule = "@every 1h"
	s, err := hb.Schedule(t.Context())
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, clk.WaitAdvance(time.Hour, 5*time.Second, 1))
	assert.Eventually(t, func() bool {
		return len(sink.types()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []history.EventType{history.EventSkipped}, sink.types())
}

func TestNew_HistoryFromDSN(t *testing.T) {
	c := testConfig(t, 3)
	c.History.Enabled = true
	c.History.DSN = filepath.Join(t.TempDir(), "history.db")
	hb, err := New(c, WithRuntime(&scriptedRuntime{states: []container.State{container.StateStopped}}))
	require.NoError(t, err)
	_, _, err = hb.BackupIfOnline(t.Context())
	require.NoError(t, err)
	require.NoError(t, hb.Close())

	c.History.DSN = "mysql://nope"
	_, err = New(c, WithRuntime(&scriptedRuntime{states: []container.State{container.StateStopped}}))
	assert.Error(t, err)
}

func TestNew_InvalidBackupConfig(t *testing.T) {
	c := testConfig(t, 3)
	c.Backup.Format = "zip"
	_, err := New(c, WithRuntime(&scriptedRuntime{states: []container.State{container.StateStopped}}))
	assert.Error(t, err)
}

func TestSetupLogging_NamesCriticalLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	c := testConfig(t, 3)
	c.Log.File = filepath.Join(t.TempDir(), "hotbackup.log")
	closer, err := SetupLogging(c)
	require.NoError(t, err)

	logger.Critical("Cannot reach the process manager", "container", "mc")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(c.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(b), "level=CRITICAL")
	assert.NotContains(t, string(b), "ERROR+4")

	_, err = SetupLogging(nil)
	assert.Error(t, err)
}
