package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hotbackup/internal/container"
	"github.com/loykin/hotbackup/internal/history"
)

var fixedNow = time.Date(2025, 2, 1, 10, 4, 5, 0, time.UTC)

const fixedStamp = "01-02-2025_10_04_05"

// fakeCommander answers by the first token of each command. Unlisted
// commands are delivered.
type fakeCommander struct {
	mu      sync.Mutex
	sent    [][]string
	answers map[string]container.Result
	onSend  func(tokens []string)
}

func (f *fakeCommander) Send(_ context.Context, tokens []string) container.Result {
	f.mu.Lock()
	f.sent = append(f.sent, append([]string(nil), tokens...))
	hook := f.onSend
	res, ok := f.answers[tokens[0]]
	f.mu.Unlock()
	if hook != nil {
		hook(tokens)
	}
	if !ok {
		return container.Result{Outcome: container.OutcomeDelivered, State: container.StateRunning}
	}
	return res
}

func (f *fakeCommander) heads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s[0])
	}
	return out
}

func failed(cmd string) container.Result {
	err := &container.CommandError{Container: "mc", Command: []string{cmd}, ExitCode: 1, Output: "nope"}
	return container.Result{Outcome: container.OutcomeFailed, State: container.StateRunning, Err: err}
}

func skipped() container.Result {
	return container.Result{Outcome: container.OutcomeSkipped, State: container.StateStopped}
}

type eventSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *eventSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	cfg     Config
	cmd     *fakeCommander
	sink    *eventSink
	staging string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	data := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(data, "world", "region"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "server.properties"), []byte("motd=hi\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "world", "level.dat"), []byte("level"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "world", "region", "r.0.0.mca"), []byte(strings.Repeat("x", 4096)), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(data, "empty"), 0o755))
	require.NoError(t, os.Symlink("server.properties", filepath.Join(data, "props-link")))

	f := &fixture{
		cmd:     &fakeCommander{answers: map[string]container.Result{}},
		sink:    &eventSink{},
		staging: filepath.Join(root, "staging"),
	}
	f.cfg = Config{
		Container:      "mc",
		ServerDir:      data,
		BackupsDir:     filepath.Join(root, "backups"),
		StagingDir:     f.staging,
		KeepLatest:     3,
		Format:         FormatGzTar,
		Announce:       true,
		AnnouncePrefix: "[SERVER] [BACKUP]",
		Commands: Commands{
			DisableAutosave: []string{"save-off"},
			Flush:           []string{"save-all"},
			EnableAutosave:  []string{"save-on"},
			Announce:        []string{"tellraw", "@a"},
			Probe:           []string{"help"},
		},
	}
	require.NoError(t, os.MkdirAll(f.cfg.BackupsDir, 0o755))
	return f
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(f.cfg, f.cmd,
		WithClock(testclock.NewClock(fixedNow)),
		WithRecorder(history.NewRecorder(0, f.sink)))
	require.NoError(t, err)
	return o
}

func tree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	require.NoError(t, filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(root, p)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			rel += "/"
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	}))
	sort.Strings(out)
	return out
}

func stagingLeft(t *testing.T, root string) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(root, stagingPrefix+"*"))
	require.NoError(t, err)
	return m
}

func TestRun_ArchiveMatchesDataDir(t *testing.T) {
	for _, format := range []string{FormatGzTar, FormatXzTar} {
		t.Run(format, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.Format = format
			o := f.orchestrator(t)

			art, err := o.Run(context.Background())
			require.NoError(t, err)

			ext, _ := Extension(format)
			assert.Equal(t, filepath.Join(f.cfg.BackupsDir, "backup-"+fixedStamp+ext), art.Path)
			assert.FileExists(t, art.Path)
			assert.Positive(t, art.Size)

			got, err := Entries(art.Path, format)
			require.NoError(t, err)
			sort.Strings(got)
			assert.Equal(t, tree(t, f.cfg.ServerDir), got)

			assert.Empty(t, stagingLeft(t, f.staging))
			assert.Equal(t, []string{"tellraw", "save-off", "save-all", "save-on", "tellraw", "tellraw"}, f.cmd.heads())
			assert.Equal(t, []history.EventType{history.EventStarted, history.EventCompleted}, f.sink.types())
			assert.Equal(t, art.Path, f.sink.events[1].Run.Archive)
		})
	}
}

func TestRun_FileContentsPreserved(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	art, err := o.Run(context.Background())
	require.NoError(t, err)

	tr, c, err := readArchive(art.Path, FormatGzTar)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	found := map[string]string{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Linkname != "" {
			found[hdr.Name] = "->" + hdr.Linkname
			continue
		}
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		found[hdr.Name] = string(b)
	}
	assert.Equal(t, "motd=hi\n", found["server.properties"])
	assert.Equal(t, "level", found["world/level.dat"])
	assert.Len(t, found["world/region/r.0.0.mca"], 4096)
	assert.Equal(t, "->server.properties", found["props-link"])
}

func TestRun_AnnouncementPayload(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	first := f.cmd.sent[0]
	require.Len(t, first, 3)
	assert.Equal(t, []string{"tellraw", "@a"}, first[:2])
	assert.JSONEq(t, `{"text":"[SERVER] [BACKUP] Starting backup...","color":"blue"}`, first[2])
}

func TestRun_AnnounceDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Announce = false
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"save-off", "save-all", "save-on"}, f.cmd.heads())
}

func TestRun_FlushFailureAbortsBeforeCopy(t *testing.T) {
	f := newFixture(t)
	f.cmd.answers["save-all"] = failed("save-all")
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, container.ErrCommandFailed)

	_, statErr := os.Stat(f.staging)
	assert.True(t, os.IsNotExist(statErr), "staging root never created")
	assert.Empty(t, names(t, f.cfg.BackupsDir))
	// saving was disabled, so it is turned back on exactly once
	assert.Equal(t, []string{"tellraw", "save-off", "save-all", "save-on"}, f.cmd.heads())
	assert.Equal(t, []history.EventType{history.EventStarted, history.EventFailed}, f.sink.types())
	assert.Contains(t, f.sink.events[1].Run.Error, "flushing server data")
}

func TestRun_StartAnnouncementFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.cmd.answers["tellraw"] = failed("tellraw")
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, container.ErrCommandFailed)
	assert.Equal(t, []string{"tellraw"}, f.cmd.heads())
}

func TestRun_CompletionAnnouncementIsBestEffort(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.cmd.onSend = func(tokens []string) {
		if tokens[0] == "tellraw" {
			calls++
			if calls == 2 {
				f.cmd.mu.Lock()
				f.cmd.answers["tellraw"] = failed("tellraw")
				f.cmd.mu.Unlock()
			}
		}
	}
	o := f.orchestrator(t)
	art, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, art.Path)
	assert.Equal(t, 3, calls)
}

func TestRun_ServerOfflineStillCopies(t *testing.T) {
	f := newFixture(t)
	for _, c := range []string{"tellraw", "save-off", "save-all", "save-on"} {
		f.cmd.answers[c] = skipped()
	}
	o := f.orchestrator(t)

	art, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, art.Path)
	// save-off was not delivered, so save-on is never sent
	assert.NotContains(t, f.cmd.heads(), "save-on")
}

func TestRun_StagingCollisionFailsClosed(t *testing.T) {
	f := newFixture(t)
	leftover := filepath.Join(f.staging, stagingPrefix+fixedStamp)
	require.NoError(t, os.MkdirAll(leftover, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(leftover, "keep-me"), []byte("x"), 0o644))
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrStagingExists)
	assert.FileExists(t, filepath.Join(leftover, "keep-me"), "foreign staging untouched")
	assert.Empty(t, names(t, f.cfg.BackupsDir))
	assert.Equal(t, "save-on", f.cmd.heads()[len(f.cmd.heads())-1])
}

func TestRun_CleanStaleStaging(t *testing.T) {
	f := newFixture(t)
	f.cfg.CleanStaleStaging = true
	stale := filepath.Join(f.staging, stagingPrefix+"31-12-2024_23_59_59")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	other := filepath.Join(f.staging, "unrelated")
	require.NoError(t, os.MkdirAll(other, 0o755))
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, other)
}

func TestRun_ArchiveCollision(t *testing.T) {
	f := newFixture(t)
	existing := filepath.Join(f.cfg.BackupsDir, "backup-"+fixedStamp+".tar.gz")
	require.NoError(t, os.WriteFile(existing, []byte("older run"), 0o644))
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrArchiveExists)
	b, rerr := os.ReadFile(existing)
	require.NoError(t, rerr)
	assert.Equal(t, "older run", string(b))
	assert.Empty(t, stagingLeft(t, f.staging))
}

func TestRun_CopyFailureCleansStaging(t *testing.T) {
	f := newFixture(t)
	f.cfg.ServerDir = filepath.Join(t.TempDir(), "does-not-exist")
	o := f.orchestrator(t)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, stagingLeft(t, f.staging))
	assert.Equal(t, "save-on", f.cmd.heads()[len(f.cmd.heads())-1])
}

func TestRun_RotatesAfterArchive(t *testing.T) {
	f := newFixture(t)
	f.cfg.KeepLatest = 2
	seed(t, f.cfg.BackupsDir, 3)
	o := f.orchestrator(t)

	art, err := o.Run(context.Background())
	require.NoError(t, err)
	got := names(t, f.cfg.BackupsDir)
	assert.Len(t, got, 2)
	assert.Contains(t, got, filepath.Base(art.Path))
	assert.Contains(t, got, "backup-02.tar.gz")
}

func TestRun_InProgress(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.cmd.onSend = func([]string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	o := f.orchestrator(t)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()
	<-entered
	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	close(release)
	require.NoError(t, <-done)
}

// cancellingRuntime honours ctx like the Docker client does and cancels the
// caller's context while the flush command runs.
type cancellingRuntime struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	heads  []string
}

func (r *cancellingRuntime) Inspect(ctx context.Context, _ string) (container.State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return container.StateRunning, nil
}

func (r *cancellingRuntime) Exec(ctx context.Context, _ string, cmd []string) (container.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return container.ExecResult{}, err
	}
	r.mu.Lock()
	r.heads = append(r.heads, cmd[0])
	r.mu.Unlock()
	if cmd[0] == "save-all" {
		r.cancel()
	}
	return container.ExecResult{}, nil
}

func TestRun_CallerCancelStillReenablesAutosave(t *testing.T) {
	f := newFixture(t)
	f.cfg.Announce = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := &cancellingRuntime{cancel: cancel}
	o, err := NewOrchestrator(f.cfg, container.NewExecutor(rt, "mc", nil),
		WithClock(testclock.NewClock(fixedNow)))
	require.NoError(t, err)

	art, err := o.Run(ctx)
	require.NoError(t, err)
	assert.FileExists(t, art.Path)
	assert.Equal(t, []string{"save-off", "save-all", "save-on"}, rt.heads)
}

func TestRunIfOnline(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		f := newFixture(t)
		f.cmd.answers["help"] = skipped()
		o := f.orchestrator(t)

		_, ran, err := o.RunIfOnline(context.Background())
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Equal(t, []string{"help"}, f.cmd.heads())
		assert.Equal(t, []history.EventType{history.EventSkipped}, f.sink.types())
		assert.Empty(t, names(t, f.cfg.BackupsDir))
	})
	t.Run("online", func(t *testing.T) {
		f := newFixture(t)
		o := f.orchestrator(t)

		art, ran, err := o.RunIfOnline(context.Background())
		require.NoError(t, err)
		assert.True(t, ran)
		assert.FileExists(t, art.Path)
		assert.Equal(t, "help", f.cmd.heads()[0])
	})
	t.Run("probe fails", func(t *testing.T) {
		f := newFixture(t)
		f.cmd.answers["help"] = failed("help")
		o := f.orchestrator(t)

		_, ran, err := o.RunIfOnline(context.Background())
		assert.False(t, ran)
		assert.ErrorIs(t, err, container.ErrCommandFailed)
	})
}

func TestNewOrchestrator_Validates(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(*Config){
		"no server dir":   func(c *Config) { c.ServerDir = "" },
		"no backups dir":  func(c *Config) { c.BackupsDir = "" },
		"no staging":      func(c *Config) { c.StagingDir = "" },
		"negative keep":   func(c *Config) { c.KeepLatest = -1 },
		"same dirs":       func(c *Config) { c.BackupsDir = c.ServerDir + "/" },
		"nested backups":  func(c *Config) { c.BackupsDir = filepath.Join(c.ServerDir, "backups") },
		"nested staging":  func(c *Config) { c.StagingDir = filepath.Join(c.ServerDir, "tmp") },
		"unknown format":  func(c *Config) { c.Format = "zip" },
		"no quiesce cmds": func(c *Config) { c.Commands.Flush = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := f.cfg
			mutate(&cfg)
			_, err := NewOrchestrator(cfg, f.cmd)
			assert.Error(t, err)
		})
	}
	_, err := NewOrchestrator(f.cfg, nil)
	assert.Error(t, err)
}

func TestAnnouncementEscaping(t *testing.T) {
	assert.Equal(t, `{"text":"Say \"hi\"","color":"blue"}`, announcement("", `Say "hi"`))
	assert.Equal(t, `{"text":"[P] msg","color":"blue"}`, announcement(" [P] ", "msg"))
}
