package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loykin/hotbackup"
)

// session carries the loaded configuration from the root PersistentPreRunE to
// the subcommands.
type session struct {
	flags     *GlobalFlags
	cfg       *hotbackup.Config
	logCloser io.Closer
	out       io.Writer

	// open builds the facade; tests replace it to inject fakes.
	open func(cfg *hotbackup.Config, opts ...hotbackup.Option) (*hotbackup.HotBackup, error)
}

func newSession(flags *GlobalFlags) *session {
	return &session{flags: flags, out: os.Stdout, open: hotbackup.New}
}

// load reads the config once and installs the logger it describes.
func (s *session) load() error {
	if s.cfg != nil {
		return nil
	}
	cfg, err := hotbackup.LoadConfig(s.flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if lvl := strings.TrimSpace(s.flags.LogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	closer, err := hotbackup.SetupLogging(cfg)
	if err != nil {
		return fmt.Errorf("error setting up logger: %w", err)
	}
	s.cfg = cfg
	s.logCloser = closer
	return nil
}

func (s *session) close() {
	if s.logCloser != nil {
		_ = s.logCloser.Close()
		s.logCloser = nil
	}
}

// withApp opens the facade, runs fn and closes it.
func (s *session) withApp(fn func(hb *hotbackup.HotBackup) error, opts ...hotbackup.Option) error {
	hb, err := s.open(s.cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = hb.Close() }()
	return fn(hb)
}
