package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/hotbackup/internal/cron"
	"github.com/loykin/hotbackup/internal/logger"
)

// ErrMissing is wrapped by validation errors for required settings.
var ErrMissing = errors.New("required setting missing")

// Archive formats accepted by backup.format.
const (
	FormatGzTar = "gztar"
	FormatXzTar = "xztar"
)

// Power-off methods accepted by shutdown.method.
const (
	PowerOffCommand = "command"
	PowerOffSystemd = "systemd"
)

// Config is the complete tool configuration. It is built once at startup and
// handed to each component's constructor.
type Config struct {
	EnvFiles  []string        `toml:"env_files" mapstructure:"env_files"`
	Container ContainerConfig `toml:"container" mapstructure:"container"`
	Backup    BackupConfig    `toml:"backup" mapstructure:"backup"`
	Commands  CommandsConfig  `toml:"commands" mapstructure:"commands"`
	Shutdown  ShutdownConfig  `toml:"shutdown" mapstructure:"shutdown"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
}

// ContainerConfig identifies the monitored process inside the process manager.
type ContainerConfig struct {
	Name       string   `toml:"name" mapstructure:"name"`
	ExecPrefix []string `toml:"exec_prefix" mapstructure:"exec_prefix"`
	DockerHost string   `toml:"docker_host" mapstructure:"docker_host"`
}

type BackupConfig struct {
	ServerDir         string `toml:"server_dir" mapstructure:"server_dir"`
	BackupsDir        string `toml:"backups_dir" mapstructure:"backups_dir"`
	StagingDir        string `toml:"staging_dir" mapstructure:"staging_dir"`
	KeepLatest        *int   `toml:"keep_latest" mapstructure:"keep_latest"`
	Format            string `toml:"format" mapstructure:"format"`
	CleanStaleStaging bool   `toml:"clean_stale_staging" mapstructure:"clean_stale_staging"`
	Announce          bool   `toml:"announce" mapstructure:"announce"`
	AnnouncePrefix    string `toml:"announce_prefix" mapstructure:"announce_prefix"`
	Schedule          string `toml:"schedule" mapstructure:"schedule"`
}

// CommandsConfig is the administrative command vocabulary understood by the
// monitored process. Each entry is a token sequence.
type CommandsConfig struct {
	DisableAutosave []string `toml:"disable_autosave" mapstructure:"disable_autosave"`
	Flush           []string `toml:"flush" mapstructure:"flush"`
	EnableAutosave  []string `toml:"enable_autosave" mapstructure:"enable_autosave"`
	Announce        []string `toml:"announce" mapstructure:"announce"`
	Probe           []string `toml:"probe" mapstructure:"probe"`
}

type ShutdownConfig struct {
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	GraceDelay   time.Duration `toml:"grace_delay" mapstructure:"grace_delay"`
	Method       string        `toml:"method" mapstructure:"method"`
	Command      string        `toml:"command" mapstructure:"command"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig selects an optional sink for run events. DSN follows the
// history factory formats (sqlite path, postgres://, clickhouse://, opensearch://).
type HistoryConfig struct {
	Enabled bool          `toml:"enabled" mapstructure:"enabled"`
	DSN     string        `toml:"dsn" mapstructure:"dsn"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// envBindings maps config keys to the environment variables that set them,
// in priority order.
var envBindings = []struct {
	key  string
	envs []string
}{
	{"container.name", []string{"CONTAINER_NAME"}},
	{"container.docker_host", []string{"DOCKER_HOST"}},
	{"backup.server_dir", []string{"SERVER_DIRECTORY"}},
	{"backup.backups_dir", []string{"BACKUPS_DIRECTORY"}},
	{"backup.staging_dir", []string{"STAGING_DIRECTORY"}},
	{"backup.keep_latest", []string{"KEEP_LATEST"}},
	{"shutdown.poll_interval", []string{"AUTO_SHUTDOWN_REFETCH_TIME", "AUTO_SHUTDOWN_REFECH_TIME"}},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("container.exec_prefix", []string{"rcon-cli"})
	v.SetDefault("backup.staging_dir", "/var/tmp")
	v.SetDefault("backup.format", FormatGzTar)
	v.SetDefault("backup.announce", true)
	v.SetDefault("backup.announce_prefix", "[SERVER] [BACKUP]")
	v.SetDefault("commands.disable_autosave", []string{"save-off"})
	v.SetDefault("commands.flush", []string{"save-all"})
	v.SetDefault("commands.enable_autosave", []string{"save-on"})
	v.SetDefault("commands.announce", []string{"tellraw", "@a"})
	v.SetDefault("commands.probe", []string{"help"})
	v.SetDefault("shutdown.poll_interval", 10*time.Second)
	v.SetDefault("shutdown.grace_delay", 10*time.Second)
	v.SetDefault("shutdown.method", PowerOffCommand)
	v.SetDefault("shutdown.command", "shutdown now")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.timeout", 5*time.Second)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("server.listen", "127.0.0.1:8080")
}

// Load builds the configuration. Precedence, lowest first: defaults, the TOML
// file at path (optional), .env files, process environment. A ".env" in the
// working directory is read when present, like dotenv.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	files := v.GetStringSlice("env_files")
	if _, err := os.Stat(".env"); err == nil {
		files = append([]string{".env"}, files...)
	}
	fileVars := make(map[string]string)
	for _, p := range files {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, val := range pairs {
			fileVars[k] = val
		}
	}
	lookup := func(name string) (string, bool) {
		if val, ok := os.LookupEnv(name); ok {
			return val, true
		}
		val, ok := fileVars[name]
		return val, ok
	}
	if err := applyEnv(v, lookup); err != nil {
		return nil, err
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

func applyEnv(v *viper.Viper, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		for _, name := range b.envs {
			raw, ok := lookup(name)
			if !ok || strings.TrimSpace(raw) == "" {
				continue
			}
			raw = strings.TrimSpace(raw)
			switch b.key {
			case "backup.keep_latest":
				n, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("%s must be an integer: %w", name, err)
				}
				v.Set(b.key, n)
			case "shutdown.poll_interval":
				d, err := parseSeconds(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				v.Set(b.key, d)
			default:
				v.Set(b.key, raw)
			}
			break
		}
	}
	return nil
}

// parseSeconds accepts a bare integer (seconds) or a Go duration string.
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate reports every problem at once so a misconfigured host can be fixed
// in one pass.
func (c *Config) Validate() error {
	var errs []error
	missing := func(key string) { errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, key)) }
	if strings.TrimSpace(c.Container.Name) == "" {
		missing("container.name (CONTAINER_NAME)")
	}
	if strings.TrimSpace(c.Backup.ServerDir) == "" {
		missing("backup.server_dir (SERVER_DIRECTORY)")
	}
	if strings.TrimSpace(c.Backup.BackupsDir) == "" {
		missing("backup.backups_dir (BACKUPS_DIRECTORY)")
	}
	if c.Backup.KeepLatest == nil {
		missing("backup.keep_latest (KEEP_LATEST)")
	} else if *c.Backup.KeepLatest < 0 {
		errs = append(errs, fmt.Errorf("backup.keep_latest must be >= 0, got %d", *c.Backup.KeepLatest))
	}
	switch c.Backup.Format {
	case "", FormatGzTar, FormatXzTar:
	default:
		errs = append(errs, fmt.Errorf("unknown backup.format %q (want %s or %s)", c.Backup.Format, FormatGzTar, FormatXzTar))
	}
	if c.Backup.ServerDir != "" {
		if c.Backup.BackupsDir != "" && within(c.Backup.ServerDir, c.Backup.BackupsDir) {
			errs = append(errs, errors.New("backup.backups_dir must not be backup.server_dir or inside it"))
		}
		if c.Backup.StagingDir != "" && within(c.Backup.ServerDir, c.Backup.StagingDir) {
			errs = append(errs, errors.New("backup.staging_dir must not be backup.server_dir or inside it"))
		}
	}
	if c.Shutdown.PollInterval <= 0 {
		errs = append(errs, errors.New("shutdown.poll_interval must be > 0"))
	}
	if c.Shutdown.GraceDelay < 0 {
		errs = append(errs, errors.New("shutdown.grace_delay must be >= 0"))
	}
	switch c.Shutdown.Method {
	case "", PowerOffCommand, PowerOffSystemd:
	default:
		errs = append(errs, fmt.Errorf("unknown shutdown.method %q", c.Shutdown.Method))
	}
	if len(c.Commands.DisableAutosave) == 0 || len(c.Commands.Flush) == 0 || len(c.Commands.EnableAutosave) == 0 {
		errs = append(errs, errors.New("commands.disable_autosave, commands.flush and commands.enable_autosave must not be empty"))
	}
	if c.Backup.Schedule != "" {
		if err := cron.ValidateSchedule(c.Backup.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("backup.schedule: %w", err))
		}
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		missing("history.dsn")
	}
	return errors.Join(errs...)
}

// within reports whether dir is parent or lies below it.
func within(parent, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// KeepLatest returns the retention count, or 0 when unset.
func (c *Config) KeepLatest() int {
	if c.Backup.KeepLatest == nil {
		return 0
	}
	return *c.Backup.KeepLatest
}

// LoggerConfig converts the [log] section.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Lines starting
// with # are ignored, an "export " prefix is dropped and matching surrounding
// quotes are stripped.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
				v = v[1 : len(v)-1]
			}
			if k != "" {
				m[k] = v
			}
		}
	}
	return m, nil
}
