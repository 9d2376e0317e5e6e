package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "quire.db"
	defaultHistoryPageSize = 50
	defaultBucket          = "quire-staging"
	defaultDispatchTimeout = 10 * time.Second
	defaultURLExpiry       = time.Hour

	envConfig          = "QUIRE_CONFIG"
	envListenAddr      = "QUIRE_LISTEN_ADDR"
	envDBPath          = "QUIRE_DB_PATH"
	envLogLevel        = "QUIRE_LOG_LEVEL"
	envLogFormat       = "QUIRE_LOG_FORMAT"
	envMaxWorkers      = "QUIRE_MAX_WORKERS"
	envPrewarm         = "QUIRE_PREWARM"
	envTaskTimeout     = "QUIRE_TASK_TIMEOUT"
	envWorkerMode      = "QUIRE_WORKER_MODE"
	envInstanceID      = "QUIRE_INSTANCE_ID"
	envPeerDir         = "QUIRE_PEER_DIR"
	envHistoryPageSize = "QUIRE_HISTORY_PAGE_SIZE"
	envOutputDir       = "QUIRE_OUTPUT_DIR"
	envRemoteEndpoint  = "QUIRE_REMOTE_ENDPOINT"
	envRemoteAccessKey = "QUIRE_REMOTE_ACCESS_KEY"
	envRemoteSecretKey = "QUIRE_REMOTE_SECRET_KEY"
	envRemoteBucket    = "QUIRE_REMOTE_BUCKET"
	envRemoteUseSSL    = "QUIRE_REMOTE_USE_SSL"
	envRemoteURLExpiry = "QUIRE_REMOTE_URL_EXPIRY"
	envDispatchURL     = "QUIRE_DISPATCH_URL"
	envDispatchTimeout = "QUIRE_DISPATCH_TIMEOUT"
	envTraceExporter   = "QUIRE_TRACE_EXPORTER"
)

// Worker modes.
const (
	WorkerModeLocal   = "local"
	WorkerModeProcess = "process"
)

// Log formats. FormatAuto picks text on a terminal and JSON otherwise.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// Duration is a time.Duration written as a Go duration string ("90s") in
// config files.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats d as a duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds application configuration. Values come from defaults, then an
// optional TOML file, then environment variables.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DBPath     string `toml:"db_path"`

	Log    Log    `toml:"log"`
	Pool   Pool   `toml:"pool"`
	Sync   Sync   `toml:"sync"`
	Jobs   Jobs   `toml:"jobs"`
	Remote Remote `toml:"remote"`
	Trace  Trace  `toml:"trace"`
}

// Log configures the process logger.
type Log struct {
	Level  slog.Level `toml:"level"`
	Format string     `toml:"format"`
}

// Pool configures the worker pool.
type Pool struct {
	MaxWorkers  int      `toml:"max_workers"`
	Prewarm     int      `toml:"prewarm"`
	TaskTimeout Duration `toml:"task_timeout"`
	WorkerMode  string   `toml:"worker_mode"`
}

// Sync configures replication between instances on this machine.
type Sync struct {
	// InstanceID names this instance to its peers. Empty picks a fresh id
	// at startup.
	InstanceID string `toml:"instance_id"`
	// PeerDir holds the sockets of every live instance. Empty disables
	// replication.
	PeerDir string `toml:"peer_dir"`
}

// Jobs configures job bookkeeping.
type Jobs struct {
	HistoryPageSize int    `toml:"history_page_size"`
	OutputDir       string `toml:"output_dir"`
}

// Remote configures the remote execution path. It is enabled when both
// Endpoint and DispatchURL are set.
type Remote struct {
	Endpoint        string   `toml:"endpoint"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	Bucket          string   `toml:"bucket"`
	UseSSL          bool     `toml:"use_ssl"`
	URLExpiry       Duration `toml:"url_expiry"`
	DispatchURL     string   `toml:"dispatch_url"`
	DispatchTimeout Duration `toml:"dispatch_timeout"`
}

// Enabled reports whether remote execution is configured.
func (r Remote) Enabled() bool {
	return r.Endpoint != "" && r.DispatchURL != ""
}

// Trace configures OpenTelemetry export.
type Trace struct {
	Exporter string `toml:"exporter"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		Log:        Log{Level: slog.LevelInfo, Format: FormatAuto},
		Pool:       Pool{WorkerMode: WorkerModeLocal},
		Sync:       Sync{PeerDir: filepath.Join(os.TempDir(), "quire-peers")},
		Jobs:       Jobs{HistoryPageSize: defaultHistoryPageSize},
		Remote: Remote{
			Bucket:          defaultBucket,
			URLExpiry:       Duration(defaultURLExpiry),
			DispatchTimeout: Duration(defaultDispatchTimeout),
		},
		Trace: Trace{Exporter: "none"},
	}
}

// Load builds the configuration. path names a TOML file; when empty the
// QUIRE_CONFIG variable is consulted, and without either only defaults and
// environment variables apply. A named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envConfig)
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, envListenAddr)
	setString(&c.DBPath, envDBPath)
	if v := os.Getenv(envLogLevel); v != "" {
		c.Log.Level = parseLogLevel(v)
	}
	setString(&c.Log.Format, envLogFormat)
	setString(&c.Pool.WorkerMode, envWorkerMode)
	setString(&c.Sync.InstanceID, envInstanceID)
	if v, ok := os.LookupEnv(envPeerDir); ok {
		c.Sync.PeerDir = v
	}
	setString(&c.Jobs.OutputDir, envOutputDir)
	setString(&c.Remote.Endpoint, envRemoteEndpoint)
	setString(&c.Remote.AccessKey, envRemoteAccessKey)
	setString(&c.Remote.SecretKey, envRemoteSecretKey)
	setString(&c.Remote.Bucket, envRemoteBucket)
	setString(&c.Remote.DispatchURL, envDispatchURL)
	setString(&c.Trace.Exporter, envTraceExporter)

	ints := []struct {
		dst *int
		key string
	}{
		{&c.Pool.MaxWorkers, envMaxWorkers},
		{&c.Pool.Prewarm, envPrewarm},
		{&c.Jobs.HistoryPageSize, envHistoryPageSize},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		dst *Duration
		key string
	}{
		{&c.Pool.TaskTimeout, envTaskTimeout},
		{&c.Remote.URLExpiry, envRemoteURLExpiry},
		{&c.Remote.DispatchTimeout, envDispatchTimeout},
	}
	for _, e := range durations {
		if v := os.Getenv(e.key); v != "" {
			if err := e.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
		}
	}

	if v := os.Getenv(envRemoteUseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envRemoteUseSSL, err)
		}
		c.Remote.UseSSL = b
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	switch c.Pool.WorkerMode {
	case WorkerModeLocal, WorkerModeProcess:
	default:
		return fmt.Errorf("pool.worker_mode must be %q or %q, got %q", WorkerModeLocal, WorkerModeProcess, c.Pool.WorkerMode)
	}
	switch c.Log.Format {
	case FormatAuto, FormatJSON, FormatText:
	default:
		return fmt.Errorf("log.format must be auto, json or text, got %q", c.Log.Format)
	}
	switch c.Trace.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("trace.exporter must be none or stdout, got %q", c.Trace.Exporter)
	}
	if c.Pool.MaxWorkers < 0 || c.Pool.Prewarm < 0 || c.Pool.TaskTimeout < 0 {
		return errors.New("pool settings must not be negative")
	}
	if c.Jobs.HistoryPageSize <= 0 {
		return fmt.Errorf("jobs.history_page_size must be positive, got %d", c.Jobs.HistoryPageSize)
	}
	if (c.Remote.Endpoint == "") != (c.Remote.DispatchURL == "") {
		return errors.New("remote.endpoint and remote.dispatch_url must be set together")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the given level.
// FormatAuto selects the text handler when w is a terminal.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatText || (format == FormatAuto && isTerminal(w)) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
