// Package config loads the sfast configuration from flags, environment and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"

	"github.com/franksops/sfast/endpoint"
	"github.com/franksops/sfast/engine"
)

// EnvPrefix is the prefix of environment overrides, as in SFAST_RETRIES.
const EnvPrefix = "SFAST"

var (
	home, _ = os.UserHomeDir()

	DefaultConfigDir = filepath.Join(home, ".config", "sfast")
	DefaultStateDir  = filepath.Join(home, ".local", "state", "sfast")
)

// Config is the resolved configuration of one invocation. It is built once
// by Load and only read afterwards.
type Config struct {
	Port          int
	Username      string
	Password      string
	Identity      string
	KnownHosts    string
	VerifyHostKey bool
	MaxSessions   int
	Timeout       time.Duration

	Parallel        int
	Retries         int
	MismatchRetries int
	Backoff         time.Duration
	MaxBackoff      time.Duration
	NoVerify        bool
	Compress        bool
	ZstdLevel       int
	PreserveMtime   bool
	LimitRate       int64
	ChunkSize       int
	RelayBuffers    int

	StateDir      string
	LogLevel      string
	TUI           bool
	WatchDebounce time.Duration

	// File is the config file that was read, if any.
	File string
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", endpoint.DefaultPort)
	v.SetDefault("known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("verify_host_key", false)
	v.SetDefault("max_sessions", 4)
	v.SetDefault("connect_timeout", 15*time.Second)

	v.SetDefault("parallel", 0)
	v.SetDefault("retries", engine.DefaultRetries)
	v.SetDefault("mismatch_retries", 0)
	v.SetDefault("backoff", engine.DefaultBackoff.Seconds())
	v.SetDefault("max_backoff", engine.DefaultMaxBackoff)
	v.SetDefault("no_verify", false)
	v.SetDefault("compress", false)
	v.SetDefault("zstd_level", 3)
	v.SetDefault("preserve_mtime", true)
	v.SetDefault("limit_rate", "0")
	v.SetDefault("chunk_size", "1MiB")
	v.SetDefault("relay_buffers", engine.DefaultRelayBuffers)

	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("tui", isatty.IsTerminal(os.Stdout.Fd()))
	v.SetDefault("watch_debounce", 500*time.Millisecond)
}

// ReadFile reads the config file at path into v. With an empty path the
// default location is searched and a missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("%w: config read %q: %w", engine.ErrConfig, v.ConfigFileUsed(), err)
	}
	return nil
}

// Load resolves every key from v, with environment variables prefixed by
// EnvPrefix overriding the file and defaults, and validates the result.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	cfg := Config{
		Port:          v.GetInt("port"),
		Username:      v.GetString("username"),
		Password:      v.GetString("password"),
		Identity:      v.GetString("identity"),
		KnownHosts:    v.GetString("known_hosts"),
		VerifyHostKey: v.GetBool("verify_host_key"),
		MaxSessions:   v.GetInt("max_sessions"),
		Timeout:       v.GetDuration("connect_timeout"),

		Parallel:        v.GetInt("parallel"),
		Retries:         v.GetInt("retries"),
		MismatchRetries: v.GetInt("mismatch_retries"),
		Backoff:         time.Duration(v.GetFloat64("backoff") * float64(time.Second)),
		MaxBackoff:      v.GetDuration("max_backoff"),
		NoVerify:        v.GetBool("no_verify"),
		Compress:        v.GetBool("compress"),
		ZstdLevel:       v.GetInt("zstd_level"),
		PreserveMtime:   v.GetBool("preserve_mtime"),
		RelayBuffers:    v.GetInt("relay_buffers"),

		StateDir:      endpoint.ExpandHome(v.GetString("state_dir")),
		LogLevel:      v.GetString("log_level"),
		TUI:           v.GetBool("tui"),
		WatchDebounce: v.GetDuration("watch_debounce"),
		File:          v.ConfigFileUsed(),
	}

	rate, err := parseBytes("limit_rate", v.GetString("limit_rate"))
	if err != nil {
		return cfg, err
	}
	cfg.LimitRate = int64(rate)

	chunk, err := parseBytes("chunk_size", v.GetString("chunk_size"))
	if err != nil {
		return cfg, err
	}
	cfg.ChunkSize = int(chunk)

	return cfg, cfg.Validate()
}

func parseBytes(key, s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", engine.ErrConfig, key, err)
	}
	return n, nil
}

// Validate reports every invalid value, each wrapping engine.ErrConfig.
func (c Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{engine.ErrConfig}, args...)...))
		}
	}

	check(c.Port < 1 || c.Port > 65535, "port %d out of range", c.Port)
	check(c.Retries < 1, "retries must be at least 1, got %d", c.Retries)
	check(c.MismatchRetries < 0, "mismatch_retries must not be negative")
	check(c.Backoff < 0, "backoff must not be negative")
	check(c.MaxBackoff < 0, "max_backoff must not be negative")
	check(c.Parallel < 0, "parallel must not be negative")
	check(c.ZstdLevel < 1 || c.ZstdLevel > 22, "zstd_level %d outside 1..22", c.ZstdLevel)
	check(c.MaxSessions < 1, "max_sessions must be at least 1, got %d", c.MaxSessions)
	check(c.ChunkSize < 1, "chunk_size must be positive")
	check(c.RelayBuffers < 0, "relay_buffers must not be negative")
	check(c.StateDir == "", "state_dir is empty")

	return errors.Join(errs...)
}

// Options returns the engine options described by c.
func (c Config) Options() engine.Options {
	opts := engine.DefaultOptions()
	opts.Parallel = c.Parallel
	opts.Retry = engine.RetryPolicy{
		MaxAttempts:      c.Retries,
		MismatchAttempts: c.MismatchRetries,
		InitialBackoff:   c.Backoff,
		MaxBackoff:       c.MaxBackoff,
	}
	opts.Verify = !c.NoVerify
	opts.Compress = c.Compress
	opts.CompressLevel = c.ZstdLevel
	opts.PreserveMtime = c.PreserveMtime
	opts.ChunkSize = c.ChunkSize
	opts.LimitRate = c.LimitRate
	if c.RelayBuffers > 0 {
		opts.RelayBuffers = c.RelayBuffers
	}
	return opts
}

// SSH returns the connection settings for target, "[user@]host[:port]".
// Parts named by the target win over the configured port and username.
func (c Config) SSH(target string) (endpoint.SSHConfig, error) {
	base := endpoint.SSHConfig{
		Port:           c.Port,
		User:           c.Username,
		Password:       c.Password,
		IdentityFile:   c.Identity,
		KnownHostsFile: c.KnownHosts,
		StrictHostKey:  c.VerifyHostKey,
		Timeout:        c.Timeout,
		MaxSessions:    c.MaxSessions,
	}
	cfg, err := endpoint.ParseTarget(target, base)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", engine.ErrConfig, err)
	}
	return cfg, nil
}
