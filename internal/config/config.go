// Package config loads the static process configuration and the reloadable
// appliance settings file. Precedence for process options: CLI flags > env
// vars > defaults. Appliance settings (identity, discovery, quiet hours,
// PBX credentials) live in an INI file that can be edited by the admin API
// and is hot-reloaded on change.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// Config holds process-lifetime options that require a restart to change.
type Config struct {
	SettingsFile string
	HTTPPort     int
	LogLevel     string
	LogFormat    string // "text" or "json"
}

// defaults
const (
	defaultSettingsFile = "/etc/redphone/redphone.ini"
	defaultHTTPPort     = 5000
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all redphoned environment variables.
const envPrefix = "REDPHONE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("redphoned", flag.ContinueOnError)
	fs.StringVar(&cfg.SettingsFile, "settings", defaultSettingsFile, "path to the appliance settings file")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving the precedence
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"settings":   envPrefix + "SETTINGS",
		"http-port":  envPrefix + "HTTP_PORT",
		"log-level":  envPrefix + "LOG_LEVEL",
		"log-format": envPrefix + "LOG_FORMAT",
	}

	for name, env := range envMap {
		if set[name] {
			continue
		}
		if value, ok := os.LookupEnv(env); ok {
			fs.Set(name, value)
		}
	}
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// SlogLevel maps the configured level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
