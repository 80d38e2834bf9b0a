// Package config defines the supervisor's configuration surface and loads it
// from TOML files via viper. A Config is immutable after construction: the
// supervisor copies it and never writes back.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/warden-sh/warden/internal/logger"
)

// Defaults for every recognized option. All are overridable at construction
// or through the config file.
const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 8799
	DefaultMaxRestartAttempts  = 3
	DefaultRestartDelay        = 2 * time.Second
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultStartupTimeout      = 30 * time.Second
	DefaultShutdownTimeout     = 5 * time.Second
	DefaultCallTimeout         = 15 * time.Second
	DefaultHealthPath          = "/health"
	DefaultServerListen        = "127.0.0.1:9690"
	DefaultServerBasePath      = "/api"
)

// Worker describes how to launch the supervised backend process. The spawn
// contract is `<command> <entrypoint> --port=<port> [extra args]` with the
// working directory pinned to WorkDir.
type Worker struct {
	Command    string   `toml:"command" mapstructure:"command"`
	Entrypoint string   `toml:"entrypoint" mapstructure:"entrypoint"`
	WorkDir    string   `toml:"workdir" mapstructure:"workdir"`
	Env        []string `toml:"env" mapstructure:"env"`
	ExtraArgs  []string `toml:"extra_args" mapstructure:"extra_args"`
}

// History configures lifecycle-event persistence. Each DSN selects a sink by
// scheme: sqlite://, postgres://, clickhouse://, opensearch://.
type History struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// Server configures the embeddable control API.
type Server struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Log configures the supervisor's own console logging and the optional
// on-disk capture of worker stdio.
type Log struct {
	Level  string        `toml:"level" mapstructure:"level"`
	Worker logger.Config `toml:"worker" mapstructure:"worker"`
}

// Config is the full supervisor configuration.
type Config struct {
	Host                string        `toml:"host" mapstructure:"host"`
	Port                int           `toml:"port" mapstructure:"port"`
	DevMode             bool          `toml:"dev_mode" mapstructure:"dev_mode"`
	MaxRestartAttempts  int           `toml:"max_restart_attempts" mapstructure:"max_restart_attempts"`
	RestartDelay        time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	HealthCheckInterval time.Duration `toml:"health_check_interval" mapstructure:"health_check_interval"`
	StartupTimeout      time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	ShutdownTimeout     time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CallTimeout         time.Duration `toml:"call_timeout" mapstructure:"call_timeout"`
	HealthPath          string        `toml:"health_path" mapstructure:"health_path"`

	Worker  Worker  `toml:"worker" mapstructure:"worker"`
	Log     Log     `toml:"log" mapstructure:"log"`
	History History `toml:"history" mapstructure:"history"`
	Server  Server  `toml:"server" mapstructure:"server"`
}

// Default returns a Config with every option at its default.
func Default() Config {
	return Config{
		Host:                DefaultHost,
		Port:                DefaultPort,
		MaxRestartAttempts:  DefaultMaxRestartAttempts,
		RestartDelay:        DefaultRestartDelay,
		HealthCheckInterval: DefaultHealthCheckInterval,
		StartupTimeout:      DefaultStartupTimeout,
		ShutdownTimeout:     DefaultShutdownTimeout,
		CallTimeout:         DefaultCallTimeout,
		HealthPath:          DefaultHealthPath,
		Server: Server{
			Listen:   DefaultServerListen,
			BasePath: DefaultServerBasePath,
		},
	}
}

// Load reads a TOML config file and merges it over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFallbacks restores defaults for values the file set to zero, so a
// sparse file behaves like overrides rather than a full replacement.
func (c *Config) applyFallbacks() {
	d := Default()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.HealthPath == "" {
		c.HealthPath = d.HealthPath
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = d.Server.BasePath
	}
}

// Validate rejects configurations the supervisor cannot run with. DevMode
// skips the worker checks since no process is spawned.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxRestartAttempts < 0 {
		return errors.New("max_restart_attempts must be >= 0")
	}
	if !c.DevMode {
		if c.Worker.Command == "" {
			return errors.New("worker.command is required unless dev_mode is set")
		}
		if c.Worker.Entrypoint == "" {
			return errors.New("worker.entrypoint is required unless dev_mode is set")
		}
	}
	return nil
}

// WorkerArgs builds the argument vector for the spawn contract.
func (c Config) WorkerArgs() []string {
	args := []string{c.Worker.Entrypoint, fmt.Sprintf("--port=%d", c.Port)}
	return append(args, c.Worker.ExtraArgs...)
}
