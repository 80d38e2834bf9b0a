package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for worker output files.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes optional on-disk capture of the worker's stdout/stderr.
// Lines are always forwarded as events; files are an additional tee. If
// StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/worker.stdout.log and Dir/worker.stderr.log. Rotation follows
// lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout_path" mapstructure:"stdout_path"`
	StderrPath string `json:"stderr_path" mapstructure:"stderr_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Enabled reports whether any file capture is configured.
func (c Config) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers returns rotating write-closers for worker stdout and stderr.
// Either may be nil when no destination resolves for that stream.
func (c Config) Writers() (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, "worker.stdout.log")
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, "worker.stderr.log")
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c Config) rotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the supervisor's own slog logger writing colored text to w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(NewColorTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}, true))
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
