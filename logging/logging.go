// Package logging builds the hclog loggers shared by the engine components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Default logger settings.
const (
	DefaultName  = "flowengine"
	DefaultLevel = "info"
)

// Config configures New.
type Config struct {
	Level  string    `mapstructure:"level"`
	JSON   bool      `mapstructure:"json"`
	Name   string    `mapstructure:"name"`
	Output io.Writer `mapstructure:"-"`
}

// New creates a named logger. Unknown levels fall back to info.
func New(cfg Config) hclog.Logger {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       cfg.Name,
		Level:      ParseLevel(cfg.Level),
		JSONFormat: cfg.JSON,
		Output:     cfg.Output,
	})
}

// ParseLevel maps a level name to an hclog level.
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(strings.TrimSpace(level))
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}
