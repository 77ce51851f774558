// Package logging configures zerolog for the router and hands out component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logger fields
const (
	FieldPackage   = "pkg"
	FieldComponent = "component"
	FieldAddress   = "address"
	FieldState     = "state"
	FieldRole      = "role"
	FieldQueue     = "queue"
)

// Config selects the global log level and output format.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
}

// Validate checks level and format names.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", c.Format)
	}
	return nil
}

// Configure installs the global logger used by New.
func Configure(cfg Config, out io.Writer) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if out == nil {
		out = os.Stderr
	}

	level, _ := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// New returns a logger tagged with the package name.
func New(pkg string) zerolog.Logger {
	return log.With().Str(FieldPackage, pkg).Logger()
}

// Nop returns a logger that discards everything, for tests and optional dependencies.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
