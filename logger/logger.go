// Package logger configures the global zerolog logger
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	ECode0E0101 = e.Code0E01 + "01"
	ECode0E0102 = e.Code0E01 + "02"
)

// Config of the log output. With File set, entries are also written to a
// size rotated file.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// Setup replaces the global logger and level. The returned closer releases
// the log file, if any.
func Setup(cfg Config) (io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg Config, stderr io.Writer) (io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, e.W(err, ECode0E0101, cfg.Level)
		}
		level = l
	}

	var out io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", FormatJSON:
		out = stderr
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	default:
		return nil, e.N(ECode0E0102, "unknown log format: "+cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		// The file always gets json
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
