package process

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger prefixes messages with the process code and, optionally, the time
// elapsed since the logger was created or last reset
type Logger struct {
	Code     string
	ShowTime bool
	Time     time.Time
	logger   zerolog.Logger
}

// NewLogger initialize a new process log writing to the global logger.
// Defaults to show time in logs.
func NewLogger(code string) (l *Logger) {
	return NewLoggerWith(log.Logger, code)
}

// NewLoggerWith initialize a new process log writing to zl. Entries also
// carry the code as the process field.
func NewLoggerWith(zl zerolog.Logger, code string) (l *Logger) {
	return &Logger{
		Code:     code,
		ShowTime: true,
		Time:     time.Now(),
		logger:   zl.With().Str("process", code).Logger(),
	}
}

// ResetTime resets the time to now
func (l *Logger) ResetTime() {
	l.Time = time.Now()
}

// Info helper to use zerolog info
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Log(l.logger.Info(), msg, args...)
}

// Warn helper to use zerolog warn
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.Log(l.logger.Warn(), msg, args...)
}

// Error helper to use zerolog error
func (l *Logger) Error(msg string, args ...interface{}) {
	l.Log(l.logger.Error(), msg, args...)
}

// Log writes to the logger
func (l *Logger) Log(ze *zerolog.Event, msg string, args ...interface{}) {
	sb := strings.Builder{}

	_ = sb.WriteByte('[')
	_, _ = sb.WriteString(l.Code)
	_ = sb.WriteByte(']')

	if l.ShowTime {
		_ = sb.WriteByte('[')
		_, _ = sb.WriteString(time.Since(l.Time).Round(time.Millisecond).String())
		_ = sb.WriteByte(']')
	}

	_ = sb.WriteByte(' ')
	_, _ = sb.WriteString(msg)
	ze.Msgf(sb.String(), args...)
}
