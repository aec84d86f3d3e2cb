// Package logging provides the leveled, printf-style logger used throughout
// datasync. It is a thin layer over zerolog.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// LevelNames maps every level to its command line spelling.
var LevelNames = map[Level][]string{
	LevelDebug: {"debug"},
	LevelInfo:  {"info"},
	LevelWarn:  {"warn"},
	LevelError: {"error"},
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output io.Writer
}

type Logger struct {
	zl zerolog.Logger
}

func NewLogger(c Config) *Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}
	if c.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	return &Logger{zl: zerolog.New(out).Level(c.Level.zerolog()).With().Timestamp().Logger()}
}

// NewNop returns a logger discarding everything.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that adds key=value to every message.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// Zerolog exposes the underlying logger for adapters such as sqldb-logger.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.zl
}

func (l *Logger) DebugEnabled() bool {
	return l != nil && l.zl.GetLevel() <= zerolog.DebugLevel
}

func (l *Logger) Debugf(f string, a ...any) {
	l.log(zerolog.DebugLevel, f, a...)
}

func (l *Logger) Infof(f string, a ...any) {
	l.log(zerolog.InfoLevel, f, a...)
}

func (l *Logger) Warnf(f string, a ...any) {
	l.log(zerolog.WarnLevel, f, a...)
}

func (l *Logger) Errorf(f string, a ...any) {
	l.log(zerolog.ErrorLevel, f, a...)
}

func (l *Logger) log(level zerolog.Level, f string, a ...any) {
	if l == nil {
		return
	}
	l.zl.WithLevel(level).Msg(fmt.Sprintf(f, a...))
}
