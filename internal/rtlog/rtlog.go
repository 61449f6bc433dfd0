// Package rtlog is the leveled, structured logging facade every core
// package logs diagnostics through. It wraps logrus the way the teacher's
// logger package wraps its own sink: call sites never import logrus
// directly, only Fields and the package-level helpers below.
package rtlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a typed alias for structured log attributes, mirroring the
// teacher's logger.Fields.
type Fields map[string]interface{}

// NewFields returns an empty Fields map.
func NewFields() Fields {
	return make(Fields)
}

// Add sets key to val and returns the receiver for chaining.
func (f Fields) Add(key string, val interface{}) Fields {
	if f == nil {
		f = make(Fields)
	}
	f[key] = val
	return f
}

func (f Fields) logrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Logger is the facade used by every core package.
type Logger struct {
	l *logrus.Logger
}

// New builds a Logger at the given level ("debug", "info", "warn", "error").
// An unrecognized level falls back to info, matching the teacher's
// lenient level parsing.
func New(level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{l: l}
}

// SetOutput redirects where log lines are written (tests use this to
// capture output instead of spamming stderr).
func (lg *Logger) SetOutput(w io.Writer) { lg.l.SetOutput(w) }

func (lg *Logger) Debug(msg string, f Fields) { lg.l.WithFields(f.logrus()).Debug(msg) }
func (lg *Logger) Info(msg string, f Fields)  { lg.l.WithFields(f.logrus()).Info(msg) }
func (lg *Logger) Warn(msg string, f Fields)  { lg.l.WithFields(f.logrus()).Warn(msg) }
func (lg *Logger) Error(msg string, f Fields) { lg.l.WithFields(f.logrus()).Error(msg) }

var std = New("info")

// Default returns the process-wide default logger.
func Default() *Logger { return std }

// SetDefault replaces the process-wide default logger. Core packages that
// were not given an explicit *Logger fall back to whatever is current here.
func SetDefault(l *Logger) {
	if l != nil {
		std = l
	}
}

func Debug(msg string, f Fields) { std.Debug(msg, f) }
func Info(msg string, f Fields)  { std.Info(msg, f) }
func Warn(msg string, f Fields)  { std.Warn(msg, f) }
func Error(msg string, f Fields) { std.Error(msg, f) }
