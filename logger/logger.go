// Package logger provides the structured logger used by the ndm and ftln
// packages for state-changing, infrequent events (relocation, recycle,
// power-fail resume). It is never used on the hot read/write path.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Log is the package-level logger. Nil until InitLogger runs, at which
	// point every helper below becomes active; before that they are no-ops
	// so packages can log unconditionally without checking for nil.
	Log *logrus.Logger
)

// Config controls where log output goes and at what level.
type Config struct {
	LogPath  string
	LogLevel string
}

type callerFormatter struct{}

func (callerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05.000")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)
	return []byte(msg), nil
}

// caller walks the stack past the logging package itself to find the first
// frame belonging to an actual caller.
func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.HasSuffix(file, "logger/logger.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(fn, "/"); idx >= 0 {
			fn = fn[idx+1:]
		}
		return fmt.Sprintf("%s:%d:%s", filepath.Base(file), line, fn)
	}
	return "unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// InitLogger configures the package logger. Safe to call more than once;
// the most recent call wins.
func InitLogger(cfg Config) error {
	l := logrus.New()
	l.SetFormatter(callerFormatter{})
	l.SetLevel(parseLevel(cfg.LogLevel))

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			l.SetOutput(os.Stderr)
			l.Warnf("could not open log file %s, falling back to stderr: %v", cfg.LogPath, err)
		} else {
			l.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	} else {
		l.SetOutput(os.Stderr)
	}

	Log = l
	return nil
}

func Debugf(format string, args ...interface{}) {
	if Log != nil {
		Log.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Log != nil {
		Log.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Log != nil {
		Log.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Log != nil {
		Log.Errorf(format, args...)
	}
}
