// Package logger builds the logrus loggers shared by the client and server.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing text records to stderr at info level.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	log.SetLevel(logrus.InfoLevel)
	return log
}

// Configure returns a logger with the given level and format ("text" or
// "json") writing to out. A nil out means stderr.
func Configure(level, format string, out io.Writer) (*logrus.Logger, error) {
	log := New()
	if out != nil {
		log.SetOutput(out)
	}
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		log.SetLevel(lvl)
	}
	switch strings.ToLower(format) {
	case "", "text":
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

// Discard returns a logger that drops everything. Tests use it to keep
// output quiet.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}
