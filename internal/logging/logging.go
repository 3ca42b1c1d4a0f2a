// Package logging builds the process logger from config.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"geocam/internal/config"
)

// New returns a logger writing to stderr and every extra writer (typically
// the web log buffer). An unparsable level falls back to info.
func New(cfg config.LogConfig, extra ...io.Writer) *logrus.Logger {
	return newLogger(cfg, os.Stderr, extra...)
}

func newLogger(cfg config.LogConfig, out io.Writer, extra ...io.Writer) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	writers := []io.Writer{out}
	for _, w := range extra {
		if w != nil {
			writers = append(writers, w)
		}
	}
	if len(writers) == 1 {
		logger.SetOutput(out)
	} else {
		logger.SetOutput(io.MultiWriter(writers...))
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warnf("invalid log level %q, defaulting to info", cfg.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
