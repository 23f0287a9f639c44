// Package logging builds the logrus logger shared by every mrideface package.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Options selects the level, format and optional log file.
type Options struct {
	Level  string
	Format string
	File   string
}

// New returns a logger writing to w and, when opts.File is set, appending
// to that file as well. The returned close function releases the file.
func New(opts Options, w io.Writer) (*log.Logger, func() error, error) {
	logger := log.New()
	closeFn := func() error { return nil }

	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := w
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(w, f)
		closeFn = f.Close
	}
	logger.SetOutput(out)

	return logger, closeFn, nil
}
