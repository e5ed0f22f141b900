// Package applog wires logrus into the daemon the way the teacher's
// internal/logging package wires its own hand-rolled logger: a single
// shared instance, level-gated, safe for concurrent use by the watcher
// loop, trigger engine, and reaper running at once.
package applog

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the rendered log line shape.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options controls where logs go and how verbose they are.
type Options struct {
	// Debug enables debug-level logging (verbose, includes child-process
	// stdout when the command runner is in debug mode).
	Debug bool

	// Foreground, when true, also mirrors logs to stderr. Daemonized runs
	// (Foreground=false) write only to the rotating file sink.
	Foreground bool

	// LogDir is the directory rotating log files are written under. Created
	// if missing. Required unless Foreground-only console logging is used
	// by a caller that passes an empty LogDir (tests do this).
	LogDir string

	Format Format
}

// New builds a logrus.Logger configured per Options, mirroring the
// teacher's New(configDir, settings) shape: fail fast on an unwritable
// log directory rather than lose output silently mid-run.
func New(opts Options) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	switch opts.Format {
	case FormatJSON:
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "01/02/06 15:04:05",
		})
	}

	var writers []io.Writer
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.LogDir + "/openduckbilld.log",
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
	if opts.Foreground || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	log.SetOutput(io.MultiWriter(writers...))

	return log, nil
}
