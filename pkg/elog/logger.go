package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is the minimal logging surface consumed by every package in the
// storage engine. Passing a *CLI satisfies it; tests pass a Nop.
type Logger interface {
	Debugf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	WithFields(fields Fields) Logger
	IsDebugEnabled() bool
}

// Fields is a set of structured key/value pairs attached to a log line —
// vaddr, vtype and lba are the fields the commit path and space engine
// attach when surfacing filesystem-corrupted and crypto-failure errors.
type Fields map[string]interface{}

// CLI is a terminal-backed Logger built on logrus, without the
// progress-bar machinery this domain has no use for.
type CLI struct {
	DisableColors bool
	IsDebug       bool
	entry         *logrus.Entry
}

// NewCLI builds a CLI logger writing to stderr.
func NewCLI(debug bool) *CLI {
	l := logrus.New()
	l.Out = os.Stderr
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	l.Formatter = &logrus.TextFormatter{
		DisableColors:   color.NoColor,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	}
	return &CLI{IsDebug: debug, entry: logrus.NewEntry(l)}
}

func (c *CLI) Debugf(format string, x ...interface{}) { c.entry.Debugf(format, x...) }
func (c *CLI) Infof(format string, x ...interface{})  { c.entry.Infof(format, x...) }
func (c *CLI) Warnf(format string, x ...interface{})  { c.entry.Warnf(format, x...) }
func (c *CLI) Errorf(format string, x ...interface{}) { c.entry.Errorf(format, x...) }

// WithFields returns a Logger that prefixes subsequent lines with fields.
func (c *CLI) WithFields(fields Fields) Logger {
	return &CLI{
		DisableColors: c.DisableColors,
		IsDebug:       c.IsDebug,
		entry:         c.entry.WithFields(logrus.Fields(fields)),
	}
}

// IsDebugEnabled reports whether debug-level logging is enabled.
func (c *CLI) IsDebugEnabled() bool {
	return c.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// Nop is a Logger that discards everything; used by tests and by callers
// that have not wired a real logger yet.
type Nop struct{}

func (Nop) Debugf(string, ...interface{})      {}
func (Nop) Infof(string, ...interface{})       {}
func (Nop) Warnf(string, ...interface{})       {}
func (Nop) Errorf(string, ...interface{})      {}
func (Nop) IsDebugEnabled() bool               { return false }
func (n Nop) WithFields(Fields) Logger         { return n }
