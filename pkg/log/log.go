// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package log is the gateway's leveled logger. Each line carries a systemd
// sd-daemon priority prefix so journal entries filed by the gateway service
// filter correctly under journalctl -p; timestamps are left to journald
// unless Init is told otherwise.
//
// Prefixes: https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

type priority int

const (
	levelDebug priority = iota
	levelInfo
	levelWarn
	levelError
	levelCrit
)

var prefixes = [...]string{
	levelDebug: "<7>[DEBUG]    ",
	levelInfo:  "<6>[INFO]     ",
	levelWarn:  "<4>[WARNING]  ",
	levelError: "<3>[ERROR]    ",
	levelCrit:  "<2>[CRITICAL] ",
}

var (
	// Writer is where every line goes; tests may swap it out.
	Writer io.Writer = os.Stderr

	minLevel = levelDebug
	loggers  [levelCrit + 1]*log.Logger
)

func init() {
	rebuild(false)
}

// rebuild recreates the per-level loggers. Warnings and worse carry the
// caller's file:line, the chatty levels stay terse.
func rebuild(logdate bool) {
	for p := levelDebug; p <= levelCrit; p++ {
		flags := 0
		if logdate {
			flags |= log.LstdFlags
		}
		if p >= levelWarn {
			flags |= log.Lshortfile
		}
		loggers[p] = log.New(Writer, prefixes[p], flags)
	}
}

// Init sets the minimum emitted level ("debug", "info", "warn", "err",
// "crit") and whether each line carries its own timestamp (false leaves
// timestamps to journald).
func Init(lvl string, logdate bool) {
	switch lvl {
	case "debug":
		minLevel = levelDebug
	case "info":
		minLevel = levelInfo
	case "warn":
		minLevel = levelWarn
	case "err", "fatal":
		minLevel = levelError
	case "crit":
		minLevel = levelCrit
	default:
		fmt.Fprintf(os.Stderr, "pkg/log: flag 'loglevel' has invalid value %#v, using 'debug'\n", lvl)
		minLevel = levelDebug
	}
	rebuild(logdate)
}

func output(p priority, msg string) {
	if p < minLevel {
		return
	}
	loggers[p].Output(3, msg)
}

func Debug(v ...interface{}) { output(levelDebug, fmt.Sprint(v...)) }

func Debugf(format string, v ...interface{}) { output(levelDebug, fmt.Sprintf(format, v...)) }

func Info(v ...interface{}) { output(levelInfo, fmt.Sprint(v...)) }

func Infof(format string, v ...interface{}) { output(levelInfo, fmt.Sprintf(format, v...)) }

// Print logs at info level, for callers ported from the standard logger.
func Print(v ...interface{}) { output(levelInfo, fmt.Sprint(v...)) }

func Printf(format string, v ...interface{}) { output(levelInfo, fmt.Sprintf(format, v...)) }

func Warn(v ...interface{}) { output(levelWarn, fmt.Sprint(v...)) }

func Warnf(format string, v ...interface{}) { output(levelWarn, fmt.Sprintf(format, v...)) }

func Error(v ...interface{}) { output(levelError, fmt.Sprint(v...)) }

func Errorf(format string, v ...interface{}) { output(levelError, fmt.Sprintf(format, v...)) }

func Crit(v ...interface{}) { output(levelCrit, fmt.Sprint(v...)) }

func Critf(format string, v ...interface{}) { output(levelCrit, fmt.Sprintf(format, v...)) }

// Fatal logs at error level, then stops the process.
func Fatal(v ...interface{}) {
	output(levelError, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs at error level, then stops the process.
func Fatalf(format string, v ...interface{}) {
	output(levelError, fmt.Sprintf(format, v...))
	os.Exit(1)
}
