// log.go - logging backend.
// Copyright (C) 2026  mnpw.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package log provides a shared logging backend.  Each subsystem obtains
// its own named logger from the backend.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

var logFormat = logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")

// Backend is a logging backend from which per-subsystem loggers are
// derived.
type Backend struct {
	sync.Mutex

	backend logging.LeveledBackend
	level   logging.Level
	f       *os.File
}

// GetLogger returns a per-subsystem logger attached to the Backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	b.Lock()
	defer b.Unlock()

	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// GetLogWriter returns an io.Writer that logs each line written to it at
// the provided level.  It is primarily useful for proxying the output of
// external processes into the log.
func (b *Backend) GetLogWriter(module, level string) io.Writer {
	lvl, err := logLevelFromString(level)
	if err != nil {
		panic(err)
	}
	return &logWriter{l: b.GetLogger(module), level: lvl}
}

type logWriter struct {
	l     *logging.Logger
	level logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimRight(string(p), "\n")
	for _, line := range strings.Split(s, "\n") {
		switch w.level {
		case logging.ERROR:
			w.l.Error(line)
		case logging.WARNING:
			w.l.Warning(line)
		case logging.NOTICE:
			w.l.Notice(line)
		case logging.INFO:
			w.l.Info(line)
		default:
			w.l.Debug(line)
		}
	}
	return len(p), nil
}

// New initializes a logging backend.  If f is the empty string, logs are
// written to stdout, otherwise they are appended to the specified file.
// If disable is set, all output is discarded.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	b.level = lvl

	var w io.Writer
	switch {
	case disable:
		w = ioutil.Discard
	case f == "":
		w = os.Stdout
	default:
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.f, err = os.OpenFile(f, flags, 0600)
		if err != nil {
			return nil, fmt.Errorf("log: failed to open log file: %v", err)
		}
		w = b.f
	}

	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logFormat)
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")

	return b, nil
}

// ValidateLevel returns nil iff level is a valid log level string.
func ValidateLevel(level string) error {
	_, err := logLevelFromString(level)
	return err
}

func logLevelFromString(level string) (logging.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", level)
	}
}
