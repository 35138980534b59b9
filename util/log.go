// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently. A nil
// *Logger is valid and sends everything to stderr.
type Logger struct {
	mu      sync.Mutex
	nErrors int
	out     io.Writer
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

// NewLogger returns a Logger that prints regular output to stdout and
// everything else to stderr.
func NewLogger(verbose, debug bool) *Logger {
	l := NewLoggerTo(os.Stderr, verbose, debug)
	l.out = os.Stdout
	return l
}

// NewLoggerTo returns a Logger that sends all of its output to w.
func NewLoggerTo(w io.Writer, verbose, debug bool) *Logger {
	l := &Logger{out: w, warning: w, err: w}
	if verbose {
		l.verbose = w
	}
	if debug {
		l.debug = w
	}
	return l
}

// Discard returns a Logger that drops everything; handy for tests.
func Discard() *Logger {
	return NewLoggerTo(io.Discard, false, false)
}

// Errors returns the number of errors reported so far.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nErrors
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		fmt.Print(format(f, args...))
		return
	}
	l.emit(l.out, false, f, args...)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.emit(l.debug, false, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.emit(l.verbose, false, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.emit(l.warning, false, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.emit(l.err, true, f, args...)
}

// Fatal reports the error and exits the program; only main packages
// should call it.
func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
	} else {
		l.emit(l.err, true, f, args...)
	}
	os.Exit(1)
}

// CheckError prints a fatal error if the given error is non-nil. An
// optional printf-style message may be provided to print instead of the
// error itself.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	var s string
	if len(msg) == 0 {
		s = format("Error: %v\n", err)
	} else {
		s = format(msg[0].(string), msg[1:]...)
	}

	if l == nil {
		fmt.Fprint(os.Stderr, s)
	} else {
		l.mu.Lock()
		l.nErrors++
		fmt.Fprint(l.err, s)
		l.mu.Unlock()
	}
	os.Exit(1)
}

func (l *Logger) emit(w io.Writer, isError bool, f string, args ...interface{}) {
	// emit is only ever called directly from the exported methods, so the
	// interesting caller is three frames up from format3.
	s := format3(f, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if isError {
		l.nErrors++
	}
	if w == nil {
		return
	}
	fmt.Fprint(w, s)
}

func format(f string, args ...interface{}) string {
	return prefixed(2, f, args...)
}

func format3(f string, args ...interface{}) string {
	return prefixed(3, f, args...)
}

func prefixed(skip int, f string, args ...interface{}) string {
	_, fn, line, _ := runtime.Caller(skip + 1)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
