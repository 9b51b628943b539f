// Package skerr wraps errors with the call stack at the point they were
// created or first wrapped, without losing errors.Is/errors.As compatibility.
package skerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// StackTrace is a single frame captured by CallStack.
type StackTrace struct {
	File string
	Line int
}

func (s StackTrace) String() string {
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// CallStack returns up to n frames of the call stack, skipping the
// innermost `skip` frames (0 means start at CallStack's own caller).
func CallStack(n, skip int) []StackTrace {
	pcs := make([]uintptr, n+skip+2)
	got := runtime.Callers(2+skip, pcs)
	frames := runtime.CallersFrames(pcs[:got])
	out := make([]StackTrace, 0, n)
	for len(out) < n {
		f, more := frames.Next()
		file := f.File
		if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
			file = file[idx+1:]
		}
		out = append(out, StackTrace{File: file, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}

type withStack struct {
	err   error
	frame StackTrace
}

func (w *withStack) Error() string {
	return fmt.Sprintf("%s. At %s", w.err.Error(), w.frame.String())
}

func (w *withStack) Unwrap() error {
	return w.err
}

// wrap is the chain-walking companion: each wrap only adds one
// frame to the message, but the chain accumulates "At a b c" naturally
// because each layer's Error() calls the one below it.
func wrap(err error, skip int) error {
	if err == nil {
		return nil
	}
	frame := callerFrame(skip + 1)
	return &withStack{err: err, frame: frame}
}

func callerFrame(skip int) StackTrace {
	pc, file, line, ok := runtime.Caller(skip + 1)
	_ = pc
	if !ok {
		return StackTrace{File: "unknown", Line: 0}
	}
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return StackTrace{File: file, Line: line}
}

// Wrap annotates err with the caller's location. Returns nil if err is nil.
func Wrap(err error) error {
	return wrap(err, 1)
}

// Wrapf annotates err with a caller-supplied message and the caller's
// location. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return wrap(fmt.Errorf("%s: %w", msg, err), 1)
}

// Fmt creates a new error, annotated with the caller's location, the same
// way fmt.Errorf does but without needing a %w verb.
func Fmt(format string, args ...interface{}) error {
	return wrap(fmt.Errorf(format, args...), 1)
}

// Unwrap returns the innermost error in the chain, stripping all skerr
// stack annotations. Unlike errors.Unwrap it walks the whole chain.
func Unwrap(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
