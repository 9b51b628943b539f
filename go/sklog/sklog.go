// Package sklog is a thin, package-level logging facade. It matches the
// calling convention used throughout this codebase's services
// (Infof/Warningf/Errorf/Fatalf), backed by the standard library's log
// package so it has no further dependencies of its own.
package sklog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level is the severity of a log line.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

var (
	mu     sync.Mutex
	logger = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	// exitFn is swapped out in tests to avoid terminating the test binary.
	exitFn = os.Exit
)

func output(level Level, msg string) {
	mu.Lock()
	defer mu.Unlock()
	logger.Printf("%s %s", level, msg)
}

func Debugf(format string, args ...interface{}) { output(Debug, fmt.Sprintf(format, args...)) }
func Infof(format string, args ...interface{})  { output(Info, fmt.Sprintf(format, args...)) }
func Warningf(format string, args ...interface{}) {
	output(Warning, fmt.Sprintf(format, args...))
}
func Errorf(format string, args ...interface{}) { output(Error, fmt.Sprintf(format, args...)) }

func Fatalf(format string, args ...interface{}) {
	output(Fatal, fmt.Sprintf(format, args...))
	exitFn(1)
}

func Debug(args ...interface{})   { output(Debug, fmt.Sprint(args...)) }
func Info(args ...interface{})    { output(Info, fmt.Sprint(args...)) }
func Warning(args ...interface{}) { output(Warning, fmt.Sprint(args...)) }
func Error(args ...interface{})   { output(Error, fmt.Sprint(args...)) }

func Fatal(args ...interface{}) {
	output(Fatal, fmt.Sprint(args...))
	exitFn(1)
}
