// Package logging provides leveled logging shared by the master and worker processes.
//
// Log lines are written through the standard log package and manually prefixed
// with a timestamp, the program name and the level.
package logging

import (
	"fmt"
	"log"
	"time"

	"gitlab.com/tozd/go/errors"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// We manually prefix logging.
const logFlags = 0

var prefix = "keeper" //nolint:gochecknoglobals

var debugLog = false //nolint:gochecknoglobals

func timestamp() string {
	return time.Now().UTC().Format(RFC3339Milli)
}

var Debugf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" "+prefix+": debug: "+msg, args...)
}

var Infof = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" "+prefix+": info: "+msg, args...)
}

var Warnf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" "+prefix+": warning: "+msg, args...)
}

var Errorf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" "+prefix+": error: "+msg, args...)
}

// Debug reports whether debug logging is enabled. Callers use it to decide
// whether to format errors with their stack traces.
func Debug() bool {
	return debugLog
}

// Err formats err for a log line, with details and stack trace when debug
// logging is enabled.
func Err(err error) string {
	if err == nil {
		return ""
	}
	if debugLog {
		return fmt.Sprintf("% -+#.1v", err)
	}
	return err.Error()
}

// SetPrefix changes the program name used in log lines. Worker processes use
// their worker name so that their lines can be told apart from the master's.
func SetPrefix(p string) {
	prefix = p
}

// Configure sets the log level. Valid levels are none, error, warn (default), info and debug.
func Configure(level string) errors.E {
	log.SetFlags(logFlags)

	Debugf = func(msg string, args ...any) {
		log.Printf(timestamp()+" "+prefix+": debug: "+msg, args...)
	}
	Infof = func(msg string, args ...any) {
		log.Printf(timestamp()+" "+prefix+": info: "+msg, args...)
	}
	Warnf = func(msg string, args ...any) {
		log.Printf(timestamp()+" "+prefix+": warning: "+msg, args...)
	}
	Errorf = func(msg string, args ...any) {
		log.Printf(timestamp()+" "+prefix+": error: "+msg, args...)
	}
	debugLog = false

	switch level {
	case "none":
		Errorf = func(msg string, args ...any) {}
		fallthrough
	case "error":
		Warnf = func(msg string, args ...any) {}
		fallthrough
	case "warn", "": // Default log level.
		Infof = func(msg string, args ...any) {}
		fallthrough
	case "info":
		Debugf = func(msg string, args ...any) {}
	case "debug":
		debugLog = true
	default:
		errE := errors.New("invalid log level")
		errors.Details(errE)["level"] = level
		return errE
	}

	return nil
}
