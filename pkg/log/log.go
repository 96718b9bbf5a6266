package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

var logWriter io.Writer = os.Stderr

// SetLogWriter sets the log output destination
func SetLogWriter(w io.Writer) {
	if w != nil {
		logWriter = w
	}
}

// Log prints a message to the log output
func Log(a ...any) {
	_, _ = fmt.Fprintln(logWriter, a...)
}

// Logf prints a formatted message to the log output
func Logf(format string, a ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	_, _ = fmt.Fprintf(logWriter, format, a...)
}

func writeLevel(level string, a []any) {
	_, _ = fmt.Fprintf(logWriter, "%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339), level, fmt.Sprint(a...))
}

func writeLevelf(level, format string, a []any) {
	_, _ = fmt.Fprintf(logWriter, "%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339), level, fmt.Sprintf(format, a...))
}

// Debug logs at debug level. Used for expected/benign conditions (disconnect timeouts, aborted reads).
func Debug(a ...any) { writeLevel("debug", a) }

// Debugf is the formatted form of Debug.
func Debugf(format string, a ...any) { writeLevelf("debug", format, a) }

// Info logs at info level.
func Info(a ...any) { writeLevel("info", a) }

// Infof is the formatted form of Info.
func Infof(format string, a ...any) { writeLevelf("info", format, a) }

// Warn logs at warn level. Used for permission denials and skipped upstreams.
func Warn(a ...any) { writeLevel("warn", a) }

// Warnf is the formatted form of Warn.
func Warnf(format string, a ...any) { writeLevelf("warn", format, a) }

// Error logs at error level. Used for decryption failures and fatal-adjacent conditions.
func Error(a ...any) { writeLevel("error", a) }

// Errorf is the formatted form of Error.
func Errorf(format string, a ...any) { writeLevelf("error", format, a) }
