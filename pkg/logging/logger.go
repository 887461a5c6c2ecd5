package logging

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
)

// currentLevel gates every Logger method against a package-wide minimum
// level (§ "level filtering"): a method whose level exceeds currentLevel is
// a no-op. It defaults to LevelDebug when PIPFORGE_DEBUG=1 (preserving the
// single-bool debug knob's prior behavior) or to the level named by
// PIPFORGE_LOG_LEVEL, falling back to LevelInfo. Trace is never implied by
// PIPFORGE_DEBUG, so enabling debug output never silently drowns Info-level
// build output in the dispatcher's Trace-level dispatch logging.
var currentLevel = initialLevel()

func initialLevel() int32 {
	if level, ok := NameToLevel(os.Getenv("PIPFORGE_LOG_LEVEL")); ok {
		return int32(level)
	}
	if os.Getenv("PIPFORGE_DEBUG") == "1" {
		return int32(LevelDebug)
	}
	return int32(LevelInfo)
}

// SetLevel changes the package-wide minimum log level for every Logger.
func SetLevel(level Level) {
	atomic.StoreInt32(&currentLevel, int32(level))
}

// CurrentLevel returns the package-wide minimum log level.
func CurrentLevel() Level {
	return Level(atomic.LoadInt32(&currentLevel))
}

// enabled reports whether level passes the current level filter.
func enabled(level Level) bool {
	return level != LevelDisabled && CurrentLevel() >= level
}

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger.
type writer struct {
	// callback is the logging callback.
	callback func(string)
	// buffer is any incomplete line fragment left over from a previous write.
	buffer []byte
}

// trimCarriageReturn trims any single trailing carriage return from the end of
// a byte slice.
func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.Write.
func (w *writer) Write(buffer []byte) (int, error) {
	// Append the data to our internal buffer.
	w.buffer = append(w.buffer, buffer...)

	// Process all lines in the buffer, tracking the number of bytes that we
	// process.
	var processed int
	remaining := w.buffer
	for {
		// Find the index of the next newline character.
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}

		// Process the line.
		w.callback(string(trimCarriageReturn(remaining[:index])))

		// Update the number of bytes that we've processed.
		processed += index + 1

		// Update the remaining slice.
		remaining = remaining[index+1:]
	}

	// If we managed to process bytes, then truncate our internal buffer.
	if processed > 0 {
		// Compute the number of leftover bytes.
		leftover := len(w.buffer) - processed

		// If there are leftover bytes, then shift them to the front of the
		// buffer.
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}

		// Truncate the buffer.
		w.buffer = w.buffer[:leftover]
	}

	// Done.
	return len(buffer), nil
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. It is designed to use the
// standard logger provided by the log package, so it respects any flags set for
// that logger. It is safe for concurrent usage.
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
}

// RootLogger is the root logger from which all other loggers derive.
var RootLogger = &Logger{}

// Sublogger creates a new sublogger with the specified name.
func (l *Logger) Sublogger(name string) *Logger {
	// If the logger is nil, then the sublogger will be as well.
	if l == nil {
		return nil
	}

	// Compute the new prefix.
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}

	// Create the new logger.
	return &Logger{
		prefix: prefix,
	}
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	// Add a prefix if necessary.
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}

	// Log.
	log.Output(calldepth, line)
}

// Print logs information with semantics equivalent to fmt.Print, gated at
// LevelInfo.
func (l *Logger) Print(v ...interface{}) {
	if l != nil && enabled(LevelInfo) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Printf logs information with semantics equivalent to fmt.Printf, gated at
// LevelInfo.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l != nil && enabled(LevelInfo) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Println logs information with semantics equivalent to fmt.Println, gated
// at LevelInfo.
func (l *Logger) Println(v ...interface{}) {
	if l != nil && enabled(LevelInfo) {
		l.output(3, fmt.Sprintln(v...))
	}
}

// Writer returns an io.Writer that writes lines using Println.
func (l *Logger) Writer() io.Writer {
	// If the logger is nil, then we can just discard input since it won't be
	// logged anyway. This saves us the overhead of scanning lines.
	if l == nil {
		return ioutil.Discard
	}

	// Create the writer.
	return &writer{
		callback: func(s string) {
			l.Println(s)
		},
	}
}

// Debug logs information with semantics equivalent to fmt.Print, but only if
// LevelDebug is enabled (otherwise it's a no-op).
func (l *Logger) Debug(v ...interface{}) {
	if l != nil && enabled(LevelDebug) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Debugf logs information with semantics equivalent to fmt.Printf, but only if
// LevelDebug is enabled (otherwise it's a no-op).
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l != nil && enabled(LevelDebug) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Debugln logs information with semantics equivalent to fmt.Println, but only
// if LevelDebug is enabled (otherwise it's a no-op).
func (l *Logger) Debugln(v ...interface{}) {
	if l != nil && enabled(LevelDebug) {
		l.output(3, fmt.Sprintln(v...))
	}
}

// DebugWriter returns an io.Writer that writes lines using Debugln.
func (l *Logger) DebugWriter() io.Writer {
	// If the logger is nil, then we can just discard input since it won't be
	// logged anyway. This saves us the overhead of scanning lines.
	if l == nil {
		return ioutil.Discard
	}

	// Create the writer.
	return &writer{
		callback: func(s string) {
			l.Debugln(s)
		},
	}
}

// Trace logs information with semantics equivalent to fmt.Print, but only if
// LevelTrace is enabled (otherwise it's a no-op). Trace is for high-volume
// diagnostics, such as per-step dispatch decisions, that would drown Debug
// output if always emitted alongside it.
func (l *Logger) Trace(v ...interface{}) {
	if l != nil && enabled(LevelTrace) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Tracef logs information with semantics equivalent to fmt.Printf, but only if
// LevelTrace is enabled (otherwise it's a no-op).
func (l *Logger) Tracef(format string, v ...interface{}) {
	if l != nil && enabled(LevelTrace) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Traceln logs information with semantics equivalent to fmt.Println, but only
// if LevelTrace is enabled (otherwise it's a no-op).
func (l *Logger) Traceln(v ...interface{}) {
	if l != nil && enabled(LevelTrace) {
		l.output(3, fmt.Sprintln(v...))
	}
}

// Warn logs error information with a warning prefix and yellow color, gated
// at LevelWarn.
func (l *Logger) Warn(err error) {
	if l != nil && enabled(LevelWarn) {
		l.output(3, color.YellowString("Warning: %v", err))
	}
}

// Error logs error information with an error prefix and red color, gated at
// LevelError.
func (l *Logger) Error(err error) {
	if l != nil && enabled(LevelError) {
		l.output(3, color.RedString("Error: %v", err))
	}
}
