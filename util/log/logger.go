// Package log implements a colorful formatter for logrus.
package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// FancyLogFormatter prints one line per entry, prefixed by time, a level
// symbol and the calling file. Fields are appended in brackets.
type FancyLogFormatter struct {
	UseColors bool
}

var symbolTable = map[logrus.Level]string{
	logrus.DebugLevel: "⚙",
	logrus.InfoLevel:  "⚐",
	logrus.WarnLevel:  "⚠",
	logrus.ErrorLevel: "⚡",
	logrus.FatalLevel: "☣",
	logrus.PanicLevel: "☠",
}

var colorTable = map[logrus.Level]func(string, ...interface{}) string{
	logrus.DebugLevel: color.CyanString,
	logrus.InfoLevel:  color.GreenString,
	logrus.WarnLevel:  color.YellowString,
	logrus.ErrorLevel: color.RedString,
	logrus.FatalLevel: color.MagentaString,
	logrus.PanicLevel: color.MagentaString,
}

func colorByLevel(level logrus.Level, msg string) string {
	fn, ok := colorTable[level]
	if !ok {
		return msg
	}

	return fn("%s", msg)
}

func formatColored(useColors bool, buffer *bytes.Buffer, msg string, level logrus.Level) {
	if useColors {
		buffer.WriteString(colorByLevel(level, msg))
	} else {
		buffer.WriteString(msg)
	}
}

func formatTimestamp(builder *strings.Builder, t time.Time) {
	fmt.Fprintf(builder, "%02d.%02d.%04d", t.Day(), t.Month(), t.Year())
	builder.WriteByte('/')
	fmt.Fprintf(builder, "%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}

func formatFields(useColors bool, buffer *bytes.Buffer, entry *logrus.Entry) {
	// Sorted, so that the output is stable.
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	buffer.WriteString(" [")
	for idx, key := range keys {
		formatColored(useColors, buffer, key, entry.Level)
		buffer.WriteByte('=')

		switch v := entry.Data[key].(type) {
		case error:
			formatColored(useColors, buffer, v.Error(), logrus.ErrorLevel)
		default:
			buffer.WriteString(fmt.Sprintf("%v", v))
		}

		if idx != len(keys)-1 {
			buffer.WriteByte(' ')
		}
	}

	buffer.WriteByte(']')
}

var logSymbols = map[string]struct{}{
	"logrus.Debugf":          {},
	"logrus.Debug":           {},
	"logrus.Infof":           {},
	"logrus.Info":            {},
	"logrus.Warnf":           {},
	"logrus.Warn":            {},
	"logrus.Warningf":        {},
	"logrus.Warning":         {},
	"logrus.Errorf":          {},
	"logrus.Error":           {},
	"logrus.Panic":           {},
	"logrus.Panicf":          {},
	"logrus.(*Entry).Debugf": {},
	"logrus.(*Entry).Infof":  {},
	"logrus.(*Entry).Warnf":  {},
	"logrus.(*Entry).Errorf": {},
}

const moduleTag = "f2cache/"

func findCaller() (string, int, bool) {
	pcs := make([]uintptr, 20)
	nCallers := runtime.Callers(5, pcs)
	frames := runtime.CallersFrames(pcs[:nCallers])

	nextIsCallee := false
	for {
		frame, more := frames.Next()
		if nextIsCallee {
			// Inside of this module the relative path is enough.
			modIdx := strings.LastIndex(frame.File, moduleTag)
			if modIdx == -1 {
				return filepath.Base(frame.File), frame.Line, true
			}

			return frame.File[modIdx+len(moduleTag):], frame.Line, true
		}

		if lastIdx := strings.LastIndex(frame.Function, "/"); lastIdx != -1 {
			_, nextIsCallee = logSymbols[frame.Function[lastIdx+1:]]
		}

		if !more {
			break
		}
	}

	return "", 0, false
}

// Format is part of logrus.Formatter.
func (flf *FancyLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	prefix := strings.Builder{}
	formatTimestamp(&prefix, entry.Time)
	prefix.WriteByte(' ')
	prefix.WriteString(symbolTable[entry.Level])

	buffer := &bytes.Buffer{}
	formatColored(flf.UseColors, buffer, prefix.String(), entry.Level)

	if file, line, ok := findCaller(); ok {
		buffer.WriteString(fmt.Sprintf(" %s:%d:", file, line))
	}

	buffer.WriteByte(' ')
	buffer.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		formatFields(flf.UseColors, buffer, entry)
	}

	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// IsTerminal is true if `w` is a terminal.
func IsTerminal(w io.Writer) bool {
	fd, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(fd.Fd()) || isatty.IsCygwinTerminal(fd.Fd())
}

// Setup configures the global logger to write to `w` at `level`.
// Colors are only used when `w` is a terminal.
func Setup(w io.Writer, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	useColors := IsTerminal(w)
	color.NoColor = !useColors

	logrus.SetOutput(w)
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&FancyLogFormatter{UseColors: useColors})
	return nil
}
