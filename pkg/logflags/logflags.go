package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var unwind = false
var hostmod = false
var config = false
var cli = false

var logOut io.WriteCloser

// colorOut is set when logOut is a terminal.
var colorOut = false

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
		if f, ok := logOut.(*os.File); ok && colorOut {
			logger.Logger.Formatter = colorTextFormatterInstance
			logger.Logger.Out = colorable.NewColorable(f)
		}
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Unwind returns true if the frame lookup code should log the
// recoverable decoding errors it absorbs.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the frame lookup code.
func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "unwind"})
}

// HostMod returns true if the host module registry should log.
func HostMod() bool {
	return hostmod
}

// HostModLogger returns a logger for the host module registry.
func HostModLogger() Logger {
	return makeFlaggableLogger(hostmod, Fields{"layer": "hostmod"})
}

// Config returns true if configuration loading should be logged.
func Config() bool {
	return config
}

// ConfigLogger returns a logger for configuration loading.
func ConfigLogger() Logger {
	return makeFlaggableLogger(config, Fields{"layer": "config"})
}

// CLI returns true if the command line front end should log.
func CLI() bool {
	return cli
}

// CLILogger returns a logger for the command line front end.
func CLILogger() Logger {
	return makeFlaggableLogger(cli, Fields{"layer": "cli"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "fdefind-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	if f, ok := logOut.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		colorOut = true
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwind"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "unwind":
			unwind = true
		case "hostmod":
			hostmod = true
		case "config":
			config = true
		case "cli":
			cli = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'fdefind help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
	colorOut = false
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
	color bool
}

var textFormatterInstance = &textFormatter{}
var colorTextFormatterInstance = &textFormatter{color: true}

func levelColor(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return 37
	case logrus.WarnLevel:
		return 33
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return 31
	default:
		return 36
	}
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	if f.color {
		fmt.Fprintf(b, "\x1b[%dm%s\x1b[0m", levelColor(entry.Level), entry.Level.String())
	} else {
		b.WriteString(entry.Level.String())
	}
	b.WriteByte(' ')
	for i, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		if f.needsQuoting(stringVal) {
			fmt.Fprintf(b, "%q", stringVal)
		} else {
			b.WriteString(stringVal)
		}
		if i != len(keys)-1 {
			b.WriteByte(',')
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}
