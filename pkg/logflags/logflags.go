// Package logflags configures the per component loggers of rttcom.
//
// Every component gets its own logrus based Logger tagged with a "layer"
// field. Components enabled with --log-output log at debug level, the
// others only report warnings and errors.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var memory = false
var gdbWire = false
var semihosting = false
var terminal = false
var cache = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	var out io.Writer
	if logOut != nil {
		out = logOut
	}
	if loggerFactory != nil {
		return loggerFactory(level, fields, out)
	}
	l := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: textFormatterInstance,
		Hooks:     make(logrus.LevelHooks),
		Level:     level,
		ExitFunc:  os.Exit,
	}
	if out != nil {
		l.Out = out
	}
	return entryLogger{l.WithFields(logrus.Fields(fields))}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.WarnLevel, fields)
}

// Memory returns true if the memory package should log the access
// strategies it picks.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the memory package.
func MemoryLogger() Logger {
	return makeFlaggableLogger(memory, Fields{"layer": "memory"})
}

// GdbWire returns true if the gdbremote package should log all the packets
// exchanged with the probe.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdb remote protocol.
func GdbWireLogger() Logger {
	return makeFlaggableLogger(gdbWire, Fields{"layer": "gdbconn"})
}

// Semihosting returns true if the semihosting monitor should log every
// trap it handles.
func Semihosting() bool {
	return semihosting
}

// SemihostingLogger returns a logger for the semihosting package.
func SemihostingLogger() Logger {
	return makeFlaggableLogger(semihosting, Fields{"layer": "semihosting"})
}

// Terminal returns true if the terminal should log the commands it runs.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

// Cache returns true if the memory cache should log line fills.
func Cache() bool {
	return cache
}

// CacheLogger returns a logger for the memory cache.
func CacheLogger() Logger {
	return makeFlaggableLogger(cache, Fields{"layer": "memory", "kind": "cache"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "rttcom-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "memory"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "memory":
			memory = true
		case "gdbwire":
			gdbWire = true
		case "semihosting":
			semihosting = true
		case "terminal":
			terminal = true
		case "cache":
			cache = true
		default:
			return fmt.Errorf("unknown log component %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatterInstance is the default formatter, shared by every logger.
var textFormatterInstance = &logrus.TextFormatter{
	FullTimestamp:   true,
	TimestampFormat: "2006-01-02T15:04:05Z07:00",
}
