package logflags

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

// captureLogs sends the logs to a buffer for the duration of the test.
func captureLogs(t *testing.T) *bufferWriter {
	out := &bufferWriter{}
	logOut = out
	t.Cleanup(func() { logOut = nil })
	return out
}

func TestLoggerFactory(t *testing.T) {
	out := captureLogs(t)
	defer SetLoggerFactory(nil)

	var gotLevel logrus.Level
	var gotFields Fields
	var gotOut io.Writer
	want := entryLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		gotLevel, gotFields, gotOut = level, fields, out
		return want
	})

	if l := makeFlaggableLogger(true, Fields{"layer": "memory"}); l != Logger(want) {
		t.Fatalf("expected the factory logger got %#v", l)
	}
	if gotLevel != logrus.DebugLevel {
		t.Fatalf("expected level %v got %v", logrus.DebugLevel, gotLevel)
	}
	if len(gotFields) != 1 || gotFields["layer"] != "memory" {
		t.Fatalf("unexpected fields %v", gotFields)
	}
	if gotOut != io.Writer(out) {
		t.Fatalf("expected the log destination to be passed to the factory")
	}
}

func TestFlaggableLoggerLevel(t *testing.T) {
	for _, tc := range []struct {
		flag  bool
		level logrus.Level
	}{
		{false, logrus.WarnLevel},
		{true, logrus.DebugLevel},
	} {
		l, ok := makeFlaggableLogger(tc.flag, Fields{"layer": "cache"}).(entryLogger)
		if !ok {
			t.Fatalf("expected a logrus logger")
		}
		if l.Logger.Level != tc.level {
			t.Errorf("flag %v: expected level %v got %v", tc.flag, tc.level, l.Logger.Level)
		}
		if l.Logger.Formatter != textFormatterInstance {
			t.Errorf("flag %v: unexpected formatter %v", tc.flag, l.Logger.Formatter)
		}
	}
}

func TestLoggerWritesFields(t *testing.T) {
	out := captureLogs(t)
	l := makeFlaggableLogger(true, Fields{"layer": "gdbconn"})
	l.WithField("core", 1).Debugf("-> %s", "$m20000000,4#c0")

	s := out.String()
	for _, want := range []string{"level=debug", "layer=gdbconn", "core=1", "$m20000000,4#c0"} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %q in %q", want, s)
		}
	}
}

func TestDisabledLoggerStillWarns(t *testing.T) {
	out := captureLogs(t)

	l := makeFlaggableLogger(false, Fields{"layer": "semihosting"})
	l.Debugf("hidden")
	l.Warnf("unknown operation=%04x", 0x99)

	s := out.String()
	if strings.Contains(s, "hidden") {
		t.Fatalf("expected debug message to be suppressed; got %q", s)
	}
	if !strings.Contains(s, "unknown operation=0099") || !strings.Contains(s, "layer=semihosting") {
		t.Fatalf("expected warning with layer field; got %q", s)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		memory, gdbWire, semihosting, terminal, cache = false, false, false, false, false
	}()

	if err := Setup(false, "gdbwire", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected %v; got %v", errLogstrWithoutLog, err)
	}
	if err := Setup(true, "gdbwire, cache", ""); err != nil {
		t.Fatal(err)
	}
	if !GdbWire() || !Cache() || Memory() || Semihosting() || Terminal() {
		t.Fatalf("unexpected flags gdbwire=%v cache=%v memory=%v semihosting=%v terminal=%v", GdbWire(), Cache(), Memory(), Semihosting(), Terminal())
	}
	if err := Setup(true, "bogus", ""); err == nil {
		t.Fatal("expected error for unknown component")
	}
}
