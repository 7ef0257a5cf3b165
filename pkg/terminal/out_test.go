package terminal

import (
	"bytes"
	"strings"
	"testing"
)

func TestPagerHoldsShortOutput(t *testing.T) {
	var buf bytes.Buffer
	p := &pager{out: &buf, state: pagerHolding, rows: 4, cols: 10}
	p.Write([]byte("one\n"))
	p.Write([]byte("two\n"))
	if buf.Len() != 0 {
		t.Fatalf("expected output to be held, got %q", buf.String())
	}
	p.finish()
	if buf.String() != "one\ntwo\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if p.state != pagerOff {
		t.Fatalf("expected pager to be off after finish")
	}
}

func TestPagerCountsWrappedLines(t *testing.T) {
	t.Setenv("RTTCOM_PAGER", "")
	var buf bytes.Buffer
	p := &pager{out: &buf, state: pagerHolding, rows: 3, cols: 10}
	long := strings.Repeat("x", 25)
	// Two wrapped lines fill the screen, without a pager program the held
	// output is released as is.
	p.Write([]byte(long))
	if buf.String() != long {
		t.Fatalf("expected held output to be released, got %q", buf.String())
	}
	p.Write([]byte("\n"))
	if buf.String() != long+"\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestConsoleOutputNotTerminal(t *testing.T) {
	t.Setenv("RTTCOM_PAGER", "")
	var buf bytes.Buffer
	o := newConsoleOutput(&buf)
	o.Page()
	o.Write([]byte("written directly\n"))
	if buf.String() != "written directly\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
