//go:build linux

package gdbremote

import (
	"testing"

	"github.com/creack/pty"
)

func TestOpenSerial(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}

	stub := newFakeStub(t, ptmx, 0x20000000, 0x100)
	copy(stub.ram, []byte{0xde, 0xad, 0xbe, 0xef})
	go stub.serve()

	c, err := OpenSerial(tty.Name(), 115200, DefaultOptions())
	if err != nil {
		tty.Close()
		ptmx.Close()
		t.Fatal(err)
	}
	defer func() {
		// Reads on the master side fail once every slave is closed.
		c.Close()
		tty.Close()
		<-stub.done
		ptmx.Close()
	}()

	v, err := c.ReadWord32(0x20000000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xefbeadde {
		t.Fatalf("expected 0xefbeadde got %#x", v)
	}
}

func TestOpenSerialBadBaud(t *testing.T) {
	if _, err := OpenSerial("/dev/null", 1234, DefaultOptions()); err == nil {
		t.Fatal("expected error for unsupported baud rate")
	}
}
