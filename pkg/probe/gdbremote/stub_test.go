package gdbremote

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeStub is a minimal gdb stub serving a block of RAM and a register
// file over one end of a connection.
type fakeStub struct {
	t    *testing.T
	rw   io.ReadWriteCloser
	rdr  *bufio.Reader
	ack  bool
	base uint64
	ram  []byte
	regs [16]uint32

	packetSize int
	noAckMode  bool
	// onContinue decides the stop reply to a 'c' packet. An empty reply
	// keeps the core running until it is interrupted.
	onContinue func(s *fakeStub) string
	// consoleBefore is sent as 'O' packets ahead of every memory read reply.
	consoleBefore string

	mu      sync.Mutex
	packets []string
	running bool
	done    chan struct{}
}

func newFakeStub(t *testing.T, rw io.ReadWriteCloser, base uint64, size int) *fakeStub {
	return &fakeStub{
		t:          t,
		rw:         rw,
		rdr:        bufio.NewReader(rw),
		ack:        true,
		base:       base,
		ram:        make([]byte, size),
		packetSize: 0x40,
		noAckMode:  true,
		done:       make(chan struct{}),
	}
}

// startClient connects a Client to a fake stub through an in-memory pipe.
func startClient(t *testing.T, opts Options, setup func(s *fakeStub)) (*Client, *fakeStub) {
	t.Helper()
	clientEnd, stubEnd := net.Pipe()
	stub := newFakeStub(t, stubEnd, 0x20000000, 0x400)
	if setup != nil {
		setup(stub)
	}
	go stub.serve()
	c, err := New(clientEnd, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		stubEnd.Close()
		<-stub.done
	})
	return c, stub
}

func (s *fakeStub) Packets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.packets...)
}

func (s *fakeStub) serve() {
	defer close(s.done)
	for {
		ch, err := s.rdr.ReadByte()
		if err != nil {
			return
		}
		switch ch {
		case '+', '-':
			continue
		case ctrlC:
			s.mu.Lock()
			running := s.running
			s.running = false
			s.mu.Unlock()
			if running {
				s.reply("T02")
			}
			continue
		case '$':
		default:
			continue
		}
		body, err := s.rdr.ReadBytes('#')
		if err != nil {
			return
		}
		var sum [2]byte
		if _, err := io.ReadFull(s.rdr, sum[:]); err != nil {
			return
		}
		pkt := string(body[:len(body)-1])
		s.mu.Lock()
		s.packets = append(s.packets, pkt)
		s.mu.Unlock()
		if s.ack {
			s.rw.Write([]byte{'+'})
		}
		s.handle(pkt)
	}
}

func (s *fakeStub) reply(msg string) {
	var sum uint8
	for i := 0; i < len(msg); i++ {
		sum += msg[i]
	}
	fmt.Fprintf(s.rw, "$%s#%02x", msg, sum)
}

func (s *fakeStub) handle(pkt string) {
	switch {
	case pkt == "QStartNoAckMode":
		if !s.noAckMode {
			s.reply("")
			return
		}
		s.reply("OK")
		s.ack = false
	case strings.HasPrefix(pkt, "qSupported"):
		s.reply(fmt.Sprintf("PacketSize=%x;qXfer:memory-map:read+", s.packetSize))
	case pkt == "?":
		s.reply("S05")
	case pkt == "D":
		s.reply("OK")
	case pkt == "c":
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		if s.onContinue == nil {
			return
		}
		if r := s.onContinue(s); r != "" {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.reply(r)
		}
	case pkt[0] == 'm':
		addr, size, ok := s.parseRange(pkt[1:])
		if !ok {
			s.reply("E01")
			return
		}
		if s.consoleBefore != "" {
			s.reply("O" + hexString([]byte(s.consoleBefore)))
		}
		s.reply(hexString(s.ram[addr-s.base : addr-s.base+size]))
	case pkt[0] == 'M':
		colon := strings.Index(pkt, ":")
		addr, size, ok := s.parseRange(pkt[1:colon])
		if !ok {
			s.reply("E01")
			return
		}
		data, err := decodeHex([]byte(pkt[colon+1:]))
		if err != nil || uint64(len(data)) != size {
			s.reply("E02")
			return
		}
		copy(s.ram[addr-s.base:], data)
		s.reply("OK")
	case pkt[0] == 'p':
		n, err := strconv.ParseUint(pkt[1:], 16, 8)
		if err != nil || n >= uint64(len(s.regs)) {
			s.reply("E03")
			return
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], s.regs[n])
		s.reply(hexString(buf[:]))
	case pkt[0] == 'P':
		eq := strings.Index(pkt, "=")
		n, err := strconv.ParseUint(pkt[1:eq], 16, 8)
		if err != nil || n >= uint64(len(s.regs)) {
			s.reply("E03")
			return
		}
		buf, err := decodeHex([]byte(pkt[eq+1:]))
		if err != nil || len(buf) != 4 {
			s.reply("E02")
			return
		}
		s.regs[n] = binary.LittleEndian.Uint32(buf)
		s.reply("OK")
	default:
		s.reply("")
	}
}

func (s *fakeStub) parseRange(in string) (addr, size uint64, ok bool) {
	fields := strings.Split(in, ",")
	if len(fields) != 2 {
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	size, err = strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	if addr < s.base || addr-s.base+size > uint64(len(s.ram)) {
		return 0, 0, false
	}
	return addr, size, true
}

func hexString(b []byte) string {
	var buf bytes.Buffer
	writeASCIIBytes(&buf, b)
	return buf.String()
}
