package gdbremote

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rttcom/rttcom/pkg/logflags"
)

const (
	defaultPacketSize   = 256
	gdbWireMaxLen       = 120
	maxTransmitAttempts = 3

	ctrlC = 0x03 // the ASCII character for ^C

	// escapeXor is the value mandated by the protocol to escape characters
	escapeXor byte = 0x20
)

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error response (Exx) of the Gdb Remote Serial
// Protocol or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	what := "unsupported packet"
	if err.code != "" {
		what = "error " + err.code + " for packet"
	}
	return fmt.Sprintf("%s %s during %s", what, cmd, err.context)
}

// Code returns the error code sent by the stub, the empty string if the
// packet is not supported.
func (err *ProtocolError) Code() string {
	return err.code
}

func isProtocolErrorUnsupported(err error) bool {
	gdberr, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	return gdberr.code == ""
}

type conn struct {
	rw  io.ReadWriteCloser
	rdr *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int
	ack        bool // when ack is true acknowledgment packets are enabled

	// console receives the output of 'O' packets.
	console io.Writer

	log logflags.Logger
}

func newConn(rw io.ReadWriteCloser, console io.Writer) *conn {
	if console == nil {
		console = io.Discard
	}
	return &conn{
		rw:      rw,
		rdr:     bufio.NewReader(rw),
		inbuf:   make([]byte, 0, defaultPacketSize),
		console: console,
		log:     logflags.GdbWireLogger(),
	}
}

func (conn *conn) handshake(packetSize int) error {
	conn.ack = true
	conn.packetSize = defaultPacketSize

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if _, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck"); err == nil {
		conn.ack = false
	} else if !isProtocolErrorUnsupported(err) {
		return err
	}

	if err := conn.qSupported(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	if packetSize > 0 {
		conn.packetSize = packetSize
	}
	return nil
}

// qSupported interprets qSupported responses, only PacketSize is used.
func (conn *conn) qSupported() error {
	respBuf, err := conn.exec([]byte("$qSupported:swbreak+;hwbreak+"), "init/qSupported")
	if err != nil {
		return err
	}
	for _, stubfeature := range strings.Split(string(respBuf), ";") {
		equal := strings.Index(stubfeature, "=")
		if equal < 0 || stubfeature[:equal] != "PacketSize" {
			continue
		}
		if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil && n > 8 {
			conn.packetSize = int(n)
		}
	}
	return nil
}

// maxDataSize returns the number of bytes that can be transferred hex
// encoded in one packet after a header of headerLen bytes.
func (conn *conn) maxDataSize(headerLen int) int {
	// '$', '#' and the checksum
	sz := (conn.packetSize - headerLen - 4) / 2
	if sz < 1 {
		sz = 1
	}
	return sz
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *conn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

func (conn *conn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}
	cmd = append(cmd, '#')
	cmd = append(cmd, fmt.Sprintf("%02x", checksum(cmd))...)

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		if _, err := conn.rw.Write(cmd); err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

// recv reads the response to cmd. Console output packets sent by the stub
// before the response are copied to the console writer.
func (conn *conn) recv(cmd []byte, context string) (resp []byte, err error) {
	for {
		resp, err = conn.recvPacket()
		if err != nil {
			return nil, err
		}
		if len(resp) > 1 && resp[0] == 'O' && resp[1] != 'K' {
			conn.consoleOutput(resp[1:])
			continue
		}
		break
	}

	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &ProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

func (conn *conn) recvPacket() ([]byte, error) {
	var checksumBuf [2]byte
	attempt := 0
	for {
		// Skip anything before the start of the packet, such as stray acks.
		if _, err := conn.rdr.ReadBytes('$'); err != nil {
			return nil, err
		}
		resp, err := conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		resp = append([]byte{'$'}, resp...)

		// read checksum
		if _, err := io.ReadFull(conn.rdr, checksumBuf[:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			if len(resp) > gdbWireMaxLen {
				conn.log.Debugf("-> %s...", string(resp[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("-> %s%s", string(resp), string(checksumBuf[:]))
			}
		}

		if !conn.ack {
			var msg []byte
			conn.inbuf, msg = wiredecode(resp, conn.inbuf)
			return msg, nil
		}

		if checksumok(resp, checksumBuf[:]) {
			conn.sendack('+')
			var msg []byte
			conn.inbuf, msg = wiredecode(resp, conn.inbuf)
			return msg, nil
		}
		if attempt > maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}
}

func (conn *conn) consoleOutput(hexdata []byte) {
	out, err := decodeHex(hexdata)
	if err != nil {
		conn.log.Warnf("malformed console output packet: %v", err)
		return
	}
	conn.console.Write(out)
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *conn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *conn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.rw.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// sendCtrlC interrupts a running target.
func (conn *conn) sendCtrlC() error {
	conn.log.Debug("<- interrupt")
	_, err := conn.rw.Write([]byte{ctrlC})
	return err
}

// wiredecode unescapes the packet in, which starts with '$', into buf
// and returns the result, growing buf when needed. Decoding stops at the
// '#' that precedes the checksum.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf == nil {
		buf = make([]byte, 0, defaultPacketSize)
	}
	buf = buf[:0]
	in = in[1:]
	for len(in) > 0 {
		ch := in[0]
		in = in[1:]
		switch {
		case ch == '#':
			return buf, buf
		case ch == '}' && len(in) > 0:
			buf = append(buf, in[0]^escapeXor)
			in = in[1:]
		case ch == '*' && len(in) > 0 && len(buf) > 0:
			// run length encoding, the count is offset by 29
			last := buf[len(buf)-1]
			for n := int(in[0]) - 29; n > 0; n-- {
				buf = append(buf, last)
			}
			in = in[1:]
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf
}

// checksumok reports whether sum, two hex digits, is the checksum of
// packet.
func checksumok(packet, sum []byte) bool {
	if len(packet) == 0 || packet[0] != '$' {
		return false
	}
	want, err := strconv.ParseUint(string(sum), 16, 8)
	return err == nil && uint8(want) == checksum(packet)
}

// checksum adds up the bytes of packet between the leading '$' and '#'.
func checksum(packet []byte) uint8 {
	var sum uint8
	body, _, _ := bytes.Cut(packet[1:], []byte{'#'})
	for _, b := range body {
		sum += b
	}
	return sum
}

func writeASCIIBytes(w io.Writer, data []byte) {
	io.WriteString(w, hex.EncodeToString(data))
}

func decodeHex(in []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(in)))
	if _, err := hex.Decode(out, in); err != nil {
		return nil, fmt.Errorf("malformed hex string %q: %v", in, err)
	}
	return out, nil
}
