// Package gdbremote implements a memory transport and core control on top
// of the Gdb Remote Serial Protocol, as exported by debug probe servers
// such as OpenOCD, pyOCD, the J-Link GDB server or a Black Magic Probe.
//
// The protocol is described here:
// https://sourceware.org/gdb/onlinedocs/gdb/Remote-Protocol.html
package gdbremote

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/rttcom/rttcom/pkg/memory"
)

// Options configures a Client.
type Options struct {
	// CoreID is the index of the core behind the connection.
	CoreID int
	// Native64 reports that the target supports 64-bit memory accesses.
	Native64 bool
	// EightBit reports that the target supports 8-bit memory accesses.
	EightBit bool
	// BigEndian selects big endian word and register conversion.
	BigEndian bool
	// PacketSize overrides the packet size announced by the stub.
	PacketSize int
	// Console receives console output ('O' packets) sent by the stub.
	Console io.Writer
}

// DefaultOptions returns the options of a little endian 32-bit core
// supporting 8-bit transfers.
func DefaultOptions() Options {
	return Options{EightBit: true}
}

// Client is a connection to a gdb stub controlling one core.
//
// A Client must not be used concurrently, with the exception of
// Continue being interrupted by its context.
type Client struct {
	conn  *conn
	opts  Options
	order binary.ByteOrder

	mu     sync.Mutex
	closed bool
}

// ExitedError is returned by Continue when the stub reports that the
// program terminated ('W' or 'X' stop replies).
type ExitedError struct {
	Status uint8
	Signal bool
}

func (err *ExitedError) Error() string {
	if err.Signal {
		return fmt.Sprintf("target terminated with signal %d", err.Status)
	}
	return fmt.Sprintf("target exited with status %d", err.Status)
}

// Dial connects to a gdb stub listening on addr (host:port).
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to gdb stub at %s", addr)
	}
	return New(c, opts)
}

// OpenSerial connects to a gdb stub on the serial port at path, such as
// the gdb port of a Black Magic Probe. The port is put in raw mode.
func OpenSerial(path string, baud int, opts Options) (*Client, error) {
	port, err := openSerial(path, baud)
	if err != nil {
		return nil, err
	}
	return New(port, opts)
}

// New performs the protocol handshake on rw and returns a Client using it.
// rw is closed if the handshake fails.
func New(rw io.ReadWriteCloser, opts Options) (*Client, error) {
	c := &Client{
		conn:  newConn(rw, opts.Console),
		opts:  opts,
		order: binary.LittleEndian,
	}
	if opts.BigEndian {
		c.order = binary.BigEndian
	}
	if err := c.conn.handshake(opts.PacketSize); err != nil {
		rw.Close()
		return nil, errors.Wrap(err, "gdb remote handshake failed")
	}
	return c, nil
}

// PacketSize returns the maximum packet size in use.
func (c *Client) PacketSize() int {
	return c.conn.packetSize
}

// readMemory executes 'm' (read memory) commands, splitting the range so
// that responses fit in a packet.
func (c *Client) readMemory(address uint64, data []byte) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		sz := size
		if dataSize := c.conn.maxDataSize(0); sz > dataSize {
			sz = dataSize
		}
		size -= sz

		c.conn.outbuf.Reset()
		fmt.Fprintf(&c.conn.outbuf, "$m%x,%x", address+uint64(len(data)), sz)
		resp, err := c.conn.exec(c.conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return memory.Other(err)
		}
		if len(resp) != sz*2 {
			return memory.Otherf("short memory read at %#x: expected %d bytes, got %d", address+uint64(len(data)), sz, len(resp)/2)
		}
		for i := 0; i < len(resp); i += 2 {
			n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			if err != nil {
				return memory.Other(err)
			}
			data = append(data, uint8(n))
		}
	}
	return nil
}

// writeMemory executes 'M' (write memory) commands.
func (c *Client) writeMemory(address uint64, data []byte) error {
	for len(data) > 0 {
		header := fmt.Sprintf("$M%x,%x:", address, len(data))
		sz := len(data)
		if dataSize := c.conn.maxDataSize(len(header)); sz > dataSize {
			sz = dataSize
		}

		c.conn.outbuf.Reset()
		fmt.Fprintf(&c.conn.outbuf, "$M%x,%x:", address, sz)
		writeASCIIBytes(&c.conn.outbuf, data[:sz])
		if _, err := c.conn.exec(c.conn.outbuf.Bytes(), "memory write"); err != nil {
			return memory.Other(err)
		}
		address += uint64(sz)
		data = data[sz:]
	}
	return nil
}

func (c *Client) CoreID() int {
	return c.opts.CoreID
}

func (c *Client) SupportsNative64BitAccess() bool {
	return c.opts.Native64
}

func (c *Client) Supports8BitTransfers() (bool, error) {
	return c.opts.EightBit, nil
}

func (c *Client) ReadWord64(address uint64) (uint64, error) {
	var buf [8]byte
	if err := c.ReadMem64(address, buf[:]); err != nil {
		return 0, err
	}
	return c.order.Uint64(buf[:]), nil
}

func (c *Client) ReadWord32(address uint64) (uint32, error) {
	var buf [4]byte
	if err := c.ReadMem32(address, buf[:]); err != nil {
		return 0, err
	}
	return c.order.Uint32(buf[:]), nil
}

func (c *Client) ReadWord8(address uint64) (uint8, error) {
	var buf [1]byte
	if err := c.readMemory(address, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *Client) Read64(address uint64, data []uint64) error {
	buf := make([]byte, len(data)*8)
	if err := c.ReadMem64(address, buf); err != nil {
		return err
	}
	for i := range data {
		data[i] = c.order.Uint64(buf[i*8:])
	}
	return nil
}

func (c *Client) Read32(address uint64, data []uint32) error {
	buf := make([]byte, len(data)*4)
	if err := c.ReadMem32(address, buf); err != nil {
		return err
	}
	for i := range data {
		data[i] = c.order.Uint32(buf[i*4:])
	}
	return nil
}

func (c *Client) Read8(address uint64, data []uint8) error {
	return c.readMemory(address, data)
}

// ReadMem64 reads memory bytes using 64-bit aligned accesses.
func (c *Client) ReadMem64(address uint64, data []byte) error {
	if err := memory.CheckAligned(address, 8); err != nil {
		return err
	}
	return c.readMemory(address, data)
}

// ReadMem32 reads memory bytes using 32-bit aligned accesses.
func (c *Client) ReadMem32(address uint64, data []byte) error {
	if err := memory.CheckAligned(address, 4); err != nil {
		return err
	}
	return c.readMemory(address, data)
}

func (c *Client) WriteWord64(address uint64, value uint64) error {
	var buf [8]byte
	c.order.PutUint64(buf[:], value)
	return c.WriteMem64(address, buf[:])
}

func (c *Client) WriteWord32(address uint64, value uint32) error {
	var buf [4]byte
	c.order.PutUint32(buf[:], value)
	return c.WriteMem32(address, buf[:])
}

func (c *Client) WriteWord8(address uint64, value uint8) error {
	return c.writeMemory(address, []byte{value})
}

func (c *Client) Write64(address uint64, data []uint64) error {
	buf := make([]byte, len(data)*8)
	for i, v := range data {
		c.order.PutUint64(buf[i*8:], v)
	}
	return c.WriteMem64(address, buf)
}

func (c *Client) Write32(address uint64, data []uint32) error {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		c.order.PutUint32(buf[i*4:], v)
	}
	return c.WriteMem32(address, buf)
}

func (c *Client) Write8(address uint64, data []uint8) error {
	return c.writeMemory(address, data)
}

// WriteMem64 writes memory bytes using 64-bit aligned accesses.
func (c *Client) WriteMem64(address uint64, data []byte) error {
	if err := memory.CheckAligned(address, 8); err != nil {
		return err
	}
	return c.writeMemory(address, data)
}

// WriteMem32 writes memory bytes using 32-bit aligned accesses.
func (c *Client) WriteMem32(address uint64, data []byte) error {
	if err := memory.CheckAligned(address, 4); err != nil {
		return err
	}
	return c.writeMemory(address, data)
}

// Flush is a no-op: every packet is acknowledged by the stub before the
// next one is sent.
func (c *Client) Flush() error {
	return nil
}

// ReadCoreRegister executes a 'p' (read register) command.
func (c *Client) ReadCoreRegister(reg int) (uint32, error) {
	c.conn.outbuf.Reset()
	fmt.Fprintf(&c.conn.outbuf, "$p%x", reg)
	resp, err := c.conn.exec(c.conn.outbuf.Bytes(), "register read")
	if err != nil {
		return 0, err
	}
	buf, err := decodeHex(resp)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed value for register %d", reg)
	}
	if len(buf) < 4 {
		return 0, errors.Errorf("register %d is %d bytes, expected 4", reg, len(buf))
	}
	return c.order.Uint32(buf), nil
}

// WriteCoreRegister executes a 'P' (write register) command.
func (c *Client) WriteCoreRegister(reg int, value uint32) error {
	var buf [4]byte
	c.order.PutUint32(buf[:], value)
	c.conn.outbuf.Reset()
	fmt.Fprintf(&c.conn.outbuf, "$P%x=", reg)
	writeASCIIBytes(&c.conn.outbuf, buf[:])
	_, err := c.conn.exec(c.conn.outbuf.Bytes(), "register write")
	return err
}

// StopReply is a parsed stop reply packet.
type StopReply struct {
	// Signal is the signal that stopped the core, 5 (SIGTRAP) for
	// breakpoints and 2 (SIGINT) for interrupts.
	Signal uint8
	// Exited is set when the program terminated; Signal then holds its
	// exit status.
	Exited bool
}

func parseStopReply(resp []byte) (StopReply, error) {
	if len(resp) < 3 {
		return StopReply{}, errors.Errorf("malformed stop reply %q", resp)
	}
	n, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
	if err != nil {
		return StopReply{}, errors.Wrapf(err, "malformed stop reply %q", resp)
	}
	switch resp[0] {
	case 'S', 'T':
		return StopReply{Signal: uint8(n)}, nil
	case 'W', 'X':
		return StopReply{Signal: uint8(n), Exited: true}, nil
	}
	return StopReply{}, errors.Errorf("unknown stop reply %q", resp)
}

// StopReason executes a '?' command and returns why the core is halted.
func (c *Client) StopReason() (StopReply, error) {
	resp, err := c.conn.exec([]byte("$?"), "stop reason")
	if err != nil {
		return StopReply{}, err
	}
	return parseStopReply(resp)
}

// Continue executes a 'c' (continue) command and waits for the core to
// halt. If ctx is canceled while the core runs it is interrupted and
// Continue returns the context error once the core has stopped.
func (c *Client) Continue(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.send([]byte("$c")); err != nil {
		return err
	}

	var (
		resp []byte
		err  error
		done = make(chan struct{})
	)
	go func() {
		resp, err = c.conn.recv([]byte("$c"), "continue")
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if ierr := c.conn.sendCtrlC(); ierr != nil {
			c.conn.log.Errorf("could not interrupt target: %v", ierr)
		}
		<-done
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	sr, err := parseStopReply(resp)
	if err != nil {
		return err
	}
	if sr.Exited {
		return &ExitedError{Status: sr.Signal, Signal: resp[0] == 'X'}
	}
	return nil
}

// Detach executes a 'D' (detach) command and closes the connection. The
// core keeps running.
func (c *Client) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Already detached
		return nil
	}
	_, err := c.conn.exec([]byte("$D"), "detach")
	c.closed = true
	if cerr := c.conn.rw.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without detaching.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.rw.Close()
}

var (
	_ memory.Interface   = (*Client)(nil)
	_ memory.Mem32Reader = (*Client)(nil)
	_ memory.Mem64Reader = (*Client)(nil)
	_ memory.Mem32Writer = (*Client)(nil)
	_ memory.Mem64Writer = (*Client)(nil)
)
