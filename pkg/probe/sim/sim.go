// Package sim implements a simulated target: a block of RAM and a core
// register file behind the same primitive transfer interface a debug
// probe offers. It is used by tests and by the "sim" backend.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/rttcom/rttcom/pkg/memory"
)

// Options describes the simulated target.
type Options struct {
	// Base is the address of the first byte of RAM.
	Base uint64
	// Size is the size of RAM in bytes.
	Size int
	// CoreID is reported by CoreID.
	CoreID int
	// Native64 enables native 64-bit transfers.
	Native64 bool
	// EightBit enables 8-bit transfers.
	EightBit bool
	// BigEndian stores words most significant byte first.
	BigEndian bool
	// Batch queues writes until Flush (or the next read) like a probe that
	// batches transfers.
	Batch bool
}

// Call records one primitive transfer that reached the simulated bus.
type Call struct {
	Op      string
	Address uint64
	Count   int
}

func (c Call) String() string {
	return fmt.Sprintf("%s(%#x, %d)", c.Op, c.Address, c.Count)
}

type pendingWrite struct {
	address uint64
	data    []byte
}

// Target is a simulated target.
type Target struct {
	opts  Options
	order binary.ByteOrder
	ram   []byte

	pending []pendingWrite
	calls   []Call

	failAfter int
	failErr   error
	capErr    error

	regs [16]uint32
	// OnContinue runs when the core is resumed; it plays the role of the
	// program running on the core until it halts.
	OnContinue func(t *Target) error
}

// New returns a simulated target with zeroed RAM.
func New(opts Options) *Target {
	t := &Target{
		opts:      opts,
		order:     binary.LittleEndian,
		ram:       make([]byte, opts.Size),
		failAfter: -1,
	}
	if opts.BigEndian {
		t.order = binary.BigEndian
	}
	return t
}

// Load copies data into RAM at address without going through the bus.
func (t *Target) Load(address uint64, data []byte) error {
	off, err := t.offset(address, len(data))
	if err != nil {
		return err
	}
	copy(t.ram[off:], data)
	return nil
}

// Bytes returns a copy of size bytes of RAM at address as the target
// sees it: writes still queued by batching are not included.
func (t *Target) Bytes(address uint64, size int) []byte {
	off, err := t.offset(address, size)
	if err != nil {
		return nil
	}
	r := make([]byte, size)
	copy(r, t.ram[off:])
	return r
}

// Calls returns the primitive transfers performed so far.
func (t *Target) Calls() []Call {
	return t.calls
}

// ResetCalls clears the call log.
func (t *Target) ResetCalls() {
	t.calls = nil
}

// Pending returns the number of writes waiting for Flush.
func (t *Target) Pending() int {
	return len(t.pending)
}

// FailAfter makes every transfer after the next n ones fail with err.
// A negative n disables fault injection.
func (t *Target) FailAfter(n int, err error) {
	t.failAfter = n
	t.failErr = err
}

// SetCapabilityError makes Supports8BitTransfers fail with err.
func (t *Target) SetCapabilityError(err error) {
	t.capErr = err
}

func (t *Target) offset(address uint64, size int) (uint64, error) {
	ramLen := uint64(len(t.ram))
	if address < t.opts.Base || address-t.opts.Base > ramLen || uint64(size) > ramLen-(address-t.opts.Base) {
		return 0, memory.Otherf("access of %d bytes at %#x outside of RAM [%#x, %#x)", size, address, t.opts.Base, t.opts.Base+uint64(len(t.ram)))
	}
	return address - t.opts.Base, nil
}

// access records a transfer and applies fault injection and range checks.
func (t *Target) access(op string, address uint64, count, size int) (uint64, error) {
	if t.failAfter == 0 {
		return 0, memory.Other(t.failErr)
	}
	if t.failAfter > 0 {
		t.failAfter--
	}
	t.calls = append(t.calls, Call{Op: op, Address: address, Count: count})
	return t.offset(address, size)
}

func (t *Target) read(op string, address uint64, count, width int, alignment int) ([]byte, error) {
	if err := memory.CheckAligned(address, alignment); err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}
	off, err := t.access(op, address, count, count*width)
	if err != nil {
		return nil, err
	}
	return t.ram[off : off+uint64(count*width)], nil
}

func (t *Target) write(op string, address uint64, data []byte, count, alignment int) error {
	if err := memory.CheckAligned(address, alignment); err != nil {
		return err
	}
	off, err := t.access(op, address, count, len(data))
	if err != nil {
		return err
	}
	if t.opts.Batch {
		t.pending = append(t.pending, pendingWrite{address: address, data: append([]byte(nil), data...)})
		return nil
	}
	copy(t.ram[off:], data)
	return nil
}

func (t *Target) commit() error {
	for _, w := range t.pending {
		off, err := t.offset(w.address, len(w.data))
		if err != nil {
			return err
		}
		copy(t.ram[off:], w.data)
	}
	t.pending = t.pending[:0]
	return nil
}

func (t *Target) CoreID() int {
	return t.opts.CoreID
}

func (t *Target) SupportsNative64BitAccess() bool {
	return t.opts.Native64
}

func (t *Target) Supports8BitTransfers() (bool, error) {
	if t.capErr != nil {
		return false, memory.Other(t.capErr)
	}
	return t.opts.EightBit, nil
}

func (t *Target) ReadWord64(address uint64) (uint64, error) {
	b, err := t.read("ReadWord64", address, 1, 8, 8)
	if err != nil {
		return 0, err
	}
	return t.order.Uint64(b), nil
}

func (t *Target) ReadWord32(address uint64) (uint32, error) {
	b, err := t.read("ReadWord32", address, 1, 4, 4)
	if err != nil {
		return 0, err
	}
	return t.order.Uint32(b), nil
}

func (t *Target) ReadWord8(address uint64) (uint8, error) {
	b, err := t.read("ReadWord8", address, 1, 1, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (t *Target) Read64(address uint64, data []uint64) error {
	b, err := t.read("Read64", address, len(data), 8, 8)
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = t.order.Uint64(b[i*8:])
	}
	return nil
}

func (t *Target) Read32(address uint64, data []uint32) error {
	b, err := t.read("Read32", address, len(data), 4, 4)
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = t.order.Uint32(b[i*4:])
	}
	return nil
}

func (t *Target) Read8(address uint64, data []uint8) error {
	b, err := t.read("Read8", address, len(data), 1, 1)
	if err != nil {
		return err
	}
	copy(data, b)
	return nil
}

func (t *Target) WriteWord64(address uint64, value uint64) error {
	var b [8]byte
	t.order.PutUint64(b[:], value)
	return t.write("WriteWord64", address, b[:], 1, 8)
}

func (t *Target) WriteWord32(address uint64, value uint32) error {
	var b [4]byte
	t.order.PutUint32(b[:], value)
	return t.write("WriteWord32", address, b[:], 1, 4)
}

func (t *Target) WriteWord8(address uint64, value uint8) error {
	return t.write("WriteWord8", address, []byte{value}, 1, 1)
}

func (t *Target) Write64(address uint64, data []uint64) error {
	b := make([]byte, len(data)*8)
	for i, v := range data {
		t.order.PutUint64(b[i*8:], v)
	}
	return t.write("Write64", address, b, len(data), 8)
}

func (t *Target) Write32(address uint64, data []uint32) error {
	b := make([]byte, len(data)*4)
	for i, v := range data {
		t.order.PutUint32(b[i*4:], v)
	}
	return t.write("Write32", address, b, len(data), 4)
}

func (t *Target) Write8(address uint64, data []uint8) error {
	return t.write("Write8", address, data, len(data), 1)
}

// Flush makes queued writes visible to the target.
func (t *Target) Flush() error {
	return t.commit()
}

// Continue runs OnContinue, if set, and returns when it does.
func (t *Target) Continue(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.OnContinue == nil {
		return nil
	}
	return t.OnContinue(t)
}

// ReadCoreRegister returns the value of core register reg (0-15).
func (t *Target) ReadCoreRegister(reg int) (uint32, error) {
	if reg < 0 || reg >= len(t.regs) {
		return 0, errors.Errorf("no such register %d", reg)
	}
	return t.regs[reg], nil
}

// WriteCoreRegister sets core register reg (0-15).
func (t *Target) WriteCoreRegister(reg int, value uint32) error {
	if reg < 0 || reg >= len(t.regs) {
		return errors.Errorf("no such register %d", reg)
	}
	t.regs[reg] = value
	return nil
}

var _ memory.Interface = (*Target)(nil)
