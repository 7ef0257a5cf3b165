package memory

import (
	"encoding/binary"
	"io"

	"github.com/rttcom/rttcom/pkg/logflags"
)

// Adapter provides byte addressable reads and writes on top of the
// primitive transfers of an Interface. The Interface is embedded, so an
// Adapter can be used wherever an Interface is expected.
//
// Words are converted to and from bytes in little endian order unless a
// different order is selected with WithByteOrder. Transports that can move
// bytes without an intermediate word buffer can implement Mem32Reader,
// Mem64Reader, Mem32Writer and Mem64Writer; the adapter will then delegate
// to them.
//
// An Adapter has no state of its own besides configuration. It must not be
// used concurrently with other users of the same transport.
type Adapter struct {
	Interface

	order binary.ByteOrder
	log   logflags.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithByteOrder selects the byte order used to convert between target
// words and bytes. Big endian targets must use binary.BigEndian.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(a *Adapter) {
		a.order = order
	}
}

// NewAdapter returns an Adapter for iface.
func NewAdapter(iface Interface, opts ...Option) *Adapter {
	a := &Adapter{
		Interface: iface,
		order:     binary.LittleEndian,
		log:       logflags.MemoryLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ByteOrder returns the byte order used for word conversions.
func (a *Adapter) ByteOrder() binary.ByteOrder {
	return a.order
}

// ReadMem64 reads bytes using 64 bit memory access. Address must be 64 bit
// aligned and len(data) must be a multiple of 8.
func (a *Adapter) ReadMem64(address uint64, data []byte) error {
	if len(data)%8 != 0 {
		return Otherf("call to ReadMem64 with len(data) = %d, not a multiple of 8", len(data))
	}
	if len(data) == 0 {
		return nil
	}
	if r, ok := a.Interface.(Mem64Reader); ok {
		return r.ReadMem64(address, data)
	}
	buf := make([]uint64, len(data)/8)
	if err := a.Read64(address, buf); err != nil {
		return err
	}
	for i, v := range buf {
		a.order.PutUint64(data[i*8:], v)
	}
	return nil
}

// ReadMem32 reads bytes using 32 bit memory access. Address must be 32 bit
// aligned and len(data) must be a multiple of 4.
func (a *Adapter) ReadMem32(address uint64, data []byte) error {
	if len(data)%4 != 0 {
		return Otherf("call to ReadMem32 with len(data) = %d, not a multiple of 4", len(data))
	}
	if len(data) == 0 {
		return nil
	}
	if r, ok := a.Interface.(Mem32Reader); ok {
		return r.ReadMem32(address, data)
	}
	buf := make([]uint32, len(data)/4)
	if err := a.Read32(address, buf); err != nil {
		return err
	}
	for i, v := range buf {
		a.order.PutUint32(data[i*4:], v)
	}
	return nil
}

// Read reads len(data) bytes starting at address.
//
// The widest access usable for the range is chosen: 64-bit if the
// transport supports it natively and both address and length are multiples
// of 8, otherwise 32-bit. Ranges that are not 32-bit aligned are read by
// widening them to the enclosing aligned words and discarding the extra
// bytes, so Read may access up to three bytes before and after the
// requested range. Do not use it on memory mapped registers where reads
// have side effects; use the 8-bit primitives instead.
func (a *Adapter) Read(address uint64, data []byte) error {
	n := len(data)
	switch {
	case n == 0:
		return nil
	case a.SupportsNative64BitAccess() && address%8 == 0 && n%8 == 0:
		return a.ReadMem64(address, data)
	case address%4 == 0 && n%4 == 0:
		return a.ReadMem32(address, data)
	}

	startExtra := int(address % 4)
	buf := make([]byte, (startExtra+n+3)/4*4)
	if logflags.Memory() {
		a.log.Debugf("unaligned read of %d bytes at %#x widened to %d bytes at %#x", n, address, len(buf), address-uint64(startExtra))
	}
	if err := a.ReadMem32(address-uint64(startExtra), buf); err != nil {
		return err
	}
	copy(data, buf[startExtra:startExtra+n])
	return nil
}

// WriteMem64 writes bytes using 64 bit memory access. Address must be 64
// bit aligned and len(data) must be a multiple of 8.
func (a *Adapter) WriteMem64(address uint64, data []byte) error {
	if len(data)%8 != 0 {
		return Otherf("call to WriteMem64 with len(data) = %d, not a multiple of 8", len(data))
	}
	if len(data) == 0 {
		return nil
	}
	if w, ok := a.Interface.(Mem64Writer); ok {
		return w.WriteMem64(address, data)
	}
	buf := make([]uint64, len(data)/8)
	for i := range buf {
		buf[i] = a.order.Uint64(data[i*8:])
	}
	return a.Write64(address, buf)
}

// WriteMem32 writes bytes using 32 bit memory access. Address must be 32
// bit aligned and len(data) must be a multiple of 4.
func (a *Adapter) WriteMem32(address uint64, data []byte) error {
	if len(data)%4 != 0 {
		return Otherf("call to WriteMem32 with len(data) = %d, not a multiple of 4", len(data))
	}
	if len(data) == 0 {
		return nil
	}
	if w, ok := a.Interface.(Mem32Writer); ok {
		return w.WriteMem32(address, data)
	}
	buf := make([]uint32, len(data)/4)
	for i := range buf {
		buf[i] = a.order.Uint32(data[i*4:])
	}
	return a.Write32(address, buf)
}

// Write writes data starting at address.
//
// The range is split into a leading partial word, a run of whole 32-bit
// words and a trailing partial word. The partial words are written with
// 8-bit transfers; if the transport does not support them an unaligned
// range fails with a *NotAlignedError with alignment 4. Unlike Read, Write
// never touches bytes outside the requested range.
//
// If a later segment fails, earlier segments have already been written.
func (a *Adapter) Write(address uint64, data []byte) error {
	n := len(data)
	if n == 0 {
		return nil
	}
	if address%4 == 0 && n%4 == 0 {
		return a.WriteMem32(address, data)
	}

	ok, err := a.Supports8BitTransfers()
	if err != nil {
		return err
	}
	if !ok {
		return &NotAlignedError{Address: address, Alignment: 4}
	}

	startExtra := int((4 - address%4) % 4)
	if startExtra > n {
		startExtra = n
	}
	endExtra := (n - startExtra) % 4
	middle := n - startExtra - endExtra

	if logflags.Memory() {
		a.log.Debugf("split write at %#x: %d leading, %d aligned, %d trailing bytes", address, startExtra, middle, endExtra)
	}

	if startExtra > 0 {
		if err := a.Write8(address, data[:startExtra]); err != nil {
			return err
		}
	}
	if middle > 0 {
		if err := a.WriteMem32(address+uint64(startExtra), data[startExtra:startExtra+middle]); err != nil {
			return err
		}
	}
	if endExtra > 0 {
		if err := a.Write8(address+uint64(n-endExtra), data[n-endExtra:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadAt implements io.ReaderAt on target memory using Read.
func (a *Adapter) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, Otherf("negative offset %d", off)
	}
	if err := a.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt on target memory using Write.
func (a *Adapter) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, Otherf("negative offset %d", off)
	}
	if err := a.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Interface checks
var (
	_ Interface   = (*Adapter)(nil)
	_ io.ReaderAt = (*Adapter)(nil)
	_ io.WriterAt = (*Adapter)(nil)
)
