// Package memory implements width-agnostic access to target memory on top
// of the fixed width transfers offered by a debug probe.
//
// A transport implements Interface, the primitive 8, 32 and 64 bit word
// and block transfers. Adapter composes those primitives into byte
// addressable Read and Write operations that pick the widest usable access
// width and split unaligned ranges so that the transport only ever sees
// accesses that respect its alignment rules.
package memory

import "fmt"

// Width is the size of a single primitive transfer.
type Width int

const (
	Width8  Width = 8
	Width32 Width = 32
	Width64 Width = 64
)

// Bytes returns the number of bytes moved by one transfer of width w,
// which is also the alignment required for word and block accesses.
func (w Width) Bytes() int {
	return int(w) / 8
}

func (w Width) String() string {
	switch w {
	case Width8, Width32, Width64:
		return fmt.Sprintf("%d-bit", int(w))
	default:
		return fmt.Sprintf("Width(%d)", int(w))
	}
}

// Interface is the set of primitive transfers a transport must provide to
// access the memory of one core.
//
// Word and block accesses of width 32 and 64 must be aligned to the width
// in bytes; an unaligned address returns a *NotAlignedError before the
// transport is touched. 8-bit accesses have no alignment constraint.
//
// Implementations are not required to be safe for concurrent use, use one
// Interface per core.
type Interface interface {
	// CoreID returns the index of the core this interface accesses.
	CoreID() int

	// SupportsNative64BitAccess reports whether 64-bit transfers are native.
	// If false all 64-bit operations may be split into 32 or 8 bit
	// operations. The answer may depend on the selected core so callers must
	// not cache it.
	SupportsNative64BitAccess() bool

	// ReadWord64 reads a 64bit word at address.
	ReadWord64(address uint64) (uint64, error)
	// ReadWord32 reads a 32bit word at address.
	ReadWord32(address uint64) (uint32, error)
	// ReadWord8 reads an 8bit word at address.
	ReadWord8(address uint64) (uint8, error)

	// Read64 reads len(data) 64bit words starting at address.
	Read64(address uint64, data []uint64) error
	// Read32 reads len(data) 32bit words starting at address.
	Read32(address uint64, data []uint32) error
	// Read8 reads len(data) bytes starting at address.
	Read8(address uint64, data []uint8) error

	// WriteWord64 writes a 64bit word at address.
	WriteWord64(address uint64, value uint64) error
	// WriteWord32 writes a 32bit word at address.
	WriteWord32(address uint64, value uint32) error
	// WriteWord8 writes an 8bit word at address.
	WriteWord8(address uint64, value uint8) error

	// Write64 writes len(data) 64bit words starting at address.
	Write64(address uint64, data []uint64) error
	// Write32 writes len(data) 32bit words starting at address.
	Write32(address uint64, data []uint32) error
	// Write8 writes len(data) bytes starting at address.
	Write8(address uint64, data []uint8) error

	// Supports8BitTransfers reports whether the transport can perform
	// native 8-bit transfers. Answering may need a round trip to the probe.
	Supports8BitTransfers() (bool, error)

	// Flush completes any write the transport is still batching. Writes
	// are only guaranteed to be visible to the target after Flush
	// returns, so call it before resuming the core.
	Flush() error
}

// Mem64Reader may be implemented by transports that can fill a byte slice
// using 64-bit accesses without going through a word buffer, or by
// transports for big endian targets. Adapter.ReadMem64 delegates to it.
type Mem64Reader interface {
	ReadMem64(address uint64, data []byte) error
}

// Mem32Reader is the 32-bit counterpart of Mem64Reader.
type Mem32Reader interface {
	ReadMem32(address uint64, data []byte) error
}

// Mem64Writer may be implemented by transports that can store a byte slice
// using 64-bit accesses directly. Adapter.WriteMem64 delegates to it.
type Mem64Writer interface {
	WriteMem64(address uint64, data []byte) error
}

// Mem32Writer is the 32-bit counterpart of Mem64Writer.
type Mem32Writer interface {
	WriteMem32(address uint64, data []byte) error
}
