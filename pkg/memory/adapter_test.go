package memory_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rttcom/rttcom/pkg/memory"
	"github.com/rttcom/rttcom/pkg/probe/sim"
)

const ramBase = 0x20000000

func newTarget(opts sim.Options) *sim.Target {
	opts.Base = ramBase
	if opts.Size == 0 {
		opts.Size = 256
	}
	return sim.New(opts)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(0xa0 + i)
	}
	return b
}

func TestPrimitiveAlignment(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true, Native64: true})
	mem := memory.NewAdapter(tgt)

	check := func(what string, width int, address uint64, err error) {
		t.Helper()
		nae, ok := memory.IsNotAligned(err)
		if !ok {
			t.Fatalf("%s(%#x): expected alignment error, got %v", what, address, err)
		}
		if nae.Address != address || nae.Alignment != width {
			t.Fatalf("%s(%#x): expected {%#x, %d}, got {%#x, %d}", what, address, address, width, nae.Address, nae.Alignment)
		}
	}

	for off := uint64(1); off < 8; off++ {
		address := ramBase + off
		if off%4 != 0 {
			_, err := mem.ReadWord32(address)
			check("ReadWord32", 4, address, err)
			check("WriteWord32", 4, address, mem.WriteWord32(address, 0))
			check("Read32", 4, address, mem.Read32(address, make([]uint32, 2)))
			check("Write32", 4, address, mem.Write32(address, make([]uint32, 2)))
		}
		_, err := mem.ReadWord64(address)
		check("ReadWord64", 8, address, err)
		check("WriteWord64", 8, address, mem.WriteWord64(address, 0))
		check("Read64", 8, address, mem.Read64(address, make([]uint64, 2)))
		check("Write64", 8, address, mem.Write64(address, make([]uint64, 2)))
	}

	if calls := tgt.Calls(); len(calls) != 0 {
		t.Fatalf("expected no transfers to reach the bus, got %v", calls)
	}

	if _, err := mem.ReadWord8(ramBase + 3); err != nil {
		t.Fatalf("8-bit access must not require alignment: %v", err)
	}
}

func TestReadWidthSelection(t *testing.T) {
	tests := []struct {
		name     string
		native64 bool
		offset   uint64
		size     int
		want     []sim.Call
	}{
		{"native64", true, 8, 16, []sim.Call{{Op: "Read64", Address: ramBase + 8, Count: 2}}},
		{"no native64", false, 8, 16, []sim.Call{{Op: "Read32", Address: ramBase + 8, Count: 4}}},
		{"native64 but 4-aligned", true, 4, 16, []sim.Call{{Op: "Read32", Address: ramBase + 4, Count: 4}}},
		{"native64 but odd length", true, 8, 12, []sim.Call{{Op: "Read32", Address: ramBase + 8, Count: 3}}},
		{"unaligned start", false, 5, 4, []sim.Call{{Op: "Read32", Address: ramBase + 4, Count: 2}}},
		{"unaligned length", true, 8, 3, []sim.Call{{Op: "Read32", Address: ramBase + 8, Count: 1}}},
		{"unaligned both", false, 3, 6, []sim.Call{{Op: "Read32", Address: ramBase, Count: 3}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tgt := newTarget(sim.Options{Native64: tc.native64})
			tgt.Load(ramBase, pattern(64))
			mem := memory.NewAdapter(tgt)

			buf := make([]byte, tc.size)
			if err := mem.Read(ramBase+tc.offset, buf); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(pattern(64)[tc.offset:tc.offset+uint64(tc.size)], buf); diff != "" {
				t.Fatalf("data mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.want, tgt.Calls()); diff != "" {
				t.Fatalf("transfers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, native64 := range []bool{false, true} {
		for off := uint64(0); off < 8; off++ {
			for size := 0; size <= 13; size++ {
				t.Run(fmt.Sprintf("native64=%v/off=%d/len=%d", native64, off, size), func(t *testing.T) {
					tgt := newTarget(sim.Options{EightBit: true, Native64: native64})
					background := make([]byte, 32)
					for i := range background {
						background[i] = 0xee
					}
					tgt.Load(ramBase, background)
					mem := memory.NewAdapter(tgt)

					data := pattern(size)
					if err := mem.Write(ramBase+off, data); err != nil {
						t.Fatalf("write: %v", err)
					}
					got := make([]byte, size)
					if err := mem.Read(ramBase+off, got); err != nil {
						t.Fatalf("read: %v", err)
					}
					if diff := cmp.Diff(data, got); diff != "" {
						t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
					}

					want := append([]byte(nil), background...)
					copy(want[off:], data)
					if diff := cmp.Diff(want, tgt.Bytes(ramBase, 32)); diff != "" {
						t.Fatalf("bytes outside of the written range changed (-want +got):\n%s", diff)
					}
				})
			}
		}
	}
}

func TestWriteWithout8BitTransfers(t *testing.T) {
	tests := []struct {
		offset uint64
		size   int
	}{
		{1, 4},
		{2, 8},
		{0, 3},
		{4, 6},
		{3, 1},
	}
	for _, tc := range tests {
		tgt := newTarget(sim.Options{EightBit: false})
		tgt.Load(ramBase, pattern(32))
		mem := memory.NewAdapter(tgt)
		address := ramBase + tc.offset

		err := mem.Write(address, make([]byte, tc.size))
		nae, ok := memory.IsNotAligned(err)
		if !ok {
			t.Fatalf("write %d bytes at %#x: expected alignment error, got %v", tc.size, address, err)
		}
		if nae.Address != address || nae.Alignment != 4 {
			t.Fatalf("expected {%#x, 4}, got {%#x, %d}", address, nae.Address, nae.Alignment)
		}
		if calls := tgt.Calls(); len(calls) != 0 {
			t.Fatalf("rejected write reached the bus: %v", calls)
		}

		buf := make([]byte, tc.size)
		if err := mem.Read(address, buf); err != nil {
			t.Fatalf("read %d bytes at %#x: %v", tc.size, address, err)
		}
		if diff := cmp.Diff(pattern(32)[tc.offset:tc.offset+uint64(tc.size)], buf); diff != "" {
			t.Fatalf("read mismatch (-want +got):\n%s", diff)
		}
	}

	// Aligned writes do not need 8-bit transfers.
	tgt := newTarget(sim.Options{EightBit: false})
	if err := memory.NewAdapter(tgt).Write(ramBase+4, pattern(8)); err != nil {
		t.Fatalf("aligned write: %v", err)
	}
}

func TestSupports8BitTransfersError(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	probeErr := errors.New("probe unplugged")
	tgt.SetCapabilityError(probeErr)
	mem := memory.NewAdapter(tgt)

	err := mem.Write(ramBase+1, []byte{1, 2})
	if !errors.Is(err, probeErr) {
		t.Fatalf("expected %v, got %v", probeErr, err)
	}
	if !memory.IsOther(err) {
		t.Fatalf("expected an Other error, got %T", err)
	}
}

func TestMemHelpersRejectBadLength(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true, Native64: true})
	mem := memory.NewAdapter(tgt)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"ReadMem64", func() error { return mem.ReadMem64(ramBase, make([]byte, 12)) }},
		{"WriteMem64", func() error { return mem.WriteMem64(ramBase, make([]byte, 4)) }},
		{"ReadMem32", func() error { return mem.ReadMem32(ramBase, make([]byte, 6)) }},
		{"WriteMem32", func() error { return mem.WriteMem32(ramBase, make([]byte, 1)) }},
	}
	for _, tc := range tests {
		err := tc.fn()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !memory.IsOther(err) {
			t.Fatalf("%s: expected Other error, got %T: %v", tc.name, err, err)
		}
		if _, ok := memory.IsNotAligned(err); ok {
			t.Fatalf("%s: length error must not be an alignment error", tc.name)
		}
	}
	if calls := tgt.Calls(); len(calls) != 0 {
		t.Fatalf("rejected calls reached the bus: %v", calls)
	}
}

// wordRecorder captures the words handed to the 32-bit block write.
type wordRecorder struct {
	*sim.Target
	words []uint32
}

func (r *wordRecorder) Write32(address uint64, data []uint32) error {
	r.words = append(r.words, data...)
	return r.Target.Write32(address, data)
}

func TestByteOrder(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}

	le := &wordRecorder{Target: newTarget(sim.Options{})}
	if err := memory.NewAdapter(le).Write(ramBase, data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x04030201}, le.words); diff != "" {
		t.Fatalf("little endian word mismatch (-want +got):\n%s", diff)
	}

	be := &wordRecorder{Target: newTarget(sim.Options{BigEndian: true})}
	beMem := memory.NewAdapter(be, memory.WithByteOrder(binary.BigEndian))
	if err := beMem.Write(ramBase, data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x01020304}, be.words); diff != "" {
		t.Fatalf("big endian word mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(data, be.Bytes(ramBase, 4)); diff != "" {
		t.Fatalf("big endian memory mismatch (-want +got):\n%s", diff)
	}

	got := make([]byte, 4)
	if err := beMem.Read(ramBase, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Fatalf("big endian read mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroLength(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: false})
	mem := memory.NewAdapter(tgt)
	for _, address := range []uint64{ramBase, ramBase + 1, ramBase + 3, 0, 0xffffffffffffffff} {
		if err := mem.Read(address, nil); err != nil {
			t.Fatalf("Read(%#x, nil): %v", address, err)
		}
		if err := mem.Write(address, []byte{}); err != nil {
			t.Fatalf("Write(%#x, {}): %v", address, err)
		}
	}
	if calls := tgt.Calls(); len(calls) != 0 {
		t.Fatalf("zero length accesses reached the bus: %v", calls)
	}
}

func TestWriteSplitsUnalignedRange(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	mem := memory.NewAdapter(tgt)

	if err := mem.Write(ramBase+1, pattern(10)); err != nil {
		t.Fatal(err)
	}
	want := []sim.Call{
		{Op: "Write8", Address: ramBase + 1, Count: 3},
		{Op: "Write32", Address: ramBase + 4, Count: 1},
		{Op: "Write8", Address: ramBase + 8, Count: 3},
	}
	if diff := cmp.Diff(want, tgt.Calls()); diff != "" {
		t.Fatalf("transfers mismatch (-want +got):\n%s", diff)
	}
}

// The implementation this layer replaces wrote the first bytes of the
// buffer again at the start address for the trailing partial word. The
// trailing bytes must be the last bytes of the buffer, at the end of the
// range.
func TestWriteTrailingBytesComeFromTail(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	mem := memory.NewAdapter(tgt)

	data := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15}
	if err := mem.Write(ramBase, data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, tgt.Bytes(ramBase, len(data))); diff != "" {
		t.Fatalf("memory mismatch (-want +got):\n%s", diff)
	}
	calls := tgt.Calls()
	last := calls[len(calls)-1]
	if last.Op != "Write8" || last.Address != ramBase+4 || last.Count != 2 {
		t.Fatalf("expected trailing Write8(%#x, 2), got %v", ramBase+4, last)
	}
}

func TestWriteShortRangeInsideOneWord(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	tgt.Load(ramBase, []byte{0xee, 0xee, 0xee, 0xee})
	mem := memory.NewAdapter(tgt)

	if err := mem.Write(ramBase+1, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xee, 0x01, 0x02, 0xee}, tgt.Bytes(ramBase, 4)); diff != "" {
		t.Fatalf("memory mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]sim.Call{{Op: "Write8", Address: ramBase + 1, Count: 2}}, tgt.Calls()); diff != "" {
		t.Fatalf("transfers mismatch (-want +got):\n%s", diff)
	}
}

func TestPartialWriteIsNotRolledBack(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	mem := memory.NewAdapter(tgt)
	busErr := errors.New("SWD fault")
	tgt.FailAfter(1, busErr)

	err := mem.Write(ramBase+2, pattern(8))
	if !errors.Is(err, busErr) {
		t.Fatalf("expected %v, got %v", busErr, err)
	}
	if diff := cmp.Diff([]byte{0, 0, 0xa0, 0xa1, 0, 0, 0, 0}, tgt.Bytes(ramBase, 8)); diff != "" {
		t.Fatalf("memory mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportErrorPropagates(t *testing.T) {
	tgt := newTarget(sim.Options{})
	mem := memory.NewAdapter(tgt)
	busErr := errors.New("wait response")
	tgt.FailAfter(0, busErr)

	if err := mem.Read(ramBase+1, make([]byte, 3)); !errors.Is(err, busErr) {
		t.Fatalf("expected %v, got %v", busErr, err)
	}

	// Out of range accesses are transport failures, not alignment errors.
	tgt.FailAfter(-1, nil)
	err := mem.Read(ramBase+1024, make([]byte, 4))
	if !memory.IsOther(err) {
		t.Fatalf("expected Other error, got %v", err)
	}

	low := memory.NewAdapter(sim.New(sim.Options{Base: 0, Size: 256}))
	if err := low.Read(0xfffffffffffffffc, make([]byte, 8)); !memory.IsOther(err) {
		t.Fatalf("expected Other error for a range past the top of memory, got %v", err)
	}
}

// byteMover moves bytes without a word buffer, like a probe that
// transfers raw memory.
type byteMover struct {
	*sim.Target
	reads, writes int
}

func (b *byteMover) ReadMem32(address uint64, data []byte) error {
	b.reads++
	return b.Target.Read8(address, data)
}

func (b *byteMover) WriteMem32(address uint64, data []byte) error {
	b.writes++
	return b.Target.Write8(address, data)
}

func TestTransportOverridesHelpers(t *testing.T) {
	bm := &byteMover{Target: newTarget(sim.Options{EightBit: true})}
	mem := memory.NewAdapter(bm)

	if err := mem.Write(ramBase+4, pattern(8)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if err := mem.Read(ramBase+5, buf); err != nil {
		t.Fatal(err)
	}
	if bm.reads != 1 || bm.writes != 1 {
		t.Fatalf("expected 1 read and 1 write through the overrides, got %d and %d", bm.reads, bm.writes)
	}
	if diff := cmp.Diff(pattern(8)[1:6], buf); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	for _, c := range bm.Calls() {
		if c.Op == "Read32" || c.Op == "Write32" {
			t.Fatalf("word transfer %v used despite override", c)
		}
	}

	// The length check still applies to overridden helpers.
	if err := mem.ReadMem32(ramBase, make([]byte, 3)); !memory.IsOther(err) {
		t.Fatalf("expected Other error, got %v", err)
	}
}

func TestBatchedWritesNeedFlush(t *testing.T) {
	tgt := newTarget(sim.Options{Batch: true})
	mem := memory.NewAdapter(tgt)

	if err := mem.Write(ramBase, pattern(8)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(make([]byte, 8), tgt.Bytes(ramBase, 8)); diff != "" {
		t.Fatalf("write visible before flush (-want +got):\n%s", diff)
	}
	if err := mem.Flush(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(pattern(8), tgt.Bytes(ramBase, 8)); diff != "" {
		t.Fatalf("write not visible after flush (-want +got):\n%s", diff)
	}
}

func TestReaderAt(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	tgt.Load(ramBase, pattern(64))
	mem := memory.NewAdapter(tgt)

	sr := io.NewSectionReader(mem, ramBase+3, 10)
	got, err := io.ReadAll(sr)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(pattern(64)[3:13], got); diff != "" {
		t.Fatalf("section mismatch (-want +got):\n%s", diff)
	}

	if _, err := mem.WriteAt([]byte{1, 2, 3}, ramBase+61); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, tgt.Bytes(ramBase+61, 3)); diff != "" {
		t.Fatalf("WriteAt mismatch (-want +got):\n%s", diff)
	}
	if _, err := mem.ReadAt(make([]byte, 1), -1); err == nil {
		t.Fatal("expected error for negative offset")
	}
}
