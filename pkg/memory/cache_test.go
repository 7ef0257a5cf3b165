package memory_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rttcom/rttcom/pkg/memory"
	"github.com/rttcom/rttcom/pkg/probe/sim"
)

func countOps(calls []sim.Call, op string) int {
	n := 0
	for _, c := range calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func TestCacheServesRepeatedReads(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	tgt.Load(ramBase, pattern(64))
	c, err := memory.NewCache(tgt, binary.LittleEndian, 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	mem := memory.NewAdapter(c)

	for i := 0; i < 3; i++ {
		buf := make([]byte, 10)
		if err := mem.Read(ramBase+3, buf); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(pattern(64)[3:13], buf); diff != "" {
			t.Fatalf("read %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	want := []sim.Call{{Op: "Read32", Address: ramBase, Count: 4}}
	if diff := cmp.Diff(want, tgt.Calls()); diff != "" {
		t.Fatalf("expected a single line fill (-want +got):\n%s", diff)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached line, got %d", c.Len())
	}

	b, err := c.ReadWord8(ramBase + 17)
	if err != nil {
		t.Fatal(err)
	}
	if b != pattern(64)[17] {
		t.Fatalf("expected %#x got %#x", pattern(64)[17], b)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 cached lines, got %d", c.Len())
	}
}

func TestCacheWriteInvalidates(t *testing.T) {
	tgt := newTarget(sim.Options{EightBit: true})
	c, err := memory.NewCache(tgt, binary.LittleEndian, 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	mem := memory.NewAdapter(c)

	if _, err := c.ReadWord32(ramBase + 4); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write(ramBase+6, []byte{0x55, 0x66}); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected written line to be dropped, %d lines cached", c.Len())
	}
	v, err := c.ReadWord32(ramBase + 4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x66550000 {
		t.Fatalf("expected %#x got %#x", 0x66550000, v)
	}
	if n := countOps(tgt.Calls(), "Read32"); n != 2 {
		t.Fatalf("expected 2 line fills, got %d", n)
	}
}

func TestCacheEviction(t *testing.T) {
	tgt := newTarget(sim.Options{})
	c, err := memory.NewCache(tgt, binary.LittleEndian, 8, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, off := range []uint64{0, 8, 16, 0} {
		if _, err := c.ReadWord32(ramBase + off); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 cached lines, got %d", c.Len())
	}
	if n := countOps(tgt.Calls(), "Read32"); n != 4 {
		t.Fatalf("expected the first line to be refilled after eviction, got %d fills", n)
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after Purge, got %d lines", c.Len())
	}
}

func TestCacheBigEndianWords(t *testing.T) {
	tgt := newTarget(sim.Options{BigEndian: true})
	tgt.Load(ramBase, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	c, err := memory.NewCache(tgt, binary.BigEndian, 8, 2)
	if err != nil {
		t.Fatal(err)
	}
	v64, err := c.ReadWord64(ramBase)
	if err != nil {
		t.Fatal(err)
	}
	if v64 != 0x0102030405060708 {
		t.Fatalf("expected %#x got %#x", uint64(0x0102030405060708), v64)
	}
	b, err := c.ReadWord8(ramBase + 2)
	if err != nil {
		t.Fatal(err)
	}
	if b != 0x03 {
		t.Fatalf("expected 0x03 got %#x", b)
	}
}

func TestCacheAlignment(t *testing.T) {
	tgt := newTarget(sim.Options{})
	c, err := memory.NewCache(tgt, binary.LittleEndian, 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadWord32(ramBase + 2); err == nil {
		t.Fatal("expected alignment error")
	} else if nae, ok := memory.IsNotAligned(err); !ok || nae.Alignment != 4 {
		t.Fatalf("expected 4-byte alignment error, got %v", err)
	}
	if err := c.Read64(ramBase+4, make([]uint64, 1)); err == nil {
		t.Fatal("expected alignment error")
	} else if nae, ok := memory.IsNotAligned(err); !ok || nae.Alignment != 8 {
		t.Fatalf("expected 8-byte alignment error, got %v", err)
	}
	if calls := tgt.Calls(); len(calls) != 0 {
		t.Fatalf("misaligned accesses reached the bus: %v", calls)
	}
}

func TestNewCacheRejectsBadLineSize(t *testing.T) {
	for _, size := range []int{0, 4, 12, 100} {
		if _, err := memory.NewCache(newTarget(sim.Options{}), binary.LittleEndian, size, 4); !memory.IsOther(err) {
			t.Fatalf("line size %d: expected Other error, got %v", size, err)
		}
	}
	if _, err := memory.NewCache(newTarget(sim.Options{}), binary.LittleEndian, 16, 0); err == nil {
		t.Fatal("expected error for zero lines")
	}
}
