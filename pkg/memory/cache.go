package memory

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru"

	"github.com/rttcom/rttcom/pkg/logflags"
)

const (
	DefaultCacheLineSize = 64
	DefaultCacheLines    = 256
)

// Cache is a read cache in front of an Interface. Memory is fetched in
// aligned lines of lineSize bytes using 32-bit block reads and kept in a
// least recently used cache. Writes are passed through and invalidate the
// lines they touch.
//
// Reads through the cache access whole lines, so only use it for memory
// that can be read without side effects and that is not modified by the
// target while cached (flash, halted cores).
type Cache struct {
	Interface

	order    binary.ByteOrder
	lineSize uint64
	lines    *lru.Cache
	log      logflags.Logger
}

// NewCache returns a Cache holding up to lines lines of lineSize bytes.
// lineSize must be a power of two and at least 8. Words are split into
// bytes using order, which must match the byte order of the target.
func NewCache(iface Interface, order binary.ByteOrder, lineSize, lines int) (*Cache, error) {
	if lineSize < 8 || lineSize&(lineSize-1) != 0 {
		return nil, Otherf("cache line size %d is not a power of two >= 8", lineSize)
	}
	l, err := lru.New(lines)
	if err != nil {
		return nil, Other(err)
	}
	return &Cache{
		Interface: iface,
		order:     order,
		lineSize:  uint64(lineSize),
		lines:     l,
		log:       logflags.CacheLogger(),
	}, nil
}

// Purge drops every cached line.
func (c *Cache) Purge() {
	c.lines.Purge()
}

// Len returns the number of cached lines.
func (c *Cache) Len() int {
	return c.lines.Len()
}

func (c *Cache) line(base uint64) ([]byte, error) {
	if v, ok := c.lines.Get(base); ok {
		return v.([]byte), nil
	}
	words := make([]uint32, c.lineSize/4)
	if err := c.Interface.Read32(base, words); err != nil {
		return nil, err
	}
	buf := make([]byte, c.lineSize)
	for i, w := range words {
		c.order.PutUint32(buf[i*4:], w)
	}
	if logflags.Cache() {
		c.log.Debugf("fill line %#x", base)
	}
	c.lines.Add(base, buf)
	return buf, nil
}

func (c *Cache) readBytes(address uint64, data []byte) error {
	for len(data) > 0 {
		base := address &^ (c.lineSize - 1)
		line, err := c.line(base)
		if err != nil {
			return err
		}
		n := copy(data, line[address-base:])
		data = data[n:]
		address += uint64(n)
	}
	return nil
}

func (c *Cache) invalidate(address uint64, size int) {
	if size <= 0 {
		return
	}
	end := address + uint64(size)
	for base := address &^ (c.lineSize - 1); base < end; base += c.lineSize {
		c.lines.Remove(base)
	}
}

func (c *Cache) ReadWord64(address uint64) (uint64, error) {
	if err := CheckAligned(address, 8); err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := c.readBytes(address, buf[:]); err != nil {
		return 0, err
	}
	return c.order.Uint64(buf[:]), nil
}

func (c *Cache) ReadWord32(address uint64) (uint32, error) {
	if err := CheckAligned(address, 4); err != nil {
		return 0, err
	}
	var buf [4]byte
	if err := c.readBytes(address, buf[:]); err != nil {
		return 0, err
	}
	return c.order.Uint32(buf[:]), nil
}

func (c *Cache) ReadWord8(address uint64) (uint8, error) {
	var buf [1]byte
	if err := c.readBytes(address, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *Cache) Read64(address uint64, data []uint64) error {
	if err := CheckAligned(address, 8); err != nil {
		return err
	}
	buf := make([]byte, len(data)*8)
	if err := c.readBytes(address, buf); err != nil {
		return err
	}
	for i := range data {
		data[i] = c.order.Uint64(buf[i*8:])
	}
	return nil
}

func (c *Cache) Read32(address uint64, data []uint32) error {
	if err := CheckAligned(address, 4); err != nil {
		return err
	}
	buf := make([]byte, len(data)*4)
	if err := c.readBytes(address, buf); err != nil {
		return err
	}
	for i := range data {
		data[i] = c.order.Uint32(buf[i*4:])
	}
	return nil
}

func (c *Cache) Read8(address uint64, data []uint8) error {
	return c.readBytes(address, data)
}

func (c *Cache) WriteWord64(address uint64, value uint64) error {
	c.invalidate(address, 8)
	return c.Interface.WriteWord64(address, value)
}

func (c *Cache) WriteWord32(address uint64, value uint32) error {
	c.invalidate(address, 4)
	return c.Interface.WriteWord32(address, value)
}

func (c *Cache) WriteWord8(address uint64, value uint8) error {
	c.invalidate(address, 1)
	return c.Interface.WriteWord8(address, value)
}

func (c *Cache) Write64(address uint64, data []uint64) error {
	c.invalidate(address, len(data)*8)
	return c.Interface.Write64(address, data)
}

func (c *Cache) Write32(address uint64, data []uint32) error {
	c.invalidate(address, len(data)*4)
	return c.Interface.Write32(address, data)
}

func (c *Cache) Write8(address uint64, data []uint8) error {
	c.invalidate(address, len(data))
	return c.Interface.Write8(address, data)
}

var _ Interface = (*Cache)(nil)
