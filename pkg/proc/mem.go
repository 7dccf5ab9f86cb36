package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

const cacheEnabled = true

// cacheSize is how many bytes a Cursor reads ahead of its position.
const cacheSize = 64

// PtrSize is the size of a pointer in the current process.
const PtrSize = int(unsafe.Sizeof(uintptr(0)))

// ErrUnmapped is returned when a read touches an address that no
// backing memory covers.
var ErrUnmapped = errors.New("address not mapped")

var errBadSize = errors.New("integer size not supported")

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ReadFull reads exactly len(buf) bytes at addr.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrUnmapped
	}
	return nil
}

// ReadUintRaw reads an integer of size bytes, with the specified byte
// order, from addr.
func ReadUintRaw(mem MemoryReader, addr uint64, order binary.ByteOrder, size int) (uint64, error) {
	var buf [8]byte
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("not supported size %d", size)
	}
	if err := ReadFull(mem, buf[:size], addr); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf[:])), nil
	case 4:
		return uint64(order.Uint32(buf[:])), nil
	}
	return order.Uint64(buf[:]), nil
}

// DerefPointer reads the ptrSize wide pointer stored at addr.
func DerefPointer(mem MemoryReader, addr uint64, ptrSize int, order binary.ByteOrder) (uint64, error) {
	switch ptrSize {
	case 4, 8:
	default:
		return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
	}
	return ReadUintRaw(mem, addr, order, ptrSize)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && addr-m.cacheAddr+uint64(size) <= uint64(len(m.cache))
}

// Cursor is a readable view of memory that starts at an address and has
// no predetermined end. Callers decode the data and decide where it stops.
// Reads past the end of the mapped memory fail with the error of the
// underlying MemoryReader.
// A Cursor is not safe for concurrent use.
type Cursor struct {
	mem  MemoryReader
	addr uint64

	buf [cacheSize]byte
	memCache
}

// NewCursor returns a Cursor positioned at addr.
func NewCursor(mem MemoryReader, addr uint64) *Cursor {
	return &Cursor{mem: mem, addr: addr}
}

// Reset points c at addr in mem and drops the read-ahead buffer, so
// that a Cursor embedded in another value can be reused.
func (c *Cursor) Reset(mem MemoryReader, addr uint64) {
	c.mem = mem
	c.addr = addr
	c.memCache = memCache{}
}

// Addr returns the address of the next byte that will be read.
func (c *Cursor) Addr() uint64 {
	return c.addr
}

// Seek moves the cursor to addr.
func (c *Cursor) Seek(addr uint64) {
	c.addr = addr
}

// Skip advances the cursor by n bytes without reading them.
func (c *Cursor) Skip(n uint64) {
	c.addr += n
}

// fill reads ahead from the current address. A read that fails part way
// still caches the bytes that were available.
func (c *Cursor) fill(size int) {
	c.memCache = memCache{}
	if !cacheEnabled {
		return
	}
	n, _ := c.mem.ReadMemory(c.buf[:], c.addr)
	if n >= size {
		c.memCache = memCache{cacheAddr: c.addr, cache: c.buf[:n]}
	}
}

// next returns the n bytes at the cursor and advances past them.
// n must not exceed cacheSize. The returned slice aliases the read-ahead
// buffer and is only valid until the next read.
func (c *Cursor) next(n int) ([]byte, error) {
	if !c.contains(c.addr, n) {
		c.fill(n)
		if !c.contains(c.addr, n) {
			// the read-ahead ran into unmapped memory, read only n bytes
			if err := ReadFull(c.mem, c.buf[:n], c.addr); err != nil {
				return nil, err
			}
			c.memCache = memCache{cacheAddr: c.addr, cache: c.buf[:n]}
		}
	}
	off := c.addr - c.cacheAddr
	c.addr += uint64(n)
	return c.cache[off : off+uint64(n)], nil
}

// ReadByte implements io.ByteReader.
func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read implements io.Reader. It either fills p completely or returns an
// error.
func (c *Cursor) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) <= cacheSize {
		b, err := c.next(len(p))
		if err != nil {
			return 0, err
		}
		return copy(p, b), nil
	}
	if err := ReadFull(c.mem, p, c.addr); err != nil {
		return 0, err
	}
	c.addr += uint64(len(p))
	return len(p), nil
}

// Uint reads an integer of size bytes in the given byte order.
func (c *Cursor) Uint(order binary.ByteOrder, size int) (uint64, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, errBadSize
	}
	b, err := c.next(size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(order.Uint16(b)), nil
	case 4:
		return uint64(order.Uint32(b)), nil
	}
	return order.Uint64(b), nil
}
