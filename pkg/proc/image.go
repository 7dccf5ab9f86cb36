package proc

import (
	"fmt"
	"sort"
)

// Segment is a contiguous range of memory starting at Addr.
type Segment struct {
	Addr uint64
	Data []byte
}

// End returns the first address after the segment.
func (s *Segment) End() uint64 {
	return s.Addr + uint64(len(s.Data))
}

// Image is a MemoryReader over a fixed set of non overlapping segments.
// It is used to inspect a binary mapped at its load address without
// running it, and to build synthetic memory in tests.
// An Image must not be modified while it is being read.
type Image struct {
	segs []Segment
}

// NewImage returns an Image containing segs.
func NewImage(segs ...Segment) (*Image, error) {
	img := &Image{}
	for _, seg := range segs {
		if err := img.Map(seg.Addr, seg.Data); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// Map adds data at addr. It fails if the new segment overlaps an existing
// one.
func (img *Image) Map(addr uint64, data []byte) error {
	seg := Segment{Addr: addr, Data: data}
	if seg.End() < addr {
		return fmt.Errorf("segment at %#x wraps around the address space", addr)
	}
	i := sort.Search(len(img.segs), func(i int) bool {
		return img.segs[i].Addr >= addr
	})
	if i > 0 && img.segs[i-1].End() > addr {
		return fmt.Errorf("segment at %#x overlaps segment at %#x", addr, img.segs[i-1].Addr)
	}
	if i < len(img.segs) && img.segs[i].Addr < seg.End() {
		return fmt.Errorf("segment at %#x overlaps segment at %#x", addr, img.segs[i].Addr)
	}
	img.segs = append(img.segs, Segment{})
	copy(img.segs[i+1:], img.segs[i:])
	img.segs[i] = seg
	return nil
}

// Segments returns the mapped segments sorted by address.
func (img *Image) Segments() []Segment {
	return img.segs
}

func (img *Image) find(addr uint64) *Segment {
	i := sort.Search(len(img.segs), func(i int) bool {
		return img.segs[i].End() > addr
	})
	if i < len(img.segs) && img.segs[i].Addr <= addr {
		return &img.segs[i]
	}
	return nil
}

// ReadMemory implements MemoryReader. Reads may span adjacent segments.
func (img *Image) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		seg := img.find(addr + uint64(n))
		if seg == nil {
			return n, ErrUnmapped
		}
		n += copy(buf[n:], seg.Data[addr+uint64(n)-seg.Addr:])
	}
	return n, nil
}
