// Package dwarfbuilder provides a way to build .eh_frame and
// .eh_frame_hdr sections with arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/go-delve/fdefind/pkg/dwarf/leb128"
)

// Pointer encodings understood by the builder.
const (
	EncAbsPtr        = 0x00 // pointer sized, absolute
	EncUdata4        = 0x03
	EncSdata4        = 0x0b
	EncPCRelSdata4   = 0x1b
	EncTextRelUdata4 = 0x23
	EncDataRelSdata4 = 0x3b
	EncOmit          = 0xff
)

// Layout is where the sections will be mapped in memory.
type Layout struct {
	Text       uint64
	EhFrame    uint64
	EhFrameHdr uint64
	// GOT is the base of data relative pointers in .eh_frame.
	GOT uint64
}

// Sections is the output of Build.
type Sections struct {
	EhFrame    []byte
	EhFrameHdr []byte
	// FDEOffsets is the offset of each FDE in EhFrame, in the order they
	// were added.
	FDEOffsets []int
}

type cie struct {
	ptrEnc       byte
	instructions []byte
}

type fde struct {
	cie          int
	begin, size  uint64
	instructions []byte
}

// Builder accumulates CIEs and FDEs.
type Builder struct {
	order   binary.ByteOrder
	ptrSize int

	cies []cie
	fdes []fde

	// TableEnc is the encoding of the binary search table of
	// .eh_frame_hdr, EncOmit to leave the table out.
	TableEnc byte
}

// New creates a new builder for a target with the given byte order and
// pointer size.
func New(order binary.ByteOrder, ptrSize int) *Builder {
	return &Builder{order: order, ptrSize: ptrSize, TableEnc: EncDataRelSdata4}
}

// CIE starts a new CIE whose FDEs encode their addresses with ptrEnc.
// FDEs added afterwards refer to it.
func (b *Builder) CIE(ptrEnc byte, instructions []byte) {
	b.cies = append(b.cies, cie{ptrEnc: ptrEnc, instructions: instructions})
}

// FDE adds an FDE covering [begin, begin+size) to the current CIE. A CIE
// using EncPCRelSdata4 is created if there is none.
func (b *Builder) FDE(begin, size uint64, instructions []byte) {
	if len(b.cies) == 0 {
		b.CIE(EncPCRelSdata4, nil)
	}
	b.fdes = append(b.fdes, fde{cie: len(b.cies) - 1, begin: begin, size: size, instructions: instructions})
}

type sectionWriter struct {
	bytes.Buffer
	order   binary.ByteOrder
	ptrSize int
	base    uint64 // address of the first byte
}

func (w *sectionWriter) uint(v uint64, size int) {
	var buf [8]byte
	switch size {
	case 2:
		w.order.PutUint16(buf[:], uint16(v))
	case 4:
		w.order.PutUint32(buf[:], uint32(v))
	case 8:
		w.order.PutUint64(buf[:], v)
	}
	w.Write(buf[:size])
}

func (w *sectionWriter) addr() uint64 {
	return w.base + uint64(w.Len())
}

// ptr writes v with encoding enc. With valueOnly set the application
// bits of enc are ignored, as for the pc_range field of an FDE.
func (w *sectionWriter) ptr(v uint64, enc byte, layout Layout, dataBase uint64, valueOnly bool) error {
	if !valueOnly {
		switch enc & 0x70 {
		case 0x00:
		case 0x10:
			v -= w.addr()
		case 0x20:
			v -= layout.Text
		case 0x30:
			v -= dataBase
		default:
			return fmt.Errorf("unsupported encoding %#x", enc)
		}
	}
	switch enc & 0x0f {
	case 0x00, 0x08:
		w.uint(v, w.ptrSize)
	case 0x03, 0x0b:
		w.uint(v, 4)
	case 0x04, 0x0c:
		w.uint(v, 8)
	default:
		return fmt.Errorf("unsupported encoding %#x", enc)
	}
	return nil
}

// pad aligns the entry that started at start to the pointer size with
// DW_CFA_nop.
func (w *sectionWriter) pad(start int) {
	for (w.Len()-start)%w.ptrSize != 0 {
		w.WriteByte(0)
	}
}

// finish patches the length field of the entry that started at start.
func (w *sectionWriter) finish(start int) {
	w.pad(start)
	w.order.PutUint32(w.Bytes()[start:], uint32(w.Len()-start-4))
}

// Build lays out the sections at the addresses in layout.
func (b *Builder) Build(layout Layout) (Sections, error) {
	var out Sections
	w := &sectionWriter{order: b.order, ptrSize: b.ptrSize, base: layout.EhFrame}

	cieOffsets := make([]int, len(b.cies))
	for i, c := range b.cies {
		cieOffsets[i] = w.Len()
		start := w.Len()
		w.uint(0, 4) // length
		w.uint(0, 4) // CIE id
		w.WriteByte(1)
		w.WriteString("zR")
		w.WriteByte(0)
		leb128.EncodeUnsigned(w, 1)
		leb128.EncodeSigned(w, -int64(b.ptrSize))
		w.WriteByte(16)
		leb128.EncodeUnsigned(w, 1)
		w.WriteByte(c.ptrEnc)
		w.Write(c.instructions)
		w.finish(start)
	}

	for _, f := range b.fdes {
		start := w.Len()
		out.FDEOffsets = append(out.FDEOffsets, start)
		w.uint(0, 4)
		w.uint(uint64(w.Len()-cieOffsets[f.cie]), 4)
		enc := b.cies[f.cie].ptrEnc
		if err := w.ptr(f.begin, enc, layout, layout.GOT, false); err != nil {
			return out, err
		}
		if err := w.ptr(f.size, enc, layout, 0, true); err != nil {
			return out, err
		}
		leb128.EncodeUnsigned(w, 0)
		w.Write(f.instructions)
		w.finish(start)
	}
	w.uint(0, 4) // terminator
	out.EhFrame = w.Bytes()

	h := &sectionWriter{order: b.order, ptrSize: b.ptrSize, base: layout.EhFrameHdr}
	h.WriteByte(1)
	h.WriteByte(EncPCRelSdata4)
	if b.TableEnc == EncOmit {
		h.WriteByte(EncOmit)
		h.WriteByte(EncOmit)
	} else {
		h.WriteByte(EncUdata4)
		h.WriteByte(b.TableEnc)
	}
	if err := h.ptr(layout.EhFrame, EncPCRelSdata4, layout, 0, false); err != nil {
		return out, err
	}
	if b.TableEnc != EncOmit {
		h.uint(uint64(len(b.fdes)), 4)
		idx := make([]int, len(b.fdes))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool {
			return b.fdes[idx[i]].begin < b.fdes[idx[j]].begin
		})
		for _, i := range idx {
			if err := h.ptr(b.fdes[i].begin, b.TableEnc, layout, layout.EhFrameHdr, false); err != nil {
				return out, err
			}
			if err := h.ptr(layout.EhFrame+uint64(out.FDEOffsets[i]), b.TableEnc, layout, layout.EhFrameHdr, false); err != nil {
				return out, err
			}
		}
	}
	out.EhFrameHdr = h.Bytes()
	return out, nil
}
