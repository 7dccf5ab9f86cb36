package frame

import (
	"encoding/binary"
	"errors"

	"github.com/go-delve/fdefind/pkg/proc"
)

// maxTableEntries bounds the fde_count field of .eh_frame_hdr.
const maxTableEntries = 1 << 28

var (
	errHdrVersion = errors.New("unsupported .eh_frame_hdr version")
	errFDECount   = errors.New("bad fde_count")
	errTableEnc   = errors.New("table encoding not supported")
	errFDEOutside = errors.New("table entry points before .eh_frame")
)

// EhFrameHdr is a parsed .eh_frame_hdr section.
// See https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
type EhFrameHdr struct {
	Version uint8
	// EhFramePtr points to the start of .eh_frame.
	EhFramePtr Pointer

	table    SearchTable
	hasTable bool
}

// SearchTable is the binary search table of .eh_frame_hdr: fde_count
// pairs of (initial location, FDE address), sorted by initial location.
// A SearchTable reuses one read cursor for its lookups and is not safe
// for concurrent use.
type SearchTable struct {
	c         proc.Cursor
	addr      uint64 // first entry
	count     uint64
	enc       ptrEnc
	entrySize uint64
	hdrAddr   uint64
	bases     BaseAddresses
	order     binary.ByteOrder
	ptrSize   int
}

// ParseEhFrameHdr parses the .eh_frame_hdr section at addr. bases must
// have the text and .eh_frame_hdr bases set. ptrSize is the size of an
// address in the target.
func ParseEhFrameHdr(mem proc.MemoryReader, addr uint64, bases BaseAddresses, ptrSize int, order binary.ByteOrder) (*EhFrameHdr, error) {
	hdr := &EhFrameHdr{}
	c := &hdr.table.c
	c.Reset(mem, addr)
	var fields [4]byte
	for i := range fields {
		b, err := c.ReadByte()
		if err != nil {
			return nil, err
		}
		fields[i] = b
	}
	hdr.Version = fields[0]
	if hdr.Version != 1 {
		return nil, errHdrVersion
	}
	ehFramePtrEnc, fdeCountEnc, tableEnc := ptrEnc(fields[1]), ptrEnc(fields[2]), ptrEnc(fields[3])

	pr := ptrReader{c: c, order: order, ptrSize: ptrSize, bases: bases, sec: sectionEhFrameHdr, secAddr: addr}

	var err error
	if hdr.EhFramePtr, err = pr.readEncodedPtr(ehFramePtrEnc, 0); err != nil {
		return nil, err
	}

	if fdeCountEnc == ptrEncOmit || tableEnc == ptrEncOmit {
		return hdr, nil
	}
	countPtr, err := pr.readEncodedPtr(fdeCountEnc, 0)
	if err != nil {
		return nil, err
	}
	count, err := countPtr.Direct()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return hdr, nil
	}
	if count > maxTableEntries {
		return nil, errFDECount
	}
	if !tableEnc.Supported() || tableEnc&ptrEncIndirect != 0 {
		return nil, errTableEnc
	}
	size := tableEnc.fixedSize(ptrSize)
	if size == 0 {
		return nil, errTableEnc
	}
	t := &hdr.table
	t.addr = c.Addr()
	t.count = count
	t.enc = tableEnc
	t.entrySize = 2 * uint64(size)
	t.hdrAddr = addr
	t.bases = bases
	t.order = order
	t.ptrSize = ptrSize
	hdr.hasTable = true
	return hdr, nil
}

// Table returns the binary search table, or nil if the section does
// not have one.
func (hdr *EhFrameHdr) Table() *SearchTable {
	if !hdr.hasTable {
		return nil
	}
	return &hdr.table
}

// Len returns the number of entries of the table.
func (t *SearchTable) Len() int {
	return int(t.count)
}

// entryAt decodes the entry with index idx.
func (t *SearchTable) entryAt(idx uint64) (initial, fde uint64, err error) {
	t.c.Seek(t.addr + idx*t.entrySize)
	pr := ptrReader{c: &t.c, order: t.order, ptrSize: t.ptrSize, bases: t.bases, sec: sectionEhFrameHdr, secAddr: t.hdrAddr}
	p, err := pr.readEncodedPtr(t.enc, 0)
	if err != nil {
		return 0, 0, err
	}
	initial = p.Value
	if p, err = pr.readEncodedPtr(t.enc, 0); err != nil {
		return 0, 0, err
	}
	return initial, p.Value, nil
}

// Lookup returns the address of the FDE of the last entry whose
// initial location is not greater than pc. The caller has to check that
// the FDE actually covers pc.
func (t *SearchTable) Lookup(pc uint64) (uint64, error) {
	lo, hi := uint64(0), t.count
	for lo < hi {
		mid := lo + (hi-lo)/2
		initial, _, err := t.entryAt(mid)
		if err != nil {
			return 0, err
		}
		if initial > pc {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return 0, ErrNoFDE
	}
	_, fde, err := t.entryAt(lo - 1)
	return fde, err
}

// FDEForAddress finds the FDE covering pc through the table and parses
// it from ehFrame. It returns ErrNoFDE if the table has no entry for pc.
func (t *SearchTable) FDEForAddress(ehFrame *EhFrame, bases BaseAddresses, pc uint64) (*FrameDescriptionEntry, error) {
	fdeAddr, err := t.Lookup(pc)
	if err != nil {
		return nil, err
	}
	if fdeAddr < ehFrame.Addr() {
		return nil, errFDEOutside
	}
	if err := ehFrame.loadFDE(bases, fdeAddr); err != nil {
		return nil, err
	}
	if !ehFrame.fde.Cover(pc) {
		return nil, ErrNoFDE
	}
	return ehFrame.copyFDE()
}
