// Package frame contains data structures and related functions for
// parsing and searching through .eh_frame and .eh_frame_hdr data that
// lives in memory.
//
// Section contents are read through a proc.MemoryReader and are treated
// as untrusted: malformed entries produce errors, never panics.
// Searches decode into storage owned by the section value and only
// allocate for the entry they return, failures are reported with
// package level error values.
package frame

import (
	"encoding/binary"
	"errors"

	"github.com/go-delve/fdefind/pkg/dwarf/leb128"
	"github.com/go-delve/fdefind/pkg/proc"
)

const (
	// maxEntries bounds a linear scan, the section length is not known
	// up front and a corrupt section could otherwise be scanned forever.
	maxEntries = 1 << 20
	// maxEntryLen bounds the length of a single CIE or FDE.
	maxEntryLen = 1 << 24
	// maxAugmentationLen bounds the CIE augmentation string.
	maxAugmentationLen = 32
)

var (
	errTerminator     = errors.New("zero terminator")
	errNotFDE         = errors.New("entry is a CIE, not an FDE")
	errNotCIE         = errors.New("entry is an FDE, not a CIE")
	errEntryLength    = errors.New("bad entry length")
	errEntryWraps     = errors.New("entry wraps around the address space")
	errEntryOverrun   = errors.New("entry overrun")
	errCIEPointer     = errors.New("bad CIE pointer")
	errCIEVersion     = errors.New("unsupported CIE version")
	errAugmentation   = errors.New("unsupported augmentation")
	errAugOverrun     = errors.New("augmentation data overruns its entry")
	errAddressSize    = errors.New("unsupported address size")
	errSegmentSize    = errors.New("unsupported segment selector size")
	errTooManyEntries = errors.New("too many entries in section")
)

// EhFrame is an .eh_frame section mapped at Addr.
// Its length is unknown, the end of the section is marked by a zero
// length entry.
//
// An EhFrame keeps its read cursor and the entries being decoded in
// itself, it is not safe for concurrent use. Entries it returns are
// copies and stay valid across later searches.
type EhFrame struct {
	mem     proc.MemoryReader
	addr    uint64
	order   binary.ByteOrder
	ptrSize int

	c   proc.Cursor
	cie CommonInformationEntry
	fde FrameDescriptionEntry
	// cieValid is set while cie holds the CIE at cie.Offset.
	cieValid bool
}

// NewEhFrame returns the .eh_frame section at addr in mem.
func NewEhFrame(mem proc.MemoryReader, addr uint64, order binary.ByteOrder, ptrSize int) *EhFrame {
	return &EhFrame{mem: mem, addr: addr, order: order, ptrSize: ptrSize}
}

// Addr returns the address of the start of the section.
func (e *EhFrame) Addr() uint64 {
	return e.addr
}

// entryHeader is the common prefix of CIEs and FDEs.
type entryHeader struct {
	offset uint64 // address of the length field
	length uint64
	idPos  uint64 // address of the CIE id / CIE pointer field
	id     uint64
	end    uint64 // first address after the entry
}

func (e *EhFrame) seek(addr uint64) {
	e.c.Reset(e.mem, addr)
	e.cieValid = false
}

func (e *EhFrame) ptrReader(bases BaseAddresses, ptrSize int) ptrReader {
	return ptrReader{c: &e.c, order: e.order, ptrSize: ptrSize, bases: bases, sec: sectionEhFrame, secAddr: e.addr}
}

// parseHeader reads the length and id fields of the entry at the cursor.
func (e *EhFrame) parseHeader() (entryHeader, error) {
	var hdr entryHeader
	c := &e.c
	hdr.offset = c.Addr()
	length, err := c.Uint(e.order, 4)
	if err != nil {
		return hdr, err
	}
	if length == 0 {
		return hdr, errTerminator
	}
	idSize := 4
	if length == 0xffffffff {
		// 64bit DWARF format
		if length, err = c.Uint(e.order, 8); err != nil {
			return hdr, err
		}
		idSize = 8
	}
	if length < uint64(idSize) || length > maxEntryLen {
		return hdr, errEntryLength
	}
	hdr.length = length
	hdr.idPos = c.Addr()
	hdr.end = hdr.idPos + length
	if hdr.end < hdr.idPos {
		return hdr, errEntryWraps
	}
	if hdr.id, err = c.Uint(e.order, idSize); err != nil {
		return hdr, err
	}
	return hdr, nil
}

func (hdr *entryHeader) isCIE() bool {
	return hdr.id == 0
}

// ciePos returns the address of the CIE of an FDE, the CIE pointer is
// relative to the field itself.
func (hdr *entryHeader) ciePos() (uint64, error) {
	if hdr.id > hdr.idPos {
		return 0, errCIEPointer
	}
	return hdr.idPos - hdr.id, nil
}

// CIEAt parses the CIE whose length field is at addr.
func (e *EhFrame) CIEAt(bases BaseAddresses, addr uint64) (*CommonInformationEntry, error) {
	e.seek(addr)
	if err := e.loadCIE(bases, addr); err != nil {
		return nil, err
	}
	cie := new(CommonInformationEntry)
	*cie = e.cie
	if err := e.readInstructions(&cie.InitialInstructions, nil, cie.instr, span{}); err != nil {
		return nil, err
	}
	return cie, nil
}

// loadCIE decodes the CIE at addr into e.cie, unless it is already
// there. The cursor is left where it was.
func (e *EhFrame) loadCIE(bases BaseAddresses, addr uint64) error {
	if e.cieValid && e.cie.Offset == addr {
		return nil
	}
	pos := e.c.Addr()
	defer e.c.Seek(pos)
	e.c.Seek(addr)
	hdr, err := e.parseHeader()
	if err != nil {
		return err
	}
	if !hdr.isCIE() {
		return errNotCIE
	}
	return e.parseCIE(bases, &hdr)
}

// parseCIE decodes the body of the CIE described by hdr into e.cie.
func (e *EhFrame) parseCIE(bases BaseAddresses, hdr *entryHeader) error {
	e.cieValid = false
	cie := &e.cie
	*cie = CommonInformationEntry{Offset: hdr.offset, Length: hdr.length, ptrEncAddr: ptrEncAbs, ptrEncLSDA: ptrEncOmit}
	c := &e.c

	var err error
	// parse version
	if cie.Version, err = c.ReadByte(); err != nil {
		return err
	}
	switch cie.Version {
	case 1, 3, 4:
	default:
		return errCIEVersion
	}

	// parse augmentation
	for {
		b, err := c.ReadByte()
		if err != nil {
			return err
		}
		if b == 0 {
			break
		}
		if int(cie.augLen) == len(cie.aug) {
			return errAugmentation
		}
		cie.aug[cie.augLen] = b
		cie.augLen++
	}
	aug := cie.aug[:cie.augLen]
	if len(aug) > 0 && aug[0] != 'z' {
		// also rejects the obsolete "eh" augmentation
		return errAugmentation
	}

	cie.AddressSize = uint8(e.ptrSize)
	if cie.Version == 4 {
		if cie.AddressSize, err = c.ReadByte(); err != nil {
			return err
		}
		segSize, err := c.ReadByte()
		if err != nil {
			return err
		}
		if segSize != 0 {
			return errSegmentSize
		}
	}
	switch cie.AddressSize {
	case 4, 8:
	default:
		return errAddressSize
	}

	// parse code alignment factor
	if cie.CodeAlignmentFactor, _, err = leb128.DecodeUnsigned(c); err != nil {
		return err
	}

	// parse data alignment factor
	if cie.DataAlignmentFactor, _, err = leb128.DecodeSigned(c); err != nil {
		return err
	}

	// parse return address register
	if cie.Version == 1 {
		b, err := c.ReadByte()
		if err != nil {
			return err
		}
		cie.ReturnAddressRegister = uint64(b)
	} else {
		if cie.ReturnAddressRegister, _, err = leb128.DecodeUnsigned(c); err != nil {
			return err
		}
	}

	if cie.hasAugData() {
		augLen, _, err := leb128.DecodeUnsigned(c)
		if err != nil {
			return err
		}
		augEnd := c.Addr() + augLen
		if augEnd > hdr.end || augEnd < c.Addr() {
			return errAugOverrun
		}
		pr := e.ptrReader(bases, int(cie.AddressSize))
		for _, ch := range aug[1:] {
			switch ch {
			case 'L':
				// Language Specific Data Area encoding, the pointer
				// itself is in the FDE.
				b, err := c.ReadByte()
				if err != nil {
					return err
				}
				cie.ptrEncLSDA = ptrEnc(b)
			case 'R':
				// Pointer encoding, describes how begin and size fields of FDEs are encoded.
				b, err := c.ReadByte()
				if err != nil {
					return err
				}
				cie.ptrEncAddr = ptrEnc(b)
				if cie.ptrEncAddr == ptrEncOmit || !cie.ptrEncAddr.Supported() {
					return errPtrEnc
				}
			case 'S':
				cie.SignalFrame = true
			case 'B':
				// AArch64 branch target identification, no data.
			case 'P':
				// Personality function encoded as a pointer encoding byte followed by
				// the pointer to the personality function encoded as specified by the
				// pointer encoding.
				b, err := c.ReadByte()
				if err != nil {
					return err
				}
				if cie.Personality, err = pr.readEncodedPtr(ptrEnc(b), 0); err != nil {
					return err
				}
			default:
				return errAugmentation
			}
		}
		if c.Addr() > augEnd {
			return errAugOverrun
		}
		c.Seek(augEnd)
	}

	// The rest of this entry consists of the instructions.
	if c.Addr() > hdr.end {
		return errEntryOverrun
	}
	cie.instr = span{c.Addr(), hdr.end}
	e.cieValid = true
	return nil
}

// FDEAt parses the FDE whose length field is at addr.
func (e *EhFrame) FDEAt(bases BaseAddresses, addr uint64) (*FrameDescriptionEntry, error) {
	if err := e.loadFDE(bases, addr); err != nil {
		return nil, err
	}
	return e.copyFDE()
}

// loadFDE decodes the FDE at addr, and its CIE, into e.fde.
func (e *EhFrame) loadFDE(bases BaseAddresses, addr uint64) error {
	e.seek(addr)
	hdr, err := e.parseHeader()
	if err != nil {
		return err
	}
	if hdr.isCIE() {
		return errNotFDE
	}
	return e.parseFDE(bases, &hdr)
}

// parseFDE decodes the body of the FDE described by hdr into e.fde,
// loading its CIE into e.cie first.
func (e *EhFrame) parseFDE(bases BaseAddresses, hdr *entryHeader) error {
	ciePos, err := hdr.ciePos()
	if err != nil {
		return err
	}
	if err := e.loadCIE(bases, ciePos); err != nil {
		return err
	}
	cie := &e.cie
	fde := &e.fde
	*fde = FrameDescriptionEntry{Offset: hdr.offset, Length: hdr.length, CIE: cie}
	c := &e.c
	pr := e.ptrReader(bases, int(cie.AddressSize))

	begin, err := pr.readEncodedPtr(cie.ptrEncAddr, 0)
	if err != nil {
		return err
	}
	// The initial location is the address of code, it can not be
	// indirect.
	if fde.begin, err = begin.Direct(); err != nil {
		return err
	}

	// For the size field in .eh_frame only the size encoding portion of the
	// address pointer encoding is considered.
	if fde.size, err = pr.readValue(cie.ptrEncAddr & ptrEncFormatMask); err != nil {
		return err
	}
	if cie.AddressSize == 4 {
		fde.size &= 0xffffffff
	}

	if cie.hasAugData() {
		augLen, _, err := leb128.DecodeUnsigned(c)
		if err != nil {
			return err
		}
		augEnd := c.Addr() + augLen
		if augEnd > hdr.end || augEnd < c.Addr() {
			return errAugOverrun
		}
		if cie.ptrEncLSDA != ptrEncOmit && augLen > 0 {
			if fde.LSDA, err = pr.readEncodedPtr(cie.ptrEncLSDA, fde.begin); err != nil {
				return err
			}
		}
		c.Seek(augEnd)
	}

	// The rest of this entry consists of the instructions.
	if c.Addr() > hdr.end {
		return errEntryOverrun
	}
	fde.instr = span{c.Addr(), hdr.end}
	return nil
}

// entryPair holds a returned FDE together with its CIE, so that both
// come from one allocation.
type entryPair struct {
	fde FrameDescriptionEntry
	cie CommonInformationEntry
}

// copyFDE returns a copy of e.fde and its CIE with the instructions of
// both read from the section.
func (e *EhFrame) copyFDE() (*FrameDescriptionEntry, error) {
	p := &entryPair{fde: e.fde, cie: e.cie}
	p.fde.CIE = &p.cie
	if err := e.readInstructions(&p.cie.InitialInstructions, &p.fde.Instructions, p.cie.instr, p.fde.instr); err != nil {
		return nil, err
	}
	return &p.fde, nil
}

// readInstructions reads the instructions at a and b into one buffer.
// dstB may be nil when b is empty.
func (e *EhFrame) readInstructions(dstA, dstB *[]byte, a, b span) error {
	n := a.len() + b.len()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if err := proc.ReadFull(e.mem, buf[:a.len()], a.addr); err != nil {
		return err
	}
	*dstA = buf[:a.len():a.len()]
	if dstB != nil {
		if err := proc.ReadFull(e.mem, buf[a.len():], b.addr); err != nil {
			return err
		}
		*dstB = buf[a.len():]
	}
	return nil
}

// nextFDE decodes entries from the cursor until it has decoded an FDE
// into e.fde. It returns errTerminator at the end of the section.
func (e *EhFrame) nextFDE(bases BaseAddresses) error {
	for {
		hdr, err := e.parseHeader()
		if err != nil {
			return err
		}
		if hdr.isCIE() {
			err = e.parseCIE(bases, &hdr)
		} else {
			err = e.parseFDE(bases, &hdr)
		}
		if err != nil {
			return err
		}
		e.c.Seek(hdr.end)
		if !hdr.isCIE() {
			return nil
		}
	}
}

// FDEForAddress scans the section linearly for the FDE covering pc.
// It returns ErrNoFDE if the whole section was read without a match, or
// the decoding error that stopped the scan.
func (e *EhFrame) FDEForAddress(bases BaseAddresses, pc uint64) (*FrameDescriptionEntry, error) {
	e.seek(e.addr)
	for i := 0; i < maxEntries; i++ {
		err := e.nextFDE(bases)
		if err == errTerminator {
			return nil, ErrNoFDE
		}
		if err != nil {
			return nil, err
		}
		if e.fde.Cover(pc) {
			return e.copyFDE()
		}
	}
	return nil, errTooManyEntries
}

// Entries returns all FDEs of the section sorted by start address.
func (e *EhFrame) Entries(bases BaseAddresses) (FrameDescriptionEntries, error) {
	fdes := newFrameIndex()
	cies := make(map[uint64]*CommonInformationEntry)
	e.seek(e.addr)
	for i := 0; i < maxEntries; i++ {
		err := e.nextFDE(bases)
		if err == errTerminator {
			fdes.Sort()
			return fdes, nil
		}
		if err != nil {
			return nil, err
		}
		fde, err := e.copyFDE()
		if err != nil {
			return nil, err
		}
		if cie, ok := cies[fde.CIE.Offset]; ok {
			fde.CIE = cie
		} else {
			cies[fde.CIE.Offset] = fde.CIE
		}
		fdes = append(fdes, fde)
	}
	return nil, errTooManyEntries
}
