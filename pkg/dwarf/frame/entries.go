package frame

import (
	"errors"
	"fmt"
	"sort"
)

// CommonInformationEntry represents a Common Information Entry in
// the .eh_frame section.
type CommonInformationEntry struct {
	// Offset is the address of the length field of the entry.
	Offset                uint64
	Length                uint64
	Version               uint8
	AddressSize           uint8
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte

	// Personality is the personality routine, if the augmentation has 'P'.
	Personality Pointer
	// SignalFrame is set when the augmentation has 'S'.
	SignalFrame bool

	aug    [maxAugmentationLen]byte
	augLen uint8

	// eh_frame pointer encodings
	ptrEncAddr ptrEnc
	ptrEncLSDA ptrEnc

	instr span
}

// Augmentation returns the augmentation string of the CIE.
func (cie *CommonInformationEntry) Augmentation() string {
	return string(cie.aug[:cie.augLen])
}

func (cie *CommonInformationEntry) hasAugData() bool {
	return cie.augLen > 0
}

// FrameDescriptionEntry represents a Frame Descriptor Entry in the
// .eh_frame section.
type FrameDescriptionEntry struct {
	// Offset is the address of the length field of the entry.
	Offset       uint64
	Length       uint64
	CIE          *CommonInformationEntry
	Instructions []byte
	// LSDA is the language specific data area, if the CIE has 'L'.
	LSDA        Pointer
	begin, size uint64

	instr span
}

// span is the location of the instructions of an entry. They are only
// copied out of the section for entries that are returned.
type span struct {
	addr, end uint64
}

func (s span) len() uint64 {
	return s.end - s.addr
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns address of first location for this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns address of last location for this frame.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 64)
}

// ErrNoFDE is returned by lookups in .eh_frame and .eh_frame_hdr when
// the section was searched completely and no FDE covers the address.
var ErrNoFDE = errors.New("no FDE covers the address")

// ErrNoFDEForPC FDE for PC not found error
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the Frame Description Entry for the given PC.
// fdes must be sorted by Begin.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}

// Sort sorts fdes by start address.
func (fdes FrameDescriptionEntries) Sort() {
	sort.SliceStable(fdes, func(i, j int) bool {
		return fdes[i].Begin() < fdes[j].Begin()
	})
}

// ptrEnc represents a pointer encoding value, used during eh_frame decoding
// to determine how pointers were encoded.
// Least significant 4 (0xf) bytes encode the size  as well as its
// signed-ness,  most significant 4 bytes (0xf0 == ptrEncFlagsMask) are flags
// describing how the value should be interpreted (absolute, relative...)
// See https://www.airs.com/blog/archives/460.
type ptrEnc uint8

const (
	ptrEncAbs    ptrEnc = 0x00 // pointer-sized unsigned integer
	ptrEncOmit   ptrEnc = 0xff // omitted
	ptrEncUleb   ptrEnc = 0x01 // ULEB128
	ptrEncUdata2 ptrEnc = 0x02 // 2 bytes
	ptrEncUdata4 ptrEnc = 0x03 // 4 bytes
	ptrEncUdata8 ptrEnc = 0x04 // 8 bytes
	ptrEncSigned ptrEnc = 0x08 // pointer-sized signed integer
	ptrEncSleb   ptrEnc = 0x09 // SLEB128
	ptrEncSdata2 ptrEnc = 0x0a // 2 bytes, signed
	ptrEncSdata4 ptrEnc = 0x0b // 4 bytes, signed
	ptrEncSdata8 ptrEnc = 0x0c // 8 bytes, signed

	ptrEncFormatMask ptrEnc = 0x0f
	ptrEncFlagsMask  ptrEnc = 0x70

	ptrEncPCRel    ptrEnc = 0x10 // value is relative to the memory address where it appears
	ptrEncTextRel  ptrEnc = 0x20 // value is relative to the address of the text section
	ptrEncDataRel  ptrEnc = 0x30 // value is relative to the address of the data section
	ptrEncFuncRel  ptrEnc = 0x40 // value is relative to the start of the function
	ptrEncAligned  ptrEnc = 0x50 // value should be aligned
	ptrEncIndirect ptrEnc = 0x80 // value is an address where the real value of the pointer is stored
)

// Supported returns true if this pointer encoding is supported.
func (ptrEnc ptrEnc) Supported() bool {
	if ptrEnc == ptrEncOmit {
		return true
	}
	szenc := ptrEnc & ptrEncFormatMask
	if ((szenc > ptrEncUdata8) && (szenc < ptrEncSigned)) || (szenc > ptrEncSdata8) {
		// These values aren't defined at the moment
		return false
	}
	switch ptrEnc & ptrEncFlagsMask {
	case ptrEncAbs, ptrEncPCRel, ptrEncTextRel, ptrEncDataRel, ptrEncFuncRel:
		return true
	}
	return false
}

// fixedSize returns the size of values encoded with ptrEnc, or 0 for
// the variable length formats.
func (ptrEnc ptrEnc) fixedSize(ptrSize int) int {
	switch ptrEnc & ptrEncFormatMask {
	case ptrEncAbs, ptrEncSigned:
		return ptrSize
	case ptrEncUdata2, ptrEncSdata2:
		return 2
	case ptrEncUdata4, ptrEncSdata4:
		return 4
	case ptrEncUdata8, ptrEncSdata8:
		return 8
	}
	return 0
}
