package frame

import (
	"errors"
	"fmt"
)

var (
	errTextBaseUnset = errors.New("text relative pointer but text base is not set")
	errDataBaseUnset = errors.New("data relative pointer but data base is not set")
)

// BaseAddresses holds the runtime addresses used to resolve relative
// pointer encodings.
// Text must be set before EhFrameHdr or EhFrame, relative encodings
// in both sections may refer to it.
type BaseAddresses struct {
	Text       uint64
	EhFrameHdr uint64
	EhFrame    uint64
	GOT        uint64

	set baseKind
}

type baseKind uint8

const (
	baseText baseKind = 1 << iota
	baseEhFrameHdr
	baseEhFrame
	baseGOT
)

// SetText returns a copy of b with the text base set.
func (b BaseAddresses) SetText(addr uint64) BaseAddresses {
	b.Text = addr
	b.set |= baseText
	return b
}

// SetEhFrameHdr returns a copy of b with the .eh_frame_hdr base set.
func (b BaseAddresses) SetEhFrameHdr(addr uint64) BaseAddresses {
	b.EhFrameHdr = addr
	b.set |= baseEhFrameHdr
	return b
}

// SetEhFrame returns a copy of b with the .eh_frame base set.
func (b BaseAddresses) SetEhFrame(addr uint64) BaseAddresses {
	b.EhFrame = addr
	b.set |= baseEhFrame
	return b
}

// SetGOT returns a copy of b with the .got base set. Data relative
// pointers inside .eh_frame are relative to it.
func (b BaseAddresses) SetGOT(addr uint64) BaseAddresses {
	b.GOT = addr
	b.set |= baseGOT
	return b
}

// HasText reports whether the text base was set.
func (b BaseAddresses) HasText() bool { return b.set&baseText != 0 }

// HasEhFrameHdr reports whether the .eh_frame_hdr base was set.
func (b BaseAddresses) HasEhFrameHdr() bool { return b.set&baseEhFrameHdr != 0 }

// HasEhFrame reports whether the .eh_frame base was set.
func (b BaseAddresses) HasEhFrame() bool { return b.set&baseEhFrame != 0 }

func (b BaseAddresses) String() string {
	s := fmt.Sprintf("text=%#x", b.Text)
	if b.HasEhFrameHdr() {
		s += fmt.Sprintf(" eh_frame_hdr=%#x", b.EhFrameHdr)
	}
	if b.HasEhFrame() {
		s += fmt.Sprintf(" eh_frame=%#x", b.EhFrame)
	}
	if b.set&baseGOT != 0 {
		s += fmt.Sprintf(" got=%#x", b.GOT)
	}
	return s
}

// section identifies which section a pointer is being read from,
// data relative pointers resolve differently in each.
type section uint8

const (
	sectionEhFrameHdr section = iota
	sectionEhFrame
)

func (b BaseAddresses) dataBase(sec section) (uint64, error) {
	switch sec {
	case sectionEhFrameHdr:
		if b.HasEhFrameHdr() {
			return b.EhFrameHdr, nil
		}
	case sectionEhFrame:
		if b.set&baseGOT != 0 {
			return b.GOT, nil
		}
	}
	return 0, errDataBaseUnset
}
