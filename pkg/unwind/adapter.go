package unwind

// BaseAddressFinder resolves the start of the text section of the code
// region containing a pc. Types implementing it can be turned into a
// Finder with FromBaseAddresses.
//
// A BaseAddressFinder may also implement EhFrameHdrFinder, EhFrameFinder,
// GOTFinder and TargetSource. Missing methods mean the corresponding
// address is unavailable and the tables are read from the current
// process.
type BaseAddressFinder interface {
	FindTextBase(pc uint64) (uint64, bool)
}

// EhFrameHdrFinder returns the address of the .eh_frame_hdr section
// for the code region containing pc.
type EhFrameHdrFinder interface {
	FindEhFrameHdr(pc uint64) (uint64, bool)
}

// EhFrameFinder returns the address of the .eh_frame section for the
// code region containing pc.
type EhFrameFinder interface {
	FindEhFrame(pc uint64) (uint64, bool)
}

// GOTFinder returns the address of the global offset table of the code
// region containing pc, data relative pointers in .eh_frame are relative
// to it.
type GOTFinder interface {
	FindGOT(pc uint64) (uint64, bool)
}

// TargetSource returns the address space the sections live in.
type TargetSource interface {
	Target() Target
}

type baseAddressFinder struct {
	b BaseAddressFinder
}

// FromBaseAddresses returns a Finder that resolves the base addresses
// with b and searches the tables with Locate.
func FromBaseAddresses(b BaseAddressFinder) Finder {
	return baseAddressFinder{b}
}

func (f baseAddressFinder) FindFDE(pc uint64) (SearchResult, bool) {
	text, ok := f.b.FindTextBase(pc)
	if !ok {
		return SearchResult{}, false
	}
	var t Target
	if ts, ok := f.b.(TargetSource); ok {
		t = ts.Target()
	}
	r := region{
		text: text,
		hdr:  f.ehFrameHdr(pc),
		got:  f.got(pc),
		// .eh_frame is only needed when .eh_frame_hdr has no answer.
		ehFrame: func() Address { return f.ehFrame(pc) },
	}
	return locate(t, pc, r)
}

func (f baseAddressFinder) ehFrameHdr(pc uint64) Address {
	if b, ok := f.b.(EhFrameHdrFinder); ok {
		return optional(b.FindEhFrameHdr(pc))
	}
	return None
}

func (f baseAddressFinder) ehFrame(pc uint64) Address {
	if b, ok := f.b.(EhFrameFinder); ok {
		return optional(b.FindEhFrame(pc))
	}
	return None
}

func (f baseAddressFinder) got(pc uint64) Address {
	if b, ok := f.b.(GOTFinder); ok {
		return optional(b.FindGOT(pc))
	}
	return None
}

func optional(addr uint64, ok bool) Address {
	if !ok {
		return None
	}
	return Some(addr)
}
