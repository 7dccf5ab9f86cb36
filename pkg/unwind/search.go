package unwind

import (
	"errors"

	"github.com/go-delve/fdefind/pkg/dwarf/frame"
	"github.com/go-delve/fdefind/pkg/logflags"
)

// Locate finds the FDE covering pc in the code region whose text
// section starts at text.
//
// If hdr is valid the .eh_frame_hdr section there is parsed, its binary
// search table is tried first and the .eh_frame section it points to is
// scanned linearly if the table has no answer. If that fails and ehFrame
// is valid the .eh_frame section at ehFrame is scanned linearly.
// Decoding errors are never returned, they only end the path they
// happened on.
func Locate(t Target, pc, text uint64, hdr, ehFrame Address) (SearchResult, bool) {
	return locate(t, pc, region{
		text:    text,
		hdr:     hdr,
		ehFrame: func() Address { return ehFrame },
	})
}

// region holds the addresses of the frame tables of one code region.
type region struct {
	text uint64
	// got is the base of data relative pointers in .eh_frame.
	got Address
	hdr Address
	// ehFrame is only called when the .eh_frame_hdr path fails.
	ehFrame func() Address
}

func locate(t Target, pc uint64, r region) (SearchResult, bool) {
	t = t.withDefaults()

	// scanned is the .eh_frame that was already scanned to the end
	// without finding pc.
	scanned := None

	if r.hdr.Valid {
		res, ok, linear := locateWithHdr(t, pc, r)
		if ok {
			return res, true
		}
		scanned = linear
	}

	if ehFrame := r.ehFrame(); ehFrame.Valid && scanned != ehFrame {
		return locateWithEhFrame(t, pc, r, ehFrame.Addr)
	}
	return SearchResult{}, false
}

func (r region) bases() frame.BaseAddresses {
	bases := frame.BaseAddresses{}.SetText(r.text)
	if r.got.Valid {
		bases = bases.SetGOT(r.got.Addr)
	}
	return bases
}

func locateWithHdr(t Target, pc uint64, r region) (res SearchResult, ok bool, scanned Address) {
	hdrAddr := r.hdr.Addr
	bases := r.bases().SetEhFrameHdr(hdrAddr)
	hdr, err := frame.ParseEhFrameHdr(t.Mem, hdrAddr, bases, t.PtrSize, t.Order)
	if err != nil {
		logDecodeError(pc, "parsing .eh_frame_hdr", hdrAddr, err)
		return res, false, None
	}
	ehFrameAddr, err := hdr.EhFramePtr.Deref(t.Mem, t.PtrSize, t.Order)
	if err != nil {
		logDecodeError(pc, "reading eh_frame_ptr", hdrAddr, err)
		return res, false, None
	}
	bases = bases.SetEhFrame(ehFrameAddr)
	ehFrame := frame.NewEhFrame(t.Mem, ehFrameAddr, t.Order, t.PtrSize)

	// Use binary search table for address if available.
	if table := hdr.Table(); table != nil {
		fde, err := table.FDEForAddress(ehFrame, bases, pc)
		if err == nil {
			return SearchResult{FDE: fde, Bases: bases, EhFrame: ehFrame, Source: SourceTable}, true, None
		}
		logDecodeError(pc, "searching .eh_frame_hdr table", hdrAddr, err)
	}

	// Otherwise do the linear search.
	fde, err := ehFrame.FDEForAddress(bases, pc)
	if err != nil {
		logDecodeError(pc, "scanning .eh_frame", ehFrameAddr, err)
		if errors.Is(err, frame.ErrNoFDE) {
			scanned = Some(ehFrameAddr)
		}
		return res, false, scanned
	}
	return SearchResult{FDE: fde, Bases: bases, EhFrame: ehFrame, Source: SourceLinear}, true, None
}

func locateWithEhFrame(t Target, pc uint64, r region, ehFrameAddr uint64) (SearchResult, bool) {
	bases := r.bases().SetEhFrame(ehFrameAddr)
	ehFrame := frame.NewEhFrame(t.Mem, ehFrameAddr, t.Order, t.PtrSize)
	fde, err := ehFrame.FDEForAddress(bases, pc)
	if err != nil {
		logDecodeError(pc, "scanning .eh_frame", ehFrameAddr, err)
		return SearchResult{}, false
	}
	return SearchResult{FDE: fde, Bases: bases, EhFrame: ehFrame, Source: SourceLinear}, true
}

func logDecodeError(pc uint64, what string, addr uint64, err error) {
	if !logflags.Unwind() {
		return
	}
	logflags.UnwindLogger().Debugf("pc %#x: %s at %#x: %v", pc, what, addr, err)
}
