package unwind

import (
	"sync/atomic"
)

// HostHooks are the callbacks a host runtime provides to the deferred
// finder. Any of them can be nil, a nil hook always reports the address
// as unavailable.
type HostHooks struct {
	// TextBase returns the start of the text section of the code region
	// containing pc.
	TextBase func(pc uint64) (uint64, bool)
	// EhFrameHdr returns the address of the .eh_frame_hdr section.
	EhFrameHdr func() (uint64, bool)
	// EhFrame returns the address of the .eh_frame section. It is only
	// called when .eh_frame_hdr is unavailable or has no answer.
	EhFrame func() (uint64, bool)
	// GOT returns the base of data relative pointers in .eh_frame.
	GOT func() (uint64, bool)
	// Target is the address space the sections are read from, the zero
	// value is the current process.
	Target Target
}

var hostHooks atomic.Pointer[HostHooks]

// SetHostHooks replaces the hooks used by the deferred finder.
func SetHostHooks(h HostHooks) {
	hostHooks.Store(&h)
}

// ResetHostHooks restores the default hooks, which report every address
// as unavailable.
func ResetHostHooks() {
	hostHooks.Store(nil)
}

// DeferredFinder finds FDEs using the addresses supplied by the host
// hooks.
type DeferredFinder struct{}

// Deferred returns the finder backed by the host hooks.
func Deferred() DeferredFinder {
	return DeferredFinder{}
}

// FindFDE implements Finder.
func (DeferredFinder) FindFDE(pc uint64) (SearchResult, bool) {
	h := hostHooks.Load()
	if h == nil {
		return SearchResult{}, false
	}
	return FromBaseAddresses(hookAddresses{h}).FindFDE(pc)
}

// hookAddresses adapts HostHooks to BaseAddressFinder.
type hookAddresses struct {
	h *HostHooks
}

func (a hookAddresses) FindTextBase(pc uint64) (uint64, bool) {
	if a.h.TextBase == nil {
		return 0, false
	}
	return a.h.TextBase(pc)
}

func (a hookAddresses) FindEhFrameHdr(uint64) (uint64, bool) {
	if a.h.EhFrameHdr == nil {
		return 0, false
	}
	return a.h.EhFrameHdr()
}

func (a hookAddresses) FindEhFrame(uint64) (uint64, bool) {
	if a.h.EhFrame == nil {
		return 0, false
	}
	return a.h.EhFrame()
}

func (a hookAddresses) FindGOT(uint64) (uint64, bool) {
	if a.h.GOT == nil {
		return 0, false
	}
	return a.h.GOT()
}

func (a hookAddresses) Target() Target {
	return a.h.Target
}
