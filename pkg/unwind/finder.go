// Package unwind locates the call frame information needed to unwind a
// single stack frame.
//
// Given a program counter a Finder produces the FDE covering it, along
// with the base addresses and the .eh_frame section needed to interpret
// it. Two finders are provided: a process wide custom finder installed
// once with Register, and a deferred finder fed by host hooks installed
// with SetHostHooks. Both end up in Locate.
//
// Nothing in this package takes locks or panics on malformed section
// data, lookups can run from crash handlers and interrupted goroutines.
package unwind

import (
	"encoding/binary"

	"github.com/go-delve/fdefind/pkg/dwarf/frame"
	"github.com/go-delve/fdefind/pkg/proc"
)

// Finder finds the FDE covering a program counter.
type Finder interface {
	// FindFDE returns the FDE covering pc, ok is false if there is none.
	FindFDE(pc uint64) (res SearchResult, ok bool)
}

// Source tells which search path produced a SearchResult.
type Source uint8

const (
	// SourceTable is the binary search table of .eh_frame_hdr.
	SourceTable Source = iota
	// SourceLinear is a linear scan of .eh_frame.
	SourceLinear
)

func (s Source) String() string {
	switch s {
	case SourceTable:
		return "eh_frame_hdr"
	case SourceLinear:
		return "eh_frame"
	}
	return "unknown"
}

// SearchResult is a located FDE. The sections it refers to are not
// pinned, the caller must use it while the addresses it was built from
// are still valid.
type SearchResult struct {
	FDE     *frame.FrameDescriptionEntry
	Bases   frame.BaseAddresses
	EhFrame *frame.EhFrame
	Source  Source
}

// Address is an optional address.
type Address struct {
	Addr  uint64
	Valid bool
}

// Some returns a valid Address.
func Some(addr uint64) Address {
	return Address{Addr: addr, Valid: true}
}

// None is the unavailable Address.
var None = Address{}

// Target is the address space frame tables are read from.
// The zero value is the current process.
type Target struct {
	Mem     proc.MemoryReader
	PtrSize int
	Order   binary.ByteOrder
}

func (t Target) withDefaults() Target {
	if t.Mem == nil {
		t.Mem = proc.Self()
	}
	if t.PtrSize == 0 {
		t.PtrSize = proc.PtrSize
	}
	if t.Order == nil {
		t.Order = binary.NativeEndian
	}
	return t
}

// FindFDE asks the custom finder first and then the deferred finder.
func FindFDE(pc uint64) (SearchResult, bool) {
	if res, ok := Custom().FindFDE(pc); ok {
		return res, true
	}
	return Deferred().FindFDE(pc)
}
