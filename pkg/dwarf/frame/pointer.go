package frame

import (
	"encoding/binary"
	"errors"

	"github.com/go-delve/fdefind/pkg/dwarf/leb128"
	"github.com/go-delve/fdefind/pkg/proc"
)

var (
	errFuncRelNoBase  = errors.New("function relative pointer outside of an FDE")
	errIndirect       = errors.New("unexpected indirect pointer")
	errOmittedPointer = errors.New("omitted pointer encoding")
	errPtrEnc         = errors.New("pointer encoding not supported")
)

// Pointer is a decoded pointer value. If Indirect is set Value is the
// address of the real pointer.
type Pointer struct {
	Value    uint64
	Indirect bool
}

// Direct returns the pointer value, or an error if the pointer is
// indirect.
func (p Pointer) Direct() (uint64, error) {
	if p.Indirect {
		return 0, errIndirect
	}
	return p.Value, nil
}

// Deref resolves the pointer, reading memory if it is indirect.
func (p Pointer) Deref(mem proc.MemoryReader, ptrSize int, order binary.ByteOrder) (uint64, error) {
	if !p.Indirect {
		return p.Value, nil
	}
	return proc.DerefPointer(mem, p.Value, ptrSize, order)
}

// ptrReader decodes encoded pointers from one section.
type ptrReader struct {
	c       *proc.Cursor
	order   binary.ByteOrder
	ptrSize int
	bases   BaseAddresses
	sec     section
	// secAddr is the address the section is read from, pc relative
	// pointers are resolved against the section base in bases.
	secAddr uint64
}

func (r *ptrReader) sectionBase() uint64 {
	switch r.sec {
	case sectionEhFrameHdr:
		return r.bases.EhFrameHdr
	default:
		return r.bases.EhFrame
	}
}

// readEncodedPtr reads a pointer encoded as specified by ptrEnc.
// funcBase is the start of the function for function relative pointers,
// zero when there is none.
func (r *ptrReader) readEncodedPtr(enc ptrEnc, funcBase uint64) (Pointer, error) {
	if enc == ptrEncOmit {
		return Pointer{}, errOmittedPointer
	}
	if !enc.Supported() {
		return Pointer{}, errPtrEnc
	}

	pos := r.c.Addr()
	ptr, err := r.readValue(enc)
	if err != nil {
		return Pointer{}, err
	}

	switch enc & ptrEncFlagsMask {
	case ptrEncAbs:
	case ptrEncPCRel:
		ptr += r.sectionBase() + (pos - r.secAddr)
	case ptrEncTextRel:
		if !r.bases.HasText() {
			return Pointer{}, errTextBaseUnset
		}
		ptr += r.bases.Text
	case ptrEncDataRel:
		base, err := r.bases.dataBase(r.sec)
		if err != nil {
			return Pointer{}, err
		}
		ptr += base
	case ptrEncFuncRel:
		if funcBase == 0 {
			return Pointer{}, errFuncRelNoBase
		}
		ptr += funcBase
	}

	if r.ptrSize == 4 {
		ptr &= 0xffffffff
	}

	return Pointer{Value: ptr, Indirect: enc&ptrEncIndirect != 0}, nil
}

// readValue reads the raw value of a pointer, considering only the
// format bits of enc.
func (r *ptrReader) readValue(enc ptrEnc) (uint64, error) {
	switch enc & ptrEncFormatMask {
	case ptrEncAbs:
		return r.c.Uint(r.order, r.ptrSize)
	case ptrEncSigned:
		v, err := r.c.Uint(r.order, r.ptrSize)
		if r.ptrSize == 4 {
			v = uint64(int32(v))
		}
		return v, err
	case ptrEncUleb:
		v, _, err := leb128.DecodeUnsigned(r.c)
		return v, err
	case ptrEncUdata2:
		return r.c.Uint(r.order, 2)
	case ptrEncSdata2:
		v, err := r.c.Uint(r.order, 2)
		return uint64(int16(v)), err
	case ptrEncUdata4:
		return r.c.Uint(r.order, 4)
	case ptrEncSdata4:
		v, err := r.c.Uint(r.order, 4)
		return uint64(int32(v)), err
	case ptrEncUdata8, ptrEncSdata8:
		return r.c.Uint(r.order, 8)
	case ptrEncSleb:
		v, _, err := leb128.DecodeSigned(r.c)
		return uint64(v), err
	}
	return 0, errPtrEnc
}
