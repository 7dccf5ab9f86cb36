package hostmod

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/fdefind/pkg/proc"
	"github.com/go-delve/fdefind/pkg/unwind"
)

var (
	// ErrNoText is returned for ELF files without a .text section.
	ErrNoText = errors.New("could not find .text section in binary")
	// ErrNoFrameTables is returned for ELF files that have neither
	// .eh_frame_hdr nor .eh_frame.
	ErrNoFrameTables = errors.New("could not find .eh_frame_hdr or .eh_frame section in binary")
	// ErrUnsupportedClass is returned for ELF files that are neither
	// 32 nor 64 bit.
	ErrUnsupportedClass = errors.New("unsupported ELF class")
)

// Module is a code region loaded in the target address space. All
// addresses are runtime addresses, LoadBias already applied.
type Module struct {
	Path     string
	LoadBias uint64

	// TextStart and TextEnd delimit the .text section, TextEnd is
	// exclusive.
	TextStart, TextEnd uint64

	EhFrameHdr unwind.Address
	EhFrame    unwind.Address
	// GOT is the global offset table, the base of data relative
	// pointers in .eh_frame.
	GOT unwind.Address

	PtrSize int
	Order   binary.ByteOrder
}

// Contains returns true if pc is inside the text section of m.
func (m *Module) Contains(pc uint64) bool {
	return pc >= m.TextStart && pc < m.TextEnd
}

func (m *Module) String() string {
	return fmt.Sprintf("%s [%#x, %#x) bias %#x", m.Path, m.TextStart, m.TextEnd, m.LoadBias)
}

// Open reads the section addresses of the ELF file at path, as loaded at
// bias.
func Open(path string, bias uint64) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := newModule(f, bias)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

func newModule(f *elf.File, bias uint64) (*Module, error) {
	m := &Module{LoadBias: bias, Order: f.ByteOrder}
	switch f.Class {
	case elf.ELFCLASS64:
		m.PtrSize = 8
	case elf.ELFCLASS32:
		m.PtrSize = 4
	default:
		return nil, ErrUnsupportedClass
	}

	text := f.Section(".text")
	if text == nil {
		return nil, ErrNoText
	}
	m.TextStart = text.Addr + bias
	m.TextEnd = m.TextStart + text.Size

	if sec := f.Section(".eh_frame_hdr"); sec != nil {
		m.EhFrameHdr = unwind.Some(sec.Addr + bias)
	} else {
		// Stripped section headers, the segment is still there.
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_GNU_EH_FRAME {
				m.EhFrameHdr = unwind.Some(prog.Vaddr + bias)
				break
			}
		}
	}
	if sec := f.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		m.EhFrame = unwind.Some(sec.Addr + bias)
	}
	if !m.EhFrameHdr.Valid && !m.EhFrame.Valid {
		return nil, ErrNoFrameTables
	}
	if sec := f.Section(".got"); sec != nil {
		m.GOT = unwind.Some(sec.Addr + bias)
	}
	return m, nil
}

// LoadImage maps the file backed part of the PT_LOAD segments of m into
// img.
func LoadImage(img *proc.Image, m *Module) error {
	if m.Path == "" {
		return fmt.Errorf("module [%#x, %#x) has no backing file", m.TextStart, m.TextEnd)
	}
	f, err := elf.Open(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return fmt.Errorf("%s: reading segment at %#x: %w", m.Path, prog.Vaddr, err)
		}
		if err := img.Map(prog.Vaddr+m.LoadBias, data); err != nil {
			return fmt.Errorf("%s: %w", m.Path, err)
		}
	}
	return nil
}
