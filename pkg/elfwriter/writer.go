// elfwriter is a package to write small ELF files, enough to describe
// the layout of a loaded module: program headers, section contents and
// section headers.
// Only 64bit little endian files are supported.

package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
)

var errUnsupported = errors.New("unsupported ELF class or byte order")

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
)

// WriteCloserSeeker is the union of io.Writer, io.Closer and io.Seeker.
type WriteCloserSeeker interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Writer writes ELF files.
type Writer struct {
	w        WriteCloserSeeker
	Err      error
	Progs    []*elf.ProgHeader
	Sections []*Section

	seekProgHeader int64
	seekProgNum    int64
}

// Section is a section whose contents have been written by
// WriteSection.
type Section struct {
	elf.SectionHeader
	nameOff uint32
}

// New creates a new Writer.
func New(w WriteCloserSeeker, fhdr *elf.FileHeader) *Writer {
	r := &Writer{w: w}

	if seek, _ := w.Seek(0, io.SeekCurrent); seek != 0 {
		r.Err = errors.New("can't write halfway through a file")
		return r
	}
	if fhdr.Class != elf.ELFCLASS64 || fhdr.Data != elf.ELFDATA2LSB {
		r.Err = errUnsupported
		return r
	}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.u16(uint16(fhdr.Type))    // e_type
	r.u16(uint16(fhdr.Machine)) // e_machine
	r.u32(uint32(fhdr.Version)) // e_version
	r.u64(fhdr.Entry)           // e_entry
	r.seekProgHeader = r.Here()
	r.u64(0)         // e_phoff
	r.u64(0)         // e_shoff
	r.u32(0)         // e_flags
	r.u16(ehsize)    // e_ehsize
	r.u16(phentsize) // e_phentsize
	r.seekProgNum = r.Here()
	r.u16(0)                     // e_phnum
	r.u16(shentsize)             // e_shentsize
	r.u16(0)                     // e_shnum
	r.u16(uint16(elf.SHN_UNDEF)) // e_shstrndx

	// Sanity check, size of file header should be the same as ehsize
	if sz := r.Here(); r.Err == nil && sz != ehsize {
		r.Err = errors.New("internal error, ELF header size")
	}

	return r
}

// WriteSection writes data at the current location, aligned to align,
// and records a section header for it.
func (w *Writer) WriteSection(name string, typ elf.SectionType, flags elf.SectionFlag, addr uint64, align uint64, data []byte) *Section {
	if align == 0 {
		align = 1
	}
	w.Align(int64(align))
	sec := &Section{SectionHeader: elf.SectionHeader{
		Name:      name,
		Type:      typ,
		Flags:     flags,
		Addr:      addr,
		Offset:    uint64(w.Here()),
		Size:      uint64(len(data)),
		Addralign: align,
	}}
	w.Write(data)
	w.Sections = append(w.Sections, sec)
	return sec
}

// WriteProgramHeaders writes the program headers at the current location
// and patches the file header accordingly.
func (w *Writer) WriteProgramHeaders() {
	w.Align(8)
	phoff := w.Here()

	w.patch(w.seekProgHeader, func() { w.u64(uint64(phoff)) })
	w.patch(w.seekProgNum, func() { w.u16(uint16(len(w.Progs))) })

	for _, prog := range w.Progs {
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
}

// WriteSectionHeaders writes the section name table followed by the
// section headers and patches the file header accordingly. A null
// section is written first and the name table is written last.
func (w *Writer) WriteSectionHeaders() {
	strtab := []byte{0}
	addName := func(name string) uint32 {
		off := uint32(len(strtab))
		strtab = append(append(strtab, name...), 0)
		return off
	}
	for _, sec := range w.Sections {
		sec.nameOff = addName(sec.Name)
	}
	shstrtab := w.WriteSection(".shstrtab", elf.SHT_STRTAB, 0, 0, 1, nil)
	shstrtab.nameOff = addName(shstrtab.Name)
	w.Write(strtab)
	shstrtab.Size = uint64(len(strtab))

	w.Align(8)
	shoff := w.Here()
	shnum := len(w.Sections) + 1

	w.patch(w.seekProgHeader+8, func() { w.u64(uint64(shoff)) })
	w.patch(w.seekProgNum+2, func() {
		w.u16(shentsize)
		w.u16(uint16(shnum))
		w.u16(uint16(shnum - 1)) // e_shstrndx
	})

	w.Write(make([]byte, shentsize))
	for _, sec := range w.Sections {
		w.u32(sec.nameOff)
		w.u32(uint32(sec.Type))
		w.u64(uint64(sec.Flags))
		w.u64(sec.Addr)
		w.u64(sec.Offset)
		w.u64(sec.Size)
		w.u32(sec.Link)
		w.u32(sec.Info)
		w.u64(sec.Addralign)
		w.u64(sec.Entsize)
	}
}

// patch runs fn with the write position at off, then moves back to the
// end of the file.
func (w *Writer) patch(off int64, fn func()) {
	if _, err := w.w.Seek(off, io.SeekStart); err != nil && w.Err == nil {
		w.Err = err
	}
	fn()
	if _, err := w.w.Seek(0, io.SeekEnd); err != nil && w.Err == nil {
		w.Err = err
	}
}

// Here returns the current seek offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *Writer) Write(buf []byte) {
	_, err := w.w.Write(buf)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}
