package elfwriter

import (
	"debug/elf"
	"os"
)

// Segment is the contents of a section loaded in its own PT_LOAD
// segment.
type Segment struct {
	Name  string
	Addr  uint64
	Flags elf.ProgFlag
	Data  []byte
}

// WriteSharedObject writes a shared object for machine to path, with a
// PT_LOAD segment and a section for each segment in segs. A segment
// named .eh_frame_hdr is also described by a PT_GNU_EH_FRAME header.
func WriteSharedObject(path string, machine elf.Machine, segs []Segment) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := New(f, &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		OSABI:   elf.ELFOSABI_NONE,
		Type:    elf.ET_DYN,
		Machine: machine,
	})
	for _, seg := range segs {
		flags := elf.SHF_ALLOC
		if seg.Flags&elf.PF_X != 0 {
			flags |= elf.SHF_EXECINSTR
		}
		if seg.Flags&elf.PF_W != 0 {
			flags |= elf.SHF_WRITE
		}
		sec := w.WriteSection(seg.Name, elf.SHT_PROGBITS, flags, seg.Addr, 8, seg.Data)
		prog := &elf.ProgHeader{
			Type:   elf.PT_LOAD,
			Flags:  seg.Flags,
			Off:    sec.Offset,
			Vaddr:  seg.Addr,
			Paddr:  seg.Addr,
			Filesz: sec.Size,
			Memsz:  sec.Size,
			Align:  8,
		}
		w.Progs = append(w.Progs, prog)
		if seg.Name == ".eh_frame_hdr" {
			hdr := *prog
			hdr.Type = elf.PT_GNU_EH_FRAME
			hdr.Align = 4
			w.Progs = append(w.Progs, &hdr)
		}
	}
	w.WriteProgramHeaders()
	w.WriteSectionHeaders()
	if err := f.Close(); err != nil && w.Err == nil {
		w.Err = err
	}
	return w.Err
}
