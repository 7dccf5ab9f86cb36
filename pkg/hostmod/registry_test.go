package hostmod

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-delve/fdefind/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/fdefind/pkg/elfwriter"
	"github.com/go-delve/fdefind/pkg/proc"
	"github.com/go-delve/fdefind/pkg/unwind"
)

// synthetic builds a module with one FDE per range in fdes, the text
// section starts at text and the tables are placed at tables.
func synthetic(t *testing.T, img *proc.Image, text, tables uint64, fdes ...[2]uint64) *Module {
	t.Helper()
	b := dwarfbuilder.New(binary.LittleEndian, 8)
	end := text
	for _, r := range fdes {
		b.FDE(r[0], r[1], nil)
		if r[0]+r[1] > end {
			end = r[0] + r[1]
		}
	}
	layout := dwarfbuilder.Layout{Text: text, EhFrameHdr: tables, EhFrame: tables + 0x1000}
	secs, err := b.Build(layout)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Map(layout.EhFrameHdr, secs.EhFrameHdr); err != nil {
		t.Fatal(err)
	}
	if err := img.Map(layout.EhFrame, secs.EhFrame); err != nil {
		t.Fatal(err)
	}
	return &Module{
		Path:       "synthetic",
		TextStart:  text,
		TextEnd:    end,
		EhFrameHdr: unwind.Some(layout.EhFrameHdr),
		EhFrame:    unwind.Some(layout.EhFrame),
		PtrSize:    8,
		Order:      binary.LittleEndian,
	}
}

func twoModules(t *testing.T) (*Registry, unwind.Target, *Module, *Module) {
	img, _ := proc.NewImage()
	a := synthetic(t, img, 0x10000, 0x80000, [2]uint64{0x10000, 0x100}, [2]uint64{0x10100, 0x40})
	b := synthetic(t, img, 0x40000, 0x90000, [2]uint64{0x40000, 0x80})
	r := New()
	if err := r.AddModule(a); err != nil {
		t.Fatal(err)
	}
	if err := r.AddModule(b); err != nil {
		t.Fatal(err)
	}
	return r, unwind.Target{Mem: img, PtrSize: 8, Order: binary.LittleEndian}, a, b
}

func TestLookup(t *testing.T) {
	r, _, a, b := twoModules(t)
	for _, test := range []struct {
		pc   uint64
		want *Module
	}{
		{0xffff, nil},
		{0x10000, a},
		{0x1013f, a},
		{0x10140, nil},
		{0x40000, b},
		{0x4007f, b},
		{0x40080, nil},
	} {
		// twice, the second lookup comes from the cache
		for i := 0; i < 2; i++ {
			m, ok := r.Lookup(test.pc)
			if ok != (test.want != nil) || m != test.want {
				t.Errorf("Lookup(%#x) = %v, %v; want %v", test.pc, m, ok, test.want)
			}
		}
	}
	if r.Primary() != a {
		t.Errorf("wrong primary module %v", r.Primary())
	}
	if ms := r.Modules(); len(ms) != 2 || ms[0] != a || ms[1] != b {
		t.Errorf("wrong modules %v", ms)
	}
}

func TestAddModuleOverlap(t *testing.T) {
	r, _, _, _ := twoModules(t)
	for _, m := range []*Module{
		{Path: "inside", TextStart: 0x10010, TextEnd: 0x10020},
		{Path: "before", TextStart: 0xff00, TextEnd: 0x10001},
		{Path: "after", TextStart: 0x4007f, TextEnd: 0x50000},
		{Path: "empty", TextStart: 0x20000, TextEnd: 0x20000},
	} {
		if err := r.AddModule(m); err == nil {
			t.Errorf("module %s was added", m.Path)
		}
	}
	// Adding purges negative results.
	if _, ok := r.Lookup(0x20000); ok {
		t.Fatal("unexpected module at 0x20000")
	}
	c := &Module{Path: "c", TextStart: 0x20000, TextEnd: 0x21000}
	if err := r.AddModule(c); err != nil {
		t.Fatal(err)
	}
	if m, ok := r.Lookup(0x20000); !ok || m != c {
		t.Fatalf("Lookup(0x20000) = %v, %v", m, ok)
	}
}

func TestFinder(t *testing.T) {
	r, tgt, _, _ := twoModules(t)
	for _, withHdr := range []bool{true, false} {
		f := r.Finder(tgt, withHdr)
		for _, test := range []struct {
			pc, begin uint64
		}{
			{0x10050, 0x10000},
			{0x10100, 0x10100},
			{0x40010, 0x40000},
		} {
			res, ok := f.FindFDE(test.pc)
			if !ok {
				t.Errorf("withHdr=%v: no FDE for %#x", withHdr, test.pc)
				continue
			}
			if res.FDE.Begin() != test.begin {
				t.Errorf("withHdr=%v: FDE for %#x starts at %#x, want %#x", withHdr, test.pc, res.FDE.Begin(), test.begin)
			}
			want := unwind.SourceTable
			if !withHdr {
				want = unwind.SourceLinear
			}
			if res.Source != want {
				t.Errorf("withHdr=%v: source %v for %#x", withHdr, res.Source, test.pc)
			}
		}
		if _, ok := f.FindFDE(0x30000); ok {
			t.Errorf("withHdr=%v: found FDE outside of all modules", withHdr)
		}
	}
}

func TestHooks(t *testing.T) {
	r, tgt, _, _ := twoModules(t)
	unwind.SetHostHooks(r.Hooks(tgt, true))
	defer unwind.ResetHostHooks()

	res, ok := unwind.Deferred().FindFDE(0x10120)
	if !ok {
		t.Fatal("no FDE for 0x10120")
	}
	if res.FDE.Begin() != 0x10100 || res.Source != unwind.SourceTable {
		t.Fatalf("unexpected FDE [%#x, %#x) from %v", res.FDE.Begin(), res.FDE.End(), res.Source)
	}

	// The hooks only report the tables of the primary module.
	if _, ok := unwind.Deferred().FindFDE(0x40010); ok {
		t.Fatal("found FDE of a secondary module")
	}

	unwind.SetHostHooks(r.Hooks(tgt, false))
	res, ok = unwind.Deferred().FindFDE(0x10120)
	if !ok || res.Source != unwind.SourceLinear {
		t.Fatalf("expected linear scan, got %v %v", ok, res.Source)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing"), 0); err == nil {
		t.Error("opened missing file")
	}
	path := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, 0); err == nil {
		t.Error("opened non ELF file")
	}
	if err := LoadImage(new(proc.Image), &Module{TextStart: 1, TextEnd: 2}); err == nil {
		t.Error("loaded module without backing file")
	}
}

func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF only")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	m, err := Open(exe, 0x1000)
	if errors.Is(err, ErrNoFrameTables) {
		t.Skip("test binary has no .eh_frame")
	}
	if err != nil {
		t.Fatal(err)
	}
	if m.TextStart >= m.TextEnd {
		t.Fatalf("bad text section %v", m)
	}
	if m.PtrSize != 4 && m.PtrSize != 8 {
		t.Fatalf("bad pointer size %d", m.PtrSize)
	}
	img, _ := proc.NewImage()
	if err := LoadImage(img, m); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := img.ReadMemory(buf, m.TextStart); err != nil {
		t.Fatalf("text section not mapped: %v", err)
	}
}

// writeModule writes a shared object with a .text section at 0x1000 and
// one FDE per range.
func writeModule(t *testing.T, fdes ...[2]uint64) string {
	t.Helper()
	b := dwarfbuilder.New(binary.LittleEndian, 8)
	for _, r := range fdes {
		b.FDE(r[0], r[1], nil)
	}
	layout := dwarfbuilder.Layout{Text: 0x1000, EhFrameHdr: 0x8000, EhFrame: 0x9000}
	secs, err := b.Build(layout)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "libtest.so")
	if err := elfwriter.WriteSharedObject(path, elf.EM_X86_64, []elfwriter.Segment{
		{Name: ".text", Addr: layout.Text, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 0x200)},
		{Name: ".eh_frame_hdr", Addr: layout.EhFrameHdr, Flags: elf.PF_R, Data: secs.EhFrameHdr},
		{Name: ".eh_frame", Addr: layout.EhFrame, Flags: elf.PF_R, Data: secs.EhFrame},
	}); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddELF(t *testing.T) {
	const bias = 0x7f0000000000
	path := writeModule(t, [2]uint64{0x1000, 0x100}, [2]uint64{0x1100, 0x40})

	r := New()
	m, err := r.Add(path, bias)
	if err != nil {
		t.Fatal(err)
	}
	if m.TextStart != 0x1000+bias || m.TextEnd != 0x1200+bias {
		t.Fatalf("bad text range %v", m)
	}
	if m.EhFrameHdr != unwind.Some(0x8000+bias) || m.EhFrame != unwind.Some(0x9000+bias) {
		t.Fatalf("bad frame tables %#v %#v", m.EhFrameHdr, m.EhFrame)
	}
	if m.PtrSize != 8 || m.Order != binary.LittleEndian {
		t.Fatalf("bad target %d %v", m.PtrSize, m.Order)
	}

	img, err := r.Image()
	if err != nil {
		t.Fatal(err)
	}
	tgt := unwind.Target{Mem: img, PtrSize: m.PtrSize, Order: m.Order}
	for _, withHdr := range []bool{true, false} {
		res, ok := r.Finder(tgt, withHdr).FindFDE(0x1120 + bias)
		if !ok {
			t.Fatalf("withHdr=%v: no FDE", withHdr)
		}
		if res.FDE.Begin() != 0x1100+bias || res.FDE.End() != 0x1140+bias {
			t.Fatalf("withHdr=%v: wrong FDE [%#x, %#x)", withHdr, res.FDE.Begin(), res.FDE.End())
		}
		if _, ok := r.Finder(tgt, withHdr).FindFDE(0x1140 + bias); ok {
			t.Fatalf("withHdr=%v: found FDE past the last range", withHdr)
		}
	}

	if _, err := r.Add(path, bias+0x100); err == nil {
		t.Fatal("added overlapping module")
	}
}

// TestAddELFDataRelative loads a module whose FDEs encode their
// addresses relative to .got.
func TestAddELFDataRelative(t *testing.T) {
	const bias = 0x7f0000000000
	b := dwarfbuilder.New(binary.LittleEndian, 8)
	b.CIE(dwarfbuilder.EncDataRelSdata4, nil)
	b.FDE(0x1000, 0x100, nil)
	b.FDE(0x1100, 0x40, nil)
	layout := dwarfbuilder.Layout{Text: 0x1000, EhFrameHdr: 0x8000, EhFrame: 0x9000, GOT: 0xa000}
	secs, err := b.Build(layout)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "libgot.so")
	if err := elfwriter.WriteSharedObject(path, elf.EM_X86_64, []elfwriter.Segment{
		{Name: ".text", Addr: layout.Text, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 0x200)},
		{Name: ".eh_frame_hdr", Addr: layout.EhFrameHdr, Flags: elf.PF_R, Data: secs.EhFrameHdr},
		{Name: ".eh_frame", Addr: layout.EhFrame, Flags: elf.PF_R, Data: secs.EhFrame},
		{Name: ".got", Addr: layout.GOT, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 0x10)},
	}); err != nil {
		t.Fatal(err)
	}

	r := New()
	m, err := r.Add(path, bias)
	if err != nil {
		t.Fatal(err)
	}
	if m.GOT != unwind.Some(0xa000+bias) {
		t.Fatalf("bad .got address %#v", m.GOT)
	}
	img, err := r.Image()
	if err != nil {
		t.Fatal(err)
	}
	tgt := unwind.Target{Mem: img, PtrSize: 8, Order: binary.LittleEndian}
	for _, withHdr := range []bool{true, false} {
		res, ok := r.Finder(tgt, withHdr).FindFDE(0x1120 + bias)
		if !ok {
			t.Fatalf("withHdr=%v: no FDE", withHdr)
		}
		if res.FDE.Begin() != 0x1100+bias || res.Bases.GOT != 0xa000+bias {
			t.Fatalf("withHdr=%v: wrong FDE [%#x, %#x) %v", withHdr, res.FDE.Begin(), res.FDE.End(), res.Bases)
		}
	}
}
