package unwind

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/go-delve/fdefind/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/fdefind/pkg/proc"
)

const (
	textBase   = 0x1000
	ehFrameHdr = 0x8000
	ehFrame    = 0x9000
)

type pcRange struct {
	begin, size uint64
}

var ranges = []pcRange{
	{0x1000, 0x40},
	{0x1040, 0x20},
	{0x1100, 0x80},
	{0x1200, 0x10},
}

// memoryWith maps the sections built from rs. Changes to the returned
// sections are visible through the target.
func memoryWith(t *testing.T, rs []pcRange, tableEnc byte) (Target, dwarfbuilder.Sections) {
	t.Helper()
	b := dwarfbuilder.New(binary.LittleEndian, 8)
	b.TableEnc = tableEnc
	for _, r := range rs {
		b.FDE(r.begin, r.size, nil)
	}
	secs, err := b.Build(dwarfbuilder.Layout{Text: textBase, EhFrame: ehFrame, EhFrameHdr: ehFrameHdr})
	if err != nil {
		t.Fatal(err)
	}
	img, err := proc.NewImage(
		proc.Segment{Addr: ehFrameHdr, Data: secs.EhFrameHdr},
		proc.Segment{Addr: ehFrame, Data: secs.EhFrame})
	if err != nil {
		t.Fatal(err)
	}
	return Target{Mem: img, PtrSize: 8, Order: binary.LittleEndian}, secs
}

func TestLocateNoTables(t *testing.T) {
	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	if _, ok := Locate(tgt, 0x1000, textBase, None, None); ok {
		t.Fatal("found an FDE without any table")
	}
}

func TestTableAndLinearAgree(t *testing.T) {
	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)

	for pc := uint64(0xf00); pc < 0x1300; pc++ {
		tab, tabok := Locate(tgt, pc, textBase, Some(ehFrameHdr), None)
		lin, linok := Locate(tgt, pc, textBase, None, Some(ehFrame))
		if tabok != linok {
			t.Fatalf("pc %#x: table found %v, linear scan found %v", pc, tabok, linok)
		}
		if !tabok {
			continue
		}
		if tab.Source != SourceTable {
			t.Fatalf("pc %#x: expected the table to answer, got %v", pc, tab.Source)
		}
		if lin.Source != SourceLinear {
			t.Fatalf("pc %#x: expected a linear scan, got %v", pc, lin.Source)
		}
		if tab.FDE.Offset != lin.FDE.Offset {
			t.Fatalf("pc %#x: table found FDE at %#x, linear scan found FDE at %#x", pc, tab.FDE.Offset, lin.FDE.Offset)
		}
		if !tab.FDE.Cover(pc) {
			t.Fatalf("pc %#x: FDE [%#x, %#x) does not cover pc", pc, tab.FDE.Begin(), tab.FDE.End())
		}
		if tab.Bases.Text != textBase || tab.Bases.EhFrameHdr != ehFrameHdr || tab.Bases.EhFrame != ehFrame {
			t.Fatalf("pc %#x: bad bases %v", pc, tab.Bases)
		}
		if !lin.Bases.HasText() || !lin.Bases.HasEhFrame() || lin.Bases.HasEhFrameHdr() {
			t.Fatalf("pc %#x: bad bases for a linear scan %v", pc, lin.Bases)
		}
	}
}

func TestBoundaries(t *testing.T) {
	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	for _, test := range []struct {
		pc    uint64
		begin uint64 // 0 means not found
	}{
		{0x0fff, 0},
		{0x1000, 0x1000},
		{0x103f, 0x1000},
		{0x1040, 0x1040},
		{0x105f, 0x1040},
		{0x1060, 0},
		{0x1100, 0x1100},
		{0x1180, 0},
		{0x1200, 0x1200},
		{0x1210, 0},
	} {
		for _, hdr := range []Address{Some(ehFrameHdr), None} {
			res, ok := Locate(tgt, test.pc, textBase, hdr, Some(ehFrame))
			if test.begin == 0 {
				if ok {
					t.Errorf("pc %#x: expected no FDE, got [%#x, %#x)", test.pc, res.FDE.Begin(), res.FDE.End())
				}
				continue
			}
			if !ok {
				t.Errorf("pc %#x: expected FDE starting at %#x, got none", test.pc, test.begin)
				continue
			}
			if res.FDE.Begin() != test.begin {
				t.Errorf("pc %#x: expected FDE starting at %#x, got %#x", test.pc, test.begin, res.FDE.Begin())
			}
		}
	}
}

func TestFallbackToEhFrame(t *testing.T) {
	tgt, secs := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	secs.EhFrameHdr[0] = 0x7f // bad version

	if _, ok := Locate(tgt, 0x1020, textBase, Some(ehFrameHdr), None); ok {
		t.Fatal("found an FDE through a corrupt .eh_frame_hdr")
	}
	res, ok := Locate(tgt, 0x1020, textBase, Some(ehFrameHdr), Some(ehFrame))
	if !ok {
		t.Fatal("expected the linear scan to find the FDE")
	}
	if res.Source != SourceLinear || res.FDE.Begin() != 0x1000 {
		t.Fatalf("unexpected result %v [%#x, %#x)", res.Source, res.FDE.Begin(), res.FDE.End())
	}
}

func TestHdrWithoutTable(t *testing.T) {
	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncOmit)
	res, ok := Locate(tgt, 0x1150, textBase, Some(ehFrameHdr), None)
	if !ok {
		t.Fatal("expected a linear scan of the section pointed to by .eh_frame_hdr")
	}
	if res.Source != SourceLinear || res.FDE.Begin() != 0x1100 {
		t.Fatalf("unexpected result %v [%#x, %#x)", res.Source, res.FDE.Begin(), res.FDE.End())
	}
	if res.Bases.EhFrame != ehFrame || res.EhFrame.Addr() != ehFrame {
		t.Fatalf("bad .eh_frame base %v", res.Bases)
	}
}

func TestTableMissFallsBackToLinearScan(t *testing.T) {
	tgt, secs := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	// Keep only the first table entry, the table now answers pc 0x1150
	// with the FDE of [0x1000, 0x1040).
	binary.LittleEndian.PutUint32(secs.EhFrameHdr[8:], 1)

	res, ok := Locate(tgt, 0x1150, textBase, Some(ehFrameHdr), None)
	if !ok {
		t.Fatal("expected the linear scan of .eh_frame to find the FDE")
	}
	if res.Source != SourceLinear || res.FDE.Begin() != 0x1100 {
		t.Fatalf("unexpected result %v [%#x, %#x)", res.Source, res.FDE.Begin(), res.FDE.End())
	}
	res, ok = Locate(tgt, 0x1020, textBase, Some(ehFrameHdr), None)
	if !ok || res.Source != SourceTable || res.FDE.Begin() != 0x1000 {
		t.Fatalf("expected the remaining table entry to answer, got %v %v", ok, res.Source)
	}
}

func TestLocateAllocs(t *testing.T) {
	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	// Each lookup allocates the parsed .eh_frame_hdr and the .eh_frame it
	// points to, and a match adds the returned FDE and its instructions.
	for _, test := range []struct {
		name         string
		pc           uint64
		hdr, ehFrame Address
		found        bool
		max          float64
	}{
		{"table hit", 0x1205, Some(ehFrameHdr), None, true, 4},
		{"linear hit", 0x1205, None, Some(ehFrame), true, 3},
		{"miss", 0x1180, Some(ehFrameHdr), Some(ehFrame), false, 2},
		{"miss before text", 0x0500, Some(ehFrameHdr), Some(ehFrame), false, 2},
	} {
		found := !test.found
		allocs := testing.AllocsPerRun(50, func() {
			_, found = Locate(tgt, test.pc, textBase, test.hdr, test.ehFrame)
		})
		if found != test.found {
			t.Fatalf("%s: expected found=%v", test.name, test.found)
		}
		if allocs > test.max {
			t.Errorf("%s: %v allocations per lookup, expected at most %v", test.name, allocs, test.max)
		}
	}
}

// countingRegion counts how often the .eh_frame address is asked for.
type countingRegion struct {
	textRegion
	hdr         uint64
	ehFrameAsks int
}

func (r *countingRegion) FindEhFrameHdr(uint64) (uint64, bool) { return r.hdr, true }
func (r *countingRegion) FindEhFrame(pc uint64) (uint64, bool) {
	r.ehFrameAsks++
	return r.textRegion.FindEhFrame(pc)
}

func TestEhFrameResolvedOnlyOnFallback(t *testing.T) {
	tgt, secs := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	r := &countingRegion{textRegion: textRegion{text: textBase, ehFrame: ehFrame, target: tgt}, hdr: ehFrameHdr}
	f := FromBaseAddresses(r)

	if res, ok := f.FindFDE(0x1045); !ok || res.Source != SourceTable {
		t.Fatalf("expected the table to answer, got %v %v", ok, res.Source)
	}
	if r.ehFrameAsks != 0 {
		t.Fatalf(".eh_frame address asked for %d times, the table had the answer", r.ehFrameAsks)
	}

	secs.EhFrameHdr[0] = 0 // bad version
	if res, ok := f.FindFDE(0x1045); !ok || res.Source != SourceLinear {
		t.Fatalf("expected the linear scan to answer, got %v %v", ok, res.Source)
	}
	if r.ehFrameAsks != 1 {
		t.Fatalf("expected one .eh_frame address lookup, got %d", r.ehFrameAsks)
	}
}

// dataRelMemory maps sections whose FDEs encode their addresses
// relative to got.
func dataRelMemory(t *testing.T, got uint64) Target {
	t.Helper()
	b := dwarfbuilder.New(binary.LittleEndian, 8)
	b.CIE(dwarfbuilder.EncDataRelSdata4, nil)
	for _, r := range ranges {
		b.FDE(r.begin, r.size, nil)
	}
	secs, err := b.Build(dwarfbuilder.Layout{Text: textBase, EhFrame: ehFrame, EhFrameHdr: ehFrameHdr, GOT: got})
	if err != nil {
		t.Fatal(err)
	}
	img, err := proc.NewImage(proc.Segment{Addr: ehFrame, Data: secs.EhFrame})
	if err != nil {
		t.Fatal(err)
	}
	return Target{Mem: img, PtrSize: 8, Order: binary.LittleEndian}
}

type gotRegion struct {
	textRegion
	got uint64
}

func (r *gotRegion) FindGOT(uint64) (uint64, bool) { return r.got, true }

func TestDataRelativeEhFrame(t *testing.T) {
	const got = 0x4000
	tgt := dataRelMemory(t, got)

	without := FromBaseAddresses(&textRegion{text: textBase, ehFrame: ehFrame, target: tgt})
	if _, ok := without.FindFDE(0x1105); ok {
		t.Fatal("decoded data relative pointers without a GOT base")
	}

	with := FromBaseAddresses(&gotRegion{textRegion: textRegion{text: textBase, ehFrame: ehFrame, target: tgt}, got: got})
	res, ok := with.FindFDE(0x1105)
	if !ok {
		t.Fatal("expected FDE for 0x1105")
	}
	if res.FDE.Begin() != 0x1100 || res.Bases.GOT != got {
		t.Fatalf("unexpected result [%#x, %#x) %v", res.FDE.Begin(), res.FDE.End(), res.Bases)
	}

	defer ResetHostHooks()
	SetHostHooks(HostHooks{
		TextBase: func(uint64) (uint64, bool) { return textBase, true },
		EhFrame:  func() (uint64, bool) { return ehFrame, true },
		GOT:      func() (uint64, bool) { return got, true },
		Target:   tgt,
	})
	if res, ok := Deferred().FindFDE(0x1205); !ok || res.FDE.Begin() != 0x1200 {
		t.Fatal("expected the deferred finder to pass the GOT hook through")
	}
}

func TestUnmappedAddresses(t *testing.T) {
	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	if _, ok := Locate(tgt, 0x1020, textBase, Some(0xdead0000), Some(0xbeef0000)); ok {
		t.Fatal("found an FDE in unmapped memory")
	}
}

// textRegion is a BaseAddressFinder for a single code region.
type textRegion struct {
	text, ehFrame uint64
	target        Target
}

func (r *textRegion) FindTextBase(pc uint64) (uint64, bool) { return r.text, true }
func (r *textRegion) FindEhFrame(uint64) (uint64, bool)     { return r.ehFrame, true }
func (r *textRegion) Target() Target                        { return r.target }

func TestRegistry(t *testing.T) {
	var r registry
	if _, ok := r.findFDE(0x1020); ok {
		t.Fatal("found an FDE before registration")
	}
	if r.get() != nil {
		t.Fatal("finder visible before registration")
	}
	if err := r.register(nil); err != ErrNilFinder {
		t.Fatalf("expected ErrNilFinder, got %v", err)
	}

	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	first := FromBaseAddresses(&textRegion{text: textBase, ehFrame: ehFrame, target: tgt})
	if err := r.register(first); err != nil {
		t.Fatal(err)
	}
	second := FromBaseAddresses(&textRegion{text: textBase, ehFrame: 0xdead0000, target: tgt})
	if err := r.register(second); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if _, ok := r.findFDE(0x1020); !ok {
		t.Fatal("expected the first finder to stay registered")
	}
}

type taggedFinder int

func (taggedFinder) FindFDE(uint64) (SearchResult, bool) { return SearchResult{}, false }

func TestRegistryConcurrent(t *testing.T) {
	const n = 32
	var (
		r       registry
		wg      sync.WaitGroup
		errs    [n]error
		lookups sync.WaitGroup
		stop    = make(chan struct{})
	)

	lookups.Add(1)
	go func() {
		defer lookups.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if f := r.get(); f != nil {
				if _, ok := f.(taggedFinder); !ok {
					t.Errorf("lookup observed an unexpected finder %#v", f)
					return
				}
			}
		}
	}()

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = r.register(taggedFinder(i))
		}(i)
	}
	wg.Wait()
	close(stop)
	lookups.Wait()

	winner := -1
	for i, err := range errs {
		switch err {
		case nil:
			if winner >= 0 {
				t.Fatalf("registrations %d and %d both succeeded", winner, i)
			}
			winner = i
		case ErrAlreadyRegistered:
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if winner < 0 {
		t.Fatal("no registration succeeded")
	}
	if got := r.get(); got != taggedFinder(winner) {
		t.Fatalf("expected finder %d to be registered, got %v", winner, got)
	}
}

// TestCustomFinder is the only test that touches the process wide
// registry.
func TestCustomFinder(t *testing.T) {
	if _, ok := Custom().FindFDE(0x1020); ok {
		t.Fatal("found an FDE before registration")
	}

	tgt, _ := memoryWith(t, []pcRange{{0x1000, 0x40}}, dwarfbuilder.EncOmit)
	if err := Register(FromBaseAddresses(&textRegion{text: textBase, ehFrame: ehFrame, target: tgt})); err != nil {
		t.Fatal(err)
	}
	if err := Register(taggedFinder(0)); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	res, ok := Custom().FindFDE(0x1020)
	if !ok {
		t.Fatal("expected FDE for 0x1020")
	}
	if res.FDE.Begin() != 0x1000 || res.FDE.End() != 0x1040 {
		t.Fatalf("wrong FDE [%#x, %#x)", res.FDE.Begin(), res.FDE.End())
	}
	for _, pc := range []uint64{0x1040, 0x0fff} {
		if _, ok := Custom().FindFDE(pc); ok {
			t.Errorf("unexpected FDE for %#x", pc)
		}
	}
	if _, ok := FindFDE(0x1020); !ok {
		t.Fatal("FindFDE did not consult the custom finder")
	}
}

func TestDeferredDefaults(t *testing.T) {
	ResetHostHooks()
	for _, pc := range []uint64{0, 0x1000, 0x1020} {
		if _, ok := Deferred().FindFDE(pc); ok {
			t.Fatalf("default hooks found an FDE for %#x", pc)
		}
	}

	tgt, _ := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	called := false
	SetHostHooks(HostHooks{
		TextBase: func(pc uint64) (uint64, bool) {
			called = true
			return textBase, true
		},
		Target: tgt,
	})
	defer ResetHostHooks()
	if _, ok := Deferred().FindFDE(0x1020); ok {
		t.Fatal("found an FDE with only the text base hook")
	}
	if !called {
		t.Fatal("text base hook not called")
	}
}

func TestDeferredHooks(t *testing.T) {
	tgt, secs := memoryWith(t, ranges, dwarfbuilder.EncDataRelSdata4)
	defer ResetHostHooks()

	SetHostHooks(HostHooks{
		TextBase: func(pc uint64) (uint64, bool) {
			if pc < textBase || pc >= 0x2000 {
				return 0, false
			}
			return textBase, true
		},
		EhFrameHdr: func() (uint64, bool) { return ehFrameHdr, true },
		EhFrame:    func() (uint64, bool) { return ehFrame, true },
		Target:     tgt,
	})

	res, ok := Deferred().FindFDE(0x1045)
	if !ok {
		t.Fatal("expected FDE for 0x1045")
	}
	if res.Source != SourceTable || res.FDE.Begin() != 0x1040 {
		t.Fatalf("unexpected result %v [%#x, %#x)", res.Source, res.FDE.Begin(), res.FDE.End())
	}
	if _, ok := Deferred().FindFDE(0x3000); ok {
		t.Fatal("found an FDE outside of the text region")
	}

	secs.EhFrameHdr[0] = 0
	res, ok = Deferred().FindFDE(0x1045)
	if !ok {
		t.Fatal("expected fallback to .eh_frame")
	}
	if res.Source != SourceLinear {
		t.Fatalf("expected a linear scan, got %v", res.Source)
	}
}

func TestSelfMemoryIsSafe(t *testing.T) {
	// Reading unmapped addresses of the current process must fail
	// instead of crashing.
	if _, ok := Locate(Target{}, 0x1000, 0x1000, Some(8), Some(16)); ok {
		t.Fatal("found an FDE at address 8")
	}
}
