// Package hostmod keeps track of the modules loaded in a target address
// space and resolves the base addresses the frame lookup needs from
// them.
package hostmod

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/fdefind/pkg/logflags"
	"github.com/go-delve/fdefind/pkg/proc"
	"github.com/go-delve/fdefind/pkg/unwind"
)

const lookupCacheSize = 256

// Registry is a set of non overlapping modules. The first module added
// is the primary module.
type Registry struct {
	mu      sync.RWMutex
	modules []*Module // sorted by TextStart
	primary *Module

	// recent pc lookups, purged when a module is added
	cache *lru.Cache
}

// New returns an empty Registry.
func New() *Registry {
	cache, err := lru.New(lookupCacheSize)
	if err != nil {
		// only fails for non positive sizes
		panic(err)
	}
	return &Registry{cache: cache}
}

// Add loads the ELF file at path as a module loaded at bias.
func (r *Registry) Add(path string, bias uint64) (*Module, error) {
	m, err := Open(path, bias)
	if err != nil {
		return nil, err
	}
	if err := r.AddModule(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddModule adds m to the registry. It fails if the text section of m
// overlaps the one of a module already added.
func (r *Registry) AddModule(m *Module) error {
	if m.TextEnd <= m.TextStart {
		return fmt.Errorf("module %s: empty text section", m)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.modules), func(i int) bool {
		return r.modules[i].TextStart >= m.TextStart
	})
	if i < len(r.modules) && r.modules[i].TextStart < m.TextEnd {
		return fmt.Errorf("module %s overlaps %s", m, r.modules[i])
	}
	if i > 0 && r.modules[i-1].TextEnd > m.TextStart {
		return fmt.Errorf("module %s overlaps %s", m, r.modules[i-1])
	}
	r.modules = append(r.modules, nil)
	copy(r.modules[i+1:], r.modules[i:])
	r.modules[i] = m
	if r.primary == nil {
		r.primary = m
	}
	r.cache.Purge()

	if logflags.HostMod() {
		logflags.HostModLogger().WithFields(logflags.Fields{
			"text":         fmt.Sprintf("%#x-%#x", m.TextStart, m.TextEnd),
			"eh_frame_hdr": fmtAddr(m.EhFrameHdr),
			"eh_frame":     fmtAddr(m.EhFrame),
			"got":          fmtAddr(m.GOT),
		}).Debugf("added module %s", m.Path)
	}
	return nil
}

func fmtAddr(a unwind.Address) string {
	if !a.Valid {
		return "none"
	}
	return fmt.Sprintf("%#x", a.Addr)
}

// Lookup returns the module whose text section contains pc.
func (r *Registry) Lookup(pc uint64) (*Module, bool) {
	if v, ok := r.cache.Get(pc); ok {
		return v.(*Module), true
	}
	r.mu.RLock()
	i := sort.Search(len(r.modules), func(i int) bool {
		return r.modules[i].TextEnd > pc
	})
	var m *Module
	if i < len(r.modules) && r.modules[i].Contains(pc) {
		m = r.modules[i]
	}
	r.mu.RUnlock()
	if m == nil {
		return nil, false
	}
	r.cache.Add(pc, m)
	return m, true
}

// Primary returns the first module added, or nil.
func (r *Registry) Primary() *Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Modules returns the modules sorted by address.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Module(nil), r.modules...)
}

// Image maps the file backed segments of every module into a new
// image.
func (r *Registry) Image() (*proc.Image, error) {
	img, _ := proc.NewImage()
	for _, m := range r.Modules() {
		if err := LoadImage(img, m); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// Hooks returns host hooks for the deferred finder. The text base is
// resolved per pc, the frame tables are always the ones of the primary
// module. If withHdr is false .eh_frame_hdr is never reported.
func (r *Registry) Hooks(t unwind.Target, withHdr bool) unwind.HostHooks {
	h := unwind.HostHooks{
		TextBase: func(pc uint64) (uint64, bool) {
			m, ok := r.Lookup(pc)
			if !ok {
				return 0, false
			}
			return m.TextStart, true
		},
		EhFrame: func() (uint64, bool) {
			m := r.Primary()
			if m == nil {
				return 0, false
			}
			return m.EhFrame.Addr, m.EhFrame.Valid
		},
		GOT: func() (uint64, bool) {
			m := r.Primary()
			if m == nil {
				return 0, false
			}
			return m.GOT.Addr, m.GOT.Valid
		},
		Target: t,
	}
	if withHdr {
		h.EhFrameHdr = func() (uint64, bool) {
			m := r.Primary()
			if m == nil {
				return 0, false
			}
			return m.EhFrameHdr.Addr, m.EhFrameHdr.Valid
		}
	}
	return h
}

// Finder returns a finder that resolves every address from the module
// containing pc. If withHdr is false .eh_frame_hdr is never used.
func (r *Registry) Finder(t unwind.Target, withHdr bool) unwind.Finder {
	if withHdr {
		return unwind.FromBaseAddresses(&moduleAddresses{r: r, t: t})
	}
	return unwind.FromBaseAddresses(&linearModuleAddresses{a: moduleAddresses{r: r, t: t}})
}

type moduleAddresses struct {
	r *Registry
	t unwind.Target
}

func (a *moduleAddresses) FindTextBase(pc uint64) (uint64, bool) {
	m, ok := a.r.Lookup(pc)
	if !ok {
		return 0, false
	}
	return m.TextStart, true
}

func (a *moduleAddresses) FindEhFrameHdr(pc uint64) (uint64, bool) {
	m, ok := a.r.Lookup(pc)
	if !ok {
		return 0, false
	}
	return m.EhFrameHdr.Addr, m.EhFrameHdr.Valid
}

func (a *moduleAddresses) FindEhFrame(pc uint64) (uint64, bool) {
	m, ok := a.r.Lookup(pc)
	if !ok {
		return 0, false
	}
	return m.EhFrame.Addr, m.EhFrame.Valid
}

func (a *moduleAddresses) FindGOT(pc uint64) (uint64, bool) {
	m, ok := a.r.Lookup(pc)
	if !ok {
		return 0, false
	}
	return m.GOT.Addr, m.GOT.Valid
}

func (a *moduleAddresses) Target() unwind.Target {
	return a.t
}

// linearModuleAddresses hides FindEhFrameHdr.
type linearModuleAddresses struct {
	a moduleAddresses
}

func (a *linearModuleAddresses) FindTextBase(pc uint64) (uint64, bool) {
	return a.a.FindTextBase(pc)
}

func (a *linearModuleAddresses) FindEhFrame(pc uint64) (uint64, bool) {
	return a.a.FindEhFrame(pc)
}

func (a *linearModuleAddresses) FindGOT(pc uint64) (uint64, bool) {
	return a.a.FindGOT(pc)
}

func (a *linearModuleAddresses) Target() unwind.Target {
	return a.a.Target()
}
