package unwind

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrAlreadyRegistered is returned by Register after the first call.
	ErrAlreadyRegistered = errors.New("custom FDE finder already registered")
	// ErrNilFinder is returned by Register when called with a nil Finder.
	ErrNilFinder = errors.New("nil FDE finder")
)

// registry is a write once slot for a Finder.
//
// claimed is set by the first Register call, completed is set once the
// finder field has been written. Lookups only look at completed: a
// finder that is still being registered is not visible.
type registry struct {
	claimed   atomic.Bool
	completed atomic.Bool
	finder    Finder
}

func (r *registry) register(f Finder) error {
	if f == nil {
		return ErrNilFinder
	}
	if r.claimed.Swap(true) {
		return ErrAlreadyRegistered
	}
	r.finder = f
	r.completed.Store(true)
	return nil
}

func (r *registry) get() Finder {
	if !r.completed.Load() {
		return nil
	}
	return r.finder
}

func (r *registry) findFDE(pc uint64) (SearchResult, bool) {
	f := r.get()
	if f == nil {
		return SearchResult{}, false
	}
	return f.FindFDE(pc)
}

var customRegistry registry

// Register installs f as the process wide custom finder. Only the first
// call succeeds, every later call returns ErrAlreadyRegistered and has
// no effect. f is used for the rest of the life of the process.
func Register(f Finder) error {
	return customRegistry.register(f)
}

// CustomFinder delegates to the finder installed with Register.
type CustomFinder struct{}

// Custom returns the finder that delegates to the registered custom
// finder. It is safe to use before Register is called, it finds
// nothing until registration completes.
func Custom() CustomFinder {
	return CustomFinder{}
}

// FindFDE implements Finder.
func (CustomFinder) FindFDE(pc uint64) (SearchResult, bool) {
	return customRegistry.findFDE(pc)
}
