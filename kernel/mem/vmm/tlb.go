package vmm

import (
	"runtime"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

var (
	// flushTLBEntryFn is overridden by tests; inlined by the compiler
	// everywhere else.
	flushTLBEntryFn = cpuFlushTLBEntry
	flushTLBAllFn   = cpuFlushTLBAll

	errUnflushedMapping = &kernel.Error{Module: "vmm", Message: "a TLB flush token was dropped without being flushed or ignored"}
)

// Flusher is the common interface satisfied by every TLB flush token.
//
// Go has neither a linear type system nor a compiler-enforced must-use
// lint strong enough to rely on, so the "every token must be consumed"
// guarantee is pushed to run time instead: every token installs a
// runtime.SetFinalizer that calls kernel.Panic if the token is garbage
// collected while still unconsumed. Flush() or Ignore() clears the
// finalizer, so well-behaved callers never pay for it.
type Flusher interface {
	// Flush performs the deferred TLB invalidation.
	Flush()

	// Ignore discards the token without invalidating the TLB. Use this
	// only when the caller knows the stale entries cannot be observed
	// (e.g. the mapping is being established for the first time).
	Ignore()
}

// SingleFlush defers invalidation of the TLB entry for one virtual page.
type SingleFlush struct {
	virt     addr.VirtAddr
	consumed bool
}

func newSingleFlush(virt addr.VirtAddr) *SingleFlush {
	f := &SingleFlush{virt: virt}
	runtime.SetFinalizer(f, (*SingleFlush).assertConsumed)
	return f
}

func (f *SingleFlush) assertConsumed() {
	if !f.consumed {
		kernel.Panic(errUnflushedMapping)
	}
}

// Flush invalidates the TLB entry for the page this token guards.
func (f *SingleFlush) Flush() {
	if f.consumed {
		return
	}
	f.consumed = true
	runtime.SetFinalizer(f, nil)
	flushTLBEntryFn(f.virt)
}

// Ignore discards the token, skipping the TLB shoot down.
func (f *SingleFlush) Ignore() {
	f.consumed = true
	runtime.SetFinalizer(f, nil)
}

// RangeFlush defers invalidation of the TLB entries for a contiguous run of
// virtual pages.
type RangeFlush struct {
	r        addr.FrameRange[addr.VirtAddr, addr.Page4KiB]
	consumed bool
}

func newRangeFlush(r addr.FrameRange[addr.VirtAddr, addr.Page4KiB]) *RangeFlush {
	f := &RangeFlush{r: r}
	runtime.SetFinalizer(f, (*RangeFlush).assertConsumed)
	return f
}

func (f *RangeFlush) assertConsumed() {
	if !f.consumed {
		kernel.Panic(errUnflushedMapping)
	}
}

// IsEmpty returns true if the range guards no pages.
func (f *RangeFlush) IsEmpty() bool { return f.r.IsEmpty() }

// Flush invalidates every TLB entry in the guarded range.
func (f *RangeFlush) Flush() {
	if f.consumed {
		return
	}
	f.consumed = true
	runtime.SetFinalizer(f, nil)
	for pg := range f.r.All() {
		flushTLBEntryFn(pg.Start())
	}
}

// Ignore discards the token, skipping every TLB shoot down in the range.
func (f *RangeFlush) Ignore() {
	f.consumed = true
	runtime.SetFinalizer(f, nil)
}

// FullFlush defers invalidation of the entire TLB (e.g. after switching the
// active page directory).
type FullFlush struct {
	consumed bool
}

func newFullFlush() *FullFlush {
	f := &FullFlush{}
	runtime.SetFinalizer(f, (*FullFlush).assertConsumed)
	return f
}

func (f *FullFlush) assertConsumed() {
	if !f.consumed {
		kernel.Panic(errUnflushedMapping)
	}
}

// Flush invalidates every entry in the TLB.
func (f *FullFlush) Flush() {
	if f.consumed {
		return
	}
	f.consumed = true
	runtime.SetFinalizer(f, nil)
	flushTLBAllFn()
}

// Ignore discards the token, skipping the full TLB flush.
func (f *FullFlush) Ignore() {
	f.consumed = true
	runtime.SetFinalizer(f, nil)
}
