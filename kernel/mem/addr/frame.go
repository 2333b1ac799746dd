package addr

import (
	"iter"

	"github.com/ophion-os/ophion/kernel"
)

// Frame identifies a page-size-aligned block of address space. A is either
// PhysAddr or VirtAddr; S is one of the PageSize tag types. Both type
// parameters are compile-time only — Frame never stores more than the raw
// start address.
type Frame[A Value, S PageSize] struct {
	start A
}

// New constructs a Frame starting at addr, failing if addr is not aligned to
// the frame's size.
func New[A Value, S PageSize](addr A) (Frame[A, S], *kernel.Error) {
	var size S
	if uint64(addr)&(size.Bytes()-1) != 0 {
		return Frame[A, S]{}, ErrFrameNotAligned
	}
	return Frame[A, S]{start: addr}, nil
}

// Containing returns the Frame that contains addr, rounding down to the
// nearest frame boundary.
func Containing[A Value, S PageSize](addr A) Frame[A, S] {
	var size S
	return Frame[A, S]{start: A(uint64(addr) &^ (size.Bytes() - 1))}
}

// Start returns the frame's first address.
func (f Frame[A, S]) Start() A { return f.start }

// Size returns the frame's size in bytes.
func (f Frame[A, S]) Size() uint64 {
	var s S
	return s.Bytes()
}

// Index returns the frame number (start address divided by frame size).
func (f Frame[A, S]) Index() uint64 {
	return uint64(f.start) / f.Size()
}

// Add returns the frame n positions away from f (n may be negative).
func (f Frame[A, S]) Add(n int64) Frame[A, S] {
	base := int64(uint64(f.start))
	return Frame[A, S]{start: A(uint64(base + n*int64(f.Size())))}
}

// FrameRange is a half-open, end-exclusive run of same-sized frames.
type FrameRange[A Value, S PageSize] struct {
	start, end Frame[A, S]
}

// RangeOf builds the FrameRange [start, end).
func RangeOf[A Value, S PageSize](start, end Frame[A, S]) FrameRange[A, S] {
	return FrameRange[A, S]{start: start, end: end}
}

// RangeN builds the FrameRange of n consecutive frames starting at start.
func RangeN[A Value, S PageSize](start Frame[A, S], n uint64) FrameRange[A, S] {
	return FrameRange[A, S]{start: start, end: start.Add(int64(n))}
}

// RangeIncl builds the end-inclusive FrameRange [start, last].
func RangeIncl[A Value, S PageSize](start, last Frame[A, S]) FrameRange[A, S] {
	return FrameRange[A, S]{start: start, end: last.Add(1)}
}

// Len returns the number of frames in the range.
func (r FrameRange[A, S]) Len() uint64 {
	if r.end.start <= r.start.start {
		return 0
	}
	return (uint64(r.end.start) - uint64(r.start.start)) / r.start.Size()
}

// IsEmpty returns true if the range contains no frames.
func (r FrameRange[A, S]) IsEmpty() bool { return r.Len() == 0 }

// Start returns the first frame of the range.
func (r FrameRange[A, S]) Start() Frame[A, S] { return r.start }

// End returns the exclusive end frame of the range.
func (r FrameRange[A, S]) End() Frame[A, S] { return r.end }

// Contains returns true if f lies within the range.
func (r FrameRange[A, S]) Contains(f Frame[A, S]) bool {
	return f.start >= r.start.start && f.start < r.end.start
}

// All returns a range-over-func iterator over every frame in the range, in
// ascending order.
func (r FrameRange[A, S]) All() iter.Seq[Frame[A, S]] {
	return func(yield func(Frame[A, S]) bool) {
		for cur := r.start; cur.start < r.end.start; cur = cur.Add(1) {
			if !yield(cur) {
				return
			}
		}
	}
}

// Backward returns a range-over-func iterator over every frame in the
// range, in descending order.
func (r FrameRange[A, S]) Backward() iter.Seq[Frame[A, S]] {
	return func(yield func(Frame[A, S]) bool) {
		if r.IsEmpty() {
			return
		}
		for cur := r.end.Add(-1); ; cur = cur.Add(-1) {
			if !yield(cur) {
				return
			}
			if cur.start == r.start.start {
				return
			}
		}
	}
}

// Subframes splits a single Big frame into the range of Small frames that
// cover the same address span (e.g. a 2MiB frame becomes 512 4KiB frames).
func Subframes[A Value, Big, Small PageSize](f Frame[A, Big]) FrameRange[A, Small] {
	var small Small
	start := Frame[A, Small]{start: f.Start()}
	count := f.Size() / small.Bytes()
	return RangeN(start, count)
}
