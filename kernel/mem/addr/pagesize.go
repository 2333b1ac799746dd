package addr

// PageSize is implemented by the zero-sized tag types below. Parameterizing
// Frame over one of these tag types carries a compile-time page size
// without storing it at runtime: the tag type occupies no space in the
// Frame struct and its Bytes method is resolved entirely at compile time
// once the generic type is instantiated.
type PageSize interface {
	// Bytes returns the number of bytes spanned by a frame of this size.
	Bytes() uint64

	// Level returns the page-table level (1 = innermost) at which a leaf
	// entry of this size is installed.
	Level() uint8

	// String returns a short human readable label (e.g. "4KiB").
	String() string
}

// Page4KiB tags a standard, smallest-granularity page.
type Page4KiB struct{}

// Bytes implements PageSize.
func (Page4KiB) Bytes() uint64 { return 4 * 1024 }

// Level implements PageSize: a 4KiB page is always a level-1 leaf.
func (Page4KiB) Level() uint8 { return 1 }

// String implements PageSize.
func (Page4KiB) String() string { return "4KiB" }

// Page2MiB tags a huge page mapped at the second page-table level.
type Page2MiB struct{}

// Bytes implements PageSize.
func (Page2MiB) Bytes() uint64 { return 2 * 1024 * 1024 }

// Level implements PageSize: a 2MiB huge page is a level-2 leaf.
func (Page2MiB) Level() uint8 { return 2 }

// String implements PageSize.
func (Page2MiB) String() string { return "2MiB" }

// Page1GiB tags a huge page mapped at the third page-table level.
type Page1GiB struct{}

// Bytes implements PageSize.
func (Page1GiB) Bytes() uint64 { return 1024 * 1024 * 1024 }

// Level implements PageSize: a 1GiB huge page is a level-3 leaf.
func (Page1GiB) Level() uint8 { return 3 }

// String implements PageSize.
func (Page1GiB) String() string { return "1GiB" }
