// Package vma models the memory regions of a dump target.
// A List is a read-only view over the caller-supplied regions; regions are
// addressed by their stable index in the list.
package vma

import (
	"fmt"
	"iter"
	"os"

	"golang.org/x/sys/unix"
)

// PageSize is the system page size in bytes.
var PageSize = uint64(os.Getpagesize())

// Category describes how a region is backed.
type Category int

const (
	// AnonPrivate is a private anonymous mapping (heap, stack, MAP_PRIVATE|MAP_ANONYMOUS).
	AnonPrivate Category = iota
	// FilePrivate is a private file-backed mapping. Pages not yet COW-ed
	// can be recovered from the file.
	FilePrivate
	// Shared is any MAP_SHARED mapping. Its contents are dumped elsewhere.
	Shared
	// VDSO is the kernel-provided vdso. Always captured.
	VDSO
	// VVAR is the vdso data page. Never dumped.
	VVAR
	// Vsyscall is the legacy vsyscall page. Never dumped.
	Vsyscall
)

func (c Category) String() string {
	switch c {
	case AnonPrivate:
		return "anon-private"
	case FilePrivate:
		return "file-private"
	case Shared:
		return "shared"
	case VDSO:
		return "vdso"
	case VVAR:
		return "vvar"
	case Vsyscall:
		return "vsyscall"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Region is one contiguous mapping of the target address space.
type Region struct {
	Start    uint64
	End      uint64
	Prot     uint32
	Category Category
	Path     string
}

// Len returns the region length in bytes.
func (r Region) Len() uint64 {
	return r.End - r.Start
}

// Pages returns the region length in pages.
func (r Region) Pages() uint64 {
	return r.Len() / PageSize
}

// Readable reports whether the region already grants PROT_READ.
func (r Region) Readable() bool {
	return r.Prot&unix.PROT_READ != 0
}

// Eligible reports whether the region's private contents are captured by the page dump.
func (r Region) Eligible() bool {
	switch r.Category {
	case AnonPrivate, FilePrivate, VDSO:
		return true
	default:
		return false
	}
}

func (r Region) String() string {
	return fmt.Sprintf("%x-%x %s prot=%#x", r.Start, r.End, r.Category, r.Prot)
}

// List is the region list of one target.
type List struct {
	regions []Region

	// Longest is the page count of the largest eligible region.
	Longest uint64
	// PrivSize is the total page count of eligible regions.
	PrivSize uint64
}

// NewList validates regions and computes the eligible size accounting.
// Regions must be page aligned, non-empty, sorted and non-overlapping.
func NewList(regions []Region) (*List, error) {
	l := &List{regions: append([]Region(nil), regions...)}

	var prevEnd uint64
	for i, r := range l.regions {
		if r.End <= r.Start {
			return nil, fmt.Errorf("region %d (%s) is empty", i, r)
		}
		if r.Start%PageSize != 0 || r.End%PageSize != 0 {
			return nil, fmt.Errorf("region %d (%s) is not page aligned", i, r)
		}
		if i > 0 && r.Start < prevEnd {
			return nil, fmt.Errorf("region %d (%s) overlaps or precedes previous region ending at %x", i, r, prevEnd)
		}
		prevEnd = r.End

		if !r.Eligible() {
			continue
		}
		pages := r.Pages()
		l.PrivSize += pages
		if pages > l.Longest {
			l.Longest = pages
		}
	}
	return l, nil
}

// Len returns the number of regions, eligible or not.
func (l *List) Len() int {
	return len(l.regions)
}

// At returns the region with index i.
func (l *List) At(i int) Region {
	return l.regions[i]
}

// Private iterates eligible regions in address order, yielding their list index.
func (l *List) Private() iter.Seq2[int, Region] {
	return func(yield func(int, Region) bool) {
		for i, r := range l.regions {
			if !r.Eligible() {
				continue
			}
			if !yield(i, r) {
				return
			}
		}
	}
}

// Unreadable iterates eligible regions that lack PROT_READ.
// These are the regions that need a temporary protection grant.
func (l *List) Unreadable() iter.Seq2[int, Region] {
	return func(yield func(int, Region) bool) {
		for i, r := range l.Private() {
			if r.Readable() {
				continue
			}
			if !yield(i, r) {
				return
			}
		}
	}
}
