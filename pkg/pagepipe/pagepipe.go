// Package pagepipe stages captured pages in kernel pipes.
//
// A PagePipe is an ordered list of buffers. Each buffer owns one pipe and
// the extents whose contents are (or will be) spliced into it. Hole extents
// are kept in the same ordered list so a consumer sees data and holes in
// the order they were added, but they never occupy pipe capacity.
package pagepipe

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/theksk/criu/pkg/vma"
)

const (
	// MaxSegsPerBuf bounds the data extents of one buffer to what a single
	// vmsplice call accepts (UIO_MAXIOV).
	MaxSegsPerBuf = 1024

	// DefaultMaxPipePages is the largest pipe an unprivileged process can
	// get with the default fs.pipe-max-size of 1MiB and 4KiB pages.
	DefaultMaxPipePages = 256
)

// ErrOutOfOrder is returned when a page is added at or below the previous one.
var ErrOutOfOrder = errors.New("page added out of address order")

// Kind tags an extent.
type Kind int

const (
	// Data extents have their page contents in the buffer's pipe.
	Data Kind = iota
	// Hole extents carry no bytes; their contents live in a parent snapshot.
	Hole
)

func (k Kind) String() string {
	if k == Hole {
		return "hole"
	}
	return "data"
}

// Extent is a run of contiguous pages of the same kind.
type Extent struct {
	Addr    uint64
	NrPages uint64
	Kind    Kind
}

// End returns the first address past the extent.
func (e Extent) End() uint64 {
	return e.Addr + e.NrPages*vma.PageSize
}

// Len returns the extent length in bytes.
func (e Extent) Len() uint64 {
	return e.NrPages * vma.PageSize
}

// Buf is one pipe worth of staged pages.
type Buf struct {
	r, w *os.File

	// PipeSize is the current pipe capacity in pages.
	PipeSize uint64
	// PagesIn is the number of data pages assigned to the pipe.
	PagesIn uint64
	// NrSegs is the number of data extents.
	NrSegs int
	// NrHoles is the number of hole pages.
	NrHoles uint64

	extents []Extent
}

// Extents returns the buffer's extents in append order.
func (b *Buf) Extents() []Extent {
	return b.extents
}

// DataExtents iterates the data extents only, in append order.
func (b *Buf) DataExtents() iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		for _, e := range b.extents {
			if e.Kind != Data {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// R returns the read end of the pipe, or nil for a buffer holding only holes.
func (b *Buf) R() *os.File { return b.r }

// W returns the write end of the pipe, or nil for a buffer holding only holes.
func (b *Buf) W() *os.File { return b.w }

// CloseWrite releases the write end once the pipe has been filled, so a
// reader sees end of data instead of blocking.
func (b *Buf) CloseWrite() error {
	if b.w == nil {
		return nil
	}
	err := b.w.Close()
	b.w = nil
	return err
}

func (b *Buf) last() *Extent {
	if len(b.extents) == 0 {
		return nil
	}
	return &b.extents[len(b.extents)-1]
}

func (b *Buf) close() error {
	var errs []error
	if b.w != nil {
		errs = append(errs, b.w.Close())
		b.w = nil
	}
	if b.r != nil {
		errs = append(errs, b.r.Close())
		b.r = nil
	}
	return errors.Join(errs...)
}

// PagePipe is the ordered collection of buffers of one dump invocation.
type PagePipe struct {
	bufs         []*Buf
	segHint      int
	maxPipePages uint64

	nrPipes uint64
	pages   uint64
	holes   uint64
	segs    int
	last    uint64
	started bool

	closeOnce sync.Once
	closeErr  error
}

// SegsHint returns the worst-case number of data extents for privPages
// pages: strictly alternating captured and skipped pages need one extent
// for every other page.
func SegsHint(privPages uint64) int {
	return int(privPages/2) + 1
}

// New creates an empty page pipe. segHint pre-sizes extent storage and may
// be exceeded. maxPipePages caps the capacity a single pipe is grown to;
// zero selects DefaultMaxPipePages.
func New(segHint int, maxPipePages int) *PagePipe {
	if segHint < 1 {
		segHint = 1
	}
	if maxPipePages <= 0 {
		maxPipePages = DefaultMaxPipePages
	}
	return &PagePipe{segHint: segHint, maxPipePages: uint64(maxPipePages)}
}

// Open creates the pipe of the first buffer ahead of any page, so a
// descriptor or memory shortage is reported before work starts. Calling
// it is optional; without it the first data page opens the pipe.
func (pp *PagePipe) Open() error {
	if len(pp.bufs) > 0 {
		return nil
	}
	return pp.openPipe(pp.newBuf())
}

// Add appends a page of the given kind.
func (pp *PagePipe) Add(addr uint64, kind Kind) error {
	if kind == Hole {
		return pp.AddHole(addr)
	}
	return pp.AddPage(addr)
}

// AddPage appends a page whose contents must be captured.
func (pp *PagePipe) AddPage(addr uint64) error {
	if err := pp.checkOrder(addr); err != nil {
		return err
	}

	b, err := pp.bufForPage(addr)
	if err != nil {
		return err
	}
	if l := b.last(); l != nil && l.Kind == Data && l.End() == addr {
		l.NrPages++
	} else {
		b.extents = append(b.extents, Extent{Addr: addr, NrPages: 1, Kind: Data})
		b.NrSegs++
		pp.segs++
	}
	b.PagesIn++
	pp.pages++
	pp.last = addr
	return nil
}

// AddHole appends a page whose contents are recovered from the parent snapshot.
func (pp *PagePipe) AddHole(addr uint64) error {
	if err := pp.checkOrder(addr); err != nil {
		return err
	}

	b := pp.current()
	if b == nil {
		b = pp.newBuf()
	}
	if l := b.last(); l != nil && l.Kind == Hole && l.End() == addr {
		l.NrPages++
	} else {
		b.extents = append(b.extents, Extent{Addr: addr, NrPages: 1, Kind: Hole})
	}
	b.NrHoles++
	pp.holes++
	pp.last = addr
	return nil
}

func (pp *PagePipe) checkOrder(addr uint64) error {
	if addr%vma.PageSize != 0 {
		return fmt.Errorf("page address %#x is not page aligned", addr)
	}
	if pp.started && addr <= pp.last {
		return fmt.Errorf("%w: %#x after %#x", ErrOutOfOrder, addr, pp.last)
	}
	pp.started = true
	return nil
}

func (pp *PagePipe) current() *Buf {
	if len(pp.bufs) == 0 {
		return nil
	}
	return pp.bufs[len(pp.bufs)-1]
}

// bufForPage returns a buffer with room for one more data page at addr.
func (pp *PagePipe) bufForPage(addr uint64) (*Buf, error) {
	b := pp.current()
	if b == nil {
		b = pp.newBuf()
	}
	if b.r == nil {
		if err := pp.openPipe(b); err != nil {
			return nil, err
		}
	}

	newSeg := true
	if l := b.last(); l != nil && l.Kind == Data && l.End() == addr {
		newSeg = false
	}
	if newSeg && b.NrSegs >= MaxSegsPerBuf {
		return pp.freshBuf()
	}
	if b.PagesIn+1 <= b.PipeSize {
		return b, nil
	}
	if pp.grow(b) {
		return b, nil
	}
	return pp.freshBuf()
}

func (pp *PagePipe) freshBuf() (*Buf, error) {
	b := pp.newBuf()
	if err := pp.openPipe(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (pp *PagePipe) newBuf() *Buf {
	hint := pp.segHint - pp.segs
	if hint < 1 {
		hint = 1
	}
	if hint > MaxSegsPerBuf {
		hint = MaxSegsPerBuf
	}
	b := &Buf{extents: make([]Extent, 0, hint)}
	pp.bufs = append(pp.bufs, b)
	return b
}

func (pp *PagePipe) openPipe(b *Buf) error {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("failed to create page pipe: %w", err)
	}
	b.r = os.NewFile(uintptr(p[0]), "page-pipe-r")
	b.w = os.NewFile(uintptr(p[1]), "page-pipe-w")

	sz, err := unix.FcntlInt(b.w.Fd(), unix.F_GETPIPE_SZ, 0)
	if err != nil {
		b.close()
		return fmt.Errorf("failed to query page pipe size: %w", err)
	}
	b.PipeSize = max(uint64(sz)/vma.PageSize, 1)
	pp.nrPipes++
	return nil
}

// grow doubles the pipe capacity of b if allowed. A refusal by the kernel
// is not an error; the caller opens a new buffer instead.
func (pp *PagePipe) grow(b *Buf) bool {
	want := b.PipeSize * 2
	if want > pp.maxPipePages {
		return false
	}
	sz, err := unix.FcntlInt(b.w.Fd(), unix.F_SETPIPE_SZ, int(want*vma.PageSize))
	if err != nil {
		return false
	}
	got := uint64(sz) / vma.PageSize
	if got <= b.PipeSize {
		return false
	}
	b.PipeSize = got
	return true
}

// Bufs iterates buffers in append order.
func (pp *PagePipe) Bufs() iter.Seq[*Buf] {
	return func(yield func(*Buf) bool) {
		for _, b := range pp.bufs {
			if !yield(b) {
				return
			}
		}
	}
}

// NrBufs returns the number of buffers.
func (pp *PagePipe) NrBufs() int { return len(pp.bufs) }

// NrPipes returns the number of pipes opened.
func (pp *PagePipe) NrPipes() uint64 { return pp.nrPipes }

// Pages returns the number of data pages added.
func (pp *PagePipe) Pages() uint64 { return pp.pages }

// Holes returns the number of hole pages added.
func (pp *PagePipe) Holes() uint64 { return pp.holes }

// NrSegs returns the number of data extents across all buffers.
func (pp *PagePipe) NrSegs() int { return pp.segs }

// Dump logs the layout of the page pipe at debug verbosity.
func (pp *PagePipe) Dump(log logr.Logger) {
	if !log.V(1).Enabled() {
		return
	}
	log.V(1).Info("Page pipe", "bufs", len(pp.bufs), "pipes", pp.nrPipes, "pages", pp.pages, "holes", pp.holes, "segs", pp.segs)
	for i, b := range pp.bufs {
		log.V(1).Info("Page pipe buf", "index", i, "pipe_size", b.PipeSize, "pages_in", b.PagesIn, "segs", b.NrSegs, "holes", b.NrHoles)
		for _, e := range b.extents {
			log.V(2).Info("Extent", "kind", e.Kind.String(), "start", fmt.Sprintf("%#x", e.Addr), "pages", e.NrPages)
		}
	}
}

// Close releases all pipes. Safe to call more than once.
func (pp *PagePipe) Close() error {
	pp.closeOnce.Do(func() {
		var errs []error
		for _, b := range pp.bufs {
			errs = append(errs, b.close())
		}
		pp.closeErr = errors.Join(errs...)
	})
	return pp.closeErr
}
