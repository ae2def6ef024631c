// Package pagexfer commits staged pages to a snapshot image directory.
//
// Each dump writes a pagemap image describing address ranges and a pages
// image holding the captured bytes in pagemap order. Ranges left unchanged
// since the parent snapshot are recorded as in-parent entries and carry no
// bytes.
package pagexfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/checkpoint-restore/go-criu/v7/crit/images/pagemap"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"

	"github.com/theksk/criu/pkg/pagepipe"
	"github.com/theksk/criu/pkg/vma"
)

var (
	// ErrNoParent is returned when a hole is written without a parent snapshot.
	ErrNoParent = errors.New("hole written without a parent snapshot")
	// ErrNotInParent is returned when a hole is not covered by the parent.
	ErrNotInParent = errors.New("hole not covered by parent snapshot")
	// ErrClosed is returned when writing to a closed sink.
	ErrClosed = errors.New("transfer sink closed")
)

// Counts summarizes what a sink has accepted.
type Counts struct {
	Pages   uint64
	Holes   uint64
	Entries uint64
}

// Xfer is a snapshot sink. Close is idempotent.
type Xfer interface {
	WriteBuf(b *pagepipe.Buf) error
	Close() error
	Stats() Counts
}

// ImageXfer writes pagemap and pages images to a directory.
type ImageXfer struct {
	dir string
	id  uint32
	log logr.Logger

	pagemapFile *os.File
	pagemapW    *bufio.Writer
	pagesFile   *os.File
	noSplice    bool

	parent []span
	counts Counts

	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var _ Xfer = (*ImageXfer)(nil)

// span is a covered address range [start, end).
type span struct{ start, end uint64 }

// Open creates the images for id in dir. When parentDir is set it is
// linked as dir/parent and its pagemap is loaded to validate holes.
func Open(dir string, id uint32, parentDir string, log logr.Logger) (*ImageXfer, error) {
	x := &ImageXfer{dir: dir, id: id, log: log}

	if parentDir != "" {
		if err := linkParent(dir, parentDir); err != nil {
			return nil, err
		}
		pm, err := ReadPagemap(filepath.Join(dir, ParentLink), id)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent pagemap: %w", err)
		}
		x.parent = coverage(pm)
		log.V(1).Info("Loaded parent pagemap", "parent", parentDir, "entries", len(pm.Entries), "spans", len(x.parent))
	}

	var err error
	x.pagemapFile, err = create(filepath.Join(dir, PagemapName(id)))
	if err != nil {
		return nil, err
	}
	x.pagesFile, err = create(filepath.Join(dir, PagesName(id)))
	if err != nil {
		x.pagemapFile.Close()
		return nil, err
	}
	x.pagemapW = bufio.NewWriter(x.pagemapFile)

	if err := writeImageHeader(x.pagemapW); err != nil {
		x.abort()
		return nil, fmt.Errorf("failed to write pagemap header: %w", err)
	}
	if err := writeEntry(x.pagemapW, &pagemap.PagemapHead{PagesId: proto.Uint32(id)}); err != nil {
		x.abort()
		return nil, fmt.Errorf("failed to write pagemap head: %w", err)
	}
	return x, nil
}

func create(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	return f, nil
}

func linkParent(dir, parentDir string) error {
	link := filepath.Join(dir, ParentLink)
	if cur, err := os.Readlink(link); err == nil {
		if cur == parentDir {
			return nil
		}
		return fmt.Errorf("%s already points to %s, not %s", link, cur, parentDir)
	}
	if err := os.Symlink(parentDir, link); err != nil {
		return fmt.Errorf("failed to link parent snapshot: %w", err)
	}
	return nil
}

// coverage merges every range the parent can serve. In-parent entries of
// the parent count as covered; they were validated against its own parent.
func coverage(pm *Pagemap) []span {
	spans := make([]span, 0, len(pm.Entries))
	for _, e := range pm.Entries {
		spans = append(spans, span{e.Vaddr, e.Vaddr + uint64(e.NrPages)*vma.PageSize})
	}
	slices.SortFunc(spans, func(a, b span) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	merged := spans[:0]
	for _, s := range spans {
		if n := len(merged); n > 0 && s.start <= merged[n-1].end {
			merged[n-1].end = max(merged[n-1].end, s.end)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func (x *ImageXfer) inParent(start, end uint64) bool {
	i, found := slices.BinarySearchFunc(x.parent, start, func(s span, addr uint64) int {
		switch {
		case s.end <= addr:
			return -1
		case s.start > addr:
			return 1
		}
		return 0
	})
	return found && x.parent[i].end >= end
}

// WriteBuf records every extent of b in order and moves its data pages from
// the pipe into the pages image.
func (x *ImageXfer) WriteBuf(b *pagepipe.Buf) error {
	if x.closed {
		return ErrClosed
	}
	for _, e := range b.Extents() {
		var err error
		if e.Kind == pagepipe.Hole {
			err = x.writeHole(e)
		} else {
			err = x.writeData(b, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *ImageXfer) writeHole(e pagepipe.Extent) error {
	if x.parent == nil {
		return fmt.Errorf("%w: %#x", ErrNoParent, e.Addr)
	}
	if !x.inParent(e.Addr, e.End()) {
		return fmt.Errorf("%w: %#x-%#x", ErrNotInParent, e.Addr, e.End())
	}
	entry := &pagemap.PagemapEntry{
		Vaddr:    proto.Uint64(e.Addr),
		NrPages:  proto.Uint32(uint32(e.NrPages)),
		InParent: proto.Bool(true),
		Flags:    proto.Uint32(FlagParent),
	}
	if err := writeEntry(x.pagemapW, entry); err != nil {
		return fmt.Errorf("failed to write pagemap entry: %w", err)
	}
	x.log.V(2).Info("Hole", "start", fmt.Sprintf("%#x", e.Addr), "pages", e.NrPages)
	x.counts.Holes += e.NrPages
	x.counts.Entries++
	return nil
}

func (x *ImageXfer) writeData(b *pagepipe.Buf, e pagepipe.Extent) error {
	if b.R() == nil {
		return fmt.Errorf("data extent at %#x has no pipe", e.Addr)
	}
	entry := &pagemap.PagemapEntry{
		Vaddr:   proto.Uint64(e.Addr),
		NrPages: proto.Uint32(uint32(e.NrPages)),
		Flags:   proto.Uint32(FlagPresent),
	}
	if err := writeEntry(x.pagemapW, entry); err != nil {
		return fmt.Errorf("failed to write pagemap entry: %w", err)
	}
	if err := x.movePages(b.R(), int64(e.Len())); err != nil {
		return fmt.Errorf("failed to write pages at %#x: %w", e.Addr, err)
	}
	x.log.V(2).Info("Pages", "start", fmt.Sprintf("%#x", e.Addr), "pages", e.NrPages)
	x.counts.Pages += e.NrPages
	x.counts.Entries++
	return nil
}

// movePages splices n bytes from the pipe into the pages image, falling
// back to a copy when the image filesystem does not support splice.
func (x *ImageXfer) movePages(r *os.File, n int64) error {
	if !x.noSplice {
		rfd, wfd := int(r.Fd()), int(x.pagesFile.Fd())
		for n > 0 {
			moved, err := unix.Splice(rfd, nil, wfd, nil, int(n), unix.SPLICE_F_MOVE)
			if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
				x.log.V(1).Info("Splice unsupported, copying pages", "error", err.Error())
				x.noSplice = true
				break
			}
			if err != nil {
				return fmt.Errorf("splice: %w", err)
			}
			if moved == 0 {
				return fmt.Errorf("pipe drained with %d bytes outstanding: %w", n, io.ErrUnexpectedEOF)
			}
			n -= moved
		}
		if n == 0 {
			return nil
		}
	}
	copied, err := io.CopyN(x.pagesFile, r, n)
	if err != nil {
		return fmt.Errorf("copied %d of %d bytes: %w", copied, n, err)
	}
	return nil
}

// Stats returns what has been written so far.
func (x *ImageXfer) Stats() Counts { return x.counts }

// Close flushes and syncs both images. Later calls return the first result.
func (x *ImageXfer) Close() error {
	x.closeOnce.Do(func() {
		x.closed = true
		var errs []error
		if err := x.pagemapW.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush pagemap: %w", err))
		}
		for _, f := range []*os.File{x.pagemapFile, x.pagesFile} {
			if err := f.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("failed to sync %s: %w", filepath.Base(f.Name()), err))
			}
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		x.closeErr = errors.Join(errs...)
	})
	return x.closeErr
}

func (x *ImageXfer) abort() {
	x.closeOnce.Do(func() {
		x.closed = true
		x.pagemapFile.Close()
		x.pagesFile.Close()
		x.closeErr = ErrClosed
	})
}

// DumpPages writes every buffer of pp to x in order.
func DumpPages(x Xfer, pp *pagepipe.PagePipe) error {
	for b := range pp.Bufs() {
		if err := x.WriteBuf(b); err != nil {
			return err
		}
	}
	return nil
}
