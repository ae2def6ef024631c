// Package pagemap reads the kernel's per-page metadata from /proc/<pid>/pagemap.
// Each page is described by one 64-bit word; see
// Documentation/admin-guide/mm/pagemap.rst for the bit layout.
package pagemap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/theksk/criu/pkg/common"
	"github.com/theksk/criu/pkg/vma"
)

// EntrySize is the size in bytes of one pagemap word.
const EntrySize = 8

// Entry is one pagemap word.
type Entry uint64

const (
	PMEPresent   Entry = 1 << 63
	PMESwap      Entry = 1 << 62
	PMEFile      Entry = 1 << 61 // file-page or shared-anon
	PMESoftDirty Entry = 1 << 55
)

func (e Entry) Present() bool   { return e&PMEPresent != 0 }
func (e Entry) Swapped() bool   { return e&PMESwap != 0 }
func (e Entry) File() bool      { return e&PMEFile != 0 }
func (e Entry) SoftDirty() bool { return e&PMESoftDirty != 0 }

func (e Entry) String() string {
	return fmt.Sprintf("%#016x[p=%t s=%t f=%t sd=%t]", uint64(e), e.Present(), e.Swapped(), e.File(), e.SoftDirty())
}

// Source supplies pagemap words for page ranges of one process.
type Source interface {
	// ReadRange fills dst with the words of len(dst) pages starting at vaddr start.
	ReadRange(start uint64, dst []Entry) error
	Close() error
}

// Reader reads pagemap words from an open pagemap file.
type Reader struct {
	f   *os.File
	buf []byte
}

// Open opens the pagemap of pid under procRoot.
func Open(procRoot string, pid int) (*Reader, error) {
	f, err := common.OpenProc(procRoot, pid, "pagemap")
	if err != nil {
		return nil, fmt.Errorf("failed to open pagemap of %d: %w", pid, err)
	}
	return &Reader{f: f}, nil
}

// NewReader wraps an already open pagemap file.
func NewReader(f *os.File) *Reader {
	return &Reader{f: f}
}

// Offset returns the file offset of the word describing vaddr.
func Offset(vaddr uint64) int64 {
	return int64(vaddr / vma.PageSize * EntrySize)
}

// ReadRange implements Source.
func (r *Reader) ReadRange(start uint64, dst []Entry) error {
	if len(dst) == 0 {
		return nil
	}
	n := len(dst) * EntrySize
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	buf := r.buf[:n]

	got, err := r.f.ReadAt(buf, Offset(start))
	if got != n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("short pagemap read at %#x: %d of %d bytes: %w", start, got, n, err)
	}
	// The kernel writes pagemap words in host byte order.
	for i := range dst {
		dst[i] = Entry(binary.NativeEndian.Uint64(buf[i*EntrySize:]))
	}
	return nil
}

// Close implements Source.
func (r *Reader) Close() error {
	return r.f.Close()
}
