package mem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/theksk/criu/pkg/common"
	"github.com/theksk/criu/pkg/pagemap"
	"github.com/theksk/criu/pkg/vma"
)

// clearSoftDirty is the clear_refs command that resets soft-dirty bits.
const clearSoftDirty = "4"

// DirtyTracker resets the modified-page markers of a process.
type DirtyTracker interface {
	ResetDirtyTrack(pid int) error
}

// ProcDirtyTracker resets markers through procfs.
type ProcDirtyTracker struct {
	ProcRoot string
}

// ResetDirtyTrack implements DirtyTracker.
func (p ProcDirtyTracker) ResetDirtyTrack(pid int) error {
	return ResetDirtyTrack(p.ProcRoot, pid)
}

// ResetDirtyTrack clears the soft-dirty bits of every page of pid so the next
// incremental dump sees only pages written from now on.
func ResetDirtyTrack(procRoot string, pid int) error {
	f, err := common.OpenProcWrite(procRoot, pid, "clear_refs")
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(clearSoftDirty); err != nil {
		return fmt.Errorf("failed to reset dirty tracking of %d: %w", pid, err)
	}
	return nil
}

// HasDirtyTrack probes whether the kernel maintains soft-dirty bits by
// clearing and re-dirtying a scratch page of the calling process.
func HasDirtyTrack(procRoot string) (bool, error) {
	page, err := unix.Mmap(-1, 0, int(vma.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return false, fmt.Errorf("failed to map probe page: %w", err)
	}
	defer unix.Munmap(page)
	addr := uint64(uintptr(unsafe.Pointer(&page[0])))
	page[0] = 1

	pid := os.Getpid()
	if err := ResetDirtyTrack(procRoot, pid); err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	r, err := pagemap.Open(procRoot, pid)
	if err != nil {
		return false, err
	}
	defer r.Close()

	var pme [1]pagemap.Entry
	if err := r.ReadRange(addr, pme[:]); err != nil {
		return false, err
	}
	if pme[0].SoftDirty() {
		// Reset did not take effect.
		return false, nil
	}

	page[0] = 2
	if err := r.ReadRange(addr, pme[:]); err != nil {
		return false, err
	}
	return pme[0].SoftDirty(), nil
}
