package vma

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// FromProcMaps builds a region list from parsed /proc/<pid>/maps entries.
func FromProcMaps(maps []*procfs.ProcMap) (*List, error) {
	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		if m == nil {
			continue
		}
		regions = append(regions, Region{
			Start:    uint64(m.StartAddr),
			End:      uint64(m.EndAddr),
			Prot:     protFromPerms(m.Perms),
			Category: categorize(m),
			Path:     m.Pathname,
		})
	}
	return NewList(regions)
}

// LoadProcMaps reads and classifies the maps of pid under procRoot.
func LoadProcMaps(procRoot string, pid int) (*List, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read maps of %d: %w", pid, err)
	}
	return FromProcMaps(maps)
}

func protFromPerms(p *procfs.ProcMapPermissions) uint32 {
	if p == nil {
		return unix.PROT_NONE
	}
	var prot uint32
	if p.Read {
		prot |= unix.PROT_READ
	}
	if p.Write {
		prot |= unix.PROT_WRITE
	}
	if p.Execute {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func categorize(m *procfs.ProcMap) Category {
	switch m.Pathname {
	case "[vdso]":
		return VDSO
	case "[vvar]", "[vvar_vclock]":
		return VVAR
	case "[vsyscall]":
		return Vsyscall
	}
	if m.Perms != nil && m.Perms.Shared {
		return Shared
	}
	// [heap], [stack] and friends are anonymous even though they carry a name.
	if m.Inode != 0 && !strings.HasPrefix(m.Pathname, "[") {
		return FilePrivate
	}
	return AnonPrivate
}
