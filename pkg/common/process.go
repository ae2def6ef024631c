// Package common provides shared /proc helpers for the dump packages.
package common

import (
	"fmt"
	"os"
	"strconv"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-logr/logr"
	"github.com/moby/sys/mountinfo"
	"github.com/prometheus/procfs"
)

// DefaultProcRoot is the procfs mount used when none is configured.
const DefaultProcRoot = "/proc"

// ProcPath resolves <procRoot>/<pid>/<name> without escaping procRoot.
func ProcPath(procRoot string, pid int, name string) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid PID %d", pid)
	}
	p, err := securejoin.SecureJoin(procRoot, strconv.Itoa(pid)+"/"+name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s for PID %d under %s: %w", name, pid, procRoot, err)
	}
	return p, nil
}

// OpenProc opens a per-process proc file read-only.
func OpenProc(procRoot string, pid int, name string) (*os.File, error) {
	p, err := ProcPath(procRoot, pid, name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// OpenProcWrite opens a per-process proc file for writing.
func OpenProcWrite(procRoot string, pid int, name string) (*os.File, error) {
	p, err := ProcPath(procRoot, pid, name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_WRONLY, 0)
}

// ValidateProcRoot checks that procRoot is a mount point.
// A plain directory would silently yield an empty or stale view.
func ValidateProcRoot(procRoot string) error {
	mounted, err := mountinfo.Mounted(procRoot)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", procRoot, err)
	}
	if !mounted {
		return fmt.Errorf("%s is not a mount point", procRoot)
	}
	return nil
}

// ValidateStopped checks that a process exists and is stopped or traced.
// The page dump relies on the target not running while its memory is read.
func ValidateStopped(procRoot string, pid int) error {
	stat, err := procStat(procRoot, pid)
	if err != nil {
		return err
	}
	switch stat.State {
	case "t", "T":
		return nil
	case "Z", "X":
		return fmt.Errorf("process %d is dead (state %s)", pid, stat.State)
	default:
		return fmt.Errorf("process %d is not stopped (state %s)", pid, stat.State)
	}
}

// ValidateAlive checks that a process exists and is not a zombie.
func ValidateAlive(procRoot string, pid int) error {
	stat, err := procStat(procRoot, pid)
	if err != nil {
		return err
	}
	if stat.State == "Z" {
		return fmt.Errorf("process %d became zombie", pid)
	}
	return nil
}

func procStat(procRoot string, pid int) (procfs.ProcStat, error) {
	if pid <= 0 {
		return procfs.ProcStat{}, fmt.Errorf("invalid PID %d", pid)
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return procfs.ProcStat{}, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return procfs.ProcStat{}, fmt.Errorf("process %d not found: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return procfs.ProcStat{}, fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}
	return stat, nil
}

// LogTarget logs the identity of the dump target at the start of an invocation.
func LogTarget(log logr.Logger, procRoot string, pid int) {
	stat, err := procStat(procRoot, pid)
	if err != nil {
		log.V(1).Info("Cannot stat dump target", "pid", pid, "error", err)
		return
	}
	log.Info("Dump target", "pid", pid, "comm", stat.Comm, "state", stat.State, "ppid", stat.PPID)
}
