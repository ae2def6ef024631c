// Package parasite is the control channel to an agent running inside the
// target's address space. Commands are framed over a unix seqpacket
// socket; the agent executes them in the target's context and replies with
// an acknowledgement carrying an errno-style status.
package parasite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Cmd is a command understood by the agent.
type Cmd uint32

const (
	// CmdMprotectVMAs changes protection of listed regions.
	CmdMprotectVMAs Cmd = iota + 1
	// CmdDumpPages vmsplices listed extents into a pipe sent alongside.
	CmdDumpPages
	// CmdFini ends the session; the agent stops serving after acking it.
	CmdFini
)

func (c Cmd) String() string {
	switch c {
	case CmdMprotectVMAs:
		return "MPROTECT_VMAS"
	case CmdDumpPages:
		return "DUMPPAGES"
	case CmdFini:
		return "FINI"
	default:
		return fmt.Sprintf("CMD(%d)", uint32(c))
	}
}

// ErrMalformedAck is returned when the acknowledgement does not match the
// outstanding command or is truncated.
var ErrMalformedAck = errors.New("malformed agent acknowledgement")

// CommandError is a command the agent received and failed to execute.
type CommandError struct {
	Cmd    Cmd
	Status int32
}

func (e *CommandError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("agent command %s failed: %v", e.Cmd, syscall.Errno(e.Status))
	}
	return fmt.Sprintf("agent command %s failed with status %d", e.Cmd, e.Status)
}

// VMAEntry describes one region to (un)protect.
type VMAEntry struct {
	Start uint64
	Len   uint64
	Prot  uint32
}

// MprotectArgs asks the agent to set each entry to Prot|AddProt.
// AddProt zero restores the original protection.
type MprotectArgs struct {
	AddProt uint32
	VMAs    []VMAEntry
}

// Iov is one contiguous extent of target memory.
type Iov struct {
	Base uint64
	Len  uint64
}

// DumpPagesArgs moves NrPages pages in NrSegs extents into a pipe.
// Off is the running index of the first extent across the whole dump.
type DumpPagesArgs struct {
	Off     uint32
	NrSegs  uint32
	NrPages uint32
	Iovs    []Iov
}

// Executor runs commands in the target. Implementations allow at most one
// outstanding command at a time.
type Executor interface {
	MprotectVMAs(ctx context.Context, args *MprotectArgs) error
	DumpPages(ctx context.Context, args *DumpPagesArgs, pipe *os.File) error
}
