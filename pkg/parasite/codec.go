package parasite

import (
	"encoding/binary"
	"fmt"
)

// Wire layout, all little endian:
//
//	command: cmd u32 | len u32 | payload[len]
//	ack:     cmd u32 | status i32
//	mprotect payload: add_prot u32 | nr u32 | nr * (start u64 | len u64 | prot u32 | pad u32)
//	dumppages payload: off u32 | nr_segs u32 | nr_pages u32 | pad u32 | nr_segs * (base u64 | len u64)
const (
	HeaderSize = 8
	AckSize    = 8

	// MaxPayload bounds a single command so it fits one seqpacket datagram
	// under the default socket buffer size.
	MaxPayload = 64 << 10

	vmaEntrySize  = 24
	mprotectHdr   = 8
	iovSize       = 16
	dumpPagesHdr  = 16
	maxVMAsPerCmd = (MaxPayload - mprotectHdr) / vmaEntrySize
	maxIovsPerCmd = (MaxPayload - dumpPagesHdr) / iovSize
)

var le = binary.LittleEndian

// EncodeCommand frames payload as a cmd command.
func EncodeCommand(cmd Cmd, payload []byte) []byte {
	b := make([]byte, HeaderSize, HeaderSize+len(payload))
	le.PutUint32(b[0:], uint32(cmd))
	le.PutUint32(b[4:], uint32(len(payload)))
	return append(b, payload...)
}

// DecodeCommand splits a received frame into command and payload.
func DecodeCommand(b []byte) (Cmd, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, fmt.Errorf("short command frame: %d bytes", len(b))
	}
	cmd := Cmd(le.Uint32(b[0:]))
	n := le.Uint32(b[4:])
	if int(n) != len(b)-HeaderSize {
		return 0, nil, fmt.Errorf("command %s: payload length %d, frame carries %d", cmd, n, len(b)-HeaderSize)
	}
	return cmd, b[HeaderSize:], nil
}

// EncodeAck builds an acknowledgement frame.
func EncodeAck(cmd Cmd, status int32) []byte {
	b := make([]byte, AckSize)
	le.PutUint32(b[0:], uint32(cmd))
	le.PutUint32(b[4:], uint32(status))
	return b
}

// decodeAck checks b acknowledges want.
func decodeAck(want Cmd, b []byte) error {
	if len(b) != AckSize {
		return fmt.Errorf("%w: %d bytes for %s", ErrMalformedAck, len(b), want)
	}
	got := Cmd(le.Uint32(b[0:]))
	if got != want {
		return fmt.Errorf("%w: got %s while waiting for %s", ErrMalformedAck, got, want)
	}
	if status := int32(le.Uint32(b[4:])); status != 0 {
		return &CommandError{Cmd: want, Status: status}
	}
	return nil
}

// MarshalBinary encodes the arguments as a command payload.
func (a *MprotectArgs) MarshalBinary() ([]byte, error) {
	if len(a.VMAs) > maxVMAsPerCmd {
		return nil, fmt.Errorf("%d regions exceed the per-command limit of %d", len(a.VMAs), maxVMAsPerCmd)
	}
	b := make([]byte, mprotectHdr+len(a.VMAs)*vmaEntrySize)
	le.PutUint32(b[0:], a.AddProt)
	le.PutUint32(b[4:], uint32(len(a.VMAs)))
	off := mprotectHdr
	for _, v := range a.VMAs {
		le.PutUint64(b[off:], v.Start)
		le.PutUint64(b[off+8:], v.Len)
		le.PutUint32(b[off+16:], v.Prot)
		off += vmaEntrySize
	}
	return b, nil
}

// UnmarshalBinary decodes a command payload.
func (a *MprotectArgs) UnmarshalBinary(b []byte) error {
	if len(b) < mprotectHdr {
		return fmt.Errorf("short mprotect payload: %d bytes", len(b))
	}
	nr := int(le.Uint32(b[4:]))
	if len(b) != mprotectHdr+nr*vmaEntrySize {
		return fmt.Errorf("mprotect payload of %d bytes does not hold %d regions", len(b), nr)
	}
	a.AddProt = le.Uint32(b[0:])
	a.VMAs = make([]VMAEntry, nr)
	off := mprotectHdr
	for i := range a.VMAs {
		a.VMAs[i] = VMAEntry{
			Start: le.Uint64(b[off:]),
			Len:   le.Uint64(b[off+8:]),
			Prot:  le.Uint32(b[off+16:]),
		}
		off += vmaEntrySize
	}
	return nil
}

// MarshalBinary encodes the arguments as a command payload.
func (a *DumpPagesArgs) MarshalBinary() ([]byte, error) {
	if int(a.NrSegs) != len(a.Iovs) {
		return nil, fmt.Errorf("nr_segs %d does not match %d iovs", a.NrSegs, len(a.Iovs))
	}
	if len(a.Iovs) > maxIovsPerCmd {
		return nil, fmt.Errorf("%d extents exceed the per-command limit of %d", len(a.Iovs), maxIovsPerCmd)
	}
	b := make([]byte, dumpPagesHdr+len(a.Iovs)*iovSize)
	le.PutUint32(b[0:], a.Off)
	le.PutUint32(b[4:], a.NrSegs)
	le.PutUint32(b[8:], a.NrPages)
	off := dumpPagesHdr
	for _, iov := range a.Iovs {
		le.PutUint64(b[off:], iov.Base)
		le.PutUint64(b[off+8:], iov.Len)
		off += iovSize
	}
	return b, nil
}

// UnmarshalBinary decodes a command payload.
func (a *DumpPagesArgs) UnmarshalBinary(b []byte) error {
	if len(b) < dumpPagesHdr {
		return fmt.Errorf("short dumppages payload: %d bytes", len(b))
	}
	nr := le.Uint32(b[4:])
	if len(b) != dumpPagesHdr+int(nr)*iovSize {
		return fmt.Errorf("dumppages payload of %d bytes does not hold %d extents", len(b), nr)
	}
	a.Off = le.Uint32(b[0:])
	a.NrSegs = nr
	a.NrPages = le.Uint32(b[8:])
	a.Iovs = make([]Iov, nr)
	off := dumpPagesHdr
	for i := range a.Iovs {
		a.Iovs[i] = Iov{Base: le.Uint64(b[off:]), Len: le.Uint64(b[off+8:])}
		off += iovSize
	}
	return nil
}
