// Package agent serves the parasite command protocol from inside the
// address space whose memory is being captured. A cooperating target links
// it in and calls ListenAndServe, or a test drives it over a socketpair.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
	"unsafe"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/theksk/criu/pkg/parasite"
	"github.com/theksk/criu/pkg/vma"
)

// ListenAndServe accepts a single dumper connection on a seqpacket socket
// at path and serves it until the session ends.
func ListenAndServe(ctx context.Context, path string, log logr.Logger) error {
	l, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	defer l.Close()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	log.Info("Agent listening", "socket", path)
	conn, err := l.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to accept dumper connection: %w", err)
	}
	defer conn.Close()
	return Serve(ctx, conn, log)
}

// Serve executes commands received on conn until CmdFini, EOF or ctx is done.
func Serve(ctx context.Context, conn *net.UnixConn, log logr.Logger) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, parasite.HeaderSize+parasite.MaxPayload)
	for {
		n, _, _, _, err := conn.ReadMsgUnix(buf, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read command: %w", err)
		}
		if n == 0 {
			return nil
		}
		cmd, payload, err := parasite.DecodeCommand(buf[:n])
		if err != nil {
			return err
		}

		log.V(1).Info("Executing command", "cmd", cmd.String(), "payload_len", len(payload))
		err = handle(conn, cmd, payload)
		status := errnoOf(err)
		if err != nil {
			log.Error(err, "Command failed", "cmd", cmd.String(), "status", status)
		}
		if _, _, werr := conn.WriteMsgUnix(parasite.EncodeAck(cmd, status), nil, nil); werr != nil {
			return fmt.Errorf("failed to ack %s: %w", cmd, werr)
		}
		if cmd == parasite.CmdFini {
			return nil
		}
	}
}

func handle(conn *net.UnixConn, cmd parasite.Cmd, payload []byte) error {
	switch cmd {
	case parasite.CmdMprotectVMAs:
		var args parasite.MprotectArgs
		if err := args.UnmarshalBinary(payload); err != nil {
			return fmt.Errorf("%w: %v", unix.EINVAL, err)
		}
		return mprotectVMAs(&args)
	case parasite.CmdDumpPages:
		// The pipe follows the command and must be consumed even when the
		// payload is unusable.
		pipe, err := recvPipe(conn)
		if err != nil {
			return err
		}
		defer pipe.Close()
		var args parasite.DumpPagesArgs
		if err := args.UnmarshalBinary(payload); err != nil {
			return fmt.Errorf("%w: %v", unix.EINVAL, err)
		}
		return dumpPages(&args, pipe)
	case parasite.CmdFini:
		return nil
	default:
		return fmt.Errorf("%w: unknown command %s", unix.ENOSYS, cmd)
	}
}

func mprotectVMAs(args *parasite.MprotectArgs) error {
	for _, v := range args.VMAs {
		prot := v.Prot
		if args.AddProt != 0 {
			prot |= args.AddProt
		}
		_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(v.Start), uintptr(v.Len), uintptr(prot))
		if errno != 0 {
			return fmt.Errorf("mprotect(%#x, %#x, %#x): %w", v.Start, v.Len, prot, errno)
		}
	}
	return nil
}

func recvPipe(conn *net.UnixConn) (*os.File, error) {
	var b [1]byte
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := conn.ReadMsgUnix(b[:], oob)
	if err != nil {
		return nil, fmt.Errorf("failed to receive pipe: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("%w: bad control message: %v", unix.EBADMSG, err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil || len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		return os.NewFile(uintptr(fds[0]), "page-pipe"), nil
	}
	return nil, fmt.Errorf("%w: no pipe descriptor received", unix.EBADF)
}

func dumpPages(args *parasite.DumpPagesArgs, pipe *os.File) error {
	iovs := make([]unix.Iovec, len(args.Iovs))
	var total uint64
	for i, iov := range args.Iovs {
		iovs[i].Base = addrPtr(iov.Base)
		iovs[i].SetLen(int(iov.Len))
		total += iov.Len
	}
	if want := uint64(args.NrPages) * vma.PageSize; total != want {
		return fmt.Errorf("%w: extents cover %d bytes, %d pages announced", unix.EINVAL, total, args.NrPages)
	}

	fd := int(pipe.Fd())
	for len(iovs) > 0 {
		n, err := unix.Vmsplice(fd, iovs, unix.SPLICE_F_NONBLOCK)
		if err != nil {
			return fmt.Errorf("vmsplice: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("vmsplice: %w: pipe full", unix.EAGAIN)
		}
		iovs = advance(iovs, n)
	}
	return nil
}

// addrPtr turns an address in this process's mappings into an iovec base.
// The result is only handed to vmsplice and never dereferenced from Go.
func addrPtr(addr uint64) *byte {
	return (*byte)(unsafe.Add(unsafe.Pointer(nil), uintptr(addr)))
}

// advance drops n spliced bytes from the front of iovs.
func advance(iovs []unix.Iovec, n int) []unix.Iovec {
	for len(iovs) > 0 && n > 0 {
		l := int(iovs[0].Len)
		if n < l {
			iovs[0].Base = (*byte)(unsafe.Add(unsafe.Pointer(iovs[0].Base), n))
			iovs[0].SetLen(l - n)
			return iovs
		}
		n -= l
		iovs = iovs[1:]
	}
	return iovs
}

func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int32(errno)
	}
	return int32(unix.EIO)
}
