package parasite

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

// fakeAgent answers each command on conn with reply(cmd, payload). For
// DumpPages it first consumes the passed descriptor.
func fakeAgent(t *testing.T, conn *net.UnixConn, reply func(Cmd, []byte) []byte) <-chan []Cmd {
	t.Helper()
	done := make(chan []Cmd, 1)
	go func() {
		var seen []Cmd
		defer func() { done <- seen }()
		buf := make([]byte, HeaderSize+MaxPayload)
		for {
			n, _, _, _, err := conn.ReadMsgUnix(buf, nil)
			if err != nil || n == 0 {
				return
			}
			cmd, payload, err := DecodeCommand(buf[:n])
			if err != nil {
				return
			}
			seen = append(seen, cmd)
			if cmd == CmdDumpPages {
				oob := make([]byte, 64)
				var b [1]byte
				if _, _, _, _, err := conn.ReadMsgUnix(b[:], oob); err != nil {
					return
				}
			}
			ack := reply(cmd, append([]byte(nil), payload...))
			if ack == nil {
				continue
			}
			if _, _, err := conn.WriteMsgUnix(ack, nil, nil); err != nil {
				return
			}
			if cmd == CmdFini {
				return
			}
		}
	}()
	return done
}

func newPair(t *testing.T) (*Ctl, *net.UnixConn) {
	t.Helper()
	a, b, err := Socketpair()
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	ctl := NewCtl(a, os.Getpid())
	t.Cleanup(func() {
		ctl.Close()
		b.Close()
	})
	return ctl, b
}

func TestDecodeAck(t *testing.T) {
	tests := []struct {
		name      string
		ack       []byte
		wantErr   error
		wantState int32
	}{
		{"ok", EncodeAck(CmdDumpPages, 0), nil, 0},
		{"mismatch", EncodeAck(CmdMprotectVMAs, 0), ErrMalformedAck, 0},
		{"short", EncodeAck(CmdDumpPages, 0)[:5], ErrMalformedAck, 0},
		{"status", EncodeAck(CmdDumpPages, int32(syscall.EFAULT)), nil, int32(syscall.EFAULT)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeAck(CmdDumpPages, tt.ack)
			if tt.wantState != 0 {
				var cerr *CommandError
				if !errors.As(err, &cerr) || cerr.Status != tt.wantState || cerr.Cmd != CmdDumpPages {
					t.Fatalf("decodeAck = %v, want CommandError status %d", err, tt.wantState)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("decodeAck = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestArgsEncoding(t *testing.T) {
	in := &DumpPagesArgs{Off: 7, NrSegs: 2, NrPages: 3, Iovs: []Iov{{0x1000, 0x2000}, {0x8000, 0x1000}}}
	b, err := in.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var out DumpPagesArgs
	if err := out.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if out.Off != 7 || out.NrPages != 3 || len(out.Iovs) != 2 || out.Iovs[1] != in.Iovs[1] {
		t.Errorf("decoded %+v", out)
	}

	if _, err := (&DumpPagesArgs{NrSegs: 2}).MarshalBinary(); err == nil {
		t.Error("expected nr_segs mismatch error")
	}
	if err := out.UnmarshalBinary(b[:len(b)-1]); err == nil {
		t.Error("expected truncated payload error")
	}

	m := &MprotectArgs{AddProt: syscall.PROT_READ, VMAs: []VMAEntry{{Start: 0x4000, Len: 0x1000, Prot: syscall.PROT_NONE}}}
	mb, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var mo MprotectArgs
	if err := mo.UnmarshalBinary(mb); err != nil {
		t.Fatal(err)
	}
	if mo.AddProt != syscall.PROT_READ || len(mo.VMAs) != 1 || mo.VMAs[0] != m.VMAs[0] {
		t.Errorf("decoded %+v", mo)
	}
}

func TestCtlCommands(t *testing.T) {
	ctl, srv := newPair(t)
	done := fakeAgent(t, srv, func(cmd Cmd, _ []byte) []byte {
		if cmd == CmdDumpPages {
			return EncodeAck(cmd, int32(syscall.ENOMEM))
		}
		return EncodeAck(cmd, 0)
	})

	ctx := context.Background()
	if err := ctl.MprotectVMAs(ctx, &MprotectArgs{AddProt: syscall.PROT_READ}); err != nil {
		t.Fatalf("MprotectVMAs: %v", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()
	err = ctl.DumpPages(ctx, &DumpPagesArgs{NrSegs: 1, NrPages: 1, Iovs: []Iov{{0x1000, 0x1000}}}, w)
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Status != int32(syscall.ENOMEM) {
		t.Fatalf("DumpPages = %v, want ENOMEM command error", err)
	}

	// A failed command does not break the session.
	if err := ctl.Fini(ctx); err != nil {
		t.Fatalf("Fini: %v", err)
	}
	got := <-done
	want := []Cmd{CmdMprotectVMAs, CmdDumpPages, CmdFini}
	if len(got) != len(want) {
		t.Fatalf("agent saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCtlMprotectChunksAndUndo(t *testing.T) {
	ctl, srv := newPair(t)

	var grants, restores int
	done := fakeAgent(t, srv, func(cmd Cmd, payload []byte) []byte {
		var args MprotectArgs
		if err := args.UnmarshalBinary(payload); err != nil {
			return EncodeAck(cmd, int32(syscall.EINVAL))
		}
		if args.AddProt == 0 {
			restores += len(args.VMAs)
			return EncodeAck(cmd, 0)
		}
		if grants > 0 {
			return EncodeAck(cmd, int32(syscall.EACCES))
		}
		grants += len(args.VMAs)
		return EncodeAck(cmd, 0)
	})

	vmas := make([]VMAEntry, maxVMAsPerCmd+10)
	for i := range vmas {
		vmas[i] = VMAEntry{Start: uint64(i) * 0x2000, Len: 0x1000}
	}
	err := ctl.MprotectVMAs(context.Background(), &MprotectArgs{AddProt: syscall.PROT_READ, VMAs: vmas})
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Status != int32(syscall.EACCES) {
		t.Fatalf("MprotectVMAs = %v, want EACCES", err)
	}
	ctl.Close()
	srv.Close()
	<-done

	if grants != maxVMAsPerCmd || restores != maxVMAsPerCmd {
		t.Errorf("grants=%d restores=%d, want %d each", grants, restores, maxVMAsPerCmd)
	}
}

func TestCtlMalformedAckBreaksSession(t *testing.T) {
	ctl, srv := newPair(t)
	fakeAgent(t, srv, func(cmd Cmd, _ []byte) []byte {
		return EncodeAck(CmdFini, 0)
	})

	ctx := context.Background()
	if err := ctl.MprotectVMAs(ctx, &MprotectArgs{}); !errors.Is(err, ErrMalformedAck) {
		t.Fatalf("MprotectVMAs = %v, want ErrMalformedAck", err)
	}
	if err := ctl.MprotectVMAs(ctx, &MprotectArgs{}); !errors.Is(err, ErrMalformedAck) {
		t.Errorf("second command = %v, want session to stay broken", err)
	}
}

func TestCtlDeadline(t *testing.T) {
	ctl, srv := newPair(t)
	// Never acknowledge.
	fakeAgent(t, srv, func(Cmd, []byte) []byte { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ctl.MprotectVMAs(ctx, &MprotectArgs{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("MprotectVMAs = %v, want deadline exceeded", err)
	}
}

func TestCtlCommandTimeout(t *testing.T) {
	ctl, srv := newPair(t)
	ctl.Timeout = 50 * time.Millisecond
	fakeAgent(t, srv, func(Cmd, []byte) []byte { return nil })

	err := ctl.Fini(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fini = %v, want deadline exceeded", err)
	}
	// The next command first waits for the missing ack, which never comes.
	err = ctl.Fini(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fini behind an unanswered command = %v, want deadline exceeded", err)
	}
}

func TestCtlLateAckIsCollected(t *testing.T) {
	ctl, srv := newPair(t)
	done := fakeAgent(t, srv, func(cmd Cmd, _ []byte) []byte {
		if cmd == CmdDumpPages {
			time.Sleep(300 * time.Millisecond)
		}
		return EncodeAck(cmd, 0)
	})

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err = ctl.DumpPages(ctx, &DumpPagesArgs{NrSegs: 1, NrPages: 1, Iovs: []Iov{{0x1000, 0x1000}}}, w)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("DumpPages = %v, want canceled", err)
	}

	// The restore after an interrupted transfer must still reach the agent.
	restore := &MprotectArgs{VMAs: []VMAEntry{{Start: 0x1000, Len: 0x1000}}}
	if err := ctl.MprotectVMAs(context.Background(), restore); err != nil {
		t.Fatalf("MprotectVMAs after cancellation: %v", err)
	}
	if err := ctl.Fini(context.Background()); err != nil {
		t.Fatalf("Fini: %v", err)
	}

	got := <-done
	want := []Cmd{CmdDumpPages, CmdMprotectVMAs, CmdFini}
	if len(got) != len(want) {
		t.Fatalf("agent saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %s, want %s", i, got[i], want[i])
		}
	}
}
