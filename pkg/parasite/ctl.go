package parasite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Ctl is the dumper side of an agent session.
type Ctl struct {
	// Timeout, when positive, bounds every command in addition to the
	// caller's context. Set it before the first command.
	Timeout time.Duration

	mu      sync.Mutex
	conn    *net.UnixConn
	pid     int
	broken  error
	pending Cmd

	closeOnce sync.Once
	closeErr  error
}

var _ Executor = (*Ctl)(nil)

// Dial connects to an agent listening on a seqpacket socket at path.
func Dial(ctx context.Context, path string, pid int) (*Ctl, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", path, err)
	}
	return NewCtl(c.(*net.UnixConn), pid), nil
}

// NewCtl wraps an established connection to the agent of pid.
func NewCtl(conn *net.UnixConn, pid int) *Ctl {
	return &Ctl{conn: conn, pid: pid}
}

// Pid returns the target pid the session serves.
func (c *Ctl) Pid() int { return c.pid }

// MprotectVMAs sets protection of args.VMAs. Region lists too large for one
// command are split; if a later part of a grant fails, parts already
// applied are restored before returning.
func (c *Ctl) MprotectVMAs(ctx context.Context, args *MprotectArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	done, err := c.mprotect(ctx, args.AddProt, args.VMAs)
	if err == nil {
		return nil
	}
	if args.AddProt != 0 && done > 0 {
		if _, rerr := c.mprotect(context.WithoutCancel(ctx), 0, args.VMAs[:done]); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to undo partial protection grant: %w", rerr))
		}
	}
	return err
}

func (c *Ctl) mprotect(ctx context.Context, addProt uint32, vmas []VMAEntry) (int, error) {
	done := 0
	for {
		end := min(done+maxVMAsPerCmd, len(vmas))
		payload, err := (&MprotectArgs{AddProt: addProt, VMAs: vmas[done:end]}).MarshalBinary()
		if err != nil {
			return done, err
		}
		if err := c.transact(ctx, CmdMprotectVMAs, payload, nil); err != nil {
			return done, err
		}
		done = end
		if done == len(vmas) {
			return done, nil
		}
	}
}

// DumpPages asks the agent to splice args.Iovs into pipe, the write end of
// a page pipe buffer. The descriptor is passed after the command and before
// the acknowledgement is awaited.
func (c *Ctl) DumpPages(ctx context.Context, args *DumpPagesArgs, pipe *os.File) error {
	if pipe == nil {
		return errors.New("dumppages requires a pipe")
	}
	payload, err := args.MarshalBinary()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transact(ctx, CmdDumpPages, payload, pipe)
}

// Fini ends the agent session.
func (c *Ctl) Fini(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transact(ctx, CmdFini, nil, nil)
}

// Close closes the connection. Safe to call more than once.
func (c *Ctl) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// transact sends one command and waits for its acknowledgement. Callers
// hold c.mu. An acknowledgement lost to a deadline or cancellation is still
// queued on the socket and is collected before the next command. Any other
// transport error leaves the stream out of sync, so the session refuses
// further commands.
func (c *Ctl) transact(ctx context.Context, cmd Cmd, payload []byte, fd *os.File) error {
	if c.broken != nil {
		return fmt.Errorf("agent session unusable: %w", c.broken)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set agent deadline: %w", err)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
		close(fired)
	})
	defer func() {
		// The forced deadline must not land on the next command.
		if !stop() {
			<-fired
		}
	}()

	if pending := c.pending; pending != 0 {
		// A late failure status is dropped: the caller of the pending
		// command was already told it did not complete.
		if err := c.recvAck(pending); err != nil && !isCommandError(err) {
			return fmt.Errorf("%s blocked by unanswered %s: %w", cmd, pending, c.lost(ctx, deadline, pending, err))
		}
		c.pending = 0
	}

	if sent, err := c.send(cmd, payload, fd); err != nil {
		// A seqpacket write is all or nothing, so a command that timed out
		// before it was written leaves the stream in sync.
		if sent || !errors.Is(err, os.ErrDeadlineExceeded) {
			c.broken = err
		}
		return interrupted(ctx, deadline, cmd, err)
	}
	err := c.recvAck(cmd)
	if err == nil || isCommandError(err) {
		return err
	}
	return c.lost(ctx, deadline, cmd, err)
}

// lost records that the acknowledgement of cmd was not received.
func (c *Ctl) lost(ctx context.Context, deadline time.Time, cmd Cmd, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		c.pending = cmd
	} else {
		c.broken = err
	}
	return interrupted(ctx, deadline, cmd, err)
}

func interrupted(ctx context.Context, deadline time.Time, cmd Cmd, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w", cmd, ctxErr)
	}
	if !deadline.IsZero() && errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s interrupted: %w", cmd, context.DeadlineExceeded)
	}
	return err
}

func isCommandError(err error) bool {
	var cerr *CommandError
	return errors.As(err, &cerr)
}

// send writes the command and, for DumpPages, the descriptor. sent reports
// whether the command itself reached the socket.
func (c *Ctl) send(cmd Cmd, payload []byte, fd *os.File) (sent bool, err error) {
	if _, _, err := c.conn.WriteMsgUnix(EncodeCommand(cmd, payload), nil, nil); err != nil {
		return false, fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	if fd != nil {
		rights := unix.UnixRights(int(fd.Fd()))
		if _, _, err := c.conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
			return true, fmt.Errorf("failed to send pipe for %s: %w", cmd, err)
		}
	}
	return true, nil
}

func (c *Ctl) recvAck(cmd Cmd) error {
	buf := make([]byte, 2*AckSize)
	n, _, _, _, err := c.conn.ReadMsgUnix(buf, nil)
	if err != nil {
		return fmt.Errorf("failed to receive %s ack: %w", cmd, err)
	}
	return decodeAck(cmd, buf[:n])
}

// Socketpair returns a connected pair of seqpacket unix connections,
// suitable for running an agent in a goroutine or a forked child.
func Socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a, err := fileConn(fds[0], "agent-ctl")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "agent-srv")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fileConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap %s: %w", name, err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s is not a unix socket", name)
	}
	return uc, nil
}
