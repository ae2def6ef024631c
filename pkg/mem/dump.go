// Package mem decides which pages of a stopped target to capture and drives
// the agent and the snapshot sink to capture them.
package mem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/theksk/criu/pkg/pagemap"
	"github.com/theksk/criu/pkg/pagepipe"
	"github.com/theksk/criu/pkg/pagexfer"
	"github.com/theksk/criu/pkg/parasite"
	"github.com/theksk/criu/pkg/stats"
	"github.com/theksk/criu/pkg/vma"
)

// restoreTimeout bounds the protection rollback, which runs even when the
// caller's context is already done.
const restoreTimeout = 30 * time.Second

// State is a step of one dump invocation.
type State int

const (
	Idle State = iota
	ProtectGranting
	Scanning
	Transferring
	ProtectRestoring
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ProtectGranting:
		return "protect-granting"
	case Scanning:
		return "scanning"
	case Transferring:
		return "transferring"
	case ProtectRestoring:
		return "protect-restoring"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error kinds of a failed dump. DumpError wraps exactly one of them.
var (
	ErrMetadataRead       = errors.New("page metadata read failure")
	ErrChannelCommand     = errors.New("agent command failure")
	ErrProtectionRestore  = errors.New("protection restore failure")
	ErrSinkWrite          = errors.New("snapshot sink write failure")
	ErrResourceAllocation = errors.New("resource allocation failure")
)

// DumpError reports the step a dump failed in and why.
type DumpError struct {
	Step State
	Kind error
	Err  error
}

func (e *DumpError) Error() string {
	return fmt.Sprintf("memory dump failed while %s: %v: %v", e.Step, e.Kind, e.Err)
}

func (e *DumpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Options select the flavour of one dump.
type Options struct {
	// TrackMem enables incremental capture and resets dirty tracking afterwards.
	TrackMem bool
	// HasParent reports that a parent snapshot exists to resolve holes.
	HasParent bool
	// PreDump hands the filled page pipe back instead of writing it.
	PreDump bool
}

// Result describes a finished (or failed) dump.
type Result struct {
	State State
	Stats stats.Snapshot
	// Xfer is what the sink accepted; zero for pre-dumps.
	Xfer pagexfer.Counts
	// Pipe is the filled page pipe of a successful pre-dump. The caller
	// owns it and must Close it.
	Pipe *pagepipe.PagePipe
}

// Dumper captures the private memory of one target per Dump call.
type Dumper struct {
	Ctl      parasite.Executor
	Pagemap  pagemap.Source
	OpenXfer func() (pagexfer.Xfer, error)
	Dirty    DirtyTracker
	// Stats receives the counters of each Dump; nil gives every call its own.
	Stats *stats.Counters
	Log   logr.Logger

	// MaxPipePages caps a single page pipe buffer; zero uses the default.
	MaxPipePages int
}

// Dump captures the eligible regions of vmas. A protection grant issued
// for unreadable regions is rolled back on every exit path once it may
// have been applied. Commands already sent to the agent are never
// abandoned: cancellation of ctx is honoured between commands. Result is
// returned alongside errors for its statistics.
func (d *Dumper) Dump(ctx context.Context, pid int, vmas *vma.List, opts Options) (res *Result, err error) {
	st := d.Stats
	if st == nil {
		st = stats.New()
	}
	log := d.Log.WithValues("pid", pid)
	res = &Result{State: Idle}

	log.Info("=== Dumping pages ===", "priv_pages", vmas.PrivSize, "longest", vmas.Longest,
		"track_mem", opts.TrackMem, "has_parent", opts.HasParent, "pre_dump", opts.PreDump)

	pp := pagepipe.New(pagepipe.SegsHint(vmas.PrivSize), d.MaxPipePages)
	defer func() {
		if res.Pipe == nil {
			pp.Close()
		}
	}()

	if oerr := pp.Open(); oerr != nil {
		// Nothing in the target has been touched yet.
		err = &DumpError{Step: Idle, Kind: ErrResourceAllocation, Err: oerr}
	} else {
		err = d.withGrant(ctx, log, res, unprotectRequest(vmas), func() error {
			return d.capture(ctx, log, res, st, pp, vmas, opts)
		})
	}

	if err == nil && opts.TrackMem && d.Dirty != nil {
		if derr := d.Dirty.ResetDirtyTrack(pid); derr != nil {
			// The snapshot is complete; the next incremental dump will
			// capture more than necessary.
			log.Error(derr, "Failed to reset dirty tracking")
		}
	}

	res.Stats = st.Snapshot()
	if err != nil {
		res.Pipe = nil
		d.transition(log, res, Failed)
		log.Error(err, "Memory dump failed")
		return res, err
	}
	d.transition(log, res, Done)
	log.Info("=== Pages dumped ===", "scanned", res.Stats.PagesScanned,
		"written", res.Stats.PagesWritten, "holes", res.Stats.PagesSkippedParent)
	return res, nil
}

// unprotectRequest lists the eligible regions that need PROT_READ added.
func unprotectRequest(vmas *vma.List) []parasite.VMAEntry {
	var req []parasite.VMAEntry
	for _, r := range vmas.Unreadable() {
		req = append(req, parasite.VMAEntry{Start: r.Start, Len: r.Len(), Prot: r.Prot})
	}
	return req
}

func (d *Dumper) transition(log logr.Logger, res *Result, to State) {
	log.V(1).Info("Dump state", "from", res.State.String(), "to", to.String())
	res.State = to
}

// withGrant runs fn with PROT_READ granted on req and restores the original
// protection afterwards, including when fn panics. A grant whose outcome is
// unknown, because its acknowledgement never arrived, is restored too.
func (d *Dumper) withGrant(ctx context.Context, log logr.Logger, res *Result, req []parasite.VMAEntry, fn func() error) (err error) {
	d.transition(log, res, ProtectGranting)
	if cerr := ctx.Err(); cerr != nil {
		return &DumpError{Step: ProtectGranting, Kind: ErrChannelCommand, Err: fmt.Errorf("dump cancelled before unprotecting regions: %w", cerr)}
	}

	log.V(1).Info("Granting read access", "regions", len(req))
	if gerr := d.Ctl.MprotectVMAs(context.WithoutCancel(ctx), &parasite.MprotectArgs{AddProt: unix.PROT_READ, VMAs: req}); gerr != nil {
		err = &DumpError{Step: ProtectGranting, Kind: ErrChannelCommand, Err: fmt.Errorf("can't unprotect regions: %w", gerr)}
		var cmdErr *parasite.CommandError
		if errors.As(gerr, &cmdErr) {
			// The agent refused the grant and undid any part it applied.
			return err
		}
		return d.restore(ctx, log, res, req, err)
	}

	defer func() {
		p := recover()
		if p != nil {
			log.Info("Restoring protection after panic", "panic", fmt.Sprint(p))
		}
		err = d.restore(ctx, log, res, req, err)
		if p != nil {
			panic(p)
		}
	}()

	return fn()
}

// restore puts back the original protection of req. It runs to completion
// even when ctx is done. A restore failure is reported together with prev.
func (d *Dumper) restore(ctx context.Context, log logr.Logger, res *Result, req []parasite.VMAEntry, prev error) error {
	d.transition(log, res, ProtectRestoring)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	rerr := d.Ctl.MprotectVMAs(rctx, &parasite.MprotectArgs{VMAs: req})
	if rerr == nil {
		return prev
	}
	rerr = fmt.Errorf("can't roll back unprotected regions: %w", rerr)
	if prev != nil {
		rerr = multierror.Append(prev, rerr)
	}
	return &DumpError{Step: ProtectRestoring, Kind: ErrProtectionRestore, Err: rerr}
}

func (d *Dumper) capture(ctx context.Context, log logr.Logger, res *Result, st *stats.Counters, pp *pagepipe.PagePipe, vmas *vma.List, opts Options) error {
	d.transition(log, res, Scanning)
	st.Start(stats.MemDump)
	defer st.Stop(stats.MemDump)

	mode := Mode{TrackMem: opts.TrackMem, HasParent: opts.HasParent}
	scratch := make([]pagemap.Entry, vmas.Longest)
	for _, r := range vmas.Private() {
		if err := d.scanRegion(log, st, r, pp, scratch, mode); err != nil {
			return err
		}
	}
	log.Info("Pagemap generated", "pages", pp.Pages(), "holes", pp.Holes(), "bufs", pp.NrBufs())
	pp.Dump(log)

	d.transition(log, res, Transferring)
	// Each command runs to its acknowledgement; cancellation is checked
	// before the next one.
	cmdCtx := context.WithoutCancel(ctx)
	var off uint32
	for b := range pp.Bufs() {
		if b.NrSegs == 0 {
			if err := b.CloseWrite(); err != nil {
				return &DumpError{Step: Transferring, Kind: ErrResourceAllocation, Err: err}
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return &DumpError{Step: Transferring, Kind: ErrChannelCommand, Err: fmt.Errorf("dump cancelled before transferring pages: %w", err)}
		}
		args := &parasite.DumpPagesArgs{
			Off:     off,
			NrSegs:  uint32(b.NrSegs),
			NrPages: uint32(b.PagesIn),
			Iovs:    make([]parasite.Iov, 0, b.NrSegs),
		}
		for e := range b.DataExtents() {
			args.Iovs = append(args.Iovs, parasite.Iov{Base: e.Addr, Len: e.Len()})
		}
		log.V(1).Info("PPB", "pages", args.NrPages, "segs", args.NrSegs, "pipe", b.PipeSize, "off", off)

		if err := d.Ctl.DumpPages(cmdCtx, args, b.W()); err != nil {
			return &DumpError{Step: Transferring, Kind: ErrChannelCommand, Err: fmt.Errorf("can't dump pages with agent: %w", err)}
		}
		if err := b.CloseWrite(); err != nil {
			return &DumpError{Step: Transferring, Kind: ErrResourceAllocation, Err: err}
		}
		off += args.NrSegs
	}
	st.Stop(stats.MemDump)
	st.Add(stats.PagePipes, pp.NrPipes())
	st.Add(stats.PagePipeBufs, uint64(pp.NrBufs()))

	if err := ctx.Err(); err != nil {
		return &DumpError{Step: Transferring, Kind: ErrChannelCommand, Err: fmt.Errorf("dump cancelled before writing pages: %w", err)}
	}
	if opts.PreDump {
		res.Pipe = pp
		return nil
	}

	st.Start(stats.MemWrite)
	counts, err := d.commit(pp)
	st.Stop(stats.MemWrite)
	res.Xfer = counts
	if err != nil {
		return &DumpError{Step: Transferring, Kind: ErrSinkWrite, Err: err}
	}
	return nil
}

func (d *Dumper) scanRegion(log logr.Logger, st *stats.Counters, r vma.Region, pp *pagepipe.PagePipe, scratch []pagemap.Entry, mode Mode) error {
	nr := r.Pages()
	pmes := scratch[:nr]
	if err := d.Pagemap.ReadRange(r.Start, pmes); err != nil {
		return &DumpError{Step: Scanning, Kind: ErrMetadataRead, Err: fmt.Errorf("can't read pagemap for %s: %w", r, err)}
	}

	var pages, holes uint64
	for i, pme := range pmes {
		addr := r.Start + uint64(i)*vma.PageSize
		var err error
		switch out := Classify(r, pme, mode); out {
		case Capture:
			err = pp.AddPage(addr)
			pages++
		case Hole:
			err = pp.AddHole(addr)
			holes++
		default:
			continue
		}
		if err != nil {
			return &DumpError{Step: Scanning, Kind: ErrResourceAllocation, Err: fmt.Errorf("can't stage page %#x: %w", addr, err)}
		}
	}

	st.Add(stats.PagesScanned, nr)
	st.Add(stats.PagesSkippedParent, holes)
	st.Add(stats.PagesWritten, pages)
	log.V(2).Info("Region scanned", "region", r.String(), "pages", pages, "holes", holes)
	return nil
}

func (d *Dumper) commit(pp *pagepipe.PagePipe) (pagexfer.Counts, error) {
	x, err := d.OpenXfer()
	if err != nil {
		return pagexfer.Counts{}, fmt.Errorf("can't open page transfer: %w", err)
	}
	if err := pagexfer.DumpPages(x, pp); err != nil {
		x.Close()
		return x.Stats(), err
	}
	if err := x.Close(); err != nil {
		return x.Stats(), err
	}
	return x.Stats(), nil
}
