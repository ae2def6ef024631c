// Package main provides memdump, which captures the private memory of a
// stopped process through the agent running inside it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/theksk/criu/pkg/common"
	"github.com/theksk/criu/pkg/config"
	"github.com/theksk/criu/pkg/logging"
	"github.com/theksk/criu/pkg/mem"
	"github.com/theksk/criu/pkg/pagemap"
	"github.com/theksk/criu/pkg/pagepipe"
	"github.com/theksk/criu/pkg/pagexfer"
	"github.com/theksk/criu/pkg/parasite"
	"github.com/theksk/criu/pkg/stats"
	"github.com/theksk/criu/pkg/types"
	"github.com/theksk/criu/pkg/vma"
)

type cliFlags struct {
	pid          int
	configPath   string
	imagesDir    string
	parentDir    string
	agentSocket  string
	trackMem     bool
	preDump      bool
	allowRunning bool
	verbosity    int
}

func main() {
	bootLog := logging.ConfigureLogger("stderr").WithName("memdump")

	var f cliFlags
	fs := flag.NewFlagSet("memdump", flag.ExitOnError)
	registerFlags(fs, &f)
	fs.Parse(os.Args[1:])

	if f.pid <= 0 {
		fatal(bootLog, nil, "--pid is required")
	}

	cfg, err := config.LoadConfigOrDefault(f.configPath)
	if err != nil {
		fatal(bootLog, err, "Failed to load configuration", "path", f.configPath)
	}
	applyFlags(fs, &f, cfg)
	if err := cfg.Validate(); err != nil {
		fatal(bootLog, err, "Invalid configuration")
	}

	log := logging.ConfigureLoggerLevel(cfg.Logging.Output, cfg.Logging.Level).WithName("memdump")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, &cfg.Dump, f.pid, f.allowRunning); err != nil {
		logging.LogTargetDiagnostics(cfg.Dump.GetProcRoot(), f.pid, log)
		stop()
		fatal(log, err, "Memory dump failed", "pid", f.pid)
	}
}

func registerFlags(fs *flag.FlagSet, f *cliFlags) {
	fs.IntVar(&f.pid, "pid", 0, "PID of the stopped process to dump")
	fs.StringVar(&f.configPath, "config", config.ConfigPath, "Path to the YAML configuration file")
	fs.StringVar(&f.imagesDir, "images-dir", "", "Directory receiving the page images")
	fs.StringVar(&f.parentDir, "parent", "", "Image directory of the previous dump")
	fs.StringVar(&f.agentSocket, "agent-socket", "", "Seqpacket socket of the in-target agent")
	fs.BoolVar(&f.trackMem, "track-mem", false, "Capture only pages modified since the parent dump")
	fs.BoolVar(&f.preDump, "pre-dump", false, "Finish the agent session before writing images")
	fs.BoolVar(&f.allowRunning, "allow-running", false, "Do not require the target to be stopped")
	fs.IntVar(&f.verbosity, "v", 0, "Log verbosity")
}

// applyFlags overrides configuration with the flags given on the command line.
func applyFlags(fs *flag.FlagSet, f *cliFlags, cfg *config.FullConfig) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "images-dir":
			cfg.Dump.ImagesDir = f.imagesDir
		case "parent":
			cfg.Dump.ParentDir = f.parentDir
		case "agent-socket":
			cfg.Dump.AgentSocket = f.agentSocket
		case "track-mem":
			cfg.Dump.TrackMem = f.trackMem
		case "pre-dump":
			cfg.Dump.PreDump = f.preDump
		case "v":
			cfg.Logging.Level = f.verbosity
		}
	})
}

func run(ctx context.Context, log logr.Logger, cfg *config.DumpConfig, pid int, allowRunning bool) error {
	procRoot := cfg.GetProcRoot()
	common.LogTarget(log, procRoot, pid)

	if allowRunning {
		if err := common.ValidateAlive(procRoot, pid); err != nil {
			return err
		}
	} else if err := common.ValidateStopped(procRoot, pid); err != nil {
		return err
	}

	vmas, err := vma.LoadProcMaps(procRoot, pid)
	if err != nil {
		return err
	}
	if cfg.TrackMem {
		ok, err := mem.HasDirtyTrack(procRoot)
		if err != nil {
			return fmt.Errorf("failed to probe dirty tracking: %w", err)
		}
		if !ok {
			return errors.New("kernel does not track modified pages, dump without --track-mem")
		}
	}
	if err := os.MkdirAll(cfg.ImagesDir, 0700); err != nil {
		return fmt.Errorf("failed to create images directory: %w", err)
	}

	ctl, err := parasite.Dial(ctx, cfg.AgentSocket, pid)
	if err != nil {
		return err
	}
	defer ctl.Close()
	ctl.Timeout = cfg.GetCommandTimeout()

	src, err := pagemap.Open(procRoot, pid)
	if err != nil {
		return err
	}
	defer src.Close()

	id := uint32(pid)
	openXfer := func() (pagexfer.Xfer, error) {
		return pagexfer.Open(cfg.ImagesDir, id, cfg.ParentDir, log.WithName("xfer"))
	}
	counters := stats.New()
	d := &mem.Dumper{
		Ctl:          ctl,
		Pagemap:      src,
		OpenXfer:     openXfer,
		Dirty:        mem.ProcDirtyTracker{ProcRoot: procRoot},
		Stats:        counters,
		Log:          log.WithName("mem"),
		MaxPipePages: cfg.PipeMaxPages,
	}
	opts := mem.Options{
		TrackMem:  cfg.TrackMem,
		HasParent: cfg.ParentDir != "",
		PreDump:   cfg.PreDump,
	}
	res, err := d.Dump(ctx, pid, vmas, opts)
	if err != nil {
		return err
	}

	// The target may resume once the session is over; staged pages stay in the pipes.
	if err := ctl.Fini(ctx); err != nil {
		log.Error(err, "Failed to finish agent session")
	}

	written := res.Xfer
	if res.Pipe != nil {
		defer res.Pipe.Close()
		counters.Start(stats.MemWrite)
		written, err = writePreDump(openXfer, res.Pipe)
		counters.Stop(stats.MemWrite)
		if err != nil {
			return fmt.Errorf("failed to write pre-dump pages: %w", err)
		}
	}

	snap := counters.Snapshot()
	if cfg.WriteStats {
		if err := stats.WriteDumpImage(cfg.ImagesDir, snap); err != nil {
			return err
		}
	}
	manifest := types.NewMemoryManifest(pid, id, cfg.ParentDir,
		types.DumpOptionsManifest{TrackMem: cfg.TrackMem, PreDump: cfg.PreDump},
		types.NewRegionsManifest(vmas),
		types.NewImagesManifest(id, written),
		snap,
	)
	if err := types.WriteManifest(cfg.ImagesDir, manifest); err != nil {
		return err
	}
	if cfg.MetricsFile != "" {
		if err := stats.WriteTextfile(cfg.MetricsFile, snap, prometheus.Labels{"pid": strconv.Itoa(pid)}); err != nil {
			log.Error(err, "Failed to write metrics textfile", "path", cfg.MetricsFile)
		}
	}

	log.Info("Memory dump complete",
		"images_dir", cfg.ImagesDir,
		"pages", written.Pages,
		"holes", written.Holes,
		"entries", written.Entries,
	)
	return nil
}

func writePreDump(open func() (pagexfer.Xfer, error), pp *pagepipe.PagePipe) (pagexfer.Counts, error) {
	x, err := open()
	if err != nil {
		return pagexfer.Counts{}, err
	}
	if err := pagexfer.DumpPages(x, pp); err != nil {
		x.Close()
		return x.Stats(), err
	}
	return x.Stats(), x.Close()
}

func fatal(log logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	if err != nil {
		log.Error(err, msg, keysAndValues...)
	} else {
		log.Info(msg, keysAndValues...)
	}
	os.Exit(1)
}
