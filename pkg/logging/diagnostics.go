package logging

import (
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/procfs"

	"github.com/theksk/criu/pkg/common"
)

// LogTargetDiagnostics logs the state of a dump target after a failed invocation.
func LogTargetDiagnostics(procRoot string, pid int, log logr.Logger) {
	entry := log.WithValues("target_pid", pid)

	if data, ok := readProcFile(procRoot, pid, "status"); ok {
		entry.Info("Process status", "content", strings.TrimSpace(data))
	}
	if data, ok := readProcFile(procRoot, pid, "cmdline"); ok {
		cmdline := strings.TrimSpace(strings.ReplaceAll(data, "\x00", " "))
		if cmdline != "" {
			entry.Info("Process cmdline", "cmdline", cmdline)
		}
	}
	if data, ok := readProcFile(procRoot, pid, "wchan"); ok && data != "" && data != "0" {
		entry.Info("Process wait channel", "wchan", data)
	}

	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		entry.Info("Process not found", "error", err.Error())
		return
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return
	}
	var private, shared int
	for _, m := range maps {
		if m.Perms != nil && m.Perms.Shared {
			shared++
		} else {
			private++
		}
	}
	entry.Info("Process mappings", "total", len(maps), "private", private, "shared", shared)
}

func readProcFile(procRoot string, pid int, name string) (string, bool) {
	path, err := common.ProcPath(procRoot, pid, name)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
