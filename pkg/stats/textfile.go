package stats

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "memdump"

// WriteTextfile exports snap in the Prometheus text format to path,
// for pickup by a node exporter textfile collector. labels become
// constant labels on every series.
func WriteTextfile(path string, snap Snapshot, labels prometheus.Labels) error {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(v)
		reg.MustRegister(g)
	}

	gauge("pages_scanned", "Pages whose metadata was examined.", float64(snap.PagesScanned))
	gauge("pages_skipped_parent", "Pages recorded as holes resolved from the parent snapshot.", float64(snap.PagesSkippedParent))
	gauge("pages_written", "Pages whose contents were captured.", float64(snap.PagesWritten))
	gauge("page_pipes", "Pipes used to stage page contents.", float64(snap.PagePipes))
	gauge("page_pipe_bufs", "Pipe buffers transferred.", float64(snap.PagePipeBufs))
	gauge("memdump_seconds", "Time spent moving pages into pipes.", snap.MemDumpTime.Seconds())
	gauge("memwrite_seconds", "Time spent writing pages to the image.", snap.MemWriteTime.Seconds())

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
