package stats

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	criustats "github.com/checkpoint-restore/go-criu/v7/stats"
	"google.golang.org/protobuf/proto"
)

const (
	// DumpFilename is the name of the dump statistics image.
	DumpFilename = "stats-dump"

	imgServiceMagic = 0x55105940
	statsMagic      = 0x57093306
)

// WriteDumpImage writes snap as a stats-dump image in dir.
// The file uses the same framing as other service images so
// standard image tools can decode it.
func WriteDumpImage(dir string, snap Snapshot) error {
	entry := &criustats.StatsEntry{
		Dump: &criustats.DumpStatsEntry{
			FreezingTime:       proto.Uint32(0),
			FrozenTime:         proto.Uint32(0),
			MemdumpTime:        proto.Uint32(micros(snap.MemDumpTime)),
			MemwriteTime:       proto.Uint32(micros(snap.MemWriteTime)),
			PagesScanned:       proto.Uint64(snap.PagesScanned),
			PagesSkippedParent: proto.Uint64(snap.PagesSkippedParent),
			PagesWritten:       proto.Uint64(snap.PagesWritten),
			PagesLazy:          proto.Uint64(0),
			PagePipes:          proto.Uint64(snap.PagePipes),
			PagePipeBufs:       proto.Uint64(snap.PagePipeBufs),
		},
	}
	payload, err := proto.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dump stats: %w", err)
	}

	buf := make([]byte, 12, 12+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], imgServiceMagic)
	binary.LittleEndian.PutUint32(buf[4:], statsMagic)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(payload)))
	buf = append(buf, payload...)

	if err := os.WriteFile(filepath.Join(dir, DumpFilename), buf, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", DumpFilename, err)
	}
	return nil
}

func micros(d time.Duration) uint32 {
	us := d.Microseconds()
	if us < 0 {
		return 0
	}
	if us > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(us)
}
