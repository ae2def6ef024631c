package mem

import (
	"testing"

	"github.com/theksk/criu/pkg/pagemap"
	"github.com/theksk/criu/pkg/vma"
)

func TestClassify(t *testing.T) {
	anon := vma.Region{Start: 0x1000, End: 0x3000, Category: vma.AnonPrivate}
	file := vma.Region{Start: 0x1000, End: 0x3000, Category: vma.FilePrivate}
	vdso := vma.Region{Start: 0x1000, End: 0x3000, Category: vma.VDSO}

	incremental := Mode{TrackMem: true, HasParent: true}
	noParent := Mode{TrackMem: true}

	tests := []struct {
		name   string
		region vma.Region
		pme    pagemap.Entry
		mode   Mode
		want   Outcome
	}{
		{"vdso absent", vdso, 0, Mode{}, Capture},
		{"vdso clean in incremental", vdso, pagemap.PMEPresent, incremental, Capture},
		{"file page unmodified", file, pagemap.PMEPresent | pagemap.PMEFile, Mode{}, Skip},
		{"file page unmodified incremental", file, pagemap.PMEPresent | pagemap.PMEFile, incremental, Skip},
		{"file page copied on write", file, pagemap.PMEPresent, Mode{}, Capture},
		{"anon present", anon, pagemap.PMEPresent, Mode{}, Capture},
		{"anon swapped", anon, pagemap.PMESwap, Mode{}, Capture},
		{"anon absent", anon, 0, incremental, Skip},
		{"anon clean with parent", anon, pagemap.PMEPresent, incremental, Hole},
		{"anon swapped clean with parent", anon, pagemap.PMESwap, incremental, Hole},
		{"anon dirty with parent", anon, pagemap.PMEPresent | pagemap.PMESoftDirty, incremental, Capture},
		{"anon clean without parent", anon, pagemap.PMEPresent, noParent, Capture},
		{"anon clean parent without tracking", anon, pagemap.PMEPresent, Mode{HasParent: true}, Capture},
		{"shared anon page in private region", anon, pagemap.PMEPresent | pagemap.PMEFile, Mode{}, Capture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.region, tt.pme, tt.mode); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}
