package mem

import (
	"github.com/theksk/criu/pkg/pagemap"
	"github.com/theksk/criu/pkg/vma"
)

// Outcome is what happens to one page.
type Outcome int

const (
	// Skip leaves the page out of the snapshot.
	Skip Outcome = iota
	// Capture copies the page contents.
	Capture
	// Hole records the page as unchanged since the parent snapshot.
	Hole
)

func (o Outcome) String() string {
	switch o {
	case Capture:
		return "capture"
	case Hole:
		return "hole"
	default:
		return "skip"
	}
}

// Mode carries the per-invocation inputs of classification.
type Mode struct {
	TrackMem  bool
	HasParent bool
}

// Classify decides the outcome of one page of r given its pagemap entry.
func Classify(r vma.Region, pme pagemap.Entry, mode Mode) Outcome {
	// The vdso is tiny and its pagemap entries are unreliable.
	if r.Category == vma.VDSO {
		return Capture
	}
	// Unmodified file pages are restored from the file itself.
	if r.Category == vma.FilePrivate && pme.File() {
		return Skip
	}
	if pme.Present() || pme.Swapped() {
		if mode.TrackMem && mode.HasParent && !pme.SoftDirty() {
			return Hole
		}
		return Capture
	}
	return Skip
}
