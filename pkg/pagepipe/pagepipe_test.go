package pagepipe

import (
	"errors"
	"testing"

	"github.com/go-logr/logr/testr"

	"github.com/theksk/criu/pkg/vma"
)

func page(n uint64) uint64 { return 0x10000000 + n*vma.PageSize }

func TestAddMergesAdjacent(t *testing.T) {
	pp := New(4, 0)
	defer pp.Close()

	for _, n := range []uint64{0, 1, 2, 5} {
		if err := pp.AddPage(page(n)); err != nil {
			t.Fatalf("AddPage(%d): %v", n, err)
		}
	}

	if pp.NrBufs() != 1 {
		t.Fatalf("NrBufs = %d, want 1", pp.NrBufs())
	}
	var b *Buf
	for b = range pp.Bufs() {
	}
	want := []Extent{
		{Addr: page(0), NrPages: 3, Kind: Data},
		{Addr: page(5), NrPages: 1, Kind: Data},
	}
	assertExtents(t, b.Extents(), want)
	if b.NrSegs != 2 || b.PagesIn != 4 {
		t.Errorf("NrSegs = %d, PagesIn = %d; want 2, 4", b.NrSegs, b.PagesIn)
	}
	if pp.Pages() != 4 || pp.Holes() != 0 || pp.NrSegs() != 2 {
		t.Errorf("totals pages=%d holes=%d segs=%d", pp.Pages(), pp.Holes(), pp.NrSegs())
	}
}

func TestHolesKeepOrder(t *testing.T) {
	pp := New(4, 0)
	defer pp.Close()

	adds := []struct {
		n    uint64
		kind Kind
	}{
		{0, Data},
		{1, Hole},
		{2, Hole},
		{3, Data},
		{4, Data},
		{6, Hole},
	}
	for _, a := range adds {
		if err := pp.Add(page(a.n), a.kind); err != nil {
			t.Fatalf("Add(%d, %s): %v", a.n, a.kind, err)
		}
	}

	var bufs []*Buf
	for b := range pp.Bufs() {
		bufs = append(bufs, b)
	}
	if len(bufs) != 1 {
		t.Fatalf("got %d bufs, want 1", len(bufs))
	}
	assertExtents(t, bufs[0].Extents(), []Extent{
		{Addr: page(0), NrPages: 1, Kind: Data},
		{Addr: page(1), NrPages: 2, Kind: Hole},
		{Addr: page(3), NrPages: 2, Kind: Data},
		{Addr: page(6), NrPages: 1, Kind: Hole},
	})
	if bufs[0].PagesIn != 3 {
		t.Errorf("PagesIn = %d, want 3 (holes take no pipe space)", bufs[0].PagesIn)
	}
	if bufs[0].NrHoles != 3 || pp.Holes() != 3 {
		t.Errorf("holes buf=%d total=%d, want 3", bufs[0].NrHoles, pp.Holes())
	}

	var data []Extent
	for e := range bufs[0].DataExtents() {
		data = append(data, e)
	}
	if len(data) != 2 || data[1].Addr != page(3) {
		t.Errorf("DataExtents = %+v", data)
	}
}

func TestHoleOnlyBufHasNoPipe(t *testing.T) {
	pp := New(1, 0)
	defer pp.Close()

	if err := pp.AddHole(page(0)); err != nil {
		t.Fatal(err)
	}
	if pp.NrPipes() != 0 {
		t.Errorf("NrPipes = %d, want 0", pp.NrPipes())
	}
	for b := range pp.Bufs() {
		if b.R() != nil || b.W() != nil {
			t.Error("hole-only buf should not own a pipe")
		}
	}
}

func TestAddRejectsBadAddresses(t *testing.T) {
	pp := New(1, 0)
	defer pp.Close()

	if err := pp.AddPage(page(3)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		addr uint64
	}{
		{"same", page(3)},
		{"lower", page(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := pp.AddPage(tt.addr); !errors.Is(err, ErrOutOfOrder) {
				t.Errorf("AddPage = %v, want ErrOutOfOrder", err)
			}
			if err := pp.AddHole(tt.addr); !errors.Is(err, ErrOutOfOrder) {
				t.Errorf("AddHole = %v, want ErrOutOfOrder", err)
			}
		})
	}
	if err := pp.AddPage(page(4) + 1); err == nil {
		t.Error("expected error for unaligned address")
	}
	if pp.Pages() != 1 {
		t.Errorf("Pages = %d, rejected adds must not be counted", pp.Pages())
	}
}

// Strictly alternating captured and skipped pages yield one data extent per
// captured page, the worst case for extent and buffer counts.
func TestAlternatingBounds(t *testing.T) {
	tests := []struct {
		name     string
		pages    uint64
		maxPipe  int
		wantSegs int
	}{
		{"small", 10, 0, 5},
		{"multi-buf", 4000, 0, 2000},
		{"tiny-pipes", 300, 16, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pp := New(SegsHint(tt.pages), tt.maxPipe)
			defer pp.Close()

			for n := uint64(0); n < tt.pages; n += 2 {
				if err := pp.AddPage(page(n)); err != nil {
					t.Fatalf("AddPage(%d): %v", n, err)
				}
			}

			half := int((tt.pages + 1) / 2)
			if pp.NrSegs() != tt.wantSegs || pp.NrSegs() > half {
				t.Errorf("NrSegs = %d, want %d (<= %d)", pp.NrSegs(), tt.wantSegs, half)
			}
			if pp.NrBufs() > half+1 {
				t.Errorf("NrBufs = %d, want <= %d", pp.NrBufs(), half+1)
			}

			var pages uint64
			for b := range pp.Bufs() {
				if b.NrSegs > MaxSegsPerBuf {
					t.Errorf("buf has %d segs, limit %d", b.NrSegs, MaxSegsPerBuf)
				}
				if b.PagesIn > b.PipeSize {
					t.Errorf("buf holds %d pages in a %d page pipe", b.PagesIn, b.PipeSize)
				}
				pages += b.PagesIn
			}
			if pages != pp.Pages() {
				t.Errorf("buf pages sum %d != Pages() %d", pages, pp.Pages())
			}
		})
	}
}

func TestCloseTwice(t *testing.T) {
	pp := New(1, 0)
	if err := pp.AddPage(page(0)); err != nil {
		t.Fatal(err)
	}
	pp.Dump(testr.NewWithOptions(t, testr.Options{Verbosity: 2}))
	if err := pp.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := pp.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func assertExtents(t *testing.T, got, want []Extent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d extents %+v, want %d %+v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("extent %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestOpenCreatesFirstPipe(t *testing.T) {
	pp := New(4, 0)
	defer pp.Close()

	if err := pp.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := pp.Open(); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if pp.NrBufs() != 1 || pp.NrPipes() != 1 {
		t.Fatalf("NrBufs = %d, NrPipes = %d; want 1, 1", pp.NrBufs(), pp.NrPipes())
	}

	if err := pp.AddHole(page(0)); err != nil {
		t.Fatal(err)
	}
	if err := pp.AddPage(page(1)); err != nil {
		t.Fatal(err)
	}
	if pp.NrBufs() != 1 || pp.NrPipes() != 1 {
		t.Errorf("pages after Open used a new buffer: bufs=%d pipes=%d", pp.NrBufs(), pp.NrPipes())
	}
	for b := range pp.Bufs() {
		if b.R() == nil || b.W() == nil {
			t.Error("opened buffer has no pipe")
		}
	}
}
