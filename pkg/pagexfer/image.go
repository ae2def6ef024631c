package pagexfer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/checkpoint-restore/go-criu/v7/crit/images/pagemap"
	"google.golang.org/protobuf/proto"
)

const (
	imgCommonMagic = 0x54564319
	pagemapMagic   = 0x56084025

	// Pagemap entry flags.
	FlagParent  = 1 << 0
	FlagLazy    = 1 << 1
	FlagPresent = 1 << 2

	// ParentLink is the name of the symlink to the parent image directory.
	ParentLink = "parent"

	maxEntrySize = 1 << 20
)

// PagemapName returns the pagemap image file name for id.
func PagemapName(id uint32) string { return fmt.Sprintf("pagemap-%d.img", id) }

// PagesName returns the page contents image file name for id.
func PagesName(id uint32) string { return fmt.Sprintf("pages-%d.img", id) }

// Entry is one decoded pagemap record.
type Entry struct {
	Vaddr    uint64
	NrPages  uint32
	InParent bool
	Flags    uint32
}

// Pagemap is a decoded pagemap image.
type Pagemap struct {
	PagesID uint32
	Entries []Entry
}

func writeImageHeader(w io.Writer) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], imgCommonMagic)
	binary.LittleEndian.PutUint32(hdr[4:], pagemapMagic)
	_, err := w.Write(hdr[:])
	return err
}

func writeEntry(w io.Writer, m proto.Message) error {
	payload, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], uint32(len(payload)))
	if _, err := w.Write(sz[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readEntry returns io.EOF at a clean end of image.
func readEntry(r io.Reader, m proto.Message) error {
	var sz [4]byte
	if _, err := io.ReadFull(r, sz[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(sz[:])
	if n > maxEntrySize {
		return fmt.Errorf("entry of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("truncated entry: %w", io.ErrUnexpectedEOF)
	}
	return proto.Unmarshal(payload, m)
}

// ReadPagemap decodes pagemap-<id>.img in dir.
func ReadPagemap(dir string, id uint32) (*Pagemap, error) {
	path := filepath.Join(dir, PagemapName(id))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", path, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != imgCommonMagic || binary.LittleEndian.Uint32(hdr[4:]) != pagemapMagic {
		return nil, fmt.Errorf("%s is not a pagemap image", path)
	}

	var head pagemap.PagemapHead
	if err := readEntry(r, &head); err != nil {
		return nil, fmt.Errorf("failed to read %s head: %w", path, err)
	}
	pm := &Pagemap{PagesID: head.GetPagesId()}
	for {
		var e pagemap.PagemapEntry
		err := readEntry(r, &e)
		if errors.Is(err, io.EOF) {
			return pm, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s entry %d: %w", path, len(pm.Entries), err)
		}
		entry := Entry{
			Vaddr:    e.GetVaddr(),
			NrPages:  e.GetNrPages(),
			InParent: e.GetInParent(),
			Flags:    e.GetFlags(),
		}
		if !e.GetInParent() && e.Flags == nil {
			entry.Flags = FlagPresent
		}
		pm.Entries = append(pm.Entries, entry)
	}
}
