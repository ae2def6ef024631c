package types

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theksk/criu/pkg/pagexfer"
	"github.com/theksk/criu/pkg/stats"
	"github.com/theksk/criu/pkg/vma"
)

const manifestFilename = "manifest.yaml"

// MemoryManifest is saved as manifest.yaml next to the page images of a dump.
type MemoryManifest struct {
	PID       int       `yaml:"pid"`
	CreatedAt time.Time `yaml:"createdAt"`
	PagesID   uint32    `yaml:"pagesId"`
	ParentDir string    `yaml:"parentDir,omitempty"`

	Options DumpOptionsManifest `yaml:"options"`
	Regions RegionsManifest     `yaml:"regions"`
	Images  ImagesManifest      `yaml:"images"`
	Stats   stats.Snapshot      `yaml:"stats"`
}

func NewMemoryManifest(pid int, pagesID uint32, parentDir string, opts DumpOptionsManifest, regions RegionsManifest, images ImagesManifest, snap stats.Snapshot) *MemoryManifest {
	return &MemoryManifest{
		PID:       pid,
		CreatedAt: time.Now().UTC(),
		PagesID:   pagesID,
		ParentDir: parentDir,
		Options:   opts,
		Regions:   regions,
		Images:    images,
		Stats:     snap,
	}
}

// DumpOptionsManifest records how the dump was taken.
type DumpOptionsManifest struct {
	TrackMem bool `yaml:"trackMem"`
	PreDump  bool `yaml:"preDump"`
}

// RegionsManifest summarizes the region list of the target.
type RegionsManifest struct {
	Total        int    `yaml:"total"`
	PrivatePages uint64 `yaml:"privatePages"`
	LongestPages uint64 `yaml:"longestPages"`
}

func NewRegionsManifest(l *vma.List) RegionsManifest {
	return RegionsManifest{
		Total:        l.Len(),
		PrivatePages: l.PrivSize,
		LongestPages: l.Longest,
	}
}

// ImagesManifest names the image files and what they hold.
type ImagesManifest struct {
	Pagemap   string `yaml:"pagemap"`
	Pages     string `yaml:"pages"`
	DataPages uint64 `yaml:"dataPages"`
	HolePages uint64 `yaml:"holePages"`
	Entries   uint64 `yaml:"entries"`
}

func NewImagesManifest(pagesID uint32, counts pagexfer.Counts) ImagesManifest {
	return ImagesManifest{
		Pagemap:   pagexfer.PagemapName(pagesID),
		Pages:     pagexfer.PagesName(pagesID),
		DataPages: counts.Pages,
		HolePages: counts.Holes,
		Entries:   counts.Entries,
	}
}

// WriteManifest writes a memory manifest file in the images directory.
func WriteManifest(imagesDir string, data *MemoryManifest) error {
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal memory manifest: %w", err)
	}

	manifestPath := filepath.Join(imagesDir, manifestFilename)
	if err := os.WriteFile(manifestPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write memory manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the memory manifest from an images directory.
func ReadManifest(imagesDir string) (*MemoryManifest, error) {
	manifestPath := filepath.Join(imagesDir, manifestFilename)
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory manifest: %w", err)
	}

	var data MemoryManifest
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory manifest: %w", err)
	}
	return &data, nil
}
