package proc

import (
	"fmt"
	"path/filepath"
)

// Image represents a loaded executable or library.
type Image struct {
	Path string
	// StaticBase is the difference between the runtime addresses and the
	// link-time addresses of the image, zero for non-relocated executables.
	StaticBase uint64
	Sections   []Section
}

// Section is a section of an image, with its runtime address.
type Section struct {
	Name       string
	Addr       uint64
	Size       uint64
	Executable bool
}

// Name returns the base name of the image.
func (image *Image) Name() string {
	return filepath.Base(image.Path)
}

// Section returns the section called name.
func (image *Image) Section(name string) (Section, bool) {
	for _, sec := range image.Sections {
		if sec.Name == name {
			return sec, true
		}
	}
	return Section{}, false
}

// CodeRegion is a snapshot of a section of the target's memory.
type CodeRegion struct {
	Base  uint64
	Size  uint64
	Bytes []byte
}

// ReadRegion reads sec from mem into a new CodeRegion. A short read is an
// error.
func ReadRegion(mem MemoryReader, sec Section) (*CodeRegion, error) {
	buf := make([]byte, sec.Size)
	n, err := mem.ReadMemory(buf, sec.Addr)
	if err != nil {
		return nil, err
	}
	if uint64(n) != sec.Size {
		return nil, fmt.Errorf("short read at %#x: %d of %d bytes", sec.Addr, n, sec.Size)
	}
	return &CodeRegion{Base: sec.Addr, Size: sec.Size, Bytes: buf}, nil
}

// Contains returns true if addr falls inside the region.
func (r *CodeRegion) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}
