//go:build linux && amd64

package native

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
)

const (
	pageSize       = 0x1000
	imageCacheSize = 64
)

// mapping is a line of /proc/<pid>/maps.
type mapping struct {
	start, end uint64
	perms      string
	offset     uint64
	path       string
}

// parseMaps parses the contents of /proc/<pid>/maps.
func parseMaps(r io.Reader) ([]mapping, error) {
	var maps []mapping
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		// 7f1c2a5e0000-7f1c2a608000 r--p 00000000 fd:01 1312 /usr/lib/x86_64-linux-gnu/libc.so.6
		fields := strings.Fields(scan.Text())
		if len(fields) < 5 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			return nil, fmt.Errorf("malformed mapping %q", scan.Text())
		}
		var m mapping
		var err error
		if m.start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", scan.Text(), err)
		}
		if m.end, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", scan.Text(), err)
		}
		if m.offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", scan.Text(), err)
		}
		m.perms = fields[1]
		if len(fields) >= 6 {
			m.path = strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		}
		maps = append(maps, m)
	}
	return maps, scan.Err()
}

type elfSymbols map[string]uint64

// elfInfo is what is needed of an ELF file, with link-time addresses.
type elfInfo struct {
	typ      elf.Type
	interp   string
	loads    []elf.ProgHeader
	sections []proc.Section
	symbols  elfSymbols
}

// readELF reads the sections, the defined function symbols and the program
// interpreter of the ELF file at path.
func readELF(path string) (*elfInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%s: unsupported machine %v", path, f.Machine)
	}

	info := &elfInfo{typ: f.Type, symbols: make(elfSymbols)}
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			info.loads = append(info.loads, p.ProgHeader)
		case elf.PT_INTERP:
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("%s: could not read interpreter: %v", path, err)
			}
			info.interp = strings.TrimRight(string(data), "\x00")
		}
	}
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Type == elf.SHT_NOBITS {
			continue
		}
		info.sections = append(info.sections, proc.Section{
			Name:       sec.Name,
			Addr:       sec.Addr,
			Size:       sec.Size,
			Executable: sec.Flags&elf.SHF_EXECINSTR != 0,
		})
	}

	// Both tables can be missing, stripped libraries only have .dynsym.
	// STT_LOOS is STT_GNU_IFUNC.
	syms, _ := f.Symbols()
	dynsyms, _ := f.DynamicSymbols()
	for _, s := range append(syms, dynsyms...) {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC && elf.ST_TYPE(s.Info) != elf.STT_LOOS {
			continue
		}
		if s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		name := s.Name
		// versioned names, foo@@GLIBC_2.2.5
		if i := strings.Index(name, "@"); i >= 0 {
			name = name[:i]
		}
		if _, dup := info.symbols[name]; !dup {
			info.symbols[name] = s.Value
		}
	}
	return info, nil
}

// bias returns the load bias of an image whose first mapping is m.
func (info *elfInfo) bias(m mapping) (uint64, bool) {
	if info.typ == elf.ET_EXEC {
		return 0, true
	}
	for _, p := range info.loads {
		if p.Off&^(pageSize-1) == m.offset {
			return m.start - p.Vaddr&^(pageSize-1), true
		}
	}
	return 0, false
}

type imageKey struct {
	path    string
	size    int64
	modTime time.Time
}

// imageCache holds the ELF information of recently used files. The cache
// is keyed on the identity of the file so that files replaced on disk are
// read again.
type imageCache struct {
	cache *lru.Cache
}

func newImageCache() *imageCache {
	c, err := lru.New(imageCacheSize)
	if err != nil {
		panic(err)
	}
	return &imageCache{cache: c}
}

func (c *imageCache) get(path string) (*elfInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := imageKey{path: path, size: fi.Size(), modTime: fi.ModTime()}
	if v, ok := c.cache.Get(key); ok {
		return v.(*elfInfo), nil
	}
	info, err := readELF(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, info)
	return info, nil
}

// loadedImage is an ELF file mapped in the target.
type loadedImage struct {
	path string
	bias uint64
	info *elfInfo
	main bool
}

func (image *loadedImage) symbol(name string) (uint64, bool) {
	addr, ok := image.info.symbols[name]
	if !ok {
		return 0, false
	}
	return addr + image.bias, true
}

func (image *loadedImage) image() *proc.Image {
	r := &proc.Image{Path: image.path, StaticBase: image.bias}
	for _, sec := range image.info.sections {
		sec.Addr += image.bias
		r.Sections = append(r.Sections, sec)
	}
	return r
}

// loadedImages returns the ELF files mapped in the target, the executable
// first.
func (dbp *nativeProcess) loadedImages() ([]*loadedImage, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", dbp.pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	maps, err := parseMaps(f)
	if err != nil {
		return nil, err
	}
	return dbp.imagesFromMaps(maps), nil
}

func (dbp *nativeProcess) imagesFromMaps(maps []mapping) []*loadedImage {
	log := logflags.NativeLogger()
	seen := make(map[string]bool)
	var r []*loadedImage
	for _, m := range maps {
		if !strings.HasPrefix(m.path, "/") || seen[m.path] {
			continue
		}
		seen[m.path] = true
		info, err := dbp.images.get(m.path)
		if err != nil {
			// not every mapped file is an ELF file
			log.Debugf("skipping %s: %v", m.path, err)
			continue
		}
		bias, ok := info.bias(m)
		if !ok {
			log.Debugf("skipping %s: no segment at offset %#x", m.path, m.offset)
			continue
		}
		image := &loadedImage{path: m.path, bias: bias, info: info, main: m.path == dbp.exePath}
		if image.main {
			r = append([]*loadedImage{image}, r...)
		} else {
			r = append(r, image)
		}
	}
	return r
}

// Images returns the executable and the libraries mapped in the target.
func (dbp *nativeProcess) Images() ([]*proc.Image, error) {
	if ok, err := dbp.Valid(); !ok {
		return nil, err
	}
	images, err := dbp.loadedImages()
	if err != nil {
		return nil, err
	}
	r := make([]*proc.Image, 0, len(images))
	for _, image := range images {
		r = append(r, image.image())
	}
	return r, nil
}

// lookupSymbol returns the runtime address of the function called name,
// searching the executable first.
func lookupSymbol(images []*loadedImage, name string) (uint64, bool) {
	for _, image := range images {
		if addr, ok := image.symbol(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// interpreterImage returns the dynamic loader named by the executable.
func interpreterImage(images []*loadedImage) *loadedImage {
	if len(images) == 0 || !images[0].main || images[0].info.interp == "" {
		return nil
	}
	interp := images[0].info.interp
	resolved, _ := filepath.EvalSymlinks(interp)
	for _, image := range images[1:] {
		if image.path == interp || image.path == resolved || filepath.Base(image.path) == filepath.Base(interp) {
			return image
		}
		if p, err := filepath.EvalSymlinks(image.path); err == nil && p == resolved {
			return image
		}
	}
	return nil
}
