package tap

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/arch/x86/x86asm"

	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
)

// TextSection is the name of the section holding executable code.
const TextSection = ".text"

// sectionAliases maps section names used on other platforms to their ELF
// equivalent.
var sectionAliases = map[string]string{
	"__text":        TextSection,
	"__TEXT,__text": TextSection,
}

func canonicalSection(name string) string {
	if name == "" {
		return TextSection
	}
	if alias, ok := sectionAliases[name]; ok {
		return alias
	}
	return name
}

// Locate finds the runtime address of the first occurrence of sig inside
// section of the target's main executable. The whole section is read in
// one go; the target must be halted.
func Locate(t proc.Target, section string, sig Signature) (uint64, error) {
	log := logflags.LocateLogger()
	section = canonicalSection(section)

	image, err := mainImage(t)
	if err != nil {
		return 0, err
	}
	sec, ok := image.Section(section)
	if !ok {
		return 0, &LocateError{Kind: SectionNotFound, What: fmt.Sprintf("%s in %s", section, image.Name())}
	}
	log.Debugf("%s of %s at %#x (%d bytes)", section, image.Name(), sec.Addr, sec.Size)

	region, err := proc.ReadRegion(t, sec)
	if err != nil {
		return 0, &LocateError{Kind: MemoryReadFailed, What: fmt.Sprintf("%s at %#x", section, sec.Addr), Err: err}
	}

	off, ok := FindSignature(region.Bytes, sig)
	if !ok {
		return 0, &LocateError{Kind: SignatureNotFound, What: sig.String()}
	}
	addr := region.Base + uint64(off)
	if !region.Contains(addr) || !region.Contains(addr+uint64(len(sig))-1) {
		return 0, &LocateError{Kind: SignatureNotFound, What: sig.String(), Err: fmt.Errorf("match at %#x outside of %s", addr, section)}
	}

	if n := CountSignature(region.Bytes, sig); n > 1 {
		log.Warnf("signature matches %d times in %s, using the first match", n, section)
	}
	log.WithField("addr", fmt.Sprintf("%#x", addr)).Infof("signature found: %s", DescribeInstruction(region.Bytes[off:]))
	return addr, nil
}

// mainImage returns the image of the target's own executable.
func mainImage(t proc.Target) (*proc.Image, error) {
	exe := t.ExecutablePath()
	images, err := t.Images()
	if err != nil {
		return nil, &LocateError{Kind: ModuleNotFound, What: exe, Err: err}
	}
	for _, image := range images {
		if image.Path == exe {
			return image, nil
		}
	}
	// The executable path can differ from the mapped one when the file was
	// reached through a symlink.
	for _, image := range images {
		if filepath.Base(image.Path) == filepath.Base(exe) {
			return image, nil
		}
	}
	return nil, &LocateError{Kind: ModuleNotFound, What: exe}
}

// FindSignature returns the offset of the first occurrence of sig in code.
func FindSignature(code []byte, sig Signature) (int, bool) {
	if len(sig) == 0 || len(sig) > len(code) {
		return 0, false
	}
	off := bytes.Index(code, sig)
	return off, off >= 0
}

// CountSignature returns the number of occurrences of sig in code,
// overlapping ones included.
func CountSignature(code []byte, sig Signature) int {
	if len(sig) == 0 {
		return 0
	}
	n := 0
	for off := 0; off+len(sig) <= len(code); {
		i := bytes.Index(code[off:], sig)
		if i < 0 {
			break
		}
		n++
		off += i + 1
	}
	return n
}

// DescribeInstruction disassembles the instruction at the start of code.
func DescribeInstruction(code []byte) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("undecodable instruction (%v)", err)
	}
	return x86asm.IntelSyntax(inst, 0, nil)
}

// FileMatch is an occurrence of a signature in an executable file.
type FileMatch struct {
	// Addr is the link-time address of the match.
	Addr uint64
	// Offset is the offset from the start of the section.
	Offset uint64
	// Instruction is the disassembly of the matched instruction.
	Instruction string
}

// LocateInFile searches sig in section of the ELF executable at path
// without running it and returns every match, in order.
func LocateInFile(path, section string, sig Signature) ([]FileMatch, error) {
	section = canonicalSection(section)
	f, err := elf.Open(path)
	if err != nil {
		return nil, &LocateError{Kind: ModuleNotFound, What: path, Err: err}
	}
	defer f.Close()

	sec := f.Section(section)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, &LocateError{Kind: SectionNotFound, What: fmt.Sprintf("%s in %s", section, filepath.Base(path))}
	}
	code, err := sec.Data()
	if err != nil && err != io.EOF {
		return nil, &LocateError{Kind: MemoryReadFailed, What: section, Err: err}
	}

	var r []FileMatch
	for off := 0; ; off++ {
		i, ok := FindSignature(code[off:], sig)
		if !ok {
			break
		}
		off += i
		r = append(r, FileMatch{
			Addr:        sec.Addr + uint64(off),
			Offset:      uint64(off),
			Instruction: DescribeInstruction(code[off:]),
		})
	}
	if len(r) == 0 {
		return nil, &LocateError{Kind: SignatureNotFound, What: sig.String()}
	}
	return r, nil
}
