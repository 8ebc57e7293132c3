package proc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"
)

// GeneralPurposeRegisters is the name of the register group that holds the
// integer registers of a thread.
const GeneralPurposeRegisters = "General Purpose Registers"

// Registers is an interface for a generic register type. The
// interface encapsulates the generic values / actions
// we need independent of arch. The concrete register types
// will be different depending on OS/Arch.
type Registers interface {
	PC() uint64
	SP() uint64
	// Groups returns every register of the thread, grouped by kind.
	Groups() []RegisterGroup
}

// RegisterGroup is a named set of registers.
type RegisterGroup struct {
	Name      string
	Registers []Register
}

// Register represents a CPU register. Size is in bytes.
type Register struct {
	Name  string
	Size  int
	Value uint64
}

func (r Register) String() string {
	return fmt.Sprintf("%s = 0x%0*x", r.Name, r.Size*2, r.Value)
}

// AppendQwordReg appends a quad word (64 bit) register to regs.
func AppendQwordReg(regs []Register, name string, value uint64) []Register {
	return append(regs, Register{Name: name, Size: 8, Value: value})
}

// AppendDwordReg appends a double word (32 bit) register to regs.
func AppendDwordReg(regs []Register, name string, value uint32) []Register {
	return append(regs, Register{Name: name, Size: 4, Value: uint64(value)})
}

// AppendWordReg appends a word (16 bit) register to regs.
func AppendWordReg(regs []Register, name string, value uint16) []Register {
	return append(regs, Register{Name: name, Size: 2, Value: uint64(value)})
}

// AppendByteReg appends a byte (8 bit) register to regs.
func AppendByteReg(regs []Register, name string, value uint8) []Register {
	return append(regs, Register{Name: name, Size: 1, Value: uint64(value)})
}

// FindRegister looks up the register called name inside the group called
// group. The comparison of register names is case insensitive.
func FindRegister(regs Registers, group, name string) (Register, bool) {
	for _, g := range regs.Groups() {
		if g.Name != group {
			continue
		}
		for _, r := range g.Registers {
			if strings.EqualFold(r.Name, name) {
				return r, true
			}
		}
	}
	return Register{}, false
}

// RegisterNames returns the names of the registers in group.
func RegisterNames(regs Registers, group string) []string {
	var r []string
	for _, g := range regs.Groups() {
		if g.Name != group {
			continue
		}
		for _, reg := range g.Registers {
			r = append(r, reg.Name)
		}
	}
	return r
}

// SuggestRegisters returns the names in names that share the longest
// possible prefix with name.
func SuggestRegisters(names []string, name string) []string {
	t := trie.New()
	for _, n := range names {
		t.Add(strings.ToLower(n), nil)
	}
	pfx := strings.ToLower(name)
	for len(pfx) > 0 {
		if r := t.PrefixSearch(pfx); len(r) > 0 {
			sort.Strings(r)
			return r
		}
		pfx = pfx[:len(pfx)-1]
	}
	return nil
}
