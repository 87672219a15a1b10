package elfcore

import (
	"debug/elf"
	"fmt"
)

// regSet describes the user_regs_struct of one machine.
type regSet struct {
	names []string
	pc    int
	sp    int
}

var regSets = map[elf.Machine]regSet{
	elf.EM_X86_64: {
		names: []string{
			"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
			"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
			"rip", "cs", "eflags", "rsp", "ss", "fs_base", "gs_base",
			"ds", "es", "fs", "gs",
		},
		pc: 16,
		sp: 19,
	},
	elf.EM_386: {
		names: []string{
			"ebx", "ecx", "edx", "esi", "edi", "ebp", "eax", "xds",
			"xes", "xfs", "xgs", "orig_eax", "eip", "xcs", "eflags", "esp",
			"xss",
		},
		pc: 12,
		sp: 15,
	},
	elf.EM_AARCH64: {
		names: append(numbered("x", 31), "sp", "pc", "pstate"),
		pc:    32,
		sp:    31,
	},
	elf.EM_ARM: {
		names: append(numbered("r", 16), "cpsr", "orig_r0"),
		pc:    15,
		sp:    13,
	},
}

func numbered(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return names
}

// regWords returns the number of general purpose register words for machine,
// or 0 when the machine has no known register set.
func regWords(machine elf.Machine) int {
	return len(regSets[machine].names)
}

// Registers is the general purpose register block of one thread, one native
// word per register in user_regs_struct order.
type Registers struct {
	Machine elf.Machine
	Words   []uint64
}

// NamedRegister pairs a register with its kernel name.
type NamedRegister struct {
	Name  string `json:"name" yaml:"name"`
	Value uint64 `json:"value" yaml:"value"`
}

// Named returns the registers with their names. Registers of an unknown
// machine are named by index.
func (r Registers) Named() []NamedRegister {
	set, known := regSets[r.Machine]
	out := make([]NamedRegister, len(r.Words))
	for i, v := range r.Words {
		name := fmt.Sprintf("reg%d", i)
		if known && i < len(set.names) {
			name = set.names[i]
		}
		out[i] = NamedRegister{Name: name, Value: v}
	}
	return out
}

func (r Registers) word(i int) (uint64, bool) {
	if i < 0 || i >= len(r.Words) {
		return 0, false
	}
	return r.Words[i], true
}

// PC returns the program counter, if the machine is known.
func (r Registers) PC() (uint64, bool) {
	set, ok := regSets[r.Machine]
	if !ok {
		return 0, false
	}
	return r.word(set.pc)
}

// SP returns the stack pointer, if the machine is known.
func (r Registers) SP() (uint64, bool) {
	set, ok := regSets[r.Machine]
	if !ok {
		return 0, false
	}
	return r.word(set.sp)
}
