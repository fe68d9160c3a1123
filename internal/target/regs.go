package target

import (
	"fmt"
	"math/bits"
	"strings"
)

// Reg is a physical register. Numbering is per architecture: integer
// registers first, in hardware encoding order, then the vector file.
type Reg uint8

// RegNone marks an unassigned or absent register.
const RegNone Reg = 0xff

// x86-64.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// ARM64. X31 encodes SP or XZR depending on the instruction.
const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR
	V0
)

// SP is the ARM64 stack pointer. It is never allocated and encodes as 31,
// like XZR.
const SP Reg = 0xfe

// V returns ARM64 vector register n.
func V(n int) Reg { return V0 + Reg(n) }

// XMM returns x86-64 vector register n.
func XMM(n int) Reg { return XMM0 + Reg(n) }

// Code is the register's hardware encoding within its file.
func (r Reg) Code(arch Arch) uint8 {
	switch arch {
	case ArchAMD64:
		return uint8(r) & 15
	case ArchARM64:
		if r == SP {
			return 31
		}
		if r >= V0 {
			return uint8(r - V0)
		}
	}
	return uint8(r)
}

// IsFloat reports whether r belongs to the vector/floating-point file.
func (r Reg) IsFloat(arch Arch) bool {
	switch arch {
	case ArchAMD64:
		return r >= XMM0 && r <= XMM15
	case ArchARM64:
		return r >= V0 && r < V0+32
	}
	return false
}

var amd64GPR = [16][4]string{
	{"al", "ax", "eax", "rax"}, {"cl", "cx", "ecx", "rcx"},
	{"dl", "dx", "edx", "rdx"}, {"bl", "bx", "ebx", "rbx"},
	{"spl", "sp", "esp", "rsp"}, {"bpl", "bp", "ebp", "rbp"},
	{"sil", "si", "esi", "rsi"}, {"dil", "di", "edi", "rdi"},
	{"r8b", "r8w", "r8d", "r8"}, {"r9b", "r9w", "r9d", "r9"},
	{"r10b", "r10w", "r10d", "r10"}, {"r11b", "r11w", "r11d", "r11"},
	{"r12b", "r12w", "r12d", "r12"}, {"r13b", "r13w", "r13d", "r13"},
	{"r14b", "r14w", "r14d", "r14"}, {"r15b", "r15w", "r15d", "r15"},
}

// Name renders r for an access of size bytes.
func (r Reg) Name(arch Arch, size int) string {
	if r == RegNone {
		return "<none>"
	}
	switch arch {
	case ArchAMD64:
		if r.IsFloat(arch) {
			if size == 32 {
				return fmt.Sprintf("ymm%d", r-XMM0)
			}
			return fmt.Sprintf("xmm%d", r-XMM0)
		}
		if r > R15 {
			break
		}
		switch size {
		case 1:
			return amd64GPR[r][0]
		case 2:
			return amd64GPR[r][1]
		case 4:
			return amd64GPR[r][2]
		}
		return amd64GPR[r][3]
	case ArchARM64:
		if r.IsFloat(arch) {
			n := r - V0
			switch size {
			case 4:
				return fmt.Sprintf("s%d", n)
			case 8:
				return fmt.Sprintf("d%d", n)
			}
			return fmt.Sprintf("v%d", n)
		}
		if r == SP {
			if size <= 4 {
				return "wsp"
			}
			return "sp"
		}
		if r == XZR {
			if size <= 4 {
				return "wzr"
			}
			return "xzr"
		}
		if size <= 4 {
			return fmt.Sprintf("w%d", r)
		}
		return fmt.Sprintf("x%d", r)
	}
	return fmt.Sprintf("r%d", r)
}

// RegMask is a set of physical registers.
type RegMask uint64

// RegMaskNone is the empty set; in a requirement record it means "any
// register of the value's class".
const RegMaskNone RegMask = 0

func MaskOf(regs ...Reg) RegMask {
	var m RegMask
	for _, r := range regs {
		if r != RegNone {
			m |= 1 << r
		}
	}
	return m
}

func (m RegMask) Has(r Reg) bool             { return r != RegNone && m&(1<<r) != 0 }
func (m RegMask) With(r Reg) RegMask         { return m | MaskOf(r) }
func (m RegMask) Without(r Reg) RegMask      { return m &^ MaskOf(r) }
func (m RegMask) Minus(o RegMask) RegMask    { return m &^ o }
func (m RegMask) Count() int                 { return bits.OnesCount64(uint64(m)) }
func (m RegMask) IsSingle() bool             { return m.Count() == 1 }
func (m RegMask) Intersects(o RegMask) bool  { return m&o != 0 }

// First returns the lowest-numbered register in m or RegNone.
func (m RegMask) First() Reg {
	if m == 0 {
		return RegNone
	}
	return Reg(bits.TrailingZeros64(uint64(m)))
}

// Regs lists the members of m in ascending order.
func (m RegMask) Regs() []Reg {
	out := make([]Reg, 0, m.Count())
	for m != 0 {
		r := Reg(bits.TrailingZeros64(uint64(m)))
		out = append(out, r)
		m &^= 1 << r
	}
	return out
}

// Format renders m with arch register names.
func (m RegMask) Format(arch Arch) string {
	if m == 0 {
		return "{}"
	}
	names := make([]string, 0, m.Count())
	for _, r := range m.Regs() {
		names = append(names, r.Name(arch, 8))
	}
	return "{" + strings.Join(names, ",") + "}"
}

func maskRange(lo, hi Reg) RegMask {
	var m RegMask
	for r := lo; r <= hi; r++ {
		m |= 1 << r
	}
	return m
}
