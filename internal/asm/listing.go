package asm

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/tinyrange/jitlower/internal/target"
)

// Form is the operand shape of a recorded instruction.
type Form uint8

const (
	FormNone Form = iota
	FormR
	FormRR
	FormRRR
	FormRRRR
	FormRI
	FormRRI
	FormRRRI
	FormRM
	FormRRM
	FormRMI
	FormRRMI
	FormMR
	FormMRI
	FormMI
	FormM
	FormJ
	FormCall
	FormLabel
)

// Instr is one recorded instruction.
type Instr struct {
	Ins   Ins
	Size  Size
	Form  Form
	Regs  []target.Reg
	Mem   Mem
	Imm   int64
	Label Label
	Sym   string
	// Elem is the lane size of an ARM64 vector arrangement, zero for scalar
	// operands.
	Elem Size
	// Node is the IR node whose code generation produced the instruction.
	Node uint32
}

// HasMem reports forms with a memory operand.
func (in Instr) HasMem() bool {
	switch in.Form {
	case FormRM, FormRRM, FormRMI, FormRRMI, FormMR, FormMRI, FormMI, FormM:
		return true
	}
	return false
}

// JumpTable is a data-section table recorded by EmitJumpTable.
type JumpTable struct {
	Label Label
	Base  Label
	Cases []Label
}

// widener is implemented by instruction sets whose extending moves write a
// destination wider than the operand size attribute.
type widener interface {
	DestSize(ins Ins, size Size) Size
}

// immFormatter is implemented by instruction sets that print some
// immediates symbolically, such as ARM64 condition codes.
type immFormatter interface {
	FormatImm(ins Ins, imm int64) (string, bool)
}

// Listing is a recording Emitter. It keeps every instruction with its
// operands so tests, the CLI and the encoders can inspect the result.
type Listing struct {
	set    InstructionSet
	vex    bool
	instrs []Instr
	tables []JumpTable
	labels map[Label]int
	next   int
	node   uint32
	elem   Size
}

var _ Emitter = (*Listing)(nil)

// NewListing creates an empty listing for set. vex selects three-operand
// VEX forms for SSE instructions.
func NewListing(set InstructionSet, vex bool) *Listing {
	return &Listing{set: set, vex: vex, labels: make(map[Label]int)}
}

func (l *Listing) Set() InstructionSet { return l.set }
func (l *Listing) Instrs() []Instr     { return l.instrs }
func (l *Listing) Tables() []JumpTable { return l.tables }
func (l *Listing) Len() int            { return len(l.instrs) }

// LabelIndex returns the instruction index a label is bound to.
func (l *Listing) LabelIndex(lbl Label) (int, bool) {
	i, ok := l.labels[lbl]
	return i, ok
}

// SetNode attributes subsequently emitted instructions to node id.
func (l *Listing) SetNode(id uint32) { l.node = id }

// SetElem gives the next emitted instruction a vector arrangement with
// lanes of elem bytes.
func (l *Listing) SetElem(elem Size) { l.elem = elem }

// ForNode returns the instructions attributed to node id.
func (l *Listing) ForNode(id uint32) []Instr {
	var out []Instr
	for _, in := range l.instrs {
		if in.Node == id && in.Form != FormLabel {
			out = append(out, in)
		}
	}
	return out
}

func (l *Listing) add(in Instr) {
	in.Node = l.node
	in.Elem, l.elem = l.elem, 0
	l.instrs = append(l.instrs, in)
}

func regs(r ...target.Reg) []target.Reg { return r }

func (l *Listing) EmitNone(ins Ins, size Size) {
	l.add(Instr{Ins: ins, Size: size, Form: FormNone})
}

func (l *Listing) EmitR(ins Ins, size Size, r target.Reg) {
	l.add(Instr{Ins: ins, Size: size, Form: FormR, Regs: regs(r)})
}

func (l *Listing) EmitRR(ins Ins, size Size, dst, src target.Reg) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRR, Regs: regs(dst, src)})
}

func (l *Listing) EmitRRR(ins Ins, size Size, dst, src1, src2 target.Reg) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRRR, Regs: regs(dst, src1, src2)})
}

func (l *Listing) EmitRRRR(ins Ins, size Size, dst, src1, src2, src3 target.Reg) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRRRR, Regs: regs(dst, src1, src2, src3)})
}

func (l *Listing) EmitRI(ins Ins, size Size, r target.Reg, imm int64) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRI, Regs: regs(r), Imm: imm})
}

func (l *Listing) EmitRRI(ins Ins, size Size, dst, src target.Reg, imm int64) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRRI, Regs: regs(dst, src), Imm: imm})
}

func (l *Listing) EmitRRRI(ins Ins, size Size, dst, src1, src2 target.Reg, imm int64) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRRRI, Regs: regs(dst, src1, src2), Imm: imm})
}

func (l *Listing) EmitRM(ins Ins, size Size, dst target.Reg, m Mem) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRM, Regs: regs(dst), Mem: m})
}

func (l *Listing) EmitRRM(ins Ins, size Size, dst, src target.Reg, m Mem) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRRM, Regs: regs(dst, src), Mem: m})
}

func (l *Listing) EmitRMI(ins Ins, size Size, dst target.Reg, m Mem, imm int64) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRMI, Regs: regs(dst), Mem: m, Imm: imm})
}

func (l *Listing) EmitRRMI(ins Ins, size Size, dst, src target.Reg, m Mem, imm int64) {
	l.add(Instr{Ins: ins, Size: size, Form: FormRRMI, Regs: regs(dst, src), Mem: m, Imm: imm})
}

func (l *Listing) EmitMR(ins Ins, size Size, m Mem, src target.Reg) {
	l.add(Instr{Ins: ins, Size: size, Form: FormMR, Regs: regs(src), Mem: m})
}

func (l *Listing) EmitMRI(ins Ins, size Size, m Mem, src target.Reg, imm int64) {
	l.add(Instr{Ins: ins, Size: size, Form: FormMRI, Regs: regs(src), Mem: m, Imm: imm})
}

func (l *Listing) EmitMI(ins Ins, size Size, m Mem, imm int64) {
	l.add(Instr{Ins: ins, Size: size, Form: FormMI, Mem: m, Imm: imm})
}

func (l *Listing) EmitM(ins Ins, size Size, m Mem) {
	l.add(Instr{Ins: ins, Size: size, Form: FormM, Mem: m})
}

func (l *Listing) EmitJ(ins Ins, lbl Label) {
	l.add(Instr{Ins: ins, Form: FormJ, Label: lbl})
}

func (l *Listing) EmitCall(ins Ins, sym string, r target.Reg) {
	in := Instr{Ins: ins, Size: S8, Form: FormCall, Sym: sym}
	if sym == "" {
		in.Regs = regs(r)
	}
	l.add(in)
}

// EmitLabel binds lbl to the next instruction. Binding a label twice is a
// code generator bug and panics.
func (l *Listing) EmitLabel(lbl Label) {
	if _, exists := l.labels[lbl]; exists {
		panic(fmt.Sprintf("asm: label %q already defined", lbl))
	}
	l.labels[lbl] = len(l.instrs)
	l.add(Instr{Form: FormLabel, Label: lbl})
}

func (l *Listing) EmitJumpTable(table, base Label, cases []Label) {
	l.tables = append(l.tables, JumpTable{Label: table, Base: base, Cases: append([]Label(nil), cases...)})
}

func (l *Listing) NewLabel() Label {
	l.next++
	return Label(fmt.Sprintf("L%d", l.next))
}

func (l *Listing) UseVEX() bool { return l.vex }

func (l *Listing) IsThreeOperandForm(ins Ins) bool {
	return l.vex && l.set.VEXEncodable(ins)
}

func (l *Listing) SupportsMemoryOperand(ins Ins) bool { return l.set.SupportsMemoryOperand(ins) }

// Validate checks every memory operand and that each jump target exists.
func (l *Listing) Validate() error {
	for i, in := range l.instrs {
		if in.HasMem() {
			if err := in.Mem.validate(); err != nil {
				return fmt.Errorf("asm: instruction %d (%s): %w", i, l.Mnemonic(in), err)
			}
		}
		if in.Form == FormJ {
			if _, ok := l.labels[in.Label]; !ok {
				return fmt.Errorf("asm: instruction %d jumps to undefined label %q", i, in.Label)
			}
		}
	}
	for _, tbl := range l.tables {
		for _, c := range append([]Label{tbl.Base}, tbl.Cases...) {
			if _, ok := l.labels[c]; !ok {
				return fmt.Errorf("asm: jump table %q references undefined label %q", tbl.Label, c)
			}
		}
	}
	return nil
}

// Mnemonic returns the printed name of in, with the VEX "v" prefix applied.
func (l *Listing) Mnemonic(in Instr) string {
	name := l.set.Name(in.Ins)
	if l.vex && l.set.VEXEncodable(in.Ins) && !strings.HasPrefix(name, "v") {
		name = "v" + name
	}
	return name
}

// Format renders one instruction in Intel operand order.
func (l *Listing) Format(in Instr) string {
	arch := l.set.Arch()
	if in.Form == FormLabel {
		return string(in.Label) + ":"
	}
	size := int(in.Size)
	dstSize := size
	if w, ok := l.set.(widener); ok {
		dstSize = int(w.DestSize(in.Ins, in.Size))
	}
	reg := func(i int) string {
		r := in.Regs[i]
		if in.Elem != 0 && r.IsFloat(arch) {
			return fmt.Sprintf("%s.%d%s", r.Name(arch, 16), size/int(in.Elem), arrangement[in.Elem])
		}
		if i == 0 && in.Form != FormMR && in.Form != FormMRI {
			return r.Name(arch, dstSize)
		}
		return r.Name(arch, size)
	}
	var ops []string
	switch in.Form {
	case FormR:
		ops = []string{reg(0)}
	case FormRR:
		ops = []string{reg(0), reg(1)}
	case FormRRR:
		ops = []string{reg(0), reg(1), reg(2)}
	case FormRRRR:
		ops = []string{reg(0), reg(1), reg(2), reg(3)}
	case FormRI:
		ops = []string{reg(0), l.immOf(in)}
	case FormRRI:
		ops = []string{reg(0), reg(1), l.immOf(in)}
	case FormRRRI:
		ops = []string{reg(0), reg(1), reg(2), l.immOf(in)}
	case FormRM:
		ops = []string{reg(0), l.mem(in.Mem, size)}
	case FormRRM:
		ops = []string{reg(0), reg(1), l.mem(in.Mem, size)}
	case FormRMI:
		ops = []string{reg(0), l.mem(in.Mem, size), l.immOf(in)}
	case FormRRMI:
		ops = []string{reg(0), reg(1), l.mem(in.Mem, size), l.immOf(in)}
	case FormMR:
		ops = []string{l.mem(in.Mem, size), reg(0)}
	case FormMRI:
		ops = []string{l.mem(in.Mem, size), reg(0), l.immOf(in)}
	case FormMI:
		ops = []string{l.mem(in.Mem, size), l.immOf(in)}
	case FormM:
		ops = []string{l.mem(in.Mem, size)}
	case FormJ:
		ops = []string{string(in.Label)}
	case FormCall:
		if in.Sym != "" {
			ops = []string{in.Sym}
		} else {
			ops = []string{in.Regs[0].Name(arch, 8)}
		}
	}
	name := l.Mnemonic(in)
	if len(ops) == 0 {
		return name
	}
	return name + " " + strings.Join(ops, ", ")
}

var arrangement = map[Size]string{S1: "b", S2: "h", S4: "s", S8: "d"}

func (l *Listing) immOf(in Instr) string {
	if f, ok := l.set.(immFormatter); ok {
		if s, ok := f.FormatImm(in.Ins, in.Imm); ok {
			return s
		}
	}
	return l.imm(in.Imm)
}

func (l *Listing) imm(v int64) string {
	if l.set.Arch() == target.ArchARM64 {
		if v < 10 && v > -10 {
			return fmt.Sprintf("#%d", v)
		}
		if v < 0 {
			return fmt.Sprintf("#-0x%x", -v)
		}
		return fmt.Sprintf("#0x%x", v)
	}
	if v < 10 {
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("0x%x", v)
}

func (l *Listing) mem(m Mem, size int) string {
	arch := l.set.Arch()
	prefix := ""
	if arch == target.ArchAMD64 {
		switch size {
		case 1:
			prefix = "byte ptr "
		case 2:
			prefix = "word ptr "
		case 4:
			prefix = "dword ptr "
		case 8:
			prefix = "qword ptr "
		case 16:
			prefix = "xmmword ptr "
		case 32:
			prefix = "ymmword ptr "
		}
	}
	if arch == target.ArchARM64 && m.Kind == MemAddr {
		parts := []string{m.Base.Name(arch, 8)}
		if m.Index != target.RegNone {
			idx := m.Index.Name(arch, 8)
			if m.Scale > 1 {
				idx += fmt.Sprintf(", lsl #%d", bits.TrailingZeros8(m.Scale))
			}
			parts = append(parts, idx)
		}
		if m.Disp != 0 {
			parts = append(parts, fmt.Sprintf("#%d", m.Disp))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("[")
	switch m.Kind {
	case MemStatic:
		b.WriteString(m.Sym)
	case MemConst:
		fmt.Fprintf(&b, "const:%x", m.Const)
	case MemLabel:
		b.WriteString(string(m.Label))
	default:
		parts := []string{}
		if m.Base != target.RegNone {
			parts = append(parts, m.Base.Name(arch, 8))
		}
		if m.Index != target.RegNone {
			idx := m.Index.Name(arch, 8)
			if m.Scale > 1 {
				idx = fmt.Sprintf("%s*%d", idx, m.Scale)
			}
			parts = append(parts, idx)
		}
		if len(parts) == 0 {
			fmt.Fprintf(&b, "0x%x]", uint32(m.Disp))
			return b.String()
		}
		b.WriteString(strings.Join(parts, "+"))
	}
	switch {
	case m.Disp > 0:
		fmt.Fprintf(&b, "+0x%x", m.Disp)
	case m.Disp < 0:
		fmt.Fprintf(&b, "-0x%x", -int64(m.Disp))
	}
	b.WriteString("]")
	return b.String()
}

// Lines renders the whole listing, labels included.
func (l *Listing) Lines() []string {
	out := make([]string, 0, len(l.instrs))
	for _, in := range l.instrs {
		out = append(out, l.Format(in))
	}
	for _, tbl := range l.tables {
		out = append(out, fmt.Sprintf("%s: dd %s (relative to %s)", tbl.Label, joinLabels(tbl.Cases), tbl.Base))
	}
	return out
}

func joinLabels(ls []Label) string {
	s := make([]string, len(ls))
	for i, l := range ls {
		s[i] = string(l)
	}
	return strings.Join(s, ", ")
}

func (l *Listing) String() string { return strings.Join(l.Lines(), "\n") }
