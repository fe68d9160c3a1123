package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/target"
)

// Memory layout of a Machine. Code addresses are synthetic: instruction i of
// the listing lives at CodeBase+i.
const (
	MemorySize = 1 << 20
	DataBase   = 0x1000
	HeapBase   = 0x40000
	StackTop   = MemorySize - 0x1000
	CodeBase   = 0x4000_0000
)

// Helper is a runtime function called by symbol.
type Helper func(m *Machine) error

// Machine interprets an x86-64 listing. It models the general and vector
// register files, the arithmetic flags and a flat little-endian memory; it is
// meant for checking emitted idioms, not for timing or exceptions.
type Machine struct {
	GPR [16]uint64
	XMM [16][32]byte

	ZF, CF, SF, OF, PF bool

	Mem     []byte
	Symbols map[string]uint64
	Helpers map[string]Helper

	// MaxSteps bounds execution; zero means 100000.
	MaxSteps int
	// Trace receives every executed instruction.
	Trace func(in asm.Instr)

	listing  *asm.Listing
	consts   map[string]uint64
	dataNext uint64
	heapNext uint64
	tables   map[asm.Label]uint64
}

// NewMachine returns a machine with zeroed registers and rsp at StackTop.
func NewMachine() *Machine {
	m := &Machine{
		Mem:      make([]byte, MemorySize),
		Symbols:  make(map[string]uint64),
		Helpers:  make(map[string]Helper),
		consts:   make(map[string]uint64),
		tables:   make(map[asm.Label]uint64),
		dataNext: DataBase,
		heapNext: HeapBase,
	}
	m.GPR[target.RSP] = StackTop
	return m
}

// Alloc reserves size bytes of zeroed heap memory, 32-byte aligned.
func (m *Machine) Alloc(size int) uint64 {
	addr := (m.heapNext + 31) &^ 31
	m.heapNext = addr + uint64(size)
	return addr
}

func (m *Machine) Read(addr uint64, size int) (uint64, error) {
	if addr+uint64(size) > uint64(len(m.Mem)) {
		return 0, fmt.Errorf("sim: read of %d bytes at %#x out of range", size, addr)
	}
	var buf [8]byte
	copy(buf[:], m.Mem[addr:addr+uint64(size)])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Machine) Write(addr uint64, size int, v uint64) error {
	if addr+uint64(size) > uint64(len(m.Mem)) {
		return fmt.Errorf("sim: write of %d bytes at %#x out of range", size, addr)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(m.Mem[addr:], buf[:size])
	return nil
}

// Reg returns a general register by its target identity.
func (m *Machine) Reg(r target.Reg) uint64 { return m.GPR[r.Code(target.ArchAMD64)] }

// SetReg writes a full general register.
func (m *Machine) SetReg(r target.Reg, v uint64) { m.GPR[r.Code(target.ArchAMD64)] = v }

// Vec returns a vector register.
func (m *Machine) Vec(r target.Reg) [32]byte { return m.XMM[r.Code(target.ArchAMD64)] }

// SetVec writes a vector register.
func (m *Machine) SetVec(r target.Reg, v [32]byte) { m.XMM[r.Code(target.ArchAMD64)] = v }

func sizeMask(size int) uint64 {
	if size >= 8 {
		return math.MaxUint64
	}
	return 1<<(uint(size)*8) - 1
}

func signExtend(v uint64, size int) uint64 {
	shift := uint(64 - size*8)
	return uint64(int64(v<<shift) >> shift)
}

func (m *Machine) getGPR(r target.Reg, size int) uint64 {
	return m.Reg(r) & sizeMask(size)
}

func (m *Machine) setGPR(r target.Reg, size int, v uint64) {
	i := r.Code(target.ArchAMD64)
	switch size {
	case 8:
		m.GPR[i] = v
	case 4:
		m.GPR[i] = v & 0xffffffff
	default:
		mask := sizeMask(size)
		m.GPR[i] = m.GPR[i]&^mask | v&mask
	}
}

// Addr computes the effective address of a memory operand.
func (m *Machine) Addr(op asm.Mem) (uint64, error) {
	switch op.Kind {
	case asm.MemStatic:
		addr, ok := m.Symbols[op.Sym]
		if !ok {
			addr = m.Alloc(64)
			m.Symbols[op.Sym] = addr
		}
		return addr + uint64(int64(op.Disp)), nil
	case asm.MemConst:
		addr, ok := m.consts[string(op.Const)]
		if !ok {
			addr = (m.dataNext + 31) &^ 31
			copy(m.Mem[addr:], op.Const)
			m.dataNext = addr + uint64(len(op.Const))
			m.consts[string(op.Const)] = addr
		}
		return addr + uint64(int64(op.Disp)), nil
	case asm.MemLabel:
		if addr, ok := m.tables[op.Label]; ok {
			return addr + uint64(int64(op.Disp)), nil
		}
		idx, ok := m.listing.LabelIndex(op.Label)
		if !ok {
			return 0, fmt.Errorf("sim: undefined label %s", op.Label)
		}
		return CodeBase + uint64(idx) + uint64(int64(op.Disp)), nil
	}
	var addr uint64
	if op.Base != target.RegNone {
		addr = m.Reg(op.Base)
	}
	if op.Index != target.RegNone {
		scale := uint64(op.Scale)
		if scale == 0 {
			scale = 1
		}
		addr += m.Reg(op.Index) * scale
	}
	return addr + uint64(int64(op.Disp)), nil
}

func (m *Machine) loadMem(op asm.Mem, size int) (uint64, error) {
	addr, err := m.Addr(op)
	if err != nil {
		return 0, err
	}
	return m.Read(addr, size)
}

func (m *Machine) storeMem(op asm.Mem, size int, v uint64) error {
	addr, err := m.Addr(op)
	if err != nil {
		return err
	}
	return m.Write(addr, size, v)
}

func (m *Machine) loadVec(op asm.Mem, size int) ([32]byte, error) {
	var v [32]byte
	addr, err := m.Addr(op)
	if err != nil {
		return v, err
	}
	if addr+uint64(size) > uint64(len(m.Mem)) {
		return v, fmt.Errorf("sim: vector read at %#x out of range", addr)
	}
	copy(v[:size], m.Mem[addr:])
	return v, nil
}

func (m *Machine) storeVec(op asm.Mem, size int, v [32]byte) error {
	addr, err := m.Addr(op)
	if err != nil {
		return err
	}
	if addr+uint64(size) > uint64(len(m.Mem)) {
		return fmt.Errorf("sim: vector write at %#x out of range", addr)
	}
	copy(m.Mem[addr:], v[:size])
	return nil
}

func parity(v uint64) bool { return bits.OnesCount8(uint8(v))%2 == 0 }

func (m *Machine) setLogicFlags(res uint64, size int) {
	res &= sizeMask(size)
	m.ZF = res == 0
	m.SF = res>>(uint(size)*8-1)&1 != 0
	m.PF = parity(res)
	m.CF, m.OF = false, false
}

func (m *Machine) setAddFlags(a, b, res uint64, size int) {
	mask := sizeMask(size)
	m.setLogicFlags(res, size)
	if size == 8 {
		_, carry := bits.Add64(a, b, 0)
		m.CF = carry != 0
	} else {
		m.CF = (a&mask)+(b&mask) > mask
	}
	sign := uint64(1) << (uint(size)*8 - 1)
	m.OF = (a^res)&(b^res)&sign != 0
}

func (m *Machine) setSubFlags(a, b, res uint64, size int) {
	mask := sizeMask(size)
	m.setLogicFlags(res, size)
	m.CF = a&mask < b&mask
	sign := uint64(1) << (uint(size)*8 - 1)
	m.OF = (a^b)&(a^res)&sign != 0
}

// Cond evaluates the condition tested by a conditional jump.
func (m *Machine) Cond(j asm.Ins) bool {
	switch j {
	case JE:
		return m.ZF
	case JNE:
		return !m.ZF
	case JL:
		return m.SF != m.OF
	case JLE:
		return m.ZF || m.SF != m.OF
	case JG:
		return !m.ZF && m.SF == m.OF
	case JGE:
		return m.SF == m.OF
	case JB:
		return m.CF
	case JBE:
		return m.CF || m.ZF
	case JA:
		return !m.CF && !m.ZF
	case JAE:
		return !m.CF
	case JP:
		return m.PF
	case JNP:
		return !m.PF
	case JO:
		return m.OF
	case JMP:
		return true
	}
	return false
}

// Run executes l from its first instruction until the outermost ret.
func (m *Machine) Run(l *asm.Listing) error {
	return m.RunFrom(l, 0)
}

// RunFrom executes l starting at instruction index pc.
func (m *Machine) RunFrom(l *asm.Listing, pc int) error {
	if l.Set().Arch() != target.ArchAMD64 {
		return fmt.Errorf("sim: cannot run a %s listing", l.Set().Arch())
	}
	m.listing = l
	for _, tbl := range l.Tables() {
		if _, ok := m.tables[tbl.Label]; ok {
			continue
		}
		addr := (m.dataNext + 3) &^ 3
		base, ok := l.LabelIndex(tbl.Base)
		if !ok {
			return fmt.Errorf("sim: jump table %s: undefined base %s", tbl.Label, tbl.Base)
		}
		for i, c := range tbl.Cases {
			idx, ok := l.LabelIndex(c)
			if !ok {
				return fmt.Errorf("sim: jump table %s: undefined case %s", tbl.Label, c)
			}
			binary.LittleEndian.PutUint32(m.Mem[addr+uint64(4*i):], uint32(int32(idx-base)))
		}
		m.tables[tbl.Label] = addr
		m.dataNext = addr + uint64(4*len(tbl.Cases))
	}

	limit := m.MaxSteps
	if limit == 0 {
		limit = 100000
	}
	instrs := l.Instrs()
	for steps := 0; ; steps++ {
		if steps >= limit {
			return fmt.Errorf("sim: step limit %d exceeded", limit)
		}
		if pc < 0 || pc >= len(instrs) {
			return fmt.Errorf("sim: fell off the listing at %d", pc)
		}
		in := instrs[pc]
		if m.Trace != nil && in.Form != asm.FormLabel {
			m.Trace(in)
		}
		next, done, err := m.step(l, in, pc)
		if err != nil {
			return fmt.Errorf("sim: %d: %s: %w", pc, l.Format(in), err)
		}
		if done {
			return nil
		}
		pc = next
	}
}

func (m *Machine) jumpTo(l *asm.Listing, lbl asm.Label) (int, error) {
	idx, ok := l.LabelIndex(lbl)
	if !ok {
		return 0, fmt.Errorf("undefined label %s", lbl)
	}
	return idx, nil
}

// intOperands returns the destination and source values of a two-operand
// integer instruction and a function storing the result to the destination.
func (m *Machine) intOperands(in asm.Instr) (a, b uint64, store func(uint64) error, err error) {
	size := int(in.Size)
	switch in.Form {
	case asm.FormR:
		a = m.getGPR(in.Regs[0], size)
	case asm.FormRR:
		a, b = m.getGPR(in.Regs[0], size), m.getGPR(in.Regs[1], size)
	case asm.FormRI:
		a, b = m.getGPR(in.Regs[0], size), uint64(in.Imm)&sizeMask(size)
	case asm.FormRM:
		a = m.getGPR(in.Regs[0], size)
		b, err = m.loadMem(in.Mem, size)
	case asm.FormM:
		a, err = m.loadMem(in.Mem, size)
	case asm.FormMR:
		a, err = m.loadMem(in.Mem, size)
		b = m.getGPR(in.Regs[0], size)
	case asm.FormMI:
		a, err = m.loadMem(in.Mem, size)
		b = uint64(in.Imm) & sizeMask(size)
	default:
		return 0, 0, nil, fmt.Errorf("unsupported form %d", in.Form)
	}
	if in.HasMem() && in.Form != asm.FormRM {
		store = func(v uint64) error { return m.storeMem(in.Mem, size, v) }
	} else {
		r := in.Regs[0]
		store = func(v uint64) error { m.setGPR(r, size, v); return nil }
	}
	return a, b, store, err
}

func (m *Machine) step(l *asm.Listing, in asm.Instr, pc int) (next int, done bool, err error) {
	next = pc + 1
	size := int(in.Size)
	switch in.Ins {
	case asm.Ins(0):
		if in.Form == asm.FormLabel {
			return next, false, nil
		}
		return 0, false, fmt.Errorf("invalid instruction")

	case MOV:
		switch in.Form {
		case asm.FormRR:
			m.setGPR(in.Regs[0], size, m.getGPR(in.Regs[1], size))
		case asm.FormRI:
			m.setGPR(in.Regs[0], size, uint64(in.Imm))
		case asm.FormRM:
			var v uint64
			v, err = m.loadMem(in.Mem, size)
			m.setGPR(in.Regs[0], size, v)
		case asm.FormMR:
			err = m.storeMem(in.Mem, size, m.getGPR(in.Regs[0], size))
		case asm.FormMI:
			err = m.storeMem(in.Mem, size, uint64(in.Imm))
		default:
			err = fmt.Errorf("unsupported form")
		}
	case MOVZX, MOVSX, MOVSXQ, MOVSXD:
		var v uint64
		if in.Form == asm.FormRM {
			v, err = m.loadMem(in.Mem, size)
		} else {
			v = m.getGPR(in.Regs[1], size)
		}
		dst := int(Set.(instructionSet).DestSize(in.Ins, in.Size))
		if in.Ins != MOVZX {
			v = signExtend(v, size)
		}
		m.setGPR(in.Regs[0], dst, v)
	case LEA:
		var addr uint64
		addr, err = m.Addr(in.Mem)
		m.setGPR(in.Regs[0], size, addr)
	case PUSH:
		m.GPR[target.RSP] -= 8
		err = m.Write(m.GPR[target.RSP], 8, m.Reg(in.Regs[0]))
	case POP:
		var v uint64
		v, err = m.Read(m.GPR[target.RSP], 8)
		m.SetReg(in.Regs[0], v)
		m.GPR[target.RSP] += 8

	case ADD, ADC, SUB, SBB, AND, OR, XOR, CMP, TEST:
		a, b, store, oerr := m.intOperands(in)
		if oerr != nil {
			return 0, false, oerr
		}
		var res uint64
		switch in.Ins {
		case ADD, ADC:
			if in.Ins == ADC && m.CF {
				b++
			}
			res = a + b
			m.setAddFlags(a, b, res, size)
		case SUB, SBB, CMP:
			if in.Ins == SBB && m.CF {
				b++
			}
			res = a - b
			m.setSubFlags(a, b, res, size)
		case AND, TEST:
			res = a & b
			m.setLogicFlags(res, size)
		case OR:
			res = a | b
			m.setLogicFlags(res, size)
		case XOR:
			res = a ^ b
			m.setLogicFlags(res, size)
		}
		if in.Ins != CMP && in.Ins != TEST {
			err = store(res)
		}
	case NOT:
		a, _, store, oerr := m.intOperands(in)
		if oerr != nil {
			return 0, false, oerr
		}
		err = store(^a)
	case NEG:
		a, _, store, oerr := m.intOperands(in)
		if oerr != nil {
			return 0, false, oerr
		}
		res := -a
		m.setSubFlags(0, a, res, size)
		m.CF = a&sizeMask(size) != 0
		err = store(res)
	case IMUL, MUL:
		err = m.mul(in)
	case IDIV, DIV:
		err = m.div(in)
	case CDQ:
		m.setGPR(target.RDX, 4, signExtend(m.getGPR(target.RAX, 4), 4)>>32)
	case CQO:
		m.SetReg(target.RDX, uint64(int64(m.Reg(target.RAX))>>63))
	case SHL, SHR, SAR, ROL, ROR:
		err = m.shift(in)

	case SETE, SETNE, SETL, SETLE, SETG, SETGE, SETB, SETBE, SETA, SETAE, SETP, SETNP:
		v := uint64(0)
		if m.Cond(JumpCC(in.Ins)) {
			v = 1
		}
		m.setGPR(in.Regs[0], 1, v)
	case JE, JNE, JL, JLE, JG, JGE, JB, JBE, JA, JAE, JP, JNP, JO:
		if m.Cond(in.Ins) {
			next, err = m.jumpTo(l, in.Label)
		}
	case JMP:
		switch in.Form {
		case asm.FormJ:
			next, err = m.jumpTo(l, in.Label)
		case asm.FormR:
			addr := m.Reg(in.Regs[0])
			if addr < CodeBase || addr >= CodeBase+uint64(l.Len()) {
				return 0, false, fmt.Errorf("indirect jump to %#x outside the listing", addr)
			}
			next = int(addr - CodeBase)
		default:
			err = fmt.Errorf("unsupported jmp form")
		}
	case CALL:
		name := in.Sym
		if name == "" {
			var addr uint64
			if in.Form == asm.FormM {
				if addr, err = m.loadMem(in.Mem, 8); err != nil {
					return 0, false, err
				}
			} else {
				addr = m.Reg(in.Regs[0])
			}
			for sym, a := range m.Symbols {
				if a == addr {
					name = sym
				}
			}
		}
		h, ok := m.Helpers[name]
		if !ok {
			return 0, false, fmt.Errorf("call to unknown helper %q", name)
		}
		err = h(m)
	case RET:
		return 0, true, nil
	case NOP:
	case INT3:
		return 0, false, fmt.Errorf("breakpoint")

	case XCHG, XADD:
		old, oerr := m.loadMem(in.Mem, size)
		if oerr != nil {
			return 0, false, oerr
		}
		v := m.getGPR(in.Regs[0], size)
		if in.Ins == XADD {
			res := old + v
			m.setAddFlags(old, v, res, size)
			v = res
		}
		err = m.storeMem(in.Mem, size, v)
		m.setGPR(in.Regs[0], size, old)
	case CMPXCHG:
		old, oerr := m.loadMem(in.Mem, size)
		if oerr != nil {
			return 0, false, oerr
		}
		cmp := m.getGPR(target.RAX, size)
		m.setSubFlags(cmp, old, cmp-old, size)
		if old == cmp {
			err = m.storeMem(in.Mem, size, m.getGPR(in.Regs[0], size))
		} else {
			m.setGPR(target.RAX, size, old)
		}
	case REP_STOSB:
		for m.GPR[target.RCX] != 0 {
			if err := m.Write(m.GPR[target.RDI], 1, m.GPR[target.RAX]); err != nil {
				return 0, false, err
			}
			m.GPR[target.RDI]++
			m.GPR[target.RCX]--
		}
	case REP_MOVSB, MOVSQ, REP_MOVSQ:
		width := 1
		if in.Ins != REP_MOVSB {
			width = 8
		}
		count := uint64(1)
		if in.Ins != MOVSQ {
			count = m.GPR[target.RCX]
			m.GPR[target.RCX] = 0
		}
		for ; count > 0; count-- {
			v, err := m.Read(m.GPR[target.RSI], width)
			if err != nil {
				return 0, false, err
			}
			if err := m.Write(m.GPR[target.RDI], width, v); err != nil {
				return 0, false, err
			}
			m.GPR[target.RSI] += uint64(width)
			m.GPR[target.RDI] += uint64(width)
		}
	case POPCNT, LZCNT, TZCNT:
		var v uint64
		if in.Form == asm.FormRM {
			v, err = m.loadMem(in.Mem, size)
		} else {
			v = m.getGPR(in.Regs[1], size)
		}
		var res int
		switch in.Ins {
		case POPCNT:
			res = bits.OnesCount64(v)
		case LZCNT:
			res = bits.LeadingZeros64(v) - (64 - size*8)
		case TZCNT:
			res = bits.TrailingZeros64(v)
			if res > size*8 {
				res = size * 8
			}
		}
		m.setGPR(in.Regs[0], size, uint64(res))
		m.ZF = res == 0
		m.CF = v == 0

	default:
		err = m.vector(l, in)
	}
	return next, false, err
}

func (m *Machine) mul(in asm.Instr) error {
	size := int(in.Size)
	switch in.Form {
	case asm.FormR, asm.FormM:
		var src uint64
		if in.Form == asm.FormR {
			src = m.getGPR(in.Regs[0], size)
		} else {
			var err error
			if src, err = m.loadMem(in.Mem, size); err != nil {
				return err
			}
		}
		a := m.getGPR(target.RAX, size)
		var hi, lo uint64
		if in.Ins == MUL {
			if size == 8 {
				hi, lo = bits.Mul64(a, src)
			} else {
				p := a * src
				lo, hi = p&sizeMask(size), p>>(uint(size)*8)
			}
			m.CF = hi != 0
		} else {
			sa, sb := int64(signExtend(a, size)), int64(signExtend(src, size))
			if size == 8 {
				hi, lo = bits.Mul64(uint64(sa), uint64(sb))
				if sa < 0 {
					hi -= uint64(sb)
				}
				if sb < 0 {
					hi -= uint64(sa)
				}
				m.CF = hi != uint64(int64(lo)>>63)
			} else {
				p := sa * sb
				lo, hi = uint64(p)&sizeMask(size), uint64(p>>(uint(size)*8))&sizeMask(size)
				m.CF = p != int64(signExtend(lo, size))
			}
		}
		m.OF = m.CF
		if size == 1 {
			m.setGPR(target.RAX, 2, hi<<8|lo&0xff)
			return nil
		}
		m.setGPR(target.RAX, size, lo)
		m.setGPR(target.RDX, size, hi)
		return nil
	}
	var a, b uint64
	switch in.Form {
	case asm.FormRR:
		a, b = m.getGPR(in.Regs[0], size), m.getGPR(in.Regs[1], size)
	case asm.FormRM:
		a = m.getGPR(in.Regs[0], size)
		var err error
		if b, err = m.loadMem(in.Mem, size); err != nil {
			return err
		}
	case asm.FormRRI:
		a, b = m.getGPR(in.Regs[1], size), uint64(in.Imm)
	case asm.FormRMI:
		var err error
		if a, err = m.loadMem(in.Mem, size); err != nil {
			return err
		}
		b = uint64(in.Imm)
	default:
		return fmt.Errorf("unsupported imul form")
	}
	sa, sb := int64(signExtend(a, size)), int64(signExtend(b&sizeMask(size), size))
	p := uint64(sa * sb)
	hi, _ := bits.Mul64(uint64(sa), uint64(sb))
	m.OF = signExtend(p&sizeMask(size), size) != p || (size == 8 && hi != uint64(int64(p)>>63))
	m.CF = m.OF
	m.setGPR(in.Regs[0], size, p)
	return nil
}

func (m *Machine) div(in asm.Instr) error {
	size := int(in.Size)
	var d uint64
	if in.Form == asm.FormR {
		d = m.getGPR(in.Regs[0], size)
	} else {
		var err error
		if d, err = m.loadMem(in.Mem, size); err != nil {
			return err
		}
	}
	if d == 0 {
		return fmt.Errorf("divide by zero")
	}
	lo, hi := m.getGPR(target.RAX, size), m.getGPR(target.RDX, size)
	if size < 8 {
		n := hi<<(uint(size)*8) | lo
		if in.Ins == DIV {
			if n/d > sizeMask(size) {
				return fmt.Errorf("divide overflow")
			}
			m.setGPR(target.RAX, size, n/d)
			m.setGPR(target.RDX, size, n%d)
			return nil
		}
		sn := int64(signExtend(n, size*2))
		sd := int64(signExtend(d, size))
		q := sn / sd
		if q != int64(signExtend(uint64(q)&sizeMask(size), size)) {
			return fmt.Errorf("divide overflow")
		}
		m.setGPR(target.RAX, size, uint64(q))
		m.setGPR(target.RDX, size, uint64(sn%sd))
		return nil
	}
	if in.Ins == DIV {
		if hi >= d {
			return fmt.Errorf("divide overflow")
		}
		q, r := bits.Div64(hi, lo, d)
		m.SetReg(target.RAX, q)
		m.SetReg(target.RDX, r)
		return nil
	}
	if hi != uint64(int64(lo)>>63) {
		return fmt.Errorf("128-bit signed dividend not supported")
	}
	if int64(lo) == math.MinInt64 && int64(d) == -1 {
		return fmt.Errorf("divide overflow")
	}
	m.SetReg(target.RAX, uint64(int64(lo)/int64(d)))
	m.SetReg(target.RDX, uint64(int64(lo)%int64(d)))
	return nil
}

func (m *Machine) shift(in asm.Instr) error {
	size := int(in.Size)
	var count uint64
	switch in.Form {
	case asm.FormRI, asm.FormMI:
		count = uint64(in.Imm)
	case asm.FormRR:
		count = m.Reg(in.Regs[1])
	default:
		count = m.Reg(target.RCX)
	}
	if size == 8 {
		count &= 63
	} else {
		count &= 31
	}
	var a uint64
	var store func(uint64) error
	if in.HasMem() {
		v, err := m.loadMem(in.Mem, size)
		if err != nil {
			return err
		}
		a = v
		store = func(v uint64) error { return m.storeMem(in.Mem, size, v) }
	} else {
		a = m.getGPR(in.Regs[0], size)
		r := in.Regs[0]
		store = func(v uint64) error { m.setGPR(r, size, v); return nil }
	}
	if count == 0 {
		return nil
	}
	width := uint64(size * 8)
	var res uint64
	switch in.Ins {
	case SHL:
		res = a << count
		m.setLogicFlags(res, size)
		m.CF = count <= width && a>>(width-count)&1 != 0
	case SHR:
		res = a >> count
		m.setLogicFlags(res, size)
		m.CF = a>>(count-1)&1 != 0
	case SAR:
		res = uint64(int64(signExtend(a, size)) >> count)
		m.setLogicFlags(res, size)
		m.CF = int64(signExtend(a, size))>>(count-1)&1 != 0
	case ROL:
		c := count % width
		res = (a<<c | a>>(width-c)) & sizeMask(size)
		m.CF = res&1 != 0
	case ROR:
		c := count % width
		res = (a>>c | a<<(width-c)) & sizeMask(size)
		m.CF = res>>(width-1)&1 != 0
	}
	return store(res)
}
