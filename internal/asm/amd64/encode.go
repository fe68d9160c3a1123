package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

// Reloc is a 32-bit PC-relative reference to an external symbol: the value
// stored at Offset is Sym - (Offset + 4) + Addend.
type Reloc struct {
	Offset int
	Sym    string
	Addend int32
}

// Object is an encoded listing. Data holds constants and jump tables and is
// placed directly after Text at DataOffset; references between the two are
// already resolved.
type Object struct {
	Text       []byte
	Data       []byte
	DataOffset int
	Relocs     []Reloc
	Labels     map[asm.Label]int
}

// Image returns Text and Data concatenated at their final offsets.
func (o *Object) Image() []byte {
	out := make([]byte, o.DataOffset+len(o.Data))
	copy(out, o.Text)
	for i := len(o.Text); i < o.DataOffset; i++ {
		out[i] = 0xCC
	}
	copy(out[o.DataOffset:], o.Data)
	return out
}

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

// needsByteREX reports registers whose low byte is only addressable with a
// REX prefix (spl, bpl, sil, dil).
func needsByteREX(r target.Reg) bool {
	code := r.Code(target.ArchAMD64)
	return code >= 4 && code <= 7
}

func regCode(r target.Reg) (code uint8, high bool) {
	c := r.Code(target.ArchAMD64)
	return c & 7, c >= 8
}

type fixupKind uint8

const (
	fixLabel fixupKind = iota
	fixData
	fixSym
)

// fixup patches a rel32 field once label and data offsets are known. The
// value is relative to end, the first byte after the instruction.
type fixup struct {
	kind  fixupKind
	at    int
	end   int
	label asm.Label
	data  int
	sym   string
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
	rip   *fixup
}

func (e *encoder) encodeMemoryOperand(m asm.Mem) (memEncoding, error) {
	switch m.Kind {
	case asm.MemStatic:
		return memEncoding{modrm: 0x05, disp: make([]byte, 4), rip: &fixup{kind: fixSym, sym: m.Sym, data: int(m.Disp)}}, nil
	case asm.MemConst:
		return memEncoding{modrm: 0x05, disp: make([]byte, 4), rip: &fixup{kind: fixData, data: e.constant(m.Const) + int(m.Disp)}}, nil
	case asm.MemLabel:
		if off, ok := e.tableOffsets[m.Label]; ok {
			return memEncoding{modrm: 0x05, disp: make([]byte, 4), rip: &fixup{kind: fixData, data: off + int(m.Disp)}}, nil
		}
		return memEncoding{modrm: 0x05, disp: make([]byte, 4), rip: &fixup{kind: fixLabel, label: m.Label, data: int(m.Disp)}}, nil
	}

	hasBase := m.Base != target.RegNone
	hasIndex := m.Index != target.RegNone
	if !hasBase && !hasIndex {
		return memEncoding{}, fmt.Errorf("memory operand requires a base or index register")
	}
	var enc memEncoding
	baseCode, baseHigh := uint8(5), false
	if hasBase {
		baseCode, baseHigh = regCode(m.Base)
	}
	indexCode, indexHigh := uint8(4), false
	if hasIndex {
		indexCode, indexHigh = regCode(m.Index)
		if indexCode == 4 && !indexHigh {
			return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
		}
	}
	enc.rex.b = baseHigh
	enc.rex.x = indexHigh

	disp := m.Disp
	switch {
	case !hasBase:
		// [index*scale + disp32] needs mod=00 with base=101.
		enc.modrm = 0x00
		enc.disp = le32(disp)
	case disp == 0 && baseCode != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		// [rbp] / [r13] with zero displacement must use an 8-bit displacement.
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		enc.disp = le32(disp)
	}

	if hasIndex || baseCode == 4 {
		var scaleBits byte
		switch m.Scale {
		case 0, 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("invalid scale %d", m.Scale)
		}
		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | baseCode}
		enc.modrm |= 4
	} else {
		enc.modrm |= baseCode
	}
	return enc, nil
}

func le32(v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func le16(v int16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(v))
	return buf[:]
}

// instr is one machine instruction before byte layout.
type instr struct {
	prefix []byte
	w      bool
	// byteRegs forces a REX prefix when an 8-bit operand names spl..dil.
	byteRegs bool
	opcode   []byte
	// reg is the ModRM.reg field: a register, or an opcode extension when
	// regIsExt is set.
	reg      target.Reg
	ext      uint8
	regIsExt bool
	rm       target.Reg
	mem      *asm.Mem
	imm      []byte
	// opReg is a register encoded in the low bits of the last opcode byte,
	// used when hasOpReg is set.
	opReg    target.Reg
	hasOpReg bool
}

type encoder struct {
	buf          []byte
	fixups       []fixup
	data         []byte
	consts       map[string]int
	tableOffsets map[asm.Label]int
	labels       map[asm.Label]int
}

func (e *encoder) constant(b []byte) int {
	if off, ok := e.consts[string(b)]; ok {
		return off
	}
	for len(e.data)%16 != 0 {
		e.data = append(e.data, 0)
	}
	off := len(e.data)
	e.data = append(e.data, b...)
	e.consts[string(b)] = off
	return off
}

func (e *encoder) emit(in instr) error {
	var rex rexState
	rex.w = in.w
	var modrm byte
	var tail []byte
	var rip *fixup
	ripAt := -1

	var regField uint8
	if in.regIsExt {
		regField = in.ext
	} else if in.reg != target.RegNone {
		code, high := regCode(in.reg)
		regField = code
		rex.r = high
		if in.byteRegs && needsByteREX(in.reg) && !in.reg.IsFloat(target.ArchAMD64) {
			rex.force = true
		}
	}

	if in.mem != nil {
		mem, err := e.encodeMemoryOperand(*in.mem)
		if err != nil {
			return err
		}
		rex.b = rex.b || mem.rex.b
		rex.x = mem.rex.x
		modrm = mem.modrm | regField<<3
		tail = append(tail, mem.sib...)
		rip = mem.rip
		ripAt = len(tail)
		tail = append(tail, mem.disp...)
	} else if in.rm != target.RegNone {
		code, high := regCode(in.rm)
		rex.b = high
		if in.byteRegs && needsByteREX(in.rm) && !in.rm.IsFloat(target.ArchAMD64) {
			rex.force = true
		}
		modrm = 0xC0 | regField<<3 | code
	}

	opcode := in.opcode
	if in.hasOpReg {
		code, high := regCode(in.opReg)
		rex.b = high
		if in.byteRegs && needsByteREX(in.opReg) {
			rex.force = true
		}
		opcode = append([]byte(nil), opcode...)
		opcode[len(opcode)-1] += code
	}

	e.buf = append(e.buf, in.prefix...)
	if p := rex.prefix(); p != 0 {
		e.buf = append(e.buf, p)
	}
	e.buf = append(e.buf, opcode...)
	if in.mem != nil || in.rm != target.RegNone {
		e.buf = append(e.buf, modrm)
	}
	tailAt := len(e.buf)
	e.buf = append(e.buf, tail...)
	e.buf = append(e.buf, in.imm...)
	if rip != nil {
		f := *rip
		f.at = tailAt + ripAt
		f.end = len(e.buf)
		e.fixups = append(e.fixups, f)
	}
	return nil
}

func immBytes(size asm.Size, v int64) []byte {
	switch size {
	case asm.S1:
		return []byte{byte(v)}
	case asm.S2:
		return le16(int16(v))
	}
	return le32(int32(v))
}

func sizePrefix(size asm.Size) []byte {
	if size == asm.S2 {
		return []byte{0x66}
	}
	return nil
}

var ccCode = map[asm.Ins]byte{
	JO: 0x0, JB: 0x2, JAE: 0x3, JE: 0x4, JNE: 0x5, JBE: 0x6, JA: 0x7,
	JP: 0xA, JNP: 0xB, JL: 0xC, JGE: 0xD, JLE: 0xE, JG: 0xF,
}

var aluDigit = map[asm.Ins]uint8{ADD: 0, OR: 1, ADC: 2, SBB: 3, AND: 4, SUB: 5, XOR: 6, CMP: 7}

var unaryDigit = map[asm.Ins]uint8{NOT: 2, NEG: 3, MUL: 4, IMUL: 5, DIV: 6, IDIV: 7}

var shiftDigit = map[asm.Ins]uint8{ROL: 0, ROR: 1, SHL: 4, SHR: 5, SAR: 7}

// sseOp lists legacy SSE encodings as mandatory prefix and opcode bytes
// following 0F. Loads use the opcode as is; stores use store when nonzero.
type sseOp struct {
	prefix byte
	op     []byte
	store  byte
	w      bool
}

var sseOps = map[asm.Ins]sseOp{
	MOVSS:     {0xF3, []byte{0x10}, 0x11, false},
	MOVSD:     {0xF2, []byte{0x10}, 0x11, false},
	MOVAPS:    {0, []byte{0x28}, 0x29, false},
	MOVUPS:    {0, []byte{0x10}, 0x11, false},
	MOVAPD:    {0x66, []byte{0x28}, 0x29, false},
	MOVUPD:    {0x66, []byte{0x10}, 0x11, false},
	MOVDQA:    {0x66, []byte{0x6F}, 0x7F, false},
	MOVDQU:    {0xF3, []byte{0x6F}, 0x7F, false},
	ADDSS:     {0xF3, []byte{0x58}, 0, false},
	ADDSD:     {0xF2, []byte{0x58}, 0, false},
	MULSS:     {0xF3, []byte{0x59}, 0, false},
	MULSD:     {0xF2, []byte{0x59}, 0, false},
	SUBSS:     {0xF3, []byte{0x5C}, 0, false},
	SUBSD:     {0xF2, []byte{0x5C}, 0, false},
	MINSS:     {0xF3, []byte{0x5D}, 0, false},
	MINSD:     {0xF2, []byte{0x5D}, 0, false},
	DIVSS:     {0xF3, []byte{0x5E}, 0, false},
	DIVSD:     {0xF2, []byte{0x5E}, 0, false},
	MAXSS:     {0xF3, []byte{0x5F}, 0, false},
	MAXSD:     {0xF2, []byte{0x5F}, 0, false},
	SQRTSS:    {0xF3, []byte{0x51}, 0, false},
	SQRTSD:    {0xF2, []byte{0x51}, 0, false},
	UCOMISS:   {0, []byte{0x2E}, 0, false},
	UCOMISD:   {0x66, []byte{0x2E}, 0, false},
	COMISS:    {0, []byte{0x2F}, 0, false},
	COMISD:    {0x66, []byte{0x2F}, 0, false},
	CVTSS2SD:  {0xF3, []byte{0x5A}, 0, false},
	CVTSD2SS:  {0xF2, []byte{0x5A}, 0, false},
	ANDPS:     {0, []byte{0x54}, 0, false},
	ANDPD:     {0x66, []byte{0x54}, 0, false},
	ANDNPS:    {0, []byte{0x55}, 0, false},
	ORPS:      {0, []byte{0x56}, 0, false},
	XORPS:     {0, []byte{0x57}, 0, false},
	XORPD:     {0x66, []byte{0x57}, 0, false},
	ADDPS:     {0, []byte{0x58}, 0, false},
	MULPS:     {0, []byte{0x59}, 0, false},
	PADDD:     {0x66, []byte{0xFE}, 0, false},
	PSUBD:     {0x66, []byte{0xFA}, 0, false},
	PAND:      {0x66, []byte{0xDB}, 0, false},
	POR:       {0x66, []byte{0xEB}, 0, false},
	PXOR:      {0x66, []byte{0xEF}, 0, false},
	PMULUDQ:   {0x66, []byte{0xF4}, 0, false},
	PUNPCKLDQ: {0x66, []byte{0x62}, 0, false},
	PCMPEQD:   {0x66, []byte{0x76}, 0, false},
	PTEST:     {0x66, []byte{0x38, 0x17}, 0, false},
}

// Encode lays out the scalar and legacy-SSE subset of a listing as machine
// code. Instructions outside that subset, and VEX forms, are reported as
// not yet implemented.
func Encode(l *asm.Listing) (*Object, error) {
	if l.Set().Arch() != target.ArchAMD64 {
		return nil, fmt.Errorf("amd64: cannot encode a %s listing", l.Set().Arch())
	}
	e := &encoder{
		consts:       make(map[string]int),
		tableOffsets: make(map[asm.Label]int),
		labels:       make(map[asm.Label]int),
	}
	// Jump tables are reserved first so lea can address them.
	for _, tbl := range l.Tables() {
		for len(e.data)%4 != 0 {
			e.data = append(e.data, 0)
		}
		e.tableOffsets[tbl.Label] = len(e.data)
		e.data = append(e.data, make([]byte, 4*len(tbl.Cases))...)
	}
	for i, in := range l.Instrs() {
		if in.Form == asm.FormLabel {
			e.labels[in.Label] = len(e.buf)
			continue
		}
		if l.UseVEX() && Set.VEXEncodable(in.Ins) {
			return nil, jiterr.NYI("encode.vex", "amd64: VEX encoding of %s", l.Mnemonic(in))
		}
		if err := e.encode(in); err != nil {
			return nil, fmt.Errorf("amd64: instruction %d (%s): %w", i, l.Format(in), err)
		}
	}

	obj := &Object{Text: e.buf, Labels: e.labels}
	obj.DataOffset = (len(e.buf) + 15) &^ 15
	for _, tbl := range l.Tables() {
		base, ok := e.labels[tbl.Base]
		if !ok {
			return nil, fmt.Errorf("amd64: jump table %s: undefined base %s", tbl.Label, tbl.Base)
		}
		off := e.tableOffsets[tbl.Label]
		for i, c := range tbl.Cases {
			pos, ok := e.labels[c]
			if !ok {
				return nil, fmt.Errorf("amd64: jump table %s: undefined case %s", tbl.Label, c)
			}
			binary.LittleEndian.PutUint32(e.data[off+4*i:], uint32(int32(pos-base)))
		}
	}
	for _, f := range e.fixups {
		var dest int
		switch f.kind {
		case fixLabel:
			pos, ok := e.labels[f.label]
			if !ok {
				return nil, fmt.Errorf("amd64: undefined label %s", f.label)
			}
			dest = pos + f.data
		case fixData:
			dest = obj.DataOffset + f.data
		case fixSym:
			obj.Relocs = append(obj.Relocs, Reloc{Offset: f.at, Sym: f.sym, Addend: int32(f.data - (f.end - (f.at + 4)))})
			continue
		}
		binary.LittleEndian.PutUint32(e.buf[f.at:], uint32(int32(dest-f.end)))
	}
	obj.Text = e.buf
	obj.Data = e.data
	return obj, nil
}

func (e *encoder) encode(in asm.Instr) error {
	none := target.RegNone
	size := in.Size
	w := size == asm.S8
	byteOp := size == asm.S1
	wide := func(opc byte) []byte {
		if byteOp {
			return []byte{opc - 1}
		}
		return []byte{opc}
	}
	memPtr := func() *asm.Mem {
		m := in.Mem
		return &m
	}
	nyi := func() error {
		return jiterr.NYI("encode."+Set.Name(in.Ins), "amd64: no encoding for %s in form %d", Set.Name(in.Ins), in.Form)
	}

	switch in.Ins {
	case MOV:
		switch in.Form {
		case asm.FormRR:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0x89), reg: in.Regs[1], rm: in.Regs[0]})
		case asm.FormRM:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0x8B), reg: in.Regs[0], rm: none, mem: memPtr()})
		case asm.FormMR:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0x89), reg: in.Regs[0], rm: none, mem: memPtr()})
		case asm.FormMI:
			return e.emit(instr{prefix: sizePrefix(size), w: w, opcode: wide(0xC7), regIsExt: true, rm: none, mem: memPtr(), imm: immBytes(size, in.Imm)})
		case asm.FormRI:
			if size == asm.S8 && !target.FitsInt32(in.Imm) {
				imm := make([]byte, 8)
				binary.LittleEndian.PutUint64(imm, uint64(in.Imm))
				return e.emit(instr{w: true, opcode: []byte{0xB8}, opReg: in.Regs[0], hasOpReg: true, reg: none, rm: none, imm: imm})
			}
			if size == asm.S8 {
				return e.emit(instr{w: true, opcode: []byte{0xC7}, regIsExt: true, rm: in.Regs[0], imm: le32(int32(in.Imm))})
			}
			op := byte(0xB8)
			if byteOp {
				op = 0xB0
			}
			return e.emit(instr{prefix: sizePrefix(size), byteRegs: byteOp, opcode: []byte{op}, opReg: in.Regs[0], hasOpReg: true, reg: none, rm: none, imm: immBytes(size, in.Imm)})
		}
	case MOVZX, MOVSX, MOVSXQ:
		op := byte(0xB6)
		if in.Ins != MOVZX {
			op = 0xBE
		}
		if size == asm.S2 {
			op++
		}
		return e.regRM(in, instr{w: in.Ins == MOVSXQ, byteRegs: size == asm.S1, opcode: []byte{0x0F, op}})
	case MOVSXD:
		return e.regRM(in, instr{w: true, opcode: []byte{0x63}})
	case LEA:
		if in.Form != asm.FormRM {
			return nyi()
		}
		return e.emit(instr{w: w, opcode: []byte{0x8D}, reg: in.Regs[0], rm: none, mem: memPtr()})
	case PUSH, POP:
		if in.Form != asm.FormR {
			return nyi()
		}
		base := byte(0x50)
		if in.Ins == POP {
			base = 0x58
		}
		return e.emit(instr{opcode: []byte{base}, opReg: in.Regs[0], hasOpReg: true, reg: none, rm: none})
	case ADD, OR, ADC, SBB, AND, SUB, XOR, CMP:
		d := aluDigit[in.Ins]
		switch in.Form {
		case asm.FormRR:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(d<<3 | 1), reg: in.Regs[1], rm: in.Regs[0]})
		case asm.FormRM:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(d<<3 | 3), reg: in.Regs[0], rm: none, mem: memPtr()})
		case asm.FormMR:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(d<<3 | 1), reg: in.Regs[0], rm: none, mem: memPtr()})
		case asm.FormRI, asm.FormMI:
			in2 := instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, regIsExt: true, ext: d, rm: none}
			if in.Form == asm.FormRI {
				in2.rm = in.Regs[0]
			} else {
				in2.mem = memPtr()
			}
			switch {
			case byteOp:
				in2.opcode, in2.imm = []byte{0x80}, []byte{byte(in.Imm)}
			case in.Imm >= math.MinInt8 && in.Imm <= math.MaxInt8:
				in2.opcode, in2.imm = []byte{0x83}, []byte{byte(in.Imm)}
			default:
				in2.opcode, in2.imm = []byte{0x81}, immBytes(size, in.Imm)
			}
			return e.emit(in2)
		}
	case TEST:
		switch in.Form {
		case asm.FormRR:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0x85), reg: in.Regs[1], rm: in.Regs[0]})
		case asm.FormRM, asm.FormMR:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0x85), reg: in.Regs[0], rm: none, mem: memPtr()})
		case asm.FormRI:
			return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0xF7), regIsExt: true, rm: in.Regs[0], imm: immBytes(size, in.Imm)})
		case asm.FormMI:
			return e.emit(instr{prefix: sizePrefix(size), w: w, opcode: wide(0xF7), regIsExt: true, rm: none, mem: memPtr(), imm: immBytes(size, in.Imm)})
		}
	case NOT, NEG, MUL, DIV, IDIV, IMUL:
		if in.Ins == IMUL && in.Form != asm.FormR && in.Form != asm.FormM {
			return e.encodeIMUL(in)
		}
		x := instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0xF7), regIsExt: true, ext: unaryDigit[in.Ins], rm: none}
		switch in.Form {
		case asm.FormR:
			x.rm = in.Regs[0]
		case asm.FormM:
			x.mem = memPtr()
		default:
			return nyi()
		}
		return e.emit(x)
	case CDQ:
		return e.emit(instr{opcode: []byte{0x99}, reg: none, rm: none})
	case CQO:
		return e.emit(instr{w: true, opcode: []byte{0x99}, reg: none, rm: none})
	case SHL, SHR, SAR, ROL, ROR:
		x := instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, regIsExt: true, ext: shiftDigit[in.Ins], rm: none}
		switch in.Form {
		case asm.FormRI, asm.FormMI:
			x.opcode = wide(0xC1)
			x.imm = []byte{byte(in.Imm)}
		case asm.FormR, asm.FormM:
			x.opcode = wide(0xD3)
		case asm.FormRR:
			// Count in cl.
			if in.Regs[1] != target.RCX {
				return fmt.Errorf("shift count must be in cl")
			}
			x.opcode = wide(0xD3)
		default:
			return nyi()
		}
		if in.HasMem() {
			x.mem = memPtr()
		} else {
			x.rm = in.Regs[0]
		}
		return e.emit(x)
	case SETE, SETNE, SETL, SETLE, SETG, SETGE, SETB, SETBE, SETA, SETAE, SETP, SETNP:
		if in.Form != asm.FormR {
			return nyi()
		}
		return e.emit(instr{byteRegs: true, opcode: []byte{0x0F, 0x90 + ccCode[JumpCC(in.Ins)]}, regIsExt: true, rm: in.Regs[0]})
	case JE, JNE, JL, JLE, JG, JGE, JB, JBE, JA, JAE, JP, JNP, JO:
		e.buf = append(e.buf, 0x0F, 0x80+ccCode[in.Ins], 0, 0, 0, 0)
		e.fixups = append(e.fixups, fixup{kind: fixLabel, at: len(e.buf) - 4, end: len(e.buf), label: in.Label})
		return nil
	case JMP:
		switch in.Form {
		case asm.FormJ:
			e.buf = append(e.buf, 0xE9, 0, 0, 0, 0)
			e.fixups = append(e.fixups, fixup{kind: fixLabel, at: len(e.buf) - 4, end: len(e.buf), label: in.Label})
			return nil
		case asm.FormR:
			return e.emit(instr{opcode: []byte{0xFF}, regIsExt: true, ext: 4, rm: in.Regs[0]})
		case asm.FormM:
			return e.emit(instr{opcode: []byte{0xFF}, regIsExt: true, ext: 4, rm: none, mem: memPtr()})
		}
	case CALL:
		if in.Sym != "" {
			e.buf = append(e.buf, 0xE8, 0, 0, 0, 0)
			e.fixups = append(e.fixups, fixup{kind: fixSym, at: len(e.buf) - 4, end: len(e.buf), sym: in.Sym})
			return nil
		}
		return e.emit(instr{opcode: []byte{0xFF}, regIsExt: true, ext: 2, rm: in.Regs[0]})
	case RET:
		e.buf = append(e.buf, 0xC3)
		return nil
	case NOP:
		e.buf = append(e.buf, 0x90)
		return nil
	case INT3:
		e.buf = append(e.buf, 0xCC)
		return nil
	case XCHG:
		if in.Form != asm.FormMR {
			return nyi()
		}
		return e.emit(instr{prefix: sizePrefix(size), w: w, byteRegs: byteOp, opcode: wide(0x87), reg: in.Regs[0], rm: none, mem: memPtr()})
	case XADD, CMPXCHG:
		if in.Form != asm.FormMR {
			return nyi()
		}
		op := byte(0xC1)
		if in.Ins == CMPXCHG {
			op = 0xB1
		}
		if byteOp {
			op--
		}
		return e.emit(instr{prefix: append([]byte{0xF0}, sizePrefix(size)...), w: w, byteRegs: byteOp, opcode: []byte{0x0F, op}, reg: in.Regs[0], rm: none, mem: memPtr()})
	case REP_STOSB:
		e.buf = append(e.buf, 0xF3, 0xAA)
		return nil
	case REP_MOVSB:
		e.buf = append(e.buf, 0xF3, 0xA4)
		return nil
	case MOVSQ:
		e.buf = append(e.buf, 0x48, 0xA5)
		return nil
	case REP_MOVSQ:
		e.buf = append(e.buf, 0xF3, 0x48, 0xA5)
		return nil
	case POPCNT, LZCNT, TZCNT:
		op := map[asm.Ins]byte{POPCNT: 0xB8, LZCNT: 0xBD, TZCNT: 0xBC}[in.Ins]
		return e.regRM(in, instr{prefix: append(sizePrefix(size), 0xF3), w: w, opcode: []byte{0x0F, op}})
	case CRC32:
		// The operand size is the source's; the destination is 32 bits
		// unless the source is 64.
		op := byte(0xF1)
		if byteOp {
			op = 0xF0
		}
		return e.regRM(in, instr{prefix: append(sizePrefix(size), 0xF2), w: w, byteRegs: byteOp, opcode: []byte{0x0F, 0x38, op}})
	case MOVD, MOVQ:
		return e.encodeMovDQ(in)
	case CVTSI2SS, CVTSI2SD, CVTTSS2SI, CVTTSD2SI:
		p := map[asm.Ins]byte{CVTSI2SS: 0xF3, CVTSI2SD: 0xF2, CVTTSS2SI: 0xF3, CVTTSD2SI: 0xF2}[in.Ins]
		op := byte(0x2A)
		if in.Ins == CVTTSS2SI || in.Ins == CVTTSD2SI {
			op = 0x2C
		}
		return e.regRM(in, instr{prefix: []byte{p}, w: w, opcode: []byte{0x0F, op}})
	case PSHUFD:
		return e.regRMImm(in, instr{prefix: []byte{0x66}, opcode: []byte{0x0F, 0x70}})
	case PSRLDQ, PSLLDQ:
		if in.Form != asm.FormRI {
			return nyi()
		}
		ext := uint8(3)
		if in.Ins == PSLLDQ {
			ext = 7
		}
		return e.emit(instr{prefix: []byte{0x66}, opcode: []byte{0x0F, 0x73}, regIsExt: true, ext: ext, rm: in.Regs[0], imm: []byte{byte(in.Imm)}})
	}

	if op, ok := sseOps[in.Ins]; ok {
		var prefix []byte
		if op.prefix != 0 {
			prefix = []byte{op.prefix}
		}
		opcode := append([]byte{0x0F}, op.op...)
		switch in.Form {
		case asm.FormRR:
			return e.emit(instr{prefix: prefix, w: op.w, opcode: opcode, reg: in.Regs[0], rm: in.Regs[1]})
		case asm.FormRM:
			return e.emit(instr{prefix: prefix, w: op.w, opcode: opcode, reg: in.Regs[0], rm: none, mem: memPtr()})
		case asm.FormMR:
			if op.store == 0 {
				return nyi()
			}
			return e.emit(instr{prefix: prefix, w: op.w, opcode: []byte{0x0F, op.store}, reg: in.Regs[0], rm: none, mem: memPtr()})
		}
	}
	return nyi()
}

// regRM encodes "op reg, r/m" with reg the destination.
func (e *encoder) regRM(in asm.Instr, x instr) error {
	x.reg = in.Regs[0]
	x.rm = target.RegNone
	switch in.Form {
	case asm.FormRR:
		x.rm = in.Regs[1]
	case asm.FormRM:
		m := in.Mem
		x.mem = &m
	default:
		return jiterr.NYI("encode."+Set.Name(in.Ins), "amd64: no encoding for %s in form %d", Set.Name(in.Ins), in.Form)
	}
	return e.emit(x)
}

func (e *encoder) regRMImm(in asm.Instr, x instr) error {
	x.reg = in.Regs[0]
	x.rm = target.RegNone
	switch in.Form {
	case asm.FormRRI:
		x.rm = in.Regs[1]
	case asm.FormRMI:
		m := in.Mem
		x.mem = &m
	default:
		return jiterr.NYI("encode."+Set.Name(in.Ins), "amd64: no encoding for %s in form %d", Set.Name(in.Ins), in.Form)
	}
	x.imm = []byte{byte(in.Imm)}
	return e.emit(x)
}

func (e *encoder) encodeIMUL(in asm.Instr) error {
	size := in.Size
	w := size == asm.S8
	switch in.Form {
	case asm.FormRR, asm.FormRM:
		return e.regRM(in, instr{prefix: sizePrefix(size), w: w, opcode: []byte{0x0F, 0xAF}})
	case asm.FormRRI, asm.FormRMI:
		x := instr{prefix: sizePrefix(size), w: w, reg: in.Regs[0], rm: target.RegNone}
		if in.Form == asm.FormRRI {
			x.rm = in.Regs[1]
		} else {
			m := in.Mem
			x.mem = &m
		}
		if in.Imm >= math.MinInt8 && in.Imm <= math.MaxInt8 {
			x.opcode, x.imm = []byte{0x6B}, []byte{byte(in.Imm)}
		} else {
			x.opcode, x.imm = []byte{0x69}, immBytes(size, in.Imm)
		}
		return e.emit(x)
	}
	return jiterr.NYI("encode.imul", "amd64: no encoding for imul in form %d", in.Form)
}

// encodeMovDQ handles movd/movq in both directions between general and
// vector registers, and their memory forms.
func (e *encoder) encodeMovDQ(in asm.Instr) error {
	w := in.Ins == MOVQ
	switch in.Form {
	case asm.FormRR:
		dst, src := in.Regs[0], in.Regs[1]
		switch {
		case dst.IsFloat(target.ArchAMD64) && !src.IsFloat(target.ArchAMD64):
			return e.emit(instr{prefix: []byte{0x66}, w: w, opcode: []byte{0x0F, 0x6E}, reg: dst, rm: src})
		case !dst.IsFloat(target.ArchAMD64) && src.IsFloat(target.ArchAMD64):
			return e.emit(instr{prefix: []byte{0x66}, w: w, opcode: []byte{0x0F, 0x7E}, reg: src, rm: dst})
		case w:
			return e.emit(instr{prefix: []byte{0xF3}, opcode: []byte{0x0F, 0x7E}, reg: dst, rm: src})
		}
	case asm.FormRM:
		m := in.Mem
		if w {
			return e.emit(instr{prefix: []byte{0xF3}, opcode: []byte{0x0F, 0x7E}, reg: in.Regs[0], rm: target.RegNone, mem: &m})
		}
		return e.emit(instr{prefix: []byte{0x66}, opcode: []byte{0x0F, 0x6E}, reg: in.Regs[0], rm: target.RegNone, mem: &m})
	case asm.FormMR:
		m := in.Mem
		if w {
			return e.emit(instr{prefix: []byte{0x66}, opcode: []byte{0x0F, 0xD6}, reg: in.Regs[0], rm: target.RegNone, mem: &m})
		}
		return e.emit(instr{prefix: []byte{0x66}, opcode: []byte{0x0F, 0x7E}, reg: in.Regs[0], rm: target.RegNone, mem: &m})
	}
	return jiterr.NYI("encode.movd", "amd64: no encoding for %s in form %d", Set.Name(in.Ins), in.Form)
}
