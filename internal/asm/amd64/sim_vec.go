package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/target"
)

type vec = [32]byte

func lane(v vec, size, i int) uint64 {
	var buf [8]byte
	copy(buf[:], v[i*size:i*size+size])
	return binary.LittleEndian.Uint64(buf[:])
}

func setLane(v *vec, size, i int, x uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], x)
	copy(v[i*size:i*size+size], buf[:size])
}

func f32(v vec, i int) float32       { return math.Float32frombits(uint32(lane(v, 4, i))) }
func f64(v vec, i int) float64       { return math.Float64frombits(lane(v, 8, i)) }
func setF32(v *vec, i int, x float32) { setLane(v, 4, i, uint64(math.Float32bits(x))) }
func setF64(v *vec, i int, x float64) { setLane(v, 8, i, math.Float64bits(x)) }

// vecOperands resolves the sources of a vector instruction. a is the first
// source (the destination itself in destructive two-operand forms), b the
// last register or memory source and c the third source of four-register
// forms.
type vecOperands struct {
	dst     target.Reg
	a, b, c vec
	imm     int64
	vex3    bool
}

func (m *Machine) regVec(r target.Reg) vec {
	if r.IsFloat(target.ArchAMD64) {
		return m.Vec(r)
	}
	var v vec
	binary.LittleEndian.PutUint64(v[:], m.Reg(r))
	return v
}

func (m *Machine) vecOps(in asm.Instr, memSize int) (vecOperands, error) {
	ops := vecOperands{imm: in.Imm}
	var err error
	if len(in.Regs) > 0 {
		ops.dst = in.Regs[0]
	}
	switch in.Form {
	case asm.FormRR, asm.FormRRI:
		ops.a, ops.b = m.regVec(in.Regs[0]), m.regVec(in.Regs[1])
	case asm.FormRM, asm.FormRMI:
		ops.a = m.regVec(in.Regs[0])
		ops.b, err = m.loadVec(in.Mem, memSize)
	case asm.FormRRR, asm.FormRRRI:
		ops.a, ops.b = m.regVec(in.Regs[1]), m.regVec(in.Regs[2])
		ops.vex3 = true
	case asm.FormRRM, asm.FormRRMI:
		ops.a = m.regVec(in.Regs[1])
		ops.b, err = m.loadVec(in.Mem, memSize)
		ops.vex3 = true
	case asm.FormRRRR:
		ops.a, ops.b, ops.c = m.regVec(in.Regs[1]), m.regVec(in.Regs[2]), m.regVec(in.Regs[3])
		ops.vex3 = true
	case asm.FormRI:
		ops.a = m.regVec(in.Regs[0])
		ops.b = ops.a
	default:
		err = fmt.Errorf("unsupported vector form %d", in.Form)
	}
	return ops, err
}

// writeVec stores the low width bytes of v into r. Legacy 128-bit forms keep
// the upper half of the register, VEX forms clear it.
func (m *Machine) writeVec(r target.Reg, v vec, width int, vex bool) {
	old := m.Vec(r)
	copy(old[:width], v[:width])
	if vex && width <= 16 {
		for i := 16; i < 32; i++ {
			old[i] = 0
		}
	}
	m.SetVec(r, old)
}

type laneOp struct {
	size int
	fn   func(a, b uint64) uint64
}

func cmpMask(ok bool) uint64 {
	if ok {
		return math.MaxUint64
	}
	return 0
}

func sx(v uint64, size int) int64 { return int64(signExtend(v, size)) }

var intLaneOps = map[asm.Ins]laneOp{
	PADDB:   {1, func(a, b uint64) uint64 { return a + b }},
	PADDW:   {2, func(a, b uint64) uint64 { return a + b }},
	PADDD:   {4, func(a, b uint64) uint64 { return a + b }},
	PADDQ:   {8, func(a, b uint64) uint64 { return a + b }},
	PSUBB:   {1, func(a, b uint64) uint64 { return a - b }},
	PSUBW:   {2, func(a, b uint64) uint64 { return a - b }},
	PSUBD:   {4, func(a, b uint64) uint64 { return a - b }},
	PSUBQ:   {8, func(a, b uint64) uint64 { return a - b }},
	PMULLW:  {2, func(a, b uint64) uint64 { return a * b }},
	PMULLD:  {4, func(a, b uint64) uint64 { return a * b }},
	PMULUDQ: {8, func(a, b uint64) uint64 { return uint64(uint32(a)) * uint64(uint32(b)) }},
	PAND:    {8, func(a, b uint64) uint64 { return a & b }},
	PANDN:   {8, func(a, b uint64) uint64 { return ^a & b }},
	POR:     {8, func(a, b uint64) uint64 { return a | b }},
	PXOR:    {8, func(a, b uint64) uint64 { return a ^ b }},
	ANDPS:   {8, func(a, b uint64) uint64 { return a & b }},
	ANDPD:   {8, func(a, b uint64) uint64 { return a & b }},
	ANDNPS:  {8, func(a, b uint64) uint64 { return ^a & b }},
	ANDNPD:  {8, func(a, b uint64) uint64 { return ^a & b }},
	ORPS:    {8, func(a, b uint64) uint64 { return a | b }},
	ORPD:    {8, func(a, b uint64) uint64 { return a | b }},
	XORPS:   {8, func(a, b uint64) uint64 { return a ^ b }},
	XORPD:   {8, func(a, b uint64) uint64 { return a ^ b }},
	PCMPEQB: {1, func(a, b uint64) uint64 { return cmpMask(uint8(a) == uint8(b)) }},
	PCMPEQW: {2, func(a, b uint64) uint64 { return cmpMask(uint16(a) == uint16(b)) }},
	PCMPEQD: {4, func(a, b uint64) uint64 { return cmpMask(uint32(a) == uint32(b)) }},
	PCMPEQQ: {8, func(a, b uint64) uint64 { return cmpMask(a == b) }},
	PCMPGTB: {1, func(a, b uint64) uint64 { return cmpMask(sx(a, 1) > sx(b, 1)) }},
	PCMPGTW: {2, func(a, b uint64) uint64 { return cmpMask(sx(a, 2) > sx(b, 2)) }},
	PCMPGTD: {4, func(a, b uint64) uint64 { return cmpMask(sx(a, 4) > sx(b, 4)) }},
	PCMPGTQ: {8, func(a, b uint64) uint64 { return cmpMask(int64(a) > int64(b)) }},
	PMINUB:  {1, func(a, b uint64) uint64 { return uint64(min(uint8(a), uint8(b))) }},
	PMAXUB:  {1, func(a, b uint64) uint64 { return uint64(max(uint8(a), uint8(b))) }},
	PMINSW:  {2, func(a, b uint64) uint64 { return uint64(min(sx(a, 2), sx(b, 2))) }},
	PMAXSW:  {2, func(a, b uint64) uint64 { return uint64(max(sx(a, 2), sx(b, 2))) }},
	PMINSD:  {4, func(a, b uint64) uint64 { return uint64(min(sx(a, 4), sx(b, 4))) }},
	PMAXSD:  {4, func(a, b uint64) uint64 { return uint64(max(sx(a, 4), sx(b, 4))) }},
}

type floatOp struct {
	double bool
	scalar bool
	fn     func(a, b float64) float64
}

func fadd(a, b float64) float64 { return a + b }
func fsub(a, b float64) float64 { return a - b }
func fmul(a, b float64) float64 { return a * b }
func fdiv(a, b float64) float64 { return a / b }

// fmin and fmax return the second operand when either is NaN, like minps.
func fmin(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func fmax(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

var floatOps = map[asm.Ins]floatOp{
	ADDPS: {false, false, fadd}, ADDPD: {true, false, fadd}, ADDSS: {false, true, fadd}, ADDSD: {true, true, fadd},
	SUBPS: {false, false, fsub}, SUBPD: {true, false, fsub}, SUBSS: {false, true, fsub}, SUBSD: {true, true, fsub},
	MULPS: {false, false, fmul}, MULPD: {true, false, fmul}, MULSS: {false, true, fmul}, MULSD: {true, true, fmul},
	DIVPS: {false, false, fdiv}, DIVPD: {true, false, fdiv}, DIVSS: {false, true, fdiv}, DIVSD: {true, true, fdiv},
	MINPS: {false, false, fmin}, MINPD: {true, false, fmin}, MINSS: {false, true, fmin}, MINSD: {true, true, fmin},
	MAXPS: {false, false, fmax}, MAXPD: {true, false, fmax}, MAXSS: {false, true, fmax}, MAXSD: {true, true, fmax},
	SQRTPS: {false, false, func(_, b float64) float64 { return math.Sqrt(b) }},
	SQRTPD: {true, false, func(_, b float64) float64 { return math.Sqrt(b) }},
	SQRTSS: {false, true, func(_, b float64) float64 { return math.Sqrt(b) }},
	SQRTSD: {true, true, func(_, b float64) float64 { return math.Sqrt(b) }},
}

func roundMode(x float64, mode int64) float64 {
	switch mode & 3 {
	case 0:
		return math.RoundToEven(x)
	case 1:
		return math.Floor(x)
	case 2:
		return math.Ceil(x)
	}
	return math.Trunc(x)
}

func (m *Machine) vector(l *asm.Listing, in asm.Instr) error {
	size := int(in.Size)
	vex := l.UseVEX()
	width := size
	if width < 16 {
		width = 16
	}

	if op, ok := intLaneOps[in.Ins]; ok {
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var res vec
		for i := 0; i < size/op.size; i++ {
			setLane(&res, op.size, i, op.fn(lane(ops.a, op.size, i), lane(ops.b, op.size, i)))
		}
		m.writeVec(ops.dst, res, size, vex)
		return nil
	}
	if op, ok := floatOps[in.Ins]; ok {
		memSize := size
		ops, err := m.vecOps(in, memSize)
		if err != nil {
			return err
		}
		res := ops.a
		n := size / 4
		if op.double {
			n = size / 8
		}
		if op.scalar {
			n = 1
		}
		for i := 0; i < n; i++ {
			if op.double {
				setF64(&res, i, op.fn(f64(ops.a, i), f64(ops.b, i)))
			} else {
				setF32(&res, i, float32(op.fn(float64(f32(ops.a, i)), float64(f32(ops.b, i)))))
			}
		}
		if op.scalar {
			m.writeVec(ops.dst, res, 16, vex)
		} else {
			m.writeVec(ops.dst, res, size, vex)
		}
		return nil
	}

	switch in.Ins {
	case MOVAPS, MOVUPS, MOVAPD, MOVUPD, MOVDQA, MOVDQU:
		switch in.Form {
		case asm.FormRR:
			m.writeVec(in.Regs[0], m.Vec(in.Regs[1]), size, vex)
		case asm.FormRM:
			v, err := m.loadVec(in.Mem, size)
			if err != nil {
				return err
			}
			m.writeVec(in.Regs[0], v, size, vex)
		case asm.FormMR:
			return m.storeVec(in.Mem, size, m.Vec(in.Regs[0]))
		default:
			return fmt.Errorf("unsupported move form")
		}
	case MOVSS, MOVSD:
		switch in.Form {
		case asm.FormRR, asm.FormRRR:
			ops, err := m.vecOps(in, size)
			if err != nil {
				return err
			}
			res := ops.a
			copy(res[:size], ops.b[:size])
			m.writeVec(ops.dst, res, 16, vex)
		case asm.FormRM:
			v, err := m.loadVec(in.Mem, size)
			if err != nil {
				return err
			}
			m.writeVec(in.Regs[0], v, 16, true)
		case asm.FormMR:
			return m.storeVec(in.Mem, size, m.Vec(in.Regs[0]))
		}
	case MOVD, MOVQ:
		switch in.Form {
		case asm.FormRR:
			dst, src := in.Regs[0], in.Regs[1]
			if dst.IsFloat(target.ArchAMD64) {
				var v vec
				s := m.regVec(src)
				copy(v[:size], s[:size])
				m.writeVec(dst, v, 16, true)
			} else {
				m.setGPR(dst, size, lane(m.Vec(src), size, 0))
			}
		case asm.FormRM:
			v, err := m.loadVec(in.Mem, size)
			if err != nil {
				return err
			}
			if in.Regs[0].IsFloat(target.ArchAMD64) {
				m.writeVec(in.Regs[0], v, 16, true)
			} else {
				m.setGPR(in.Regs[0], size, lane(v, size, 0))
			}
		case asm.FormMR:
			return m.storeVec(in.Mem, size, m.regVec(in.Regs[0]))
		}
	case UCOMISS, UCOMISD, COMISS, COMISD:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var a, b float64
		if in.Ins == UCOMISS || in.Ins == COMISS {
			a, b = float64(f32(ops.a, 0)), float64(f32(ops.b, 0))
		} else {
			a, b = f64(ops.a, 0), f64(ops.b, 0)
		}
		m.OF, m.SF = false, false
		switch {
		case math.IsNaN(a) || math.IsNaN(b):
			m.ZF, m.PF, m.CF = true, true, true
		case a > b:
			m.ZF, m.PF, m.CF = false, false, false
		case a < b:
			m.ZF, m.PF, m.CF = false, false, true
		default:
			m.ZF, m.PF, m.CF = true, false, false
		}
	case CVTSI2SS, CVTSI2SD:
		var v int64
		switch in.Form {
		case asm.FormRR, asm.FormRRR:
			src := in.Regs[len(in.Regs)-1]
			v = sx(m.getGPR(src, size), size)
		case asm.FormRM, asm.FormRRM:
			x, err := m.loadMem(in.Mem, size)
			if err != nil {
				return err
			}
			v = sx(x, size)
		}
		res := m.Vec(in.Regs[0])
		if len(in.Regs) > 1 && in.Regs[1].IsFloat(target.ArchAMD64) {
			res = m.Vec(in.Regs[1])
		}
		if in.Ins == CVTSI2SS {
			setF32(&res, 0, float32(v))
		} else {
			setF64(&res, 0, float64(v))
		}
		m.writeVec(in.Regs[0], res, 16, vex)
	case CVTTSS2SI, CVTTSD2SI:
		var x float64
		var src vec
		if in.Form == asm.FormRM {
			memSize := 4
			if in.Ins == CVTTSD2SI {
				memSize = 8
			}
			v, err := m.loadVec(in.Mem, memSize)
			if err != nil {
				return err
			}
			src = v
		} else {
			src = m.Vec(in.Regs[1])
		}
		if in.Ins == CVTTSS2SI {
			x = float64(f32(src, 0))
		} else {
			x = f64(src, 0)
		}
		var r uint64
		limit := math.Ldexp(1, size*8-1)
		if math.IsNaN(x) || x >= limit || x < -limit {
			r = 1 << (uint(size)*8 - 1)
		} else {
			r = uint64(int64(x))
		}
		m.setGPR(in.Regs[0], size, r)
	case CVTSS2SD, CVTSD2SS:
		ops, err := m.vecOps(in, 8)
		if err != nil {
			return err
		}
		res := ops.a
		if in.Ins == CVTSS2SD {
			setF64(&res, 0, float64(f32(ops.b, 0)))
		} else {
			setF32(&res, 0, float32(f64(ops.b, 0)))
		}
		m.writeVec(ops.dst, res, 16, vex)
	case CVTDQ2PS, CVTTPS2DQ:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var res vec
		for i := 0; i < size/4; i++ {
			if in.Ins == CVTDQ2PS {
				setF32(&res, i, float32(int32(lane(ops.b, 4, i))))
			} else {
				setLane(&res, 4, i, uint64(uint32(int32(f32(ops.b, i)))))
			}
		}
		m.writeVec(ops.dst, res, size, vex)
	case ROUNDSS, ROUNDSD, ROUNDPS, ROUNDPD:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		res := ops.a
		if in.Ins == ROUNDPS || in.Ins == ROUNDPD {
			res = ops.b
		}
		switch in.Ins {
		case ROUNDSS:
			setF32(&res, 0, float32(roundMode(float64(f32(ops.b, 0)), in.Imm)))
		case ROUNDSD:
			setF64(&res, 0, roundMode(f64(ops.b, 0), in.Imm))
		case ROUNDPS:
			for i := 0; i < size/4; i++ {
				setF32(&res, i, float32(roundMode(float64(f32(ops.b, i)), in.Imm)))
			}
		case ROUNDPD:
			for i := 0; i < size/8; i++ {
				setF64(&res, i, roundMode(f64(ops.b, i), in.Imm))
			}
		}
		m.writeVec(ops.dst, res, width, vex)

	case PSRLDQ, PSLLDQ:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		src := ops.b
		if in.Form == asm.FormRI {
			src = ops.a
		}
		n := int(in.Imm)
		var res vec
		for base := 0; base < size; base += 16 {
			for i := 0; i < 16; i++ {
				j := i + n
				if in.Ins == PSLLDQ {
					j = i - n
				}
				if j >= 0 && j < 16 {
					res[base+i] = src[base+j]
				}
			}
		}
		m.writeVec(ops.dst, res, size, vex)
	case PSLLW, PSLLD, PSLLQ, PSRLW, PSRLD, PSRLQ, PSRAW, PSRAD:
		ops, err := m.vecOps(in, 16)
		if err != nil {
			return err
		}
		src := ops.a
		count := uint64(in.Imm)
		if in.Form != asm.FormRI && in.Form != asm.FormRRI {
			count = lane(ops.b, 8, 0)
		} else if in.Form == asm.FormRRI {
			src = ops.b
		}
		ls := map[asm.Ins]int{PSLLW: 2, PSLLD: 4, PSLLQ: 8, PSRLW: 2, PSRLD: 4, PSRLQ: 8, PSRAW: 2, PSRAD: 4}[in.Ins]
		var res vec
		for i := 0; i < size/ls; i++ {
			x := lane(src, ls, i)
			var r uint64
			switch in.Ins {
			case PSLLW, PSLLD, PSLLQ:
				if count < uint64(ls*8) {
					r = x << count
				}
			case PSRLW, PSRLD, PSRLQ:
				if count < uint64(ls*8) {
					r = x >> count
				}
			default:
				c := min(count, uint64(ls*8-1))
				r = uint64(sx(x, ls) >> c)
			}
			setLane(&res, ls, i, r)
		}
		m.writeVec(ops.dst, res, size, vex)
	case PSHUFD:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var res vec
		for base := 0; base < size/4; base += 4 {
			for i := 0; i < 4; i++ {
				sel := int(in.Imm>>(2*i)) & 3
				setLane(&res, 4, base+i, lane(ops.b, 4, base+sel))
			}
		}
		m.writeVec(ops.dst, res, size, vex)
	case SHUFPS:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var res vec
		for base := 0; base < size/4; base += 4 {
			for i := 0; i < 4; i++ {
				sel := int(in.Imm>>(2*i)) & 3
				src := ops.a
				if i >= 2 {
					src = ops.b
				}
				setLane(&res, 4, base+i, lane(src, 4, base+sel))
			}
		}
		m.writeVec(ops.dst, res, size, vex)
	case PUNPCKLBW, PUNPCKLWD, PUNPCKLDQ, PUNPCKLQDQ, PUNPCKHBW, PUNPCKHWD, PUNPCKHDQ, PUNPCKHQDQ, UNPCKLPS, UNPCKHPS, UNPCKLPD, UNPCKHPD:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		ls := map[asm.Ins]int{
			PUNPCKLBW: 1, PUNPCKHBW: 1, PUNPCKLWD: 2, PUNPCKHWD: 2,
			PUNPCKLDQ: 4, PUNPCKHDQ: 4, UNPCKLPS: 4, UNPCKHPS: 4,
			PUNPCKLQDQ: 8, PUNPCKHQDQ: 8, UNPCKLPD: 8, UNPCKHPD: 8,
		}[in.Ins]
		high := in.Ins == PUNPCKHBW || in.Ins == PUNPCKHWD || in.Ins == PUNPCKHDQ || in.Ins == PUNPCKHQDQ || in.Ins == UNPCKHPS || in.Ins == UNPCKHPD
		per := 16 / ls
		var res vec
		for base := 0; base < size/ls; base += per {
			off := base
			if high {
				off += per / 2
			}
			for i := 0; i < per/2; i++ {
				setLane(&res, ls, base+2*i, lane(ops.a, ls, off+i))
				setLane(&res, ls, base+2*i+1, lane(ops.b, ls, off+i))
			}
		}
		m.writeVec(ops.dst, res, size, vex)
	case MOVLHPS, MOVHLPS:
		ops, err := m.vecOps(in, 16)
		if err != nil {
			return err
		}
		res := ops.a
		if in.Ins == MOVLHPS {
			setLane(&res, 8, 1, lane(ops.b, 8, 0))
		} else {
			setLane(&res, 8, 0, lane(ops.b, 8, 1))
		}
		m.writeVec(ops.dst, res, 16, vex)
	case PEXTRB, PEXTRW, PEXTRD, PEXTRQ, EXTRACTPS:
		ls := map[asm.Ins]int{PEXTRB: 1, PEXTRW: 2, PEXTRD: 4, PEXTRQ: 8, EXTRACTPS: 4}[in.Ins]
		src := m.Vec(in.Regs[len(in.Regs)-1])
		idx := int(in.Imm) & (16/ls - 1)
		v := lane(src, ls, idx)
		if in.Form == asm.FormMRI {
			return m.storeMem(in.Mem, ls, v)
		}
		m.setGPR(in.Regs[0], 8, v)
	case PINSRB, PINSRW, PINSRD, PINSRQ, INSERTPS:
		ls := map[asm.Ins]int{PINSRB: 1, PINSRW: 2, PINSRD: 4, PINSRQ: 8, INSERTPS: 4}[in.Ins]
		ops, err := m.vecOps(in, ls)
		if err != nil {
			return err
		}
		res := ops.a
		if in.Ins == INSERTPS {
			src := int(in.Imm>>6) & 3
			if in.HasMem() {
				src = 0
			}
			setLane(&res, 4, int(in.Imm>>4)&3, lane(ops.b, 4, src))
			for i := 0; i < 4; i++ {
				if in.Imm>>i&1 != 0 {
					setLane(&res, 4, i, 0)
				}
			}
		} else {
			setLane(&res, ls, int(in.Imm)&(16/ls-1), lane(ops.b, ls, 0))
		}
		m.writeVec(ops.dst, res, 16, vex)
	case PTEST, VTESTPS:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var and, andn uint64
		for i := 0; i < width/8; i++ {
			a, b := lane(ops.a, 8, i), lane(ops.b, 8, i)
			if in.Ins == VTESTPS {
				a &= 0x8000_0000_8000_0000
				b &= 0x8000_0000_8000_0000
			}
			and |= a & b
			andn |= ^a & b
		}
		m.ZF, m.CF = and == 0, andn == 0
		m.OF, m.SF, m.PF = false, false, false
	case PMOVMSKB, MOVMSKPS, MOVMSKPD:
		src := m.Vec(in.Regs[1])
		ls := map[asm.Ins]int{PMOVMSKB: 1, MOVMSKPS: 4, MOVMSKPD: 8}[in.Ins]
		var r uint64
		for i := 0; i < width/ls; i++ {
			r |= (lane(src, ls, i) >> (uint(ls)*8 - 1) & 1) << uint(i)
		}
		m.setGPR(in.Regs[0], 4, r)
	case VEXTRACTF128:
		src := m.Vec(in.Regs[1])
		var res vec
		copy(res[:16], src[16*(in.Imm&1):])
		if in.Form == asm.FormMRI {
			return m.storeVec(in.Mem, 16, res)
		}
		m.writeVec(in.Regs[0], res, 16, true)
	case VINSERTF128:
		ops, err := m.vecOps(in, 16)
		if err != nil {
			return err
		}
		res := ops.a
		copy(res[16*(in.Imm&1):16*(in.Imm&1)+16], ops.b[:16])
		m.writeVec(ops.dst, res, 32, true)
	case VBROADCASTSS, VPBROADCASTD, VBROADCASTSD:
		ls := 4
		if in.Ins == VBROADCASTSD {
			ls = 8
		}
		ops, err := m.vecOps(in, ls)
		if err != nil {
			return err
		}
		var res vec
		for i := 0; i < size/ls; i++ {
			setLane(&res, ls, i, lane(ops.b, ls, 0))
		}
		m.writeVec(ops.dst, res, size, true)
	case CMPPS, CMPPD:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		double := in.Ins == CMPPD
		ls := 4
		if double {
			ls = 8
		}
		var res vec
		for i := 0; i < size/ls; i++ {
			var a, b float64
			if double {
				a, b = f64(ops.a, i), f64(ops.b, i)
			} else {
				a, b = float64(f32(ops.a, i)), float64(f32(ops.b, i))
			}
			unord := math.IsNaN(a) || math.IsNaN(b)
			var ok bool
			switch in.Imm & 7 {
			case 0:
				ok = a == b
			case 1:
				ok = a < b
			case 2:
				ok = a <= b
			case 3:
				ok = unord
			case 4:
				ok = a != b
			case 5:
				ok = !(a < b)
			case 6:
				ok = !(a <= b)
			case 7:
				ok = !unord
			}
			setLane(&res, ls, i, cmpMask(ok))
		}
		m.writeVec(ops.dst, res, size, vex)
	case HADDPS:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var res vec
		setF32(&res, 0, f32(ops.a, 0)+f32(ops.a, 1))
		setF32(&res, 1, f32(ops.a, 2)+f32(ops.a, 3))
		setF32(&res, 2, f32(ops.b, 0)+f32(ops.b, 1))
		setF32(&res, 3, f32(ops.b, 2)+f32(ops.b, 3))
		m.writeVec(ops.dst, res, 16, vex)
	case DPPS:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		var sum float32
		for i := 0; i < 4; i++ {
			if in.Imm>>(4+i)&1 != 0 {
				sum += f32(ops.a, i) * f32(ops.b, i)
			}
		}
		var res vec
		for i := 0; i < 4; i++ {
			if in.Imm>>i&1 != 0 {
				setF32(&res, i, sum)
			}
		}
		m.writeVec(ops.dst, res, 16, vex)
	case BLENDVPS, BLENDVPD, PBLENDVB:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		mask := m.Vec(target.XMM0)
		if in.Form == asm.FormRRRR {
			mask = ops.c
		}
		ls := map[asm.Ins]int{BLENDVPS: 4, BLENDVPD: 8, PBLENDVB: 1}[in.Ins]
		res := ops.a
		for i := 0; i < size/ls; i++ {
			if lane(mask, ls, i)>>(uint(ls)*8-1)&1 != 0 {
				setLane(&res, ls, i, lane(ops.b, ls, i))
			}
		}
		m.writeVec(ops.dst, res, size, vex)
	case PABSB, PABSW, PABSD:
		ops, err := m.vecOps(in, size)
		if err != nil {
			return err
		}
		ls := map[asm.Ins]int{PABSB: 1, PABSW: 2, PABSD: 4}[in.Ins]
		var res vec
		for i := 0; i < size/ls; i++ {
			v := sx(lane(ops.b, ls, i), ls)
			if v < 0 {
				v = -v
			}
			setLane(&res, ls, i, uint64(v))
		}
		m.writeVec(ops.dst, res, size, vex)
	case VZEROUPPER:
		for i := range m.XMM {
			for j := 16; j < 32; j++ {
				m.XMM[i][j] = 0
			}
		}
	case CRC32:
		var v uint64
		if in.HasMem() {
			x, err := m.loadMem(in.Mem, size)
			if err != nil {
				return err
			}
			v = x
		} else {
			v = m.getGPR(in.Regs[1], size)
		}
		crc := uint32(m.Reg(in.Regs[0]))
		for i := 0; i < size; i++ {
			crc ^= uint32(byte(v >> (8 * uint(i))))
			for k := 0; k < 8; k++ {
				if crc&1 != 0 {
					crc = crc>>1 ^ 0x82F63B78
				} else {
					crc >>= 1
				}
			}
		}
		m.setGPR(in.Regs[0], 4, uint64(crc))
	case ANDN, PDEP, PEXT, BZHI, BLSR, BLSI, BLSMSK:
		return m.bmi(in)
	default:
		return fmt.Errorf("instruction %s is not simulated", Set.Name(in.Ins))
	}
	return nil
}

func (m *Machine) bmi(in asm.Instr) error {
	size := int(in.Size)
	var a, b uint64
	switch in.Form {
	case asm.FormRR:
		b = m.getGPR(in.Regs[1], size)
	case asm.FormRM:
		x, err := m.loadMem(in.Mem, size)
		if err != nil {
			return err
		}
		b = x
	case asm.FormRRR:
		a, b = m.getGPR(in.Regs[1], size), m.getGPR(in.Regs[2], size)
	case asm.FormRRM:
		a = m.getGPR(in.Regs[1], size)
		x, err := m.loadMem(in.Mem, size)
		if err != nil {
			return err
		}
		b = x
	default:
		return fmt.Errorf("unsupported form %d", in.Form)
	}
	var r uint64
	switch in.Ins {
	case ANDN:
		r = ^a & b
	case BLSR:
		r = b & (b - 1)
	case BLSI:
		r = b & -b
	case BLSMSK:
		r = b ^ (b - 1)
	case BZHI:
		n := b & 0xff
		if n < uint64(size*8) {
			r = a & (1<<n - 1)
		} else {
			r = a
		}
	case PDEP:
		k := 0
		for i := 0; i < size*8; i++ {
			if b>>uint(i)&1 != 0 {
				r |= (a >> uint(k) & 1) << uint(i)
				k++
			}
		}
	case PEXT:
		k := 0
		for i := 0; i < size*8; i++ {
			if b>>uint(i)&1 != 0 {
				r |= (a >> uint(i) & 1) << uint(k)
				k++
			}
		}
	}
	m.setGPR(in.Regs[0], size, r&sizeMask(size))
	m.ZF = r&sizeMask(size) == 0
	m.SF = r>>(uint(size)*8-1)&1 != 0
	m.OF, m.CF = false, false
	return nil
}
