package codegen

import (
	"encoding/binary"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

// laneIns holds one instruction per vector base type.
type laneIns struct {
	f32, f64          asm.Ins
	i8, i16, i32, i64 asm.Ins
}

func (l laneIns) of(t ir.Type) asm.Ins {
	switch t {
	case ir.TypeFloat:
		return l.f32
	case ir.TypeDouble:
		return l.f64
	}
	switch t.Size() {
	case 1:
		return l.i8
	case 2:
		return l.i16
	case 4:
		return l.i32
	case 8:
		return l.i64
	}
	return amd64.INVALID
}

var simdArith = map[ir.SIMDIntrinsic]laneIns{
	ir.SIMDAdd:             {amd64.ADDPS, amd64.ADDPD, amd64.PADDB, amd64.PADDW, amd64.PADDD, amd64.PADDQ},
	ir.SIMDSub:             {amd64.SUBPS, amd64.SUBPD, amd64.PSUBB, amd64.PSUBW, amd64.PSUBD, amd64.PSUBQ},
	ir.SIMDMul:             {f32: amd64.MULPS, f64: amd64.MULPD, i16: amd64.PMULLW, i32: amd64.PMULLD},
	ir.SIMDDiv:             {f32: amd64.DIVPS, f64: amd64.DIVPD},
	ir.SIMDBitwiseAnd:      {amd64.ANDPS, amd64.ANDPD, amd64.PAND, amd64.PAND, amd64.PAND, amd64.PAND},
	ir.SIMDBitwiseAndNot:   {amd64.ANDNPS, amd64.ANDNPD, amd64.PANDN, amd64.PANDN, amd64.PANDN, amd64.PANDN},
	ir.SIMDBitwiseOr:       {amd64.ORPS, amd64.ORPD, amd64.POR, amd64.POR, amd64.POR, amd64.POR},
	ir.SIMDBitwiseXor:      {amd64.XORPS, amd64.XORPD, amd64.PXOR, amd64.PXOR, amd64.PXOR, amd64.PXOR},
	ir.SIMDEqual:           {amd64.CMPPS, amd64.CMPPD, amd64.PCMPEQB, amd64.PCMPEQW, amd64.PCMPEQD, amd64.PCMPEQQ},
	ir.SIMDLessThan:        {f32: amd64.CMPPS, f64: amd64.CMPPD},
	ir.SIMDLessThanOrEqual: {f32: amd64.CMPPS, f64: amd64.CMPPD},
	ir.SIMDGreaterThan:     {i8: amd64.PCMPGTB, i16: amd64.PCMPGTW, i32: amd64.PCMPGTD, i64: amd64.PCMPGTQ},
}

// cmpPredicate is the cmpps/cmppd immediate of a floating point lane
// compare.
var cmpPredicate = map[ir.SIMDIntrinsic]int64{
	ir.SIMDEqual:           0,
	ir.SIMDLessThan:        1,
	ir.SIMDLessThanOrEqual: 2,
}

// needsISA lists lane instructions beyond the SSE2 baseline.
var needsISA = map[asm.Ins]target.ISA{
	amd64.PMULLD:  target.ISASSE41,
	amd64.PCMPEQQ: target.ISASSE41,
	amd64.PMINSD:  target.ISASSE41,
	amd64.PMAXSD:  target.ISASSE41,
	amd64.PCMPGTQ: target.ISASSE42,
}

func minMaxIns(s ir.SIMDIntrinsic, t ir.Type) asm.Ins {
	lo := s == ir.SIMDMin
	pick := func(a, b asm.Ins) asm.Ins {
		if lo {
			return a
		}
		return b
	}
	switch t {
	case ir.TypeFloat:
		return pick(amd64.MINPS, amd64.MAXPS)
	case ir.TypeDouble:
		return pick(amd64.MINPD, amd64.MAXPD)
	case ir.TypeUByte:
		return pick(amd64.PMINUB, amd64.PMAXUB)
	case ir.TypeShort:
		return pick(amd64.PMINSW, amd64.PMAXSW)
	case ir.TypeInt:
		return pick(amd64.PMINSD, amd64.PMAXSD)
	}
	return amd64.INVALID
}

func (x *xarchGen) simd(n *ir.Node) error {
	base, size := n.BaseType, vecSize(n)
	if size == asm.S32 && !x.t.Has(target.ISAAVX) {
		return jiterr.NYINode(n, "32-byte vectors without avx")
	}
	switch n.SIMD {
	case ir.SIMDInit:
		return x.simdInit(n)
	case ir.SIMDInitN:
		return x.simdInitN(n)
	case ir.SIMDMul:
		if base.IsIntegral() && base.Size() == 4 && !x.t.Has(target.ISASSE41) {
			return x.mulLow32(n, x.use(n.Op1()), x.use(n.Op2()))
		}
	case ir.SIMDMin, ir.SIMDMax:
		ins := minMaxIns(n.SIMD, base)
		if ins == amd64.INVALID {
			return jiterr.NYINode(n, "vector %s of %s lanes", n.SIMD, base)
		}
		return x.simdBinary(n, ins, -1)
	case ir.SIMDSqrt:
		ins := amd64.SQRTPS
		if base == ir.TypeDouble {
			ins = amd64.SQRTPD
		}
		x.e.EmitRR(ins, size, x.reg(n), x.use(n.Op1()))
		return nil
	case ir.SIMDAbs:
		return x.simdAbs(n)
	case ir.SIMDOpEquality, ir.SIMDOpInEquality:
		return x.simdEquality(n)
	case ir.SIMDDotProduct:
		return x.dotProduct(n)
	case ir.SIMDGetItem:
		return x.getItem(n)
	case ir.SIMDSetX, ir.SIMDSetY, ir.SIMDSetZ, ir.SIMDSetW:
		return x.setItem(n, int64(n.SIMD-ir.SIMDSetX))
	case ir.SIMDCast:
		x.movVec(size, x.reg(n), x.use(n.Op1()))
		return nil
	case ir.SIMDConvertToSingle:
		x.e.EmitRR(amd64.CVTDQ2PS, size, x.reg(n), x.use(n.Op1()))
		return nil
	case ir.SIMDConvertToInt32:
		x.e.EmitRR(amd64.CVTTPS2DQ, size, x.reg(n), x.use(n.Op1()))
		return nil
	case ir.SIMDWidenLo, ir.SIMDWidenHi:
		return x.widen(n)
	case ir.SIMDNarrow:
		return x.narrow(n)
	case ir.SIMDShuffleSSE2:
		return x.shuffle(n)
	}
	l, ok := simdArith[n.SIMD]
	if !ok {
		return jiterr.NYINode(n, "vector %s on amd64", n.SIMD)
	}
	ins := l.of(base)
	if ins == amd64.INVALID {
		return jiterr.NYINode(n, "vector %s of %s lanes", n.SIMD, base)
	}
	imm := int64(-1)
	if ins == amd64.CMPPS || ins == amd64.CMPPD {
		imm = cmpPredicate[n.SIMD]
	}
	return x.simdBinary(n, ins, imm)
}

func (x *xarchGen) simdBinary(n *ir.Node, ins asm.Ins, imm int64) error {
	if isa, ok := needsISA[ins]; ok && !x.t.Has(isa) {
		return jiterr.NYINode(n, "vector %s of %s lanes needs %s", n.SIMD, n.BaseType, isa)
	}
	size := vecSize(n)
	if size == asm.S32 && n.BaseType.IsIntegral() && !x.t.Has(target.ISAAVX2) {
		return jiterr.NYINode(n, "32-byte integer vectors without avx2")
	}
	dst, a := x.reg(n), x.use(n.Op1())
	b, err := x.operand(n.Op2())
	if err != nil {
		return err
	}
	if !x.e.IsThreeOperandForm(ins) && b.kind == opReg && b.reg == dst && a != dst {
		if !n.SIMD.IsCommutative() {
			return jiterr.Invariantf("second operand of vector %s shares the destination", n.SIMD)
		}
		a, b = b.reg, regOp(a)
	}
	if imm >= 0 {
		x.sseI(ins, size, dst, a, b, imm)
	} else {
		x.sse(ins, size, dst, a, b)
	}
	return nil
}

// shiftVec is a whole-register or per-lane shift by an immediate.
func (x *xarchGen) shiftVec(ins asm.Ins, size asm.Size, dst, src target.Reg, imm int64) {
	if x.e.IsThreeOperandForm(ins) {
		x.e.EmitRRI(ins, size, dst, src, imm)
		return
	}
	x.movVec(size, dst, src)
	x.e.EmitRI(ins, size, dst, imm)
}

// mulLow32 multiplies four 32-bit lanes with pmuludq, which only multiplies
// the even lanes: the odd lanes are shifted down, multiplied separately and
// interleaved back.
func (x *xarchGen) mulLow32(n *ir.Node, a, b target.Reg) error {
	if err := x.needTemps(n, 0, 2); err != nil {
		return err
	}
	dst, tmp, save := x.reg(n), x.floatTemp(n, 0), x.floatTemp(n, 1)
	if a == dst || b == dst {
		// Both sources are read again after dst is overwritten.
		x.movVec(asm.S16, save, dst)
		if a == dst {
			a = save
		}
		if b == dst {
			b = save
		}
	}
	x.movVec(asm.S16, dst, a)
	x.movVec(asm.S16, tmp, b)
	x.shiftVec(amd64.PSRLDQ, asm.S16, dst, dst, 4)
	x.shiftVec(amd64.PSRLDQ, asm.S16, tmp, tmp, 4)
	x.sse(amd64.PMULUDQ, asm.S16, tmp, tmp, regOp(dst))
	x.e.EmitRRI(amd64.PSHUFD, asm.S16, tmp, tmp, 0x08)
	x.e.EmitRR(amd64.MOVAPS, asm.S16, dst, a)
	x.sse(amd64.PMULUDQ, asm.S16, dst, dst, regOp(b))
	x.e.EmitRRI(amd64.PSHUFD, asm.S16, dst, dst, 0x08)
	x.sse(amd64.PUNPCKLDQ, asm.S16, dst, dst, regOp(tmp))
	return nil
}

func (x *xarchGen) simdInit(n *ir.Node) error {
	dst, op, base, size := x.reg(n), n.Op1(), n.BaseType, vecSize(n)
	switch {
	case x.contained(op) && (op.IsIntegralConst(0) || op.IsFPZero()):
		x.sse(amd64.XORPS, size, dst, dst, regOp(dst))
		return nil
	case x.contained(op) && op.IsIntegralConst(-1):
		if size == asm.S32 && !x.t.Has(target.ISAAVX2) {
			return jiterr.NYINode(n, "32-byte all-ones vector without avx2")
		}
		x.sse(amd64.PCMPEQD, size, dst, dst, regOp(dst))
		return nil
	case x.contained(op):
		m, err := x.memOf(op)
		if err != nil {
			return err
		}
		switch {
		case base.Size() == 4:
			x.e.EmitRM(amd64.VBROADCASTSS, size, dst, m)
		case base.Size() == 8 && size == asm.S32:
			x.e.EmitRM(amd64.VBROADCASTSD, size, dst, m)
		case base.Size() == 8:
			x.e.EmitRM(amd64.MOVSD, asm.S8, dst, m)
			x.sse(amd64.PUNPCKLQDQ, asm.S16, dst, dst, regOp(dst))
		default:
			return jiterr.Invariantf("broadcast of a %d-byte memory operand", base.Size())
		}
		return nil
	}

	src := x.use(op)
	switch {
	case base == ir.TypeFloat:
		x.sseI(amd64.SHUFPS, asm.S16, dst, src, regOp(src), 0)
	case base == ir.TypeDouble:
		x.sse(amd64.MOVLHPS, asm.S16, dst, src, regOp(src))
	default:
		if base.Size() == 8 {
			x.e.EmitRR(amd64.MOVQ, asm.S8, dst, src)
			x.sse(amd64.PUNPCKLQDQ, asm.S16, dst, dst, regOp(dst))
			break
		}
		x.e.EmitRR(amd64.MOVD, asm.S4, dst, src)
		switch base.Size() {
		case 1:
			x.sse(amd64.PUNPCKLBW, asm.S16, dst, dst, regOp(dst))
			x.sse(amd64.PUNPCKLWD, asm.S16, dst, dst, regOp(dst))
		case 2:
			x.sse(amd64.PUNPCKLWD, asm.S16, dst, dst, regOp(dst))
		}
		x.e.EmitRRI(amd64.PSHUFD, asm.S16, dst, dst, 0)
	}
	if size == asm.S32 {
		x.e.EmitRRRI(amd64.VINSERTF128, asm.S32, dst, dst, dst, 1)
	}
	return nil
}

// simdInitN builds a vector from one scalar per lane. Every element stays
// live until the vector is complete, so none shares the destination.
func (x *xarchGen) simdInitN(n *ir.Node) error {
	if vecSize(n) == asm.S32 {
		return jiterr.NYINode(n, "32-byte vector from elements")
	}
	if err := x.needTemps(n, 0, 1); err != nil {
		return err
	}
	ops := n.Operands()
	el := func(i int) target.Reg { return x.use(ops[i]) }
	dst, tmp, base := x.reg(n), x.floatTemp(n, 0), n.BaseType
	switch {
	case base == ir.TypeFloat:
		x.movVec(asm.S16, dst, el(0))
		if len(ops) > 1 {
			x.sse(amd64.UNPCKLPS, asm.S16, dst, dst, regOp(el(1)))
		}
		if len(ops) > 2 {
			x.movVec(asm.S16, tmp, el(2))
			if len(ops) > 3 {
				x.sse(amd64.UNPCKLPS, asm.S16, tmp, tmp, regOp(el(3)))
			}
			x.sse(amd64.MOVLHPS, asm.S16, dst, dst, regOp(tmp))
		}
	case base == ir.TypeDouble:
		x.movVec(asm.S16, dst, el(0))
		x.sse(amd64.MOVLHPS, asm.S16, dst, dst, regOp(el(1)))
	case base.Size() == 8:
		x.e.EmitRR(amd64.MOVQ, asm.S8, dst, el(0))
		x.e.EmitRR(amd64.MOVQ, asm.S8, tmp, el(1))
		x.sse(amd64.PUNPCKLQDQ, asm.S16, dst, dst, regOp(tmp))
	case base.Size() == 4:
		// Highest lane first, shifting earlier lanes up.
		last := len(ops) - 1
		x.e.EmitRR(amd64.MOVD, asm.S4, dst, el(last))
		for i := last - 1; i >= 0; i-- {
			x.shiftVec(amd64.PSLLDQ, asm.S16, dst, dst, 4)
			x.e.EmitRR(amd64.MOVD, asm.S4, tmp, el(i))
			x.sse(amd64.POR, asm.S16, dst, dst, regOp(tmp))
		}
	case base.Size() == 2 || base.Size() == 1 && x.t.Has(target.ISASSE41):
		ins := amd64.PINSRW
		if base.Size() == 1 {
			ins = amd64.PINSRB
		}
		x.e.EmitRR(amd64.MOVD, asm.S4, dst, el(0))
		for i := 1; i < len(ops); i++ {
			x.sseI(ins, asm.S4, dst, dst, regOp(el(i)), int64(i))
		}
	default:
		return jiterr.NYINode(n, "vector of %s elements", base)
	}
	return nil
}

func (x *xarchGen) simdAbs(n *ir.Node) error {
	dst, src, base, size := x.reg(n), x.use(n.Op1()), n.BaseType, vecSize(n)
	switch {
	case base.IsUnsigned():
		x.movVec(size, dst, src)
	case base == ir.TypeFloat:
		mask := asm.ConstMem(splat(binary.LittleEndian.AppendUint32(nil, 0x7fffffff), int(size)))
		x.sse(amd64.ANDPS, size, dst, src, operand{kind: opMem, mem: mask})
	case base == ir.TypeDouble:
		mask := asm.ConstMem(splat(binary.LittleEndian.AppendUint64(nil, 1<<63-1), int(size)))
		x.sse(amd64.ANDPD, size, dst, src, operand{kind: opMem, mem: mask})
	default:
		return jiterr.NYINode(n, "vector abs of %s lanes", base)
	}
	return nil
}

// simdEquality compares whole vectors. Followed directly by its branch it
// only leaves the flags; otherwise it materializes 0 or 1.
func (x *xarchGen) simdEquality(n *ir.Node) error {
	jump := amd64.JE
	if n.SIMD == ir.SIMDOpInEquality {
		jump = amd64.JNE
	}
	size, base := vecSize(n), n.BaseType
	a := x.use(n.Op1())
	if x.lw.IsPTest(n) {
		// Compared with zero: ZF is set when no bit is.
		x.e.EmitRR(amd64.PTEST, size, a, a)
	} else {
		if err := x.needTemps(n, 1, 1); err != nil {
			return err
		}
		it, ft := x.intTemp(n, 0), x.floatTemp(n, 0)
		b, err := x.operand(n.Op2())
		if err != nil {
			return err
		}
		var lanes int
		switch base {
		case ir.TypeFloat:
			x.sseI(amd64.CMPPS, size, ft, a, b, 0)
			x.e.EmitRR(amd64.MOVMSKPS, size, it, ft)
			lanes = n.SIMDSize / 4
		case ir.TypeDouble:
			x.sseI(amd64.CMPPD, size, ft, a, b, 0)
			x.e.EmitRR(amd64.MOVMSKPD, size, it, ft)
			lanes = n.SIMDSize / 8
		default:
			if size == asm.S32 && !x.t.Has(target.ISAAVX2) {
				return jiterr.NYINode(n, "32-byte integer compare without avx2")
			}
			x.sse(amd64.PCMPEQB, size, ft, a, b)
			x.e.EmitRR(amd64.PMOVMSKB, size, it, ft)
			lanes = n.SIMDSize
		}
		x.e.EmitRI(amd64.CMP, asm.S4, it, int64(uint32(uint64(1)<<lanes-1)))
	}
	if x.tab.MustGet(n).DstCount == 0 {
		x.flags[n.ID] = jump
		return nil
	}
	dst := x.reg(n)
	x.e.EmitR(amd64.SetCC(jump), asm.S1, dst)
	x.e.EmitRR(amd64.MOVZX, asm.S1, dst, dst)
	return nil
}

func (x *xarchGen) dotProduct(n *ir.Node) error {
	base, size := n.BaseType, vecSize(n)
	dst, a, b := x.reg(n), x.use(n.Op1()), x.use(n.Op2())
	switch {
	case base.IsFloating() && x.t.Has(target.ISASSE41) && size == asm.S16:
		ins, imm := amd64.DPPD, int64(0x31)
		if base == ir.TypeFloat {
			ins = amd64.DPPS
			imm = int64((1<<(n.SIMDSize/4))-1)<<4 | 1
		}
		if !x.e.IsThreeOperandForm(ins) && b == dst {
			a, b = b, a
		}
		x.sseI(ins, asm.S16, dst, a, regOp(b), imm)
	case base.IsFloating():
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		tmp := x.floatTemp(n, 0)
		mul, add := amd64.MULPS, amd64.ADDPS
		if base == ir.TypeDouble {
			mul, add = amd64.MULPD, amd64.ADDPD
		}
		x.sse(mul, size, tmp, a, regOp(b))
		lanes := n.SIMDSize / base.Size()
		if size == asm.S32 {
			// Fold the upper half onto the lower.
			x.e.EmitRRI(amd64.VEXTRACTF128, asm.S16, dst, tmp, 1)
			x.sse(add, asm.S16, tmp, tmp, regOp(dst))
			lanes /= 2
		}
		x.horizontalSum(base, lanes, dst, tmp)
	case base.Size() == 4:
		if size == asm.S32 {
			return jiterr.NYINode(n, "32-byte integer dot product")
		}
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		tmp := x.floatTemp(n, 0)
		x.sse(amd64.PMULLD, asm.S16, tmp, a, regOp(b))
		x.sse(amd64.PHADDD, asm.S16, tmp, tmp, regOp(tmp))
		x.sse(amd64.PHADDD, asm.S16, tmp, tmp, regOp(tmp))
		x.e.EmitRR(amd64.MOVD, asm.S4, dst, tmp)
	default:
		return jiterr.NYINode(n, "dot product of %s lanes", base)
	}
	return nil
}

// horizontalSum adds the first lanes of tmp into the low element of dst.
// tmp is clobbered.
func (x *xarchGen) horizontalSum(base ir.Type, lanes int, dst, tmp target.Reg) {
	if base == ir.TypeDouble {
		x.sse(amd64.UNPCKHPD, asm.S16, dst, tmp, regOp(tmp))
		x.sse(amd64.ADDSD, asm.S8, dst, dst, regOp(tmp))
		return
	}
	if lanes == 4 {
		x.sseI(amd64.SHUFPS, asm.S16, dst, tmp, regOp(tmp), 0xb1)
		x.sse(amd64.ADDPS, asm.S16, dst, dst, regOp(tmp))
		x.sse(amd64.MOVHLPS, asm.S16, tmp, tmp, regOp(dst))
		x.sse(amd64.ADDSS, asm.S4, dst, dst, regOp(tmp))
		return
	}
	x.sseI(amd64.SHUFPS, asm.S16, dst, tmp, regOp(tmp), 0x55)
	x.sse(amd64.ADDSS, asm.S4, dst, dst, regOp(tmp))
	if lanes == 3 {
		x.sseI(amd64.SHUFPS, asm.S16, tmp, tmp, regOp(tmp), 0xaa)
		x.sse(amd64.ADDSS, asm.S4, dst, dst, regOp(tmp))
	}
}

func (x *xarchGen) getItem(n *ir.Node) error {
	if !x.contained(n.Op2()) {
		return x.getItemDynamic(n)
	}
	base := n.BaseType
	esize := int64(base.Size())
	lanes := int64(n.SIMDSize) / esize
	idx := n.Op2().IntVal
	if idx < 0 || idx >= lanes {
		if !n.HasFlag(ir.FlagRangeChecked) {
			return jiterr.Invariantf("element %d of a %d-element vector", idx, lanes)
		}
		idx = (idx%lanes + lanes) % lanes
	}
	dst, src := x.reg(n), x.use(n.Op1())
	if idx*esize >= 16 {
		// Upper half of a 32-byte vector.
		half := dst
		if base.IsIntegral() {
			if err := x.needTemps(n, 0, 1); err != nil {
				return err
			}
			half = x.floatTemp(n, 0)
		}
		x.e.EmitRRI(amd64.VEXTRACTF128, asm.S16, half, src, 1)
		src = half
		idx -= 16 / esize
	}
	if base.IsFloating() {
		switch {
		case idx == 0:
			x.movVec(asm.S16, dst, src)
		case base == ir.TypeFloat:
			x.e.EmitRRI(amd64.PSHUFD, asm.S16, dst, src, idx)
		default:
			x.e.EmitRRI(amd64.PSHUFD, asm.S16, dst, src, 0xee)
		}
		return nil
	}
	if esize == 2 {
		x.e.EmitRRI(amd64.PEXTRW, asm.S4, dst, src, idx)
		if !base.IsUnsigned() {
			x.e.EmitRR(amd64.MOVSX, asm.S2, dst, dst)
		}
		return nil
	}
	if idx != 0 {
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		tmp := x.floatTemp(n, 0)
		x.shiftVec(amd64.PSRLDQ, asm.S16, tmp, src, idx*esize)
		src = tmp
	}
	switch esize {
	case 8:
		x.e.EmitRR(amd64.MOVQ, asm.S8, dst, src)
	case 4:
		x.e.EmitRR(amd64.MOVD, asm.S4, dst, src)
	default:
		x.e.EmitRR(amd64.MOVD, asm.S4, dst, src)
		ins, size := loadIns(base)
		x.e.EmitRR(ins, size, dst, dst)
	}
	return nil
}

// getItemDynamic spills the vector to the method's vector temp and loads
// the element the index selects. An index past the last lane throws unless
// a range check already covers it.
func (x *xarchGen) getItemDynamic(n *ir.Node) error {
	if !x.m.HasSIMDTemp() {
		return jiterr.Invariantf("runtime vector index without a temp slot")
	}
	esize := n.BaseType.Size()
	if !n.HasFlag(ir.FlagRangeChecked) {
		x.e.EmitRI(amd64.CMP, asm.S4, x.use(n.Op2()), int64(n.SIMDSize/esize-1))
		x.e.EmitJ(amd64.JA, x.throwLabel(lower.HelperThrowRange))
	}
	slot := x.localMem(x.m.SIMDTempLocal(), 0)
	x.e.EmitMR(amd64.MOVUPS, vecSize(n), slot, x.use(n.Op1()))
	elem := asm.AddrMem(slot.Base, x.use(n.Op2()), uint8(esize), slot.Disp)
	ins, size := loadIns(n.BaseType)
	x.e.EmitRM(ins, size, x.reg(n), elem)
	return nil
}

func (x *xarchGen) setItem(n *ir.Node, lane int64) error {
	base := n.BaseType
	if base.Size() != 4 {
		return jiterr.NYINode(n, "setting a %s element", base)
	}
	dst, v, val := x.reg(n), x.use(n.Op1()), x.use(n.Op2())
	if x.t.Has(target.ISASSE41) {
		if base == ir.TypeFloat {
			x.sseI(amd64.INSERTPS, asm.S16, dst, v, regOp(val), lane<<4)
		} else {
			x.sseI(amd64.PINSRD, asm.S16, dst, v, regOp(val), lane)
		}
		return nil
	}
	if err := x.needTemps(n, 1, 0); err != nil {
		return err
	}
	// Two 16-bit inserts through a general register.
	tmp := x.intTemp(n, 0)
	if base == ir.TypeFloat {
		x.e.EmitRR(amd64.MOVD, asm.S4, tmp, val)
	} else {
		x.e.EmitRR(amd64.MOV, asm.S4, tmp, val)
	}
	x.movVec(asm.S16, dst, v)
	x.e.EmitRRI(amd64.PINSRW, asm.S4, dst, tmp, 2*lane)
	x.e.EmitRI(amd64.SHR, asm.S4, tmp, 16)
	x.e.EmitRRI(amd64.PINSRW, asm.S4, dst, tmp, 2*lane+1)
	return nil
}

var unpackLo = laneIns{i8: amd64.PUNPCKLBW, i16: amd64.PUNPCKLWD, i32: amd64.PUNPCKLDQ}
var unpackHi = laneIns{i8: amd64.PUNPCKHBW, i16: amd64.PUNPCKHWD, i32: amd64.PUNPCKHDQ}
var compareGT = laneIns{i8: amd64.PCMPGTB, i16: amd64.PCMPGTW, i32: amd64.PCMPGTD}

// widen converts the low or high half of the lanes to twice their width.
// Integers are interleaved with zero or with their sign mask.
func (x *xarchGen) widen(n *ir.Node) error {
	dst, src, base := x.reg(n), x.use(n.Op1()), n.BaseType
	lo := n.SIMD == ir.SIMDWidenLo
	if base == ir.TypeFloat {
		if !lo {
			x.sse(amd64.MOVHLPS, asm.S16, dst, src, regOp(src))
			src = dst
		}
		x.e.EmitRR(amd64.CVTPS2PD, asm.S16, dst, src)
		return nil
	}
	unpack := unpackLo.of(base)
	if !lo {
		unpack = unpackHi.of(base)
	}
	if !base.IsIntegral() || unpack == amd64.INVALID {
		return jiterr.NYINode(n, "widening %s lanes", base)
	}
	if err := x.needTemps(n, 0, 1); err != nil {
		return err
	}
	tmp := x.floatTemp(n, 0)
	x.sse(amd64.PXOR, asm.S16, tmp, tmp, regOp(tmp))
	if !base.IsUnsigned() {
		x.sse(compareGT.of(base), asm.S16, tmp, tmp, regOp(src))
	}
	x.sse(unpack, asm.S16, dst, src, regOp(tmp))
	return nil
}

// narrow packs the lanes of two vectors into one of half the lane width,
// truncating. The second operand is consumed first since the destination
// may share its register.
func (x *xarchGen) narrow(n *ir.Node) error {
	if err := x.needTemps(n, 0, 1); err != nil {
		return err
	}
	dst, a, b, tmp := x.reg(n), x.use(n.Op1()), x.use(n.Op2()), x.floatTemp(n, 0)
	switch base := n.BaseType; {
	case base == ir.TypeDouble:
		x.e.EmitRR(amd64.CVTPD2PS, asm.S16, tmp, b)
		x.e.EmitRR(amd64.CVTPD2PS, asm.S16, dst, a)
		x.sse(amd64.MOVLHPS, asm.S16, dst, dst, regOp(tmp))
	case base.Size() == 8:
		x.e.EmitRRI(amd64.PSHUFD, asm.S16, tmp, b, 0x08)
		x.e.EmitRRI(amd64.PSHUFD, asm.S16, dst, a, 0x08)
		x.sse(amd64.PUNPCKLQDQ, asm.S16, dst, dst, regOp(tmp))
	case base.Size() == 4 || base.Size() == 2:
		// Sign-extend the low half of each lane so the saturating pack is
		// exact.
		shl, sar, pack, bits := amd64.PSLLD, amd64.PSRAD, amd64.PACKSSDW, int64(16)
		if base.Size() == 2 {
			shl, sar, pack, bits = amd64.PSLLW, amd64.PSRAW, amd64.PACKSSWB, 8
		}
		x.shiftVec(shl, asm.S16, tmp, b, bits)
		x.shiftVec(sar, asm.S16, tmp, tmp, bits)
		x.shiftVec(shl, asm.S16, dst, a, bits)
		x.shiftVec(sar, asm.S16, dst, dst, bits)
		x.sse(pack, asm.S16, dst, dst, regOp(tmp))
	default:
		return jiterr.NYINode(n, "narrowing %s lanes", base)
	}
	return nil
}

func (x *xarchGen) shuffle(n *ir.Node) error {
	dst, a, imm := x.reg(n), x.use(n.Op1()), n.Op2().IntVal
	switch n.BaseType {
	case ir.TypeFloat:
		x.sseI(amd64.SHUFPS, asm.S16, dst, a, regOp(a), imm)
	case ir.TypeDouble:
		x.sseI(amd64.SHUFPD, asm.S16, dst, a, regOp(a), imm)
	default:
		x.e.EmitRRI(amd64.PSHUFD, asm.S16, dst, a, imm)
	}
	return nil
}
