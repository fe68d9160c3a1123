package codegen

import (
	"math"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

type xarchGen struct {
	*Generator
	// flags holds the jump of vector compares that only set the flags for
	// the branch right after them.
	flags map[ir.NodeID]asm.Ins
}

type opKind uint8

const (
	opReg opKind = iota
	opMem
	opImm
)

// operand is a register, memory or immediate source.
type operand struct {
	kind opKind
	reg  target.Reg
	mem  asm.Mem
	imm  int64
}

func regOp(r target.Reg) operand { return operand{kind: opReg, reg: r} }

func (x *xarchGen) operand(n *ir.Node) (operand, error) {
	if !x.contained(n) {
		return regOp(x.use(n)), nil
	}
	if n.IsCnsIntOrI() {
		return operand{kind: opImm, imm: n.IntVal}, nil
	}
	m, err := x.memOf(n)
	if err != nil {
		return operand{}, err
	}
	return operand{kind: opMem, mem: m}, nil
}

// emit is "ins dst, src".
func (x *xarchGen) emit(ins asm.Ins, size asm.Size, dst target.Reg, src operand) {
	switch src.kind {
	case opReg:
		x.e.EmitRR(ins, size, dst, src.reg)
	case opMem:
		x.e.EmitRM(ins, size, dst, src.mem)
	default:
		x.e.EmitRI(ins, size, dst, src.imm)
	}
}

// emitI is "ins dst, src, imm".
func (x *xarchGen) emitI(ins asm.Ins, size asm.Size, dst target.Reg, src operand, imm int64) {
	if src.kind == opMem {
		x.e.EmitRMI(ins, size, dst, src.mem, imm)
		return
	}
	x.e.EmitRRI(ins, size, dst, src.reg, imm)
}

// sse emits dst = src1 op src2: the VEX form names src1, the legacy form
// copies it into dst first. src2 must not live in dst unless src1 does.
func (x *xarchGen) sse(ins asm.Ins, size asm.Size, dst, src1 target.Reg, src2 operand) {
	if x.e.IsThreeOperandForm(ins) {
		if src2.kind == opMem {
			x.e.EmitRRM(ins, size, dst, src1, src2.mem)
		} else {
			x.e.EmitRRR(ins, size, dst, src1, src2.reg)
		}
		return
	}
	x.movVec(size, dst, src1)
	x.emit(ins, size, dst, src2)
}

func (x *xarchGen) sseI(ins asm.Ins, size asm.Size, dst, src1 target.Reg, src2 operand, imm int64) {
	if x.e.IsThreeOperandForm(ins) {
		if src2.kind == opMem {
			x.e.EmitRRMI(ins, size, dst, src1, src2.mem, imm)
		} else {
			x.e.EmitRRRI(ins, size, dst, src1, src2.reg, imm)
		}
		return
	}
	x.movVec(size, dst, src1)
	x.emitI(ins, size, dst, src2, imm)
}

func (x *xarchGen) movVec(size asm.Size, dst, src target.Reg) {
	if dst == src {
		return
	}
	if size < asm.S16 {
		size = asm.S16
	}
	x.e.EmitRR(amd64.MOVAPS, size, dst, src)
}

func (x *xarchGen) copyReg(typ ir.Type, dst, src target.Reg) {
	if dst == src {
		return
	}
	if dst.IsFloat(target.ArchAMD64) {
		size := asm.S16
		if typ == ir.TypeSIMD32 {
			size = asm.S32
		}
		x.e.EmitRR(amd64.MOVAPS, size, dst, src)
		return
	}
	x.e.EmitRR(amd64.MOV, intSize(typ), dst, src)
}

func (x *xarchGen) planFrame() {
	f := &x.frame
	pushed := int32(8 * len(f.ints))
	vec := int32(16 * len(f.floats))
	f.alloc = align(pushed+vec+f.locals+f.outgoing, 16) - pushed
	f.base = target.RBP
	f.bias = -(pushed + vec + f.locals)
}

func (x *xarchGen) savedVecMem(i int) asm.Mem {
	return asm.BaseMem(target.RBP, -int32(8*len(x.frame.ints))-int32(16*(i+1)))
}

func (x *xarchGen) prologue() {
	f := &x.frame
	x.e.EmitR(amd64.PUSH, asm.S8, target.RBP)
	x.e.EmitRR(amd64.MOV, asm.S8, target.RBP, target.RSP)
	for _, r := range f.ints {
		x.e.EmitR(amd64.PUSH, asm.S8, r)
	}
	if f.alloc > 0 {
		x.e.EmitRI(amd64.SUB, asm.S8, target.RSP, int64(f.alloc))
	}
	for i, r := range f.floats {
		x.e.EmitMR(amd64.MOVUPS, asm.S16, x.savedVecMem(i), r)
	}
}

// restore unwinds the frame without returning.
func (x *xarchGen) restore() {
	f := &x.frame
	for i, r := range f.floats {
		x.e.EmitRM(amd64.MOVUPS, asm.S16, r, x.savedVecMem(i))
	}
	if len(f.ints) > 0 {
		x.e.EmitRM(amd64.LEA, asm.S8, target.RSP, asm.BaseMem(target.RBP, -int32(8*len(f.ints))))
		for i := len(f.ints) - 1; i >= 0; i-- {
			x.e.EmitR(amd64.POP, asm.S8, f.ints[i])
		}
	} else {
		x.e.EmitRR(amd64.MOV, asm.S8, target.RSP, target.RBP)
	}
	x.e.EmitR(amd64.POP, asm.S8, target.RBP)
}

func (x *xarchGen) epilogue() {
	x.restore()
	x.e.EmitNone(amd64.RET, asm.S8)
}

func (x *xarchGen) throwBlock(helper string) {
	x.e.EmitCall(amd64.CALL, helper, target.RegNone)
	x.e.EmitNone(amd64.INT3, asm.S8)
}

func (x *xarchGen) node(n *ir.Node) error {
	switch n.Op {
	case ir.OpCnsInt:
		x.cnsInt(n)
	case ir.OpCnsDbl:
		x.cnsDbl(n)
	case ir.OpLclVar, ir.OpLclFld, ir.OpClsVar:
		m, err := x.memOf(n)
		if err != nil {
			return err
		}
		return x.load(n, n.Type, m)
	case ir.OpLclVarAddr, ir.OpLclFldAddr, ir.OpClsVarAddr, ir.OpLea:
		m, err := x.leaMem(n)
		if err != nil {
			return err
		}
		x.e.EmitRM(amd64.LEA, asm.S8, x.reg(n), m)
	case ir.OpLabel:
		x.e.EmitLabel(x.label(n.Label))
	case ir.OpJmp:
		x.e.EmitJ(amd64.JMP, x.label(n.Label))
	case ir.OpJTrue:
		return x.jTrue(n)
	case ir.OpReturn:
		x.ret(n)
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		if n.Type.IsFloating() {
			return x.floatBinary(n)
		}
		return x.intBinary(n, aluIns[n.Op])
	case ir.OpMul:
		if n.Type.IsFloating() {
			return x.floatBinary(n)
		}
		return x.mul(n)
	case ir.OpMulHi:
		return x.mulWide(n)
	case ir.OpDiv, ir.OpUDiv, ir.OpMod, ir.OpUMod:
		if n.Type.IsFloating() {
			return x.floatBinary(n)
		}
		return x.div(n)
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor:
		return x.shift(n)
	case ir.OpNot, ir.OpNeg:
		return x.unary(n)
	case ir.OpEQ, ir.OpNE, ir.OpLT, ir.OpLE, ir.OpGE, ir.OpGT:
		return x.compareValue(n)
	case ir.OpCast:
		return x.cast(n)
	case ir.OpInd:
		m, err := x.addrMem(n.Addr())
		if err != nil {
			return err
		}
		return x.load(n, n.Type, m)
	case ir.OpNullCheck:
		m, err := x.addrMem(n.Addr())
		if err != nil {
			return err
		}
		x.e.EmitMI(amd64.CMP, asm.S4, m, 0)
	case ir.OpStoreInd:
		return x.storeInd(n)
	case ir.OpStoreLclVar, ir.OpStoreLclFld:
		return x.storeLocal(n)
	case ir.OpCkFinite:
		return x.ckFinite(n)
	case ir.OpBoundsCheck:
		return x.boundsCheck(n)
	case ir.OpIntrinsic:
		return x.mathIntrinsic(n)
	case ir.OpXAdd, ir.OpXchg:
		return x.atomic(n)
	case ir.OpCmpXchg:
		x.e.EmitMR(amd64.CMPXCHG, intSize(n.Type), asm.BaseMem(x.use(n.Op1()), 0), x.use(n.Op2()))
	case ir.OpCall:
		return x.call(n)
	case ir.OpPutArgReg:
		return x.putArgReg(n)
	case ir.OpPutArgStk:
		return x.putArgStk(n)
	case ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj:
		return x.block(n)
	case ir.OpSIMD:
		return x.simd(n)
	case ir.OpHWIntrinsic:
		return x.hwIntrinsic(n)
	default:
		return jiterr.NYINode(n, "%s on amd64", n.Op)
	}
	return nil
}

var aluIns = map[ir.Op]asm.Ins{
	ir.OpAdd: amd64.ADD,
	ir.OpSub: amd64.SUB,
	ir.OpAnd: amd64.AND,
	ir.OpOr:  amd64.OR,
	ir.OpXor: amd64.XOR,
	ir.OpMul: amd64.IMUL,
}

func (x *xarchGen) cnsInt(n *ir.Node) {
	dst, v := x.reg(n), n.IntVal
	switch {
	case n.HasFlag(ir.FlagIconReloc):
		x.e.EmitRI(amd64.MOV, asm.S8, dst, v)
	case v == 0:
		x.e.EmitRR(amd64.XOR, asm.S4, dst, dst)
	case v > 0 && v <= math.MaxUint32:
		x.e.EmitRI(amd64.MOV, asm.S4, dst, v)
	default:
		x.e.EmitRI(amd64.MOV, asm.S8, dst, v)
	}
}

func (x *xarchGen) cnsDbl(n *ir.Node) {
	dst := x.reg(n)
	if n.IsFPZero() {
		x.sse(amd64.XORPS, asm.S16, dst, dst, regOp(dst))
		return
	}
	ins := amd64.MOVSD
	if n.Type == ir.TypeFloat {
		ins = amd64.MOVSS
	}
	x.e.EmitRM(ins, floatSize(n.Type), dst, asm.ConstMem(floatBytes(n.Type, n.FloatVal)))
}

// leaMem is the address an address-producing node computes.
func (x *xarchGen) leaMem(n *ir.Node) (asm.Mem, error) {
	switch n.Op {
	case ir.OpLea:
		base, index := target.RegNone, target.RegNone
		if b := n.Base(); b != nil {
			base = x.use(b)
		}
		if i := n.Index(); i != nil {
			index = x.use(i)
		}
		return asm.AddrMem(base, index, n.Scale, n.Offset), nil
	case ir.OpLclVarAddr, ir.OpLclFldAddr:
		return x.localMem(n.Lcl, n.Offset), nil
	}
	return asm.StaticMem(n.Symbol, 0), nil
}

// loadIns is the move that reads a value of type t from memory.
func loadIns(t ir.Type) (asm.Ins, asm.Size) {
	switch t {
	case ir.TypeBool, ir.TypeUByte:
		return amd64.MOVZX, asm.S1
	case ir.TypeByte:
		return amd64.MOVSX, asm.S1
	case ir.TypeUShort:
		return amd64.MOVZX, asm.S2
	case ir.TypeShort:
		return amd64.MOVSX, asm.S2
	case ir.TypeFloat:
		return amd64.MOVSS, asm.S4
	case ir.TypeDouble, ir.TypeSIMD8:
		return amd64.MOVSD, asm.S8
	case ir.TypeSIMD12, ir.TypeSIMD16:
		return amd64.MOVUPS, asm.S16
	case ir.TypeSIMD32:
		return amd64.MOVUPS, asm.S32
	}
	return amd64.MOV, intSize(t)
}

// storeIns is the move that writes a value of type t to memory.
func storeIns(t ir.Type) (asm.Ins, asm.Size) {
	switch t {
	case ir.TypeBool, ir.TypeByte, ir.TypeUByte:
		return amd64.MOV, asm.S1
	case ir.TypeShort, ir.TypeUShort:
		return amd64.MOV, asm.S2
	}
	return loadIns(t)
}

func (x *xarchGen) load(n *ir.Node, t ir.Type, m asm.Mem) error {
	dst := x.reg(n)
	if t == ir.TypeSIMD12 && n.Op == ir.OpInd {
		// Twelve bytes: the low pair, then z into the upper half.
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		tmp := x.floatTemp(n, 0)
		x.e.EmitRM(amd64.MOVSD, asm.S8, dst, m)
		x.e.EmitRM(amd64.MOVSS, asm.S4, tmp, m.WithDisp(8))
		x.e.EmitRR(amd64.MOVLHPS, asm.S16, dst, tmp)
		return nil
	}
	ins, size := loadIns(t)
	x.e.EmitRM(ins, size, dst, m)
	return nil
}

// store writes data of type t to m. Multi-register call results are stored
// one register per eight bytes.
func (x *xarchGen) store(n *ir.Node, t ir.Type, m asm.Mem, data *ir.Node) error {
	if x.contained(data) {
		if !data.IsCnsIntOrI() {
			return jiterr.Invariantf("contained store data %v", data)
		}
		_, size := storeIns(t)
		x.e.EmitMI(amd64.MOV, size, m, data.IntVal)
		return nil
	}
	if data.IsMultiRegCall() {
		for i, r := range x.as.Regs(data) {
			ins, size := storeIns(data.Call.ReturnTypes[i])
			x.e.EmitMR(ins, size, m.WithDisp(int32(8*i)), r)
		}
		return nil
	}
	src := x.use(data)
	if t == ir.TypeSIMD12 {
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		tmp := x.floatTemp(n, 0)
		x.e.EmitMR(amd64.MOVSD, asm.S8, m, src)
		x.e.EmitRRI(amd64.PSHUFD, asm.S16, tmp, src, 0x02)
		x.e.EmitMR(amd64.MOVSS, asm.S4, m.WithDisp(8), tmp)
		return nil
	}
	ins, size := storeIns(t)
	x.e.EmitMR(ins, size, m, src)
	return nil
}

func (x *xarchGen) storeInd(n *ir.Node) error {
	if n.HasFlag(ir.FlagWriteBarrier) {
		// Address and value are already in the helper's registers.
		x.e.EmitCall(amd64.CALL, lower.HelperWriteBarrier, target.RegNone)
		return nil
	}
	if x.lw.IsRMWStore(n) {
		return x.rmw(n)
	}
	m, err := x.addrMem(n.Addr())
	if err != nil {
		return err
	}
	return x.store(n, n.Type, m, n.Data())
}

func (x *xarchGen) storeLocal(n *ir.Node) error {
	m := x.localMem(n.Lcl, n.Offset)
	data := n.Data()
	if !x.lw.IsWidenedStore(n) {
		return x.store(n, n.Type, m, data)
	}
	// The slot of a small local is written as a whole int.
	if x.contained(data) {
		x.e.EmitMI(amd64.MOV, asm.S4, m, data.IntVal)
		return nil
	}
	src := x.use(data)
	if tmp := x.intTemp(n, 0); tmp != target.RegNone {
		ins, size := loadIns(x.m.Local(n.Lcl).Type)
		x.e.EmitRR(ins, size, tmp, src)
		src = tmp
	}
	x.e.EmitMR(amd64.MOV, asm.S4, m, src)
	return nil
}

// rmw emits a read-modify-write store as one instruction on memory.
func (x *xarchGen) rmw(n *ir.Node) error {
	r := x.lw.RMW(n)
	m, err := x.addrMem(n.Addr())
	if err != nil {
		return err
	}
	size := asm.SizeOf(n.Type.Size())
	switch r.Oper.Op {
	case ir.OpNot:
		x.e.EmitM(amd64.NOT, size, m)
		return nil
	case ir.OpNeg:
		x.e.EmitM(amd64.NEG, size, m)
		return nil
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor:
		ins := shiftIns[r.Oper.Op]
		if x.contained(r.Source) {
			x.e.EmitMI(ins, size, m, r.Source.IntVal)
		} else {
			// Count in cl.
			x.e.EmitM(ins, size, m)
		}
		return nil
	}
	ins, ok := aluIns[r.Oper.Op]
	if !ok || r.Oper.Op == ir.OpMul {
		return jiterr.Invariantf("read-modify-write of %s", r.Oper.Op)
	}
	if x.contained(r.Source) {
		x.e.EmitMI(ins, size, m, r.Source.IntVal)
	} else {
		x.e.EmitMR(ins, size, m, x.use(r.Source))
	}
	return nil
}

func (x *xarchGen) ret(n *ir.Node) {
	if v := n.Op1(); v != nil && !v.IsMultiRegCall() {
		x.copyReg(v.Type, x.t.ABI.ReturnReg(v.Type), x.use(v))
	}
	x.epilogue()
}

// intBinary emits a two-operand ALU instruction. The destination starts as
// a copy of op1; a commutative op whose op2 already lives there is flipped.
func (x *xarchGen) intBinary(n *ir.Node, ins asm.Ins) error {
	size := intSize(n.Type)
	dst := x.reg(n)
	o1, err := x.operand(n.Op1())
	if err != nil {
		return err
	}
	o2, err := x.operand(n.Op2())
	if err != nil {
		return err
	}
	commutative := n.Op.IsCommutative()
	if o1.kind != opReg {
		if !commutative {
			return jiterr.Invariantf("contained first operand of %s", n.Op)
		}
		o1, o2 = o2, o1
	}
	if o2.kind == opReg && o2.reg == dst && o1.reg != dst {
		switch {
		case commutative:
			o1, o2 = o2, o1
		case n.Op == ir.OpSub && !n.HasFlag(ir.FlagOverflow):
			x.e.EmitR(amd64.NEG, size, dst)
			x.e.EmitRR(amd64.ADD, size, dst, o1.reg)
			return nil
		default:
			return jiterr.Invariantf("second operand of %s shares the destination %s", n.Op, x.t.RegName(dst, 8))
		}
	}
	if o1.reg != dst {
		x.e.EmitRR(amd64.MOV, size, dst, o1.reg)
	}
	x.emit(ins, size, dst, o2)
	x.overflow(n)
	return nil
}

func (x *xarchGen) overflow(n *ir.Node) {
	if !n.HasFlag(ir.FlagOverflow) {
		return
	}
	j := amd64.JO
	if n.HasFlag(ir.FlagUnsigned) && (n.Op == ir.OpAdd || n.Op == ir.OpSub) {
		j = amd64.JB
	}
	x.e.EmitJ(j, x.throwLabel(lower.HelperThrowOverflow))
}

var floatIns = map[ir.Op][2]asm.Ins{
	ir.OpAdd: {amd64.ADDSS, amd64.ADDSD},
	ir.OpSub: {amd64.SUBSS, amd64.SUBSD},
	ir.OpMul: {amd64.MULSS, amd64.MULSD},
	ir.OpDiv: {amd64.DIVSS, amd64.DIVSD},
}

func scalarIns(pair [2]asm.Ins, t ir.Type) asm.Ins {
	if t == ir.TypeFloat {
		return pair[0]
	}
	return pair[1]
}

func (x *xarchGen) floatBinary(n *ir.Node) error {
	pair, ok := floatIns[n.Op]
	if !ok {
		return jiterr.NYINode(n, "floating point %s", n.Op)
	}
	ins, size := scalarIns(pair, n.Type), floatSize(n.Type)
	dst := x.reg(n)
	o1, err := x.operand(n.Op1())
	if err != nil {
		return err
	}
	o2, err := x.operand(n.Op2())
	if err != nil {
		return err
	}
	commutative := n.Op.IsCommutative()
	if o1.kind != opReg {
		if !commutative {
			return jiterr.Invariantf("contained first operand of %s", n.Op)
		}
		o1, o2 = o2, o1
	}
	if !x.e.IsThreeOperandForm(ins) && o2.kind == opReg && o2.reg == dst && o1.reg != dst {
		if !commutative {
			return jiterr.Invariantf("second operand of %s shares the destination", n.Op)
		}
		o1, o2 = o2, o1
	}
	x.sse(ins, size, dst, o1.reg, o2)
	return nil
}

func (x *xarchGen) mul(n *ir.Node) error {
	if n.HasFlag(ir.FlagOverflow) && n.HasFlag(ir.FlagUnsigned) {
		return x.mulWide(n)
	}
	size := intSize(n.Type)
	dst := x.reg(n)
	imm, other := n.Op2(), n.Op1()
	if !(x.contained(imm) && imm.IsCnsIntOrI()) {
		imm, other = other, imm
	}
	if !(x.contained(imm) && imm.IsCnsIntOrI()) {
		return x.intBinary(n, amd64.IMUL)
	}
	if x.lw.IsMulLEA(n) {
		// x*3, x*5, x*9 as [x + x*2^k].
		r := x.use(other)
		x.e.EmitRM(amd64.LEA, size, dst, asm.AddrMem(r, r, uint8(imm.IntVal-1), 0))
		return nil
	}
	o, err := x.operand(other)
	if err != nil {
		return err
	}
	x.emitI(amd64.IMUL, size, dst, o, imm.IntVal)
	x.overflow(n)
	return nil
}

// mulWide emits the one-operand multiply: rdx:rax = rax * r/m.
func (x *xarchGen) mulWide(n *ir.Node) error {
	size := intSize(n.Type)
	other := n.Op2()
	if x.contained(n.Op1()) {
		other = n.Op1()
	}
	o, err := x.operand(other)
	if err != nil {
		return err
	}
	ins := amd64.IMUL
	if n.HasFlag(ir.FlagUnsigned) {
		ins = amd64.MUL
	}
	if o.kind == opMem {
		x.e.EmitM(ins, size, o.mem)
	} else {
		x.e.EmitR(ins, size, o.reg)
	}
	if n.HasFlag(ir.FlagOverflow) {
		x.e.EmitJ(amd64.JO, x.throwLabel(lower.HelperThrowOverflow))
	}
	return nil
}

func (x *xarchGen) div(n *ir.Node) error {
	size := intSize(n.Type)
	o, err := x.operand(n.Op2())
	if err != nil {
		return err
	}
	switch o.kind {
	case opReg:
		x.e.EmitRR(amd64.TEST, size, o.reg, o.reg)
	case opMem:
		x.e.EmitMI(amd64.CMP, size, o.mem, 0)
	default:
		return jiterr.Invariantf("immediate divisor")
	}
	x.e.EmitJ(amd64.JE, x.throwLabel(lower.HelperThrowDivZero))
	ins := amd64.DIV
	if n.Op == ir.OpDiv || n.Op == ir.OpMod {
		ins = amd64.IDIV
		if size == asm.S8 {
			x.e.EmitNone(amd64.CQO, size)
		} else {
			x.e.EmitNone(amd64.CDQ, size)
		}
	} else {
		x.e.EmitRR(amd64.XOR, asm.S4, target.RDX, target.RDX)
	}
	if o.kind == opMem {
		x.e.EmitM(ins, size, o.mem)
	} else {
		x.e.EmitR(ins, size, o.reg)
	}
	return nil
}

var shiftIns = map[ir.Op]asm.Ins{
	ir.OpLsh: amd64.SHL,
	ir.OpRsh: amd64.SAR,
	ir.OpRsz: amd64.SHR,
	ir.OpRol: amd64.ROL,
	ir.OpRor: amd64.ROR,
}

func (x *xarchGen) shift(n *ir.Node) error {
	size := intSize(n.Type)
	dst := x.reg(n)
	if src := x.use(n.Op1()); src != dst {
		x.e.EmitRR(amd64.MOV, size, dst, src)
	}
	ins := shiftIns[n.Op]
	if count := n.Op2(); x.contained(count) {
		x.e.EmitRI(ins, size, dst, count.IntVal)
		return nil
	}
	x.e.EmitRR(ins, size, dst, x.use(n.Op2()))
	return nil
}

func (x *xarchGen) unary(n *ir.Node) error {
	dst, src := x.reg(n), x.use(n.Op1())
	if n.Type.IsFloating() {
		if n.Op != ir.OpNeg {
			return jiterr.NYINode(n, "floating point %s", n.Op)
		}
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		// Flip the sign bit.
		tmp := x.floatTemp(n, 0)
		ins, size := loadIns(n.Type)
		sign := uint64(1) << 63
		if n.Type == ir.TypeFloat {
			sign = 1 << 31
		}
		x.e.EmitRM(ins, size, tmp, asm.ConstMem(intBytes(sign, int(size))))
		x.sse(amd64.XORPS, asm.S16, dst, src, regOp(tmp))
		return nil
	}
	size := intSize(n.Type)
	if src != dst {
		x.e.EmitRR(amd64.MOV, size, dst, src)
	}
	ins := amd64.NOT
	if n.Op == ir.OpNeg {
		ins = amd64.NEG
	}
	x.e.EmitR(ins, size, dst)
	return nil
}

func intBytes(v uint64, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// cond is the flag test a relational operator compiles to. Floating point
// equality also needs the parity flag, set when an operand is NaN.
type cond struct {
	jump   asm.Ins
	parity parityTest
}

type parityTest uint8

const (
	parityNone parityTest = iota
	// parityClear: the relation holds only if PF is clear too.
	parityClear
	// paritySet: the relation also holds if PF is set.
	paritySet
)

var intJumps = map[ir.Op][2]asm.Ins{
	ir.OpEQ: {amd64.JE, amd64.JE},
	ir.OpNE: {amd64.JNE, amd64.JNE},
	ir.OpLT: {amd64.JL, amd64.JB},
	ir.OpLE: {amd64.JLE, amd64.JBE},
	ir.OpGE: {amd64.JGE, amd64.JAE},
	ir.OpGT: {amd64.JG, amd64.JA},
}

// compareFlags emits the compare of n and returns the condition to test.
func (x *xarchGen) compareFlags(n *ir.Node) (cond, error) {
	op1, op2 := n.Op1(), n.Op2()
	if op1.Type.IsFloating() {
		a, b := op1, op2
		c := cond{jump: amd64.JA}
		switch n.Op {
		case ir.OpLT:
			a, b = op2, op1
		case ir.OpLE:
			a, b = op2, op1
			c.jump = amd64.JAE
		case ir.OpGE:
			c.jump = amd64.JAE
		case ir.OpEQ:
			c = cond{jump: amd64.JE, parity: parityClear}
		case ir.OpNE:
			c = cond{jump: amd64.JNE, parity: paritySet}
		}
		if x.contained(a) {
			return c, jiterr.Invariantf("contained left operand of a floating point compare")
		}
		ob, err := x.operand(b)
		if err != nil {
			return c, err
		}
		x.emit(scalarIns([2]asm.Ins{amd64.UCOMISS, amd64.UCOMISD}, op1.Type), floatSize(op1.Type), x.use(a), ob)
		return c, nil
	}

	o1, err := x.operand(op1)
	if err != nil {
		return cond{}, err
	}
	o2, err := x.operand(op2)
	if err != nil {
		return cond{}, err
	}
	size := intSize(op1.Type)
	if o1.kind == opMem || o2.kind == opMem {
		size = asm.SizeOf(op1.Type.Size())
	}
	switch {
	case o1.kind == opReg && o2.kind == opImm && o2.imm == 0:
		x.e.EmitRR(amd64.TEST, size, o1.reg, o1.reg)
	case o1.kind == opReg:
		x.emit(amd64.CMP, size, o1.reg, o2)
	case o1.kind == opMem && o2.kind == opReg:
		x.e.EmitMR(amd64.CMP, size, o1.mem, o2.reg)
	case o1.kind == opMem && o2.kind == opImm:
		x.e.EmitMI(amd64.CMP, size, o1.mem, o2.imm)
	default:
		return cond{}, jiterr.Invariantf("compare of two contained operands")
	}
	pair := intJumps[n.Op]
	if isUnsignedCompare(n) {
		return cond{jump: pair[1]}, nil
	}
	return cond{jump: pair[0]}, nil
}

func (x *xarchGen) compareValue(n *ir.Node) error {
	c, err := x.compareFlags(n)
	if err != nil {
		return err
	}
	dst := x.reg(n)
	x.e.EmitR(amd64.SetCC(c.jump), asm.S1, dst)
	switch c.parity {
	case parityClear, paritySet:
		if err := x.needTemps(n, 1, 0); err != nil {
			return err
		}
		tmp := x.intTemp(n, 0)
		if c.parity == parityClear {
			x.e.EmitR(amd64.SETNP, asm.S1, tmp)
			x.e.EmitRR(amd64.AND, asm.S1, dst, tmp)
		} else {
			x.e.EmitR(amd64.SETP, asm.S1, tmp)
			x.e.EmitRR(amd64.OR, asm.S1, dst, tmp)
		}
	}
	x.e.EmitRR(amd64.MOVZX, asm.S1, dst, dst)
	return nil
}

func (x *xarchGen) jTrue(n *ir.Node) error {
	to := x.label(n.Label)
	c := n.Op1()
	if j, ok := x.flags[c.ID]; ok {
		x.e.EmitJ(j, to)
		return nil
	}
	if !x.contained(c) {
		r := x.use(c)
		x.e.EmitRR(amd64.TEST, intSize(c.Type), r, r)
		x.e.EmitJ(amd64.JNE, to)
		return nil
	}
	cc, err := x.compareFlags(c)
	if err != nil {
		return err
	}
	x.jumpIf(cc, to)
	return nil
}

func (x *xarchGen) jumpIf(c cond, to asm.Label) {
	switch c.parity {
	case parityClear:
		skip := x.e.NewLabel()
		x.e.EmitJ(amd64.JP, skip)
		x.e.EmitJ(c.jump, to)
		x.e.EmitLabel(skip)
	case paritySet:
		x.e.EmitJ(amd64.JP, to)
		x.e.EmitJ(c.jump, to)
	default:
		x.e.EmitJ(c.jump, to)
	}
}

func (x *xarchGen) ckFinite(n *ir.Node) error {
	if err := x.needTemps(n, 1, 0); err != nil {
		return err
	}
	src, dst, tmp := x.use(n.Op1()), x.reg(n), x.intTemp(n, 0)
	// The exponent is all ones for infinities and NaNs.
	if n.Type == ir.TypeFloat {
		x.e.EmitRR(amd64.MOVD, asm.S4, tmp, src)
		x.e.EmitRI(amd64.SHR, asm.S4, tmp, 23)
		x.e.EmitRI(amd64.AND, asm.S4, tmp, 0xff)
		x.e.EmitRI(amd64.CMP, asm.S4, tmp, 0xff)
	} else {
		x.e.EmitRR(amd64.MOVQ, asm.S8, tmp, src)
		x.e.EmitRI(amd64.SHR, asm.S8, tmp, 52)
		x.e.EmitRI(amd64.AND, asm.S4, tmp, 0x7ff)
		x.e.EmitRI(amd64.CMP, asm.S4, tmp, 0x7ff)
	}
	x.e.EmitJ(amd64.JE, x.throwLabel(lower.HelperThrowArith))
	x.movVec(asm.S16, dst, src)
	return nil
}

// boundsCheck throws unless index < length, compared unsigned.
func (x *xarchGen) boundsCheck(n *ir.Node) error {
	index, length := n.Op1(), n.Op2()
	oi, err := x.operand(index)
	if err != nil {
		return err
	}
	ol, err := x.operand(length)
	if err != nil {
		return err
	}
	size := intSize(index.Type)
	if oi.kind == opMem || ol.kind == opMem {
		size = asm.SizeOf(index.Type.Size())
	}
	fail := x.throwLabel(lower.HelperThrowRange)
	switch {
	case oi.kind == opReg:
		x.emit(amd64.CMP, size, oi.reg, ol)
		x.e.EmitJ(amd64.JAE, fail)
	case oi.kind == opMem && ol.kind == opReg:
		x.e.EmitMR(amd64.CMP, size, oi.mem, ol.reg)
		x.e.EmitJ(amd64.JAE, fail)
	case oi.kind == opMem && ol.kind == opImm:
		x.e.EmitMI(amd64.CMP, size, oi.mem, ol.imm)
		x.e.EmitJ(amd64.JAE, fail)
	case oi.kind == opImm && ol.kind == opReg:
		x.e.EmitRI(amd64.CMP, size, ol.reg, oi.imm)
		x.e.EmitJ(amd64.JBE, fail)
	case oi.kind == opImm && ol.kind == opMem:
		x.e.EmitMI(amd64.CMP, size, ol.mem, oi.imm)
		x.e.EmitJ(amd64.JBE, fail)
	default:
		return jiterr.Invariantf("bounds check of two constants")
	}
	return nil
}

func (x *xarchGen) mathIntrinsic(n *ir.Node) error {
	dst := x.reg(n)
	o, err := x.operand(n.Op1())
	if err != nil {
		return err
	}
	size := floatSize(n.Type)
	switch n.Math {
	case ir.MathSqrt:
		x.sse(scalarIns([2]asm.Ins{amd64.SQRTSS, amd64.SQRTSD}, n.Type), size, dst, dst, o)
	case ir.MathRound:
		// Round to nearest even.
		x.sseI(scalarIns([2]asm.Ins{amd64.ROUNDSS, amd64.ROUNDSD}, n.Type), size, dst, dst, o, 0)
	case ir.MathAbs:
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		tmp := x.floatTemp(n, 0)
		ins, _ := loadIns(n.Type)
		mask := uint64(math.MaxInt64)
		if n.Type == ir.TypeFloat {
			mask = math.MaxInt32
		}
		x.e.EmitRM(ins, size, tmp, asm.ConstMem(intBytes(mask, int(size))))
		src := dst
		if o.kind == opMem {
			x.e.EmitRM(ins, size, dst, o.mem)
		} else {
			src = o.reg
		}
		x.sse(amd64.ANDPS, asm.S16, dst, src, regOp(tmp))
	default:
		return jiterr.NYINode(n, "math intrinsic %s", n.Math)
	}
	return nil
}

func (x *xarchGen) cast(n *ir.Node) error {
	src := n.Op1()
	from, to := src.Type, castTo(n)
	dst := x.reg(n)
	o, err := x.operand(src)
	if err != nil {
		return err
	}
	unsignedSrc := from.IsUnsigned() || n.HasFlag(ir.FlagUnsigned)
	switch {
	case from.IsFloating() && to.IsFloating():
		if from == to {
			if o.kind == opMem {
				ins, size := loadIns(to)
				x.e.EmitRM(ins, size, dst, o.mem)
			} else {
				x.movVec(asm.S16, dst, o.reg)
			}
			return nil
		}
		ins := amd64.CVTSD2SS
		if from == ir.TypeFloat {
			ins = amd64.CVTSS2SD
		}
		x.sse(ins, floatSize(from), dst, dst, o)
	case from.IsFloating():
		ins := amd64.CVTTSD2SI
		if from == ir.TypeFloat {
			ins = amd64.CVTTSS2SI
		}
		size := asm.S4
		if to.Size() == 8 || to == ir.TypeUInt {
			size = asm.S8
		}
		x.emit(ins, size, dst, o)
		switch {
		case to == ir.TypeUInt:
			x.e.EmitRR(amd64.MOV, asm.S4, dst, dst)
		case to.IsSmallInt():
			ins, size := loadIns(to)
			x.e.EmitRR(ins, size, dst, dst)
		}
	case to.IsFloating():
		ins := amd64.CVTSI2SD
		if to == ir.TypeFloat {
			ins = amd64.CVTSI2SS
		}
		size := asm.S4
		if from.Size() == 8 {
			size = asm.S8
		}
		if unsignedSrc && size == asm.S4 {
			if o.kind != opReg {
				return jiterr.Invariantf("unsigned source of %s in memory", n)
			}
			// Zero-extended, the value converts exactly as a signed long.
			x.e.EmitRR(amd64.MOV, asm.S4, o.reg, o.reg)
			size = asm.S8
		}
		x.sse(ins, size, dst, dst, o)
	default:
		return x.intCast(n, from, to, o, unsignedSrc)
	}
	return nil
}

func (x *xarchGen) intCast(n *ir.Node, from, to ir.Type, o operand, unsignedSrc bool) error {
	dst := x.reg(n)
	fromSize, toSize := from.Size(), to.Size()
	if n.HasFlag(ir.FlagOverflow) {
		if o.kind != opReg {
			return jiterr.Invariantf("checked cast of a contained operand")
		}
		r := o.reg
		fail := x.throwLabel(lower.HelperThrowOverflow)
		srcSize := asm.SizeOf(fromSize)
		if srcSize < asm.S4 {
			srcSize = asm.S4
		}
		if unsignedSrc != to.IsUnsigned() && (toSize >= fromSize || unsignedSrc) {
			// A set top bit is out of range in the other signedness.
			x.e.EmitRR(amd64.TEST, srcSize, r, r)
			x.e.EmitJ(amd64.JL, fail)
		}
		if toSize < fromSize {
			if err := x.needTemps(n, 1, 0); err != nil {
				return err
			}
			tmp := x.intTemp(n, 0)
			x.extend(tmp, regOp(r), to, fromSize == 8)
			x.e.EmitRR(amd64.CMP, srcSize, tmp, r)
			x.e.EmitJ(amd64.JNE, fail)
		}
	}
	switch {
	case to.IsSmallInt():
		ins, size := loadIns(to)
		x.emit(ins, size, dst, o)
	case toSize == 8 && fromSize < 8:
		switch {
		case unsignedSrc && fromSize == 4:
			x.emit(amd64.MOV, asm.S4, dst, o)
		case fromSize == 4:
			x.emit(amd64.MOVSXD, asm.S4, dst, o)
		default:
			x.extend(dst, o, from, true)
		}
	case toSize == 4 && fromSize < 4:
		x.extend(dst, o, from, false)
	case toSize == 4 && fromSize == 8:
		x.emit(amd64.MOV, asm.S4, dst, o)
	default:
		if o.kind == opReg && o.reg == dst {
			return nil
		}
		x.emit(amd64.MOV, asm.SizeOf(toSize), dst, o)
	}
	return nil
}

// extend widens the low bytes of src as a value of type t. wide requests a
// 64-bit result.
func (x *xarchGen) extend(dst target.Reg, src operand, t ir.Type, wide bool) {
	size := asm.SizeOf(t.Size())
	switch {
	case size == asm.S8:
		x.emit(amd64.MOV, asm.S8, dst, src)
	case size == asm.S4:
		if t.IsUnsigned() || !wide {
			x.emit(amd64.MOV, asm.S4, dst, src)
		} else {
			x.emit(amd64.MOVSXD, asm.S4, dst, src)
		}
	case t.IsUnsigned() || t == ir.TypeBool:
		x.emit(amd64.MOVZX, size, dst, src)
	case wide:
		x.emit(amd64.MOVSXQ, size, dst, src)
	default:
		x.emit(amd64.MOVSX, size, dst, src)
	}
}

// atomic emits lock xadd / xchg: the value goes through the destination,
// which receives the old contents.
func (x *xarchGen) atomic(n *ir.Node) error {
	size := intSize(n.Type)
	addr, dst := x.use(n.Addr()), x.reg(n)
	if dst == addr {
		return jiterr.Invariantf("atomic destination shares the address register")
	}
	if v := x.use(n.Op2()); v != dst {
		x.e.EmitRR(amd64.MOV, size, dst, v)
	}
	ins := amd64.XADD
	if n.Op == ir.OpXchg {
		ins = amd64.XCHG
	}
	x.e.EmitMR(ins, size, asm.BaseMem(addr, 0), dst)
	return nil
}

func (x *xarchGen) call(n *ir.Node) error {
	c := n.Call
	ctrl := n.ControlExpr()
	if c.FastTailCall {
		x.restore()
		if ctrl == nil {
			x.e.EmitCall(amd64.JMP, c.Target, target.RegNone)
		} else {
			x.e.EmitR(amd64.JMP, asm.S8, x.use(ctrl))
		}
		return nil
	}
	switch {
	case ctrl == nil:
		x.e.EmitCall(amd64.CALL, c.Target, target.RegNone)
	case x.contained(ctrl):
		m, err := x.memOf(ctrl)
		if err != nil {
			return err
		}
		x.e.EmitM(amd64.CALL, asm.S8, m)
	default:
		x.e.EmitCall(amd64.CALL, "", x.use(ctrl))
	}
	return nil
}

func (x *xarchGen) putArgReg(n *ir.Node) error {
	loc, ok := x.lw.ArgLoc(n)
	if !ok {
		return jiterr.Invariantf("argument was never placed")
	}
	v := n.Op1()
	x.copyReg(v.Type, loc.Reg, x.use(v))
	if loc.Shadow != target.RegNone {
		// Variadic callees read floating point arguments from the integer
		// register of the same position.
		x.e.EmitRR(amd64.MOVQ, asm.S8, loc.Shadow, loc.Reg)
	}
	return nil
}

func (x *xarchGen) putArgStk(n *ir.Node) error {
	v := n.Op1()
	m := asm.BaseMem(target.RSP, n.Offset)
	if x.contained(v) {
		x.e.EmitMI(amd64.MOV, asm.S8, m, v.IntVal)
		return nil
	}
	ins, size := storeIns(v.Type.ActualType())
	if ins == amd64.MOV {
		size = asm.S8
	}
	x.e.EmitMR(ins, size, m, x.use(v))
	return nil
}
