package codegen

import (
	"math"
	"math/bits"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/arm64"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

// frameScratch is free in the prologue and epilogue: x16 may carry a fast
// tail call target, x17 never carries anything across them.
const frameScratch = target.X17

type arm64Gen struct {
	*Generator
	// flags records vector compares left in the condition flags for the
	// branch that consumes them.
	flags map[ir.NodeID]arm64.Cond
}

// vec gives the next instruction lanes of elem bytes in a recording
// emitter.
func (a *arm64Gen) vec(elem int) {
	if l, ok := a.e.(*asm.Listing); ok {
		l.SetElem(asm.Size(elem))
	}
}

func isSP(r target.Reg) bool { return r == target.SP }

// mov copies an integer register; moves involving sp are add #0.
func (a *arm64Gen) mov(size asm.Size, dst, src target.Reg) {
	switch {
	case dst == src:
	case isSP(dst) || isSP(src):
		a.e.EmitRRI(arm64.ADD, asm.S8, dst, src, 0)
	default:
		a.e.EmitRR(arm64.MOV, size, dst, src)
	}
}

func (a *arm64Gen) copyReg(typ ir.Type, dst, src target.Reg) {
	if dst == src {
		return
	}
	if !dst.IsFloat(target.ArchARM64) {
		a.mov(intSize(typ), dst, src)
		return
	}
	if typ.IsSIMD() {
		a.vec(1)
		a.e.EmitRRR(arm64.VORR, asm.S16, dst, src, src)
		return
	}
	a.e.EmitRR(arm64.FMOV, floatSize(typ), dst, src)
}

// movImm materializes v with the fewest movz/movk, or a single mov when
// one of the wide or bitmask forms encodes it.
func (a *arm64Gen) movImm(size asm.Size, dst target.Reg, v int64) {
	width := 64
	if size <= asm.S4 {
		width, size = 32, asm.S4
		v = int64(uint32(v))
	}
	switch {
	case v == 0:
		a.e.EmitRR(arm64.MOV, size, dst, target.XZR)
		return
	case target.ImmFits(target.ArchARM64, target.ImmMov, v, int(size)):
		a.e.EmitRI(arm64.MOV, size, dst, v)
		return
	}
	ins := arm64.MOVZ
	for s := 0; s < width; s += 16 {
		chunk := uint64(v) >> s & 0xffff
		if chunk == 0 {
			continue
		}
		a.e.EmitRI(ins, size, dst, int64(chunk<<s))
		ins = arm64.MOVK
	}
}

// addImm adds v to src without a scratch register, splitting it into a
// shifted and an unshifted 12-bit part.
func (a *arm64Gen) addImm(size asm.Size, dst, src target.Reg, v int64) error {
	ins := arm64.ADD
	if v < 0 {
		ins, v = arm64.SUB, -v
	}
	if v == 0 {
		a.mov(size, dst, src)
		return nil
	}
	if v >= 1<<24 {
		return jiterr.NYI("arm64.addImm", "adjustment of %d without a scratch register", v)
	}
	cur := src
	if hi := v &^ 0xfff; hi != 0 {
		a.e.EmitRRI(ins, size, dst, cur, hi)
		cur = dst
	}
	if lo := v & 0xfff; lo != 0 {
		a.e.EmitRRI(ins, size, dst, cur, lo)
	}
	return nil
}

// Frame, from sp upwards: the outgoing argument area, the x29/x30 record
// x29 points at, the locals, then the callee-saved registers.
func (a *arm64Gen) planFrame() {
	f := &a.frame
	saved := int32(8 * (len(f.ints) + len(f.floats)))
	f.alloc = align(f.outgoing+target.Arm64FrameRecord+align(f.locals, 8)+saved, 16)
	f.base = target.X29
	f.bias = target.Arm64FrameRecord
}

func (a *arm64Gen) savedMem(i int) asm.Mem {
	return asm.BaseMem(target.X29, target.Arm64FrameRecord+align(a.frame.locals, 8)+int32(8*i))
}

func (a *arm64Gen) savedRegs() []target.Reg {
	return append(append([]target.Reg(nil), a.frame.ints...), a.frame.floats...)
}

// recordMem is where the frame record is stored, through the scratch
// register when the offset is beyond stp's reach.
func (a *arm64Gen) recordMem() asm.Mem {
	off := a.frame.outgoing
	if off <= 504 {
		return asm.BaseMem(target.SP, off)
	}
	if err := a.addImm(asm.S8, frameScratch, target.SP, int64(off)); err != nil && a.err == nil {
		a.err = err
	}
	return asm.BaseMem(frameScratch, 0)
}

func (a *arm64Gen) adjustSP(v int64) {
	if err := a.addImm(asm.S8, target.SP, target.SP, v); err != nil && a.err == nil {
		a.err = err
	}
}

func (a *arm64Gen) prologue() {
	f := &a.frame
	a.adjustSP(-int64(f.alloc))
	a.e.EmitRRM(arm64.STP, asm.S8, target.X29, target.X30, a.recordMem())
	if err := a.addImm(asm.S8, target.X29, target.SP, int64(f.outgoing)); err != nil && a.err == nil {
		a.err = err
	}
	for i, r := range a.savedRegs() {
		a.e.EmitMR(arm64.STR, asm.S8, a.savedMem(i), r)
	}
}

// restore unwinds the frame without returning.
func (a *arm64Gen) restore() {
	for i, r := range a.savedRegs() {
		a.e.EmitRM(arm64.LDR, asm.S8, r, a.savedMem(i))
	}
	a.e.EmitRRM(arm64.LDP, asm.S8, target.X29, target.X30, a.recordMem())
	a.adjustSP(int64(a.frame.alloc))
}

func (a *arm64Gen) epilogue() {
	a.restore()
	a.e.EmitNone(arm64.RET, asm.S8)
}

func (a *arm64Gen) throwBlock(helper string) {
	a.e.EmitCall(arm64.BL, helper, target.RegNone)
	a.e.EmitRI(arm64.BRK, asm.S4, target.RegNone, 0)
}

func (a *arm64Gen) node(n *ir.Node) error {
	switch n.Op {
	case ir.OpCnsInt:
		a.cnsInt(n)
	case ir.OpCnsDbl:
		a.cnsDbl(n)
	case ir.OpLclVar, ir.OpLclFld:
		m, err := a.fit(n, a.localMem(n.Lcl, n.Offset), n.Type.Size())
		if err != nil {
			return err
		}
		return a.load(n, n.Type, m)
	case ir.OpClsVar:
		// adr into the destination, then load through it.
		dst := a.reg(n)
		if dst.IsFloat(target.ArchARM64) {
			return jiterr.NYINode(n, "floating point static on arm64")
		}
		a.e.EmitRM(arm64.ADR, asm.S8, dst, asm.StaticMem(n.Symbol, 0))
		return a.load(n, n.Type, asm.BaseMem(dst, 0))
	case ir.OpClsVarAddr:
		a.e.EmitRM(arm64.ADR, asm.S8, a.reg(n), asm.StaticMem(n.Symbol, 0))
	case ir.OpLclVarAddr, ir.OpLclFldAddr:
		m := a.localMem(n.Lcl, n.Offset)
		return a.addImm(asm.S8, a.reg(n), m.Base, int64(m.Disp))
	case ir.OpLea:
		return a.lea(n)
	case ir.OpLabel:
		a.e.EmitLabel(a.label(n.Label))
	case ir.OpJmp:
		a.e.EmitJ(arm64.B, a.label(n.Label))
	case ir.OpJTrue:
		return a.jTrue(n)
	case ir.OpReturn:
		a.ret(n)
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		if n.Type.IsFloating() {
			return a.floatBinary(n)
		}
		return a.intBinary(n)
	case ir.OpMul:
		if n.Type.IsFloating() {
			return a.floatBinary(n)
		}
		return a.mul(n)
	case ir.OpMulHi:
		return a.mulHi(n)
	case ir.OpDiv, ir.OpUDiv, ir.OpMod, ir.OpUMod:
		if n.Type.IsFloating() {
			return a.floatBinary(n)
		}
		return a.div(n)
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor:
		return a.shift(n)
	case ir.OpNot, ir.OpNeg:
		return a.unary(n)
	case ir.OpEQ, ir.OpNE, ir.OpLT, ir.OpLE, ir.OpGE, ir.OpGT:
		c, err := a.compare(n)
		if err != nil {
			return err
		}
		a.e.EmitRI(arm64.CSET, asm.S4, a.reg(n), int64(c))
	case ir.OpCast:
		return a.cast(n)
	case ir.OpInd:
		m, err := a.mem(n, n.Type.Size())
		if err != nil {
			return err
		}
		return a.load(n, n.Type, m)
	case ir.OpNullCheck:
		m, err := a.mem(n, 4)
		if err != nil {
			return err
		}
		a.e.EmitRM(arm64.LDR, asm.S4, target.XZR, m)
	case ir.OpStoreInd:
		return a.storeInd(n)
	case ir.OpStoreLclVar, ir.OpStoreLclFld:
		if a.lw.IsWidenedStore(n) {
			return a.storeWidened(n)
		}
		m, err := a.fit(n, a.localMem(n.Lcl, n.Offset), n.Type.Size())
		if err != nil {
			return err
		}
		return a.store(n.Type, m, n.Data())
	case ir.OpCkFinite:
		return a.ckFinite(n)
	case ir.OpBoundsCheck:
		return a.boundsCheck(n)
	case ir.OpIntrinsic:
		return a.mathIntrinsic(n)
	case ir.OpXAdd, ir.OpXchg, ir.OpCmpXchg:
		return a.atomic(n)
	case ir.OpCall:
		return a.call(n)
	case ir.OpPutArgReg:
		return a.putArgReg(n)
	case ir.OpPutArgStk:
		return a.putArgStk(n)
	case ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj:
		return a.block(n)
	case ir.OpSIMD:
		return a.simd(n)
	case ir.OpHWIntrinsic:
		return a.hwIntrinsic(n)
	default:
		return jiterr.NYINode(n, "%s on arm64", n.Op)
	}
	return nil
}

func (a *arm64Gen) cnsInt(n *ir.Node) {
	dst, v := a.reg(n), n.IntVal
	if n.HasFlag(ir.FlagIconReloc) {
		// All four chunks, so the loader can patch them.
		a.e.EmitRI(arm64.MOVZ, asm.S8, dst, v&0xffff)
		for s := 16; s < 64; s += 16 {
			a.e.EmitRI(arm64.MOVK, asm.S8, dst, int64(uint64(v)>>s&0xffff)<<s)
		}
		return
	}
	a.movImm(intSize(n.Type), dst, v)
}

func (a *arm64Gen) cnsDbl(n *ir.Node) {
	dst, size := a.reg(n), floatSize(n.Type)
	if n.IsFPZero() {
		a.e.EmitRR(arm64.FMOV, size, dst, target.XZR)
		return
	}
	a.e.EmitRM(arm64.LDR, size, dst, asm.ConstMem(floatBytes(n.Type, n.FloatVal)))
}

func (a *arm64Gen) lea(n *ir.Node) error {
	dst := a.reg(n)
	off := int64(n.Offset)
	cur := target.RegNone
	if b := n.Base(); b != nil {
		cur = a.use(b)
	}
	if i := n.Index(); i != nil {
		idx := a.use(i)
		if n.Scale > 1 {
			if err := a.needTemps(n, 1, 0); err != nil {
				return err
			}
			tmp := a.intTemp(n, 0)
			a.e.EmitRRI(arm64.LSL, asm.S8, tmp, idx, int64(bits.TrailingZeros8(n.Scale)))
			idx = tmp
		}
		if cur == target.RegNone {
			a.mov(asm.S8, dst, idx)
		} else {
			a.e.EmitRRR(arm64.ADD, asm.S8, dst, cur, idx)
		}
		cur = dst
	}
	switch {
	case cur == target.RegNone:
		// Register 31 reads as sp in an add immediate.
		a.movImm(asm.S8, dst, off)
		return nil
	case off == 0 || target.Arm64AddImm(off) || target.Arm64AddImm(-off):
		return a.addImm(asm.S8, dst, cur, off)
	}
	if err := a.needTemps(n, 1, 0); err != nil {
		return err
	}
	tmp := a.intTemp(n, 0)
	a.movImm(asm.S8, tmp, off)
	a.e.EmitRRR(arm64.ADD, asm.S8, dst, cur, tmp)
	return nil
}

// mem is the address of the load or store n accessing size bytes.
func (a *arm64Gen) mem(n *ir.Node, size int) (asm.Mem, error) {
	m, err := a.addrMem(n.Addr())
	if err != nil {
		return m, err
	}
	return a.fit(n, m, size)
}

// fit reduces m to a form a size-byte load or store encodes, forming the
// address in n's internal register when the lowering asked for one.
func (a *arm64Gen) fit(n *ir.Node, m asm.Mem, size int) (asm.Mem, error) {
	if m.Kind != asm.MemAddr {
		return m, nil
	}
	switch {
	case m.Index == target.RegNone && m.Base != target.RegNone && target.Arm64LdStOffset(int64(m.Disp), size):
		return m, nil
	case m.Index != target.RegNone && m.Base != target.RegNone && m.Disp == 0 && (m.Scale == 1 || int(m.Scale) == size):
		return m, nil
	}
	tmp := a.intTemp(n, 0)
	if tmp == target.RegNone {
		return m, jiterr.Invariantf("address [%v+%v*%d%+d] needs a register the allocator did not reserve",
			m.Base, m.Index, m.Scale, m.Disp)
	}
	base := m.Base
	if m.Index != target.RegNone {
		idx := m.Index
		if m.Scale > 1 {
			a.e.EmitRRI(arm64.LSL, asm.S8, tmp, idx, int64(bits.TrailingZeros8(m.Scale)))
			idx = tmp
		}
		if base == target.RegNone {
			a.mov(asm.S8, tmp, idx)
		} else {
			a.e.EmitRRR(arm64.ADD, asm.S8, tmp, base, idx)
		}
		base = tmp
	}
	switch {
	case base == target.RegNone:
		a.movImm(asm.S8, tmp, int64(m.Disp))
		return asm.BaseMem(tmp, 0), nil
	case target.Arm64LdStOffset(int64(m.Disp), size):
		return asm.BaseMem(base, m.Disp), nil
	case base != tmp:
		a.movImm(asm.S8, tmp, int64(m.Disp))
		return asm.AddrMem(base, tmp, 1, 0), nil
	}
	if err := a.addImm(asm.S8, tmp, tmp, int64(m.Disp)); err != nil {
		return m, err
	}
	return asm.BaseMem(tmp, 0), nil
}

// ldr is the load of a value of type t and the access size.
func ldr(t ir.Type) (asm.Ins, asm.Size) {
	switch t {
	case ir.TypeBool, ir.TypeUByte:
		return arm64.LDRB, asm.S1
	case ir.TypeByte:
		return arm64.LDRSB, asm.S1
	case ir.TypeUShort:
		return arm64.LDRH, asm.S2
	case ir.TypeShort:
		return arm64.LDRSH, asm.S2
	case ir.TypeFloat:
		return arm64.LDR, asm.S4
	case ir.TypeDouble, ir.TypeSIMD8:
		return arm64.LDR, asm.S8
	case ir.TypeSIMD16:
		return arm64.LDR, asm.S16
	}
	return arm64.LDR, intSize(t)
}

func str(t ir.Type) (asm.Ins, asm.Size) {
	switch t {
	case ir.TypeBool, ir.TypeByte, ir.TypeUByte:
		return arm64.STRB, asm.S1
	case ir.TypeShort, ir.TypeUShort:
		return arm64.STRH, asm.S2
	}
	_, size := ldr(t)
	return arm64.STR, size
}

func (a *arm64Gen) load(n *ir.Node, t ir.Type, m asm.Mem) error {
	if t == ir.TypeSIMD12 || t == ir.TypeSIMD32 {
		return jiterr.NYINode(n, "%s load on arm64", t)
	}
	ins, size := ldr(t)
	a.e.EmitRM(ins, size, a.reg(n), m)
	return nil
}

// store writes data of type t to m; a contained zero is stored from the
// zero register.
func (a *arm64Gen) store(t ir.Type, m asm.Mem, data *ir.Node) error {
	if t == ir.TypeSIMD12 || t == ir.TypeSIMD32 {
		return jiterr.NYINode(data, "%s store on arm64", t)
	}
	ins, size := str(t)
	if a.contained(data) {
		if !data.IsIntegralConst(0) && !data.IsFPZero() {
			return jiterr.Invariantf("contained store data %v", data)
		}
		if size > asm.S8 {
			return jiterr.Invariantf("zero register store of %d bytes", size)
		}
		a.e.EmitMR(ins, size, m, target.XZR)
		return nil
	}
	if data.IsMultiRegCall() {
		for i, r := range a.as.Regs(data) {
			ins, size := str(data.Call.ReturnTypes[i])
			a.e.EmitMR(ins, size, m.WithDisp(int32(8*i)), r)
		}
		return nil
	}
	a.e.EmitMR(ins, size, m, a.use(data))
	return nil
}

// storeWidened writes the slot of a small local as a whole int. Constants
// arrive already normalised; other values are extended into a scratch
// register first.
func (a *arm64Gen) storeWidened(n *ir.Node) error {
	m, err := a.fit(n, a.localMem(n.Lcl, n.Offset), 4)
	if err != nil {
		return err
	}
	data := n.Data()
	if a.contained(data) {
		a.e.EmitMR(arm64.STR, asm.S4, m, target.XZR)
		return nil
	}
	src := a.use(data)
	if !data.IsCnsIntOrI() {
		slot := 0
		if a.lw.NeedsAddrTemp(n) {
			slot = 1
		}
		tmp := a.intTemp(n, slot)
		if tmp == target.RegNone {
			return jiterr.Invariantf("widened store without a scratch register").At(n)
		}
		a.extend(tmp, src, a.m.Local(n.Lcl).Type, false)
		src = tmp
	}
	a.e.EmitMR(arm64.STR, asm.S4, m, src)
	return nil
}

func (a *arm64Gen) storeInd(n *ir.Node) error {
	if n.HasFlag(ir.FlagWriteBarrier) {
		// x14 holds the address and x15 the value.
		a.e.EmitCall(arm64.BL, lower.HelperWriteBarrier, target.RegNone)
		return nil
	}
	m, err := a.mem(n, n.Type.Size())
	if err != nil {
		return err
	}
	return a.store(n.Type, m, n.Data())
}

func (a *arm64Gen) ret(n *ir.Node) {
	if v := n.Op1(); v != nil && !v.IsMultiRegCall() {
		a.copyReg(v.Type, a.t.ABI.ReturnReg(v.Type), a.use(v))
	}
	a.epilogue()
}

var arm64ALU = map[ir.Op]asm.Ins{
	ir.OpAdd: arm64.ADD,
	ir.OpSub: arm64.SUB,
	ir.OpAnd: arm64.AND,
	ir.OpOr:  arm64.ORR,
	ir.OpXor: arm64.EOR,
}

func (a *arm64Gen) intBinary(n *ir.Node) error {
	size := intSize(n.Type)
	dst, src := a.reg(n), a.use(n.Op1())
	ins := arm64ALU[n.Op]
	add, sub := arm64.ADD, arm64.SUB
	if n.HasFlag(ir.FlagOverflow) {
		add, sub = arm64.ADDS, arm64.SUBS
		switch n.Op {
		case ir.OpAdd:
			ins = add
		case ir.OpSub:
			ins = sub
		}
	}
	op2 := n.Op2()
	if !a.contained(op2) {
		a.e.EmitRRR(ins, size, dst, src, a.use(op2))
		a.overflow(n)
		return nil
	}
	v := op2.IntVal
	if size == asm.S4 {
		v = int64(int32(v))
	}
	if (n.Op == ir.OpAdd || n.Op == ir.OpSub) && !target.Arm64AddImm(v) {
		// A negative immediate is the other operation.
		v = -v
		if ins == add {
			ins = sub
		} else {
			ins = add
		}
	}
	a.e.EmitRRI(ins, size, dst, src, v)
	a.overflow(n)
	return nil
}

// overflow branches to the overflow throw. An unsigned add overflows with
// the carry set, an unsigned subtract with it clear; a flipped immediate
// keeps the meaning of the original operation.
func (a *arm64Gen) overflow(n *ir.Node) {
	if !n.HasFlag(ir.FlagOverflow) {
		return
	}
	c := arm64.VS
	if n.HasFlag(ir.FlagUnsigned) {
		c = arm64.HS
		if n.Op == ir.OpSub {
			c = arm64.LO
		}
	}
	a.e.EmitJ(c.Branch(), a.throwLabel(lower.HelperThrowOverflow))
}

var arm64Float = map[ir.Op]asm.Ins{
	ir.OpAdd: arm64.FADD,
	ir.OpSub: arm64.FSUB,
	ir.OpMul: arm64.FMUL,
	ir.OpDiv: arm64.FDIV,
}

func (a *arm64Gen) floatBinary(n *ir.Node) error {
	ins, ok := arm64Float[n.Op]
	if !ok {
		return jiterr.NYINode(n, "floating point %s", n.Op)
	}
	a.e.EmitRRR(ins, floatSize(n.Type), a.reg(n), a.use(n.Op1()), a.use(n.Op2()))
	return nil
}

func (a *arm64Gen) mul(n *ir.Node) error {
	size := intSize(n.Type)
	dst, x, y := a.reg(n), a.use(n.Op1()), a.use(n.Op2())
	if !n.HasFlag(ir.FlagOverflow) {
		a.e.EmitRRR(arm64.MUL, size, dst, x, y)
		return nil
	}
	unsigned := n.HasFlag(ir.FlagUnsigned)
	temps := 1
	if !unsigned && size == asm.S8 {
		temps = 2
	}
	if err := a.needTemps(n, temps, 0); err != nil {
		return err
	}
	tmp := a.intTemp(n, 0)
	fail := a.throwLabel(lower.HelperThrowOverflow)
	switch {
	case size == asm.S4 && unsigned:
		// The 64-bit product fits when its high word is zero.
		a.e.EmitRRR(arm64.UMULL, asm.S8, dst, x, y)
		a.e.EmitRRI(arm64.LSR, asm.S8, tmp, dst, 32)
		a.e.EmitRI(arm64.CMP, asm.S8, tmp, 0)
	case size == asm.S4:
		a.e.EmitRRR(arm64.SMULL, asm.S8, dst, x, y)
		a.e.EmitRR(arm64.SXTW, asm.S4, tmp, dst)
		a.e.EmitRR(arm64.CMP, asm.S8, tmp, dst)
	case unsigned:
		a.e.EmitRRR(arm64.UMULH, asm.S8, tmp, x, y)
		a.e.EmitRRR(arm64.MUL, asm.S8, dst, x, y)
		a.e.EmitRI(arm64.CMP, asm.S8, tmp, 0)
	default:
		// The high half must be the sign of the low half.
		sign := a.intTemp(n, 1)
		a.e.EmitRRR(arm64.SMULH, asm.S8, tmp, x, y)
		a.e.EmitRRR(arm64.MUL, asm.S8, dst, x, y)
		a.e.EmitRRI(arm64.ASR, asm.S8, sign, dst, 63)
		a.e.EmitRR(arm64.CMP, asm.S8, tmp, sign)
	}
	a.e.EmitJ(arm64.BNE, fail)
	if size == asm.S4 {
		a.e.EmitRR(arm64.MOV, asm.S4, dst, dst)
	}
	return nil
}

// mulHi is the high half of the full product.
func (a *arm64Gen) mulHi(n *ir.Node) error {
	dst, x, y := a.reg(n), a.use(n.Op1()), a.use(n.Op2())
	unsigned := n.HasFlag(ir.FlagUnsigned)
	if intSize(n.Type) == asm.S8 {
		ins := arm64.SMULH
		if unsigned {
			ins = arm64.UMULH
		}
		a.e.EmitRRR(ins, asm.S8, dst, x, y)
		return nil
	}
	mul, shr := arm64.SMULL, arm64.ASR
	if unsigned {
		mul, shr = arm64.UMULL, arm64.LSR
	}
	a.e.EmitRRR(mul, asm.S8, dst, x, y)
	a.e.EmitRRI(shr, asm.S8, dst, dst, 32)
	return nil
}

// div checks the divisor against zero; msub recovers the remainder from
// the quotient.
func (a *arm64Gen) div(n *ir.Node) error {
	size := intSize(n.Type)
	dst, x, d := a.reg(n), a.use(n.Op1()), a.use(n.Op2())
	a.e.EmitRI(arm64.CMP, size, d, 0)
	a.e.EmitJ(arm64.BEQ, a.throwLabel(lower.HelperThrowDivZero))
	ins := arm64.SDIV
	if n.Op == ir.OpUDiv || n.Op == ir.OpUMod {
		ins = arm64.UDIV
	} else if divMayOverflow(n) {
		// sdiv saturates MinValue / -1 instead of trapping.
		ok := a.e.NewLabel()
		a.e.EmitRI(arm64.CMN, size, d, 1)
		a.e.EmitJ(arm64.BNE, ok)
		a.e.EmitRI(arm64.CMP, size, x, 1)
		a.e.EmitJ(arm64.BVS, a.throwLabel(lower.HelperThrowArith))
		a.e.EmitLabel(ok)
	}
	if n.Op == ir.OpDiv || n.Op == ir.OpUDiv {
		a.e.EmitRRR(ins, size, dst, x, d)
		return nil
	}
	if err := a.needTemps(n, 1, 0); err != nil {
		return err
	}
	q := a.intTemp(n, 0)
	a.e.EmitRRR(ins, size, q, x, d)
	a.e.EmitRRRR(arm64.MSUB, size, dst, q, d, x)
	return nil
}

// divMayOverflow reports a signed division whose operands are not
// constants that rule out MinValue / -1.
func divMayOverflow(n *ir.Node) bool {
	x, d := n.Op1(), n.Op2()
	if d.IsCnsIntOrI() && d.IntVal != -1 {
		return false
	}
	if x.IsCnsIntOrI() {
		if n.Type.Size() == 8 {
			return x.IntVal == math.MinInt64
		}
		return int32(x.IntVal) == math.MinInt32
	}
	return true
}

var arm64Shift = map[ir.Op]asm.Ins{
	ir.OpLsh: arm64.LSL,
	ir.OpRsh: arm64.ASR,
	ir.OpRsz: arm64.LSR,
	ir.OpRor: arm64.ROR,
	ir.OpRol: arm64.ROR,
}

func (a *arm64Gen) shift(n *ir.Node) error {
	size := intSize(n.Type)
	width := int64(8 * size)
	dst, src := a.reg(n), a.use(n.Op1())
	ins := arm64Shift[n.Op]
	if count := n.Op2(); a.contained(count) {
		c := count.IntVal & (width - 1)
		if n.Op == ir.OpRol {
			c = (width - c) & (width - 1)
		}
		a.e.EmitRRI(ins, size, dst, src, c)
		return nil
	}
	count := a.use(n.Op2())
	if n.Op == ir.OpRol {
		// Rotating left by n is rotating right by -n modulo the width.
		if err := a.needTemps(n, 1, 0); err != nil {
			return err
		}
		tmp := a.intTemp(n, 0)
		a.e.EmitRR(arm64.NEG, size, tmp, count)
		count = tmp
	}
	a.e.EmitRRR(ins, size, dst, src, count)
	return nil
}

func (a *arm64Gen) unary(n *ir.Node) error {
	dst, src := a.reg(n), a.use(n.Op1())
	if n.Type.IsFloating() {
		if n.Op != ir.OpNeg {
			return jiterr.NYINode(n, "floating point %s", n.Op)
		}
		a.e.EmitRR(arm64.FNEG, floatSize(n.Type), dst, src)
		return nil
	}
	ins := arm64.MVN
	if n.Op == ir.OpNeg {
		ins = arm64.NEG
	}
	a.e.EmitRR(ins, intSize(n.Type), dst, src)
	return nil
}

var (
	signedConds   = map[ir.Op]arm64.Cond{ir.OpEQ: arm64.EQ, ir.OpNE: arm64.NE, ir.OpLT: arm64.LT, ir.OpLE: arm64.LE, ir.OpGE: arm64.GE, ir.OpGT: arm64.GT}
	unsignedConds = map[ir.Op]arm64.Cond{ir.OpEQ: arm64.EQ, ir.OpNE: arm64.NE, ir.OpLT: arm64.LO, ir.OpLE: arm64.LS, ir.OpGE: arm64.HS, ir.OpGT: arm64.HI}
	// An unordered fcmp sets C and V: mi, ls, gt and ge are all false
	// then, ne is true.
	floatConds = map[ir.Op]arm64.Cond{ir.OpEQ: arm64.EQ, ir.OpNE: arm64.NE, ir.OpLT: arm64.MI, ir.OpLE: arm64.LS, ir.OpGE: arm64.GE, ir.OpGT: arm64.GT}
)

// compare sets the flags for relation n and returns the condition that
// holds when it is true.
func (a *arm64Gen) compare(n *ir.Node) (arm64.Cond, error) {
	op1, op2 := n.Op1(), n.Op2()
	if a.contained(op1) {
		return 0, jiterr.Invariantf("contained left operand of %s", n.Op)
	}
	x := a.use(op1)
	if op1.Type.IsFloating() {
		size := floatSize(op1.Type)
		if a.contained(op2) {
			a.e.EmitRI(arm64.FCMP, size, x, 0)
		} else {
			a.e.EmitRR(arm64.FCMP, size, x, a.use(op2))
		}
		return floatConds[n.Op], nil
	}
	size := intSize(op1.Type)
	switch {
	case !a.contained(op2):
		a.e.EmitRR(arm64.CMP, size, x, a.use(op2))
	case target.Arm64AddImm(op2.IntVal):
		a.e.EmitRI(arm64.CMP, size, x, op2.IntVal)
	default:
		a.e.EmitRI(arm64.CMN, size, x, -op2.IntVal)
	}
	if isUnsignedCompare(n) {
		return unsignedConds[n.Op], nil
	}
	return signedConds[n.Op], nil
}

func (a *arm64Gen) jTrue(n *ir.Node) error {
	to := a.label(n.Label)
	c := n.Op1()
	if cc, ok := a.flags[c.ID]; ok {
		a.e.EmitJ(cc.Branch(), to)
		return nil
	}
	if !a.contained(c) {
		a.e.EmitRI(arm64.CMP, intSize(c.Type), a.use(c), 0)
		a.e.EmitJ(arm64.BNE, to)
		return nil
	}
	cc, err := a.compare(c)
	if err != nil {
		return err
	}
	a.e.EmitJ(cc.Branch(), to)
	return nil
}

func (a *arm64Gen) ckFinite(n *ir.Node) error {
	if err := a.needTemps(n, 1, 0); err != nil {
		return err
	}
	src, dst, tmp := a.use(n.Op1()), a.reg(n), a.intTemp(n, 0)
	size := floatSize(n.Type)
	shift, mask := int64(52), int64(0x7ff)
	if n.Type == ir.TypeFloat {
		shift, mask = 23, 0xff
	}
	a.e.EmitRR(arm64.FMOV, size, tmp, src)
	a.e.EmitRRI(arm64.LSR, size, tmp, tmp, shift)
	a.e.EmitRRI(arm64.AND, asm.S4, tmp, tmp, mask)
	a.e.EmitRI(arm64.CMP, asm.S4, tmp, mask)
	a.e.EmitJ(arm64.BEQ, a.throwLabel(lower.HelperThrowArith))
	a.copyReg(n.Type, dst, src)
	return nil
}

// boundsCheck throws unless index < length, compared unsigned.
func (a *arm64Gen) boundsCheck(n *ir.Node) error {
	index, length := n.Op1(), n.Op2()
	size := intSize(index.Type)
	fail := a.throwLabel(lower.HelperThrowRange)
	switch {
	case a.contained(index) && a.contained(length):
		return jiterr.Invariantf("bounds check of two constants")
	case a.contained(index):
		a.e.EmitRI(arm64.CMP, size, a.use(length), index.IntVal)
		a.e.EmitJ(arm64.BLS, fail)
	case a.contained(length):
		a.e.EmitRI(arm64.CMP, size, a.use(index), length.IntVal)
		a.e.EmitJ(arm64.BHS, fail)
	default:
		a.e.EmitRR(arm64.CMP, size, a.use(index), a.use(length))
		a.e.EmitJ(arm64.BHS, fail)
	}
	return nil
}

func (a *arm64Gen) mathIntrinsic(n *ir.Node) error {
	ins := map[ir.MathIntrinsic]asm.Ins{
		ir.MathSqrt:  arm64.FSQRT,
		ir.MathAbs:   arm64.FABS,
		ir.MathRound: arm64.FRINTN,
	}[n.Math]
	if ins == arm64.INVALID || !n.Type.IsFloating() {
		return jiterr.NYINode(n, "math intrinsic %s", n.Math)
	}
	if a.contained(n.Op1()) {
		return jiterr.Invariantf("contained operand of %s on arm64", n.Math)
	}
	a.e.EmitRR(ins, floatSize(n.Type), a.reg(n), a.use(n.Op1()))
	return nil
}

func (a *arm64Gen) cast(n *ir.Node) error {
	src := n.Op1()
	from, to := src.Type, castTo(n)
	dst, r := a.reg(n), a.use(src)
	unsignedSrc := from.IsUnsigned() || n.HasFlag(ir.FlagUnsigned)
	switch {
	case from.IsFloating() && to.IsFloating():
		if from == to {
			a.copyReg(to, dst, r)
			return nil
		}
		a.e.EmitRR(arm64.FCVT, floatSize(to), dst, r)
	case from.IsFloating():
		ins := arm64.FCVTZS
		if to.IsUnsigned() {
			ins = arm64.FCVTZU
		}
		size := asm.S4
		if to.Size() == 8 {
			size = asm.S8
		}
		a.e.EmitRR(ins, size, dst, r)
		if to.IsSmallInt() {
			a.extend(dst, dst, to, false)
		}
	case to.IsFloating():
		ins := arm64.SCVTF
		if unsignedSrc {
			ins = arm64.UCVTF
		}
		size := asm.S4
		if from.Size() == 8 {
			size = asm.S8
		}
		a.e.EmitRR(ins, size, dst, r)
	default:
		return a.intCast(n, from, to, r, unsignedSrc)
	}
	return nil
}

func (a *arm64Gen) intCast(n *ir.Node, from, to ir.Type, r target.Reg, unsignedSrc bool) error {
	dst := a.reg(n)
	fromSize, toSize := from.Size(), to.Size()
	if n.HasFlag(ir.FlagOverflow) {
		fail := a.throwLabel(lower.HelperThrowOverflow)
		srcSize := asm.SizeOf(fromSize)
		if srcSize < asm.S4 {
			srcSize = asm.S4
		}
		if unsignedSrc != to.IsUnsigned() && (toSize >= fromSize || unsignedSrc) {
			a.e.EmitRI(arm64.CMP, srcSize, r, 0)
			a.e.EmitJ(arm64.BLT, fail)
		}
		if toSize < fromSize {
			if err := a.needTemps(n, 1, 0); err != nil {
				return err
			}
			tmp := a.intTemp(n, 0)
			a.extend(tmp, r, to, fromSize == 8)
			a.e.EmitRR(arm64.CMP, srcSize, tmp, r)
			a.e.EmitJ(arm64.BNE, fail)
		}
	}
	switch {
	case to.IsSmallInt():
		a.extend(dst, r, to, false)
	case toSize == 8 && fromSize < 8:
		if unsignedSrc && fromSize == 4 {
			a.e.EmitRR(arm64.MOV, asm.S4, dst, r)
		} else {
			a.extend(dst, r, from, true)
		}
	case toSize == 4 && fromSize < 4:
		a.extend(dst, r, from, false)
	case toSize == 4 && fromSize == 8:
		a.e.EmitRR(arm64.MOV, asm.S4, dst, r)
	default:
		a.mov(asm.SizeOf(toSize), dst, r)
	}
	return nil
}

// extend widens the low bytes of src as a value of type t; wide requests
// a 64-bit result. Writing a w register clears the upper half, so the
// zero extensions need no wide form.
func (a *arm64Gen) extend(dst, src target.Reg, t ir.Type, wide bool) {
	switch size := t.Size(); {
	case size == 8:
		a.mov(asm.S8, dst, src)
	case size == 4 && (t.IsUnsigned() || !wide):
		a.e.EmitRR(arm64.MOV, asm.S4, dst, src)
	case size == 4:
		a.e.EmitRR(arm64.SXTW, asm.S4, dst, src)
	case t.IsUnsigned() || t == ir.TypeBool:
		ins := arm64.UXTB
		if size == 2 {
			ins = arm64.UXTH
		}
		a.e.EmitRR(ins, asm.S4, dst, src)
	default:
		ins := arm64.SXTB
		if size == 2 {
			ins = arm64.SXTH
		}
		out := asm.S4
		if wide {
			out = asm.S8
		}
		a.e.EmitRR(ins, out, dst, src)
	}
}

// atomic uses the LSE forms, which return the old value in their second
// register.
func (a *arm64Gen) atomic(n *ir.Node) error {
	size := intSize(n.Type)
	addr, dst := a.use(n.Addr()), a.reg(n)
	m := asm.BaseMem(addr, 0)
	v := a.use(n.Op2())
	switch n.Op {
	case ir.OpXAdd:
		a.e.EmitRRM(arm64.LDADDAL, size, v, dst, m)
	case ir.OpXchg:
		a.e.EmitRRM(arm64.SWPAL, size, v, dst, m)
	case ir.OpCmpXchg:
		if err := a.needTemps(n, 1, 0); err != nil {
			return err
		}
		// casal replaces the comparand with the old value.
		tmp := a.intTemp(n, 0)
		a.mov(size, tmp, a.use(n.Op3()))
		a.e.EmitRRM(arm64.CASAL, size, tmp, v, m)
		a.mov(size, dst, tmp)
	}
	return nil
}

func (a *arm64Gen) call(n *ir.Node) error {
	c := n.Call
	ctrl := n.ControlExpr()
	if ctrl != nil && a.contained(ctrl) {
		return jiterr.Invariantf("contained call target on arm64")
	}
	if c.FastTailCall {
		a.restore()
		if ctrl == nil {
			a.e.EmitCall(arm64.B, c.Target, target.RegNone)
		} else {
			a.e.EmitR(arm64.BR, asm.S8, a.use(ctrl))
		}
		return nil
	}
	if ctrl == nil {
		a.e.EmitCall(arm64.BL, c.Target, target.RegNone)
	} else {
		a.e.EmitCall(arm64.BLR, "", a.use(ctrl))
	}
	return nil
}

func (a *arm64Gen) putArgReg(n *ir.Node) error {
	loc, ok := a.lw.ArgLoc(n)
	if !ok {
		return jiterr.Invariantf("argument was never placed")
	}
	v := n.Op1()
	a.copyReg(v.Type, loc.Reg, a.use(v))
	if loc.Shadow != target.RegNone {
		a.e.EmitRR(arm64.FMOV, asm.S8, loc.Shadow, loc.Reg)
	}
	return nil
}

func (a *arm64Gen) putArgStk(n *ir.Node) error {
	v := n.Op1()
	m := asm.BaseMem(target.SP, n.Offset)
	if a.contained(v) {
		a.e.EmitMR(arm64.STR, asm.S8, m, target.XZR)
		return nil
	}
	ins, size := str(v.Type.ActualType())
	if !v.Type.IsFloating() && !v.Type.IsSIMD() {
		ins, size = arm64.STR, asm.S8
	}
	a.e.EmitMR(ins, size, m, a.use(v))
	return nil
}

// pairFits reports an ldp/stp offset: signed seven bits, scaled by eight.
func pairFits(off int32) bool {
	return off%8 == 0 && off >= -512 && off <= 504
}

func (a *arm64Gen) block(n *ir.Node) error {
	switch a.lw.Block(n) {
	case lower.BlockUnroll:
		if n.Op == ir.OpInitBlk {
			return a.initUnroll(n)
		}
		return a.copyUnroll(n)
	case lower.BlockHelper:
		helper := lower.HelperMemCpy
		if n.Op == ir.OpInitBlk {
			helper = lower.HelperMemSet
		}
		a.e.EmitCall(arm64.BL, helper, target.RegNone)
		return nil
	case lower.BlockGCCopy:
		return jiterr.NYINode(n, "struct copy with GC slots on arm64")
	}
	return jiterr.Invariantf("block operation without a strategy")
}

// blockMem is the start of a block operand; every chunk offset must stay
// within reach of a scaled load or store.
func (a *arm64Gen) blockMem(addr *ir.Node, size int64) (asm.Mem, error) {
	m, err := a.addrMem(addr)
	if err != nil {
		return m, err
	}
	if m.Index != target.RegNone || !target.Arm64LdStOffset(int64(m.Disp), 1) ||
		!target.Arm64LdStOffset(int64(m.Disp)+size-1, 1) && !pairFits(m.Disp+int32(size)&^15) {
		return m, jiterr.NYI("arm64.block", "block at %+d of %d bytes out of offset range", m.Disp, size)
	}
	return m, nil
}

func (a *arm64Gen) initUnroll(n *ir.Node) error {
	size := n.Op3().IntVal
	dst, err := a.blockMem(n.Op1(), size)
	if err != nil {
		return err
	}
	fill := target.XZR
	if f := n.Op2(); !a.contained(f) {
		fill = a.use(f)
	}
	chunks(size, true, func(off int32, w asm.Size) {
		m := dst.WithDisp(off)
		if w == asm.S16 {
			if pairFits(m.Disp) {
				a.e.EmitRRM(arm64.STP, asm.S8, fill, fill, m)
				return
			}
			a.e.EmitMR(arm64.STR, asm.S8, m, fill)
			a.e.EmitMR(arm64.STR, asm.S8, m.WithDisp(8), fill)
			return
		}
		ins, _ := str(chunkType(w))
		a.e.EmitMR(ins, w, m, fill)
	})
	return nil
}

func (a *arm64Gen) copyUnroll(n *ir.Node) error {
	size := n.Op3().IntVal
	dst, err := a.blockMem(n.Op1(), size)
	if err != nil {
		return err
	}
	src, err := a.blockMem(n.Op2(), size)
	if err != nil {
		return err
	}
	if err := a.needTemps(n, 2, 0); err != nil {
		return err
	}
	t0, t1 := a.intTemp(n, 0), a.intTemp(n, 1)
	chunks(size, true, func(off int32, w asm.Size) {
		s, d := src.WithDisp(off), dst.WithDisp(off)
		if w == asm.S16 {
			if pairFits(s.Disp) && pairFits(d.Disp) {
				a.e.EmitRRM(arm64.LDP, asm.S8, t0, t1, s)
				a.e.EmitRRM(arm64.STP, asm.S8, t0, t1, d)
				return
			}
			a.e.EmitRM(arm64.LDR, asm.S8, t0, s)
			a.e.EmitRM(arm64.LDR, asm.S8, t1, s.WithDisp(8))
			a.e.EmitMR(arm64.STR, asm.S8, d, t0)
			a.e.EmitMR(arm64.STR, asm.S8, d.WithDisp(8), t1)
			return
		}
		t := chunkType(w)
		ld, _ := ldr(t)
		st, _ := str(t)
		a.e.EmitRM(ld, w, t0, s)
		a.e.EmitMR(st, w, d, t0)
	})
	return nil
}

// chunkType is the unsigned integer type of a w-byte piece of a block.
func chunkType(w asm.Size) ir.Type {
	switch w {
	case asm.S1:
		return ir.TypeUByte
	case asm.S2:
		return ir.TypeUShort
	case asm.S4:
		return ir.TypeUInt
	}
	return ir.TypeULong
}
