package ir

// The constructors below create unlinked nodes. Link a finished statement
// with Method.AppendTree.

func (m *Method) IntCon(typ Type, v int64) *Node {
	n := m.NewNode(OpCnsInt, typ)
	n.IntVal = v
	return n
}

// Handle creates a relocatable integer constant such as a class or method
// table pointer.
func (m *Method) Handle(v int64) *Node {
	n := m.IntCon(TypeLong, v)
	n.Flags |= FlagIconReloc
	return n
}

func (m *Method) DblCon(typ Type, v float64) *Node {
	n := m.NewNode(OpCnsDbl, typ)
	n.FloatVal = v
	return n
}

// LclVar reads local lcl with the local's type.
func (m *Method) LclVar(lcl LclNum) *Node {
	n := m.NewNode(OpLclVar, m.Locals[lcl].Type)
	n.Lcl = lcl
	return n
}

func (m *Method) LclFld(typ Type, lcl LclNum, offset int32) *Node {
	n := m.NewNode(OpLclFld, typ)
	n.Lcl = lcl
	n.Offset = offset
	return n
}

func (m *Method) LclVarAddr(lcl LclNum) *Node {
	n := m.NewNode(OpLclVarAddr, TypeByRef)
	n.Lcl = lcl
	return n
}

func (m *Method) LclFldAddr(lcl LclNum, offset int32) *Node {
	n := m.NewNode(OpLclFldAddr, TypeByRef)
	n.Lcl = lcl
	n.Offset = offset
	return n
}

func (m *Method) ClsVar(typ Type, sym string) *Node {
	n := m.NewNode(OpClsVar, typ)
	n.Symbol = sym
	return n
}

func (m *Method) ClsVarAddr(sym string) *Node {
	n := m.NewNode(OpClsVarAddr, TypeLong)
	n.Symbol = sym
	return n
}

func (m *Method) Unary(op Op, typ Type, a *Node) *Node {
	return m.NewNode(op, typ, a)
}

func (m *Method) Binary(op Op, typ Type, a, b *Node) *Node {
	return m.NewNode(op, typ, a, b)
}

// Compare creates a relational node producing an Int 0/1 value.
func (m *Method) Compare(op Op, a, b *Node) *Node {
	return m.NewNode(op, TypeInt, a, b)
}

func (m *Method) Ind(typ Type, addr *Node) *Node {
	return m.NewNode(OpInd, typ, addr)
}

func (m *Method) StoreInd(typ Type, addr, data *Node) *Node {
	return m.NewNode(OpStoreInd, typ, addr, data)
}

// StoreLclVar stores data into local lcl using the local's type.
func (m *Method) StoreLclVar(lcl LclNum, data *Node) *Node {
	n := m.NewNode(OpStoreLclVar, m.Locals[lcl].Type, data)
	n.Lcl = lcl
	return n
}

func (m *Method) StoreLclFld(typ Type, lcl LclNum, offset int32, data *Node) *Node {
	n := m.NewNode(OpStoreLclFld, typ, data)
	n.Lcl = lcl
	n.Offset = offset
	return n
}

// Lea creates an address-mode node; base and index may be nil.
func (m *Method) Lea(typ Type, base, index *Node, scale uint8, offset int32) *Node {
	n := m.NewNode(OpLea, typ)
	n.ops = make([]*Node, 2)
	n.SetOperand(0, base)
	n.SetOperand(1, index)
	n.Scale = scale
	n.Offset = offset
	return n
}

func (m *Method) Cast(to Type, a *Node) *Node {
	n := m.NewNode(OpCast, to.ActualType(), a)
	n.CastTo = to
	return n
}

func (m *Method) MathIntrinsic(id MathIntrinsic, typ Type, a *Node) *Node {
	n := m.NewNode(OpIntrinsic, typ, a)
	n.Math = id
	return n
}

func (m *Method) Return(v *Node) *Node {
	if v == nil {
		return m.NewNode(OpReturn, TypeVoid)
	}
	return m.NewNode(OpReturn, TypeVoid, v)
}

func (m *Method) BoundsCheck(index, length *Node) *Node {
	return m.NewNode(OpBoundsCheck, TypeVoid, index, length)
}

func (m *Method) CmpXchg(typ Type, addr, value, comparand *Node) *Node {
	return m.NewNode(OpCmpXchg, typ, addr, value, comparand)
}

// PutArgReg wraps argument number argNum of a call passed in a register.
func (m *Method) PutArgReg(argNum int, v *Node) *Node {
	n := m.NewNode(OpPutArgReg, v.Type.ActualType(), v)
	n.ArgNum = argNum
	return n
}

// PutArgStk wraps argument number argNum of a call passed on the stack.
func (m *Method) PutArgStk(argNum int, v *Node) *Node {
	n := m.NewNode(OpPutArgStk, TypeVoid, v)
	n.ArgNum = argNum
	return n
}

// CallNode creates a call. For indirect calls the control expression is the
// last operand.
func (m *Method) CallNode(ret Type, info *CallInfo, ops ...*Node) *Node {
	n := m.NewNode(OpCall, ret, ops...)
	n.Call = info
	return n
}

func (m *Method) InitBlk(dst, fill, size *Node) *Node {
	return m.NewNode(OpInitBlk, TypeVoid, dst, fill, size)
}

func (m *Method) CopyBlk(dst, src, size *Node) *Node {
	return m.NewNode(OpCopyBlk, TypeVoid, dst, src, size)
}

// CopyObj copies a struct with the given GC slot layout; classHandle is the
// relocatable class token.
func (m *Method) CopyObj(dst, src, classHandle *Node, layout []GCKind) *Node {
	n := m.NewNode(OpCopyObj, TypeVoid, dst, src, classHandle)
	n.Block = &BlockInfo{GCLayout: layout}
	return n
}

func (m *Method) SIMDNode(id SIMDIntrinsic, typ, base Type, size int, ops ...*Node) *Node {
	n := m.NewNode(OpSIMD, typ, ops...)
	n.SIMD = id
	n.BaseType = base
	n.SIMDSize = size
	return n
}

func (m *Method) HWIntrinsicNode(id HWIntrinsic, typ, base Type, size int, ops ...*Node) *Node {
	n := m.NewNode(OpHWIntrinsic, typ, ops...)
	n.HW = id
	n.BaseType = base
	n.SIMDSize = size
	return n
}

func (m *Method) LabelNode(l LabelID) *Node {
	n := m.NewNode(OpLabel, TypeVoid)
	n.Label = l
	return n
}

func (m *Method) Jmp(l LabelID) *Node {
	n := m.NewNode(OpJmp, TypeVoid)
	n.Label = l
	return n
}

func (m *Method) JTrue(cond *Node, l LabelID) *Node {
	n := m.NewNode(OpJTrue, TypeVoid, cond)
	n.Label = l
	return n
}
