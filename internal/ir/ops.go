package ir

import (
	"fmt"
	"strings"
)

// Op is the closed operator enumeration of the IR.
type Op uint8

const (
	OpInvalid Op = iota

	// Leaves.
	OpCnsInt
	OpCnsDbl
	OpLclVar
	OpLclFld
	OpLclVarAddr
	OpLclFldAddr
	OpClsVar
	OpClsVarAddr
	OpLabel

	// Unary.
	OpNot
	OpNeg
	OpCast
	OpInd
	OpNullCheck
	OpCkFinite
	OpIntrinsic
	OpReturn
	OpJTrue
	OpPutArgReg
	OpPutArgStk
	OpStoreLclVar
	OpStoreLclFld

	// Binary.
	OpAdd
	OpSub
	OpMul
	OpMulHi
	OpDiv
	OpUDiv
	OpMod
	OpUMod
	OpAnd
	OpOr
	OpXor
	OpLsh
	OpRsh
	OpRsz
	OpRol
	OpRor
	OpEQ
	OpNE
	OpLT
	OpLE
	OpGE
	OpGT
	OpStoreInd
	OpBoundsCheck
	OpXAdd
	OpXchg

	// Special arity.
	OpLea
	OpCmpXchg
	OpCall
	OpInitBlk
	OpCopyBlk
	OpCopyObj
	OpSIMD
	OpHWIntrinsic
	OpJmp

	opCount
)

type opKind uint8

const (
	okLeaf opKind = iota
	okUnary
	okBinary
	okSpecial
)

type opFlags uint16

const (
	ofCommutative opFlags = 1 << iota
	ofCompare
	ofStore
	ofLocalStore
	ofIndir
	ofBlock
	ofNoValue
	ofShift
	ofLogical
)

type opInfo struct {
	name  string
	kind  opKind
	flags opFlags
}

var opTable = [opCount]opInfo{
	OpInvalid:     {"invalid", okLeaf, 0},
	OpCnsInt:      {"cns_int", okLeaf, 0},
	OpCnsDbl:      {"cns_dbl", okLeaf, 0},
	OpLclVar:      {"lcl_var", okLeaf, 0},
	OpLclFld:      {"lcl_fld", okLeaf, 0},
	OpLclVarAddr:  {"lcl_var_addr", okLeaf, 0},
	OpLclFldAddr:  {"lcl_fld_addr", okLeaf, 0},
	OpClsVar:      {"cls_var", okLeaf, 0},
	OpClsVarAddr:  {"cls_var_addr", okLeaf, 0},
	OpLabel:       {"label", okLeaf, ofNoValue},
	OpNot:         {"not", okUnary, ofLogical},
	OpNeg:         {"neg", okUnary, 0},
	OpCast:        {"cast", okUnary, 0},
	OpInd:         {"ind", okUnary, ofIndir},
	OpNullCheck:   {"null_check", okUnary, ofIndir | ofNoValue},
	OpCkFinite:    {"ckfinite", okUnary, 0},
	OpIntrinsic:   {"intrinsic", okUnary, 0},
	OpReturn:      {"return", okUnary, ofNoValue},
	OpJTrue:       {"jtrue", okUnary, ofNoValue},
	OpPutArgReg:   {"putarg_reg", okUnary, 0},
	OpPutArgStk:   {"putarg_stk", okUnary, ofNoValue},
	OpStoreLclVar: {"store_lcl_var", okUnary, ofStore | ofLocalStore | ofNoValue},
	OpStoreLclFld: {"store_lcl_fld", okUnary, ofStore | ofLocalStore | ofNoValue},
	OpAdd:         {"add", okBinary, ofCommutative | ofLogical},
	OpSub:         {"sub", okBinary, ofLogical},
	OpMul:         {"mul", okBinary, ofCommutative},
	OpMulHi:       {"mulhi", okBinary, ofCommutative},
	OpDiv:         {"div", okBinary, 0},
	OpUDiv:        {"udiv", okBinary, 0},
	OpMod:         {"mod", okBinary, 0},
	OpUMod:        {"umod", okBinary, 0},
	OpAnd:         {"and", okBinary, ofCommutative | ofLogical},
	OpOr:          {"or", okBinary, ofCommutative | ofLogical},
	OpXor:         {"xor", okBinary, ofCommutative | ofLogical},
	OpLsh:         {"lsh", okBinary, ofShift},
	OpRsh:         {"rsh", okBinary, ofShift},
	OpRsz:         {"rsz", okBinary, ofShift},
	OpRol:         {"rol", okBinary, ofShift},
	OpRor:         {"ror", okBinary, ofShift},
	OpEQ:          {"eq", okBinary, ofCompare | ofCommutative},
	OpNE:          {"ne", okBinary, ofCompare | ofCommutative},
	OpLT:          {"lt", okBinary, ofCompare},
	OpLE:          {"le", okBinary, ofCompare},
	OpGE:          {"ge", okBinary, ofCompare},
	OpGT:          {"gt", okBinary, ofCompare},
	OpStoreInd:    {"store_ind", okBinary, ofStore | ofIndir | ofNoValue},
	OpBoundsCheck: {"bounds_check", okBinary, ofNoValue},
	OpXAdd:        {"xadd", okBinary, 0},
	OpXchg:        {"xchg", okBinary, 0},
	OpLea:         {"lea", okSpecial, 0},
	OpCmpXchg:     {"cmpxchg", okSpecial, 0},
	OpCall:        {"call", okSpecial, 0},
	OpInitBlk:     {"init_blk", okSpecial, ofBlock | ofStore | ofNoValue},
	OpCopyBlk:     {"copy_blk", okSpecial, ofBlock | ofStore | ofNoValue},
	OpCopyObj:     {"copy_obj", okSpecial, ofBlock | ofStore | ofNoValue},
	OpSIMD:        {"simd", okSpecial, 0},
	OpHWIntrinsic: {"hwintrinsic", okSpecial, 0},
	OpJmp:         {"jmp", okLeaf, ofNoValue},
}

var opByName = func() map[string]Op {
	m := make(map[string]Op, len(opTable))
	for op := Op(1); op < opCount; op++ {
		m[opTable[op].name] = op
	}
	return m
}()

func (op Op) String() string {
	if op >= opCount {
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
	return opTable[op].name
}

// ParseOp maps an operator name as printed by String back to an Op.
func ParseOp(name string) (Op, error) {
	if op, ok := opByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return op, nil
	}
	return OpInvalid, fmt.Errorf("ir: unknown operator %q", name)
}

func (op Op) info() opInfo {
	if op >= opCount {
		return opTable[OpInvalid]
	}
	return opTable[op]
}

func (op Op) IsLeaf() bool        { return op.info().kind == okLeaf }
func (op Op) IsUnary() bool       { return op.info().kind == okUnary }
func (op Op) IsBinary() bool      { return op.info().kind == okBinary }
func (op Op) IsCommutative() bool { return op.info().flags&ofCommutative != 0 }
func (op Op) IsCompare() bool     { return op.info().flags&ofCompare != 0 }
func (op Op) IsStore() bool       { return op.info().flags&ofStore != 0 }
func (op Op) IsLocalStore() bool  { return op.info().flags&ofLocalStore != 0 }
func (op Op) IsIndir() bool       { return op.info().flags&ofIndir != 0 }
func (op Op) IsBlock() bool       { return op.info().flags&ofBlock != 0 }
func (op Op) IsShiftOrRotate() bool {
	return op.info().flags&ofShift != 0
}

// IsLogical reports the integer operators that have register/immediate and
// register/memory forms on two-operand targets: add, sub, and, or, xor, not.
func (op Op) IsLogical() bool { return op.info().flags&ofLogical != 0 }

// ProducesValue reports whether a node with this operator can define a value.
func (op Op) ProducesValue() bool { return op.info().flags&ofNoValue == 0 }

// IsLocalRead reports leaves that read a local variable slot.
func (op Op) IsLocalRead() bool { return op == OpLclVar || op == OpLclFld }

// IsLocalAddr reports leaves that compute the address of a local slot.
func (op Op) IsLocalAddr() bool { return op == OpLclVarAddr || op == OpLclFldAddr }

// IsConst reports constant leaves.
func (op Op) IsConst() bool { return op == OpCnsInt || op == OpCnsDbl }

// ReverseCompare returns the compare that yields the same result with
// swapped operands.
func (op Op) ReverseCompare() Op {
	switch op {
	case OpLT:
		return OpGT
	case OpLE:
		return OpGE
	case OpGT:
		return OpLT
	case OpGE:
		return OpLE
	}
	return op
}
