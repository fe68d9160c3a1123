// Package arm64 describes the ARM64 instruction identities the code
// generator emits and encodes the general-purpose subset of a listing.
package arm64

import (
	"fmt"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/target"
)

const (
	INVALID asm.Ins = iota

	// Moves and immediates.
	MOV
	MOVZ
	MOVK
	MOVN
	ADR

	// Integer arithmetic and logic.
	ADD
	ADDS
	SUB
	SUBS
	ADC
	SBC
	NEG
	MUL
	MADD
	MSUB
	SMULL
	UMULL
	SMULH
	UMULH
	SDIV
	UDIV
	AND
	ANDS
	ORR
	EOR
	BIC
	ORN
	EON
	MVN
	LSL
	LSR
	ASR
	ROR
	CMP
	CMN
	TST
	CSET
	CSEL
	CSINC
	CSNEG
	SXTB
	SXTH
	SXTW
	UXTB
	UXTH
	UBFX
	SBFX
	BFI
	CLZ
	CLS
	RBIT
	REV

	// Loads and stores.
	LDR
	LDRB
	LDRH
	LDRSB
	LDRSH
	LDRSW
	STR
	STRB
	STRH
	LDP
	STP
	LDAR
	STLR
	LDADDAL
	SWPAL
	CASAL
	DMB

	// Control flow. The conditional branches keep the order of the
	// condition codes in condNames.
	B
	BEQ
	BNE
	BHS
	BLO
	BMI
	BPL
	BVS
	BVC
	BHI
	BLS
	BGE
	BLT
	BGT
	BLE
	CBZ
	CBNZ
	TBZ
	TBNZ
	BR
	BL
	BLR
	RET
	NOP
	BRK

	// Scalar floating point.
	FMOV
	FADD
	FSUB
	FMUL
	FDIV
	FMIN
	FMAX
	FSQRT
	FABS
	FNEG
	FCMP
	FCVT
	SCVTF
	UCVTF
	FCVTZS
	FCVTZU
	FMADD
	FMSUB
	FRINTN
	FRINTM
	FRINTP
	FRINTZ
	FCSEL

	// Advanced SIMD.
	LD1
	ST1
	DUP
	INS
	UMOV
	SMOV
	VADD
	VSUB
	VMUL
	VAND
	VORR
	VEOR
	VBIC
	VNOT
	VNEG
	VABS
	VCMEQ
	VCMGT
	VCMHI
	VSMIN
	VSMAX
	VUMIN
	VUMAX
	VSHL
	VUSHR
	VSSHR
	VFADD
	VFSUB
	VFMUL
	VFDIV
	VFSQRT
	VFMIN
	VFMAX
	VFABS
	VFNEG
	VFCMEQ
	VFCMGT
	VFCMGE
	VBSL
	VEXT
	ZIP1
	ZIP2
	UZP1
	UZP2
	TRN1
	TRN2
	XTN
	SXTL
	UXTL
	ADDV
	UMAXV
	UMINV
	SMAXV
	SMINV
	UADDLV
	CNT
	MOVI
	VFMLA
	CRC32X
	CRC32W
	CRC32H
	CRC32B
	CRC32CX
	CRC32CW

	insCount
)

type insFlags uint8

const (
	fMem insFlags = 1 << iota
	fJump
	// fSext64 marks loads and extends that write a 64-bit register from a
	// narrower source.
	fSext64
	// fCond marks instructions whose immediate is a condition code.
	fCond
)

type insInfo struct {
	name  string
	flags insFlags
}

var insTable = [insCount]insInfo{
	INVALID: {"invalid", 0},

	MOV:  {"mov", 0},
	MOVZ: {"movz", 0},
	MOVK: {"movk", 0},
	MOVN: {"movn", 0},
	ADR:  {"adr", 0},

	ADD:   {"add", 0},
	ADDS:  {"adds", 0},
	SUB:   {"sub", 0},
	SUBS:  {"subs", 0},
	ADC:   {"adc", 0},
	SBC:   {"sbc", 0},
	NEG:   {"neg", 0},
	MUL:   {"mul", 0},
	MADD:  {"madd", 0},
	MSUB:  {"msub", 0},
	SMULL: {"smull", 0},
	UMULL: {"umull", 0},
	SMULH: {"smulh", 0},
	UMULH: {"umulh", 0},
	SDIV:  {"sdiv", 0},
	UDIV:  {"udiv", 0},
	AND:   {"and", 0},
	ANDS:  {"ands", 0},
	ORR:   {"orr", 0},
	EOR:   {"eor", 0},
	BIC:   {"bic", 0},
	ORN:   {"orn", 0},
	EON:   {"eon", 0},
	MVN:   {"mvn", 0},
	LSL:   {"lsl", 0},
	LSR:   {"lsr", 0},
	ASR:   {"asr", 0},
	ROR:   {"ror", 0},
	CMP:   {"cmp", 0},
	CMN:   {"cmn", 0},
	TST:   {"tst", 0},
	CSET:  {"cset", fCond},
	CSEL:  {"csel", fCond},
	CSINC: {"csinc", fCond},
	CSNEG: {"csneg", fCond},
	SXTB:  {"sxtb", 0},
	SXTH:  {"sxth", 0},
	SXTW:  {"sxtw", fSext64},
	UXTB:  {"uxtb", 0},
	UXTH:  {"uxth", 0},
	UBFX:  {"ubfx", 0},
	SBFX:  {"sbfx", 0},
	BFI:   {"bfi", 0},
	CLZ:   {"clz", 0},
	CLS:   {"cls", 0},
	RBIT:  {"rbit", 0},
	REV:   {"rev", 0},

	LDR:     {"ldr", fMem},
	LDRB:    {"ldrb", fMem},
	LDRH:    {"ldrh", fMem},
	LDRSB:   {"ldrsb", fMem},
	LDRSH:   {"ldrsh", fMem},
	LDRSW:   {"ldrsw", fMem | fSext64},
	STR:     {"str", fMem},
	STRB:    {"strb", fMem},
	STRH:    {"strh", fMem},
	LDP:     {"ldp", fMem},
	STP:     {"stp", fMem},
	LDAR:    {"ldar", fMem},
	STLR:    {"stlr", fMem},
	LDADDAL: {"ldaddal", fMem},
	SWPAL:   {"swpal", fMem},
	CASAL:   {"casal", fMem},
	DMB:     {"dmb ish", 0},

	B:    {"b", fJump},
	BEQ:  {"b.eq", fJump},
	BNE:  {"b.ne", fJump},
	BHS:  {"b.hs", fJump},
	BLO:  {"b.lo", fJump},
	BMI:  {"b.mi", fJump},
	BPL:  {"b.pl", fJump},
	BVS:  {"b.vs", fJump},
	BVC:  {"b.vc", fJump},
	BHI:  {"b.hi", fJump},
	BLS:  {"b.ls", fJump},
	BGE:  {"b.ge", fJump},
	BLT:  {"b.lt", fJump},
	BGT:  {"b.gt", fJump},
	BLE:  {"b.le", fJump},
	CBZ:  {"cbz", fJump},
	CBNZ: {"cbnz", fJump},
	TBZ:  {"tbz", fJump},
	TBNZ: {"tbnz", fJump},
	BR:   {"br", fJump},
	BL:   {"bl", 0},
	BLR:  {"blr", 0},
	RET:  {"ret", 0},
	NOP:  {"nop", 0},
	BRK:  {"brk", 0},

	FMOV:   {"fmov", 0},
	FADD:   {"fadd", 0},
	FSUB:   {"fsub", 0},
	FMUL:   {"fmul", 0},
	FDIV:   {"fdiv", 0},
	FMIN:   {"fmin", 0},
	FMAX:   {"fmax", 0},
	FSQRT:  {"fsqrt", 0},
	FABS:   {"fabs", 0},
	FNEG:   {"fneg", 0},
	FCMP:   {"fcmp", 0},
	FCVT:   {"fcvt", 0},
	SCVTF:  {"scvtf", 0},
	UCVTF:  {"ucvtf", 0},
	FCVTZS: {"fcvtzs", 0},
	FCVTZU: {"fcvtzu", 0},
	FMADD:  {"fmadd", 0},
	FMSUB:  {"fmsub", 0},
	FRINTN: {"frintn", 0},
	FRINTM: {"frintm", 0},
	FRINTP: {"frintp", 0},
	FRINTZ: {"frintz", 0},
	FCSEL:  {"fcsel", fCond},

	LD1:     {"ld1", fMem},
	ST1:     {"st1", fMem},
	DUP:     {"dup", 0},
	INS:     {"ins", 0},
	UMOV:    {"umov", 0},
	SMOV:    {"smov", 0},
	VADD:    {"add", 0},
	VSUB:    {"sub", 0},
	VMUL:    {"mul", 0},
	VAND:    {"and", 0},
	VORR:    {"orr", 0},
	VEOR:    {"eor", 0},
	VBIC:    {"bic", 0},
	VNOT:    {"not", 0},
	VNEG:    {"neg", 0},
	VABS:    {"abs", 0},
	VCMEQ:   {"cmeq", 0},
	VCMGT:   {"cmgt", 0},
	VCMHI:   {"cmhi", 0},
	VSMIN:   {"smin", 0},
	VSMAX:   {"smax", 0},
	VUMIN:   {"umin", 0},
	VUMAX:   {"umax", 0},
	VSHL:    {"shl", 0},
	VUSHR:   {"ushr", 0},
	VSSHR:   {"sshr", 0},
	VFADD:   {"fadd", 0},
	VFSUB:   {"fsub", 0},
	VFMUL:   {"fmul", 0},
	VFDIV:   {"fdiv", 0},
	VFSQRT:  {"fsqrt", 0},
	VFMIN:   {"fmin", 0},
	VFMAX:   {"fmax", 0},
	VFABS:   {"fabs", 0},
	VFNEG:   {"fneg", 0},
	VFCMEQ:  {"fcmeq", 0},
	VFCMGT:  {"fcmgt", 0},
	VFCMGE:  {"fcmge", 0},
	VBSL:    {"bsl", 0},
	VEXT:    {"ext", 0},
	ZIP1:    {"zip1", 0},
	ZIP2:    {"zip2", 0},
	UZP1:    {"uzp1", 0},
	UZP2:    {"uzp2", 0},
	TRN1:    {"trn1", 0},
	TRN2:    {"trn2", 0},
	XTN:     {"xtn", 0},
	SXTL:    {"sxtl", 0},
	UXTL:    {"uxtl", 0},
	ADDV:    {"addv", 0},
	UMAXV:   {"umaxv", 0},
	UMINV:   {"uminv", 0},
	SMAXV:   {"smaxv", 0},
	SMINV:   {"sminv", 0},
	UADDLV:  {"uaddlv", 0},
	CNT:     {"cnt", 0},
	MOVI:    {"movi", 0},
	VFMLA:   {"fmla", 0},
	CRC32X:  {"crc32x", 0},
	CRC32W:  {"crc32w", 0},
	CRC32H:  {"crc32h", 0},
	CRC32B:  {"crc32b", 0},
	CRC32CX: {"crc32cx", 0},
	CRC32CW: {"crc32cw", 0},
}

// Cond is an ARM64 condition code in encoding order.
type Cond uint8

const (
	EQ Cond = iota
	NE
	HS
	LO
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

var condNames = [...]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond%d", uint8(c))
}

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond { return c ^ 1 }

// Branch returns the b.cond instruction for c.
func (c Cond) Branch() asm.Ins {
	if c >= AL {
		return B
	}
	return BEQ + asm.Ins(c)
}

func info(ins asm.Ins) insInfo {
	if ins >= insCount {
		return insInfo{name: fmt.Sprintf("ins%d", ins)}
	}
	return insTable[ins]
}

type instructionSet struct{}

// Set is the ARM64 instruction set description.
var Set asm.InstructionSet = instructionSet{}

func (instructionSet) Arch() target.Arch { return target.ArchARM64 }

func (instructionSet) Name(ins asm.Ins) string { return info(ins).name }

// VEXEncodable is always false: ARM64 has no destructive two-operand forms
// to widen.
func (instructionSet) VEXEncodable(asm.Ins) bool { return false }

func (instructionSet) SupportsMemoryOperand(ins asm.Ins) bool { return info(ins).flags&fMem != 0 }

func (instructionSet) IsJump(ins asm.Ins) bool { return info(ins).flags&fJump != 0 }

func (instructionSet) DestSize(ins asm.Ins, size asm.Size) asm.Size {
	if info(ins).flags&fSext64 != 0 {
		return asm.S8
	}
	return size
}

// FormatImm prints condition-code immediates by name.
func (instructionSet) FormatImm(ins asm.Ins, imm int64) (string, bool) {
	if info(ins).flags&fCond != 0 {
		return Cond(imm).String(), true
	}
	return "", false
}

// NewListing returns a recording emitter for ARM64.
func NewListing() *asm.Listing { return asm.NewListing(Set, false) }

// Lookup finds an instruction by name. Names shared between the scalar and
// vector forms resolve to the scalar instruction.
func Lookup(name string) (asm.Ins, bool) {
	for i := asm.Ins(1); i < insCount; i++ {
		if insTable[i].name == name {
			return i, true
		}
	}
	return INVALID, false
}
