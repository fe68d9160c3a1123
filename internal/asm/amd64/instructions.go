// Package amd64 describes the x86-64 instruction identities the code
// generator emits, encodes the scalar subset of a listing to machine code and
// simulates listings for tests.
package amd64

import (
	"fmt"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/target"
)

const (
	INVALID asm.Ins = iota

	// Integer data movement and arithmetic.
	MOV
	MOVZX
	MOVSX
	MOVSXQ
	MOVSXD
	LEA
	PUSH
	POP
	ADD
	SUB
	ADC
	SBB
	AND
	OR
	XOR
	NOT
	NEG
	CMP
	TEST
	IMUL
	MUL
	IDIV
	DIV
	CDQ
	CQO
	SHL
	SHR
	SAR
	ROL
	ROR

	// Condition codes.
	SETE
	SETNE
	SETL
	SETLE
	SETG
	SETGE
	SETB
	SETBE
	SETA
	SETAE
	SETP
	SETNP
	JE
	JNE
	JL
	JLE
	JG
	JGE
	JB
	JBE
	JA
	JAE
	JP
	JNP
	JO
	JMP

	CALL
	RET
	NOP
	INT3

	// Atomics and string operations.
	XCHG
	XADD
	CMPXCHG
	REP_STOSB
	REP_MOVSB
	MOVSQ
	REP_MOVSQ

	// Bit manipulation.
	LZCNT
	TZCNT
	POPCNT
	ANDN
	BLSR
	BLSI
	BLSMSK
	PDEP
	PEXT
	BZHI
	MULX
	CRC32

	// Scalar floating point.
	MOVSS
	MOVSD
	ADDSS
	ADDSD
	SUBSS
	SUBSD
	MULSS
	MULSD
	DIVSS
	DIVSD
	SQRTSS
	SQRTSD
	MINSS
	MINSD
	MAXSS
	MAXSD
	UCOMISS
	UCOMISD
	COMISS
	COMISD
	CVTSI2SS
	CVTSI2SD
	CVTTSS2SI
	CVTTSD2SI
	CVTSS2SD
	CVTSD2SS
	ROUNDSS
	ROUNDSD

	// Packed floating point and moves.
	MOVAPS
	MOVUPS
	MOVAPD
	MOVUPD
	MOVDQA
	MOVDQU
	MOVD
	MOVQ
	ADDPS
	ADDPD
	SUBPS
	SUBPD
	MULPS
	MULPD
	DIVPS
	DIVPD
	SQRTPS
	SQRTPD
	MINPS
	MINPD
	MAXPS
	MAXPD
	ANDPS
	ANDPD
	ANDNPS
	ANDNPD
	ORPS
	ORPD
	XORPS
	XORPD
	CMPPS
	CMPPD
	SHUFPS
	SHUFPD
	UNPCKLPS
	UNPCKHPS
	UNPCKLPD
	UNPCKHPD
	MOVLHPS
	MOVHLPS
	HADDPS
	HADDPD
	DPPS
	DPPD
	ROUNDPS
	ROUNDPD
	CVTDQ2PS
	CVTTPS2DQ
	CVTPS2PD
	CVTPD2PS
	RSQRTPS
	RCPPS
	BLENDVPS
	BLENDVPD
	EXTRACTPS
	INSERTPS
	MOVMSKPS
	MOVMSKPD

	// Packed integer.
	PADDB
	PADDW
	PADDD
	PADDQ
	PSUBB
	PSUBW
	PSUBD
	PSUBQ
	PMULLW
	PMULLD
	PMULUDQ
	PAND
	PANDN
	POR
	PXOR
	PCMPEQB
	PCMPEQW
	PCMPEQD
	PCMPEQQ
	PCMPGTB
	PCMPGTW
	PCMPGTD
	PCMPGTQ
	PSLLW
	PSLLD
	PSLLQ
	PSRLW
	PSRLD
	PSRLQ
	PSRAW
	PSRAD
	PSLLDQ
	PSRLDQ
	PSHUFD
	PSHUFB
	PUNPCKLBW
	PUNPCKLWD
	PUNPCKLDQ
	PUNPCKLQDQ
	PUNPCKHBW
	PUNPCKHWD
	PUNPCKHDQ
	PUNPCKHQDQ
	PACKSSWB
	PACKSSDW
	PACKUSWB
	PACKUSDW
	PEXTRB
	PEXTRW
	PEXTRD
	PEXTRQ
	PINSRB
	PINSRW
	PINSRD
	PINSRQ
	PTEST
	PMOVMSKB
	PMINUB
	PMINSW
	PMINSD
	PMAXUB
	PMAXSW
	PMAXSD
	PABSB
	PABSW
	PABSD
	PBLENDVB
	PMOVSXBW
	PMOVZXBW
	PMOVSXWD
	PMOVZXWD
	PMOVSXDQ
	PMOVZXDQ
	PHADDD
	PCLMULQDQ

	// AVX, AVX2 and FMA only.
	VEXTRACTF128
	VINSERTF128
	VBROADCASTSS
	VBROADCASTSD
	VPBROADCASTD
	VPERMILPS
	VPERM2F128
	VPERMQ
	VPSLLVD
	VPSRLVD
	VTESTPS
	VFMADD213PS
	VFMADD213PD
	VFMADD213SS
	VFMADD213SD
	VFMSUB213PS
	VFMSUB213PD
	VZEROUPPER

	insCount
)

type insFlags uint8

const (
	// fVEX marks destructive SSE instructions with a three-operand VEX form.
	fVEX insFlags = 1 << iota
	// fMem marks instructions whose last source may be a memory operand.
	fMem
	fJump
	// fZext and fSext mark extending moves that write a 32- or 64-bit
	// destination from a narrower source.
	fZext
	fSext
	fSext64
)

type insInfo struct {
	name  string
	flags insFlags
}

var insTable = [insCount]insInfo{
	INVALID: {"invalid", 0},

	MOV:    {"mov", fMem},
	MOVZX:  {"movzx", fMem | fZext},
	MOVSX:  {"movsx", fMem | fSext},
	MOVSXQ: {"movsx", fMem | fSext64},
	MOVSXD: {"movsxd", fMem | fSext64},
	LEA:    {"lea", fMem},
	PUSH:   {"push", 0},
	POP:    {"pop", 0},
	ADD:    {"add", fMem},
	SUB:    {"sub", fMem},
	ADC:    {"adc", fMem},
	SBB:    {"sbb", fMem},
	AND:    {"and", fMem},
	OR:     {"or", fMem},
	XOR:    {"xor", fMem},
	NOT:    {"not", 0},
	NEG:    {"neg", 0},
	CMP:    {"cmp", fMem},
	TEST:   {"test", fMem},
	IMUL:   {"imul", fMem},
	MUL:    {"mul", fMem},
	IDIV:   {"idiv", fMem},
	DIV:    {"div", fMem},
	CDQ:    {"cdq", 0},
	CQO:    {"cqo", 0},
	SHL:    {"shl", 0},
	SHR:    {"shr", 0},
	SAR:    {"sar", 0},
	ROL:    {"rol", 0},
	ROR:    {"ror", 0},

	SETE:  {"sete", 0},
	SETNE: {"setne", 0},
	SETL:  {"setl", 0},
	SETLE: {"setle", 0},
	SETG:  {"setg", 0},
	SETGE: {"setge", 0},
	SETB:  {"setb", 0},
	SETBE: {"setbe", 0},
	SETA:  {"seta", 0},
	SETAE: {"setae", 0},
	SETP:  {"setp", 0},
	SETNP: {"setnp", 0},
	JE:    {"je", fJump},
	JNE:   {"jne", fJump},
	JL:    {"jl", fJump},
	JLE:   {"jle", fJump},
	JG:    {"jg", fJump},
	JGE:   {"jge", fJump},
	JB:    {"jb", fJump},
	JBE:   {"jbe", fJump},
	JA:    {"ja", fJump},
	JAE:   {"jae", fJump},
	JP:    {"jp", fJump},
	JNP:   {"jnp", fJump},
	JO:    {"jo", fJump},
	JMP:   {"jmp", fJump},

	CALL: {"call", 0},
	RET:  {"ret", 0},
	NOP:  {"nop", 0},
	INT3: {"int3", 0},

	XCHG:      {"xchg", 0},
	XADD:      {"lock xadd", 0},
	CMPXCHG:   {"lock cmpxchg", 0},
	REP_STOSB: {"rep stosb", 0},
	REP_MOVSB: {"rep movsb", 0},
	MOVSQ:     {"movsq", 0},
	REP_MOVSQ: {"rep movsq", 0},

	LZCNT:  {"lzcnt", fMem},
	TZCNT:  {"tzcnt", fMem},
	POPCNT: {"popcnt", fMem},
	ANDN:   {"andn", fMem},
	BLSR:   {"blsr", fMem},
	BLSI:   {"blsi", fMem},
	BLSMSK: {"blsmsk", fMem},
	PDEP:   {"pdep", fMem},
	PEXT:   {"pext", fMem},
	BZHI:   {"bzhi", fMem},
	MULX:   {"mulx", fMem},
	CRC32:  {"crc32", fMem},

	MOVSS:     {"movss", fMem},
	MOVSD:     {"movsd", fMem},
	ADDSS:     {"addss", fVEX | fMem},
	ADDSD:     {"addsd", fVEX | fMem},
	SUBSS:     {"subss", fVEX | fMem},
	SUBSD:     {"subsd", fVEX | fMem},
	MULSS:     {"mulss", fVEX | fMem},
	MULSD:     {"mulsd", fVEX | fMem},
	DIVSS:     {"divss", fVEX | fMem},
	DIVSD:     {"divsd", fVEX | fMem},
	SQRTSS:    {"sqrtss", fVEX | fMem},
	SQRTSD:    {"sqrtsd", fVEX | fMem},
	MINSS:     {"minss", fVEX | fMem},
	MINSD:     {"minsd", fVEX | fMem},
	MAXSS:     {"maxss", fVEX | fMem},
	MAXSD:     {"maxsd", fVEX | fMem},
	UCOMISS:   {"ucomiss", fMem},
	UCOMISD:   {"ucomisd", fMem},
	COMISS:    {"comiss", fMem},
	COMISD:    {"comisd", fMem},
	CVTSI2SS:  {"cvtsi2ss", fVEX | fMem},
	CVTSI2SD:  {"cvtsi2sd", fVEX | fMem},
	CVTTSS2SI: {"cvttss2si", fMem},
	CVTTSD2SI: {"cvttsd2si", fMem},
	CVTSS2SD:  {"cvtss2sd", fVEX | fMem},
	CVTSD2SS:  {"cvtsd2ss", fVEX | fMem},
	ROUNDSS:   {"roundss", fVEX | fMem},
	ROUNDSD:   {"roundsd", fVEX | fMem},

	MOVAPS:    {"movaps", fMem},
	MOVUPS:    {"movups", fMem},
	MOVAPD:    {"movapd", fMem},
	MOVUPD:    {"movupd", fMem},
	MOVDQA:    {"movdqa", fMem},
	MOVDQU:    {"movdqu", fMem},
	MOVD:      {"movd", fMem},
	MOVQ:      {"movq", fMem},
	ADDPS:     {"addps", fVEX | fMem},
	ADDPD:     {"addpd", fVEX | fMem},
	SUBPS:     {"subps", fVEX | fMem},
	SUBPD:     {"subpd", fVEX | fMem},
	MULPS:     {"mulps", fVEX | fMem},
	MULPD:     {"mulpd", fVEX | fMem},
	DIVPS:     {"divps", fVEX | fMem},
	DIVPD:     {"divpd", fVEX | fMem},
	SQRTPS:    {"sqrtps", fMem},
	SQRTPD:    {"sqrtpd", fMem},
	MINPS:     {"minps", fVEX | fMem},
	MINPD:     {"minpd", fVEX | fMem},
	MAXPS:     {"maxps", fVEX | fMem},
	MAXPD:     {"maxpd", fVEX | fMem},
	ANDPS:     {"andps", fVEX | fMem},
	ANDPD:     {"andpd", fVEX | fMem},
	ANDNPS:    {"andnps", fVEX | fMem},
	ANDNPD:    {"andnpd", fVEX | fMem},
	ORPS:      {"orps", fVEX | fMem},
	ORPD:      {"orpd", fVEX | fMem},
	XORPS:     {"xorps", fVEX | fMem},
	XORPD:     {"xorpd", fVEX | fMem},
	CMPPS:     {"cmpps", fVEX | fMem},
	CMPPD:     {"cmppd", fVEX | fMem},
	SHUFPS:    {"shufps", fVEX | fMem},
	SHUFPD:    {"shufpd", fVEX | fMem},
	UNPCKLPS:  {"unpcklps", fVEX | fMem},
	UNPCKHPS:  {"unpckhps", fVEX | fMem},
	UNPCKLPD:  {"unpcklpd", fVEX | fMem},
	UNPCKHPD:  {"unpckhpd", fVEX | fMem},
	MOVLHPS:   {"movlhps", fVEX},
	MOVHLPS:   {"movhlps", fVEX},
	HADDPS:    {"haddps", fVEX | fMem},
	HADDPD:    {"haddpd", fVEX | fMem},
	DPPS:      {"dpps", fVEX | fMem},
	DPPD:      {"dppd", fVEX | fMem},
	ROUNDPS:   {"roundps", fMem},
	ROUNDPD:   {"roundpd", fMem},
	CVTDQ2PS:  {"cvtdq2ps", fMem},
	CVTTPS2DQ: {"cvttps2dq", fMem},
	CVTPS2PD:  {"cvtps2pd", fMem},
	CVTPD2PS:  {"cvtpd2ps", fMem},
	RSQRTPS:   {"rsqrtps", fMem},
	RCPPS:     {"rcpps", fMem},
	BLENDVPS:  {"blendvps", fVEX | fMem},
	BLENDVPD:  {"blendvpd", fVEX | fMem},
	EXTRACTPS: {"extractps", 0},
	INSERTPS:  {"insertps", fVEX | fMem},
	MOVMSKPS:  {"movmskps", 0},
	MOVMSKPD:  {"movmskpd", 0},

	PADDB:      {"paddb", fVEX | fMem},
	PADDW:      {"paddw", fVEX | fMem},
	PADDD:      {"paddd", fVEX | fMem},
	PADDQ:      {"paddq", fVEX | fMem},
	PSUBB:      {"psubb", fVEX | fMem},
	PSUBW:      {"psubw", fVEX | fMem},
	PSUBD:      {"psubd", fVEX | fMem},
	PSUBQ:      {"psubq", fVEX | fMem},
	PMULLW:     {"pmullw", fVEX | fMem},
	PMULLD:     {"pmulld", fVEX | fMem},
	PMULUDQ:    {"pmuludq", fVEX | fMem},
	PAND:       {"pand", fVEX | fMem},
	PANDN:      {"pandn", fVEX | fMem},
	POR:        {"por", fVEX | fMem},
	PXOR:       {"pxor", fVEX | fMem},
	PCMPEQB:    {"pcmpeqb", fVEX | fMem},
	PCMPEQW:    {"pcmpeqw", fVEX | fMem},
	PCMPEQD:    {"pcmpeqd", fVEX | fMem},
	PCMPEQQ:    {"pcmpeqq", fVEX | fMem},
	PCMPGTB:    {"pcmpgtb", fVEX | fMem},
	PCMPGTW:    {"pcmpgtw", fVEX | fMem},
	PCMPGTD:    {"pcmpgtd", fVEX | fMem},
	PCMPGTQ:    {"pcmpgtq", fVEX | fMem},
	PSLLW:      {"psllw", fVEX | fMem},
	PSLLD:      {"pslld", fVEX | fMem},
	PSLLQ:      {"psllq", fVEX | fMem},
	PSRLW:      {"psrlw", fVEX | fMem},
	PSRLD:      {"psrld", fVEX | fMem},
	PSRLQ:      {"psrlq", fVEX | fMem},
	PSRAW:      {"psraw", fVEX | fMem},
	PSRAD:      {"psrad", fVEX | fMem},
	PSLLDQ:     {"pslldq", fVEX},
	PSRLDQ:     {"psrldq", fVEX},
	PSHUFD:     {"pshufd", fMem},
	PSHUFB:     {"pshufb", fVEX | fMem},
	PUNPCKLBW:  {"punpcklbw", fVEX | fMem},
	PUNPCKLWD:  {"punpcklwd", fVEX | fMem},
	PUNPCKLDQ:  {"punpckldq", fVEX | fMem},
	PUNPCKLQDQ: {"punpcklqdq", fVEX | fMem},
	PUNPCKHBW:  {"punpckhbw", fVEX | fMem},
	PUNPCKHWD:  {"punpckhwd", fVEX | fMem},
	PUNPCKHDQ:  {"punpckhdq", fVEX | fMem},
	PUNPCKHQDQ: {"punpckhqdq", fVEX | fMem},
	PACKSSWB:   {"packsswb", fVEX | fMem},
	PACKSSDW:   {"packssdw", fVEX | fMem},
	PACKUSWB:   {"packuswb", fVEX | fMem},
	PACKUSDW:   {"packusdw", fVEX | fMem},
	PEXTRB:     {"pextrb", 0},
	PEXTRW:     {"pextrw", 0},
	PEXTRD:     {"pextrd", 0},
	PEXTRQ:     {"pextrq", 0},
	PINSRB:     {"pinsrb", fVEX | fMem},
	PINSRW:     {"pinsrw", fVEX | fMem},
	PINSRD:     {"pinsrd", fVEX | fMem},
	PINSRQ:     {"pinsrq", fVEX | fMem},
	PTEST:      {"ptest", fMem},
	PMOVMSKB:   {"pmovmskb", 0},
	PMINUB:     {"pminub", fVEX | fMem},
	PMINSW:     {"pminsw", fVEX | fMem},
	PMINSD:     {"pminsd", fVEX | fMem},
	PMAXUB:     {"pmaxub", fVEX | fMem},
	PMAXSW:     {"pmaxsw", fVEX | fMem},
	PMAXSD:     {"pmaxsd", fVEX | fMem},
	PABSB:      {"pabsb", fMem},
	PABSW:      {"pabsw", fMem},
	PABSD:      {"pabsd", fMem},
	PBLENDVB:   {"pblendvb", fVEX | fMem},
	PMOVSXBW:   {"pmovsxbw", fMem},
	PMOVZXBW:   {"pmovzxbw", fMem},
	PMOVSXWD:   {"pmovsxwd", fMem},
	PMOVZXWD:   {"pmovzxwd", fMem},
	PMOVSXDQ:   {"pmovsxdq", fMem},
	PMOVZXDQ:   {"pmovzxdq", fMem},
	PHADDD:     {"phaddd", fVEX | fMem},
	PCLMULQDQ:  {"pclmulqdq", fVEX | fMem},

	VEXTRACTF128: {"vextractf128", 0},
	VINSERTF128:  {"vinsertf128", fMem},
	VBROADCASTSS: {"vbroadcastss", fMem},
	VBROADCASTSD: {"vbroadcastsd", fMem},
	VPBROADCASTD: {"vpbroadcastd", fMem},
	VPERMILPS:    {"vpermilps", fMem},
	VPERM2F128:   {"vperm2f128", fMem},
	VPERMQ:       {"vpermq", fMem},
	VPSLLVD:      {"vpsllvd", fMem},
	VPSRLVD:      {"vpsrlvd", fMem},
	VTESTPS:      {"vtestps", fMem},
	VFMADD213PS:  {"vfmadd213ps", fMem},
	VFMADD213PD:  {"vfmadd213pd", fMem},
	VFMADD213SS:  {"vfmadd213ss", fMem},
	VFMADD213SD:  {"vfmadd213sd", fMem},
	VFMSUB213PS:  {"vfmsub213ps", fMem},
	VFMSUB213PD:  {"vfmsub213pd", fMem},
	VZEROUPPER:   {"vzeroupper", 0},
}

func info(ins asm.Ins) insInfo {
	if ins >= insCount {
		return insInfo{name: fmt.Sprintf("ins%d", ins)}
	}
	return insTable[ins]
}

type instructionSet struct{}

// Set is the x86-64 instruction set description.
var Set asm.InstructionSet = instructionSet{}

func (instructionSet) Arch() target.Arch { return target.ArchAMD64 }

func (instructionSet) Name(ins asm.Ins) string { return info(ins).name }

func (instructionSet) VEXEncodable(ins asm.Ins) bool { return info(ins).flags&fVEX != 0 }

func (instructionSet) SupportsMemoryOperand(ins asm.Ins) bool { return info(ins).flags&fMem != 0 }

func (instructionSet) IsJump(ins asm.Ins) bool { return info(ins).flags&fJump != 0 }

// DestSize widens the destination of extending moves and of instructions
// that always write a 32-bit general register.
func (instructionSet) DestSize(ins asm.Ins, size asm.Size) asm.Size {
	f := info(ins).flags
	switch {
	case f&fSext64 != 0:
		return asm.S8
	case f&(fZext|fSext) != 0:
		return asm.S4
	}
	switch ins {
	case PEXTRB, PEXTRW, MOVMSKPS, MOVMSKPD, PMOVMSKB:
		return asm.S4
	}
	return size
}

// NewListing returns a recording emitter for x86-64.
func NewListing(vex bool) *asm.Listing { return asm.NewListing(Set, vex) }

// Lookup finds an instruction by the name Name prints for it.
func Lookup(name string) (asm.Ins, bool) {
	for i := asm.Ins(1); i < insCount; i++ {
		if insTable[i].name == name {
			return i, true
		}
	}
	return INVALID, false
}

// SetCC returns the setcc instruction testing the same condition as the
// conditional jump j.
func SetCC(j asm.Ins) asm.Ins {
	if j >= JE && j <= JNP {
		return SETE + (j - JE)
	}
	return INVALID
}

// JumpCC returns the conditional jump testing the same condition as setcc s.
func JumpCC(s asm.Ins) asm.Ins {
	if s >= SETE && s <= SETNP {
		return JE + (s - SETE)
	}
	return INVALID
}

// Reverse returns the jump taken when j is not.
func Reverse(j asm.Ins) asm.Ins {
	switch j {
	case JE:
		return JNE
	case JNE:
		return JE
	case JL:
		return JGE
	case JGE:
		return JL
	case JLE:
		return JG
	case JG:
		return JLE
	case JB:
		return JAE
	case JAE:
		return JB
	case JBE:
		return JA
	case JA:
		return JBE
	case JP:
		return JNP
	case JNP:
		return JP
	}
	return INVALID
}
