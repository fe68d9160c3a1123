// Package hwintrinsic is the immutable property table of the hardware
// intrinsics the code generator understands: their ISA, codegen category,
// per-base-type instruction, immediate bounds and behavioural flags.
package hwintrinsic

import (
	"fmt"
	"strings"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/asm/arm64"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/target"
)

// ID is the identity carried by ir.Node.HW.
type ID = ir.HWIntrinsic

const (
	Invalid ID = iota

	SSEAdd
	SSEAddScalar
	SSESubtract
	SSEMultiply
	SSEDivide
	SSESqrt
	SSEMin
	SSEMax
	SSEAnd
	SSEAndNot
	SSEOr
	SSEXor
	SSEShuffle
	SSEUnpackLow
	SSEUnpackHigh
	SSEMoveLowToHigh
	SSEMoveHighToLow
	SSECompareLessThan
	SSEReciprocalSqrt
	SSEReciprocal
	SSEMoveMask
	SSECompareEqualOrderedScalar
	SSECompareNotEqualOrderedScalar
	SSECompareLessThanOrderedScalar
	SSECompareLessThanOrEqualOrderedScalar
	SSECompareGreaterThanOrderedScalar
	SSECompareGreaterThanOrEqualOrderedScalar
	SSECompareEqualUnorderedScalar
	SSECompareNotEqualUnorderedScalar

	SSE2Add
	SSE2Subtract
	SSE2Multiply
	SSE2MultiplyLow
	SSE2Divide
	SSE2Sqrt
	SSE2And
	SSE2AndNot
	SSE2Or
	SSE2Xor
	SSE2Min
	SSE2Max
	SSE2CompareEqual
	SSE2CompareGreaterThan
	SSE2ShiftLeftLogical
	SSE2ShiftRightLogical
	SSE2ShiftRightArithmetic
	SSE2ShiftLeftLogical128BitLane
	SSE2ShiftRightLogical128BitLane
	SSE2Shuffle
	SSE2UnpackLow
	SSE2UnpackHigh
	SSE2Extract
	SSE2Insert
	SSE2MoveMask
	SSE2ConvertToVector128Single
	SSE2ConvertToVector128Int32WithTruncation
	SSE2ConvertScalarToVector128Double
	SSE2ConvertToInt32WithTruncation
	SSE2CompareEqualOrderedScalar
	SSE2CompareNotEqualOrderedScalar
	SSE2CompareLessThanOrderedScalar
	SSE2CompareGreaterThanOrderedScalar
	SSE2CompareEqualUnorderedScalar
	SSE2CompareNotEqualUnorderedScalar

	SSE41MultiplyLow
	SSE41Extract
	SSE41Insert
	SSE41Min
	SSE41Max
	SSE41TestZ
	SSE41TestC
	SSE41BlendVariable
	SSE41DotProduct
	SSE41RoundToNearestInteger
	SSE41Floor
	SSE41Ceiling
	SSE41CompareEqual
	SSE41ConvertToVector128Int16
	SSE41ConvertToVector128Int32

	SSE42Crc32
	SSE42CompareGreaterThan

	AVXAdd
	AVXMultiply
	AVXExtractVector128
	AVXInsertVector128
	AVXBroadcastScalarToVector128
	AVXBroadcastScalarToVector256
	AVXTestZ
	AVXPermute
	AVXPermute2x128

	AVX2Add
	AVX2BroadcastScalarToVector128
	AVX2ShiftLeftLogicalVariable
	AVX2ShiftRightLogicalVariable
	AVX2Permute4x64

	BMI1AndNot
	BMI1ExtractLowestSetBit
	BMI1GetMaskUpToLowestSetBit
	BMI1ResetLowestSetBit
	BMI1TrailingZeroCount

	BMI2ParallelBitDeposit
	BMI2ParallelBitExtract
	BMI2ZeroHighBits
	BMI2MultiplyNoFlags

	FMAMultiplyAdd
	FMAMultiplyAddScalar
	FMAMultiplySubtract

	LZCNTLeadingZeroCount

	PCLMULQDQCarrylessMultiply

	POPCNTPopCount

	ArmBaseLeadingZeroCount
	ArmBaseReverseElementBits
	ArmBaseArm64LeadingSignCount

	AdvSimdAdd
	AdvSimdSubtract
	AdvSimdMultiply
	AdvSimdAnd
	AdvSimdOr
	AdvSimdXor
	AdvSimdBitwiseClear
	AdvSimdNot
	AdvSimdNegate
	AdvSimdAbs
	AdvSimdCompareEqual
	AdvSimdCompareGreaterThan
	AdvSimdMin
	AdvSimdMax
	AdvSimdPopCount
	AdvSimdDuplicateToVector128
	AdvSimdExtract
	AdvSimdInsert
	AdvSimdBitwiseSelect
	AdvSimdShiftLeftLogical
	AdvSimdShiftRightLogical
	AdvSimdShiftRightArithmetic
	AdvSimdExtractVector128
	AdvSimdFusedMultiplyAdd

	AdvSimdArm64Divide
	AdvSimdArm64Sqrt
	AdvSimdArm64AddAcross
	AdvSimdArm64MaxAcross
	AdvSimdArm64MinAcross
	AdvSimdArm64ZipLow
	AdvSimdArm64ZipHigh
	AdvSimdArm64UnzipEven
	AdvSimdArm64UnzipOdd
	AdvSimdArm64TransposeEven
	AdvSimdArm64TransposeOdd

	idCount
)

// Category selects how the code generator handles an intrinsic.
type Category uint8

const (
	CategoryInvalid Category = iota
	// CategorySimpleSIMD intrinsics map to one instruction on vector
	// operands.
	CategorySimpleSIMD
	// CategoryIMM intrinsics take a trailing immediate operand.
	CategoryIMM
	// CategoryScalar intrinsics operate on general registers or the low
	// element of a vector.
	CategoryScalar
	// CategorySpecial intrinsics need a handwritten sequence.
	CategorySpecial
)

func (c Category) String() string {
	switch c {
	case CategorySimpleSIMD:
		return "simd"
	case CategoryIMM:
		return "imm"
	case CategoryScalar:
		return "scalar"
	case CategorySpecial:
		return "special"
	}
	return "invalid"
}

// Flag describes operand and register behaviour.
type Flag uint16

const (
	Commutative Flag = 1 << iota
	// NoContainment forbids memory operands even when the instruction has a
	// memory form.
	NoContainment
	// TiedDst requires the destination to be the first operand's register.
	TiedDst
	// FlagResult intrinsics set condition flags that are materialised with
	// setcc.
	FlagResult
	// SwapCompare evaluates the compare with its operands exchanged.
	SwapCompare
	// TwoSetCC results combine two setcc results with one internal register.
	TwoSetCC
	// MaskInXMM0 intrinsics read their mask from XMM0 in the legacy encoding.
	MaskInXMM0
	// FixedImm intrinsics encode Info.Imm rather than an operand.
	FixedImm
	// NoVEXForm instructions keep the destructive encoding even with AVX.
	NoVEXForm
	// MultiplyLow32 is the SSE2 four-lane 32-bit multiply emulation.
	MultiplyLow32
)

// Info is the property record of one intrinsic.
type Info struct {
	ID       ID
	Name     string
	ISA      target.ISA
	Category Category
	// SIMDSize is the vector width in bytes, 0 for scalar intrinsics.
	SIMDSize int
	// NumArgs is the operand count, including an immediate operand.
	NumArgs int
	Ins     map[ir.Type]asm.Ins
	// ImmLo and ImmHi bound the immediate operand of IMM intrinsics.
	ImmLo, ImmHi int64
	// Imm is the fixed immediate of FixedImm intrinsics.
	Imm   int64
	Flags Flag
	// Cond is the jump whose setcc materialises a FlagResult intrinsic; Cond2
	// is the second condition of a TwoSetCC compare.
	Cond, Cond2 asm.Ins
}

func (i *Info) Has(f Flag) bool { return i.Flags&f != 0 }

// Instruction returns the instruction used for base type t.
func (i *Info) Instruction(t ir.Type) (asm.Ins, bool) {
	ins, ok := i.Ins[t]
	return ins, ok
}

// HasImm reports intrinsics whose last operand is an immediate.
func (i *Info) HasImm() bool { return i.Category == CategoryIMM && !i.Has(FixedImm) }

// ImmIndex is the operand position of the immediate, or -1.
func (i *Info) ImmIndex() int {
	if !i.HasImm() {
		return -1
	}
	return i.NumArgs - 1
}

// ImmInRange reports whether v is a valid immediate.
func (i *Info) ImmInRange(v int64) bool { return v >= i.ImmLo && v <= i.ImmHi }

// Arch is the architecture the intrinsic's ISA belongs to.
func (i *Info) Arch() target.Arch { return i.ISA.Arch() }

var (
	f32     = []ir.Type{ir.TypeFloat}
	f64     = []ir.Type{ir.TypeDouble}
	ints8   = []ir.Type{ir.TypeByte, ir.TypeUByte}
	ints16  = []ir.Type{ir.TypeShort, ir.TypeUShort}
	ints32  = []ir.Type{ir.TypeInt, ir.TypeUInt}
	ints64  = []ir.Type{ir.TypeLong, ir.TypeULong}
	allInts = [][]ir.Type{ints8, ints16, ints32, ints64}
)

// by builds a base-type to instruction map from alternating type groups and
// instructions.
func by(pairs ...any) map[ir.Type]asm.Ins {
	m := make(map[ir.Type]asm.Ins)
	for i := 0; i+1 < len(pairs); i += 2 {
		ins := pairs[i+1].(asm.Ins)
		switch ts := pairs[i].(type) {
		case ir.Type:
			m[ts] = ins
		case []ir.Type:
			for _, t := range ts {
				m[t] = ins
			}
		}
	}
	return m
}

// ints maps every integral base type to the instruction for its width.
func ints(b, w, d, q asm.Ins) []any {
	var out []any
	for i, ins := range []asm.Ins{b, w, d, q} {
		if ins != 0 {
			out = append(out, allInts[i], ins)
		}
	}
	return out
}

func join(a []any, b ...any) []any { return append(append([]any{}, a...), b...) }

const (
	sse   = target.ISASSE
	sse2  = target.ISASSE2
	sse41 = target.ISASSE41
	sse42 = target.ISASSE42
	avx   = target.ISAAVX
	avx2  = target.ISAAVX2
	bmi1  = target.ISABMI1
	bmi2  = target.ISABMI2
	fma   = target.ISAFMA
	lzcnt = target.ISALZCNT
	clmul = target.ISAPCLMULQDQ
	popct = target.ISAPOPCNT
	abase = target.ISAArmBase
	ab64  = target.ISAArmBaseArm64
	adv   = target.ISAAdvSimd
	adv64 = target.ISAAdvSimdArm64
)

const (
	simd    = CategorySimpleSIMD
	immCat  = CategoryIMM
	scalar  = CategoryScalar
	special = CategorySpecial
)

var table = [idCount]Info{
	SSEAdd:           {Name: "Add", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.ADDPS), Flags: Commutative},
	SSEAddScalar:     {Name: "AddScalar", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.ADDSS)},
	SSESubtract:      {Name: "Subtract", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.SUBPS)},
	SSEMultiply:      {Name: "Multiply", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.MULPS), Flags: Commutative},
	SSEDivide:        {Name: "Divide", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.DIVPS)},
	SSESqrt:          {Name: "Sqrt", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.SQRTPS)},
	SSEMin:           {Name: "Min", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.MINPS)},
	SSEMax:           {Name: "Max", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.MAXPS)},
	SSEAnd:           {Name: "And", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.ANDPS), Flags: Commutative},
	SSEAndNot:        {Name: "AndNot", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.ANDNPS)},
	SSEOr:            {Name: "Or", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.ORPS), Flags: Commutative},
	SSEXor:           {Name: "Xor", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.XORPS), Flags: Commutative},
	SSEShuffle:       {Name: "Shuffle", ISA: sse, Category: immCat, SIMDSize: 16, NumArgs: 3, Ins: by(f32, amd64.SHUFPS), ImmHi: 255},
	SSEUnpackLow:     {Name: "UnpackLow", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.UNPCKLPS)},
	SSEUnpackHigh:    {Name: "UnpackHigh", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.UNPCKHPS)},
	SSEMoveLowToHigh: {Name: "MoveLowToHigh", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.MOVLHPS), Flags: NoContainment},
	SSEMoveHighToLow: {Name: "MoveHighToLow", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.MOVHLPS), Flags: NoContainment},
	SSECompareLessThan: {Name: "CompareLessThan", ISA: sse, Category: immCat, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.CMPPS), Imm: 1, Flags: FixedImm},
	SSEReciprocalSqrt: {Name: "ReciprocalSqrt", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.RSQRTPS)},
	SSEReciprocal:     {Name: "Reciprocal", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.RCPPS)},
	SSEMoveMask:       {Name: "MoveMask", ISA: sse, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.MOVMSKPS), Flags: NoContainment},
	SSECompareEqualOrderedScalar: {Name: "CompareEqualOrderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.COMISS), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JE, Cond2: amd64.JNP},
	SSECompareNotEqualOrderedScalar: {Name: "CompareNotEqualOrderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.COMISS), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JNE, Cond2: amd64.JP},
	SSECompareLessThanOrderedScalar: {Name: "CompareLessThanOrderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.COMISS), Flags: FlagResult | SwapCompare, Cond: amd64.JA},
	SSECompareLessThanOrEqualOrderedScalar: {Name: "CompareLessThanOrEqualOrderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.COMISS), Flags: FlagResult | SwapCompare, Cond: amd64.JAE},
	SSECompareGreaterThanOrderedScalar: {Name: "CompareGreaterThanOrderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.COMISS), Flags: FlagResult, Cond: amd64.JA},
	SSECompareGreaterThanOrEqualOrderedScalar: {Name: "CompareGreaterThanOrEqualOrderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.COMISS), Flags: FlagResult, Cond: amd64.JAE},
	SSECompareEqualUnorderedScalar: {Name: "CompareEqualUnorderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.UCOMISS), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JE, Cond2: amd64.JNP},
	SSECompareNotEqualUnorderedScalar: {Name: "CompareNotEqualUnorderedScalar", ISA: sse, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f32, amd64.UCOMISS), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JNE, Cond2: amd64.JP},

	SSE2Add:      {Name: "Add", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(amd64.PADDB, amd64.PADDW, amd64.PADDD, amd64.PADDQ), f64, amd64.ADDPD)...), Flags: Commutative},
	SSE2Subtract: {Name: "Subtract", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(amd64.PSUBB, amd64.PSUBW, amd64.PSUBD, amd64.PSUBQ), f64, amd64.SUBPD)...)},
	SSE2Multiply: {Name: "Multiply", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ir.TypeULong, amd64.PMULUDQ, f64, amd64.MULPD), Flags: Commutative},
	SSE2MultiplyLow: {Name: "MultiplyLow", ISA: sse2, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(ints16, amd64.PMULLW, ints32, amd64.PMULUDQ), Flags: Commutative | MultiplyLow32 | NoContainment},
	SSE2Divide:               {Name: "Divide", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f64, amd64.DIVPD)},
	SSE2Sqrt:                 {Name: "Sqrt", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f64, amd64.SQRTPD)},
	SSE2And:                  {Name: "And", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(amd64.PAND, amd64.PAND, amd64.PAND, amd64.PAND), f64, amd64.ANDPD)...), Flags: Commutative},
	SSE2AndNot:               {Name: "AndNot", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(amd64.PANDN, amd64.PANDN, amd64.PANDN, amd64.PANDN), f64, amd64.ANDNPD)...)},
	SSE2Or:                   {Name: "Or", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(amd64.POR, amd64.POR, amd64.POR, amd64.POR), f64, amd64.ORPD)...), Flags: Commutative},
	SSE2Xor:                  {Name: "Xor", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(amd64.PXOR, amd64.PXOR, amd64.PXOR, amd64.PXOR), f64, amd64.XORPD)...), Flags: Commutative},
	SSE2Min:                  {Name: "Min", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ir.TypeUByte, amd64.PMINUB, ir.TypeShort, amd64.PMINSW, f64, amd64.MINPD)},
	SSE2Max:                  {Name: "Max", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ir.TypeUByte, amd64.PMAXUB, ir.TypeShort, amd64.PMAXSW, f64, amd64.MAXPD)},
	SSE2CompareEqual:         {Name: "CompareEqual", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ints(amd64.PCMPEQB, amd64.PCMPEQW, amd64.PCMPEQD, 0)...), Flags: Commutative},
	SSE2CompareGreaterThan:   {Name: "CompareGreaterThan", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ir.TypeByte, amd64.PCMPGTB, ir.TypeShort, amd64.PCMPGTW, ir.TypeInt, amd64.PCMPGTD)},
	SSE2ShiftLeftLogical:     {Name: "ShiftLeftLogical", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints(0, amd64.PSLLW, amd64.PSLLD, amd64.PSLLQ)...), ImmHi: 255},
	SSE2ShiftRightLogical:    {Name: "ShiftRightLogical", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints(0, amd64.PSRLW, amd64.PSRLD, amd64.PSRLQ)...), ImmHi: 255},
	SSE2ShiftRightArithmetic: {Name: "ShiftRightArithmetic", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints16, amd64.PSRAW, ints32, amd64.PSRAD), ImmHi: 255},
	SSE2ShiftLeftLogical128BitLane: {Name: "ShiftLeftLogical128BitLane", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 2,
		Ins: by(ints(amd64.PSLLDQ, amd64.PSLLDQ, amd64.PSLLDQ, amd64.PSLLDQ)...), ImmHi: 255, Flags: NoContainment},
	SSE2ShiftRightLogical128BitLane: {Name: "ShiftRightLogical128BitLane", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 2,
		Ins: by(ints(amd64.PSRLDQ, amd64.PSRLDQ, amd64.PSRLDQ, amd64.PSRLDQ)...), ImmHi: 255, Flags: NoContainment},
	SSE2Shuffle:   {Name: "Shuffle", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints32, amd64.PSHUFD), ImmHi: 255, Flags: NoVEXForm},
	SSE2UnpackLow: {Name: "UnpackLow", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(amd64.PUNPCKLBW, amd64.PUNPCKLWD, amd64.PUNPCKLDQ, amd64.PUNPCKLQDQ), f64, amd64.UNPCKLPD)...)},
	SSE2UnpackHigh: {Name: "UnpackHigh", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 2,
		Ins: by(join(ints(amd64.PUNPCKHBW, amd64.PUNPCKHWD, amd64.PUNPCKHDQ, amd64.PUNPCKHQDQ), f64, amd64.UNPCKHPD)...)},
	SSE2Extract: {Name: "Extract", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints16, amd64.PEXTRW), ImmHi: 7, Flags: NoContainment},
	SSE2Insert:  {Name: "Insert", ISA: sse2, Category: immCat, SIMDSize: 16, NumArgs: 3, Ins: by(ints16, amd64.PINSRW), ImmHi: 7},
	SSE2MoveMask: {Name: "MoveMask", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 1,
		Ins: by(ints8, amd64.PMOVMSKB, f64, amd64.MOVMSKPD), Flags: NoContainment},
	SSE2ConvertToVector128Single:              {Name: "ConvertToVector128Single", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(ir.TypeInt, amd64.CVTDQ2PS)},
	SSE2ConvertToVector128Int32WithTruncation: {Name: "ConvertToVector128Int32WithTruncation", ISA: sse2, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.CVTTPS2DQ)},
	SSE2ConvertScalarToVector128Double: {Name: "ConvertScalarToVector128Double", ISA: sse2, Category: scalar, SIMDSize: 16, NumArgs: 2,
		Ins: by(ir.TypeInt, amd64.CVTSI2SD, ir.TypeLong, amd64.CVTSI2SD)},
	SSE2ConvertToInt32WithTruncation: {Name: "ConvertToInt32WithTruncation", ISA: sse2, Category: scalar, SIMDSize: 16, NumArgs: 1, Ins: by(f64, amd64.CVTTSD2SI)},
	SSE2CompareEqualOrderedScalar: {Name: "CompareEqualOrderedScalar", ISA: sse2, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f64, amd64.COMISD), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JE, Cond2: amd64.JNP},
	SSE2CompareNotEqualOrderedScalar: {Name: "CompareNotEqualOrderedScalar", ISA: sse2, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f64, amd64.COMISD), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JNE, Cond2: amd64.JP},
	SSE2CompareLessThanOrderedScalar: {Name: "CompareLessThanOrderedScalar", ISA: sse2, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f64, amd64.COMISD), Flags: FlagResult | SwapCompare, Cond: amd64.JA},
	SSE2CompareGreaterThanOrderedScalar: {Name: "CompareGreaterThanOrderedScalar", ISA: sse2, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f64, amd64.COMISD), Flags: FlagResult, Cond: amd64.JA},
	SSE2CompareEqualUnorderedScalar: {Name: "CompareEqualUnorderedScalar", ISA: sse2, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f64, amd64.UCOMISD), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JE, Cond2: amd64.JNP},
	SSE2CompareNotEqualUnorderedScalar: {Name: "CompareNotEqualUnorderedScalar", ISA: sse2, Category: special, SIMDSize: 16, NumArgs: 2,
		Ins: by(f64, amd64.UCOMISD), Flags: FlagResult | TwoSetCC | Commutative, Cond: amd64.JNE, Cond2: amd64.JP},

	SSE41MultiplyLow: {Name: "MultiplyLow", ISA: sse41, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ints32, amd64.PMULLD), Flags: Commutative},
	SSE41Extract: {Name: "Extract", ISA: sse41, Category: immCat, SIMDSize: 16, NumArgs: 2,
		Ins: by(join(ints(amd64.PEXTRB, 0, amd64.PEXTRD, amd64.PEXTRQ), f32, amd64.EXTRACTPS)...), ImmHi: 15, Flags: NoContainment},
	SSE41Insert: {Name: "Insert", ISA: sse41, Category: immCat, SIMDSize: 16, NumArgs: 3,
		Ins: by(join(ints(amd64.PINSRB, 0, amd64.PINSRD, amd64.PINSRQ), f32, amd64.INSERTPS)...), ImmHi: 255},
	SSE41Min:   {Name: "Min", ISA: sse41, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ir.TypeInt, amd64.PMINSD), Flags: Commutative},
	SSE41Max:   {Name: "Max", ISA: sse41, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ir.TypeInt, amd64.PMAXSD), Flags: Commutative},
	SSE41TestZ: {Name: "TestZ", ISA: sse41, Category: special, SIMDSize: 16, NumArgs: 2, Ins: by(ints(amd64.PTEST, amd64.PTEST, amd64.PTEST, amd64.PTEST)...), Flags: FlagResult, Cond: amd64.JE},
	SSE41TestC: {Name: "TestC", ISA: sse41, Category: special, SIMDSize: 16, NumArgs: 2, Ins: by(ints(amd64.PTEST, amd64.PTEST, amd64.PTEST, amd64.PTEST)...), Flags: FlagResult, Cond: amd64.JB},
	SSE41BlendVariable: {Name: "BlendVariable", ISA: sse41, Category: simd, SIMDSize: 16, NumArgs: 3,
		Ins: by(join(ints(amd64.PBLENDVB, amd64.PBLENDVB, amd64.PBLENDVB, amd64.PBLENDVB), f32, amd64.BLENDVPS, f64, amd64.BLENDVPD)...), Flags: MaskInXMM0},
	SSE41DotProduct:            {Name: "DotProduct", ISA: sse41, Category: immCat, SIMDSize: 16, NumArgs: 3, Ins: by(f32, amd64.DPPS, f64, amd64.DPPD), ImmHi: 255},
	SSE41RoundToNearestInteger: {Name: "RoundToNearestInteger", ISA: sse41, Category: immCat, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.ROUNDPS, f64, amd64.ROUNDPD), Imm: 0, Flags: FixedImm},
	SSE41Floor:                 {Name: "Floor", ISA: sse41, Category: immCat, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.ROUNDPS, f64, amd64.ROUNDPD), Imm: 9, Flags: FixedImm},
	SSE41Ceiling:               {Name: "Ceiling", ISA: sse41, Category: immCat, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.ROUNDPS, f64, amd64.ROUNDPD), Imm: 10, Flags: FixedImm},
	SSE41CompareEqual:          {Name: "CompareEqual", ISA: sse41, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ints64, amd64.PCMPEQQ), Flags: Commutative},
	SSE41ConvertToVector128Int16: {Name: "ConvertToVector128Int16", ISA: sse41, Category: simd, SIMDSize: 16, NumArgs: 1,
		Ins: by(ir.TypeByte, amd64.PMOVSXBW, ir.TypeUByte, amd64.PMOVZXBW)},
	SSE41ConvertToVector128Int32: {Name: "ConvertToVector128Int32", ISA: sse41, Category: simd, SIMDSize: 16, NumArgs: 1,
		Ins: by(ir.TypeShort, amd64.PMOVSXWD, ir.TypeUShort, amd64.PMOVZXWD)},

	SSE42Crc32: {Name: "Crc32", ISA: sse42, Category: special, NumArgs: 2,
		Ins: by(ir.TypeUByte, amd64.CRC32, ir.TypeUShort, amd64.CRC32, ir.TypeUInt, amd64.CRC32, ir.TypeULong, amd64.CRC32), Flags: TiedDst},
	SSE42CompareGreaterThan: {Name: "CompareGreaterThan", ISA: sse42, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ir.TypeLong, amd64.PCMPGTQ)},

	AVXAdd:      {Name: "Add", ISA: avx, Category: simd, SIMDSize: 32, NumArgs: 2, Ins: by(f32, amd64.ADDPS, f64, amd64.ADDPD), Flags: Commutative},
	AVXMultiply: {Name: "Multiply", ISA: avx, Category: simd, SIMDSize: 32, NumArgs: 2, Ins: by(f32, amd64.MULPS, f64, amd64.MULPD), Flags: Commutative},
	AVXExtractVector128: {Name: "ExtractVector128", ISA: avx, Category: immCat, SIMDSize: 32, NumArgs: 2,
		Ins: by(join(ints(amd64.VEXTRACTF128, amd64.VEXTRACTF128, amd64.VEXTRACTF128, amd64.VEXTRACTF128), f32, amd64.VEXTRACTF128, f64, amd64.VEXTRACTF128)...), ImmHi: 1, Flags: NoContainment},
	AVXInsertVector128: {Name: "InsertVector128", ISA: avx, Category: immCat, SIMDSize: 32, NumArgs: 3,
		Ins: by(join(ints(amd64.VINSERTF128, amd64.VINSERTF128, amd64.VINSERTF128, amd64.VINSERTF128), f32, amd64.VINSERTF128, f64, amd64.VINSERTF128)...), ImmHi: 1},
	AVXBroadcastScalarToVector128: {Name: "BroadcastScalarToVector128", ISA: avx, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f32, amd64.VBROADCASTSS)},
	AVXBroadcastScalarToVector256: {Name: "BroadcastScalarToVector256", ISA: avx, Category: simd, SIMDSize: 32, NumArgs: 1, Ins: by(f32, amd64.VBROADCASTSS, f64, amd64.VBROADCASTSD)},
	AVXTestZ:        {Name: "TestZ", ISA: avx, Category: special, SIMDSize: 32, NumArgs: 2, Ins: by(f32, amd64.VTESTPS), Flags: FlagResult, Cond: amd64.JE},
	AVXPermute:      {Name: "Permute", ISA: avx, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(f32, amd64.VPERMILPS), ImmHi: 255},
	AVXPermute2x128: {Name: "Permute2x128", ISA: avx, Category: immCat, SIMDSize: 32, NumArgs: 3, Ins: by(f32, amd64.VPERM2F128, f64, amd64.VPERM2F128), ImmHi: 255},

	AVX2Add: {Name: "Add", ISA: avx2, Category: simd, SIMDSize: 32, NumArgs: 2, Ins: by(ints(amd64.PADDB, amd64.PADDW, amd64.PADDD, amd64.PADDQ)...), Flags: Commutative},
	AVX2BroadcastScalarToVector128: {Name: "BroadcastScalarToVector128", ISA: avx2, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(ints32, amd64.VPBROADCASTD)},
	AVX2ShiftLeftLogicalVariable:   {Name: "ShiftLeftLogicalVariable", ISA: avx2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ints32, amd64.VPSLLVD)},
	AVX2ShiftRightLogicalVariable:  {Name: "ShiftRightLogicalVariable", ISA: avx2, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(ints32, amd64.VPSRLVD)},
	AVX2Permute4x64:                {Name: "Permute4x64", ISA: avx2, Category: immCat, SIMDSize: 32, NumArgs: 2, Ins: by(ints64, amd64.VPERMQ), ImmHi: 255},

	BMI1AndNot:                  {Name: "AndNot", ISA: bmi1, Category: scalar, NumArgs: 2, Ins: by(ints32, amd64.ANDN, ints64, amd64.ANDN)},
	BMI1ExtractLowestSetBit:     {Name: "ExtractLowestSetBit", ISA: bmi1, Category: scalar, NumArgs: 1, Ins: by(ints32, amd64.BLSI, ints64, amd64.BLSI)},
	BMI1GetMaskUpToLowestSetBit: {Name: "GetMaskUpToLowestSetBit", ISA: bmi1, Category: scalar, NumArgs: 1, Ins: by(ints32, amd64.BLSMSK, ints64, amd64.BLSMSK)},
	BMI1ResetLowestSetBit:       {Name: "ResetLowestSetBit", ISA: bmi1, Category: scalar, NumArgs: 1, Ins: by(ints32, amd64.BLSR, ints64, amd64.BLSR)},
	BMI1TrailingZeroCount:       {Name: "TrailingZeroCount", ISA: bmi1, Category: scalar, NumArgs: 1, Ins: by(ints32, amd64.TZCNT, ints64, amd64.TZCNT)},

	BMI2ParallelBitDeposit: {Name: "ParallelBitDeposit", ISA: bmi2, Category: scalar, NumArgs: 2, Ins: by(ints32, amd64.PDEP, ints64, amd64.PDEP)},
	BMI2ParallelBitExtract: {Name: "ParallelBitExtract", ISA: bmi2, Category: scalar, NumArgs: 2, Ins: by(ints32, amd64.PEXT, ints64, amd64.PEXT)},
	BMI2ZeroHighBits:       {Name: "ZeroHighBits", ISA: bmi2, Category: scalar, NumArgs: 2, Ins: by(ints32, amd64.BZHI, ints64, amd64.BZHI)},
	BMI2MultiplyNoFlags:    {Name: "MultiplyNoFlags", ISA: bmi2, Category: special, NumArgs: 2, Ins: by(ints32, amd64.MULX, ints64, amd64.MULX)},

	FMAMultiplyAdd:       {Name: "MultiplyAdd", ISA: fma, Category: simd, SIMDSize: 16, NumArgs: 3, Ins: by(f32, amd64.VFMADD213PS, f64, amd64.VFMADD213PD), Flags: TiedDst},
	FMAMultiplyAddScalar: {Name: "MultiplyAddScalar", ISA: fma, Category: simd, SIMDSize: 16, NumArgs: 3, Ins: by(f32, amd64.VFMADD213SS, f64, amd64.VFMADD213SD), Flags: TiedDst},
	FMAMultiplySubtract:  {Name: "MultiplySubtract", ISA: fma, Category: simd, SIMDSize: 16, NumArgs: 3, Ins: by(f32, amd64.VFMSUB213PS, f64, amd64.VFMSUB213PD), Flags: TiedDst},

	LZCNTLeadingZeroCount: {Name: "LeadingZeroCount", ISA: lzcnt, Category: scalar, NumArgs: 1, Ins: by(ints32, amd64.LZCNT, ints64, amd64.LZCNT)},

	PCLMULQDQCarrylessMultiply: {Name: "CarrylessMultiply", ISA: clmul, Category: immCat, SIMDSize: 16, NumArgs: 3, Ins: by(ints64, amd64.PCLMULQDQ), ImmHi: 255},

	POPCNTPopCount: {Name: "PopCount", ISA: popct, Category: scalar, NumArgs: 1, Ins: by(ints32, amd64.POPCNT, ints64, amd64.POPCNT)},

	ArmBaseLeadingZeroCount:      {Name: "LeadingZeroCount", ISA: abase, Category: scalar, NumArgs: 1, Ins: by(ints32, arm64.CLZ, ints64, arm64.CLZ)},
	ArmBaseReverseElementBits:    {Name: "ReverseElementBits", ISA: abase, Category: scalar, NumArgs: 1, Ins: by(ints32, arm64.RBIT, ints64, arm64.RBIT)},
	ArmBaseArm64LeadingSignCount: {Name: "LeadingSignCount", ISA: ab64, Category: scalar, NumArgs: 1, Ins: by(ints32, arm64.CLS, ints64, arm64.CLS)},

	AdvSimdAdd:          {Name: "Add", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VADD, arm64.VADD, arm64.VADD, arm64.VADD), f32, arm64.VFADD)...), Flags: Commutative},
	AdvSimdSubtract:     {Name: "Subtract", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VSUB, arm64.VSUB, arm64.VSUB, arm64.VSUB), f32, arm64.VFSUB)...)},
	AdvSimdMultiply:     {Name: "Multiply", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VMUL, arm64.VMUL, arm64.VMUL, 0), f32, arm64.VFMUL)...), Flags: Commutative},
	AdvSimdAnd:          {Name: "And", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VAND, arm64.VAND, arm64.VAND, arm64.VAND), f32, arm64.VAND, f64, arm64.VAND)...), Flags: Commutative},
	AdvSimdOr:           {Name: "Or", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VORR, arm64.VORR, arm64.VORR, arm64.VORR), f32, arm64.VORR, f64, arm64.VORR)...), Flags: Commutative},
	AdvSimdXor:          {Name: "Xor", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VEOR, arm64.VEOR, arm64.VEOR, arm64.VEOR), f32, arm64.VEOR, f64, arm64.VEOR)...), Flags: Commutative},
	AdvSimdBitwiseClear: {Name: "BitwiseClear", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VBIC, arm64.VBIC, arm64.VBIC, arm64.VBIC), f32, arm64.VBIC)...)},
	AdvSimdNot:          {Name: "Not", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(ints(arm64.VNOT, arm64.VNOT, arm64.VNOT, arm64.VNOT)...)},
	AdvSimdNegate:       {Name: "Negate", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(join(ints(arm64.VNEG, arm64.VNEG, arm64.VNEG, 0), f32, arm64.VFNEG)...)},
	AdvSimdAbs:          {Name: "Abs", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(join(ints(arm64.VABS, arm64.VABS, arm64.VABS, 0), f32, arm64.VFABS)...)},
	AdvSimdCompareEqual: {Name: "CompareEqual", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.VCMEQ, arm64.VCMEQ, arm64.VCMEQ, 0), f32, arm64.VFCMEQ)...), Flags: Commutative},
	AdvSimdCompareGreaterThan: {Name: "CompareGreaterThan", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2,
		Ins: by(ir.TypeByte, arm64.VCMGT, ir.TypeShort, arm64.VCMGT, ir.TypeInt, arm64.VCMGT,
			ir.TypeUByte, arm64.VCMHI, ir.TypeUShort, arm64.VCMHI, ir.TypeUInt, arm64.VCMHI, f32, arm64.VFCMGT)},
	AdvSimdMin: {Name: "Min", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2,
		Ins: by(ir.TypeByte, arm64.VSMIN, ir.TypeShort, arm64.VSMIN, ir.TypeInt, arm64.VSMIN,
			ir.TypeUByte, arm64.VUMIN, ir.TypeUShort, arm64.VUMIN, ir.TypeUInt, arm64.VUMIN, f32, arm64.VFMIN), Flags: Commutative},
	AdvSimdMax: {Name: "Max", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 2,
		Ins: by(ir.TypeByte, arm64.VSMAX, ir.TypeShort, arm64.VSMAX, ir.TypeInt, arm64.VSMAX,
			ir.TypeUByte, arm64.VUMAX, ir.TypeUShort, arm64.VUMAX, ir.TypeUInt, arm64.VUMAX, f32, arm64.VFMAX), Flags: Commutative},
	AdvSimdPopCount:             {Name: "PopCount", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(ints8, arm64.CNT)},
	AdvSimdDuplicateToVector128: {Name: "DuplicateToVector128", ISA: adv, Category: scalar, SIMDSize: 16, NumArgs: 1, Ins: by(join(ints(arm64.DUP, arm64.DUP, arm64.DUP, arm64.DUP), f32, arm64.DUP, f64, arm64.DUP)...)},
	AdvSimdExtract: {Name: "Extract", ISA: adv, Category: immCat, SIMDSize: 16, NumArgs: 2,
		Ins: by(ir.TypeByte, arm64.SMOV, ir.TypeShort, arm64.SMOV, ir.TypeUByte, arm64.UMOV, ir.TypeUShort, arm64.UMOV, ints32, arm64.UMOV, ints64, arm64.UMOV), ImmHi: 15},
	AdvSimdInsert: {Name: "Insert", ISA: adv, Category: immCat, SIMDSize: 16, NumArgs: 3,
		Ins: by(join(ints(arm64.INS, arm64.INS, arm64.INS, arm64.INS), f32, arm64.INS, f64, arm64.INS)...), ImmHi: 15, Flags: TiedDst},
	AdvSimdBitwiseSelect: {Name: "BitwiseSelect", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 3,
		Ins: by(join(ints(arm64.VBSL, arm64.VBSL, arm64.VBSL, arm64.VBSL), f32, arm64.VBSL, f64, arm64.VBSL)...), Flags: TiedDst},
	AdvSimdShiftLeftLogical:     {Name: "ShiftLeftLogical", ISA: adv, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints(arm64.VSHL, arm64.VSHL, arm64.VSHL, arm64.VSHL)...), ImmHi: 63},
	AdvSimdShiftRightLogical:    {Name: "ShiftRightLogical", ISA: adv, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints(arm64.VUSHR, arm64.VUSHR, arm64.VUSHR, arm64.VUSHR)...), ImmLo: 1, ImmHi: 64},
	AdvSimdShiftRightArithmetic: {Name: "ShiftRightArithmetic", ISA: adv, Category: immCat, SIMDSize: 16, NumArgs: 2, Ins: by(ints(arm64.VSSHR, arm64.VSSHR, arm64.VSSHR, arm64.VSSHR)...), ImmLo: 1, ImmHi: 64},
	AdvSimdExtractVector128: {Name: "ExtractVector128", ISA: adv, Category: immCat, SIMDSize: 16, NumArgs: 3,
		Ins: by(join(ints(arm64.VEXT, arm64.VEXT, arm64.VEXT, arm64.VEXT), f32, arm64.VEXT)...), ImmHi: 15},
	AdvSimdFusedMultiplyAdd: {Name: "FusedMultiplyAdd", ISA: adv, Category: simd, SIMDSize: 16, NumArgs: 3, Ins: by(f32, arm64.VFMLA), Flags: TiedDst},

	AdvSimdArm64Divide:        {Name: "Divide", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(f32, arm64.VFDIV, f64, arm64.VFDIV)},
	AdvSimdArm64Sqrt:          {Name: "Sqrt", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(f32, arm64.VFSQRT, f64, arm64.VFSQRT)},
	AdvSimdArm64AddAcross:     {Name: "AddAcross", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(ints(arm64.ADDV, arm64.ADDV, arm64.ADDV, 0)...)},
	AdvSimdArm64MaxAcross:     {Name: "MaxAcross", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(ir.TypeByte, arm64.SMAXV, ir.TypeShort, arm64.SMAXV, ir.TypeInt, arm64.SMAXV, ir.TypeUByte, arm64.UMAXV, ir.TypeUShort, arm64.UMAXV, ir.TypeUInt, arm64.UMAXV)},
	AdvSimdArm64MinAcross:     {Name: "MinAcross", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 1, Ins: by(ir.TypeByte, arm64.SMINV, ir.TypeShort, arm64.SMINV, ir.TypeInt, arm64.SMINV, ir.TypeUByte, arm64.UMINV, ir.TypeUShort, arm64.UMINV, ir.TypeUInt, arm64.UMINV)},
	AdvSimdArm64ZipLow:        {Name: "ZipLow", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.ZIP1, arm64.ZIP1, arm64.ZIP1, arm64.ZIP1), f32, arm64.ZIP1, f64, arm64.ZIP1)...)},
	AdvSimdArm64ZipHigh:       {Name: "ZipHigh", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.ZIP2, arm64.ZIP2, arm64.ZIP2, arm64.ZIP2), f32, arm64.ZIP2, f64, arm64.ZIP2)...)},
	AdvSimdArm64UnzipEven:     {Name: "UnzipEven", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.UZP1, arm64.UZP1, arm64.UZP1, arm64.UZP1), f32, arm64.UZP1, f64, arm64.UZP1)...)},
	AdvSimdArm64UnzipOdd:      {Name: "UnzipOdd", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.UZP2, arm64.UZP2, arm64.UZP2, arm64.UZP2), f32, arm64.UZP2, f64, arm64.UZP2)...)},
	AdvSimdArm64TransposeEven: {Name: "TransposeEven", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.TRN1, arm64.TRN1, arm64.TRN1, arm64.TRN1), f32, arm64.TRN1, f64, arm64.TRN1)...)},
	AdvSimdArm64TransposeOdd:  {Name: "TransposeOdd", ISA: adv64, Category: simd, SIMDSize: 16, NumArgs: 2, Ins: by(join(ints(arm64.TRN2, arm64.TRN2, arm64.TRN2, arm64.TRN2), f32, arm64.TRN2, f64, arm64.TRN2)...)},
}

// The AdvSimd float forms also take doubles (the .2d arrangement).
func init() {
	for _, id := range []ID{AdvSimdAdd, AdvSimdSubtract, AdvSimdMultiply, AdvSimdNegate, AdvSimdAbs, AdvSimdCompareEqual, AdvSimdCompareGreaterThan, AdvSimdMin, AdvSimdMax} {
		f := table[id].Ins[ir.TypeFloat]
		table[id].Ins[ir.TypeDouble] = f
	}
	for id := ID(1); id < idCount; id++ {
		table[id].ID = id
		key := ClassName(table[id].ISA) + "." + table[id].Name
		if _, dup := byName[key]; dup {
			panic(fmt.Sprintf("hwintrinsic: duplicate intrinsic %s", key))
		}
		byName[key] = id
	}
}

var byName = make(map[string]ID, idCount)

var classNames = map[target.ISA]string{
	target.ISASSE:          "SSE",
	target.ISASSE2:         "SSE2",
	target.ISASSE41:        "SSE41",
	target.ISASSE42:        "SSE42",
	target.ISAAVX:          "AVX",
	target.ISAAVX2:         "AVX2",
	target.ISABMI1:         "BMI1",
	target.ISABMI2:         "BMI2",
	target.ISAFMA:          "FMA",
	target.ISALZCNT:        "LZCNT",
	target.ISAPCLMULQDQ:    "PCLMULQDQ",
	target.ISAPOPCNT:       "POPCNT",
	target.ISAArmBase:      "ArmBase",
	target.ISAArmBaseArm64: "ArmBase.Arm64",
	target.ISAAdvSimd:      "AdvSimd",
	target.ISAAdvSimdArm64: "AdvSimd.Arm64",
}

// ClassName is the intrinsic class an ISA's intrinsics are declared in.
func ClassName(isa target.ISA) string {
	if n, ok := classNames[isa]; ok {
		return n
	}
	return strings.ToUpper(isa.String())
}

// Lookup returns the properties of id.
func Lookup(id ID) (*Info, bool) {
	if id == Invalid || id >= idCount {
		return nil, false
	}
	return &table[id], true
}

// MustLookup is Lookup for identities produced by this package.
func MustLookup(id ID) *Info {
	info, ok := Lookup(id)
	if !ok {
		panic(fmt.Sprintf("hwintrinsic: unknown intrinsic %d", id))
	}
	return info
}

// Parse resolves a qualified name such as "SSE2.Add" or "AdvSimd.Arm64.ZipLow".
func Parse(name string) (ID, error) {
	if id, ok := byName[name]; ok {
		return id, nil
	}
	return Invalid, fmt.Errorf("hwintrinsic: unknown intrinsic %q", name)
}

// QualifiedName is the inverse of Parse.
func QualifiedName(id ID) string {
	info, ok := Lookup(id)
	if !ok {
		return fmt.Sprintf("HWIntrinsic(%d)", id)
	}
	return ClassName(info.ISA) + "." + info.Name
}

// All returns every intrinsic in declaration order.
func All() []*Info {
	out := make([]*Info, 0, idCount-1)
	for id := ID(1); id < idCount; id++ {
		out = append(out, &table[id])
	}
	return out
}

// Supported reports whether t enables the intrinsic's ISA.
func Supported(t *target.Target, id ID) bool {
	info, ok := Lookup(id)
	return ok && info.ISA.Arch() == t.Arch && t.Has(info.ISA)
}
