package ir

import "fmt"

// MathIntrinsic identifies the scalar math operations carried by OpIntrinsic.
type MathIntrinsic uint8

const (
	MathInvalid MathIntrinsic = iota
	MathSqrt
	MathAbs
	MathRound
)

func (m MathIntrinsic) String() string {
	switch m {
	case MathSqrt:
		return "sqrt"
	case MathAbs:
		return "abs"
	case MathRound:
		return "round"
	}
	return "invalid"
}

// SIMDIntrinsic identifies the portable vector operations carried by OpSIMD.
type SIMDIntrinsic uint8

const (
	SIMDInvalid SIMDIntrinsic = iota
	SIMDInit
	SIMDInitN
	SIMDAdd
	SIMDSub
	SIMDMul
	SIMDDiv
	SIMDSqrt
	SIMDAbs
	SIMDMin
	SIMDMax
	SIMDBitwiseAnd
	// SIMDBitwiseAndNot computes ~op1 & op2.
	SIMDBitwiseAndNot
	SIMDBitwiseOr
	SIMDBitwiseXor
	SIMDEqual
	SIMDLessThan
	SIMDLessThanOrEqual
	SIMDGreaterThan
	SIMDOpEquality
	SIMDOpInEquality
	SIMDDotProduct
	SIMDGetItem
	SIMDSetX
	SIMDSetY
	SIMDSetZ
	SIMDSetW
	SIMDCast
	SIMDConvertToSingle
	SIMDConvertToInt32
	SIMDWidenLo
	SIMDWidenHi
	SIMDNarrow
	SIMDShuffleSSE2
	simdCount
)

var simdNames = [simdCount]string{
	SIMDInvalid:         "invalid",
	SIMDInit:            "Init",
	SIMDInitN:           "InitN",
	SIMDAdd:             "Add",
	SIMDSub:             "Sub",
	SIMDMul:             "Mul",
	SIMDDiv:             "Div",
	SIMDSqrt:            "Sqrt",
	SIMDAbs:             "Abs",
	SIMDMin:             "Min",
	SIMDMax:             "Max",
	SIMDBitwiseAnd:      "BitwiseAnd",
	SIMDBitwiseAndNot:   "BitwiseAndNot",
	SIMDBitwiseOr:       "BitwiseOr",
	SIMDBitwiseXor:      "BitwiseXor",
	SIMDEqual:           "Equal",
	SIMDLessThan:        "LessThan",
	SIMDLessThanOrEqual: "LessThanOrEqual",
	SIMDGreaterThan:     "GreaterThan",
	SIMDOpEquality:      "OpEquality",
	SIMDOpInEquality:    "OpInEquality",
	SIMDDotProduct:      "DotProduct",
	SIMDGetItem:         "GetItem",
	SIMDSetX:            "SetX",
	SIMDSetY:            "SetY",
	SIMDSetZ:            "SetZ",
	SIMDSetW:            "SetW",
	SIMDCast:            "Cast",
	SIMDConvertToSingle: "ConvertToSingle",
	SIMDConvertToInt32:  "ConvertToInt32",
	SIMDWidenLo:         "WidenLo",
	SIMDWidenHi:         "WidenHi",
	SIMDNarrow:          "Narrow",
	SIMDShuffleSSE2:     "ShuffleSSE2",
}

func (s SIMDIntrinsic) String() string {
	if s >= simdCount {
		return fmt.Sprintf("SIMDIntrinsic(%d)", uint8(s))
	}
	return simdNames[s]
}

// ParseSIMDIntrinsic maps a name as printed by String back to its identity.
func ParseSIMDIntrinsic(name string) (SIMDIntrinsic, error) {
	for id := SIMDInit; id < simdCount; id++ {
		if simdNames[id] == name {
			return id, nil
		}
	}
	return SIMDInvalid, fmt.Errorf("ir: unknown simd intrinsic %q", name)
}

// IsCommutative reports vector operations whose operands may be swapped.
func (s SIMDIntrinsic) IsCommutative() bool {
	switch s {
	case SIMDAdd, SIMDMul, SIMDMin, SIMDMax, SIMDBitwiseAnd, SIMDBitwiseOr,
		SIMDBitwiseXor, SIMDEqual, SIMDOpEquality, SIMDOpInEquality, SIMDDotProduct:
		return true
	}
	return false
}

// HWIntrinsic is the identity of a hardware intrinsic. The identities and
// their properties are declared by the hwintrinsic package; the IR only
// carries the number.
type HWIntrinsic uint16
