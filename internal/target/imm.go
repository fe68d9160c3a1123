package target

import (
	"math"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// FitsInt32 reports whether v survives a round trip through a sign-extended
// 32-bit immediate field.
func FitsInt32[T constraints.Integer](v T) bool {
	x := int64(v)
	if v < 0 {
		return x >= math.MinInt32
	}
	return uint64(v) <= math.MaxInt32
}

// FitsUnsigned reports whether v is representable in n unsigned bits.
func FitsUnsigned[T constraints.Integer](v T, n uint) bool {
	if v < 0 {
		return false
	}
	return uint64(v)>>n == 0
}

// FitsSigned reports whether v is representable in n signed bits.
func FitsSigned[T constraints.Integer](v T, n uint) bool {
	x := int64(v)
	if v > 0 && uint64(v) > math.MaxInt64 {
		return false
	}
	lo, hi := -(int64(1) << (n - 1)), int64(1)<<(n-1)-1
	return x >= lo && x <= hi
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// ImmKind selects the instruction form an immediate is checked against.
type ImmKind uint8

const (
	// ImmALU: add/sub and the generic ALU forms.
	ImmALU ImmKind = iota
	ImmCompare
	// ImmLogical: and/or/xor/test.
	ImmLogical
	ImmShift
	// ImmStoreData: the value operand of a store.
	ImmStoreData
	// ImmAddrOffset: a load/store displacement.
	ImmAddrOffset
	ImmMov
)

func (k ImmKind) String() string {
	switch k {
	case ImmALU:
		return "alu"
	case ImmCompare:
		return "compare"
	case ImmLogical:
		return "logical"
	case ImmShift:
		return "shift"
	case ImmStoreData:
		return "store"
	case ImmAddrOffset:
		return "addr"
	case ImmMov:
		return "mov"
	}
	return "?"
}

// ImmFits reports whether v can be encoded as an immediate of the given kind
// for an operation on size-byte operands.
func ImmFits(arch Arch, kind ImmKind, v int64, size int) bool {
	switch arch {
	case ArchAMD64:
		return amd64ImmFits(kind, v, size)
	case ArchARM64:
		return arm64ImmFits(kind, v, size)
	case ArchARM:
		return armImmFits(kind, v)
	}
	return false
}

func amd64ImmFits(kind ImmKind, v int64, size int) bool {
	switch kind {
	case ImmShift:
		return v >= 0 && v <= 255
	case ImmStoreData:
		if size < 8 {
			return FitsSigned(v, uint(size*8)) || FitsUnsigned(v, uint(size*8))
		}
	}
	return FitsInt32(v)
}

// ARM64

// Arm64AddImm reports the add/sub immediate form: an unsigned 12-bit value,
// optionally shifted left by 12.
func Arm64AddImm(v int64) bool {
	if v < 0 {
		return false
	}
	return v>>12 == 0 || (v&0xfff == 0 && v>>24 == 0)
}

// Arm64LogicalImm reports whether v is encodable as a bitmask immediate for
// a bits-wide operation.
func Arm64LogicalImm(v uint64, width int) bool {
	if width == 32 {
		v = v&0xffffffff | v<<32
	}
	if v == 0 || v == math.MaxUint64 {
		return false
	}
	switch {
	case v != v>>32|v<<32:
	case v != v>>16|v<<48:
		v = uint64(int32(v))
	case v != v>>8|v<<56:
		v = uint64(int16(v))
	case v != v>>4|v<<60:
		v = uint64(int8(v))
	default:
		return true
	}
	return contiguousOnes(v) || contiguousOnes(^v)
}

func contiguousOnes(x uint64) bool {
	low := x & -x
	y := x + low
	return y&(y-1) == 0
}

// Arm64FrameRecord is the size of the saved x29/x30 pair that sits below
// the locals of an arm64 frame.
const Arm64FrameRecord = 16

// Arm64LdStOffset reports whether off is a legal load/store displacement for
// an access of size bytes: scaled unsigned 12-bit or unscaled signed 9-bit.
func Arm64LdStOffset(off int64, size int) bool {
	if FitsSigned(off, 9) {
		return true
	}
	if size <= 0 || off < 0 || off%int64(size) != 0 {
		return false
	}
	return off/int64(size) <= 0xfff
}

func arm64ImmFits(kind ImmKind, v int64, size int) bool {
	width := 64
	if size <= 4 {
		width = 32
		v = int64(int32(v))
	}
	switch kind {
	case ImmALU, ImmCompare:
		return Arm64AddImm(v) || (v != math.MinInt64 && Arm64AddImm(-v))
	case ImmLogical:
		return Arm64LogicalImm(uint64(v), width)
	case ImmShift:
		return v >= 0 && v < int64(width)
	case ImmStoreData:
		return v == 0
	case ImmAddrOffset:
		return Arm64LdStOffset(v, size)
	case ImmMov:
		return v == 0 || Arm64LogicalImm(uint64(v), width) || movzFits(uint64(v), width) || movzFits(^uint64(v), width)
	}
	return false
}

func movzFits(v uint64, width int) bool {
	if width == 32 {
		v &= 0xffffffff
	}
	for s := 0; s < width; s += 16 {
		if v&^(0xffff<<s) == 0 {
			return true
		}
	}
	return false
}

// ARM (32-bit)

// ArmModifiedImm reports the A32 modified immediate: an 8-bit value rotated
// right by an even amount.
func ArmModifiedImm(v uint32) bool {
	for rot := 0; rot < 32; rot += 2 {
		if bits.RotateLeft32(v, rot)&^0xff == 0 {
			return true
		}
	}
	return false
}

// ArmMovImm reports values a single mov/movw/mvn can produce.
func ArmMovImm(v int32) bool {
	return uint32(v)>>16 == 0 || ArmModifiedImm(uint32(v)) || ArmModifiedImm(^uint32(v))
}

// ArmAddImm reports values add/sub can encode. The 12-bit form is only
// available without flag setting.
func ArmAddImm(v int32, setFlags bool) bool {
	if !setFlags && abs64(int64(v)) <= 0xfff {
		return true
	}
	return ArmModifiedImm(uint32(v)) || ArmModifiedImm(uint32(-v))
}

func ArmCmpImm(v int32) bool {
	return ArmModifiedImm(uint32(v)) || ArmModifiedImm(uint32(-v))
}

func ArmLdStOffset(v int32) bool {
	return v&0xfff == v || abs64(int64(v)) <= 0xff
}

func armImmFits(kind ImmKind, v int64) bool {
	if !FitsInt32(v) && !FitsUnsigned(v, 32) {
		return false
	}
	x := int32(uint32(v))
	switch kind {
	case ImmALU:
		return ArmAddImm(x, false)
	case ImmCompare:
		return ArmCmpImm(x)
	case ImmLogical:
		return ArmModifiedImm(uint32(x))
	case ImmShift:
		return x >= 0 && x < 32
	case ImmStoreData:
		return x == 0
	case ImmAddrOffset:
		return ArmLdStOffset(x)
	case ImmMov:
		return ArmMovImm(x)
	}
	return false
}
