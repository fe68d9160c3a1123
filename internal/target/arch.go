package target

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"
)

// Arch names an instruction-set architecture.
type Arch string

const (
	ArchInvalid Arch = "invalid"
	ArchAMD64   Arch = "amd64"
	ArchARM64   Arch = "arm64"
	// ArchARM only backs the 32-bit immediate predicates; no code generator
	// targets it.
	ArchARM Arch = "arm"
)

func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amd64", "x86_64", "x64":
		return ArchAMD64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "arm", "arm32":
		return ArchARM, nil
	}
	return ArchInvalid, fmt.Errorf("target: unknown architecture %q", s)
}

// ISA is one instruction-set extension the code generator can gate on.
type ISA uint8

const (
	ISANone ISA = iota
	ISASSE
	ISASSE2
	ISASSE3
	ISASSSE3
	ISASSE41
	ISASSE42
	ISAAVX
	ISAAVX2
	ISABMI1
	ISABMI2
	ISAFMA
	ISALZCNT
	ISAPCLMULQDQ
	ISAPOPCNT
	ISAArmBase
	ISAArmBaseArm64
	ISAAdvSimd
	ISAAdvSimdArm64
	isaCount
)

var isaInfo = [isaCount]struct {
	name string
	arch Arch
}{
	ISANone:         {"none", ArchInvalid},
	ISASSE:          {"sse", ArchAMD64},
	ISASSE2:         {"sse2", ArchAMD64},
	ISASSE3:         {"sse3", ArchAMD64},
	ISASSSE3:        {"ssse3", ArchAMD64},
	ISASSE41:        {"sse41", ArchAMD64},
	ISASSE42:        {"sse42", ArchAMD64},
	ISAAVX:          {"avx", ArchAMD64},
	ISAAVX2:         {"avx2", ArchAMD64},
	ISABMI1:         {"bmi1", ArchAMD64},
	ISABMI2:         {"bmi2", ArchAMD64},
	ISAFMA:          {"fma", ArchAMD64},
	ISALZCNT:        {"lzcnt", ArchAMD64},
	ISAPCLMULQDQ:    {"pclmulqdq", ArchAMD64},
	ISAPOPCNT:       {"popcnt", ArchAMD64},
	ISAArmBase:      {"armbase", ArchARM64},
	ISAArmBaseArm64: {"armbase_arm64", ArchARM64},
	ISAAdvSimd:      {"advsimd", ArchARM64},
	ISAAdvSimdArm64: {"advsimd_arm64", ArchARM64},
}

func (i ISA) String() string {
	if i >= isaCount {
		return fmt.Sprintf("ISA(%d)", uint8(i))
	}
	return isaInfo[i].name
}

// Arch returns the architecture the extension belongs to.
func (i ISA) Arch() Arch {
	if i >= isaCount {
		return ArchInvalid
	}
	return isaInfo[i].arch
}

func ParseISA(s string) (ISA, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, ".", "")
	for i := ISASSE; i < isaCount; i++ {
		if isaInfo[i].name == name {
			return i, nil
		}
	}
	return ISANone, fmt.Errorf("target: unknown isa %q", s)
}

// ISASet is a set of enabled extensions.
type ISASet uint64

func NewISASet(isas ...ISA) ISASet {
	var s ISASet
	for _, i := range isas {
		s = s.With(i)
	}
	return s
}

func (s ISASet) Has(i ISA) bool       { return i != ISANone && s&(1<<i) != 0 }
func (s ISASet) With(i ISA) ISASet    { return s | 1<<i }
func (s ISASet) Without(i ISA) ISASet { return s &^ (1 << i) }
func (s ISASet) Len() int             { return bits.OnesCount64(uint64(s)) }

// List returns the enabled extensions in declaration order.
func (s ISASet) List() []ISA {
	var out []ISA
	for i := ISASSE; i < isaCount; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

func (s ISASet) String() string {
	names := make([]string, 0, s.Len())
	for _, i := range s.List() {
		names = append(names, i.String())
	}
	return strings.Join(names, ",")
}

// ParseISASet parses a comma separated extension list.
func ParseISASet(list []string) (ISASet, error) {
	var s ISASet
	for _, name := range list {
		if strings.TrimSpace(name) == "" {
			continue
		}
		i, err := ParseISA(name)
		if err != nil {
			return 0, err
		}
		s = s.With(i)
	}
	return s, nil
}

// Implied closes the set over the extensions each member implies; enabling
// AVX2 enables AVX and every SSE level below it.
func (s ISASet) Implied() ISASet {
	if s.Has(ISAFMA) {
		s = s.With(ISAAVX)
	}
	chain := []ISA{ISASSE, ISASSE2, ISASSE3, ISASSSE3, ISASSE41, ISASSE42, ISAAVX, ISAAVX2}
	top := -1
	for i, isa := range chain {
		if s.Has(isa) {
			top = i
		}
	}
	for _, isa := range chain[:top+1] {
		s = s.With(isa)
	}
	armChain := []ISA{ISAArmBase, ISAArmBaseArm64, ISAAdvSimd, ISAAdvSimdArm64}
	if slices.ContainsFunc(armChain, s.Has) {
		s = s.With(ISAArmBase)
		if s.Has(ISAAdvSimdArm64) {
			s = s.With(ISAAdvSimd)
		}
	}
	return s
}

// BaselineISA is the extension set every processor of arch provides.
func BaselineISA(arch Arch) ISASet {
	switch arch {
	case ArchAMD64:
		return NewISASet(ISASSE, ISASSE2)
	case ArchARM64:
		return NewISASet(ISAArmBase, ISAArmBaseArm64, ISAAdvSimd, ISAAdvSimdArm64)
	}
	return 0
}
