package target

import (
	"fmt"
	"slices"
	"sync"
)

// Limits are the block-operation size thresholds, in bytes (slots for
// CpObjNonGCSlots).
type Limits struct {
	InitBlkUnroll   int `yaml:"initBlkUnroll" toml:"initBlkUnroll"`
	InitBlkStos     int `yaml:"initBlkStos" toml:"initBlkStos"`
	CpBlkUnroll     int `yaml:"cpBlkUnroll" toml:"cpBlkUnroll"`
	CpBlkMovs       int `yaml:"cpBlkMovs" toml:"cpBlkMovs"`
	CpObjNonGCSlots int `yaml:"cpObjNonGCSlots" toml:"cpObjNonGCSlots"`
}

// InitBlkHelperThreshold is the largest constant size not sent to the helper.
func (l Limits) InitBlkHelperThreshold() int { return max(l.InitBlkStos, l.InitBlkUnroll) }

// CpBlkHelperThreshold is the largest constant size not sent to the helper.
func (l Limits) CpBlkHelperThreshold() int { return max(l.CpBlkMovs, l.CpBlkUnroll) }

// DefaultLimits returns the thresholds used when a profile does not override
// them.
func DefaultLimits(arch Arch) Limits {
	switch arch {
	case ArchARM64:
		return Limits{InitBlkUnroll: 64, CpBlkUnroll: 64, CpObjNonGCSlots: 4}
	}
	return Limits{InitBlkUnroll: 128, InitBlkStos: 64, CpBlkUnroll: 64, CpBlkMovs: 16, CpObjNonGCSlots: 4}
}

// Target is the value object every pass is parameterised by. It is
// immutable once built.
type Target struct {
	Name   string
	Arch   Arch
	ISA    ISASet
	ABI    *ABI
	Limits Limits

	// IntRegs and FloatRegs are the allocatable registers of each class.
	IntRegs   RegMask
	FloatRegs RegMask
}

// New builds a target for arch with the given calling convention and
// extensions; the baseline of arch is always included.
func New(name string, arch Arch, conv CallConv, isa ISASet) (*Target, error) {
	abi := DefaultABI(conv)
	if abi == nil {
		return nil, fmt.Errorf("target: unknown calling convention %q", conv)
	}
	t := &Target{
		Name:   name,
		Arch:   arch,
		ABI:    abi,
		Limits: DefaultLimits(arch),
	}
	switch arch {
	case ArchAMD64:
		if conv == ConvAAPCS64 {
			return nil, fmt.Errorf("target: %s does not support %s", arch, conv)
		}
		t.IntRegs, t.FloatRegs = amd64Int, amd64Float
	case ArchARM64:
		if conv != ConvAAPCS64 {
			return nil, fmt.Errorf("target: %s does not support %s", arch, conv)
		}
		t.IntRegs, t.FloatRegs = arm64Int, arm64Float
	default:
		return nil, fmt.Errorf("target: no code generator for %q", arch)
	}
	for _, i := range isa.List() {
		if i.Arch() != arch {
			return nil, fmt.Errorf("target: isa %s is not available on %s", i, arch)
		}
	}
	t.ISA = (isa | BaselineISA(arch)).Implied()
	return t, nil
}

// WithLimits returns a copy of t using l.
func (t *Target) WithLimits(l Limits) *Target {
	c := *t
	c.Limits = l
	return &c
}

func (t *Target) Has(i ISA) bool { return t.ISA.Has(i) }

// UseVEX reports whether three-operand VEX encodings are available.
func (t *Target) UseVEX() bool { return t.Arch == ArchAMD64 && t.ISA.Has(ISAAVX) }

// VectorByteLength is the widest SIMD vector the target supports.
func (t *Target) VectorByteLength() int {
	if t.Arch == ArchAMD64 && t.ISA.Has(ISAAVX2) {
		return 32
	}
	return 16
}

// HasRMW reports read-modify-write memory instruction forms.
func (t *Target) HasRMW() bool { return t.Arch == ArchAMD64 }

// HasMemoryOperands reports whether ALU instructions accept memory sources.
func (t *Target) HasMemoryOperands() bool { return t.Arch == ArchAMD64 }

// ImmFits applies the target's immediate predicate for kind.
func (t *Target) ImmFits(kind ImmKind, v int64, size int) bool {
	return ImmFits(t.Arch, kind, v, size)
}

// RegsOf returns the allocatable registers of class float (true) or int.
func (t *Target) RegsOf(float bool) RegMask {
	if float {
		return t.FloatRegs
	}
	return t.IntRegs
}

func (t *Target) RegName(r Reg, size int) string { return r.Name(t.Arch, size) }

func (t *Target) String() string {
	return fmt.Sprintf("%s (%s/%s) [%s]", t.Name, t.Arch, t.ABI.Conv, t.ISA)
}

var (
	targetsMu sync.RWMutex
	targets   = make(map[string]*Target)
)

// Register makes t available by name. It panics when the name is taken so
// mistakes are caught during init.
func Register(t *Target) {
	if t == nil || t.Name == "" {
		panic("target: cannot register unnamed target")
	}
	targetsMu.Lock()
	defer targetsMu.Unlock()

	if _, exists := targets[t.Name]; exists {
		panic(fmt.Sprintf("target: %s already registered", t.Name))
	}
	targets[t.Name] = t
}

// Lookup returns a registered target.
func Lookup(name string) (*Target, error) {
	targetsMu.RLock()
	defer targetsMu.RUnlock()

	if t, ok := targets[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("target: no target registered as %q", name)
}

// Names lists registered targets in sorted order.
func Names() []string {
	targetsMu.RLock()
	defer targetsMu.RUnlock()

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MustNew is New for static tables.
func MustNew(name string, arch Arch, conv CallConv, isa ISASet) *Target {
	t, err := New(name, arch, conv, isa)
	if err != nil {
		panic(err)
	}
	return t
}

func init() {
	Register(MustNew("amd64-sysv", ArchAMD64, ConvSysV, 0))
	Register(MustNew("amd64-sysv-sse41", ArchAMD64, ConvSysV, NewISASet(ISASSE41, ISAPOPCNT)))
	Register(MustNew("amd64-sysv-avx2", ArchAMD64, ConvSysV,
		NewISASet(ISAAVX2, ISABMI1, ISABMI2, ISAFMA, ISALZCNT, ISAPOPCNT, ISAPCLMULQDQ)))
	Register(MustNew("amd64-windows", ArchAMD64, ConvWindows, 0))
	Register(MustNew("arm64", ArchARM64, ConvAAPCS64, 0))
}
