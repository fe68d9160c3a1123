package target

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostArch returns the architecture the process runs on.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchAMD64
	case "arm64":
		return ArchARM64
	}
	return ArchInvalid
}

// HostISA detects the extensions of the running processor.
func HostISA() ISASet {
	var s ISASet
	switch HostArch() {
	case ArchAMD64:
		s = BaselineISA(ArchAMD64)
		add := func(ok bool, i ISA) {
			if ok {
				s = s.With(i)
			}
		}
		add(cpu.X86.HasSSE3, ISASSE3)
		add(cpu.X86.HasSSSE3, ISASSSE3)
		add(cpu.X86.HasSSE41, ISASSE41)
		add(cpu.X86.HasSSE42, ISASSE42)
		add(cpu.X86.HasAVX, ISAAVX)
		add(cpu.X86.HasAVX2, ISAAVX2)
		add(cpu.X86.HasBMI1, ISABMI1)
		add(cpu.X86.HasBMI2, ISABMI2)
		add(cpu.X86.HasFMA, ISAFMA)
		add(cpu.X86.HasPOPCNT, ISAPOPCNT)
		add(cpu.X86.HasPCLMULQDQ, ISAPCLMULQDQ)
		// x/sys/cpu does not report LZCNT; BMI1 hardware always has it.
		add(cpu.X86.HasBMI1, ISALZCNT)
	case ArchARM64:
		s = BaselineISA(ArchARM64)
	}
	return s
}

// Host builds a target for the running processor.
func Host() (*Target, error) {
	arch := HostArch()
	conv := ConvSysV
	switch {
	case arch == ArchARM64:
		conv = ConvAAPCS64
	case runtime.GOOS == "windows":
		conv = ConvWindows
	}
	return New("host", arch, conv, HostISA())
}
