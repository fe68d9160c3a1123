package arm64

import (
	"debug/elf"

	"github.com/tinyrange/jitlower/internal/asm"
)

// ELF encodes l and wraps the code in an executable image whose entry
// point is the first instruction. Calls to external symbols are not
// encodable yet.
func ELF(l *asm.Listing, cfg asm.ELFConfig) ([]byte, error) {
	code, err := Encode(l)
	if err != nil {
		return nil, err
	}
	return asm.WriteELF(elf.EM_AARCH64, code, 0, cfg)
}
