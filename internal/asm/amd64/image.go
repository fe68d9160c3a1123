package amd64

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/tinyrange/jitlower/internal/asm"
)

// symbolSlot is the zeroed space reserved for each symbol the caller does
// not place; it fits the widest static operand.
const symbolSlot = 32

// Link resolves o's relocations for an image loaded at base. Symbols
// missing from syms are given zeroed slots after the image; their addresses
// are returned with the image and the size of the zeroed area.
func (o *Object) Link(base uint64, syms map[string]uint64) (image []byte, placed map[string]uint64, bss uint64, err error) {
	image = o.Image()
	placed = make(map[string]uint64, len(syms))
	maps.Copy(placed, syms)

	end := (uint64(len(image)) + symbolSlot - 1) &^ (symbolSlot - 1)
	var missing []string
	for _, r := range o.Relocs {
		if _, ok := placed[r.Sym]; !ok && !slices.Contains(missing, r.Sym) {
			missing = append(missing, r.Sym)
		}
	}
	slices.Sort(missing)
	for _, sym := range missing {
		placed[sym] = base + end + bss
		bss += symbolSlot
	}
	// The padding up to the first slot is zeroed memory too.
	bss += end - uint64(len(image))

	for _, r := range o.Relocs {
		pc := base + uint64(r.Offset) + 4
		rel := int64(placed[r.Sym]) - int64(pc) + int64(r.Addend)
		if rel != int64(int32(rel)) {
			return nil, nil, 0, fmt.Errorf("amd64: %s is out of rel32 range of offset %#x", r.Sym, r.Offset)
		}
		binary.LittleEndian.PutUint32(image[r.Offset:], uint32(int32(rel)))
	}
	return image, placed, bss, nil
}

// ELF links o at cfg's base address and wraps it in an executable image
// whose entry point is the first instruction.
func (o *Object) ELF(cfg asm.ELFConfig, syms map[string]uint64) ([]byte, error) {
	cfg = cfg.Resolved()
	image, _, bss, err := o.Link(cfg.BaseAddress, syms)
	if err != nil {
		return nil, err
	}
	return asm.WriteELF(elf.EM_X86_64, image, bss, cfg)
}
