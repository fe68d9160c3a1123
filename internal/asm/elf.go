package asm

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

// ELFConfig controls the layout of a standalone ELF image.
type ELFConfig struct {
	// BaseAddress is the virtual address of the first code byte, which is
	// also the entry point.
	BaseAddress uint64
	// SegmentOffset is the file offset of the loadable segment. It must be
	// aligned to SegmentAlignment and leave room for the headers.
	SegmentOffset    uint64
	SegmentAlignment uint64
	SegmentFlags     elf.ProgFlag
}

// DefaultELFConfig is the layout used when a field is left zero.
func DefaultELFConfig() ELFConfig {
	return ELFConfig{
		BaseAddress:      0x401000,
		SegmentOffset:    0x1000,
		SegmentAlignment: 0x1000,
		SegmentFlags:     elf.PF_R | elf.PF_W | elf.PF_X,
	}
}

func (cfg ELFConfig) withDefaults() ELFConfig {
	d := DefaultELFConfig()
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = d.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = d.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = d.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = d.SegmentFlags
	}
	return cfg
}

// Resolved fills in the defaults of cfg.
func (cfg ELFConfig) Resolved() ELFConfig { return cfg.withDefaults() }

func (cfg ELFConfig) validate() error {
	if cfg.SegmentOffset < elfHeaderSize+elfProgramHeaderSize {
		return fmt.Errorf("elf: segment offset %#x too small for the headers", cfg.SegmentOffset)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("elf: segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("elf: segment offset %#x is not aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress < cfg.SegmentOffset || (cfg.BaseAddress-cfg.SegmentOffset)%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("elf: base address %#x is not congruent to offset %#x", cfg.BaseAddress, cfg.SegmentOffset)
	}
	return nil
}

// WriteELF wraps an already relocated image in a one-segment ELF
// executable for machine. bss zeroed bytes follow the image in memory.
func WriteELF(machine elf.Machine, image []byte, bss uint64, cfg ELFConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	out := make([]byte, int(cfg.SegmentOffset), int(cfg.SegmentOffset)+len(image))

	h := out[:elfHeaderSize]
	copy(h, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	binary.LittleEndian.PutUint16(h[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(h[18:], uint16(machine))
	binary.LittleEndian.PutUint32(h[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(h[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(h[32:], elfHeaderSize)
	binary.LittleEndian.PutUint16(h[52:], elfHeaderSize)
	binary.LittleEndian.PutUint16(h[54:], elfProgramHeaderSize)
	binary.LittleEndian.PutUint16(h[56:], 1)

	ph := out[elfHeaderSize : elfHeaderSize+elfProgramHeaderSize]
	binary.LittleEndian.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(ph[4:], uint32(cfg.SegmentFlags))
	binary.LittleEndian.PutUint64(ph[8:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(ph[16:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(ph[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(image)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(image))+bss)
	binary.LittleEndian.PutUint64(ph[48:], cfg.SegmentAlignment)

	return append(out, image...), nil
}
