package amd64

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/target"
)

// staticCall loads a static, calls a helper and returns.
func staticCall(t *testing.T) *Object {
	t.Helper()
	l := NewListing(false)
	l.EmitRM(MOV, asm.S8, target.RAX, asm.StaticMem("counter", 0))
	l.EmitCall(CALL, "jit_helper", target.RegNone)
	l.EmitNone(RET, asm.S8)
	obj, err := Encode(l)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return obj
}

func relocFor(t *testing.T, obj *Object, sym string) Reloc {
	t.Helper()
	for _, r := range obj.Relocs {
		if r.Sym == sym {
			return r
		}
	}
	t.Fatalf("no relocation for %s in %+v", sym, obj.Relocs)
	return Reloc{}
}

func TestLinkPlacesMissingSymbols(t *testing.T) {
	obj := staticCall(t)
	const base = 0x10000
	image, placed, bss, err := obj.Link(base, map[string]uint64{"jit_helper": 0x8000})
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	addr, ok := placed["counter"]
	if !ok {
		t.Fatalf("counter was not placed: %v", placed)
	}
	if addr < base+uint64(len(image)) || addr%symbolSlot != 0 {
		t.Fatalf("counter at %#x, want an aligned slot after %#x", addr, base+len(image))
	}
	if end := base + uint64(len(image)) + bss; addr+symbolSlot > end {
		t.Fatalf("counter slot %#x outside the zeroed area ending at %#x", addr, end)
	}
	for _, sym := range []string{"counter", "jit_helper"} {
		r := relocFor(t, obj, sym)
		rel := int64(int32(binary.LittleEndian.Uint32(image[r.Offset:])))
		if got := uint64(int64(base+r.Offset+4) + rel - int64(r.Addend)); got != placed[sym] {
			t.Fatalf("%s resolves to %#x, want %#x", sym, got, placed[sym])
		}
	}
}

func TestLinkOutOfRange(t *testing.T) {
	obj := staticCall(t)
	if _, _, _, err := obj.Link(0x10000, map[string]uint64{"jit_helper": 1 << 40}); err == nil {
		t.Fatalf("Link accepted a helper beyond rel32 range")
	}
}

func TestELFHeader(t *testing.T) {
	obj := staticCall(t)
	cfg := asm.DefaultELFConfig()
	data, err := obj.ELF(asm.ELFConfig{}, nil)
	if err != nil {
		t.Fatalf("ELF failed: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()

	if got, want := f.FileHeader.Machine, elf.EM_X86_64; got != want {
		t.Fatalf("machine=%v, want %v", got, want)
	}
	if got, want := f.FileHeader.Entry, cfg.BaseAddress; got != want {
		t.Fatalf("entry point=%#x, want %#x", got, want)
	}
	if len(f.Progs) != 1 {
		t.Fatalf("expected single program header, got %d", len(f.Progs))
	}
	ph := f.Progs[0]
	if got, want := ph.Off, cfg.SegmentOffset; got != want {
		t.Fatalf("segment offset=%#x, want %#x", got, want)
	}
	if got, want := ph.Filesz, uint64(len(obj.Image())); got != want {
		t.Fatalf("segment filesz=%d, want %d", got, want)
	}
	if ph.Memsz < ph.Filesz+symbolSlot {
		t.Fatalf("segment memsz=%d leaves no room for the counter slot", ph.Memsz)
	}
	// The first bytes are the mov opcode; only its displacement is patched.
	if got := data[cfg.SegmentOffset : cfg.SegmentOffset+3]; !bytes.Equal(got, obj.Text[:3]) {
		t.Fatalf("code prefix=%x, want %x", got, obj.Text[:3])
	}
}

func TestELFCustomConfig(t *testing.T) {
	obj := staticCall(t)
	cfg := asm.ELFConfig{
		BaseAddress:      0x500000,
		SegmentOffset:    0x2000,
		SegmentAlignment: 0x1000,
		SegmentFlags:     elf.PF_R | elf.PF_X,
	}
	data, err := obj.ELF(cfg, nil)
	if err != nil {
		t.Fatalf("ELF failed: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()
	if got, want := f.FileHeader.Entry, cfg.BaseAddress; got != want {
		t.Fatalf("entry point=%#x, want %#x", got, want)
	}
	if got, want := f.Progs[0].Flags, cfg.SegmentFlags; got != want {
		t.Fatalf("segment flags=%v, want %v", got, want)
	}

	cfg.SegmentOffset = 0x10
	if _, err := obj.ELF(cfg, nil); err == nil {
		t.Fatalf("ELF accepted a segment offset inside the headers")
	}
}
