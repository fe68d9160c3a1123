package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

const yamlProfile = `
version: v1.2.0
arch: amd64
abi: windows
isa: [sse41, popcnt]
limits:
  initBlkUnroll: 96
  initBlkStos: 32
  cpBlkUnroll: 48
  cpBlkMovs: 8
  cpObjNonGCSlots: 2
log:
  level: debug
`

const tomlProfile = `
version = "1.2.0"
arch = "arm64"
isa = ["advsimd"]
`

func TestParseYAML(t *testing.T) {
	p, err := Parse([]byte(yamlProfile), FormatYAML)
	if err != nil {
		t.Fatalf("Parse(): %v", err)
	}
	tgt, err := p.Target()
	if err != nil {
		t.Fatalf("Target(): %v", err)
	}
	if tgt.Arch != target.ArchAMD64 || tgt.ABI.Conv != target.ConvWindows {
		t.Fatalf("target = %s", tgt)
	}
	if !tgt.Has(target.ISASSE41) || !tgt.Has(target.ISASSSE3) || !tgt.Has(target.ISAPOPCNT) {
		t.Fatalf("isa = %s", tgt.ISA)
	}
	if tgt.Limits.InitBlkUnroll != 96 || tgt.Limits.CpBlkHelperThreshold() != 48 {
		t.Fatalf("limits = %+v", tgt.Limits)
	}
	if p.Name != "amd64-windows" {
		t.Fatalf("Name=%q", p.Name)
	}
}

func TestParseTOML(t *testing.T) {
	p, err := Parse([]byte(tomlProfile), FormatTOML)
	if err != nil {
		t.Fatalf("Parse(): %v", err)
	}
	if p.Version != "v1.2.0" || p.ABI != "aapcs64" {
		t.Fatalf("normalized profile = %+v", p)
	}
	tgt, err := p.Target()
	if err != nil {
		t.Fatalf("Target(): %v", err)
	}
	if tgt.Limits.CpBlkUnroll != 64 {
		t.Fatalf("default arm64 limits = %+v", tgt.Limits)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	p := &Profile{Version: "v0.9.0", Arch: "amd64", ABI: "fastcall", ISA: []string{"advsimd", "mmx"}, Log: LogConfig{Level: "loud"}}
	err := p.Validate()
	if err == nil {
		t.Fatalf("Validate() accepted a broken profile")
	}
	if !jiterr.IsBadInput(err) {
		t.Fatalf("Validate() kind=%v, want bad-input", jiterr.KindOf(err))
	}
	for _, want := range []string{"unsupported major", "fastcall", "mmx", "loud"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate()=%q, missing %q", err, want)
		}
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	if _, err := Parse([]byte("arch: amd64\nregisters: 3\n"), FormatYAML); err == nil {
		t.Fatalf("Parse() accepted an unknown field")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	tgt, err := target.Lookup("amd64-sysv-avx2")
	if err != nil {
		t.Fatalf("Lookup(): %v", err)
	}
	dir := t.TempDir()
	for _, format := range []Format{FormatYAML, FormatTOML} {
		data, err := FromTarget(tgt).Marshal(format)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", format, err)
		}
		path := filepath.Join(dir, "p."+string(format))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write profile: %v", err)
		}
		p, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", format, err)
		}
		got, err := p.Target()
		if err != nil {
			t.Fatalf("Target(): %v", err)
		}
		if got.ISA != tgt.ISA || got.Limits != tgt.Limits {
			t.Fatalf("%s round trip: isa %s limits %+v, want %s %+v", format, got.ISA, got.Limits, tgt.ISA, tgt.Limits)
		}
	}
	if _, err := Load(filepath.Join(dir, "p.json")); err == nil {
		t.Fatalf("Load() accepted a .json profile")
	}
}
