package main

import (
	"bytes"
	"debug/elf"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

const addDoc = `
name: addc
locals: [{name: a, type: long, tracked: true}]
body:
  - op: return
    args:
      - op: add
        args: [{op: lcl_var, local: a}, {op: cns_int, type: long, value: 100}]
`

const fmodDoc = `
name: fmod
body:
  - op: return
    args:
      - op: mod
        type: double
        args: [{op: cls_var, type: double, sym: a}, {op: cls_var, type: double, sym: b}]
`

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runArgs(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestTargets(t *testing.T) {
	out, _, err := runArgs("targets")
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	for _, name := range target.Names() {
		if !strings.Contains(out, name) {
			t.Fatalf("targets output lacks %s:\n%s", name, out)
		}
	}
	if !strings.Contains(out, "host: ") {
		t.Fatalf("targets output lacks the host line:\n%s", out)
	}

	out, _, err = runArgs("targets", "-dump", "amd64-sysv-avx2")
	if err != nil {
		t.Fatalf("targets -dump: %v", err)
	}
	if !strings.Contains(out, "avx2") || !strings.Contains(out, "arch: amd64") {
		t.Fatalf("dump=%q", out)
	}
}

func TestCompileText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "addc.yaml", addDoc)
	for _, tt := range []struct {
		target string
		want   string
	}{
		{"amd64-sysv", "0x64"},
		{"arm64", "#0x64"},
	} {
		out, _, err := runArgs("compile", "-target", tt.target, path)
		if err != nil {
			t.Fatalf("%s: compile: %v", tt.target, err)
		}
		if !strings.HasPrefix(out, "addc ") || !strings.Contains(out, tt.want) {
			t.Fatalf("%s: output lacks %q:\n%s", tt.target, tt.want, out)
		}
		if strings.Contains(out, "\x1b[") {
			t.Fatalf("%s: colour written to a non-terminal", tt.target)
		}
	}
}

func TestCompileImage(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "addc.yaml", addDoc)
	out := filepath.Join(dir, "addc.elf")
	if _, _, err := runArgs("compile", "-o", out, path); err != nil {
		t.Fatalf("compile -o: %v", err)
	}
	f, err := elf.Open(out)
	if err != nil {
		t.Fatalf("elf.Open(): %v", err)
	}
	defer f.Close()
	if f.Machine != elf.EM_X86_64 || len(f.Progs) != 1 {
		t.Fatalf("image machine=%v progs=%d", f.Machine, len(f.Progs))
	}
}

func TestCompileJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "addc.yaml", addDoc)
	out, _, err := runArgs("compile", "-format", "json", path)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var res jsonResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("Unmarshal(): %v\n%s", err, out)
	}
	if res.Method != "addc" || res.Target != "amd64-sysv" || len(res.Instrs) == 0 || res.Session == "" {
		t.Fatalf("result=%+v", res)
	}
}

func TestCompileProfile(t *testing.T) {
	dir := t.TempDir()
	prof := writeFile(t, dir, "arm.toml", "version = \"v1.2.0\"\narch = \"arm64\"\n[log]\nlevel = \"debug\"\n")
	path := writeFile(t, dir, "addc.yaml", addDoc)
	out, stderr, err := runArgs("compile", "-target", prof, path)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out, "#0x64") {
		t.Fatalf("output is not arm64:\n%s", out)
	}
	if !strings.Contains(stderr, "level=DEBUG") {
		t.Fatalf("profile log level ignored, stderr=%q", stderr)
	}
}

func TestResolveAdHoc(t *testing.T) {
	tf := targetFlags{arch: "amd64", isa: "sse41,popcnt"}
	tgt, _, err := tf.resolve()
	if err != nil {
		t.Fatalf("resolve(): %v", err)
	}
	if tgt.Arch != target.ArchAMD64 || !tgt.Has(target.ISASSE41) {
		t.Fatalf("target=%s", tgt)
	}

	tf = targetFlags{arch: "arm64", isa: "avx2"}
	if _, _, err := tf.resolve(); !jiterr.IsBadInput(err) {
		t.Fatalf("resolve(arm64+avx2)=%v, want bad input", err)
	}
	tf = targetFlags{target: "vax"}
	if _, _, err := tf.resolve(); !jiterr.IsBadInput(err) {
		t.Fatalf("resolve(vax)=%v, want bad input", err)
	}
}

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", addDoc)
	writeFile(t, dir, "b.yaml", fmodDoc)
	writeFile(t, dir, "c.yml", "name: broken\nbody: [{op: nope}]\n")
	writeFile(t, dir, "notes.txt", "ignored")

	out, _, err := runArgs("batch", "-target", "arm64", dir)
	if err == nil {
		t.Fatalf("batch succeeded with failing files")
	}
	if !strings.Contains(out, "3 files") || !strings.Contains(out, "1 compiled") {
		t.Fatalf("summary wrong:\n%s", out)
	}
	nyi := strings.Index(out, "nyi (1)")
	bad := strings.Index(out, "bad-input (1)")
	if nyi < 0 || bad < 0 {
		t.Fatalf("failures not grouped by kind:\n%s", out)
	}
	if nyi > bad || !strings.Contains(out[nyi:bad], "b.yaml") || !strings.Contains(out[bad:], "c.yml") {
		t.Fatalf("files under the wrong group:\n%s", out)
	}
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{nil, {"frob"}, {"compile"}, {"batch"}} {
		if _, _, err := runArgs(args...); !jiterr.IsBadInput(err) {
			t.Fatalf("run(%q)=%v, want bad input", args, err)
		}
	}
}

func TestTableAlignsColouredCells(t *testing.T) {
	r := &renderer{color: true}
	var buf bytes.Buffer
	r.table(&buf, [][]string{
		{"K", "V"},
		{r.paint(sgrRed, "red"), "1"},
		{"plain", "2"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	col := func(s string) int { return ansi.StringWidth(s[:strings.LastIndexByte(s, ' ')+1]) }
	if col(lines[1]) != col(lines[2]) {
		t.Fatalf("columns misaligned: %q vs %q", lines[1], lines[2])
	}
}
