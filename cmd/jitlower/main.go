// Command jitlower compiles IR files for a target and prints the annotated
// instruction listing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/asm/arm64"
	"github.com/tinyrange/jitlower/internal/config"
	"github.com/tinyrange/jitlower/internal/ir/irfile"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/pipeline"
	"github.com/tinyrange/jitlower/internal/target"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "jitlower: %v\n", err)
		var je *jiterr.Error
		if errors.As(err, &je) && je.Kind == jiterr.BadInput {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: jitlower <command> [flags] [args...]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  compile  compile one IR file and print its listing\n")
	fmt.Fprintf(w, "  batch    compile every IR file in a directory\n")
	fmt.Fprintf(w, "  targets  list the registered targets and the host ISA\n")
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		usage(stderr)
		return jiterr.BadInputf("command required")
	}
	switch args[0] {
	case "compile":
		return runCompile(args[1:], stdout, stderr)
	case "batch":
		return runBatch(args[1:], stdout, stderr)
	case "targets":
		return runTargets(args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return nil
	}
	usage(stderr)
	return jiterr.BadInputf("unknown command %q", args[0])
}

// targetFlags selects a target: a registered name or a profile file, or an
// ad hoc architecture and ISA list.
type targetFlags struct {
	target  string
	arch    string
	isa     string
	host    bool
	verbose bool
}

func (f *targetFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.target, "target", "amd64-sysv", "registered target name or profile file (.yaml, .toml)")
	fs.StringVar(&f.arch, "arch", "", "build an ad hoc target for this architecture (amd64, arm64)")
	fs.StringVar(&f.isa, "isa", "", "comma separated ISA extensions for -arch")
	fs.BoolVar(&f.host, "host", false, "use the running processor's architecture and ISA")
	fs.BoolVar(&f.verbose, "v", false, "log per-node decisions")
}

// resolve returns the selected target and the log level it asks for.
func (f *targetFlags) resolve() (*target.Target, slog.Level, error) {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	switch {
	case f.host:
		t, err := target.Host()
		return t, level, err
	case f.arch != "":
		p := &config.Profile{Version: config.SchemaVersion, Arch: f.arch}
		if f.isa != "" {
			p.ISA = strings.Split(f.isa, ",")
		}
		prof, err := normalized(p)
		if err != nil {
			return nil, level, err
		}
		t, err := prof.Target()
		return t, level, err
	case strings.HasSuffix(f.target, ".yaml") || strings.HasSuffix(f.target, ".yml") || strings.HasSuffix(f.target, ".toml"):
		prof, err := config.Load(f.target)
		if err != nil {
			return nil, level, err
		}
		if !f.verbose && prof.Log.Level != "" {
			level, _ = prof.LogLevel()
		}
		t, err := prof.Target()
		return t, level, err
	}
	t, err := target.Lookup(f.target)
	if err != nil {
		return nil, level, jiterr.BadInputf("%v (registered: %s)", err, strings.Join(target.Names(), ", "))
	}
	return t, level, nil
}

// normalized round-trips an in-memory profile through the YAML codec so
// defaults are filled in exactly as for a profile file.
func normalized(p *config.Profile) (*config.Profile, error) {
	data, err := p.Marshal(config.FormatYAML)
	if err != nil {
		return nil, err
	}
	return config.Parse(data, config.FormatYAML)
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runCompile(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tf targetFlags
	tf.register(fs)
	format := fs.String("format", "text", "output format: text or json")
	color := fs.String("color", "auto", "colour output: auto, always or never")
	output := fs.String("o", "", "also write the encoded method as an ELF image")
	if err := fs.Parse(args); err != nil {
		return jiterr.BadInputf("%v", err)
	}
	if fs.NArg() != 1 {
		return jiterr.BadInputf("compile takes exactly one IR file")
	}
	t, level, err := tf.resolve()
	if err != nil {
		return err
	}
	log := newLogger(stderr, level)

	m, err := irfile.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	p := pipeline.New(t, log)
	res, err := p.Compile(context.Background(), m)
	if err != nil {
		return err
	}

	if *output != "" {
		data, err := elfImage(t, res.Listing)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*output, data, 0o755); err != nil {
			return fmt.Errorf("write %s: %w", *output, err)
		}
		log.Info("wrote image", "path", *output, "bytes", len(data))
	}

	switch *format {
	case "text":
		r := &renderer{color: useColor(*color, stdout)}
		return r.text(stdout, res)
	case "json":
		return writeJSON(stdout, p, res)
	}
	return jiterr.BadInputf("unknown format %q", *format)
}

// elfImage encodes l for t. Static and helper symbols get zeroed slots in
// the image.
func elfImage(t *target.Target, l *asm.Listing) ([]byte, error) {
	if t.Arch == target.ArchARM64 {
		return arm64.ELF(l, asm.ELFConfig{})
	}
	obj, err := amd64.Encode(l)
	if err != nil {
		return nil, err
	}
	return obj.ELF(asm.ELFConfig{}, nil)
}

func useColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	return isTerminal(w)
}

func runTargets(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("targets", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dump := fs.String("dump", "", "print the named target as a profile instead")
	dumpFormat := fs.String("dump-format", "yaml", "profile format for -dump: yaml or toml")
	if err := fs.Parse(args); err != nil {
		return jiterr.BadInputf("%v", err)
	}
	if *dump != "" {
		t, err := target.Lookup(*dump)
		if err != nil {
			return jiterr.BadInputf("%v", err)
		}
		data, err := config.FromTarget(t).Marshal(config.Format(*dumpFormat))
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	rows := [][]string{{"NAME", "ARCH", "ABI", "ISA"}}
	for _, name := range target.Names() {
		t, err := target.Lookup(name)
		if err != nil {
			return err
		}
		rows = append(rows, []string{t.Name, string(t.Arch), string(t.ABI.Conv), t.ISA.String()})
	}
	r := &renderer{color: isTerminal(stdout)}
	r.table(stdout, rows)
	fmt.Fprintf(stdout, "\nhost: %s %s\n", target.HostArch(), target.HostISA())
	return nil
}
