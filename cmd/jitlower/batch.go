package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/jitlower/internal/ir/irfile"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/pipeline"
)

// failure is one file that did not compile.
type failure struct {
	path string
	err  error
}

// batchReport groups failures by error kind.
type batchReport struct {
	total    int
	ok       int
	failures map[jiterr.Kind][]failure
}

func irFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".toml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch: walk %s: %w", dir, err)
	}
	slices.Sort(files)
	return files, nil
}

// compileFiles compiles every file with p, advancing bar once per file.
func compileFiles(ctx context.Context, p *pipeline.Pipeline, files []string, bar *progressbar.ProgressBar, log *slog.Logger) *batchReport {
	rep := &batchReport{total: len(files), failures: make(map[jiterr.Kind][]failure)}
	for _, path := range files {
		err := compileFile(ctx, p, path)
		if err != nil {
			kind := jiterr.KindOf(err)
			rep.failures[kind] = append(rep.failures[kind], failure{path: path, err: err})
			log.Debug("compile failed", "file", path, "kind", kind, "err", err)
		} else {
			rep.ok++
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return rep
}

func compileFile(ctx context.Context, p *pipeline.Pipeline, path string) error {
	m, err := irfile.Load(path)
	if err != nil {
		return err
	}
	_, err = p.Compile(ctx, m)
	return err
}

func (r *batchReport) failed() int { return r.total - r.ok }

func (r *batchReport) print(w io.Writer, rd *renderer) {
	fmt.Fprintf(w, "%d files, %s, %s\n", r.total,
		rd.paint(sgrGreen, fmt.Sprintf("%d compiled", r.ok)),
		rd.paint(sgrRed, fmt.Sprintf("%d failed", r.failed())))
	kinds := make([]jiterr.Kind, 0, len(r.failures))
	for k := range r.failures {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		group := r.failures[k]
		fmt.Fprintf(w, "\n%s (%d)\n", rd.paint(sgrBold, k.String()), len(group))
		rows := [][]string{{"FILE", "ERROR"}}
		for _, f := range group {
			rows = append(rows, []string{f.path, f.err.Error()})
		}
		rd.table(w, rows)
	}
}

func runBatch(args []string, stdout, stderr io.Writer) error {
	fset := flag.NewFlagSet("batch", flag.ContinueOnError)
	fset.SetOutput(stderr)
	var tf targetFlags
	tf.register(fset)
	if err := fset.Parse(args); err != nil {
		return jiterr.BadInputf("%v", err)
	}
	if fset.NArg() != 1 {
		return jiterr.BadInputf("batch takes exactly one directory")
	}
	t, level, err := tf.resolve()
	if err != nil {
		return err
	}
	log := newLogger(stderr, level)

	files, err := irFiles(fset.Arg(0))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return jiterr.BadInputf("batch: no IR files under %s", fset.Arg(0))
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("compiling"),
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionSetVisibility(isTerminal(stderr)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	p := pipeline.New(t, log)
	rep := compileFiles(context.Background(), p, files, bar, log)
	_ = bar.Finish()

	rep.print(stdout, &renderer{color: isTerminal(stdout)})
	if n := rep.failed(); n > 0 {
		return fmt.Errorf("%d of %d files failed", n, rep.total)
	}
	return nil
}
