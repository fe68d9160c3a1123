package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/pipeline"
)

const (
	sgrReset = "\x1b[0m"
	sgrBold  = "\x1b[1m"
	sgrDim   = "\x1b[2m"
	sgrCyan  = "\x1b[36m"
	sgrGreen = "\x1b[32m"
	sgrRed   = "\x1b[31m"
)

// maxNodeWidth bounds the node column; longer descriptions are truncated.
const maxNodeWidth = 28

type renderer struct {
	color bool
}

func (r *renderer) paint(sgr, s string) string {
	if !r.color || s == "" {
		return s
	}
	return sgr + s + sgrReset
}

// pad right-pads s to width display cells, ignoring escape sequences.
func pad(s string, width int) string {
	if w := ansi.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// table prints rows with columns aligned on display width. The first row is
// a header.
func (r *renderer) table(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for n, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if n == 0 {
				cell = r.paint(sgrBold, cell)
			}
			if i == len(row)-1 {
				b.WriteString(cell)
				continue
			}
			b.WriteString(pad(cell, widths[i]+2))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func nodeLabel(m *ir.Method, id uint32) string {
	if id == 0 {
		return ""
	}
	n := m.NodeByID(ir.NodeID(id))
	if n == nil {
		return fmt.Sprintf("n%d", id)
	}
	return ansi.Truncate(n.String(), maxNodeWidth, "…")
}

// text prints the listing with the IR node each instruction came from. Runs
// of instructions from the same node show the node once.
func (r *renderer) text(w io.Writer, res *pipeline.Result) error {
	l := res.Listing
	fmt.Fprintf(w, "%s %s\n", r.paint(sgrBold, res.Method.Name),
		r.paint(sgrDim, fmt.Sprintf("(%d instructions, %s)", l.Len(), res.Elapsed.Round(time.Microsecond))))

	var rows [][]string
	var last uint32
	for _, in := range l.Instrs() {
		if in.Form == asm.FormLabel {
			rows = append(rows, []string{r.paint(sgrGreen, l.Format(in)), ""})
			last = 0
			continue
		}
		note := ""
		if in.Node != last {
			note = r.paint(sgrDim, "; "+nodeLabel(res.Method, in.Node))
			last = in.Node
		}
		rows = append(rows, []string{"    " + r.colorInstr(l, in), note})
	}
	width := 0
	for _, row := range rows {
		width = max(width, ansi.StringWidth(row[0]))
	}
	for _, row := range rows {
		if row[1] == "" {
			fmt.Fprintln(w, row[0])
			continue
		}
		fmt.Fprintf(w, "%s  %s\n", pad(row[0], width), row[1])
	}
	for _, tbl := range l.Tables() {
		fmt.Fprintf(w, "%s dd %d cases relative to %s\n", r.paint(sgrGreen, string(tbl.Label)+":"), len(tbl.Cases), tbl.Base)
	}
	return nil
}

func (r *renderer) colorInstr(l *asm.Listing, in asm.Instr) string {
	s := l.Format(in)
	if !r.color {
		return s
	}
	mn := l.Mnemonic(in)
	if rest, ok := strings.CutPrefix(s, mn); ok {
		return r.paint(sgrCyan, mn) + rest
	}
	return s
}

type jsonInstr struct {
	Node  uint32 `json:"node,omitempty"`
	Label string `json:"label,omitempty"`
	Text  string `json:"text,omitempty"`
}

type jsonTable struct {
	Label string   `json:"label"`
	Base  string   `json:"base"`
	Cases []string `json:"cases"`
}

type jsonResult struct {
	Session      string      `json:"session"`
	Target       string      `json:"target"`
	Method       string      `json:"method"`
	ElapsedMicro int64       `json:"elapsedMicros"`
	Instrs       []jsonInstr `json:"instructions"`
	Tables       []jsonTable `json:"tables,omitempty"`
}

func writeJSON(w io.Writer, p *pipeline.Pipeline, res *pipeline.Result) error {
	l := res.Listing
	out := jsonResult{
		Session:      p.Session().String(),
		Target:       p.Target().Name,
		Method:       res.Method.Name,
		ElapsedMicro: res.Elapsed.Microseconds(),
	}
	for _, in := range l.Instrs() {
		if in.Form == asm.FormLabel {
			out.Instrs = append(out.Instrs, jsonInstr{Label: string(in.Label)})
			continue
		}
		out.Instrs = append(out.Instrs, jsonInstr{Node: in.Node, Text: l.Format(in)})
	}
	for _, tbl := range l.Tables() {
		jt := jsonTable{Label: string(tbl.Label), Base: string(tbl.Base)}
		for _, c := range tbl.Cases {
			jt.Cases = append(jt.Cases, string(c))
		}
		out.Tables = append(out.Tables, jt)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
